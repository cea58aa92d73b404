// Package authz implements the scope/role/permission model and the policy
// enforcer behind every app operation.
package authz

import "strings"

// IdentifierPrefix marks subjects that authenticated with a bearer token
// mapped to a named identifier in configuration.
const IdentifierPrefix = "identifier:"

// WildcardSubject is the assignment pattern matching every user.
const WildcardSubject = "*"

// CurrentUser is the authenticated caller of an operation.
type CurrentUser struct {
	// Subject is the canonical policy subject: a lowercased email address
	// or an "identifier:<name>" bearer identity.
	Subject string `json:"subject"`
	// Email is set for OAuth users.
	Email string `json:"email,omitempty"`
	// Name is a display name, when the identity provider supplied one.
	Name string `json:"name,omitempty"`
	// AuthMethod records how the user authenticated: "oauth", "bearer" or
	// "dev".
	AuthMethod string `json:"auth_method,omitempty"`
}

// NewEmailUser builds a CurrentUser for an email identity.
func NewEmailUser(email, name, method string) CurrentUser {
	return CurrentUser{
		Subject:    strings.ToLower(email),
		Email:      strings.ToLower(email),
		Name:       name,
		AuthMethod: method,
	}
}

// NewIdentifierUser builds a CurrentUser for a bearer-token identity.
func NewIdentifierUser(identifier string) CurrentUser {
	return CurrentUser{
		Subject:    IdentifierPrefix + identifier,
		AuthMethod: "bearer",
	}
}

// IsIdentifier reports whether the user authenticated via a named bearer
// token.
func (u CurrentUser) IsIdentifier() bool {
	return strings.HasPrefix(u.Subject, IdentifierPrefix)
}
