package authz

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Permission is a single action a role may grant.
type Permission string

const (
	PermissionView       Permission = "view"
	PermissionManage     Permission = "manage"
	PermissionShell      Permission = "shell"
	PermissionLogs       Permission = "logs"
	PermissionCreate     Permission = "create"
	PermissionDestroy    Permission = "destroy"
	PermissionAdminRead  Permission = "admin_read"
	PermissionAdminWrite Permission = "admin_write"

	// PermissionWildcard grants every concrete permission.
	PermissionWildcard Permission = "*"
)

// AllPermissions lists every concrete permission, used to expand the
// wildcard into policy triples.
var AllPermissions = []Permission{
	PermissionView,
	PermissionManage,
	PermissionShell,
	PermissionLogs,
	PermissionCreate,
	PermissionDestroy,
	PermissionAdminRead,
	PermissionAdminWrite,
}

// ParsePermission validates a permission string.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToLower(s))
	if p == PermissionWildcard {
		return p, nil
	}
	for _, known := range AllPermissions {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// WildcardScope grants a role in every existing scope at check time.
const WildcardScope = "*"

// RoleGrant binds one role to a set of scopes within an assignment.
type RoleGrant struct {
	Role   string   `yaml:"role"`
	Scopes []string `yaml:"scopes"`
}

// Policy is the on-disk authorization model, persisted as policy.yaml in
// the casbin directory.
type Policy struct {
	Scopes      []string                `yaml:"scopes"`
	Roles       map[string][]Permission `yaml:"roles"`
	Assignments map[string][]RoleGrant  `yaml:"assignments"`
	AppScopes   map[string][]string     `yaml:"app_scopes,omitempty"`
}

// NewFallbackPolicy builds the in-memory policy used when the policy file
// is absent or invalid. legacyToken optionally grants admin to a single
// bearer identifier.
func NewFallbackPolicy(legacyIdentifier string) *Policy {
	policy := &Policy{
		Scopes: []string{"default"},
		Roles: map[string][]Permission{
			"admin": {PermissionWildcard},
			"user":  {PermissionView, PermissionManage, PermissionLogs},
		},
		Assignments: map[string][]RoleGrant{},
		AppScopes:   map[string][]string{},
	}
	if legacyIdentifier != "" {
		policy.Assignments[IdentifierPrefix+legacyIdentifier] = []RoleGrant{
			{Role: "admin", Scopes: []string{WildcardScope}},
		}
	}
	return policy
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if policy.Roles == nil {
		policy.Roles = map[string][]Permission{}
	}
	if policy.Assignments == nil {
		policy.Assignments = map[string][]RoleGrant{}
	}
	if policy.AppScopes == nil {
		policy.AppScopes = map[string][]string{}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Save writes the policy back to its file.
func (p *Policy) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write policy file %s: %w", path, err)
	}
	return nil
}

// Validate checks internal consistency: known permissions, known roles
// and scopes in assignments, valid user patterns.
func (p *Policy) Validate() error {
	scopes := make(map[string]bool, len(p.Scopes))
	for _, scope := range p.Scopes {
		scopes[scope] = true
	}
	for role, perms := range p.Roles {
		for _, perm := range perms {
			if _, err := ParsePermission(string(perm)); err != nil {
				return fmt.Errorf("role %s: %w", role, err)
			}
		}
	}
	for pattern, grants := range p.Assignments {
		if err := ValidateUserPattern(pattern); err != nil {
			return err
		}
		for _, grant := range grants {
			if _, ok := p.Roles[grant.Role]; !ok {
				return fmt.Errorf("assignment %s references unknown role %q", pattern, grant.Role)
			}
			for _, scope := range grant.Scopes {
				if scope != WildcardScope && !scopes[scope] {
					return fmt.Errorf("assignment %s references unknown scope %q", pattern, scope)
				}
			}
		}
	}
	return nil
}

// HasScope reports whether the scope exists.
func (p *Policy) HasScope(name string) bool {
	for _, scope := range p.Scopes {
		if scope == name {
			return true
		}
	}
	return false
}

// ValidateUserPattern accepts exact emails, domain patterns, bearer
// identifiers and the wildcard.
func ValidateUserPattern(pattern string) error {
	switch {
	case pattern == WildcardSubject:
		return nil
	case strings.HasPrefix(pattern, IdentifierPrefix):
		if pattern == IdentifierPrefix {
			return fmt.Errorf("identifier pattern needs a name after %q", IdentifierPrefix)
		}
		return nil
	case strings.HasPrefix(pattern, "@"):
		return ValidateDomainPattern(pattern)
	case strings.Contains(pattern, "@"):
		return nil
	default:
		return fmt.Errorf("invalid user pattern %q: want an email, @domain, identifier:<name> or *", pattern)
	}
}

// ValidateDomainPattern checks the @domain.tld form: leading @, at least
// one dot, no further @.
func ValidateDomainPattern(pattern string) error {
	if !strings.HasPrefix(pattern, "@") {
		return fmt.Errorf("domain pattern %q must start with @", pattern)
	}
	rest := pattern[1:]
	if !strings.Contains(rest, ".") {
		return fmt.Errorf("domain pattern %q must contain a dot", pattern)
	}
	if strings.Contains(rest, "@") {
		return fmt.Errorf("domain pattern %q must not contain a second @", pattern)
	}
	return nil
}

// sortedCopy returns a sorted, deduplicated copy of names.
func sortedCopy(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
