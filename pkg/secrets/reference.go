// Package secrets resolves 1Password secret references and bash-style
// environment expansions in app environment maps.
package secrets

import (
	"fmt"
	"strings"
)

// ReferencePrefix marks a value as a secret reference.
const ReferencePrefix = "op://"

// Reference is a parsed secret reference of the form
// op://<token-name>/<vault>/<item>/<field> or
// op://<token-name>/<vault>/<item>/<section>/<field>.
type Reference struct {
	TokenName string
	Vault     string
	Item      string
	Section   string
	Field     string
}

// IsReference reports whether the value looks like a secret reference.
func IsReference(value string) bool {
	return strings.HasPrefix(value, ReferencePrefix)
}

// ParseReference splits a secret reference into its components.
func ParseReference(value string) (Reference, error) {
	if !IsReference(value) {
		return Reference{}, fmt.Errorf("not a secret reference: %s", value)
	}
	parts := strings.Split(strings.TrimPrefix(value, ReferencePrefix), "/")
	switch len(parts) {
	case 4:
		return Reference{TokenName: parts[0], Vault: parts[1], Item: parts[2], Field: parts[3]}, nil
	case 5:
		return Reference{TokenName: parts[0], Vault: parts[1], Item: parts[2], Section: parts[3], Field: parts[4]}, nil
	default:
		return Reference{}, fmt.Errorf("invalid secret reference %q: want op://token/vault/item[/section]/field", value)
	}
}

// ProviderPath renders the reference the way the op CLI expects it, with
// the token name stripped.
func (r Reference) ProviderPath() string {
	if r.Section != "" {
		return fmt.Sprintf("op://%s/%s/%s/%s", r.Vault, r.Item, r.Section, r.Field)
	}
	return fmt.Sprintf("op://%s/%s/%s", r.Vault, r.Item, r.Field)
}
