package authz

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
)

// defaultModel is the enforcer schema written to <casbin_dir>/model.conf
// when none exists. Policies are (subject, scope, action) triples; g
// groups apps into scopes.
const defaultModel = `[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (g(r.obj, p.obj) || r.obj == p.obj) && r.act == p.act
`

const (
	policyFileName = "policy.yaml"
	modelFileName  = "model.conf"
)

// Config wires the authorization engine.
type Config struct {
	// Dir holds policy.yaml and model.conf.
	Dir string
	// Tokens maps bearer identifiers to their token values.
	Tokens map[string]string
	// LegacyToken is the pre-RBAC single admin token, honored in
	// fallback mode.
	LegacyToken string
}

// UserPermissions summarizes what a user may do, for the admin API.
type UserPermissions struct {
	Subject     string       `json:"subject"`
	Grants      []RoleGrant  `json:"grants"`
	Scopes      []string     `json:"scopes"`
	Permissions []Permission `json:"permissions"`
}

// Engine evaluates permission checks against the policy and applies
// policy mutations. Reads serve a consistent snapshot; every mutation
// re-synchronizes the enforcer before returning.
type Engine struct {
	mu           sync.RWMutex
	policy       *Policy
	enforcer     *casbin.Enforcer
	policyPath   string
	fallback     bool
	tokenByValue map[string]string
}

// NewEngine loads the policy from cfg.Dir, falling back to the built-in
// policy when the file is absent or invalid.
func NewEngine(cfg Config) (*Engine, error) {
	modelText := defaultModel
	if cfg.Dir != "" {
		modelPath := filepath.Join(cfg.Dir, modelFileName)
		if data, err := os.ReadFile(modelPath); err == nil {
			modelText = string(data)
		} else if os.IsNotExist(err) {
			if err := os.WriteFile(modelPath, []byte(defaultModel), 0o644); err != nil {
				slog.Warn("Failed to write default enforcer model", "path", modelPath, "error", err)
			}
		}
	}

	m, err := casbinmodel.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("parse enforcer model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}

	engine := &Engine{
		enforcer:     enforcer,
		tokenByValue: make(map[string]string, len(cfg.Tokens)+1),
	}
	for identifier, token := range cfg.Tokens {
		engine.tokenByValue[token] = identifier
	}

	if cfg.Dir != "" {
		engine.policyPath = filepath.Join(cfg.Dir, policyFileName)
		policy, err := LoadPolicy(engine.policyPath)
		if err != nil {
			slog.Warn("Policy file unusable, entering fallback mode", "path", engine.policyPath, "error", err)
		} else {
			engine.policy = policy
		}
	}
	if engine.policy == nil {
		engine.fallback = true
		legacyIdentifier := ""
		if cfg.LegacyToken != "" {
			legacyIdentifier = cfg.LegacyToken
			engine.tokenByValue[cfg.LegacyToken] = cfg.LegacyToken
		}
		engine.policy = NewFallbackPolicy(legacyIdentifier)
		slog.Info("Authorization running on fallback policy", "legacy_token_configured", cfg.LegacyToken != "")
	}

	if err := engine.resyncLocked(); err != nil {
		return nil, err
	}
	return engine, nil
}

// Fallback reports whether the engine runs on the built-in policy.
func (e *Engine) Fallback() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fallback
}

// LookupBearer resolves a presented token to its identifier subject.
// Tokens whose identifier has no assignment are rejected.
func (e *Engine) LookupBearer(token string) (*CurrentUser, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	identifier, ok := e.tokenByValue[token]
	if !ok {
		return nil, false
	}
	subject := IdentifierPrefix + identifier
	if _, ok := e.policy.Assignments[subject]; !ok {
		return nil, false
	}
	user := NewIdentifierUser(identifier)
	return &user, true
}

// Check evaluates (user, app, action) through the enforcer using the
// app→scope groupings.
func (e *Engine) Check(user *CurrentUser, app string, action Permission) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, subject := range e.subjectsLocked(user) {
		ok, err := e.enforcer.Enforce(subject, app, string(action))
		if err != nil {
			return false, fmt.Errorf("enforce: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CheckScopes evaluates (user, scopes, action) directly against scope
// names, without needing an app grouping.
func (e *Engine) CheckScopes(user *CurrentUser, scopes []string, action Permission) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, subject := range e.subjectsLocked(user) {
		for _, scope := range scopes {
			ok, err := e.enforcer.Enforce(subject, scope, string(action))
			if err != nil {
				return false, fmt.Errorf("enforce: %w", err)
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// CheckGlobalPermission reports whether any of the user's roles grants
// the permission, regardless of scope.
func (e *Engine) CheckGlobalPermission(user *CurrentUser, action Permission) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, subject := range e.subjectsLocked(user) {
		for _, grant := range e.policy.Assignments[subject] {
			for _, perm := range e.policy.Roles[grant.Role] {
				if perm == action || perm == PermissionWildcard {
					return true
				}
			}
		}
	}
	return false
}

// GetUserPermissions aggregates the grants, scopes and permissions that
// resolve for a user.
func (e *Engine) GetUserPermissions(user *CurrentUser) UserPermissions {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := UserPermissions{Subject: user.Subject}
	permSet := make(map[Permission]bool)
	var scopes []string
	for _, subject := range e.subjectsLocked(user) {
		for _, grant := range e.policy.Assignments[subject] {
			out.Grants = append(out.Grants, grant)
			for _, scope := range grant.Scopes {
				if scope == WildcardScope {
					scopes = append(scopes, e.policy.Scopes...)
				} else {
					scopes = append(scopes, scope)
				}
			}
			for _, perm := range e.policy.Roles[grant.Role] {
				if perm == PermissionWildcard {
					for _, concrete := range AllPermissions {
						permSet[concrete] = true
					}
				} else {
					permSet[perm] = true
				}
			}
		}
	}
	out.Scopes = sortedCopy(scopes)
	for _, perm := range AllPermissions {
		if permSet[perm] {
			out.Permissions = append(out.Permissions, perm)
		}
	}
	return out
}

// subjectsLocked resolves the policy subjects applicable to a user,
// highest precedence first. An exact assignment suppresses the domain
// assignment; the wildcard is always additive.
func (e *Engine) subjectsLocked(user *CurrentUser) []string {
	if user == nil {
		return nil
	}
	subjects := make([]string, 0, 2)
	if user.IsIdentifier() {
		subjects = append(subjects, user.Subject)
	} else {
		exact := strings.ToLower(user.Subject)
		if _, ok := e.policy.Assignments[exact]; ok {
			subjects = append(subjects, exact)
		} else if at := strings.LastIndex(exact, "@"); at >= 0 {
			domain := exact[at:]
			if _, ok := e.policy.Assignments[domain]; ok {
				subjects = append(subjects, domain)
			}
		}
	}
	return append(subjects, WildcardSubject)
}

// CreateScope adds a scope.
func (e *Engine) CreateScope(name string) error {
	if name == "" || name == WildcardScope {
		return fmt.Errorf("invalid scope name %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.policy.HasScope(name) {
		return fmt.Errorf("scope %q already exists", name)
	}
	e.policy.Scopes = append(e.policy.Scopes, name)
	return e.commitLocked()
}

// CreateRole adds a role with its permissions.
func (e *Engine) CreateRole(name string, perms []Permission) error {
	if name == "" {
		return fmt.Errorf("role name must not be empty")
	}
	for _, perm := range perms {
		if _, err := ParsePermission(string(perm)); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policy.Roles[name]; ok {
		return fmt.Errorf("role %q already exists", name)
	}
	e.policy.Roles[name] = append([]Permission(nil), perms...)
	return e.commitLocked()
}

// AssignUserRole grants a role in the given scopes to a user pattern.
func (e *Engine) AssignUserRole(pattern, role string, scopes []string) error {
	if err := ValidateUserPattern(pattern); err != nil {
		return err
	}
	if !strings.HasPrefix(pattern, "@") && !strings.HasPrefix(pattern, IdentifierPrefix) && pattern != WildcardSubject {
		pattern = strings.ToLower(pattern)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policy.Roles[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	for _, scope := range scopes {
		if scope != WildcardScope && !e.policy.HasScope(scope) {
			return fmt.Errorf("unknown scope %q", scope)
		}
	}
	e.policy.Assignments[pattern] = append(e.policy.Assignments[pattern], RoleGrant{
		Role:   role,
		Scopes: append([]string(nil), scopes...),
	})
	return e.commitLocked()
}

// SetAppScopes replaces an app's scope grouping. Scopes the policy does
// not know yet are created implicitly so freshly scanned apps stay
// checkable.
func (e *Engine) SetAppScopes(app string, scopes []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, scope := range scopes {
		if !e.policy.HasScope(scope) {
			e.policy.Scopes = append(e.policy.Scopes, scope)
		}
	}
	e.policy.AppScopes[app] = append([]string(nil), scopes...)
	return e.commitLocked()
}

// RemoveAppScopes drops an app's grouping after destroy.
func (e *Engine) RemoveAppScopes(app string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policy.AppScopes, app)
	return e.commitLocked()
}

// ListScopes returns all scope names, sorted.
func (e *Engine) ListScopes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedCopy(e.policy.Scopes)
}

// ListRoles returns all roles with their permissions.
func (e *Engine) ListRoles() map[string][]Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]Permission, len(e.policy.Roles))
	for name, perms := range e.policy.Roles {
		out[name] = append([]Permission(nil), perms...)
	}
	return out
}

// ListAssignments returns all assignments.
func (e *Engine) ListAssignments() map[string][]RoleGrant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]RoleGrant, len(e.policy.Assignments))
	for pattern, grants := range e.policy.Assignments {
		out[pattern] = append([]RoleGrant(nil), grants...)
	}
	return out
}

// commitLocked persists the policy (outside fallback mode) and rebuilds
// the enforcer's policy set.
func (e *Engine) commitLocked() error {
	if !e.fallback && e.policyPath != "" {
		if err := e.policy.Save(e.policyPath); err != nil {
			return err
		}
	}
	return e.resyncLocked()
}

// resyncLocked expands the policy into enforcer triples: one
// (subject, scope, action) per assignment × scope × permission, plus the
// app→scope groupings. Wildcards expand to concrete values.
func (e *Engine) resyncLocked() error {
	e.enforcer.ClearPolicy()

	for pattern, grants := range e.policy.Assignments {
		for _, grant := range grants {
			perms := e.policy.Roles[grant.Role]
			expanded := make([]Permission, 0, len(perms))
			for _, perm := range perms {
				if perm == PermissionWildcard {
					expanded = append(expanded, AllPermissions...)
				} else {
					expanded = append(expanded, perm)
				}
			}
			scopes := grant.Scopes
			if containsWildcardScope(scopes) {
				scopes = e.policy.Scopes
			}
			for _, scope := range scopes {
				for _, perm := range expanded {
					if _, err := e.enforcer.AddPolicy(pattern, scope, string(perm)); err != nil {
						return fmt.Errorf("add policy: %w", err)
					}
				}
			}
		}
	}
	for app, scopes := range e.policy.AppScopes {
		for _, scope := range scopes {
			if _, err := e.enforcer.AddGroupingPolicy(app, scope); err != nil {
				return fmt.Errorf("add grouping: %w", err)
			}
		}
	}
	return nil
}

func containsWildcardScope(scopes []string) bool {
	for _, scope := range scopes {
		if scope == WildcardScope {
			return true
		}
	}
	return false
}
