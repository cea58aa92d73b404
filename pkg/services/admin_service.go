package services

import (
	"fmt"
	"strings"

	"github.com/factorial-io/scotty/pkg/authz"
)

// AdminService exposes policy administration. Reads require admin_read,
// mutations admin_write.
type AdminService struct {
	engine *authz.Engine
}

// NewAdminService creates the policy administration surface.
func NewAdminService(engine *authz.Engine) *AdminService {
	return &AdminService{engine: engine}
}

// ListScopes returns all scope names.
func (s *AdminService) ListScopes(user *authz.CurrentUser) ([]string, error) {
	if err := s.requireRead(user); err != nil {
		return nil, err
	}
	return s.engine.ListScopes(), nil
}

// CreateScope adds a scope to the policy.
func (s *AdminService) CreateScope(user *authz.CurrentUser, name string) error {
	if err := s.requireWrite(user); err != nil {
		return err
	}
	if err := s.engine.CreateScope(name); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ListRoles returns all roles with their permissions.
func (s *AdminService) ListRoles(user *authz.CurrentUser) (map[string][]authz.Permission, error) {
	if err := s.requireRead(user); err != nil {
		return nil, err
	}
	return s.engine.ListRoles(), nil
}

// CreateRole adds a role with its permissions.
func (s *AdminService) CreateRole(user *authz.CurrentUser, name string, perms []authz.Permission) error {
	if err := s.requireWrite(user); err != nil {
		return err
	}
	if err := s.engine.CreateRole(name, perms); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ListAssignments returns all user-pattern role assignments.
func (s *AdminService) ListAssignments(user *authz.CurrentUser) (map[string][]authz.RoleGrant, error) {
	if err := s.requireRead(user); err != nil {
		return nil, err
	}
	return s.engine.ListAssignments(), nil
}

// AssignUserRole grants a role in the given scopes to a user pattern.
func (s *AdminService) AssignUserRole(user *authz.CurrentUser, pattern, role string, scopes []string) error {
	if err := s.requireWrite(user); err != nil {
		return err
	}
	if err := s.engine.AssignUserRole(pattern, role, scopes); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// TestPermission evaluates what a given subject may do on an app, without
// requiring the subject to exist.
func (s *AdminService) TestPermission(user *authz.CurrentUser, subject, app string, action authz.Permission) (bool, error) {
	if err := s.requireRead(user); err != nil {
		return false, err
	}
	if _, err := authz.ParsePermission(string(action)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	probe := probeUser(subject)
	ok, err := s.engine.Check(&probe, app, action)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// UserPermissions summarizes the grants of a subject for inspection.
func (s *AdminService) UserPermissions(user *authz.CurrentUser, subject string) (authz.UserPermissions, error) {
	if err := s.requireRead(user); err != nil {
		return authz.UserPermissions{}, err
	}
	probe := probeUser(subject)
	return s.engine.GetUserPermissions(&probe), nil
}

func probeUser(subject string) authz.CurrentUser {
	if strings.HasPrefix(subject, authz.IdentifierPrefix) {
		return authz.NewIdentifierUser(strings.TrimPrefix(subject, authz.IdentifierPrefix))
	}
	return authz.NewEmailUser(subject, "", "probe")
}

func (s *AdminService) requireRead(user *authz.CurrentUser) error {
	if !s.engine.CheckGlobalPermission(user, authz.PermissionAdminRead) {
		return fmt.Errorf("%w: admin_read", ErrForbidden)
	}
	return nil
}

func (s *AdminService) requireWrite(user *authz.CurrentUser) error {
	if !s.engine.CheckGlobalPermission(user, authz.PermissionAdminWrite) {
		return fmt.Errorf("%w: admin_write", ErrForbidden)
	}
	return nil
}
