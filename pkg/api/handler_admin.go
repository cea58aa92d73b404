package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/factorial-io/scotty/pkg/authz"
)

// listScopesHandler handles GET /api/v1/admin/scopes.
func (s *Server) listScopesHandler(c *echo.Context, user *authz.CurrentUser) error {
	scopes, err := s.admin.ListScopes(user)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string][]string{"scopes": scopes})
}

type createScopeRequest struct {
	Name string `json:"name"`
}

// createScopeHandler handles POST /api/v1/admin/scopes.
func (s *Server) createScopeHandler(c *echo.Context, user *authz.CurrentUser) error {
	var req createScopeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.CreateScope(user, req.Name); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"name": req.Name})
}

// listRolesHandler handles GET /api/v1/admin/roles.
func (s *Server) listRolesHandler(c *echo.Context, user *authz.CurrentUser) error {
	roles, err := s.admin.ListRoles(user)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"roles": roles})
}

type createRoleRequest struct {
	Name        string             `json:"name"`
	Permissions []authz.Permission `json:"permissions"`
}

// createRoleHandler handles POST /api/v1/admin/roles.
func (s *Server) createRoleHandler(c *echo.Context, user *authz.CurrentUser) error {
	var req createRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.CreateRole(user, req.Name, req.Permissions); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"name": req.Name})
}

// listAssignmentsHandler handles GET /api/v1/admin/assignments.
func (s *Server) listAssignmentsHandler(c *echo.Context, user *authz.CurrentUser) error {
	assignments, err := s.admin.ListAssignments(user)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"assignments": assignments})
}

type assignRoleRequest struct {
	Pattern string   `json:"pattern"`
	Role    string   `json:"role"`
	Scopes  []string `json:"scopes"`
}

// assignRoleHandler handles POST /api/v1/admin/assignments.
func (s *Server) assignRoleHandler(c *echo.Context, user *authz.CurrentUser) error {
	var req assignRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.AssignUserRole(user, req.Pattern, req.Role, req.Scopes); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

type testPermissionRequest struct {
	Subject    string `json:"subject"`
	App        string `json:"app"`
	Permission string `json:"permission"`
}

// testPermissionHandler handles POST /api/v1/admin/check.
func (s *Server) testPermissionHandler(c *echo.Context, user *authz.CurrentUser) error {
	var req testPermissionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	allowed, err := s.admin.TestPermission(user, req.Subject, req.App, authz.Permission(req.Permission))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"subject":    req.Subject,
		"app":        req.App,
		"permission": req.Permission,
		"allowed":    allowed,
	})
}

// userPermissionsHandler handles GET /api/v1/admin/permissions/:subject.
func (s *Server) userPermissionsHandler(c *echo.Context, user *authz.CurrentUser) error {
	perms, err := s.admin.UserPermissions(user, c.Param("subject"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, perms)
}
