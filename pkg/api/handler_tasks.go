package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/factorial-io/scotty/pkg/authz"
)

// listTasksHandler handles GET /api/v1/tasks.
func (s *Server) listTasksHandler(c *echo.Context, user *authz.CurrentUser) error {
	return c.JSON(http.StatusOK, s.tasks.List(user))
}

// taskDetailHandler handles GET /api/v1/tasks/:id.
func (s *Server) taskDetailHandler(c *echo.Context, user *authz.CurrentUser) error {
	task, err := s.tasks.Detail(user, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// taskOutputHandler handles GET /api/v1/tasks/:id/output.
func (s *Server) taskOutputHandler(c *echo.Context, user *authz.CurrentUser) error {
	lines, err := s.tasks.Output(user, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, lines)
}
