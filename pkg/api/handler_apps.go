package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/lifecycle"
)

// listAppsHandler handles GET /api/v1/apps.
func (s *Server) listAppsHandler(c *echo.Context, user *authz.CurrentUser) error {
	return c.JSON(http.StatusOK, s.apps.List(user))
}

// appInfoHandler handles GET /api/v1/apps/:name.
func (s *Server) appInfoHandler(c *echo.Context, user *authz.CurrentUser) error {
	app, err := s.apps.Info(user, c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, app)
}

// createAppHandler handles POST /api/v1/apps.
func (s *Server) createAppHandler(c *echo.Context, user *authz.CurrentUser) error {
	var req lifecycle.CreateAppRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rac, err := s.apps.Create(c.Request().Context(), user, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rac)
}

// runAppHandler handles POST /api/v1/apps/:name/run.
func (s *Server) runAppHandler(c *echo.Context, user *authz.CurrentUser) error {
	rac, err := s.apps.Run(c.Request().Context(), user, c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rac)
}

// stopAppHandler handles POST /api/v1/apps/:name/stop.
func (s *Server) stopAppHandler(c *echo.Context, user *authz.CurrentUser) error {
	rac, err := s.apps.Stop(c.Request().Context(), user, c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rac)
}

// purgeAppHandler handles POST /api/v1/apps/:name/purge.
func (s *Server) purgeAppHandler(c *echo.Context, user *authz.CurrentUser) error {
	rac, err := s.apps.Purge(c.Request().Context(), user, c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rac)
}

// rebuildAppHandler handles POST /api/v1/apps/:name/rebuild.
func (s *Server) rebuildAppHandler(c *echo.Context, user *authz.CurrentUser) error {
	rac, err := s.apps.Rebuild(c.Request().Context(), user, c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rac)
}

// destroyAppHandler handles POST /api/v1/apps/:name/destroy. Active log
// streams and shells of the app are torn down first.
func (s *Server) destroyAppHandler(c *echo.Context, user *authz.CurrentUser) error {
	name := c.Param("name")
	rac, err := s.apps.Destroy(c.Request().Context(), user, name)
	if err != nil {
		return mapServiceError(err)
	}
	if s.logStreams != nil {
		s.logStreams.StopAppStreams(name)
	}
	if s.shells != nil {
		s.shells.TerminateAppSessions(name)
	}
	return c.JSON(http.StatusOK, rac)
}

// adoptAppHandler handles POST /api/v1/apps/:name/adopt.
func (s *Server) adoptAppHandler(c *echo.Context, user *authz.CurrentUser) error {
	rac, err := s.apps.Adopt(c.Request().Context(), user, c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rac)
}

// customActionHandler handles POST /api/v1/apps/:name/actions/:action.
func (s *Server) customActionHandler(c *echo.Context, user *authz.CurrentUser) error {
	rac, err := s.apps.CustomAction(c.Request().Context(), user, c.Param("name"), c.Param("action"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rac)
}

type notificationRequest struct {
	Receiver string `json:"receiver"`
}

// addNotificationHandler handles POST /api/v1/apps/:name/notifications.
func (s *Server) addNotificationHandler(c *echo.Context, user *authz.CurrentUser) error {
	var req notificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Receiver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "receiver is required")
	}
	app, err := s.apps.AddNotification(user, c.Param("name"), req.Receiver)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, app)
}

// removeNotificationHandler handles POST /api/v1/apps/:name/notifications/remove.
func (s *Server) removeNotificationHandler(c *echo.Context, user *authz.CurrentUser) error {
	var req notificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Receiver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "receiver is required")
	}
	app, err := s.apps.RemoveNotification(user, c.Param("name"), req.Receiver)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, app)
}
