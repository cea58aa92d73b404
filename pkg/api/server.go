// Package api is the HTTP and WebSocket front end: an echo server with
// thin handlers over the services layer, token/OAuth authentication,
// tiered rate limiting, the landing redirect for stopped apps and the
// metrics endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/metrics"
	"github.com/factorial-io/scotty/pkg/services"
	"github.com/factorial-io/scotty/pkg/streams"
	"github.com/factorial-io/scotty/pkg/version"
	"github.com/factorial-io/scotty/pkg/ws"
)

// Server is the HTTP front end.
type Server struct {
	cfg  config.APIConfig
	echo *echo.Echo
	http *http.Server

	apps     *services.AppService
	tasks    *services.TaskService
	admin    *services.AdminService
	authz    *authz.Engine
	registry *apps.Registry

	messenger   *ws.Messenger
	logStreams  *streams.LogStreams
	shells      *streams.ShellSessions
	taskStreams *streams.TaskStreams

	oauthSessions *OAuthSessions
	oauthProvider OAuthProvider
	limits        *rateLimiters
	metrics       *metrics.Recorder
}

// Deps carries the assembled subsystems into the server.
type Deps struct {
	Apps     *services.AppService
	Tasks    *services.TaskService
	Admin    *services.AdminService
	Authz    *authz.Engine
	Registry *apps.Registry

	Messenger   *ws.Messenger
	LogStreams  *streams.LogStreams
	Shells      *streams.ShellSessions
	TaskStreams *streams.TaskStreams

	// OAuthProvider may be nil outside oauth auth mode.
	OAuthProvider OAuthProvider
	// Metrics may be nil; the /metrics route is then not registered.
	Metrics *metrics.Recorder
}

// NewServer wires the routes and middleware.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	s := &Server{
		cfg:           cfg,
		echo:          echo.New(),
		apps:          deps.Apps,
		tasks:         deps.Tasks,
		admin:         deps.Admin,
		authz:         deps.Authz,
		registry:      deps.Registry,
		messenger:     deps.Messenger,
		logStreams:    deps.LogStreams,
		shells:        deps.Shells,
		taskStreams:   deps.TaskStreams,
		oauthSessions: NewOAuthSessions(),
		oauthProvider: deps.OAuthProvider,
		limits:        newRateLimiters(cfg.RateLimits, deps.Metrics),
		metrics:       deps.Metrics,
	}

	e := s.echo
	e.Use(securityHeaders())
	e.Use(s.landingRedirect)

	e.GET("/api/v1/health", s.healthHandler)
	e.GET("/api/v1/version", s.versionHandler)

	// OAuth flows (device + browser), limited by the oauth tier.
	e.POST("/api/v1/oauth/device", s.public(tierOAuth, s.startDeviceFlowHandler))
	e.POST("/api/v1/oauth/device/token", s.public(tierOAuth, s.pollDeviceTokenHandler))
	e.GET("/api/v1/oauth/login", s.public(tierOAuth, s.webFlowLoginHandler))
	e.GET("/api/v1/oauth/callback", s.public(tierOAuth, s.webFlowCallbackHandler))

	// Apps.
	e.GET("/api/v1/apps", s.authed(s.listAppsHandler))
	e.POST("/api/v1/apps", s.authed(s.createAppHandler))
	e.GET("/api/v1/apps/:name", s.authed(s.appInfoHandler))
	e.POST("/api/v1/apps/:name/run", s.authed(s.runAppHandler))
	e.POST("/api/v1/apps/:name/stop", s.authed(s.stopAppHandler))
	e.POST("/api/v1/apps/:name/purge", s.authed(s.purgeAppHandler))
	e.POST("/api/v1/apps/:name/rebuild", s.authed(s.rebuildAppHandler))
	e.POST("/api/v1/apps/:name/destroy", s.authed(s.destroyAppHandler))
	e.POST("/api/v1/apps/:name/adopt", s.authed(s.adoptAppHandler))
	e.POST("/api/v1/apps/:name/actions/:action", s.authed(s.customActionHandler))
	e.POST("/api/v1/apps/:name/notifications", s.authed(s.addNotificationHandler))
	e.POST("/api/v1/apps/:name/notifications/remove", s.authed(s.removeNotificationHandler))

	// Tasks.
	e.GET("/api/v1/tasks", s.authed(s.listTasksHandler))
	e.GET("/api/v1/tasks/:id", s.authed(s.taskDetailHandler))
	e.GET("/api/v1/tasks/:id/output", s.authed(s.taskOutputHandler))

	// Policy administration.
	e.GET("/api/v1/admin/scopes", s.authed(s.listScopesHandler))
	e.POST("/api/v1/admin/scopes", s.authed(s.createScopeHandler))
	e.GET("/api/v1/admin/roles", s.authed(s.listRolesHandler))
	e.POST("/api/v1/admin/roles", s.authed(s.createRoleHandler))
	e.GET("/api/v1/admin/assignments", s.authed(s.listAssignmentsHandler))
	e.POST("/api/v1/admin/assignments", s.authed(s.assignRoleHandler))
	e.POST("/api/v1/admin/check", s.authed(s.testPermissionHandler))
	e.GET("/api/v1/admin/permissions/:subject", s.authed(s.userPermissionsHandler))

	e.GET("/ws", s.websocketHandler)

	if s.metrics != nil {
		e.GET("/metrics", func(c *echo.Context) error {
			s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	return s
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "healthy",
		"apps":   s.registry.Count(),
	})
}

func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"name":    version.AppName,
		"version": version.Full(),
	})
}

// securityHeaders returns middleware that sets standard security response
// headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
