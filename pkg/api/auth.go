package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/services"
)

// devUser is the synthetic identity used when auth_mode is "dev". Its
// permissions still come from the policy.
func devUser() authz.CurrentUser {
	return authz.NewEmailUser("dev@localhost", "Local Developer", "dev")
}

// authenticateToken resolves a presented credential to a user, per the
// configured auth mode. Shared by the HTTP middleware and the WebSocket
// Authenticate message.
func (s *Server) authenticateToken(ctx context.Context, token string) (*authz.CurrentUser, error) {
	switch s.cfg.AuthMode {
	case config.AuthModeDev:
		u := devUser()
		return &u, nil

	case config.AuthModeBearer:
		if user, ok := s.authz.LookupBearer(token); ok {
			return user, nil
		}
		// A configured token whose identifier has no role assignment is a
		// policy conflict, not bad credentials.
		if s.tokenConfigured(token) {
			return nil, fmt.Errorf("%w: bearer identifier has no role assignment", services.ErrConflict)
		}
		return nil, fmt.Errorf("%w: unknown bearer token", services.ErrUnauthorized)

	case config.AuthModeOAuth:
		if claims, ok := s.oauthSessions.Lookup(token); ok {
			u := authz.NewEmailUser(claims.Email, claims.Name, "oauth")
			return &u, nil
		}
		if s.oauthProvider != nil {
			claims, err := s.oauthProvider.ValidateToken(ctx, token)
			if err == nil {
				u := authz.NewEmailUser(claims.Email, claims.Name, "oauth")
				return &u, nil
			}
		}
		return nil, fmt.Errorf("%w: token rejected by issuer", services.ErrUnauthorized)

	default:
		return nil, fmt.Errorf("%w: auth mode %q not configured", services.ErrUnauthorized, s.cfg.AuthMode)
	}
}

func (s *Server) tokenConfigured(token string) bool {
	if token == s.cfg.LegacyAPIKey && token != "" {
		return true
	}
	for _, v := range s.cfg.AccessTokens {
		if v == token {
			return true
		}
	}
	return false
}

// authenticateRequest authenticates an HTTP request from its
// Authorization header.
func (s *Server) authenticateRequest(c *echo.Context) (*authz.CurrentUser, error) {
	token := bearerToken(c.Request())
	if token == "" && s.cfg.AuthMode != config.AuthModeDev {
		return nil, fmt.Errorf("%w: missing bearer token", services.ErrUnauthorized)
	}
	return s.authenticateToken(c.Request().Context(), token)
}

// authed wraps a handler with the authenticated rate-limit tier and
// request authentication.
func (s *Server) authed(h func(c *echo.Context, user *authz.CurrentUser) error) echo.HandlerFunc {
	return func(c *echo.Context) error {
		key := bearerToken(c.Request())
		if key == "" {
			key = clientIP(c.Request())
		}
		if err := s.limits.check(tierAuthenticated, key); err != nil {
			return mapServiceError(err)
		}
		user, err := s.authenticateRequest(c)
		if err != nil {
			return mapServiceError(err)
		}
		return h(c, user)
	}
}

// public wraps an unauthenticated handler with the given limiter tier,
// keyed by client address.
func (s *Server) public(tier string, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if err := s.limits.check(tier, clientIP(c.Request())); err != nil {
			return mapServiceError(err)
		}
		return h(c)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// clientIP prefers the first forwarded address so limiter keys survive a
// reverse proxy in front of the control plane.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
