package api

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/services"
)

const webFlowTTL = 10 * time.Minute

// tokenResponse is the answer to a completed device or web flow.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	UserEmail   string `json:"user_email"`
}

func (s *Server) oauthEnabled() error {
	if s.cfg.AuthMode != config.AuthModeOAuth || s.oauthProvider == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "oauth is not enabled")
	}
	return nil
}

// startDeviceFlowHandler handles POST /api/v1/oauth/device.
func (s *Server) startDeviceFlowHandler(c *echo.Context) error {
	if err := s.oauthEnabled(); err != nil {
		return err
	}
	auth, err := s.oauthProvider.StartDeviceFlow(c.Request().Context())
	if err != nil {
		return mapServiceError(fmt.Errorf("%w: %v", services.ErrUpstream, err))
	}
	s.oauthSessions.putDevice(auth)
	return c.JSON(http.StatusOK, auth)
}

type devicePollRequest struct {
	DeviceCode string `json:"device_code"`
}

// pollDeviceTokenHandler handles POST /api/v1/oauth/device/token. While
// the user has not approved at the issuer it answers 400 with
// error=authorization_pending, matching the OAuth device-grant wire shape.
func (s *Server) pollDeviceTokenHandler(c *echo.Context) error {
	if err := s.oauthEnabled(); err != nil {
		return err
	}
	var req devicePollRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !s.oauthSessions.getDevice(req.DeviceCode) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
	}

	claims, err := s.oauthProvider.ExchangeDeviceCode(c.Request().Context(), req.DeviceCode)
	if err == ErrAuthorizationPending {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "authorization_pending"})
	}
	if err != nil {
		return mapServiceError(fmt.Errorf("%w: %v", services.ErrUpstream, err))
	}

	s.oauthSessions.consumeDevice(req.DeviceCode)
	token, expires := s.oauthSessions.IssueToken(*claims)
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expires).Seconds()),
		UserEmail:   claims.Email,
	})
}

// webFlowLoginHandler handles GET /api/v1/oauth/login: it parks a PKCE
// verifier and CSRF state, then sends the browser to the issuer.
func (s *Server) webFlowLoginHandler(c *echo.Context) error {
	if err := s.oauthEnabled(); err != nil {
		return err
	}

	state := uuid.New().String()
	verifier := uuid.New().String() + uuid.New().String()
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	redirectURI := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/api/v1/oauth/callback"

	authURL, err := s.oauthProvider.AuthorizeURL(c.Request().Context(), state, challenge, redirectURI)
	if err != nil {
		return mapServiceError(fmt.Errorf("%w: %v", services.ErrUpstream, err))
	}

	frontend := c.QueryParam("redirect_uri")
	if frontend == "" {
		frontend = s.cfg.FrontendURL
	}
	s.oauthSessions.putWeb(state, webFlowSession{
		csrf:             state,
		pkceVerifier:     verifier,
		redirectURL:      redirectURI,
		frontendCallback: frontend,
		expiresAt:        time.Now().Add(webFlowTTL),
	})
	return c.Redirect(http.StatusFound, authURL)
}

// webFlowCallbackHandler handles GET /api/v1/oauth/callback.
func (s *Server) webFlowCallbackHandler(c *echo.Context) error {
	if err := s.oauthEnabled(); err != nil {
		return err
	}
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state and code are required")
	}

	sess, ok := s.oauthSessions.consumeWeb(state)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown or expired authorization state")
	}

	claims, err := s.oauthProvider.ExchangeAuthCode(c.Request().Context(), code, sess.pkceVerifier, sess.redirectURL)
	if err != nil {
		return mapServiceError(fmt.Errorf("%w: %v", services.ErrUpstream, err))
	}

	token, expires := s.oauthSessions.IssueToken(*claims)
	if sess.frontendCallback != "" {
		target := sess.frontendCallback + "#access_token=" + url.QueryEscape(token)
		return c.Redirect(http.StatusFound, target)
	}
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expires).Seconds()),
		UserEmail:   claims.Email,
	})
}
