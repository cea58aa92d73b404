package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/services"
	"github.com/factorial-io/scotty/pkg/tasks"
	"github.com/factorial-io/scotty/pkg/ws"
)

const testHost = "scotty.example.test"

const apiTestPolicy = `
scopes:
  - default
  - team-a
roles:
  admin:
    - "*"
  viewer:
    - view
assignments:
  dev@localhost:
    - role: admin
      scopes: ["*"]
  "identifier:ci":
    - role: admin
      scopes: ["*"]
  "identifier:guest":
    - role: viewer
      scopes: [default]
  "*":
    - role: viewer
      scopes: [default]
`

type stubReceivers struct{}

func (stubReceivers) HasReceiver(string) bool { return true }

type testEnv struct {
	srv    *Server
	engine *authz.Engine
}

func newTestEnv(t *testing.T, provider OAuthProvider, mutate func(*config.APIConfig)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte(apiTestPolicy), 0o600))
	engine, err := authz.NewEngine(authz.Config{
		Dir: dir,
		Tokens: map[string]string{
			"ci":    "ci-token",
			"guest": "guest-token",
			"bot":   "bot-token",
		},
	})
	require.NoError(t, err)

	now := time.Now()
	registry := apps.NewRegistry()
	registry.Upsert(apps.App{
		Name:   "shop",
		Status: apps.AppStatusRunning,
		Services: []apps.ContainerState{{
			Service:   "web",
			Status:    apps.ContainerStatusRunning,
			StartedAt: &now,
			Domains:   []string{"shop.example.test"},
		}},
		Settings: &apps.AppSettings{
			Scopes: []string{"team-a"},
			Environment: map[string]string{
				"DB_PASSWORD": "hunter2",
				"GREETING":    "hello",
			},
		},
	})
	registry.Upsert(apps.App{
		Name:   "blog",
		Status: apps.AppStatusStopped,
		Services: []apps.ContainerState{{
			Service: "web",
			Status:  apps.ContainerStatusExited,
			Domains: []string{"blog.example.test"},
		}},
		Settings: &apps.AppSettings{Scopes: []string{"default"}},
	})
	require.NoError(t, engine.SetAppScopes("shop", []string{"team-a"}))
	require.NoError(t, engine.SetAppScopes("blog", []string{"default"}))

	cfg := config.APIConfig{
		BaseURL:  "http://" + testHost,
		AuthMode: config.AuthModeDev,
		AccessTokens: map[string]string{
			"ci":    "ci-token",
			"guest": "guest-token",
			"bot":   "bot-token",
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	manager := tasks.NewManager(nil)
	srv := NewServer(cfg, Deps{
		Apps:          services.NewAppService(registry, nil, engine, stubReceivers{}),
		Tasks:         services.NewTaskService(manager, registry, engine),
		Admin:         services.NewAdminService(engine),
		Authz:         engine,
		Registry:      registry,
		Messenger:     ws.NewMessenger(),
		OAuthProvider: provider,
	})
	return &testEnv{srv: srv, engine: engine}
}

func (env *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Host = testHost
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.request(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = env.request(t, http.MethodGet, "/api/v1/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scotty"`)
}

func TestDevModeAutoAuthenticates(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.request(t, http.MethodGet, "/api/v1/apps", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []apps.App
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	names := make([]string, 0, len(list))
	for _, a := range list {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{"shop", "blog"}, names)
}

func TestBearerAuthModes(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.APIConfig) {
		cfg.AuthMode = config.AuthModeBearer
	})

	rec := env.request(t, http.MethodGet, "/api/v1/apps", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/apps", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A configured token whose identifier lacks a role assignment is a
	// policy conflict, not bad credentials.
	rec = env.request(t, http.MethodGet, "/api/v1/apps", "bot-token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/apps", "ci-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScopeFilteringAndMasking(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.APIConfig) {
		cfg.AuthMode = config.AuthModeBearer
	})

	// guest only holds the default scope: team-a apps stay invisible.
	rec := env.request(t, http.MethodGet, "/api/v1/apps", "guest-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []apps.App
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "blog", list[0].Name)

	rec = env.request(t, http.MethodGet, "/api/v1/apps/shop", "guest-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/apps/ghost", "guest-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Sensitive environment values never leave the API unmasked.
	rec = env.request(t, http.MethodGet, "/api/v1/apps/shop", "ci-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "********")
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestAdminEndpointsRequireAdminPermission(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.APIConfig) {
		cfg.AuthMode = config.AuthModeBearer
	})

	rec := env.request(t, http.MethodGet, "/api/v1/admin/scopes", "guest-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/admin/scopes", "ci-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "team-a")

	rec = env.request(t, http.MethodPost, "/api/v1/admin/scopes", "ci-token",
		map[string]string{"name": "team-b"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/v1/admin/check", "ci-token", map[string]string{
		"subject":    "guest@example.com",
		"app":        "blog",
		"permission": "view",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":true`)
}

func TestLandingRedirect(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	// Stopped app's hostname: 302 to the landing page, original URL kept.
	req := httptest.NewRequest(http.MethodGet, "/some/page?x=1", nil)
	req.Host = "blog.example.test"
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.Contains(t, loc, "/landing/blog")
	assert.Contains(t, loc, "return_url=")
	assert.Contains(t, loc, "blog.example.test")
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")

	// Running app's hostname passes through to normal routing.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Host = "shop.example.test"
	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Hostnames no app claims get a 404.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "stranger.example.test"
	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthTierRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.APIConfig) {
		cfg.RateLimits.OAuth = config.RateLimitTier{PerSecond: 0.001, Burst: 1}
	})

	first := env.request(t, http.MethodPost, "/api/v1/oauth/device", "", nil)
	assert.Equal(t, http.StatusBadRequest, first.Code) // oauth disabled, but not limited

	second := env.request(t, http.MethodPost, "/api/v1/oauth/device", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

// fakeProvider simulates an OIDC issuer for flow tests.
type fakeProvider struct {
	mu        sync.Mutex
	approved  bool
	challenge string
}

func (f *fakeProvider) StartDeviceFlow(_ context.Context) (DeviceAuthorization, error) {
	return DeviceAuthorization{
		DeviceCode:      "dev-123",
		UserCode:        "ABCD-EFGH",
		VerificationURI: "https://issuer.example/activate",
		ExpiresIn:       600,
		Interval:        5,
	}, nil
}

func (f *fakeProvider) ExchangeDeviceCode(_ context.Context, deviceCode string) (*TokenClaims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if deviceCode != "dev-123" {
		return nil, fmt.Errorf("unknown device code")
	}
	if !f.approved {
		return nil, ErrAuthorizationPending
	}
	return &TokenClaims{Email: "user@example.com", Name: "Test User",
		ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeProvider) AuthorizeURL(_ context.Context, state, pkceChallenge, redirectURI string) (string, error) {
	f.mu.Lock()
	f.challenge = pkceChallenge
	f.mu.Unlock()
	return "https://issuer.example/authorize?state=" + state +
		"&redirect_uri=" + redirectURI, nil
}

func (f *fakeProvider) ExchangeAuthCode(_ context.Context, code, pkceVerifier, _ string) (*TokenClaims, error) {
	sum := sha256.Sum256([]byte(pkceVerifier))
	f.mu.Lock()
	challenge := f.challenge
	f.mu.Unlock()
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		return nil, fmt.Errorf("pkce verifier mismatch")
	}
	if code != "good-code" {
		return nil, fmt.Errorf("invalid code")
	}
	return &TokenClaims{Email: "user@example.com", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeProvider) ValidateToken(_ context.Context, _ string) (*TokenClaims, error) {
	return nil, fmt.Errorf("unknown token")
}

func (f *fakeProvider) approve() {
	f.mu.Lock()
	f.approved = true
	f.mu.Unlock()
}

func TestDeviceFlow(t *testing.T) {
	provider := &fakeProvider{}
	env := newTestEnv(t, provider, func(cfg *config.APIConfig) {
		cfg.AuthMode = config.AuthModeOAuth
	})

	rec := env.request(t, http.MethodPost, "/api/v1/oauth/device", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var auth DeviceAuthorization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	assert.Equal(t, "ABCD-EFGH", auth.UserCode)

	// Polling before approval answers authorization_pending with 400.
	rec = env.request(t, http.MethodPost, "/api/v1/oauth/device/token", "",
		map[string]string{"device_code": auth.DeviceCode})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var pending map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, "authorization_pending", pending["error"])

	// Unknown device codes are rejected outright.
	rec = env.request(t, http.MethodPost, "/api/v1/oauth/device/token", "",
		map[string]string{"device_code": "bogus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")

	provider.approve()
	rec = env.request(t, http.MethodPost, "/api/v1/oauth/device/token", "",
		map[string]string{"device_code": auth.DeviceCode})
	require.Equal(t, http.StatusOK, rec.Code)
	var token tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.Equal(t, "user@example.com", token.UserEmail)
	assert.NotEmpty(t, token.AccessToken)

	// The issued token authenticates API calls; the oauth user falls
	// under the wildcard viewer assignment and sees default-scope apps.
	rec = env.request(t, http.MethodGet, "/api/v1/apps", token.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []apps.App
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "blog", list[0].Name)

	// A consumed device code cannot be replayed.
	rec = env.request(t, http.MethodPost, "/api/v1/oauth/device/token", "",
		map[string]string{"device_code": auth.DeviceCode})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebFlow(t *testing.T) {
	provider := &fakeProvider{}
	env := newTestEnv(t, provider, func(cfg *config.APIConfig) {
		cfg.AuthMode = config.AuthModeOAuth
	})

	rec := env.request(t, http.MethodGet, "/api/v1/oauth/login", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	rec = env.request(t, http.MethodGet,
		"/api/v1/oauth/callback?state="+state+"&code=good-code", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var token tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.Equal(t, "user@example.com", token.UserEmail)

	// States are one-shot; a replayed callback finds nothing.
	rec = env.request(t, http.MethodGet,
		"/api/v1/oauth/callback?state="+state+"&code=good-code", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapServiceError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{services.ErrNotFound, http.StatusNotFound},
		{services.ErrUnauthorized, http.StatusUnauthorized},
		{services.ErrForbidden, http.StatusForbidden},
		{services.ErrValidation, http.StatusBadRequest},
		{services.ErrConflict, http.StatusConflict},
		{services.ErrLegacyApp, http.StatusConflict},
		{services.ErrRateLimited, http.StatusTooManyRequests},
		{services.ErrUpstream, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		he := mapServiceError(fmt.Errorf("wrap: %w", tc.err))
		assert.IsType(t, &echo.HTTPError{}, he)
		assert.Equal(t, tc.code, he.Code, "for %v", tc.err)
	}
}

func TestTierLimiterBasics(t *testing.T) {
	unlimited := newTierLimiter(config.RateLimitTier{})
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.allow("anyone"))
	}

	tight := newTierLimiter(config.RateLimitTier{PerSecond: 0.001, Burst: 2})
	assert.True(t, tight.allow("a"))
	assert.True(t, tight.allow("a"))
	assert.False(t, tight.allow("a"))
	// Separate keys hold separate buckets.
	assert.True(t, tight.allow("b"))
}

func TestWebsocketDevModePingPong(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.APIConfig) {
		cfg.BaseURL = "" // disable the landing host check for loopback dialing
	})

	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Dev mode authenticates every connection up front.
	msg := readWSMessage(t, ctx, conn)
	assert.Equal(t, ws.TypeAuthenticationSuccess, msg.Type)

	require.NoError(t, writeWSMessage(ctx, conn, ws.Message{Type: ws.TypePing}))
	msg = readWSMessage(t, ctx, conn)
	assert.Equal(t, ws.TypePong, msg.Type)

	// Unknown message types surface as errors, not disconnects.
	require.NoError(t, writeWSMessage(ctx, conn, ws.Message{Type: "warp_drive"}))
	msg = readWSMessage(t, ctx, conn)
	assert.Equal(t, ws.TypeError, msg.Type)
}

func readWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) ws.Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg ws.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeWSMessage(ctx context.Context, conn *websocket.Conn, msg ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
