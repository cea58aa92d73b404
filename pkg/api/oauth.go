package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAuthorizationPending is returned while the user has not yet approved
// a device-flow authorization at the issuer.
var ErrAuthorizationPending = errors.New("authorization_pending")

// TokenClaims is the subset of OIDC claims the control plane uses.
type TokenClaims struct {
	Email     string
	Name      string
	ExpiresAt time.Time
}

// DeviceAuthorization is the issuer's answer to a device-flow start.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// OAuthProvider talks to the OIDC issuer. Faked in tests.
type OAuthProvider interface {
	StartDeviceFlow(ctx context.Context) (DeviceAuthorization, error)
	// ExchangeDeviceCode returns ErrAuthorizationPending until the user
	// approves at the issuer.
	ExchangeDeviceCode(ctx context.Context, deviceCode string) (*TokenClaims, error)
	AuthorizeURL(ctx context.Context, state, pkceChallenge, redirectURI string) (string, error)
	ExchangeAuthCode(ctx context.Context, code, pkceVerifier, redirectURI string) (*TokenClaims, error)
	ValidateToken(ctx context.Context, accessToken string) (*TokenClaims, error)
}

// oauthSession is an issued control-plane access token. Expires with the
// upstream claims.
type oauthSession struct {
	claims    TokenClaims
	expiresAt time.Time
}

// deviceFlowSession tracks one pending device authorization. One-shot:
// consumed on successful exchange or dropped on expiry.
type deviceFlowSession struct {
	deviceCode      string
	userCode        string
	verificationURI string
	expiresAt       time.Time
}

// webFlowSession tracks one pending browser authorization. One-shot.
type webFlowSession struct {
	csrf             string
	pkceVerifier     string
	redirectURL      string
	frontendCallback string
	expiresAt        time.Time
}

// OAuthSessions is the in-memory session store shared by the HTTP and
// WebSocket auth paths.
type OAuthSessions struct {
	mu      sync.Mutex
	tokens  map[string]oauthSession
	devices map[string]deviceFlowSession
	web     map[string]webFlowSession
}

// NewOAuthSessions creates an empty store.
func NewOAuthSessions() *OAuthSessions {
	return &OAuthSessions{
		tokens:  make(map[string]oauthSession),
		devices: make(map[string]deviceFlowSession),
		web:     make(map[string]webFlowSession),
	}
}

// IssueToken mints a control-plane access token for validated claims.
func (s *OAuthSessions) IssueToken(claims TokenClaims) (string, time.Time) {
	token := uuid.New().String()
	expires := claims.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().Add(12 * time.Hour)
	}
	s.mu.Lock()
	s.tokens[token] = oauthSession{claims: claims, expiresAt: expires}
	s.mu.Unlock()
	return token, expires
}

// Lookup resolves an access token to its claims. Expired tokens are
// removed on touch.
func (s *OAuthSessions) Lookup(token string) (TokenClaims, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.tokens[token]
	if !ok {
		return TokenClaims{}, false
	}
	if time.Now().After(sess.expiresAt) {
		delete(s.tokens, token)
		return TokenClaims{}, false
	}
	return sess.claims, true
}

func (s *OAuthSessions) putDevice(auth DeviceAuthorization) {
	ttl := time.Duration(auth.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s.mu.Lock()
	s.devices[auth.DeviceCode] = deviceFlowSession{
		deviceCode:      auth.DeviceCode,
		userCode:        auth.UserCode,
		verificationURI: auth.VerificationURI,
		expiresAt:       time.Now().Add(ttl),
	}
	s.mu.Unlock()
}

// getDevice reports whether the device code belongs to a live flow.
func (s *OAuthSessions) getDevice(deviceCode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.devices[deviceCode]
	if !ok {
		return false
	}
	if time.Now().After(sess.expiresAt) {
		delete(s.devices, deviceCode)
		return false
	}
	return true
}

// consumeDevice removes a completed flow.
func (s *OAuthSessions) consumeDevice(deviceCode string) {
	s.mu.Lock()
	delete(s.devices, deviceCode)
	s.mu.Unlock()
}

func (s *OAuthSessions) putWeb(state string, sess webFlowSession) {
	s.mu.Lock()
	s.web[state] = sess
	s.mu.Unlock()
}

// consumeWeb removes and returns the web flow for a state value. One-shot:
// a replayed callback finds nothing.
func (s *OAuthSessions) consumeWeb(state string) (webFlowSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.web[state]
	if !ok {
		return webFlowSession{}, false
	}
	delete(s.web, state)
	if time.Now().After(sess.expiresAt) {
		return webFlowSession{}, false
	}
	return sess, true
}

// oidcProvider implements OAuthProvider against a real issuer, resolving
// the endpoints from the OIDC discovery document on first use.
type oidcProvider struct {
	issuerURL    string
	clientID     string
	clientSecret string
	client       *http.Client

	mu        sync.Mutex
	endpoints *oidcEndpoints
}

type oidcEndpoints struct {
	Authorization       string `json:"authorization_endpoint"`
	DeviceAuthorization string `json:"device_authorization_endpoint"`
	Token               string `json:"token_endpoint"`
	UserInfo            string `json:"userinfo_endpoint"`
}

// NewOIDCProvider creates a provider for the configured issuer.
func NewOIDCProvider(issuerURL, clientID, clientSecret string) OAuthProvider {
	return &oidcProvider{
		issuerURL:    strings.TrimSuffix(issuerURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *oidcProvider) discover(ctx context.Context) (*oidcEndpoints, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoints != nil {
		return p.endpoints, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.issuerURL+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: issuer returned %d", resp.StatusCode)
	}

	var eps oidcEndpoints
	if err := json.NewDecoder(resp.Body).Decode(&eps); err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	p.endpoints = &eps
	return p.endpoints, nil
}

func (p *oidcProvider) StartDeviceFlow(ctx context.Context) (DeviceAuthorization, error) {
	eps, err := p.discover(ctx)
	if err != nil {
		return DeviceAuthorization{}, err
	}

	form := url.Values{
		"client_id": {p.clientID},
		"scope":     {"openid email profile"},
	}
	body, err := p.postForm(ctx, eps.DeviceAuthorization, form)
	if err != nil {
		return DeviceAuthorization{}, err
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return DeviceAuthorization{}, fmt.Errorf("decode device authorization: %w", err)
	}
	return auth, nil
}

func (p *oidcProvider) ExchangeDeviceCode(ctx context.Context, deviceCode string) (*TokenClaims, error) {
	eps, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code":   {deviceCode},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}
	body, err := p.postForm(ctx, eps.Token, form)
	if err != nil {
		return nil, err
	}

	var token struct {
		Error     string `json:"error"`
		IDToken   string `json:"id_token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	switch token.Error {
	case "":
	case "authorization_pending", "slow_down":
		return nil, ErrAuthorizationPending
	default:
		return nil, fmt.Errorf("token exchange failed: %s", token.Error)
	}

	claims, err := decodeIDTokenClaims(token.IDToken)
	if err != nil {
		return nil, err
	}
	if token.ExpiresIn > 0 {
		claims.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return claims, nil
}

func (p *oidcProvider) AuthorizeURL(ctx context.Context, state, pkceChallenge, redirectURI string) (string, error) {
	eps, err := p.discover(ctx)
	if err != nil {
		return "", err
	}

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {p.clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {"openid email profile"},
		"state":                 {state},
		"code_challenge":        {pkceChallenge},
		"code_challenge_method": {"S256"},
	}
	return eps.Authorization + "?" + q.Encode(), nil
}

func (p *oidcProvider) ExchangeAuthCode(ctx context.Context, code, pkceVerifier, redirectURI string) (*TokenClaims, error) {
	eps, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"code_verifier": {pkceVerifier},
	}
	body, err := p.postForm(ctx, eps.Token, form)
	if err != nil {
		return nil, err
	}

	var token struct {
		Error     string `json:"error"`
		IDToken   string `json:"id_token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.Error != "" {
		return nil, fmt.Errorf("code exchange failed: %s", token.Error)
	}

	claims, err := decodeIDTokenClaims(token.IDToken)
	if err != nil {
		return nil, err
	}
	if token.ExpiresIn > 0 {
		claims.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return claims, nil
}

func (p *oidcProvider) ValidateToken(ctx context.Context, accessToken string) (*TokenClaims, error) {
	eps, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eps.UserInfo, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo: issuer returned %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	return &TokenClaims{Email: info.Email, Name: info.Name}, nil
}

func (p *oidcProvider) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issuer request: %w", err)
	}
	defer resp.Body.Close()
	// OAuth error responses arrive with 4xx and a JSON error field; the
	// caller distinguishes them from transport failures.
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// decodeIDTokenClaims extracts the email/name claims from a JWT payload
// without signature verification. The token was just received over TLS
// from the issuer's token endpoint in direct response to our exchange.
func decodeIDTokenClaims(idToken string) (*TokenClaims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed id_token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode id_token payload: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Exp   int64  `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("parse id_token claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("id_token carries no email claim")
	}

	out := &TokenClaims{Email: claims.Email, Name: claims.Name}
	if claims.Exp > 0 {
		out.ExpiresAt = time.Unix(claims.Exp, 0)
	}
	return out, nil
}
