package secrets

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Provider fetches the value behind a secret reference.
type Provider interface {
	Fetch(ctx context.Context, ref Reference) (string, error)
}

// TokenConfig holds the credentials for one named secret provider token.
type TokenConfig struct {
	ServiceAccountToken string `yaml:"service_account_token"`
}

// CLIProvider resolves references through the op CLI using service
// account tokens keyed by token name.
type CLIProvider struct {
	tokens map[string]TokenConfig
}

// NewCLIProvider creates a provider over the configured tokens.
func NewCLIProvider(tokens map[string]TokenConfig) *CLIProvider {
	return &CLIProvider{tokens: tokens}
}

// Fetch runs `op read` with the token selected by the reference.
func (p *CLIProvider) Fetch(ctx context.Context, ref Reference) (string, error) {
	token, ok := p.tokens[ref.TokenName]
	if !ok {
		return "", fmt.Errorf("no secret provider token named %q configured", ref.TokenName)
	}

	cmd := exec.CommandContext(ctx, "op", "read", ref.ProviderPath())
	cmd.Env = append(os.Environ(), "OP_SERVICE_ACCOUNT_TOKEN="+token.ServiceAccountToken)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %s: %w: %s", ref.ProviderPath(), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// Resolver applies secret resolution and bash-style expansion to an
// environment map.
type Resolver struct {
	provider Provider
}

// NewResolver creates a resolver. provider may be nil when no secret
// backend is configured; references then stay as-is.
func NewResolver(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

// ResolveEnv returns a copy of env with secret references replaced and
// variable expansions applied. Fetch failures are logged and leave the
// original value in place.
func (r *Resolver) ResolveEnv(ctx context.Context, env map[string]string) map[string]string {
	resolved := make(map[string]string, len(env))
	for key, value := range env {
		resolved[key] = r.resolveSecret(ctx, key, value)
	}

	lookup := func(name string) (string, bool) {
		if value, ok := resolved[name]; ok {
			return value, true
		}
		return os.LookupEnv(name)
	}
	for key, value := range resolved {
		resolved[key] = Substitute(value, lookup)
	}
	return resolved
}

func (r *Resolver) resolveSecret(ctx context.Context, key, value string) string {
	if !IsReference(value) {
		return value
	}
	ref, err := ParseReference(value)
	if err != nil {
		slog.Warn("Invalid secret reference", "key", key, "error", err)
		return value
	}
	if r.provider == nil {
		slog.Warn("Secret reference found but no provider configured", "key", key)
		return value
	}
	secret, err := r.provider.Fetch(ctx, ref)
	if err != nil {
		slog.Warn("Secret fetch failed, keeping reference", "key", key, "error", err)
		return value
	}
	return secret
}
