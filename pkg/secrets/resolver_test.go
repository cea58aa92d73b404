package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	values map[string]string
	err    error
	calls  []Reference
}

func (f *fakeProvider) Fetch(_ context.Context, ref Reference) (string, error) {
	f.calls = append(f.calls, ref)
	if f.err != nil {
		return "", f.err
	}
	return f.values[ref.ProviderPath()], nil
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("op://prod/vault-a/db/password")
	require.NoError(t, err)
	assert.Equal(t, Reference{TokenName: "prod", Vault: "vault-a", Item: "db", Field: "password"}, ref)
	assert.Equal(t, "op://vault-a/db/password", ref.ProviderPath())

	ref, err = ParseReference("op://prod/vault-a/db/creds/password")
	require.NoError(t, err)
	assert.Equal(t, "creds", ref.Section)
	assert.Equal(t, "op://vault-a/db/creds/password", ref.ProviderPath())

	_, err = ParseReference("op://too/short")
	assert.Error(t, err)
	_, err = ParseReference("plain value")
	assert.Error(t, err)
}

func TestResolveEnvFetchesSecrets(t *testing.T) {
	provider := &fakeProvider{values: map[string]string{
		"op://vault-a/db/password": "hunter2",
	}}
	resolver := NewResolver(provider)

	env := map[string]string{
		"DB_PASSWORD": "op://prod/vault-a/db/password",
		"DB_URL":      "postgres://app:${DB_PASSWORD}@db:5432/app",
		"LOG_LEVEL":   "debug",
	}
	resolved := resolver.ResolveEnv(context.Background(), env)

	assert.Equal(t, "hunter2", resolved["DB_PASSWORD"])
	assert.Equal(t, "postgres://app:hunter2@db:5432/app", resolved["DB_URL"])
	assert.Equal(t, "debug", resolved["LOG_LEVEL"])
	require.Len(t, provider.calls, 1)
	assert.Equal(t, "prod", provider.calls[0].TokenName)
}

func TestResolveEnvKeepsValueOnFetchError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("connect refused")}
	resolver := NewResolver(provider)

	env := map[string]string{"SECRET": "op://prod/vault/item/field"}
	resolved := resolver.ResolveEnv(context.Background(), env)
	assert.Equal(t, "op://prod/vault/item/field", resolved["SECRET"])
}

func TestResolveEnvWithoutProvider(t *testing.T) {
	resolver := NewResolver(nil)
	env := map[string]string{"SECRET": "op://prod/vault/item/field"}
	resolved := resolver.ResolveEnv(context.Background(), env)
	assert.Equal(t, "op://prod/vault/item/field", resolved["SECRET"])
}

func TestCLIProviderUnknownToken(t *testing.T) {
	provider := NewCLIProvider(map[string]TokenConfig{})
	_, err := provider.Fetch(context.Background(), Reference{TokenName: "missing", Vault: "v", Item: "i", Field: "f"})
	assert.Error(t, err)
}
