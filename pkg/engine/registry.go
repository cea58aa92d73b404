package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/registry"
)

// RegistryCredentials holds the login data for one private image
// registry, keyed by name in the global configuration.
type RegistryCredentials struct {
	Registry string `yaml:"registry"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RegistryLogin authenticates the daemon against a private registry so
// subsequent compose pulls can fetch private images.
func (c *Client) RegistryLogin(ctx context.Context, creds RegistryCredentials) error {
	resp, err := c.docker.RegistryLogin(ctx, registry.AuthConfig{
		ServerAddress: creds.Registry,
		Username:      creds.Username,
		Password:      creds.Password,
	})
	if err != nil {
		return fmt.Errorf("registry login to %s failed: %w", creds.Registry, err)
	}
	slog.Info("Registry login succeeded", "registry", creds.Registry, "status", resp.Status)
	return nil
}
