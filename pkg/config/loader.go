package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/pkg/loadbalancer"
)

// Defaults returns the built-in configuration that user settings are
// merged over.
func Defaults() Config {
	return Config{
		Apps: AppsConfig{
			RootFolder: "/srv/apps",
			MaxDepth:   3,
		},
		LoadBalancer: loadbalancer.Config{
			Type: loadbalancer.TypeTraefik,
			Traefik: loadbalancer.TraefikConfig{
				NetworkName: "proxy",
			},
		},
		Scheduler: SchedulerConfig{
			RunningAppCheck: Duration(30 * time.Second),
			TTLCheck:        Duration(time.Minute),
			TaskCleanup:     Duration(5 * time.Minute),
		},
		API: APIConfig{
			BindAddress: ":21342",
			AuthMode:    AuthModeDev,
			RateLimits: RateLimitConfig{
				PublicAuth:    RateLimitTier{PerSecond: 1, Burst: 5},
				OAuth:         RateLimitTier{PerSecond: 2, Burst: 10},
				Authenticated: RateLimitTier{PerSecond: 20, Burst: 50},
			},
		},
		Tasks: TasksConfig{
			MaxLines:      10000,
			MaxLineLength: 4096,
		},
		Shell: ShellConfig{
			TTL:          Duration(30 * time.Minute),
			MaxPerApp:    5,
			MaxGlobal:    20,
			DefaultShell: "/bin/sh",
		},
	}
}

// Initialize loads scotty.yaml from path, expands {{.VAR}} environment
// references, merges the built-in defaults and validates the result.
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.Info("Initializing configuration")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"apps_root", cfg.Apps.RootFolder,
		"load_balancer", cfg.LoadBalancer.Type,
		"auth_mode", cfg.API.AuthMode,
		"notification_services", len(cfg.Notifications),
		"blueprints", len(cfg.Blueprints))
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Apps.RootFolder == "" {
		return fmt.Errorf("apps.root_folder must be set")
	}
	if cfg.Apps.MaxDepth <= 0 {
		return fmt.Errorf("apps.max_depth must be positive")
	}
	switch cfg.LoadBalancer.Type {
	case loadbalancer.TypeTraefik, loadbalancer.TypeHAProxy:
	default:
		return fmt.Errorf("load_balancer.type must be %q or %q, got %q",
			loadbalancer.TypeTraefik, loadbalancer.TypeHAProxy, cfg.LoadBalancer.Type)
	}
	switch cfg.API.AuthMode {
	case AuthModeDev, AuthModeBearer, AuthModeOAuth:
	default:
		return fmt.Errorf("api.auth_mode must be dev, bearer or oauth, got %q", cfg.API.AuthMode)
	}
	if cfg.API.AuthMode == AuthModeOAuth && cfg.API.OAuth.IssuerURL == "" {
		return fmt.Errorf("api.oauth.issuer_url is required in oauth mode")
	}
	for name, svc := range cfg.Notifications {
		switch svc.Type {
		case "mattermost", "gitlab", "webhook", "slack", "log":
		default:
			return fmt.Errorf("notification service %s: unknown type %q", name, svc.Type)
		}
	}
	for name, bp := range cfg.Blueprints {
		if len(bp.RequiredServices) == 0 {
			return fmt.Errorf("blueprint %s: required_services must not be empty", name)
		}
	}
	return nil
}
