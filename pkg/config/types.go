// Package config loads and validates the global scotty.yaml settings.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/pkg/engine"
	"github.com/factorial-io/scotty/pkg/loadbalancer"
	"github.com/factorial-io/scotty/pkg/notify"
	"github.com/factorial-io/scotty/pkg/secrets"
)

// Duration wraps time.Duration with duration-string YAML syntax
// ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// AsDuration converts back to time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Config is the complete scotty.yaml structure.
type Config struct {
	Apps          AppsConfig                            `yaml:"apps"`
	LoadBalancer  loadbalancer.Config                   `yaml:"load_balancer"`
	Scheduler     SchedulerConfig                       `yaml:"scheduler"`
	API           APIConfig                             `yaml:"api"`
	Tasks         TasksConfig                           `yaml:"tasks"`
	Shell         ShellConfig                           `yaml:"shell"`
	Notifications map[string]notify.ServiceConfig       `yaml:"notification_services"`
	OnePassword   map[string]secrets.TokenConfig        `yaml:"onepassword"`
	Registries    map[string]engine.RegistryCredentials `yaml:"registries"`
	Blueprints    map[string]BlueprintConfig            `yaml:"blueprints"`
	Telemetry     TelemetryConfig                       `yaml:"telemetry"`
}

// AppsConfig locates managed apps on disk.
type AppsConfig struct {
	RootFolder   string `yaml:"root_folder"`
	MaxDepth     int    `yaml:"max_depth"`
	DomainSuffix string `yaml:"domain_suffix"`
}

// SchedulerConfig holds the three reconciliation intervals.
type SchedulerConfig struct {
	RunningAppCheck Duration `yaml:"running_app_check"`
	TTLCheck        Duration `yaml:"ttl_check"`
	TaskCleanup     Duration `yaml:"task_cleanup"`
}

// AuthMode selects how API callers authenticate.
type AuthMode string

const (
	AuthModeDev    AuthMode = "dev"
	AuthModeBearer AuthMode = "bearer"
	AuthModeOAuth  AuthMode = "oauth"
)

// APIConfig configures the HTTP/WebSocket front end.
type APIConfig struct {
	BindAddress    string            `yaml:"bind_address"`
	BaseURL        string            `yaml:"base_url"`
	FrontendURL    string            `yaml:"frontend_url"`
	AuthMode       AuthMode          `yaml:"auth_mode"`
	AccessTokens   map[string]string `yaml:"access_tokens"`
	LegacyAPIKey   string            `yaml:"legacy_api_key"`
	CasbinDir      string            `yaml:"casbin_dir"`
	AllowedOrigins []string          `yaml:"allowed_origins"`
	OAuth          OAuthConfig       `yaml:"oauth"`
	RateLimits     RateLimitConfig   `yaml:"rate_limits"`
}

// OAuthConfig points at the OIDC issuer.
type OAuthConfig struct {
	IssuerURL    string `yaml:"issuer_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// RateLimitTier is requests per second plus burst for one caller class.
type RateLimitTier struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// RateLimitConfig holds the three limiter tiers.
type RateLimitConfig struct {
	PublicAuth    RateLimitTier `yaml:"public_auth"`
	OAuth         RateLimitTier `yaml:"oauth"`
	Authenticated RateLimitTier `yaml:"authenticated"`
}

// TasksConfig bounds task output buffers.
type TasksConfig struct {
	MaxLines      int `yaml:"max_lines"`
	MaxLineLength int `yaml:"max_line_length"`
}

// ShellConfig bounds interactive shell sessions.
type ShellConfig struct {
	TTL          Duration `yaml:"ttl"`
	MaxPerApp    int      `yaml:"max_per_app"`
	MaxGlobal    int      `yaml:"max_global"`
	DefaultShell string   `yaml:"default_shell"`
}

// BlueprintConfig describes an app blueprint: the services a create
// request must supply and the named actions run inside them.
type BlueprintConfig struct {
	Name             string                         `yaml:"name"`
	Description      string                         `yaml:"description,omitempty"`
	RequiredServices []string                       `yaml:"required_services"`
	Actions          map[string]map[string][]string `yaml:"actions,omitempty"`
}

// ActionScripts returns the per-service script lines of a named action,
// or nil when the blueprint does not define it.
func (b BlueprintConfig) ActionScripts(action string) map[string][]string {
	return b.Actions[action]
}

// TelemetryConfig toggles the metrics endpoint.
type TelemetryConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
}
