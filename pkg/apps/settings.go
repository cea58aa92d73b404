package apps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// SettingsFileName is the per-app settings file inside the app root.
const SettingsFileName = ".scotty.yml"

// DefaultScope is applied to apps that declare no scopes of their own.
const DefaultScope = "default"

// maskedValue replaces sensitive environment values on egress. The on-disk
// copy keeps the real value.
const maskedValue = "********"

// sensitiveEnvKey matches environment keys whose values are masked before
// leaving the process.
var sensitiveEnvKey = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[-_]?key|private[-_]?key|credential)`)

// BasicAuth carries HTTP basic-auth credentials for published services.
type BasicAuth struct {
	User string `yaml:"user" json:"user"`
	Pass string `yaml:"pass" json:"pass"`
}

// ServicePublication exposes one compose service to the load balancer.
type ServicePublication struct {
	Service string   `yaml:"service" json:"service"`
	Port    int      `yaml:"port" json:"port"`
	Domains []string `yaml:"domains,omitempty" json:"domains,omitempty"`
}

// AppSettings is the per-app configuration persisted as .scotty.yml in the
// app root.
type AppSettings struct {
	PublicServices []ServicePublication `yaml:"public_services,omitempty" json:"public_services,omitempty"`
	// Domain is the app's base domain, rendered at merge time from
	// "<name>.<suffix>".
	Domain         string            `yaml:"domain,omitempty" json:"domain,omitempty"`
	TimeToLive     TimeToLive        `yaml:"time_to_live,omitempty" json:"time_to_live"`
	DestroyOnTTL   bool              `yaml:"destroy_on_ttl,omitempty" json:"destroy_on_ttl"`
	BasicAuth      *BasicAuth        `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
	DisallowRobots bool              `yaml:"disallow_robots" json:"disallow_robots"`
	Environment    map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Registry       string            `yaml:"registry,omitempty" json:"registry,omitempty"`
	AppBlueprint   string            `yaml:"app_blueprint,omitempty" json:"app_blueprint,omitempty"`
	Notify         []string          `yaml:"notify,omitempty" json:"notify,omitempty"`
	Scopes         []string          `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Middlewares    []string          `yaml:"middlewares,omitempty" json:"middlewares,omitempty"`
}

// NewAppSettings returns settings with defaults applied.
func NewAppSettings() AppSettings {
	return AppSettings{
		TimeToLive:     TTLForever(),
		DisallowRobots: true,
		Scopes:         []string{DefaultScope},
	}
}

// UnmarshalYAML applies defaults before decoding so omitted fields keep
// them (disallow_robots defaults to true).
func (s *AppSettings) UnmarshalYAML(value *yaml.Node) error {
	type plain AppSettings
	tmp := plain(NewAppSettings())
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*s = AppSettings(tmp)
	s.applyDefaults()
	return nil
}

// UnmarshalJSON applies the same defaults for request bodies.
func (s *AppSettings) UnmarshalJSON(data []byte) error {
	type plain AppSettings
	tmp := plain(NewAppSettings())
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*s = AppSettings(tmp)
	s.applyDefaults()
	return nil
}

func (s *AppSettings) applyDefaults() {
	if len(s.Scopes) == 0 {
		s.Scopes = []string{DefaultScope}
	}
	if s.TimeToLive == (TimeToLive{}) {
		s.TimeToLive = TTLForever()
	}
}

// ServiceNames returns the published service names, sorted.
func (s *AppSettings) ServiceNames() []string {
	names := make([]string, 0, len(s.PublicServices))
	for _, p := range s.PublicServices {
		names = append(names, p.Service)
	}
	sort.Strings(names)
	return names
}

// Masked returns a deep copy with sensitive environment values replaced.
// This is an egress-only transform; the on-disk representation is never
// masked.
func (s *AppSettings) Masked() *AppSettings {
	out := *s
	if len(s.Environment) > 0 {
		env := make(map[string]string, len(s.Environment))
		for k, v := range s.Environment {
			if sensitiveEnvKey.MatchString(k) {
				env[k] = maskedValue
			} else {
				env[k] = v
			}
		}
		out.Environment = env
	}
	out.PublicServices = append([]ServicePublication(nil), s.PublicServices...)
	out.Notify = append([]string(nil), s.Notify...)
	out.Scopes = append([]string(nil), s.Scopes...)
	out.Middlewares = append([]string(nil), s.Middlewares...)
	if s.BasicAuth != nil {
		ba := *s.BasicAuth
		out.BasicAuth = &ba
	}
	return &out
}

// LoadSettings reads and parses the settings file inside appRoot. A
// missing file returns (nil, nil): the app is tracked but unsupported.
func LoadSettings(appRoot string) (*AppSettings, error) {
	path := filepath.Join(appRoot, SettingsFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var settings AppSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &settings, nil
}

// SaveSettings writes the settings file into appRoot.
func SaveSettings(appRoot string, settings *AppSettings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	path := filepath.Join(appRoot, SettingsFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
