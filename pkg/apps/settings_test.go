package apps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestAppSettingsDefaults(t *testing.T) {
	var settings AppSettings
	require.NoError(t, yaml.Unmarshal([]byte("domain: demo.example.com\n"), &settings))

	assert.True(t, settings.DisallowRobots)
	assert.True(t, settings.TimeToLive.Forever)
	assert.Equal(t, []string{DefaultScope}, settings.Scopes)
}

func TestAppSettingsExplicitValuesSurviveDefaults(t *testing.T) {
	raw := `
public_services:
  - service: web
    port: 8080
time_to_live:
  Days: 2
destroy_on_ttl: true
disallow_robots: false
scopes:
  - team-a
environment:
  DB_PASSWORD: hunter2
  LOG_LEVEL: debug
`
	var settings AppSettings
	require.NoError(t, yaml.Unmarshal([]byte(raw), &settings))

	assert.False(t, settings.DisallowRobots)
	assert.True(t, settings.DestroyOnTTL)
	assert.Equal(t, TTLDays(2), settings.TimeToLive)
	assert.Equal(t, []string{"team-a"}, settings.Scopes)
	require.Len(t, settings.PublicServices, 1)
	assert.Equal(t, 8080, settings.PublicServices[0].Port)
}

func TestMaskedHidesSensitiveEnvironment(t *testing.T) {
	settings := NewAppSettings()
	settings.Environment = map[string]string{
		"DB_PASSWORD":     "hunter2",
		"API_KEY":         "abc",
		"GITLAB_TOKEN":    "tok",
		"PRIVATE_KEY":     "pem",
		"AWS_CREDENTIALS": "creds",
		"LOG_LEVEL":       "debug",
	}
	settings.BasicAuth = &BasicAuth{User: "admin", Pass: "secret"}

	masked := settings.Masked()
	assert.Equal(t, maskedValue, masked.Environment["DB_PASSWORD"])
	assert.Equal(t, maskedValue, masked.Environment["API_KEY"])
	assert.Equal(t, maskedValue, masked.Environment["GITLAB_TOKEN"])
	assert.Equal(t, maskedValue, masked.Environment["PRIVATE_KEY"])
	assert.Equal(t, maskedValue, masked.Environment["AWS_CREDENTIALS"])
	assert.Equal(t, "debug", masked.Environment["LOG_LEVEL"])

	// The original is untouched.
	assert.Equal(t, "hunter2", settings.Environment["DB_PASSWORD"])
}

func TestSaveAndLoadSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	settings := NewAppSettings()
	settings.Domain = "demo.example.com"
	settings.TimeToLive = TTLHours(6)
	settings.PublicServices = []ServicePublication{{Service: "web", Port: 80}}
	settings.Environment = map[string]string{"DB_PASSWORD": "hunter2"}

	require.NoError(t, SaveSettings(dir, &settings))

	// Saving never masks: the raw value must be on disk.
	data, err := os.ReadFile(filepath.Join(dir, SettingsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), maskedValue)

	loaded, err := LoadSettings(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, settings.Domain, loaded.Domain)
	assert.Equal(t, settings.TimeToLive, loaded.TimeToLive)
	assert.Equal(t, settings.PublicServices, loaded.PublicServices)
	assert.Equal(t, "hunter2", loaded.Environment["DB_PASSWORD"])
}

func TestLoadSettingsMissingFile(t *testing.T) {
	settings, err := LoadSettings(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, settings)
}

func TestLoadSettingsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFileName), []byte("{broken"), 0o644))

	_, err := LoadSettings(dir)
	assert.Error(t, err)
}
