package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "legacy_api_key: {{.SCOTTY_API_KEY}}",
			env:   map[string]string{"SCOTTY_API_KEY": "secret123"},
			want:  "legacy_api_key: secret123",
		},
		{
			name:  "literal ${VAR} is not expanded",
			input: "environment: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "environment: ${USER_ID}",
		},
		{
			name:  "literal $VAR is not expanded",
			input: "pattern: ^secret.*$",
			env:   map[string]string{},
			want:  "pattern: ^secret.*$",
		},
		{
			name:  "multiple substitutions in one line",
			input: "base_url: {{.PROTOCOL}}://{{.HOST}}:{{.PORT}}",
			env: map[string]string{
				"PROTOCOL": "https",
				"HOST":     "example.com",
				"PORT":     "443",
			},
			want: "base_url: https://example.com:443",
		},
		{
			name:  "missing variable expands to empty",
			input: "token: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "token: ",
		},
		{
			name:  "variables in nested YAML",
			input: "registries:\n  default:\n    password: {{.REGISTRY_PASSWORD}}",
			env:   map[string]string{"REGISTRY_PASSWORD": "p@ssw0rd!#$%"},
			want:  "registries:\n  default:\n    password: p@ssw0rd!#$%",
		},
		{
			name:  "literal dollar in value preserved",
			input: "password: p@ss$word",
			env:   map[string]string{},
			want:  "password: p@ss$word",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}

func TestExpandEnvPreservesContentWithoutVariables(t *testing.T) {
	input := `
# comment
apps:
  root_folder: /srv/apps
  max_depth: 3
`
	assert.Equal(t, input, string(ExpandEnv([]byte(input))))
}
