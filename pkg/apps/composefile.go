package apps

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// composeFileNames lists the recognized compose file names, highest
// priority first.
var composeFileNames = []string{
	"compose.yml",
	"compose.yaml",
	"docker-compose.yml",
	"docker-compose.yaml",
}

// IsComposeFileName reports whether name is a recognized compose file
// name.
func IsComposeFileName(name string) bool {
	for _, candidate := range composeFileNames {
		if name == candidate {
			return true
		}
	}
	return false
}

// FindComposeFile returns the path of the highest-priority compose file in
// dir, or "" when the directory holds none.
func FindComposeFile(dir string) string {
	for _, candidate := range composeFileNames {
		path := filepath.Join(dir, candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// SelectComposeFile picks the highest-priority recognized name from a list
// of file names, or "" when none matches.
func SelectComposeFile(names []string) string {
	for _, candidate := range composeFileNames {
		for _, name := range names {
			if name == candidate {
				return candidate
			}
		}
	}
	return ""
}

// OverrideFileName derives the load-balancer override file name from a
// compose file name: "docker-compose.yml" becomes
// "docker-compose.override.yml".
func OverrideFileName(composeName string) string {
	ext := filepath.Ext(composeName)
	stem := strings.TrimSuffix(composeName, ext)
	return stem + ".override" + ext
}

// ComposeServices parses a compose file and returns its service names.
func ComposeServices(composePath string) ([]string, error) {
	data, err := os.ReadFile(composePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", composePath, err)
	}
	return ComposeServicesFromContent(data)
}

// ComposeServicesFromContent returns the service names defined in compose
// file content.
func ComposeServicesFromContent(data []byte) ([]string, error) {
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	services := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		services = append(services, name)
	}
	return services, nil
}

// ValidateServices checks that every required service exists in the
// compose file's service list.
func ValidateServices(defined []string, required []string) error {
	set := make(map[string]bool, len(defined))
	for _, s := range defined {
		set[s] = true
	}
	for _, s := range required {
		if !set[s] {
			return fmt.Errorf("service %q is not defined in the compose file", s)
		}
	}
	return nil
}
