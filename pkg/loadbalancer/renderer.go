// Package loadbalancer renders compose override documents that publish
// app services through the front-end proxy, for Traefik or HAProxy.
package loadbalancer

import (
	"fmt"

	"github.com/factorial-io/scotty/pkg/apps"
)

// Type selects the proxy flavor.
type Type string

const (
	TypeTraefik Type = "traefik"
	TypeHAProxy Type = "haproxy"
)

// TraefikConfig configures the Traefik renderer.
type TraefikConfig struct {
	// NetworkName is the external proxy network public services join.
	NetworkName  string `yaml:"network_name"`
	UseTLS       bool   `yaml:"use_tls"`
	CertResolver string `yaml:"certresolver,omitempty"`
}

// HAProxyConfig configures the HAProxy renderer.
type HAProxyConfig struct {
	UseTLS bool `yaml:"use_tls"`
}

// Config selects and configures the active renderer.
type Config struct {
	Type    Type          `yaml:"type"`
	Traefik TraefikConfig `yaml:"traefik"`
	HAProxy HAProxyConfig `yaml:"haproxy"`
}

// Renderer produces the override document for one app. Identical inputs
// yield identical output up to the randomized basic-auth salt; all map
// orderings are stable.
type Renderer interface {
	Render(appName string, settings *apps.AppSettings, env map[string]string) ([]byte, error)
}

// NewRenderer picks the renderer for the configured flavor.
func NewRenderer(cfg Config) (Renderer, error) {
	switch cfg.Type {
	case TypeTraefik:
		return &TraefikRenderer{cfg: cfg.Traefik}, nil
	case TypeHAProxy:
		return &HAProxyRenderer{cfg: cfg.HAProxy}, nil
	default:
		return nil, fmt.Errorf("unknown load balancer type %q", cfg.Type)
	}
}

// overrideDocument is the emitted compose override. yaml.v3 serializes
// maps with sorted keys, keeping the output deterministic.
type overrideDocument struct {
	Services map[string]overrideService `yaml:"services"`
	Networks map[string]overrideNetwork `yaml:"networks,omitempty"`
}

type overrideService struct {
	Labels      []string          `yaml:"labels,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

type overrideNetwork struct {
	External bool `yaml:"external"`
}

// serviceDomains returns the domains a publication serves, defaulting to
// <service>.<app domain>.
func serviceDomains(pub apps.ServicePublication, settings *apps.AppSettings) []string {
	if len(pub.Domains) > 0 {
		return pub.Domains
	}
	if settings.Domain != "" {
		return []string{pub.Service + "." + settings.Domain}
	}
	return nil
}
