package loadbalancer

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/pkg/apps"
)

// HAProxyRenderer publishes services through environment variables the
// HAProxy sidecar picks up. No networks section is emitted.
type HAProxyRenderer struct {
	cfg HAProxyConfig
}

// Render implements Renderer.
func (r *HAProxyRenderer) Render(appName string, settings *apps.AppSettings, env map[string]string) ([]byte, error) {
	doc := overrideDocument{Services: make(map[string]overrideService, len(settings.PublicServices))}

	for _, pub := range settings.PublicServices {
		serviceEnv := map[string]string{
			"VHOST": strings.Join(serviceDomains(pub, settings), " "),
			"VPORT": strconv.Itoa(pub.Port),
		}
		if settings.BasicAuth != nil {
			serviceEnv["HTTP_AUTH_USER"] = settings.BasicAuth.User
			serviceEnv["HTTP_AUTH_PASS"] = settings.BasicAuth.Pass
		}
		if r.cfg.UseTLS {
			serviceEnv["HTTPS_ONLY"] = "1"
		}
		for key, value := range env {
			serviceEnv[key] = value
		}
		doc.Services[pub.Service] = overrideService{Environment: serviceEnv}
	}
	return yaml.Marshal(doc)
}
