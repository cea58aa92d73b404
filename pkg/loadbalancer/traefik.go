package loadbalancer

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/pkg/apps"
)

// robotsHeaderValue blocks indexing on apps with disallow_robots.
const robotsHeaderValue = "none, noarchive, nosnippet, notranslate, noimageindex"

// TraefikRenderer emits router, service and middleware labels per
// published service and attaches the external proxy network.
type TraefikRenderer struct {
	cfg TraefikConfig
}

// Render implements Renderer.
func (r *TraefikRenderer) Render(appName string, settings *apps.AppSettings, _ map[string]string) ([]byte, error) {
	doc := overrideDocument{Services: make(map[string]overrideService, len(settings.PublicServices))}
	if r.cfg.NetworkName != "" {
		doc.Networks = map[string]overrideNetwork{
			r.cfg.NetworkName: {External: true},
		}
	}

	for _, pub := range settings.PublicServices {
		labels, err := r.serviceLabels(appName, pub, settings)
		if err != nil {
			return nil, err
		}
		svc := overrideService{Labels: labels, Networks: []string{"default"}}
		if r.cfg.NetworkName != "" {
			svc.Networks = append(svc.Networks, r.cfg.NetworkName)
		}
		doc.Services[pub.Service] = svc
	}
	return yaml.Marshal(doc)
}

// serviceLabels builds the label list for one published service. The
// router key is <service--app>-<domain index>.
func (r *TraefikRenderer) serviceLabels(appName string, pub apps.ServicePublication, settings *apps.AppSettings) ([]string, error) {
	key := pub.Service + "--" + appName
	domains := serviceDomains(pub, settings)
	if len(domains) == 0 {
		return nil, fmt.Errorf("service %s has no domains and the app has no base domain", pub.Service)
	}

	labels := []string{"traefik.enable=true"}
	for i, domain := range domains {
		router := fmt.Sprintf("%s-%d", key, i)
		labels = append(labels, fmt.Sprintf("traefik.http.routers.%s.rule=Host(`%s`)", router, domain))
		if r.cfg.UseTLS {
			labels = append(labels, fmt.Sprintf("traefik.http.routers.%s.tls=true", router))
			if r.cfg.CertResolver != "" {
				labels = append(labels,
					fmt.Sprintf("traefik.http.routers.%s.tls.certresolver=%s", router, r.cfg.CertResolver))
			}
		}
	}
	labels = append(labels,
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port=%d", key, pub.Port))

	var middlewares []string
	if settings.BasicAuth != nil {
		name := key + "--basic-auth"
		hash, err := hashBasicAuthPassword(settings.BasicAuth.Pass)
		if err != nil {
			return nil, err
		}
		labels = append(labels,
			fmt.Sprintf("traefik.http.middlewares.%s.basicauth.users=%s:%s", name, settings.BasicAuth.User, hash),
			fmt.Sprintf("traefik.http.middlewares.%s.basicauth.removeheader=true", name))
		middlewares = append(middlewares, name)
	}
	if settings.DisallowRobots {
		name := key + "--robots"
		labels = append(labels,
			fmt.Sprintf("traefik.http.middlewares.%s.headers.customresponseheaders.X-Robots-Tags=%s", name, robotsHeaderValue))
		middlewares = append(middlewares, name)
	}
	middlewares = append(middlewares, settings.Middlewares...)

	if len(middlewares) > 0 {
		joined := strings.Join(middlewares, ",")
		for i := range domains {
			labels = append(labels,
				fmt.Sprintf("traefik.http.routers.%s-%d.middlewares=%s", key, i, joined))
		}
	}
	return labels, nil
}

// hashBasicAuthPassword bcrypt-hashes the password and doubles the
// dollar signs so compose does not treat them as interpolations.
func hashBasicAuthPassword(pass string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash basic auth password: %w", err)
	}
	return strings.ReplaceAll(string(hash), "$", "$$"), nil
}
