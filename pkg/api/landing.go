package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// landingRedirect intercepts requests that reach the control plane with an
// app's hostname: the load balancer falls back to us when the app's
// containers are gone. Stopped apps get a 302 to the landing page with the
// original URL preserved; hostnames no app claims get a 404. Requests for
// the control plane's own hostname pass through.
func (s *Server) landingRedirect(next echo.HandlerFunc) echo.HandlerFunc {
	apiHost := hostOnly(baseURLHost(s.cfg.BaseURL))
	return func(c *echo.Context) error {
		host := hostOnly(c.Request().Host)
		if host == "" || host == apiHost || apiHost == "" {
			return next(c)
		}

		appName, ok := s.appForDomain(host)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "unknown host "+host)
		}
		if app, found := s.registry.Get(appName); found && app.RunningSince() != nil {
			return next(c)
		}

		target := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/landing/" + appName +
			"?return_url=" + url.QueryEscape(originalURL(c.Request()))

		h := c.Response().Header()
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		return c.Redirect(http.StatusFound, target)
	}
}

func (s *Server) appForDomain(host string) (string, bool) {
	for domain, app := range s.registry.Domains() {
		if strings.EqualFold(domain, host) {
			return app, true
		}
	}
	return "", false
}

func originalURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func baseURLHost(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	return u.Host
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
