package apps

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// StateQuerier resolves the observed container states of a compose
// project. Implemented by the engine client.
type StateQuerier interface {
	ProjectContainers(ctx context.Context, project string) ([]ContainerState, error)
}

// ScopeSyncer mirrors app scopes into the authorization engine after each
// rescan. Implemented by the authz engine.
type ScopeSyncer interface {
	SetAppScopes(app string, scopes []string) error
}

// ScannerConfig controls discovery.
type ScannerConfig struct {
	RootFolder   string
	MaxDepth     int
	DomainSuffix string
}

// Scanner discovers apps below the configured root folder and reconciles
// the registry with the observed engine state.
type Scanner struct {
	cfg      ScannerConfig
	registry *Registry
	state    StateQuerier
	scopes   ScopeSyncer
}

// NewScanner creates a discovery scanner. scopes may be nil.
func NewScanner(cfg ScannerConfig, registry *Registry, state StateQuerier, scopes ScopeSyncer) *Scanner {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	return &Scanner{cfg: cfg, registry: registry, state: state, scopes: scopes}
}

// DomainSuffix returns the configured base domain suffix.
func (s *Scanner) DomainSuffix() string {
	return s.cfg.DomainSuffix
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns an app or directory name into its canonical identifier.
func Slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

// ValidateAppName rejects names that do not survive slugification
// unchanged.
func ValidateAppName(name string) error {
	if name == "" {
		return fmt.Errorf("app name must not be empty")
	}
	if Slugify(name) != name {
		return fmt.Errorf("app name %q is not a valid slug (lowercase letters, digits and dashes)", name)
	}
	return nil
}

// ScanAll walks the root folder, upserts every discovered app and drops
// registry entries whose directories disappeared. Rescan is idempotent.
func (s *Scanner) ScanAll(ctx context.Context) error {
	dirs, err := s.findAppDirs()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		name := Slugify(filepath.Base(dir))
		seen[name] = true
		if err := s.scanDir(ctx, name, dir); err != nil {
			slog.Warn("App scan failed", "app", name, "dir", dir, "error", err)
		}
	}

	for _, app := range s.registry.List() {
		if !seen[app.Name] && app.Status != AppStatusCreating {
			slog.Info("App directory disappeared, removing from registry", "app", app.Name)
			s.registry.Remove(app.Name)
		}
	}
	return nil
}

// ScanApp rescans a single app. Used by lifecycle operations at their
// terminal states.
func (s *Scanner) ScanApp(ctx context.Context, name string) error {
	if app, ok := s.registry.Get(name); ok {
		if _, err := os.Stat(app.RootDir); os.IsNotExist(err) {
			s.registry.Remove(name)
			return nil
		}
		return s.scanDir(ctx, name, app.RootDir)
	}

	dirs, err := s.findAppDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if Slugify(filepath.Base(dir)) == name {
			return s.scanDir(ctx, name, dir)
		}
	}
	return fmt.Errorf("app %s not found below %s", name, s.cfg.RootFolder)
}

// scanDir builds the app state for one directory and upserts it.
func (s *Scanner) scanDir(ctx context.Context, name, dir string) error {
	composePath := FindComposeFile(dir)
	if composePath == "" {
		return fmt.Errorf("no compose file in %s", dir)
	}

	settings, err := LoadSettings(dir)
	if err != nil {
		slog.Warn("Invalid app settings, treating app as unsupported",
			"app", name, "error", err)
		settings = nil
	}
	if settings != nil && settings.Domain == "" && s.cfg.DomainSuffix != "" {
		settings.Domain = name + "." + s.cfg.DomainSuffix
	}

	services, err := s.state.ProjectContainers(ctx, name)
	if err != nil {
		return fmt.Errorf("query containers for %s: %w", name, err)
	}
	decorateContainerStates(services, settings)

	s.registry.Upsert(App{
		Name:        name,
		RootDir:     dir,
		ComposePath: composePath,
		Services:    services,
		Settings:    settings,
	})

	if s.scopes != nil && settings != nil {
		if err := s.scopes.SetAppScopes(name, settings.Scopes); err != nil {
			slog.Warn("Failed to sync app scopes", "app", name, "error", err)
		}
	}
	return nil
}

// decorateContainerStates copies publication data from the settings onto
// the observed containers.
func decorateContainerStates(services []ContainerState, settings *AppSettings) {
	if settings == nil {
		return
	}
	byName := make(map[string]*ServicePublication, len(settings.PublicServices))
	for i := range settings.PublicServices {
		byName[settings.PublicServices[i].Service] = &settings.PublicServices[i]
	}
	for i := range services {
		pub, ok := byName[services[i].Service]
		if !ok {
			continue
		}
		port := pub.Port
		services[i].Port = &port
		if len(pub.Domains) > 0 {
			services[i].Domains = append([]string(nil), pub.Domains...)
		} else if settings.Domain != "" {
			services[i].Domains = []string{pub.Service + "." + settings.Domain}
		}
		services[i].UseTLS = services[i].UseTLS || len(services[i].Domains) > 0
		services[i].UsedRegistry = settings.Registry
		services[i].BasicAuth = settings.BasicAuth
	}
}

// findAppDirs collects directories holding a compose file, up to the
// configured depth. The shallowest compose file wins per subtree.
func (s *Scanner) findAppDirs() ([]string, error) {
	root, err := filepath.Abs(s.cfg.RootFolder)
	if err != nil {
		return nil, fmt.Errorf("resolve apps root: %w", err)
	}

	var dirs []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if strings.Count(rel, string(filepath.Separator))+1 > s.cfg.MaxDepth {
			return filepath.SkipDir
		}

		if FindComposeFile(path) != "" {
			dirs = append(dirs, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return dirs, nil
}

// AppDir returns where a new app with the given name lives on disk.
func (s *Scanner) AppDir(name string) string {
	return filepath.Join(s.cfg.RootFolder, name)
}
