package apps

import (
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory map of discovered apps. Status overrides let a
// running lifecycle operation pin an app to Creating or Destroying until it
// finishes; derivation resumes once the override is cleared.
type Registry struct {
	mu        sync.RWMutex
	apps      map[string]*App
	overrides map[string]AppStatus
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		apps:      make(map[string]*App),
		overrides: make(map[string]AppStatus),
	}
}

// Get returns a copy of the named app.
func (r *Registry) Get(name string) (App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return App{}, false
	}
	return r.copyLocked(app), true
}

// List returns copies of all apps, sorted by name.
func (r *Registry) List() []App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]App, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, r.copyLocked(app))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Upsert stores an app, recomputing its status unless an override is
// active.
func (r *Registry) Upsert(app App) {
	now := time.Now().UTC()
	app.LastChecked = &now

	r.mu.Lock()
	defer r.mu.Unlock()
	if override, ok := r.overrides[app.Name]; ok {
		app.Status = override
	} else {
		app.Status = DeriveStatus(app.Services, app.Settings != nil)
	}
	stored := app
	r.apps[app.Name] = &stored
}

// Remove drops an app and any status override.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apps, name)
	delete(r.overrides, name)
}

// SetStatusOverride pins an app's status (Creating/Destroying) for the
// duration of a lifecycle operation. The app may not exist yet during
// Create.
func (r *Registry) SetStatusOverride(name string, status AppStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = status
	if app, ok := r.apps[name]; ok {
		app.Status = status
	}
}

// ClearStatusOverride lifts the override and re-derives the app's status.
func (r *Registry) ClearStatusOverride(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, name)
	if app, ok := r.apps[name]; ok {
		app.Status = DeriveStatus(app.Services, app.Settings != nil)
	}
}

// UpdateSettings replaces an app's settings in place.
func (r *Registry) UpdateSettings(name string, settings *AppSettings) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[name]
	if !ok {
		return false
	}
	app.Settings = settings
	return true
}

// Domains returns every published domain across all apps, mapped to the
// owning app name. Used for global domain-uniqueness validation and the
// landing redirect.
func (r *Registry) Domains() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for name, app := range r.apps {
		for _, svc := range app.Services {
			for _, d := range svc.Domains {
				out[d] = name
			}
		}
		if app.Settings == nil {
			continue
		}
		for _, pub := range app.Settings.PublicServices {
			for _, d := range pub.Domains {
				out[d] = name
			}
		}
	}
	return out
}

// Count returns the number of tracked apps.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}

// CountByStatus returns the number of apps per status. Used by the metrics
// recorder.
func (r *Registry) CountByStatus() map[AppStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[AppStatus]int)
	for _, app := range r.apps {
		out[app.Status]++
	}
	return out
}

// copyLocked deep-copies the slices so callers never share mutable state
// with the registry.
func (r *Registry) copyLocked(app *App) App {
	out := *app
	out.Services = append([]ContainerState(nil), app.Services...)
	if app.Settings != nil {
		settings := *app.Settings
		out.Settings = &settings
	}
	return out
}
