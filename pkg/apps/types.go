// Package apps holds the app domain model and the in-memory registry of
// discovered compose projects.
package apps

import (
	"time"
)

// AppStatus is the derived lifecycle state of an app.
type AppStatus string

const (
	AppStatusStopped     AppStatus = "stopped"
	AppStatusStarting    AppStatus = "starting"
	AppStatusRunning     AppStatus = "running"
	AppStatusCreating    AppStatus = "creating"
	AppStatusDestroying  AppStatus = "destroying"
	AppStatusUnsupported AppStatus = "unsupported"
)

// ContainerStatus mirrors the engine's container state strings.
type ContainerStatus string

const (
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
	ContainerStatusEmpty      ContainerStatus = ""
)

// IsRunning reports whether the container counts as running for status
// derivation.
func (s ContainerStatus) IsRunning() bool {
	switch s {
	case ContainerStatusRunning, ContainerStatusCreated, ContainerStatusRestarting:
		return true
	}
	return false
}

// ContainerState is the observed state of one service container.
type ContainerState struct {
	Status       ContainerStatus `json:"status"`
	ID           string          `json:"id,omitempty"`
	Service      string          `json:"service"`
	Domains      []string        `json:"domains,omitempty"`
	UseTLS       bool            `json:"use_tls"`
	Port         *int            `json:"port,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	UsedRegistry string          `json:"used_registry,omitempty"`
	BasicAuth    *BasicAuth      `json:"basic_auth,omitempty"`
}

// App is a managed application: a compose project plus control-plane
// metadata. Apps are keyed by Name; no entity holds a pointer back.
type App struct {
	Name        string           `json:"name"`
	RootDir     string           `json:"root_dir"`
	ComposePath string           `json:"compose_path"`
	Status      AppStatus        `json:"status"`
	Services    []ContainerState `json:"services"`
	Settings    *AppSettings     `json:"settings,omitempty"`
	LastChecked *time.Time       `json:"last_checked,omitempty"`
}

// IsSupported reports whether management operations may act on the app.
// Apps without a settings file are tracked for listing only.
func (a *App) IsSupported() bool {
	return a.Settings != nil
}

// RunningSince returns the earliest start time among running services, or
// nil when nothing runs.
func (a *App) RunningSince() *time.Time {
	var earliest *time.Time
	for _, svc := range a.Services {
		if !svc.Status.IsRunning() || svc.StartedAt == nil {
			continue
		}
		if earliest == nil || svc.StartedAt.Before(*earliest) {
			earliest = svc.StartedAt
		}
	}
	return earliest
}

// Scopes returns the app's authorization scopes, defaulting to
// ["default"].
func (a *App) Scopes() []string {
	if a.Settings != nil && len(a.Settings.Scopes) > 0 {
		return a.Settings.Scopes
	}
	return []string{"default"}
}

// DeriveStatus computes an app status from its container states: all
// running means running, none running means stopped, a mix means starting.
// Apps without settings are unsupported.
func DeriveStatus(services []ContainerState, supported bool) AppStatus {
	if !supported {
		return AppStatusUnsupported
	}
	if len(services) == 0 {
		return AppStatusStopped
	}
	running := 0
	for _, svc := range services {
		if svc.Status.IsRunning() {
			running++
		}
	}
	switch running {
	case 0:
		return AppStatusStopped
	case len(services):
		return AppStatusRunning
	default:
		return AppStatusStarting
	}
}
