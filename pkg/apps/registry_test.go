package apps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func supportedApp(name string, statuses ...ContainerStatus) App {
	settings := NewAppSettings()
	services := make([]ContainerState, len(statuses))
	for i, st := range statuses {
		services[i] = ContainerState{Service: "svc", Status: st}
	}
	return App{Name: name, RootDir: "/srv/apps/" + name, Services: services, Settings: &settings}
}

func TestRegistryUpsertDerivesStatus(t *testing.T) {
	r := NewRegistry()
	r.Upsert(supportedApp("running", ContainerStatusRunning, ContainerStatusRunning))
	r.Upsert(supportedApp("partial", ContainerStatusRunning, ContainerStatusExited))
	r.Upsert(supportedApp("stopped", ContainerStatusExited))
	r.Upsert(App{Name: "plain", Services: []ContainerState{{Status: ContainerStatusRunning}}})

	app, ok := r.Get("running")
	require.True(t, ok)
	assert.Equal(t, AppStatusRunning, app.Status)
	require.NotNil(t, app.LastChecked)

	app, _ = r.Get("partial")
	assert.Equal(t, AppStatusStarting, app.Status)
	app, _ = r.Get("stopped")
	assert.Equal(t, AppStatusStopped, app.Status)
	app, _ = r.Get("plain")
	assert.Equal(t, AppStatusUnsupported, app.Status)
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Upsert(supportedApp("zeta"))
	r.Upsert(supportedApp("alpha"))
	r.Upsert(supportedApp("mid"))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestRegistryStatusOverride(t *testing.T) {
	r := NewRegistry()
	r.SetStatusOverride("new-app", AppStatusCreating)

	// Rescans during the operation must not flip the pinned status.
	r.Upsert(supportedApp("new-app", ContainerStatusRunning))
	app, ok := r.Get("new-app")
	require.True(t, ok)
	assert.Equal(t, AppStatusCreating, app.Status)

	r.ClearStatusOverride("new-app")
	app, _ = r.Get("new-app")
	assert.Equal(t, AppStatusRunning, app.Status)
}

func TestRegistryRemoveClearsOverride(t *testing.T) {
	r := NewRegistry()
	r.Upsert(supportedApp("doomed", ContainerStatusRunning))
	r.SetStatusOverride("doomed", AppStatusDestroying)
	r.Remove("doomed")

	_, ok := r.Get("doomed")
	assert.False(t, ok)

	// A fresh upsert under the same name derives normally.
	r.Upsert(supportedApp("doomed", ContainerStatusRunning))
	app, _ := r.Get("doomed")
	assert.Equal(t, AppStatusRunning, app.Status)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Upsert(supportedApp("copy-me", ContainerStatusRunning))

	app, _ := r.Get("copy-me")
	app.Services[0].Status = ContainerStatusDead
	app.Settings.Domain = "mutated.example.com"

	again, _ := r.Get("copy-me")
	assert.Equal(t, ContainerStatusRunning, again.Services[0].Status)
	assert.Empty(t, again.Settings.Domain)
}

func TestRegistryDomains(t *testing.T) {
	r := NewRegistry()
	app := supportedApp("site", ContainerStatusRunning)
	app.Services[0].Domains = []string{"site.example.com"}
	app.Settings.PublicServices = []ServicePublication{
		{Service: "svc", Port: 80, Domains: []string{"www.example.com"}},
	}
	r.Upsert(app)

	domains := r.Domains()
	assert.Equal(t, "site", domains["site.example.com"])
	assert.Equal(t, "site", domains["www.example.com"])
}

func TestRegistryCountByStatus(t *testing.T) {
	r := NewRegistry()
	r.Upsert(supportedApp("a", ContainerStatusRunning))
	r.Upsert(supportedApp("b", ContainerStatusRunning))
	r.Upsert(supportedApp("c", ContainerStatusExited))

	counts := r.CountByStatus()
	assert.Equal(t, 2, counts[AppStatusRunning])
	assert.Equal(t, 1, counts[AppStatusStopped])
	assert.Equal(t, 3, r.Count())
}
