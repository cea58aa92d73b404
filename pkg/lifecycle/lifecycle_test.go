package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/loadbalancer"
	"github.com/factorial-io/scotty/pkg/notify"
	"github.com/factorial-io/scotty/pkg/tasks"
)

// fakeState answers container queries without a docker daemon.
type fakeState struct {
	containers []apps.ContainerState
}

func (f *fakeState) ProjectContainers(_ context.Context, _ string) ([]apps.ContainerState, error) {
	return append([]apps.ContainerState(nil), f.containers...), nil
}

type testEnv struct {
	ops      *Operations
	registry *apps.Registry
	tasks    *tasks.Manager
	root     string
	logPath  string
}

// composeLog returns everything the stub compose binary was invoked with.
func (e *testEnv) composeLog(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(e.logPath)
	if err != nil {
		return ""
	}
	return string(data)
}

func (e *testEnv) wait(t *testing.T, rac *RunningAppContext) tasks.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task, err := e.tasks.Wait(ctx, rac.Task.ID)
	require.NoError(t, err)
	return task
}

func newTestEnv(t *testing.T, blueprints map[string]config.BlueprintConfig) *testEnv {
	t.Helper()
	root := t.TempDir()

	logPath := filepath.Join(t.TempDir(), "compose.log")
	script := filepath.Join(t.TempDir(), "compose.sh")
	content := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %s\n", logPath)
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))

	registry := apps.NewRegistry()
	state := &fakeState{containers: []apps.ContainerState{
		{Service: "web", Status: apps.ContainerStatusRunning, ID: "abc123"},
	}}
	scanner := apps.NewScanner(apps.ScannerConfig{
		RootFolder:   root,
		DomainSuffix: "example.com",
	}, registry, state, nil)

	renderer, err := loadbalancer.NewRenderer(loadbalancer.Config{
		Type:    loadbalancer.TypeTraefik,
		Traefik: loadbalancer.TraefikConfig{NetworkName: "proxy", UseTLS: true},
	})
	require.NoError(t, err)

	manager := tasks.NewManager(nil)
	ops := NewOperations(context.Background(), Deps{
		Registry:       registry,
		Scanner:        scanner,
		Tasks:          manager,
		Renderer:       renderer,
		Notifier:       notify.NewDispatcher(nil),
		LoadBalancer:   loadbalancer.Config{Type: loadbalancer.TypeTraefik, Traefik: loadbalancer.TraefikConfig{UseTLS: true}},
		Blueprints:     blueprints,
		ComposeCommand: []string{script},
	})

	return &testEnv{ops: ops, registry: registry, tasks: manager, root: root, logPath: logPath}
}

// seedApp materializes a managed app on disk and in the registry.
func seedApp(t *testing.T, e *testEnv, name string, settings *apps.AppSettings) apps.App {
	t.Helper()
	dir := filepath.Join(e.root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	compose := "services:\n  web:\n    image: nginx\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte(compose), 0o644))
	if settings != nil {
		require.NoError(t, apps.SaveSettings(dir, settings))
	}

	app := apps.App{
		Name:        name,
		RootDir:     dir,
		ComposePath: filepath.Join(dir, "docker-compose.yml"),
		Settings:    settings,
	}
	e.registry.Upsert(app)
	stored, ok := e.registry.Get(name)
	require.True(t, ok)
	return stored
}

func managedSettings() *apps.AppSettings {
	settings := apps.NewAppSettings()
	settings.Domain = "myapp.example.com"
	settings.PublicServices = []apps.ServicePublication{{Service: "web", Port: 80}}
	return &settings
}

func TestRunWritesOverrideAndStartsApp(t *testing.T) {
	e := newTestEnv(t, nil)
	seedApp(t, e, "myapp", managedSettings())

	rac, err := e.ops.Run(context.Background(), "myapp")
	require.NoError(t, err)
	assert.Equal(t, "app:run", rac.Task.Command)

	task := e.wait(t, rac)
	assert.Equal(t, tasks.TaskStateFinished, task.State)

	override := filepath.Join(e.root, "myapp", "docker-compose.override.yml")
	data, err := os.ReadFile(override)
	require.NoError(t, err)
	assert.Contains(t, string(data), "traefik.enable")

	assert.Contains(t, e.composeLog(t), "-f docker-compose.yml up -d")

	app, ok := e.registry.Get("myapp")
	require.True(t, ok)
	assert.Equal(t, apps.AppStatusRunning, app.Status)
}

func TestRunRejectsBusyApp(t *testing.T) {
	e := newTestEnv(t, nil)
	seedApp(t, e, "myapp", managedSettings())

	require.True(t, e.ops.locks.TryLock("myapp"))
	defer e.ops.locks.Unlock("myapp")

	_, err := e.ops.Run(context.Background(), "myapp")
	assert.ErrorIs(t, err, ErrAppBusy)
}

func TestRunUnknownAndUnsupportedApps(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.ops.Run(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAppNotFound)

	seedApp(t, e, "legacy", nil)
	_, err = e.ops.Stop(context.Background(), "legacy")
	assert.ErrorIs(t, err, ErrUnsupportedApp)
}

func TestStopAndPurge(t *testing.T) {
	e := newTestEnv(t, nil)
	seedApp(t, e, "myapp", managedSettings())

	rac, err := e.ops.Stop(context.Background(), "myapp")
	require.NoError(t, err)
	task := e.wait(t, rac)
	assert.Equal(t, tasks.TaskStateFinished, task.State)
	assert.Contains(t, e.composeLog(t), "-f docker-compose.yml stop")

	rac, err = e.ops.Purge(context.Background(), "myapp")
	require.NoError(t, err)
	task = e.wait(t, rac)
	assert.Equal(t, tasks.TaskStateFinished, task.State)
	assert.Contains(t, e.composeLog(t), "-f docker-compose.yml down")
}

func TestDestroyRemovesDirectoryAndRegistryEntry(t *testing.T) {
	e := newTestEnv(t, nil)
	app := seedApp(t, e, "myapp", managedSettings())

	rac, err := e.ops.Destroy(context.Background(), "myapp")
	require.NoError(t, err)
	task := e.wait(t, rac)
	require.Equal(t, tasks.TaskStateFinished, task.State)

	_, statErr := os.Stat(app.RootDir)
	assert.True(t, os.IsNotExist(statErr))
	_, ok := e.registry.Get("myapp")
	assert.False(t, ok)
	assert.Contains(t, e.composeLog(t), "down")
}

func TestCreateValidation(t *testing.T) {
	e := newTestEnv(t, map[string]config.BlueprintConfig{
		"web-stack": {Name: "web-stack", RequiredServices: []string{"web", "db"}},
	})

	composeContent := []byte("services:\n  web:\n    image: nginx\n")

	cases := []struct {
		name string
		req  CreateAppRequest
	}{
		{
			name: "invalid app name",
			req:  CreateAppRequest{AppName: "My App!", Files: []AppFile{{Name: "docker-compose.yml", Content: composeContent}}},
		},
		{
			name: "no compose file",
			req:  CreateAppRequest{AppName: "myapp", Files: []AppFile{{Name: "README.md", Content: []byte("x")}}},
		},
		{
			name: "unknown public service",
			req: CreateAppRequest{
				AppName:  "myapp",
				Settings: apps.AppSettings{PublicServices: []apps.ServicePublication{{Service: "api", Port: 80}}},
				Files:    []AppFile{{Name: "docker-compose.yml", Content: composeContent}},
			},
		},
		{
			name: "unconfigured registry",
			req: CreateAppRequest{
				AppName:  "myapp",
				Settings: apps.AppSettings{Registry: "ghcr"},
				Files:    []AppFile{{Name: "docker-compose.yml", Content: composeContent}},
			},
		},
		{
			name: "blueprint services missing",
			req: CreateAppRequest{
				AppName:  "myapp",
				Settings: apps.AppSettings{AppBlueprint: "web-stack"},
				Files:    []AppFile{{Name: "docker-compose.yml", Content: composeContent}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.ops.Create(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	// Validation failures must not leave a directory behind.
	_, err := os.Stat(filepath.Join(e.root, "myapp"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateBuildsAndRunsApp(t *testing.T) {
	e := newTestEnv(t, map[string]config.BlueprintConfig{
		"web-stack": {
			Name:             "web-stack",
			RequiredServices: []string{"web"},
			Actions: map[string]map[string][]string{
				ActionPostCreate: {"web": {"echo ready"}},
			},
		},
	})

	settings := *managedSettings()
	settings.AppBlueprint = "web-stack"
	req := CreateAppRequest{
		AppName:  "myapp",
		Settings: settings,
		CustomDomains: []CustomDomain{
			{Domain: "www.example.com", Service: "web"},
		},
		Files: []AppFile{
			{Name: "docker-compose.yml", Content: []byte("services:\n  web:\n    image: nginx\n")},
			{Name: ".env", Content: []byte("FOO=bar\n")},
		},
	}

	rac, err := e.ops.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, apps.AppStatusCreating, rac.App.Status)

	task := e.wait(t, rac)
	require.Equal(t, tasks.TaskStateFinished, task.State)

	dir := filepath.Join(e.root, "myapp")
	for _, name := range []string{"docker-compose.yml", ".env", apps.SettingsFileName, "docker-compose.override.yml"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	log := e.composeLog(t)
	for _, fragment := range []string{"pull", "build", "up -d", "exec -T web /bin/sh -c echo ready"} {
		assert.Contains(t, log, fragment)
	}

	saved, err := apps.LoadSettings(dir)
	require.NoError(t, err)
	require.Len(t, saved.PublicServices, 1)
	assert.Contains(t, saved.PublicServices[0].Domains, "www.example.com")

	app, ok := e.registry.Get("myapp")
	require.True(t, ok)
	assert.Equal(t, apps.AppStatusRunning, app.Status)

	// A second create for the same name conflicts.
	_, err = e.ops.Create(context.Background(), req)
	assert.ErrorIs(t, err, ErrAppExists)
}

func TestCustomAction(t *testing.T) {
	e := newTestEnv(t, map[string]config.BlueprintConfig{
		"web-stack": {
			Name: "web-stack",
			Actions: map[string]map[string][]string{
				"migrate": {"web": {"bin/migrate"}},
			},
		},
	})
	settings := managedSettings()
	settings.AppBlueprint = "web-stack"
	seedApp(t, e, "myapp", settings)

	_, err := e.ops.CustomAction(context.Background(), "myapp", "deploy")
	assert.ErrorIs(t, err, ErrUnknownAction)

	rac, err := e.ops.CustomAction(context.Background(), "myapp", "migrate")
	require.NoError(t, err)
	task := e.wait(t, rac)
	assert.Equal(t, tasks.TaskStateFinished, task.State)
	assert.Contains(t, e.composeLog(t), "exec -T web /bin/sh -c bin/migrate")
}

func TestAdoptDerivesSettings(t *testing.T) {
	e := newTestEnv(t, nil)
	seedApp(t, e, "legacy", nil)

	rac, err := e.ops.Adopt(context.Background(), "legacy")
	require.NoError(t, err)
	task := e.wait(t, rac)
	require.Equal(t, tasks.TaskStateFinished, task.State)

	saved, err := apps.LoadSettings(filepath.Join(e.root, "legacy"))
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "legacy.example.com", saved.Domain)
	require.Len(t, saved.PublicServices, 1)
	assert.Equal(t, "web", saved.PublicServices[0].Service)

	app, ok := e.registry.Get("legacy")
	require.True(t, ok)
	assert.True(t, app.IsSupported())

	// Already-supported apps cannot be adopted again.
	_, err = e.ops.Adopt(context.Background(), "legacy")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFailingCommandFailsTask(t *testing.T) {
	e := newTestEnv(t, nil)
	seedApp(t, e, "myapp", managedSettings())

	failing := filepath.Join(t.TempDir(), "compose-fail.sh")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\necho boom >&2\nexit 1\n"), 0o755))
	e.ops.deps.ComposeCommand = []string{failing}

	rac, err := e.ops.Run(context.Background(), "myapp")
	require.NoError(t, err)
	task := e.wait(t, rac)
	assert.Equal(t, tasks.TaskStateFailed, task.State)

	output, err := e.tasks.GetOutput(rac.Task.ID)
	require.NoError(t, err)
	var stderr []string
	for _, line := range output {
		if line.Stream == tasks.StreamStderr {
			stderr = append(stderr, line.Content)
		}
	}
	assert.Contains(t, strings.Join(stderr, "\n"), "boom")
}
