package services

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/lifecycle"
	"github.com/factorial-io/scotty/pkg/tasks"
)

// fakeAuthz decides per subject, scope and action.
type fakeAuthz struct {
	allow func(subject, scope string, action authz.Permission) bool
}

func (f fakeAuthz) CheckScopes(user *authz.CurrentUser, scopes []string, action authz.Permission) (bool, error) {
	for _, scope := range scopes {
		if f.allow(user.Subject, scope, action) {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeAuthz) CheckGlobalPermission(user *authz.CurrentUser, action authz.Permission) bool {
	return f.allow(user.Subject, "*", action)
}

func allowAll() fakeAuthz {
	return fakeAuthz{allow: func(string, string, authz.Permission) bool { return true }}
}

type fakeReceivers struct {
	known map[string]bool
}

func (f fakeReceivers) HasReceiver(name string) bool { return f.known[name] }

func seedApp(t *testing.T, registry *apps.Registry, name string, scopes []string, env map[string]string) apps.App {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	settings := apps.NewAppSettings()
	if scopes != nil {
		settings.Scopes = scopes
	}
	settings.Environment = env
	require.NoError(t, apps.SaveSettings(dir, &settings))

	app := apps.App{
		Name:     name,
		RootDir:  dir,
		Status:   apps.AppStatusStopped,
		Settings: &settings,
	}
	registry.Upsert(app)
	return app
}

func TestAppServiceListFiltersByViewScope(t *testing.T) {
	registry := apps.NewRegistry()
	seedApp(t, registry, "public-site", []string{"team-a"}, nil)
	seedApp(t, registry, "vault", []string{"restricted"}, nil)

	az := fakeAuthz{allow: func(subject, scope string, action authz.Permission) bool {
		return scope == "team-a" && action == authz.PermissionView
	}}
	svc := NewAppService(registry, nil, az, nil)

	user := authz.NewEmailUser("dev@example.com", "", "oauth")
	listed := svc.List(&user)
	require.Len(t, listed, 1)
	assert.Equal(t, "public-site", listed[0].Name)
}

func TestAppServiceMasksEnvironmentOnEgress(t *testing.T) {
	registry := apps.NewRegistry()
	seedApp(t, registry, "shop", nil, map[string]string{
		"DB_PASSWORD": "hunter2",
		"LOG_LEVEL":   "debug",
	})

	svc := NewAppService(registry, nil, allowAll(), nil)
	user := authz.NewEmailUser("dev@example.com", "", "oauth")

	app, err := svc.Info(&user, "shop")
	require.NoError(t, err)
	assert.Equal(t, "********", app.Settings.Environment["DB_PASSWORD"])
	assert.Equal(t, "debug", app.Settings.Environment["LOG_LEVEL"])

	// The on-disk copy keeps the real value.
	persisted, err := apps.LoadSettings(app.RootDir)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", persisted.Environment["DB_PASSWORD"])
}

func TestAppServiceNotFoundBeforeForbidden(t *testing.T) {
	registry := apps.NewRegistry()
	seedApp(t, registry, "shop", nil, nil)

	denyAll := fakeAuthz{allow: func(string, string, authz.Permission) bool { return false }}
	svc := NewAppService(registry, nil, denyAll, nil)
	user := authz.NewEmailUser("dev@example.com", "", "oauth")

	// Unknown apps report NotFound even to callers without any grant.
	_, err := svc.Info(&user, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Info(&user, "shop")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Run(t.Context(), &user, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppServiceCreateRequiresScopeGrant(t *testing.T) {
	az := fakeAuthz{allow: func(subject, scope string, action authz.Permission) bool {
		return scope == "team-a" && action == authz.PermissionCreate
	}}
	svc := NewAppService(apps.NewRegistry(), nil, az, nil)
	user := authz.NewEmailUser("dev@example.com", "", "oauth")

	settings := apps.NewAppSettings()
	settings.Scopes = []string{"restricted"}
	_, err := svc.Create(t.Context(), &user, lifecycle.CreateAppRequest{
		AppName:  "newapp",
		Settings: settings,
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAppServiceNotifications(t *testing.T) {
	registry := apps.NewRegistry()
	seedApp(t, registry, "shop", nil, nil)

	receivers := fakeReceivers{known: map[string]bool{"mattermost://ops": true}}
	svc := NewAppService(registry, nil, allowAll(), receivers)
	user := authz.NewEmailUser("dev@example.com", "", "oauth")

	_, err := svc.AddNotification(&user, "shop", "smoke-signal://hill")
	assert.ErrorIs(t, err, ErrValidation)

	app, err := svc.AddNotification(&user, "shop", "mattermost://ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"mattermost://ops"}, app.Settings.Notify)

	// Adding the same receiver again keeps the list unchanged.
	app, err = svc.AddNotification(&user, "shop", "mattermost://ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"mattermost://ops"}, app.Settings.Notify)

	// The settings file on disk follows.
	persisted, err := apps.LoadSettings(app.RootDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"mattermost://ops"}, persisted.Notify)

	_, err = svc.RemoveNotification(&user, "shop", "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	app, err = svc.RemoveNotification(&user, "shop", "mattermost://ops")
	require.NoError(t, err)
	assert.Empty(t, app.Settings.Notify)
}

func TestAppServiceNotificationsRejectLegacyApps(t *testing.T) {
	registry := apps.NewRegistry()
	registry.Upsert(apps.App{Name: "legacy", Status: apps.AppStatusUnsupported})

	svc := NewAppService(registry, nil, allowAll(), fakeReceivers{})
	user := authz.NewEmailUser("dev@example.com", "", "oauth")

	_, err := svc.AddNotification(&user, "legacy", "mattermost://ops")
	assert.ErrorIs(t, err, ErrLegacyApp)
}

func TestMapLifecycleError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{lifecycle.ErrAppNotFound, ErrNotFound},
		{lifecycle.ErrAppBusy, ErrConflict},
		{lifecycle.ErrAppExists, ErrConflict},
		{lifecycle.ErrUnsupportedApp, ErrLegacyApp},
		{lifecycle.ErrInvalidRequest, ErrValidation},
		{lifecycle.ErrUnknownAction, ErrValidation},
		{tasks.ErrTaskNotFound, ErrNotFound},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, mapLifecycleError(tc.in), tc.want, "mapping %v", tc.in)
	}

	assert.NoError(t, mapLifecycleError(nil))
	opaque := errors.New("engine exploded")
	assert.Equal(t, opaque, mapLifecycleError(opaque))
}

func TestTaskServiceFiltersAndDetails(t *testing.T) {
	registry := apps.NewRegistry()
	seedApp(t, registry, "visible", []string{"team-a"}, nil)
	seedApp(t, registry, "hidden", []string{"restricted"}, nil)

	manager := tasks.NewManager(nil)
	defer manager.Shutdown()
	visibleID := manager.Begin("app:run", "visible", tasks.OutputSettings{})
	hiddenID := manager.Begin("app:run", "hidden", tasks.OutputSettings{})
	require.NoError(t, manager.AddInfo(visibleID, "starting"))

	az := fakeAuthz{allow: func(subject, scope string, action authz.Permission) bool {
		return scope == "team-a" && action == authz.PermissionView
	}}
	svc := NewTaskService(manager, registry, az)
	user := authz.NewEmailUser("dev@example.com", "", "oauth")

	listed := svc.List(&user)
	require.Len(t, listed, 1)
	assert.Equal(t, visibleID, listed[0].ID)

	task, err := svc.Detail(&user, visibleID)
	require.NoError(t, err)
	assert.Equal(t, "visible", task.AppName)

	_, err = svc.Detail(&user, hiddenID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Detail(&user, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	lines, err := svc.Output(&user, visibleID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "starting", lines[0].Content)

	_, err = svc.Output(&user, hiddenID)
	assert.ErrorIs(t, err, ErrForbidden)
}
