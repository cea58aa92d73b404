package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/lifecycle"
)

// Authorizer answers permission checks. Implemented by the authz engine.
type Authorizer interface {
	CheckScopes(user *authz.CurrentUser, scopes []string, action authz.Permission) (bool, error)
	CheckGlobalPermission(user *authz.CurrentUser, action authz.Permission) bool
}

// ReceiverChecker validates notification receiver names. Implemented by
// the notify dispatcher.
type ReceiverChecker interface {
	HasReceiver(name string) bool
}

// AppService exposes the app lifecycle to authenticated callers.
type AppService struct {
	registry  *apps.Registry
	ops       *lifecycle.Operations
	authorize Authorizer
	receivers ReceiverChecker
}

// NewAppService creates the app operations surface.
func NewAppService(registry *apps.Registry, ops *lifecycle.Operations, authorize Authorizer, receivers ReceiverChecker) *AppService {
	return &AppService{
		registry:  registry,
		ops:       ops,
		authorize: authorize,
		receivers: receivers,
	}
}

// List returns every app the user may view, with sensitive environment
// values masked.
func (s *AppService) List(user *authz.CurrentUser) []apps.App {
	var out []apps.App
	for _, app := range s.registry.List() {
		ok, err := s.authorize.CheckScopes(user, app.Scopes(), authz.PermissionView)
		if err != nil || !ok {
			continue
		}
		out = append(out, maskApp(app))
	}
	return out
}

// Info returns one app. Unknown names yield NotFound before any
// permission check so a destroyed app never leaks Forbidden.
func (s *AppService) Info(user *authz.CurrentUser, name string) (apps.App, error) {
	app, err := s.visibleApp(user, name, authz.PermissionView)
	if err != nil {
		return apps.App{}, err
	}
	return maskApp(app), nil
}

// Run starts an app.
func (s *AppService) Run(ctx context.Context, user *authz.CurrentUser, name string) (*lifecycle.RunningAppContext, error) {
	if _, err := s.visibleApp(user, name, authz.PermissionManage); err != nil {
		return nil, err
	}
	return s.contextOf(s.ops.Run(ctx, name))
}

// Stop stops an app.
func (s *AppService) Stop(ctx context.Context, user *authz.CurrentUser, name string) (*lifecycle.RunningAppContext, error) {
	if _, err := s.visibleApp(user, name, authz.PermissionManage); err != nil {
		return nil, err
	}
	return s.contextOf(s.ops.Stop(ctx, name))
}

// Purge takes an app down, keeping its files.
func (s *AppService) Purge(ctx context.Context, user *authz.CurrentUser, name string) (*lifecycle.RunningAppContext, error) {
	if _, err := s.visibleApp(user, name, authz.PermissionManage); err != nil {
		return nil, err
	}
	return s.contextOf(s.ops.Purge(ctx, name))
}

// Rebuild pulls, rebuilds and restarts an app.
func (s *AppService) Rebuild(ctx context.Context, user *authz.CurrentUser, name string) (*lifecycle.RunningAppContext, error) {
	if _, err := s.visibleApp(user, name, authz.PermissionManage); err != nil {
		return nil, err
	}
	return s.contextOf(s.ops.Rebuild(ctx, name))
}

// Destroy removes an app from disk and registry.
func (s *AppService) Destroy(ctx context.Context, user *authz.CurrentUser, name string) (*lifecycle.RunningAppContext, error) {
	if _, err := s.visibleApp(user, name, authz.PermissionDestroy); err != nil {
		return nil, err
	}
	return s.contextOf(s.ops.Destroy(ctx, name))
}

// Adopt generates a settings file for an unmanaged app.
func (s *AppService) Adopt(ctx context.Context, user *authz.CurrentUser, name string) (*lifecycle.RunningAppContext, error) {
	if _, err := s.visibleApp(user, name, authz.PermissionManage); err != nil {
		return nil, err
	}
	return s.contextOf(s.ops.Adopt(ctx, name))
}

// CustomAction runs a blueprint action.
func (s *AppService) CustomAction(ctx context.Context, user *authz.CurrentUser, name, action string) (*lifecycle.RunningAppContext, error) {
	if _, err := s.visibleApp(user, name, authz.PermissionManage); err != nil {
		return nil, err
	}
	return s.contextOf(s.ops.CustomAction(ctx, name, action))
}

// Create validates the request and starts the create operation. The user
// needs Create on the requested scopes.
func (s *AppService) Create(ctx context.Context, user *authz.CurrentUser, req lifecycle.CreateAppRequest) (*lifecycle.RunningAppContext, error) {
	scopes := req.Settings.Scopes
	if len(scopes) == 0 {
		scopes = []string{apps.DefaultScope}
	}
	ok, err := s.authorize.CheckScopes(user, scopes, authz.PermissionCreate)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: create in scopes %v", ErrForbidden, scopes)
	}
	return s.contextOf(s.ops.Create(ctx, req))
}

// AddNotification adds a receiver to the app's notify list and persists
// the settings.
func (s *AppService) AddNotification(user *authz.CurrentUser, name, receiver string) (apps.App, error) {
	app, err := s.visibleApp(user, name, authz.PermissionManage)
	if err != nil {
		return apps.App{}, err
	}
	if !app.IsSupported() {
		return apps.App{}, fmt.Errorf("%w: %s", ErrLegacyApp, name)
	}
	if s.receivers != nil && !s.receivers.HasReceiver(receiver) {
		return apps.App{}, fmt.Errorf("%w: unknown notification receiver %q", ErrValidation, receiver)
	}

	settings := app.Settings
	if slices.Contains(settings.Notify, receiver) {
		return maskApp(app), nil
	}
	settings.Notify = append(settings.Notify, receiver)
	return s.saveSettings(app, settings)
}

// RemoveNotification removes a receiver from the app's notify list.
func (s *AppService) RemoveNotification(user *authz.CurrentUser, name, receiver string) (apps.App, error) {
	app, err := s.visibleApp(user, name, authz.PermissionManage)
	if err != nil {
		return apps.App{}, err
	}
	if !app.IsSupported() {
		return apps.App{}, fmt.Errorf("%w: %s", ErrLegacyApp, name)
	}

	settings := app.Settings
	idx := slices.Index(settings.Notify, receiver)
	if idx < 0 {
		return apps.App{}, fmt.Errorf("%w: receiver %q not configured for %s", ErrNotFound, receiver, name)
	}
	settings.Notify = slices.Delete(settings.Notify, idx, idx+1)
	return s.saveSettings(app, settings)
}

func (s *AppService) saveSettings(app apps.App, settings *apps.AppSettings) (apps.App, error) {
	if err := apps.SaveSettings(app.RootDir, settings); err != nil {
		return apps.App{}, err
	}
	s.registry.UpdateSettings(app.Name, settings)
	updated, _ := s.registry.Get(app.Name)
	return maskApp(updated), nil
}

// visibleApp looks the app up and enforces the permission. Lookup comes
// first: unknown apps are NotFound, never Forbidden.
func (s *AppService) visibleApp(user *authz.CurrentUser, name string, action authz.Permission) (apps.App, error) {
	app, ok := s.registry.Get(name)
	if !ok {
		return apps.App{}, fmt.Errorf("%w: app %s", ErrNotFound, name)
	}
	allowed, err := s.authorize.CheckScopes(user, app.Scopes(), action)
	if err != nil {
		return apps.App{}, err
	}
	if !allowed {
		return apps.App{}, fmt.Errorf("%w: %s on %s", ErrForbidden, action, name)
	}
	return app, nil
}

func (s *AppService) contextOf(rac *lifecycle.RunningAppContext, err error) (*lifecycle.RunningAppContext, error) {
	if err != nil {
		return nil, mapLifecycleError(err)
	}
	rac.App = maskApp(rac.App)
	return rac, nil
}

// maskApp replaces sensitive environment values before egress.
func maskApp(app apps.App) apps.App {
	if app.Settings != nil {
		app.Settings = app.Settings.Masked()
	}
	return app
}
