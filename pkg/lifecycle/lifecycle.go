// Package lifecycle implements the app operations as explicit state
// machines: create, run, stop, rebuild, purge, destroy, adopt and
// blueprint custom actions. Each operation owns one task, runs the
// compose CLI through the task manager and finishes with a notification
// plus a single-app rescan.
package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/engine"
	"github.com/factorial-io/scotty/pkg/loadbalancer"
	"github.com/factorial-io/scotty/pkg/notify"
	"github.com/factorial-io/scotty/pkg/secrets"
	"github.com/factorial-io/scotty/pkg/statemachine"
	"github.com/factorial-io/scotty/pkg/tasks"
)

// Operation errors. The API layer maps these onto HTTP statuses.
var (
	ErrAppNotFound    = errors.New("app not found")
	ErrAppExists      = errors.New("app already exists")
	ErrAppBusy        = errors.New("another operation is already running for this app")
	ErrUnsupportedApp = errors.New("app has no settings file and does not support this operation")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownAction  = errors.New("unknown action")
)

// RegistryAuthenticator verifies docker registry credentials against the
// engine. Implemented by the engine client.
type RegistryAuthenticator interface {
	RegistryLogin(ctx context.Context, creds engine.RegistryCredentials) error
}

// Deps wires the operations into the rest of the control plane.
type Deps struct {
	Registry     *apps.Registry
	Scanner      *apps.Scanner
	Tasks        *tasks.Manager
	Renderer     loadbalancer.Renderer
	Resolver     *secrets.Resolver
	Engine       RegistryAuthenticator
	Notifier     *notify.Dispatcher
	LoadBalancer loadbalancer.Config
	Registries   map[string]engine.RegistryCredentials
	Blueprints   map[string]config.BlueprintConfig
	Output       tasks.OutputSettings

	// ComposeCommand is the CLI prefix for compose invocations, by
	// default "docker compose". Overridable for tests.
	ComposeCommand []string
}

// Operations runs lifecycle state machines, one at a time per app.
type Operations struct {
	deps  Deps
	locks *appLocks

	// ctx outlives individual requests; operations are cancelled only on
	// process shutdown.
	ctx context.Context
}

// NewOperations creates the operations front end. ctx bounds the lifetime
// of all spawned state machines.
func NewOperations(ctx context.Context, deps Deps) *Operations {
	if deps.Output == (tasks.OutputSettings{}) {
		deps.Output = tasks.DefaultOutputSettings()
	}
	if len(deps.ComposeCommand) == 0 {
		deps.ComposeCommand = []string{"docker", "compose"}
	}
	return &Operations{
		deps:  deps,
		locks: newAppLocks(),
		ctx:   ctx,
	}
}

// RunningAppContext is the immediate answer to a lifecycle call: the app
// as currently known plus the task supervising the operation.
type RunningAppContext struct {
	App  apps.App   `json:"app_data"`
	Task tasks.Task `json:"task"`
}

// CustomDomain routes an extra domain to one compose service.
type CustomDomain struct {
	Domain  string `json:"domain"`
	Service string `json:"service"`
}

// AppFile is one file to materialize into the new app's directory.
type AppFile struct {
	Name    string `json:"name"`
	Content []byte `json:"content_base64"`
}

// CreateAppRequest carries everything needed to create an app from
// scratch.
type CreateAppRequest struct {
	AppName       string           `json:"app_name"`
	CustomDomains []CustomDomain   `json:"custom_domains,omitempty"`
	Settings      apps.AppSettings `json:"settings"`
	Files         []AppFile        `json:"files"`
}

// DecodeBase64File decodes a standard-base64 file body as sent by API
// clients.
func DecodeBase64File(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: file content is not valid base64", ErrInvalidRequest)
	}
	return data, nil
}

// Run starts a stopped app: ensure the load-balancer override, compose
// up, inspect, refresh.
func (o *Operations) Run(ctx context.Context, appName string) (*RunningAppContext, error) {
	app, err := o.supportedApp(appName)
	if err != nil {
		return nil, err
	}
	return o.start(ctx, app, "run", "AppStarted", runMachine())
}

// Stop stops the app's containers without removing them.
func (o *Operations) Stop(ctx context.Context, appName string) (*RunningAppContext, error) {
	app, err := o.supportedApp(appName)
	if err != nil {
		return nil, err
	}
	return o.start(ctx, app, "stop", "AppStopped", stopMachine())
}

// Purge takes the app down, removing containers and networks but keeping
// the directory.
func (o *Operations) Purge(ctx context.Context, appName string) (*RunningAppContext, error) {
	app, err := o.supportedApp(appName)
	if err != nil {
		return nil, err
	}
	return o.start(ctx, app, "purge", "AppPurged", purgeMachine())
}

// Rebuild pulls and rebuilds images, restarts the app and runs the
// blueprint's post-rebuild actions.
func (o *Operations) Rebuild(ctx context.Context, appName string) (*RunningAppContext, error) {
	app, err := o.supportedApp(appName)
	if err != nil {
		return nil, err
	}
	return o.start(ctx, app, "rebuild", "AppRebuilt", rebuildMachine())
}

// Destroy takes the app down and removes its directory and registry
// entry.
func (o *Operations) Destroy(ctx context.Context, appName string) (*RunningAppContext, error) {
	app, err := o.supportedApp(appName)
	if err != nil {
		return nil, err
	}
	o.deps.Registry.SetStatusOverride(app.Name, apps.AppStatusDestroying)
	rac, err := o.start(ctx, app, "destroy", "AppDestroyed", destroyMachine())
	if err != nil {
		o.deps.Registry.ClearStatusOverride(app.Name)
		return nil, err
	}
	return rac, nil
}

// Adopt derives a settings file for an app that is tracked but
// unsupported, making it manageable.
func (o *Operations) Adopt(ctx context.Context, appName string) (*RunningAppContext, error) {
	app, ok := o.deps.Registry.Get(appName)
	if !ok {
		return nil, ErrAppNotFound
	}
	if app.IsSupported() {
		return nil, fmt.Errorf("%w: app %s already has settings", ErrInvalidRequest, appName)
	}
	return o.start(ctx, app, "adopt", "AppAdopted", adoptMachine())
}

// CustomAction runs one named blueprint action inside the app's
// services.
func (o *Operations) CustomAction(ctx context.Context, appName, action string) (*RunningAppContext, error) {
	app, err := o.supportedApp(appName)
	if err != nil {
		return nil, err
	}
	bp, ok := o.deps.Blueprints[app.Settings.AppBlueprint]
	if !ok || bp.ActionScripts(action) == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	rac, err := o.start(ctx, app, "action:"+action, "AppActionCompleted", customActionMachine())
	if err != nil {
		return nil, err
	}
	return rac, nil
}

// Create validates the request, registers the app as Creating and starts
// the create state machine. Validation failures create no directory.
func (o *Operations) Create(ctx context.Context, req CreateAppRequest) (*RunningAppContext, error) {
	if err := o.validateCreate(&req); err != nil {
		return nil, err
	}

	name := req.AppName
	dir := o.deps.Scanner.AppDir(name)
	composeName := apps.SelectComposeFile(fileNames(req.Files))

	app := apps.App{
		Name:        name,
		RootDir:     dir,
		ComposePath: filepath.Join(dir, composeName),
		Status:      apps.AppStatusCreating,
		Settings:    &req.Settings,
	}
	o.deps.Registry.SetStatusOverride(name, apps.AppStatusCreating)
	o.deps.Registry.Upsert(app)

	rac, err := o.start(ctx, app, "create", "AppCreated", createMachine(), withRequest(&req))
	if err != nil {
		o.deps.Registry.ClearStatusOverride(name)
		o.deps.Registry.Remove(name)
		return nil, err
	}
	return rac, nil
}

func (o *Operations) validateCreate(req *CreateAppRequest) error {
	if err := apps.ValidateAppName(req.AppName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, exists := o.deps.Registry.Get(req.AppName); exists {
		return fmt.Errorf("%w: %s", ErrAppExists, req.AppName)
	}
	if _, err := os.Stat(o.deps.Scanner.AppDir(req.AppName)); err == nil {
		return fmt.Errorf("%w: directory for %s", ErrAppExists, req.AppName)
	}

	composeName := apps.SelectComposeFile(fileNames(req.Files))
	if composeName == "" {
		return fmt.Errorf("%w: no compose file among the uploaded files", ErrInvalidRequest)
	}
	var composeContent []byte
	for _, f := range req.Files {
		if f.Name == composeName {
			composeContent = f.Content
		}
	}
	defined, err := apps.ComposeServicesFromContent(composeContent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := apps.ValidateServices(defined, req.Settings.ServiceNames()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if reg := req.Settings.Registry; reg != "" {
		if _, ok := o.deps.Registries[reg]; !ok {
			return fmt.Errorf("%w: registry %q is not configured", ErrInvalidRequest, reg)
		}
	}
	if bpName := req.Settings.AppBlueprint; bpName != "" {
		bp, ok := o.deps.Blueprints[bpName]
		if !ok {
			return fmt.Errorf("%w: blueprint %q is not configured", ErrInvalidRequest, bpName)
		}
		if err := apps.ValidateServices(defined, bp.RequiredServices); err != nil {
			return fmt.Errorf("%w: blueprint %q: %v", ErrInvalidRequest, bpName, err)
		}
	}

	mergeCustomDomains(req)
	return nil
}

// mergeCustomDomains folds the request's extra domains into the matching
// service publications.
func mergeCustomDomains(req *CreateAppRequest) {
	for _, cd := range req.CustomDomains {
		for i := range req.Settings.PublicServices {
			if req.Settings.PublicServices[i].Service == cd.Service {
				req.Settings.PublicServices[i].Domains = append(req.Settings.PublicServices[i].Domains, cd.Domain)
			}
		}
	}
}

func fileNames(files []AppFile) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names
}

// supportedApp fetches the app and rejects unsupported ones.
func (o *Operations) supportedApp(name string) (apps.App, error) {
	app, ok := o.deps.Registry.Get(name)
	if !ok {
		return apps.App{}, ErrAppNotFound
	}
	if !app.IsSupported() {
		return apps.App{}, fmt.Errorf("%w: %s", ErrUnsupportedApp, name)
	}
	return app, nil
}

type startOption func(*opContext)

func withRequest(req *CreateAppRequest) startOption {
	return func(oc *opContext) { oc.req = req }
}

// start takes the per-app lock, attaches a task and spawns the state
// machine. The returned context reflects the moment of submission.
func (o *Operations) start(ctx context.Context, app apps.App, verb, kind string, machine *statemachine.Machine[*opContext], opts ...startOption) (*RunningAppContext, error) {
	if !o.locks.TryLock(app.Name) {
		return nil, fmt.Errorf("%w: %s", ErrAppBusy, app.Name)
	}

	var env map[string]string
	if app.Settings != nil {
		env = app.Settings.Environment
		if o.deps.Resolver != nil {
			env = o.deps.Resolver.ResolveEnv(ctx, app.Settings.Environment)
		}
	}

	taskID := o.deps.Tasks.Begin("app:"+verb, app.Name, o.deps.Output)
	oc := &opContext{
		ops:    o,
		app:    app,
		env:    env,
		taskID: taskID,
		verb:   verb,
	}
	if verb == "action" || strings.HasPrefix(verb, "action:") {
		oc.action = strings.TrimPrefix(verb, "action:")
	}
	for _, opt := range opts {
		opt(oc)
	}

	go o.execute(oc, kind, machine)

	task, err := o.deps.Tasks.GetDetails(taskID)
	if err != nil {
		return nil, err
	}
	return &RunningAppContext{App: app, Task: task}, nil
}

// execute drives the machine to its terminal state and settles the task,
// notification and registry afterwards.
func (o *Operations) execute(oc *opContext, kind string, machine *statemachine.Machine[*opContext]) {
	defer o.locks.Unlock(oc.app.Name)

	err := machine.Run(o.ctx, oc)
	if err != nil {
		slog.Error("Lifecycle operation failed",
			"app", oc.app.Name, "operation", oc.verb, "error", err)
	}

	o.deps.Registry.ClearStatusOverride(oc.app.Name)
	o.settleTask(oc, err)
	o.notifyOutcome(oc, kind, err)
}

func (o *Operations) settleTask(oc *opContext, opErr error) {
	if err := o.deps.Tasks.Complete(oc.taskID, opErr); err != nil {
		slog.Warn("Could not settle operation task", "task_id", oc.taskID, "error", err)
	}
}

// notifyOutcome dispatches the terminal notification to the app's
// configured receivers.
func (o *Operations) notifyOutcome(oc *opContext, kind string, opErr error) {
	if o.deps.Notifier == nil {
		return
	}
	var receivers []string
	if oc.app.Settings != nil {
		receivers = oc.app.Settings.Notify
	}
	event := notify.Event{
		AppName: oc.app.Name,
		Kind:    kind,
		Message: fmt.Sprintf("%s completed", oc.verb),
		URLs:    o.publicURLs(oc.app),
	}
	if opErr != nil {
		event.Failed = true
		event.Message = fmt.Sprintf("%s failed: %v", oc.verb, opErr)
	}
	o.deps.Notifier.Dispatch(o.ctx, receivers, event)
}

// publicURLs lists the app's published endpoints for notifications.
func (o *Operations) publicURLs(app apps.App) []string {
	if app.Settings == nil {
		return nil
	}
	scheme := "http"
	switch o.deps.LoadBalancer.Type {
	case loadbalancer.TypeTraefik:
		if o.deps.LoadBalancer.Traefik.UseTLS {
			scheme = "https"
		}
	case loadbalancer.TypeHAProxy:
		if o.deps.LoadBalancer.HAProxy.UseTLS {
			scheme = "https"
		}
	}

	var urls []string
	for _, pub := range app.Settings.PublicServices {
		domains := pub.Domains
		if len(domains) == 0 {
			domains = []string{pub.Service + "." + app.Settings.Domain}
		}
		for _, d := range domains {
			urls = append(urls, scheme+"://"+d)
		}
	}
	return urls
}
