package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/statemachine"
	"github.com/factorial-io/scotty/pkg/tasks"
)

// opContext is the shared state threaded through every handler of one
// operation.
type opContext struct {
	ops    *Operations
	app    apps.App
	req    *CreateAppRequest
	env    map[string]string
	taskID string
	verb   string
	action string
}

func (oc *opContext) info(msg string) {
	_ = oc.ops.deps.Tasks.AddInfo(oc.taskID, msg)
}

// runCompose executes "docker compose -f <file> <args...>" inside the
// app directory, streaming into the operation task. A nonzero exit fails
// the handler.
func (oc *opContext) runCompose(ctx context.Context, args ...string) error {
	cmdline := oc.ops.deps.ComposeCommand
	composeArgs := append([]string{}, cmdline[1:]...)
	composeArgs = append(composeArgs, "-f", filepath.Base(oc.app.ComposePath))
	composeArgs = append(composeArgs, args...)
	return oc.runCommand(ctx, tasks.CommandSpec{
		Dir:     oc.app.RootDir,
		Command: cmdline[0],
		Args:    composeArgs,
		Env:     oc.env,
	})
}

func (oc *opContext) runCommand(ctx context.Context, spec tasks.CommandSpec) error {
	exitCode, err := oc.ops.deps.Tasks.RunCommand(ctx, oc.taskID, spec)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%s %s exited with code %d", spec.Command, strings.Join(spec.Args, " "), exitCode)
	}
	return nil
}

// rescan refreshes registry state for this app and replaces the context
// snapshot.
func (oc *opContext) rescan(ctx context.Context) error {
	if err := oc.ops.deps.Scanner.ScanApp(ctx, oc.app.Name); err != nil {
		return fmt.Errorf("rescan %s: %w", oc.app.Name, err)
	}
	if refreshed, ok := oc.ops.deps.Registry.Get(oc.app.Name); ok {
		oc.app = refreshed
	}
	return nil
}

// State names of the lifecycle machines.
const (
	stateCreateDirectory    statemachine.State = "CreateDirectory"
	stateSaveSettings       statemachine.State = "SaveSettings"
	stateSaveFiles          statemachine.State = "SaveFiles"
	stateCreateLBConfig     statemachine.State = "CreateLoadBalancerConfig"
	stateEnsureLBConfig     statemachine.State = "EnsureLoadBalancerConfig"
	stateBuildAndRun        statemachine.State = "BuildAndRun"
	statePull               statemachine.State = "Pull"
	stateBuild              statemachine.State = "Build"
	stateStart              statemachine.State = "Start"
	stateStop               statemachine.State = "Stop"
	stateDown               statemachine.State = "Down"
	stateRunPostActions     statemachine.State = "RunPostActions"
	stateInspect            statemachine.State = "Inspect"
	stateDeriveSettings     statemachine.State = "DeriveSettings"
	stateUpdateAppData      statemachine.State = "UpdateAppData"
	stateRemoveDirectory    statemachine.State = "RemoveDirectory"
	stateRemoveFromRegistry statemachine.State = "RemoveFromRegistry"
	stateDone               statemachine.State = "Done"
)

type opHandler = statemachine.Handler[*opContext]

// composeStep runs one compose command and moves to next.
func composeStep(next statemachine.State, args ...string) opHandler {
	return func(ctx context.Context, oc *opContext) (statemachine.State, error) {
		if err := oc.runCompose(ctx, args...); err != nil {
			return "", err
		}
		return next, nil
	}
}

// writeOverrideStep renders the load-balancer override file next to the
// compose file.
func writeOverrideStep(next statemachine.State) opHandler {
	return func(ctx context.Context, oc *opContext) (statemachine.State, error) {
		data, err := oc.ops.deps.Renderer.Render(oc.app.Name, oc.app.Settings, oc.env)
		if err != nil {
			return "", fmt.Errorf("render load-balancer config: %w", err)
		}
		composeName := filepath.Base(oc.app.ComposePath)
		path := filepath.Join(oc.app.RootDir, apps.OverrideFileName(composeName))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		oc.info("Wrote load balancer configuration to " + apps.OverrideFileName(composeName))
		return next, nil
	}
}

// inspectStep rescans the app and reports per-service states into the
// task output.
func inspectStep(next statemachine.State) opHandler {
	return func(ctx context.Context, oc *opContext) (statemachine.State, error) {
		if err := oc.rescan(ctx); err != nil {
			return "", err
		}
		for _, svc := range oc.app.Services {
			oc.info(fmt.Sprintf("service %s: %s", svc.Service, svc.Status))
		}
		return next, nil
	}
}

// updateAppDataStep rescans so the registry reflects the operation's
// outcome.
func updateAppDataStep(next statemachine.State) opHandler {
	return func(ctx context.Context, oc *opContext) (statemachine.State, error) {
		if err := oc.rescan(ctx); err != nil {
			return "", err
		}
		return next, nil
	}
}

// postActionsStep runs the blueprint scripts of the named action inside
// each service via compose exec. Apps without a matching blueprint or
// action skip the step.
func postActionsStep(action string, next statemachine.State) opHandler {
	return func(ctx context.Context, oc *opContext) (statemachine.State, error) {
		if oc.app.Settings == nil || oc.app.Settings.AppBlueprint == "" {
			return next, nil
		}
		bp, ok := oc.ops.deps.Blueprints[oc.app.Settings.AppBlueprint]
		if !ok {
			return next, nil
		}
		name := action
		if name == "" {
			name = oc.action
		}
		scripts := bp.ActionScripts(name)
		if scripts == nil {
			return next, nil
		}

		services := make([]string, 0, len(scripts))
		for svc := range scripts {
			services = append(services, svc)
		}
		sort.Strings(services)

		for _, svc := range services {
			for _, line := range scripts[svc] {
				oc.info(fmt.Sprintf("running %s in %s", name, svc))
				if err := oc.runCompose(ctx, "exec", "-T", svc, "/bin/sh", "-c", line); err != nil {
					return "", fmt.Errorf("action %s in %s: %w", name, svc, err)
				}
			}
		}
		return next, nil
	}
}

// pullStep logs into the app's registry when one is configured, then
// pulls images.
func pullStep(next statemachine.State) opHandler {
	return func(ctx context.Context, oc *opContext) (statemachine.State, error) {
		if reg := oc.app.Settings.Registry; reg != "" {
			creds, ok := oc.ops.deps.Registries[reg]
			if !ok {
				return "", fmt.Errorf("registry %q is not configured", reg)
			}
			if oc.ops.deps.Engine != nil {
				if err := oc.ops.deps.Engine.RegistryLogin(ctx, creds); err != nil {
					return "", fmt.Errorf("registry login %s: %w", creds.Registry, err)
				}
			}
			err := oc.runCommand(ctx, tasks.CommandSpec{
				Dir:     oc.app.RootDir,
				Command: "docker",
				Args:    []string{"login", creds.Registry, "--username", creds.Username, "--password-stdin"},
				Stdin:   creds.Password,
			})
			if err != nil {
				return "", err
			}
		}
		if err := oc.runCompose(ctx, "pull"); err != nil {
			return "", err
		}
		return next, nil
	}
}

// createDirectoryStep materializes the app root.
func createDirectoryStep(next statemachine.State) opHandler {
	return func(_ context.Context, oc *opContext) (statemachine.State, error) {
		if err := os.MkdirAll(oc.app.RootDir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", oc.app.RootDir, err)
		}
		oc.info("Created " + oc.app.RootDir)
		return next, nil
	}
}

// saveSettingsStep persists the context's settings into the app root.
func saveSettingsStep(next statemachine.State) opHandler {
	return func(_ context.Context, oc *opContext) (statemachine.State, error) {
		if oc.app.Settings == nil {
			return "", fmt.Errorf("no settings to save for %s", oc.app.Name)
		}
		if err := apps.SaveSettings(oc.app.RootDir, oc.app.Settings); err != nil {
			return "", err
		}
		oc.info("Saved " + apps.SettingsFileName)
		return next, nil
	}
}

// saveFilesStep writes the request's files below the app root, rejecting
// paths that escape it.
func saveFilesStep(next statemachine.State) opHandler {
	return func(_ context.Context, oc *opContext) (statemachine.State, error) {
		for _, f := range oc.req.Files {
			cleaned := filepath.Clean(f.Name)
			if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
				return "", fmt.Errorf("%w: file name %q escapes the app directory", ErrInvalidRequest, f.Name)
			}
			path := filepath.Join(oc.app.RootDir, cleaned)
			if dir := filepath.Dir(path); dir != oc.app.RootDir {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return "", fmt.Errorf("create %s: %w", dir, err)
				}
			}
			if err := os.WriteFile(path, f.Content, 0o644); err != nil {
				return "", fmt.Errorf("write %s: %w", path, err)
			}
			oc.info("Saved " + cleaned)
		}
		return next, nil
	}
}

// buildAndRunStep delegates to the rebuild machine with the same
// context.
func buildAndRunStep(next statemachine.State) opHandler {
	return func(ctx context.Context, oc *opContext) (statemachine.State, error) {
		if err := rebuildMachine().Run(ctx, oc); err != nil {
			return "", err
		}
		return next, nil
	}
}

// deriveSettingsStep synthesizes a settings file for an adopted app from
// its observed services.
func deriveSettingsStep(next statemachine.State) opHandler {
	return func(_ context.Context, oc *opContext) (statemachine.State, error) {
		settings := apps.NewAppSettings()
		settings.Domain = oc.app.Name + "." + oc.ops.deps.Scanner.DomainSuffix()
		for _, svc := range oc.app.Services {
			port := 80
			if svc.Port != nil {
				port = *svc.Port
			}
			settings.PublicServices = append(settings.PublicServices, apps.ServicePublication{
				Service: svc.Service,
				Port:    port,
			})
		}
		oc.app.Settings = &settings
		oc.info("Derived settings for " + oc.app.Name)
		return next, nil
	}
}

// removeDirectoryStep deletes the app root from disk.
func removeDirectoryStep(next statemachine.State) opHandler {
	return func(_ context.Context, oc *opContext) (statemachine.State, error) {
		if err := os.RemoveAll(oc.app.RootDir); err != nil {
			return "", fmt.Errorf("remove %s: %w", oc.app.RootDir, err)
		}
		oc.info("Removed " + oc.app.RootDir)
		return next, nil
	}
}

// removeFromRegistryStep drops the registry entry.
func removeFromRegistryStep(next statemachine.State) opHandler {
	return func(_ context.Context, oc *opContext) (statemachine.State, error) {
		oc.ops.deps.Registry.ClearStatusOverride(oc.app.Name)
		oc.ops.deps.Registry.Remove(oc.app.Name)
		return next, nil
	}
}
