// Scotty control plane — discovers docker compose apps, drives their
// lifecycle and serves the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/engine"
	"github.com/factorial-io/scotty/pkg/lifecycle"
	"github.com/factorial-io/scotty/pkg/loadbalancer"
	"github.com/factorial-io/scotty/pkg/metrics"
	"github.com/factorial-io/scotty/pkg/notify"
	"github.com/factorial-io/scotty/pkg/scheduler"
	"github.com/factorial-io/scotty/pkg/secrets"
	"github.com/factorial-io/scotty/pkg/services"
	"github.com/factorial-io/scotty/pkg/streams"
	"github.com/factorial-io/scotty/pkg/tasks"
	"github.com/factorial-io/scotty/pkg/version"
	"github.com/factorial-io/scotty/pkg/ws"
)

// appCountInterval is how often the app-status gauge snapshot refreshes.
const appCountInterval = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// instrumentedPublisher forwards task events to the messenger and counts
// them on the way through.
type instrumentedPublisher struct {
	next tasks.Publisher
	rec  *metrics.Recorder
}

func (p instrumentedPublisher) TaskStateChanged(task tasks.Task) {
	switch {
	case task.State == tasks.TaskStateRunning:
		p.rec.TaskStarted(task.Command)
	case task.State.IsTerminal():
		p.rec.TaskFinished(string(task.State))
		if task.FinishedAt != nil {
			outcome := "success"
			if task.State == tasks.TaskStateFailed {
				outcome = "failure"
			}
			p.rec.ObserveOperation(task.Command, outcome, task.FinishedAt.Sub(task.StartedAt))
		}
	}
	p.next.TaskStateChanged(task)
}

func (p instrumentedPublisher) TaskOutputEnded(taskID, reason string) {
	p.next.TaskOutputEnded(taskID, reason)
}

func (p instrumentedPublisher) CleanupTaskSubscriptions(taskID string) {
	p.next.CleanupTaskSubscriptions(taskID)
}

func main() {
	configPath := flag.String("config",
		getEnv("SCOTTY_CONFIG", "./config/scotty.yaml"),
		"Path to the scotty.yaml configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, continuing with existing environment",
			"error", err)
	}

	slog.Info("Starting scotty", "version", version.Full(), "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// Container engine. A failed ping is fatal: nothing works without it.
	engineClient, err := engine.NewClient()
	if err != nil {
		slog.Error("Failed to create engine client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := engineClient.Close(); err != nil {
			slog.Error("Error closing engine client", "error", err)
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := engineClient.Ping(pingCtx); err != nil {
		pingCancel()
		slog.Error("Container engine not reachable", "error", err)
		os.Exit(1)
	}
	pingCancel()
	slog.Info("Connected to container engine")

	// Authorization engine, fed from the casbin directory.
	authzEngine, err := authz.NewEngine(authz.Config{
		Dir:         cfg.API.CasbinDir,
		Tokens:      cfg.API.AccessTokens,
		LegacyToken: cfg.API.LegacyAPIKey,
	})
	if err != nil {
		slog.Error("Failed to initialize authorization engine", "error", err)
		os.Exit(1)
	}
	if authzEngine.Fallback() {
		slog.Warn("Authorization running in legacy fallback mode")
	}

	// Discovery: registry plus scanner, then one eager full scan so the
	// API starts with a populated app list.
	registry := apps.NewRegistry()
	scanner := apps.NewScanner(apps.ScannerConfig{
		RootFolder:   cfg.Apps.RootFolder,
		MaxDepth:     cfg.Apps.MaxDepth,
		DomainSuffix: cfg.Apps.DomainSuffix,
	}, registry, engineClient, authzEngine)
	if err := scanner.ScanAll(ctx); err != nil {
		slog.Error("Initial app scan failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Initial app scan complete", "apps", registry.Count())

	var recorder *metrics.Recorder
	if cfg.Telemetry.MetricsEnabled {
		recorder = metrics.NewRecorder()
		slog.Info("Metrics endpoint enabled")
	}

	// WebSocket fan-out and task supervision.
	messenger := ws.NewMessenger()
	var publisher tasks.Publisher = messenger
	if recorder != nil {
		publisher = instrumentedPublisher{next: messenger, rec: recorder}
	}
	taskManager := tasks.NewManager(publisher)

	renderer, err := loadbalancer.NewRenderer(cfg.LoadBalancer)
	if err != nil {
		slog.Error("Failed to create load balancer renderer", "error", err)
		os.Exit(1)
	}

	resolver := secrets.NewResolver(secrets.NewCLIProvider(cfg.OnePassword))
	notifier := notify.NewDispatcher(cfg.Notifications)

	ops := lifecycle.NewOperations(ctx, lifecycle.Deps{
		Registry:     registry,
		Scanner:      scanner,
		Tasks:        taskManager,
		Renderer:     renderer,
		Resolver:     resolver,
		Engine:       engineClient,
		Notifier:     notifier,
		LoadBalancer: cfg.LoadBalancer,
		Registries:   cfg.Registries,
		Blueprints:   cfg.Blueprints,
		Output: tasks.OutputSettings{
			MaxLines:      cfg.Tasks.MaxLines,
			MaxLineLength: cfg.Tasks.MaxLineLength,
		},
	})

	// Streaming: container logs, interactive shells, task output.
	logStreams := streams.NewLogStreams(engineClient, messenger)
	shells := streams.NewShellSessions(streams.EngineShell{Client: engineClient}, messenger,
		streams.ShellLimits{
			TTL:          cfg.Shell.TTL.AsDuration(),
			MaxPerApp:    cfg.Shell.MaxPerApp,
			MaxGlobal:    cfg.Shell.MaxGlobal,
			DefaultShell: cfg.Shell.DefaultShell,
		})
	taskStreams := streams.NewTaskStreams(taskManager, messenger, messenger)

	// Background reconciliation loops.
	sched := scheduler.New(scheduler.Intervals{
		RunningAppCheck: cfg.Scheduler.RunningAppCheck.AsDuration(),
		TTLCheck:        cfg.Scheduler.TTLCheck.AsDuration(),
		TaskCleanup:     cfg.Scheduler.TaskCleanup.AsDuration(),
	}, scanner, registry, ops, taskManager, messenger)
	sched.Start(ctx)
	defer sched.Stop()

	if recorder != nil {
		go func() {
			ticker := time.NewTicker(appCountInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					counts := make(map[string]int)
					for status, n := range registry.CountByStatus() {
						counts[string(status)] = n
					}
					recorder.SetAppCounts(counts)
				}
			}
		}()
	}

	var provider api.OAuthProvider
	if cfg.API.AuthMode == config.AuthModeOAuth {
		provider = api.NewOIDCProvider(cfg.API.OAuth.IssuerURL,
			cfg.API.OAuth.ClientID, cfg.API.OAuth.ClientSecret)
	}

	httpServer := api.NewServer(cfg.API, api.Deps{
		Apps:          services.NewAppService(registry, ops, authzEngine, notifier),
		Tasks:         services.NewTaskService(taskManager, registry, authzEngine),
		Admin:         services.NewAdminService(authzEngine),
		Authz:         authzEngine,
		Registry:      registry,
		Messenger:     messenger,
		LogStreams:    logStreams,
		Shells:        shells,
		TaskStreams:   taskStreams,
		OAuthProvider: provider,
		Metrics:       recorder,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.API.BindAddress
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Scotty started", "apps", registry.Count(), "auth_mode", cfg.API.AuthMode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop taking requests first, then cancel the operation context so
	// running lifecycle tasks wind down.
	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cancel()
	slog.Info("Shutdown complete")
}
