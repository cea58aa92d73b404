// Package scheduler runs the periodic reconciliation loops: app rescan,
// TTL-based destruction and task cleanup. Each loop runs one pass at a
// time and stops on context cancellation.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/lifecycle"
	"github.com/factorial-io/scotty/pkg/ws"
)

// Destroyer starts a destroy operation. Implemented by the lifecycle
// operations.
type Destroyer interface {
	Destroy(ctx context.Context, appName string) (*lifecycle.RunningAppContext, error)
}

// TaskCleaner garbage-collects finished tasks. Implemented by the task
// manager.
type TaskCleaner interface {
	RunCleanup(ttl time.Duration) int
}

// Broadcaster pushes list-change notifications to WebSocket clients.
// Implemented by the messenger; may be nil.
type Broadcaster interface {
	BroadcastToAll(msgType string, payload any)
}

// Intervals holds the three loop periods. Non-positive values disable the
// corresponding loop.
type Intervals struct {
	RunningAppCheck time.Duration
	TTLCheck        time.Duration
	TaskCleanup     time.Duration
}

// Scheduler owns the three loops.
type Scheduler struct {
	intervals Intervals
	scanner   *apps.Scanner
	registry  *apps.Registry
	destroyer Destroyer
	cleaner   TaskCleaner
	broadcast Broadcaster

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. destroyer, cleaner and broadcast may be nil,
// disabling the corresponding behavior.
func New(intervals Intervals, scanner *apps.Scanner, registry *apps.Registry, destroyer Destroyer, cleaner TaskCleaner, broadcast Broadcaster) *Scheduler {
	return &Scheduler{
		intervals: intervals,
		scanner:   scanner,
		registry:  registry,
		destroyer: destroyer,
		cleaner:   cleaner,
		broadcast: broadcast,
	}
}

// Start launches the loops. An initial rescan runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.spawn(ctx, s.intervals.RunningAppCheck, true, s.rescan)
	s.spawn(ctx, s.intervals.TTLCheck, false, s.destroyExpired)
	s.spawn(ctx, s.intervals.TaskCleanup, false, s.cleanupTasks)

	slog.Info("Scheduler started",
		"running_app_check", s.intervals.RunningAppCheck,
		"ttl_check", s.intervals.TTLCheck,
		"task_cleanup", s.intervals.TaskCleanup)
}

// Stop cancels the loops and waits for running passes to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// spawn runs fn every interval on its own goroutine. Passes never
// overlap within one loop.
func (s *Scheduler) spawn(ctx context.Context, interval time.Duration, immediate bool, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if immediate {
			fn(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// rescan reconciles the registry with disk and engine state.
func (s *Scheduler) rescan(ctx context.Context) {
	if err := s.scanner.ScanAll(ctx); err != nil {
		slog.Error("App rescan failed", "error", err)
		return
	}
	if s.broadcast != nil {
		s.broadcast.BroadcastToAll(ws.TypeAppListUpdated, nil)
	}
}

// destroyExpired starts a destroy for every app whose TTL has run out.
func (s *Scheduler) destroyExpired(ctx context.Context) {
	if s.destroyer == nil {
		return
	}
	now := time.Now().UTC()
	for _, app := range s.registry.List() {
		if app.Settings == nil || !app.Settings.DestroyOnTTL {
			continue
		}
		ttl, ok := app.Settings.TimeToLive.Duration()
		if !ok {
			continue
		}
		since := app.RunningSince()
		if since == nil || now.Sub(*since) <= ttl {
			continue
		}

		slog.Info("App exceeded its time to live, destroying",
			"app", app.Name, "running_since", since, "ttl", ttl)
		if _, err := s.destroyer.Destroy(ctx, app.Name); err != nil {
			slog.Warn("TTL destroy could not start", "app", app.Name, "error", err)
		}
	}
}

// cleanupTasks removes finished tasks older than the loop interval.
func (s *Scheduler) cleanupTasks(_ context.Context) {
	if s.cleaner == nil {
		return
	}
	s.cleaner.RunCleanup(s.intervals.TaskCleanup)
}
