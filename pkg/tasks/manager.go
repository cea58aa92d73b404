package tasks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// scanBufferSize caps the length of a single raw line read from a child
// process before the line-level truncation in Buffer applies.
const scanBufferSize = 1024 * 1024

// TaskState describes the lifecycle of a supervised task.
type TaskState string

const (
	TaskStateRunning  TaskState = "running"
	TaskStateFinished TaskState = "finished"
	TaskStateFailed   TaskState = "failed"
)

// IsTerminal reports whether the state is final.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateFinished || s == TaskStateFailed
}

// Stream-end reasons sent to task output subscribers.
const (
	EndReasonCompleted = "completed"
	EndReasonFailed    = "failed"
	EndReasonCleanup   = "task_cleanup"
)

// Task is the immutable snapshot of a supervised execution.
type Task struct {
	ID                     string     `json:"id"`
	Command                string     `json:"command"`
	Args                   []string   `json:"args,omitempty"`
	AppName                string     `json:"app_name,omitempty"`
	State                  TaskState  `json:"state"`
	StartedAt              time.Time  `json:"started_at"`
	FinishedAt             *time.Time `json:"finished_at,omitempty"`
	LastExitCode           *int       `json:"last_exit_code,omitempty"`
	OutputCollectionActive bool       `json:"output_collection_active"`
}

// StartSpec describes a subprocess to supervise.
type StartSpec struct {
	Dir     string
	Command string
	Args    []string
	Env     map[string]string
	AppName string
	Output  OutputSettings
}

// Publisher receives task lifecycle events for fan-out to subscribed
// clients. Implemented by the WebSocket messenger. Output lines themselves
// are tailed from the task buffer by the task-output stream workers.
type Publisher interface {
	TaskStateChanged(task Task)
	TaskOutputEnded(taskID string, reason string)
	CleanupTaskSubscriptions(taskID string)
}

// NopPublisher discards all events. Useful in tests.
type NopPublisher struct{}

func (NopPublisher) TaskStateChanged(Task)           {}
func (NopPublisher) TaskOutputEnded(string, string)  {}
func (NopPublisher) CleanupTaskSubscriptions(string) {}

// managedTask pairs the task details with its output buffer. Details and
// output carry independent locks so detail readers do not block output
// writers.
type managedTask struct {
	detailsMu sync.RWMutex
	details   Task

	output       *Buffer
	outputActive atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *managedTask) snapshot() Task {
	t.detailsMu.RLock()
	defer t.detailsMu.RUnlock()
	d := t.details
	d.OutputCollectionActive = t.outputActive.Load()
	return d
}

// Manager spawns and tracks supervised subprocesses.
type Manager struct {
	mu        sync.RWMutex
	tasks     map[string]*managedTask
	publisher Publisher
}

// NewManager creates a task manager publishing to the given publisher.
func NewManager(publisher Publisher) *Manager {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Manager{
		tasks:     make(map[string]*managedTask),
		publisher: publisher,
	}
}

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = fmt.Errorf("task not found")

// Start spawns the subprocess described by spec and returns the task id.
// The task transitions to Finished or Failed when the child exits; a spawn
// failure fails the task with a synthesized stderr line.
func (m *Manager) Start(ctx context.Context, spec StartSpec) (string, error) {
	if spec.Command == "" {
		return "", fmt.Errorf("task command must not be empty")
	}

	taskID := uuid.New().String()
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	mt := &managedTask{
		details: Task{
			ID:        taskID,
			Command:   spec.Command,
			Args:      spec.Args,
			AppName:   spec.AppName,
			State:     TaskStateRunning,
			StartedAt: time.Now().UTC(),
		},
		output: NewBuffer(spec.Output),
		ctx:    taskCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	mt.outputActive.Store(true)

	m.mu.Lock()
	m.tasks[taskID] = mt
	m.mu.Unlock()

	slog.Info("Task started",
		"task_id", taskID,
		"command", spec.Command,
		"args", strings.Join(spec.Args, " "),
		"app", spec.AppName)
	m.publisher.TaskStateChanged(mt.snapshot())

	go m.runTask(taskCtx, mt, spec)
	return taskID, nil
}

// Begin registers a task that is not bound to a single subprocess.
// Lifecycle operations use it as the collection point for the output of
// every command they run and close it with Complete.
func (m *Manager) Begin(name, appName string, output OutputSettings) string {
	taskID := uuid.New().String()
	taskCtx, cancel := context.WithCancel(context.Background())

	mt := &managedTask{
		details: Task{
			ID:        taskID,
			Command:   name,
			AppName:   appName,
			State:     TaskStateRunning,
			StartedAt: time.Now().UTC(),
		},
		output: NewBuffer(output),
		ctx:    taskCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	mt.outputActive.Store(true)

	m.mu.Lock()
	m.tasks[taskID] = mt
	m.mu.Unlock()

	slog.Info("Task started", "task_id", taskID, "command", name, "app", appName)
	m.publisher.TaskStateChanged(mt.snapshot())
	return taskID
}

// CommandSpec describes one subprocess run inside an existing task.
// Stdin, when non-empty, is fed to the child and closed.
type CommandSpec struct {
	Dir     string
	Command string
	Args    []string
	Env     map[string]string
	Stdin   string
}

// RunCommand forks the command and streams its stdout/stderr into the
// task's buffer. The task stays running afterwards; the caller decides
// when to Complete it. Returns the child's exit code. Cancelling ctx or
// aborting the task kills the child.
func (m *Manager) RunCommand(ctx context.Context, taskID string, spec CommandSpec) (int, error) {
	mt, ok := m.get(taskID)
	if !ok {
		return -1, ErrTaskNotFound
	}
	mt.detailsMu.RLock()
	terminal := mt.details.State.IsTerminal()
	mt.detailsMu.RUnlock()
	if terminal {
		return -1, fmt.Errorf("task %s already finished", taskID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(mt.ctx, cancel)
	defer stop()

	mt.output.Append(StreamInfo, "$ "+spec.Command+" "+strings.Join(spec.Args, " "))

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = mergedEnv(spec.Env)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		mt.output.Append(StreamStderr, err.Error())
		return -1, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.captureStream(mt, StreamStdout, stdout)
	}()
	go func() {
		defer wg.Done()
		m.captureStream(mt, StreamStderr, stderr)
	}()
	wg.Wait()

	err = cmd.Wait()
	exitCode := cmd.ProcessState.ExitCode()

	mt.detailsMu.Lock()
	mt.details.LastExitCode = &exitCode
	mt.detailsMu.Unlock()

	if err != nil && exitCode == 0 {
		return exitCode, err
	}
	return exitCode, nil
}

// Complete drives a Begin-created task to its terminal state and notifies
// output subscribers.
func (m *Manager) Complete(taskID string, opErr error) error {
	mt, ok := m.get(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	mt.detailsMu.Lock()
	if mt.details.State.IsTerminal() {
		mt.detailsMu.Unlock()
		return fmt.Errorf("task %s already finished", taskID)
	}
	mt.detailsMu.Unlock()

	state := TaskStateFinished
	reason := EndReasonCompleted
	if opErr != nil {
		mt.output.Append(StreamStderr, opErr.Error())
		state = TaskStateFailed
		reason = EndReasonFailed
	}

	mt.detailsMu.RLock()
	exitCode := mt.details.LastExitCode
	mt.detailsMu.RUnlock()
	m.finish(mt, state, exitCode)
	close(mt.done)

	slog.Info("Task finished", "task_id", taskID, "state", state)
	m.publisher.TaskOutputEnded(taskID, reason)
	return nil
}

// runTask forks the child with piped stdout/stderr, merges both into the
// task buffer and drives the task to a terminal state.
func (m *Manager) runTask(ctx context.Context, mt *managedTask, spec StartSpec) {
	defer close(mt.done)

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = mergedEnv(spec.Env)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.failSpawn(mt, fmt.Errorf("stdout pipe: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.failSpawn(mt, fmt.Errorf("stderr pipe: %w", err))
		return
	}

	if err := cmd.Start(); err != nil {
		m.failSpawn(mt, fmt.Errorf("spawn %s: %w", spec.Command, err))
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.captureStream(mt, StreamStdout, stdout)
	}()
	go func() {
		defer wg.Done()
		m.captureStream(mt, StreamStderr, stderr)
	}()
	wg.Wait()

	err = cmd.Wait()
	exitCode := cmd.ProcessState.ExitCode()

	state := TaskStateFinished
	reason := EndReasonCompleted
	if err != nil || exitCode != 0 {
		state = TaskStateFailed
		reason = EndReasonFailed
	}
	m.finish(mt, state, &exitCode)

	slog.Info("Task finished",
		"task_id", mt.details.ID,
		"state", state,
		"exit_code", exitCode)
	m.publisher.TaskOutputEnded(mt.details.ID, reason)
}

// captureStream appends each line of r to the task buffer.
func (m *Manager) captureStream(mt *managedTask, kind StreamKind, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		mt.output.Append(kind, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("Task stream read ended with error",
			"task_id", mt.details.ID, "stream", kind, "error", err)
	}
}

// failSpawn marks the task failed before the child ever ran.
func (m *Manager) failSpawn(mt *managedTask, err error) {
	mt.output.Append(StreamStderr, err.Error())
	m.finish(mt, TaskStateFailed, nil)
	slog.Error("Task spawn failed", "task_id", mt.details.ID, "error", err)
	m.publisher.TaskOutputEnded(mt.details.ID, EndReasonFailed)
}

func (m *Manager) finish(mt *managedTask, state TaskState, exitCode *int) {
	now := time.Now().UTC()
	mt.detailsMu.Lock()
	mt.details.State = state
	mt.details.FinishedAt = &now
	mt.details.LastExitCode = exitCode
	mt.detailsMu.Unlock()
	mt.outputActive.Store(false)
	m.publisher.TaskStateChanged(mt.snapshot())
}

// AddInfo appends an info-kind line to a task's output. Used by lifecycle
// handlers for progress reporting.
func (m *Manager) AddInfo(taskID, msg string) error {
	mt, ok := m.get(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	mt.output.Append(StreamInfo, msg)
	return nil
}

// GetDetails returns a snapshot of the task details.
func (m *Manager) GetDetails(taskID string) (Task, error) {
	mt, ok := m.get(taskID)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return mt.snapshot(), nil
}

// GetOutput returns a snapshot of the task's buffered output.
func (m *Manager) GetOutput(taskID string) ([]OutputLine, error) {
	mt, ok := m.get(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return mt.output.Snapshot(), nil
}

// OutputBuffer exposes the live buffer for tailing. The buffer is safe for
// concurrent reads.
func (m *Manager) OutputBuffer(taskID string) (*Buffer, bool) {
	mt, ok := m.get(taskID)
	if !ok {
		return nil, false
	}
	return mt.output, true
}

// OutputCollectionActive reports whether the task is still producing output.
func (m *Manager) OutputCollectionActive(taskID string) bool {
	mt, ok := m.get(taskID)
	return ok && mt.outputActive.Load()
}

// List returns snapshots of all tracked tasks, newest first.
func (m *Manager) List() []Task {
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, mt := range m.tasks {
		out = append(out, mt.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Wait blocks until the task's worker has exited. Used by lifecycle
// handlers that need the exit code, and by tests.
func (m *Manager) Wait(ctx context.Context, taskID string) (Task, error) {
	mt, ok := m.get(taskID)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	select {
	case <-mt.done:
		return mt.snapshot(), nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// RunCleanup removes finished tasks whose finish time is older than ttl.
// Workers of removed tasks are aborted and their subscribers detached.
// Returns the number of removed tasks.
func (m *Manager) RunCleanup(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)

	m.mu.Lock()
	expired := make(map[string]*managedTask)
	for id, mt := range m.tasks {
		d := mt.snapshot()
		if d.State.IsTerminal() && d.FinishedAt != nil && d.FinishedAt.Before(cutoff) {
			expired[id] = mt
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	for id, mt := range expired {
		mt.cancel()
		m.publisher.TaskOutputEnded(id, EndReasonCleanup)
		m.publisher.CleanupTaskSubscriptions(id)
	}
	if len(expired) > 0 {
		slog.Info("Task cleanup removed finished tasks", "count", len(expired))
	}
	return len(expired)
}

// Shutdown aborts all running task workers. Buffers remain readable.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mt := range m.tasks {
		mt.cancel()
	}
}

func (m *Manager) get(taskID string) (*managedTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.tasks[taskID]
	return mt, ok
}

// mergedEnv combines the process environment with overrides, overrides
// winning on key collisions.
func mergedEnv(overrides map[string]string) []string {
	env := make([]string, 0, len(overrides))
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := append([]string{}, os.Environ()...)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return append(merged, env...)
}
