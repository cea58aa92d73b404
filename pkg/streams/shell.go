package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/factorial-io/scotty/pkg/engine"
	"github.com/factorial-io/scotty/pkg/ws"
)

// Shell session end reasons.
const (
	shellEndExited     = "Session ended"
	shellEndTimeout    = "Session timeout"
	shellEndTerminated = "Terminated"
	shellEndShutdown   = "server shutting down"
)

// Shell session errors.
var (
	ErrSessionNotFound = errors.New("shell session not found")
	ErrShellCapReached = errors.New("shell session limit reached")
)

// ShellIO is one attached exec session: terminal bytes in both
// directions, resize and exit-code inspection.
type ShellIO interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, width, height uint) error
	ExitCode(ctx context.Context) (*int, error)
}

// ShellEngine resolves containers and attaches shells to them.
type ShellEngine interface {
	FindServiceContainer(ctx context.Context, project, service string) (string, error)
	CreateShell(ctx context.Context, containerID, shell string) (ShellIO, error)
}

// EngineShell adapts the concrete engine client to ShellEngine.
type EngineShell struct {
	Client *engine.Client
}

func (e EngineShell) FindServiceContainer(ctx context.Context, project, service string) (string, error) {
	return e.Client.FindServiceContainer(ctx, project, service)
}

func (e EngineShell) CreateShell(ctx context.Context, containerID, shell string) (ShellIO, error) {
	return e.Client.CreateShell(ctx, containerID, shell)
}

// ShellLimits bounds interactive sessions.
type ShellLimits struct {
	TTL          time.Duration
	MaxPerApp    int
	MaxGlobal    int
	DefaultShell string
}

type shellSession struct {
	id          string
	clientID    string
	appName     string
	serviceName string
	containerID string
	tty         ShellIO
	createdAt   time.Time

	stopOnce sync.Once
	stop     chan struct{}
	reason   string
}

func (s *shellSession) requestStop(reason string) {
	s.stopOnce.Do(func() {
		s.reason = reason
		close(s.stop)
	})
}

// ShellSessions tracks interactive exec sessions, enforcing per-app and
// global caps plus an absolute TTL per session.
type ShellSessions struct {
	engine ShellEngine
	sender Sender
	limits ShellLimits

	mu       sync.Mutex
	sessions map[string]*shellSession
}

// NewShellSessions creates the shell session service.
func NewShellSessions(eng ShellEngine, sender Sender, limits ShellLimits) *ShellSessions {
	if limits.DefaultShell == "" {
		limits.DefaultShell = "/bin/sh"
	}
	if limits.TTL <= 0 {
		limits.TTL = 30 * time.Minute
	}
	return &ShellSessions{
		engine:   eng,
		sender:   sender,
		limits:   limits,
		sessions: make(map[string]*shellSession),
	}
}

// Create opens a shell in the service's container and spawns the session
// worker. Cap violations fail synchronously.
func (s *ShellSessions) Create(ctx context.Context, clientID string, req ws.ShellSessionRequest) (ws.ShellSessionInfo, error) {
	session := &shellSession{
		id:          uuid.New().String(),
		clientID:    clientID,
		appName:     req.AppName,
		serviceName: req.ServiceName,
		createdAt:   time.Now().UTC(),
		stop:        make(chan struct{}),
	}
	if err := s.admit(session); err != nil {
		return ws.ShellSessionInfo{}, err
	}

	containerID, err := s.engine.FindServiceContainer(ctx, req.AppName, req.ServiceName)
	if err != nil {
		s.release(session.id)
		return ws.ShellSessionInfo{}, fmt.Errorf("resolve %s/%s: %w", req.AppName, req.ServiceName, err)
	}

	shell := req.Shell
	if shell == "" {
		shell = s.limits.DefaultShell
	}
	tty, err := s.engine.CreateShell(ctx, containerID, shell)
	if err != nil {
		s.release(session.id)
		return ws.ShellSessionInfo{}, fmt.Errorf("create shell in %s: %w", containerID, err)
	}
	session.containerID = containerID
	session.tty = tty

	go s.run(ctx, session)

	slog.Info("Shell session created",
		"session_id", session.id, "app", req.AppName, "service", req.ServiceName, "shell", shell)
	return ws.ShellSessionInfo{
		SessionID:   session.id,
		AppName:     req.AppName,
		ServiceName: req.ServiceName,
		ContainerID: containerID,
	}, nil
}

// admit checks the per-app and global caps and claims a slot in one
// atomic step, so concurrent creates cannot overshoot the caps while the
// engine calls are still in flight.
func (s *ShellSessions) admit(session *shellSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits.MaxGlobal > 0 && len(s.sessions) >= s.limits.MaxGlobal {
		return fmt.Errorf("%w: %d sessions active", ErrShellCapReached, len(s.sessions))
	}
	if s.limits.MaxPerApp > 0 {
		perApp := 0
		for _, other := range s.sessions {
			if other.appName == session.appName {
				perApp++
			}
		}
		if perApp >= s.limits.MaxPerApp {
			return fmt.Errorf("%w: %d sessions active for %s", ErrShellCapReached, perApp, session.appName)
		}
	}
	s.sessions[session.id] = session
	return nil
}

// release frees an admitted slot whose shell never came up.
func (s *ShellSessions) release(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Input writes terminal bytes to the session's stdin.
func (s *ShellSessions) Input(sessionID string, data []byte) error {
	session, ok := s.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if _, err := session.tty.Write(data); err != nil {
		return fmt.Errorf("write to shell %s: %w", sessionID, err)
	}
	return nil
}

// Resize adjusts the session's TTY dimensions.
func (s *ShellSessions) Resize(ctx context.Context, sessionID string, width, height uint) error {
	session, ok := s.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return session.tty.Resize(ctx, width, height)
}

// Terminate ends one session.
func (s *ShellSessions) Terminate(sessionID string) error {
	session, ok := s.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	session.requestStop(shellEndTerminated)
	return nil
}

// TerminateClientSessions ends every session owned by the client.
func (s *ShellSessions) TerminateClientSessions(clientID string) {
	for _, session := range s.snapshot() {
		if session.clientID == clientID {
			session.requestStop(shellEndTerminated)
		}
	}
}

// TerminateAppSessions ends every session of an app.
func (s *ShellSessions) TerminateAppSessions(appName string) {
	for _, session := range s.snapshot() {
		if session.appName == appName {
			session.requestStop(shellEndTerminated)
		}
	}
}

// Count returns the number of active sessions.
func (s *ShellSessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *ShellSessions) get(sessionID string) (*shellSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

func (s *ShellSessions) snapshot() []*shellSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*shellSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// run forwards shell output to the owner and enforces the TTL. Input and
// resize act on the session directly.
func (s *ShellSessions) run(ctx context.Context, session *shellSession) {
	defer func() {
		// Wake the reader if it is parked on a full output channel; the
		// TTL and shutdown exits do not close the stop channel themselves.
		session.requestStop(shellEndExited)
		session.tty.Close()
		s.mu.Lock()
		delete(s.sessions, session.id)
		s.mu.Unlock()
	}()

	output := make(chan []byte, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := session.tty.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case output <- chunk:
				case <-session.stop:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	ttl := time.NewTimer(s.limits.TTL)
	defer ttl.Stop()

	for {
		select {
		case <-ctx.Done():
			s.end(ctx, session, shellEndShutdown, false)
			return
		case <-session.stop:
			s.end(ctx, session, session.reason, false)
			return
		case <-ttl.C:
			s.end(ctx, session, shellEndTimeout, false)
			return
		case chunk := <-output:
			s.sender.SendToClient(session.clientID, ws.TypeShellSessionData, ws.ShellSessionData{
				SessionID: session.id,
				DataType:  ws.ShellDataOutput,
				Data:      string(chunk),
			})
		case <-readDone:
			// Deliver anything the reader queued before closing.
			for drained := false; !drained; {
				select {
				case chunk := <-output:
					s.sender.SendToClient(session.clientID, ws.TypeShellSessionData, ws.ShellSessionData{
						SessionID: session.id,
						DataType:  ws.ShellDataOutput,
						Data:      string(chunk),
					})
				default:
					drained = true
				}
			}
			s.end(ctx, session, shellEndExited, true)
			return
		}
	}
}

// end closes the session and tells the owner. The exit code is only
// available when the exec actually finished.
func (s *ShellSessions) end(ctx context.Context, session *shellSession, reason string, exited bool) {
	ended := ws.ShellSessionEnded{
		SessionID: session.id,
		Reason:    reason,
	}
	if exited {
		if code, err := session.tty.ExitCode(ctx); err == nil {
			ended.ExitCode = code
		}
	}
	s.sender.SendToClient(session.clientID, ws.TypeShellSessionEnded, ended)
	slog.Info("Shell session ended",
		"session_id", session.id, "app", session.appName, "reason", reason)
}
