// Package streams hosts the long-lived per-client workers: container log
// streams, interactive shell sessions and task output streams. Each
// worker owns its engine resources and reports to exactly one WebSocket
// client through the messenger.
package streams

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/factorial-io/scotty/pkg/tasks"
	"github.com/factorial-io/scotty/pkg/ws"
)

// Sender delivers messages to one WebSocket client. Implemented by the
// messenger.
type Sender interface {
	SendToClient(clientID, msgType string, payload any)
}

// LogSource resolves containers and opens their log streams. Implemented
// by the engine client.
type LogSource interface {
	FindServiceContainer(ctx context.Context, project, service string) (string, error)
	ServiceLogs(ctx context.Context, containerID string, follow bool, tail *int) (io.ReadCloser, error)
}

// Log stream end reasons.
const (
	logEndCompleted = "completed"
	logEndStopped   = "stopped by client"
	logEndShutdown  = "server shutting down"
)

// ErrStreamNotFound is returned when stopping an unknown stream.
var ErrStreamNotFound = errors.New("log stream not found")

type logSession struct {
	id          string
	clientID    string
	appName     string
	serviceName string
	containerID string

	stopOnce sync.Once
	stop     chan struct{}
	reason   string
}

func (s *logSession) requestStop(reason string) {
	s.stopOnce.Do(func() {
		s.reason = reason
		close(s.stop)
	})
}

// LogStreams tracks the active container log streams.
type LogStreams struct {
	source LogSource
	sender Sender

	mu       sync.Mutex
	sessions map[string]*logSession
}

// NewLogStreams creates the log stream service.
func NewLogStreams(source LogSource, sender Sender) *LogStreams {
	return &LogStreams{
		source:   source,
		sender:   sender,
		sessions: make(map[string]*logSession),
	}
}

// Start resolves the service's container, opens the log stream and spawns
// the forwarding worker. Resolution failures are synchronous.
func (l *LogStreams) Start(ctx context.Context, clientID string, req ws.LogStreamRequest) (ws.LogsStreamInfo, error) {
	containerID, err := l.source.FindServiceContainer(ctx, req.AppName, req.ServiceName)
	if err != nil {
		return ws.LogsStreamInfo{}, fmt.Errorf("resolve %s/%s: %w", req.AppName, req.ServiceName, err)
	}

	rc, err := l.source.ServiceLogs(ctx, containerID, req.Follow, req.Tail)
	if err != nil {
		return ws.LogsStreamInfo{}, fmt.Errorf("open logs for %s: %w", containerID, err)
	}

	session := &logSession{
		id:          uuid.New().String(),
		clientID:    clientID,
		appName:     req.AppName,
		serviceName: req.ServiceName,
		containerID: containerID,
		stop:        make(chan struct{}),
	}
	l.mu.Lock()
	l.sessions[session.id] = session
	l.mu.Unlock()

	go l.run(ctx, session, rc)

	slog.Info("Log stream started",
		"stream_id", session.id, "app", req.AppName, "service", req.ServiceName)
	return ws.LogsStreamInfo{
		StreamID:    session.id,
		AppName:     req.AppName,
		ServiceName: req.ServiceName,
		ContainerID: containerID,
	}, nil
}

// Stop ends one stream.
func (l *LogStreams) Stop(streamID string) error {
	l.mu.Lock()
	session, ok := l.sessions[streamID]
	l.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}
	session.requestStop(logEndStopped)
	return nil
}

// StopClientStreams ends every stream owned by the client. Called when
// the client disconnects.
func (l *LogStreams) StopClientStreams(clientID string) {
	for _, s := range l.snapshot() {
		if s.clientID == clientID {
			s.requestStop(logEndStopped)
		}
	}
}

// StopAppStreams ends every stream of an app. Called before destroy.
func (l *LogStreams) StopAppStreams(appName string) {
	for _, s := range l.snapshot() {
		if s.appName == appName {
			s.requestStop(logEndStopped)
		}
	}
}

// Count returns the number of active streams.
func (l *LogStreams) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *LogStreams) snapshot() []*logSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*logSession, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	return out
}

// run forwards log lines to the owning client in timed batches until the
// stream ends or a stop is requested.
func (l *LogStreams) run(ctx context.Context, session *logSession, rc io.ReadCloser) {
	defer func() {
		// Wake the scanner if it is parked on a full lines channel; the
		// shutdown exit does not close the stop channel itself.
		session.requestStop(logEndShutdown)
		rc.Close()
		l.mu.Lock()
		delete(l.sessions, session.id)
		l.mu.Unlock()
	}()

	lines := make(chan string, 64)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-session.stop:
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	buffer := tasks.NewTimedBuffer(tasks.DefaultFlushCount, tasks.DefaultFlushInterval)
	ticker := time.NewTicker(tasks.DefaultFlushInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			l.flush(session, buffer.Flush())
			l.end(session, logEndShutdown)
			return
		case <-session.stop:
			l.flush(session, buffer.Flush())
			l.end(session, session.reason)
			return
		case <-ticker.C:
			l.flush(session, buffer.FlushIfStale())
		case raw, ok := <-lines:
			if !ok {
				l.flush(session, buffer.Flush())
				if err := <-readErr; err != nil {
					l.sender.SendToClient(session.clientID, ws.TypeLogsStreamError, ws.LogsStreamError{
						StreamID: session.id,
						Error:    err.Error(),
					})
					return
				}
				l.end(session, logEndCompleted)
				return
			}
			line := parseLogLine(raw)
			line.Sequence = seq
			seq++
			l.flush(session, buffer.Add(line))
		}
	}
}

func (l *LogStreams) flush(session *logSession, batch []tasks.OutputLine) {
	if len(batch) == 0 {
		return
	}
	l.sender.SendToClient(session.clientID, ws.TypeLogsStreamData, ws.LogsStreamData{
		StreamID: session.id,
		Lines:    batch,
	})
}

func (l *LogStreams) end(session *logSession, reason string) {
	l.sender.SendToClient(session.clientID, ws.TypeLogsStreamEnded, ws.LogsStreamEnded{
		StreamID: session.id,
		Reason:   reason,
	})
	slog.Debug("Log stream ended", "stream_id", session.id, "reason", reason)
}

// parseLogLine splits off the RFC3339 timestamp the engine prepends when
// timestamps are requested. Lines without one keep the receive time.
func parseLogLine(raw string) tasks.OutputLine {
	line := tasks.OutputLine{
		Timestamp: time.Now().UTC(),
		Stream:    tasks.StreamStdout,
		Content:   raw,
	}
	prefix, rest, ok := strings.Cut(raw, " ")
	if !ok {
		return line
	}
	if ts, err := time.Parse(time.RFC3339Nano, prefix); err == nil {
		line.Timestamp = ts
		line.Content = rest
	}
	return line
}
