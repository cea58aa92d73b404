package ws

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/tasks"
)

// sendBufferSize bounds the per-client broadcast channel. A slow client
// that falls further behind starts losing broadcasts; the drop is logged
// and the client stays connected.
const sendBufferSize = 256

// Client is a connected WebSocket peer. The send channel is drained by the
// connection's forwarder goroutine in the API layer.
type Client struct {
	ID   string
	send chan []byte

	mu   sync.RWMutex
	user *authz.CurrentUser
}

// Send exposes the outbound channel for the connection forwarder.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// User returns the authenticated user, or nil before authentication.
func (c *Client) User() *authz.CurrentUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Messenger is the process-wide registry of WebSocket clients. It
// implements tasks.Publisher so the task manager can fan out lifecycle
// events without depending on this package.
type Messenger struct {
	mu      sync.RWMutex
	clients map[string]*Client

	// taskSubs maps task id → set of client ids. Guarded separately so
	// task broadcasts do not contend with connection churn.
	taskMu   sync.RWMutex
	taskSubs map[string]map[string]bool
}

// NewMessenger creates an empty client registry.
func NewMessenger() *Messenger {
	return &Messenger{
		clients:  make(map[string]*Client),
		taskSubs: make(map[string]map[string]bool),
	}
}

// Add registers a new client and returns it.
func (m *Messenger) Add() *Client {
	c := &Client{
		ID:   uuid.New().String(),
		send: make(chan []byte, sendBufferSize),
	}
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()

	slog.Debug("WebSocket client registered", "client_id", c.ID)
	return c
}

// Remove discards a client and all its task subscriptions. The caller is
// responsible for cancelling any log or shell sessions the client owns.
func (m *Messenger) Remove(clientID string) {
	m.mu.Lock()
	_, ok := m.clients[clientID]
	delete(m.clients, clientID)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.taskMu.Lock()
	for taskID, subs := range m.taskSubs {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(m.taskSubs, taskID)
		}
	}
	m.taskMu.Unlock()

	// The send channel is left open; the connection forwarder exits on its
	// own context and concurrent broadcasts must never panic on a closed
	// channel.
	slog.Debug("WebSocket client removed", "client_id", clientID)
}

// Authenticate attaches a user to a client.
func (m *Messenger) Authenticate(clientID string, user authz.CurrentUser) bool {
	c, ok := m.get(clientID)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.user = &user
	c.mu.Unlock()
	slog.Info("WebSocket client authenticated",
		"client_id", clientID, "subject", user.Subject)
	return true
}

// AuthenticatedUser returns the user attached to a client, if any.
func (m *Messenger) AuthenticatedUser(clientID string) *authz.CurrentUser {
	c, ok := m.get(clientID)
	if !ok {
		return nil
	}
	return c.User()
}

// SubscribeToTask adds the client to a task's subscriber set.
func (m *Messenger) SubscribeToTask(clientID, taskID string) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	subs, ok := m.taskSubs[taskID]
	if !ok {
		subs = make(map[string]bool)
		m.taskSubs[taskID] = subs
	}
	subs[clientID] = true
}

// UnsubscribeFromTask removes the client from a task's subscriber set.
func (m *Messenger) UnsubscribeFromTask(clientID, taskID string) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	if subs, ok := m.taskSubs[taskID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(m.taskSubs, taskID)
		}
	}
}

// IsSubscribedToTask reports whether the client subscribes to the task.
// Stream workers poll this to notice client-side unsubscribes.
func (m *Messenger) IsSubscribedToTask(clientID, taskID string) bool {
	m.taskMu.RLock()
	defer m.taskMu.RUnlock()
	return m.taskSubs[taskID][clientID]
}

// CleanupTaskSubscriptions drops all subscriptions for a task. Called when
// the task manager garbage-collects the task.
func (m *Messenger) CleanupTaskSubscriptions(taskID string) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	delete(m.taskSubs, taskID)
}

// SendToClient encodes and enqueues a message for a single client.
func (m *Messenger) SendToClient(clientID, msgType string, payload any) {
	c, ok := m.get(clientID)
	if !ok {
		return
	}
	data, err := Encode(msgType, payload)
	if err != nil {
		slog.Error("Failed to encode WebSocket message",
			"client_id", clientID, "type", msgType, "error", err)
		return
	}
	m.enqueue(c, data)
}

// BroadcastToAll sends a message to every connected client. Serialization
// failures drop only the offending broadcast.
func (m *Messenger) BroadcastToAll(msgType string, payload any) {
	data, err := Encode(msgType, payload)
	if err != nil {
		slog.Error("Failed to encode broadcast", "type", msgType, "error", err)
		return
	}

	for _, c := range m.snapshot() {
		m.enqueue(c, data)
	}
}

// BroadcastToTaskSubscribers sends a message to every client subscribed to
// the task.
func (m *Messenger) BroadcastToTaskSubscribers(taskID, msgType string, payload any) {
	data, err := Encode(msgType, payload)
	if err != nil {
		slog.Error("Failed to encode task broadcast",
			"task_id", taskID, "type", msgType, "error", err)
		return
	}

	m.taskMu.RLock()
	ids := make([]string, 0, len(m.taskSubs[taskID]))
	for id := range m.taskSubs[taskID] {
		ids = append(ids, id)
	}
	m.taskMu.RUnlock()

	for _, id := range ids {
		if c, ok := m.get(id); ok {
			m.enqueue(c, data)
		}
	}
}

// SendError sends an error message to a client.
func (m *Messenger) SendError(clientID, message string) {
	m.SendToClient(clientID, TypeError, ErrorData{Message: message})
}

// SendAuthSuccess confirms authentication to a client.
func (m *Messenger) SendAuthSuccess(clientID string) {
	m.SendToClient(clientID, TypeAuthenticationSuccess, nil)
}

// SendAuthFailure reports a failed authentication attempt.
func (m *Messenger) SendAuthFailure(clientID, reason string) {
	m.SendToClient(clientID, TypeAuthenticationFailed, AuthenticationFailedData{Reason: reason})
}

// SendPong answers a client ping.
func (m *Messenger) SendPong(clientID string) {
	m.SendToClient(clientID, TypePong, nil)
}

// ClientCount returns the number of connected clients.
func (m *Messenger) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// TaskStateChanged implements tasks.Publisher: every client learns about
// the task list change, and the task snapshot goes out with it.
func (m *Messenger) TaskStateChanged(task tasks.Task) {
	m.BroadcastToAll(TypeTaskInfoUpdated, task)
	m.BroadcastToAll(TypeTaskListUpdated, nil)
}

// TaskOutputEnded implements tasks.Publisher.
func (m *Messenger) TaskOutputEnded(taskID, reason string) {
	m.BroadcastToTaskSubscribers(taskID, TypeTaskOutputStreamEnded, TaskOutputStreamEnded{
		TaskID: taskID,
		Reason: reason,
	})
}

// enqueue places data on the client's bounded channel. A full channel
// means the client is lagging; the message is dropped and logged, the
// client is not removed (removal happens on the socket-read side).
func (m *Messenger) enqueue(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("WebSocket client lagging, dropping message",
			"client_id", c.ID)
	}
}

func (m *Messenger) get(clientID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	return c, ok
}

func (m *Messenger) snapshot() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}
