package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/ws"
)

// websocketHandler upgrades the connection, registers it with the
// messenger and runs the read loop until the peer goes away. Outbound
// traffic is drained from the client's send channel by a forwarder
// goroutine so broadcasts never block on a slow socket.
func (s *Server) websocketHandler(c *echo.Context) error {
	opts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if len(s.cfg.AllowedOrigins) > 0 {
		opts = &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	client := s.messenger.Add()
	s.recordWSGauges()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer func() {
		cancel()
		s.messenger.Remove(client.ID)
		if s.logStreams != nil {
			s.logStreams.StopClientStreams(client.ID)
		}
		if s.shells != nil {
			s.shells.TerminateClientSessions(client.ID)
		}
		conn.Close(websocket.StatusNormalClosure, "")
		s.recordWSGauges()
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-client.Send():
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// In dev mode every connection is authenticated up front.
	if s.cfg.AuthMode == config.AuthModeDev {
		s.messenger.Authenticate(client.ID, devUser())
		s.messenger.SendAuthSuccess(client.ID)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.messenger.SendError(client.ID, "malformed message: "+err.Error())
			continue
		}
		s.dispatchWS(ctx, client.ID, &msg)
	}
}

// dispatchWS routes one client message. Everything except ping and
// authenticate requires an authenticated user.
func (s *Server) dispatchWS(ctx context.Context, clientID string, msg *ws.Message) {
	switch msg.Type {
	case ws.TypePing:
		s.messenger.SendPong(clientID)
		return
	case ws.TypeAuthenticate:
		s.handleWSAuthenticate(ctx, clientID, msg)
		return
	}

	user := s.messenger.AuthenticatedUser(clientID)
	if user == nil {
		s.messenger.SendError(clientID, "authentication required")
		return
	}

	switch msg.Type {
	case ws.TypeStartLogStream:
		s.handleStartLogStream(ctx, clientID, user, msg)
	case ws.TypeStopLogStream:
		var req ws.StopLogStreamRequest
		if err := msg.DecodePayload(&req); err != nil {
			s.messenger.SendError(clientID, err.Error())
			return
		}
		if err := s.logStreams.Stop(req.StreamID); err != nil {
			s.messenger.SendError(clientID, err.Error())
		}
		s.recordWSGauges()
	case ws.TypeCreateShellSession:
		s.handleCreateShell(ctx, clientID, user, msg)
	case ws.TypeResizeShellTty:
		var req ws.ResizeShellTtyRequest
		if err := msg.DecodePayload(&req); err != nil {
			s.messenger.SendError(clientID, err.Error())
			return
		}
		if err := s.shells.Resize(ctx, req.SessionID, req.Width, req.Height); err != nil {
			s.messenger.SendError(clientID, err.Error())
		}
	case ws.TypeTerminateShellSession:
		var req ws.TerminateShellSessionRequest
		if err := msg.DecodePayload(&req); err != nil {
			s.messenger.SendError(clientID, err.Error())
			return
		}
		if err := s.shells.Terminate(req.SessionID); err != nil {
			s.messenger.SendError(clientID, err.Error())
		}
		s.recordWSGauges()
	case ws.TypeShellSessionData:
		var req ws.ShellSessionData
		if err := msg.DecodePayload(&req); err != nil {
			s.messenger.SendError(clientID, err.Error())
			return
		}
		if req.DataType != ws.ShellDataInput {
			s.messenger.SendError(clientID, "only input data is accepted from clients")
			return
		}
		if err := s.shells.Input(req.SessionID, []byte(req.Data)); err != nil {
			s.messenger.SendError(clientID, err.Error())
		}
	case ws.TypeStartTaskOutputStream:
		s.handleStartTaskStream(ctx, clientID, user, msg)
	case ws.TypeStopTaskOutputStream:
		var req ws.StopTaskOutputStreamRequest
		if err := msg.DecodePayload(&req); err != nil {
			s.messenger.SendError(clientID, err.Error())
			return
		}
		s.messenger.UnsubscribeFromTask(clientID, req.TaskID)
	default:
		s.messenger.SendError(clientID, "unknown message type "+msg.Type)
	}
}

func (s *Server) handleWSAuthenticate(ctx context.Context, clientID string, msg *ws.Message) {
	var req ws.AuthenticateRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.messenger.SendAuthFailure(clientID, err.Error())
		return
	}
	user, err := s.authenticateToken(ctx, req.Token)
	if err != nil {
		slog.Debug("WebSocket authentication rejected",
			"client_id", clientID, "error", err)
		s.messenger.SendAuthFailure(clientID, "invalid token")
		return
	}
	s.messenger.Authenticate(clientID, *user)
	s.messenger.SendAuthSuccess(clientID)
}

func (s *Server) handleStartLogStream(ctx context.Context, clientID string, user *authz.CurrentUser, msg *ws.Message) {
	var req ws.LogStreamRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.messenger.SendError(clientID, err.Error())
		return
	}
	if !s.appPermitted(clientID, user, req.AppName, authz.PermissionLogs) {
		return
	}
	info, err := s.logStreams.Start(ctx, clientID, req)
	if err != nil {
		s.messenger.SendError(clientID, err.Error())
		return
	}
	s.messenger.SendToClient(clientID, ws.TypeLogsStreamStarted, info)
	s.recordWSGauges()
}

func (s *Server) handleCreateShell(ctx context.Context, clientID string, user *authz.CurrentUser, msg *ws.Message) {
	var req ws.ShellSessionRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.messenger.SendError(clientID, err.Error())
		return
	}
	if !s.appPermitted(clientID, user, req.AppName, authz.PermissionShell) {
		return
	}
	info, err := s.shells.Create(ctx, clientID, req)
	if err != nil {
		s.messenger.SendError(clientID, err.Error())
		return
	}
	s.messenger.SendToClient(clientID, ws.TypeShellSessionCreated, info)
	s.recordWSGauges()
}

func (s *Server) handleStartTaskStream(ctx context.Context, clientID string, user *authz.CurrentUser, msg *ws.Message) {
	var req ws.StartTaskOutputStreamRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.messenger.SendError(clientID, err.Error())
		return
	}
	task, err := s.tasks.Detail(user, req.TaskID)
	if err != nil {
		s.messenger.SendError(clientID, err.Error())
		return
	}
	s.messenger.SubscribeToTask(clientID, task.ID)
	if err := s.taskStreams.Start(ctx, clientID, task.ID, req.FromBeginning); err != nil {
		s.messenger.UnsubscribeFromTask(clientID, task.ID)
		s.messenger.SendError(clientID, err.Error())
	}
}

// appPermitted checks a stream permission against the app's scopes and
// reports the refusal to the client.
func (s *Server) appPermitted(clientID string, user *authz.CurrentUser, appName string, perm authz.Permission) bool {
	app, found := s.registry.Get(appName)
	if !found {
		s.messenger.SendError(clientID, "app "+appName+" not found")
		return false
	}
	allowed, err := s.authz.CheckScopes(user, app.Scopes(), perm)
	if err != nil {
		s.messenger.SendError(clientID, err.Error())
		return false
	}
	if !allowed {
		s.messenger.SendError(clientID, "permission denied for app "+appName)
		return false
	}
	return true
}

func (s *Server) recordWSGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetWSClients(s.messenger.ClientCount())
	if s.logStreams != nil {
		s.metrics.SetActiveStreams("logs", s.logStreams.Count())
	}
	if s.shells != nil {
		s.metrics.SetActiveStreams("shell", s.shells.Count())
	}
}
