// Package ws implements the WebSocket messenger: a registry of connected
// clients with authentication, per-client task subscriptions and
// targeted/broadcast sends. The wire protocol is a JSON tagged union with
// "type" and "data" fields.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/factorial-io/scotty/pkg/tasks"
)

// Client → server message types.
const (
	TypePing                  = "ping"
	TypeAuthenticate          = "authenticate"
	TypeStartLogStream        = "start_log_stream"
	TypeStopLogStream         = "stop_log_stream"
	TypeCreateShellSession    = "create_shell_session"
	TypeResizeShellTty        = "resize_shell_tty"
	TypeTerminateShellSession = "terminate_shell_session"
	TypeShellSessionData      = "shell_session_data"
	TypeStartTaskOutputStream = "start_task_output_stream"
	TypeStopTaskOutputStream  = "stop_task_output_stream"
)

// Server → client message types.
const (
	TypePong                    = "pong"
	TypeAppListUpdated          = "app_list_updated"
	TypeAppInfoUpdated          = "app_info_updated"
	TypeTaskListUpdated         = "task_list_updated"
	TypeTaskInfoUpdated         = "task_info_updated"
	TypeError                   = "error"
	TypeAuthenticationSuccess   = "authentication_success"
	TypeAuthenticationFailed    = "authentication_failed"
	TypeLogsStreamStarted       = "logs_stream_started"
	TypeLogsStreamData          = "logs_stream_data"
	TypeLogsStreamEnded         = "logs_stream_ended"
	TypeLogsStreamError         = "logs_stream_error"
	TypeShellSessionCreated     = "shell_session_created"
	TypeShellSessionEnded       = "shell_session_ended"
	TypeShellSessionError       = "shell_session_error"
	TypeTaskOutputStreamStarted = "task_output_stream_started"
	TypeTaskOutputData          = "task_output_data"
	TypeTaskOutputStreamEnded   = "task_output_stream_ended"
)

// Message is the wire envelope for both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode builds a wire message from a type tag and payload.
func Encode(msgType string, payload any) ([]byte, error) {
	msg := Message{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Data = data
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msgType, err)
	}
	return out, nil
}

// DecodePayload unmarshals the message data into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %s carries no data", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// AuthenticateRequest carries the client's bearer or OAuth token.
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// AuthenticationFailedData reports why an Authenticate attempt was
// rejected.
type AuthenticationFailedData struct {
	Reason string `json:"reason"`
}

// LogStreamRequest asks for a container log stream.
type LogStreamRequest struct {
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	Follow      bool   `json:"follow"`
	Tail        *int   `json:"tail,omitempty"`
}

// StopLogStreamRequest stops a log stream by id.
type StopLogStreamRequest struct {
	StreamID string `json:"stream_id"`
}

// LogsStreamInfo describes an established log stream.
type LogsStreamInfo struct {
	StreamID    string `json:"stream_id"`
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	ContainerID string `json:"container_id"`
}

// LogsStreamData carries a batch of log lines.
type LogsStreamData struct {
	StreamID string             `json:"stream_id"`
	Lines    []tasks.OutputLine `json:"lines"`
}

// LogsStreamEnded signals normal termination of a log stream.
type LogsStreamEnded struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason"`
}

// LogsStreamError signals abnormal termination of a log stream.
type LogsStreamError struct {
	StreamID string `json:"stream_id"`
	Error    string `json:"error"`
}

// ShellSessionRequest asks for an interactive exec session.
type ShellSessionRequest struct {
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	Shell       string `json:"shell,omitempty"`
}

// ShellSessionInfo describes an established shell session.
type ShellSessionInfo struct {
	SessionID   string `json:"session_id"`
	AppName     string `json:"app_name"`
	ServiceName string `json:"service_name"`
	ContainerID string `json:"container_id"`
}

// ShellDataType distinguishes input from output on shell_session_data
// messages.
type ShellDataType string

const (
	ShellDataInput  ShellDataType = "input"
	ShellDataOutput ShellDataType = "output"
)

// ShellSessionData carries terminal bytes in either direction.
type ShellSessionData struct {
	SessionID string        `json:"session_id"`
	DataType  ShellDataType `json:"data_type"`
	Data      string        `json:"data"`
}

// ResizeShellTtyRequest resizes a shell session's TTY.
type ResizeShellTtyRequest struct {
	SessionID string `json:"session_id"`
	Width     uint   `json:"width"`
	Height    uint   `json:"height"`
}

// TerminateShellSessionRequest ends a shell session.
type TerminateShellSessionRequest struct {
	SessionID string `json:"session_id"`
}

// ShellSessionEnded signals termination of a shell session.
type ShellSessionEnded struct {
	SessionID string `json:"session_id"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Reason    string `json:"reason"`
}

// ShellSessionError signals a shell session failure.
type ShellSessionError struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// StartTaskOutputStreamRequest asks for a task output stream.
type StartTaskOutputStreamRequest struct {
	TaskID        string `json:"task_id"`
	FromBeginning bool   `json:"from_beginning"`
}

// StopTaskOutputStreamRequest stops a task output stream.
type StopTaskOutputStreamRequest struct {
	TaskID string `json:"task_id"`
}

// TaskOutputStreamStarted opens a task output stream.
type TaskOutputStreamStarted struct {
	TaskID     string `json:"task_id"`
	TotalLines uint64 `json:"total_lines"`
}

// TaskOutputData carries a batch of task output lines.
type TaskOutputData struct {
	TaskID       string             `json:"task_id"`
	Lines        []tasks.OutputLine `json:"lines"`
	IsHistorical bool               `json:"is_historical"`
	HasMore      bool               `json:"has_more"`
}

// TaskOutputStreamEnded closes a task output stream.
type TaskOutputStreamEnded struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// AppInfoUpdatedData names the app whose data changed.
type AppInfoUpdatedData struct {
	AppName string `json:"app_name"`
}

// ErrorData carries an error message to the client.
type ErrorData struct {
	Message string `json:"message"`
}
