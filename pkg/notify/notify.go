// Package notify fans out lifecycle events to configured receivers:
// mattermost, gitlab, webhook, slack or the process log. Delivery is
// best-effort; failures are logged and never fail the operation.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ServiceConfig defines one notification receiver endpoint in the global
// configuration. Type selects the adapter; the remaining fields apply
// per type.
type ServiceConfig struct {
	Type           string `yaml:"type"`
	HostURL        string `yaml:"host_url,omitempty"`
	Channel        string `yaml:"channel,omitempty"`
	HookID         string `yaml:"hook_id,omitempty"`
	Token          string `yaml:"token,omitempty"`
	ProjectID      string `yaml:"project_id,omitempty"`
	MergeRequestID string `yaml:"merge_request_id,omitempty"`
	Method         string `yaml:"method,omitempty"`
	URL            string `yaml:"url,omitempty"`
}

// Event is one lifecycle outcome worth telling someone about.
type Event struct {
	AppName string
	Kind    string
	Message string
	URLs    []string
	Failed  bool
	Time    time.Time
}

// Receiver delivers one event to one destination.
type Receiver interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher resolves receiver names to adapters and fans events out.
type Dispatcher struct {
	receivers map[string]Receiver
	fallback  Receiver
}

// NewDispatcher builds adapters for every configured service. Unknown
// types are skipped with a warning. The log receiver is always available
// under the name "log" and used as fallback.
func NewDispatcher(services map[string]ServiceConfig) *Dispatcher {
	d := &Dispatcher{
		receivers: make(map[string]Receiver, len(services)+1),
		fallback:  &LogReceiver{},
	}
	d.receivers["log"] = d.fallback

	for name, svc := range services {
		receiver, err := newReceiver(svc)
		if err != nil {
			slog.Warn("Skipping notification service", "service", name, "error", err)
			continue
		}
		d.receivers[name] = receiver
	}
	return d
}

func newReceiver(svc ServiceConfig) (Receiver, error) {
	switch svc.Type {
	case "mattermost":
		return NewMattermostReceiver(svc), nil
	case "gitlab":
		return NewGitlabReceiver(svc), nil
	case "webhook":
		return NewWebhookReceiver(svc), nil
	case "slack":
		return NewSlackReceiver(svc), nil
	case "log":
		return &LogReceiver{}, nil
	default:
		return nil, fmt.Errorf("unknown notification type %q", svc.Type)
	}
}

// Dispatch sends the event to every named receiver, falling back to the
// log receiver when the list is empty.
func (d *Dispatcher) Dispatch(ctx context.Context, receiverNames []string, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if len(receiverNames) == 0 {
		receiverNames = []string{"log"}
	}
	for _, name := range receiverNames {
		receiver, ok := d.receivers[name]
		if !ok {
			slog.Warn("Unknown notification receiver", "receiver", name, "app", event.AppName)
			continue
		}
		if err := receiver.Notify(ctx, event); err != nil {
			slog.Warn("Notification delivery failed",
				"receiver", name, "app", event.AppName, "kind", event.Kind, "error", err)
		}
	}
}

// HasReceiver reports whether a receiver name is configured. Used by
// settings validation.
func (d *Dispatcher) HasReceiver(name string) bool {
	_, ok := d.receivers[name]
	return ok
}

// LogReceiver writes the event to the process log.
type LogReceiver struct{}

// Notify implements Receiver.
func (r *LogReceiver) Notify(_ context.Context, event Event) error {
	level := slog.LevelInfo
	if event.Failed {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "App notification",
		"app", event.AppName, "kind", event.Kind, "message", event.Message, "urls", event.URLs)
	return nil
}
