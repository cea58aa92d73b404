package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// httpTimeout bounds every outbound notification request.
const httpTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// formatText renders the event as a chat message.
func formatText(event Event) string {
	var b strings.Builder
	icon := ":white_check_mark:"
	if event.Failed {
		icon = ":x:"
	}
	fmt.Fprintf(&b, "%s **%s**: %s", icon, event.AppName, event.Message)
	for _, u := range event.URLs {
		fmt.Fprintf(&b, "\n%s", u)
	}
	return b.String()
}

// MattermostReceiver posts to an incoming webhook.
type MattermostReceiver struct {
	cfg    ServiceConfig
	client *http.Client
}

// NewMattermostReceiver creates the adapter.
func NewMattermostReceiver(cfg ServiceConfig) *MattermostReceiver {
	return &MattermostReceiver{cfg: cfg, client: newHTTPClient()}
}

// Notify implements Receiver.
func (r *MattermostReceiver) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{
		"channel": r.cfg.Channel,
		"text":    formatText(event),
	}
	endpoint := strings.TrimSuffix(r.cfg.HostURL, "/") + "/hooks/" + r.cfg.HookID
	return postJSON(ctx, r.client, endpoint, nil, payload)
}

// GitlabReceiver comments on a merge request.
type GitlabReceiver struct {
	cfg    ServiceConfig
	client *http.Client
}

// NewGitlabReceiver creates the adapter.
func NewGitlabReceiver(cfg ServiceConfig) *GitlabReceiver {
	return &GitlabReceiver{cfg: cfg, client: newHTTPClient()}
}

// Notify implements Receiver.
func (r *GitlabReceiver) Notify(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests/%s/notes",
		strings.TrimSuffix(r.cfg.HostURL, "/"),
		url.PathEscape(r.cfg.ProjectID),
		url.PathEscape(r.cfg.MergeRequestID))
	headers := map[string]string{"PRIVATE-TOKEN": r.cfg.Token}
	return postJSON(ctx, r.client, endpoint, headers, map[string]string{"body": formatText(event)})
}

// WebhookReceiver delivers the raw event as JSON to an arbitrary URL.
type WebhookReceiver struct {
	cfg    ServiceConfig
	client *http.Client
}

// NewWebhookReceiver creates the adapter.
func NewWebhookReceiver(cfg ServiceConfig) *WebhookReceiver {
	return &WebhookReceiver{cfg: cfg, client: newHTTPClient()}
}

// Notify implements Receiver.
func (r *WebhookReceiver) Notify(ctx context.Context, event Event) error {
	method := strings.ToUpper(r.cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	payload := map[string]any{
		"app":     event.AppName,
		"kind":    event.Kind,
		"message": event.Message,
		"urls":    event.URLs,
		"failed":  event.Failed,
		"time":    event.Time.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return checkResponse(r.client.Do(req))
}

// SlackReceiver posts through the Slack web API.
type SlackReceiver struct {
	cfg ServiceConfig
	api *slack.Client
}

// NewSlackReceiver creates the adapter.
func NewSlackReceiver(cfg ServiceConfig) *SlackReceiver {
	return &SlackReceiver{cfg: cfg, api: slack.New(cfg.Token)}
}

// Notify implements Receiver.
func (r *SlackReceiver) Notify(ctx context.Context, event Event) error {
	_, _, err := r.api.PostMessageContext(ctx, r.cfg.Channel,
		slack.MsgOptionText(formatText(event), false))
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", r.cfg.Channel, err)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return checkResponse(client.Do(req))
}

func checkResponse(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
