// Package engine wraps the Docker API client with the container queries
// the control plane needs: per-project state, log streams, shell execs
// and registry logins.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/factorial-io/scotty/pkg/apps"
)

// Compose sets these labels on every container it creates.
const (
	composeProjectLabel = "com.docker.compose.project"
	composeServiceLabel = "com.docker.compose.service"
)

// Client talks to the local Docker daemon.
type Client struct {
	docker *client.Client
}

// NewClient creates a Docker client from the environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewClient() (*Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Client{docker: docker}, nil
}

// Ping verifies daemon connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// ProjectContainers returns the observed state of every container
// belonging to a compose project, sorted by service name.
func (c *Client) ProjectContainers(ctx context.Context, project string) ([]apps.ContainerState, error) {
	list, err := c.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", composeProjectLabel+"="+project),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers for project %s: %w", project, err)
	}

	states := make([]apps.ContainerState, 0, len(list))
	for _, summary := range list {
		state := apps.ContainerState{
			ID:      summary.ID,
			Service: summary.Labels[composeServiceLabel],
			Status:  apps.ContainerStatus(summary.State),
		}
		if state.Status.IsRunning() {
			if startedAt := c.startedAt(ctx, summary.ID); startedAt != nil {
				state.StartedAt = startedAt
			}
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Service < states[j].Service })
	return states, nil
}

// FindServiceContainer resolves the container ID of one service within a
// project.
func (c *Client) FindServiceContainer(ctx context.Context, project, service string) (string, error) {
	list, err := c.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", composeProjectLabel+"="+project),
			filters.Arg("label", composeServiceLabel+"="+service),
		),
	})
	if err != nil {
		return "", fmt.Errorf("list containers for %s/%s: %w", project, service, err)
	}
	if len(list) == 0 {
		return "", fmt.Errorf("no container for service %s in project %s", service, project)
	}
	// Prefer a running container when compose left older ones behind.
	for _, summary := range list {
		if apps.ContainerStatus(summary.State).IsRunning() {
			return summary.ID, nil
		}
	}
	return list[0].ID, nil
}

// startedAt inspects a container for its start time. Failures degrade to
// nil; the state listing stays usable without it.
func (c *Client) startedAt(ctx context.Context, containerID string) *time.Time {
	inspect, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil || inspect.State == nil {
		return nil
	}
	startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	if err != nil || startedAt.IsZero() {
		return nil
	}
	startedAt = startedAt.UTC()
	return &startedAt
}

// hasTTY reports whether the container was created with a TTY, which
// changes the log stream framing.
func (c *Client) hasTTY(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("inspect container %s: %w", shortID(containerID), err)
	}
	return inspect.Config != nil && inspect.Config.Tty, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Close releases the underlying Docker client.
func (c *Client) Close() error {
	if c.docker != nil {
		return c.docker.Close()
	}
	return nil
}

var _ apps.StateQuerier = (*Client)(nil)
