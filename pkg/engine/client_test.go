package engine

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startLabeledContainer runs a container carrying the compose project
// labels the client filters on.
func startLabeledContainer(t *testing.T, project, service string) testcontainers.Container {
	t.Helper()

	ctr, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "alpine:3.20",
			Cmd:   []string{"sh", "-c", "echo ready; sleep 300"},
			Labels: map[string]string{
				composeProjectLabel: project,
				composeServiceLabel: service,
			},
			WaitingFor: wait.ForLog("ready").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })
	return ctr
}

func integrationClient(t *testing.T) *Client {
	t.Helper()
	if os.Getenv("SCOTTY_INTEGRATION_TESTS") == "" {
		t.Skip("set SCOTTY_INTEGRATION_TESTS=1 to run Docker integration tests")
	}
	client, err := NewClient()
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()))
	return client
}

func TestProjectContainers(t *testing.T) {
	client := integrationClient(t)
	ctx := context.Background()

	startLabeledContainer(t, "scotty-it", "web")
	startLabeledContainer(t, "scotty-it", "worker")

	states, err := client.ProjectContainers(ctx, "scotty-it")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "web", states[1].Service)
	assert.Equal(t, "worker", states[0].Service)
	for _, state := range states {
		assert.True(t, state.Status.IsRunning())
		assert.NotNil(t, state.StartedAt)
	}

	states, err = client.ProjectContainers(ctx, "no-such-project")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestServiceLogs(t *testing.T) {
	client := integrationClient(t)
	ctx := context.Background()

	startLabeledContainer(t, "scotty-logs", "web")
	id, err := client.FindServiceContainer(ctx, "scotty-logs", "web")
	require.NoError(t, err)

	reader, err := client.ServiceLogs(ctx, id, false, nil)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ready")
	// Timestamps are requested on every log stream.
	assert.Regexp(t, `\d{4}-\d{2}-\d{2}T`, string(data))
}

func TestShellSession(t *testing.T) {
	client := integrationClient(t)
	ctx := context.Background()

	startLabeledContainer(t, "scotty-shell", "web")
	id, err := client.FindServiceContainer(ctx, "scotty-shell", "web")
	require.NoError(t, err)

	session, err := client.CreateShell(ctx, id, "/bin/sh")
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.Resize(ctx, 120, 40))

	_, err = session.Write([]byte("echo hello-from-shell\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	deadline := time.Now().Add(10 * time.Second)
	var output strings.Builder
	for time.Now().Before(deadline) {
		n, err := session.Read(buf)
		if n > 0 {
			output.Write(buf[:n])
		}
		if strings.Contains(output.String(), "hello-from-shell") {
			break
		}
		if err != nil {
			break
		}
	}
	assert.Contains(t, output.String(), "hello-from-shell")

	_, err = session.Write([]byte("exit\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		code, err := session.ExitCode(ctx)
		return err == nil && code != nil
	}, 10*time.Second, 200*time.Millisecond)
}
