package engine

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

// ExecSession is an interactive shell running inside a container. Reads
// and writes go over the hijacked connection; with a TTY attached the
// stream is raw, no demultiplexing needed.
type ExecSession struct {
	ID       string
	hijacked types.HijackedResponse
	client   *Client
}

// CreateShell starts an interactive shell inside a service container and
// attaches to it.
func (c *Client) CreateShell(ctx context.Context, containerID, shell string) (*ExecSession, error) {
	if shell == "" {
		shell = "/bin/sh"
	}

	created, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{shell},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"TERM=xterm-256color"},
	})
	if err != nil {
		return nil, fmt.Errorf("create exec in container %s: %w", shortID(containerID), err)
	}

	hijacked, err := c.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach to exec %s: %w", shortID(created.ID), err)
	}

	return &ExecSession{ID: created.ID, hijacked: hijacked, client: c}, nil
}

// Read reads shell output.
func (s *ExecSession) Read(p []byte) (int, error) {
	return s.hijacked.Reader.Read(p)
}

// Write sends input to the shell.
func (s *ExecSession) Write(p []byte) (int, error) {
	return s.hijacked.Conn.Write(p)
}

// Resize adjusts the pseudo-terminal dimensions.
func (s *ExecSession) Resize(ctx context.Context, width, height uint) error {
	err := s.client.docker.ContainerExecResize(ctx, s.ID, container.ResizeOptions{
		Width:  width,
		Height: height,
	})
	if err != nil {
		return fmt.Errorf("resize exec %s: %w", shortID(s.ID), err)
	}
	return nil
}

// ExitCode returns the shell's exit code once it has stopped, or nil
// while it still runs.
func (s *ExecSession) ExitCode(ctx context.Context) (*int, error) {
	inspect, err := s.client.docker.ContainerExecInspect(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec %s: %w", shortID(s.ID), err)
	}
	if inspect.Running {
		return nil, nil
	}
	code := inspect.ExitCode
	return &code, nil
}

// Close tears down the attached connection. The exec process receives
// EOF on stdin and exits on its own.
func (s *ExecSession) Close() error {
	s.hijacked.Close()
	return nil
}
