package engine

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ServiceLogs opens a log stream for one service container. The stream
// carries timestamped lines; multiplexed stdout/stderr framing is
// stripped so callers always read plain text. The caller must close the
// returned reader.
func (c *Client) ServiceLogs(ctx context.Context, containerID string, follow bool, tail *int) (io.ReadCloser, error) {
	tty, err := c.hasTTY(ctx, containerID)
	if err != nil {
		return nil, err
	}

	tailArg := "all"
	if tail != nil {
		tailArg = strconv.Itoa(*tail)
	}
	raw, err := c.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: true,
		Tail:       tailArg,
	})
	if err != nil {
		return nil, fmt.Errorf("open logs for container %s: %w", shortID(containerID), err)
	}
	if tty {
		return raw, nil
	}
	return demuxLogs(raw), nil
}

// demuxLogs strips the 8-byte stdcopy frame headers from a non-TTY log
// stream. stdout and stderr are merged in arrival order.
func demuxLogs(raw io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return &demuxedReader{pr: pr, raw: raw}
}

type demuxedReader struct {
	pr  *io.PipeReader
	raw io.ReadCloser
}

func (d *demuxedReader) Read(p []byte) (int, error) { return d.pr.Read(p) }

// Close aborts both ends so the copy goroutine stops even while the
// daemon holds the follow stream open.
func (d *demuxedReader) Close() error {
	d.raw.Close()
	return d.pr.Close()
}
