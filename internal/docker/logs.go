package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// FollowLogs opens a follow-mode log stream for a container. Docker
// multiplexes stdout/stderr on non-TTY containers; the returned reader is
// already demultiplexed into a single line stream. Closing it detaches.
func (c *Client) FollowLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	raw, err := c.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, raw)
		pw.CloseWithError(copyErr)
	}()
	return &logStream{raw: raw, pipe: pr}, nil
}

type logStream struct {
	raw  io.ReadCloser
	pipe *io.PipeReader
}

func (s *logStream) Read(p []byte) (int, error) {
	return s.pipe.Read(p)
}

// Close tears down the underlying docker stream first so the demux
// goroutine unblocks, then the pipe.
func (s *logStream) Close() error {
	err := s.raw.Close()
	_ = s.pipe.Close()
	return err
}
