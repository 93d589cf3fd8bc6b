// Package logstream attaches to running workloads' output, persists every
// line and fans it out to live subscribers. One attachment per deployment.
package logstream

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

// LogFollower opens follow-mode container log streams.
type LogFollower interface {
	FollowLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
}

// LineFunc receives each live log line after sanitization and persistence.
type LineFunc func(domain.LogLine)

// Stream owns the registry of live log attachments keyed by deployment id.
type Stream struct {
	runtime LogFollower
	logs    repository.LogRepository
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[string]io.Closer

	now func() time.Time
}

// New constructs a Stream.
func New(runtime LogFollower, logs repository.LogRepository, logger *slog.Logger) *Stream {
	return &Stream{
		runtime: runtime,
		logs:    logs,
		logger:  logger.With("component", "logstream"),
		streams: make(map[string]io.Closer),
		now:     time.Now,
	}
}

// Attach follows a container's output for the deployment. A second attach
// for the same deployment id is a no-op, preserving the single live
// attachment per deployment.
func (s *Stream) Attach(ctx context.Context, deploymentID, containerID string, onLine LineFunc) error {
	s.mu.Lock()
	if _, ok := s.streams[deploymentID]; ok {
		s.mu.Unlock()
		return nil
	}
	// Reserve the slot before the runtime call so concurrent attaches
	// cannot both open a stream.
	s.streams[deploymentID] = nopCloser{}
	s.mu.Unlock()

	stream, err := s.runtime.FollowLogs(ctx, containerID)
	if err != nil {
		s.remove(deploymentID)
		return err
	}

	s.mu.Lock()
	s.streams[deploymentID] = stream
	s.mu.Unlock()

	go s.consume(deploymentID, stream, onLine)
	return nil
}

// Detach closes the follow stream and removes the registry entry.
func (s *Stream) Detach(deploymentID string) {
	s.mu.Lock()
	stream, ok := s.streams[deploymentID]
	delete(s.streams, deploymentID)
	s.mu.Unlock()
	if ok {
		_ = stream.Close()
	}
}

// IsAttached reports whether a live attachment exists for the deployment.
func (s *Stream) IsAttached(deploymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[deploymentID]
	return ok
}

// Close detaches every live stream.
func (s *Stream) Close() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]io.Closer)
	s.mu.Unlock()
	for _, stream := range streams {
		_ = stream.Close()
	}
}

func (s *Stream) consume(deploymentID string, stream io.ReadCloser, onLine LineFunc) {
	defer func() {
		_ = stream.Close()
		s.remove(deploymentID)
	}()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		raw := Sanitize(scanner.Text())
		if raw == "" {
			continue
		}
		line := domain.LogLine{
			DeploymentID: deploymentID,
			Source:       domain.LogSourceRuntime,
			Level:        DetectLevel(raw),
			Line:         raw,
			Timestamp:    s.now().UTC(),
		}
		// Persistence failures must not interrupt the stream.
		persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.logs.AppendLogLine(persistCtx, line); err != nil {
			s.logger.Warn("runtime log persist failed", "deployment_id", deploymentID, "error", err)
		}
		cancel()
		if onLine != nil {
			onLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("log stream ended with error", "deployment_id", deploymentID, "error", err)
	}
}

func (s *Stream) remove(deploymentID string) {
	s.mu.Lock()
	delete(s.streams, deploymentID)
	s.mu.Unlock()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
