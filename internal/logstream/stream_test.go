package logstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/usr-wwelsh/miniPaaS/internal/domain"
)

type fakeFollower struct {
	mu     sync.Mutex
	calls  int
	stream io.ReadCloser
	err    error
}

func (f *fakeFollower) FollowLogs(context.Context, string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func (f *fakeFollower) followCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLogRepo struct {
	mu      sync.Mutex
	lines   []domain.LogLine
	failOn  string
	appends int
}

func (f *fakeLogRepo) AppendLogLine(_ context.Context, line domain.LogLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.failOn != "" && line.Line == f.failOn {
		return errors.New("store unavailable")
	}
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeLogRepo) ListBuildLogs(context.Context, string) ([]domain.LogLine, error) {
	return nil, nil
}

func (f *fakeLogRepo) ListRuntimeLogs(context.Context, string, int) ([]domain.LogLine, error) {
	return nil, nil
}

func (f *fakeLogRepo) persisted() []domain.LogLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LogLine(nil), f.lines...)
}

type blockingReader struct {
	io.Reader
	closed  atomic.Bool
	release chan struct{}
	once    sync.Once
}

func newBlockingReader(content string) *blockingReader {
	return &blockingReader{Reader: strings.NewReader(content), release: make(chan struct{})}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	if err == io.EOF && !b.closed.Load() {
		// Hold the stream open like a live follow stream would.
		<-b.release
		return 0, io.EOF
	}
	return n, err
}

func (b *blockingReader) Close() error {
	b.closed.Store(true)
	b.once.Do(func() { close(b.release) })
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAttachPersistsAndFansOutLines(t *testing.T) {
	follower := &fakeFollower{stream: io.NopCloser(strings.NewReader("hello\n\x1b[31mERROR: boom\x1b[0m\n"))}
	logs := &fakeLogRepo{}
	s := New(follower, logs, testLogger())

	var mu sync.Mutex
	var seen []domain.LogLine
	err := s.Attach(context.Background(), "d1", "c1", func(line domain.LogLine) {
		mu.Lock()
		seen = append(seen, line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	waitFor(t, "both lines", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[0].Line != "hello" || seen[0].Level != "info" || seen[0].Source != domain.LogSourceRuntime {
		t.Fatalf("unexpected first line %+v", seen[0])
	}
	if seen[1].Line != "ERROR: boom" || seen[1].Level != "error" {
		t.Fatalf("unexpected second line %+v", seen[1])
	}

	persisted := logs.persisted()
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted lines, got %d", len(persisted))
	}
}

func TestSecondAttachIsNoOp(t *testing.T) {
	stream := newBlockingReader("line\n")
	follower := &fakeFollower{stream: stream}
	s := New(follower, &fakeLogRepo{}, testLogger())

	if err := s.Attach(context.Background(), "d1", "c1", nil); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := s.Attach(context.Background(), "d1", "c1", nil); err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if calls := follower.followCalls(); calls != 1 {
		t.Fatalf("expected one follow stream, got %d", calls)
	}
	if !s.IsAttached("d1") {
		t.Fatalf("expected live attachment")
	}
	s.Detach("d1")
	waitFor(t, "detach", func() bool { return !s.IsAttached("d1") })
}

func TestPersistFailureDoesNotInterruptStream(t *testing.T) {
	follower := &fakeFollower{stream: io.NopCloser(strings.NewReader("one\ntwo\nthree\n"))}
	logs := &fakeLogRepo{failOn: "two"}
	s := New(follower, logs, testLogger())

	var count atomic.Int32
	if err := s.Attach(context.Background(), "d1", "c1", func(domain.LogLine) { count.Add(1) }); err != nil {
		t.Fatalf("attach: %v", err)
	}

	waitFor(t, "all three lines forwarded", func() bool { return count.Load() == 3 })
	persisted := logs.persisted()
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted lines around the failure, got %d", len(persisted))
	}
}

func TestStreamEndRemovesRegistryEntry(t *testing.T) {
	follower := &fakeFollower{stream: io.NopCloser(strings.NewReader("bye\n"))}
	s := New(follower, &fakeLogRepo{}, testLogger())

	if err := s.Attach(context.Background(), "d1", "c1", nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	waitFor(t, "auto removal after EOF", func() bool { return !s.IsAttached("d1") })
}

func TestAttachErrorReleasesSlot(t *testing.T) {
	follower := &fakeFollower{err: errors.New("no such container")}
	s := New(follower, &fakeLogRepo{}, testLogger())

	if err := s.Attach(context.Background(), "d1", "c1", nil); err == nil {
		t.Fatalf("expected attach error")
	}
	if s.IsAttached("d1") {
		t.Fatalf("failed attach must not hold the slot")
	}

	follower.mu.Lock()
	follower.err = nil
	follower.stream = io.NopCloser(strings.NewReader(""))
	follower.mu.Unlock()
	if err := s.Attach(context.Background(), "d1", "c1", nil); err != nil {
		t.Fatalf("re-attach after failure: %v", err)
	}
}
