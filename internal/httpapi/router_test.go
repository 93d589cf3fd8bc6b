package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/usr-wwelsh/miniPaaS/internal/buildqueue"
	"github.com/usr-wwelsh/miniPaaS/internal/docker"
	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/health"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

type fakeQueue struct {
	enqueuePos  int
	enqueueErr  error
	cancelOK    bool
	cancelErr   error
	status      buildqueue.Status
	lastEnqueue string
}

func (f *fakeQueue) Enqueue(_ context.Context, deploymentID string) (int, error) {
	f.lastEnqueue = deploymentID
	return f.enqueuePos, f.enqueueErr
}

func (f *fakeQueue) Cancel(context.Context, string) (bool, error) {
	return f.cancelOK, f.cancelErr
}

func (f *fakeQueue) QueueStatus(context.Context) (buildqueue.Status, error) {
	return f.status, nil
}

type fakeLifecycle struct {
	stopErr     error
	rollbackID  string
	rollbackErr error
	cleanupErr  error
	stats       docker.ContainerMetrics
}

func (f *fakeLifecycle) Stop(context.Context, string) error { return f.stopErr }

func (f *fakeLifecycle) Rollback(context.Context, string, string) (string, error) {
	return f.rollbackID, f.rollbackErr
}

func (f *fakeLifecycle) CleanupOldImages(context.Context, string) error { return f.cleanupErr }

func (f *fakeLifecycle) Stats(context.Context, string) (docker.ContainerMetrics, error) {
	return f.stats, nil
}

type fakeHealth struct {
	report health.DetailedHealth
}

func (f *fakeHealth) GetDetailedHealth(context.Context) (health.DetailedHealth, error) {
	return f.report, nil
}

func (f *fakeHealth) CleanupOrphans(context.Context) (int, error) { return 2, nil }

type fakeLogs struct {
	build   []domain.LogLine
	runtime []domain.LogLine
}

func (f *fakeLogs) AppendLogLine(context.Context, domain.LogLine) error { return nil }

func (f *fakeLogs) ListBuildLogs(context.Context, string) ([]domain.LogLine, error) {
	return f.build, nil
}

func (f *fakeLogs) ListRuntimeLogs(context.Context, string, int) ([]domain.LogLine, error) {
	return f.runtime, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(queue *fakeQueue, lc *fakeLifecycle) *Router {
	if queue == nil {
		queue = &fakeQueue{}
	}
	if lc == nil {
		lc = &fakeLifecycle{}
	}
	return NewRouter(testLogger(), queue, lc, &fakeHealth{}, &fakeLogs{}, nil, NewMemoryRateLimiter(), nil)
}

func doRequest(t *testing.T, router *Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestEnqueueReturnsPosition(t *testing.T) {
	queue := &fakeQueue{enqueuePos: 3}
	router := newTestRouter(queue, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodPost, "/deployments/d1/enqueue", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["position"] != float64(3) || payload["deploymentId"] != "d1" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if queue.lastEnqueue != "d1" {
		t.Fatalf("queue received %q", queue.lastEnqueue)
	}
}

func TestEnqueueUnknownDeployment(t *testing.T) {
	queue := &fakeQueue{enqueueErr: fmt.Errorf("queue deployment: %w", repository.ErrNotFound)}
	router := newTestRouter(queue, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodPost, "/deployments/ghost/enqueue", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelConflictWhenNotPending(t *testing.T) {
	router := newTestRouter(&fakeQueue{cancelOK: false}, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodPost, "/deployments/d1/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	queue := &fakeQueue{status: buildqueue.Status{Queued: 4, Building: 2, MaxConcurrent: 2, Active: 2}}
	router := newTestRouter(queue, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodGet, "/queue/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["queued"] != float64(4) || payload["max_concurrent"] != float64(2) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestStopWithoutContainer(t *testing.T) {
	lc := &fakeLifecycle{stopErr: fmt.Errorf("no container: %w", repository.ErrNotFound)}
	router := newTestRouter(nil, lc)
	defer router.Close()

	rec := doRequest(t, router, http.MethodPost, "/deployments/d1/stop", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRollbackRequiresTarget(t *testing.T) {
	router := newTestRouter(nil, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodPost, "/projects/p1/rollback", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRollbackValidationErrorSurfaced(t *testing.T) {
	lc := &fakeLifecycle{rollbackErr: errors.New("deployment old is not rollback eligible")}
	router := newTestRouter(nil, lc)
	defer router.Close()

	rec := doRequest(t, router, http.MethodPost, "/projects/p1/rollback", `{"targetDeploymentId":"old"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if !strings.Contains(payload["error"].(string), "not rollback eligible") {
		t.Fatalf("expected validation message, got %v", payload)
	}
}

func TestRollbackCreated(t *testing.T) {
	lc := &fakeLifecycle{rollbackID: "new-dep"}
	router := newTestRouter(nil, lc)
	defer router.Close()

	rec := doRequest(t, router, http.MethodPost, "/projects/p1/rollback", `{"targetDeploymentId":"old"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["deploymentId"] != "new-dep" || payload["status"] != domain.StatusPending {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestRuntimeLogsLimitValidation(t *testing.T) {
	router := newTestRouter(nil, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodGet, "/deployments/d1/logs/runtime?limit=99999", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMethodNotAllowedOnSubroutes(t *testing.T) {
	router := newTestRouter(nil, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodGet, "/deployments/d1/enqueue", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestSystemHealthEndpoint(t *testing.T) {
	router := newTestRouter(nil, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodGet, "/system/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); d.allowed {
		t.Fatalf("fourth request should be limited")
	}
	if d := rl.Allow("ip:5.6.7.8", 3, time.Minute); !d.allowed {
		t.Fatalf("other keys must not be affected")
	}
}

func TestRateLimitHeadersApplied(t *testing.T) {
	router := newTestRouter(nil, nil)
	defer router.Close()

	rec := doRequest(t, router, http.MethodGet, "/queue/status", "")
	if rec.Header().Get("X-RateLimit-Limit") == "" || rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Fatalf("expected rate limit headers, got %v", rec.Header())
	}
}

func TestRouteLabelBoundsCardinality(t *testing.T) {
	cases := map[string]string{
		"/deployments/abc/enqueue": "/deployments",
		"/queue/status":            "/queue",
		"/healthz":                 "/healthz",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
