// Package httpapi is the thin HTTP surface over the control plane core:
// queue operations, lifecycle operations, diagnostics and the websocket
// log gateway.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/usr-wwelsh/miniPaaS/internal/buildqueue"
	"github.com/usr-wwelsh/miniPaaS/internal/docker"
	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/health"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	runtimeLogLimitMax = 1000
)

// QueueService is the build queue surface the router exposes.
type QueueService interface {
	Enqueue(ctx context.Context, deploymentID string) (int, error)
	Cancel(ctx context.Context, deploymentID string) (bool, error)
	QueueStatus(ctx context.Context) (buildqueue.Status, error)
}

// LifecycleService is the container lifecycle surface the router exposes.
type LifecycleService interface {
	Stop(ctx context.Context, deploymentID string) error
	Rollback(ctx context.Context, projectID, targetDeploymentID string) (string, error)
	CleanupOldImages(ctx context.Context, projectID string) error
	Stats(ctx context.Context, deploymentID string) (docker.ContainerMetrics, error)
}

// HealthService is the diagnostic surface the router exposes.
type HealthService interface {
	GetDetailedHealth(ctx context.Context) (health.DetailedHealth, error)
	CleanupOrphans(ctx context.Context) (int, error)
}

// Router wires HTTP endpoints to the core components.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	queue     QueueService
	lifecycle LifecycleService
	health    HealthService
	logs      repository.LogRepository
	gateway   http.Handler
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	queue QueueService,
	lifecycle LifecycleService,
	healthSvc HealthService,
	logs repository.LogRepository,
	gateway http.Handler,
	limiter RateLimiter,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		queue:     queue,
		lifecycle: lifecycle,
		health:    healthSvc,
		logs:      logs,
		gateway:   gateway,
		limiter:   limiter,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/queue/status", r.audit(r.withRateLimit("queue", rateLimitRead, rateWindowDefault, r.handleQueueStatus)))
	r.mux.HandleFunc("/deployments/", r.audit(r.withRateLimit("deployments", rateLimitWrite, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/projects/", r.audit(r.withRateLimit("projects", rateLimitWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/system/health", r.audit(r.withRateLimit("system", rateLimitRead, rateWindowDefault, r.handleSystemHealth)))
	r.mux.HandleFunc("/system/orphans/cleanup", r.audit(r.withRateLimit("system", rateLimitWrite, rateWindowDefault, r.handleOrphanCleanup)))
	if r.gateway != nil {
		r.mux.HandleFunc("/ws/logs", r.audit(r.withRateLimit("ws", rateLimitWebsocket, rateWindowRealtime, r.gateway.ServeHTTP)))
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleQueueStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status, err := r.queue.QueueStatus(req.Context())
	if err != nil {
		r.logger.Error("queue status", "error", err)
		writeError(w, http.StatusInternalServerError, "queue status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDeploymentSubroutes dispatches /deployments/{id}/{action}.
func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	deploymentID, action := parts[0], parts[1]

	switch {
	case action == "enqueue" && req.Method == http.MethodPost:
		r.handleEnqueue(w, req, deploymentID)
	case action == "cancel" && req.Method == http.MethodPost:
		r.handleCancel(w, req, deploymentID)
	case action == "stop" && req.Method == http.MethodPost:
		r.handleStop(w, req, deploymentID)
	case action == "stats" && req.Method == http.MethodGet:
		r.handleStats(w, req, deploymentID)
	case action == "logs/build" && req.Method == http.MethodGet:
		r.handleBuildLogs(w, req, deploymentID)
	case action == "logs/runtime" && req.Method == http.MethodGet:
		r.handleRuntimeLogs(w, req, deploymentID)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEnqueue(w http.ResponseWriter, req *http.Request, deploymentID string) {
	position, err := r.queue.Enqueue(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		r.logger.Error("enqueue", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"deploymentId": deploymentID, "position": position})
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request, deploymentID string) {
	cancelled, err := r.queue.Cancel(req.Context(), deploymentID)
	if err != nil {
		r.logger.Error("cancel", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "deployment is not queued or building")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deploymentId": deploymentID, "cancelled": true})
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if err := r.lifecycle.Stop(req.Context(), deploymentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment has no container")
			return
		}
		r.logger.Error("stop", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deploymentId": deploymentID, "status": domain.StatusStopped})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request, deploymentID string) {
	metrics, err := r.lifecycle.Stats(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment has no container")
			return
		}
		r.logger.Error("stats", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cpuPercent":    metrics.CPUPercent,
		"memoryBytes":   metrics.MemoryBytes,
		"memoryLimit":   metrics.MemoryLimit,
		"memoryPercent": metrics.MemoryPercent,
	})
}

func (r *Router) handleBuildLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	lines, err := r.logs.ListBuildLogs(req.Context(), deploymentID)
	if err != nil {
		r.logger.Error("build logs", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "logs unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deploymentId": deploymentID, "logs": logPayload(lines)})
}

func (r *Router) handleRuntimeLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > runtimeLogLimitMax {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be 1..%d", runtimeLogLimitMax))
			return
		}
		limit = parsed
	}
	lines, err := r.logs.ListRuntimeLogs(req.Context(), deploymentID, limit)
	if err != nil {
		r.logger.Error("runtime logs", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "logs unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deploymentId": deploymentID, "logs": logPayload(lines)})
}

// handleProjectSubroutes dispatches /projects/{id}/{action}.
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	projectID, action := parts[0], parts[1]

	switch {
	case action == "rollback" && req.Method == http.MethodPost:
		r.handleRollback(w, req, projectID)
	case action == "images/cleanup" && req.Method == http.MethodPost:
		r.handleImageCleanup(w, req, projectID)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, projectID string) {
	var payload struct {
		TargetDeploymentID string `json:"targetDeploymentId"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || payload.TargetDeploymentID == "" {
		writeError(w, http.StatusBadRequest, "targetDeploymentId required")
		return
	}
	deploymentID, err := r.lifecycle.Rollback(req.Context(), projectID, payload.TargetDeploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"deploymentId": deploymentID, "status": domain.StatusPending})
}

func (r *Router) handleImageCleanup(w http.ResponseWriter, req *http.Request, projectID string) {
	if err := r.lifecycle.CleanupOldImages(req.Context(), projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		r.logger.Error("image cleanup", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projectId": projectID, "cleaned": true})
}

func (r *Router) handleSystemHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	report, err := r.health.GetDetailedHealth(req.Context())
	if err != nil {
		r.logger.Error("detailed health", "error", err)
		writeError(w, http.StatusInternalServerError, "health report unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleOrphanCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	removed, err := r.health.CleanupOrphans(req.Context())
	if err != nil {
		r.logger.Error("orphan cleanup", "error", err)
		writeError(w, http.StatusInternalServerError, "orphan cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func logPayload(lines []domain.LogLine) []map[string]any {
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		out = append(out, map[string]any{
			"source":    line.Source,
			"level":     line.Level,
			"data":      line.Line,
			"timestamp": line.Timestamp,
		})
	}
	return out
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// audit logs every request with status, size and latency, and feeds the
// request metrics.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := routeLabel(req.URL.Path)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses paths to their first segment so metric cardinality
// stays bounded.
func routeLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.IndexRune(trimmed, '/'); idx > 0 {
		return "/" + trimmed[:idx]
	}
	return "/" + trimmed
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrade pass through the audit wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
