// Package buildqueue admission-controls deployment builds: it bounds how
// many builds run concurrently, invokes the Builder, classifies failures
// and retries them with exponential backoff.
package buildqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/usr-wwelsh/miniPaaS/internal/builder"
	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/lifecycle"
	"github.com/usr-wwelsh/miniPaaS/internal/logstream"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

const storeOpTimeout = 10 * time.Second

// Lifecycle is the slice of the container lifecycle manager the queue
// drives after a successful build.
type Lifecycle interface {
	Start(ctx context.Context, in lifecycle.StartInput) error
	Stop(ctx context.Context, deploymentID string) error
	CleanupOldImages(ctx context.Context, projectID string) error
}

// Status is a point-in-time queue snapshot. Counts are not transactionally
// consistent with concurrent admission.
type Status struct {
	Queued        int `json:"queued"`
	Building      int `json:"building"`
	MaxConcurrent int `json:"max_concurrent"`
	Active        int `json:"active"`
}

// Queue is the admission controller. All mutable in-process state (the
// active-build counter, the admission guard and the retry timers) sits
// behind mu.
type Queue struct {
	builder     builder.Builder
	lifecycle   Lifecycle
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	logs        repository.LogRepository
	logger      *slog.Logger
	metrics     *queueMetrics

	maxConcurrent int
	buildTimeout  time.Duration
	maxAttempts   int
	baseDelay     time.Duration
	imageRegistry string
	workspaceRoot string

	mu          sync.Mutex
	active      int
	admitting   bool
	closed      bool
	retryTimers map[string]*time.Timer
	ctx         context.Context
	cancel      context.CancelFunc

	now func() time.Time
}

// Options carries the queue's tunables.
type Options struct {
	MaxConcurrentBuilds int
	BuildTimeout        time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	ImageRegistry       string
	WorkspaceRoot       string
}

// New constructs a Queue. Call Start before enqueueing.
func New(
	opts Options,
	b builder.Builder,
	lc Lifecycle,
	projects repository.ProjectRepository,
	deployments repository.DeploymentRepository,
	logs repository.LogRepository,
	reg prometheus.Registerer,
	logger *slog.Logger,
) *Queue {
	if opts.MaxConcurrentBuilds < 1 {
		opts.MaxConcurrentBuilds = 1
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	return &Queue{
		builder:       b,
		lifecycle:     lc,
		projects:      projects,
		deployments:   deployments,
		logs:          logs,
		logger:        logger.With("component", "buildqueue"),
		metrics:       newQueueMetrics(reg),
		maxConcurrent: opts.MaxConcurrentBuilds,
		buildTimeout:  opts.BuildTimeout,
		maxAttempts:   opts.RetryAttempts,
		baseDelay:     opts.RetryBaseDelay,
		imageRegistry: opts.ImageRegistry,
		workspaceRoot: opts.WorkspaceRoot,
		retryTimers:   make(map[string]*time.Timer),
		closed:        true,
		now:           time.Now,
	}
}

// Start opens the queue and kicks an admission pass to pick up work left
// queued by a previous run.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.closed = false
	q.mu.Unlock()

	q.logger.Info("build queue started",
		"max_concurrent", q.maxConcurrent,
		"max_attempts", q.maxAttempts,
		"base_delay", q.baseDelay)
	go q.admit()
}

// Stop closes the queue and cancels pending retry timers. In-flight
// builds are cancelled through their contexts.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.logger.Info("build queue stopped")
}

// Enqueue places a deployment in the queue and returns its position.
// Position counting includes deployments already building, matching what
// a waiting user perceives as the line ahead of them.
func (q *Queue) Enqueue(ctx context.Context, deploymentID string) (int, error) {
	count, err := q.deployments.CountDeploymentsInStatuses(ctx, domain.StatusQueued, domain.StatusBuilding)
	if err != nil {
		return 0, fmt.Errorf("count queued deployments: %w", err)
	}
	position := count + 1

	update := domain.StatusUpdate{
		DeploymentID:  deploymentID,
		Status:        domain.StatusQueued,
		QueuePosition: &position,
	}
	if err := q.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return 0, fmt.Errorf("queue deployment: %w", err)
	}

	q.logger.Info("deployment queued", "deployment_id", deploymentID, "position", position)
	go q.admit()
	return position, nil
}

// Cancel marks a queued or building deployment cancelled and drops any
// pending retry timer. It does not interrupt an in-flight build; a build
// that completes after cancellation still attempts its normal transition.
func (q *Queue) Cancel(ctx context.Context, deploymentID string) (bool, error) {
	q.mu.Lock()
	timer, hadTimer := q.retryTimers[deploymentID]
	if hadTimer {
		timer.Stop()
		delete(q.retryTimers, deploymentID)
	}
	q.mu.Unlock()

	cancelled, err := q.deployments.CancelIfPending(ctx, deploymentID)
	if err != nil {
		return false, fmt.Errorf("cancel deployment: %w", err)
	}
	if !cancelled && hadTimer {
		// Failed and awaiting retry. The timer is gone; record the intent.
		update := domain.StatusUpdate{DeploymentID: deploymentID, Status: domain.StatusCancelled}
		if err := q.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
			return false, fmt.Errorf("cancel pending retry: %w", err)
		}
		cancelled = true
	}
	if cancelled {
		q.logger.Info("deployment cancelled", "deployment_id", deploymentID)
	}
	return cancelled, nil
}

// QueueStatus reports queue depth and admission capacity.
func (q *Queue) QueueStatus(ctx context.Context) (Status, error) {
	queued, err := q.deployments.CountDeploymentsInStatuses(ctx, domain.StatusQueued)
	if err != nil {
		return Status{}, fmt.Errorf("count queued: %w", err)
	}
	building, err := q.deployments.CountDeploymentsInStatuses(ctx, domain.StatusBuilding)
	if err != nil {
		return Status{}, fmt.Errorf("count building: %w", err)
	}

	q.mu.Lock()
	active := q.active
	q.mu.Unlock()

	return Status{
		Queued:        queued,
		Building:      building,
		MaxConcurrent: q.maxConcurrent,
		Active:        active,
	}, nil
}

// admit moves queued deployments into building while capacity allows.
// At most one admission pass runs at a time.
func (q *Queue) admit() {
	q.mu.Lock()
	if q.admitting || q.closed {
		q.mu.Unlock()
		return
	}
	q.admitting = true
	ctx := q.ctx
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.admitting = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if q.closed || q.active >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		next, err := q.nextQueued(ctx)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				q.logger.Error("selecting next queued deployment", "error", err)
			}
			return
		}

		update := domain.StatusUpdate{DeploymentID: next.ID, Status: domain.StatusBuilding}
		if err := q.updateStatus(ctx, update); err != nil {
			q.logger.Error("marking deployment building", "deployment_id", next.ID, "error", err)
			return
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.active++
		q.mu.Unlock()
		q.metrics.activeBuilds.Inc()

		q.logger.Info("build admitted", "deployment_id", next.ID, "project_id", next.ProjectID)
		go q.runBuild(ctx, *next)
	}
}

// runBuild executes one admitted build end to end and re-runs admission
// when its slot frees up.
func (q *Queue) runBuild(parent context.Context, deployment domain.Deployment) {
	defer func() {
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
		q.metrics.activeBuilds.Dec()
		q.admit()
	}()

	ctx, cancel := context.WithTimeout(parent, q.buildTimeout)
	defer cancel()

	project, err := q.projects.GetProjectByID(ctx, deployment.ProjectID)
	if err != nil {
		q.finishFailed(parent, deployment, fmt.Errorf("resolve project: %w", err))
		return
	}

	imageName := fmt.Sprintf("%s/%s:%s", q.imageRegistry, project.Subdomain, deployment.ID)
	req := builder.Request{
		DeploymentID: deployment.ID,
		SourcePath:   filepath.Join(q.workspaceRoot, deployment.ProjectID),
		ImageName:    imageName,
		UseCache:     project.UseBuildCache,
	}
	result, err := q.builder.Build(ctx, req, func(line string) {
		q.appendBuildLog(deployment.ID, line)
	})
	if err != nil {
		q.finishFailed(parent, deployment, err)
		return
	}

	update := domain.StatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.StatusBuilding,
		ImageID:      result.ImageID,
	}
	if err := q.updateStatus(ctx, update); err != nil {
		q.finishFailed(parent, deployment, fmt.Errorf("record image: %w", err))
		return
	}

	if result.DetectedPort > 0 && result.DetectedPort != project.Port {
		if err := q.projects.UpdateProjectPort(ctx, project.ID, result.DetectedPort); err != nil {
			q.logger.Warn("persisting detected port", "project_id", project.ID, "port", result.DetectedPort, "error", err)
		}
	}

	q.stopPreviousRunning(ctx, project.ID, deployment.ID)

	start := lifecycle.StartInput{
		DeploymentID: deployment.ID,
		ProjectID:    project.ID,
		Image:        imageName,
		Port:         result.DetectedPort,
	}
	if err := q.lifecycle.Start(ctx, start); err != nil {
		// Container start failures are surfaced verbatim by the lifecycle
		// manager and are not retried.
		q.logger.Error("starting built deployment", "deployment_id", deployment.ID, "error", err)
		q.metrics.buildsTotal.WithLabelValues("failed").Inc()
		return
	}

	q.metrics.buildsTotal.WithLabelValues("success").Inc()
	q.logger.Info("deployment running",
		"deployment_id", deployment.ID,
		"project_id", project.ID,
		"image_id", result.ImageID,
		"retry_count", deployment.RetryCount)

	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), time.Minute)
		defer cancel()
		if err := q.lifecycle.CleanupOldImages(cleanupCtx, project.ID); err != nil {
			q.logger.Warn("image cleanup", "project_id", project.ID, "error", err)
		}
	}()
}

// stopPreviousRunning enforces at most one running deployment per project.
func (q *Queue) stopPreviousRunning(ctx context.Context, projectID, deploymentID string) {
	previous, err := q.deployments.GetRunningDeployment(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			q.logger.Warn("resolving running deployment", "project_id", projectID, "error", err)
		}
		return
	}
	if previous.ID == deploymentID {
		return
	}
	if err := q.lifecycle.Stop(ctx, previous.ID); err != nil {
		q.logger.Warn("stopping previous deployment", "deployment_id", previous.ID, "error", err)
	}
}

// finishFailed records a build failure and schedules a retry unless the
// attempt ceiling is reached.
func (q *Queue) finishFailed(ctx context.Context, deployment domain.Deployment, cause error) {
	classified := ClassifyBuildError(cause)
	update := domain.StatusUpdate{
		DeploymentID:  deployment.ID,
		Status:        domain.StatusFailed,
		ErrorType:     classified.Type,
		ErrorMessage:  classified.Message,
		MarkCompleted: true,
	}
	if err := q.updateStatus(context.WithoutCancel(ctx), update); err != nil {
		q.logger.Error("recording failed build", "deployment_id", deployment.ID, "error", err)
	}

	attempt := deployment.RetryCount + 1
	if attempt < q.maxAttempts {
		q.metrics.buildsTotal.WithLabelValues("retried").Inc()
		q.scheduleRetry(deployment)
		return
	}
	q.metrics.buildsTotal.WithLabelValues("failed").Inc()
	q.logger.Error("build failed terminally",
		"deployment_id", deployment.ID,
		"attempts", attempt,
		"error_type", classified.Type,
		"error", cause)
}

// scheduleRetry re-queues a failed deployment after baseDelay * 2^retries.
// The timer is cancellable at Stop so shutdown does not leak retries.
func (q *Queue) scheduleRetry(deployment domain.Deployment) {
	delay := q.baseDelay * time.Duration(1<<deployment.RetryCount)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.retryTimers[deployment.ID] = time.AfterFunc(delay, func() {
		q.requeueRetry(deployment)
	})
	q.mu.Unlock()

	q.logger.Info("retry scheduled",
		"deployment_id", deployment.ID,
		"attempt", deployment.RetryCount+2,
		"delay", delay)
}

func (q *Queue) requeueRetry(deployment domain.Deployment) {
	q.mu.Lock()
	delete(q.retryTimers, deployment.ID)
	closed := q.closed
	ctx := q.ctx
	q.mu.Unlock()
	if closed {
		return
	}

	current, err := q.getDeployment(ctx, deployment.ID)
	if err != nil {
		q.logger.Error("resolving deployment for retry", "deployment_id", deployment.ID, "error", err)
		return
	}
	if current.Status != domain.StatusFailed {
		q.logger.Info("retry skipped, status changed", "deployment_id", deployment.ID, "status", current.Status)
		return
	}

	count, err := q.deployments.CountDeploymentsInStatuses(ctx, domain.StatusQueued, domain.StatusBuilding)
	if err != nil {
		q.logger.Error("counting queued deployments for retry", "deployment_id", deployment.ID, "error", err)
		return
	}
	position := count + 1
	retries := deployment.RetryCount + 1
	update := domain.StatusUpdate{
		DeploymentID:  deployment.ID,
		Status:        domain.StatusQueued,
		QueuePosition: &position,
		RetryCount:    &retries,
	}
	if err := q.updateStatus(ctx, update); err != nil {
		q.logger.Error("re-queueing deployment", "deployment_id", deployment.ID, "error", err)
		return
	}

	q.logger.Info("deployment re-queued", "deployment_id", deployment.ID, "position", position, "retry_count", retries)
	q.admit()
}

func (q *Queue) appendBuildLog(deploymentID, raw string) {
	line := logstream.Sanitize(raw)
	if strings.TrimSpace(line) == "" {
		return
	}
	entry := domain.LogLine{
		DeploymentID: deploymentID,
		Source:       domain.LogSourceBuild,
		Level:        logstream.DetectLevel(line),
		Line:         line,
		Timestamp:    q.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.logs.AppendLogLine(ctx, entry); err != nil {
		q.logger.Warn("persisting build log line", "deployment_id", deploymentID, "error", err)
	}
}

func (q *Queue) nextQueued(ctx context.Context) (*domain.Deployment, error) {
	opCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	return q.deployments.NextQueuedDeployment(opCtx)
}

func (q *Queue) getDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	opCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	return q.deployments.GetDeploymentByID(opCtx, id)
}

func (q *Queue) updateStatus(ctx context.Context, update domain.StatusUpdate) error {
	opCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	return q.deployments.UpdateDeploymentStatus(opCtx, update)
}

type queueMetrics struct {
	activeBuilds prometheus.Gauge
	buildsTotal  *prometheus.CounterVec
}

func newQueueMetrics(reg prometheus.Registerer) *queueMetrics {
	m := &queueMetrics{
		activeBuilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minipaas",
			Subsystem: "buildqueue",
			Name:      "active_builds",
			Help:      "Builds currently running.",
		}),
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minipaas",
			Subsystem: "buildqueue",
			Name:      "builds_total",
			Help:      "Completed builds by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.activeBuilds, m.buildsTotal)
	}
	return m
}
