package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/usr-wwelsh/miniPaaS/internal/docker"
	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/lifecycle"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

// How far back the monitor looks when listing recent failures.
const failedWindow = time.Hour

// Runtime is the slice of the Docker wrapper the monitor needs.
type Runtime interface {
	Ping(ctx context.Context) error
	ListByLabel(ctx context.Context, labelKey string) ([]docker.ListedContainer, error)
	StopAndRemove(ctx context.Context, containerID string) error
}

// StorePinger checks persistent-store reachability.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a bare ping function to StorePinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// IngressPinger checks the ingress layer's own health endpoint.
type IngressPinger interface {
	Ping(ctx context.Context) error
}

// Enqueuer re-queues deployments through the build queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, deploymentID string) (int, error)
}

// DetailedHealth is the on-demand diagnostic report.
type DetailedHealth struct {
	System         domain.SystemHealth      `json:"system"`
	Orphans        []domain.OrphanContainer `json:"orphans"`
	RecentlyFailed []domain.Deployment      `json:"recentlyFailed"`
}

// Monitor periodically checks dependency health, detects orphaned
// containers and optionally re-queues recent failures.
type Monitor struct {
	runtime     Runtime
	store       StorePinger
	ingress     IngressPinger
	deployments repository.DeploymentRepository
	queue       Enqueuer

	interval    time.Duration
	autoRestart bool
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewMonitor constructs a Monitor. queue may be nil when auto-restart is
// disabled.
func NewMonitor(
	runtime Runtime,
	store StorePinger,
	ingress IngressPinger,
	deployments repository.DeploymentRepository,
	queue Enqueuer,
	interval time.Duration,
	autoRestart bool,
	maxAttempts int,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		runtime:     runtime,
		store:       store,
		ingress:     ingress,
		deployments: deployments,
		queue:       queue,
		interval:    interval,
		autoRestart: autoRestart,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "sysmonitor"),
		now:         time.Now,
	}
}

// Run checks immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("system health monitor started", "interval", m.interval, "auto_restart", m.autoRestart)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.checkOnce(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("system health monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) checkOnce(ctx context.Context) {
	iterCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	health := m.CheckSystem(iterCtx)
	if health.Overall != "healthy" {
		m.logger.Warn("system degraded",
			"docker", health.Docker.Status,
			"database", health.Database.Status,
			"ingress", health.Ingress.Status)
	}

	orphans, err := m.FindOrphans(iterCtx)
	if err != nil {
		m.logger.Error("orphan scan", "error", err)
	} else if len(orphans) > 0 {
		m.logger.Warn("orphaned containers detected", "count", len(orphans))
	}

	if m.autoRestart {
		m.requeueRecentFailures(iterCtx)
	}
}

// CheckSystem runs all dependency checks. Overall is healthy iff every
// dependency is.
func (m *Monitor) CheckSystem(ctx context.Context) domain.SystemHealth {
	health := domain.SystemHealth{
		Timestamp: m.now().UTC(),
		Docker:    check(ctx, m.runtime.Ping),
		Database:  check(ctx, m.store.Ping),
		Ingress:   check(ctx, m.ingress.Ping),
	}
	if health.Docker.Healthy() && health.Database.Healthy() && health.Ingress.Healthy() {
		health.Overall = "healthy"
	} else {
		health.Overall = "degraded"
	}
	return health
}

func check(ctx context.Context, ping func(context.Context) error) domain.DependencyHealth {
	if err := ping(ctx); err != nil {
		return domain.DependencyHealth{Status: "unhealthy", Message: err.Error()}
	}
	return domain.DependencyHealth{Status: "healthy", Message: "ok"}
}

// FindOrphans lists labelled runtime containers with no matching
// deployment record.
func (m *Monitor) FindOrphans(ctx context.Context) ([]domain.OrphanContainer, error) {
	containers, err := m.runtime.ListByLabel(ctx, lifecycle.LabelDeploymentID)
	if err != nil {
		return nil, fmt.Errorf("list labelled containers: %w", err)
	}

	var orphans []domain.OrphanContainer
	for _, c := range containers {
		deploymentID := c.Labels[lifecycle.LabelDeploymentID]
		if deploymentID == "" {
			continue
		}
		_, err := m.deployments.GetDeploymentByID(ctx, deploymentID)
		if errors.Is(err, repository.ErrNotFound) {
			orphans = append(orphans, domain.OrphanContainer{
				ContainerID:   c.ID,
				ContainerName: c.Name,
				DeploymentID:  deploymentID,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve deployment %s: %w", deploymentID, err)
		}
	}
	return orphans, nil
}

// CleanupOrphans stops and removes orphaned containers, tolerating
// individual failures. It returns how many were removed.
func (m *Monitor) CleanupOrphans(ctx context.Context) (int, error) {
	orphans, err := m.FindOrphans(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, orphan := range orphans {
		if err := m.runtime.StopAndRemove(ctx, orphan.ContainerID); err != nil && !errors.Is(err, docker.ErrNotFound) {
			m.logger.Warn("removing orphaned container",
				"container_id", orphan.ContainerID,
				"deployment_id", orphan.DeploymentID,
				"error", err)
			continue
		}
		m.logger.Info("orphaned container removed",
			"container_id", orphan.ContainerID,
			"deployment_id", orphan.DeploymentID)
		removed++
	}
	return removed, nil
}

// GetDetailedHealth is the on-demand diagnostic query: dependency checks
// plus orphans plus deployments that failed inside the window.
func (m *Monitor) GetDetailedHealth(ctx context.Context) (DetailedHealth, error) {
	report := DetailedHealth{System: m.CheckSystem(ctx)}

	orphans, err := m.FindOrphans(ctx)
	if err != nil {
		m.logger.Warn("orphan scan for detailed health", "error", err)
	} else {
		report.Orphans = orphans
	}

	failed, err := m.deployments.ListFailedSince(ctx, m.now().Add(-failedWindow))
	if err != nil {
		return report, fmt.Errorf("list recent failures: %w", err)
	}
	report.RecentlyFailed = failed
	return report, nil
}

// requeueRecentFailures re-queues deployments that failed inside the
// window and still have build attempts left. Terminal failures stay
// failed.
func (m *Monitor) requeueRecentFailures(ctx context.Context) {
	if m.queue == nil {
		return
	}
	failed, err := m.deployments.ListFailedSince(ctx, m.now().Add(-failedWindow))
	if err != nil {
		m.logger.Error("listing recent failures", "error", err)
		return
	}

	for _, deployment := range failed {
		if deployment.RetryCount+1 >= m.maxAttempts {
			continue
		}
		position, err := m.queue.Enqueue(ctx, deployment.ID)
		if err != nil {
			m.logger.Error("re-queueing failed deployment", "deployment_id", deployment.ID, "error", err)
			continue
		}
		m.logger.Info("failed deployment re-queued", "deployment_id", deployment.ID, "position", position)
	}
}
