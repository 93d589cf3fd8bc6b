// Package health implements the two probing tiers: per-deployment
// reachability through the ingress layer, and system-wide dependency
// health with orphan detection.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

// Prober issues a synthetic request through the ingress and reports the
// resulting HTTP status.
type Prober interface {
	Probe(ctx context.Context, subdomain string) (int, error)
}

// Probe periodically checks every running deployment's reachability and
// records the classification. It never mutates deployment status.
type Probe struct {
	deployments repository.DeploymentRepository
	projects    repository.ProjectRepository
	prober      Prober
	interval    time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	checks      *prometheus.CounterVec

	now func() time.Time
}

// NewProbe constructs a Probe.
func NewProbe(
	deployments repository.DeploymentRepository,
	projects repository.ProjectRepository,
	prober Prober,
	interval, timeout time.Duration,
	reg prometheus.Registerer,
	logger *slog.Logger,
) *Probe {
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minipaas",
		Subsystem: "health",
		Name:      "probe_results_total",
		Help:      "Deployment probe outcomes by classification.",
	}, []string{"result"})
	if reg != nil {
		reg.MustRegister(checks)
	}
	return &Probe{
		deployments: deployments,
		projects:    projects,
		prober:      prober,
		interval:    interval,
		timeout:     timeout,
		logger:      logger.With("component", "healthprobe"),
		checks:      checks,
		now:         time.Now,
	}
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	p.logger.Info("health probe started", "interval", p.interval, "timeout", p.timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.probeOnce(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("health probe stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *Probe) probeOnce(ctx context.Context) {
	iterCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	running, err := p.deployments.ListRunningDeployments(iterCtx)
	if err != nil {
		p.logger.Error("listing running deployments", "error", err)
		return
	}

	for _, deployment := range running {
		status := p.probeDeployment(iterCtx, deployment)
		p.checks.WithLabelValues(status).Inc()
		if err := p.deployments.UpdateHealthStatus(iterCtx, deployment.ID, status, p.now().UTC()); err != nil {
			p.logger.Error("recording health status", "deployment_id", deployment.ID, "error", err)
			continue
		}
		if status != domain.HealthHealthy {
			p.logger.Warn("deployment unhealthy", "deployment_id", deployment.ID, "health", status)
		}
	}
}

func (p *Probe) probeDeployment(ctx context.Context, deployment domain.Deployment) string {
	project, err := p.projects.GetProjectByID(ctx, deployment.ProjectID)
	if err != nil {
		p.logger.Warn("resolving project for probe", "deployment_id", deployment.ID, "error", err)
		return domain.HealthUnreachable
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	code, err := p.prober.Probe(probeCtx, project.Subdomain)
	if err != nil {
		return classifyProbeError(err)
	}
	return ClassifyStatusCode(code)
}

// ClassifyStatusCode maps an HTTP status from a synthetic probe to a
// health classification. Most 4xx responses still prove the workload is
// serving; 404 through the ingress means the route itself is gone.
func ClassifyStatusCode(code int) string {
	switch {
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable:
		return domain.HealthBadGateway
	case code == http.StatusNotFound:
		return domain.HealthNotFound
	case code >= 500:
		return domain.HealthError
	case code >= 200 && code < 500:
		return domain.HealthHealthy
	default:
		return domain.HealthUnreachable
	}
}

func classifyProbeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return domain.HealthTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.HealthTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(err.Error(), "connection refused") {
		return domain.HealthConnectionRefused
	}
	return domain.HealthUnreachable
}
