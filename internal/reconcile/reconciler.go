// Package reconcile corrects drift between recorded deployment status and
// the container runtime's observed state. It is the sole authority for
// detecting externally caused changes such as manual stops or crashes.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/usr-wwelsh/miniPaaS/internal/docker"
	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

// Inspector is the slice of the Docker wrapper the reconciler needs.
type Inspector interface {
	InspectState(ctx context.Context, containerID string) (docker.ContainerState, error)
}

// Reconciler periodically maps observed container state back onto
// deployment records.
type Reconciler struct {
	deployments repository.DeploymentRepository
	runtime     Inspector
	interval    time.Duration
	logger      *slog.Logger
}

// New constructs a Reconciler.
func New(deployments repository.DeploymentRepository, runtime Inspector, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		deployments: deployments,
		runtime:     runtime,
		interval:    interval,
		logger:      logger.With("component", "reconciler"),
	}
}

// Run reconciles immediately and then on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.reconcileOnce(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	iterCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	deployments, err := r.deployments.ListDeploymentsWithContainers(iterCtx, domain.StatusRunning, domain.StatusBuilding)
	if err != nil {
		r.logger.Error("listing deployments", "error", err)
		return
	}

	for _, deployment := range deployments {
		observed, err := r.observedStatus(iterCtx, deployment.ContainerID)
		if err != nil {
			r.logger.Warn("inspecting container",
				"deployment_id", deployment.ID,
				"container_id", deployment.ContainerID,
				"error", err)
			continue
		}
		if observed == "" || observed == deployment.Status {
			continue
		}

		update := domain.StatusUpdate{DeploymentID: deployment.ID, Status: observed}
		if err := r.deployments.UpdateDeploymentStatus(iterCtx, update); err != nil {
			r.logger.Error("correcting deployment status", "deployment_id", deployment.ID, "error", err)
			continue
		}
		r.logger.Info("deployment status corrected",
			"deployment_id", deployment.ID,
			"recorded", deployment.Status,
			"observed", observed)
	}
}

// observedStatus maps runtime container state to a deployment status.
// An empty result means the observation is inconclusive and no write
// should happen.
func (r *Reconciler) observedStatus(ctx context.Context, containerID string) (string, error) {
	state, err := r.runtime.InspectState(ctx, containerID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return domain.StatusStopped, nil
		}
		return "", err
	}

	switch {
	case state.Restarting:
		return domain.StatusRestarting, nil
	case state.Running:
		return domain.StatusRunning, nil
	case state.Status == "exited":
		return domain.StatusStopped, nil
	case state.Status == "dead":
		return domain.StatusFailed, nil
	}
	return "", nil
}
