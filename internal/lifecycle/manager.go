// Package lifecycle starts, stops and rolls back workload containers and
// prunes retained images. Deployment records are the source of truth;
// every container operation is mirrored into a status write.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/usr-wwelsh/miniPaaS/internal/docker"
	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

// Container labels written on every workload the control plane owns.
const (
	LabelDeploymentID = "minipaas.deployment.id"
	LabelProjectID    = "minipaas.project.id"
)

// ContainerRuntime is the slice of the Docker wrapper the manager needs.
type ContainerRuntime interface {
	CreateAndStart(ctx context.Context, spec docker.LaunchSpec) (string, error)
	StopAndRemove(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, imageID string) error
	Stats(ctx context.Context, containerID string) (docker.ContainerMetrics, error)
}

// StartInput names the inputs of one container start. Port zero falls
// back to the project's configured port.
type StartInput struct {
	DeploymentID string
	ProjectID    string
	Image        string
	Env          []string
	Port         int
}

// Manager implements container lifecycle operations.
type Manager struct {
	runtime      ContainerRuntime
	projects     repository.ProjectRepository
	deployments  repository.DeploymentRepository
	networkName  string
	domainSuffix string
	logger       *slog.Logger
}

// NewManager constructs a Manager.
func NewManager(
	runtime ContainerRuntime,
	projects repository.ProjectRepository,
	deployments repository.DeploymentRepository,
	networkName string,
	domainSuffix string,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		runtime:      runtime,
		projects:     projects,
		deployments:  deployments,
		networkName:  networkName,
		domainSuffix: domainSuffix,
		logger:       logger.With("component", "lifecycle"),
	}
}

// Start launches a container for a built deployment and records it as
// running. Any failure marks the deployment failed and is returned.
func (m *Manager) Start(ctx context.Context, in StartInput) error {
	project, err := m.projects.GetProjectByID(ctx, in.ProjectID)
	if err != nil {
		return m.fail(ctx, in.DeploymentID, fmt.Errorf("resolve project: %w", err))
	}

	volumes, err := m.projects.ListVolumesByProject(ctx, in.ProjectID)
	if err != nil {
		return m.fail(ctx, in.DeploymentID, fmt.Errorf("resolve volumes: %w", err))
	}
	binds := make([]string, 0, len(volumes))
	for _, v := range volumes {
		binds = append(binds, v.DockerVolumeName+":"+v.MountPath)
	}

	port := in.Port
	if port == 0 {
		port = project.Port
	}

	spec := docker.LaunchSpec{
		Name:        containerName(project.Name, in.DeploymentID),
		Image:       in.Image,
		Env:         in.Env,
		Labels:      m.routingLabels(project, in, port),
		MemoryBytes: int64(project.MemoryLimitMB) * 1024 * 1024,
		NanoCPUs:    int64(project.CPULimit) * 1_000_000,
		Binds:       binds,
		Port:        port,
		NetworkMode: m.networkName,
	}

	containerID, err := m.runtime.CreateAndStart(ctx, spec)
	if err != nil {
		return m.fail(ctx, in.DeploymentID, fmt.Errorf("start container: %w", err))
	}

	update := domain.StatusUpdate{
		DeploymentID:  in.DeploymentID,
		Status:        domain.StatusRunning,
		ContainerID:   containerID,
		MarkStarted:   true,
		MarkCompleted: true,
	}
	if err := m.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return fmt.Errorf("record running deployment: %w", err)
	}

	m.logger.Info("container started",
		"deployment_id", in.DeploymentID,
		"project_id", in.ProjectID,
		"container_id", containerID,
		"port", port)
	return nil
}

// Stop stops and removes a deployment's container and records it as
// stopped. A deployment without a recorded container is NotFound.
func (m *Manager) Stop(ctx context.Context, deploymentID string) error {
	deployment, err := m.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("resolve deployment: %w", err)
	}
	if deployment.ContainerID == "" {
		return fmt.Errorf("deployment %s has no container: %w", deploymentID, repository.ErrNotFound)
	}

	if err := m.runtime.StopAndRemove(ctx, deployment.ContainerID); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return fmt.Errorf("stop container: %w", err)
	}

	update := domain.StatusUpdate{DeploymentID: deploymentID, Status: domain.StatusStopped}
	if err := m.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return fmt.Errorf("record stopped deployment: %w", err)
	}

	m.logger.Info("container stopped", "deployment_id", deploymentID, "container_id", deployment.ContainerID)
	return nil
}

// Rollback creates a new pending deployment pointing at a prior
// deployment's image, stopping the project's current running deployment
// first. The new deployment id is returned; it rides the normal start
// path from there.
func (m *Manager) Rollback(ctx context.Context, projectID, targetDeploymentID string) (string, error) {
	target, err := m.deployments.GetDeploymentByID(ctx, targetDeploymentID)
	if err != nil {
		return "", fmt.Errorf("resolve rollback target: %w", err)
	}
	if target.ProjectID != projectID {
		return "", fmt.Errorf("deployment %s does not belong to project %s", targetDeploymentID, projectID)
	}
	if target.ImageID == "" {
		return "", fmt.Errorf("deployment %s has no image to roll back to", targetDeploymentID)
	}
	if !target.CanRollback {
		return "", fmt.Errorf("deployment %s is not rollback eligible", targetDeploymentID)
	}

	current, err := m.deployments.GetRunningDeployment(ctx, projectID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("resolve running deployment: %w", err)
	}
	if current != nil {
		if err := m.Stop(ctx, current.ID); err != nil {
			return "", fmt.Errorf("stop current deployment: %w", err)
		}
	}

	created := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    domain.StatusPending,
		CommitSHA: target.CommitSHA,
		ImageID:   target.ImageID,
	}
	if err := m.deployments.CreateDeployment(ctx, created); err != nil {
		return "", fmt.Errorf("create rollback deployment: %w", err)
	}

	m.logger.Info("rollback deployment created",
		"project_id", projectID,
		"target_deployment_id", targetDeploymentID,
		"deployment_id", created.ID,
		"image_id", target.ImageID)
	return created.ID, nil
}

// CleanupOldImages removes project images beyond the project's retention
// count. Removal failures are logged and swallowed; an image may still be
// referenced by a container or another tag.
func (m *Manager) CleanupOldImages(ctx context.Context, projectID string) error {
	project, err := m.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("resolve project: %w", err)
	}

	keep := project.KeepImageHistory
	if keep < 1 {
		keep = 1
	}
	stale, err := m.deployments.ListImageIDsBeyondRetention(ctx, projectID, keep)
	if err != nil {
		return fmt.Errorf("list stale images: %w", err)
	}

	removed := 0
	for _, imageID := range stale {
		if err := m.runtime.RemoveImage(ctx, imageID); err != nil {
			if !errors.Is(err, docker.ErrNotFound) {
				m.logger.Warn("image removal failed", "project_id", projectID, "image_id", imageID, "error", err)
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("stale images removed", "project_id", projectID, "removed", removed, "kept", keep)
	}
	return nil
}

// Stats samples current CPU and memory usage for a deployment's container.
func (m *Manager) Stats(ctx context.Context, deploymentID string) (docker.ContainerMetrics, error) {
	deployment, err := m.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return docker.ContainerMetrics{}, fmt.Errorf("resolve deployment: %w", err)
	}
	if deployment.ContainerID == "" {
		return docker.ContainerMetrics{}, fmt.Errorf("deployment %s has no container: %w", deploymentID, repository.ErrNotFound)
	}
	metrics, err := m.runtime.Stats(ctx, deployment.ContainerID)
	if err != nil {
		return docker.ContainerMetrics{}, fmt.Errorf("container stats: %w", err)
	}
	return metrics, nil
}

func (m *Manager) fail(ctx context.Context, deploymentID string, cause error) error {
	update := domain.StatusUpdate{
		DeploymentID:  deploymentID,
		Status:        domain.StatusFailed,
		ErrorType:     "container_start_failed",
		ErrorMessage:  cause.Error(),
		MarkCompleted: true,
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.deployments.UpdateDeploymentStatus(writeCtx, update); err != nil {
		m.logger.Error("recording failed deployment", "deployment_id", deploymentID, "error", err)
	}
	return cause
}

func (m *Manager) routingLabels(project *domain.Project, in StartInput, port int) map[string]string {
	router := containerName(project.Name, in.DeploymentID)
	host := project.Subdomain + m.domainSuffix
	return map[string]string{
		LabelDeploymentID: in.DeploymentID,
		LabelProjectID:    in.ProjectID,

		"traefik.enable": "true",
		"traefik.http.routers." + router + ".rule":                      "Host(`" + host + "`)",
		"traefik.http.services." + router + ".loadbalancer.server.port": fmt.Sprintf("%d", port),
	}
}

// containerName derives a stable, Docker-safe name from the project name
// and deployment id.
func containerName(projectName, deploymentID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(projectName) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "app"
	}
	return name + "-" + deploymentID
}
