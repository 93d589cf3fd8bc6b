package repository

import (
	"context"
	"time"

	"github.com/usr-wwelsh/miniPaaS/internal/domain"
)

// ProjectRepository reads project configuration. The core only writes the
// port field, which the builder updates when it detects a listening port.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	UpdateProjectPort(ctx context.Context, projectID string, port int) error
	ListVolumesByProject(ctx context.Context, projectID string) ([]domain.Volume, error)
}

// DeploymentRepository persists deployment state transitions.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.StatusUpdate) error
	UpdateHealthStatus(ctx context.Context, deploymentID, healthStatus string, checkedAt time.Time) error

	CountDeploymentsInStatuses(ctx context.Context, statuses ...string) (int, error)
	NextQueuedDeployment(ctx context.Context) (*domain.Deployment, error)
	CancelIfPending(ctx context.Context, deploymentID string) (bool, error)

	GetRunningDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
	ListDeploymentsWithContainers(ctx context.Context, statuses ...string) ([]domain.Deployment, error)
	ListRunningDeployments(ctx context.Context) ([]domain.Deployment, error)
	ListFailedSince(ctx context.Context, since time.Time) ([]domain.Deployment, error)
	ListImageIDsBeyondRetention(ctx context.Context, projectID string, keep int) ([]string, error)
}

// LogRepository appends and retrieves build/runtime log lines.
type LogRepository interface {
	AppendLogLine(ctx context.Context, line domain.LogLine) error
	ListBuildLogs(ctx context.Context, deploymentID string) ([]domain.LogLine, error)
	ListRuntimeLogs(ctx context.Context, deploymentID string, limit int) ([]domain.LogLine, error)
}
