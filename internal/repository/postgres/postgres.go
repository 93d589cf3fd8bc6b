package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usr-wwelsh/miniPaaS/internal/domain"
	"github.com/usr-wwelsh/miniPaaS/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

const deploymentColumns = `id, project_id, status, queue_position, retry_count, commit_sha,
	docker_image_id, docker_container_id, health_status, last_health_check,
	error_type, error_message, can_rollback, created_at, updated_at, started_at, completed_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &d.QueuePosition, &d.RetryCount, &d.CommitSHA,
		&d.ImageID, &d.ContainerID, &d.HealthStatus, &d.LastHealthCheck,
		&d.ErrorType, &d.ErrorMessage, &d.CanRollback, &d.CreatedAt, &d.UpdatedAt, &d.StartedAt, &d.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, subdomain, port, memory_limit, cpu_limit,
		keep_image_history, keep_deployments, use_build_cache, created_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Subdomain, &p.Port, &p.MemoryLimitMB, &p.CPULimit,
		&p.KeepImageHistory, &p.KeepDeployments, &p.UseBuildCache, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdateProjectPort stores the listening port the builder detected.
func (r *Repository) UpdateProjectPort(ctx context.Context, projectID string, port int) error {
	const query = `UPDATE projects SET port = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, port, projectID)
	return err
}

// ListVolumesByProject returns volumes attached to a project.
func (r *Repository) ListVolumesByProject(ctx context.Context, projectID string) ([]domain.Volume, error) {
	const query = `SELECT id, project_id, docker_volume_name, mount_path, created_at
		FROM volumes WHERE project_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	volumes := make([]domain.Volume, 0)
	for rows.Next() {
		var v domain.Volume
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.DockerVolumeName, &v.MountPath, &v.CreatedAt); err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// CreateDeployment inserts a deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, commit_sha, docker_image_id, can_rollback, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, d.ID, d.ProjectID, d.Status, d.CommitSHA, d.ImageID, d.CanRollback, d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDeploymentByID retrieves a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// UpdateDeploymentStatus applies a status transition. Queue position is
// always written so transitions out of queued clear it.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, u domain.StatusUpdate) error {
	const query = `UPDATE deployments SET
		status = $1,
		queue_position = $2,
		retry_count = COALESCE($3, retry_count),
		docker_image_id = CASE WHEN $4 <> '' THEN $4 ELSE docker_image_id END,
		docker_container_id = CASE WHEN $5 <> '' THEN $5 ELSE docker_container_id END,
		error_type = $6,
		error_message = $7,
		started_at = CASE WHEN $8 THEN NOW() ELSE started_at END,
		completed_at = CASE WHEN $9 THEN NOW() ELSE completed_at END,
		updated_at = NOW()
		WHERE id = $10`
	tag, err := r.pool.Exec(ctx, query,
		u.Status, u.QueuePosition, u.RetryCount, u.ImageID, u.ContainerID,
		u.ErrorType, u.ErrorMessage, u.MarkStarted, u.MarkCompleted, u.DeploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateHealthStatus records the latest probe classification.
func (r *Repository) UpdateHealthStatus(ctx context.Context, deploymentID, healthStatus string, checkedAt time.Time) error {
	const query = `UPDATE deployments SET health_status = $1, last_health_check = $2 WHERE id = $3`
	tag, err := r.pool.Exec(ctx, query, healthStatus, checkedAt, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountDeploymentsInStatuses counts deployments currently in any of the statuses.
func (r *Repository) CountDeploymentsInStatuses(ctx context.Context, statuses ...string) (int, error) {
	const query = `SELECT COUNT(1) FROM deployments WHERE status = ANY($1)`
	row := r.pool.QueryRow(ctx, query, statuses)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// NextQueuedDeployment returns the oldest queued deployment by position.
func (r *Repository) NextQueuedDeployment(ctx context.Context) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = 'queued' ORDER BY queue_position ASC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query))
}

// CancelIfPending marks a deployment cancelled when it is queued or building.
// Returns false when the deployment was in neither state.
func (r *Repository) CancelIfPending(ctx context.Context, deploymentID string) (bool, error) {
	const query = `UPDATE deployments SET status = 'cancelled', queue_position = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'building')`
	tag, err := r.pool.Exec(ctx, query, deploymentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetRunningDeployment returns the most recent running deployment of a project.
func (r *Repository) GetRunningDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 AND status = 'running' ORDER BY created_at DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID))
}

// ListDeploymentsWithContainers returns deployments holding a container id
// in any of the given statuses.
func (r *Repository) ListDeploymentsWithContainers(ctx context.Context, statuses ...string) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE docker_container_id <> '' AND status = ANY($1)`
	return r.listDeployments(ctx, query, statuses)
}

// ListRunningDeployments returns all deployments in running state.
func (r *Repository) ListRunningDeployments(ctx context.Context) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE status = 'running'`
	return r.listDeployments(ctx, query)
}

// ListFailedSince returns deployments that failed after the given time.
func (r *Repository) ListFailedSince(ctx context.Context, since time.Time) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = 'failed' AND updated_at > $1`
	return r.listDeployments(ctx, query, since)
}

// ListImageIDsBeyondRetention returns image ids older than the newest keep
// deployments that recorded an image, newest first.
func (r *Repository) ListImageIDsBeyondRetention(ctx context.Context, projectID string, keep int) ([]string, error) {
	const query = `SELECT docker_image_id FROM deployments
		WHERE project_id = $1 AND docker_image_id <> ''
		ORDER BY created_at DESC
		OFFSET $2`
	rows, err := r.pool.Query(ctx, query, projectID, keep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	images := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		images = append(images, id)
	}
	return images, rows.Err()
}

func (r *Repository) listDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// AppendLogLine stores one build or runtime log line.
func (r *Repository) AppendLogLine(ctx context.Context, line domain.LogLine) error {
	const query = `INSERT INTO deployment_logs (deployment_id, source, level, log_line, timestamp)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, line.DeploymentID, line.Source, line.Level, line.Line, line.Timestamp)
	return err
}

// ListBuildLogs returns build log lines in chronological order.
func (r *Repository) ListBuildLogs(ctx context.Context, deploymentID string) ([]domain.LogLine, error) {
	const query = `SELECT id, deployment_id, source, level, log_line, timestamp
		FROM deployment_logs WHERE deployment_id = $1 AND source = 'build'
		ORDER BY timestamp ASC, id ASC`
	return r.listLogs(ctx, query, deploymentID)
}

// ListRuntimeLogs returns the newest limit runtime lines in chronological
// order. The query fetches descending and the result is reversed.
func (r *Repository) ListRuntimeLogs(ctx context.Context, deploymentID string, limit int) ([]domain.LogLine, error) {
	const query = `SELECT id, deployment_id, source, level, log_line, timestamp
		FROM deployment_logs WHERE deployment_id = $1 AND source = 'runtime'
		ORDER BY timestamp DESC, id DESC LIMIT $2`
	lines, err := r.listLogs(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

func (r *Repository) listLogs(ctx context.Context, query string, args ...any) ([]domain.LogLine, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.LogLine, 0)
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.Source, &l.Level, &l.Line, &l.Timestamp); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
