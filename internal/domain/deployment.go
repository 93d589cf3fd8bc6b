package domain

import "time"

// Deployment statuses.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusBuilding   = "building"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusRestarting = "restarting"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Health probe classifications.
const (
	HealthHealthy           = "healthy"
	HealthBadGateway        = "bad_gateway"
	HealthNotFound          = "not_found"
	HealthError             = "error"
	HealthConnectionRefused = "connection_refused"
	HealthTimeout           = "timeout"
	HealthUnreachable       = "unreachable"
)

// Deployment captures a single attempt to build and run a project commit.
type Deployment struct {
	ID              string
	ProjectID       string
	Status          string
	QueuePosition   *int
	RetryCount      int
	CommitSHA       string
	ImageID         string
	ContainerID     string
	HealthStatus    string
	LastHealthCheck *time.Time
	ErrorType       string
	ErrorMessage    string
	CanRollback     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// StatusUpdate carries a single status transition for a deployment.
type StatusUpdate struct {
	DeploymentID  string
	Status        string
	QueuePosition *int
	RetryCount    *int
	ImageID       string
	ContainerID   string
	ErrorType     string
	ErrorMessage  string
	MarkStarted   bool
	MarkCompleted bool
}
