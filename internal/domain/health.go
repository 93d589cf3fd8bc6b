package domain

import "time"

// DependencyHealth reports one system dependency check.
type DependencyHealth struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Healthy reports whether the dependency check passed.
func (d DependencyHealth) Healthy() bool {
	return d.Status == "healthy"
}

// SystemHealth aggregates dependency checks for the whole control plane.
type SystemHealth struct {
	Timestamp time.Time        `json:"timestamp"`
	Docker    DependencyHealth `json:"docker"`
	Database  DependencyHealth `json:"database"`
	Ingress   DependencyHealth `json:"ingress"`
	Overall   string           `json:"overall"`
}

// OrphanContainer is a runtime container labelled with a deployment id
// that has no matching deployment record. Derived, never persisted.
type OrphanContainer struct {
	ContainerID   string `json:"containerId"`
	ContainerName string `json:"containerName"`
	DeploymentID  string `json:"deploymentId"`
}
