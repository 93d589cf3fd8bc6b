package domain

import "time"

// Project describes a deployable application owning its deployments.
type Project struct {
	ID               string
	Name             string
	Subdomain        string
	Port             int
	MemoryLimitMB    int
	CPULimit         int
	KeepImageHistory int
	KeepDeployments  int
	UseBuildCache    bool
	CreatedAt        time.Time
}

// Volume is a named Docker volume attached to a project.
type Volume struct {
	ID               string
	ProjectID        string
	DockerVolumeName string
	MountPath        string
	CreatedAt        time.Time
}
