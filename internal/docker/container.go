package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// LaunchSpec describes a workload container to create and start.
type LaunchSpec struct {
	Name          string
	Image         string
	Env           []string
	Labels        map[string]string
	MemoryBytes   int64
	NanoCPUs      int64
	Binds         []string
	Port          int
	NetworkMode   string
	RestartPolicy string
}

// ContainerState is the subset of inspect output the reconciler needs.
type ContainerState struct {
	Running    bool
	Restarting bool
	Status     string
}

// ListedContainer is one entry from a label-filtered container listing.
type ListedContainer struct {
	ID     string
	Name   string
	Labels map[string]string
}

// ContainerMetrics holds a single point-in-time stats sample.
type ContainerMetrics struct {
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryLimit   uint64
	MemoryPercent float64
}

// CreateAndStart creates a container from the spec and starts it,
// returning the container id.
func (c *Client) CreateAndStart(ctx context.Context, spec LaunchSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	exposed := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: map[nat.Port]struct{}{exposed: {}},
	}

	restart := spec.RestartPolicy
	if restart == "" {
		restart = "unless-stopped"
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(restart),
		},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
		Binds: spec.Binds,
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// StopAndRemove stops the container and removes it.
func (c *Client) StopAndRemove(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container stop: %w", err)
	}
	if err := c.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// InspectState reports the runtime state of a container.
func (c *Client) InspectState(ctx context.Context, containerID string) (ContainerState, error) {
	info, err := c.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{}
	if info.State != nil {
		state.Running = info.State.Running
		state.Restarting = info.State.Restarting
		state.Status = info.State.Status
	}
	return state, nil
}

// ListByLabel lists all containers (running or not) carrying the label key.
func (c *Client) ListByLabel(ctx context.Context, labelKey string) ([]ListedContainer, error) {
	args := filters.NewArgs(filters.Arg("label", labelKey))
	summaries, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	listed := make([]ListedContainer, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		listed = append(listed, ListedContainer{ID: s.ID, Name: name, Labels: s.Labels})
	}
	return listed, nil
}

// Stats takes a one-shot stats sample and derives CPU and memory figures.
func (c *Client) Stats(ctx context.Context, containerID string) (ContainerMetrics, error) {
	resp, err := c.inner.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerMetrics{}, ErrNotFound
		}
		return ContainerMetrics{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := decodeJSON(resp.Body, &stats); err != nil {
		return ContainerMetrics{}, fmt.Errorf("decode stats: %w", err)
	}

	metrics := ContainerMetrics{
		MemoryBytes: stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && systemDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		metrics.CPUPercent = cpuDelta / systemDelta * cpus * 100
	}
	if metrics.MemoryLimit > 0 {
		metrics.MemoryPercent = float64(metrics.MemoryBytes) / float64(metrics.MemoryLimit) * 100
	}
	return metrics, nil
}
