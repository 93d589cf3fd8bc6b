// Package builder implements the image-build collaborator consumed by the
// build queue. Source acquisition and Dockerfile synthesis happen upstream;
// the builder receives a prepared source tree and produces an image.
package builder

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/usr-wwelsh/miniPaaS/internal/docker"
)

// Request names the inputs of one image build.
type Request struct {
	DeploymentID string
	SourcePath   string
	ImageName    string
	UseCache     bool
}

// Result reports a completed build.
type Result struct {
	ImageID      string
	DetectedPort int
}

// LineFunc receives incremental build output lines.
type LineFunc func(string)

// Builder turns a source tree into a runnable image.
type Builder interface {
	Build(ctx context.Context, req Request, onLine LineFunc) (Result, error)
}

// DockerBuilder builds images through the local Docker daemon.
type DockerBuilder struct {
	docker *docker.Client
	logger *slog.Logger
}

// NewDockerBuilder constructs a DockerBuilder.
func NewDockerBuilder(cli *docker.Client, logger *slog.Logger) *DockerBuilder {
	return &DockerBuilder{docker: cli, logger: logger.With("component", "builder")}
}

var _ Builder = (*DockerBuilder)(nil)

// Build tars the source directory, runs the Docker build streaming output
// through onLine, and reports the image id plus the port the Dockerfile
// exposes.
func (b *DockerBuilder) Build(ctx context.Context, req Request, onLine LineFunc) (Result, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		return Result{}, fmt.Errorf("source path required")
	}
	if strings.TrimSpace(req.ImageName) == "" {
		return Result{}, fmt.Errorf("image name required")
	}
	if err := ensureDockerfile(req.SourcePath); err != nil {
		return Result{}, err
	}

	port := detectExposedPort(req.SourcePath)

	b.logger.Info("image build starting", "deployment_id", req.DeploymentID, "image", req.ImageName)
	built, err := b.docker.BuildImage(ctx, req.SourcePath, req.ImageName, req.UseCache, docker.BuildOutputCallback(onLine))
	if err != nil {
		return Result{}, err
	}
	b.logger.Info("image build completed", "deployment_id", req.DeploymentID, "image_id", built.ImageID)
	return Result{ImageID: built.ImageID, DetectedPort: port}, nil
}

func ensureDockerfile(dir string) error {
	for _, name := range []string{"Dockerfile", "dockerfile"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && !info.IsDir() {
			return nil
		}
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("check dockerfile: %w", err)
		}
	}
	return fmt.Errorf("dockerfile not found in repository root (expected Dockerfile)")
}

// detectExposedPort scans the Dockerfile for the first EXPOSE instruction.
// Zero means nothing was detected and the project default applies.
func detectExposedPort(dir string) int {
	f, err := os.Open(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) < 2 || !strings.EqualFold(fields[0], "EXPOSE") {
			continue
		}
		spec := fields[1]
		if idx := strings.IndexRune(spec, '/'); idx > 0 {
			spec = spec[:idx]
		}
		if port, err := strconv.Atoi(spec); err == nil && port > 0 {
			return port
		}
	}
	return 0
}
