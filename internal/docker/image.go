package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
)

// BuildOutputCallback is invoked with incremental build messages.
type BuildOutputCallback func(string)

// BuildResult carries the identity of a successfully built image.
type BuildResult struct {
	ImageID string
}

// BuildImage creates a Docker image from the provided directory using the
// default Dockerfile, streaming progress lines to onOutput.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, useCache bool, onOutput BuildOutputCallback) (BuildResult, error) {
	if c.inner == nil {
		return BuildResult{}, fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return BuildResult{}, fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return BuildResult{}, fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return BuildResult{}, fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		NoCache:     !useCache,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return BuildResult{}, fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	var result BuildResult
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return BuildResult{}, fmt.Errorf("decode build output: %w", err)
		}

		if errMsg := msg.errorMessage(); errMsg != "" {
			return BuildResult{}, fmt.Errorf("docker image build: %s", errMsg)
		}
		if id := msg.auxImageID(); id != "" {
			result.ImageID = id
		}

		line := msg.render()
		if line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	if result.ImageID == "" {
		result.ImageID = tag
	}
	return result, nil
}

// RemoveImage removes an image without forcing; images still referenced by
// containers are left alone.
func (c *Client) RemoveImage(ctx context.Context, imageID string) error {
	if strings.TrimSpace(imageID) == "" {
		return fmt.Errorf("image id cannot be empty")
	}
	if _, err := c.inner.ImageRemove(ctx, imageID, image.RemoveOptions{Force: false}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("image remove: %w", err)
	}
	return nil
}

type imageBuildMessage struct {
	Stream         string                `json:"stream"`
	Status         string                `json:"status"`
	ID             string                `json:"id"`
	Progress       string                `json:"progress"`
	Error          string                `json:"error"`
	ErrorDetail    imageBuildErrorDetail `json:"errorDetail"`
	Aux            map[string]any        `json:"aux"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m imageBuildMessage) auxImageID() string {
	if len(m.Aux) == 0 {
		return ""
	}
	if id, ok := m.Aux["ID"].(string); ok {
		return strings.TrimSpace(id)
	}
	return ""
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if strings.TrimSpace(m.ID) != "" {
			parts = append(parts, strings.TrimSpace(m.ID))
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		if progress := strings.TrimSpace(m.Progress); progress != "" {
			parts = append(parts, progress)
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	return ""
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
