package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
)

// DockerClient is the subset of the Docker SDK the container-backed
// Executor Backend needs; volumes, networks, and image builds are out of
// its scope.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, containerName string) (string, error)
	ContainerStart(ctx context.Context, containerID string) error
	ContainerStop(ctx context.Context, containerID string) error
	ContainerExec(ctx context.Context, containerID string, cmd []string) (stdout string, exitCode int, err error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) ([]byte, error)
	ImagePull(ctx context.Context, ref string) error
}

// DockerBackend implements Backend by starting one container per
// sandbox, templated on the image named by the template string.
type DockerBackend struct {
	client    DockerClient
	imageFunc func(template string) string
}

func NewDockerBackend(client DockerClient, imageFunc func(template string) string) *DockerBackend {
	if imageFunc == nil {
		imageFunc = func(template string) string { return template }
	}
	return &DockerBackend{client: client, imageFunc: imageFunc}
}

func (b *DockerBackend) Start(ctx context.Context, template string) (string, error) {
	img := b.imageFunc(template)
	if err := b.client.ImagePull(ctx, img); err != nil {
		return "", fmt.Errorf("pulling image %s: %w", img, err)
	}

	cfg := &container.Config{
		Image:     img,
		Tty:       true,
		Cmd:       []string{"sleep", "infinity"},
		OpenStdin: true,
	}
	id, err := b.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, "")
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if err := b.client.ContainerStart(ctx, id); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}
	return id, nil
}

func (b *DockerBackend) Exec(ctx context.Context, handle string, cmd []string) (string, int, error) {
	return b.client.ContainerExec(ctx, handle, cmd)
}

func (b *DockerBackend) Write(ctx context.Context, handle, path string, content []byte) error {
	return b.client.CopyToContainer(ctx, handle, path, bytes.NewReader(content))
}

func (b *DockerBackend) Read(ctx context.Context, handle, path string) ([]byte, error) {
	return b.client.CopyFromContainer(ctx, handle, path)
}

func (b *DockerBackend) Kill(ctx context.Context, handle string) error {
	return b.client.ContainerStop(ctx, handle)
}
