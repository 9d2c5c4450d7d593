package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// dockerClient adapts the real docker/docker SDK client to the narrow
// DockerClient interface DockerBackend depends on, following this
// codebase's CtxCli construction idiom (common/docker.go) but returning
// errors instead of panicking, matching the rest of the control plane.
type dockerClient struct {
	cli *client.Client
}

// NewDockerClient dials the Docker Engine API at host (empty uses the
// DOCKER_HOST environment default), negotiating the API version the way
// CtxCli pins one explicitly.
func NewDockerClient(host string) (DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &dockerClient{cli: cli}, nil
}

func (d *dockerClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerClient) ContainerStart(ctx context.Context, containerID string) error {
	return d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *dockerClient) ContainerStop(ctx context.Context, containerID string) error {
	return d.cli.ContainerStop(ctx, containerID, container.StopOptions{})
}

func (d *dockerClient) ContainerExec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", 0, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return string(out), 0, fmt.Errorf("inspecting exec: %w", err)
	}
	return string(out), inspect.ExitCode, nil
}

// CopyToContainer tar-wraps content under the base name of dstPath and
// extracts it into dstPath's parent directory, mirroring
// common/docker.go's createTarArchive path.
func (d *dockerClient) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(dstPath),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar archive: %w", err)
	}

	return d.cli.CopyToContainer(ctx, containerID, filepath.Dir(dstPath), &buf, container.CopyToContainerOptions{})
}

// CopyFromContainer reads srcPath's tar stream back out of the
// container and returns the single file's content.
func (d *dockerClient) CopyFromContainer(ctx context.Context, containerID, srcPath string) ([]byte, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("reading tar entry: %w", err)
	}
	return io.ReadAll(tr)
}

func (d *dockerClient) ImagePull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}
