package task

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Spec describes a container to launch. Binds are host:container mounts.
type Spec struct {
	Image string
	Cmd   []string
	Binds []string
	Env   []string
	User  string
}

// Runtime is the container runtime the tasks consume. The harness only
// needs launch-by-name with stdout streaming, foreground runs for creation
// steps, a liveness probe, and forced removal.
type Runtime interface {
	// Start launches the container detached and returns its combined
	// stdout/stderr stream.
	Start(ctx context.Context, name string, spec Spec) (io.ReadCloser, error)
	// Run launches the container and blocks until it exits, returning an
	// error on a nonzero exit code.
	Run(ctx context.Context, name string, spec Spec) error
	// Alive reports whether the named container is running.
	Alive(ctx context.Context, name string) bool
	// Remove force-removes the named container.
	Remove(name string) error
}

// DockerRuntime implements Runtime against the local docker daemon.
type DockerRuntime struct {
	cli *client.Client
}

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("can't connect to the docker daemon: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) create(ctx context.Context, name string, spec Spec) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Cmd:   spec.Cmd,
			Env:   spec.Env,
			User:  spec.User,
			Tty:   true,
		},
		&container.HostConfig{
			Binds: spec.Binds,
		},
		nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("ContainerCreate %s: %w", name, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, name string, spec Spec) (io.ReadCloser, error) {
	id, err := d.create(ctx, name, spec)
	if err != nil {
		return nil, err
	}
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("ContainerStart %s: %w", name, err)
	}
	// Tty is set, so the log stream is raw (no multiplexing header).
	out, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("ContainerLogs %s: %w", name, err)
	}
	return out, nil
}

func (d *DockerRuntime) Run(ctx context.Context, name string, spec Spec) error {
	id, err := d.create(ctx, name, spec)
	if err != nil {
		return err
	}
	defer d.Remove(name)

	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("ContainerStart %s: %w", name, err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("ContainerWait %s: %w", name, err)
	case st := <-statusCh:
		if st.StatusCode != 0 {
			return fmt.Errorf("container %s exited with status %d", name, st.StatusCode)
		}
	}
	return nil
}

func (d *DockerRuntime) Alive(ctx context.Context, name string) bool {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (d *DockerRuntime) Remove(name string) error {
	return d.cli.ContainerRemove(context.Background(), name, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
}
