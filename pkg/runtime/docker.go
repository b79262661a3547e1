package runtime

import (
	"context"
	"io"

	"github.com/cuemby/kube9/pkg/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// DefaultDockerAPIVersion pins the Engine API version used by the driver
const DefaultDockerAPIVersion = "1.44"

// DockerDriver runs node resources as Docker containers
type DockerDriver struct {
	cli         *client.Client
	stopTimeout int // seconds
}

// NewDockerDriver connects to the Docker daemon configured in the
// environment (DOCKER_HOST and friends)
func NewDockerDriver(apiVersion string) (*DockerDriver, error) {
	if apiVersion == "" {
		apiVersion = DefaultDockerAPIVersion
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion(apiVersion))
	if err != nil {
		return nil, unavailable(err, "failed to create docker client")
	}

	return &DockerDriver{
		cli:         cli,
		stopTimeout: int(DefaultStopTimeout.Seconds()),
	}, nil
}

// Close closes the Docker client
func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

func (d *DockerDriver) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return err
	}

	log.WithComponent("runtime").Info().Str("image", ref).Msg("Pulling image")
	reader, err := d.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// The pull completes when the progress stream is drained
	_, err = io.Copy(io.Discard, reader)
	return err
}

// StartResource creates and starts a container for spec
func (d *DockerDriver) StartResource(ctx context.Context, spec ResourceSpec) (string, error) {
	ref := spec.Image
	if ref == "" {
		ref = DefaultImage
	}

	if err := d.ensureImage(ctx, ref); err != nil {
		return "", unavailable(err, "failed to get image %s", ref)
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	if spec.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(spec.CPULimit * 1e9)
	}
	if spec.MemoryLimit > 0 {
		hostConfig.Memory = spec.MemoryLimit
	}
	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Destination,
			ReadOnly: m.ReadOnly,
		})
	}

	name := "kube9-" + spec.Name
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  ref,
		Cmd:    spec.Command,
		Env:    spec.Env,
		Labels: spec.Labels,
		Tty:    false,
	}, hostConfig, nil, nil, name)
	if err != nil {
		return "", unavailable(err, "failed to create container %s", name)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", unavailable(err, "failed to start container %s", name)
	}

	return resp.ID, nil
}

// StopResource stops and removes the container
func (d *DockerDriver) StopResource(ctx context.Context, handle string) error {
	timeout := d.stopTimeout
	if err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return unavailable(err, "failed to stop container %s", handle)
	}

	err := d.cli.ContainerRemove(ctx, handle, types.ContainerRemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return unavailable(err, "failed to remove container %s", handle)
	}
	return nil
}

// RestartResource restarts the container in place
func (d *DockerDriver) RestartResource(ctx context.Context, handle string) error {
	timeout := d.stopTimeout
	if err := d.cli.ContainerRestart(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		return unavailable(err, "failed to restart container %s", handle)
	}
	return nil
}

// IsAlive reports whether the container exists and is running
func (d *DockerDriver) IsAlive(ctx context.Context, handle string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, unavailable(err, "failed to inspect container %s", handle)
	}
	if info.State == nil {
		return false, nil
	}
	return info.State.Running, nil
}
