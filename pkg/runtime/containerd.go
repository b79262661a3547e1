package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
)

const (
	// DefaultNamespace is the containerd namespace for kube9
	DefaultNamespace = "kube9"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// cfsPeriod is the CFS scheduling period in microseconds
	cfsPeriod = 100000
)

// unavailable wraps a runtime failure so callers can test for
// types.ErrRuntimeUnavailable
func unavailable(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w", types.ErrRuntimeUnavailable, errors.Wrapf(err, format, args...))
}

// ContainerdDriver runs node resources as containerd containers
type ContainerdDriver struct {
	client      *containerd.Client
	namespace   string
	stopTimeout time.Duration
}

// NewContainerdDriver creates a new containerd driver
func NewContainerdDriver(socketPath, namespace string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, unavailable(err, "failed to connect to containerd at %s", socketPath)
	}

	return &ContainerdDriver{
		client:      client,
		namespace:   namespace,
		stopTimeout: DefaultStopTimeout,
	}, nil
}

// Close closes the containerd client connection
func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *ContainerdDriver) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := d.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	log.WithComponent("runtime").Info().Str("image", ref).Msg("Pulling image")
	return d.client.Pull(ctx, ref, containerd.WithPullUnpack)
}

// StartResource creates a container for spec and starts its task
func (d *ContainerdDriver) StartResource(ctx context.Context, spec ResourceSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	ref := spec.Image
	if ref == "" {
		ref = DefaultImage
	}

	image, err := d.ensureImage(ctx, ref)
	if err != nil {
		return "", unavailable(err, "failed to get image %s", ref)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.CPULimit > 0 {
		opts = append(opts, oci.WithCPUCFS(int64(spec.CPULimit*cfsPeriod), cfsPeriod))
	}
	if spec.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimit)))
	}
	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			mounts = append(mounts, ociMount(m))
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	id := "kube9-" + spec.Name
	container, err := d.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", unavailable(err, "failed to create container %s", id)
	}

	if err := d.startTask(ctx, container); err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", err
	}

	return container.ID(), nil
}

func (d *ContainerdDriver) startTask(ctx context.Context, container containerd.Container) error {
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return unavailable(err, "failed to create task for %s", container.ID())
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return unavailable(err, "failed to start task for %s", container.ID())
	}
	return nil
}

// stopTask sends SIGTERM, escalates to SIGKILL after the stop timeout and
// deletes the task. A container without a task is already stopped.
func (d *ContainerdDriver) stopTask(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return unavailable(err, "failed to get task for %s", container.ID())
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return unavailable(err, "failed to wait for task %s", container.ID())
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return unavailable(err, "failed to kill task %s", container.ID())
	}

	timer := time.NewTimer(d.stopTimeout)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return unavailable(err, "failed to force kill task %s", container.ID())
		}
		select {
		case <-statusC:
		case <-ctx.Done():
			return unavailable(ctx.Err(), "timed out stopping task %s", container.ID())
		}
	case <-ctx.Done():
		return unavailable(ctx.Err(), "timed out stopping task %s", container.ID())
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return unavailable(err, "failed to delete task %s", container.ID())
	}
	return nil
}

// StopResource stops the task and removes the container with its snapshot
func (d *ContainerdDriver) StopResource(ctx context.Context, handle string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return unavailable(err, "failed to load container %s", handle)
	}

	if err := d.stopTask(ctx, container); err != nil {
		return err
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return unavailable(err, "failed to delete container %s", handle)
	}
	return nil
}

// RestartResource replaces the container's task with a fresh one
func (d *ContainerdDriver) RestartResource(ctx context.Context, handle string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, handle)
	if err != nil {
		return unavailable(err, "failed to load container %s", handle)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return unavailable(err, "failed to delete task %s", handle)
		}
	} else if !errdefs.IsNotFound(err) {
		return unavailable(err, "failed to get task for %s", handle)
	}

	return d.startTask(ctx, container)
}

// IsAlive reports whether the container's task is running
func (d *ContainerdDriver) IsAlive(ctx context.Context, handle string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, unavailable(err, "failed to load container %s", handle)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, unavailable(err, "failed to get task for %s", handle)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false, unavailable(err, "failed to get task status for %s", handle)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return true, nil
	default:
		return false, nil
	}
}

// ociMount converts a Mount into an OCI bind mount
func ociMount(m Mount) specs.Mount {
	options := []string{"rbind"}
	if m.ReadOnly {
		options = append(options, "ro")
	} else {
		options = append(options, "rw")
	}
	return specs.Mount{
		Source:      m.Source,
		Destination: m.Destination,
		Type:        "bind",
		Options:     options,
	}
}
