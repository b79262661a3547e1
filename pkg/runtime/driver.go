package runtime

import (
	"context"
	"time"
)

const (
	// DefaultImage runs the simulated node process
	DefaultImage = "docker.io/library/alpine:latest"

	// DefaultStopTimeout is the grace period before a resource is killed
	DefaultStopTimeout = 10 * time.Second
)

// ResourceSpec describes the runtime resource backing one node
type ResourceSpec struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Labels  map[string]string

	// CPULimit is expressed in cores, 0 means unlimited
	CPULimit float64
	// MemoryLimit is expressed in bytes, 0 means unlimited
	MemoryLimit int64

	Mounts []Mount
}

// Mount binds a host path into the resource
type Mount struct {
	Source      string `mapstructure:"source" yaml:"source"`
	Destination string `mapstructure:"destination" yaml:"destination"`
	ReadOnly    bool   `mapstructure:"read_only" yaml:"read_only"`
}

// Driver manages the runtime resources behind nodes. Handles are opaque to
// callers. All errors returned by a Driver wrap types.ErrRuntimeUnavailable.
type Driver interface {
	// StartResource creates and starts a resource and returns its handle
	StartResource(ctx context.Context, spec ResourceSpec) (string, error)

	// StopResource stops and removes the resource. Stopping a resource that
	// no longer exists is not an error.
	StopResource(ctx context.Context, handle string) error

	// RestartResource restarts an existing resource in place
	RestartResource(ctx context.Context, handle string) error

	// IsAlive reports whether the resource exists and is running. A missing
	// resource is reported as (false, nil); an error means the runtime could
	// not be asked.
	IsAlive(ctx context.Context, handle string) (bool, error)

	// Close releases the runtime client
	Close() error
}
