package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

type simResource struct {
	spec     ResourceSpec
	alive    bool
	restarts int
}

// SimDriver is an in-memory Driver. Resources live in a map and can be
// killed or made unreachable from tests and demos.
type SimDriver struct {
	mu           sync.Mutex
	resources    map[string]*simResource
	seq          int
	unavailable  bool
	failRestarts bool
	stopped      []string
}

// NewSimDriver creates an empty simulated runtime
func NewSimDriver() *SimDriver {
	return &SimDriver{
		resources: make(map[string]*simResource),
	}
}

// Close is a no-op
func (d *SimDriver) Close() error {
	return nil
}

func (d *SimDriver) check() error {
	if d.unavailable {
		return unavailable(errors.New("simulated runtime is unreachable"), "runtime call failed")
	}
	return nil
}

// StartResource registers a live resource for spec
func (d *SimDriver) StartResource(ctx context.Context, spec ResourceSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", unavailable(err, "failed to start %s", spec.Name)
	}

	d.seq++
	handle := fmt.Sprintf("sim-%s-%d", spec.Name, d.seq)
	d.resources[handle] = &simResource{spec: spec, alive: true}
	return handle, nil
}

// StopResource removes the resource. Unknown handles are ignored.
func (d *SimDriver) StopResource(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(); err != nil {
		return err
	}
	if _, ok := d.resources[handle]; ok {
		delete(d.resources, handle)
		d.stopped = append(d.stopped, handle)
	}
	return nil
}

// RestartResource revives the resource
func (d *SimDriver) RestartResource(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(); err != nil {
		return err
	}
	r, ok := d.resources[handle]
	if !ok {
		return unavailable(errors.New("no such resource"), "failed to restart %s", handle)
	}
	r.restarts++
	if d.failRestarts {
		return unavailable(errors.New("restart refused"), "failed to restart %s", handle)
	}
	r.alive = true
	return nil
}

// IsAlive reports whether the resource exists and has not been killed
func (d *SimDriver) IsAlive(ctx context.Context, handle string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.check(); err != nil {
		return false, err
	}
	r, ok := d.resources[handle]
	if !ok {
		return false, nil
	}
	return r.alive, nil
}

// Kill marks the resource dead without removing it
func (d *SimDriver) Kill(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.resources[handle]; ok {
		r.alive = false
	}
}

// SetUnavailable makes every call fail as if the runtime were unreachable
func (d *SimDriver) SetUnavailable(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unavailable = v
}

// FailRestarts makes RestartResource fail while v is true
func (d *SimDriver) FailRestarts(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failRestarts = v
}

// Restarts returns how many restarts were attempted for handle
func (d *SimDriver) Restarts(handle string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.resources[handle]; ok {
		return r.restarts
	}
	return 0
}

// Exists reports whether handle is still known to the runtime
func (d *SimDriver) Exists(handle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.resources[handle]
	return ok
}

// Stopped returns the handles removed by StopResource in call order
func (d *SimDriver) Stopped() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.stopped...)
}
