/*
Package runtime provides the drivers that manage the runtime resource behind
each kube9 node.

The control plane never manages containers directly. Every node owns one
opaque handle returned by Driver.StartResource, and the health monitor,
recovery loop and reaper act on it only through the narrow Driver interface:

	StartResource(spec)   → handle
	StopResource(handle)  stop and remove, idempotent
	RestartResource(handle)
	IsAlive(handle)       → running?

# Drivers

	┌─────────────────── RUNTIME DRIVERS ───────────────────┐
	│                                                        │
	│  ContainerdDriver   containerd socket, "kube9" ns     │
	│                     SIGTERM → SIGKILL on stop         │
	│  DockerDriver       Docker Engine API (FromEnv)       │
	│  SimDriver          in-memory, Kill/FailRestarts      │
	│                                                        │
	└────────────────────────────────────────────────────────┘

Every error a driver returns wraps types.ErrRuntimeUnavailable so loops can
log it and retry on their next tick. A resource that is simply gone is not an
error: IsAlive reports false and StopResource succeeds.

Callers bound every call with a context deadline; drivers honor cancellation
of the context they are given.
*/
package runtime
