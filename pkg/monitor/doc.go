/*
Package monitor implements the node health monitor loop.

Every tick the monitor reads a snapshot of all nodes and, for nodes that are
initializing or healthy, looks for two failure signals:

  - the last heartbeat is older than the missed threshold (nodes that never
    heartbeated get the initial grace period, counted from registration)
  - the runtime driver reports the node's resource is no longer alive

Nodes stuck in recovering for longer than the recovery timeout are failed
again so the recovery loop can take another attempt.

Verdicts are committed through Manager.MarkFailed, which re-reads the node
under its lock and drops the verdict if a heartbeat arrived in between. A
runtime driver error never produces a verdict.
*/
package monitor
