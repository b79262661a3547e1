/*
Package types defines the kube9 domain model shared by every other package.

A Node is a simulated cluster member with a CPU capacity, a health state and a
set of hosted pods. A Pod is a workload unit with a CPU request that runs on at
most one node. The two halves of the relationship are kept as an owned,
sorted id set on the node (Node.PodIDs) and a scalar reference on the pod
(Pod.NodeID); only the manager's placement, deletion and reschedule paths
mutate them, always together.

# Node lifecycle

	initializing --(first heartbeat)--> healthy
	healthy --(missed heartbeats | runtime dead)--> failed
	failed --(restart launched)--> recovering
	recovering --(heartbeat)--> healthy             attempts reset
	recovering --(no heartbeat)--> failed           retried by recovery
	failed|recovering --(attempts exhausted)--> permanently_failed
	permanently_failed --(reaped)--> removed

# Pod lifecycle

	pending --(placed)--> running
	running --(host permanently failed)--> rescheduling
	rescheduling --(placed elsewhere)--> running
	rescheduling --(no eligible node)--> unschedulable

CheckConsistency validates the bookkeeping invariants over a full snapshot and
is used by tests and by the manager's debug assertions.
*/
package types
