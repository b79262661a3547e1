/*
Package scheduler implements kube9's pod placement decision.

Place is a pure function: it reads a pod and a slice of node records and
returns the chosen node or types.ErrNoEligibleNode. It never writes state.
The manager commits the decision under the chosen node's lock and re-runs
Place if the node changed in the meantime.

# Algorithm

	┌──────────────────────────────────────────────────────────┐
	│  1. Filter                                               │
	│     • health_status == healthy                           │
	│     • worker (or master when Policy.AllowMasters)        │
	│     • kubelet and container_runtime running              │
	│     • cpu_avail >= pod.cpu_req                           │
	│     • not in Policy.Exclude                              │
	├──────────────────────────────────────────────────────────┤
	│  2. Select (best fit)                                    │
	│     • minimum cpu_avail                                  │
	│     • tie → lowest node id                               │
	└──────────────────────────────────────────────────────────┘

Best fit keeps large nodes free for large pods. With three workers at
cpu_avail [4, 2, 6], a pod requesting 2 CPUs lands on the second node,
leaving [4, 0, 6].

# Usage

	node, err := scheduler.Place(pod, nodes, scheduler.Policy{
		Exclude: map[uint64]bool{failedNodeID: true},
	})
	if errors.Is(err, types.ErrNoEligibleNode) {
		// leave the pod pending or mark it unschedulable
	}

Placement is the only constraint solver in kube9. Memory, affinity and
taints are not considered.
*/
package scheduler
