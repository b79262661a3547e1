package types

import "fmt"

// ComputedCPUAvail returns total minus the requests of the given hosted pods
func ComputedCPUAvail(node *Node, hosted []*Pod) int {
	used := 0
	for _, p := range hosted {
		used += p.CPUReq
	}
	return node.CPUTotal - used
}

// CheckConsistency verifies the node/pod bookkeeping invariants over a full
// snapshot: every pod_ids entry points back at its node, every placed pod is
// listed by its node, and cpu_avail equals total minus hosted requests.
// Removed nodes are skipped. Each violation is wrapped in ErrInvariantViolation.
func CheckConsistency(nodes []*Node, pods []*Pod) []error {
	var errs []error

	nodeByID := make(map[uint64]*Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}
	podByID := make(map[uint64]*Pod, len(pods))
	for _, p := range pods {
		podByID[p.ID] = p
	}

	for _, n := range nodes {
		if n.HealthStatus == HealthRemoved {
			continue
		}
		hosted := make([]*Pod, 0, len(n.PodIDs))
		for _, id := range n.PodIDs {
			p, ok := podByID[id]
			if !ok {
				errs = append(errs, fmt.Errorf("%w: node %d lists missing pod %d", ErrInvariantViolation, n.ID, id))
				continue
			}
			if p.NodeID != n.ID {
				errs = append(errs, fmt.Errorf("%w: node %d lists pod %d which references node %d",
					ErrInvariantViolation, n.ID, id, p.NodeID))
			}
			hosted = append(hosted, p)
		}
		if want := ComputedCPUAvail(n, hosted); n.CPUAvail != want {
			errs = append(errs, fmt.Errorf("%w: node %d cpu_avail=%d, expected %d",
				ErrInvariantViolation, n.ID, n.CPUAvail, want))
		}
	}

	for _, p := range pods {
		if !p.Placed() {
			if p.Status == PodRunning {
				errs = append(errs, fmt.Errorf("%w: running pod %d has no node", ErrInvariantViolation, p.ID))
			}
			continue
		}
		n, ok := nodeByID[p.NodeID]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: pod %d references missing node %d", ErrInvariantViolation, p.ID, p.NodeID))
			continue
		}
		if !n.HostsPod(p.ID) {
			errs = append(errs, fmt.Errorf("%w: pod %d references node %d which does not list it",
				ErrInvariantViolation, p.ID, n.ID))
		}
	}

	return errs
}
