package scheduler

import (
	"github.com/cuemby/kube9/pkg/types"
)

// Policy tunes which nodes are eligible for placement
type Policy struct {
	// AllowMasters lets pods land on master nodes
	AllowMasters bool

	// Exclude lists node ids that must not be chosen
	Exclude map[uint64]bool
}

// Place picks the node for pod using best fit: among eligible nodes the one
// with the least available CPU wins, ties go to the lowest node id.
// Place does not mutate its inputs.
func Place(pod *types.Pod, nodes []*types.Node, policy Policy) (*types.Node, error) {
	eligible := filterEligible(pod, nodes, policy)
	if node := selectNode(eligible); node != nil {
		return node, nil
	}
	return nil, types.ErrNoEligibleNode
}

// Eligible reports whether node can take pod under policy
func Eligible(pod *types.Pod, node *types.Node, policy Policy) bool {
	if node.HealthStatus != types.HealthHealthy {
		return false
	}
	if node.Type != types.NodeTypeWorker && !(policy.AllowMasters && node.Type == types.NodeTypeMaster) {
		return false
	}
	if policy.Exclude[node.ID] {
		return false
	}
	// A node cannot start pods without its kubelet and container runtime
	if !node.IsComponentRunning(types.ComponentKubelet) || !node.IsComponentRunning(types.ComponentContainerRuntime) {
		return false
	}
	return node.CPUAvail >= pod.CPUReq
}

// filterEligible returns the nodes that can take pod
func filterEligible(pod *types.Pod, nodes []*types.Node, policy Policy) []*types.Node {
	var eligible []*types.Node
	for _, node := range nodes {
		if Eligible(pod, node, policy) {
			eligible = append(eligible, node)
		}
	}
	return eligible
}

// selectNode returns the tightest fit, or nil when nodes is empty
func selectNode(nodes []*types.Node) *types.Node {
	var selected *types.Node
	for _, node := range nodes {
		if selected == nil ||
			node.CPUAvail < selected.CPUAvail ||
			(node.CPUAvail == selected.CPUAvail && node.ID < selected.ID) {
			selected = node
		}
	}
	return selected
}
