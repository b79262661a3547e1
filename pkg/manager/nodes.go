package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cuemby/kube9/pkg/events"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
)

func validateNodeSpec(spec *types.NodeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: node name is required", types.ErrInvalidRequest)
	}
	if spec.Type == "" {
		spec.Type = types.NodeTypeWorker
	}
	if !spec.Type.Valid() {
		return fmt.Errorf("%w: unknown node type %q", types.ErrInvalidRequest, spec.Type)
	}
	if spec.CPUTotal <= 0 {
		return fmt.Errorf("%w: cpu_total must be positive", types.ErrInvalidRequest)
	}
	return nil
}

func (m *Manager) resourceSpec(spec types.NodeSpec) runtime.ResourceSpec {
	return runtime.ResourceSpec{
		Name:    spec.Name,
		Image:   m.settings.Image,
		Command: []string{"sleep", "infinity"},
		Env: []string{
			"KUBE9_NODE_NAME=" + spec.Name,
			"KUBE9_NODE_TYPE=" + string(spec.Type),
			"KUBE9_CPU_TOTAL=" + strconv.Itoa(spec.CPUTotal),
		},
		Labels: map[string]string{
			"kube9.node.name": spec.Name,
			"kube9.node.type": string(spec.Type),
		},
		Mounts: m.settings.Mounts,
	}
}

// RegisterNode starts the node's runtime resource and records the node in
// initializing. If the record cannot be written the resource is stopped again.
func (m *Manager) RegisterNode(ctx context.Context, spec types.NodeSpec) (*types.Node, error) {
	if err := validateNodeSpec(&spec); err != nil {
		return nil, err
	}

	// Cheap early check so a duplicate does not start a resource
	err := m.store.View(func(tx storage.Tx) error {
		return checkNodeName(tx, spec.Name)
	})
	if err != nil {
		return nil, err
	}

	rctx, cancel := m.runtimeContext(ctx)
	handle, err := m.driver.StartResource(rctx, m.resourceSpec(spec))
	cancel()
	if err != nil {
		metrics.RuntimeErrorsTotal.WithLabelValues("start").Inc()
		return nil, fmt.Errorf("failed to start resource for node %s: %w", spec.Name, err)
	}

	now := m.clock.Now()
	node := &types.Node{
		Name:              spec.Name,
		Type:              spec.Type,
		CPUTotal:          spec.CPUTotal,
		CPUAvail:          spec.CPUTotal,
		HealthStatus:      types.HealthInitializing,
		ComponentStatuses: types.DefaultComponents(spec.Type),
		PodIDs:            []uint64{},
		RuntimeHandle:     handle,
		StatusChangedAt:   now,
		CreatedAt:         now,
	}

	err = m.store.Update(func(tx storage.Tx) error {
		if err := checkNodeName(tx, spec.Name); err != nil {
			return err
		}
		id, err := tx.NextNodeID()
		if err != nil {
			return err
		}
		node.ID = id
		return tx.PutNode(node)
	})
	if err != nil {
		rctx, cancel := m.runtimeContext(ctx)
		if stopErr := m.driver.StopResource(rctx, handle); stopErr != nil {
			log.WithComponent("manager").Error().Err(stopErr).Str("handle", handle).
				Msg("Failed to release resource of unregistered node")
		}
		cancel()
		return nil, fmt.Errorf("failed to record node %s: %w", spec.Name, err)
	}

	log.WithNodeID(node.ID).Info().
		Str("name", node.Name).
		Str("type", string(node.Type)).
		Int("cpu_total", node.CPUTotal).
		Msg("Node registered")
	m.publish(events.NewEvent(events.EventNodeRegistered,
		fmt.Sprintf("node %s registered", node.Name), nodeMeta(node)))

	return node, nil
}

func checkNodeName(tx storage.Tx, name string) error {
	_, err := tx.GetNodeByName(name)
	if err == nil {
		return fmt.Errorf("%w: node %q already exists", types.ErrDuplicateName, name)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// UpdateComponentStatus sets the status of one component on a node
func (m *Manager) UpdateComponentStatus(ctx context.Context, nodeID uint64, component types.Component, status types.ComponentStatus) (*types.Node, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown component status %q", types.ErrInvalidRequest, status)
	}

	unlock := m.locks.node(nodeID)
	defer unlock()

	var node *types.Node
	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		node, err = getNode(tx, nodeID)
		if err != nil {
			return err
		}
		if node.HealthStatus.Terminal() {
			return fmt.Errorf("node %d: %w", nodeID, types.ErrNodeTerminal)
		}
		if !types.HasComponent(node.Type, component) {
			return fmt.Errorf("%w: %s nodes have no component %q", types.ErrInvalidRequest, node.Type, component)
		}
		if node.ComponentStatuses == nil {
			node.ComponentStatuses = types.DefaultComponents(node.Type)
		}
		node.ComponentStatuses[component] = status
		return tx.PutNode(node)
	})
	if err != nil {
		return nil, err
	}

	log.WithNodeID(nodeID).Info().
		Str("component", string(component)).
		Str("status", string(status)).
		Msg("Component status updated")

	meta := nodeMeta(node)
	meta["component"] = string(component)
	meta["status"] = string(status)
	m.publish(events.NewEvent(events.EventComponentUpdated,
		fmt.Sprintf("component %s on node %s is %s", component, node.Name, status), meta))

	return node, nil
}

func nodeMeta(node *types.Node) map[string]string {
	return map[string]string{
		"node_id":   strconv.FormatUint(node.ID, 10),
		"node_name": node.Name,
	}
}

func podMeta(pod *types.Pod) map[string]string {
	meta := map[string]string{
		"pod_id":   strconv.FormatUint(pod.ID, 10),
		"pod_name": pod.Name,
	}
	if pod.Placed() {
		meta["node_id"] = strconv.FormatUint(pod.NodeID, 10)
	}
	return meta
}
