package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/kube9/pkg/events"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/scheduler"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
)

// RescheduleResult reports where the pods of a drained node ended up
type RescheduleResult struct {
	NodeID        uint64   `json:"node_id"`
	Migrated      []uint64 `json:"migrated"`
	Unschedulable []uint64 `json:"unschedulable"`
}

// Reschedule moves every pod off a permanently failed node. Pods are first
// marked rescheduling in one transaction, then handled one at a time in
// ascending id: placed on the best remaining node, or detached and left
// unschedulable when nothing fits. Running it again on a drained node is a
// no-op.
func (m *Manager) Reschedule(ctx context.Context, nodeID uint64) (RescheduleResult, error) {
	result := RescheduleResult{NodeID: nodeID, Migrated: []uint64{}, Unschedulable: []uint64{}}

	podIDs, err := m.markRescheduling(nodeID)
	if err != nil {
		return result, err
	}
	if len(podIDs) == 0 {
		return result, nil
	}

	logger := log.WithNodeID(nodeID)
	logger.Info().Int("pods", len(podIDs)).Msg("Rescheduling pods off failed node")

	for _, podID := range podIDs {
		pod, target, err := m.migrate(podID, nodeID)
		switch {
		case errors.Is(err, types.ErrUnknownPod), errors.Is(err, errStale):
			// Deleted or already moved by someone else
			continue
		case err != nil:
			return result, fmt.Errorf("failed to reschedule pod %d: %w", podID, err)
		}

		if target != 0 {
			result.Migrated = append(result.Migrated, podID)
			metrics.PodsRescheduled.Inc()
			log.WithPodID(podID).Info().
				Uint64("from", nodeID).
				Uint64("to", target).
				Msg("Pod rescheduled")
			meta := podMeta(pod)
			meta["from_node_id"] = fmt.Sprint(nodeID)
			m.publish(events.NewEvent(events.EventPodRescheduled,
				fmt.Sprintf("pod %s moved from node %d to node %d", pod.Name, nodeID, target), meta))
			continue
		}

		result.Unschedulable = append(result.Unschedulable, podID)
		metrics.PodsUnschedulable.Inc()
		log.WithPodID(podID).Warn().
			Uint64("from", nodeID).
			Str("reason", pod.LastError).
			Msg("Pod unschedulable")
		m.publish(events.NewEvent(events.EventPodUnschedulable,
			fmt.Sprintf("pod %s has no eligible node", pod.Name), podMeta(pod)))
	}

	logger.Info().
		Int("migrated", len(result.Migrated)).
		Int("unschedulable", len(result.Unschedulable)).
		Msg("Rescheduling complete")
	return result, nil
}

// markRescheduling returns the pods hosted by a permanently failed node
// after flagging them rescheduling
func (m *Manager) markRescheduling(nodeID uint64) ([]uint64, error) {
	node, err := m.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if node.HealthStatus != types.HealthPermanentlyFailed {
		return nil, fmt.Errorf("%w: node %d is %s, not permanently failed",
			types.ErrInvalidRequest, nodeID, node.HealthStatus)
	}
	if len(node.PodIDs) == 0 {
		return nil, nil
	}

	// A permanently failed node never gains pods, so the set read above
	// covers everything that can still be on it once locked
	unlock := m.locks.acquire(node.PodIDs, []uint64{nodeID})
	defer unlock()

	var hosted []uint64
	err = m.store.Update(func(tx storage.Tx) error {
		node, err := getNode(tx, nodeID)
		if err != nil {
			return err
		}
		if node.HealthStatus != types.HealthPermanentlyFailed {
			return fmt.Errorf("%w: node %d is %s, not permanently failed",
				types.ErrInvalidRequest, nodeID, node.HealthStatus)
		}
		now := m.clock.Now()
		for _, podID := range node.PodIDs {
			pod, err := getPod(tx, podID)
			if err != nil {
				return err
			}
			if pod.Status != types.PodRescheduling {
				pod.Status = types.PodRescheduling
				pod.UpdatedAt = now
				if err := tx.PutPod(pod); err != nil {
					return err
				}
			}
			hosted = append(hosted, podID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortedUnique(hosted), nil
}

// migrate moves one pod off source. target is 0 when the pod was left
// unschedulable.
func (m *Manager) migrate(podID, source uint64) (*types.Pod, uint64, error) {
	policy := m.policy(source)

	for attempt := 0; ; attempt++ {
		var (
			pod   *types.Pod
			nodes []*types.Node
		)
		err := m.store.View(func(tx storage.Tx) error {
			var err error
			if pod, err = getPod(tx, podID); err != nil {
				return err
			}
			nodes, err = tx.ListNodes()
			return err
		})
		if err != nil {
			return nil, 0, err
		}
		if pod.NodeID != source {
			return nil, 0, errStale
		}

		target, err := scheduler.Place(pod, nodes, policy)
		if err != nil || attempt > len(nodes) {
			reason := fmt.Sprintf("no eligible node after node %d failed", source)
			if err == nil {
				reason = fmt.Sprintf("placement kept losing races after node %d failed", source)
			}
			detached, err := m.move(podID, source, 0, policy, reason)
			if err != nil {
				return nil, 0, err
			}
			return detached, 0, nil
		}

		moved, err := m.move(podID, source, target.ID, policy, "")
		if errors.Is(err, errStale) {
			log.WithPodID(podID).Debug().Uint64("node_id", target.ID).Msg("Reschedule target changed, retrying")
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return moved, target.ID, nil
	}
}
