package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/kube9/pkg/events"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
)

// Verdict is a failure decision computed by the health monitor from a
// snapshot. It only commits if the node still looks exactly as observed.
type Verdict struct {
	NodeID            uint64
	ObservedStatus    types.HealthStatus
	ObservedHeartbeat time.Time
	Reason            string
}

// Recovery describes a restart the recovery loop must perform
type Recovery struct {
	NodeID  uint64
	Handle  string
	Attempt int

	// Exhausted is set when the node went permanently failed instead
	Exhausted bool
}

// fail moves node to failed and marks every component failed
func fail(node *types.Node, reason string, now time.Time) {
	node.SetStatus(types.HealthFailed, now)
	node.FailureReason = reason
	node.ComponentStatuses = types.ComponentMap(node.Type, types.ComponentFailed)
}

// exhaust moves node to permanently_failed
func exhaust(node *types.Node, reason string, now time.Time) {
	node.SetStatus(types.HealthPermanentlyFailed, now)
	node.FailureReason = reason
	node.ComponentStatuses = types.ComponentMap(node.Type, types.ComponentFailed)
}

// MarkFailed commits a failure verdict. The node's status and last heartbeat
// are re-read under its lock; if either changed since the verdict was
// computed the verdict is dropped and false is returned.
func (m *Manager) MarkFailed(ctx context.Context, v Verdict) (bool, error) {
	unlock := m.locks.node(v.NodeID)
	defer unlock()

	var (
		node      *types.Node
		committed bool
	)
	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		if node, err = getNode(tx, v.NodeID); err != nil {
			return err
		}
		if node.HealthStatus != v.ObservedStatus || !node.LastHeartbeatAt.Equal(v.ObservedHeartbeat) {
			return nil
		}
		fail(node, v.Reason, m.clock.Now())
		committed = true
		return tx.PutNode(node)
	})
	if err != nil || !committed {
		if err == nil {
			log.WithNodeID(v.NodeID).Debug().Str("reason", v.Reason).Msg("Failure verdict superseded")
		}
		return false, err
	}

	metrics.NodeFailuresTotal.WithLabelValues(v.Reason).Inc()
	log.WithNodeID(v.NodeID).Warn().
		Str("name", node.Name).
		Str("from", string(v.ObservedStatus)).
		Str("reason", v.Reason).
		Msg("Node marked failed")
	m.publish(events.NewEvent(events.EventNodeFailed,
		fmt.Sprintf("node %s failed: %s", node.Name, v.Reason), nodeMeta(node)))
	return true, nil
}

// ForceFail drives a node into failed regardless of its heartbeats
func (m *Manager) ForceFail(ctx context.Context, nodeID uint64) (*types.Node, error) {
	unlock := m.locks.node(nodeID)
	defer unlock()

	var (
		node    *types.Node
		changed bool
	)
	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		if node, err = getNode(tx, nodeID); err != nil {
			return err
		}
		if node.HealthStatus.Terminal() {
			return fmt.Errorf("node %d: %w", nodeID, types.ErrNodeTerminal)
		}
		if node.HealthStatus == types.HealthFailed {
			return nil
		}
		fail(node, metrics.ReasonForced, m.clock.Now())
		changed = true
		return tx.PutNode(node)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.NodeFailuresTotal.WithLabelValues(metrics.ReasonForced).Inc()
		log.WithNodeID(nodeID).Warn().Str("name", node.Name).Msg("Node forced into failed")
		m.publish(events.NewEvent(events.EventNodeFailed,
			fmt.Sprintf("node %s forced into failed", node.Name), nodeMeta(node)))
	}
	return node, nil
}

// BeginRecovery claims the next recovery attempt of a failed node. The
// attempt that reaches MaxAttempts is not restarted: the node goes
// permanently failed and its pods are rescheduled before BeginRecovery
// returns. ok is false when the node is no longer failed.
func (m *Manager) BeginRecovery(ctx context.Context, nodeID uint64) (rec Recovery, ok bool, err error) {
	unlock := m.locks.node(nodeID)

	var node *types.Node
	err = m.store.Update(func(tx storage.Tx) error {
		var err error
		if node, err = getNode(tx, nodeID); err != nil {
			return err
		}
		if node.HealthStatus != types.HealthFailed {
			return nil
		}
		ok = true
		now := m.clock.Now()

		node.RecoveryAttempts++
		if node.RecoveryAttempts >= m.settings.MaxAttempts {
			exhaust(node, fmt.Sprintf("recovery exhausted after %d attempts", node.RecoveryAttempts), now)
			rec = Recovery{NodeID: nodeID, Attempt: node.RecoveryAttempts, Exhausted: true}
			return tx.PutNode(node)
		}

		node.SetStatus(types.HealthRecovering, now)
		rec = Recovery{NodeID: nodeID, Handle: node.RuntimeHandle, Attempt: node.RecoveryAttempts}
		return tx.PutNode(node)
	})
	unlock()
	if err != nil || !ok {
		return Recovery{}, false, err
	}

	logger := log.WithNodeID(nodeID)
	if rec.Exhausted {
		m.onExhausted(ctx, node)
		return rec, true, nil
	}

	metrics.RecoveryAttemptsTotal.WithLabelValues("started").Inc()
	logger.Info().
		Int("attempt", rec.Attempt).
		Int("max_attempts", m.settings.MaxAttempts).
		Msg("Recovering node")
	m.publish(events.NewEvent(events.EventNodeRecovering,
		fmt.Sprintf("node %s recovery attempt %d/%d", node.Name, rec.Attempt, m.settings.MaxAttempts), nodeMeta(node)))
	return rec, true, nil
}

// EndRecovery records the outcome of a restart. A successful restart leaves
// the node recovering until it heartbeats. A failed restart returns it to
// failed for the next attempt.
func (m *Manager) EndRecovery(ctx context.Context, rec Recovery, restartErr error) error {
	if restartErr == nil {
		metrics.RecoveryAttemptsTotal.WithLabelValues("restarted").Inc()
		log.WithNodeID(rec.NodeID).Info().Int("attempt", rec.Attempt).Msg("Node resource restarted, awaiting heartbeat")
		return nil
	}
	metrics.RecoveryAttemptsTotal.WithLabelValues("failed").Inc()
	metrics.RuntimeErrorsTotal.WithLabelValues("restart").Inc()

	unlock := m.locks.node(rec.NodeID)

	var (
		node    *types.Node
		changed bool
	)
	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		if node, err = getNode(tx, rec.NodeID); err != nil {
			return err
		}
		// A heartbeat or a newer attempt may have moved the node on
		if node.HealthStatus != types.HealthRecovering || node.RecoveryAttempts != rec.Attempt {
			return nil
		}
		changed = true
		fail(node, fmt.Sprintf("restart failed: %v", restartErr), m.clock.Now())
		return tx.PutNode(node)
	})
	unlock()
	if err != nil || !changed {
		return err
	}

	log.WithNodeID(rec.NodeID).Warn().Err(restartErr).Int("attempt", rec.Attempt).Msg("Node restart failed")

	metrics.NodeFailuresTotal.WithLabelValues(metrics.ReasonRestartFailed).Inc()
	m.publish(events.NewEvent(events.EventNodeFailed,
		fmt.Sprintf("node %s restart failed", node.Name), nodeMeta(node)))
	return nil
}

// onExhausted runs after a node entered permanently_failed. Locks must not
// be held.
func (m *Manager) onExhausted(ctx context.Context, node *types.Node) {
	metrics.NodesPermanentlyFailed.Inc()
	log.WithNodeID(node.ID).Error().
		Str("name", node.Name).
		Str("reason", node.FailureReason).
		Msg("Node permanently failed")
	m.publish(events.NewEvent(events.EventNodePermanentlyFailed,
		fmt.Sprintf("node %s permanently failed", node.Name), nodeMeta(node)))

	if _, err := m.Reschedule(ctx, node.ID); err != nil {
		// The recovery loop retries nodes that still host pods
		log.WithNodeID(node.ID).Error().Err(err).Msg("Failed to reschedule pods of permanently failed node")
	}
}

// ReapNode releases the runtime resource of a permanently failed node that
// no longer hosts pods, then marks it removed or deletes it when purging.
func (m *Manager) ReapNode(ctx context.Context, nodeID uint64) error {
	node, err := m.GetNode(nodeID)
	if err != nil {
		return err
	}
	if err := reapable(node); err != nil {
		return err
	}

	if node.RuntimeHandle != "" {
		rctx, cancel := m.runtimeContext(ctx)
		err := m.driver.StopResource(rctx, node.RuntimeHandle)
		cancel()
		if err != nil {
			metrics.RuntimeErrorsTotal.WithLabelValues("stop").Inc()
			return fmt.Errorf("failed to stop resource of node %d: %w", nodeID, err)
		}
	}

	unlock := m.locks.node(nodeID)
	defer unlock()

	err = m.store.Update(func(tx storage.Tx) error {
		current, err := getNode(tx, nodeID)
		if err != nil {
			return err
		}
		if err := reapable(current); err != nil {
			return err
		}
		if m.settings.Purge {
			return tx.DeleteNode(nodeID)
		}
		current.SetStatus(types.HealthRemoved, m.clock.Now())
		current.RuntimeHandle = ""
		current.CPUAvail = 0
		node = current
		return tx.PutNode(current)
	})
	if err != nil {
		return err
	}

	metrics.NodesReaped.Inc()
	log.WithNodeID(nodeID).Info().Str("name", node.Name).Bool("purged", m.settings.Purge).Msg("Node reaped")
	m.publish(events.NewEvent(events.EventNodeRemoved,
		fmt.Sprintf("node %s removed", node.Name), nodeMeta(node)))
	return nil
}

func reapable(node *types.Node) error {
	if node.HealthStatus != types.HealthPermanentlyFailed {
		return fmt.Errorf("%w: node %d is %s, not permanently failed",
			types.ErrInvalidRequest, node.ID, node.HealthStatus)
	}
	if len(node.PodIDs) > 0 {
		return fmt.Errorf("%w: node %d still hosts %d pods", types.ErrInvalidRequest, node.ID, len(node.PodIDs))
	}
	return nil
}

// ForceCleanup marks a node permanently failed, moves its pods away and
// reaps it immediately
func (m *Manager) ForceCleanup(ctx context.Context, nodeID uint64) (RescheduleResult, error) {
	unlock := m.locks.node(nodeID)

	var (
		node    *types.Node
		changed bool
	)
	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		if node, err = getNode(tx, nodeID); err != nil {
			return err
		}
		if node.HealthStatus.Terminal() {
			return nil
		}
		exhaust(node, "forced cleanup", m.clock.Now())
		changed = true
		return tx.PutNode(node)
	})
	unlock()
	if err != nil {
		return RescheduleResult{}, err
	}
	if node.HealthStatus == types.HealthRemoved {
		return RescheduleResult{NodeID: nodeID}, nil
	}

	if changed {
		metrics.NodesPermanentlyFailed.Inc()
		log.WithNodeID(nodeID).Warn().Str("name", node.Name).Msg("Node forced into cleanup")
		m.publish(events.NewEvent(events.EventNodePermanentlyFailed,
			fmt.Sprintf("node %s forced into cleanup", node.Name), nodeMeta(node)))
	}

	result, err := m.Reschedule(ctx, nodeID)
	if err != nil {
		return result, err
	}
	if err := m.ReapNode(ctx, nodeID); err != nil {
		return result, err
	}
	return result, nil
}
