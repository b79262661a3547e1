package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/kube9/pkg/events"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
)

// ReportedHealthy is the health string a node sends when it is fine
const ReportedHealthy = "healthy"

func reportsHealthy(hb types.Heartbeat) bool {
	return hb.Health == "" || hb.Health == ReportedHealthy
}

// ProcessHeartbeat applies a liveness report to its node.
//
// The heartbeat time is always recorded. A component report replaces the
// stored component map; an empty report keeps it. A healthy report moves an initializing node to healthy, and a
// failed or recovering node back to healthy with its recovery attempts reset.
// Reported CPU and pod ids are informational: server bookkeeping wins and
// mismatches are only logged. Terminal nodes get nothing but the timestamp.
func (m *Manager) ProcessHeartbeat(ctx context.Context, hb types.Heartbeat) (*types.Node, error) {
	for c, s := range hb.Components {
		if !s.Valid() {
			metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: component %q has unknown status %q", types.ErrInvalidRequest, c, s)
		}
	}

	unlock := m.locks.node(hb.NodeID)
	defer unlock()

	logger := log.WithNodeID(hb.NodeID)
	var (
		node *types.Node
		prev types.HealthStatus
	)

	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		node, err = getNode(tx, hb.NodeID)
		if err != nil {
			return err
		}
		prev = node.HealthStatus
		now := m.clock.Now()

		node.LastHeartbeatAt = now
		if node.HealthStatus.Terminal() {
			return tx.PutNode(node)
		}

		for c := range hb.Components {
			if !types.HasComponent(node.Type, c) {
				return fmt.Errorf("%w: %s nodes have no component %q", types.ErrInvalidRequest, node.Type, c)
			}
		}

		node.ReportedCPUAvail = hb.CPUAvail
		node.ReportedHealth = hb.Health
		if len(hb.Components) > 0 || node.ComponentStatuses == nil {
			node.ComponentStatuses = reportedComponents(node.Type, hb.Components)
		}

		if reportsHealthy(hb) {
			switch node.HealthStatus {
			case types.HealthInitializing, types.HealthFailed, types.HealthRecovering:
				node.SetStatus(types.HealthHealthy, now)
				node.RecoveryAttempts = 0
				node.FailureReason = ""
				// A node coming back without a component report is assumed whole
				if len(hb.Components) == 0 {
					node.ComponentStatuses = types.DefaultComponents(node.Type)
				}
			}
		}

		if err := m.reconcileReport(tx, node, hb); err != nil {
			return err
		}
		return tx.PutNode(node)
	})
	if err != nil {
		if errors.Is(err, types.ErrUnknownNode) {
			metrics.HeartbeatsTotal.WithLabelValues("unknown_node").Inc()
			logger.Warn().Msg("Heartbeat from unknown node")
		} else {
			metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()

	if prev != node.HealthStatus {
		logger.Info().
			Str("from", string(prev)).
			Str("to", string(node.HealthStatus)).
			Msg("Heartbeat restored node")
		if prev == types.HealthFailed || prev == types.HealthRecovering {
			metrics.NodesRecovered.Inc()
		}
		m.publish(events.NewEvent(events.EventNodeHealthy,
			fmt.Sprintf("node %s is healthy", node.Name), nodeMeta(node)))
	}

	return node, nil
}

// reportedComponents is the full component map of a node type with the
// reported statuses laid over it. Components left out of the report are
// running.
func reportedComponents(t types.NodeType, reported map[types.Component]types.ComponentStatus) map[types.Component]types.ComponentStatus {
	components := types.DefaultComponents(t)
	for c, s := range reported {
		components[c] = s
	}
	return components
}

// reconcileReport compares what the node reported with server bookkeeping.
// Only the server side is ever corrected.
func (m *Manager) reconcileReport(tx storage.Tx, node *types.Node, hb types.Heartbeat) error {
	logger := log.WithNodeID(node.ID)

	hosted := make([]*types.Pod, 0, len(node.PodIDs))
	for _, id := range node.PodIDs {
		pod, err := tx.GetPod(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if pod.NodeID == node.ID {
			hosted = append(hosted, pod)
		}
	}

	if want := types.ComputedCPUAvail(node, hosted); node.CPUAvail != want {
		logger.Error().
			Int("cpu_avail", node.CPUAvail).
			Int("computed", want).
			Msg("Server cpu_avail drifted from hosted pods, recomputing")
		node.CPUAvail = want
	}

	if hb.CPUAvail != node.CPUAvail {
		logger.Debug().
			Int("reported", hb.CPUAvail).
			Int("server", node.CPUAvail).
			Msg("Reported cpu_avail differs from server bookkeeping")
	}

	if hb.PodIDs != nil && !samePods(hb.PodIDs, node.PodIDs) {
		logger.Warn().
			Interface("reported", hb.PodIDs).
			Interface("server", node.PodIDs).
			Msg("Reported pods differ from server bookkeeping")
	}
	return nil
}

func samePods(reported, server []uint64) bool {
	r := sortedUnique(reported)
	if len(r) != len(server) {
		return false
	}
	for i := range r {
		if r[i] != server[i] {
			return false
		}
	}
	return true
}
