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

// errStale aborts a commit whose preconditions no longer hold
var errStale = errors.New("state changed since decision")

func validatePodSpec(spec types.PodSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: pod name is required", types.ErrInvalidRequest)
	}
	if spec.CPUReq <= 0 {
		return fmt.Errorf("%w: cpu_req must be positive", types.ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(spec.Containers))
	for _, c := range spec.Containers {
		if c.Name == "" || c.Image == "" {
			return fmt.Errorf("%w: containers need a name and an image", types.ErrInvalidRequest)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate container %q", types.ErrInvalidRequest, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

func (m *Manager) policy(exclude ...uint64) scheduler.Policy {
	p := scheduler.Policy{AllowMasters: m.settings.AllowMasters}
	if len(exclude) > 0 {
		p.Exclude = make(map[uint64]bool, len(exclude))
		for _, id := range exclude {
			p.Exclude[id] = true
		}
	}
	return p
}

// PlacePod creates a pod in pending and places it with best fit. When no node
// can take it the pod stays pending and is returned along with
// ErrNoEligibleNode.
func (m *Manager) PlacePod(ctx context.Context, spec types.PodSpec) (*types.Pod, error) {
	if err := validatePodSpec(spec); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	pod := &types.Pod{
		Name:       spec.Name,
		CPUReq:     spec.CPUReq,
		Status:     types.PodPending,
		Type:       types.PodTypeSingleContainer,
		Containers: spec.Containers,
		Volumes:    spec.Volumes,
		Config:     spec.Config,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(spec.Containers) > 1 {
		pod.Type = types.PodTypeMultiContainer
	}

	err := m.store.Update(func(tx storage.Tx) error {
		_, err := tx.GetPodByName(spec.Name)
		if err == nil {
			return fmt.Errorf("%w: pod %q already exists", types.ErrDuplicateName, spec.Name)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		id, err := tx.NextPodID()
		if err != nil {
			return err
		}
		pod.ID = id
		pod.IPAddress = m.podIP(id)
		return tx.PutPod(pod)
	})
	if err != nil {
		return nil, err
	}

	log.WithPodID(pod.ID).Info().
		Str("name", pod.Name).
		Int("cpu_req", pod.CPUReq).
		Msg("Pod created")
	m.publish(events.NewEvent(events.EventPodCreated,
		fmt.Sprintf("pod %s created", pod.Name), podMeta(pod)))

	return m.schedule(pod.ID)
}

// SchedulePod retries placement of a pending or unschedulable pod
func (m *Manager) SchedulePod(ctx context.Context, podID uint64) (*types.Pod, error) {
	pod, err := m.GetPod(podID)
	if err != nil {
		return nil, err
	}
	if pod.Placed() || (pod.Status != types.PodPending && pod.Status != types.PodUnschedulable) {
		return pod, fmt.Errorf("%w: pod %d is %s", types.ErrInvalidRequest, podID, pod.Status)
	}
	return m.schedule(podID)
}

// schedule places an unplaced pod. Selection runs on a snapshot; the commit
// re-validates the chosen node under its lock and selection is repeated when
// the node changed in between.
func (m *Manager) schedule(podID uint64) (*types.Pod, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	logger := log.WithPodID(podID)

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
			return nil, err
		}
		if pod.Placed() {
			return pod, nil
		}

		target, err := scheduler.Place(pod, nodes, m.policy())
		if err != nil {
			logger.Warn().Int("cpu_req", pod.CPUReq).Msg("No eligible node for pod")
			pod, recErr := m.recordPlacementError(podID, err)
			if recErr != nil {
				return nil, recErr
			}
			return pod, fmt.Errorf("failed to place pod %d: %w", podID, err)
		}

		placed, err := m.move(podID, 0, target.ID, m.policy(), "")
		if errors.Is(err, errStale) {
			if attempt >= len(nodes) {
				return pod, fmt.Errorf("failed to place pod %d: %w", podID, types.ErrNoEligibleNode)
			}
			logger.Debug().Uint64("node_id", target.ID).Msg("Placement target changed, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.PodsScheduled.Inc()
		logger.Info().Uint64("node_id", target.ID).Msg("Pod placed")
		m.publish(events.NewEvent(events.EventPodScheduled,
			fmt.Sprintf("pod %s placed on node %d", placed.Name, target.ID), podMeta(placed)))
		return placed, nil
	}
}

func (m *Manager) recordPlacementError(podID uint64, cause error) (*types.Pod, error) {
	unlock := m.locks.pod(podID)
	defer unlock()

	var pod *types.Pod
	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		if pod, err = getPod(tx, podID); err != nil {
			return err
		}
		if pod.Placed() {
			return nil
		}
		pod.LastError = cause.Error()
		pod.UpdatedAt = m.clock.Now()
		return tx.PutPod(pod)
	})
	return pod, err
}

// move re-homes a pod in one transaction holding the pod, source and target
// locks. from == 0 places an unplaced pod; to == 0 detaches the pod from its
// source and leaves it unschedulable with reason recorded. errStale is
// returned when the pod is no longer on from or the target stopped being
// eligible.
func (m *Manager) move(podID, from, to uint64, policy scheduler.Policy, reason string) (*types.Pod, error) {
	unlock := m.locks.acquire([]uint64{podID}, []uint64{from, to})
	defer unlock()

	var pod *types.Pod
	err := m.store.Update(func(tx storage.Tx) error {
		var err error
		if pod, err = getPod(tx, podID); err != nil {
			return err
		}
		if pod.NodeID != from {
			return errStale
		}
		now := m.clock.Now()

		var touched []*types.Node

		if from != 0 {
			source, err := getNode(tx, from)
			if err != nil {
				return err
			}
			if !source.RemovePod(podID) {
				return fmt.Errorf("%w: pod %d references node %d which does not list it",
					types.ErrInvariantViolation, podID, from)
			}
			source.CPUAvail += pod.CPUReq
			touched = append(touched, source)
		}

		if to != 0 {
			target, err := getNode(tx, to)
			if err != nil {
				return err
			}
			if !scheduler.Eligible(pod, target, policy) {
				return errStale
			}
			target.CPUAvail -= pod.CPUReq
			target.AddPod(podID)
			touched = append(touched, target)

			pod.NodeID = to
			pod.Status = types.PodRunning
			pod.LastError = ""
			if from != 0 {
				pod.RescheduleCount++
			}
		} else {
			pod.NodeID = 0
			pod.Status = types.PodUnschedulable
			pod.LastError = reason
		}
		pod.UpdatedAt = now

		if err := tx.PutPod(pod); err != nil {
			return err
		}
		for _, node := range touched {
			if err := tx.PutNode(node); err != nil {
				return err
			}
		}
		for _, node := range touched {
			if err := verifyNode(tx, node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pod, nil
}

// DeletePod removes a pod and returns its CPU to the hosting node
func (m *Manager) DeletePod(ctx context.Context, podID uint64) error {
	unlockPod := m.locks.pod(podID)
	defer unlockPod()

	// The pod lock pins NodeID
	pod, err := m.GetPod(podID)
	if err != nil {
		return err
	}

	unlockNode := m.locks.node(pod.NodeID)
	defer unlockNode()

	err = m.store.Update(func(tx storage.Tx) error {
		if pod.Placed() {
			node, err := getNode(tx, pod.NodeID)
			if err != nil {
				return err
			}
			if node.RemovePod(podID) {
				node.CPUAvail += pod.CPUReq
			}
			if err := tx.PutNode(node); err != nil {
				return err
			}
			if err := tx.DeletePod(podID); err != nil {
				return err
			}
			return verifyNode(tx, node)
		}
		return tx.DeletePod(podID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete pod %d: %w", podID, err)
	}

	log.WithPodID(podID).Info().Uint64("node_id", pod.NodeID).Msg("Pod deleted")
	pod.Status = types.PodTerminated
	m.publish(events.NewEvent(events.EventPodDeleted,
		fmt.Sprintf("pod %s deleted", pod.Name), podMeta(pod)))
	return nil
}
