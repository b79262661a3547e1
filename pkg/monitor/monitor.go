package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/types"
)

const loopName = "monitor"

// HealthMonitor turns missed heartbeats and dead runtime resources into
// failure verdicts
type HealthMonitor struct {
	manager  *manager.Manager
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a monitor. A zero interval defaults to half the
// heartbeat interval.
func NewHealthMonitor(mgr *manager.Manager, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = mgr.Settings().HeartbeatInterval / 2
	}
	return &HealthMonitor{
		manager:  mgr,
		interval: interval,
	}
}

// Start runs the monitor until ctx is cancelled or Stop is called
func (h *HealthMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, h.cancel = context.WithCancel(ctx)
	metrics.RegisterLoop(loopName, h.interval)
	ticker := h.manager.Clock().NewTicker(h.interval)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		defer metrics.LoopStopped(loopName)

		logger := log.WithComponent(loopName)
		logger.Info().Dur("interval", h.interval).Msg("Health monitor started")

		for {
			select {
			case <-ticker.C():
				h.Tick(ctx)
			case <-ctx.Done():
				logger.Info().Msg("Health monitor stopped")
				return
			}
		}
	}()
}

// Stop stops ticking and waits for an in-flight tick to finish
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// Tick checks every node once
func (h *HealthMonitor) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, loopName)

	// Work started in a tick runs to completion
	ctx = context.WithoutCancel(ctx)

	nodes, err := h.manager.ListNodes()
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		logger := log.WithComponent(loopName)
		logger.Error().Err(err).Msg("Failed to list nodes")
		metrics.LoopTicked(loopName, err)
		return
	}

	now := h.manager.Clock().Now()
	for _, node := range nodes {
		reason := h.check(ctx, node, now)
		if reason == "" {
			continue
		}

		verdict := manager.Verdict{
			NodeID:            node.ID,
			ObservedStatus:    node.HealthStatus,
			ObservedHeartbeat: node.LastHeartbeatAt,
			Reason:            reason,
		}
		if _, err := h.manager.MarkFailed(ctx, verdict); err != nil {
			metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
			logger := log.WithNodeID(node.ID)
			logger.Error().Err(err).Str("reason", reason).Msg("Failed to mark node failed")
		}
	}
	metrics.LoopTicked(loopName, nil)
}

// check returns the failure reason for node, or "" when it looks fine
func (h *HealthMonitor) check(ctx context.Context, node *types.Node, now time.Time) string {
	settings := h.manager.Settings()

	switch node.HealthStatus {
	case types.HealthInitializing, types.HealthHealthy:
		if node.HasHeartbeat() {
			if now.Sub(node.LastHeartbeatAt) > settings.MissedThreshold {
				return metrics.ReasonHeartbeatMissed
			}
		} else if now.Sub(node.CreatedAt) > settings.InitialGrace {
			return metrics.ReasonHeartbeatMissed
		}
		return h.probe(ctx, node)

	case types.HealthRecovering:
		if now.Sub(node.StatusChangedAt) > settings.RecoveryTimeout {
			return metrics.ReasonRecoveryTimeout
		}
	}
	return ""
}

// probe asks the runtime whether the node's resource is still alive. A
// runtime error yields no verdict.
func (h *HealthMonitor) probe(ctx context.Context, node *types.Node) string {
	if node.RuntimeHandle == "" {
		return ""
	}

	rctx, cancel := context.WithTimeout(ctx, h.manager.Settings().RuntimeTimeout)
	defer cancel()

	alive, err := h.manager.Driver().IsAlive(rctx, node.RuntimeHandle)
	if err != nil {
		metrics.RuntimeErrorsTotal.WithLabelValues("is_alive").Inc()
		logger := log.WithNodeID(node.ID)
		logger.Warn().Err(err).Msg("Runtime unavailable, skipping liveness verdict")
		return ""
	}
	if !alive {
		return metrics.ReasonRuntimeDead
	}
	return ""
}
