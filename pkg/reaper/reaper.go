package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/types"
)

const (
	loopName = "reaper"

	// DefaultInterval is the reaper tick
	DefaultInterval = 30 * time.Second
)

// Reaper releases the runtime resources of drained, permanently failed nodes
type Reaper struct {
	manager  *manager.Manager
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a reaper. A zero interval uses DefaultInterval.
func NewReaper(mgr *manager.Manager, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		manager:  mgr,
		interval: interval,
	}
}

// Start runs the reaper until ctx is cancelled or Stop is called
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	metrics.RegisterLoop(loopName, r.interval)
	ticker := r.manager.Clock().NewTicker(r.interval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		defer metrics.LoopStopped(loopName)

		logger := log.WithComponent(loopName)
		logger.Info().Dur("interval", r.interval).Msg("Reaper started")

		for {
			select {
			case <-ticker.C():
				r.Tick(ctx)
			case <-ctx.Done():
				logger.Info().Msg("Reaper stopped")
				return
			}
		}
	}()
}

// Stop stops ticking and waits for an in-flight tick to finish
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Tick reaps every permanently failed node that no pod references
func (r *Reaper) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, loopName)

	ctx = context.WithoutCancel(ctx)
	logger := log.WithComponent(loopName)

	nodes, err := r.manager.ListNodes()
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		logger.Error().Err(err).Msg("Failed to list nodes")
		metrics.LoopTicked(loopName, err)
		return
	}
	pods, err := r.manager.ListPods()
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		logger.Error().Err(err).Msg("Failed to list pods")
		metrics.LoopTicked(loopName, err)
		return
	}

	// Pods still pointing at a node, including ones mid-reschedule
	referenced := make(map[uint64]bool)
	for _, pod := range pods {
		if pod.Placed() {
			referenced[pod.NodeID] = true
		}
	}

	for _, node := range nodes {
		if node.HealthStatus != types.HealthPermanentlyFailed {
			continue
		}
		if len(node.PodIDs) > 0 || referenced[node.ID] {
			logger.Debug().Uint64("node_id", node.ID).Msg("Node still hosts pods, not reaping")
			continue
		}

		err := r.manager.ReapNode(ctx, node.ID)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrInvalidRequest), errors.Is(err, types.ErrUnknownNode):
			// Changed since the snapshot
			logger.Debug().Err(err).Uint64("node_id", node.ID).Msg("Skipping node")
		default:
			metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
			logger.Error().Err(err).Uint64("node_id", node.ID).Msg("Failed to reap node")
		}
	}
	metrics.LoopTicked(loopName, nil)
}
