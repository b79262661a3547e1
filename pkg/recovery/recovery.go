package recovery

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
	loopName = "recovery"

	// DefaultInterval is the recovery tick
	DefaultInterval = 30 * time.Second
)

var errNoHandle = errors.New("node has no runtime handle")

// Loop restarts failed nodes and drains nodes that ran out of attempts
type Loop struct {
	manager  *manager.Manager
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop creates a recovery loop. A zero interval uses DefaultInterval.
func NewLoop(mgr *manager.Manager, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		manager:  mgr,
		interval: interval,
	}
}

// Start runs the loop until ctx is cancelled or Stop is called
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, l.cancel = context.WithCancel(ctx)
	metrics.RegisterLoop(loopName, l.interval)
	ticker := l.manager.Clock().NewTicker(l.interval)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		defer metrics.LoopStopped(loopName)

		logger := log.WithComponent(loopName)
		logger.Info().
			Dur("interval", l.interval).
			Int("max_attempts", l.manager.Settings().MaxAttempts).
			Msg("Recovery loop started")

		for {
			select {
			case <-ticker.C():
				l.Tick(ctx)
			case <-ctx.Done():
				logger.Info().Msg("Recovery loop stopped")
				return
			}
		}
	}()
}

// Stop stops ticking and waits for an in-flight tick to finish
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

// Tick makes one recovery attempt for every failed node and resumes
// interrupted drains of permanently failed nodes
func (l *Loop) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, loopName)

	ctx = context.WithoutCancel(ctx)

	nodes, err := l.manager.ListNodes()
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
		logger := log.WithComponent(loopName)
		logger.Error().Err(err).Msg("Failed to list nodes")
		metrics.LoopTicked(loopName, err)
		return
	}

	for _, node := range nodes {
		var err error
		switch {
		case node.HealthStatus == types.HealthFailed:
			err = l.recover(ctx, node.ID)
		case node.HealthStatus == types.HealthPermanentlyFailed && len(node.PodIDs) > 0:
			_, err = l.manager.Reschedule(ctx, node.ID)
		}
		if err != nil {
			metrics.LoopErrorsTotal.WithLabelValues(loopName).Inc()
			logger := log.WithNodeID(node.ID)
			logger.Error().Err(err).Str("status", string(node.HealthStatus)).Msg("Recovery step failed")
		}
	}
	metrics.LoopTicked(loopName, nil)
}

// recover runs one attempt: claim it, restart outside any lock, record the
// outcome
func (l *Loop) recover(ctx context.Context, nodeID uint64) error {
	rec, ok, err := l.manager.BeginRecovery(ctx, nodeID)
	if err != nil || !ok || rec.Exhausted {
		return err
	}

	restartErr := errNoHandle
	if rec.Handle != "" {
		rctx, cancel := context.WithTimeout(ctx, l.manager.Settings().RuntimeTimeout)
		restartErr = l.manager.Driver().RestartResource(rctx, rec.Handle)
		cancel()
	}
	return l.manager.EndRecovery(ctx, rec, restartErr)
}
