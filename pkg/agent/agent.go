package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/kube9/pkg/client"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/types"
	"k8s.io/utils/clock"
)

// ComponentProbe reports the current state of the node's components. A nil
// probe reports every component running.
type ComponentProbe func(ctx context.Context) map[types.Component]types.ComponentStatus

// Config holds node agent configuration
type Config struct {
	Client *client.Client
	Spec   types.NodeSpec

	// Interval defaults to manager.DefaultSettings().HeartbeatInterval
	Interval time.Duration

	// Clock defaults to the wall clock
	Clock clock.WithTicker

	Probe ComponentProbe
}

// Agent registers a node with the control plane and keeps it alive with
// periodic heartbeats
type Agent struct {
	client   *client.Client
	spec     types.NodeSpec
	interval time.Duration
	clock    clock.WithTicker
	probe    ComponentProbe

	mu     sync.Mutex
	nodeID uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent creates a node agent
func NewAgent(cfg Config) (*Agent, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.Spec.Name == "" {
		return nil, fmt.Errorf("node name is required")
	}
	if cfg.Spec.Type == "" {
		cfg.Spec.Type = types.NodeTypeWorker
	}
	if cfg.Interval <= 0 {
		cfg.Interval = manager.DefaultSettings().HeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Probe == nil {
		cfg.Probe = func(context.Context) map[types.Component]types.ComponentStatus {
			return types.DefaultComponents(cfg.Spec.Type)
		}
	}

	return &Agent{
		client:   cfg.Client,
		spec:     cfg.Spec,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		probe:    cfg.Probe,
	}, nil
}

// NodeID returns the id assigned at registration, 0 before
func (a *Agent) NodeID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

// Register registers the node. A node that already exists under the same
// name is adopted unless it has been given up on.
func (a *Agent) Register(ctx context.Context) (*types.Node, error) {
	node, err := a.client.RegisterNode(ctx, a.spec)

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		node, err = a.adopt(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register node %s: %w", a.spec.Name, err)
	}

	a.mu.Lock()
	a.nodeID = node.ID
	a.mu.Unlock()

	logger := log.WithNodeID(node.ID)
	logger.Info().
		Str("name", node.Name).
		Str("status", string(node.HealthStatus)).
		Msg("Node agent registered")
	return node, nil
}

func (a *Agent) adopt(ctx context.Context) (*types.Node, error) {
	nodes, err := a.client.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if node.Name != a.spec.Name {
			continue
		}
		if node.HealthStatus.Terminal() {
			return nil, fmt.Errorf("node %d is %s", node.ID, node.HealthStatus)
		}
		return node, nil
	}
	return nil, fmt.Errorf("node name %s is taken", a.spec.Name)
}

// SendHeartbeat reports liveness and component state once
func (a *Agent) SendHeartbeat(ctx context.Context) (*types.Node, error) {
	id := a.NodeID()
	if id == 0 {
		return nil, fmt.Errorf("node is not registered")
	}

	components := a.probe(ctx)
	health := manager.ReportedHealthy
	for _, status := range components {
		if status != types.ComponentRunning {
			health = "degraded"
			break
		}
	}

	return a.client.Heartbeat(ctx, types.Heartbeat{
		NodeID:     id,
		Health:     health,
		Components: components,
	})
}

// Start registers the node, sends a first heartbeat and keeps sending them
// until Stop is called
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.Register(ctx); err != nil {
		return err
	}
	if _, err := a.SendHeartbeat(ctx); err != nil {
		return fmt.Errorf("failed to send first heartbeat: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}

	ctx, a.cancel = context.WithCancel(ctx)
	ticker := a.clock.NewTicker(a.interval)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ticker.Stop()
		a.heartbeatLoop(ctx, ticker.C())
	}()
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context, tick <-chan time.Time) {
	logger := log.WithNodeID(a.NodeID())
	for {
		select {
		case <-tick:
			node, err := a.SendHeartbeat(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Heartbeat failed")
				continue
			}
			if node.HealthStatus.Terminal() {
				logger.Warn().Str("status", string(node.HealthStatus)).Msg("Control plane has given up on this node")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the heartbeat loop
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}
