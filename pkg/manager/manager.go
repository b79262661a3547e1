package manager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/kube9/pkg/events"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
	"k8s.io/utils/clock"
)

// Settings holds the tunables of the control plane
type Settings struct {
	HeartbeatInterval time.Duration
	MissedThreshold   time.Duration
	InitialGrace      time.Duration

	// RecoveryTimeout is how long a restarted node may stay recovering
	// without a heartbeat before the monitor fails it again. The default of
	// 60s spans two monitor ticks, not one; set it to the monitor interval
	// to fail a silent node on the first tick after the restart.
	RecoveryTimeout time.Duration
	MaxAttempts     int
	RuntimeTimeout  time.Duration

	// AllowMasters lets pods be placed on master nodes
	AllowMasters bool

	// Purge deletes reaped node records instead of marking them removed
	Purge bool

	PodCIDR string

	// Runtime resource template for new nodes
	Image  string
	Mounts []runtime.Mount
}

// DefaultSettings returns the stock tunables
func DefaultSettings() Settings {
	return Settings{
		HeartbeatInterval: 60 * time.Second,
		MissedThreshold:   180 * time.Second,
		InitialGrace:      180 * time.Second,
		RecoveryTimeout:   60 * time.Second,
		MaxAttempts:       3,
		RuntimeTimeout:    10 * time.Second,
		PodCIDR:           "10.244.0.0/16",
		Image:             runtime.DefaultImage,
	}
}

// Config holds the collaborators of a Manager
type Config struct {
	Store  storage.Store
	Driver runtime.Driver

	// Broker is optional
	Broker *events.Broker

	// Clock defaults to the wall clock
	Clock clock.WithTicker

	Settings Settings
}

// Manager owns node and pod lifecycle state. All mutations go through its
// methods, which serialize per node and pod with keyed locks and commit each
// decision in a single store transaction.
type Manager struct {
	store    storage.Store
	driver   runtime.Driver
	broker   *events.Broker
	clock    clock.WithTicker
	settings Settings
	locks    *keyLocks
	podNet   *net.IPNet
}

// NewManager creates a new Manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("runtime driver is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Settings.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", cfg.Settings.MaxAttempts)
	}
	if cfg.Settings.RuntimeTimeout <= 0 {
		return nil, fmt.Errorf("runtime timeout must be positive, got %s", cfg.Settings.RuntimeTimeout)
	}

	_, podNet, err := net.ParseCIDR(cfg.Settings.PodCIDR)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pod CIDR: %w", err)
	}
	if podNet.IP.To4() == nil {
		return nil, fmt.Errorf("pod CIDR %s is not IPv4", cfg.Settings.PodCIDR)
	}
	if ones, _ := podNet.Mask.Size(); ones > 30 {
		return nil, fmt.Errorf("pod CIDR %s is too small", cfg.Settings.PodCIDR)
	}

	return &Manager{
		store:    cfg.Store,
		driver:   cfg.Driver,
		broker:   cfg.Broker,
		clock:    cfg.Clock,
		settings: cfg.Settings,
		locks:    newKeyLocks(),
		podNet:   podNet,
	}, nil
}

// Settings returns the tunables the manager was built with
func (m *Manager) Settings() Settings {
	return m.settings
}

// Clock returns the manager's clock
func (m *Manager) Clock() clock.WithTicker {
	return m.clock
}

// Driver returns the runtime driver
func (m *Manager) Driver() runtime.Driver {
	return m.driver
}

// GetEventBroker returns the event broker, which may be nil
func (m *Manager) GetEventBroker() *events.Broker {
	return m.broker
}

func (m *Manager) publish(evs ...*events.Event) {
	if m.broker == nil {
		return
	}
	for _, ev := range evs {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = m.clock.Now()
		}
		m.broker.Publish(ev)
	}
}

// runtimeContext bounds a driver call. The parent's cancellation is dropped
// so shutdown never tears a call whose result is about to be committed.
func (m *Manager) runtimeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.settings.RuntimeTimeout)
}

// Read helpers

// GetNode returns a node by id
func (m *Manager) GetNode(id uint64) (*types.Node, error) {
	var node *types.Node
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		node, err = getNode(tx, id)
		return err
	})
	return node, err
}

// ListNodes returns all nodes ordered by id
func (m *Manager) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		nodes, err = tx.ListNodes()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// GetPod returns a pod by id
func (m *Manager) GetPod(id uint64) (*types.Pod, error) {
	var pod *types.Pod
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		pod, err = getPod(tx, id)
		return err
	})
	return pod, err
}

// ListPods returns all pods ordered by id
func (m *Manager) ListPods() ([]*types.Pod, error) {
	var pods []*types.Pod
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		pods, err = tx.ListPods()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	return pods, nil
}

// GetClusterHealth returns a health snapshot of every node
func (m *Manager) GetClusterHealth() ([]types.NodeHealth, error) {
	nodes, err := m.ListNodes()
	if err != nil {
		return nil, err
	}

	report := make([]types.NodeHealth, 0, len(nodes))
	for _, node := range nodes {
		report = append(report, types.HealthOf(node))
	}
	return report, nil
}

// getNode maps a storage miss onto ErrUnknownNode
func getNode(tx storage.Tx, id uint64) (*types.Node, error) {
	node, err := tx.GetNode(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("node %d: %w", id, types.ErrUnknownNode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %d: %w", id, err)
	}
	return node, nil
}

// getPod maps a storage miss onto ErrUnknownPod
func getPod(tx storage.Tx, id uint64) (*types.Pod, error) {
	pod, err := tx.GetPod(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("pod %d: %w", id, types.ErrUnknownPod)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pod %d: %w", id, err)
	}
	return pod, nil
}

// verifyNode checks the bookkeeping of one node against the pods that
// reference it. It runs at the end of every transaction that touches the
// node, so a violation aborts only that transaction.
func verifyNode(tx storage.Tx, node *types.Node) error {
	if node.HealthStatus == types.HealthRemoved {
		return nil
	}

	hosted, err := tx.ListPodsByNode(node.ID)
	if err != nil {
		return fmt.Errorf("failed to list pods of node %d: %w", node.ID, err)
	}

	var violation error
	switch {
	case len(hosted) != len(node.PodIDs):
		violation = fmt.Errorf("%w: node %d lists %d pods, %d reference it",
			types.ErrInvariantViolation, node.ID, len(node.PodIDs), len(hosted))
	case node.CPUAvail != types.ComputedCPUAvail(node, hosted):
		violation = fmt.Errorf("%w: node %d cpu_avail=%d, expected %d",
			types.ErrInvariantViolation, node.ID, node.CPUAvail, types.ComputedCPUAvail(node, hosted))
	default:
		for _, pod := range hosted {
			if !node.HostsPod(pod.ID) {
				violation = fmt.Errorf("%w: pod %d references node %d which does not list it",
					types.ErrInvariantViolation, pod.ID, node.ID)
				break
			}
		}
	}

	if violation != nil {
		log.WithNodeID(node.ID).Error().Err(violation).Msg("Bookkeeping check failed, aborting operation")
	}
	return violation
}

// podIP derives a stable address for a pod inside the pod CIDR, skipping
// the network and broadcast addresses
func (m *Manager) podIP(podID uint64) string {
	ones, bits := m.podNet.Mask.Size()
	hosts := uint64(1)<<uint(bits-ones) - 2
	offset := (podID-1)%hosts + 1

	base := binary.BigEndian.Uint32(m.podNet.IP.To4())
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, base+uint32(offset))
	return ip.String()
}
