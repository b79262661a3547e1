package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/monitor"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type env struct {
	mgr    *manager.Manager
	store  *storage.MemoryStore
	driver *runtime.SimDriver
	clock  *testingclock.FakeClock
}

func setup(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:  storage.NewMemoryStore(),
		driver: runtime.NewSimDriver(),
		clock:  testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	mgr, err := manager.NewManager(manager.Config{
		Store:    e.store,
		Driver:   e.driver,
		Clock:    e.clock,
		Settings: manager.DefaultSettings(),
	})
	require.NoError(t, err)
	e.mgr = mgr
	return e
}

func (e *env) healthyNode(t *testing.T, name string, cpu int) *types.Node {
	t.Helper()
	ctx := context.Background()
	node, err := e.mgr.RegisterNode(ctx, types.NodeSpec{Name: name, CPUTotal: cpu})
	require.NoError(t, err)
	node, err = e.mgr.ProcessHeartbeat(ctx, types.Heartbeat{NodeID: node.ID, CPUAvail: cpu})
	require.NoError(t, err)
	return node
}

func (e *env) node(t *testing.T, id uint64) *types.Node {
	t.Helper()
	node, err := e.mgr.GetNode(id)
	require.NoError(t, err)
	return node
}

func TestRecoveryIsBoundedByMaxAttempts(t *testing.T) {
	e := setup(t)
	loop := NewLoop(e.mgr, 0)
	ctx := context.Background()

	node := e.healthyNode(t, "a", 4)
	e.driver.FailRestarts(true)
	_, err := e.mgr.ForceFail(ctx, node.ID)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		loop.Tick(ctx)
		got := e.node(t, node.ID)
		assert.Equal(t, types.HealthFailed, got.HealthStatus)
		assert.Equal(t, i, got.RecoveryAttempts)
	}

	loop.Tick(ctx)
	assert.Equal(t, types.HealthPermanentlyFailed, e.node(t, node.ID).HealthStatus)

	for i := 0; i < 5; i++ {
		loop.Tick(ctx)
	}
	// The attempt that reaches the limit is not restarted
	assert.Equal(t, 2, e.driver.Restarts(node.RuntimeHandle))
	assert.Equal(t, 3, e.node(t, node.ID).RecoveryAttempts)
}

func TestRecoveryExhaustsWithoutHeartbeat(t *testing.T) {
	e := setup(t)
	loop := NewLoop(e.mgr, 0)
	mon := monitor.NewHealthMonitor(e.mgr, 0)
	ctx := context.Background()
	settings := e.mgr.Settings()

	node := e.healthyNode(t, "a", 4)
	_, err := e.mgr.ForceFail(ctx, node.ID)
	require.NoError(t, err)

	// Restarts succeed but the node never heartbeats again
	for i := 1; i < settings.MaxAttempts; i++ {
		loop.Tick(ctx)
		got := e.node(t, node.ID)
		require.Equal(t, types.HealthRecovering, got.HealthStatus)
		assert.Equal(t, i, got.RecoveryAttempts)

		e.clock.Step(settings.RecoveryTimeout + time.Second)
		mon.Tick(ctx)
		require.Equal(t, types.HealthFailed, e.node(t, node.ID).HealthStatus)
	}

	loop.Tick(ctx)
	got := e.node(t, node.ID)
	assert.Equal(t, types.HealthPermanentlyFailed, got.HealthStatus)
	assert.Equal(t, settings.MaxAttempts, got.RecoveryAttempts)
	assert.Equal(t, settings.MaxAttempts-1, e.driver.Restarts(node.RuntimeHandle))

	e.clock.Step(settings.RecoveryTimeout + time.Second)
	mon.Tick(ctx)
	loop.Tick(ctx)
	assert.Equal(t, types.HealthPermanentlyFailed, e.node(t, node.ID).HealthStatus)
	assert.Equal(t, settings.MaxAttempts-1, e.driver.Restarts(node.RuntimeHandle))
}

func TestRecoverySucceedsAfterHeartbeat(t *testing.T) {
	e := setup(t)
	loop := NewLoop(e.mgr, 0)
	ctx := context.Background()

	node := e.healthyNode(t, "a", 4)
	e.driver.Kill(node.RuntimeHandle)
	_, err := e.mgr.ForceFail(ctx, node.ID)
	require.NoError(t, err)

	loop.Tick(ctx)
	got := e.node(t, node.ID)
	assert.Equal(t, types.HealthRecovering, got.HealthStatus)
	assert.Equal(t, 1, got.RecoveryAttempts)

	alive, err := e.driver.IsAlive(ctx, node.RuntimeHandle)
	require.NoError(t, err)
	assert.True(t, alive)

	// Recovering nodes are not restarted again
	loop.Tick(ctx)
	assert.Equal(t, 1, e.driver.Restarts(node.RuntimeHandle))

	got, err = e.mgr.ProcessHeartbeat(ctx, types.Heartbeat{NodeID: node.ID})
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, got.HealthStatus)
	assert.Equal(t, 0, got.RecoveryAttempts)
}

func TestExhaustedNodeIsDrained(t *testing.T) {
	e := setup(t)
	loop := NewLoop(e.mgr, 0)
	ctx := context.Background()

	failing := e.healthyNode(t, "a", 4)
	pod, err := e.mgr.PlacePod(ctx, types.PodSpec{Name: "web", CPUReq: 2})
	require.NoError(t, err)
	require.Equal(t, failing.ID, pod.NodeID)
	spare := e.healthyNode(t, "b", 4)

	e.driver.FailRestarts(true)
	_, err = e.mgr.ForceFail(ctx, failing.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		loop.Tick(ctx)
	}

	assert.Equal(t, types.HealthPermanentlyFailed, e.node(t, failing.ID).HealthStatus)
	assert.Empty(t, e.node(t, failing.ID).PodIDs)

	moved, err := e.mgr.GetPod(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, spare.ID, moved.NodeID)
	assert.Equal(t, types.PodRunning, moved.Status)
	assert.Equal(t, 1, moved.RescheduleCount)
	assert.Equal(t, 2, e.node(t, spare.ID).CPUAvail)
}

func TestInterruptedDrainIsResumed(t *testing.T) {
	e := setup(t)
	loop := NewLoop(e.mgr, 0)
	ctx := context.Background()

	failing := e.healthyNode(t, "a", 4)
	pod, err := e.mgr.PlacePod(ctx, types.PodSpec{Name: "web", CPUReq: 2})
	require.NoError(t, err)
	spare := e.healthyNode(t, "b", 4)

	// A node left permanently failed with its pods still on it
	require.NoError(t, e.store.Update(func(tx storage.Tx) error {
		node, err := tx.GetNode(failing.ID)
		if err != nil {
			return err
		}
		node.HealthStatus = types.HealthPermanentlyFailed
		return tx.PutNode(node)
	}))

	loop.Tick(ctx)

	moved, err := e.mgr.GetPod(pod.ID)
	require.NoError(t, err)
	assert.Equal(t, spare.ID, moved.NodeID)
	assert.Empty(t, e.node(t, failing.ID).PodIDs)
}

func TestStartStop(t *testing.T) {
	e := setup(t)
	loop := NewLoop(e.mgr, time.Second)
	ctx := context.Background()

	node := e.healthyNode(t, "a", 4)
	_, err := e.mgr.ForceFail(ctx, node.ID)
	require.NoError(t, err)

	loop.Start(ctx)
	assert.Equal(t, metrics.StatusReady, metrics.GetReadiness().Checks[loopName])
	e.clock.Step(time.Second)

	assert.Eventually(t, func() bool {
		return e.node(t, node.ID).HealthStatus == types.HealthRecovering
	}, 2*time.Second, 10*time.Millisecond)

	loop.Stop()
	assert.Equal(t, "not ready: stopped", metrics.GetReadiness().Checks[loopName])
}
