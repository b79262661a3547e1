package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func setup(t *testing.T, purge bool) (*manager.Manager, *storage.MemoryStore, *runtime.SimDriver, *testingclock.FakeClock) {
	t.Helper()
	store := storage.NewMemoryStore()
	driver := runtime.NewSimDriver()
	clock := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	settings := manager.DefaultSettings()
	settings.Purge = purge
	mgr, err := manager.NewManager(manager.Config{
		Store:    store,
		Driver:   driver,
		Clock:    clock,
		Settings: settings,
	})
	require.NoError(t, err)
	return mgr, store, driver, clock
}

// exhaust drives a healthy node through every recovery attempt
func exhaust(t *testing.T, mgr *manager.Manager, driver *runtime.SimDriver, nodeID uint64) {
	t.Helper()
	ctx := context.Background()

	driver.FailRestarts(true)
	defer driver.FailRestarts(false)

	_, err := mgr.ForceFail(ctx, nodeID)
	require.NoError(t, err)
	for {
		rec, ok, err := mgr.BeginRecovery(ctx, nodeID)
		require.NoError(t, err)
		if !ok || rec.Exhausted {
			break
		}
		require.NoError(t, mgr.EndRecovery(ctx, rec, driver.RestartResource(ctx, rec.Handle)))
	}

	node, err := mgr.GetNode(nodeID)
	require.NoError(t, err)
	require.Equal(t, types.HealthPermanentlyFailed, node.HealthStatus)
}

func healthyNode(t *testing.T, mgr *manager.Manager, name string) *types.Node {
	t.Helper()
	ctx := context.Background()
	node, err := mgr.RegisterNode(ctx, types.NodeSpec{Name: name, CPUTotal: 4})
	require.NoError(t, err)
	node, err = mgr.ProcessHeartbeat(ctx, types.Heartbeat{NodeID: node.ID})
	require.NoError(t, err)
	return node
}

func TestReapDrainedNode(t *testing.T) {
	mgr, _, driver, _ := setup(t, false)
	reaper := NewReaper(mgr, 0)

	node := healthyNode(t, mgr, "a")
	healthy := healthyNode(t, mgr, "b")
	exhaust(t, mgr, driver, node.ID)

	reaper.Tick(context.Background())

	got, err := mgr.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthRemoved, got.HealthStatus)
	assert.Empty(t, got.RuntimeHandle)
	assert.False(t, driver.Exists(node.RuntimeHandle))
	assert.True(t, driver.Exists(healthy.RuntimeHandle))

	// Already removed nodes are left alone
	reaper.Tick(context.Background())
	assert.Len(t, driver.Stopped(), 1)
}

func TestReapPurge(t *testing.T) {
	mgr, _, driver, _ := setup(t, true)
	reaper := NewReaper(mgr, 0)

	node := healthyNode(t, mgr, "a")
	exhaust(t, mgr, driver, node.ID)

	reaper.Tick(context.Background())

	_, err := mgr.GetNode(node.ID)
	assert.ErrorIs(t, err, types.ErrUnknownNode)
}

func TestNodeWithPodsIsNotReaped(t *testing.T) {
	mgr, store, driver, _ := setup(t, false)
	reaper := NewReaper(mgr, 0)
	ctx := context.Background()

	node := healthyNode(t, mgr, "a")
	_, err := mgr.PlacePod(ctx, types.PodSpec{Name: "web", CPUReq: 1})
	require.NoError(t, err)

	// Permanently failed with the drain not yet done
	require.NoError(t, store.Update(func(tx storage.Tx) error {
		n, err := tx.GetNode(node.ID)
		if err != nil {
			return err
		}
		n.HealthStatus = types.HealthPermanentlyFailed
		return tx.PutNode(n)
	}))

	reaper.Tick(ctx)

	got, err := mgr.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthPermanentlyFailed, got.HealthStatus)
	assert.True(t, driver.Exists(node.RuntimeHandle))
}

func TestStopFailureRetriesNextTick(t *testing.T) {
	mgr, _, driver, _ := setup(t, false)
	reaper := NewReaper(mgr, 0)
	ctx := context.Background()

	node := healthyNode(t, mgr, "a")
	exhaust(t, mgr, driver, node.ID)

	driver.SetUnavailable(true)
	reaper.Tick(ctx)
	got, err := mgr.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthPermanentlyFailed, got.HealthStatus)

	driver.SetUnavailable(false)
	reaper.Tick(ctx)
	got, err = mgr.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthRemoved, got.HealthStatus)
}

func TestStartStop(t *testing.T) {
	mgr, _, driver, clock := setup(t, false)
	reaper := NewReaper(mgr, time.Second)

	node := healthyNode(t, mgr, "a")
	exhaust(t, mgr, driver, node.ID)

	reaper.Start(context.Background())
	clock.Step(time.Second)

	assert.Eventually(t, func() bool {
		got, err := mgr.GetNode(node.ID)
		return err == nil && got.HealthStatus == types.HealthRemoved
	}, 2*time.Second, 10*time.Millisecond)

	reaper.Stop()
}
