package manager_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/kube9/pkg/events"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/monitor"
	"github.com/cuemby/kube9/pkg/reaper"
	"github.com/cuemby/kube9/pkg/recovery"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// TestNodeLifecycle drives a small cluster through failure, bounded
// recovery, migration and reaping using the real loops.
func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	driver := runtime.NewSimDriver()
	clock := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	mgr, err := manager.NewManager(manager.Config{
		Store:    store,
		Driver:   driver,
		Broker:   broker,
		Clock:    clock,
		Settings: manager.DefaultSettings(),
	})
	require.NoError(t, err)

	mon := monitor.NewHealthMonitor(mgr, 0)
	rec := recovery.NewLoop(mgr, 0)
	reap := reaper.NewReaper(mgr, 0)

	heartbeat := func(ids ...uint64) {
		for _, id := range ids {
			_, err := mgr.ProcessHeartbeat(ctx, types.Heartbeat{NodeID: id})
			require.NoError(t, err)
		}
	}
	status := func(id uint64) types.HealthStatus {
		node, err := mgr.GetNode(id)
		require.NoError(t, err)
		return node.HealthStatus
	}
	consistent := func() {
		nodes, err := mgr.ListNodes()
		require.NoError(t, err)
		pods, err := mgr.ListPods()
		require.NoError(t, err)
		assert.Empty(t, types.CheckConsistency(nodes, pods))
	}

	// Bring up three workers
	var ids []uint64
	for i := 1; i <= 3; i++ {
		node, err := mgr.RegisterNode(ctx, types.NodeSpec{Name: fmt.Sprintf("worker-%d", i), CPUTotal: 4})
		require.NoError(t, err)
		ids = append(ids, node.ID)
	}
	heartbeat(ids...)
	for _, id := range ids {
		require.Equal(t, types.HealthHealthy, status(id))
	}

	// Fill worker-1 first: best fit keeps choosing the fullest node
	var podIDs []uint64
	for i := 0; i < 4; i++ {
		pod, err := mgr.PlacePod(ctx, types.PodSpec{Name: fmt.Sprintf("pod-%d", i), CPUReq: 1})
		require.NoError(t, err)
		podIDs = append(podIDs, pod.ID)
		assert.Equal(t, ids[0], pod.NodeID)
	}
	consistent()

	victim, err := mgr.GetNode(ids[0])
	require.NoError(t, err)

	// worker-1 dies and cannot be restarted
	driver.Kill(victim.RuntimeHandle)
	driver.FailRestarts(true)

	clock.Step(10 * time.Second)
	heartbeat(ids[1], ids[2])
	mon.Tick(ctx)
	require.Equal(t, types.HealthFailed, status(ids[0]))

	for i := 0; i < 3; i++ {
		rec.Tick(ctx)
		heartbeat(ids[1], ids[2])
		mon.Tick(ctx)
	}
	require.Equal(t, types.HealthPermanentlyFailed, status(ids[0]))
	assert.Equal(t, 2, driver.Restarts(victim.RuntimeHandle))

	for _, id := range podIDs {
		pod, err := mgr.GetPod(id)
		require.NoError(t, err)
		assert.Equal(t, types.PodRunning, pod.Status)
		assert.Contains(t, []uint64{ids[1], ids[2]}, pod.NodeID)
		assert.Equal(t, 1, pod.RescheduleCount)
	}
	consistent()

	reap.Tick(ctx)
	assert.Equal(t, types.HealthRemoved, status(ids[0]))
	assert.False(t, driver.Exists(victim.RuntimeHandle))
	consistent()

	// worker-2 dies but comes back after one restart
	driver.FailRestarts(false)
	second, err := mgr.GetNode(ids[1])
	require.NoError(t, err)
	driver.Kill(second.RuntimeHandle)

	mon.Tick(ctx)
	require.Equal(t, types.HealthFailed, status(ids[1]))
	rec.Tick(ctx)
	require.Equal(t, types.HealthRecovering, status(ids[1]))
	heartbeat(ids[1])
	assert.Equal(t, types.HealthHealthy, status(ids[1]))

	back, err := mgr.GetNode(ids[1])
	require.NoError(t, err)
	assert.Equal(t, 0, back.RecoveryAttempts)
	consistent()

	// Cluster health reflects all of it
	report, err := mgr.GetClusterHealth()
	require.NoError(t, err)
	require.Len(t, report, 3)
	assert.Equal(t, types.HealthRemoved, report[0].HealthStatus)
	assert.Equal(t, 0, report[0].PodsCount)
	assert.Equal(t, 4, report[1].PodsCount+report[2].PodsCount)

	// The event stream saw the permanent failure
	seen := make(map[events.EventType]bool)
	timeout := time.After(time.Second)
	for !seen[events.EventNodeRemoved] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	assert.True(t, seen[events.EventNodePermanentlyFailed])
	assert.True(t, seen[events.EventPodRescheduled])
}
