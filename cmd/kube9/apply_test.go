package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/kube9/pkg/api"
	"github.com/cuemby/kube9/pkg/client"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
heartbeat: true
nodes:
  - name: master-1
    type: master
    cpu_total: 2
  - name: worker-1
    cpu_total: 4
  - name: worker-2
    cpu_total: 2
pods:
  - name: web
    cpu_req: 3
    containers:
      - name: nginx
        image: nginx:1.27
  - name: cache
    cpu_req: 2
  - name: batch
    cpu_req: 4
`

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	mgr, err := manager.NewManager(manager.Config{
		Store:    storage.NewMemoryStore(),
		Driver:   runtime.NewSimDriver(),
		Settings: manager.DefaultSettings(),
	})
	require.NoError(t, err)
	return mgr
}

func TestParseManifest(t *testing.T) {
	m, err := parseManifest([]byte(testManifest))
	require.NoError(t, err)
	assert.True(t, m.Heartbeat)
	require.Len(t, m.Nodes, 3)
	assert.Equal(t, types.NodeTypeMaster, m.Nodes[0].Type)
	require.Len(t, m.Pods, 3)
	assert.Equal(t, "nginx:1.27", m.Pods[0].Containers[0].Image)

	_, err = parseManifest([]byte("nodes: []\n"))
	assert.Error(t, err)
	_, err = parseManifest([]byte("nodes: [\n"))
	assert.Error(t, err)
}

func TestApplyManifestLocal(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	m, err := parseManifest([]byte(testManifest))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, applyManifest(ctx, localTarget{mgr: mgr}, m, &out))

	pods, err := mgr.ListPods()
	require.NoError(t, err)
	require.Len(t, pods, 3)

	byName := make(map[string]*types.Pod)
	for _, p := range pods {
		byName[p.Name] = p
	}
	// Masters take no pods; web fills worker-1 best, cache fits worker-2
	assert.True(t, byName["web"].Placed())
	assert.True(t, byName["cache"].Placed())
	assert.NotEqual(t, byName["web"].NodeID, byName["cache"].NodeID)
	assert.Equal(t, types.PodPending, byName["batch"].Status)
	assert.Contains(t, out.String(), "pod batch created, pending")

	// Applying again changes nothing
	out.Reset()
	require.NoError(t, applyManifest(ctx, localTarget{mgr: mgr}, m, &out))
	assert.Contains(t, out.String(), "node worker-1 unchanged")
	assert.Contains(t, out.String(), "pod web unchanged")

	nodes, err := mgr.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	assert.Empty(t, types.CheckConsistency(nodes, pods))
}

func TestApplyManifestWithoutHeartbeat(t *testing.T) {
	mgr := newTestManager(t)
	m := &Manifest{
		Nodes: []types.NodeSpec{{Name: "worker-1", CPUTotal: 4}},
		Pods:  []types.PodSpec{{Name: "web", CPUReq: 1}},
	}

	var out bytes.Buffer
	require.NoError(t, applyManifest(context.Background(), localTarget{mgr: mgr}, m, &out))

	// Nodes stay initializing until they report, so nothing is placed
	pod, err := mgr.GetPod(1)
	require.NoError(t, err)
	assert.Equal(t, types.PodPending, pod.Status)
}

func TestApplyManifestRemote(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	ts := httptest.NewServer(api.NewServer(mgr).Handler())
	defer ts.Close()

	m, err := parseManifest([]byte(testManifest))
	require.NoError(t, err)
	target := remoteTarget{client: client.NewClient(ts.URL)}

	var out bytes.Buffer
	require.NoError(t, applyManifest(ctx, target, m, &out))
	assert.Contains(t, out.String(), "pod web placed on node")
	assert.Contains(t, out.String(), "pod batch created, pending")

	out.Reset()
	require.NoError(t, applyManifest(ctx, target, m, &out))
	assert.Contains(t, out.String(), "node master-1 unchanged")
	assert.Contains(t, out.String(), "pod cache unchanged")

	pods, err := mgr.ListPods()
	require.NoError(t, err)
	assert.Len(t, pods, 3)
}

func TestApplyManifestInvalidNode(t *testing.T) {
	mgr := newTestManager(t)
	m := &Manifest{Nodes: []types.NodeSpec{{Name: "bad"}}}
	err := applyManifest(context.Background(), localTarget{mgr: mgr}, m, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}
