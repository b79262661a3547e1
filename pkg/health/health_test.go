package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/kube9/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	healthy bool
}

func (f *fakeChecker) Check(ctx context.Context) Result {
	return Result{Healthy: f.healthy, CheckedAt: time.Now()}
}

func (f *fakeChecker) Type() CheckType { return CheckTypeExec }

func TestHTTPChecker(t *testing.T) {
	code := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, CheckTypeHTTP, checker.Type())

	code = http.StatusInternalServerError
	result = checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "500")

	result = checker.WithStatusRange(500, 500).Check(context.Background())
	assert.True(t, result.Healthy)
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	result := NewHTTPChecker(url).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	ln.Close()
	result = NewTCPChecker(addr).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestExecChecker(t *testing.T) {
	assert.True(t, NewExecChecker([]string{"true"}).Check(context.Background()).Healthy)
	assert.False(t, NewExecChecker([]string{"false"}).Check(context.Background()).Healthy)
	assert.False(t, NewExecChecker(nil).Check(context.Background()).Healthy)

	result := NewExecChecker([]string{"sleep", "5"}).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestStatusRetries(t *testing.T) {
	cfg := Config{Retries: 2}
	s := NewStatus()

	s.Update(Result{Healthy: false}, cfg)
	assert.True(t, s.Healthy, "one failure is tolerated")
	s.Update(Result{Healthy: false}, cfg)
	assert.False(t, s.Healthy)
	assert.Equal(t, 2, s.ConsecutiveFailures)

	s.Update(Result{Healthy: true}, cfg)
	assert.True(t, s.Healthy)
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestProber(t *testing.T) {
	p := NewProber(types.NodeTypeWorker, Config{Retries: 2})
	kubelet := &fakeChecker{healthy: true}
	require.NoError(t, p.Add(types.ComponentKubelet, kubelet))
	assert.Error(t, p.Add(types.ComponentEtcd, kubelet), "workers have no etcd")

	ctx := context.Background()
	got := p.Probe(ctx)
	assert.Equal(t, types.DefaultComponents(types.NodeTypeWorker), got)

	kubelet.healthy = false
	assert.Equal(t, types.ComponentRunning, p.Probe(ctx)[types.ComponentKubelet])
	assert.Equal(t, types.ComponentFailed, p.Probe(ctx)[types.ComponentKubelet])

	kubelet.healthy = true
	assert.Equal(t, types.ComponentRunning, p.Probe(ctx)[types.ComponentKubelet])
}

func TestLoadChecks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checks.yaml")
	content := `
kubelet:
  type: exec
  command: ["true"]
kube_proxy:
  type: tcp
  target: 127.0.0.1:1
  timeout: 100ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p := NewProber(types.NodeTypeWorker, Config{Retries: 1})
	require.NoError(t, p.LoadChecks(path))
	require.Len(t, p.checks, 2)

	got := p.Probe(context.Background())
	assert.Equal(t, types.ComponentRunning, got[types.ComponentKubelet])
	assert.Equal(t, types.ComponentFailed, got[types.ComponentKubeProxy])
}

func TestCheckSpecErrors(t *testing.T) {
	for _, spec := range []CheckSpec{
		{Type: CheckTypeHTTP},
		{Type: CheckTypeTCP},
		{Type: CheckTypeExec},
		{Type: "grpc", Target: "x"},
	} {
		_, err := spec.Checker()
		assert.Error(t, err, spec.Type)
	}
}
