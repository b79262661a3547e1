package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/kube9/pkg/events"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/stretchr/testify/suite"
)

type ServerTestSuite struct {
	suite.Suite
	ctx    context.Context
	broker *events.Broker
	mgr    *manager.Manager
	server *Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (suite *ServerTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.broker = events.NewBroker()
	suite.broker.Start()

	mgr, err := manager.NewManager(manager.Config{
		Store:    storage.NewMemoryStore(),
		Driver:   runtime.NewSimDriver(),
		Broker:   suite.broker,
		Settings: manager.DefaultSettings(),
	})
	suite.Require().NoError(err)
	suite.mgr = mgr
	suite.server = NewServer(mgr)
}

func (suite *ServerTestSuite) TearDownTest() {
	suite.broker.Stop()
}

func (suite *ServerTestSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		suite.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (suite *ServerTestSuite) decode(rec *httptest.ResponseRecorder, out any) {
	suite.Require().NoError(json.Unmarshal(rec.Body.Bytes(), out))
}

// healthyWorker registers a worker and sends its first heartbeat
func (suite *ServerTestSuite) healthyWorker(name string, cpu int) *types.Node {
	rec := suite.do(http.MethodPost, "/v1/nodes", types.NodeSpec{Name: name, CPUTotal: cpu})
	suite.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var node types.Node
	suite.decode(rec, &node)

	rec = suite.do(http.MethodPost, "/v1/nodes/"+itoa(node.ID)+"/heartbeat", types.Heartbeat{Health: "healthy"})
	suite.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	suite.decode(rec, &node)
	suite.Require().Equal(types.HealthHealthy, node.HealthStatus)
	return &node
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func (suite *ServerTestSuite) TestRegisterNode() {
	node := suite.healthyWorker("worker-1", 4)
	suite.Equal("worker-1", node.Name)
	suite.Equal(types.NodeTypeWorker, node.Type)
	suite.Equal(4, node.CPUAvail)

	rec := suite.do(http.MethodGet, "/v1/nodes/"+itoa(node.ID), nil)
	suite.Equal(http.StatusOK, rec.Code)

	rec = suite.do(http.MethodGet, "/v1/nodes", nil)
	suite.Equal(http.StatusOK, rec.Code)
	var nodes []types.Node
	suite.decode(rec, &nodes)
	suite.Len(nodes, 1)
}

func (suite *ServerTestSuite) TestRegisterNodeErrors() {
	suite.healthyWorker("worker-1", 4)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"duplicate name", types.NodeSpec{Name: "worker-1", CPUTotal: 2}, http.StatusConflict},
		{"missing name", types.NodeSpec{CPUTotal: 2}, http.StatusBadRequest},
		{"zero cpu", types.NodeSpec{Name: "worker-2"}, http.StatusBadRequest},
		{"unknown type", types.NodeSpec{Name: "worker-3", Type: "edge", CPUTotal: 2}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		suite.Run(tt.name, func() {
			rec := suite.do(http.MethodPost, "/v1/nodes", tt.body)
			suite.Equal(tt.code, rec.Code, rec.Body.String())

			var resp ErrorResponse
			suite.decode(rec, &resp)
			suite.NotEmpty(resp.Error)
			suite.NotEmpty(resp.RequestID)
		})
	}
}

func (suite *ServerTestSuite) TestMalformedBody() {
	req := httptest.NewRequest(http.MethodPost, "/v1/nodes", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec, req)
	suite.Equal(http.StatusBadRequest, rec.Code)
}

func (suite *ServerTestSuite) TestNotFound() {
	for _, path := range []string{"/v1/nodes/42", "/v1/pods/42"} {
		rec := suite.do(http.MethodGet, path, nil)
		suite.Equal(http.StatusNotFound, rec.Code, path)
	}

	rec := suite.do(http.MethodGet, "/v1/nodes/abc", nil)
	suite.Equal(http.StatusBadRequest, rec.Code)
	rec = suite.do(http.MethodGet, "/v1/nodes/0", nil)
	suite.Equal(http.StatusBadRequest, rec.Code)
}

func (suite *ServerTestSuite) TestRequestID() {
	req := httptest.NewRequest(http.MethodGet, "/v1/pods/7", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	suite.server.Handler().ServeHTTP(rec, req)

	suite.Equal("req-123", rec.Header().Get("X-Request-ID"))
	var resp ErrorResponse
	suite.decode(rec, &resp)
	suite.Equal("req-123", resp.RequestID)

	rec = suite.do(http.MethodGet, "/v1/nodes", nil)
	suite.NotEmpty(rec.Header().Get("X-Request-ID"))
}

func (suite *ServerTestSuite) TestPodLifecycle() {
	node := suite.healthyWorker("worker-1", 4)

	rec := suite.do(http.MethodPost, "/v1/pods", types.PodSpec{Name: "web", CPUReq: 3})
	suite.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var pod types.Pod
	suite.decode(rec, &pod)
	suite.Equal(node.ID, pod.NodeID)
	suite.Equal(types.PodRunning, pod.Status)
	suite.NotEmpty(pod.IPAddress)

	// Does not fit: created but kept pending
	rec = suite.do(http.MethodPost, "/v1/pods", types.PodSpec{Name: "db", CPUReq: 2})
	suite.Require().Equal(http.StatusConflict, rec.Code, rec.Body.String())
	var failure PlacementFailure
	suite.decode(rec, &failure)
	suite.Require().NotNil(failure.Pod)
	suite.Equal(types.PodPending, failure.Pod.Status)
	suite.Zero(failure.Pod.NodeID)
	suite.NotEmpty(failure.Error)

	rec = suite.do(http.MethodGet, "/v1/pods?status=pending", nil)
	var pending []types.Pod
	suite.decode(rec, &pending)
	suite.Require().Len(pending, 1)
	suite.Equal("db", pending[0].Name)

	rec = suite.do(http.MethodDelete, "/v1/pods/"+itoa(pod.ID), nil)
	suite.Equal(http.StatusNoContent, rec.Code)

	// Capacity is back, the pending pod can be scheduled now
	rec = suite.do(http.MethodPost, "/v1/pods/"+itoa(failure.Pod.ID)+"/schedule", nil)
	suite.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	suite.decode(rec, &pod)
	suite.Equal(node.ID, pod.NodeID)

	rec = suite.do(http.MethodPost, "/v1/pods/"+itoa(pod.ID)+"/schedule", nil)
	suite.Equal(http.StatusBadRequest, rec.Code)

	rec = suite.do(http.MethodGet, "/v1/pods", nil)
	var pods []types.Pod
	suite.decode(rec, &pods)
	suite.Len(pods, 1)
}

func (suite *ServerTestSuite) TestComponents() {
	node := suite.healthyWorker("worker-1", 4)
	path := "/v1/nodes/" + itoa(node.ID) + "/components"

	rec := suite.do(http.MethodPatch, path, ComponentUpdate{Component: types.ComponentKubeProxy, Status: types.ComponentStopped})
	suite.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var updated types.Node
	suite.decode(rec, &updated)
	suite.Equal(types.ComponentStopped, updated.ComponentStatuses[types.ComponentKubeProxy])

	rec = suite.do(http.MethodPatch, path, ComponentUpdate{Component: types.ComponentEtcd, Status: types.ComponentRunning})
	suite.Equal(http.StatusBadRequest, rec.Code)

	rec = suite.do(http.MethodPatch, path, ComponentUpdate{Component: types.ComponentKubelet, Status: "sleeping"})
	suite.Equal(http.StatusBadRequest, rec.Code)

	rec = suite.do(http.MethodPatch, path, map[string]string{"component": "kubelet"})
	suite.Equal(http.StatusBadRequest, rec.Code)
}

func (suite *ServerTestSuite) TestClusterHealth() {
	suite.healthyWorker("worker-1", 4)
	suite.healthyWorker("worker-2", 2)

	rec := suite.do(http.MethodGet, "/v1/nodes/health", nil)
	suite.Require().Equal(http.StatusOK, rec.Code)
	var report []types.NodeHealth
	suite.decode(rec, &report)
	suite.Require().Len(report, 2)
	suite.Equal("worker-1", report[0].Name)
	suite.Equal(types.HealthHealthy, report[1].HealthStatus)
}

func (suite *ServerTestSuite) TestFailureAndCleanup() {
	source := suite.healthyWorker("worker-1", 4)
	target := suite.healthyWorker("worker-2", 4)

	rec := suite.do(http.MethodPost, "/v1/pods", types.PodSpec{Name: "web", CPUReq: 2})
	suite.Require().Equal(http.StatusCreated, rec.Code)
	var pod types.Pod
	suite.decode(rec, &pod)

	// Best fit picks the first of two equal nodes
	suite.Require().Equal(source.ID, pod.NodeID)

	rec = suite.do(http.MethodPost, "/v1/nodes/"+itoa(source.ID)+"/reschedule", nil)
	suite.Equal(http.StatusBadRequest, rec.Code, "only permanently failed nodes can be drained")

	rec = suite.do(http.MethodPost, "/v1/nodes/"+itoa(source.ID)+"/fail", nil)
	suite.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var failed types.Node
	suite.decode(rec, &failed)
	suite.Equal(types.HealthFailed, failed.HealthStatus)

	rec = suite.do(http.MethodPost, "/v1/nodes/"+itoa(source.ID)+"/cleanup", nil)
	suite.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var result manager.RescheduleResult
	suite.decode(rec, &result)
	suite.Equal([]uint64{pod.ID}, result.Migrated)
	suite.Empty(result.Unschedulable)

	rec = suite.do(http.MethodGet, "/v1/pods/"+itoa(pod.ID), nil)
	suite.decode(rec, &pod)
	suite.Equal(target.ID, pod.NodeID)

	rec = suite.do(http.MethodGet, "/v1/nodes/"+itoa(source.ID), nil)
	var removed types.Node
	suite.decode(rec, &removed)
	suite.Equal(types.HealthRemoved, removed.HealthStatus)

	rec = suite.do(http.MethodPost, "/v1/nodes/"+itoa(source.ID)+"/fail", nil)
	suite.Equal(http.StatusConflict, rec.Code)
}

func (suite *ServerTestSuite) TestReady() {
	metrics.SetComponent(metrics.ComponentRuntime, false, "starting")
	metrics.SetComponent(metrics.ComponentAPI, true, "test")

	rec := suite.do(http.MethodGet, "/ready", nil)
	suite.Equal(http.StatusServiceUnavailable, rec.Code)
	var resp ReadyResponse
	suite.decode(rec, &resp)
	suite.Equal("ready", resp.Checks[metrics.ComponentStore])

	metrics.SetComponent(metrics.ComponentRuntime, true, "sim")
	rec = suite.do(http.MethodGet, "/ready", nil)
	suite.Equal(http.StatusOK, rec.Code, rec.Body.String())
	suite.decode(rec, &resp)
	suite.Equal("ready", resp.Status)
	suite.Contains(resp.Checks["events"], "ok")

	// A stopped control loop takes the control plane out of service
	metrics.RegisterLoop("monitor", time.Minute)
	metrics.LoopStopped("monitor")
	rec = suite.do(http.MethodGet, "/ready", nil)
	suite.Equal(http.StatusServiceUnavailable, rec.Code)
	suite.decode(rec, &resp)
	suite.Equal("not ready: stopped", resp.Checks["monitor"])

	metrics.LoopTicked("monitor", nil)
	rec = suite.do(http.MethodGet, "/ready", nil)
	suite.Equal(http.StatusOK, rec.Code, rec.Body.String())

	rec = suite.do(http.MethodGet, "/live", nil)
	suite.Equal(http.StatusOK, rec.Code)

	rec = suite.do(http.MethodGet, "/metrics", nil)
	suite.Equal(http.StatusOK, rec.Code)
	suite.Contains(rec.Body.String(), "kube9_api_requests_total")
}

func (suite *ServerTestSuite) TestEventStream() {
	ts := httptest.NewServer(suite.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(suite.ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?type=pod.", nil)
	suite.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	suite.Require().NoError(err)
	defer resp.Body.Close()
	suite.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	suite.Eventually(func() bool {
		return suite.broker.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Node events are filtered out, the pod event comes through
	suite.healthyWorker("worker-1", 4)
	_, err = suite.mgr.PlacePod(suite.ctx, types.PodSpec{Name: "web", CPUReq: 1})
	suite.Require().NoError(err)

	reader := bufio.NewReader(resp.Body)
	var first string
	for {
		line, err := reader.ReadString('\n')
		suite.Require().NoError(err)
		if strings.HasPrefix(line, "event: ") {
			first = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			break
		}
	}
	suite.Equal(string(events.EventPodCreated), first)

	data, err := reader.ReadString('\n')
	suite.Require().NoError(err)
	var event events.Event
	suite.Require().NoError(json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &event))
	suite.Equal(events.EventPodCreated, event.Type)
	suite.Equal("web", event.Metadata["pod_name"])

	// Shutdown releases the stream
	shutdownCtx, stop := context.WithTimeout(suite.ctx, 2*time.Second)
	defer stop()
	suite.NoError(suite.server.Shutdown(shutdownCtx))
	suite.Eventually(func() bool {
		return suite.broker.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func (suite *ServerTestSuite) TestRateLimit() {
	srv := NewServer(suite.mgr, WithRateLimit(0.001, 2))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
		codes = append(codes, rec.Code)
	}
	suite.Equal([]int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Probes are never limited
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	suite.Equal(http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{types.ErrUnknownNode, http.StatusNotFound},
		{types.ErrUnknownPod, http.StatusNotFound},
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrNoEligibleNode, http.StatusConflict},
		{types.ErrDuplicateName, http.StatusConflict},
		{types.ErrNodeTerminal, http.StatusConflict},
		{types.ErrRuntimeUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.code {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}
