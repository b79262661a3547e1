package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/types"
)

// DefaultTimeout bounds every request made by a Client
const DefaultTimeout = 10 * time.Second

// Client wraps the kube9 HTTP API for CLI and agent usage
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string

	// Pod is set when a pod was created but could not be placed
	Pod *types.Pod
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api error %d: %s (request %s)", e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the API at addr. A bare host:port gets the
// http scheme.
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// RegisterNode registers a node
func (c *Client) RegisterNode(ctx context.Context, spec types.NodeSpec) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodPost, "/v1/nodes", spec, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ListNodes lists all nodes
func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	if err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetNode returns a node by id
func (c *Client) GetNode(ctx context.Context, id uint64) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodGet, nodePath(id, ""), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ClusterHealth returns the per node health report
func (c *Client) ClusterHealth(ctx context.Context) ([]types.NodeHealth, error) {
	var report []types.NodeHealth
	if err := c.do(ctx, http.MethodGet, "/v1/nodes/health", nil, &report); err != nil {
		return nil, err
	}
	return report, nil
}

// Heartbeat sends a heartbeat for hb.NodeID
func (c *Client) Heartbeat(ctx context.Context, hb types.Heartbeat) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodPost, nodePath(hb.NodeID, "/heartbeat"), hb, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// UpdateComponent sets the status of one component on a node
func (c *Client) UpdateComponent(ctx context.Context, id uint64, component types.Component, status types.ComponentStatus) (*types.Node, error) {
	body := map[string]string{"component": string(component), "status": string(status)}
	var node types.Node
	if err := c.do(ctx, http.MethodPatch, nodePath(id, "/components"), body, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// FailNode forces a node into failed
func (c *Client) FailNode(ctx context.Context, id uint64) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodPost, nodePath(id, "/fail"), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// CleanupNode exhausts, drains and reaps a node
func (c *Client) CleanupNode(ctx context.Context, id uint64) (*manager.RescheduleResult, error) {
	var result manager.RescheduleResult
	if err := c.do(ctx, http.MethodPost, nodePath(id, "/cleanup"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RescheduleNode drains a permanently failed node
func (c *Client) RescheduleNode(ctx context.Context, id uint64) (*manager.RescheduleResult, error) {
	var result manager.RescheduleResult
	if err := c.do(ctx, http.MethodPost, nodePath(id, "/reschedule"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreatePod creates and places a pod. When no node fits the returned
// *APIError carries the pending pod.
func (c *Client) CreatePod(ctx context.Context, spec types.PodSpec) (*types.Pod, error) {
	var pod types.Pod
	if err := c.do(ctx, http.MethodPost, "/v1/pods", spec, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// ListPods lists pods, optionally only those in status
func (c *Client) ListPods(ctx context.Context, status types.PodStatus) ([]*types.Pod, error) {
	path := "/v1/pods"
	if status != "" {
		path += "?status=" + string(status)
	}
	var pods []*types.Pod
	if err := c.do(ctx, http.MethodGet, path, nil, &pods); err != nil {
		return nil, err
	}
	return pods, nil
}

// GetPod returns a pod by id
func (c *Client) GetPod(ctx context.Context, id uint64) (*types.Pod, error) {
	var pod types.Pod
	if err := c.do(ctx, http.MethodGet, podPath(id, ""), nil, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// SchedulePod retries placement of an unplaced pod
func (c *Client) SchedulePod(ctx context.Context, id uint64) (*types.Pod, error) {
	var pod types.Pod
	if err := c.do(ctx, http.MethodPost, podPath(id, "/schedule"), nil, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// DeletePod deletes a pod
func (c *Client) DeletePod(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodDelete, podPath(id, ""), nil, nil)
}

func nodePath(id uint64, suffix string) string {
	return "/v1/nodes/" + strconv.FormatUint(id, 10) + suffix
}

func podPath(id uint64, suffix string) string {
	return "/v1/pods/" + strconv.FormatUint(id, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error     string     `json:"error"`
		RequestID string     `json:"request_id"`
		Pod       *types.Pod `json:"pod"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}
	apiErr.Message = body.Error
	apiErr.RequestID = body.RequestID
	apiErr.Pod = body.Pod
	return apiErr
}
