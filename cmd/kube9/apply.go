package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/cuemby/kube9/pkg/client"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest of nodes and pods",
	Long: `Apply a kube9 manifest to a running control plane.

Nodes are registered first, then pods are created and placed. Resources
that already exist are skipped, so applying the same manifest twice is safe.

Examples:
  # Apply a cluster definition
  kube9 apply -f cluster.yaml

  # Against a remote control plane
  kube9 apply -f cluster.yaml --server 10.0.0.1:8080`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// Manifest lists nodes and pods to create
type Manifest struct {
	// Heartbeat sends one heartbeat for every newly registered node so pods
	// can be placed right away
	Heartbeat bool             `yaml:"heartbeat"`
	Nodes     []types.NodeSpec `yaml:"nodes"`
	Pods      []types.PodSpec  `yaml:"pods"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	manifest, err := loadManifest(filename)
	if err != nil {
		return err
	}
	return applyManifest(cmd.Context(), remoteTarget{client: newClient(cmd)}, manifest, cmd.OutOrStdout())
}

func loadManifest(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return parseManifest(data)
}

func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Nodes) == 0 && len(m.Pods) == 0 {
		return nil, fmt.Errorf("manifest has no nodes and no pods")
	}
	return &m, nil
}

// target is where a manifest is applied: the in-process manager or a remote
// API. Both report existing resources with types.ErrDuplicateName and
// unplaceable pods with types.ErrNoEligibleNode.
type target interface {
	registerNode(ctx context.Context, spec types.NodeSpec) (*types.Node, error)
	heartbeat(ctx context.Context, nodeID uint64) error
	createPod(ctx context.Context, spec types.PodSpec) (*types.Pod, error)
}

func applyManifest(ctx context.Context, t target, m *Manifest, out io.Writer) error {
	for _, spec := range m.Nodes {
		node, err := t.registerNode(ctx, spec)
		if errors.Is(err, types.ErrDuplicateName) {
			fmt.Fprintf(out, "node %s unchanged\n", spec.Name)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to register node %s: %w", spec.Name, err)
		}
		if m.Heartbeat {
			if err := t.heartbeat(ctx, node.ID); err != nil {
				return fmt.Errorf("failed to send heartbeat for node %s: %w", spec.Name, err)
			}
		}
		fmt.Fprintf(out, "node %s registered (id %d)\n", node.Name, node.ID)
	}

	for _, spec := range m.Pods {
		pod, err := t.createPod(ctx, spec)
		switch {
		case errors.Is(err, types.ErrDuplicateName):
			fmt.Fprintf(out, "pod %s unchanged\n", spec.Name)
		case errors.Is(err, types.ErrNoEligibleNode):
			fmt.Fprintf(out, "pod %s created, pending: no eligible node\n", spec.Name)
		case err != nil:
			return fmt.Errorf("failed to create pod %s: %w", spec.Name, err)
		default:
			fmt.Fprintf(out, "pod %s placed on node %d (%s)\n", pod.Name, pod.NodeID, pod.IPAddress)
		}
	}
	return nil
}

type localTarget struct {
	mgr *manager.Manager
}

func (l localTarget) registerNode(ctx context.Context, spec types.NodeSpec) (*types.Node, error) {
	return l.mgr.RegisterNode(ctx, spec)
}

func (l localTarget) heartbeat(ctx context.Context, nodeID uint64) error {
	_, err := l.mgr.ProcessHeartbeat(ctx, types.Heartbeat{NodeID: nodeID, Health: manager.ReportedHealthy})
	return err
}

func (l localTarget) createPod(ctx context.Context, spec types.PodSpec) (*types.Pod, error) {
	return l.mgr.PlacePod(ctx, spec)
}

type remoteTarget struct {
	client *client.Client
}

func (r remoteTarget) registerNode(ctx context.Context, spec types.NodeSpec) (*types.Node, error) {
	node, err := r.client.RegisterNode(ctx, spec)
	return node, translate(err)
}

func (r remoteTarget) heartbeat(ctx context.Context, nodeID uint64) error {
	_, err := r.client.Heartbeat(ctx, types.Heartbeat{NodeID: nodeID, Health: manager.ReportedHealthy})
	return translate(err)
}

func (r remoteTarget) createPod(ctx context.Context, spec types.PodSpec) (*types.Pod, error) {
	pod, err := r.client.CreatePod(ctx, spec)
	return pod, translate(err)
}

// translate maps a conflict from the API back onto the error taxonomy
func translate(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		return err
	}
	if apiErr.Pod != nil {
		return fmt.Errorf("%w: %s", types.ErrNoEligibleNode, apiErr.Message)
	}
	return fmt.Errorf("%w: %s", types.ErrDuplicateName, apiErr.Message)
}
