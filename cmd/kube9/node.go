package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/spf13/cobra"
)

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeType, _ := cmd.Flags().GetString("type")
		cpu, _ := cmd.Flags().GetInt("cpu")

		node, err := newClient(cmd).RegisterNode(cmd.Context(), types.NodeSpec{
			Name:     args[0],
			Type:     types.NodeType(nodeType),
			CPUTotal: cpu,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Node %s registered (id %d)\n", node.Name, node.ID)
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes in the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := newClient(cmd).ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		printNodes(cmd.OutOrStdout(), nodes)
		return nil
	},
}

var nodeGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		node, err := newClient(cmd).GetNode(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), node)
	},
}

var nodeHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the cluster health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newClient(cmd).ClusterHealth(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-6s %-20s %-8s %-20s %-9s %-5s %-9s %s\n",
			"ID", "NAME", "TYPE", "STATUS", "ATTEMPTS", "PODS", "CPU", "LAST HEARTBEAT")
		for _, h := range report {
			fmt.Fprintf(out, "%-6d %-20s %-8s %-20s %-9d %-5d %-9s %s\n",
				h.NodeID, h.Name, h.Type, h.HealthStatus, h.RecoveryAttempts, h.PodsCount,
				fmt.Sprintf("%d/%d", h.CPUAvail, h.CPUTotal), since(h.LastHeartbeatAt))
		}
		return nil
	},
}

var nodeFailCmd = &cobra.Command{
	Use:   "fail ID",
	Short: "Force a node into failed so recovery starts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		node, err := newClient(cmd).FailNode(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Node %s is %s\n", node.Name, node.HealthStatus)
		return nil
	},
}

var nodeCleanupCmd = &cobra.Command{
	Use:   "cleanup ID",
	Short: "Give up on a node, migrate its pods and reap it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		result, err := newClient(cmd).CleanupNode(cmd.Context(), id)
		if err != nil {
			return err
		}
		printReschedule(cmd.OutOrStdout(), result)
		return nil
	},
}

var nodeRescheduleCmd = &cobra.Command{
	Use:   "reschedule ID",
	Short: "Migrate the pods of a permanently failed node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		result, err := newClient(cmd).RescheduleNode(cmd.Context(), id)
		if err != nil {
			return err
		}
		printReschedule(cmd.OutOrStdout(), result)
		return nil
	},
}

var nodeComponentCmd = &cobra.Command{
	Use:   "component ID COMPONENT STATUS",
	Short: "Set the status of a node component",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		node, err := newClient(cmd).UpdateComponent(cmd.Context(), id,
			types.Component(args[1]), types.ComponentStatus(args[2]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s on node %s is %s\n", args[1], node.Name, args[2])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeGetCmd)
	nodeCmd.AddCommand(nodeHealthCmd)
	nodeCmd.AddCommand(nodeFailCmd)
	nodeCmd.AddCommand(nodeCleanupCmd)
	nodeCmd.AddCommand(nodeRescheduleCmd)
	nodeCmd.AddCommand(nodeComponentCmd)

	nodeRegisterCmd.Flags().String("type", string(types.NodeTypeWorker), "Node type (worker, master)")
	nodeRegisterCmd.Flags().Int("cpu", 0, "CPU capacity")
	_ = nodeRegisterCmd.MarkFlagRequired("cpu")
}

func printNodes(out io.Writer, nodes []*types.Node) {
	fmt.Fprintf(out, "%-6s %-20s %-8s %-20s %-9s %s\n", "ID", "NAME", "TYPE", "STATUS", "CPU", "PODS")
	for _, n := range nodes {
		fmt.Fprintf(out, "%-6d %-20s %-8s %-20s %-9s %d\n",
			n.ID, n.Name, n.Type, n.HealthStatus, fmt.Sprintf("%d/%d", n.CPUAvail, n.CPUTotal), len(n.PodIDs))
	}
}

func printReschedule(out io.Writer, result *manager.RescheduleResult) {
	fmt.Fprintf(out, "✓ Node %d drained: %d migrated, %d unschedulable\n",
		result.NodeID, len(result.Migrated), len(result.Unschedulable))
	for _, id := range result.Unschedulable {
		fmt.Fprintf(out, "  pod %d is unschedulable\n", id)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}
