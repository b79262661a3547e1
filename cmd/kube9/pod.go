package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/kube9/pkg/client"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/spf13/cobra"
)

// Pod commands
var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Manage pods",
}

var podCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a pod and place it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cpu, _ := cmd.Flags().GetInt("cpu")
		image, _ := cmd.Flags().GetString("image")

		spec := types.PodSpec{Name: args[0], CPUReq: cpu}
		if image != "" {
			spec.Containers = []types.ContainerSpec{{Name: args[0], Image: image}}
		}

		pod, err := newClient(cmd).CreatePod(cmd.Context(), spec)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Pod != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Pod %s created (id %d) but not placed: %s\n",
				apiErr.Pod.Name, apiErr.Pod.ID, apiErr.Message)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Pod %s placed on node %d (%s)\n", pod.Name, pod.NodeID, pod.IPAddress)
		return nil
	},
}

var podListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pods",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		pods, err := newClient(cmd).ListPods(cmd.Context(), types.PodStatus(status))
		if err != nil {
			return err
		}
		printPods(cmd.OutOrStdout(), pods)
		return nil
	},
}

var podGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		pod, err := newClient(cmd).GetPod(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), pod)
	},
}

var podScheduleCmd = &cobra.Command{
	Use:   "schedule ID",
	Short: "Retry placement of a pending or unschedulable pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		pod, err := newClient(cmd).SchedulePod(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Pod %s placed on node %d\n", pod.Name, pod.NodeID)
		return nil
	},
}

var podDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a pod",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := newClient(cmd).DeletePod(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Pod %d deleted\n", id)
		return nil
	},
}

func init() {
	podCmd.AddCommand(podCreateCmd)
	podCmd.AddCommand(podListCmd)
	podCmd.AddCommand(podGetCmd)
	podCmd.AddCommand(podScheduleCmd)
	podCmd.AddCommand(podDeleteCmd)

	podCreateCmd.Flags().Int("cpu", 1, "CPU request")
	podCreateCmd.Flags().String("image", "", "Container image")
	podListCmd.Flags().String("status", "", "Only pods in this status")
}

func printPods(out io.Writer, pods []*types.Pod) {
	fmt.Fprintf(out, "%-6s %-20s %-4s %-14s %-6s %s\n", "ID", "NAME", "CPU", "STATUS", "NODE", "IP")
	for _, p := range pods {
		node := "-"
		if p.NodeID != 0 {
			node = fmt.Sprintf("%d", p.NodeID)
		}
		fmt.Fprintf(out, "%-6d %-20s %-4d %-14s %-6s %s\n", p.ID, p.Name, p.CPUReq, p.Status, node, p.IPAddress)
	}
}
