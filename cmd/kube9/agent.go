package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/kube9/pkg/agent"
	"github.com/cuemby/kube9/pkg/health"
	"github.com/cuemby/kube9/pkg/types"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent NAME",
	Short: "Run a node agent that keeps a node alive",
	Long: `Register a node with the control plane and send heartbeats until
interrupted.

Examples:
  kube9 agent worker-1 --cpu 8 --server 10.0.0.1:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("type", string(types.NodeTypeWorker), "Node type (worker, master)")
	agentCmd.Flags().Int("cpu", 0, "CPU capacity")
	agentCmd.Flags().Duration("interval", 0, "Heartbeat interval (defaults to the config value)")
	agentCmd.Flags().String("checks", "", "YAML file of component checks")
	agentCmd.Flags().Int("check-retries", health.DefaultConfig().Retries, "Failed checks before a component is reported failed")
	_ = agentCmd.MarkFlagRequired("cpu")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	nodeType, _ := cmd.Flags().GetString("type")
	cpu, _ := cmd.Flags().GetInt("cpu")
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = cfg.Health.HeartbeatInterval
	}
	checks, _ := cmd.Flags().GetString("checks")
	retries, _ := cmd.Flags().GetInt("check-retries")

	prober := health.NewProber(types.NodeType(nodeType), health.Config{Retries: retries})
	if checks != "" {
		if err := prober.LoadChecks(checks); err != nil {
			return err
		}
	}

	a, err := agent.NewAgent(agent.Config{
		Client:   newClient(cmd),
		Spec:     types.NodeSpec{Name: args[0], Type: types.NodeType(nodeType), CPUTotal: cpu},
		Interval: interval,
		Probe:    prober.Probe,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Node %s registered (id %d), heartbeat every %s\n",
		args[0], a.NodeID(), interval.Truncate(time.Second))

	<-ctx.Done()
	a.Stop()
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Agent stopped")
	return nil
}
