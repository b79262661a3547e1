package main

import (
	"fmt"
	"os"

	"github.com/cuemby/kube9/pkg/client"
	"github.com/cuemby/kube9/pkg/config"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	v       = config.New()
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kube9",
	Short: "kube9 - node health and pod placement control plane",
	Long: `kube9 tracks node liveness through heartbeats and runtime probes,
recovers failed nodes with bounded restarts, migrates pods off nodes that
cannot be recovered and places new pods with best fit.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kube9 version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kube9 version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server", "localhost:8080", "API address used by client commands")
	mustBind("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(podCmd)
	rootCmd.AddCommand(agentCmd)
}

// mustBind makes a flag override the config key when it is set
func mustBind(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// loadConfig loads the configuration and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
	return cfg, nil
}

// newClient builds an API client from the --server flag
func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewClient(addr)
}
