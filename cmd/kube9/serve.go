package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/kube9/pkg/api"
	"github.com/cuemby/kube9/pkg/config"
	"github.com/cuemby/kube9/pkg/events"
	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/cuemby/kube9/pkg/monitor"
	"github.com/cuemby/kube9/pkg/reaper"
	"github.com/cuemby/kube9/pkg/recovery"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/cuemby/kube9/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the kube9 control plane: the HTTP API, the health monitor, the
recovery loop and the reaper, backed by the configured store and runtime
driver.

Examples:
  # Simulated runtime, in-memory state
  kube9 serve --store memory --driver sim

  # Persistent state, containerd runtime, seeded from a manifest
  kube9 serve --data-dir /var/lib/kube9 --driver containerd --bootstrap cluster.yaml`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("address", ":8080", "API listen address")
	flags.String("store", config.StoreBolt, "State store (bolt, memory)")
	flags.String("data-dir", "./kube9-data", "Data directory for the bolt store")
	flags.String("driver", config.DriverSim, "Runtime driver (sim, containerd, docker)")
	flags.String("bootstrap", "", "Manifest of nodes and pods applied at startup")

	mustBind("server.address", flags.Lookup("address"))
	mustBind("store.type", flags.Lookup("store"))
	mustBind("store.data_dir", flags.Lookup("data-dir"))
	mustBind("runtime.driver", flags.Lookup("driver"))
	mustBind("bootstrap", flags.Lookup("bootstrap"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.SetComponent(metrics.ComponentStore, true, cfg.Store.Type)

	driver, err := openDriver(cfg)
	if err != nil {
		metrics.SetComponent(metrics.ComponentRuntime, false, err.Error())
		return err
	}
	defer driver.Close()
	metrics.SetComponent(metrics.ComponentRuntime, true, cfg.Runtime.Driver)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr, err := manager.NewManager(manager.Config{
		Store:    store,
		Driver:   driver,
		Broker:   broker,
		Settings: cfg.ManagerSettings(),
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Bootstrap != "" {
		manifest, err := loadManifest(cfg.Bootstrap)
		if err != nil {
			return err
		}
		if err := applyManifest(ctx, localTarget{mgr: mgr}, manifest, cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("failed to apply bootstrap manifest: %w", err)
		}
	}

	collector := metrics.NewCollector(mgr, cfg.Metrics.CollectInterval)
	collector.Start()

	mon := monitor.NewHealthMonitor(mgr, cfg.Health.MonitorInterval)
	mon.Start(ctx)
	rec := recovery.NewLoop(mgr, cfg.Health.RecoveryInterval)
	rec.Start(ctx)
	reap := reaper.NewReaper(mgr, cfg.Health.ReaperInterval)
	reap.Start(ctx)

	srv := api.NewServer(mgr, api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.Address); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	logger.Info().
		Str("address", cfg.Server.Address).
		Str("store", cfg.Store.Type).
		Str("driver", cfg.Runtime.Driver).
		Str("version", Version).
		Msg("kube9 control plane running")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("API server failed")
	}

	// Loops finish their in-flight tick before the store closes
	mon.Stop()
	rec.Stop()
	reap.Stop()
	collector.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		return storage.NewMemoryStore(), nil
	default:
		store, err := storage.NewBoltStore(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return store, nil
	}
}

func openDriver(cfg *config.Config) (runtime.Driver, error) {
	switch cfg.Runtime.Driver {
	case config.DriverContainerd:
		d, err := runtime.NewContainerdDriver(cfg.Runtime.ContainerdSocket, cfg.Runtime.Namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to containerd: %w", err)
		}
		return d, nil
	case config.DriverDocker:
		d, err := runtime.NewDockerDriver(cfg.Runtime.DockerAPIVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to docker: %w", err)
		}
		return d, nil
	default:
		return runtime.NewSimDriver(), nil
	}
}
