package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/kube9/pkg/manager"
	"github.com/cuemby/kube9/pkg/runtime"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KUBE9_HEALTH_MAX_ATTEMPTS
const EnvPrefix = "KUBE9"

// Store types
const (
	StoreBolt   = "bolt"
	StoreMemory = "memory"
)

// Runtime drivers
const (
	DriverSim        = "sim"
	DriverContainerd = "containerd"
	DriverDocker     = "docker"
)

// Config is the full kube9 configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Health    HealthConfig    `mapstructure:"health"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Network   NetworkConfig   `mapstructure:"network"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	// Bootstrap is an optional manifest of nodes and pods applied at startup
	Bootstrap string `mapstructure:"bootstrap"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RateLimit is requests per second per client on /v1, 0 disables it
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type StoreConfig struct {
	Type    string `mapstructure:"type"`
	DataDir string `mapstructure:"data_dir"`
}

type RuntimeConfig struct {
	Driver           string          `mapstructure:"driver"`
	ContainerdSocket string          `mapstructure:"containerd_socket"`
	Namespace        string          `mapstructure:"namespace"`
	DockerAPIVersion string          `mapstructure:"docker_api_version"`
	Image            string          `mapstructure:"image"`
	Timeout          time.Duration   `mapstructure:"timeout"`
	Mounts           []runtime.Mount `mapstructure:"mounts"`
}

type HealthConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MissedThreshold   time.Duration `mapstructure:"missed_threshold"`
	InitialGrace      time.Duration `mapstructure:"initial_grace"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval"`
	// RecoveryTimeout bounds the wait for a heartbeat after a restart. The
	// 60s default outlasts one 30s monitor tick.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	ReaperInterval  time.Duration `mapstructure:"reaper_interval"`
	Purge           bool          `mapstructure:"purge"`
}

type SchedulerConfig struct {
	AllowMasters bool `mapstructure:"allow_masters"`
}

type NetworkConfig struct {
	PodCIDR string `mapstructure:"pod_cidr"`
}

type MetricsConfig struct {
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

// New returns a viper instance with every default set and environment
// overrides enabled
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_burst", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	v.SetDefault("store.type", StoreBolt)
	v.SetDefault("store.data_dir", "./kube9-data")

	v.SetDefault("runtime.driver", DriverSim)
	v.SetDefault("runtime.containerd_socket", runtime.DefaultSocketPath)
	v.SetDefault("runtime.namespace", runtime.DefaultNamespace)
	v.SetDefault("runtime.docker_api_version", runtime.DefaultDockerAPIVersion)
	v.SetDefault("runtime.image", runtime.DefaultImage)
	v.SetDefault("runtime.timeout", 10*time.Second)

	v.SetDefault("health.heartbeat_interval", 60*time.Second)
	v.SetDefault("health.missed_threshold", 180*time.Second)
	v.SetDefault("health.initial_grace", 180*time.Second)
	v.SetDefault("health.monitor_interval", 30*time.Second)
	v.SetDefault("health.recovery_interval", 30*time.Second)
	v.SetDefault("health.recovery_timeout", 60*time.Second)
	v.SetDefault("health.max_attempts", 3)
	v.SetDefault("health.reaper_interval", 30*time.Second)
	v.SetDefault("health.purge", false)

	v.SetDefault("scheduler.allow_masters", false)
	v.SetDefault("network.pod_cidr", "10.244.0.0/16")
	v.SetDefault("metrics.collect_interval", 15*time.Second)
	v.SetDefault("bootstrap", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if set) into v and decodes the result
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the control plane cannot run with
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreBolt:
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for the bolt store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store.type %q", c.Store.Type)
	}

	switch c.Runtime.Driver {
	case DriverSim, DriverContainerd, DriverDocker:
	default:
		return fmt.Errorf("unknown runtime.driver %q", c.Runtime.Driver)
	}

	durations := map[string]time.Duration{
		"runtime.timeout":           c.Runtime.Timeout,
		"health.heartbeat_interval": c.Health.HeartbeatInterval,
		"health.missed_threshold":   c.Health.MissedThreshold,
		"health.initial_grace":      c.Health.InitialGrace,
		"health.monitor_interval":   c.Health.MonitorInterval,
		"health.recovery_interval":  c.Health.RecoveryInterval,
		"health.recovery_timeout":   c.Health.RecoveryTimeout,
		"health.reaper_interval":    c.Health.ReaperInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.Health.MissedThreshold < c.Health.HeartbeatInterval {
		return fmt.Errorf("health.missed_threshold (%s) is shorter than health.heartbeat_interval (%s)",
			c.Health.MissedThreshold, c.Health.HeartbeatInterval)
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server.rate_limit and server.rate_burst cannot be negative")
	}
	if c.Health.MaxAttempts <= 0 {
		return fmt.Errorf("health.max_attempts must be positive, got %d", c.Health.MaxAttempts)
	}

	if _, _, err := net.ParseCIDR(c.Network.PodCIDR); err != nil {
		return fmt.Errorf("invalid network.pod_cidr: %w", err)
	}
	for _, m := range c.Runtime.Mounts {
		if m.Source == "" || m.Destination == "" {
			return fmt.Errorf("runtime.mounts entries need a source and a destination")
		}
	}
	return nil
}

// ManagerSettings converts the configuration into manager tunables
func (c *Config) ManagerSettings() manager.Settings {
	return manager.Settings{
		HeartbeatInterval: c.Health.HeartbeatInterval,
		MissedThreshold:   c.Health.MissedThreshold,
		InitialGrace:      c.Health.InitialGrace,
		RecoveryTimeout:   c.Health.RecoveryTimeout,
		MaxAttempts:       c.Health.MaxAttempts,
		RuntimeTimeout:    c.Runtime.Timeout,
		AllowMasters:      c.Scheduler.AllowMasters,
		Purge:             c.Health.Purge,
		PodCIDR:           c.Network.PodCIDR,
		Image:             c.Runtime.Image,
		Mounts:            c.Runtime.Mounts,
	}
}
