// Package config loads the hutch daemon configuration from YAML, applies
// HUTCH_* environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime drivers
const (
	DriverDocker     = "docker"
	DriverContainerd = "containerd"
)

// Defaults
const (
	DefaultDataDir           = "./hutch-data"
	DefaultLogLevel          = "info"
	DefaultContainerdSocket  = "/run/containerd/containerd.sock"
	DefaultReconcileTimeout  = 10 * time.Minute
	DefaultReconcileInterval = time.Minute
	DefaultBackoffBase       = time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultMonitorInitial    = time.Second
	DefaultMonitorMax        = 30 * time.Second
	DefaultStopTimeout       = 10 * time.Second
	DefaultHealthTimeout     = 2 * time.Minute
	DefaultIngressAddr       = ":8000"
	DefaultDomain            = "sessions.localhost"
	DefaultAPIAddr           = ":8080"
	DefaultSharedNetwork     = "hutch-shared"
	DefaultDNSAddr           = "127.0.0.1:5353"
	DefaultDaemonTimeout     = 30 * time.Second
)

// Config holds all daemon settings
type Config struct {
	DataDir string    `yaml:"data_dir"`
	Log     LogConfig `yaml:"log"`

	Runtime   RuntimeConfig   `yaml:"runtime"`
	Pool      PoolConfig      `yaml:"pool"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Ingress   IngressConfig   `yaml:"ingress"`
	API       APIConfig       `yaml:"api"`
	DNS       DNSConfig       `yaml:"dns"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// LogConfig controls zerolog output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RuntimeConfig selects the container runtime
type RuntimeConfig struct {
	Driver string `yaml:"driver"`
	// Socket is the containerd socket, or the Docker host URL; empty means
	// the driver default
	Socket        string        `yaml:"socket"`
	LogDir        string        `yaml:"log_dir"` // containerd task logs
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	SharedNetwork string        `yaml:"shared_network"`
}

// PoolConfig sizes the warm pool
type PoolConfig struct {
	TargetSize  int           `yaml:"target_size"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// MonitorConfig holds reconnect backoff for event streams
type MonitorConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// WorkspaceConfig locates session workspaces
type WorkspaceConfig struct {
	Root  string `yaml:"root"`
	Mount string `yaml:"mount"`
}

// IngressConfig configures the session reverse proxy
type IngressConfig struct {
	ListenAddr        string  `yaml:"listen_addr"`
	Domain            string  `yaml:"domain"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// APIConfig configures the admin API
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	ReadOnly   bool   `yaml:"read_only"`
}

// DNSConfig configures the session hostname resolver
type DNSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Address    string   `yaml:"address"` // Answer for session hostnames; empty uses the container's own address
	Upstream   []string `yaml:"upstream"`
}

// DaemonConfig points at the auxiliary session daemon
type DaemonConfig struct {
	URL     string        `yaml:"url"` // Empty disables the daemon
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a config with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (if non-empty), applies defaults and environment
// overrides, and validates the result
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	setString(&c.DataDir, DefaultDataDir)
	setString(&c.Log.Level, DefaultLogLevel)

	setString(&c.Runtime.Driver, DriverDocker)
	if c.Runtime.Driver == DriverContainerd {
		setString(&c.Runtime.Socket, DefaultContainerdSocket)
		setString(&c.Runtime.LogDir, c.DataDir+"/logs")
	}
	setDuration(&c.Runtime.StopTimeout, DefaultStopTimeout)
	setDuration(&c.Runtime.HealthTimeout, DefaultHealthTimeout)
	setString(&c.Runtime.SharedNetwork, DefaultSharedNetwork)

	setDuration(&c.Pool.Timeout, DefaultReconcileTimeout)
	setDuration(&c.Pool.Interval, DefaultReconcileInterval)
	setDuration(&c.Pool.BackoffBase, DefaultBackoffBase)
	setDuration(&c.Pool.BackoffCap, DefaultBackoffCap)

	setDuration(&c.Monitor.InitialDelay, DefaultMonitorInitial)
	setDuration(&c.Monitor.MaxDelay, DefaultMonitorMax)

	setString(&c.Workspace.Root, c.DataDir+"/workspaces")
	setString(&c.Workspace.Mount, "/workspace")

	setString(&c.Ingress.ListenAddr, DefaultIngressAddr)
	setString(&c.Ingress.Domain, DefaultDomain)
	setString(&c.API.ListenAddr, DefaultAPIAddr)
	setString(&c.DNS.ListenAddr, DefaultDNSAddr)

	setDuration(&c.Daemon.Timeout, DefaultDaemonTimeout)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
