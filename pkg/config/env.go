package config

import (
	"os"
	"strconv"
	"time"
)

// envOverrides maps environment variables to config field setters
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{"HUTCH_DATA_DIR", func(c *Config, v string) { c.DataDir = v }},
	{"HUTCH_LOG_LEVEL", func(c *Config, v string) { c.Log.Level = v }},
	{"HUTCH_RUNTIME", func(c *Config, v string) { c.Runtime.Driver = v }},
	{"HUTCH_RUNTIME_SOCKET", func(c *Config, v string) { c.Runtime.Socket = v }},
	{"HUTCH_DAEMON_URL", func(c *Config, v string) { c.Daemon.URL = v }},
	{"HUTCH_DOMAIN", func(c *Config, v string) { c.Ingress.Domain = v }},
	{"HUTCH_POOL_SIZE", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.TargetSize = n
		}
	}},
	{"HUTCH_POOL_TIMEOUT", func(c *Config, v string) {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pool.Timeout = d
		}
	}},
}

// applyEnvOverrides modifies config in place with environment variable values
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
