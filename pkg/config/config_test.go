package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hutch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, DriverDocker, cfg.Runtime.Driver)
	assert.Equal(t, 0, cfg.Pool.TargetSize)
	assert.Equal(t, DefaultReconcileTimeout, cfg.Pool.Timeout)
	assert.Equal(t, DefaultBackoffBase, cfg.Pool.BackoffBase)
	assert.Equal(t, DefaultMonitorMax, cfg.Monitor.MaxDelay)
	assert.Equal(t, DefaultDataDir+"/workspaces", cfg.Workspace.Root)
	assert.Equal(t, "/workspace", cfg.Workspace.Mount)
	assert.Empty(t, cfg.Daemon.URL)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/hutch
log:
  level: debug
  json: true
runtime:
  driver: containerd
pool:
  target_size: 3
  timeout: 90s
  backoff_base: 500ms
  backoff_cap: 8s
ingress:
  domain: preview.example.com
  requests_per_second: 20
  burst: 40
daemon:
  url: http://127.0.0.1:9222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hutch", cfg.DataDir)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, DriverContainerd, cfg.Runtime.Driver)
	assert.Equal(t, DefaultContainerdSocket, cfg.Runtime.Socket)
	assert.Equal(t, "/var/lib/hutch/logs", cfg.Runtime.LogDir)
	assert.Equal(t, 3, cfg.Pool.TargetSize)
	assert.Equal(t, 90*time.Second, cfg.Pool.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Pool.BackoffBase)
	assert.Equal(t, 8*time.Second, cfg.Pool.BackoffCap)
	assert.Equal(t, "preview.example.com", cfg.Ingress.Domain)
	assert.Equal(t, "/var/lib/hutch/workspaces", cfg.Workspace.Root)
	assert.Equal(t, "http://127.0.0.1:9222", cfg.Daemon.URL)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "pool:\n  target_size: 1\n")
	t.Setenv("HUTCH_POOL_SIZE", "4")
	t.Setenv("HUTCH_DOMAIN", "env.example.com")
	t.Setenv("HUTCH_POOL_TIMEOUT", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pool.TargetSize)
	assert.Equal(t, "env.example.com", cfg.Ingress.Domain)
	assert.Equal(t, 2*time.Minute, cfg.Pool.Timeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pool: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"bad driver", func(c *Config) { c.Runtime.Driver = "podman" }, "runtime.driver"},
		{"negative pool", func(c *Config) { c.Pool.TargetSize = -1 }, "pool.target_size"},
		{"cap below base", func(c *Config) { c.Pool.BackoffCap = time.Millisecond }, "pool.backoff_cap"},
		{"monitor max below initial", func(c *Config) { c.Monitor.MaxDelay = time.Millisecond }, "monitor.max_delay"},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"bad listen addr", func(c *Config) { c.API.ListenAddr = "8080" }, "api.listen_addr"},
		{"bad dns address", func(c *Config) { c.DNS.Address = "localhost" }, "dns.address"},
		{"negative rate", func(c *Config) { c.Ingress.RequestsPerSecond = -1 }, "ingress.requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())

			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrValidation)

			var verr *types.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateReportsEveryFailure(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Driver = "podman"
	cfg.Pool.TargetSize = -2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtime.driver")
	assert.Contains(t, err.Error(), "pool.target_size")
}
