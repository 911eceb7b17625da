package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// Validate checks every field and returns all failures joined. Each failure
// is a *types.ValidationError.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...interface{}) {
		errs = append(errs, &types.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level", "unknown level %q", c.Log.Level)
	}

	switch c.Runtime.Driver {
	case DriverDocker, DriverContainerd:
	default:
		invalid("runtime.driver", "must be %q or %q, got %q", DriverDocker, DriverContainerd, c.Runtime.Driver)
	}
	if c.Runtime.StopTimeout < 0 {
		invalid("runtime.stop_timeout", "must not be negative")
	}

	if c.Pool.TargetSize < 0 {
		invalid("pool.target_size", "must not be negative, got %d", c.Pool.TargetSize)
	}
	if c.Pool.Timeout <= 0 {
		invalid("pool.timeout", "must be positive")
	}
	if c.Pool.Interval < 0 {
		invalid("pool.interval", "must not be negative")
	}
	if c.Pool.BackoffBase <= 0 {
		invalid("pool.backoff_base", "must be positive")
	}
	if c.Pool.BackoffCap < c.Pool.BackoffBase {
		invalid("pool.backoff_cap", "must be at least backoff_base (%s)", c.Pool.BackoffBase)
	}

	if c.Monitor.InitialDelay <= 0 {
		invalid("monitor.initial_delay", "must be positive")
	}
	if c.Monitor.MaxDelay < c.Monitor.InitialDelay {
		invalid("monitor.max_delay", "must be at least initial_delay (%s)", c.Monitor.InitialDelay)
	}

	if c.Ingress.RequestsPerSecond < 0 {
		invalid("ingress.requests_per_second", "must not be negative")
	}
	for field, addr := range map[string]string{
		"ingress.listen_addr": c.Ingress.ListenAddr,
		"api.listen_addr":     c.API.ListenAddr,
		"dns.listen_addr":     c.DNS.ListenAddr,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			invalid(field, "%v", err)
		}
	}
	if c.DNS.Address != "" && net.ParseIP(c.DNS.Address) == nil {
		invalid("dns.address", "not an IP address: %q", c.DNS.Address)
	}

	return errors.Join(errs...)
}
