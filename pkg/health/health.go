package health

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// ForPort returns a probe for an exposed container port reachable at
// address. Ports named "http" (or "http-*") get an HTTP probe where any
// answer below 500 counts; other TCP ports get a connect probe. UDP ports
// cannot be probed and yield nil.
func ForPort(address string, port *types.PortMapping) Checker {
	if port == nil || strings.EqualFold(port.Protocol, "udp") {
		return nil
	}

	hostPort := net.JoinHostPort(address, strconv.Itoa(port.ContainerPort))
	name := strings.ToLower(port.Name)
	if name == "http" || strings.HasPrefix(name, "http-") {
		return NewHTTPChecker("http://" + hostPort + "/").WithStatusRange(100, 499)
	}
	return NewTCPChecker(hostPort)
}

// Probe picks the probe for the first probeable port of def, or nil when
// def exposes none
func Probe(address string, def *types.ContainerDefinition) Checker {
	for _, p := range def.Ports {
		if c := ForPort(address, p); c != nil {
			return c
		}
	}
	return nil
}
