package ingress

import (
	"strings"
)

// Router maps a request host onto a registered backend
type Router struct {
	registry *Registry
}

// NewRouter creates a router over the registry
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Route finds the backend for the given host
// Returns nil if no cluster serves the host
func (r *Router) Route(host string) *Backend {
	host = normalizeHost(host)
	if !r.matchHost("*."+r.registry.domain, host) {
		return nil
	}
	b, ok := r.registry.Lookup(host)
	if !ok {
		return nil
	}
	return b
}

// matchHost checks if the request host matches the host pattern
func (r *Router) matchHost(pattern, host string) bool {
	// Empty pattern matches all hosts
	if pattern == "" {
		return true
	}

	host = normalizeHost(host)

	// Exact match
	if pattern == host {
		return true
	}

	// Wildcard match (*.example.com)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return strings.HasSuffix(host, suffix)
	}

	return false
}

// normalizeHost strips any port and lowercases the host
func normalizeHost(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx != -1 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
