package ingress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// ErrClusterNotRegistered is returned when unregistering an unknown cluster
var ErrClusterNotRegistered = errors.New("cluster not registered")

// Registrar registers a session's exposed ports with the reverse proxy
type Registrar interface {
	Register(ctx context.Context, clusterID string, targets []*types.ProxyTarget) ([]*types.Route, error)
	Unregister(ctx context.Context, clusterID string) error
}

const clusterPrefixLen = 12

// Backend is the upstream of one public host
type Backend struct {
	ClusterID     string
	ContainerID   string
	Hostname      string
	ContainerPort int
}

// Registry is the in-process Registrar. Every target becomes a public host
// <port>-<cluster-prefix>.<domain>.
type Registry struct {
	domain string
	scheme string

	mu       sync.RWMutex
	hosts    map[string]*Backend
	clusters map[string][]string
}

// NewRegistry creates an empty registry for domain
func NewRegistry(domain string) *Registry {
	return &Registry{
		domain:   strings.ToLower(strings.Trim(domain, ".")),
		scheme:   "http",
		hosts:    make(map[string]*Backend),
		clusters: make(map[string][]string),
	}
}

// ClusterPrefix returns the host label derived from a cluster id
func ClusterPrefix(clusterID string) string {
	p := strings.ToLower(strings.ReplaceAll(clusterID, "-", ""))
	if len(p) > clusterPrefixLen {
		p = p[:clusterPrefixLen]
	}
	return p
}

// PublicHost returns the public host for a port of a cluster
func (r *Registry) PublicHost(clusterID string, port int) string {
	return fmt.Sprintf("%d-%s.%s", port, ClusterPrefix(clusterID), r.domain)
}

// Register replaces any previous registration of clusterID with targets
func (r *Registry) Register(ctx context.Context, clusterID string, targets []*types.ProxyTarget) ([]*types.Route, error) {
	if clusterID == "" {
		return nil, &types.ValidationError{Field: "cluster", Reason: "empty id"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	hosts := make(map[string]*Backend, len(targets))
	for _, t := range targets {
		if t.ContainerPort <= 0 || t.ContainerPort > 65535 {
			return nil, &types.ValidationError{Field: "port", Reason: fmt.Sprintf("%d out of range", t.ContainerPort)}
		}
		host := r.PublicHost(clusterID, t.ContainerPort)
		if prev, ok := r.hosts[host]; ok && prev.ClusterID != clusterID {
			return nil, types.External("ingress", "register", fmt.Errorf("host %s already bound to cluster %s", host, prev.ClusterID))
		}
		if _, dup := hosts[host]; dup {
			return nil, &types.ValidationError{Field: "port", Reason: fmt.Sprintf("%d exposed twice", t.ContainerPort)}
		}
		hosts[host] = &Backend{
			ClusterID:     clusterID,
			ContainerID:   t.ContainerID,
			Hostname:      t.Hostname,
			ContainerPort: t.ContainerPort,
		}
	}

	r.dropLocked(clusterID)

	names := make([]string, 0, len(hosts))
	routes := make([]*types.Route, 0, len(hosts))
	for host, b := range hosts {
		r.hosts[host] = b
		names = append(names, host)
		routes = append(routes, &types.Route{
			ContainerID:   b.ContainerID,
			ContainerPort: b.ContainerPort,
			Hostname:      b.Hostname,
			URL:           r.scheme + "://" + host,
		})
	}
	r.clusters[clusterID] = names

	sort.Slice(routes, func(i, j int) bool { return routes[i].ContainerPort < routes[j].ContainerPort })

	log.Logger.Info().
		Str("component", "ingress").
		Str("cluster", clusterID).
		Int("routes", len(routes)).
		Msg("Registered proxy cluster")
	return routes, nil
}

// Unregister removes every host of the cluster
func (r *Registry) Unregister(ctx context.Context, clusterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clusters[clusterID]; !ok {
		return ErrClusterNotRegistered
	}
	r.dropLocked(clusterID)

	log.Logger.Info().
		Str("component", "ingress").
		Str("cluster", clusterID).
		Msg("Unregistered proxy cluster")
	return nil
}

func (r *Registry) dropLocked(clusterID string) {
	for _, host := range r.clusters[clusterID] {
		delete(r.hosts, host)
	}
	delete(r.clusters, clusterID)
}

// Lookup returns the backend bound to host
func (r *Registry) Lookup(host string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.hosts[strings.ToLower(host)]
	return b, ok
}

// Clusters returns the ids of registered clusters
func (r *Registry) Clusters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clusters))
	for id := range r.clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
