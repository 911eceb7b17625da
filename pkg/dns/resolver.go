package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/miekg/dns"
)

const inspectTimeout = 5 * time.Second

// Resolver answers session container hostnames and their per-port aliases
type Resolver struct {
	store   storage.Store
	runtime runtime.Provider
	domain  string // Search domain (e.g., "hutch")
	address net.IP // Fixed answer; nil asks the runtime for the container address
}

// NewResolver creates a new resolver. address may be empty.
func NewResolver(store storage.Store, rt runtime.Provider, domain, address string) *Resolver {
	return &Resolver{
		store:   store,
		runtime: rt,
		domain:  domain,
		address: net.ParseIP(address),
	}
}

// Resolve resolves a DNS query name to A records
func (r *Resolver) Resolve(queryName string) ([]dns.RR, error) {
	name := strings.ToLower(strings.TrimSuffix(queryName, "."))

	log.Logger.Debug().
		Str("component", "dns.resolver").
		Str("query", name).
		Msg("resolving DNS query")

	ip, err := r.lookup(r.stripDomain(name))
	if err != nil {
		return nil, err
	}

	return []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   r.makeFQDN(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    10, // Session containers come and go
		},
		A: ip,
	}}, nil
}

// LookupHost returns the address of a session hostname or alias
func (r *Resolver) LookupHost(name string) (string, bool) {
	ip, err := r.lookup(r.stripDomain(strings.ToLower(strings.TrimSuffix(name, "."))))
	if err != nil {
		return "", false
	}
	return ip.String(), true
}

// lookup tries the exact hostname first, then a per-port alias
func (r *Resolver) lookup(name string) (net.IP, error) {
	if c, err := r.findRunning(name); err == nil {
		return r.addressOf(c)
	}

	hostname, _, err := parseAliasName(name)
	if err != nil {
		return nil, fmt.Errorf("query not resolvable by hutch DNS: %s", name)
	}
	c, err := r.findRunning(hostname)
	if err != nil {
		return nil, err
	}
	return r.addressOf(c)
}

func (r *Resolver) findRunning(hostname string) (*types.SessionContainer, error) {
	containers, err := r.store.ListAllSessionContainers()
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		if c.Hostname == hostname && c.Status == types.ContainerStatusRunning {
			return c, nil
		}
	}
	return nil, types.NewNotFound("hostname", hostname)
}

func (r *Resolver) addressOf(c *types.SessionContainer) (net.IP, error) {
	if r.address != nil {
		return r.address, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
	defer cancel()
	info, err := r.runtime.InspectContainer(ctx, c.RuntimeID)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(info.IPAddress)
	if ip == nil {
		return nil, fmt.Errorf("no address for %s", c.Hostname)
	}
	return ip, nil
}

// stripDomain removes the search domain suffix from a name
// hutch-ab-cd-123abc.hutch -> hutch-ab-cd-123abc
func (r *Resolver) stripDomain(name string) string {
	if r.domain == "" {
		return name
	}
	return strings.TrimSuffix(name, "."+r.domain)
}

// makeFQDN ensures a name ends with a dot (fully qualified)
func (r *Resolver) makeFQDN(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}
