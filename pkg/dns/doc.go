/*
Package dns provides a small DNS server that resolves session container
hostnames.

Session containers are reachable by their generated hostnames on the
session network. Processes outside that network (the ingress proxy, an
operator's shell, a browser on the host) cannot use the runtime's embedded
DNS, so the engine can run its own resolver.

# Name Resolution

	Query: hutch-5e2a9c41-api-1a2b3c-3000.hutch
	  ↓
	1. Strip the search domain (default "hutch")
	  ↓
	2. Exact hostname of a running session container?
	  ↓ no
	3. Per-port alias "<hostname>-<port>"? Look up <hostname>
	  ↓
	4a. Found: one A record, TTL 10s
	4b. Not found: forward to the upstream servers, SERVFAIL if all fail

The address comes from the runtime (the container's IP on its session
network) unless a fixed address is configured. The fixed address is how
the containerd driver is served: its tasks share the host network
namespace, so every name points at the host.

Only A queries are answered locally. Everything else is forwarded.

# Usage

	srv := dns.NewServer(store, rt, &dns.Config{
		ListenAddr: "127.0.0.1:5353",
		Upstream:   []string{"1.1.1.1:53"},
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	// The resolver also serves the ingress proxy directly
	proxy := ingress.NewProxy(registry, cfg, srv.Resolver())
*/
package dns
