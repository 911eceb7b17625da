/*
Package ingress exposes session container ports over HTTP.

Two pieces cooperate:

  - Registry is the in-process proxy registrar. Registering a cluster (one
    per session) turns every (container, port) target into a public host
    of the form <port>-<cluster-prefix>.<domain> and returns the routes.
    Unregistering an unknown cluster returns ErrClusterNotRegistered, which
    cleanup treats as already done.

  - Proxy is the reverse proxy that serves those hosts. It routes by the
    Host header, applies a per-client token bucket rate limit, adds the
    X-Forwarded-* headers and forwards to http://<hostname>:<port>.

Container hostnames only resolve inside the session network. When the
proxy runs outside it, a HostResolver (the DNS package's Resolver) maps
hostnames to container addresses.

# Example

	registry := ingress.NewRegistry("sessions.localhost")
	routes, err := registry.Register(ctx, sessionID, []*types.ProxyTarget{
		{ContainerID: "web", Hostname: "hutch-5e2a9c41-web-1a2b3c", ContainerPort: 3000},
	})
	// routes[0].URL == "http://3000-5e2a9c41xxxx.sessions.localhost"

	proxy := ingress.NewProxy(registry, ingress.Config{ListenAddr: ":8000"}, nil)
	go proxy.Start(ctx)
*/
package ingress
