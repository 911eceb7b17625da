package ingress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/rs/zerolog"
)

// HostResolver maps a container hostname to a dialable address. It is used
// when hostnames are not resolvable by the system resolver.
type HostResolver interface {
	LookupHost(name string) (string, bool)
}

// Config holds proxy configuration
type Config struct {
	ListenAddr        string
	RequestsPerSecond float64 // Per client; zero disables rate limiting
	Burst             int
}

// Proxy is the HTTP reverse proxy for session routes
type Proxy struct {
	config     Config
	router     *Router
	middleware *Middleware
	resolver   HostResolver
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewProxy creates a new ingress proxy over the registry
func NewProxy(registry *Registry, config Config, resolver HostResolver) *Proxy {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8000"
	}
	return &Proxy{
		config:     config,
		router:     NewRouter(registry),
		middleware: NewMiddleware(config.RequestsPerSecond, config.Burst),
		resolver:   resolver,
		logger:     log.WithComponent("ingress"),
	}
}

// Start serves until ctx is cancelled
func (p *Proxy) Start(ctx context.Context) error {
	p.httpServer = &http.Server{
		Addr:         p.config.ListenAddr,
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", p.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.httpServer.Addr, err)
	}

	p.logger.Info().Str("address", p.httpServer.Addr).Msg("Ingress proxy listening")

	go func() {
		if err := p.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	p.middleware.StartCleanupJob(ctx)

	<-ctx.Done()
	p.logger.Info().Msg("Shutting down ingress proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		p.logger.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}
	return nil
}

// ServeHTTP routes the request by host and proxies it to the container
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	backend := p.router.Route(r.Host)
	if backend == nil {
		p.logger.Debug().Str("host", r.Host).Msg("No backend for host")
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if !p.middleware.CheckRateLimit(r) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	host := backend.Hostname
	if p.resolver != nil {
		if addr, ok := p.resolver.LookupHost(host); ok {
			host = addr
		}
	}

	target, err := url.Parse("http://" + net.JoinHostPort(host, strconv.Itoa(backend.ContainerPort)))
	if err != nil {
		p.logger.Error().Err(err).Str("hostname", backend.Hostname).Msg("Invalid backend address")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	p.middleware.AddProxyHeaders(r)

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	originalHost := r.Host
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		// Preserve original Host header for virtual hosting
		req.Host = originalHost
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Warn().
			Err(err).
			Str("cluster", backend.ClusterID).
			Str("target", target.Host).
			Msg("Proxy error")
		http.Error(w, "Bad gateway", http.StatusBadGateway)
	}

	proxy.ServeHTTP(w, r)
}
