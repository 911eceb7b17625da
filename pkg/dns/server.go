package dns

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

const (
	// DefaultListenAddr keeps the server off the privileged port
	DefaultListenAddr = "127.0.0.1:5353"

	// DefaultDomain is the default search domain for session hostnames
	DefaultDomain = "hutch"

	// DefaultUpstream is the fallback DNS server for external queries
	DefaultUpstream = "8.8.8.8:53"
)

// Server answers session hostnames and forwards everything else
type Server struct {
	resolver   *Resolver
	dnsServer  *dns.Server
	listenAddr string
	upstream   []string // External DNS servers for forwarding
	mu         sync.RWMutex
	running    bool
	addr       net.Addr
	logger     zerolog.Logger
}

// Config holds DNS server configuration
type Config struct {
	ListenAddr string   // Address to listen on (default: 127.0.0.1:5353)
	Domain     string   // Search domain (default: "hutch")
	Upstream   []string // Upstream DNS servers (default: [8.8.8.8:53])
	Address    string   // Fixed answer for every session hostname; empty asks the runtime
}

// NewServer creates a new DNS server
func NewServer(store storage.Store, rt runtime.Provider, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if len(config.Upstream) == 0 {
		config.Upstream = []string{DefaultUpstream}
	}

	return &Server{
		resolver:   NewResolver(store, rt, config.Domain, config.Address),
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
		logger:     log.WithComponent("dns"),
	}
}

// Resolver returns the resolver backing the server
func (s *Server) Resolver() *Resolver {
	return s.resolver
}

// Start starts the DNS server and returns once it is listening
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("DNS server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().Str("address", s.listenAddr).Msg("starting DNS server")

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)

	started := make(chan struct{})
	server := &dns.Server{
		Addr:    s.listenAddr,
		Net:     "udp",
		Handler: mux,
	}
	server.NotifyStartedFunc = func() {
		s.mu.Lock()
		s.addr = server.PacketConn.LocalAddr()
		s.mu.Unlock()
		close(started)
	}
	s.mu.Lock()
	s.dnsServer = server
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			s.logger.Error().Err(err).Msg("DNS server error")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		_ = s.Stop()
		return ctx.Err()
	case <-started:
		s.logger.Info().Str("address", s.Addr()).Msg("DNS server started successfully")
		return nil
	}
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info().Msg("stopping DNS server")

	if s.dnsServer != nil {
		if err := s.dnsServer.Shutdown(); err != nil {
			s.logger.Error().Err(err).Msg("error stopping DNS server")
			return err
		}
	}

	s.running = false
	s.addr = nil
	return nil
}

// Addr returns the bound address, which differs from the configured one
// when the port is 0
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return s.listenAddr
	}
	return s.addr.String()
}

// handleDNSQuery handles incoming DNS queries
func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		// Only A records are served locally
		if q.Qtype != dns.TypeA {
			s.logger.Debug().
				Str("query", q.Name).
				Uint16("type", q.Qtype).
				Msg("unsupported query type, forwarding to upstream")
			s.forwardQuery(w, r)
			return
		}

		answers, err := s.resolver.Resolve(q.Name)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("query", q.Name).
				Msg("failed to resolve query, forwarding to upstream")
			s.forwardQuery(w, r)
			return
		}

		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to write DNS response")
	}
}

// forwardQuery forwards a DNS query to upstream DNS servers
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("upstream", upstream).
				Msg("failed to forward query to upstream")
			continue
		}

		if err := w.WriteMsg(resp); err != nil {
			s.logger.Error().Err(err).Msg("failed to write forwarded DNS response")
		}
		return
	}

	// All upstreams failed
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to write DNS error response")
	}
}

// IsRunning returns true if the DNS server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
