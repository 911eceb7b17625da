package ingress

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"golang.org/x/time/rate"
)

const maxRateLimiters = 10000

// Middleware handles proxy headers and per-client rate limiting
type Middleware struct {
	limit rate.Limit
	burst int

	rateLimiters map[string]*rate.Limiter
	mu           sync.Mutex
}

// NewMiddleware creates a middleware; rps of zero disables rate limiting
func NewMiddleware(rps float64, burst int) *Middleware {
	if burst <= 0 {
		burst = 1
	}
	return &Middleware{
		limit:        rate.Limit(rps),
		burst:        burst,
		rateLimiters: make(map[string]*rate.Limiter),
	}
}

// AddProxyHeaders adds X-Real-IP and the X-Forwarded-* headers.
// X-Forwarded-For is appended by httputil.ReverseProxy itself.
func (m *Middleware) AddProxyHeaders(r *http.Request) {
	if r.Header.Get("X-Real-IP") == "" {
		r.Header.Set("X-Real-IP", getClientIP(r))
	}

	if r.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		r.Header.Set("X-Forwarded-Proto", proto)
	}

	if r.Header.Get("X-Forwarded-Host") == "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
}

// CheckRateLimit reports whether the client may send this request
func (m *Middleware) CheckRateLimit(r *http.Request) bool {
	if m.limit <= 0 {
		return true
	}

	clientIP := getClientIP(r)

	m.mu.Lock()
	limiter, exists := m.rateLimiters[clientIP]
	if !exists {
		limiter = rate.NewLimiter(m.limit, m.burst)
		m.rateLimiters[clientIP] = limiter
	}
	m.mu.Unlock()

	allowed := limiter.Allow()
	if !allowed {
		log.Logger.Warn().Str("component", "ingress").Str("client", clientIP).Msg("Rate limit exceeded")
	}
	return allowed
}

// CleanupRateLimiters drops all limiters once the table grows too large
func (m *Middleware) CleanupRateLimiters() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.rateLimiters) > maxRateLimiters {
		log.Logger.Info().Int("count", len(m.rateLimiters)).Msg("Clearing rate limiters")
		m.rateLimiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanupJob runs CleanupRateLimiters hourly until ctx is done
func (m *Middleware) StartCleanupJob(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupRateLimiters()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
