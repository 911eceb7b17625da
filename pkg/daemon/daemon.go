// Package daemon controls the session-scoped auxiliary daemon (for example
// a headless browser) that lives next to a session's containers.
package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// Controller starts and stops the auxiliary daemon of a session
type Controller interface {
	Start(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
	ForceStop(ctx context.Context, sessionID string) error
}

// NoopController is used when no daemon is configured
type NoopController struct{}

func (NoopController) Start(ctx context.Context, sessionID string) error     { return nil }
func (NoopController) Stop(ctx context.Context, sessionID string) error      { return nil }
func (NoopController) ForceStop(ctx context.Context, sessionID string) error { return nil }

// HTTPController drives a daemon supervisor over HTTP:
// POST {base}/sessions/{id}/start|stop|kill
type HTTPController struct {
	base   string
	client *http.Client
}

// NewHTTPController creates a controller for the supervisor at baseURL
func NewHTTPController(baseURL string, timeout time.Duration) (*HTTPController, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &types.ValidationError{Field: "daemon_url", Reason: fmt.Sprintf("invalid URL %q", baseURL)}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPController{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Start asks the supervisor to start the session's daemon
func (c *HTTPController) Start(ctx context.Context, sessionID string) error {
	return c.post(ctx, sessionID, "start")
}

// Stop asks the supervisor to stop the daemon gracefully
func (c *HTTPController) Stop(ctx context.Context, sessionID string) error {
	return c.post(ctx, sessionID, "stop")
}

// ForceStop kills the daemon. A daemon that is not running is not an error.
func (c *HTTPController) ForceStop(ctx context.Context, sessionID string) error {
	return c.post(ctx, sessionID, "kill")
}

func (c *HTTPController) post(ctx context.Context, sessionID, action string) error {
	endpoint := fmt.Sprintf("%s/sessions/%s/%s", c.base, url.PathEscape(sessionID), action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return types.External("daemon", action, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.External("daemon", action, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound && action != "start":
		log.Logger.Debug().
			Str("component", "daemon").
			Str("session_id", sessionID).
			Str("action", action).
			Msg("Daemon not running")
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.External("daemon", action, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}

// New returns an HTTPController for baseURL, or a NoopController when
// baseURL is empty.
func New(baseURL string, timeout time.Duration) (Controller, error) {
	if baseURL == "" {
		return NoopController{}, nil
	}
	return NewHTTPController(baseURL, timeout)
}
