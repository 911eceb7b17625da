package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/rs/zerolog"
)

// Defaults for reconnect backoff
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

var errStreamClosed = errors.New("event stream closed")

// Source is a long-lived event stream consumed by a Loop
type Source[E any] interface {
	// Sync reconciles local state against the current world once
	Sync(ctx context.Context) error
	// Subscribe opens the stream. The error channel receives one value
	// when the stream ends.
	Subscribe(ctx context.Context) (<-chan E, <-chan error)
	// Handle applies one event
	Handle(ctx context.Context, event E) error
}

// Config holds reconnect backoff settings
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = max(DefaultMaxDelay, c.InitialDelay)
	}
	return c
}

// Loop consumes a Source forever, resubscribing with exponential backoff
// whenever the stream fails
type Loop[E any] struct {
	name   string
	source Source[E]
	config Config
	sleep  func(context.Context, time.Duration) error

	failing bool // Owned by the run goroutine

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

// NewLoop creates a loop over source. The name labels logs and metrics.
func NewLoop[E any](name string, source Source[E], config Config) *Loop[E] {
	return &Loop[E]{
		name:   name,
		source: source,
		config: config.withDefaults(),
		sleep:  sleepCtx,
		logger: log.WithComponent("monitor").With().Str("monitor", name).Logger(),
	}
}

// Start runs one synchronous Sync pass and then consumes the stream in the
// background until Stop is called or ctx ends. A failed Sync is logged and
// does not prevent the loop from starting.
func (l *Loop[E]) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}

	if err := l.source.Sync(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Initial sync failed")
	}

	metrics.RegisterComponent(l.component(), true, "")
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop aborts the current subscription and waits for the loop to exit
func (l *Loop[E]) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed once the loop has exited
func (l *Loop[E]) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Loop[E]) component() string {
	return metrics.ComponentMonitorPrefix + l.name
}

func (l *Loop[E]) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer metrics.RemoveComponent(l.component())

	delay := l.config.InitialDelay
	for {
		err := l.consume(ctx, &delay)
		if ctx.Err() != nil {
			l.logger.Debug().Msg("Monitor stopped")
			return
		}

		metrics.MonitorReconnectsTotal.WithLabelValues(l.name).Inc()
		l.failing = true
		metrics.UpdateComponent(l.component(), false, err.Error())
		l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Event stream failed, resubscribing")
		if l.sleep(ctx, delay) != nil {
			return
		}
		delay = min(delay*2, l.config.MaxDelay)
	}
}

// consume reads one subscription until it fails. Every handled event
// resets delay to the initial value.
func (l *Loop[E]) consume(ctx context.Context, delay *time.Duration) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs := l.source.Subscribe(subCtx)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					if err == nil {
						err = errStreamClosed
					}
					return err
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := l.source.Handle(ctx, ev); err != nil {
				l.logger.Warn().Err(err).Msg("Failed to handle event")
				continue
			}
			metrics.MonitorEventsTotal.WithLabelValues(l.name).Inc()
			if l.failing {
				l.failing = false
				metrics.UpdateComponent(l.component(), true, "")
			}
			*delay = l.config.InitialDelay

		case err := <-errs:
			if err == nil {
				err = errStreamClosed
			}
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
