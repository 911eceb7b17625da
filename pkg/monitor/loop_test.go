package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("stream broke")

type script struct {
	events []int
	err    error
}

// scriptedSource replays one script per subscription. Once the scripts run
// out, subscriptions stay open until cancelled.
type scriptedSource struct {
	mu        sync.Mutex
	scripts   []script
	subs      int
	synced    int
	handled   []int
	handleErr error
}

func (s *scriptedSource) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced++
	return nil
}

func (s *scriptedSource) Subscribe(ctx context.Context) (<-chan int, <-chan error) {
	s.mu.Lock()
	s.subs++
	var sc *script
	if len(s.scripts) > 0 {
		sc = &s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.mu.Unlock()

	out := make(chan int)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		if sc != nil {
			for _, ev := range sc.events {
				select {
				case out <- ev:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if sc.err != nil {
				errc <- sc.err
				return
			}
		}
		<-ctx.Done()
		errc <- ctx.Err()
	}()
	return out, errc
}

func (s *scriptedSource) Handle(ctx context.Context, ev int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handleErr != nil {
		return s.handleErr
	}
	s.handled = append(s.handled, ev)
	return nil
}

func (s *scriptedSource) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func startLoop(t *testing.T, src *scriptedSource, config Config, wantSubs int) *sleepRecorder {
	t.Helper()

	rec := &sleepRecorder{}
	loop := NewLoop[int]("test", src, config)
	loop.sleep = rec.sleep
	loop.Start(context.Background())

	require.Eventually(t, func() bool { return src.subscriptions() == wantSubs }, 2*time.Second, 5*time.Millisecond)
	loop.Stop()
	return rec
}

func TestLoopResetsDelayAfterHandledEvent(t *testing.T) {
	src := &scriptedSource{scripts: []script{
		{err: errBoom},
		{err: errBoom},
		{events: []int{7}, err: errBoom},
	}}

	rec := startLoop(t, src, Config{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second}, 4)

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		10 * time.Millisecond,
	}, rec.recorded())
	assert.Equal(t, []int{7}, src.handled)
	assert.Equal(t, 1, src.synced)
}

func TestLoopCapsDelay(t *testing.T) {
	src := &scriptedSource{scripts: []script{
		{err: errBoom}, {err: errBoom}, {err: errBoom}, {err: errBoom}, {err: errBoom},
	}}

	rec := startLoop(t, src, Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond}, 6)

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		30 * time.Millisecond,
		30 * time.Millisecond,
	}, rec.recorded())
}

func TestLoopHandleErrorKeepsBackoff(t *testing.T) {
	src := &scriptedSource{
		scripts: []script{
			{err: errBoom},
			{events: []int{1}, err: errBoom},
		},
		handleErr: errors.New("bad event"),
	}

	rec := startLoop(t, src, Config{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second}, 3)

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.recorded())
	assert.Empty(t, src.handled)
}

func TestLoopStopAbortsSubscription(t *testing.T) {
	src := &scriptedSource{}

	rec := startLoop(t, src, Config{}, 1)

	assert.Empty(t, rec.recorded())
	assert.Equal(t, 1, src.subscriptions())
}

func TestLoopStopsWithParentContext(t *testing.T) {
	src := &scriptedSource{}
	loop := NewLoop[int]("test", src, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	cancel()

	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after context cancellation")
	}
}

func TestLoopReportsStreamHealth(t *testing.T) {
	component := metrics.ComponentMonitorPrefix + "health"
	monitorState := func() string { return metrics.GetHealth().Components[component] }

	src := &scriptedSource{scripts: []script{{err: errBoom}}}
	loop := NewLoop[int]("health", src, Config{InitialDelay: time.Millisecond})
	loop.sleep = (&sleepRecorder{}).sleep
	loop.Start(context.Background())

	require.Eventually(t, func() bool { return src.subscriptions() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "unhealthy: stream broke", monitorState())
	loop.Stop()
	assert.Empty(t, monitorState())

	src = &scriptedSource{scripts: []script{{err: errBoom}, {events: []int{1}}}}
	loop = NewLoop[int]("health", src, Config{InitialDelay: time.Millisecond})
	loop.sleep = (&sleepRecorder{}).sleep
	loop.Start(context.Background())
	defer loop.Stop()

	handled := func() int {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.handled)
	}
	require.Eventually(t, func() bool {
		return handled() == 1 && monitorState() == metrics.StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, src.subscriptions())
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, DefaultInitialDelay, c.InitialDelay)
	assert.Equal(t, DefaultMaxDelay, c.MaxDelay)

	c = Config{InitialDelay: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, c.InitialDelay)
	assert.Equal(t, time.Minute, c.MaxDelay)
}
