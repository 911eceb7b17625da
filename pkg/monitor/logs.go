package monitor

import (
	"bufio"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/runtime"
)

// LogLine is published on the logs channel, keyed by session id
type LogLine struct {
	SessionID   string
	ContainerID string
	RuntimeID   string
	Line        string
	Time        time.Time
}

// logSource streams the output of one container
type logSource struct {
	runtime   runtime.Provider
	publisher events.Publisher

	sessionID   string
	containerID string
	runtimeID   string

	mu    sync.Mutex
	since time.Time
}

func (s *logSource) Sync(ctx context.Context) error { return nil }

// Subscribe follows the container log from the last delivered line onwards
func (s *logSource) Subscribe(ctx context.Context) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)

	s.mu.Lock()
	since := s.since
	s.mu.Unlock()

	rc, err := s.runtime.Logs(ctx, s.runtimeID, since)
	if err != nil {
		errc <- err
		close(out)
		return out, errc
	}

	go func() {
		defer close(out)
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- err
			return
		}
		errc <- io.EOF
	}()
	return out, errc
}

func (s *logSource) Handle(ctx context.Context, line string) error {
	now := time.Now()
	s.mu.Lock()
	s.since = now
	s.mu.Unlock()

	s.publisher.PublishDelta(events.ChannelLogs, s.sessionID, &LogLine{
		SessionID:   s.sessionID,
		ContainerID: s.containerID,
		RuntimeID:   s.runtimeID,
		Line:        line,
		Time:        now,
	})
	return nil
}

// LogTrackers owns one log Loop per running container
type LogTrackers struct {
	runtime   runtime.Provider
	publisher events.Publisher
	config    Config

	mu       sync.Mutex
	trackers map[string]*Loop[string]
}

// NewLogTrackers creates an empty tracker set
func NewLogTrackers(rt runtime.Provider, pub events.Publisher, config Config) *LogTrackers {
	return &LogTrackers{
		runtime:   rt,
		publisher: pub,
		config:    config,
		trackers:  make(map[string]*Loop[string]),
	}
}

// Track starts streaming the logs of a container. It returns false when the
// container is already tracked.
func (t *LogTrackers) Track(sessionID, containerID, runtimeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.trackers[runtimeID]; ok {
		return false
	}

	src := &logSource{
		runtime:     t.runtime,
		publisher:   t.publisher,
		sessionID:   sessionID,
		containerID: containerID,
		runtimeID:   runtimeID,
	}
	loop := NewLoop[string]("logs", src, t.config)
	loop.Start(context.Background())
	t.trackers[runtimeID] = loop
	return true
}

// Untrack stops the tracker of a container, if any
func (t *LogTrackers) Untrack(runtimeID string) {
	t.mu.Lock()
	loop, ok := t.trackers[runtimeID]
	delete(t.trackers, runtimeID)
	t.mu.Unlock()

	if ok {
		loop.Stop()
	}
}

// Tracked returns the runtime ids currently tracked
func (t *LogTrackers) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.trackers))
	for id := range t.trackers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every tracker
func (t *LogTrackers) StopAll() {
	t.mu.Lock()
	loops := t.trackers
	t.trackers = make(map[string]*Loop[string])
	t.mu.Unlock()

	for _, loop := range loops {
		loop.Stop()
	}
}
