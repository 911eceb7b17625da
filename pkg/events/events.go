package events

import (
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/google/uuid"
)

// Channels the engine publishes on
const (
	ChannelSessions   = "sessions"
	ChannelContainers = "containers"
	ChannelLogs       = "logs"
	ChannelPool       = "pool"
)

// Kind distinguishes incremental updates from full state
type Kind string

const (
	KindDelta    Kind = "delta"
	KindSnapshot Kind = "snapshot"
)

// Event is one published notification
type Event struct {
	ID        string
	Kind      Kind
	Channel   string
	Key       string
	Timestamp time.Time
	Payload   interface{}
}

// SessionRemoved is published on ChannelSessions when a session is torn down
type SessionRemoved struct {
	SessionID string
	ProjectID string
	Reason    string
}

// Publisher is the notification surface the engine depends on.
// Delivery is fire-and-forget.
type Publisher interface {
	PublishDelta(channel, key string, payload interface{})
	PublishSnapshot(channel, key string, payload interface{})
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once

	// last snapshot per channel and key, replayed to new subscribers
	snapshots   map[string]map[string]*Event
	snapshotsMu sync.RWMutex
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		snapshots:   make(map[string]map[string]*Event),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel. Cached
// snapshots are queued on the new channel first.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)

	b.snapshotsMu.RLock()
	for _, byKey := range b.snapshots {
		for _, ev := range byKey {
			select {
			case sub <- ev:
			default:
			}
		}
	}
	b.snapshotsMu.RUnlock()

	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// PublishDelta publishes an incremental update
func (b *Broker) PublishDelta(channel, key string, payload interface{}) {
	b.publish(&Event{Kind: KindDelta, Channel: channel, Key: key, Payload: payload})
}

// PublishSnapshot publishes full state for a key and caches it
func (b *Broker) PublishSnapshot(channel, key string, payload interface{}) {
	ev := &Event{Kind: KindSnapshot, Channel: channel, Key: key, Payload: payload}

	b.snapshotsMu.Lock()
	byKey, ok := b.snapshots[channel]
	if !ok {
		byKey = make(map[string]*Event)
		b.snapshots[channel] = byKey
	}
	byKey[key] = ev
	b.snapshotsMu.Unlock()

	b.publish(ev)
}

// LastSnapshot returns the cached snapshot for a channel and key
func (b *Broker) LastSnapshot(channel, key string) (*Event, bool) {
	b.snapshotsMu.RLock()
	defer b.snapshotsMu.RUnlock()
	ev, ok := b.snapshots[channel][key]
	return ev, ok
}

// Forget drops every cached snapshot for key across all channels
func (b *Broker) Forget(key string) {
	b.snapshotsMu.Lock()
	defer b.snapshotsMu.Unlock()
	for _, byKey := range b.snapshots {
		delete(byKey, key)
	}
}

func (b *Broker) publish(event *Event) {
	event.ID = uuid.NewString()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Never block the engine on a slow broker
	select {
	case b.eventCh <- event:
		metrics.NotificationsPublishedTotal.WithLabelValues(event.Channel, string(event.Kind)).Inc()
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Recorder is an in-memory Publisher that keeps every event, for tests and dry runs
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// PublishDelta records a delta event
func (r *Recorder) PublishDelta(channel, key string, payload interface{}) {
	r.record(KindDelta, channel, key, payload)
}

// PublishSnapshot records a snapshot event
func (r *Recorder) PublishSnapshot(channel, key string, payload interface{}) {
	r.record(KindSnapshot, channel, key, payload)
}

func (r *Recorder) record(kind Kind, channel, key string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, &Event{Kind: kind, Channel: channel, Key: key, Timestamp: time.Now(), Payload: payload})
}

// Events returns recorded events on channel (all channels when empty)
func (r *Recorder) Events(channel string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, ev := range r.events {
		if channel == "" || ev.Channel == channel {
			out = append(out, ev)
		}
	}
	return out
}
