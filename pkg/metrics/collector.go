package metrics

import (
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// StateLister is the read-only view of the store the collector needs
type StateLister interface {
	ListSessions() ([]*types.Session, error)
	ListAllSessionContainers() ([]*types.SessionContainer, error)
}

// Collector periodically refreshes state gauges from the store
type Collector struct {
	store    StateLister
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store StateLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSessionMetrics()
	c.collectContainerMetrics()
}

func (c *Collector) collectSessionMetrics() {
	sessions, err := c.store.ListSessions()
	if err != nil {
		return
	}

	counts := map[types.SessionStatus]int{
		types.SessionStatusPooled:   0,
		types.SessionStatusRunning:  0,
		types.SessionStatusDeleting: 0,
		types.SessionStatusError:    0,
	}
	for _, s := range sessions {
		counts[s.Status]++
	}
	for status, n := range counts {
		SessionsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectContainerMetrics() {
	containers, err := c.store.ListAllSessionContainers()
	if err != nil {
		return
	}

	counts := map[types.ContainerStatus]int{
		types.ContainerStatusStarting: 0,
		types.ContainerStatusRunning:  0,
		types.ContainerStatusStopped:  0,
		types.ContainerStatusError:    0,
	}
	for _, sc := range containers {
		counts[sc.Status]++
	}
	for status, n := range counts {
		SessionContainersTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
