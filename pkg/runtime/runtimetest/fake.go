// Package runtimetest provides an in-memory runtime.Provider for tests.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

// Operation names accepted by Fail and reported by Calls
const (
	OpCreate     = "create"
	OpStart      = "start"
	OpStop       = "stop"
	OpRemove     = "remove"
	OpCreateNet  = "create_network"
	OpRemoveNet  = "remove_network"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpLogs       = "logs"
)

// Container is the fake's view of a created container
type Container struct {
	ID      string
	Spec    runtime.ContainerSpec
	Running bool
	Health  string
	Address string
}

type stream struct {
	events []runtime.Event
	err    error
}

// Provider is a thread-safe fake container runtime
type Provider struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	networks   map[string]map[string][]string
	failures   map[string]error
	calls      map[string][]string
	streams    []stream
	logs       map[string]string
	subscribed int

	// OnStart runs before a start succeeds; tests use it to interleave work
	OnStart func(id string)
}

// New returns an empty fake provider
func New() *Provider {
	return &Provider{
		containers: make(map[string]*Container),
		networks:   make(map[string]map[string][]string),
		failures:   make(map[string]error),
		calls:      make(map[string][]string),
		logs:       make(map[string]string),
	}
}

// Fail makes op fail with err for key. The key is a container name or id,
// or a network name.
func (p *Provider) Fail(op, key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op+"/"+key] = err
}

// Calls returns the keys op was invoked with, in order
func (p *Provider) Calls(op string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls[op]...)
}

// Container returns a created container by id
func (p *Provider) Container(id string) (*Container, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// ContainerByName returns a created container by name
func (p *Provider) ContainerByName(name string) (*Container, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.containers {
		if c.Spec.Name == name {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

// ContainerCount returns the number of containers that still exist
func (p *Provider) ContainerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.containers)
}

// AddContainer registers a container as if created outside the engine
func (p *Provider) AddContainer(spec runtime.ContainerSpec, running bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("ctr-%04d", p.seq)
	p.containers[id] = &Container{ID: id, Spec: spec, Running: running}
	return id
}

// SetHealth sets the health status reported by InspectContainer
func (p *Provider) SetHealth(id, health string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[id]; ok {
		c.Health = health
	}
}

// SetAddress sets the IP address reported by InspectContainer
func (p *Provider) SetAddress(id, ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[id]; ok {
		c.Address = ip
	}
}

// HasNetwork reports whether a network exists
func (p *Provider) HasNetwork(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.networks[name]
	return ok
}

// QueueStream queues the next Events subscription. The subscription
// delivers events in order and then ends with err.
func (p *Provider) QueueStream(events []runtime.Event, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, stream{events: events, err: err})
}

// Subscriptions returns how many times Events was called
func (p *Provider) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed
}

// SetLogs sets the log output returned for a container
func (p *Provider) SetLogs(id, data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs[id] = data
}

func (p *Provider) record(op string, keys ...string) error {
	p.calls[op] = append(p.calls[op], keys[0])
	for _, k := range keys {
		if err, ok := p.failures[op+"/"+k]; ok {
			return err
		}
	}
	return nil
}

// CreateContainer implements runtime.Provider
func (p *Provider) CreateContainer(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record(OpCreate, spec.Name); err != nil {
		return "", err
	}
	for _, c := range p.containers {
		if c.Spec.Name == spec.Name {
			return "", types.External("fake", "create container", fmt.Errorf("name %q in use", spec.Name))
		}
	}

	p.seq++
	id := fmt.Sprintf("ctr-%04d", p.seq)
	p.containers[id] = &Container{ID: id, Spec: *spec}
	if spec.Network != "" {
		if members, ok := p.networks[spec.Network]; ok {
			members[id] = spec.Aliases
		}
	}
	return id, nil
}

// StartContainer implements runtime.Provider
func (p *Provider) StartContainer(ctx context.Context, id string) error {
	p.mu.Lock()
	c, ok := p.containers[id]
	var err error
	if ok {
		err = p.record(OpStart, id, c.Spec.Name)
	} else {
		err = p.record(OpStart, id)
	}
	hook := p.OnStart
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return types.NewNotFound("container", id)
	}
	if hook != nil {
		hook(id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[id]; ok {
		c.Running = true
	}
	return nil
}

// StopContainer implements runtime.Provider
func (p *Provider) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record(OpStop, id, p.nameOf(id)); err != nil {
		return err
	}
	if c, ok := p.containers[id]; ok {
		c.Running = false
	}
	return nil
}

// RemoveContainer implements runtime.Provider
func (p *Provider) RemoveContainer(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record(OpRemove, id, p.nameOf(id)); err != nil {
		return err
	}
	delete(p.containers, id)
	for _, members := range p.networks {
		delete(members, id)
	}
	return nil
}

func (p *Provider) nameOf(id string) string {
	if c, ok := p.containers[id]; ok {
		return c.Spec.Name
	}
	return id
}

// ContainerExists implements runtime.Provider
func (p *Provider) ContainerExists(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.containers[id]
	return ok, nil
}

// InspectContainer implements runtime.Provider
func (p *Provider) InspectContainer(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.containers[id]
	if !ok {
		return nil, types.NewNotFound("container", id)
	}
	status := "created"
	if c.Running {
		status = "running"
	}
	info := &runtime.ContainerInfo{
		ID:        c.ID,
		Name:      c.Spec.Name,
		Running:   c.Running,
		Status:    status,
		Health:    c.Health,
		Labels:    c.Spec.Labels,
		IPAddress: c.Address,
	}
	for name, members := range p.networks {
		if _, ok := members[id]; ok {
			info.Networks = append(info.Networks, name)
		}
	}
	return info, nil
}

// ListContainers implements runtime.Provider
func (p *Provider) ListContainers(ctx context.Context, labels map[string]string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
outer:
	for id, c := range p.containers {
		for k, v := range labels {
			if c.Spec.Labels[k] != v {
				continue outer
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CreateNetwork implements runtime.Provider
func (p *Provider) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record(OpCreateNet, name); err != nil {
		return "", err
	}
	if _, ok := p.networks[name]; ok {
		return "", types.External("fake", "create network", fmt.Errorf("network %q exists", name))
	}
	p.networks[name] = make(map[string][]string)
	return "net-" + name, nil
}

// RemoveNetwork implements runtime.Provider
func (p *Provider) RemoveNetwork(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record(OpRemoveNet, name); err != nil {
		return err
	}
	delete(p.networks, name)
	return nil
}

// NetworkExists implements runtime.Provider
func (p *Provider) NetworkExists(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.networks[name]
	return ok, nil
}

// ConnectNetwork implements runtime.Provider
func (p *Provider) ConnectNetwork(ctx context.Context, network, containerID string, aliases []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record(OpConnect, containerID, network); err != nil {
		return err
	}
	members, ok := p.networks[network]
	if !ok {
		return types.NewNotFound("network", network)
	}
	members[containerID] = aliases
	return nil
}

// DisconnectNetwork implements runtime.Provider
func (p *Provider) DisconnectNetwork(ctx context.Context, network, containerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record(OpDisconnect, containerID, network); err != nil {
		return err
	}
	if members, ok := p.networks[network]; ok {
		delete(members, containerID)
	}
	return nil
}

// IsConnected implements runtime.Provider
func (p *Provider) IsConnected(ctx context.Context, network, containerID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.networks[network]
	if !ok {
		return false, nil
	}
	_, ok = members[containerID]
	return ok, nil
}

// Events implements runtime.Provider. Without a queued stream the
// subscription stays open until ctx is cancelled.
func (p *Provider) Events(ctx context.Context, filter runtime.EventFilter) (<-chan runtime.Event, <-chan error) {
	p.mu.Lock()
	p.subscribed++
	var s *stream
	if len(p.streams) > 0 {
		s = &p.streams[0]
		p.streams = p.streams[1:]
	}
	p.mu.Unlock()

	out := make(chan runtime.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		if s != nil {
			for _, ev := range s.events {
				select {
				case out <- ev:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if s.err != nil {
				errc <- s.err
				return
			}
		}
		<-ctx.Done()
		errc <- ctx.Err()
	}()
	return out, errc
}

// Logs implements runtime.Provider
func (p *Provider) Logs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record(OpLogs, id); err != nil {
		return nil, err
	}
	if _, ok := p.containers[id]; !ok {
		return nil, types.NewNotFound("container", id)
	}
	return io.NopCloser(strings.NewReader(p.logs[id])), nil
}

// Close implements runtime.Provider
func (p *Provider) Close() error { return nil }

// ErrInjected is a convenience error for Fail
var ErrInjected = errors.New("injected failure")

var _ runtime.Provider = (*Provider)(nil)
