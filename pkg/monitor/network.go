package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// DefaultSharedNetwork is the network every running session container joins
// in addition to its session network
const DefaultSharedNetwork = "hutch-shared"

// SharedNetwork keeps the shared network present and every running session
// container attached to it
type SharedNetwork struct {
	runtime runtime.Provider
	store   storage.Store
	name    string
}

// NewSharedNetwork creates the shared network source
func NewSharedNetwork(rt runtime.Provider, store storage.Store, name string) *SharedNetwork {
	if name == "" {
		name = DefaultSharedNetwork
	}
	return &SharedNetwork{runtime: rt, store: store, name: name}
}

// Name returns the shared network name
func (n *SharedNetwork) Name() string {
	return n.name
}

// Sync creates the network if needed and attaches every running container
func (n *SharedNetwork) Sync(ctx context.Context) error {
	if err := n.ensure(ctx); err != nil {
		return err
	}

	containers, err := n.store.ListAllSessionContainers()
	if err != nil {
		return fmt.Errorf("failed to list session containers: %w", err)
	}

	var errs []error
	for _, c := range containers {
		if c.Status != types.ContainerStatusRunning || c.RuntimeID == "" {
			continue
		}
		if err := n.Attach(ctx, c.RuntimeID, c.Hostname); err != nil {
			errs = append(errs, fmt.Errorf("attach %s: %w", c.RuntimeID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *SharedNetwork) ensure(ctx context.Context) error {
	exists, err := n.runtime.NetworkExists(ctx, n.name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = n.runtime.CreateNetwork(ctx, n.name, map[string]string{runtime.LabelManaged: "true"})
	return err
}

// Attach connects a container to the shared network unless it already is
func (n *SharedNetwork) Attach(ctx context.Context, runtimeID, hostname string) error {
	connected, err := n.runtime.IsConnected(ctx, n.name, runtimeID)
	if err != nil {
		return err
	}
	if connected {
		return nil
	}

	var aliases []string
	if hostname != "" {
		aliases = []string{hostname}
	}
	return n.runtime.ConnectNetwork(ctx, n.name, runtimeID, aliases)
}

// Subscribe opens the event stream of the shared network
func (n *SharedNetwork) Subscribe(ctx context.Context) (<-chan runtime.Event, <-chan error) {
	return n.runtime.Events(ctx, runtime.EventFilter{
		Types:    []runtime.EventType{runtime.EventTypeNetwork},
		Networks: []string{n.name},
	})
}

// Handle recreates the network when it is destroyed and reattaches running
// containers that were disconnected
func (n *SharedNetwork) Handle(ctx context.Context, ev runtime.Event) error {
	switch ev.Action {
	case runtime.ActionDestroy:
		return n.Sync(ctx)

	case runtime.ActionDisconnect:
		id := ev.Attributes["container"]
		if id == "" {
			return nil
		}
		rec, err := n.store.GetSessionContainerByRuntimeID(id)
		if err != nil {
			if types.IsNotFound(err) {
				return nil
			}
			return err
		}
		if rec.Status != types.ContainerStatusRunning {
			return nil
		}
		return n.Attach(ctx, id, rec.Hostname)
	}
	return nil
}
