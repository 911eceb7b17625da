package monitor

import (
	"context"
	"fmt"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
)

// ContainerEvents maps runtime lifecycle events of managed containers to
// SessionContainer status
type ContainerEvents struct {
	store     storage.Store
	runtime   runtime.Provider
	publisher events.Publisher

	// Optional collaborators notified on start and exit
	Logs    *LogTrackers
	Network *SharedNetwork

	logger zerolog.Logger
}

// NewContainerEvents creates the container event source
func NewContainerEvents(store storage.Store, rt runtime.Provider, pub events.Publisher) *ContainerEvents {
	return &ContainerEvents{
		store:     store,
		runtime:   rt,
		publisher: pub,
		logger:    log.WithComponent("monitor").With().Str("monitor", "containers").Logger(),
	}
}

// Sync compares every recorded container with the runtime. Containers that
// are still starting belong to the provisioner and are left alone.
func (c *ContainerEvents) Sync(ctx context.Context) error {
	containers, err := c.store.ListAllSessionContainers()
	if err != nil {
		return fmt.Errorf("failed to list session containers: %w", err)
	}

	for _, rec := range containers {
		if rec.RuntimeID == "" {
			continue
		}
		if rec.Status != types.ContainerStatusRunning && rec.Status != types.ContainerStatusStopped {
			continue
		}

		info, err := c.runtime.InspectContainer(ctx, rec.RuntimeID)
		switch {
		case types.IsNotFound(err):
			if rec.Status == types.ContainerStatusRunning {
				c.syncTransition(rec, types.ContainerStatusStopped, "container no longer exists")
			}
			continue
		case err != nil:
			c.logger.Warn().Err(err).Str("runtime_id", rec.RuntimeID).Msg("Failed to inspect container")
			continue
		}

		if info.Running {
			if rec.Status != types.ContainerStatusRunning {
				c.syncTransition(rec, types.ContainerStatusRunning, "")
			}
			if c.Logs != nil {
				c.Logs.Track(rec.SessionID, rec.ID, rec.RuntimeID)
			}
		} else if rec.Status == types.ContainerStatusRunning {
			c.syncTransition(rec, types.ContainerStatusStopped, "")
		}
	}
	return nil
}

// Subscribe opens the event stream for managed containers
func (c *ContainerEvents) Subscribe(ctx context.Context) (<-chan runtime.Event, <-chan error) {
	return c.runtime.Events(ctx, runtime.EventFilter{
		Types:  []runtime.EventType{runtime.EventTypeContainer},
		Labels: map[string]string{runtime.LabelManaged: "true"},
	})
}

// stoppedExitCodes are the exit codes of a normal stop. A stop sends SIGTERM
// and then SIGKILL, and the runtime reports die (128+signal) before stop.
var stoppedExitCodes = map[string]bool{
	"":    true,
	"0":   true,
	"137": true,
	"143": true,
}

// Handle applies one container event. Events for containers that have no
// record are ignored.
func (c *ContainerEvents) Handle(ctx context.Context, ev runtime.Event) error {
	rec, err := c.store.GetSessionContainerByRuntimeID(ev.ActorID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil
		}
		return err
	}

	switch ev.Action {
	case runtime.ActionStart:
		if c.Logs != nil {
			c.Logs.Track(rec.SessionID, rec.ID, rec.RuntimeID)
		}
		if c.Network != nil {
			if err := c.Network.Attach(ctx, rec.RuntimeID, rec.Hostname); err != nil {
				c.logger.Warn().Err(err).Str("runtime_id", rec.RuntimeID).Msg("Failed to attach container to shared network")
			}
		}
		return c.transition(rec, types.ContainerStatusRunning, "")

	case runtime.ActionStop:
		return c.transition(rec, types.ContainerStatusStopped, "")

	case runtime.ActionDie:
		if c.Logs != nil {
			c.Logs.Untrack(rec.RuntimeID)
		}
		if code := ev.Attributes["exitCode"]; !stoppedExitCodes[code] {
			return c.transition(rec, types.ContainerStatusError, "exited with code "+code)
		}
		return c.transition(rec, types.ContainerStatusStopped, "")

	case runtime.ActionHealth:
		rec.HealthState = ev.Attributes["health_status"]
		if err := c.store.PutSessionContainer(rec); err != nil {
			return err
		}
		c.publisher.PublishDelta(events.ChannelContainers, rec.SessionID, rec)
		return nil
	}
	return nil
}

func (c *ContainerEvents) syncTransition(rec *types.SessionContainer, status types.ContainerStatus, message string) {
	if err := c.transition(rec, status, message); err != nil {
		c.logger.Warn().Err(err).Str("runtime_id", rec.RuntimeID).Msg("Failed to update container status")
	}
}

func (c *ContainerEvents) transition(rec *types.SessionContainer, status types.ContainerStatus, message string) error {
	updated, err := c.store.UpdateSessionContainerStatus(rec.SessionID, rec.ID, status, message)
	if err != nil {
		if types.IsNotFound(err) {
			return nil
		}
		return err
	}

	c.logger.Debug().
		Str("session_id", rec.SessionID).
		Str("container_id", rec.ID).
		Str("status", string(status)).
		Msg("Container status changed")
	c.publisher.PublishDelta(events.ChannelContainers, rec.SessionID, updated)
	return nil
}
