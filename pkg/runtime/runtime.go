package runtime

import (
	"context"
	"io"
	"time"
)

// Labels applied to every container and network the engine creates
const (
	LabelManaged   = "hutch.managed"
	LabelSession   = "hutch.session"
	LabelProject   = "hutch.project"
	LabelContainer = "hutch.container"
)

// ContainerSpec describes a container to create and start
type ContainerSpec struct {
	Name           string
	Image          string
	Hostname       string
	Env            []string // KEY=VALUE
	Labels         map[string]string
	Network        string   // Network to attach on creation
	Aliases        []string // DNS aliases on Network
	WorkspacePath  string   // Host path bind-mounted at WorkspaceMount
	WorkspaceMount string
	ExposedPorts   []int
}

// ContainerInfo is the inspected state of a runtime container
type ContainerInfo struct {
	ID       string
	Name     string
	Running  bool
	Status   string
	Health   string
	ExitCode int
	Labels   map[string]string
	Networks []string
	// IPAddress is the address on the session network when known, else
	// the first address reported
	IPAddress string
}

// EventType is the kind of object an event refers to
type EventType string

const (
	EventTypeContainer EventType = "container"
	EventTypeNetwork   EventType = "network"
)

// Normalized lifecycle actions
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionDie        = "die"
	ActionHealth     = "health_status"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionDestroy    = "destroy"
	ActionCreate     = "create"
)

// Event is a runtime lifecycle event
type Event struct {
	Type       EventType
	Action     string
	ActorID    string // Container id, or network id for network events
	Attributes map[string]string
	Time       time.Time
}

// EventFilter narrows an event subscription
type EventFilter struct {
	Types    []EventType
	Labels   map[string]string
	Networks []string
}

// Provider is the container runtime surface the engine depends on
type Provider interface {
	// Containers
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	ContainerExists(ctx context.Context, id string) (bool, error)
	InspectContainer(ctx context.Context, id string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]string, error)

	// Networks
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
	NetworkExists(ctx context.Context, name string) (bool, error)
	ConnectNetwork(ctx context.Context, network, containerID string, aliases []string) error
	DisconnectNetwork(ctx context.Context, network, containerID string) error
	IsConnected(ctx context.Context, network, containerID string) (bool, error)

	// Streams
	Events(ctx context.Context, filter EventFilter) (<-chan Event, <-chan error)
	Logs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error)

	Close() error
}

// CreateAndStart creates a container and starts it. A container that was
// created but failed to start is removed before returning the error.
func CreateAndStart(ctx context.Context, p Provider, spec *ContainerSpec) (string, error) {
	id, err := p.CreateContainer(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := p.StartContainer(ctx, id); err != nil {
		_ = p.RemoveContainer(context.WithoutCancel(ctx), id)
		return "", err
	}
	return id, nil
}

// SessionLabels returns the label set identifying a session's resources
func SessionLabels(sessionID, projectID string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelSession: sessionID,
		LabelProject: projectID,
	}
}

// SessionNetworkName returns the dedicated network name of a session
func SessionNetworkName(sessionID string) string {
	return "hutch-session-" + sessionID
}
