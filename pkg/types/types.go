package types

import (
	"time"
)

// Project groups the container definitions that make up one session template
type Project struct {
	ID         string
	Name       string
	Repository *Repository // Optional source used to seed session workspaces
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Repository describes a git source cloned into each session workspace
type Repository struct {
	URL string
	Ref string // Branch name; empty means the remote default
}

// ContainerDefinition is the project-level template for a container
type ContainerDefinition struct {
	ID        string
	ProjectID string
	Name      string
	Image     string
	Hostname  string // Optional fixed hostname inside the session network
	Ports     []*PortMapping
	Env       map[string]string
	DependsOn []*Dependency
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExposedPorts returns the container ports of the definition
func (d *ContainerDefinition) ExposedPorts() []int {
	ports := make([]int, 0, len(d.Ports))
	for _, p := range d.Ports {
		ports = append(ports, p.ContainerPort)
	}
	return ports
}

// PortMapping defines an exposed container port
type PortMapping struct {
	Name          string
	ContainerPort int
	Protocol      string // "tcp" or "udp"
}

// Dependency is an edge from a container to the container it waits on
type Dependency struct {
	ContainerID string
	Condition   DependencyCondition
}

// DependencyCondition qualifies a dependency edge
type DependencyCondition string

const (
	ConditionStarted DependencyCondition = "service_started"
	ConditionHealthy DependencyCondition = "service_healthy"
)

// Session is one ephemeral multi-container environment
type Session struct {
	ID        string
	ProjectID string
	Status    SessionStatus
	Ready     bool     // Pooled sessions are claimable only once every container runs
	Routes    []*Route // Public routes from the proxy cluster registration
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClaimedAt time.Time
}

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	SessionStatusPooled   SessionStatus = "pooled"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusDeleting SessionStatus = "deleting"
	SessionStatusError    SessionStatus = "error"
)

// SessionContainer is one runtime instance of a ContainerDefinition
type SessionContainer struct {
	ID          string // Same as the ContainerDefinition ID
	SessionID   string
	Name        string
	RuntimeID   string // Empty until the runtime create call succeeds
	Hostname    string
	Status      ContainerStatus
	Error       string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	HealthState string
}

// ContainerStatus represents the state of a session container
type ContainerStatus string

const (
	ContainerStatusStarting ContainerStatus = "starting"
	ContainerStatusRunning  ContainerStatus = "running"
	ContainerStatusStopped  ContainerStatus = "stopped"
	ContainerStatusError    ContainerStatus = "error"
)

// Route is one public entry of a cluster registration
type Route struct {
	ContainerID   string
	ContainerPort int
	Hostname      string
	URL           string
}

// ProxyTarget is a (containerPort, hostname) pair registered with the proxy
type ProxyTarget struct {
	ContainerID   string
	Hostname      string
	ContainerPort int
}
