package storage

import (
	"github.com/cuemby/hutch/pkg/types"
)

// Store defines the interface for session engine state storage.
// Missing rows are reported as *types.NotFoundError.
type Store interface {
	// Projects
	CreateProject(project *types.Project) error
	GetProject(id string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	UpdateProject(project *types.Project) error
	DeleteProject(id string) error

	// Container definitions (ports, env and dependency edges are stored inline)
	PutContainerDefinition(def *types.ContainerDefinition) error
	ListContainerDefinitions(projectID string) ([]*types.ContainerDefinition, error)
	DeleteContainerDefinition(projectID, id string) error

	// Sessions
	CreateSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	ListSessionsByProject(projectID string) ([]*types.Session, error)
	// Session writes change one concern each, inside a single transaction.
	// Conditional ones fail with *types.StatusConflictError.
	UpdateSessionStatus(id string, status types.SessionStatus) (*types.Session, error)
	TransitionSession(id string, from, to types.SessionStatus) (*types.Session, error)
	MarkSessionReady(id string) (*types.Session, error)
	MarkSessionError(id, message string) (*types.Session, error)
	SetSessionRoutes(id string, routes []*types.Route) (*types.Session, error)
	DeleteSession(id string) error

	// Pool
	// ClaimPooledSession atomically flips the oldest ready pooled session of a
	// project to running. It returns nil, nil when none is available.
	ClaimPooledSession(projectID string) (*types.Session, error)
	CountPooledSessions(projectID string) (int, error)
	ListPooledSessions(projectID string) ([]*types.Session, error)

	// Session containers
	PutSessionContainer(container *types.SessionContainer) error
	ListSessionContainers(sessionID string) ([]*types.SessionContainer, error)
	ListAllSessionContainers() ([]*types.SessionContainer, error)
	GetSessionContainerByRuntimeID(runtimeID string) (*types.SessionContainer, error)
	UpdateSessionContainerStatus(sessionID, containerID string, status types.ContainerStatus, message string) (*types.SessionContainer, error)

	// Utility
	Close() error
}
