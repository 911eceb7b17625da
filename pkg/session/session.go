// Package session is the entry point for creating and deleting sessions.
// Creation returns promptly: either a claimed pooled session or a fresh
// record whose containers are provisioned in the background.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/cleanup"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Provisioner initializes a session's containers
type Provisioner interface {
	Initialize(ctx context.Context, sessionID string) error
}

// Pool hands out pre-provisioned sessions
type Pool interface {
	Claim(ctx context.Context, projectID string) (*types.Session, error)
	Trigger(projectID string)
}

// Cleaner tears down a live session
type Cleaner interface {
	Full(ctx context.Context, sessionID string) (*cleanup.Report, error)
}

// initTask is one background initialization
type initTask struct {
	done chan struct{}
	err  error
}

// Manager owns session lifecycle requests
type Manager struct {
	store       storage.Store
	provisioner Provisioner
	pool        Pool
	cleaner     Cleaner
	publisher   events.Publisher

	mu           sync.Mutex
	initializing map[string]*initTask
	wg           sync.WaitGroup

	logger zerolog.Logger
}

// NewManager creates a session manager. pool may be nil when pooling is not
// wired.
func NewManager(store storage.Store, prov Provisioner, pool Pool, cleaner Cleaner, pub events.Publisher) *Manager {
	return &Manager{
		store:        store,
		provisioner:  prov,
		pool:         pool,
		cleaner:      cleaner,
		publisher:    pub,
		initializing: make(map[string]*initTask),
		logger:       log.WithComponent("session"),
	}
}

// Create returns a session for the project. A ready pooled session is
// claimed when available; otherwise a new running session is recorded and
// its containers are provisioned in the background. Provisioning failures
// surface later as an error status, never from Create.
func (m *Manager) Create(ctx context.Context, projectID string) (*types.Session, error) {
	if projectID == "" {
		return nil, &types.ValidationError{Field: "project_id", Reason: "must not be empty"}
	}
	if _, err := m.store.GetProject(projectID); err != nil {
		return nil, err
	}

	if m.pool != nil {
		sess, err := m.pool.Claim(ctx, projectID)
		if err != nil {
			m.logger.Warn().Err(err).Str("project_id", projectID).Msg("Pool claim failed, provisioning from scratch")
		} else if sess != nil {
			return sess, nil
		}
	}

	now := time.Now()
	sess := &types.Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    types.SessionStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, types.External("store", "create session", err)
	}

	snapshot := *sess
	m.publisher.PublishDelta(events.ChannelSessions, sess.ID, &snapshot)

	m.initialize(sess.ID)
	if m.pool != nil {
		m.pool.Trigger(projectID)
	}

	m.logger.Info().
		Str("session_id", sess.ID).
		Str("project_id", projectID).
		Msg("Session created, initializing in background")
	return sess, nil
}

// initialize starts background provisioning of a session. A second call
// while one is in flight joins it.
func (m *Manager) initialize(sessionID string) *initTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task, ok := m.initializing[sessionID]; ok {
		return task
	}

	task := &initTask{done: make(chan struct{})}
	m.initializing[sessionID] = task

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		err := m.provisioner.Initialize(context.Background(), sessionID)
		if err != nil {
			m.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Background initialization failed")
		}

		m.mu.Lock()
		task.err = err
		delete(m.initializing, sessionID)
		m.mu.Unlock()
		close(task.done)
	}()
	return task
}

// Initializing reports whether a background initialization is in flight
func (m *Manager) Initializing(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.initializing[sessionID]
	return ok
}

// WaitInitialized blocks until the in-flight initialization of the session,
// if any, has finished and returns its error
func (m *Manager) WaitInitialized(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	task, ok := m.initializing[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-task.done:
		return task.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a session
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	return m.store.GetSession(sessionID)
}

// Containers returns the containers of a session
func (m *Manager) Containers(ctx context.Context, sessionID string) ([]*types.SessionContainer, error) {
	if _, err := m.store.GetSession(sessionID); err != nil {
		return nil, err
	}
	return m.store.ListSessionContainers(sessionID)
}

// List returns every session, or those of one project
func (m *Manager) List(ctx context.Context, projectID string) ([]*types.Session, error) {
	if projectID == "" {
		return m.store.ListSessions()
	}
	return m.store.ListSessionsByProject(projectID)
}

// Delete tears a session down. A session that is still initializing is only
// marked deleting; the provisioner removes it as an orphan once it finishes.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	logger := m.logger.With().Str("session_id", sessionID).Str("project_id", sess.ProjectID).Logger()

	if m.Initializing(sessionID) {
		if _, err := m.store.UpdateSessionStatus(sessionID, types.SessionStatusDeleting); err != nil {
			return err
		}
		m.publisher.PublishDelta(events.ChannelSessions, sessionID, &events.SessionRemoved{
			SessionID: sessionID,
			ProjectID: sess.ProjectID,
			Reason:    "deleted",
		})

		// Initialization may have finished before the mark landed
		if m.Initializing(sessionID) {
			logger.Info().Msg("Session marked deleting, teardown deferred to provisioning")
			return nil
		}
		if _, err := m.store.GetSession(sessionID); types.IsNotFound(err) {
			return nil
		}
	}

	report, err := m.cleaner.Full(ctx, sessionID)
	if err != nil {
		return err
	}
	if !report.OK() {
		logger.Warn().Err(report.Err()).Msg("Session deleted with cleanup failures")
	}
	return nil
}

// Wait blocks until every background initialization has returned
func (m *Manager) Wait() {
	m.wg.Wait()
}
