package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketProjects          = []byte("projects")
	bucketDefinitions       = []byte("container_definitions")
	bucketSessions          = []byte("sessions")
	bucketSessionContainers = []byte("session_containers")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProjects,
			bucketDefinitions,
			bucketSessions,
			bucketSessionContainers,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// compositeKey joins a parent id and a child id so children can be prefix-scanned
func compositeKey(parent, child string) []byte {
	return []byte(parent + "/" + child)
}

func put(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Project operations
func (s *BoltStore) CreateProject(project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketProjects), []byte(project.ID), project)
	})
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProjects).Get([]byte(id))
		if data == nil {
			return types.NewNotFound("project", id)
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects = append(projects, &project)
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) UpdateProject(project *types.Project) error {
	return s.CreateProject(project) // Same as create (upsert)
}

// DeleteProject removes the project and its container definitions
func (s *BoltStore) DeleteProject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProjects).Delete([]byte(id)); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(bucketDefinitions), []byte(id+"/"))
	})
}

// Container definition operations
func (s *BoltStore) PutContainerDefinition(def *types.ContainerDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketProjects).Get([]byte(def.ProjectID)) == nil {
			return types.NewNotFound("project", def.ProjectID)
		}
		return put(tx.Bucket(bucketDefinitions), compositeKey(def.ProjectID, def.ID), def)
	})
}

func (s *BoltStore) ListContainerDefinitions(projectID string) ([]*types.ContainerDefinition, error) {
	var defs []*types.ContainerDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachPrefix(tx.Bucket(bucketDefinitions), []byte(projectID+"/"), func(v []byte) error {
			var def types.ContainerDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			defs = append(defs, &def)
			return nil
		})
	})
	return defs, err
}

func (s *BoltStore) DeleteContainerDefinition(projectID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefinitions).Delete(compositeKey(projectID, id))
	})
}

// Session operations
func (s *BoltStore) CreateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketSessions), []byte(session.ID), session)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var session *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		session, err = getSession(tx, id)
		return err
	})
	return session, err
}

func getSession(tx *bolt.Tx, id string) (*types.Session, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(id))
	if data == nil {
		return nil, types.NewNotFound("session", id)
	}
	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	return s.filterSessions(func(*types.Session) bool { return true })
}

func (s *BoltStore) ListSessionsByProject(projectID string) ([]*types.Session, error) {
	return s.filterSessions(func(sess *types.Session) bool { return sess.ProjectID == projectID })
}

func (s *BoltStore) filterSessions(keep func(*types.Session) bool) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if keep(&session) {
				sessions = append(sessions, &session)
			}
			return nil
		})
	})
	return sessions, err
}

// modifySession applies fn to the stored session inside one write
// transaction. Callers change only the fields they own, so concurrent
// writers never resurrect a status they read earlier.
func (s *BoltStore) modifySession(id string, fn func(*types.Session) error) (*types.Session, error) {
	var session *types.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		session, err = getSession(tx, id)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		session.UpdatedAt = time.Now()
		return put(tx.Bucket(bucketSessions), []byte(id), session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *BoltStore) UpdateSessionStatus(id string, status types.SessionStatus) (*types.Session, error) {
	return s.modifySession(id, func(session *types.Session) error {
		session.Status = status
		return nil
	})
}

// TransitionSession moves a session from one status to another, failing
// with a StatusConflictError when it is no longer in from
func (s *BoltStore) TransitionSession(id string, from, to types.SessionStatus) (*types.Session, error) {
	return s.modifySession(id, func(session *types.Session) error {
		if session.Status != from {
			return statusConflict(session, from)
		}
		session.Status = to
		return nil
	})
}

// MarkSessionReady makes a pooled session claimable. A session that left
// the pool meanwhile is a StatusConflictError.
func (s *BoltStore) MarkSessionReady(id string) (*types.Session, error) {
	return s.modifySession(id, func(session *types.Session) error {
		if session.Status != types.SessionStatusPooled {
			return statusConflict(session, types.SessionStatusPooled)
		}
		session.Ready = true
		return nil
	})
}

// MarkSessionError records a provisioning failure. A session already being
// deleted keeps its status and only gets the message.
func (s *BoltStore) MarkSessionError(id, message string) (*types.Session, error) {
	return s.modifySession(id, func(session *types.Session) error {
		if session.Status != types.SessionStatusDeleting {
			session.Status = types.SessionStatusError
		}
		session.Error = message
		return nil
	})
}

// SetSessionRoutes replaces the public routes and nothing else
func (s *BoltStore) SetSessionRoutes(id string, routes []*types.Route) (*types.Session, error) {
	return s.modifySession(id, func(session *types.Session) error {
		session.Routes = routes
		return nil
	})
}

func statusConflict(session *types.Session, want types.SessionStatus) error {
	return &types.StatusConflictError{
		Kind: "session",
		ID:   session.ID,
		Want: string(want),
		Got:  string(session.Status),
	}
}

// DeleteSession removes the session and all of its session containers
func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Delete([]byte(id)); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(bucketSessionContainers), []byte(id+"/"))
	})
}

// Pool operations

// ClaimPooledSession runs inside a single write transaction. bbolt admits one
// writer at a time, so two claimants can never observe the same pooled row.
func (s *BoltStore) ClaimPooledSession(projectID string) (*types.Session, error) {
	var claimed *types.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var candidates []*types.Session
		err := b.ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.ProjectID == projectID && session.Status == types.SessionStatusPooled && session.Ready {
				candidates = append(candidates, &session)
			}
			return nil
		})
		if err != nil || len(candidates) == 0 {
			return err
		}

		sortOldestFirst(candidates)
		claimed = candidates[0]
		now := time.Now()
		claimed.Status = types.SessionStatusRunning
		claimed.ClaimedAt = now
		claimed.UpdatedAt = now
		return put(b, []byte(claimed.ID), claimed)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CountPooledSessions counts pooled sessions, including ones still provisioning
func (s *BoltStore) CountPooledSessions(projectID string) (int, error) {
	sessions, err := s.ListPooledSessions(projectID)
	return len(sessions), err
}

// ListPooledSessions returns the pooled sessions of a project, oldest first
func (s *BoltStore) ListPooledSessions(projectID string) ([]*types.Session, error) {
	sessions, err := s.filterSessions(func(sess *types.Session) bool {
		return sess.ProjectID == projectID && sess.Status == types.SessionStatusPooled
	})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(sessions)
	return sessions, nil
}

func sortOldestFirst(sessions []*types.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

// Session container operations
func (s *BoltStore) PutSessionContainer(container *types.SessionContainer) error {
	if container.Status == types.ContainerStatusRunning && container.RuntimeID == "" {
		return errRunningWithoutRuntimeID(container)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSessions).Get([]byte(container.SessionID)) == nil {
			return types.NewNotFound("session", container.SessionID)
		}
		return put(tx.Bucket(bucketSessionContainers), compositeKey(container.SessionID, container.ID), container)
	})
}

func (s *BoltStore) ListSessionContainers(sessionID string) ([]*types.SessionContainer, error) {
	var containers []*types.SessionContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachPrefix(tx.Bucket(bucketSessionContainers), []byte(sessionID+"/"), func(v []byte) error {
			var c types.SessionContainer
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			containers = append(containers, &c)
			return nil
		})
	})
	return containers, err
}

func (s *BoltStore) ListAllSessionContainers() ([]*types.SessionContainer, error) {
	var containers []*types.SessionContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessionContainers).ForEach(func(k, v []byte) error {
			var c types.SessionContainer
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			containers = append(containers, &c)
			return nil
		})
	})
	return containers, err
}

func (s *BoltStore) GetSessionContainerByRuntimeID(runtimeID string) (*types.SessionContainer, error) {
	var found *types.SessionContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessionContainers).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sc types.SessionContainer
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			if sc.RuntimeID == runtimeID {
				found = &sc
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.NewNotFound("session container", runtimeID)
	}
	return found, nil
}

// UpdateSessionContainerStatus changes only the status (and error message) of a container
func (s *BoltStore) UpdateSessionContainerStatus(sessionID, containerID string, status types.ContainerStatus, message string) (*types.SessionContainer, error) {
	var sc types.SessionContainer
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionContainers)
		key := compositeKey(sessionID, containerID)
		data := b.Get(key)
		if data == nil {
			return types.NewNotFound("session container", sessionID+"/"+containerID)
		}
		if err := json.Unmarshal(data, &sc); err != nil {
			return err
		}
		if status == types.ContainerStatusRunning && sc.RuntimeID == "" {
			return errRunningWithoutRuntimeID(&sc)
		}
		sc.Status = status
		sc.Error = message
		switch status {
		case types.ContainerStatusRunning:
			sc.StartedAt = time.Now()
		case types.ContainerStatusStopped, types.ContainerStatusError:
			sc.FinishedAt = time.Now()
		}
		return put(b, key, &sc)
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func errRunningWithoutRuntimeID(c *types.SessionContainer) error {
	return &types.InternalError{Reason: fmt.Sprintf("container %s/%s cannot be running without a runtime id", c.SessionID, c.ID)}
}

func forEachPrefix(b *bolt.Bucket, prefix []byte, fn func(v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
