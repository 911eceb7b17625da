package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedProject(t *testing.T, store *BoltStore, id string) {
	t.Helper()
	require.NoError(t, store.CreateProject(&types.Project{ID: id, Name: id, CreatedAt: time.Now()}))
}

func TestBoltStore_ProjectNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetProject("missing")
	assert.True(t, types.IsNotFound(err))
}

func TestBoltStore_ContainerDefinitions(t *testing.T) {
	store := newTestStore(t)
	seedProject(t, store, "p1")
	seedProject(t, store, "p2")

	require.NoError(t, store.PutContainerDefinition(&types.ContainerDefinition{
		ID:        "db",
		ProjectID: "p1",
		Image:     "postgres:16",
		Ports:     []*types.PortMapping{{ContainerPort: 5432}},
		Env:       map[string]string{"POSTGRES_PASSWORD": "x"},
	}))
	require.NoError(t, store.PutContainerDefinition(&types.ContainerDefinition{
		ID:        "api",
		ProjectID: "p1",
		Image:     "api:latest",
		DependsOn: []*types.Dependency{{ContainerID: "db", Condition: types.ConditionStarted}},
	}))
	require.NoError(t, store.PutContainerDefinition(&types.ContainerDefinition{ID: "other", ProjectID: "p2", Image: "x"}))

	defs, err := store.ListContainerDefinitions("p1")
	require.NoError(t, err)
	require.Len(t, defs, 2)

	byID := map[string]*types.ContainerDefinition{}
	for _, d := range defs {
		byID[d.ID] = d
	}
	assert.Equal(t, []int{5432}, byID["db"].ExposedPorts())
	assert.Equal(t, "db", byID["api"].DependsOn[0].ContainerID)

	err = store.PutContainerDefinition(&types.ContainerDefinition{ID: "x", ProjectID: "nope"})
	assert.True(t, types.IsNotFound(err))

	require.NoError(t, store.DeleteProject("p1"))
	defs, err = store.ListContainerDefinitions("p1")
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestBoltStore_ClaimPooledSession(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	sessions := []*types.Session{
		{ID: "newer", ProjectID: "p1", Status: types.SessionStatusPooled, Ready: true, CreatedAt: base.Add(time.Second)},
		{ID: "oldest", ProjectID: "p1", Status: types.SessionStatusPooled, Ready: true, CreatedAt: base},
		{ID: "building", ProjectID: "p1", Status: types.SessionStatusPooled, Ready: false, CreatedAt: base.Add(-time.Second)},
		{ID: "other-project", ProjectID: "p2", Status: types.SessionStatusPooled, Ready: true, CreatedAt: base},
	}
	for _, s := range sessions {
		require.NoError(t, store.CreateSession(s))
	}

	claimed, err := store.ClaimPooledSession("p1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "oldest", claimed.ID)
	assert.Equal(t, types.SessionStatusRunning, claimed.Status)
	assert.False(t, claimed.ClaimedAt.IsZero())

	count, err := store.CountPooledSessions("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "not-ready pooled sessions still count toward the pool")

	claimed, err = store.ClaimPooledSession("p1")
	require.NoError(t, err)
	assert.Equal(t, "newer", claimed.ID)

	claimed, err = store.ClaimPooledSession("p1")
	require.NoError(t, err)
	assert.Nil(t, claimed, "unready sessions must not be claimable")
}

func TestBoltStore_ClaimIsExclusiveUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateSession(&types.Session{
			ID:        fmt.Sprintf("s%d", i),
			ProjectID: "p1",
			Status:    types.SessionStatusPooled,
			Ready:     true,
			CreatedAt: time.Now(),
		}))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
		misses  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := store.ClaimPooledSession("p1")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if s == nil {
				misses++
				return
			}
			claimed[s.ID]++
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 5)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "session %s claimed more than once", id)
	}
	assert.Equal(t, 15, misses)
}

func TestBoltStore_ConditionalSessionWrites(t *testing.T) {
	tests := []struct {
		name         string
		status       types.SessionStatus
		write        func(store *BoltStore, id string) (*types.Session, error)
		wantConflict bool
		wantStatus   types.SessionStatus
		wantReady    bool
	}{
		{
			name:   "transition from expected status",
			status: types.SessionStatusPooled,
			write: func(store *BoltStore, id string) (*types.Session, error) {
				return store.TransitionSession(id, types.SessionStatusPooled, types.SessionStatusDeleting)
			},
			wantStatus: types.SessionStatusDeleting,
		},
		{
			name:   "transition of claimed session",
			status: types.SessionStatusRunning,
			write: func(store *BoltStore, id string) (*types.Session, error) {
				return store.TransitionSession(id, types.SessionStatusPooled, types.SessionStatusDeleting)
			},
			wantConflict: true,
			wantStatus:   types.SessionStatusRunning,
		},
		{
			name:   "ready while pooled",
			status: types.SessionStatusPooled,
			write: func(store *BoltStore, id string) (*types.Session, error) {
				return store.MarkSessionReady(id)
			},
			wantStatus: types.SessionStatusPooled,
			wantReady:  true,
		},
		{
			name:   "ready after delete started",
			status: types.SessionStatusDeleting,
			write: func(store *BoltStore, id string) (*types.Session, error) {
				return store.MarkSessionReady(id)
			},
			wantConflict: true,
			wantStatus:   types.SessionStatusDeleting,
		},
		{
			name:   "error on running session",
			status: types.SessionStatusRunning,
			write: func(store *BoltStore, id string) (*types.Session, error) {
				return store.MarkSessionError(id, "boom")
			},
			wantStatus: types.SessionStatusError,
		},
		{
			name:   "error keeps deleting",
			status: types.SessionStatusDeleting,
			write: func(store *BoltStore, id string) (*types.Session, error) {
				return store.MarkSessionError(id, "boom")
			},
			wantStatus: types.SessionStatusDeleting,
		},
		{
			name:   "routes keep deleting",
			status: types.SessionStatusDeleting,
			write: func(store *BoltStore, id string) (*types.Session, error) {
				return store.SetSessionRoutes(id, []*types.Route{{ContainerID: "web", ContainerPort: 80}})
			},
			wantStatus: types.SessionStatusDeleting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			require.NoError(t, store.CreateSession(&types.Session{
				ID:        "s1",
				ProjectID: "p1",
				Status:    tt.status,
				CreatedAt: time.Now(),
			}))

			_, err := tt.write(store, "s1")
			if tt.wantConflict {
				var conflict *types.StatusConflictError
				require.ErrorAs(t, err, &conflict)
				assert.True(t, types.IsConflict(err))
				assert.Equal(t, string(tt.status), conflict.Got)
			} else {
				require.NoError(t, err)
			}

			got, err := store.GetSession("s1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantReady, got.Ready)
		})
	}
}

func TestBoltStore_SessionWritesOnMissingSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SetSessionRoutes("missing", nil)
	assert.True(t, types.IsNotFound(err))
	_, err = store.MarkSessionReady("missing")
	assert.True(t, types.IsNotFound(err))
	_, err = store.TransitionSession("missing", types.SessionStatusPooled, types.SessionStatusDeleting)
	assert.True(t, types.IsNotFound(err))
}

func TestBoltStore_SetSessionRoutesKeepsOtherFields(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(&types.Session{
		ID:        "s1",
		ProjectID: "p1",
		Status:    types.SessionStatusRunning,
		CreatedAt: time.Now(),
	}))

	// Status and message written by another path must survive the routes write
	_, err := store.MarkSessionError("s1", "port clash")
	require.NoError(t, err)

	routes := []*types.Route{{ContainerID: "web", ContainerPort: 8080, Hostname: "web.sessions.test"}}
	updated, err := store.SetSessionRoutes("s1", routes)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusError, updated.Status)
	assert.Equal(t, "port clash", updated.Error)
	assert.Equal(t, routes, updated.Routes)
}

func TestBoltStore_SessionContainers(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession(&types.Session{ID: "s1", ProjectID: "p1", Status: types.SessionStatusRunning}))

	err := store.PutSessionContainer(&types.SessionContainer{ID: "web", SessionID: "s1", Status: types.ContainerStatusRunning})
	assert.ErrorIs(t, err, types.ErrInternal, "running without runtime id violates the invariant")

	require.NoError(t, store.PutSessionContainer(&types.SessionContainer{ID: "web", SessionID: "s1", Status: types.ContainerStatusStarting}))
	_, err = store.UpdateSessionContainerStatus("s1", "web", types.ContainerStatusRunning, "")
	assert.ErrorIs(t, err, types.ErrInternal)

	require.NoError(t, store.PutSessionContainer(&types.SessionContainer{ID: "web", SessionID: "s1", RuntimeID: "rt-1", Status: types.ContainerStatusRunning}))

	sc, err := store.GetSessionContainerByRuntimeID("rt-1")
	require.NoError(t, err)
	assert.Equal(t, "web", sc.ID)

	sc, err = store.UpdateSessionContainerStatus("s1", "web", types.ContainerStatusStopped, "exited")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusStopped, sc.Status)
	assert.False(t, sc.FinishedAt.IsZero())

	err = store.PutSessionContainer(&types.SessionContainer{ID: "x", SessionID: "ghost"})
	assert.True(t, types.IsNotFound(err))

	require.NoError(t, store.DeleteSession("s1"))
	containers, err := store.ListSessionContainers("s1")
	require.NoError(t, err)
	assert.Empty(t, containers)

	_, err = store.UpdateSessionStatus("s1", types.SessionStatusDeleting)
	assert.True(t, types.IsNotFound(err))
}
