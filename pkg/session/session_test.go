package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/cleanup"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProject = "p1"

type fakeProvisioner struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	err     error
}

func (p *fakeProvisioner) Initialize(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	p.calls++
	release := p.release
	p.mu.Unlock()

	if release != nil {
		<-release
	}
	return p.err
}

func (p *fakeProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakePool struct {
	mu        sync.Mutex
	session   *types.Session
	err       error
	triggered []string
}

func (p *fakePool) Claim(ctx context.Context, projectID string) (*types.Session, error) {
	return p.session, p.err
}

func (p *fakePool) Trigger(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggered = append(p.triggered, projectID)
}

type fakeCleaner struct {
	store   storage.Store
	mu      sync.Mutex
	cleaned []string
}

func (c *fakeCleaner) Full(ctx context.Context, sessionID string) (*cleanup.Report, error) {
	c.mu.Lock()
	c.cleaned = append(c.cleaned, sessionID)
	c.mu.Unlock()
	if err := c.store.DeleteSession(sessionID); err != nil {
		return nil, err
	}
	return &cleanup.Report{SessionID: sessionID, Flavor: cleanup.FlavorFull}, nil
}

type fixture struct {
	store    *storage.BoltStore
	prov     *fakeProvisioner
	pool     *fakePool
	cleaner  *fakeCleaner
	recorder *events.Recorder
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateProject(&types.Project{ID: testProject, Name: "demo"}))

	f := &fixture{
		store:    store,
		prov:     &fakeProvisioner{},
		pool:     &fakePool{},
		cleaner:  &fakeCleaner{store: store},
		recorder: &events.Recorder{},
	}
	f.mgr = NewManager(store, f.prov, f.pool, f.cleaner, f.recorder)
	t.Cleanup(f.mgr.Wait)
	return f
}

func TestCreateValidatesProject(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Create(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = f.mgr.Create(context.Background(), "missing")
	assert.True(t, types.IsNotFound(err))
	assert.Zero(t, f.prov.count())
}

func TestCreateClaimsPooledSession(t *testing.T) {
	f := newFixture(t)
	f.pool.session = &types.Session{ID: "pooled-1", ProjectID: testProject, Status: types.SessionStatusRunning}

	sess, err := f.mgr.Create(context.Background(), testProject)
	require.NoError(t, err)

	assert.Equal(t, "pooled-1", sess.ID)
	assert.Zero(t, f.prov.count())
	assert.Empty(t, f.pool.triggered)
}

func TestCreateProvisionsInBackgroundOnMiss(t *testing.T) {
	f := newFixture(t)
	f.prov.release = make(chan struct{})

	sess, err := f.mgr.Create(context.Background(), testProject)
	require.NoError(t, err)

	assert.Equal(t, types.SessionStatusRunning, sess.Status)
	assert.True(t, f.mgr.Initializing(sess.ID))
	assert.Equal(t, []string{testProject}, f.pool.triggered)

	stored, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusRunning, stored.Status)

	close(f.prov.release)
	require.NoError(t, f.mgr.WaitInitialized(context.Background(), sess.ID))
	assert.False(t, f.mgr.Initializing(sess.ID))
	assert.Equal(t, 1, f.prov.count())
}

func TestCreateFallsBackWhenClaimFails(t *testing.T) {
	f := newFixture(t)
	f.pool.err = errors.New("store unavailable")

	sess, err := f.mgr.Create(context.Background(), testProject)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitInitialized(context.Background(), sess.ID))
	assert.Equal(t, 1, f.prov.count())
}

func TestInitializationFailureDoesNotFailCreate(t *testing.T) {
	f := newFixture(t)
	f.prov.release = make(chan struct{})
	f.prov.err = errors.New("image pull failed")

	sess, err := f.mgr.Create(context.Background(), testProject)
	require.NoError(t, err)

	close(f.prov.release)
	assert.EqualError(t, f.mgr.WaitInitialized(context.Background(), sess.ID), "image pull failed")
}

func TestConcurrentInitializationJoins(t *testing.T) {
	f := newFixture(t)
	f.prov.release = make(chan struct{})

	first := f.mgr.initialize("s1")
	second := f.mgr.initialize("s1")
	assert.Same(t, first, second)

	close(f.prov.release)
	<-first.done
	assert.Equal(t, 1, f.prov.count())
}

func TestDeleteWhileInitializingDefersTeardown(t *testing.T) {
	f := newFixture(t)
	f.prov.release = make(chan struct{})

	sess, err := f.mgr.Create(context.Background(), testProject)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Delete(context.Background(), sess.ID))

	stored, err := f.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusDeleting, stored.Status)
	assert.Empty(t, f.cleaner.cleaned)

	var removed bool
	for _, ev := range f.recorder.Events(events.ChannelSessions) {
		if r, ok := ev.Payload.(*events.SessionRemoved); ok && r.SessionID == sess.ID {
			removed = true
		}
	}
	assert.True(t, removed)

	close(f.prov.release)
}

func TestDeleteLiveSession(t *testing.T) {
	f := newFixture(t)

	sess, err := f.mgr.Create(context.Background(), testProject)
	require.NoError(t, err)
	require.NoError(t, f.mgr.WaitInitialized(context.Background(), sess.ID))

	require.NoError(t, f.mgr.Delete(context.Background(), sess.ID))
	assert.Equal(t, []string{sess.ID}, f.cleaner.cleaned)

	_, err = f.store.GetSession(sess.ID)
	assert.True(t, types.IsNotFound(err))
}

func TestDeleteUnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Delete(context.Background(), "nope")
	assert.True(t, types.IsNotFound(err))
}

func TestWaitInitializedHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.prov.release = make(chan struct{})
	defer close(f.prov.release)

	sess, err := f.mgr.Create(context.Background(), testProject)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.mgr.WaitInitialized(ctx, sess.ID), context.DeadlineExceeded)
}

func TestListAndContainers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateProject(&types.Project{ID: "p2", Name: "other"}))

	a, err := f.mgr.Create(context.Background(), testProject)
	require.NoError(t, err)
	_, err = f.mgr.Create(context.Background(), "p2")
	require.NoError(t, err)
	f.mgr.Wait()

	all, err := f.mgr.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.mgr.List(context.Background(), testProject)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	containers, err := f.mgr.Containers(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, containers)

	_, err = f.mgr.Containers(context.Background(), "nope")
	assert.True(t, types.IsNotFound(err))
}
