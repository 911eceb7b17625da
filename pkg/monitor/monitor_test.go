package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/runtime/runtimetest"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSession = "s1"

type fixture struct {
	store    *storage.BoltStore
	rt       *runtimetest.Provider
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateProject(&types.Project{ID: "p1", Name: "demo"}))
	require.NoError(t, store.CreateSession(&types.Session{
		ID:        testSession,
		ProjectID: "p1",
		Status:    types.SessionStatusRunning,
		CreatedAt: time.Now(),
	}))

	return &fixture{store: store, rt: runtimetest.New(), recorder: &events.Recorder{}}
}

// addContainer creates a runtime container and its session record
func (f *fixture) addContainer(t *testing.T, id string, running bool, status types.ContainerStatus) string {
	t.Helper()
	runtimeID := f.rt.AddContainer(runtime.ContainerSpec{
		Name:   "hutch-" + id,
		Labels: runtime.SessionLabels(testSession, "p1"),
	}, running)
	require.NoError(t, f.store.PutSessionContainer(&types.SessionContainer{
		ID:        id,
		SessionID: testSession,
		Name:      id,
		RuntimeID: runtimeID,
		Hostname:  "hutch-" + id,
		Status:    status,
	}))
	return runtimeID
}

func (f *fixture) status(t *testing.T, id string) *types.SessionContainer {
	t.Helper()
	containers, err := f.store.ListSessionContainers(testSession)
	require.NoError(t, err)
	for _, c := range containers {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("container %s not found", id)
	return nil
}

func TestContainerEventsHandle(t *testing.T) {
	tests := []struct {
		name       string
		initial    types.ContainerStatus
		event      runtime.Event
		wantStatus types.ContainerStatus
		wantError  string
		wantHealth string
	}{
		{
			name:       "start marks running",
			initial:    types.ContainerStatusStopped,
			event:      runtime.Event{Action: runtime.ActionStart},
			wantStatus: types.ContainerStatusRunning,
		},
		{
			name:       "stop marks stopped",
			initial:    types.ContainerStatusRunning,
			event:      runtime.Event{Action: runtime.ActionStop},
			wantStatus: types.ContainerStatusStopped,
		},
		{
			name:       "clean exit marks stopped",
			initial:    types.ContainerStatusRunning,
			event:      runtime.Event{Action: runtime.ActionDie, Attributes: map[string]string{"exitCode": "0"}},
			wantStatus: types.ContainerStatusStopped,
		},
		{
			name:       "non-zero exit marks error",
			initial:    types.ContainerStatusRunning,
			event:      runtime.Event{Action: runtime.ActionDie, Attributes: map[string]string{"exitCode": "1"}},
			wantStatus: types.ContainerStatusError,
			wantError:  "exited with code 1",
		},
		{
			name:       "sigterm exit from stop marks stopped",
			initial:    types.ContainerStatusRunning,
			event:      runtime.Event{Action: runtime.ActionDie, Attributes: map[string]string{"exitCode": "143"}},
			wantStatus: types.ContainerStatusStopped,
		},
		{
			name:       "sigkill exit from stop marks stopped",
			initial:    types.ContainerStatusRunning,
			event:      runtime.Event{Action: runtime.ActionDie, Attributes: map[string]string{"exitCode": "137"}},
			wantStatus: types.ContainerStatusStopped,
		},
		{
			name:       "health updates health state only",
			initial:    types.ContainerStatusRunning,
			event:      runtime.Event{Action: runtime.ActionHealth, Attributes: map[string]string{"health_status": "unhealthy"}},
			wantStatus: types.ContainerStatusRunning,
			wantHealth: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			runtimeID := f.addContainer(t, "api", true, tt.initial)
			src := NewContainerEvents(f.store, f.rt, f.recorder)

			ev := tt.event
			ev.Type = runtime.EventTypeContainer
			ev.ActorID = runtimeID
			require.NoError(t, src.Handle(context.Background(), ev))

			got := f.status(t, "api")
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantError, got.Error)
			assert.Equal(t, tt.wantHealth, got.HealthState)

			published := f.recorder.Events(events.ChannelContainers)
			require.Len(t, published, 1)
			assert.Equal(t, testSession, published[0].Key)
		})
	}
}

func TestContainerEventsIgnoresUnknownContainers(t *testing.T) {
	f := newFixture(t)
	src := NewContainerEvents(f.store, f.rt, f.recorder)

	err := src.Handle(context.Background(), runtime.Event{
		Type:    runtime.EventTypeContainer,
		Action:  runtime.ActionDie,
		ActorID: "not-ours",
	})
	require.NoError(t, err)
	assert.Empty(t, f.recorder.Events(""))
}

func TestContainerEventsSync(t *testing.T) {
	f := newFixture(t)
	gone := f.addContainer(t, "gone", true, types.ContainerStatusRunning)
	f.addContainer(t, "exited", false, types.ContainerStatusRunning)
	revived := f.addContainer(t, "revived", true, types.ContainerStatusStopped)
	f.addContainer(t, "booting", false, types.ContainerStatusStarting)
	require.NoError(t, f.rt.RemoveContainer(context.Background(), gone))

	trackers := NewLogTrackers(f.rt, f.recorder, Config{InitialDelay: time.Hour})
	t.Cleanup(trackers.StopAll)

	src := NewContainerEvents(f.store, f.rt, f.recorder)
	src.Logs = trackers
	require.NoError(t, src.Sync(context.Background()))

	assert.Equal(t, types.ContainerStatusStopped, f.status(t, "gone").Status)
	assert.Equal(t, "container no longer exists", f.status(t, "gone").Error)
	assert.Equal(t, types.ContainerStatusStopped, f.status(t, "exited").Status)
	assert.Equal(t, types.ContainerStatusRunning, f.status(t, "revived").Status)
	assert.Equal(t, types.ContainerStatusStarting, f.status(t, "booting").Status)
	assert.Equal(t, []string{revived}, trackers.Tracked())
}

func TestContainerEventsLoop(t *testing.T) {
	f := newFixture(t)
	runtimeID := f.addContainer(t, "api", true, types.ContainerStatusRunning)

	f.rt.QueueStream(nil, errBoom)
	f.rt.QueueStream([]runtime.Event{{
		Type:       runtime.EventTypeContainer,
		Action:     runtime.ActionDie,
		ActorID:    runtimeID,
		Attributes: map[string]string{"exitCode": "1"},
	}}, nil)

	loop := NewLoop[runtime.Event]("containers", NewContainerEvents(f.store, f.rt, f.recorder), Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	})
	loop.Start(context.Background())
	t.Cleanup(loop.Stop)

	require.Eventually(t, func() bool {
		return f.status(t, "api").Status == types.ContainerStatusError
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.rt.Subscriptions())
}

func TestContainerEventsStartAttachesSharedNetwork(t *testing.T) {
	f := newFixture(t)
	runtimeID := f.addContainer(t, "api", true, types.ContainerStatusStopped)

	shared := NewSharedNetwork(f.rt, f.store, "")
	_, err := f.rt.CreateNetwork(context.Background(), shared.Name(), nil)
	require.NoError(t, err)

	src := NewContainerEvents(f.store, f.rt, f.recorder)
	src.Network = shared
	require.NoError(t, src.Handle(context.Background(), runtime.Event{
		Type:    runtime.EventTypeContainer,
		Action:  runtime.ActionStart,
		ActorID: runtimeID,
	}))

	connected, err := f.rt.IsConnected(context.Background(), DefaultSharedNetwork, runtimeID)
	require.NoError(t, err)
	assert.True(t, connected)
}

func TestLogTrackers(t *testing.T) {
	f := newFixture(t)
	runtimeID := f.addContainer(t, "api", true, types.ContainerStatusRunning)
	f.rt.SetLogs(runtimeID, "listening on :3000\nready\n")

	trackers := NewLogTrackers(f.rt, f.recorder, Config{InitialDelay: time.Hour})
	t.Cleanup(trackers.StopAll)

	assert.True(t, trackers.Track(testSession, "api", runtimeID))
	assert.False(t, trackers.Track(testSession, "api", runtimeID))

	require.Eventually(t, func() bool {
		return len(f.recorder.Events(events.ChannelLogs)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	lines := f.recorder.Events(events.ChannelLogs)
	first := lines[0].Payload.(*LogLine)
	assert.Equal(t, testSession, lines[0].Key)
	assert.Equal(t, "listening on :3000", first.Line)
	assert.Equal(t, "api", first.ContainerID)
	assert.Equal(t, "ready", lines[1].Payload.(*LogLine).Line)

	trackers.Untrack(runtimeID)
	assert.Empty(t, trackers.Tracked())
}

func TestSharedNetworkSync(t *testing.T) {
	f := newFixture(t)
	api := f.addContainer(t, "api", true, types.ContainerStatusRunning)
	db := f.addContainer(t, "db", true, types.ContainerStatusRunning)
	stopped := f.addContainer(t, "old", false, types.ContainerStatusStopped)

	shared := NewSharedNetwork(f.rt, f.store, "shared")
	require.NoError(t, shared.Sync(context.Background()))
	assert.True(t, f.rt.HasNetwork("shared"))

	for _, id := range []string{api, db} {
		ok, err := f.rt.IsConnected(context.Background(), "shared", id)
		require.NoError(t, err)
		assert.True(t, ok, "%s should be attached", id)
	}
	ok, err := f.rt.IsConnected(context.Background(), "shared", stopped)
	require.NoError(t, err)
	assert.False(t, ok)

	// A second pass connects nothing new
	require.NoError(t, shared.Sync(context.Background()))
	assert.Len(t, f.rt.Calls(runtimetest.OpConnect), 2)
}

func TestSharedNetworkHandle(t *testing.T) {
	f := newFixture(t)
	api := f.addContainer(t, "api", true, types.ContainerStatusRunning)

	shared := NewSharedNetwork(f.rt, f.store, "shared")
	require.NoError(t, shared.Sync(context.Background()))
	ctx := context.Background()

	t.Run("disconnect reattaches running container", func(t *testing.T) {
		require.NoError(t, f.rt.DisconnectNetwork(ctx, "shared", api))
		require.NoError(t, shared.Handle(ctx, runtime.Event{
			Type:       runtime.EventTypeNetwork,
			Action:     runtime.ActionDisconnect,
			Attributes: map[string]string{"container": api},
		}))
		ok, err := f.rt.IsConnected(ctx, "shared", api)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("destroy recreates network", func(t *testing.T) {
		require.NoError(t, f.rt.RemoveNetwork(ctx, "shared"))
		require.NoError(t, shared.Handle(ctx, runtime.Event{
			Type:   runtime.EventTypeNetwork,
			Action: runtime.ActionDestroy,
		}))
		assert.True(t, f.rt.HasNetwork("shared"))
		ok, err := f.rt.IsConnected(ctx, "shared", api)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
