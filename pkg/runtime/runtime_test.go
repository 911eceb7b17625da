package runtime_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/runtime/runtimetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndStart(t *testing.T) {
	rt := runtimetest.New()

	id, err := runtime.CreateAndStart(context.Background(), rt, &runtime.ContainerSpec{Name: "web", Image: "nginx"})
	require.NoError(t, err)

	c, ok := rt.Container(id)
	require.True(t, ok)
	assert.True(t, c.Running)
}

func TestCreateAndStartRemovesOnStartFailure(t *testing.T) {
	rt := runtimetest.New()
	boom := errors.New("boom")
	rt.Fail(runtimetest.OpStart, "web", boom)

	id, err := runtime.CreateAndStart(context.Background(), rt, &runtime.ContainerSpec{Name: "web", Image: "nginx"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, id)
	assert.Zero(t, rt.ContainerCount())
	assert.Len(t, rt.Calls(runtimetest.OpRemove), 1)
}

func TestCreateAndStartCreateFailure(t *testing.T) {
	rt := runtimetest.New()
	boom := errors.New("no such image")
	rt.Fail(runtimetest.OpCreate, "web", boom)

	_, err := runtime.CreateAndStart(context.Background(), rt, &runtime.ContainerSpec{Name: "web", Image: "nginx"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rt.Calls(runtimetest.OpStart))
	assert.Empty(t, rt.Calls(runtimetest.OpRemove))
}
