package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestPreparePrivateDir(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	path, err := m.Prepare(context.Background(), "s1", "web", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "s1", "web"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPrepareRejectsBadNames(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "..", "a/b", `a\b`} {
		_, err := m.Prepare(context.Background(), name, "web", nil)
		assert.ErrorIs(t, err, types.ErrValidation, name)
	}
}

func TestPrepareClonesOncePerSession(t *testing.T) {
	src := newSourceRepo(t)
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	repo := &types.Repository{URL: src}

	var wg sync.WaitGroup
	paths := make([]string, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = m.Prepare(context.Background(), "s1", "c"+string(rune('a'+i)), repo)
		}(i)
	}
	wg.Wait()

	want := filepath.Join(m.Root(), "s1", "repo")
	for i := range paths {
		require.NoError(t, errs[i])
		assert.Equal(t, want, paths[i])
	}

	data, err := os.ReadFile(filepath.Join(want, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestPrepareCloneFailure(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	_, err = m.Prepare(context.Background(), "s1", "web", &types.Repository{URL: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrExternalService)

	_, statErr := os.Stat(filepath.Join(m.Root(), "s1", "repo"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemove(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	_, err = m.Prepare(context.Background(), "s1", "web", nil)
	require.NoError(t, err)

	require.NoError(t, m.Remove("s1"))
	_, err = os.Stat(m.SessionDir("s1"))
	assert.True(t, os.IsNotExist(err))

	// Removing again is fine
	require.NoError(t, m.Remove("s1"))
}
