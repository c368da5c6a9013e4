package workspace

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockVCS records worktree creation and removal.
type mockVCS struct {
	mu         sync.Mutex
	isolated   []string
	released   []string
	isolateErr error
}

func (m *mockVCS) EnsureRepo(ctx context.Context, repo string) error { return nil }

func (m *mockVCS) Summary(ctx context.Context, repo string) (string, error) { return "", nil }

func (m *mockVCS) Isolate(ctx context.Context, repo, dir string) error {
	if m.isolateErr != nil {
		return m.isolateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isolated = append(m.isolated, dir)
	return os.MkdirAll(dir, 0o755)
}

func (m *mockVCS) Apply(ctx context.Context, dir string, patch Patch) error { return nil }

func (m *mockVCS) Reset(ctx context.Context, dir string) error { return nil }

func (m *mockVCS) Diff(ctx context.Context, dir string, paths []string) (string, error) {
	return "", nil
}

func (m *mockVCS) Release(ctx context.Context, repo, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, dir)
	return os.RemoveAll(dir)
}

func TestArena_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	vcs := &mockVCS{}
	arena, err := NewArena(vcs, "/repo", t.TempDir(), nil)
	require.NoError(t, err)

	dir0, err := arena.Acquire(ctx, 0)
	require.NoError(t, err)
	dir1, err := arena.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, dir0, dir1)
	assert.DirExists(t, dir0)

	_, err = arena.Acquire(ctx, 0)
	assert.ErrorIs(t, err, ErrWorkspaceInUse)

	require.NoError(t, arena.Release(ctx, 0))
	require.NoError(t, arena.Release(ctx, 0))
	assert.Equal(t, []string{dir0}, vcs.released)

	require.NoError(t, arena.Close(ctx))
	assert.ElementsMatch(t, []string{dir0, dir1}, vcs.released)
	assert.NoDirExists(t, arena.Root())
}

func TestArena_IsolateFailureFreesSlot(t *testing.T) {
	ctx := context.Background()
	vcs := &mockVCS{isolateErr: errors.New("worktree exists")}
	arena, err := NewArena(vcs, "/repo", t.TempDir(), nil)
	require.NoError(t, err)
	defer arena.Close(ctx)

	_, err = arena.Acquire(ctx, 3)
	require.Error(t, err)

	vcs.isolateErr = nil
	_, err = arena.Acquire(ctx, 3)
	assert.NoError(t, err)
}
