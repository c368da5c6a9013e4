package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/easeaico/adk-repair-agent/internal/logging"
	"go.uber.org/zap"
)

// ErrWorkspaceInUse is returned by Acquire for an attempt that already holds
// a workspace.
var ErrWorkspaceInUse = errors.New("workspace already acquired")

// Arena hands out one isolated workspace per attempt of a single run and
// removes them all on Close.
type Arena struct {
	vcs    VCS
	repo   string
	root   string
	logger *zap.Logger

	mu     sync.Mutex
	active map[int]string
}

// NewArena creates a temporary directory under parent (os.TempDir when
// empty) to hold the workspaces for repo.
func NewArena(vcs VCS, repo, parent string, logger *zap.Logger) (*Arena, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
	}
	root, err := os.MkdirTemp(parent, "repair-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Arena{
		vcs:    vcs,
		repo:   repo,
		root:   root,
		logger: logging.OrNop(logger),
		active: make(map[int]string),
	}, nil
}

// Acquire creates the workspace for attempt and returns its directory.
func (a *Arena) Acquire(ctx context.Context, attempt int) (string, error) {
	dir := filepath.Join(a.root, fmt.Sprintf("attempt-%d", attempt))

	a.mu.Lock()
	if _, ok := a.active[attempt]; ok {
		a.mu.Unlock()
		return "", fmt.Errorf("%w: attempt %d", ErrWorkspaceInUse, attempt)
	}
	a.active[attempt] = dir
	a.mu.Unlock()

	if err := a.vcs.Isolate(ctx, a.repo, dir); err != nil {
		a.mu.Lock()
		delete(a.active, attempt)
		a.mu.Unlock()
		return "", err
	}
	return dir, nil
}

// Release removes the workspace of attempt. Releasing an unknown attempt is
// a no-op.
func (a *Arena) Release(ctx context.Context, attempt int) error {
	a.mu.Lock()
	dir, ok := a.active[attempt]
	delete(a.active, attempt)
	a.mu.Unlock()

	if !ok {
		return nil
	}
	if err := a.vcs.Release(ctx, a.repo, dir); err != nil {
		a.logger.Warn("failed to release workspace",
			zap.Int("attempt", attempt), zap.String("dir", dir), zap.Error(err))
		return err
	}
	return nil
}

// Close releases every workspace still held and deletes the arena root.
func (a *Arena) Close(ctx context.Context) error {
	a.mu.Lock()
	attempts := make([]int, 0, len(a.active))
	for attempt := range a.active {
		attempts = append(attempts, attempt)
	}
	a.mu.Unlock()

	var errs []error
	for _, attempt := range attempts {
		if err := a.Release(ctx, attempt); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(a.root); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove workspace root: %w", err))
	}
	return errors.Join(errs...)
}

// Root returns the directory holding the workspaces.
func (a *Arena) Root() string {
	return a.root
}
