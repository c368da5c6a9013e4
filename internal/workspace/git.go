// Package workspace isolates repair attempts from the base repository.
//
// Each attempt works in its own git worktree checked out at the base
// repository's HEAD, so attempts never see each other's edits and the base
// working tree is never modified.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/logging"
	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// ErrNotRepository is returned for a path that is not a git repository with
// at least one commit.
var ErrNotRepository = errors.New("not a git repository")

// ApplyError reports a patch git refused to apply.
type ApplyError struct {
	Output string
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("patch did not apply: %v: %s", e.Err, strings.TrimSpace(e.Output))
}

func (e *ApplyError) Unwrap() error { return e.Err }

// VCS is the version control surface the repair loop needs.
type VCS interface {
	// EnsureRepo checks that repo is a git repository with a HEAD commit.
	EnsureRepo(ctx context.Context, repo string) error
	// Summary describes the working tree status and the last commit.
	Summary(ctx context.Context, repo string) (string, error)
	// Isolate creates a workspace at dir checked out at repo's HEAD.
	Isolate(ctx context.Context, repo, dir string) error
	// Apply applies patch to the workspace. Rejections are *ApplyError.
	Apply(ctx context.Context, dir string, patch Patch) error
	// Reset discards every change in the workspace.
	Reset(ctx context.Context, dir string) error
	// Diff returns the workspace changes to paths against HEAD as a unified
	// diff. Changes outside paths, such as files written by the
	// verification command, are left out.
	Diff(ctx context.Context, dir string, paths []string) (string, error)
	// Release removes the workspace.
	Release(ctx context.Context, repo, dir string) error
}

// Git implements VCS with the git command line for worktree and patch
// operations and go-git for repository inspection.
type Git struct {
	// mu serializes worktree administration, which writes shared metadata
	// under the base repository's .git directory.
	mu      sync.Mutex
	timeout time.Duration
	logger  *zap.Logger
}

// NewGit creates a Git VCS. timeout bounds each git invocation.
func NewGit(timeout time.Duration, logger *zap.Logger) *Git {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Git{timeout: timeout, logger: logging.OrNop(logger)}
}

// EnsureRepo opens repo with go-git and resolves HEAD.
func (g *Git) EnsureRepo(ctx context.Context, repo string) error {
	r, err := openRepo(repo)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotRepository, repo, err)
	}
	if _, err := r.Head(); err != nil {
		return fmt.Errorf("%w: %s has no commits: %v", ErrNotRepository, repo, err)
	}
	return nil
}

// Summary reports the porcelain status and the HEAD commit of repo.
func (g *Git) Summary(ctx context.Context, repo string) (string, error) {
	r, err := openRepo(repo)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotRepository, repo, err)
	}

	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := r.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD commit: %w", err)
	}

	status := ""
	if wt, err := r.Worktree(); err == nil {
		if st, err := wt.Status(); err == nil {
			status = strings.TrimSpace(st.String())
		} else {
			g.logger.Debug("status unavailable", zap.Error(err))
		}
	}

	subject, _, _ := strings.Cut(strings.TrimSpace(commit.Message), "\n")
	last := head.Hash().String()[:7] + " " + subject
	return fmt.Sprintf("STATUS:\n%s\n\nLAST COMMIT:\n%s", status, last), nil
}

// Isolate adds a detached worktree at dir.
func (g *Git) Isolate(ctx context.Context, repo, dir string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, repo, nil, "worktree", "add", "--detach", dir, "HEAD"); err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	g.logger.Debug("worktree created", zap.String("dir", dir))
	return nil
}

// Apply feeds patch to git apply on stdin.
func (g *Git) Apply(ctx context.Context, dir string, patch Patch) error {
	if patch.NoChange {
		return nil
	}
	out, err := g.run(ctx, dir, strings.NewReader(patch.Text), "apply", "--whitespace=nowarn", "-")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ApplyError{Output: out, Err: err}
	}
	return nil
}

// Reset restores tracked files and removes untracked ones.
func (g *Git) Reset(ctx context.Context, dir string) error {
	if _, err := g.run(ctx, dir, nil, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("failed to reset workspace: %w", err)
	}
	if _, err := g.run(ctx, dir, nil, "clean", "-fd"); err != nil {
		return fmt.Errorf("failed to clean workspace: %w", err)
	}
	return nil
}

// Diff stages paths, including patch-created and deleted files, and returns
// the staged diff restricted to them.
func (g *Git) Diff(ctx context.Context, dir string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}
	specs := make([]string, len(paths))
	for i, p := range paths {
		specs[i] = ":(literal)" + p
	}

	if _, err := g.run(ctx, dir, nil, append([]string{"add", "-A", "--"}, specs...)...); err != nil {
		return "", fmt.Errorf("failed to stage workspace: %w", err)
	}
	out, err := g.run(ctx, dir, nil, append([]string{"diff", "--cached", "--no-color", "--"}, specs...)...)
	if err != nil {
		return "", fmt.Errorf("failed to diff workspace: %w", err)
	}
	return out, nil
}

// Release removes the worktree at dir. If git cannot remove it the directory
// is deleted and stale worktree metadata is pruned.
func (g *Git) Release(ctx context.Context, repo, dir string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.run(ctx, repo, nil, "worktree", "remove", "--force", dir)
	if err == nil {
		return nil
	}
	g.logger.Warn("worktree remove failed, pruning", zap.String("dir", dir), zap.Error(err))

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	if _, err := g.run(ctx, repo, nil, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

func openRepo(path string) (*git.Repository, error) {
	return git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
}

// run executes a git command in dir. It returns stdout, or stdout and stderr
// together on failure.
func (g *Git) run(ctx context.Context, dir string, stdin io.Reader, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stderr.String(), fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return stdout.String() + stderr.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

var _ VCS = (*Git)(nil)
