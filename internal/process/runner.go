// Package process runs verification commands inside attempt workspaces.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/logging"
	"go.uber.org/zap"
)

const (
	defaultShell     = "sh"
	defaultMaxOutput = 1 << 20
	defaultWaitDelay = 5 * time.Second
)

// Exit codes the shell uses when a command cannot run at all.
const (
	ExitNotExecutable = 126
	ExitNotFound      = 127
)

// VerificationError reports a command that could not be started.
type VerificationError struct {
	Command string
	Err     error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification command %q could not run: %v", e.Command, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Result is the observable outcome of one command.
type Result struct {
	Command   string
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Output returns stdout followed by stderr.
func (r *Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Runner executes shell commands.
type Runner struct {
	// Shell interprets the command string with "-c".
	Shell string
	// Timeout bounds each command when positive. The caller's context
	// deadline applies as well.
	Timeout time.Duration
	// MaxOutput caps the bytes captured per stream.
	MaxOutput int

	logger *zap.Logger
}

// NewRunner creates a Runner with default limits.
func NewRunner(timeout time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		Shell:     defaultShell,
		Timeout:   timeout,
		MaxOutput: defaultMaxOutput,
		logger:    logging.OrNop(logger),
	}
}

// Run executes command in dir.
//
// A non-zero exit or a timeout is reported through Result, not as an error.
// The error is non-nil only when the command could not be started, in which
// case it is a *VerificationError.
func (r *Runner) Run(ctx context.Context, command, dir string) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, &VerificationError{Command: command, Err: errors.New("empty command")}
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = defaultShell
	}
	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = defaultWaitDelay
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdout, limit: maxOutput}
	stderrLimited := &limitedWriter{w: &stderr, limit: maxOutput}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	logger := logging.OrNop(r.logger)
	logger.Debug("executing command", zap.String("command", command), zap.String("dir", dir))

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Command:   command,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdoutLimited.truncated || stderrLimited.truncated,
		Duration:  time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		logger.Warn("command timed out",
			zap.String("command", command),
			zap.Duration("duration", result.Duration))
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if result.ExitCode < 0 {
				// Killed by a signal; report it the way a shell would.
				result.ExitCode = 128 + signalNumber(exitErr)
			}
		} else {
			return nil, &VerificationError{Command: command, Err: err}
		}
	}

	logger.Debug("command finished",
		zap.String("command", command),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// limitedWriter wraps a writer with a size limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.limit {
		lw.truncated = true
		return len(p), nil
	}
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		lw.truncated = true
		n, err := lw.w.Write(p[:remaining])
		lw.written += n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.written += n
	return n, err
}
