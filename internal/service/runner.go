package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/judge"
	"github.com/easeaico/adk-repair-agent/internal/llm"
	"github.com/easeaico/adk-repair-agent/internal/logging"
	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/easeaico/adk-repair-agent/internal/process"
	"github.com/easeaico/adk-repair-agent/internal/workspace"
	"go.uber.org/zap"
)

// CommandRunner runs the verification command.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string) (*process.Result, error)
}

// Judger labels a round.
type Judger interface {
	Judge(ctx context.Context, in judge.Input) judge.Verdict
}

// RunnerConfig bounds one attempt lineage.
type RunnerConfig struct {
	// Timeout bounds every completion and verification call.
	Timeout time.Duration
	// StopOnSuccess stops starting refine rounds once any attempt of the run
	// has succeeded.
	StopOnSuccess bool
}

// Runner executes one attempt lineage: generate, apply, verify, judge and,
// on failure, refine.
type Runner struct {
	completer llm.Completer
	vcs       workspace.VCS
	commands  CommandRunner
	judge     Judger
	cfg       RunnerConfig
	logger    *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(completer llm.Completer, vcs workspace.VCS, commands CommandRunner, j Judger, cfg RunnerConfig, logger *zap.Logger) *Runner {
	return &Runner{
		completer: completer,
		vcs:       vcs,
		commands:  commands,
		judge:     j,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// AttemptRequest describes one attempt.
type AttemptRequest struct {
	Index         int
	Issue         string
	RepoSummary   string
	VerifyCommand string
	Retrieved     []memory.RankedResult
	RefineRounds  int
	// GlobalSuccess is shared by every attempt of a run.
	GlobalSuccess *atomic.Bool
}

// RoundLog is the record of one generate-apply-verify round.
type RoundLog struct {
	Round       int           `json:"round"`
	Patch       string        `json:"patch,omitempty"`
	Files       []string      `json:"files,omitempty"`
	NoChange    bool          `json:"no_change,omitempty"`
	Verdict     judge.Verdict `json:"verdict"`
	Observation string        `json:"observation,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// AttemptLog is the outcome of one attempt lineage.
type AttemptLog struct {
	Index        int            `json:"index"`
	Outcome      memory.Outcome `json:"outcome"`
	Reason       judge.Reason   `json:"reason"`
	RefineRounds int            `json:"refine_rounds"`
	Verdict      judge.Verdict  `json:"verdict"`
	Patch        string         `json:"patch,omitempty"`
	Rounds       []RoundLog     `json:"rounds"`
	Transcript   string         `json:"transcript"`
	Error        string         `json:"error,omitempty"`
	Duration     time.Duration  `json:"duration_ns"`
}

// Success reports whether the attempt ended in success.
func (a AttemptLog) Success() bool {
	return a.Outcome == memory.OutcomeSuccess
}

// Run executes the attempt in a workspace from arena. The workspace is
// released on every exit path. Failures are reported in the log, never as
// an error.
func (r *Runner) Run(ctx context.Context, arena *workspace.Arena, req AttemptRequest) AttemptLog {
	start := time.Now()
	logger := r.logger.With(zap.Int("attempt", req.Index))
	attempt := AttemptLog{Index: req.Index, Outcome: memory.OutcomeFailure, Rounds: []RoundLog{}}

	dir, err := arena.Acquire(ctx, req.Index)
	if err != nil {
		logger.Warn("failed to acquire workspace", zap.Error(err))
		verdict := judge.Harness(judge.ReasonWorkspaceError, err.Error())
		attempt.Verdict, attempt.Reason, attempt.Error = verdict, verdict.Reason, err.Error()
		attempt.Duration = time.Since(start)
		return attempt
	}
	defer func() {
		if err := arena.Release(context.WithoutCancel(ctx), req.Index); err != nil {
			logger.Warn("failed to release workspace", zap.Error(err))
		}
	}()

	actx := NewAttemptContext(req.Issue, req.RepoSummary, req.VerifyCommand, req.Retrieved)
	system := buildSystemPrompt(req.Retrieved)
	user := buildUserPrompt(actx)
	actx.Record("SYSTEM", system)
	actx.Record("USER", user)

	var (
		previous *RoundLog
		applied  appliedPatch
	)
	for round := 0; round <= req.RefineRounds; round++ {
		if round > 0 {
			if req.GlobalSuccess != nil && r.cfg.StopOnSuccess && req.GlobalSuccess.Load() {
				logger.Debug("another attempt succeeded, not refining")
				break
			}
			user = buildRefinePrompt(round, req.Issue, previous.Patch, string(previous.Verdict.Reason), previous.Observation)
			actx.Record(fmt.Sprintf("REFINE %d", round), user)
		}

		rl := r.runRound(ctx, dir, round, system, user, previous, &applied, actx)
		attempt.Rounds = append(attempt.Rounds, rl)
		attempt.RefineRounds = round
		attempt.Verdict = rl.Verdict
		prev := rl
		previous = &prev

		logger.Debug("round finished",
			zap.Int("round", round),
			zap.String("outcome", string(rl.Verdict.Outcome)),
			zap.String("reason", string(rl.Verdict.Reason)))

		if rl.Verdict.Success() {
			break
		}
		if rl.Verdict.Reason == judge.ReasonWorkspaceError {
			break
		}
	}

	attempt.Outcome = attempt.Verdict.Outcome
	attempt.Reason = attempt.Verdict.Reason
	if attempt.Success() && req.GlobalSuccess != nil {
		req.GlobalSuccess.Store(true)
	}

	attempt.Patch = r.workspacePatch(ctx, dir, applied, logger)
	attempt.Transcript = actx.Transcript()
	attempt.Duration = time.Since(start)
	return attempt
}

// appliedPatch is the patch currently applied to a workspace.
type appliedPatch struct {
	text  string
	files []string
}

// workspacePatch returns the workspace diff limited to the files of the
// applied patch, or the patch text when git cannot produce the diff.
func (r *Runner) workspacePatch(ctx context.Context, dir string, applied appliedPatch, logger *zap.Logger) string {
	if len(applied.files) == 0 {
		return applied.text
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.callTimeout())
	defer cancel()
	diff, err := r.vcs.Diff(ctx, dir, applied.files)
	if err != nil {
		logger.Debug("workspace diff unavailable", zap.Error(err))
		return applied.text
	}
	return diff
}

// runRound performs one round in dir. previous is nil in the first round.
// applied is updated whenever the workspace content changes.
func (r *Runner) runRound(ctx context.Context, dir string, round int, system, user string, previous *RoundLog, applied *appliedPatch, actx *AttemptContext) RoundLog {
	start := time.Now()
	rl := RoundLog{Round: round}
	finish := func(v judge.Verdict) RoundLog {
		rl.Verdict = v
		rl.Duration = time.Since(start)
		actx.Recordf(fmt.Sprintf("VERDICT %d", round), "%s (%s, %s)", v.Outcome, v.Reason, v.Provenance)
		return rl
	}
	harness := func(err error, reason judge.Reason) RoundLog {
		actx.Record("ERROR", err.Error())
		rl.Observation = err.Error()
		return finish(r.judge.Judge(ctx, judge.Input{Issue: actx.Issue, Precondition: reason}))
	}

	out, err := r.complete(ctx, system, user)
	if err != nil {
		return harness(err, completionReason(err))
	}
	actx.Record("MODEL_OUT", out)

	patch, err := workspace.ExtractPatch(out)
	if err != nil {
		return harness(err, judge.ReasonApplyError)
	}
	rl.Files = patch.Files
	rl.NoChange = patch.NoChange

	switch {
	case patch.NoChange && previous != nil:
		// Keep the previous round's patch in place and verify it again.
		rl.Patch = previous.Patch
	case patch.NoChange:
		// Nothing to apply to the base workspace.
	default:
		if round > 0 {
			if err := r.withTimeout(ctx, func(ctx context.Context) error { return r.vcs.Reset(ctx, dir) }); err != nil {
				return harness(err, judge.ReasonWorkspaceError)
			}
			*applied = appliedPatch{}
		}
		rl.Patch = patch.Text
		if err := r.withTimeout(ctx, func(ctx context.Context) error { return r.vcs.Apply(ctx, dir, patch) }); err != nil {
			reason := reasonFor(err)
			if reason == judge.ReasonInternalError {
				reason = judge.ReasonApplyError
			}
			return harness(err, reason)
		}
		*applied = appliedPatch{text: patch.Text, files: patch.Files}
	}
	actx.Recordf("PATCH_APPLY_OK", "%t", true)

	in := judge.Input{
		Issue:       actx.Issue,
		RepoSummary: actx.RepoSummary,
		Command:     actx.VerifyCommand,
	}
	if strings.TrimSpace(actx.VerifyCommand) != "" {
		vctx, cancel := context.WithTimeout(ctx, r.callTimeout())
		res, runErr := r.commands.Run(vctx, actx.VerifyCommand, dir)
		cancel()
		in.Result, in.RunErr = res, runErr
		if res != nil {
			rl.Observation = res.Output()
			actx.Recordf("TEST_LOG", "exit=%d timed_out=%t\n%s", res.ExitCode, res.TimedOut, tail(res.Output()))
		} else if runErr != nil {
			rl.Observation = runErr.Error()
			actx.Record("TEST_LOG", runErr.Error())
		}
	}

	in.Transcript = actx.Transcript()
	jctx, cancel := context.WithTimeout(ctx, r.callTimeout())
	defer cancel()
	return finish(r.judge.Judge(jctx, in))
}

func (r *Runner) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout())
	defer cancel()
	return r.completer.Complete(ctx, system, user)
}

func (r *Runner) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout())
	defer cancel()
	return fn(ctx)
}

func (r *Runner) callTimeout() time.Duration {
	if r.cfg.Timeout <= 0 {
		return 10 * time.Minute
	}
	return r.cfg.Timeout
}

// completionReason classifies a failed completion call.
func completionReason(err error) judge.Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return judge.ReasonTimeout
	}
	return judge.ReasonServiceError
}
