// Package judge labels a finished attempt round with a binary outcome.
//
// The verification command's exit code is the preferred signal. When no
// command is configured the completion service is asked to classify the
// transcript instead. Either way the judge fails closed: anything it cannot
// interpret becomes a failure.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/easeaico/adk-repair-agent/internal/llm"
	"github.com/easeaico/adk-repair-agent/internal/logging"
	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/easeaico/adk-repair-agent/internal/process"
	"go.uber.org/zap"
)

// Provenance records which signal produced a verdict.
type Provenance string

const (
	ProvenanceExitCode Provenance = "exit_code"
	ProvenanceModel    Provenance = "model"
	ProvenanceHarness  Provenance = "harness"
)

// Reason explains a failure outcome.
type Reason string

const (
	ReasonNone              Reason = "none"
	ReasonApplyError        Reason = "apply_error"
	ReasonVerificationError Reason = "verification_error"
	ReasonServiceError      Reason = "service_error"
	ReasonTimeout           Reason = "timeout"
	ReasonWorkspaceError    Reason = "workspace_error"
	ReasonTestsFailed       Reason = "tests_failed"
	ReasonJudgeUnparseable  Reason = "judge_unparseable"
	ReasonInternalError     Reason = "internal_error"
)

// Verdict is the judge's label for one round.
type Verdict struct {
	Provenance  Provenance     `json:"provenance"`
	Outcome     memory.Outcome `json:"outcome"`
	Reason      Reason         `json:"reason"`
	Confidence  float64        `json:"confidence"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
}

// Success reports whether the verdict is a success.
func (v Verdict) Success() bool {
	return v.Outcome == memory.OutcomeSuccess
}

// Input is everything the judge may look at.
type Input struct {
	Issue      string
	Transcript string
	// RepoSummary describes the workspace after the round.
	RepoSummary string
	// Command is the verification command; empty selects the model judge.
	Command string
	// Result is the command's outcome, nil if it never ran.
	Result *process.Result
	// RunErr is the error returned when the command could not start.
	RunErr error
	// Precondition is set when the round failed before verification.
	Precondition Reason
}

// Judge produces verdicts.
type Judge struct {
	completer llm.Completer
	logger    *zap.Logger
}

// New creates a Judge. completer may be nil when every run has a
// verification command.
func New(completer llm.Completer, logger *zap.Logger) *Judge {
	return &Judge{completer: completer, logger: logging.OrNop(logger)}
}

// Judge labels one round. It never returns an error.
func (j *Judge) Judge(ctx context.Context, in Input) Verdict {
	if in.Precondition != "" && in.Precondition != ReasonNone {
		return Harness(in.Precondition, "round failed before verification")
	}
	if strings.TrimSpace(in.Command) != "" {
		return FromExecution(in.Result, in.RunErr)
	}
	return j.fromModel(ctx, in)
}

// Harness returns the failure verdict for a round that never reached
// verification.
func Harness(reason Reason, explanation string) Verdict {
	return Verdict{
		Provenance:  ProvenanceHarness,
		Outcome:     memory.OutcomeFailure,
		Reason:      reason,
		Confidence:  1.0,
		Explanation: explanation,
	}
}

// FromExecution labels a round from its verification command.
func FromExecution(res *process.Result, runErr error) Verdict {
	if runErr != nil {
		return Harness(ReasonVerificationError, runErr.Error())
	}
	if res == nil {
		return Harness(ReasonVerificationError, "verification result missing")
	}

	code := res.ExitCode
	v := Verdict{
		Provenance: ProvenanceExitCode,
		Outcome:    memory.OutcomeFailure,
		Confidence: 1.0,
		ExitCode:   &code,
	}
	switch {
	case res.TimedOut:
		v.Reason = ReasonTimeout
		v.Explanation = "verification command timed out"
	case code == 0:
		v.Outcome = memory.OutcomeSuccess
		v.Reason = ReasonNone
		v.Explanation = "verification command exited 0"
	case code == process.ExitNotExecutable || code == process.ExitNotFound:
		v.Reason = ReasonVerificationError
		v.Explanation = fmt.Sprintf("verification command could not run (exit %d)", code)
	default:
		v.Reason = ReasonTestsFailed
		v.Explanation = fmt.Sprintf("verification command exited %d", code)
	}
	return v
}

func (j *Judge) fromModel(ctx context.Context, in Input) Verdict {
	v := Verdict{
		Provenance: ProvenanceModel,
		Outcome:    memory.OutcomeFailure,
		Confidence: 0.5,
	}
	if j.completer == nil {
		v.Reason = ReasonJudgeUnparseable
		v.Explanation = "no verification command and no completion service"
		return v
	}

	user := fmt.Sprintf("%s\n\nIssue:\n%s\n\nTrajectory:\n%s\n\nFinal repo summary:\n%s",
		judgePrompt, in.Issue, in.Transcript, in.RepoSummary)
	out, err := j.completer.Complete(ctx, judgeSystem, user)
	if err != nil {
		v.Reason = ReasonServiceError
		if errors.Is(err, context.DeadlineExceeded) {
			v.Reason = ReasonTimeout
		}
		v.Explanation = err.Error()
		j.logger.Warn("model judge failed", zap.Error(err))
		return v
	}

	status, ok := ParseStatus(out)
	v.Explanation = strings.TrimSpace(out)
	switch {
	case !ok:
		v.Reason = ReasonJudgeUnparseable
	case status == memory.OutcomeSuccess:
		v.Outcome = memory.OutcomeSuccess
		v.Reason = ReasonNone
	default:
		v.Reason = ReasonTestsFailed
	}
	return v
}

// ParseStatus finds the first "Status:" line in a judge response.
func ParseStatus(out string) (memory.Outcome, bool) {
	for line := range strings.Lines(out) {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "status") {
			continue
		}
		switch strings.ToLower(strings.Trim(strings.TrimSpace(value), "*.` ")) {
		case "success":
			return memory.OutcomeSuccess, true
		case "failure":
			return memory.OutcomeFailure, true
		}
		return memory.OutcomeFailure, false
	}
	return memory.OutcomeFailure, false
}

const judgeSystem = "You are a strict CI judge."

const judgePrompt = `Decide whether the agent resolved the issue.
You receive the issue text, a summary of what the agent tried, and the final repository state.

Answer with exactly two lines:
Thoughts: <brief reasoning>
Status: success or failure`
