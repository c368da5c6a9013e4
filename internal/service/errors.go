package service

import (
	"context"
	"errors"

	"github.com/easeaico/adk-repair-agent/internal/judge"
	"github.com/easeaico/adk-repair-agent/internal/llm"
	"github.com/easeaico/adk-repair-agent/internal/process"
	"github.com/easeaico/adk-repair-agent/internal/workspace"
)

// ErrInvalidRequest is returned by Orchestrator.Run for requests that cannot
// start. No attempt is dispatched.
var ErrInvalidRequest = errors.New("invalid run request")

// reasonFor maps an attempt-boundary error to its failure reason.
func reasonFor(err error) judge.Reason {
	var (
		applyErr  *workspace.ApplyError
		svcErr    *llm.ServiceError
		verifyErr *process.VerificationError
	)
	switch {
	case err == nil:
		return judge.ReasonNone
	case errors.Is(err, context.DeadlineExceeded):
		return judge.ReasonTimeout
	case errors.As(err, &applyErr), errors.Is(err, workspace.ErrNoPatch):
		return judge.ReasonApplyError
	case errors.As(err, &svcErr):
		return judge.ReasonServiceError
	case errors.As(err, &verifyErr):
		return judge.ReasonVerificationError
	default:
		return judge.ReasonInternalError
	}
}
