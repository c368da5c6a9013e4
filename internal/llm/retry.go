package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Retrying wraps a Completer with a rate limiter and exponential backoff.
// Only errors marked retryable by the provider client are retried; every
// final failure is returned as a *ServiceError.
type Retrying struct {
	next        Completer
	provider    string
	maxRetries  int
	baseBackoff time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewRetrying wraps next. A nil limiter disables rate limiting.
func NewRetrying(next Completer, provider string, maxRetries int, limiter *rate.Limiter, logger *zap.Logger) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrying{
		next:        next,
		provider:    provider,
		maxRetries:  maxRetries,
		baseBackoff: defaultBaseBackoff,
		limiter:     limiter,
		logger:      logging.OrNop(logger),
	}
}

// Complete calls the wrapped completer, retrying transient failures.
func (r *Retrying) Complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.baseBackoff * time.Duration(1<<(attempt-1))
			r.logger.Debug("retrying completion",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", r.fail(attempts, ctx.Err())
			}
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return "", r.fail(attempts, limiterError(ctx, err))
			}
		}

		attempts++
		out, err := r.next.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", r.fail(attempts, errors.Join(ctxErr, err))
		}
		if !IsRetryable(err) {
			break
		}
	}

	return "", r.fail(attempts, lastErr)
}

// limiterError maps a failed limiter wait to the context error it stands
// for. Wait fails early, without a context error, when the next token comes
// after the deadline.
func limiterError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rate limiter error: %w", ctxErr)
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("rate limiter error: %w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("rate limiter error: %w", err)
}

func (r *Retrying) fail(attempts int, err error) error {
	return &ServiceError{Provider: r.provider, Attempts: attempts, Err: err}
}

var _ Completer = (*Retrying)(nil)
