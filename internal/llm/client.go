// Package llm provides the completion and embedding clients used by the
// repair loop.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	defaultOpenAIModel = "gpt-4o-mini"
	defaultBaseBackoff = time.Second
)

// ErrEmptyResponse is returned when the provider answers with no text.
var ErrEmptyResponse = errors.New("empty completion response")

// Completer turns a system and user prompt into a text completion.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Embedder provides text embedding capability.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ServiceError reports a completion call that failed after all retries.
type ServiceError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s completion failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// retryableError marks a transient provider failure.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// New builds the completer selected by cfg.Provider, wrapped with retries
// and rate limiting.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Completer, error) {
	var (
		base Completer
		err  error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		base, err = NewGeminiClient(ctx, cfg)
	case config.ProviderOpenAI:
		base, err = NewOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return NewRetrying(base, cfg.Provider, cfg.MaxRetries, limiter, logger), nil
}
