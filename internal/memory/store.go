package memory

import (
	"context"
	"fmt"

	"github.com/easeaico/adk-repair-agent/internal/config"
	"go.uber.org/zap"
)

// Store defines the contract every memory backend satisfies.
// Backends are chosen at construction time through New.
type Store interface {
	// AddItems appends items to the ledger in call order.
	// Each call is one atomic append: concurrent callers never interleave
	// partial records. Ill-formed items fail the whole call with ErrInvalidItem.
	AddItems(ctx context.Context, items []Item) error

	// Search returns up to q.TopK items ranked by relevance to q.Text.
	// The result is deterministic for an unchanged ledger and empty for an
	// empty one.
	Search(ctx context.Context, q Query) ([]RankedResult, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder is an interface for generating text embeddings.
// Only the vector backend needs one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.MemoryConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendLexical:
		return OpenLedger(cfg.LedgerPath, logger)
	case config.BackendSQLite:
		store, err := NewSQLiteStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendVector:
		if embedder == nil {
			return nil, fmt.Errorf("vector backend requires an embedder")
		}
		store, err := NewPostgresStore(ctx, cfg.DatabaseURL, embedder, logger)
		if err != nil {
			return nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

func validateQuery(q Query) error {
	if q.TopK < 1 {
		return ErrInvalidTopK
	}
	return nil
}
