// Package memory provides the outcome-labeled memory ledger and its
// retrieval backends.
//
// A memory Item is a distilled strategy (outcome "success") or anti-pattern
// (outcome "failure") learned from a past repair attempt. Items are appended
// to a ledger and never mutated; Search ranks them against a new issue.
package memory

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory operations.
var (
	ErrInvalidItem  = errors.New("invalid memory item")
	ErrInvalidTopK  = errors.New("top_k must be >= 1")
	ErrStoreClosed  = errors.New("memory store is closed")
	ErrEmptyTitle   = errors.New("memory title cannot be empty")
	ErrEmptyContent = errors.New("memory content cannot be empty")
	ErrBadOutcome   = errors.New("outcome must be 'success' or 'failure'")
)

// Outcome is the binary label attached to every item.
type Outcome string

const (
	// OutcomeSuccess marks a strategy that led to a verified fix.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure marks an approach that did not verify.
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether o is one of the two known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// Item is one ledger entry.
type Item struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Outcome     Outcome        `json:"outcome"`
	CreatedAt   time.Time      `json:"created_at"`
	Source      map[string]any `json:"source,omitempty"`
}

// Validate checks the fields a caller must provide.
func (it *Item) Validate() error {
	if it.Title == "" {
		return ErrEmptyTitle
	}
	if it.Content == "" {
		return ErrEmptyContent
	}
	if !it.Outcome.Valid() {
		return ErrBadOutcome
	}
	return nil
}

// ProvenanceUnverified tags items whose outcome no verification backs, such
// as answers ingested from chat sessions.
const ProvenanceUnverified = "unverified"

// Unverified reports whether the item's source is tagged ProvenanceUnverified.
func (it *Item) Unverified() bool {
	p, _ := it.Source["provenance"].(string)
	return p == ProvenanceUnverified
}

// Text returns the indexed text of the item.
func (it *Item) Text() string {
	return it.Title + "\n" + it.Description + "\n" + it.Content
}

// clone returns a copy that shares no mutable state with it.
func (it Item) clone() Item {
	it.Source = maps.Clone(it.Source)
	return it
}

// Query is a retrieval request.
type Query struct {
	Text string
	TopK int
	// VerifiedOnly leaves out unverified items before ranking.
	VerifiedOnly bool
}

// RankedResult pairs an item with its relevance score.
type RankedResult struct {
	Item  Item
	Score float64
}

// CorruptRecordError reports a ledger record that could not be decoded.
// Corrupt records are skipped on load.
type CorruptRecordError struct {
	Offset int64
	Err    error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt memory record at offset %d: %v", e.Offset, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// prepare validates items and fills ID and CreatedAt.
// It returns copies; the caller's slice is left untouched.
func prepare(items []Item, now time.Time) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %w", ErrInvalidItem, i, err)
		}
		it = it.clone()
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		out = append(out, it)
	}
	return out, nil
}
