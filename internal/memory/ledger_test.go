package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T, path string) *LedgerStore {
	t.Helper()
	s, err := OpenLedger(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLedger_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	s := openTestLedger(t, filepath.Join(t.TempDir(), "memory.jsonl"))

	results, err := s.Search(ctx, Query{Text: "anything", TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, results)

	err = s.AddItems(ctx, []Item{
		{Title: "off-by-one", Description: "loop bound", Content: "use < not <=", Outcome: OutcomeSuccess},
		{Title: "nil map", Content: "make the map first", Outcome: OutcomeFailure},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	results, err = s.Search(ctx, Query{Text: "loop bound off by one", TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "off-by-one", results[0].Item.Title)
	assert.NotEmpty(t, results[0].Item.ID)
	assert.False(t, results[0].Item.CreatedAt.IsZero())
}

func TestLedger_ReopenPreservesItems(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "memory.jsonl")

	s, err := OpenLedger(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddItems(ctx, []Item{
		{Title: "first", Content: "a b c", Outcome: OutcomeSuccess, Source: map[string]any{"type": "code"}},
	}))
	require.NoError(t, s.AddItems(ctx, []Item{
		{Title: "second", Content: "d e f", Outcome: OutcomeFailure},
	}))
	require.NoError(t, s.Close())

	reopened := openTestLedger(t, path)
	assert.Equal(t, 2, reopened.Len())

	results, err := reopened.Search(ctx, Query{Text: "first", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Item.Title)
	assert.Equal(t, "code", results[0].Item.Source["type"])
}

func TestLedger_TruncatedTailIsDiscarded(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.jsonl")

	s, err := OpenLedger(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddItems(ctx, []Item{
		{Title: "one", Content: "alpha", Outcome: OutcomeSuccess},
		{Title: "two", Content: "beta", Outcome: OutcomeSuccess},
	}))
	require.NoError(t, s.Close())

	// Simulate a crash halfway through the third record.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"x","title":"three","content":"gam`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openTestLedger(t, path)
	assert.Equal(t, 2, reopened.Len())

	// The next append must land on its own line.
	require.NoError(t, reopened.AddItems(ctx, []Item{
		{Title: "three", Content: "gamma", Outcome: OutcomeFailure},
	}))
	require.NoError(t, reopened.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 3)

	again := openTestLedger(t, path)
	assert.Equal(t, 3, again.Len())
}

func TestLedger_UnterminatedLastRecordIsKept(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	content := `{"id":"a","title":"first","content":"alpha","outcome":"success","created_at":"2025-01-01T00:00:00Z"}` + "\n" +
		`{"id":"b","title":"second","content":"beta","outcome":"failure","created_at":"2025-01-02T00:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := OpenLedger(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data), "opening must not rewrite the ledger")

	require.NoError(t, s.AddItems(ctx, []Item{
		{Title: "third", Content: "gamma", Outcome: OutcomeSuccess},
	}))
	require.NoError(t, s.Close())

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), content+"\n"))
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 3)

	again := openTestLedger(t, path)
	assert.Equal(t, 3, again.Len())
	results, err := again.Search(ctx, Query{Text: "second beta", TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, titles(results))
}

func TestLedger_CorruptMiddleRecordIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	content := strings.Join([]string{
		`{"id":"1","title":"good one","content":"x","outcome":"success","created_at":"2025-01-01T00:00:00Z"}`,
		`{not json`,
		`{"id":"2","title":"bad outcome","content":"y","outcome":"maybe","created_at":"2025-01-01T00:00:00Z"}`,
		``,
		`{"id":"3","title":"good two","content":"z","outcome":"failure","created_at":"2025-01-02T00:00:00Z","extra":{"k":1}}`,
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := openTestLedger(t, path)
	assert.Equal(t, 2, s.Len())

	results, err := s.Search(context.Background(), Query{Text: "good", TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"good two", "good one"}, titles(results))
}

func TestLedger_InvalidItemsRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestLedger(t, filepath.Join(t.TempDir(), "memory.jsonl"))

	tests := []struct {
		name string
		item Item
		want error
	}{
		{"empty title", Item{Content: "c", Outcome: OutcomeSuccess}, ErrEmptyTitle},
		{"empty content", Item{Title: "t", Outcome: OutcomeSuccess}, ErrEmptyContent},
		{"bad outcome", Item{Title: "t", Content: "c", Outcome: "partial"}, ErrBadOutcome},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid := Item{Title: "ok", Content: "ok", Outcome: OutcomeSuccess}
			err := s.AddItems(ctx, []Item{valid, tt.item})
			assert.ErrorIs(t, err, ErrInvalidItem)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Nothing from a rejected batch is written.
	assert.Equal(t, 0, s.Len())
}

func TestLedger_SearchRejectsBadTopK(t *testing.T) {
	s := openTestLedger(t, filepath.Join(t.TempDir(), "memory.jsonl"))

	_, err := s.Search(context.Background(), Query{Text: "q", TopK: 0})
	assert.ErrorIs(t, err, ErrInvalidTopK)
}

func TestLedger_ClosedStore(t *testing.T) {
	s, err := OpenLedger(filepath.Join(t.TempDir(), "memory.jsonl"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.AddItems(context.Background(), []Item{{Title: "t", Content: "c", Outcome: OutcomeSuccess}})
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = s.Search(context.Background(), Query{Text: "t", TopK: 1})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	s := openTestLedger(t, path)

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]Item, perWriter)
			for i := range batch {
				batch[i] = Item{
					Title:   fmt.Sprintf("writer %d item %d", w, i),
					Content: strings.Repeat("payload ", 64),
					Outcome: OutcomeSuccess,
				}
			}
			assert.NoError(t, s.AddItems(ctx, batch))
		}(w)
	}
	wg.Wait()

	total := writers * perWriter
	results, err := s.Search(ctx, Query{Text: "payload", TopK: total})
	require.NoError(t, err)
	assert.Len(t, results, total)

	require.NoError(t, s.Close())
	reopened := openTestLedger(t, path)
	assert.Equal(t, total, reopened.Len())
}

func TestLedger_CallerSliceUntouched(t *testing.T) {
	s := openTestLedger(t, filepath.Join(t.TempDir(), "memory.jsonl"))
	items := []Item{{Title: "t", Content: "c", Outcome: OutcomeSuccess}}

	require.NoError(t, s.AddItems(context.Background(), items))
	assert.Empty(t, items[0].ID)
	assert.True(t, items[0].CreatedAt.IsZero())
}
