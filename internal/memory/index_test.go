package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func item(title, content string, outcome Outcome, age time.Duration) Item {
	return Item{
		ID:        title,
		Title:     title,
		Content:   content,
		Outcome:   outcome,
		CreatedAt: baseTime.Add(-age),
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"off", "by", "one"}, tokenize("Off-by-one"))
	assert.Equal(t, []string{"fix", "loop", "bound", "i", "n"}, tokenize("Fix the loop bound (i <= n)"))
	assert.Empty(t, tokenize("the a an"))
}

func TestQueryIndex_Empty(t *testing.T) {
	x := NewQueryIndex()
	assert.Empty(t, x.Search("anything", 5))
}

func TestQueryIndex_OffByOneRanksFirst(t *testing.T) {
	x := NewQueryIndex()
	x.Add(
		item("nil map write", "initialize the map before assigning into it", OutcomeSuccess, time.Minute),
		item("loop over channel", "close the channel so the range loop terminates", OutcomeFailure, 0),
		item("off-by-one", "check the loop bound uses < instead of <= when indexing", OutcomeSuccess, time.Hour),
		item("slice bound panic", "guard index against len before slicing", OutcomeFailure, 2*time.Minute),
	)

	results := x.Search("off by one loop bound", 4)
	require.Len(t, results, 4)
	assert.Equal(t, "off-by-one", results[0].Item.Title)
	assert.Equal(t, OutcomeSuccess, results[0].Item.Outcome)
}

func TestQueryIndex_Deterministic(t *testing.T) {
	x := NewQueryIndex()
	for i, title := range []string{"alpha", "beta", "gamma", "delta", "epsilon"} {
		x.Add(item(title, "retry the request with backoff", OutcomeSuccess, time.Duration(i%2)*time.Second))
	}

	first := x.Search("retry backoff", 5)
	for range 20 {
		assert.Equal(t, first, x.Search("retry backoff", 5))
	}
}

func TestQueryIndex_MonotonicInMatchedTerms(t *testing.T) {
	x := NewQueryIndex()
	// Heavy repetition of a single rare term must not beat broader overlap.
	x.Add(
		item("deadlock deadlock deadlock", "deadlock deadlock deadlock deadlock", OutcomeFailure, 0),
		item("mutex", "unlock the mutex", OutcomeSuccess, 0),
	)
	query := "deadlock mutex unlock order"

	before := x.Search(query, 10)
	require.NotEmpty(t, before)

	x.Add(item("lock order", "acquire mutex in fixed order to avoid deadlock, unlock in reverse", OutcomeSuccess, time.Hour))

	after := x.Search(query, 10)
	assert.Equal(t, "lock order", after[0].Item.Title)
}

func TestQueryIndex_TiesMostRecentFirst(t *testing.T) {
	x := NewQueryIndex()
	x.Add(
		item("old", "same words here", OutcomeSuccess, time.Hour),
		item("new", "same words here", OutcomeSuccess, 0),
		item("mid", "same words here", OutcomeSuccess, time.Minute),
	)

	results := x.Search("same words", 3)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, titles(results))
}

func TestQueryIndex_EqualTimestampsLaterAppendFirst(t *testing.T) {
	x := NewQueryIndex()
	x.Add(
		item("first", "identical", OutcomeSuccess, 0),
		item("second", "identical", OutcomeSuccess, 0),
	)
	assert.Equal(t, []string{"second", "first"}, titles(x.Search("identical", 2)))
}

func TestQueryIndex_TopKBounds(t *testing.T) {
	x := NewQueryIndex()
	x.Add(item("one", "a", OutcomeSuccess, 0), item("two", "b", OutcomeSuccess, 0))

	assert.Len(t, x.Search("zzz", 10), 2, "fewer than top_k when ledger is smaller")
	assert.Len(t, x.Search("zzz", 1), 1)
	assert.Empty(t, x.Search("zzz", 0))
}

func TestQueryIndex_VerifiedOnly(t *testing.T) {
	x := NewQueryIndex()
	chat := item("chat answer", "nil pointer in handler", OutcomeSuccess, 0)
	chat.Source = map[string]any{"type": "session", "provenance": ProvenanceUnverified}
	run := item("repair run", "nil pointer check", OutcomeSuccess, time.Hour)
	run.Source = map[string]any{"type": "code", "provenance": "exit_code"}
	x.Add(run, chat)

	assert.Equal(t, []string{"chat answer", "repair run"}, titles(x.Query(Query{Text: "nil pointer handler", TopK: 2})))
	assert.Equal(t, []string{"repair run"}, titles(x.Query(Query{Text: "nil pointer handler", TopK: 1, VerifiedOnly: true})))
}

func TestQueryIndex_ResultsAreCopies(t *testing.T) {
	x := NewQueryIndex()
	it := item("src", "content", OutcomeSuccess, 0)
	it.Source = map[string]any{"k": "v"}
	x.Add(it)

	res := x.Search("content", 1)
	res[0].Item.Source["k"] = "mutated"

	again := x.Search("content", 1)
	assert.Equal(t, "v", again[0].Item.Source["k"])
}

func titles(results []RankedResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Item.Title
	}
	return out
}
