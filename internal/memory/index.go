package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// stopWords are dropped by the tokenizer. The list is kept short on purpose:
// words like "by", "one" or "off" name real bug classes.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {},
	"in": {}, "is": {}, "are": {}, "was": {}, "it": {}, "for": {}, "on": {},
	"with": {}, "that": {}, "this": {}, "be": {}, "as": {}, "at": {}, "from": {},
}

// tokenize lower-cases s and splits it on anything that is not a letter or digit.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

type indexedDoc struct {
	item   Item
	tf     map[string]int
	length int
}

// QueryIndex is an in-memory TF-IDF index over ledger items.
//
// Ranking is lexicographic on (distinct query terms matched, TF-IDF weight,
// CreatedAt, ledger position), all descending. An item sharing strictly more
// query terms than another therefore always outranks it.
//
// QueryIndex is not safe for concurrent use; stores guard it with a lock.
type QueryIndex struct {
	docs []indexedDoc
	df   map[string]int
}

// NewQueryIndex creates an empty index.
func NewQueryIndex() *QueryIndex {
	return &QueryIndex{df: make(map[string]int)}
}

// Add indexes items in order after the ones already present.
func (x *QueryIndex) Add(items ...Item) {
	for _, it := range items {
		tokens := tokenize(it.Text())
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for term := range tf {
			x.df[term]++
		}
		x.docs = append(x.docs, indexedDoc{item: it, tf: tf, length: len(tokens)})
	}
}

// Len returns the number of indexed items.
func (x *QueryIndex) Len() int {
	return len(x.docs)
}

type scoredDoc struct {
	pos   int
	score float64
}

// Search ranks every indexed item against text and returns the best topK.
func (x *QueryIndex) Search(text string, topK int) []RankedResult {
	return x.search(text, topK, false)
}

// Query is Search driven by q.
func (x *QueryIndex) Query(q Query) []RankedResult {
	return x.search(q.Text, q.TopK, q.VerifiedOnly)
}

func (x *QueryIndex) search(text string, topK int, verifiedOnly bool) []RankedResult {
	if topK < 1 || len(x.docs) == 0 {
		return []RankedResult{}
	}

	terms := uniqueTerms(tokenize(text))
	n := float64(len(x.docs))

	scored := make([]scoredDoc, 0, len(x.docs))
	for pos, doc := range x.docs {
		if verifiedOnly && doc.item.Unverified() {
			continue
		}
		var matched int
		var weight float64
		for _, term := range terms {
			tf := doc.tf[term]
			if tf == 0 {
				continue
			}
			matched++
			idf := math.Log((1+n)/(1+float64(x.df[term]))) + 1
			weight += (1 + math.Log(float64(tf))) * idf
		}
		if doc.length > 0 {
			weight /= math.Sqrt(float64(doc.length))
		}
		// weight/(1+weight) stays in [0,1) so it can never outvote a matched term.
		scored = append(scored, scoredDoc{pos: pos, score: float64(matched) + weight/(1+weight)})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		ta, tb := x.docs[a.pos].item.CreatedAt, x.docs[b.pos].item.CreatedAt
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.pos > b.pos
	})

	limit := min(topK, len(scored))
	results := make([]RankedResult, limit)
	for i := range limit {
		results[i] = RankedResult{
			Item:  x.docs[scored[i].pos].item.clone(),
			Score: scored[i].score,
		}
	}
	return results
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
