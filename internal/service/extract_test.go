package service

import (
	"context"
	"errors"
	"testing"

	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryItems(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantTitles []string
	}{
		{
			name:       "two items",
			output:     extractionOutput,
			wantTitles: []string{"Check loop bounds first", "Run the failing test alone"},
		},
		{
			name: "colons and next-line values",
			output: "# Memory Item 1\n## Title:\nGuard nil maps\n## Description:\nWrites to nil maps panic.\n" +
				"## Content:\nInitialize maps in constructors.\nPrefer make over literals for growth.\n",
			wantTitles: []string{"Guard nil maps"},
		},
		{
			name: "incomplete block skipped",
			output: "# Memory Item 1\n## Title Missing content\n## Description nothing else\n\n" +
				"# Memory Item 2\n## Title Complete\n## Description d\n## Content c\n",
			wantTitles: []string{"Complete"},
		},
		{
			name: "capped at three",
			output: "# Memory Item 1\n## Title a\n## Description d\n## Content c\n" +
				"# Memory Item 2\n## Title b\n## Description d\n## Content c\n" +
				"# Memory Item 3\n## Title c\n## Description d\n## Content c\n" +
				"# Memory Item 4\n## Title d\n## Description d\n## Content c\n",
			wantTitles: []string{"a", "b", "c"},
		},
		{
			name:   "no items",
			output: "Nothing worth remembering.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := ParseMemoryItems(tt.output, memory.OutcomeSuccess)
			var titles []string
			for _, it := range items {
				titles = append(titles, it.Title)
				assert.Equal(t, memory.OutcomeSuccess, it.Outcome)
				assert.NotEmpty(t, it.Content)
			}
			assert.Equal(t, tt.wantTitles, titles)
		})
	}
}

func TestParseMemoryItems_MultilineContent(t *testing.T) {
	items := ParseMemoryItems("# Memory Item 1\n## Title:\nGuard nil maps\n## Description:\nWrites to nil maps panic.\n"+
		"## Content:\nInitialize maps in constructors.\nPrefer make over literals for growth.\n", memory.OutcomeFailure)

	require.Len(t, items, 1)
	assert.Equal(t, "Writes to nil maps panic.", items[0].Description)
	assert.Equal(t, "Initialize maps in constructors.\nPrefer make over literals for growth.", items[0].Content)
}

func TestExtractor_Extract(t *testing.T) {
	completer := &scriptedCompleter{outputs: []string{extractionOutput}}
	extractor := NewExtractor(completer, nil)

	items, err := extractor.Extract(context.Background(), "loop skips the last element", "MODEL_OUT:\n...", memory.OutcomeSuccess)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.Len(t, completer.users, 1)
	assert.Contains(t, completer.users[0], "From this successful attempt")
	assert.Contains(t, completer.users[0], "loop skips the last element")
	assert.Contains(t, completer.users[0], "Trajectory:\nMODEL_OUT:")
}

func TestExtractor_ExtractError(t *testing.T) {
	extractor := NewExtractor(&scriptedCompleter{errs: []error{errors.New("unavailable")}}, nil)

	items, err := extractor.Extract(context.Background(), "issue", "transcript", memory.OutcomeFailure)
	assert.Error(t, err)
	assert.Nil(t, items)
}
