// Package service runs memory-guided repair attempts: it generates patches,
// verifies them, picks a winner among parallel attempts and distills the
// outcome back into memory.
package service

import (
	"fmt"
	"strings"

	"github.com/easeaico/adk-repair-agent/internal/memory"
)

// AttemptContext holds what one attempt lineage knows and has done.
type AttemptContext struct {
	// Issue is the problem statement being repaired.
	Issue string

	// RepoSummary describes the base repository state.
	RepoSummary string

	// VerifyCommand is the shell command that decides success.
	VerifyCommand string

	// Retrieved are the memories retrieved once for the run.
	Retrieved []memory.RankedResult

	// transcript records every prompt, completion and observation in order.
	transcript []transcriptEntry
}

type transcriptEntry struct {
	label string
	text  string
}

// NewAttemptContext creates a context with an empty transcript.
func NewAttemptContext(issue, repoSummary, verifyCommand string, retrieved []memory.RankedResult) *AttemptContext {
	return &AttemptContext{
		Issue:         issue,
		RepoSummary:   repoSummary,
		VerifyCommand: verifyCommand,
		Retrieved:     retrieved,
		transcript:    make([]transcriptEntry, 0, 8),
	}
}

// Record appends an entry to the transcript.
func (c *AttemptContext) Record(label, text string) {
	c.transcript = append(c.transcript, transcriptEntry{label: label, text: text})
}

// Recordf appends a formatted entry to the transcript.
func (c *AttemptContext) Recordf(label, format string, args ...any) {
	c.Record(label, fmt.Sprintf(format, args...))
}

// Transcript renders the transcript as plain text.
func (c *AttemptContext) Transcript() string {
	var sb strings.Builder
	for i, e := range c.transcript {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(e.label)
		sb.WriteString(":\n")
		sb.WriteString(strings.TrimRight(e.text, "\n"))
	}
	return sb.String()
}
