package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/easeaico/adk-repair-agent/internal/llm"
	"github.com/easeaico/adk-repair-agent/internal/logging"
	"github.com/easeaico/adk-repair-agent/internal/memory"
	"go.uber.org/zap"
)

// maxExtractedItems caps the items kept from one extraction.
const maxExtractedItems = 3

var (
	itemHeaderPattern  = regexp.MustCompile(`(?m)^#\s*Memory Item.*$`)
	titlePattern       = regexp.MustCompile(`##\s*Title:?[ \t]*\n?[ \t]*(.+)`)
	descriptionPattern = regexp.MustCompile(`##\s*Description:?[ \t]*\n?[ \t]*(.+)`)
	contentPattern     = regexp.MustCompile(`(?s)##\s*Content:?\s*(.+)`)
)

// Extractor distills memory items from an attempt transcript.
type Extractor struct {
	completer llm.Completer
	logger    *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(completer llm.Completer, logger *zap.Logger) *Extractor {
	return &Extractor{completer: completer, logger: logging.OrNop(logger)}
}

// Extract asks the completion service for up to three items labeled with
// outcome. The returned items carry no ID or timestamp; the store assigns
// them on append.
func (e *Extractor) Extract(ctx context.Context, issue, transcript string, outcome memory.Outcome) ([]memory.Item, error) {
	out, err := e.completer.Complete(ctx, extractSystem, buildExtractPrompt(outcome, issue, transcript))
	if err != nil {
		return nil, fmt.Errorf("failed to extract memory: %w", err)
	}

	items := ParseMemoryItems(out, outcome)
	if len(items) == 0 {
		e.logger.Debug("extraction produced no items", zap.String("outcome", string(outcome)))
	}
	return items, nil
}

// ParseMemoryItems reads "# Memory Item" blocks with Title, Description and
// Content sections. Blocks missing any section are skipped.
func ParseMemoryItems(out string, outcome memory.Outcome) []memory.Item {
	var items []memory.Item
	for _, block := range itemHeaderPattern.Split(out, -1) {
		title := firstGroup(titlePattern, block)
		desc := firstGroup(descriptionPattern, block)
		content := firstGroup(contentPattern, block)
		if title == "" || desc == "" || content == "" {
			continue
		}
		items = append(items, memory.Item{
			Title:       title,
			Description: desc,
			Content:     content,
			Outcome:     outcome,
		})
		if len(items) == maxExtractedItems {
			break
		}
	}
	return items
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
