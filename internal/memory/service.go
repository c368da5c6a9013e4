package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/easeaico/adk-repair-agent/internal/logging"
	"go.uber.org/zap"
	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/session"
	"google.golang.org/genai"
)

// RecordToolName is the ADK tool that saves memories explicitly. Sessions that
// called it are not ingested again by AddSession.
const RecordToolName = "record_memory"

// titleRunes bounds the title derived from a session question.
const titleRunes = 50

// Service exposes a Store as an ADK memory.Service so interactive ADK agents
// share the ledger used by repair runs.
type Service struct {
	store  Store
	topK   int
	logger *zap.Logger
}

// NewService creates a new memory service over store.
func NewService(store Store, topK int, logger *zap.Logger) *Service {
	if topK < 1 {
		topK = 3
	}
	return &Service{store: store, topK: topK, logger: logging.OrNop(logger)}
}

// AddSession implements memory.Service interface.
// It stores the last question/answer pair of the session as a success item
// tagged ProvenanceUnverified, unless the agent already recorded a memory
// through RecordToolName. Repair runs do not retrieve unverified items.
func (s *Service) AddSession(ctx context.Context, sess session.Session) error {
	var userQuery string
	var agentResponse string
	hasExplicitSave := false

	for event := range sess.Events().All() {
		if event.Content == nil {
			continue
		}

		text := strings.Join(extractTextFromContent([]*genai.Content{event.Content}), " ")
		if text != "" {
			if event.Author == "user" {
				userQuery = text
			} else {
				agentResponse = text
			}
		}

		for _, part := range event.Content.Parts {
			if part.FunctionCall != nil && part.FunctionCall.Name == RecordToolName {
				hasExplicitSave = true
			}
		}
	}

	if hasExplicitSave {
		return nil
	}

	// Only save if we have both a query and a meaningful response
	if userQuery == "" || len(agentResponse) <= 20 {
		return nil
	}

	item := Item{
		Title:       signature(userQuery),
		Description: userQuery,
		Content:     agentResponse,
		Outcome:     OutcomeSuccess,
		Source: map[string]any{
			"type":       "session",
			"session_id": sess.ID(),
			"app":        sess.AppName(),
			"provenance": ProvenanceUnverified,
		},
	}
	if err := s.store.AddItems(ctx, []Item{item}); err != nil {
		return fmt.Errorf("failed to save session to memory: %w", err)
	}

	s.logger.Debug("session ingested", zap.String("session_id", sess.ID()))
	return nil
}

// Search implements memory.Service interface.
func (s *Service) Search(ctx context.Context, req *adkmemory.SearchRequest) (*adkmemory.SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return &adkmemory.SearchResponse{Memories: []adkmemory.Entry{}}, nil
	}

	results, err := s.store.Search(ctx, Query{Text: req.Query, TopK: s.topK})
	if err != nil {
		return nil, fmt.Errorf("failed to search memory: %w", err)
	}

	memories := make([]adkmemory.Entry, 0, len(results))
	for _, r := range results {
		contentParts := genai.Text(FormatItem(r.Item))
		if len(contentParts) == 0 {
			continue
		}
		memories = append(memories, adkmemory.Entry{
			Content:   contentParts[0],
			Author:    "memory",
			Timestamp: r.Item.CreatedAt,
		})
	}

	return &adkmemory.SearchResponse{Memories: memories}, nil
}

// FormatItem renders an item for inclusion in a prompt.
func FormatItem(it Item) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", it.Outcome, strings.TrimSpace(it.Title))
	if d := strings.TrimSpace(it.Description); d != "" {
		sb.WriteString("\n" + d)
	}
	sb.WriteString("\n" + strings.TrimSpace(it.Content))
	return sb.String()
}

// signature returns the first titleRunes runes of s.
// Use []rune to properly handle multi-byte characters (e.g., Chinese, emoji).
func signature(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > titleRunes {
		return string(runes[:titleRunes])
	}
	return s
}

// extractTextFromContent extracts text from genai.Content parts
func extractTextFromContent(content []*genai.Content) []string {
	var texts []string
	for _, c := range content {
		for _, part := range c.Parts {
			if text := part.Text; text != "" {
				texts = append(texts, text)
			}
		}
	}
	return texts
}

var _ adkmemory.Service = (*Service)(nil)
