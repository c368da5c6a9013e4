package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/easeaico/adk-repair-agent/internal/config"
	"google.golang.org/genai"
)

// GeminiClient wraps the Google GenAI client for completions and embeddings.
type GeminiClient struct {
	client         *genai.Client
	model          string
	embeddingModel string
}

// NewGeminiClient creates a Gemini client from cfg.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-004"
	}

	return &GeminiClient{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
	}, nil
}

// Model returns the completion model name.
func (c *GeminiClient) Model() string {
	return c.model
}

// Complete generates a completion for user under the system instruction.
// Transport and API failures are reported as retryable.
func (c *GeminiClient) Complete(ctx context.Context, system, user string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if strings.TrimSpace(system) != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(user), cfg)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("failed to generate content: %w", err)}
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", &retryableError{err: ErrEmptyResponse}
	}
	return text, nil
}

// Embed generates an embedding vector for the given text.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}

	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("no embedding returned")
	}

	return resp.Embeddings[0].Values, nil
}

var (
	_ Completer = (*GeminiClient)(nil)
	_ Embedder  = (*GeminiClient)(nil)
)
