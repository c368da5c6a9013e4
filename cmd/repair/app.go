package main

import (
	"context"
	"fmt"
	"os"

	"github.com/easeaico/adk-repair-agent/internal/config"
	"github.com/easeaico/adk-repair-agent/internal/llm"
	"github.com/easeaico/adk-repair-agent/internal/logging"
	"github.com/easeaico/adk-repair-agent/internal/memory"
	"go.uber.org/zap"
)

// loadConfig reads the config file and environment, lets override apply
// command-line flags, then validates the result.
func loadConfig(opts *rootOptions, override func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, &configError{err: err}
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, &configError{err: err}
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, &configError{err: err}
	}
	return logger, nil
}

// openStore builds the configured memory backend. The vector backend embeds
// with Gemini whatever the completion provider is.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (memory.Store, error) {
	var embedder memory.Embedder
	if cfg.Memory.Backend == config.BackendVector {
		embedCfg := cfg.LLM
		if embedCfg.Provider != config.ProviderGemini {
			embedCfg.Provider = config.ProviderGemini
			embedCfg.APIKey = os.Getenv("GOOGLE_API_KEY")
		}
		client, err := llm.NewGeminiClient(ctx, embedCfg)
		if err != nil {
			return nil, &configError{err: fmt.Errorf("vector backend needs a Gemini embedder: %w", err)}
		}
		embedder = client
	}

	store, err := memory.New(ctx, cfg.Memory, embedder, logger)
	if err != nil {
		return nil, &configError{err: fmt.Errorf("failed to open memory store: %w", err)}
	}
	return store, nil
}
