// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables recognized by Load.
const EnvPrefix = "REPAIR_"

// Memory backends.
const (
	BackendLexical = "lexical" // JSONL ledger + TF-IDF index
	BackendSQLite  = "sqlite"  // SQLite ledger + TF-IDF index
	BackendVector  = "vector"  // PostgreSQL + pgvector
)

// Completion providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// ErrInvalidConfig is returned by Validate for out-of-range options.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the application configuration.
// It is constructed once and passed explicitly to every component.
type Config struct {
	Memory MemoryConfig `koanf:"memory"`
	Run    RunConfig    `koanf:"run"`
	LLM    LLMConfig    `koanf:"llm"`
	Log    LogConfig    `koanf:"log"`
}

// MemoryConfig selects and configures the memory store backend.
type MemoryConfig struct {
	Backend     string `koanf:"backend"`      // "lexical", "sqlite" or "vector"
	LedgerPath  string `koanf:"ledger_path"`  // JSONL ledger for the lexical backend
	DatabaseURL string `koanf:"database_url"` // SQLite file path or PostgreSQL URL
	TopK        int    `koanf:"top_k"`        // items retrieved per run
}

// RunConfig controls the attempt orchestrator.
type RunConfig struct {
	K               int    `koanf:"k"`
	RefineRounds    int    `koanf:"refine_rounds"`
	TimeoutSeconds  int    `koanf:"timeout_seconds"`
	MaxParallel     int    `koanf:"max_parallel"` // 0 means K
	ExtractFailures bool   `koanf:"extract_failures"`
	StopOnSuccess   bool   `koanf:"stop_on_success"`
	RunsDir         string `koanf:"runs_dir"`
	WorkspaceRoot   string `koanf:"workspace_root"`
}

// LLMConfig configures the completion service.
type LLMConfig struct {
	Provider       string  `koanf:"provider"` // "gemini" or "openai"
	Model          string  `koanf:"model"`
	APIKey         string  `koanf:"api_key"`
	BaseURL        string  `koanf:"base_url"`
	EmbeddingModel string  `koanf:"embedding_model"`
	MaxRetries     int     `koanf:"max_retries"`
	RateLimit      float64 `koanf:"rate_limit"` // requests per second, 0 disables
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// Default returns a configuration with sensible defaults.
func Default() Config {
	return Config{
		Memory: MemoryConfig{
			Backend:    BackendLexical,
			LedgerPath: filepath.Join("memory", "memory.jsonl"),
			TopK:       1,
		},
		Run: RunConfig{
			K:              1,
			RefineRounds:   0,
			TimeoutSeconds: 600,
			RunsDir:        "runs",
		},
		LLM: LLMConfig{
			Provider:       ProviderGemini,
			EmbeddingModel: "text-embedding-004",
			MaxRetries:     2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from an optional YAML file, then overrides it
// with REPAIR_* environment variables.
//
// Precedence (highest first): environment, YAML file, defaults.
// An empty path skips the file; a missing file is an error.
//
// Environment variables map to keys by stripping the prefix, lower-casing and
// turning the first underscore into a section separator:
//
//	REPAIR_RUN_REFINE_ROUNDS -> run.refine_rounds
//	REPAIR_MEMORY_BACKEND    -> memory.backend
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return cfg, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Provider-native API key variables are honored when nothing else is set.
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case ProviderGemini:
			cfg.LLM.APIKey = os.Getenv("GOOGLE_API_KEY")
		case ProviderOpenAI:
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	return cfg, nil
}

// envKey maps REPAIR_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + rest
}

// Validate checks every recognized option.
func (c Config) Validate() error {
	switch c.Memory.Backend {
	case BackendLexical:
		if c.Memory.LedgerPath == "" {
			return fmt.Errorf("%w: memory.ledger_path is required for the lexical backend", ErrInvalidConfig)
		}
	case BackendSQLite, BackendVector:
		if c.Memory.DatabaseURL == "" {
			return fmt.Errorf("%w: memory.database_url is required for the %s backend", ErrInvalidConfig, c.Memory.Backend)
		}
	default:
		return fmt.Errorf("%w: memory.backend must be 'lexical', 'sqlite' or 'vector', got %q", ErrInvalidConfig, c.Memory.Backend)
	}
	if c.Memory.TopK < 1 {
		return fmt.Errorf("%w: memory.top_k must be >= 1, got %d", ErrInvalidConfig, c.Memory.TopK)
	}
	if c.Run.K < 1 {
		return fmt.Errorf("%w: run.k must be >= 1, got %d", ErrInvalidConfig, c.Run.K)
	}
	if c.Run.RefineRounds < 0 {
		return fmt.Errorf("%w: run.refine_rounds must be >= 0, got %d", ErrInvalidConfig, c.Run.RefineRounds)
	}
	if c.Run.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: run.timeout_seconds must be > 0, got %d", ErrInvalidConfig, c.Run.TimeoutSeconds)
	}
	if c.Run.MaxParallel < 0 {
		return fmt.Errorf("%w: run.max_parallel must be >= 0, got %d", ErrInvalidConfig, c.Run.MaxParallel)
	}
	if c.LLM.Provider != ProviderGemini && c.LLM.Provider != ProviderOpenAI {
		return fmt.Errorf("%w: llm.provider must be 'gemini' or 'openai', got %q", ErrInvalidConfig, c.LLM.Provider)
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("%w: llm.max_retries must be >= 0", ErrInvalidConfig)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log.format must be 'json' or 'console', got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// Timeout returns the per-call timeout for blocking collaborator calls.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Run.TimeoutSeconds) * time.Second
}

// Parallelism returns the number of attempts allowed to run at once.
func (c Config) Parallelism() int {
	if c.Run.MaxParallel == 0 || c.Run.MaxParallel > c.Run.K {
		return c.Run.K
	}
	return c.Run.MaxParallel
}
