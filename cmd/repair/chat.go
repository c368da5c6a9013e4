package main

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/easeaico/adk-repair-agent/internal/config"
	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/easeaico/adk-repair-agent/internal/process"
	"github.com/easeaico/adk-repair-agent/internal/tools"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"
)

// chatOptions holds the flags of the chat command.
type chatOptions struct {
	WorkDir string
	TestCmd string
}

func newChatCommand(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [-- launcher args]",
		Short: "Talk to an interactive repair agent backed by the same memory",
		Long: `chat starts an ADK agent (Gemini) that can search and record memory items,
browse the repository and run its verification command. Sessions are
ingested into memory when they end.

Arguments after -- are passed to the ADK launcher, for example:
  repair chat --workdir ../svc -- console`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, root, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.WorkDir, "workdir", "", "repository the agent may read (default: current directory)")
	cmd.Flags().StringVar(&opts.TestCmd, "test-cmd", "", "verification command exposed as the run_verification tool")
	return cmd
}

func runChat(cmd *cobra.Command, root *rootOptions, opts *chatOptions, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(root, nil)
	if err != nil {
		return err
	}
	apiKey := cfg.LLM.APIKey
	if cfg.LLM.Provider != config.ProviderGemini {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return &configError{err: fmt.Errorf("chat needs a Gemini API key (llm.api_key or GOOGLE_API_KEY)")}
	}

	workDir := opts.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	agentTools, err := tools.BuildTools(tools.ToolsConfig{
		Store:         store,
		WorkDir:       workDir,
		TopK:          cfg.Memory.TopK,
		VerifyCommand: opts.TestCmd,
		Commands:      process.NewRunner(cfg.Timeout(), logger),
	})
	if err != nil {
		return fmt.Errorf("failed to build tools: %w", err)
	}

	modelName := cfg.LLM.Model
	if modelName == "" || cfg.LLM.Provider != config.ProviderGemini {
		modelName = "gemini-2.0-flash"
	}
	llmModel, err := gemini.NewModel(ctx, modelName, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM model: %w", err)
	}

	// Seed the instruction with the strongest memories for a generic repair
	// query; the agent can search for more itself.
	seeded, err := store.Search(ctx, memory.Query{Text: "fix failing test bug error", TopK: 3})
	if err != nil {
		logger.Warn("failed to load memory for instruction", zap.Error(err))
	}

	instruction, err := buildChatInstruction(seeded, opts.TestCmd != "")
	if err != nil {
		return err
	}

	llmAgent, err := llmagent.New(llmagent.Config{
		Name:        "repair_agent",
		Description: "Helps developers diagnose and fix bugs, guided by memory of earlier repairs.",
		Model:       llmModel,
		Instruction: instruction,
		Tools:       agentTools,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info("chat agent ready",
		zap.String("workdir", workDir),
		zap.Int("tools", len(agentTools)),
		zap.Int("seeded_memories", len(seeded)))

	l := full.NewLauncher()
	if err := l.Execute(ctx, &launcher.Config{
		AgentLoader:   agent.NewSingleLoader(llmAgent),
		MemoryService: memory.NewService(store, cfg.Memory.TopK, logger),
	}, args); err != nil {
		return fmt.Errorf("failed to run agent: %w\n\n%s", err, l.CommandLineSyntax())
	}
	return nil
}

var chatInstructionTmpl = template.Must(template.New("chatInstruction").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`You are a senior engineer helping a developer understand, debug and fix code.

You can:
1. Read files and list directories of the repository
2. Search a memory of strategies and pitfalls from earlier repairs
3. Record new strategies or pitfalls for future reference
{{- if .CanVerify }}
4. Run the repository's verification command
{{- end }}
{{- if .Memories }}

Memories from earlier repairs:
{{- range $i, $r := .Memories }}
{{ inc $i }}. [{{ $r.Item.Outcome }}] {{ $r.Item.Title }}: {{ $r.Item.Content }}
{{- end }}
{{- end }}

When answering:
- Search memory before proposing a fix for an unfamiliar error
- Read the relevant code with read_file_content before changing it
{{- if .CanVerify }}
- Confirm a fix with run_verification
{{- end }}
- After solving a problem, record what worked with record_memory; record dead ends with outcome failure
- Always give clear, actionable advice
`))

func buildChatInstruction(memories []memory.RankedResult, canVerify bool) (string, error) {
	var buf bytes.Buffer
	if err := chatInstructionTmpl.Execute(&buf, struct {
		Memories  []memory.RankedResult
		CanVerify bool
	}{memories, canVerify}); err != nil {
		return "", fmt.Errorf("failed to build instruction: %w", err)
	}
	return buf.String(), nil
}
