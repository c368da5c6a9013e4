package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/easeaico/adk-repair-agent/internal/config"
	"github.com/easeaico/adk-repair-agent/internal/judge"
	"github.com/easeaico/adk-repair-agent/internal/llm"
	"github.com/easeaico/adk-repair-agent/internal/process"
	"github.com/easeaico/adk-repair-agent/internal/service"
	"github.com/easeaico/adk-repair-agent/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runOptions holds the flags of the run command.
type runOptions struct {
	Repo       string
	Issue      string
	TestCmd    string
	K          int
	Refine     int
	PatchOut   string
	Report     string
	MetricsOut string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attempt to repair an issue in a git repository",
		Long: `Run k parallel repair attempts against the repository, each with up to
--refine self-refine rounds, and keep the best one.

The exit status is 0 when the winning attempt verified, 1 when no attempt
did and 2 on configuration errors.

Examples:
  # Issue text inline, verified by the test suite
  repair run --repo . --issue "Sum skips the last element" --test-cmd "go test ./..."

  # Issue from a file, best of 3 with one refine round, patch saved
  repair run --repo ../svc --issue issue.md --test-cmd "make test" --k 3 --refine 1 --patch-out fix.diff`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Repo, "repo", ".", "path to the git repository to repair")
	cmd.Flags().StringVar(&opts.Issue, "issue", "", "issue text, or a path to a file holding it")
	cmd.Flags().StringVar(&opts.TestCmd, "test-cmd", "", "verification command run in each workspace (empty: model-judged)")
	cmd.Flags().IntVar(&opts.K, "k", 1, "number of parallel attempts (overrides run.k)")
	cmd.Flags().IntVar(&opts.Refine, "refine", 0, "self-refine rounds per attempt (overrides run.refine_rounds)")
	cmd.Flags().StringVar(&opts.PatchOut, "patch-out", "", "write the winning patch to this file")
	cmd.Flags().StringVar(&opts.Report, "report", "", "write the run report JSON to this file (- for stdout)")
	cmd.Flags().StringVar(&opts.MetricsOut, "metrics-out", "", "write Prometheus metrics to this textfile")

	return cmd
}

func runRepair(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(root, func(c *config.Config) {
		if cmd.Flags().Changed("k") {
			c.Run.K = opts.K
		}
		if cmd.Flags().Changed("refine") {
			c.Run.RefineRounds = opts.Refine
		}
	})
	if err != nil {
		return err
	}

	issue, err := readIssue(opts.Issue)
	if err != nil {
		return &configError{err: err}
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

	completer, err := llm.New(ctx, cfg.LLM, logger)
	if err != nil {
		return &configError{err: err}
	}

	vcs := workspace.NewGit(cfg.Timeout(), logger)
	runner := service.NewRunner(
		completer,
		vcs,
		process.NewRunner(cfg.Timeout(), logger),
		judge.New(completer, logger),
		service.RunnerConfig{Timeout: cfg.Timeout(), StopOnSuccess: cfg.Run.StopOnSuccess},
		logger,
	)

	registry := prometheus.NewRegistry()
	orchestrator := service.NewOrchestrator(
		store,
		vcs,
		runner,
		service.NewExtractor(completer, logger),
		service.OrchestratorConfig{
			TopK:            cfg.Memory.TopK,
			MaxParallel:     cfg.Parallelism(),
			ExtractFailures: cfg.Run.ExtractFailures,
			Timeout:         cfg.Timeout(),
			RunsDir:         cfg.Run.RunsDir,
			WorkspaceRoot:   cfg.Run.WorkspaceRoot,
		},
		service.NewMetrics(registry),
		logger,
	)

	report, err := orchestrator.Run(ctx, service.RunRequest{
		RepoPath:      opts.Repo,
		Issue:         issue,
		VerifyCommand: opts.TestCmd,
		K:             cfg.Run.K,
		RefineRounds:  cfg.Run.RefineRounds,
	})
	if errors.Is(err, service.ErrInvalidRequest) {
		return &configError{err: err}
	}
	if err != nil {
		return err
	}

	if err := writeOutputs(cmd.OutOrStdout(), opts, report, registry, logger); err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), report)

	if !report.Success {
		return errRunFailed
	}
	return nil
}

// readIssue returns the contents of arg when it names a readable file and
// arg itself otherwise.
func readIssue(arg string) (string, error) {
	if strings.TrimSpace(arg) == "" {
		return "", fmt.Errorf("--issue is empty")
	}
	if info, err := os.Stat(arg); err == nil && info.Mode().IsRegular() {
		data, err := os.ReadFile(arg)
		if err != nil {
			return "", fmt.Errorf("failed to read issue file %s: %w", arg, err)
		}
		return string(data), nil
	}
	return arg, nil
}

func writeOutputs(stdout io.Writer, opts *runOptions, report *service.RunReport, registry *prometheus.Registry, logger *zap.Logger) error {
	if opts.PatchOut != "" && report.WinningPatch != "" {
		if err := writeFile(opts.PatchOut, []byte(report.WinningPatch)); err != nil {
			return fmt.Errorf("failed to write patch: %w", err)
		}
		logger.Info("winning patch written", zap.String("path", opts.PatchOut))
	}

	if opts.Report != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		data = append(data, '\n')
		if opts.Report == "-" {
			if _, err := stdout.Write(data); err != nil {
				return err
			}
		} else if err := writeFile(opts.Report, data); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	}

	if opts.MetricsOut != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsOut, registry); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func printSummary(w io.Writer, report *service.RunReport) {
	status := "FAILURE"
	if report.Success {
		status = "SUCCESS"
	}
	fmt.Fprintf(w, "run %s: %s\n", report.RunID, status)
	for _, a := range report.Attempts {
		marker := " "
		if a.Index == report.WinnerIndex {
			marker = "*"
		}
		fmt.Fprintf(w, "%s attempt %d: %s (%s, %d refine rounds)\n", marker, a.Index, a.Outcome, a.Reason, a.RefineRounds)
	}
	fmt.Fprintf(w, "memory: %d retrieved, %d added\n", len(report.Retrieved), report.MemoryAdded)
}
