package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/judge"
	"github.com/easeaico/adk-repair-agent/internal/logging"
	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/easeaico/adk-repair-agent/internal/workspace"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AttemptRunner executes one attempt lineage in a workspace from arena.
type AttemptRunner interface {
	Run(ctx context.Context, arena *workspace.Arena, req AttemptRequest) AttemptLog
}

// RunRequest describes one repair run.
type RunRequest struct {
	RepoPath      string
	Issue         string
	VerifyCommand string
	K             int
	RefineRounds  int
}

func (r RunRequest) validate() error {
	switch {
	case r.K < 1:
		return fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidRequest, r.K)
	case r.RefineRounds < 0:
		return fmt.Errorf("%w: refine rounds must be >= 0, got %d", ErrInvalidRequest, r.RefineRounds)
	case strings.TrimSpace(r.Issue) == "":
		return fmt.Errorf("%w: issue is empty", ErrInvalidRequest)
	case r.RepoPath == "":
		return fmt.Errorf("%w: repository path is empty", ErrInvalidRequest)
	}
	return nil
}

// OrchestratorConfig tunes a run.
type OrchestratorConfig struct {
	TopK            int
	MaxParallel     int // 0 means K
	ExtractFailures bool
	Timeout         time.Duration
	RunsDir         string // empty disables report persistence
	WorkspaceRoot   string
}

// Orchestrator runs K attempts in parallel, picks a winner and distills
// memory from the result.
type Orchestrator struct {
	store     memory.Store
	vcs       workspace.VCS
	runner    AttemptRunner
	extractor *Extractor
	cfg       OrchestratorConfig
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator. extractor and metrics may be nil.
func NewOrchestrator(store memory.Store, vcs workspace.VCS, runner AttemptRunner, extractor *Extractor, cfg OrchestratorConfig, metrics *Metrics, logger *zap.Logger) *Orchestrator {
	if cfg.TopK < 1 {
		cfg.TopK = 1
	}
	return &Orchestrator{
		store:     store,
		vcs:       vcs,
		runner:    runner,
		extractor: extractor,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// Run executes a repair run. Only requests that cannot start return an
// error; attempt failures are reported in the returned RunReport.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := o.vcs.EnsureRepo(ctx, req.RepoPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	report := &RunReport{
		RunID:       uuid.NewString(),
		Issue:       req.Issue,
		WinnerIndex: -1,
		Outcome:     memory.OutcomeFailure,
		States:      []State{},
		Retrieved:   []RetrievedItem{},
		StartedAt:   o.now(),
	}
	logger := o.logger.With(zap.String("run_id", report.RunID))

	summary, err := o.vcs.Summary(ctx, req.RepoPath)
	if err != nil {
		logger.Warn("failed to summarize repository", zap.Error(err))
	}

	retrieved := o.retrieve(ctx, req.Issue, logger)
	for _, r := range retrieved {
		report.Retrieved = append(report.Retrieved, RetrievedItem{
			ID:      r.Item.ID,
			Title:   r.Item.Title,
			Outcome: r.Item.Outcome,
			Score:   r.Score,
		})
	}

	arena, err := workspace.NewArena(o.vcs, req.RepoPath, o.cfg.WorkspaceRoot, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := arena.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to clean up workspaces", zap.Error(err))
		}
	}()

	report.advance(StateDispatched)
	logger.Info("dispatching attempts",
		zap.Int("k", req.K),
		zap.Int("refine_rounds", req.RefineRounds),
		zap.Int("retrieved", len(retrieved)))
	report.Attempts = o.dispatch(ctx, arena, req, summary, retrieved, logger)
	report.advance(StateCollected)

	report.WinnerIndex = SelectWinner(report.Attempts)
	if report.WinnerIndex >= 0 {
		winner := report.Attempts[report.WinnerIndex]
		report.Success = winner.Success()
		report.Outcome = winner.Outcome
		report.WinningPatch = winner.Patch
	}
	report.advance(StateSelected)

	if items := o.extract(ctx, report, logger); len(items) > 0 {
		if err := o.store.AddItems(ctx, items); err != nil {
			logger.Warn("failed to store memory items", zap.Error(err))
		} else {
			report.MemoryAdded = len(items)
			o.metrics.addMemory(len(items))
		}
	}
	report.advance(StateMemoryUpdated)

	o.metrics.observeRun(report.Success)
	report.FinishedAt = o.now()
	report.advance(StateDone)

	logger.Info("run finished",
		zap.Bool("success", report.Success),
		zap.Int("winner", report.WinnerIndex),
		zap.Int("memory_added", report.MemoryAdded))

	if o.cfg.RunsDir != "" {
		if path, err := WriteReport(o.cfg.RunsDir, report); err != nil {
			logger.Warn("failed to write run report", zap.Error(err))
		} else {
			logger.Debug("run report written", zap.String("path", path))
		}
	}
	return report, nil
}

// retrieve runs the single pre-dispatch memory query. Failures leave the
// run without memory.
func (o *Orchestrator) retrieve(ctx context.Context, issue string, logger *zap.Logger) []memory.RankedResult {
	if o.store == nil {
		return nil
	}
	results, err := o.store.Search(ctx, memory.Query{Text: issue, TopK: o.cfg.TopK, VerifiedOnly: true})
	if err != nil {
		logger.Warn("memory retrieval failed, continuing without memory", zap.Error(err))
		return nil
	}
	return results
}

// dispatch runs every attempt and waits for all of them. A panicking attempt
// becomes an internal_error failure without affecting its siblings.
func (o *Orchestrator) dispatch(ctx context.Context, arena *workspace.Arena, req RunRequest, summary string, retrieved []memory.RankedResult, logger *zap.Logger) []AttemptLog {
	attempts := make([]AttemptLog, req.K)
	var success atomic.Bool

	var g errgroup.Group
	g.SetLimit(o.parallelism(req.K))
	for i := range req.K {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("attempt panicked", zap.Int("attempt", i), zap.Any("panic", r))
					verdict := judge.Harness(judge.ReasonInternalError, fmt.Sprint(r))
					attempts[i] = AttemptLog{
						Index:   i,
						Outcome: verdict.Outcome,
						Reason:  verdict.Reason,
						Verdict: verdict,
						Rounds:  []RoundLog{},
						Error:   fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			attempts[i] = o.runner.Run(ctx, arena, AttemptRequest{
				Index:         i,
				Issue:         req.Issue,
				RepoSummary:   summary,
				VerifyCommand: req.VerifyCommand,
				Retrieved:     retrieved,
				RefineRounds:  req.RefineRounds,
				GlobalSuccess: &success,
			})
			return nil
		})
	}
	_ = g.Wait()

	for _, a := range attempts {
		o.metrics.observeAttempt(a)
		logger.Debug("attempt collected",
			zap.Int("attempt", a.Index),
			zap.String("outcome", string(a.Outcome)),
			zap.String("reason", string(a.Reason)),
			zap.Int("refine_rounds", a.RefineRounds))
	}
	return attempts
}

func (o *Orchestrator) parallelism(k int) int {
	if o.cfg.MaxParallel <= 0 || o.cfg.MaxParallel > k {
		return k
	}
	return o.cfg.MaxParallel
}

// extract distills items from the winner and, when enabled, from every
// failed loser. Extraction errors are logged and skipped.
func (o *Orchestrator) extract(ctx context.Context, report *RunReport, logger *zap.Logger) []memory.Item {
	if o.extractor == nil || o.store == nil || report.WinnerIndex < 0 {
		return nil
	}

	var items []memory.Item
	for i, a := range report.Attempts {
		if i != report.WinnerIndex && (!o.cfg.ExtractFailures || a.Success()) {
			continue
		}
		if strings.TrimSpace(a.Transcript) == "" {
			continue
		}

		ectx, cancel := o.callContext(ctx)
		extracted, err := o.extractor.Extract(ectx, report.Issue, a.Transcript, a.Outcome)
		cancel()
		if err != nil {
			logger.Warn("memory extraction failed", zap.Int("attempt", a.Index), zap.Error(err))
			continue
		}
		for _, it := range extracted {
			it.Source = map[string]any{
				"type":       "code",
				"run_id":     report.RunID,
				"attempt":    a.Index,
				"provenance": string(a.Verdict.Provenance),
			}
			items = append(items, it)
		}
	}
	return items
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.Timeout)
}
