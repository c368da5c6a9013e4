package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/memory"
)

// State is a step of the run state machine.
type State string

const (
	StateDispatched    State = "dispatched"
	StateCollected     State = "collected"
	StateSelected      State = "selected"
	StateMemoryUpdated State = "memory_updated"
	StateDone          State = "done"
)

// RetrievedItem is a memory item shown to every attempt of a run.
type RetrievedItem struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Outcome memory.Outcome `json:"outcome"`
	Score   float64        `json:"score"`
}

// RunReport summarizes one run. It is returned even when no attempt succeeds.
type RunReport struct {
	RunID        string          `json:"run_id"`
	Issue        string          `json:"issue"`
	Success      bool            `json:"success"`
	WinnerIndex  int             `json:"winner_index"`
	WinningPatch string          `json:"winning_patch"`
	Outcome      memory.Outcome  `json:"outcome"`
	States       []State         `json:"states"`
	Retrieved    []RetrievedItem `json:"retrieved"`
	Attempts     []AttemptLog    `json:"attempts"`
	MemoryAdded  int             `json:"memory_added"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

func (r *RunReport) advance(s State) {
	r.States = append(r.States, s)
}

// WriteReport stores r as dir/run_<unix>.json and returns the path.
// An existing file is never overwritten; the run ID disambiguates.
func WriteReport(dir string, r *RunReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create runs directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal run report: %w", err)
	}
	data = append(data, '\n')

	stamp := r.StartedAt.Unix()
	candidates := []string{
		filepath.Join(dir, fmt.Sprintf("run_%d.json", stamp)),
		filepath.Join(dir, fmt.Sprintf("run_%d_%s.json", stamp, r.RunID)),
	}
	for _, path := range candidates {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create run report: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write run report: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close run report: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("run report for %s already exists", r.RunID)
}
