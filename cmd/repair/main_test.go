package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/easeaico/adk-repair-agent/internal/judge"
	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/easeaico/adk-repair-agent/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateEnv points every on-disk location at a temp dir and returns it.
func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("REPAIR_MEMORY_BACKEND", "lexical")
	t.Setenv("REPAIR_MEMORY_LEDGER_PATH", filepath.Join(dir, "memory.jsonl"))
	t.Setenv("REPAIR_RUN_RUNS_DIR", filepath.Join(dir, "runs"))
	t.Setenv("REPAIR_RUN_WORKSPACE_ROOT", filepath.Join(dir, "workspaces"))
	t.Setenv("REPAIR_LLM_PROVIDER", "openai")
	t.Setenv("REPAIR_LLM_BASE_URL", "http://127.0.0.1:1/v1")
	t.Setenv("REPAIR_LOG_LEVEL", "error")
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestExecute_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"run", "--bogus"}},
		{"missing issue", []string{"run", "--repo", "."}},
		{"zero attempts", []string{"run", "--issue", "x", "--k", "0"}},
		{"negative refine", []string{"run", "--issue", "x", "--refine", "-1"}},
		{"missing config file", []string{"--config", "/does/not/exist.yaml", "run", "--issue", "x"}},
		{"bad log format", []string{"--log-format", "xml", "memory", "search", "x"}},
		{"memory item without title", []string{"memory", "add", "--content", "c"}},
		{"memory item with bad outcome", []string{"memory", "add", "--title", "t", "--content", "c", "--outcome", "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			code, _, stderr := runCLI(t, tt.args...)
			assert.Equal(t, exitConfigError, code, stderr)
			assert.Contains(t, stderr, "configuration error")
		})
	}
}

func TestExecute_RunRejectsNonRepository(t *testing.T) {
	isolateEnv(t)
	code, _, stderr := runCLI(t, "run", "--repo", t.TempDir(), "--issue", "Sum skips the last element")
	assert.Equal(t, exitConfigError, code)
	assert.Contains(t, stderr, "invalid run request")
}

func TestExecute_MemoryAddAndSearch(t *testing.T) {
	dir := isolateEnv(t)

	code, out, stderr := runCLI(t, "memory", "add",
		"--title", "Check off-by-one loop bounds",
		"--description", "Loops that skip the last element",
		"--content", "Compare < and <= against the slice length.")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, `added "Check off-by-one loop bounds"`)

	code, out, stderr = runCLI(t, "memory", "add",
		"--title", "Deleting tests",
		"--content", "Removing failing tests hides the bug.",
		"--outcome", "failure")
	require.Equal(t, exitOK, code, stderr)

	code, out, stderr = runCLI(t, "memory", "search", "--top-k", "1", "off", "by", "one", "loop", "bound")
	require.Equal(t, exitOK, code, stderr)
	assert.True(t, strings.HasPrefix(out, "1. [success] Check off-by-one loop bounds"), out)
	assert.NotContains(t, out, "Deleting tests")

	data, err := os.ReadFile(filepath.Join(dir, "memory.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestExecute_MemorySearchEmpty(t *testing.T) {
	isolateEnv(t)
	code, out, _ := runCLI(t, "memory", "search", "anything")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "no memory items\n", out)
}

func TestReadIssue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issue.md")
	require.NoError(t, os.WriteFile(path, []byte("Sum skips the last element\n"), 0o644))

	got, err := readIssue(path)
	require.NoError(t, err)
	assert.Equal(t, "Sum skips the last element\n", got)

	got, err = readIssue("inline issue text")
	require.NoError(t, err)
	assert.Equal(t, "inline issue text", got)

	_, err = readIssue("  ")
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &service.RunReport{
		RunID:       "run-1",
		Success:     true,
		WinnerIndex: 1,
		Attempts: []service.AttemptLog{
			{Index: 0, Outcome: memory.OutcomeFailure, Reason: judge.ReasonTestsFailed, RefineRounds: 1},
			{Index: 1, Outcome: memory.OutcomeSuccess, Reason: judge.ReasonNone},
		},
		MemoryAdded: 2,
	})

	assert.Equal(t, "run run-1: SUCCESS\n"+
		"  attempt 0: failure (tests_failed, 1 refine rounds)\n"+
		"* attempt 1: success (none, 0 refine rounds)\n"+
		"memory: 0 retrieved, 2 added\n", buf.String())
}

func TestBuildChatInstruction(t *testing.T) {
	withMemory, err := buildChatInstruction([]memory.RankedResult{
		{Item: memory.Item{Title: "Check bounds", Content: "Compare with len.", Outcome: memory.OutcomeSuccess}},
	}, true)
	require.NoError(t, err)
	assert.Contains(t, withMemory, "1. [success] Check bounds: Compare with len.")
	assert.Contains(t, withMemory, "run_verification")

	bare, err := buildChatInstruction(nil, false)
	require.NoError(t, err)
	assert.NotContains(t, bare, "Memories from earlier repairs")
	assert.NotContains(t, bare, "run_verification")
	assert.Contains(t, bare, "record_memory")
}
