package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/easeaico/adk-repair-agent/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore implements memory.Store for testing
type mockStore struct {
	added     []memory.Item
	lastQuery memory.Query
	results   []memory.RankedResult
	err       error
}

func (m *mockStore) AddItems(ctx context.Context, items []memory.Item) error {
	if m.err != nil {
		return m.err
	}
	m.added = append(m.added, items...)
	return nil
}

func (m *mockStore) Search(ctx context.Context, q memory.Query) ([]memory.RankedResult, error) {
	m.lastQuery = q
	return m.results, m.err
}

func (m *mockStore) Close() error { return nil }

// mockCommands returns a fixed result.
type mockCommands struct {
	result *process.Result
	err    error
	dir    string
}

func (m *mockCommands) Run(ctx context.Context, command, dir string) (*process.Result, error) {
	m.dir = dir
	return m.result, m.err
}

func TestBuildTools(t *testing.T) {
	tools, err := BuildTools(ToolsConfig{Store: &mockStore{}, WorkDir: "."})
	require.NoError(t, err)

	var names []string
	for _, tl := range tools {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{"search_memory", memory.RecordToolName, "read_file_content", "list_directory"}, names)

	tools, err = BuildTools(ToolsConfig{Store: &mockStore{}, WorkDir: ".", VerifyCommand: "go test ./...", Commands: &mockCommands{}})
	require.NoError(t, err)
	assert.Len(t, tools, 5)

	_, err = BuildTools(ToolsConfig{WorkDir: "."})
	assert.Error(t, err)
}

func TestSearchMemory(t *testing.T) {
	store := &mockStore{results: []memory.RankedResult{
		{Item: memory.Item{ID: "1", Title: "off-by-one", Content: "check bounds", Outcome: memory.OutcomeSuccess}, Score: 1.5},
	}}
	h := handlers{cfg: ToolsConfig{Store: store, TopK: 2}}

	res := h.searchMemory(context.Background(), SearchMemoryArgs{Query: "loop bound"})
	require.True(t, res.Success)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "off-by-one", res.Data[0].Title)
	assert.Equal(t, "success", res.Data[0].Outcome)
	assert.Equal(t, memory.Query{Text: "loop bound", TopK: 2}, store.lastQuery)

	empty := handlers{cfg: ToolsConfig{Store: &mockStore{}}}.searchMemory(context.Background(), SearchMemoryArgs{Query: "x"})
	assert.True(t, empty.Success)
	assert.NotEmpty(t, empty.Message)

	missing := h.searchMemory(context.Background(), SearchMemoryArgs{Query: " "})
	assert.False(t, missing.Success)

	failing := handlers{cfg: ToolsConfig{Store: &mockStore{err: errors.New("closed")}}}.searchMemory(context.Background(), SearchMemoryArgs{Query: "x"})
	assert.False(t, failing.Success)
	assert.Contains(t, failing.Error, "closed")
}

func TestRecordMemory(t *testing.T) {
	tests := []struct {
		name        string
		args        RecordMemoryArgs
		wantOK      bool
		wantOutcome memory.Outcome
	}{
		{"default outcome", RecordMemoryArgs{Title: "t", Description: "d", Content: "c"}, true, memory.OutcomeSuccess},
		{"failure outcome", RecordMemoryArgs{Title: "t", Content: "c", Outcome: "Failure"}, true, memory.OutcomeFailure},
		{"bad outcome", RecordMemoryArgs{Title: "t", Content: "c", Outcome: "maybe"}, false, ""},
		{"missing title", RecordMemoryArgs{Content: "c"}, false, ""},
		{"missing content", RecordMemoryArgs{Title: "t"}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			res := handlers{cfg: ToolsConfig{Store: store}}.recordMemory(context.Background(), tt.args)
			assert.Equal(t, tt.wantOK, res.Success)
			if !tt.wantOK {
				assert.Empty(t, store.added)
				return
			}
			require.Len(t, store.added, 1)
			assert.Equal(t, tt.wantOutcome, store.added[0].Outcome)
			assert.Equal(t, "chat", store.added[0].Source["type"])
		})
	}
}

func TestReadFile_PathSecurity(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "secret.txt"), []byte("secret"), 0o644))

	workDir := filepath.Join(tmpDir, "work")
	require.NoError(t, os.Mkdir(workDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "normal.txt"), []byte("normal"), 0o644))

	// A sibling sharing the prefix of workDir must not be reachable.
	sibling := filepath.Join(tmpDir, "work2")
	require.NoError(t, os.Mkdir(sibling, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "x.txt"), []byte("x"), 0o644))

	h := handlers{cfg: ToolsConfig{Store: &mockStore{}, WorkDir: workDir}}

	tests := []struct {
		name   string
		path   string
		wantOK bool
		want   string
	}{
		{"relative", "normal.txt", true, "normal"},
		{"absolute inside", filepath.Join(workDir, "normal.txt"), true, "normal"},
		{"parent escape", "../secret.txt", false, ""},
		{"absolute outside", filepath.Join(tmpDir, "secret.txt"), false, ""},
		{"prefix sibling", filepath.Join(sibling, "x.txt"), false, ""},
		{"missing", "nope.txt", false, ""},
		{"empty", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.readFile(ReadFileArgs{Filepath: tt.path})
			assert.Equal(t, tt.wantOK, res.Success, res.Error)
			assert.Equal(t, tt.want, res.Data)
		})
	}
}

func TestReadFile_Truncates(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "big.txt"), []byte(strings.Repeat("界", 4000)), 0o644))

	res := handlers{cfg: ToolsConfig{WorkDir: workDir}}.readFile(ReadFileArgs{Filepath: "big.txt"})
	require.True(t, res.Success)
	assert.True(t, strings.HasSuffix(res.Data, "... (truncated)"))
	assert.True(t, utf8.ValidString(res.Data))
}

func TestListDirectory(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(workDir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "main.go"), []byte("package main\n"), 0o644))

	h := handlers{cfg: ToolsConfig{WorkDir: workDir}}

	res := h.listDirectory(ListDirectoryArgs{})
	require.True(t, res.Success)
	assert.ElementsMatch(t, []DirEntry{
		{Name: "main.go", Size: int64(len("package main\n"))},
		{Name: "pkg", IsDir: true},
	}, res.Data)

	outside := h.listDirectory(ListDirectoryArgs{Path: ".."})
	assert.False(t, outside.Success)
}

func TestRunVerification(t *testing.T) {
	commands := &mockCommands{result: &process.Result{ExitCode: 1, Stdout: "FAIL TestSum"}}
	h := handlers{cfg: ToolsConfig{WorkDir: "/repo", VerifyCommand: "go test ./...", Commands: commands}}

	res := h.runVerification(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Output, "FAIL TestSum")
	assert.Equal(t, "/repo", commands.dir)

	commands.result = &process.Result{ExitCode: 0}
	assert.True(t, h.runVerification(context.Background()).Success)

	commands.err = &process.VerificationError{Command: "go test ./...", Err: errors.New("no shell")}
	failed := h.runVerification(context.Background())
	assert.False(t, failed.Success)
	assert.Equal(t, -1, failed.ExitCode)
	assert.Contains(t, failed.Error, "no shell")
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name  string
		s     string
		limit int
		want  string
	}{
		{"shorter than limit", "hello", 10, "hello"},
		{"exactly at limit", "hello", 5, "hello"},
		{"simple truncation", "hello world", 5, "hello"},
		// '界' is 3 bytes.
		{"mid rune", strings.Repeat("界", 10), 4, "界"},
		{"before first rune ends", strings.Repeat("界", 10), 2, ""},
		{"rune boundary", strings.Repeat("界", 10), 3, "界"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateString(tt.s, tt.limit))
		})
	}

	truncated := truncateString(strings.Repeat("界", 4000), 10000)
	assert.True(t, utf8.ValidString(truncated))
	assert.LessOrEqual(t, len(truncated), 10000)
}
