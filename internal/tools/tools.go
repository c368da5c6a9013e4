// Package tools defines the ADK tools available to the interactive repair
// agent: memory lookup and recording, read-only repository browsing and the
// verification command.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/easeaico/adk-repair-agent/internal/memory"
	"github.com/easeaico/adk-repair-agent/internal/process"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"
)

// maxFileBytes bounds file content returned to the model.
const maxFileBytes = 10000

// CommandRunner runs the verification command.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string) (*process.Result, error)
}

// ToolsConfig holds dependencies for creating tools.
type ToolsConfig struct {
	Store         memory.Store
	WorkDir       string
	TopK          int
	VerifyCommand string        // empty disables run_verification
	Commands      CommandRunner // required when VerifyCommand is set
}

// --- Tool Input/Output Structs ---

// SearchMemoryArgs is the input for search_memory tool.
type SearchMemoryArgs struct {
	Query string `json:"query" jsonschema:"description=Issue description or error log to look up in memory"`
}

// MemoryHit is one search_memory result.
type MemoryHit struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Outcome string  `json:"outcome"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchMemoryResult is the output for search_memory tool.
type SearchMemoryResult struct {
	Success bool        `json:"success"`
	Data    []MemoryHit `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RecordMemoryArgs is the input for record_memory tool.
type RecordMemoryArgs struct {
	Title       string `json:"title" jsonschema:"description=Concise title of the strategy"`
	Description string `json:"description" jsonschema:"description=One sentence summary"`
	Content     string `json:"content" jsonschema:"description=The strategy or pitfall in 1-3 sentences"`
	Outcome     string `json:"outcome" jsonschema:"description=success if the strategy worked, failure if it should be avoided"`
}

// RecordMemoryResult is the output for record_memory tool.
type RecordMemoryResult struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReadFileArgs is the input for read_file_content tool.
type ReadFileArgs struct {
	Filepath string `json:"filepath" jsonschema:"description=Path of the file to read, relative to the repository root"`
}

// ReadFileResult is the output for read_file_content tool.
type ReadFileResult struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ListDirectoryArgs is the input for list_directory tool.
type ListDirectoryArgs struct {
	Path string `json:"path" jsonschema:"description=Directory to list, relative to the repository root"`
}

// DirEntry is one list_directory result.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// ListDirectoryResult is the output for list_directory tool.
type ListDirectoryResult struct {
	Success bool       `json:"success"`
	Data    []DirEntry `json:"data,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// RunVerificationArgs is the input for run_verification tool.
type RunVerificationArgs struct{}

// RunVerificationResult is the output for run_verification tool.
type RunVerificationResult struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handlers carries the tool implementations. Each method takes a plain
// context so it can be exercised without an agent runtime.
type handlers struct {
	cfg ToolsConfig
}

func (h handlers) searchMemory(ctx context.Context, args SearchMemoryArgs) SearchMemoryResult {
	if strings.TrimSpace(args.Query) == "" {
		return SearchMemoryResult{Success: false, Error: "query is required"}
	}
	topK := h.cfg.TopK
	if topK < 1 {
		topK = 3
	}

	results, err := h.cfg.Store.Search(ctx, memory.Query{Text: args.Query, TopK: topK})
	if err != nil {
		return SearchMemoryResult{Success: false, Error: fmt.Sprintf("failed to search memory: %v", err)}
	}
	if len(results) == 0 {
		return SearchMemoryResult{Success: true, Message: "No related memory found."}
	}

	hits := make([]MemoryHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, MemoryHit{
			ID:      r.Item.ID,
			Title:   r.Item.Title,
			Outcome: string(r.Item.Outcome),
			Content: r.Item.Content,
			Score:   r.Score,
		})
	}
	return SearchMemoryResult{Success: true, Data: hits}
}

func (h handlers) recordMemory(ctx context.Context, args RecordMemoryArgs) RecordMemoryResult {
	outcome := memory.Outcome(strings.ToLower(strings.TrimSpace(args.Outcome)))
	if outcome == "" {
		outcome = memory.OutcomeSuccess
	}
	item := memory.Item{
		Title:       strings.TrimSpace(args.Title),
		Description: strings.TrimSpace(args.Description),
		Content:     strings.TrimSpace(args.Content),
		Outcome:     outcome,
		Source:      map[string]any{"type": "chat"},
	}
	if err := item.Validate(); err != nil {
		return RecordMemoryResult{Success: false, Error: err.Error()}
	}

	if err := h.cfg.Store.AddItems(ctx, []memory.Item{item}); err != nil {
		return RecordMemoryResult{Success: false, Error: fmt.Sprintf("failed to record memory: %v", err)}
	}
	return RecordMemoryResult{Success: true, Data: "Memory recorded."}
}

func (h handlers) readFile(args ReadFileArgs) ReadFileResult {
	if args.Filepath == "" {
		return ReadFileResult{Success: false, Error: "filepath is required"}
	}
	absPath, err := h.resolve(args.Filepath)
	if err != nil {
		return ReadFileResult{Success: false, Error: err.Error()}
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return ReadFileResult{Success: false, Error: fmt.Sprintf("failed to read file: %v", err)}
	}

	data := string(content)
	if len(data) > maxFileBytes {
		data = truncateString(data, maxFileBytes) + "\n... (truncated)"
	}
	return ReadFileResult{Success: true, Data: data}
}

func (h handlers) listDirectory(args ListDirectoryArgs) ListDirectoryResult {
	dir := args.Path
	if dir == "" {
		dir = "."
	}
	absPath, err := h.resolve(dir)
	if err != nil {
		return ListDirectoryResult{Success: false, Error: err.Error()}
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return ListDirectoryResult{Success: false, Error: fmt.Sprintf("failed to read directory: %v", err)}
	}

	items := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		item := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			item.Size = info.Size()
		}
		items = append(items, item)
	}
	return ListDirectoryResult{Success: true, Data: items}
}

func (h handlers) runVerification(ctx context.Context) RunVerificationResult {
	res, err := h.cfg.Commands.Run(ctx, h.cfg.VerifyCommand, h.cfg.WorkDir)
	if err != nil {
		return RunVerificationResult{Success: false, ExitCode: -1, Error: err.Error()}
	}
	return RunVerificationResult{
		Success:  res.ExitCode == 0 && !res.TimedOut,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Output:   truncateString(res.Output(), maxFileBytes),
	}
}

// resolve maps p to an absolute path inside the working directory.
func (h handlers) resolve(p string) (string, error) {
	root, err := filepath.Abs(h.cfg.WorkDir)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %v", err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("invalid path: %v", err)
	}

	rel, err := filepath.Rel(root, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: path is outside working directory")
	}
	return absPath, nil
}

// truncateString cuts s to at most limit bytes without splitting a rune.
func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// --- Tool Constructors ---

func createSearchMemoryTool(h handlers) (tool.Tool, error) {
	return functiontool.New(functiontool.Config{
		Name:        "search_memory",
		Description: "Search distilled strategies and pitfalls from earlier repairs. Use it before proposing a fix for an unfamiliar error.",
	}, func(ctx tool.Context, args SearchMemoryArgs) (SearchMemoryResult, error) {
		return h.searchMemory(ctx, args), nil
	})
}

func createRecordMemoryTool(h handlers) (tool.Tool, error) {
	return functiontool.New(functiontool.Config{
		Name:        memory.RecordToolName,
		Description: "Record a reusable strategy (outcome success) or a pitfall to avoid (outcome failure) for future repairs.",
	}, func(ctx tool.Context, args RecordMemoryArgs) (RecordMemoryResult, error) {
		return h.recordMemory(ctx, args), nil
	})
}

func createReadFileTool(h handlers) (tool.Tool, error) {
	return functiontool.New(functiontool.Config{
		Name:        "read_file_content",
		Description: "Read a file of the repository under repair.",
	}, func(ctx tool.Context, args ReadFileArgs) (ReadFileResult, error) {
		return h.readFile(args), nil
	})
}

func createListDirectoryTool(h handlers) (tool.Tool, error) {
	return functiontool.New(functiontool.Config{
		Name:        "list_directory",
		Description: "List files and subdirectories of a repository directory.",
	}, func(ctx tool.Context, args ListDirectoryArgs) (ListDirectoryResult, error) {
		return h.listDirectory(args), nil
	})
}

func createRunVerificationTool(h handlers) (tool.Tool, error) {
	return functiontool.New(functiontool.Config{
		Name:        "run_verification",
		Description: "Run the repository's verification command (usually its tests) and return the exit code and output.",
	}, func(ctx tool.Context, args RunVerificationArgs) (RunVerificationResult, error) {
		return h.runVerification(ctx), nil
	})
}

type constructor struct {
	name string
	fn   func(handlers) (tool.Tool, error)
}

// BuildTools creates all agent tools with the given configuration.
func BuildTools(cfg ToolsConfig) ([]tool.Tool, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("tools require a memory store")
	}
	h := handlers{cfg: cfg}

	constructors := []constructor{
		{"search_memory", createSearchMemoryTool},
		{memory.RecordToolName, createRecordMemoryTool},
		{"read_file_content", createReadFileTool},
		{"list_directory", createListDirectoryTool},
	}
	if cfg.VerifyCommand != "" && cfg.Commands != nil {
		constructors = append(constructors, constructor{"run_verification", createRunVerificationTool})
	}

	tools := make([]tool.Tool, 0, len(constructors))
	for _, c := range constructors {
		t, err := c.fn(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tool: %w", c.name, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}
