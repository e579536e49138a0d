package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexusdev/nexus/internal/procrun"
)

// defaultBashTimeout bounds Bash tool commands that do not ask for one.
const defaultBashTimeout = 120 * time.Second

// maxToolOutput truncates tool output before it goes back to the model.
const maxToolOutput = 30000

// ReplanFunc handles a request_replan tool call. It returns the message to
// hand back to the agent, or an error when the request is invalid.
type ReplanFunc func(ctx context.Context, input json.RawMessage) (string, error)

// ToolExecutor executes tool calls inside one worktree. All file paths are
// confined to the worktree; commands run through the process runner and its
// safety blocklist.
type ToolExecutor struct {
	workDir     string
	runner      procrun.Runner
	writeFilter func(rel string) error
	replan      ReplanFunc
	onOutput    func(line string)

	mu      sync.Mutex
	touched map[string]struct{}
}

// NewToolExecutor creates a tool executor rooted at workDir.
func NewToolExecutor(workDir string, runner procrun.Runner) *ToolExecutor {
	return &ToolExecutor{
		workDir: workDir,
		runner:  runner,
		touched: make(map[string]struct{}),
	}
}

// SetWriteFilter restricts which worktree-relative paths may be written.
// A nil filter (the default) allows all writes inside the worktree.
func (e *ToolExecutor) SetWriteFilter(filter func(rel string) error) {
	e.writeFilter = filter
}

// SetReplanHandler wires the request_replan tool. Without a handler the tool
// reports itself unavailable.
func (e *ToolExecutor) SetReplanHandler(fn ReplanFunc) {
	e.replan = fn
}

// SetOutputHandler receives Bash output lines as they stream.
func (e *ToolExecutor) SetOutputHandler(fn func(line string)) {
	e.onOutput = fn
}

// Touched returns the worktree-relative paths written or edited so far,
// sorted.
func (e *ToolExecutor) Touched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.touched))
	for path := range e.touched {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Content string
	IsError bool
}

// Execute runs a tool by name with the given JSON input.
func (e *ToolExecutor) Execute(ctx context.Context, name string, input json.RawMessage) ToolResult {
	switch name {
	case toolRead:
		return e.execRead(input)
	case toolWrite:
		return e.execWrite(input)
	case toolEdit:
		return e.execEdit(input)
	case toolBash:
		return e.execBash(ctx, input)
	case toolGlob:
		return e.execGlob(input)
	case toolGrep:
		return e.execGrep(ctx, input)
	case toolListDir:
		return e.execListDir(input)
	case toolReplan:
		return e.execReplan(ctx, input)
	default:
		return ToolResult{Content: fmt.Sprintf("Unknown tool: %s", name), IsError: true}
	}
}

func (e *ToolExecutor) execRead(input json.RawMessage) ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	path, err := e.resolvePath(params.FilePath)
	if err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to read file: %v", err), IsError: true}
	}

	lines := strings.Split(string(content), "\n")

	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1 // convert to 0-indexed
		if start >= len(lines) {
			return ToolResult{Content: "Offset beyond end of file", IsError: true}
		}
	}

	end := len(lines)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(lines))
	}

	// Format with line numbers (cat -n style)
	var result strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&result, "%6d\t%s\n", i+1, lines[i])
	}

	return ToolResult{Content: result.String()}
}

func (e *ToolExecutor) execWrite(input json.RawMessage) ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	path, err := e.resolvePath(params.FilePath)
	if err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}
	if err := e.checkWrite(path); err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to create directory: %v", err), IsError: true}
	}

	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to write file: %v", err), IsError: true}
	}

	e.recordTouch(path)
	return ToolResult{Content: fmt.Sprintf("Successfully wrote %d bytes to %s", len(params.Content), params.FilePath)}
}

func (e *ToolExecutor) execEdit(input json.RawMessage) ToolResult {
	var params struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	path, err := e.resolvePath(params.FilePath)
	if err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}
	if err := e.checkWrite(path); err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to read file: %v", err), IsError: true}
	}

	contentStr := string(content)

	count := strings.Count(contentStr, params.OldString)
	if count == 0 {
		return ToolResult{Content: "old_string not found in file", IsError: true}
	}
	if !params.ReplaceAll && count > 1 {
		return ToolResult{
			Content: fmt.Sprintf("old_string found %d times; must be unique or use replace_all=true", count),
			IsError: true,
		}
	}

	var newContent string
	if params.ReplaceAll {
		newContent = strings.ReplaceAll(contentStr, params.OldString, params.NewString)
	} else {
		newContent = strings.Replace(contentStr, params.OldString, params.NewString, 1)
	}

	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to write file: %v", err), IsError: true}
	}

	e.recordTouch(path)
	if params.ReplaceAll {
		return ToolResult{Content: fmt.Sprintf("Replaced %d occurrences", count)}
	}
	return ToolResult{Content: "Edit successful"}
}

func (e *ToolExecutor) execBash(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Command     string `json:"command"`
		Timeout     int    `json:"timeout"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	timeout := defaultBashTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}

	proc, err := e.runner.Start(ctx, procrun.Command{
		Shell:   params.Command,
		Dir:     e.workDir,
		Timeout: timeout,
	})
	if err != nil {
		var blocked *procrun.BlockedError
		if errors.As(err, &blocked) {
			return ToolResult{Content: fmt.Sprintf("Command blocked by safety policy: %v", err), IsError: true}
		}
		return ToolResult{Content: fmt.Sprintf("Failed to start command: %v", err), IsError: true}
	}

	for chunk := range proc.Output() {
		if e.onOutput != nil {
			e.onOutput(chunk.Line)
		}
	}

	res, err := proc.Wait()
	output := ""
	if res != nil {
		output = combineOutput(res.Stdout, res.Stderr)
	}
	if err != nil {
		var timedOut *procrun.TimeoutError
		if errors.As(err, &timedOut) {
			return ToolResult{
				Content: fmt.Sprintf("Command timed out after %v:\n%s", timeout, output),
				IsError: true,
			}
		}
		return ToolResult{
			Content: fmt.Sprintf("%s\nError: %v", output, err),
			IsError: true,
		}
	}

	return ToolResult{Content: truncateOutput(output)}
}

func (e *ToolExecutor) execGlob(input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	searchPath := e.workDir
	if params.Path != "" {
		resolved, err := e.resolvePath(params.Path)
		if err != nil {
			return ToolResult{Content: err.Error(), IsError: true}
		}
		searchPath = resolved
	}

	var matches []string
	err := filepath.WalkDir(searchPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			// Skip hidden directories
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				return filepath.SkipDir
			}
			return nil
		}

		matched, _ := filepath.Match(filepath.Base(params.Pattern), d.Name())
		if matched {
			relPath, _ := filepath.Rel(searchPath, path)
			matches = append(matches, relPath)
		}
		return nil
	})
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Glob error: %v", err), IsError: true}
	}

	if len(matches) == 0 {
		return ToolResult{Content: "No files matched the pattern"}
	}

	sort.Strings(matches)
	return ToolResult{Content: strings.Join(matches, "\n")}
}

func (e *ToolExecutor) execGrep(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
		Context int    `json:"context"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	args := []string{"--color=never", "-n"}
	if params.Context > 0 {
		args = append(args, "-C", fmt.Sprintf("%d", params.Context))
	}
	if params.Glob != "" {
		args = append(args, "--glob", params.Glob)
	}
	args = append(args, params.Pattern)

	searchPath := e.workDir
	if params.Path != "" {
		resolved, err := e.resolvePath(params.Path)
		if err != nil {
			return ToolResult{Content: err.Error(), IsError: true}
		}
		searchPath = resolved
	}
	args = append(args, searchPath)

	res, err := e.runner.Run(ctx, procrun.Command{
		Name:    "rg",
		Args:    args,
		Dir:     e.workDir,
		Timeout: 30 * time.Second,
	})
	if err != nil {
		// rg exits 1 on no match.
		var exit *procrun.ExitError
		if errors.As(err, &exit) && exit.Code == 1 {
			return ToolResult{Content: "No matches found"}
		}
		return ToolResult{Content: fmt.Sprintf("Grep error: %v", err), IsError: true}
	}

	if res.Stdout == "" {
		return ToolResult{Content: "No matches found"}
	}
	return ToolResult{Content: truncateOutput(res.Stdout)}
}

func (e *ToolExecutor) execListDir(input json.RawMessage) ToolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return ToolResult{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}
	}

	path, err := e.resolvePath(params.Path)
	if err != nil {
		return ToolResult{Content: err.Error(), IsError: true}
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Failed to read directory: %v", err), IsError: true}
	}

	var result strings.Builder
	for _, entry := range entries {
		info, _ := entry.Info()
		if info != nil {
			if entry.IsDir() {
				fmt.Fprintf(&result, "d %s/\n", entry.Name())
			} else {
				fmt.Fprintf(&result, "- %s (%d bytes)\n", entry.Name(), info.Size())
			}
		} else {
			fmt.Fprintf(&result, "? %s\n", entry.Name())
		}
	}

	return ToolResult{Content: result.String()}
}

func (e *ToolExecutor) execReplan(ctx context.Context, input json.RawMessage) ToolResult {
	if e.replan == nil {
		return ToolResult{Content: "Replan requests are not available for this task", IsError: true}
	}

	msg, err := e.replan(ctx, input)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf("Replan request rejected: %v", err), IsError: true}
	}
	return ToolResult{Content: msg}
}

// resolvePath maps a tool-supplied path into the worktree and refuses paths
// that escape it. Agents operate only inside their worktree borrow.
func (e *ToolExecutor) resolvePath(path string) (string, error) {
	if path == "" || path == "." {
		return e.workDir, nil
	}

	abs := path
	if !filepath.IsAbs(path) {
		abs = filepath.Join(e.workDir, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(e.workDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the worktree", path)
	}
	return abs, nil
}

func (e *ToolExecutor) checkWrite(abs string) error {
	if e.writeFilter == nil {
		return nil
	}
	rel, err := filepath.Rel(e.workDir, abs)
	if err != nil {
		return err
	}
	return e.writeFilter(rel)
}

func (e *ToolExecutor) recordTouch(abs string) {
	rel, err := filepath.Rel(e.workDir, abs)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.touched[rel] = struct{}{}
	e.mu.Unlock()
}

// TestFileFilter permits writes only to test files and fixtures. It is the
// write filter installed for tester agents.
func TestFileFilter(rel string) error {
	base := filepath.Base(rel)
	if strings.HasSuffix(base, "_test.go") {
		return nil
	}
	if strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") {
		return nil
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == "testdata" || seg == "tests" || seg == "__tests__" {
			return nil
		}
	}
	return fmt.Errorf("%s is not a test file; testers may only modify tests", rel)
}

func combineOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}

func truncateOutput(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (output truncated)"
	}
	return s
}

// FormatToolAction returns a human-readable description of a tool call.
func FormatToolAction(name string, input json.RawMessage) string {
	switch name {
	case toolRead:
		var p struct {
			FilePath string `json:"file_path"`
		}
		json.Unmarshal(input, &p)
		return "Reading " + filepath.Base(p.FilePath)
	case toolWrite:
		var p struct {
			FilePath string `json:"file_path"`
		}
		json.Unmarshal(input, &p)
		return "Writing " + filepath.Base(p.FilePath)
	case toolEdit:
		var p struct {
			FilePath string `json:"file_path"`
		}
		json.Unmarshal(input, &p)
		return "Editing " + filepath.Base(p.FilePath)
	case toolBash:
		var p struct {
			Command     string `json:"command"`
			Description string `json:"description"`
		}
		json.Unmarshal(input, &p)
		if p.Description != "" {
			return p.Description
		}
		cmd := strings.Split(p.Command, " ")[0]
		if len(cmd) > 20 {
			cmd = cmd[:17] + "..."
		}
		return "Running " + cmd
	case toolGlob:
		var p struct {
			Pattern string `json:"pattern"`
		}
		json.Unmarshal(input, &p)
		return "Searching " + p.Pattern
	case toolGrep:
		var p struct {
			Pattern string `json:"pattern"`
		}
		json.Unmarshal(input, &p)
		pat := p.Pattern
		if len(pat) > 15 {
			pat = pat[:12] + "..."
		}
		return "Grep " + pat
	case toolListDir:
		return "Listing directory"
	case toolReplan:
		return "Requesting replan"
	default:
		return name
	}
}
