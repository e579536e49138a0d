// Package agents provides the role-specialized agent runners. All four share
// a bounded conversation loop over the model client; they differ in system
// prompt, tool surface, and what they are allowed to touch in the worktree.
package agents

import (
	"github.com/nexusdev/nexus/internal/llm"
)

// Tool names understood by the executor.
const (
	toolRead    = "Read"
	toolWrite   = "Write"
	toolEdit    = "Edit"
	toolBash    = "Bash"
	toolGlob    = "Glob"
	toolGrep    = "Grep"
	toolListDir = "ListDir"
	toolReplan  = "request_replan"
)

// fileTools returns the full tool set for agents that modify the worktree.
func fileTools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        toolRead,
			Description: "Read a file from the worktree. Returns file contents with line numbers.",
			Properties: map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to read, relative to the worktree root",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "Line number to start reading from (1-indexed, optional)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to read (optional)",
				},
			},
			Required: []string{"file_path"},
		},
		{
			Name:        toolWrite,
			Description: "Write content to a file. Creates parent directories if needed.",
			Properties: map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to write, relative to the worktree root",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write to the file",
				},
			},
			Required: []string{"file_path", "content"},
		},
		{
			Name:        toolEdit,
			Description: "Edit a file by replacing text. The old_string must be unique unless replace_all is true.",
			Properties: map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to edit, relative to the worktree root",
				},
				"old_string": map[string]any{
					"type":        "string",
					"description": "The exact text to find and replace",
				},
				"new_string": map[string]any{
					"type":        "string",
					"description": "The text to replace it with",
				},
				"replace_all": map[string]any{
					"type":        "boolean",
					"description": "If true, replace all occurrences (default: false)",
				},
			},
			Required: []string{"file_path", "old_string", "new_string"},
		},
		{
			Name:        toolBash,
			Description: "Execute a shell command in the worktree and return the output.",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in milliseconds (optional, default 120000)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Description of what this command does",
				},
			},
			Required: []string{"command"},
		},
		{
			Name:        toolGlob,
			Description: "Find files matching a glob pattern.",
			Properties: map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern to match (e.g., '**/*.go', 'src/**/*.ts')",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search in (optional, defaults to worktree root)",
				},
			},
			Required: []string{"pattern"},
		},
		{
			Name:        toolGrep,
			Description: "Search file contents using regex patterns.",
			Properties: map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regex pattern to search for",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "File or directory to search in (optional)",
				},
				"glob": map[string]any{
					"type":        "string",
					"description": "Glob pattern to filter files (e.g., '*.go')",
				},
				"context": map[string]any{
					"type":        "integer",
					"description": "Number of context lines to show around matches",
				},
			},
			Required: []string{"pattern"},
		},
		{
			Name:        toolListDir,
			Description: "List contents of a directory.",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path to list",
				},
			},
			Required: []string{"path"},
		},
	}
}

// readOnlyTools returns the reduced set for agents that must not write.
func readOnlyTools() []llm.Tool {
	var out []llm.Tool
	for _, t := range fileTools() {
		switch t.Name {
		case toolRead, toolGlob, toolGrep, toolListDir:
			out = append(out, t)
		}
	}
	return out
}

// replanTool describes the escape hatch a working agent uses to ask the
// planner to rethink its task.
func replanTool() llm.Tool {
	return llm.Tool{
		Name:        toolReplan,
		Description: "Request that the current task be replanned. Use when the task turns out to be much larger than described, is blocked on missing prerequisites, or its description no longer matches the code.",
		Properties: map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the task needs replanning",
			},
			"suggestion": map[string]any{
				"type":        "string",
				"description": "Suggested action: split, re-estimate, escalate, or abort (optional)",
			},
			"blockers": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Concrete blockers encountered (optional)",
			},
			"complexity_details": map[string]any{
				"type":        "string",
				"description": "What makes the task more complex than estimated (optional)",
			},
			"affected_files": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Files involved beyond the declared set (optional)",
			},
		},
		Required: []string{"reason"},
	}
}
