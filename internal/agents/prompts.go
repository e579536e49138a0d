package agents

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nexusdev/nexus/pkg/models"
)

const coderSystemPrompt = `You are a software engineer implementing one well-scoped task inside an isolated git worktree.

Rules:
1. Work only inside the worktree. All paths are relative to its root.
2. Read existing code before changing it and follow the conventions you find.
3. Implement exactly what the task asks for. Do not refactor unrelated code.
4. Verify your work with the Bash tool (build, run the relevant tests) before finishing.
5. Do not run git commands; committing and merging are handled for you.
6. If the task turns out to be much larger or different than described, call request_replan instead of guessing.

When the task is complete, reply without using any tool and summarize what you changed.`

const testerSystemPrompt = `You are a test engineer. You add tests for an implementation another engineer just finished.

Rules:
1. You may only create or modify test files. Writes to production code are rejected.
2. Read the changed files first and test the behavior they actually implement.
3. Cover the main paths and the edge cases worth having, not every permutation.
4. Run the new tests with the Bash tool and fix them until they pass.

When done, reply without using any tool and summarize the coverage you added.`

const reviewerSystemPrompt = `You are a code reviewer. You inspect changes and report issues; you never modify files.

Severity levels:
- critical: bugs, data loss, security holes, broken builds
- major: incorrect edge-case handling, missing error checks, design problems
- minor: naming, duplication, small cleanups
- suggestion: optional improvements

Respond with ONLY a JSON object, no other text:
{"approved": true|false, "summary": "one paragraph", "issues": [{"severity": "critical|major|minor|suggestion", "file": "path", "line": 0, "message": "...", "suggestion": "..."}]}

Set approved=false when you find any critical issue or more than two major issues.`

const mergerSystemPrompt = `You are a merge conflict resolver. Understand the INTENT of each change, not just the text.

When resolving conflicts:
1. Analyze what each branch is trying to accomplish
2. Preserve the intent of both changes when possible
3. If changes are truly incompatible, favor the change that maintains correctness
4. Ensure the merged result compiles and maintains logical consistency
5. Rewrite each conflicted file with the Write tool, leaving no conflict markers

When every conflict is resolved, reply without using any tool and summarize how you resolved them.`

// buildTaskPrompt renders the task brief handed to a coder.
func buildTaskPrompt(task models.Task) string {
	var sb strings.Builder

	sb.WriteString("You are working on a task.\n\n")
	sb.WriteString("Task ID: ")
	sb.WriteString(task.ID)
	sb.WriteString("\n")
	sb.WriteString("Title: ")
	sb.WriteString(task.Title)
	sb.WriteString("\n")

	if task.Description != "" {
		sb.WriteString("\n## Description\n")
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}

	if len(task.Files) > 0 {
		sb.WriteString("\n## Expected Files\n")
		sb.WriteString("The task is expected to touch these paths:\n")
		for _, f := range task.Files {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}

	if task.EstimatedMinutes > 0 {
		fmt.Fprintf(&sb, "\nEstimated effort: %d minutes.\n", task.EstimatedMinutes)
	}

	return sb.String()
}

// buildFixPrompt renders the repair brief for a task that failed quality
// checks.
func buildFixPrompt(task models.Task, stage models.StageKind, errs []models.StageError) string {
	var sb strings.Builder

	sb.WriteString("Your changes for this task failed quality checks. Fix the failures below.\n\n")
	sb.WriteString("Task ID: ")
	sb.WriteString(task.ID)
	sb.WriteString("\n")
	sb.WriteString("Title: ")
	sb.WriteString(task.Title)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Failed stage: %s\n", stage)

	sb.WriteString("\n## Failures\n")
	for i, e := range errs {
		fmt.Fprintf(&sb, "%d. ", i+1)
		if e.File != "" {
			sb.WriteString(e.File)
			if e.Line > 0 {
				fmt.Fprintf(&sb, ":%d", e.Line)
			}
			sb.WriteString(": ")
		}
		sb.WriteString(e.Message)
		sb.WriteString("\n")
	}

	sb.WriteString("\nFix only what the failures require. Re-run the failing check with the Bash tool to confirm.\n")
	return sb.String()
}

// buildTesterPrompt renders the brief for a tester covering a finished
// implementation.
func buildTesterPrompt(task models.Task, filesChanged []string) string {
	var sb strings.Builder

	sb.WriteString("Write tests for the implementation of this task.\n\n")
	sb.WriteString("Task ID: ")
	sb.WriteString(task.ID)
	sb.WriteString("\n")
	sb.WriteString("Title: ")
	sb.WriteString(task.Title)
	sb.WriteString("\n")

	if task.Description != "" {
		sb.WriteString("\n## Description\n")
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}

	if len(filesChanged) > 0 {
		sb.WriteString("\n## Changed Files\n")
		for _, f := range filesChanged {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// buildReviewPrompt renders the diff review request.
func buildReviewPrompt(task models.Task, diff string) string {
	var sb strings.Builder

	sb.WriteString("Review the following changes.\n\n")
	sb.WriteString("## Task\n")
	sb.WriteString(task.Title)
	sb.WriteString("\n")
	if task.Description != "" {
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Diff\n")
	sb.WriteString("```diff\n")
	sb.WriteString(diff)
	sb.WriteString("\n```\n")

	sb.WriteString("\nProvide your assessment as the JSON object described in your instructions.\n")
	return sb.String()
}

// buildMergePrompt renders the conflict-resolution brief. Each conflicted
// file's working copy still contains the conflict markers.
func buildMergePrompt(taskID, branch, target string, conflicts map[string]string) string {
	var sb strings.Builder

	sb.WriteString("A merge produced conflicts that need resolving.\n\n")
	sb.WriteString("## Situation\n")
	fmt.Fprintf(&sb, "- Task ID: %s\n", taskID)
	fmt.Fprintf(&sb, "- Target branch: %s (integrated work from completed tasks)\n", target)
	fmt.Fprintf(&sb, "- Task branch: %s (new work that conflicts)\n", branch)
	fmt.Fprintf(&sb, "- Conflicting files (%d):\n", len(conflicts))
	for _, path := range sortedKeys(conflicts) {
		sb.WriteString("  - ")
		sb.WriteString(path)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Conflicted Content\n")
	for _, path := range sortedKeys(conflicts) {
		fmt.Fprintf(&sb, "\n### %s\n", path)
		sb.WriteString("```\n")
		sb.WriteString(conflicts[path])
		sb.WriteString("\n```\n")
	}

	sb.WriteString("\nResolve every file, then finish with a summary.\n")
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
