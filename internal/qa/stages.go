// Package qa implements the self-healing quality pipeline: four stage
// runners (build, lint, test, review) and the loop engine that drives a
// task's changes through them until they pass or the iteration budget runs
// out.
package qa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nexusdev/nexus/internal/procrun"
	"github.com/nexusdev/nexus/pkg/models"
)

// StageRunner runs one QA stage against a worktree. The error return is for
// infrastructure failures only (spawn refused, provider down, caller
// cancelled); a stage that ran and found problems reports them in the
// result with Passed=false.
type StageRunner interface {
	Stage() models.StageKind
	Run(ctx context.Context, task models.Task, workdir string) (*models.StageResult, error)
}

// StageCommand configures one externally-run stage. An empty Command skips
// the stage (it passes vacuously).
type StageCommand struct {
	// Command is the shell line to run in the worktree.
	Command string
	// Selective replaces Command when the task carries a test selector;
	// "{selector}" is substituted. Only the test stage uses it.
	Selective string
	// Timeout bounds the run. Zero falls back to the process runner's
	// default.
	Timeout time.Duration
}

// Commands holds the command lines for the externally-run stages.
type Commands struct {
	Build StageCommand
	Lint  StageCommand
	// LintFix, when set, runs before the lint check as a best-effort
	// auto-fix. Its outcome is ignored.
	LintFix string
	Test    StageCommand
}

// DetectCommands picks default commands for the project type found at
// repoPath. Unknown project types get empty commands, which skip the
// external stages.
func DetectCommands(repoPath string) Commands {
	switch {
	case fileExists(filepath.Join(repoPath, "go.mod")):
		return Commands{
			Build: StageCommand{Command: "go build ./..."},
			Lint:  StageCommand{Command: "go vet ./..."},
			Test: StageCommand{
				Command:   "go test -json ./...",
				Selective: "go test -json -run '{selector}' ./...",
			},
		}
	case fileExists(filepath.Join(repoPath, "package.json")):
		return Commands{
			Build: StageCommand{Command: "npm run build --if-present"},
			Lint:  StageCommand{Command: "npx --no-install eslint --format json ."},
			Test:  StageCommand{Command: "npm test"},
		}
	case fileExists(filepath.Join(repoPath, "pyproject.toml")) || fileExists(filepath.Join(repoPath, "setup.py")):
		return Commands{
			Build: StageCommand{Command: "python -m compileall -q ."},
			Lint:  StageCommand{Command: "ruff check --output-format json ."},
			Test:  StageCommand{Command: "pytest -q"},
		}
	case fileExists(filepath.Join(repoPath, "Cargo.toml")):
		return Commands{
			Build: StageCommand{Command: "cargo build"},
			Lint:  StageCommand{Command: "cargo clippy"},
			Test:  StageCommand{Command: "cargo test"},
		}
	default:
		return Commands{}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// BuildRunner compiles the worktree and parses diagnostics.
type BuildRunner struct {
	runner procrun.Runner
	cmd    StageCommand
}

// NewBuildRunner creates the build stage.
func NewBuildRunner(runner procrun.Runner, cmd StageCommand) *BuildRunner {
	return &BuildRunner{runner: runner, cmd: cmd}
}

// Stage identifies the runner.
func (r *BuildRunner) Stage() models.StageKind { return models.StageBuild }

// Run executes the build command. Diagnostics become normalized errors;
// unparseable output becomes a single error carrying the output tail.
func (r *BuildRunner) Run(ctx context.Context, _ models.Task, workdir string) (*models.StageResult, error) {
	return runCommandStage(ctx, r.runner, models.StageBuild, models.ErrKindCompile, r.cmd, workdir, parseBuildOutput)
}

// LintRunner runs the configured linter. Warnings never fail the stage.
type LintRunner struct {
	runner procrun.Runner
	cmd    StageCommand
	fix    string
}

// NewLintRunner creates the lint stage. fix is an optional auto-fix command
// run best-effort before the check.
func NewLintRunner(runner procrun.Runner, cmd StageCommand, fix string) *LintRunner {
	return &LintRunner{runner: runner, cmd: cmd, fix: fix}
}

// Stage identifies the runner.
func (r *LintRunner) Stage() models.StageKind { return models.StageLint }

// Run executes the lint command and normalizes its findings.
func (r *LintRunner) Run(ctx context.Context, _ models.Task, workdir string) (*models.StageResult, error) {
	start := time.Now()
	sr := &models.StageResult{Stage: models.StageLint}
	if r.cmd.Command == "" {
		sr.Passed = true
		return sr, nil
	}

	if r.fix != "" {
		// Best effort: a failing fixer is not a stage failure.
		r.runner.Run(ctx, procrun.Command{Shell: r.fix, Dir: workdir, Timeout: r.cmd.Timeout})
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	res, err := r.runner.Run(ctx, procrun.Command{Shell: r.cmd.Command, Dir: workdir, Timeout: r.cmd.Timeout})
	sr.Duration = time.Since(start)
	if err != nil {
		var timedOut *procrun.TimeoutError
		var exit *procrun.ExitError
		switch {
		case errors.As(err, &timedOut):
			sr.Errors = []models.StageError{timeoutError(models.StageLint, timedOut.Timeout)}
			return sr, nil
		case errors.As(err, &exit):
			// fall through to parse the findings
		default:
			return nil, err
		}
	}

	errs, warnings := parseLintOutput(combined(res))
	sr.Warnings = warnings
	// Linters exit non-zero on warning-only findings too; only synthesize an
	// error when the output yielded no findings at all.
	if err != nil && len(errs) == 0 && len(warnings) == 0 {
		errs = []models.StageError{{Kind: models.ErrKindLint, Message: outputTail(combined(res))}}
	}
	sr.Errors = errs
	sr.Passed = len(errs) == 0
	return sr, nil
}

// TestRunner executes the test suite and folds the report into counts.
type TestRunner struct {
	runner procrun.Runner
	cmd    StageCommand
}

// NewTestRunner creates the test stage.
func NewTestRunner(runner procrun.Runner, cmd StageCommand) *TestRunner {
	return &TestRunner{runner: runner, cmd: cmd}
}

// Stage identifies the runner.
func (r *TestRunner) Stage() models.StageKind { return models.StageTest }

// Run executes the test command, narrowed by the task's selector when one
// is set and a selective command is configured.
func (r *TestRunner) Run(ctx context.Context, task models.Task, workdir string) (*models.StageResult, error) {
	start := time.Now()
	sr := &models.StageResult{Stage: models.StageTest}

	command := r.cmd.Command
	if task.TestSelector != "" && r.cmd.Selective != "" {
		command = strings.ReplaceAll(r.cmd.Selective, "{selector}", task.TestSelector)
	}
	if command == "" {
		sr.Passed = true
		return sr, nil
	}

	res, err := r.runner.Run(ctx, procrun.Command{Shell: command, Dir: workdir, Timeout: r.cmd.Timeout})
	sr.Duration = time.Since(start)
	if err != nil {
		var timedOut *procrun.TimeoutError
		var exit *procrun.ExitError
		switch {
		case errors.As(err, &timedOut):
			sr.Errors = []models.StageError{timeoutError(models.StageTest, timedOut.Timeout)}
			return sr, nil
		case errors.As(err, &exit):
			// fall through to parse the report
		default:
			return nil, err
		}
	}

	counts, parsed := parseTestOutput(combined(res))
	if parsed {
		sr.Tests = counts
		sr.Passed = counts.Failed == 0 && err == nil
		for _, f := range counts.Failures {
			sr.Errors = append(sr.Errors, models.StageError{
				Kind:    models.ErrKindTest,
				File:    f.File,
				Message: fmt.Sprintf("%s: %s", f.Name, f.Message),
			})
		}
		if !sr.Passed && len(sr.Errors) == 0 {
			sr.Errors = []models.StageError{{Kind: models.ErrKindTest, Message: outputTail(combined(res))}}
		}
		return sr, nil
	}

	// No machine-readable report; fall back to the exit code.
	if err != nil {
		sr.Errors = []models.StageError{{Kind: models.ErrKindTest, Message: outputTail(combined(res))}}
		return sr, nil
	}
	sr.Passed = true
	return sr, nil
}

// reviewAgent is the slice of the review agent the stage consumes.
type reviewAgent interface {
	Review(ctx context.Context, task models.Task, worktree, diff string) (*models.ReviewAssessment, models.TokenUsage, error)
}

// DiffFunc renders the diff to review for a worktree.
type DiffFunc func(ctx context.Context, workdir string) (string, error)

// ReviewRunner sends the task's diff to the review agent and applies the
// blocking rule: at least one critical issue, or more than two major
// issues, fails the stage. The reviewer's explicit refusal is honored even
// when its issue list would not block on its own; a self-approved verdict
// with blocking issues is overridden.
type ReviewRunner struct {
	agent reviewAgent
	diff  DiffFunc
}

// NewReviewRunner creates the review stage.
func NewReviewRunner(agent reviewAgent, diff DiffFunc) *ReviewRunner {
	return &ReviewRunner{agent: agent, diff: diff}
}

// Stage identifies the runner.
func (r *ReviewRunner) Stage() models.StageKind { return models.StageReview }

// Run reviews the worktree's diff. A provider failure (including an
// unparseable verdict) propagates as an error rather than failing the
// stage.
func (r *ReviewRunner) Run(ctx context.Context, task models.Task, workdir string) (*models.StageResult, error) {
	start := time.Now()
	sr := &models.StageResult{Stage: models.StageReview}

	diff, err := r.diff(ctx, workdir)
	if err != nil {
		return nil, fmt.Errorf("diff for review: %w", err)
	}
	if strings.TrimSpace(diff) == "" {
		// Nothing changed, nothing to review.
		sr.Passed = true
		sr.Duration = time.Since(start)
		return sr, nil
	}

	assessment, _, err := r.agent.Review(ctx, task, workdir, diff)
	sr.Duration = time.Since(start)
	if err != nil {
		return nil, err
	}

	// Correct a self-approved verdict that the blocking rule rejects. The
	// correction is one-directional: an explicit false stands.
	if assessment.Approved && (assessment.CountBySeverity(models.SeverityCritical) >= 1 ||
		assessment.CountBySeverity(models.SeverityMajor) > 2) {
		assessment.Approved = false
	}

	sr.Review = assessment
	sr.Passed = !assessment.Blocking()
	if sr.Passed {
		for _, iss := range assessment.Issues {
			sr.Warnings = append(sr.Warnings, issueLine(iss))
		}
		return sr, nil
	}

	for _, iss := range assessment.Issues {
		if iss.Severity == models.SeverityCritical || iss.Severity == models.SeverityMajor {
			sr.Errors = append(sr.Errors, models.StageError{
				Kind:    models.ErrKindReview,
				File:    iss.File,
				Line:    iss.Line,
				Message: issueLine(iss),
			})
			continue
		}
		sr.Warnings = append(sr.Warnings, issueLine(iss))
	}
	if len(sr.Errors) == 0 {
		msg := "reviewer withheld approval"
		if assessment.Summary != "" {
			msg += ": " + assessment.Summary
		}
		sr.Errors = []models.StageError{{Kind: models.ErrKindReview, Message: msg}}
	}
	return sr, nil
}

func issueLine(iss models.ReviewIssue) string {
	line := fmt.Sprintf("%s: %s", iss.Severity, iss.Message)
	if iss.Suggestion != "" {
		line += " (suggestion: " + iss.Suggestion + ")"
	}
	return line
}

// runCommandStage is the shared body for stages that just run a command and
// parse diagnostics out of its output.
func runCommandStage(
	ctx context.Context,
	runner procrun.Runner,
	stage models.StageKind,
	kind models.StageErrorKind,
	cmd StageCommand,
	workdir string,
	parse func(string) []models.StageError,
) (*models.StageResult, error) {
	start := time.Now()
	sr := &models.StageResult{Stage: stage}
	if cmd.Command == "" {
		sr.Passed = true
		return sr, nil
	}

	res, err := runner.Run(ctx, procrun.Command{Shell: cmd.Command, Dir: workdir, Timeout: cmd.Timeout})
	sr.Duration = time.Since(start)
	if err == nil {
		sr.Passed = true
		return sr, nil
	}

	var timedOut *procrun.TimeoutError
	var exit *procrun.ExitError
	switch {
	case errors.As(err, &timedOut):
		sr.Errors = []models.StageError{timeoutError(stage, timedOut.Timeout)}
		return sr, nil
	case errors.As(err, &exit):
		sr.Errors = parse(combined(res))
		if len(sr.Errors) == 0 {
			sr.Errors = []models.StageError{{Kind: kind, Message: outputTail(combined(res))}}
		}
		return sr, nil
	default:
		return nil, err
	}
}

// timeoutError is the single synthetic finding for a stage that blew its
// budget.
func timeoutError(stage models.StageKind, timeout time.Duration) models.StageError {
	return models.StageError{
		Kind:    models.ErrKindTimeout,
		Message: fmt.Sprintf("%s stage exceeded its %v budget", stage, timeout),
	}
}

func combined(res *procrun.Result) string {
	if res == nil {
		return ""
	}
	switch {
	case res.Stdout == "":
		return res.Stderr
	case res.Stderr == "":
		return res.Stdout
	default:
		return res.Stdout + "\n" + res.Stderr
	}
}
