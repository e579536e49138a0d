package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/internal/procrun"
	"github.com/nexusdev/nexus/pkg/models"
)

// CoderOptions tunes a coder run.
type CoderOptions struct {
	// MaxIterations caps conversation turns. Zero means the default.
	MaxIterations int
	// Timeout caps wall-clock time for one run. Zero means no limit.
	Timeout time.Duration
	// OnEvent observes loop progress.
	OnEvent func(Event)
	// OnReplan handles request_replan calls. When nil the tool is not
	// offered.
	OnReplan ReplanFunc
	// OnOutput receives Bash output lines as they stream.
	OnOutput func(line string)
}

// CoderResult is the outcome of a coder run.
type CoderResult struct {
	// Success is false when the run hit its iteration cap or timeout.
	Success bool
	// FilesChanged lists worktree-relative paths the agent wrote or edited.
	FilesChanged []string
	// Output is the agent's final summary, or the reason the run stopped.
	Output     string
	Iterations int
	Usage      models.TokenUsage
}

// Coder implements tasks inside an isolated worktree.
type Coder struct {
	client llm.Client
	runner procrun.Runner
	opts   CoderOptions
}

// NewCoder creates a coder backed by the given model client and process
// runner.
func NewCoder(client llm.Client, runner procrun.Runner, opts CoderOptions) *Coder {
	return &Coder{client: client, runner: runner, opts: opts}
}

// Execute implements the task in the given worktree.
func (c *Coder) Execute(ctx context.Context, task models.Task, worktree string) (*CoderResult, error) {
	return c.run(ctx, worktree, buildTaskPrompt(task))
}

// FixIssues repairs a previous change that failed a QA stage.
func (c *Coder) FixIssues(ctx context.Context, task models.Task, worktree string, stage models.StageKind, errs []models.StageError) (*CoderResult, error) {
	return c.run(ctx, worktree, buildFixPrompt(task, stage, errs))
}

// run drives one conversation. Hitting the iteration cap or the wall-clock
// timeout is a task failure, not an error; cancellation from the caller and
// provider failures propagate as errors.
func (c *Coder) run(ctx context.Context, worktree, prompt string) (*CoderResult, error) {
	exec := NewToolExecutor(worktree, c.runner)
	if c.opts.OnOutput != nil {
		exec.SetOutputHandler(c.opts.OnOutput)
	}

	tools := fileTools()
	if c.opts.OnReplan != nil {
		exec.SetReplanHandler(c.opts.OnReplan)
		tools = append(tools, replanTool())
	}

	res, err := runLoop(ctx, LoopConfig{
		Client:        c.client,
		Agent:         llm.AgentCoder,
		System:        coderSystemPrompt,
		Tools:         tools,
		Executor:      exec,
		MaxIterations: c.opts.MaxIterations,
		Timeout:       c.opts.Timeout,
		OnEvent:       c.opts.OnEvent,
	}, prompt)

	out := &CoderResult{
		FilesChanged: exec.Touched(),
		Output:       res.Output,
		Iterations:   res.Iterations,
		Usage:        res.Usage,
	}
	if err != nil {
		var maxErr *MaxIterationsError
		switch {
		case errors.As(err, &maxErr):
			if out.Output == "" {
				out.Output = err.Error()
			}
			return out, nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// The loop's own timeout fired, not the caller's context.
			if out.Output == "" {
				out.Output = fmt.Sprintf("timed out after %v", c.opts.Timeout)
			}
			return out, nil
		default:
			return out, err
		}
	}

	out.Success = true
	return out, nil
}
