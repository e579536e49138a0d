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

// TesterOptions tunes a tester run.
type TesterOptions struct {
	MaxIterations int
	Timeout       time.Duration
	OnEvent       func(Event)
	OnOutput      func(line string)
}

// TesterResult is the outcome of a tester run.
type TesterResult struct {
	Success bool
	// FilesChanged lists the test files the agent wrote or edited.
	FilesChanged []string
	Output       string
	Iterations   int
	Usage        models.TokenUsage
}

// Tester writes tests for a completed implementation. Its write access is
// limited to test files and fixtures.
type Tester struct {
	client llm.Client
	runner procrun.Runner
	opts   TesterOptions
}

// NewTester creates a tester backed by the given model client and process
// runner.
func NewTester(client llm.Client, runner procrun.Runner, opts TesterOptions) *Tester {
	return &Tester{client: client, runner: runner, opts: opts}
}

// Execute adds tests covering the task's changed files.
func (t *Tester) Execute(ctx context.Context, task models.Task, worktree string, filesChanged []string) (*TesterResult, error) {
	exec := NewToolExecutor(worktree, t.runner)
	exec.SetWriteFilter(TestFileFilter)
	if t.opts.OnOutput != nil {
		exec.SetOutputHandler(t.opts.OnOutput)
	}

	res, err := runLoop(ctx, LoopConfig{
		Client:        t.client,
		Agent:         llm.AgentTester,
		System:        testerSystemPrompt,
		Tools:         fileTools(),
		Executor:      exec,
		MaxIterations: t.opts.MaxIterations,
		Timeout:       t.opts.Timeout,
		OnEvent:       t.opts.OnEvent,
	}, buildTesterPrompt(task, filesChanged))

	out := &TesterResult{
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
			if out.Output == "" {
				out.Output = fmt.Sprintf("timed out after %v", t.opts.Timeout)
			}
			return out, nil
		default:
			return out, err
		}
	}

	out.Success = true
	return out, nil
}
