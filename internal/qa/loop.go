package qa

import (
	"context"
	"fmt"
	"time"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/pkg/models"
)

// DefaultMaxIterations is the hard ceiling on repair cycles when the
// configuration does not set one.
const DefaultMaxIterations = 50

// Fixer repairs a worktree after a failed stage. A repair that runs but
// does not fully succeed is not an error; the next iteration re-runs the
// stages and judges the outcome. Errors are reserved for infrastructure
// failures, which abort the loop.
type Fixer interface {
	FixIssues(ctx context.Context, task models.Task, worktree string, stage models.StageKind, errs []models.StageError) error
}

// EngineConfig tunes the loop engine.
type EngineConfig struct {
	// MaxIterations caps repair cycles. Zero means DefaultMaxIterations.
	MaxIterations int
	// Bus receives stage and escalation events. Optional.
	Bus *bus.Bus
}

// Engine drives one task's changes through build, lint, test and review
// until every stage passes or the iteration budget is exhausted.
type Engine struct {
	stages []StageRunner
	fixer  Fixer
	max    int
	bus    *bus.Bus
}

// NewEngine creates a loop engine over the given ordered stages.
func NewEngine(stages []StageRunner, fixer Fixer, cfg EngineConfig) *Engine {
	max := cfg.MaxIterations
	if max <= 0 {
		max = DefaultMaxIterations
	}
	return &Engine{stages: stages, fixer: fixer, max: max, bus: cfg.Bus}
}

// Pipeline builds the standard four-stage sequence.
func Pipeline(build *BuildRunner, lint *LintRunner, test *TestRunner, review *ReviewRunner) []StageRunner {
	return []StageRunner{build, lint, test, review}
}

// Run executes the loop for one task. The result is never nil: it carries
// the full stage trail even when an infrastructure error aborts the loop.
// Cancellation is honored at stage boundaries only, so a stage that started
// finishes before the loop stops.
//
// An iteration runs the stages in order and stops at the first failure,
// which is handed to the fixer. When the final allowed iteration still
// needs a repair, the loop escalates instead: Escalated is set, the last
// failing stage's errors become FinalErrors, and a review-requested event
// carries the evidence.
func (e *Engine) Run(ctx context.Context, task models.Task, worktree string) (*models.QAResult, error) {
	result := &models.QAResult{TaskID: task.ID}

	for iter := 1; iter <= e.max; iter++ {
		result.Iterations = iter

		var failed *models.StageResult
		for _, stage := range e.stages {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			e.publish(bus.StageStarted, task.ID, bus.StagePayload{
				Stage:     stage.Stage(),
				Iteration: iter,
			})

			sr, err := stage.Run(ctx, task, worktree)
			if err != nil {
				return result, fmt.Errorf("%s stage: %w", stage.Stage(), err)
			}
			sr.Iteration = iter
			result.Trail = append(result.Trail, *sr)

			e.publish(bus.StageCompleted, task.ID, bus.StagePayload{
				Stage:     stage.Stage(),
				Iteration: iter,
				Result:    sr,
			})

			if !sr.Passed {
				failed = sr
				break
			}
		}

		if failed == nil {
			result.Success = true
			return result, nil
		}

		if iter == e.max {
			result.Escalated = true
			result.FinalErrors = failed.Errors
			e.publishEscalation(task, result)
			return result, nil
		}

		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := e.fixer.FixIssues(ctx, task, worktree, failed.Stage, failed.Errors); err != nil {
			return result, fmt.Errorf("repair after %s failure: %w", failed.Stage, err)
		}
	}

	// Unreachable: every path above returns.
	return result, nil
}

// publishEscalation emits the review-requested event with the accumulated
// evidence. The durable review record is filed by the coordinator; the
// engine only reports.
func (e *Engine) publishEscalation(task models.Task, result *models.QAResult) {
	e.publish(bus.ReviewRequested, task.ID, bus.ReviewPayload{
		Request: &models.ReviewRequest{
			TaskID: task.ID,
			Reason: models.ReasonQAExhausted,
			Status: models.ReviewPending,
			Context: models.ReviewContext{
				QAIterations: result.Iterations,
				Errors:       result.FinalErrors,
			},
			CreatedAt: time.Now(),
		},
	})
}

func (e *Engine) publish(kind bus.Kind, taskID string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, TaskID: taskID, Payload: payload})
}
