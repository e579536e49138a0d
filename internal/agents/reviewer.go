package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/internal/procrun"
	"github.com/nexusdev/nexus/pkg/models"
)

// ReviewerOptions tunes a review run.
type ReviewerOptions struct {
	MaxIterations int
	Timeout       time.Duration
	OnEvent       func(Event)
}

// Reviewer inspects a diff and produces a structured assessment. It has
// read-only access to the worktree and never modifies files.
type Reviewer struct {
	client llm.Client
	runner procrun.Runner
	opts   ReviewerOptions
}

// NewReviewer creates a reviewer backed by the given model client and
// process runner.
func NewReviewer(client llm.Client, runner procrun.Runner, opts ReviewerOptions) *Reviewer {
	return &Reviewer{client: client, runner: runner, opts: opts}
}

// Review assesses the diff for the task. The assessment's issue severities
// are normalized to known values; a response that is not valid JSON is a
// provider failure, not a review verdict.
func (r *Reviewer) Review(ctx context.Context, task models.Task, worktree, diff string) (*models.ReviewAssessment, models.TokenUsage, error) {
	exec := NewToolExecutor(worktree, r.runner)
	exec.SetWriteFilter(func(rel string) error {
		return fmt.Errorf("reviewers cannot modify %s", rel)
	})

	res, err := runLoop(ctx, LoopConfig{
		Client:        r.client,
		Agent:         llm.AgentReviewer,
		System:        reviewerSystemPrompt,
		Tools:         readOnlyTools(),
		Executor:      exec,
		MaxIterations: r.opts.MaxIterations,
		Timeout:       r.opts.Timeout,
		OnEvent:       r.opts.OnEvent,
	}, buildReviewPrompt(task, diff))
	if err != nil {
		return nil, res.Usage, err
	}

	assessment, err := parseAssessment(res.Output)
	if err != nil {
		return nil, res.Usage, llm.Malformed(err)
	}
	return assessment, res.Usage, nil
}

// parseAssessment extracts the JSON verdict from the model's final message.
// Prose around the object is tolerated; a missing or unparseable object is
// an error.
func parseAssessment(response string) (*models.ReviewAssessment, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return nil, errors.New("no JSON object found in review response")
	}

	var assessment models.ReviewAssessment
	if err := json.Unmarshal([]byte(response[start:end+1]), &assessment); err != nil {
		return nil, fmt.Errorf("failed to parse review response: %w", err)
	}

	for i, iss := range assessment.Issues {
		sev := models.ReviewSeverity(strings.ToLower(string(iss.Severity)))
		if !sev.Valid() {
			sev = models.SeverityMinor
		}
		assessment.Issues[i].Severity = sev
	}
	return &assessment, nil
}
