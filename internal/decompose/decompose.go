// Package decompose turns a feature request into tasks small enough for a
// single agent to complete in one worktree.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/pkg/models"
)

// DefaultBudgetMinutes is the target size of a single task.
const DefaultBudgetMinutes = 30

// decomposedTask is the JSON structure the model returns for one task.
type decomposedTask struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Files            []string `json:"files"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	Priority         string   `json:"priority"`
	DependsOn        []string `json:"depends_on"`
	TestSelector     string   `json:"test_selector"`
}

// Config tunes the decomposer.
type Config struct {
	// BudgetMinutes is the per-task effort ceiling. Zero means
	// DefaultBudgetMinutes.
	BudgetMinutes int
	// MaxTokens caps the planning response. Zero uses the client default.
	MaxTokens int
}

// Decomposer breaks features into a DAG of budget-sized tasks.
type Decomposer struct {
	client llm.Client
	budget int
	tokens int
}

// New creates a Decomposer on the given model client.
func New(client llm.Client, cfg Config) *Decomposer {
	budget := cfg.BudgetMinutes
	if budget <= 0 {
		budget = DefaultBudgetMinutes
	}
	return &Decomposer{client: client, budget: budget, tokens: cfg.MaxTokens}
}

// Decompose turns a feature into tasks. The returned set always satisfies
// the post-conditions: non-empty titles, every estimate within budget, and
// acyclic prerequisites. Malformed model output degrades to a single task
// covering the whole feature; only transport failures surface as errors.
func (d *Decomposer) Decompose(ctx context.Context, feature models.Feature) ([]models.Task, error) {
	resp, err := d.client.Chat(ctx, llm.Request{
		Agent:     llm.AgentPlanner,
		System:    plannerSystemPrompt,
		Messages:  []llm.Message{llm.UserMessage(buildDecompositionPrompt(feature, d.budget))},
		MaxTokens: d.tokens,
	})
	if err != nil {
		return nil, fmt.Errorf("decompose feature %s: %w", feature.ID, err)
	}

	tasks, err := ParseResponse(resp.Text, feature)
	if err != nil {
		return d.fallback(feature), nil
	}

	tasks = SplitOversized(tasks, d.budget)
	normalizeDeps(tasks)

	// A cyclic plan cannot be scheduled; the single-task fallback always
	// satisfies the contract, so degrade rather than refuse.
	if err := ValidateNoCycles(tasks); err != nil {
		return d.fallback(feature), nil
	}
	return tasks, nil
}

// fallback is the single-task decomposition used when the model's plan is
// unusable.
func (d *Decomposer) fallback(feature models.Feature) []models.Task {
	desc := feature.Description
	if len(feature.AcceptanceCriteria) > 0 {
		desc += "\n\nAcceptance criteria:\n- " + strings.Join(feature.AcceptanceCriteria, "\n- ")
	}
	return []models.Task{{
		ID:               uuid.New().String(),
		FeatureID:        feature.ID,
		Title:            feature.Title,
		Description:      desc,
		EstimatedMinutes: d.budget,
		Priority:         priorityForFeature(feature.Priority),
		Status:           models.TaskStatusPending,
		CreatedAt:        time.Now(),
	}}
}

// ParseResponse extracts the JSON task array from a model response and
// resolves title-based dependencies to task IDs.
func ParseResponse(response string, feature models.Feature) ([]models.Task, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, fmt.Errorf("no JSON array found in response (%d chars)", len(response))
	}

	var decomposed []decomposedTask
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &decomposed); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	if len(decomposed) == 0 {
		return nil, fmt.Errorf("empty task list returned")
	}

	defaultPriority := priorityForFeature(feature.Priority)
	titleToID := make(map[string]string, len(decomposed))
	tasks := make([]models.Task, len(decomposed))
	now := time.Now()

	for i, dt := range decomposed {
		if strings.TrimSpace(dt.Title) == "" {
			return nil, fmt.Errorf("task %d has no title", i+1)
		}
		if strings.TrimSpace(dt.Description) == "" {
			return nil, fmt.Errorf("task %q has no description", dt.Title)
		}

		id := uuid.New().String()
		titleToID[dt.Title] = id

		priority := models.TaskPriority(strings.ToLower(dt.Priority))
		if !priority.Valid() {
			priority = defaultPriority
		}
		minutes := dt.EstimatedMinutes
		if minutes <= 0 {
			minutes = DefaultBudgetMinutes
		}

		tasks[i] = models.Task{
			ID:               id,
			FeatureID:        feature.ID,
			Title:            dt.Title,
			Description:      dt.Description,
			Files:            dt.Files,
			TestSelector:     dt.TestSelector,
			EstimatedMinutes: minutes,
			Priority:         priority,
			Status:           models.TaskStatusPending,
			CreatedAt:        now,
		}
	}

	for i, dt := range decomposed {
		for _, depTitle := range dt.DependsOn {
			depID, ok := titleToID[depTitle]
			if !ok {
				return nil, fmt.Errorf("unknown dependency %q for task %q", depTitle, dt.Title)
			}
			tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
		}
	}

	return tasks, nil
}

// priorityForFeature maps a feature's negotiability onto task scheduling
// priority.
func priorityForFeature(p models.FeaturePriority) models.TaskPriority {
	switch p {
	case models.FeatureMust:
		return models.PriorityHigh
	case models.FeatureCould, models.FeatureWont:
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

// normalizeDeps deduplicates prerequisites and drops self-references,
// preserving first-seen order.
func normalizeDeps(tasks []models.Task) {
	for i := range tasks {
		if len(tasks[i].DependsOn) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(tasks[i].DependsOn))
		deps := tasks[i].DependsOn[:0]
		for _, dep := range tasks[i].DependsOn {
			if dep == tasks[i].ID {
				continue
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			deps = append(deps, dep)
		}
		tasks[i].DependsOn = deps
	}
}

// ValidateNoCycles checks that task prerequisites form a DAG.
func ValidateNoCycles(tasks []models.Task) error {
	idToTask := make(map[string]*models.Task, len(tasks))
	for i := range tasks {
		idToTask[tasks[i].ID] = &tasks[i]
	}

	// 0=unvisited, 1=visiting, 2=visited
	state := make(map[string]int, len(tasks))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		if state[id] == 2 {
			return nil
		}
		if state[id] == 1 {
			cycleStart := 0
			for i, p := range path {
				if p == id {
					cycleStart = i
					break
				}
			}
			cycle := append(path[cycleStart:], id)
			return fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
		}

		state[id] = 1
		if task := idToTask[id]; task != nil {
			for _, depID := range task.DependsOn {
				if err := visit(depID, append(path, id)); err != nil {
					return err
				}
			}
		}
		state[id] = 2
		return nil
	}

	for i := range tasks {
		if state[tasks[i].ID] == 0 {
			if err := visit(tasks[i].ID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
