package replan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexusdev/nexus/internal/bus"
	"github.com/nexusdev/nexus/pkg/models"
)

// maxConfidence caps the aggregated decision confidence.
const maxConfidence = 0.95

// concurrentBoost is added per active trigger beyond the first.
const concurrentBoost = 0.1

// Evaluate runs every trigger against the context and aggregates the
// result. It is a pure function: the same context and thresholds always
// produce the same decision, and EvaluatedAt is left zero for the
// caller to stamp.
func Evaluate(th Thresholds, ec models.ExecutionContext) models.ReplanDecision {
	var signals []models.ReplanSignal
	for _, trig := range triggers {
		if sig, fired := trig(th, ec); fired {
			signals = append(signals, sig)
		}
	}

	decision := models.ReplanDecision{TaskID: ec.TaskID, Action: models.ReplanContinue}
	if len(signals) == 0 {
		return decision
	}

	// Strongest first; trigger name breaks confidence ties so the order
	// is stable.
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Confidence != signals[j].Confidence {
			return signals[i].Confidence > signals[j].Confidence
		}
		return signals[i].Trigger < signals[j].Trigger
	})

	confidence := signals[0].Confidence + concurrentBoost*float64(len(signals)-1)
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	decision.Replan = true
	decision.Confidence = confidence
	decision.Action = actionFor(signals[0].Trigger)
	decision.Signals = signals
	return decision
}

// AgentRequest is the parsed body of a request_replan tool call.
type AgentRequest struct {
	Reason            string   `json:"reason"`
	Suggestion        string   `json:"suggestion,omitempty"`
	Blockers          []string `json:"blockers,omitempty"`
	ComplexityDetails string   `json:"complexity_details,omitempty"`
	AffectedFiles     []string `json:"affected_files,omitempty"`
}

// Monitor tracks the execution contexts of in-flight tasks and turns
// trigger hits into replan-decision events. It never mutates the plan.
type Monitor struct {
	thresholds Thresholds
	bus        *bus.Bus

	mu      sync.Mutex
	watched map[string]models.ExecutionContext
	// decided remembers tasks already flagged so a sweep does not
	// re-announce the same decision every tick.
	decided map[string]bool
}

// NewMonitor creates a monitor publishing to b. A nil bus is allowed;
// decisions are then only returned, never announced.
func NewMonitor(th Thresholds, b *bus.Bus) *Monitor {
	return &Monitor{
		thresholds: th,
		bus:        b,
		watched:    make(map[string]models.ExecutionContext),
		decided:    make(map[string]bool),
	}
}

// Watch starts monitoring a task. The initial context needs at least
// the task ID, estimate, and iteration cap.
func (m *Monitor) Watch(ec models.ExecutionContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[ec.TaskID] = ec
	delete(m.decided, ec.TaskID)
}

// Unwatch stops monitoring a task. Called when the task terminates.
func (m *Monitor) Unwatch(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, taskID)
	delete(m.decided, taskID)
}

// Update mutates a watched task's context in place. Unknown tasks are
// ignored: the task finished between the caller's read and this call.
func (m *Monitor) Update(taskID string, fn func(*models.ExecutionContext)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.watched[taskID]
	if !ok {
		return
	}
	fn(&ec)
	m.watched[taskID] = ec
}

// Watched returns the monitored task IDs, sorted.
func (m *Monitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.watched))
	for id := range m.watched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sweep evaluates every watched task and publishes a replan-decision
// event for each newly triggered one. The returned slice holds the
// triggered decisions in task-ID order.
func (m *Monitor) Sweep(now time.Time) []models.ReplanDecision {
	m.mu.Lock()
	contexts := make([]models.ExecutionContext, 0, len(m.watched))
	for _, ec := range m.watched {
		if !m.decided[ec.TaskID] {
			contexts = append(contexts, ec)
		}
	}
	m.mu.Unlock()

	sort.Slice(contexts, func(i, j int) bool { return contexts[i].TaskID < contexts[j].TaskID })

	var out []models.ReplanDecision
	for _, ec := range contexts {
		decision := Evaluate(m.thresholds, ec)
		if !decision.Replan {
			continue
		}
		decision.EvaluatedAt = now

		m.mu.Lock()
		m.decided[ec.TaskID] = true
		m.mu.Unlock()

		m.publishDecision(decision)
		out = append(out, decision)
	}
	return out
}

// Run sweeps on the given interval until the context ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// HandleAgentRequest validates and applies a request_replan call from a
// working agent. Requests for tasks not under monitoring are rejected.
func (m *Monitor) HandleAgentRequest(taskID string, req AgentRequest) (*models.ReplanDecision, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("replan request for %s has no reason", taskID)
	}

	m.mu.Lock()
	ec, ok := m.watched[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("task %s is not under replan monitoring", taskID)
	}
	ec.AgentFeedback = req.Reason
	if req.ComplexityDetails != "" {
		ec.AgentFeedback += "\ncomplexity: " + req.ComplexityDetails
	}
	if len(req.Blockers) > 0 {
		ec.AgentFeedback += "\nblockers: " + strings.Join(req.Blockers, "; ")
	}
	if len(req.AffectedFiles) > 0 {
		ec.ModifiedFiles = append(ec.ModifiedFiles, req.AffectedFiles...)
	}
	m.watched[taskID] = ec
	m.decided[taskID] = true
	m.mu.Unlock()

	m.publishRequested(taskID)

	decision := Evaluate(m.thresholds, ec)
	decision.EvaluatedAt = time.Now()
	if action := models.ReplanAction(strings.ToLower(req.Suggestion)); validAction(action) {
		decision.Action = action
	}

	m.publishDecision(decision)
	return &decision, nil
}

// AgentHandler adapts HandleAgentRequest to the tool-call signature the
// agent loop expects: raw JSON in, tool result text out.
func (m *Monitor) AgentHandler(taskID string) func(context.Context, json.RawMessage) (string, error) {
	return func(_ context.Context, input json.RawMessage) (string, error) {
		var req AgentRequest
		if err := json.Unmarshal(input, &req); err != nil {
			return "", fmt.Errorf("parse replan request: %w", err)
		}
		decision, err := m.HandleAgentRequest(taskID, req)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Replan request recorded. Recommended action: %s (confidence %.2f). Continue working until instructed otherwise.",
			decision.Action, decision.Confidence), nil
	}
}

func (m *Monitor) publishRequested(taskID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:    bus.ReplanRequested,
		TaskID:  taskID,
		Payload: bus.ReplanPayload{Trigger: models.TriggerAgentRequest},
	})
}

func (m *Monitor) publishDecision(decision models.ReplanDecision) {
	if m.bus == nil {
		return
	}
	d := decision
	m.bus.Publish(bus.Event{
		Kind:    bus.ReplanDecision,
		TaskID:  decision.TaskID,
		Payload: bus.ReplanPayload{Decision: &d},
	})
}

func validAction(a models.ReplanAction) bool {
	switch a {
	case models.ReplanContinue, models.ReplanSplit, models.ReplanReestimate,
		models.ReplanEscalate, models.ReplanAbort:
		return true
	default:
		return false
	}
}
