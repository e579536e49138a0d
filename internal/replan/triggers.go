// Package replan watches in-flight tasks and decides when the plan needs
// revision. It only ever produces decisions; acting on them (splitting,
// re-estimating, cancelling) is the coordinator's job, so policy stays
// separate from mechanism.
package replan

import (
	"fmt"
	"strings"

	"github.com/nexusdev/nexus/pkg/models"
)

// Thresholds tunes when each trigger fires. The zero value is not
// usable; start from DefaultThresholds.
type Thresholds struct {
	// TimeRatio fires time_exceeded when elapsed/estimated exceeds it.
	// Exactly at the ratio does not fire; strictly greater does.
	TimeRatio float64
	// IterationRatio fires iterations_high when iteration/max exceeds it.
	IterationRatio float64
	// ScopeCreepFiles fires scope_creep when more than this many
	// modified files fall outside the declared set.
	ScopeCreepFiles int
	// ConsecutiveFailures fires consecutive_failures when more than
	// this many iterations failed back to back.
	ConsecutiveFailures int
	// ComplexityKeywords are matched, lowercase, against recent errors
	// and agent feedback.
	ComplexityKeywords []string
}

// DefaultThresholds returns the stock trigger configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TimeRatio:           1.5,
		IterationRatio:      0.4,
		ScopeCreepFiles:     3,
		ConsecutiveFailures: 5,
		ComplexityKeywords: []string{
			"circular dependency",
			"race condition",
			"deadlock",
			"migration",
			"breaking change",
			"architecture",
			"ambiguous",
			"conflicting requirements",
		},
	}
}

// trigger evaluates one signal against a task's execution context. A
// returned false means the trigger did not fire. Evaluators are pure:
// the same context always yields the same signal.
type trigger func(Thresholds, models.ExecutionContext) (models.ReplanSignal, bool)

// triggers lists every evaluator in a fixed order so aggregation is
// deterministic.
var triggers = []trigger{
	timeExceeded,
	iterationsHigh,
	scopeCreep,
	consecutiveFailures,
	complexity,
	agentRequest,
}

func timeExceeded(th Thresholds, ec models.ExecutionContext) (models.ReplanSignal, bool) {
	if ec.EstimatedMinutes <= 0 || th.TimeRatio <= 0 {
		return models.ReplanSignal{}, false
	}
	ratio := ec.Elapsed.Minutes() / float64(ec.EstimatedMinutes)
	if ratio <= th.TimeRatio {
		return models.ReplanSignal{}, false
	}

	// Just over the threshold starts at 0.5; double the threshold and
	// beyond saturates.
	overshoot := ratio/th.TimeRatio - 1
	return models.ReplanSignal{
		Trigger:    models.TriggerTimeExceeded,
		Confidence: clamp01(0.5 + overshoot*0.5),
		Reason:     fmt.Sprintf("elapsed %.0fm is %.1fx the %dm estimate", ec.Elapsed.Minutes(), ratio, ec.EstimatedMinutes),
	}, true
}

func iterationsHigh(th Thresholds, ec models.ExecutionContext) (models.ReplanSignal, bool) {
	if ec.MaxIterations <= 0 || th.IterationRatio <= 0 {
		return models.ReplanSignal{}, false
	}
	frac := float64(ec.Iteration) / float64(ec.MaxIterations)
	if frac <= th.IterationRatio {
		return models.ReplanSignal{}, false
	}

	return models.ReplanSignal{
		Trigger:    models.TriggerIterationsHigh,
		Confidence: clamp01(frac),
		Reason:     fmt.Sprintf("iteration %d of %d consumed", ec.Iteration, ec.MaxIterations),
	}, true
}

func scopeCreep(th Thresholds, ec models.ExecutionContext) (models.ReplanSignal, bool) {
	if th.ScopeCreepFiles <= 0 || len(ec.ExpectedFiles) == 0 {
		return models.ReplanSignal{}, false
	}

	expected := make(map[string]bool, len(ec.ExpectedFiles))
	for _, f := range ec.ExpectedFiles {
		expected[f] = true
	}
	extra := 0
	for _, f := range ec.ModifiedFiles {
		if !expected[f] {
			extra++
		}
	}
	if extra <= th.ScopeCreepFiles {
		return models.ReplanSignal{}, false
	}

	return models.ReplanSignal{
		Trigger:    models.TriggerScopeCreep,
		Confidence: clamp01(float64(extra) / float64(th.ScopeCreepFiles*2)),
		Reason:     fmt.Sprintf("%d modified files outside the declared set of %d", extra, len(ec.ExpectedFiles)),
	}, true
}

func consecutiveFailures(th Thresholds, ec models.ExecutionContext) (models.ReplanSignal, bool) {
	if th.ConsecutiveFailures <= 0 || ec.ConsecutiveFailures <= th.ConsecutiveFailures {
		return models.ReplanSignal{}, false
	}

	return models.ReplanSignal{
		Trigger:    models.TriggerConsecutiveFailures,
		Confidence: clamp01(float64(ec.ConsecutiveFailures) / float64(th.ConsecutiveFailures*2)),
		Reason:     fmt.Sprintf("%d consecutive failing iterations", ec.ConsecutiveFailures),
	}, true
}

func complexity(th Thresholds, ec models.ExecutionContext) (models.ReplanSignal, bool) {
	if len(th.ComplexityKeywords) == 0 {
		return models.ReplanSignal{}, false
	}

	text := strings.ToLower(strings.Join(ec.RecentErrors, "\n") + "\n" + ec.AgentFeedback)
	var hits []string
	for _, kw := range th.ComplexityKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			hits = append(hits, kw)
		}
	}
	if len(hits) == 0 {
		return models.ReplanSignal{}, false
	}

	return models.ReplanSignal{
		Trigger:    models.TriggerComplexity,
		Confidence: clamp01(0.5 + 0.1*float64(len(hits))),
		Reason:     "complexity markers: " + strings.Join(hits, ", "),
	}, true
}

func agentRequest(_ Thresholds, ec models.ExecutionContext) (models.ReplanSignal, bool) {
	if ec.AgentFeedback == "" {
		return models.ReplanSignal{}, false
	}

	// The working agent has context no heuristic sees; trust it highly.
	return models.ReplanSignal{
		Trigger:    models.TriggerAgentRequest,
		Confidence: 0.9,
		Reason:     ec.AgentFeedback,
	}, true
}

// actionFor maps the strongest trigger onto the recommended response.
func actionFor(t models.ReplanTrigger) models.ReplanAction {
	switch t {
	case models.TriggerTimeExceeded:
		return models.ReplanReestimate
	case models.TriggerIterationsHigh:
		return models.ReplanSplit
	case models.TriggerScopeCreep:
		return models.ReplanSplit
	case models.TriggerConsecutiveFailures:
		return models.ReplanEscalate
	case models.TriggerComplexity:
		return models.ReplanSplit
	case models.TriggerAgentRequest:
		return models.ReplanSplit
	default:
		return models.ReplanContinue
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
