package models

import "time"

// ReplanTrigger identifies which signal fired a replan evaluation.
type ReplanTrigger string

const (
	// TriggerTimeExceeded fires when elapsed time outruns the estimate.
	TriggerTimeExceeded ReplanTrigger = "time_exceeded"
	// TriggerIterationsHigh fires when QA iterations burn too fast.
	TriggerIterationsHigh ReplanTrigger = "iterations_high"
	// TriggerScopeCreep fires when the agent touches undeclared files.
	TriggerScopeCreep ReplanTrigger = "scope_creep"
	// TriggerConsecutiveFailures fires on repeated same-stage failures.
	TriggerConsecutiveFailures ReplanTrigger = "consecutive_failures"
	// TriggerComplexity fires on complexity markers in recent errors.
	TriggerComplexity ReplanTrigger = "complexity"
	// TriggerAgentRequest fires when the working agent asks for a replan.
	TriggerAgentRequest ReplanTrigger = "agent_request"
)

// ReplanAction is the replanner's recommendation for a triggered task.
type ReplanAction string

const (
	// ReplanContinue recommends leaving the task alone.
	ReplanContinue ReplanAction = "continue"
	// ReplanSplit recommends decomposing the task into smaller ones.
	ReplanSplit ReplanAction = "split"
	// ReplanReestimate recommends revising the estimate upward.
	ReplanReestimate ReplanAction = "reestimate"
	// ReplanEscalate recommends raising a human review.
	ReplanEscalate ReplanAction = "escalate"
	// ReplanAbort recommends cancelling the task outright.
	ReplanAbort ReplanAction = "abort"
)

// ExecutionContext is the replanner's view of one in-flight task.
type ExecutionContext struct {
	// TaskID identifies the task under observation.
	TaskID string `json:"task_id"`
	// EstimatedMinutes is the task's current estimate.
	EstimatedMinutes int `json:"estimated_minutes"`
	// Elapsed is wall-clock time since the task started.
	Elapsed time.Duration `json:"elapsed"`
	// Iteration is the QA iteration the task is on.
	Iteration int `json:"iteration"`
	// MaxIterations is the QA loop's iteration cap.
	MaxIterations int `json:"max_iterations"`
	// ExpectedFiles is the task's declared file set.
	ExpectedFiles []string `json:"expected_files,omitempty"`
	// ModifiedFiles is what the agent actually touched so far.
	ModifiedFiles []string `json:"modified_files,omitempty"`
	// RecentErrors holds the latest blocking findings as text.
	RecentErrors []string `json:"recent_errors,omitempty"`
	// ConsecutiveFailures counts back-to-back failures of the same stage.
	ConsecutiveFailures int `json:"consecutive_failures"`
	// AgentFeedback carries a replan request message from the agent, if any.
	AgentFeedback string `json:"agent_feedback,omitempty"`
}

// ReplanSignal is one trigger's contribution to a replan decision.
type ReplanSignal struct {
	// Trigger identifies the signal source.
	Trigger ReplanTrigger `json:"trigger"`
	// Confidence is the signal's own certainty in [0, 1].
	Confidence float64 `json:"confidence"`
	// Reason explains the signal in one line.
	Reason string `json:"reason"`
}

// ReplanDecision is the aggregated outcome of a replan evaluation.
type ReplanDecision struct {
	// TaskID identifies the evaluated task.
	TaskID string `json:"task_id"`
	// Replan is true when any signal fired.
	Replan bool `json:"replan"`
	// Confidence is the aggregated certainty in [0, 0.95].
	Confidence float64 `json:"confidence"`
	// Action is the recommended response.
	Action ReplanAction `json:"action"`
	// Signals lists every trigger that fired, strongest first.
	Signals []ReplanSignal `json:"signals,omitempty"`
	// EvaluatedAt is when the decision was computed.
	EvaluatedAt time.Time `json:"evaluated_at"`
}
