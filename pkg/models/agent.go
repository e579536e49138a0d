package models

import "time"

// AgentRole identifies the specialization of an agent instance.
type AgentRole string

const (
	// RoleCoder writes and repairs implementation code.
	RoleCoder AgentRole = "coder"
	// RoleTester writes tests without touching implementation files.
	RoleTester AgentRole = "tester"
	// RoleReviewer reads a diff and emits a structured assessment.
	RoleReviewer AgentRole = "reviewer"
	// RoleMerger lands a finished branch on the integration branch.
	RoleMerger AgentRole = "merger"
)

// Valid returns true if the role is a known value.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleCoder, RoleTester, RoleReviewer, RoleMerger:
		return true
	default:
		return false
	}
}

// AgentState represents the current state of an agent instance.
type AgentState string

const (
	// AgentIdle indicates the agent exists but has no task.
	AgentIdle AgentState = "idle"
	// AgentWorking indicates the agent is inside its model loop.
	AgentWorking AgentState = "working"
	// AgentAwaitingTool indicates the agent asked for a tool run
	// and is waiting on its result.
	AgentAwaitingTool AgentState = "awaiting_tool"
	// AgentDone indicates the agent finished its assignment.
	AgentDone AgentState = "done"
	// AgentError indicates the agent aborted with an error.
	AgentError AgentState = "error"
)

// Valid returns true if the state is a known value.
func (s AgentState) Valid() bool {
	switch s {
	case AgentIdle, AgentWorking, AgentAwaitingTool, AgentDone, AgentError:
		return true
	default:
		return false
	}
}

// AgentInstance is one live agent bound to at most one task.
type AgentInstance struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Role is the agent's specialization.
	Role AgentRole `json:"role"`
	// TaskID is the task this agent is assigned to, if any.
	TaskID string `json:"task_id,omitempty"`
	// WorktreeID names the worktree the agent operates in, if any.
	WorktreeID string `json:"worktree_id,omitempty"`
	// State is the current lifecycle state of the agent.
	State AgentState `json:"state"`
	// StartedAt is when the agent began its current assignment.
	StartedAt time.Time `json:"started_at"`
	// Usage accumulates token consumption for this agent.
	Usage TokenUsage `json:"usage"`
}

// TokenUsage counts model tokens consumed by an agent or agent type.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	// Calls is the number of model requests made.
	Calls int64 `json:"calls"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(in, out int64) {
	u.InputTokens += in
	u.OutputTokens += out
	u.Calls++
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}
