// Package llm provides the model client used by all agents. It wraps the
// Anthropic Messages API with retry, error classification, and per-agent-type
// token accounting, behind a small interface the rest of the system consumes.
package llm

import (
	"context"
	"encoding/json"
)

// AgentType identifies which consumer of the client made a call, for usage
// accounting. It is deliberately wider than the agent roles: the planner is
// not a pooled agent but still burns tokens.
type AgentType string

const (
	// AgentCoder is the implementation-writing agent.
	AgentCoder AgentType = "coder"
	// AgentTester is the test-writing agent.
	AgentTester AgentType = "tester"
	// AgentReviewer is the code-review agent.
	AgentReviewer AgentType = "reviewer"
	// AgentMerger is the branch-landing agent.
	AgentMerger AgentType = "merger"
	// AgentPlanner covers decomposition and replanning calls.
	AgentPlanner AgentType = "planner"
)

// Role is the conversational role of a message.
type Role string

const (
	// RoleUser marks messages sent to the model, including tool results.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the model.
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. A user message carries Text or
// ToolResults; an assistant message carries Text and/or ToolCalls.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// UserMessage returns a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage returns an assistant message echoing the model's text and
// tool calls, for appending to the conversation history.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Text: text, ToolCalls: calls}
}

// ToolResultsMessage returns a user message carrying tool results back to
// the model.
func ToolResultsMessage(results ...ToolResult) Message {
	return Message{Role: RoleUser, ToolResults: results}
}

// Tool describes one tool the model may call. Properties and Required follow
// JSON Schema object conventions.
type Tool struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	// ID correlates the call with its result.
	ID string
	// Name is the tool to run.
	Name string
	// Input is the raw JSON arguments.
	Input json.RawMessage
}

// ToolResult is the outcome of one tool call, sent back to the model.
type ToolResult struct {
	// CallID is the ID of the ToolCall this answers.
	CallID string
	// Content is the tool output, or an error description.
	Content string
	// IsError marks the result as a failure.
	IsError bool
}

// Request is one chat call.
type Request struct {
	// Agent attributes the call for usage accounting.
	Agent AgentType
	// System is the system prompt. Empty means none.
	System string
	// Messages is the conversation so far, oldest first.
	Messages []Message
	// Tools the model may call on this turn.
	Tools []Tool
	// MaxTokens caps the response length. 0 uses the client default.
	MaxTokens int
	// Model overrides the client's configured model. Empty uses the default.
	Model string
}

// FinishReason says why the model stopped generating.
type FinishReason string

const (
	// FinishEndTurn means the model completed its answer.
	FinishEndTurn FinishReason = "end_turn"
	// FinishToolUse means the model stopped to wait for tool results.
	FinishToolUse FinishReason = "tool_use"
	// FinishMaxTokens means the response was truncated at the token cap.
	FinishMaxTokens FinishReason = "max_tokens"
)

// Response is the model's reply to one Request.
type Response struct {
	// Text is the concatenated text content.
	Text string
	// ToolCalls lists tools the model wants run, in order.
	ToolCalls []ToolCall
	// FinishReason says why generation stopped.
	FinishReason FinishReason
	// InputTokens and OutputTokens are this call's usage.
	InputTokens  int64
	OutputTokens int64
}

// Client is the surface agents program against. Chat retries transient
// provider failures internally; callers see either a response or a
// classified *ProviderError (wrapped in *ExhaustedError when retries ran
// out).
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
	CountTokens(text string) int
}
