package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/pkg/models"
)

// defaultMaxIterations bounds the conversation loop when the caller does not.
const defaultMaxIterations = 50

// MaxIterationsError reports a conversation that hit its iteration cap
// without producing a terminal answer.
type MaxIterationsError struct {
	Limit int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("max iterations (%d) reached", e.Limit)
}

// Event reports loop progress: an assistant text block or a tool call.
type Event struct {
	Iteration int
	Tool      string
	Input     json.RawMessage
	Text      string
}

// LoopConfig describes one agent conversation.
type LoopConfig struct {
	Client        llm.Client
	Agent         llm.AgentType
	System        string
	Tools         []llm.Tool
	Executor      *ToolExecutor
	MaxIterations int
	Timeout       time.Duration
	OnEvent       func(Event)
}

// LoopResult is what a finished (or aborted) conversation produced.
type LoopResult struct {
	// Output is the last assistant text block seen.
	Output     string
	Iterations int
	ToolCalls  int
	Usage      models.TokenUsage
}

// runLoop drives the conversation until the model answers without requesting
// a tool, the iteration cap is hit, or the context ends. Cancellation is
// cooperative: it is checked at each iteration boundary, so an in-flight tool
// finishes before the loop stops. The returned LoopResult is never nil, so
// iteration and token counts survive failures.
func runLoop(ctx context.Context, cfg LoopConfig, prompt string) (*LoopResult, error) {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	messages := []llm.Message{llm.UserMessage(prompt)}
	result := &LoopResult{}

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Iterations = i + 1

		resp, err := cfg.Client.Chat(ctx, llm.Request{
			Agent:    cfg.Agent,
			System:   cfg.System,
			Messages: messages,
			Tools:    cfg.Tools,
		})
		if err != nil {
			return result, err
		}
		result.Usage.Add(resp.InputTokens, resp.OutputTokens)

		if resp.Text != "" {
			result.Output = resp.Text
			cfg.emit(Event{Iteration: result.Iterations, Text: resp.Text})
		}

		// A response with no tool calls is the terminal answer.
		if len(resp.ToolCalls) == 0 {
			return result, nil
		}

		messages = append(messages, llm.AssistantMessage(resp.Text, resp.ToolCalls...))

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			cfg.emit(Event{Iteration: result.Iterations, Tool: call.Name, Input: call.Input})
			tr := cfg.Executor.Execute(ctx, call.Name, call.Input)
			result.ToolCalls++
			results = append(results, llm.ToolResult{
				CallID:  call.ID,
				Content: tr.Content,
				IsError: tr.IsError,
			})
		}
		messages = append(messages, llm.ToolResultsMessage(results...))
	}

	return result, &MaxIterationsError{Limit: maxIter}
}

func (cfg LoopConfig) emit(ev Event) {
	if cfg.OnEvent != nil {
		cfg.OnEvent(ev)
	}
}
