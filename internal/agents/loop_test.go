package agents

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nexusdev/nexus/internal/llm"
	"github.com/nexusdev/nexus/internal/procrun"
)

// fakeClient replays scripted responses. When the script runs out the last
// response repeats, which keeps iteration-cap tests short.
type fakeClient struct {
	responses []*llm.Response
	errs      []error
	calls     int
	requests  []llm.Request
	onChat    func()
}

func (f *fakeClient) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.requests = append(f.requests, req)
	i := f.calls
	f.calls++
	if f.onChat != nil {
		f.onChat()
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func (f *fakeClient) CountTokens(text string) int { return (len(text) + 3) / 4 }

func textResponse(text string, in, out int64) *llm.Response {
	return &llm.Response{
		Text:         text,
		FinishReason: llm.FinishEndTurn,
		InputTokens:  in,
		OutputTokens: out,
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{
		ToolCalls:    calls,
		FinishReason: llm.FinishToolUse,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func loopConfig(t *testing.T, client llm.Client) (LoopConfig, string) {
	t.Helper()
	dir := t.TempDir()
	return LoopConfig{
		Client:   client,
		Agent:    llm.AgentCoder,
		System:   "test system prompt",
		Tools:    fileTools(),
		Executor: NewToolExecutor(dir, procrun.NewRunner(nil)),
	}, dir
}

func TestRunLoop_TerminalOnFirstResponse(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{textResponse("all done", 100, 40)}}
	cfg, _ := loopConfig(t, client)

	res, err := runLoop(context.Background(), cfg, "do the thing")
	if err != nil {
		t.Fatalf("runLoop() error = %v", err)
	}
	if res.Output != "all done" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.ToolCalls != 0 {
		t.Errorf("ToolCalls = %d, want 0", res.ToolCalls)
	}
	if res.Usage.InputTokens != 100 || res.Usage.OutputTokens != 40 {
		t.Errorf("Usage = %+v", res.Usage)
	}
}

func TestRunLoop_ExecutesToolCalls(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		toolResponse(llm.ToolCall{
			ID:    "call-1",
			Name:  toolWrite,
			Input: json.RawMessage(`{"file_path":"out.txt","content":"written by agent"}`),
		}),
		textResponse("wrote the file", 20, 10),
	}}
	cfg, dir := loopConfig(t, client)

	res, err := runLoop(context.Background(), cfg, "write a file")
	if err != nil {
		t.Fatalf("runLoop() error = %v", err)
	}
	if res.Usage.Calls != 2 {
		t.Errorf("Usage.Calls = %d, want 2", res.Usage.Calls)
	}
	if res.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", res.ToolCalls)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("tool did not write file: %v", err)
	}
	if string(data) != "written by agent" {
		t.Errorf("file content = %q", data)
	}

	// The second request must carry the assistant turn and the tool result.
	second := client.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("second request has %d messages, want 3", len(second.Messages))
	}
	if len(second.Messages[1].ToolCalls) != 1 {
		t.Errorf("assistant message missing tool call")
	}
	tr := second.Messages[2].ToolResults
	if len(tr) != 1 || tr[0].CallID != "call-1" {
		t.Errorf("tool results = %+v", tr)
	}
	if tr[0].IsError {
		t.Errorf("tool result flagged as error: %s", tr[0].Content)
	}
}

func TestRunLoop_MaxIterations(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		toolResponse(llm.ToolCall{
			ID:    "call-x",
			Name:  toolListDir,
			Input: json.RawMessage(`{"path":"."}`),
		}),
	}}
	cfg, _ := loopConfig(t, client)
	cfg.MaxIterations = 3

	res, err := runLoop(context.Background(), cfg, "never finishes")
	var maxErr *MaxIterationsError
	if !errors.As(err, &maxErr) {
		t.Fatalf("error type = %T (%v), want *MaxIterationsError", err, err)
	}
	if maxErr.Limit != 3 {
		t.Errorf("Limit = %d, want 3", maxErr.Limit)
	}
	if res.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", res.Iterations)
	}
	if client.calls != 3 {
		t.Errorf("client calls = %d, want 3", client.calls)
	}
}

func TestRunLoop_DefaultMaxIterations(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		toolResponse(llm.ToolCall{
			ID:    "call-x",
			Name:  toolListDir,
			Input: json.RawMessage(`{"path":"."}`),
		}),
	}}
	cfg, _ := loopConfig(t, client)

	_, err := runLoop(context.Background(), cfg, "never finishes")
	var maxErr *MaxIterationsError
	if !errors.As(err, &maxErr) {
		t.Fatalf("error type = %T, want *MaxIterationsError", err)
	}
	if maxErr.Limit != defaultMaxIterations {
		t.Errorf("Limit = %d, want %d", maxErr.Limit, defaultMaxIterations)
	}
}

func TestRunLoop_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{responses: []*llm.Response{textResponse("unused", 1, 1)}}
	cfg, _ := loopConfig(t, client)

	res, err := runLoop(ctx, cfg, "prompt")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if client.calls != 0 {
		t.Errorf("client called %d times after cancellation", client.calls)
	}
	if res == nil {
		t.Fatal("result should be non-nil even on cancellation")
	}
}

func TestRunLoop_CanceledAtIterationBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client := &fakeClient{
		responses: []*llm.Response{
			toolResponse(llm.ToolCall{
				ID:    "call-1",
				Name:  toolListDir,
				Input: json.RawMessage(`{"path":"."}`),
			}),
		},
	}
	// Cancel while the first call is in flight; the loop should finish the
	// iteration (tool included) and stop at the next boundary.
	client.onChat = cancel
	cfg, _ := loopConfig(t, client)

	res, err := runLoop(ctx, cfg, "prompt")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if client.calls != 1 {
		t.Errorf("client calls = %d, want 1", client.calls)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1 (in-flight tool should finish)", res.ToolCalls)
	}
}

func TestRunLoop_ChatErrorPropagates(t *testing.T) {
	boom := errors.New("provider exploded")
	client := &fakeClient{errs: []error{boom}, responses: []*llm.Response{textResponse("x", 1, 1)}}
	cfg, _ := loopConfig(t, client)

	res, err := runLoop(context.Background(), cfg, "prompt")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped provider error", err)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
}

func TestRunLoop_UsageAccumulates(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		toolResponse(llm.ToolCall{
			ID:    "call-1",
			Name:  toolListDir,
			Input: json.RawMessage(`{"path":"."}`),
		}),
		textResponse("done", 200, 80),
	}}
	cfg, _ := loopConfig(t, client)

	res, err := runLoop(context.Background(), cfg, "prompt")
	if err != nil {
		t.Fatalf("runLoop() error = %v", err)
	}
	if res.Usage.InputTokens != 210 {
		t.Errorf("InputTokens = %d, want 210", res.Usage.InputTokens)
	}
	if res.Usage.OutputTokens != 85 {
		t.Errorf("OutputTokens = %d, want 85", res.Usage.OutputTokens)
	}
	if res.Usage.Calls != 2 {
		t.Errorf("Calls = %d, want 2", res.Usage.Calls)
	}
}

func TestRunLoop_EmitsEvents(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		toolResponse(llm.ToolCall{
			ID:    "call-1",
			Name:  toolListDir,
			Input: json.RawMessage(`{"path":"."}`),
		}),
		textResponse("done", 1, 1),
	}}
	cfg, _ := loopConfig(t, client)

	var events []Event
	cfg.OnEvent = func(ev Event) { events = append(events, ev) }

	if _, err := runLoop(context.Background(), cfg, "prompt"); err != nil {
		t.Fatalf("runLoop() error = %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Tool != toolListDir || events[0].Iteration != 1 {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Text != "done" || events[1].Iteration != 2 {
		t.Errorf("second event = %+v", events[1])
	}
}
