package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// defaultMaxTokens caps response length when the request does not say.
const defaultMaxTokens = 8192

// Config contains configuration for creating an Anthropic client.
type Config struct {
	// Model is the Claude model to use. Empty selects the default Sonnet.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens caps response length per call. 0 selects the default.
	MaxTokens int
	// Retry overrides the retry policy. Zero fields fall back to defaults.
	Retry RetryPolicy
}

// Anthropic is a Client backed by the Anthropic Messages API.
type Anthropic struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	retry     RetryPolicy
	usage     *UsageTracker

	// call performs one API round trip. Swappable in tests.
	call func(ctx context.Context, params anthropic.MessageNewParams) (*Response, error)
	// sleep, when set, replaces the backoff wait. Tests use it to record
	// waits instead of taking them.
	sleep func(d time.Duration)
}

// NewAnthropic creates a new Anthropic-backed client.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		// AWS Bedrock path
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		// Traditional API key path
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	a := &Anthropic{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		retry:     cfg.Retry.normalized(),
		usage:     NewUsageTracker(),
	}
	a.call = a.doCall
	return a, nil
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock
// inference profile format: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}

	// Not in map: might already be Bedrock format or a custom model.
	return model
}

// Model returns the configured model name.
func (a *Anthropic) Model() anthropic.Model {
	return a.model
}

// Usage returns the per-agent-type usage tracker.
func (a *Anthropic) Usage() *UsageTracker {
	return a.usage
}

// Chat sends one request, retrying transient failures per the retry policy.
// Rate-limit waits honor the provider's Retry-After when it exceeds the
// computed backoff.
func (a *Anthropic) Chat(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)

	var last *ProviderError
	for attempt := 1; attempt <= a.retry.MaxAttempts; attempt++ {
		resp, err := a.call(ctx, params)
		if err == nil {
			a.usage.Add(req.Agent, resp.InputTokens, resp.OutputTokens)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		last = Classify(err)
		if !last.Retryable() {
			return nil, last
		}
		if attempt == a.retry.MaxAttempts {
			break
		}

		wait := a.retry.Backoff(attempt)
		if last.RetryAfter > wait {
			wait = last.RetryAfter
		}
		if err := a.waitBackoff(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Attempts: a.retry.MaxAttempts, Err: last}
}

// CountTokens estimates the token count of text. The Messages API has no
// local tokenizer, so this uses the common ~4 chars per token heuristic;
// callers use it for prompt budgeting, not billing.
func (a *Anthropic) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func (a *Anthropic) doCall(ctx context.Context, params anthropic.MessageNewParams) (*Response, error) {
	msg, err := a.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return convertResponse(msg), nil
}

func (a *Anthropic) waitBackoff(ctx context.Context, d time.Duration) error {
	if a.sleep != nil {
		a.sleep(d)
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (a *Anthropic) buildParams(req Request) anthropic.MessageNewParams {
	model := a.model
	if req.Model != "" {
		model = a.translate(anthropic.Model(req.Model))
	}

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params
}

// translate maps a per-request model override to Bedrock format when this
// client is routed through Bedrock.
func (a *Anthropic) translate(model anthropic.Model) anthropic.Model {
	if strings.HasPrefix(string(a.model), "us.anthropic") {
		return translateModelForBedrock(model)
	}
	return model
}

func convertMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, call := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Input, call.Name))
		}
		for _, res := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(res.CallID, res.Content, res.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func convertTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Properties,
					Required:   t.Required,
				},
			},
		})
	}
	return out
}

func convertResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += variant.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: variant.Input,
			})
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		resp.FinishReason = FinishToolUse
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = FinishMaxTokens
	default:
		resp.FinishReason = FinishEndTurn
	}
	return resp
}

var _ Client = (*Anthropic)(nil)
