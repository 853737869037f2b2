package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog/log"
)

// OpenAIProvider implements Provider on any OpenAI-compatible chat
// completions endpoint.
type OpenAIProvider struct {
	client openai.Client
	model  string

	maxTokens   int64
	temperature float64
}

// OpenAIOption configures the provider.
type OpenAIOption func(*OpenAIProvider)

// WithModel sets the model name.
func WithModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.model = model
	}
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int64) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.temperature = t
	}
}

// Default provider configuration.
const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 2048
)

// NewOpenAI creates a provider against the given endpoint. baseURL may be
// empty for the default OpenAI API.
func NewOpenAI(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIProvider {
	reqOpts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if trimmed := strings.TrimRight(baseURL, "/"); trimmed != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(trimmed))
	}

	p := &OpenAIProvider{
		client:      openai.NewClient(reqOpts...),
		model:       DefaultModel,
		maxTokens:   DefaultMaxTokens,
		temperature: 0.3,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate sends a chat completion request and returns the full response.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error) {
	params := p.buildParams(messages, tools)

	start := time.Now()
	completion, err := p.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	msg := completion.Choices[0].Message
	resp := &Response{
		Content:      msg.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		LatencyMs:    latency.Milliseconds(),
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, parseToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}

	log.Debug().
		Str("model", p.model).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Int("tool_calls", len(resp.ToolCalls)).
		Int64("latency_ms", resp.LatencyMs).
		Msg("llm call completed")

	return resp, nil
}

// GenerateStream sends a streaming chat completion request. Text deltas are
// emitted as they arrive; tool calls are accumulated and delivered on the
// final Done event.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, messages []Message, tools []ToolSchema) (<-chan Event, error) {
	params := p.buildParams(messages, tools)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 {
				if delta := chunk.Choices[0].Delta.Content; delta != "" {
					select {
					case events <- Event{Type: EventDelta, Delta: delta}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			events <- Event{Type: EventError, Err: err}
			return
		}

		done := Event{Type: EventDone}
		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				done.ToolCalls = append(done.ToolCalls, parseToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
			}
		}
		events <- done
	}()

	return events, nil
}

// buildParams converts the neutral message/tool types into request params.
func (p *OpenAIProvider) buildParams(messages []Message, tools []ToolSchema) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		MaxCompletionTokens: openai.Int(p.maxTokens),
		Temperature:         openai.Float(p.temperature),
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	for _, t := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}

	return params
}

// parseToolCall decodes a raw tool call, tolerating empty argument bodies.
func parseToolCall(id, name, rawArgs string) ToolCall {
	args := make(map[string]any)
	if raw := strings.TrimSpace(rawArgs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			log.Warn().Str("tool", name).Err(err).Msg("unparseable tool arguments")
		}
	}
	return ToolCall{ID: id, Name: name, Arguments: args}
}
