// Package llm provides the inference provider boundary.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the endpoint answers with no choices.
var ErrEmptyCompletion = errors.New("empty completion")

// Provider is the interface for language model backends.
type Provider interface {
	// Generate sends a request and returns the complete response.
	Generate(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error)

	// GenerateStream sends a request and returns a channel of streaming
	// events. The channel is closed after the final event.
	GenerateStream(ctx context.Context, messages []Message, tools []ToolSchema) (<-chan Event, error)
}

// Message represents a conversation message.
type Message struct {
	Role    Role
	Content string
}

// Role identifies the message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Response is the result of a Generate call.
type Response struct {
	// Content is the text response.
	Content string

	// ToolCalls are any tool calls the model wants to make.
	ToolCalls []ToolCall

	// Token counts for accounting.
	InputTokens  int
	OutputTokens int

	// LatencyMs is wall time for the call.
	LatencyMs int64
}

// ToolCall is a structured tool call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Event is one streaming generation event.
type Event struct {
	Type  EventType
	Delta string
	// ToolCalls is populated on the final Done event when the model
	// requested tools instead of (or in addition to) text.
	ToolCalls []ToolCall
	Err       error
}

// EventType categorizes streaming events.
type EventType string

const (
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// ToolSchema describes a tool visible to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}
