package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/coppicelabs/relay/llm"
	"github.com/coppicelabs/relay/toolproc"
)

// scriptProvider replays a fixed sequence of responses. Each Generate or
// GenerateStream call consumes one step.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	calls [][]llm.Message
}

type scriptStep struct {
	resp  *llm.Response
	err   error
	block bool // wait for ctx cancellation instead of answering
}

func reply(content string) scriptStep {
	return scriptStep{resp: &llm.Response{Content: content}}
}

func replyToolCall(name string, args map[string]any) scriptStep {
	return scriptStep{resp: &llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "call-1", Name: name, Arguments: args}},
	}}
}

func replyErr(err error) scriptStep {
	return scriptStep{err: err}
}

func newScriptProvider(steps ...scriptStep) *scriptProvider {
	return &scriptProvider{steps: steps}
}

func (p *scriptProvider) next(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, messages)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("script exhausted after %d calls", len(p.calls))
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()

	if step.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

func (p *scriptProvider) Generate(ctx context.Context, messages []llm.Message, _ []llm.ToolSchema) (*llm.Response, error) {
	return p.next(ctx, messages)
}

func (p *scriptProvider) GenerateStream(ctx context.Context, messages []llm.Message, _ []llm.ToolSchema) (<-chan llm.Event, error) {
	resp, err := p.next(ctx, messages)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Event, 4)
	go func() {
		defer close(ch)
		// Two deltas so consumers see real chunking.
		half := len(resp.Content) / 2
		if half > 0 {
			ch <- llm.Event{Type: llm.EventDelta, Delta: resp.Content[:half]}
		}
		ch <- llm.Event{Type: llm.EventDelta, Delta: resp.Content[half:]}
		ch <- llm.Event{Type: llm.EventDone, ToolCalls: resp.ToolCalls}
	}()
	return ch, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// fakeDispatcher is an in-process ToolDispatcher with canned tools.
type fakeDispatcher struct {
	mu    sync.Mutex
	tools map[string][]toolproc.ToolInfo
	// handler decides each call's result.
	handler func(capability, tool string, args map[string]any) (string, error)
	calls   []fakeCall
}

type fakeCall struct {
	Capability string
	Tool       string
	Args       map[string]any
}

func newFakeDispatcher(handler func(capability, tool string, args map[string]any) (string, error)) *fakeDispatcher {
	return &fakeDispatcher{
		tools: map[string][]toolproc.ToolInfo{
			"catalog": {{Name: "search_products", Description: "Search the product catalog"}},
			"orders":  {{Name: "lookup_order", Description: "Look up an order by id"}},
		},
		handler: handler,
	}
}

func (d *fakeDispatcher) Call(_ context.Context, capability, tool string, args map[string]any) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, fakeCall{capability, tool, args})
	d.mu.Unlock()
	if d.handler == nil {
		return "ok", nil
	}
	return d.handler(capability, tool, args)
}

func (d *fakeDispatcher) Tools(capability string) ([]toolproc.ToolInfo, error) {
	tools, ok := d.tools[capability]
	if !ok {
		return nil, fmt.Errorf("capability %s: %w", capability, toolproc.ErrCapabilityNotFound)
	}
	return tools, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func catalogSpecialist() *Specialist {
	return &Specialist{
		Capability:  "catalog",
		Description: "product search kettle catalog",
		Prompt:      "You help customers find products.",
	}
}

func ordersSpecialist() *Specialist {
	return &Specialist{
		Capability:  "orders",
		Description: "order shipping tracking refund",
		Prompt:      "You help customers with their orders.",
	}
}

func drain(stream *TurnStream) []StreamEvent {
	var events []StreamEvent
	for ev := range stream.Events() {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []StreamEvent) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		if ev.Event == EventHeartbeat {
			continue
		}
		out = append(out, ev.Event)
	}
	return out
}
