package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, provider *scriptProvider, dispatcher *fakeDispatcher, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithSpecialists(catalogSpecialist(), ordersSpecialist()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
		WithHeartbeatInterval(time.Minute),
	}
	return NewOrchestrator(provider, dispatcher, NewMemoryStore(), append(base, opts...)...)
}

func TestGreetingShortCircuits(t *testing.T) {
	provider := newScriptProvider(reply("Hi there! How can I help?"))
	dispatcher := newFakeDispatcher(nil)
	orch := newTestOrchestrator(t, provider, dispatcher)

	stream, err := orch.Submit(context.Background(), "t1", "hello")
	require.NoError(t, err)

	events := drain(stream)
	types := eventTypes(events)

	require.NotEmpty(t, types)
	assert.Equal(t, EventConnectionAck, types[0])
	assert.Equal(t, EventTurnComplete, types[len(types)-1])
	assert.Contains(t, types, EventRoutingDecision)
	assert.Zero(t, dispatcher.callCount(), "greeting must not reach any worker")

	thread, err := orch.Thread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, thread.Turns, 1)
	assert.Equal(t, TurnCompleted, thread.Turns[0].Status)
	assert.Empty(t, thread.Turns[0].ToolCalls)
	assert.Equal(t, "Hi there! How can I help?", thread.Turns[0].FinalMsg)
}

func TestSingleSpecialistSingleToolCall(t *testing.T) {
	provider := newScriptProvider(
		replyToolCall("search_products", map[string]any{"query": "blue kettle"}),
		reply("I found two blue kettles in stock."),
		reply(`{"summary":"Customer wants a blue kettle; two found.","entities":{"products":["blue kettle"]}}`),
	)
	dispatcher := newFakeDispatcher(func(capability, tool string, args map[string]any) (string, error) {
		return `[{"sku":"K-100","name":"blue kettle"}]`, nil
	})
	orch := newTestOrchestrator(t, provider, dispatcher)

	stream, err := orch.Submit(context.Background(), "t1", "find me a blue kettle")
	require.NoError(t, err)
	events := drain(stream)
	types := eventTypes(events)

	assert.Equal(t, EventTurnComplete, types[len(types)-1])
	assert.Contains(t, types, EventToolInvoked)
	assert.Contains(t, types, EventToolResult)
	require.Equal(t, 1, dispatcher.callCount())
	assert.Equal(t, "catalog", dispatcher.calls[0].Capability)
	assert.Equal(t, "search_products", dispatcher.calls[0].Tool)

	thread, err := orch.Thread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, thread.Turns, 1)
	turn := thread.Turns[0]
	assert.Equal(t, TurnCompleted, turn.Status)
	require.Len(t, turn.ToolCalls, 1)
	assert.Contains(t, turn.ToolCalls[0].Result, "K-100")
	assert.Equal(t, []string{"catalog"}, turn.Routing.Capabilities)

	// The terminal payload carries the final message and the tool's data.
	last := events[len(events)-1]
	assert.Equal(t, "I found two blue kettles in stock.", last.Data["message"])
	records, ok := last.Data["tool_calls"].([]ToolCallRecord)
	require.True(t, ok, "terminal payload must carry the tool call records")
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Result, "K-100")
}

func TestHelpRequestHop(t *testing.T) {
	provider := newScriptProvider(
		// catalog hands off to orders with context.
		replyToolCall("request_help", map[string]any{
			"capability": "orders",
			"context":    "customer is asking about order 42",
		}),
		reply("Order 42 ships tomorrow."),
		reply(`{"summary":"Order 42 ships tomorrow.","entities":{}}`),
	)
	dispatcher := newFakeDispatcher(nil)
	orch := newTestOrchestrator(t, provider, dispatcher)

	stream, err := orch.Submit(context.Background(), "t1", "check on that kettle for me")
	require.NoError(t, err)
	events := drain(stream)

	assert.Equal(t, EventTurnComplete, events[len(events)-1].Event)
	assert.Equal(t, "Order 42 ships tomorrow.", events[len(events)-1].Data["message"])

	// The hand-off context must reach the second specialist.
	require.GreaterOrEqual(t, provider.callCount(), 2)
	handoffMsgs := provider.calls[1]
	require.Len(t, handoffMsgs, 2)
	assert.Contains(t, handoffMsgs[1].Content, "order 42")
}

func TestHelpLoopTerminatesInFailed(t *testing.T) {
	// Both specialists always punt to each other.
	provider := newScriptProvider(
		replyToolCall("request_help", map[string]any{"capability": "orders", "context": "a"}),
		replyToolCall("request_help", map[string]any{"capability": "catalog", "context": "b"}),
		replyToolCall("request_help", map[string]any{"capability": "orders", "context": "c"}),
	)
	dispatcher := newFakeDispatcher(nil)
	orch := newTestOrchestrator(t, provider, dispatcher, WithMaxAgentCalls(2))

	stream, err := orch.Submit(context.Background(), "t1", "find me a kettle")
	require.NoError(t, err)
	events := drain(stream)

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Event)

	thread, err := orch.Thread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, thread.Turns, 1)
	assert.Equal(t, TurnFailed, thread.Turns[0].Status)
	assert.Contains(t, thread.Turns[0].Error, ErrMaxAgentCallsExceeded.Error())
}

func TestSameThreadTurnsRunInOrder(t *testing.T) {
	provider := newScriptProvider(
		reply("first answer"),
		reply("second answer"),
	)
	orch := newTestOrchestrator(t, provider, newFakeDispatcher(nil))

	s1, err := orch.Submit(context.Background(), "t1", "hello")
	require.NoError(t, err)
	s2, err := orch.Submit(context.Background(), "t1", "thanks")
	require.NoError(t, err)

	e1 := drain(s1)
	e2 := drain(s2)
	assert.Equal(t, EventTurnComplete, e1[len(e1)-1].Event)
	assert.Equal(t, EventTurnComplete, e2[len(e2)-1].Event)

	thread, err := orch.Thread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, thread.Turns, 2)
	assert.Equal(t, "hello", thread.Turns[0].UserMsg)
	assert.Equal(t, "first answer", thread.Turns[0].FinalMsg)
	assert.Equal(t, "thanks", thread.Turns[1].UserMsg)
	assert.Equal(t, "second answer", thread.Turns[1].FinalMsg)
	assert.False(t, thread.Turns[1].EndedAt.Before(thread.Turns[0].EndedAt))
}

func TestIndependentThreadsRunConcurrently(t *testing.T) {
	provider := newScriptProvider(
		reply("answer one"),
		reply("answer two"),
	)
	orch := newTestOrchestrator(t, provider, newFakeDispatcher(nil))

	s1, err := orch.Submit(context.Background(), "t1", "hello")
	require.NoError(t, err)
	s2, err := orch.Submit(context.Background(), "t2", "hello again")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		drain(s1)
		drain(s2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turns did not complete")
	}
}

func TestCancellationSealsStream(t *testing.T) {
	provider := newScriptProvider(scriptStep{block: true})
	orch := newTestOrchestrator(t, provider, newFakeDispatcher(nil))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := orch.Submit(ctx, "t1", "find me a kettle")
	require.NoError(t, err)

	time.AfterFunc(50*time.Millisecond, cancel)
	events := drain(stream)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Event)
	assert.Equal(t, "turn cancelled", last.Data["message"])

	thread, err := orch.Thread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, thread.Turns, 1)
	assert.Equal(t, TurnCancelled, thread.Turns[0].Status)
}

func TestEmptyMessageRejected(t *testing.T) {
	orch := newTestOrchestrator(t, newScriptProvider(), newFakeDispatcher(nil))

	_, err := orch.Submit(context.Background(), "t1", "   ")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = orch.Submit(context.Background(), "", "hello")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestStickyRoutingAcrossTurns(t *testing.T) {
	provider := newScriptProvider(
		// Turn 1: catalog answers directly.
		reply("We have three kettles."),
		reply(`{"summary":"Kettle talk.","entities":{}}`),
		// Turn 2: ambiguous follow-up resolved by stickiness after the
		// model fallback fails.
		replyErr(MarkFatal(context.DeadlineExceeded)),
		reply("The cheapest is $20."),
		reply(`{"summary":"Cheapest kettle is $20.","entities":{}}`),
	)
	orch := newTestOrchestrator(t, provider, newFakeDispatcher(nil))

	s1, err := orch.Submit(context.Background(), "t1", "show me kettle options")
	require.NoError(t, err)
	drain(s1)

	s2, err := orch.Submit(context.Background(), "t1", "which is cheapest?")
	require.NoError(t, err)
	drain(s2)

	thread, err := orch.Thread(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, thread.Turns, 2)
	assert.Equal(t, []string{"catalog"}, thread.Turns[1].Routing.Capabilities)
	assert.Equal(t, "sticky", thread.Turns[1].Routing.Method)
}
