package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/coppicelabs/relay/llm"
	"github.com/coppicelabs/relay/toolproc"
)

// DefaultMaxAgentCalls bounds cross-agent help hops within one turn.
const DefaultMaxAgentCalls = 3

// synthesizeInstruction drives the final-answer call when several
// specialists contributed to the same turn.
const synthesizeInstruction = `You compose the final reply to the user from the specialist results below.
Write one coherent answer. Do not mention specialists, tools, or internal steps.`

// smallTalkPrompt handles turns that route to no specialist.
const smallTalkPrompt = `You are a friendly shopping assistant. Reply briefly and naturally.`

// ToolDispatcher is the slice of the worker manager the orchestration core
// needs: tool discovery and invocation by capability. *toolproc.Manager
// satisfies it.
type ToolDispatcher interface {
	Call(ctx context.Context, capability, tool string, args map[string]any) (string, error)
	Tools(capability string) ([]toolproc.ToolInfo, error)
}

// Orchestrator routes turns to specialists, drives the per-turn state
// machine, and streams progress to the client. One Orchestrator serves many
// threads; turns within a thread run strictly in order.
type Orchestrator struct {
	provider llm.Provider
	tools    ToolDispatcher
	store    Store

	specialists map[string]*Specialist
	ordered     []*Specialist

	router     *Router
	compressor *Compressor

	retry          RetryPolicy
	maxAgentCalls  int
	stickyMargin   float64
	summaryBudget  int
	heartbeatEvery time.Duration

	mu      sync.Mutex
	threads map[string]*threadState
}

// threadState is the orchestrator's per-thread bookkeeping. Queued turns
// run strictly in submission order; the state field is the in-flight turn's
// machine state.
type threadState struct {
	mu             sync.Mutex
	pending        []queuedTurn
	running        bool
	thread         *Thread
	loaded         bool
	lastCapability string
	state          State
}

// queuedTurn is one accepted turn waiting its thread's queue.
type queuedTurn struct {
	ctx    context.Context
	turn   *Turn
	stream *TurnStream
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSpecialists registers the specialist agents, in routing catalog order.
func WithSpecialists(specs ...*Specialist) Option {
	return func(o *Orchestrator) {
		for _, s := range specs {
			o.specialists[s.Capability] = s
			o.ordered = append(o.ordered, s)
		}
	}
}

// WithMaxAgentCalls bounds help-request hops per turn.
func WithMaxAgentCalls(n int) Option {
	return func(o *Orchestrator) { o.maxAgentCalls = n }
}

// WithRetryPolicy sets the policy used for model and tool calls.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithStickyMargin sets the routing tie-break margin.
func WithStickyMargin(m float64) Option {
	return func(o *Orchestrator) { o.stickyMargin = m }
}

// WithSummaryBudget caps the compressed summary length in characters.
func WithSummaryBudget(n int) Option {
	return func(o *Orchestrator) { o.summaryBudget = n }
}

// WithHeartbeatInterval sets the idle window before stream heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.heartbeatEvery = d }
}

// NewOrchestrator wires the orchestration core. store may be nil, in which
// case turns live only in memory.
func NewOrchestrator(provider llm.Provider, tools ToolDispatcher, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:       provider,
		tools:          tools,
		store:          store,
		specialists:    make(map[string]*Specialist),
		retry:          DefaultRetryPolicy,
		maxAgentCalls:  DefaultMaxAgentCalls,
		heartbeatEvery: DefaultHeartbeatInterval,
		threads:        make(map[string]*threadState),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}

	o.router = NewRouter(provider, o.ordered, o.stickyMargin, o.retry)
	o.compressor = NewCompressor(provider, o.summaryBudget, o.retry)
	return o
}

// Submit accepts a user message for a thread and returns the turn's event
// stream immediately. If the thread already has a turn in flight, the new
// turn queues behind it; their streams never interleave sequence numbers
// because each turn owns its own stream. Cancelling ctx cancels the turn.
func (o *Orchestrator) Submit(ctx context.Context, threadID, message string) (*TurnStream, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("empty message: %w", ErrInvalidInput)
	}
	if threadID == "" {
		return nil, fmt.Errorf("empty thread id: %w", ErrInvalidInput)
	}

	turn := &Turn{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		UserMsg:   message,
		Status:    TurnPending,
		StartedAt: time.Now(),
	}
	stream := newTurnStream(turn.ID, o.heartbeatEvery)

	ts := o.threadState(threadID)
	ts.mu.Lock()
	ts.pending = append(ts.pending, queuedTurn{ctx: ctx, turn: turn, stream: stream})
	if !ts.running {
		ts.running = true
		go o.runLoop(ts)
	}
	ts.mu.Unlock()

	return stream, nil
}

// runLoop drains a thread's queue one turn at a time, in submission order.
func (o *Orchestrator) runLoop(ts *threadState) {
	for {
		ts.mu.Lock()
		if len(ts.pending) == 0 {
			ts.running = false
			ts.mu.Unlock()
			return
		}
		item := ts.pending[0]
		ts.pending = ts.pending[1:]
		ts.mu.Unlock()

		o.runTurn(item.ctx, ts, item.turn, item.stream)
	}
}

// Thread returns a snapshot of a thread's persisted state.
func (o *Orchestrator) Thread(ctx context.Context, threadID string) (*Thread, error) {
	return o.store.LoadThread(ctx, threadID)
}

// State reports the machine state of the thread's in-flight turn, or
// StateIdle when nothing is running.
func (o *Orchestrator) State(threadID string) State {
	o.mu.Lock()
	ts, ok := o.threads[threadID]
	o.mu.Unlock()
	if !ok {
		return StateIdle
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state == "" {
		return StateIdle
	}
	return ts.state
}

func (o *Orchestrator) threadState(threadID string) *threadState {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts, ok := o.threads[threadID]
	if !ok {
		ts = &threadState{}
		o.threads[threadID] = ts
	}
	return ts
}

// runTurn drives one turn through the state machine. It always seals the
// stream with exactly one terminal event and checkpoints the turn, whatever
// path it takes.
func (o *Orchestrator) runTurn(ctx context.Context, ts *threadState, turn *Turn, stream *TurnStream) {
	logger := log.With().
		Str("thread_id", turn.ThreadID).
		Str("turn_id", turn.ID).
		Logger()

	turn.Status = TurnRunning
	err := o.advance(ctx, ts, turn, stream)
	turn.EndedAt = time.Now()

	switch {
	case err == nil:
		turn.Status = TurnCompleted
		o.setState(ts, StateCompleted)
	case ClassifyError(err) == ErrClassCancelled:
		turn.Status = TurnCancelled
		turn.Error = err.Error()
		o.setState(ts, StateFailed)
	default:
		turn.Status = TurnFailed
		turn.Error = err.Error()
		o.setState(ts, StateFailed)
	}

	// Checkpoint before the terminal event so a client that reacts to
	// turn-complete reads persisted state.
	o.checkpoint(turn)

	switch turn.Status {
	case TurnCompleted:
		stream.complete(map[string]any{
			"message":    turn.FinalMsg,
			"tool_calls": turn.ToolCalls,
		})
		logger.Info().
			Int("tool_calls", len(turn.ToolCalls)).
			Dur("elapsed", turn.EndedAt.Sub(turn.StartedAt)).
			Msg("turn completed")
	case TurnCancelled:
		stream.fail("turn cancelled")
		logger.Info().Msg("turn cancelled")
	default:
		// Full diagnostics stay in the log; the client sees a sanitized
		// message.
		stream.fail(clientMessage(err))
		logger.Error().Err(err).Msg("turn failed")
	}

	o.setState(ts, StateIdle)
}

// advance is the happy-path pipeline: Initializing, Planning, Dispatching,
// Compressing, Synthesizing, Streaming. Any error unwinds to runTurn, which
// finalizes the turn.
func (o *Orchestrator) advance(ctx context.Context, ts *threadState, turn *Turn, stream *TurnStream) error {
	o.setState(ts, StateInitializing)
	thread, err := o.loadThread(ctx, ts, turn.ThreadID)
	if err != nil {
		return o.turnErr(turn, StateInitializing, err)
	}
	thread.Turns = append(thread.Turns, turn)

	o.setState(ts, StatePlanning)
	summary := ""
	if thread.Context != nil {
		summary = thread.Context.Summary
	}
	decision, err := o.router.Route(ctx, turn.UserMsg, ts.lastCapability, summary)
	if err != nil {
		return o.turnErr(turn, StatePlanning, err)
	}
	turn.Routing = decision
	stream.emit(EventRoutingDecision, map[string]any{
		"capabilities": decision.Capabilities,
		"confidence":   decision.Confidence,
		"method":       decision.Method,
	})

	// No specialist needed: short-circuit straight to streaming.
	if len(decision.Capabilities) == 0 {
		o.setState(ts, StateStreaming)
		final, err := o.streamDirect(ctx, turn, stream)
		if err != nil {
			return o.turnErr(turn, StateStreaming, err)
		}
		turn.FinalMsg = final
		return nil
	}

	o.setState(ts, StateDispatching)
	outcomes, err := o.dispatch(ctx, thread, turn, decision, stream)
	if err != nil {
		return o.turnErr(turn, StateDispatching, err)
	}

	o.setState(ts, StateCompressing)
	cc := o.compressor.Compress(ctx, thread, thread.Context)
	if cc != nil {
		thread.Context = cc
		if err := o.store.SaveContext(ctx, thread.ID, cc); err != nil {
			log.Warn().Err(err).Str("thread_id", thread.ID).Msg("context snapshot write failed")
		}
	}

	o.setState(ts, StateSynthesizing)
	o.setState(ts, StateStreaming)
	final, err := o.synthesize(ctx, turn, outcomes, stream)
	if err != nil {
		return o.turnErr(turn, StateSynthesizing, err)
	}
	turn.FinalMsg = final
	return nil
}

// dispatchItem is one pending specialist invocation within a turn.
type dispatchItem struct {
	capability string
	handoff    string
}

// dispatch runs the selected specialists in order. A help request re-enters
// dispatch as a hop, bounded by maxAgentCalls; exceeding the bound fails the
// turn rather than looping.
func (o *Orchestrator) dispatch(ctx context.Context, thread *Thread, turn *Turn, decision *Decision, stream *TurnStream) ([]string, error) {
	queue := make([]dispatchItem, 0, len(decision.Capabilities))
	for _, c := range decision.Capabilities {
		queue = append(queue, dispatchItem{capability: c})
	}

	var outcomes []string
	hops := 0

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		spec, ok := o.specialists[item.capability]
		if !ok {
			return nil, fmt.Errorf("capability %q: %w", item.capability, ErrNoSpecialist)
		}

		out, err := spec.run(ctx, o.provider, o.tools, o.retry, runInput{
			turn:    turn,
			context: thread.Context,
			handoff: item.handoff,
			stream:  stream,
		})
		if err != nil {
			return nil, err
		}

		if out.Help != nil {
			hops++
			if hops > o.maxAgentCalls {
				return nil, fmt.Errorf("hop %d from %s to %s: %w",
					hops, item.capability, out.Help.Capability, ErrMaxAgentCallsExceeded)
			}
			log.Debug().
				Str("from", item.capability).
				Str("to", out.Help.Capability).
				Int("hop", hops).
				Msg("help request")
			queue = append([]dispatchItem{{
				capability: out.Help.Capability,
				handoff:    out.Help.Context,
			}}, queue...)
			continue
		}

		if out.Message != "" {
			outcomes = append(outcomes, out.Message)
		}
		o.rememberCapability(thread.ID, item.capability)
	}

	return outcomes, nil
}

// synthesize produces the final reply. A single specialist result streams as
// is; multiple results go through one more model call that composes them.
func (o *Orchestrator) synthesize(ctx context.Context, turn *Turn, outcomes []string, stream *TurnStream) (string, error) {
	if len(outcomes) == 1 {
		streamText(stream, outcomes[0])
		return outcomes[0], nil
	}
	if len(outcomes) == 0 {
		return o.streamDirect(ctx, turn, stream)
	}

	var sb strings.Builder
	for i, out := range outcomes {
		fmt.Fprintf(&sb, "Result %d:\n%s\n\n", i+1, out)
	}
	sb.WriteString("User request: ")
	sb.WriteString(turn.UserMsg)

	return o.streamModel(ctx, stream, []llm.Message{
		{Role: llm.RoleSystem, Content: synthesizeInstruction},
		{Role: llm.RoleUser, Content: sb.String()},
	})
}

// streamDirect answers without any specialist, used for small talk and for
// turns whose specialists produced no text.
func (o *Orchestrator) streamDirect(ctx context.Context, turn *Turn, stream *TurnStream) (string, error) {
	return o.streamModel(ctx, stream, []llm.Message{
		{Role: llm.RoleSystem, Content: smallTalkPrompt},
		{Role: llm.RoleUser, Content: turn.UserMsg},
	})
}

// streamModel runs a streaming completion, forwarding deltas as
// partial-token events, and returns the accumulated text.
func (o *Orchestrator) streamModel(ctx context.Context, stream *TurnStream, messages []llm.Message) (string, error) {
	events, err := o.provider.GenerateStream(ctx, messages, nil)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case llm.EventDelta:
			sb.WriteString(ev.Delta)
			stream.emit(EventPartialToken, map[string]any{"text": ev.Delta})
		case llm.EventError:
			return "", ev.Err
		}
	}
	return sb.String(), nil
}

// streamText chunks already-complete text into partial-token events so the
// client render path is identical either way.
func streamText(stream *TurnStream, text string) {
	const chunk = 80
	for len(text) > 0 {
		n := chunk
		if n > len(text) {
			n = len(text)
		}
		stream.emit(EventPartialToken, map[string]any{"text": text[:n]})
		text = text[n:]
	}
}

// loadThread lazily restores a thread from the checkpoint store on its
// first turn after startup.
func (o *Orchestrator) loadThread(ctx context.Context, ts *threadState, threadID string) (*Thread, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.loaded {
		return ts.thread, nil
	}

	thread, err := o.store.LoadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	ts.thread = thread
	ts.loaded = true

	// Recover routing stickiness from the last completed turn.
	for i := len(thread.Turns) - 1; i >= 0; i-- {
		t := thread.Turns[i]
		if t.Status == TurnCompleted && t.Routing != nil && len(t.Routing.Capabilities) > 0 {
			ts.lastCapability = t.Routing.Capabilities[len(t.Routing.Capabilities)-1]
			break
		}
	}
	return thread, nil
}

func (o *Orchestrator) rememberCapability(threadID, capability string) {
	ts := o.threadState(threadID)
	ts.mu.Lock()
	ts.lastCapability = capability
	ts.mu.Unlock()
}

func (o *Orchestrator) setState(ts *threadState, s State) {
	ts.mu.Lock()
	ts.state = s
	ts.mu.Unlock()
}

// checkpoint persists the sealed turn. Persistence failure is logged, never
// surfaced: the client already has its terminal event.
func (o *Orchestrator) checkpoint(turn *Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveTurn(ctx, turn); err != nil {
		log.Error().Err(err).
			Str("thread_id", turn.ThreadID).
			Str("turn_id", turn.ID).
			Msg("turn checkpoint failed")
	}
}

func (o *Orchestrator) turnErr(turn *Turn, state State, err error) error {
	return &TurnError{ThreadID: turn.ThreadID, TurnID: turn.ID, State: state, Err: err}
}

// clientMessage maps internal failures to the sanitized text that reaches
// the client stream.
func clientMessage(err error) string {
	switch {
	case isAny(err, ErrMaxAgentCallsExceeded, ErrMaxIterationsExceeded):
		return "the request was too complex to complete"
	case isAny(err, ErrRetryExhausted, ErrTimeout):
		return "a downstream service did not respond in time"
	case isAny(err, ErrNoSpecialist):
		return "no assistant is available for that request"
	default:
		return "something went wrong handling the request"
	}
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
