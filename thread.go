package relay

import (
	"time"
)

// Thread is one logical conversation. It spans multiple turns and carries
// the latest compressed context forward between them.
type Thread struct {
	// ID is the opaque thread identifier supplied by the client.
	ID string `json:"id"`

	// Turns is the ordered turn history.
	Turns []*Turn `json:"turns"`

	// Context is the latest compressed context, nil before the first
	// compression.
	Context *CompressedContext `json:"context,omitempty"`
}

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnRunning   TurnStatus = "running"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// Turn is one request/response cycle within a thread. It is created when a
// message is accepted, mutated as the orchestrator advances, and sealed by
// exactly one terminal event.
type Turn struct {
	ID        string           `json:"id"`
	ThreadID  string           `json:"thread_id"`
	UserMsg   string           `json:"user_message"`
	Routing   *Decision        `json:"routing,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	FinalMsg  string           `json:"final_message,omitempty"`
	Status    TurnStatus       `json:"status"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at,omitzero"`
}

// ToolCallRecord is the audit record of a single tool invocation. Records
// survive on the turn so a later specialist in the same turn can see what an
// earlier one already did.
type ToolCallRecord struct {
	Capability string         `json:"capability"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	LatencyMs  int64          `json:"latency_ms"`
	At         time.Time      `json:"at"`
}

// CompressedContext is a bounded stand-in for raw conversation history: a
// prose summary plus a deduplicated entity map, covering turns
// [FromTurn, ToTurn] of the thread.
type CompressedContext struct {
	Summary     string              `json:"summary"`
	Entities    map[string][]string `json:"entities,omitempty"`
	FromTurn    int                 `json:"from_turn"`
	ToTurn      int                 `json:"to_turn"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// State is an orchestrator state for a turn in flight.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StatePlanning     State = "planning"
	StateDispatching  State = "dispatching"
	StateCompressing  State = "compressing"
	StateSynthesizing State = "synthesizing"
	StateStreaming    State = "streaming"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Decision is the router's verdict for a turn.
type Decision struct {
	// Capabilities lists the selected specialists in dispatch order.
	// Empty means the turn short-circuits straight to streaming.
	Capabilities []string `json:"capabilities"`

	// Confidence is the winning score in [0,1].
	Confidence float64 `json:"confidence"`

	// Method records how the decision was made: "keyword", "model" or
	// "sticky".
	Method string `json:"method"`
}

// HelpRequest is a specialist's ask for another capability to take over,
// carrying whatever context the requester wants to hand off.
type HelpRequest struct {
	Capability string `json:"capability"`
	Context    string `json:"context"`
}
