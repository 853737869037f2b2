package relay

import (
	"sync"
	"time"
)

// EventType discriminates client-facing stream events.
type EventType string

const (
	EventConnectionAck   EventType = "connection-ack"
	EventRoutingDecision EventType = "routing-decision"
	EventPartialToken    EventType = "partial-token"
	EventToolInvoked     EventType = "tool-invoked"
	EventToolResult      EventType = "tool-result"
	EventHeartbeat       EventType = "heartbeat"
	EventTurnComplete    EventType = "turn-complete"
	EventError           EventType = "error"
)

// StreamEvent is one client-visible event. Substantive events carry
// strictly increasing sequence numbers per turn; heartbeats carry none and
// do not advance the sequence.
type StreamEvent struct {
	Event  EventType      `json:"event"`
	TurnID string         `json:"turn_id"`
	Seq    int64          `json:"seq,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// DefaultHeartbeatInterval is the idle window before a heartbeat fires.
const DefaultHeartbeatInterval = 15 * time.Second

// TurnStream delivers a turn's events in order and terminates with exactly
// one of turn-complete or error. Consumers should treat the stream as open
// until a terminal event arrives.
type TurnStream struct {
	turnID string

	mu       sync.Mutex
	seq      int64
	events   chan StreamEvent
	closed   bool
	terminal bool

	heartbeat *time.Ticker
	beatEvery time.Duration
	stopBeat  chan struct{}
}

// newTurnStream creates a stream and emits the connection-ack.
func newTurnStream(turnID string, heartbeatEvery time.Duration) *TurnStream {
	s := &TurnStream{
		turnID:   turnID,
		events:   make(chan StreamEvent, 256),
		stopBeat: make(chan struct{}),
	}
	if heartbeatEvery <= 0 {
		heartbeatEvery = DefaultHeartbeatInterval
	}
	s.beatEvery = heartbeatEvery
	s.heartbeat = time.NewTicker(heartbeatEvery)
	s.emit(EventConnectionAck, nil)
	go s.beatLoop()

	return s
}

// Events returns the ordered event channel. It is closed after the
// terminal event.
func (s *TurnStream) Events() <-chan StreamEvent {
	return s.events
}

// TurnID returns the turn this stream belongs to.
func (s *TurnStream) TurnID() string {
	return s.turnID
}

// emit appends a substantive event with the next sequence number.
// Emissions after the terminal event are dropped.
func (s *TurnStream) emit(event EventType, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.closed {
		return
	}
	s.seq++
	ev := StreamEvent{Event: event, TurnID: s.turnID, Seq: s.seq, Data: data, At: time.Now()}
	s.heartbeat.Reset(s.beatEvery)
	s.send(ev)

	if event == EventTurnComplete || event == EventError {
		s.terminal = true
		s.closed = true
		s.heartbeat.Stop()
		close(s.stopBeat)
		close(s.events)
	}
}

// complete seals the stream with turn-complete.
func (s *TurnStream) complete(data map[string]any) {
	s.emit(EventTurnComplete, data)
}

// fail seals the stream with a sanitized error event.
func (s *TurnStream) fail(message string) {
	s.emit(EventError, map[string]any{"message": message})
}

// send delivers without blocking the pipeline: if the consumer has fallen
// 256 events behind, the oldest buffered event is dropped to make room.
// Terminal events always land because room is made first.
func (s *TurnStream) send(ev StreamEvent) {
	for {
		select {
		case s.events <- ev:
			return
		default:
			select {
			case <-s.events:
			default:
			}
		}
	}
}

// beatLoop emits heartbeats while no substantive event has fired within
// the idle window.
func (s *TurnStream) beatLoop() {
	for {
		select {
		case <-s.stopBeat:
			return
		case <-s.heartbeat.C:
			s.mu.Lock()
			if !s.terminal && !s.closed {
				s.send(StreamEvent{Event: EventHeartbeat, TurnID: s.turnID, At: time.Now()})
			}
			s.mu.Unlock()
		}
	}
}
