package agentloop

import (
	"encoding/json"
	"sync"
	"time"
)

// EventKind identifies the type of loop event.
type EventKind string

const (
	EventStepStart     EventKind = "step_start"
	EventTextDelta     EventKind = "text_delta"
	EventToolCallStart EventKind = "tool_call_start"
	EventToolCallEnd   EventKind = "tool_call_end"
	EventLoopDetection EventKind = "loop_detection"
	EventStepLimit     EventKind = "step_limit"
	EventError         EventKind = "error"
	EventTurnEnd       EventKind = "turn_end"
)

// Event is a typed event emitted by the agent loop. Which fields are set
// depends on Kind.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Timestamp  time.Time       `json:"timestamp"`
	TurnID     string          `json:"turn_id"`
	Step       int             `json:"step,omitempty"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     *Envelope       `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// EventEmitter delivers events to the host through a channel. Emit blocks
// until the event is received, so no event is lost, unless the consumer
// has abandoned the turn.
type EventEmitter struct {
	turnID    string
	ch        chan Event
	abandoned chan struct{}
	abandon   sync.Once
	closed    bool
	mu        sync.Mutex
}

// NewEventEmitter creates a new EventEmitter with a buffered channel.
func NewEventEmitter(turnID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventEmitter{
		turnID:    turnID,
		ch:        make(chan Event, bufferSize),
		abandoned: make(chan struct{}),
	}
}

// TurnID returns the identifier stamped on every event.
func (e *EventEmitter) TurnID() string {
	return e.turnID
}

// Emit stamps and sends an event. It is a no-op after Close, and returns
// without delivering once the emitter is abandoned.
func (e *EventEmitter) Emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event.Timestamp = time.Now()
	event.TurnID = e.turnID
	select {
	case e.ch <- event:
	case <-e.abandoned:
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Abandon tells the emitter nobody is listening anymore. Pending and future
// Emit calls return immediately. Safe to call multiple times.
func (e *EventEmitter) Abandon() {
	e.abandon.Do(func() { close(e.abandoned) })
}

// Abandoned reports whether Abandon has been called.
func (e *EventEmitter) Abandoned() bool {
	select {
	case <-e.abandoned:
		return true
	default:
		return false
	}
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
