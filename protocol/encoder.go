package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/martinemde/sandchat/agentloop"
)

// Encoder writes events as data frames. Each frame is flushed as soon as
// it is written when the writer supports it.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	frames  int
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Encode writes one event.
func (e *Encoder) Encode(event Event) error {
	line, err := MarshalFrame(event)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("writing %s frame: %w", event.Type(), err)
	}
	e.frames++
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// EncodeLoopEvent writes the wire form of an agent loop event. Loop events
// with no wire form are skipped and report false.
func (e *Encoder) EncodeLoopEvent(event agentloop.Event) (bool, error) {
	wire, ok := FromLoopEvent(event)
	if !ok {
		return false, nil
	}
	return true, e.Encode(wire)
}

// Frames returns the number of frames written so far.
func (e *Encoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// FromLoopEvent maps an agent loop event to its wire event. Only text
// deltas and tool call starts and ends have a wire form.
func FromLoopEvent(event agentloop.Event) (Event, bool) {
	switch event.Kind {
	case agentloop.EventTextDelta:
		if event.Text == "" {
			return nil, false
		}
		return TextDelta{Text: event.Text}, true
	case agentloop.EventToolCallStart:
		return ToolCall{ToolCallID: event.ToolCallID, ToolName: event.ToolName, Args: event.Args}, true
	case agentloop.EventToolCallEnd:
		envelope := agentloop.Failed("%s: no result", event.ToolName)
		if event.Result != nil {
			envelope = *event.Result
		}
		result, err := json.Marshal(envelope)
		if err != nil {
			result, _ = json.Marshal(agentloop.Failed("%s: encoding result: %v", event.ToolName, err))
		}
		return ToolResult{ToolCallID: event.ToolCallID, ToolName: event.ToolName, Result: result}, true
	default:
		return nil, false
	}
}
