// Package protocol defines the line-oriented wire format streamed from the
// chat server to its clients.
//
// Each frame is one line, "0:" followed by a JSON event object and a
// newline. Lines with any other prefix belong to other channels and are
// ignored by the Decoder.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DataPrefix marks a data frame.
const DataPrefix = "0:"

// EventType is the discriminant of a wire event.
type EventType string

const (
	TypeTextDelta  EventType = "text-delta"
	TypeToolCall   EventType = "tool-call"
	TypeToolResult EventType = "tool-result"
)

var (
	// ErrNotDataFrame is returned by ParseFrame for lines without the data prefix.
	ErrNotDataFrame = errors.New("not a data frame")
	// ErrUnknownEventType is returned for a frame whose type is not recognized.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Event is one decoded wire event: TextDelta, ToolCall or ToolResult.
type Event interface {
	Type() EventType
	isEvent()
}

// TextDelta carries a text increment for the assistant message.
type TextDelta struct {
	Text string
}

// ToolCall announces a tool invocation. ToolCallID is optional on the wire.
type ToolCall struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

// ToolResult carries the result envelope of a finished tool invocation.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Result     json.RawMessage
}

func (TextDelta) Type() EventType  { return TypeTextDelta }
func (ToolCall) Type() EventType   { return TypeToolCall }
func (ToolResult) Type() EventType { return TypeToolResult }

func (TextDelta) isEvent()  {}
func (ToolCall) isEvent()   {}
func (ToolResult) isEvent() {}

// Success reports the result envelope's success field. Results that are
// not objects or lack the field count as failures.
func (r ToolResult) Success() bool {
	var envelope struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(r.Result, &envelope); err != nil {
		return false
	}
	return envelope.Success
}

// frame is the JSON shape shared by every event type.
type frame struct {
	Type       EventType       `json:"type"`
	TextDelta  *string         `json:"textDelta,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// MarshalFrame renders event as a complete, newline-terminated data frame.
func MarshalFrame(event Event) ([]byte, error) {
	var f frame
	switch e := event.(type) {
	case TextDelta:
		text := e.Text
		f = frame{Type: TypeTextDelta, TextDelta: &text}
	case ToolCall:
		args := e.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		f = frame{Type: TypeToolCall, ToolCallID: e.ToolCallID, ToolName: e.ToolName, Args: args}
	case ToolResult:
		result := e.Result
		if isNull(result) {
			missing, err := json.Marshal(map[string]any{"success": false, "error": e.ToolName + ": no result"})
			if err != nil {
				return nil, fmt.Errorf("encoding missing result: %w", err)
			}
			result = missing
		}
		if !isObject(result) {
			return nil, fmt.Errorf("%s frame result must be an object, got %s", TypeToolResult, result)
		}
		f = frame{Type: TypeToolResult, ToolCallID: e.ToolCallID, ToolName: e.ToolName, Result: result}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, event)
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	line := make([]byte, 0, len(DataPrefix)+len(payload)+1)
	line = append(line, DataPrefix...)
	line = append(line, payload...)
	return append(line, '\n'), nil
}

// ParseFrame decodes a single line (without its newline). The type
// discriminant is checked before the rest of the payload is interpreted.
func ParseFrame(line string) (Event, error) {
	line = strings.TrimSuffix(line, "\r")
	payload, ok := strings.CutPrefix(line, DataPrefix)
	if !ok {
		return nil, ErrNotDataFrame
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	switch f.Type {
	case TypeTextDelta:
		if f.TextDelta == nil {
			return nil, fmt.Errorf("%s frame without textDelta", f.Type)
		}
		return TextDelta{Text: *f.TextDelta}, nil
	case TypeToolCall:
		if f.ToolName == "" {
			return nil, fmt.Errorf("%s frame without toolName", f.Type)
		}
		args := f.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return ToolCall{ToolCallID: f.ToolCallID, ToolName: f.ToolName, Args: args}, nil
	case TypeToolResult:
		if f.ToolName == "" {
			return nil, fmt.Errorf("%s frame without toolName", f.Type)
		}
		if isNull(f.Result) {
			return nil, fmt.Errorf("%s frame without result", f.Type)
		}
		if !isObject(f.Result) {
			return nil, fmt.Errorf("%s frame result is not an object", f.Type)
		}
		return ToolResult{ToolCallID: f.ToolCallID, ToolName: f.ToolName, Result: f.Result}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEventType, f.Type)
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
