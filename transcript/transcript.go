// Package transcript models the client-side view of a conversation and
// folds the wire events of an assistant turn into a single message.
package transcript

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/martinemde/sandchat/protocol"
)

var (
	// ErrTurnAbandoned is returned by Apply after the turn was abandoned.
	ErrTurnAbandoned = errors.New("turn abandoned")
	// ErrTurnClosed is returned by Apply after the stream for the turn ended.
	ErrTurnClosed = errors.New("turn closed")
)

// InvocationState is the lifecycle state of a tool invocation.
type InvocationState string

const (
	StatePending   InvocationState = "pending"
	StateSucceeded InvocationState = "succeeded"
	StateFailed    InvocationState = "failed"
)

// ToolInvocation is one tool call shown in an assistant message.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	State      InvocationState `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Message is one rendered conversation entry.
type Message struct {
	ID          string           `json:"id"`
	Role        protocol.Role    `json:"role"`
	Content     string           `json:"content"`
	Invocations []ToolInvocation `json:"toolInvocations,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Empty reports whether the message has no content and no invocations.
func (m Message) Empty() bool {
	return m.Content == "" && len(m.Invocations) == 0
}

func (m Message) clone() Message {
	m.Invocations = slices.Clone(m.Invocations)
	return m
}

// NewMessage creates a message with a fresh ID.
func NewMessage(role protocol.Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// Aggregator builds the assistant message of one turn from its wire
// events. Once the turn is closed or abandoned, further events are refused.
type Aggregator struct {
	mu        sync.Mutex
	msg       Message
	closed    bool
	abandoned bool
	logger    logrus.FieldLogger
}

// NewAggregator starts an empty assistant message.
func NewAggregator(logger logrus.FieldLogger) *Aggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Aggregator{
		msg:    NewMessage(protocol.RoleAssistant, ""),
		logger: logger,
	}
}

// Apply folds one event into the message. Tool results that match no
// pending invocation are dropped.
func (a *Aggregator) Apply(event protocol.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.abandoned:
		return ErrTurnAbandoned
	case a.closed:
		return ErrTurnClosed
	}

	switch e := event.(type) {
	case protocol.TextDelta:
		a.msg.Content += e.Text
	case protocol.ToolCall:
		a.msg.Invocations = append(a.msg.Invocations, ToolInvocation{
			ToolCallID: e.ToolCallID,
			ToolName:   e.ToolName,
			Args:       e.Args,
			State:      StatePending,
		})
	case protocol.ToolResult:
		i := a.match(e)
		if i < 0 {
			a.logger.WithFields(logrus.Fields{
				"tool":         e.ToolName,
				"tool_call_id": e.ToolCallID,
			}).Debug("dropping tool result without a pending invocation")
			return nil
		}
		inv := &a.msg.Invocations[i]
		inv.Result = e.Result
		inv.State = StateFailed
		if e.Success() {
			inv.State = StateSucceeded
		}
	}
	return nil
}

// match finds the pending invocation a result answers. When both sides
// carry a tool call ID the IDs must agree; otherwise the first pending
// invocation with the same tool name wins.
func (a *Aggregator) match(result protocol.ToolResult) int {
	for i, inv := range a.msg.Invocations {
		if inv.State != StatePending {
			continue
		}
		if result.ToolCallID != "" && inv.ToolCallID != "" {
			if inv.ToolCallID == result.ToolCallID {
				return i
			}
			continue
		}
		if inv.ToolName == result.ToolName {
			return i
		}
	}
	return -1
}

// Close marks the turn complete; the message keeps whatever it has.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// Abandon stops the turn; later events are refused with ErrTurnAbandoned.
func (a *Aggregator) Abandon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abandoned = true
}

// Done reports whether the turn was closed or abandoned.
func (a *Aggregator) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed || a.abandoned
}

// Message returns a snapshot of the assistant message.
func (a *Aggregator) Message() Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msg.clone()
}

// Conversation is the ordered list of rendered messages.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

// Append adds a message to the end of the conversation.
func (c *Conversation) Append(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg.clone())
}

// AppendUser adds a user message and returns it.
func (c *Conversation) AppendUser(content string) Message {
	msg := NewMessage(protocol.RoleUser, content)
	c.Append(msg)
	return msg
}

// Messages returns a copy of the conversation, including messages that
// are filtered from requests.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	for i, msg := range c.messages {
		out[i] = msg.clone()
	}
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// ForRequest builds the chat request for the next turn. Assistant messages
// with blank content are left out.
func (c *Conversation) ForRequest() protocol.ChatRequest {
	return RequestFrom(c.Messages())
}

// RequestFrom builds a filtered chat request from messages.
func RequestFrom(messages []Message) protocol.ChatRequest {
	req := protocol.ChatRequest{Messages: make([]protocol.ChatMessage, 0, len(messages))}
	for _, msg := range messages {
		req.Messages = append(req.Messages, protocol.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return req.Filtered()
}
