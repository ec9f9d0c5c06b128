package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrInvalidRequest wraps every chat request validation failure.
var ErrInvalidRequest = errors.New("invalid chat request")

// ChatMessage is one prior message in a chat request.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// Validate checks roles and requires the conversation to contain at least
// one user message.
func (r ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	sawUser := false
	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleUser:
			sawUser = true
		case RoleAssistant:
		default:
			return fmt.Errorf("%w: message %d has unsupported role %q", ErrInvalidRequest, i, msg.Role)
		}
	}
	if !sawUser {
		return fmt.Errorf("%w: no user message", ErrInvalidRequest)
	}
	return nil
}

// Filtered returns the request without assistant messages whose content is
// empty or whitespace, which carry nothing for the model.
func (r ChatRequest) Filtered() ChatRequest {
	out := ChatRequest{Messages: make([]ChatMessage, 0, len(r.Messages))}
	for _, msg := range r.Messages {
		if msg.Role == RoleAssistant && strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}
