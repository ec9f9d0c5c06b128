// Package chatclient talks to a sandchat server: it sends the conversation,
// decodes the streamed reply and folds it into the assistant message.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/martinemde/sandchat/protocol"
	"github.com/martinemde/sandchat/transcript"
)

// ApologyMessage is shown as the assistant reply when a turn could not be
// started at all.
const ApologyMessage = "Sorry, I couldn't reach the assistant. Please try again."

var (
	// ErrRequestFailed means the turn failed before any reply was streamed.
	ErrRequestFailed = errors.New("chat request failed")
	// ErrStreamInterrupted means the connection dropped mid-reply. The
	// assistant message keeps what arrived before the drop.
	ErrStreamInterrupted = errors.New("reply stream interrupted")
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// UpdateFunc receives a snapshot of the assistant message after each event.
type UpdateFunc func(transcript.Message)

// Client holds one conversation with a server. At most one turn is in
// flight: starting a new turn abandons the previous one.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logrus.FieldLogger
	conv    *transcript.Conversation

	mu     sync.Mutex
	active *turn
}

type turn struct {
	cancel context.CancelFunc
	agg    *transcript.Aggregator
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not set an overall timeout
// shorter than the longest expected turn.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConversation continues an existing conversation.
func WithConversation(conv *transcript.Conversation) Option {
	return func(c *Client) { c.conv = conv }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		logger:  logrus.StandardLogger(),
		conv:    &transcript.Conversation{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conversation returns the conversation the client appends to.
func (c *Client) Conversation() *transcript.Conversation {
	return c.conv
}

// Health is the server's /healthz payload.
type Health struct {
	Status   string   `json:"status"`
	Root     string   `json:"root"`
	MaxSteps int      `json:"maxSteps"`
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Tools    []string `json:"tools"`
}

// Health fetches the server's health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return h, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return h, fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return h, statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// Abandon stops the in-flight turn, if any, and waits for it to wind down.
// The abandoned message keeps what it had and receives no further events.
func (c *Client) Abandon() {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.agg.Abandon()
	t.cancel()
	<-t.done
}

// Send abandons any in-flight turn, appends content as a user message and
// streams the assistant reply. It blocks until the turn ends and returns
// the final assistant message, which has also been appended to the
// conversation.
//
// A turn that fails before streaming gets ApologyMessage as its reply and
// an error wrapping ErrRequestFailed. A stream that drops mid-reply keeps
// its partial message and returns an error wrapping ErrStreamInterrupted.
// An abandoned turn returns transcript.ErrTurnAbandoned.
func (c *Client) Send(ctx context.Context, content string, onUpdate UpdateFunc) (transcript.Message, error) {
	c.Abandon()

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{
		cancel: cancel,
		agg:    transcript.NewAggregator(c.logger),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.active = t
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		if c.active == t {
			c.active = nil
		}
		c.mu.Unlock()
		close(t.done)
	}()

	c.conv.AppendUser(content)
	if onUpdate == nil {
		onUpdate = func(transcript.Message) {}
	}

	msg, err := c.stream(turnCtx, t.agg, onUpdate)
	c.conv.Append(msg)
	return msg, err
}

func (c *Client) stream(ctx context.Context, agg *transcript.Aggregator, onUpdate UpdateFunc) (transcript.Message, error) {
	resp, err := c.post(ctx, c.conv.ForRequest())
	if err != nil {
		if ctx.Err() != nil {
			agg.Abandon()
			return agg.Message(), transcript.ErrTurnAbandoned
		}
		c.logger.WithError(err).Warn("chat request failed")
		msg := transcript.NewMessage(protocol.RoleAssistant, ApologyMessage)
		onUpdate(msg)
		return msg, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	dec := protocol.NewDecoder(resp.Body, c.logger)
	for {
		event, err := dec.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			agg.Close()
			return agg.Message(), nil
		case err != nil && ctx.Err() != nil:
			agg.Abandon()
			return agg.Message(), transcript.ErrTurnAbandoned
		case err != nil:
			agg.Close()
			c.logger.WithError(err).Warn("reply stream interrupted, keeping partial message")
			return agg.Message(), fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
		}

		if err := agg.Apply(event); err != nil {
			return agg.Message(), err
		}
		onUpdate(agg.Message())
	}
}

func (c *Client) post(ctx context.Context, chat protocol.ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return &StatusError{StatusCode: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
