package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// DefaultModels maps providers to the model used when none is configured.
var DefaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
	"groq":      "llama-3.3-70b-versatile",
	"ollama":    "llama3.1",
}

// toolCallMarkers introduce the JSON tool-call block gollm leaves in the
// generated text. Everything from the first marker on is not prose.
var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`}

// GollmAdapter wraps a gollm.LLM and implements ProviderAdapter.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	mu      sync.Mutex
	applied map[string]any
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a GollmAdapter for provider. An empty apiKey lets
// gollm fall back to the provider's environment variable.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = DefaultModels[provider]
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no model configured and no default known for provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries happen in Retry
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	l, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gollm LLM for provider %s: %w", provider, err)
	}

	return NewGollmAdapterFromLLM(provider, model, l), nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, l gollm.LLM) *GollmAdapter {
	return &GollmAdapter{
		provider: provider,
		llm:      l,
		model:    model,
		applied:  map[string]any{"model": model},
	}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// SupportsStreaming reports whether the wrapped LLM streams tokens.
func (a *GollmAdapter) SupportsStreaming() bool {
	return a.llm.SupportsStreaming()
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request. Text deltas stop at the first tool-call
// marker so that tool-call JSON never reaches the caller as prose; the final
// StreamFinish event carries the parsed response.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			ch <- StreamEvent{Type: StreamStart}

			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			a.finishStream(ch, req, text, 0)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}

		var full strings.Builder
		emitted := 0
		for {
			token, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			full.WriteString(token.Text)

			text := full.String()
			if safe := proseBoundary(text, false); safe > emitted {
				ch <- StreamEvent{Type: TextDelta, Delta: text[emitted:safe]}
				emitted = safe
			}
		}

		a.finishStream(ch, req, full.String(), emitted)
	}()

	return ch, nil
}

// finishStream emits the prose past emitted that has not been delivered yet,
// followed by the finish event.
func (a *GollmAdapter) finishStream(ch chan<- StreamEvent, req Request, text string, emitted int) {
	resp := a.buildResponse(req, text)
	if end := proseBoundary(text, true); end > emitted {
		ch <- StreamEvent{Type: TextDelta, Delta: text[emitted:end]}
	}
	ch <- StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	}
}

// proseBoundary returns how many leading bytes of text are prose that may be
// emitted. Unless final, a tail that could still grow into a marker is held
// back, and the boundary never splits a UTF-8 sequence.
func proseBoundary(text string, final bool) int {
	boundary := len(text)
	for _, marker := range toolCallMarkers {
		if idx := strings.Index(text, marker); idx >= 0 && idx < boundary {
			boundary = idx
		}
	}
	if boundary == len(text) && !final {
		holdback := 0
		for _, marker := range toolCallMarkers {
			holdback = max(holdback, len(marker)-1)
		}
		boundary = max(len(text)-holdback, 0)
	}
	for boundary > 0 && boundary < len(text) && !utf8.RuneStart(text[boundary]) {
		boundary--
	}
	return boundary
}

// translateRequest flattens the conversation into a gollm prompt. gollm
// takes a single prompt string, so earlier turns are rendered as labelled
// transcript lines.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt strings.Builder
	var lines []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt.WriteString(msg.TextContent())
			systemPrompt.WriteString("\n")
		case RoleUser:
			lines = append(lines, "[User]: "+msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				lines = append(lines, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				lines = append(lines, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, string(call.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				var content string
				if err := json.Unmarshal(part.ToolResult.Content, &content); err != nil {
					content = string(part.ToolResult.Content)
				}
				prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
				}
				lines = append(lines, prefix+": "+content)
			}
		}
	}

	promptText := strings.Join(lines, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if systemPrompt.Len() > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt.String()), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions pushes request-level overrides into the shared gollm
// instance, only touching options whose value changed.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := func(key string, value any) {
		if a.applied[key] == value {
			return
		}
		a.llm.SetOption(key, value)
		a.applied[key] = value
	}
	if req.Model != "" {
		set("model", req.Model)
	}
	if req.Temperature != nil {
		set("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		set("max_tokens", *req.MaxTokens)
	}
}

// buildResponse splits generated text into prose and tool calls.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls := parseToolCalls(text)
	prose := text
	if len(calls) > 0 {
		prose = strings.TrimSpace(text[:proseBoundary(text, true)])
	}

	var content []ContentPart
	if prose != "" {
		content = append(content, TextPart(prose))
	}
	for _, tc := range calls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	input := estimateTokens(req)
	output := len(text) / 4
	return &Response{
		ID:       "resp_" + uuid.NewString()[:8],
		Model:    model,
		Provider: a.provider,
		Message: Message{
			Role:    RoleAssistant,
			Content: content,
		},
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}
}

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls from text in either the
// {"tool_calls":[...]} or the bare [{"name":...}] form. Trailing text after
// the JSON value is ignored.
func parseToolCalls(text string) []ToolCall {
	boundary := proseBoundary(text, true)
	if boundary == len(text) {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(text[boundary:]))
	var raw []rawToolCall
	if strings.HasPrefix(text[boundary:], "{") {
		var wrapper struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := dec.Decode(&wrapper); err != nil {
			return nil
		}
		raw = wrapper.ToolCalls
	} else if err := dec.Decode(&raw); err != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.NewString()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls
}

// translateError classifies a gollm error into the client error hierarchy.
// gollm surfaces provider failures as plain errors, so the status code is
// recovered from the message and mapped by ErrorFromStatusCode.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "request aborted", Cause: err}}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	var netErr net.Error
	switch {
	case containsAny(lower, "content filter", "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err},
			Provider: a.provider,
		}}
	case errors.As(err, &netErr) && !netErr.Timeout(),
		containsAny(lower, "connection refused", "connection reset", "no such host", "dial tcp"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	}
	return ErrorFromStatusCode(statusFromMessage(lower), msg, a.provider, err)
}

// statusFromMessage guesses the HTTP status behind a lowercased gollm
// error message. It returns 0 when nothing matches.
func statusFromMessage(lower string) int {
	switch {
	case containsAny(lower, "401", "unauthorized", "invalid api key"):
		return 401
	case containsAny(lower, "403", "forbidden"):
		return 403
	case containsAny(lower, "404", "not found"):
		return 404
	case containsAny(lower, "429", "rate limit"):
		return 429
	case containsAny(lower, "413", "context length", "too many tokens"):
		return 413
	case containsAny(lower, "500", "502", "503", "504", "internal server", "bad gateway", "unavailable"):
		return 500
	case containsAny(lower, "408", "timeout", "timed out"):
		return 408
	case containsAny(lower, "400", "422", "bad request", "invalid request"):
		return 400
	default:
		return 0
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// estimateTokens is a rough four-bytes-per-token estimate; gollm does not
// report usage.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.TextContent()) / 4
	}
	return max(total, 1)
}
