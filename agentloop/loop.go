package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/martinemde/sandchat/llm"
)

// LoopState is the position of a turn in the Inferring -> Executing -> Done
// state machine.
type LoopState string

const (
	StateInferring LoopState = "inferring"
	StateExecuting LoopState = "executing"
	StateDone      LoopState = "done"
)

const (
	// DefaultMaxSteps bounds the inference steps of one turn.
	DefaultMaxSteps = 10
	// DefaultLoopDetectionWindow is the number of recent tool calls inspected
	// for repetition.
	DefaultLoopDetectionWindow = 6

	minParallelTools = 2
	maxParallelTools = 8
)

// DefaultMaxParallelTools returns the per-step tool concurrency derived from
// the available CPUs.
func DefaultMaxParallelTools() int64 {
	numCPU := int64(runtime.NumCPU())
	return min(max(numCPU, minParallelTools), maxParallelTools)
}

// Model is the model surface the loop drives. *llm.Client satisfies it.
type Model interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error)
	SupportsStreaming(req llm.Request) bool
}

// Config holds loop settings. It is read-only once the loop is built.
type Config struct {
	Model               string
	Provider            string
	MaxSteps            int
	MaxParallelTools    int64
	SystemPrompt        string // empty means BuildSystemPrompt
	Temperature         *float64
	MaxTokens           *int
	EnableLoopDetection bool
	LoopDetectionWindow int
	ToolOutputLimits    map[string]int
	RetryPolicy         llm.RetryPolicy
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		MaxSteps:            DefaultMaxSteps,
		MaxParallelTools:    DefaultMaxParallelTools(),
		EnableLoopDetection: true,
		LoopDetectionWindow: DefaultLoopDetectionWindow,
		ToolOutputLimits:    map[string]int{},
		RetryPolicy:         llm.DefaultRetryPolicy(),
	}
}

// Result summarizes a finished turn.
type Result struct {
	State            LoopState
	Steps            int
	Text             string
	StepLimitReached bool
	Usage            llm.Usage
	History          []Turn
}

// Loop runs one conversation turn at a time: it alternates model inference
// and tool execution until the model stops requesting tools or the step
// budget is spent. A Loop holds no per-turn state and may run turns
// concurrently.
type Loop struct {
	model    Model
	registry *ToolRegistry
	env      ExecutionEnvironment
	config   Config
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewLoop creates a Loop. Zero-valued limits in config fall back to their
// defaults; a nil logger uses the logrus standard logger.
func NewLoop(model Model, registry *ToolRegistry, env ExecutionEnvironment, config Config, logger logrus.FieldLogger) *Loop {
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultMaxSteps
	}
	if config.MaxParallelTools <= 0 {
		config.MaxParallelTools = DefaultMaxParallelTools()
	}
	if config.LoopDetectionWindow <= 0 {
		config.LoopDetectionWindow = DefaultLoopDetectionWindow
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loop{
		model:    model,
		registry: registry,
		env:      env,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Config returns the effective configuration.
func (l *Loop) Config() Config {
	return l.config
}

// Registry returns the tools offered to the model.
func (l *Loop) Registry() *ToolRegistry {
	return l.registry
}

// Run processes one turn on top of history. Events are delivered through
// emitter, which may be nil. Reaching the step budget is not an error: the
// result reports StepLimitReached with whatever text was produced. Tool
// failures never end the turn; model failures and cancellation do.
func (l *Loop) Run(ctx context.Context, history []Turn, emitter *EventEmitter) (*Result, error) {
	turn := append([]Turn(nil), history...)
	result := &Result{State: StateInferring}
	log := l.logger
	if emitter != nil {
		log = log.WithField("turn_id", emitter.TurnID())
	}

	systemPrompt := l.config.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = BuildSystemPrompt(l.env, l.registry, l.config.Model, l.now())
	}
	toolDefs := l.toolDefinitions()

	for {
		if result.Steps >= l.config.MaxSteps {
			result.StepLimitReached = true
			log.WithField("step", result.Steps).Info("step budget exhausted, ending turn")
			l.emit(emitter, Event{Kind: EventStepLimit, Step: result.Steps})
			break
		}
		if err := ctx.Err(); err != nil {
			result.State = StateDone
			result.History = turn
			log.WithField("step", result.Steps).Debug("turn abandoned")
			return result, fmt.Errorf("turn abandoned: %w", err)
		}

		result.Steps++
		step := result.Steps
		l.transition(result, StateInferring, step)
		l.emit(emitter, Event{Kind: EventStepStart, Step: step})

		request := llm.Request{
			Model:       l.config.Model,
			Provider:    l.config.Provider,
			Messages:    append([]llm.Message{llm.SystemMessage(systemPrompt)}, ConvertHistoryToMessages(turn)...),
			ToolDefs:    toolDefs,
			ToolChoice:  &llm.ToolChoice{Mode: "auto"},
			Temperature: l.config.Temperature,
			MaxTokens:   l.config.MaxTokens,
		}

		response, err := l.infer(ctx, request, step, emitter)
		if err != nil {
			log.WithError(err).WithField("step", step).Error("model call failed")
			l.emit(emitter, Event{Kind: EventError, Step: step, Error: err.Error()})
			result.State = StateDone
			result.History = turn
			return result, fmt.Errorf("step %d: %w", step, err)
		}

		calls := assignToolCallIDs(response.ToolCalls())
		text := response.Text()
		result.Text += text
		result.Usage = result.Usage.Add(response.Usage)
		turn = append(turn, NewAssistantTurn(text, calls, response.Usage))

		if len(calls) == 0 {
			break
		}

		l.transition(result, StateExecuting, step)
		results := l.executeToolCalls(ctx, step, calls, emitter)
		turn = append(turn, NewToolResultsTurn(results))

		if l.config.EnableLoopDetection {
			window := l.config.LoopDetectionWindow
			if patternLen := DetectLoop(turn, window); patternLen > 0 {
				warning := loopWarning(window, patternLen)
				turn = append(turn, NewSteeringTurn(warning))
				log.WithFields(logrus.Fields{"step": step, "pattern": patternLen}).Warn("tool call loop detected")
				l.emit(emitter, Event{Kind: EventLoopDetection, Step: step, Text: warning})
			}
		}
	}

	l.transition(result, StateDone, result.Steps)
	result.History = turn
	l.emit(emitter, Event{Kind: EventTurnEnd, Step: result.Steps})
	return result, nil
}

func (l *Loop) transition(result *Result, state LoopState, step int) {
	result.State = state
	l.logger.WithFields(logrus.Fields{"state": state, "step": step}).Debug("agent loop transition")
}

func (l *Loop) emit(emitter *EventEmitter, event Event) {
	if emitter != nil {
		emitter.Emit(event)
	}
}

func (l *Loop) toolDefinitions() []llm.ToolDefinition {
	defs := l.registry.Definitions()
	out := make([]llm.ToolDefinition, len(defs))
	for i, def := range defs {
		out[i] = llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		}
	}
	return out
}

// infer performs one model call. Streaming adapters have their text deltas
// forwarded as they arrive; otherwise the full text is emitted at once.
// Only establishing the call is retried, never a partially consumed stream.
func (l *Loop) infer(ctx context.Context, request llm.Request, step int, emitter *EventEmitter) (*llm.Response, error) {
	policy := l.config.RetryPolicy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"step":    step,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("retrying model call")
	}

	if !l.model.SupportsStreaming(request) {
		response, err := llm.Retry(ctx, policy, func(ctx context.Context) (*llm.Response, error) {
			return l.model.Complete(ctx, request)
		})
		if err != nil {
			return nil, err
		}
		if text := response.Text(); text != "" {
			l.emit(emitter, Event{Kind: EventTextDelta, Step: step, Text: text})
		}
		return response, nil
	}

	events, err := llm.Retry(ctx, policy, func(ctx context.Context) (<-chan llm.StreamEvent, error) {
		return l.model.Stream(ctx, request)
	})
	if err != nil {
		return nil, err
	}
	acc := llm.NewStreamAccumulator()
	for event := range events {
		acc.Process(event)
		if event.Type == llm.TextDelta && event.Delta != "" {
			l.emit(emitter, Event{Kind: EventTextDelta, Step: step, Text: event.Delta})
		}
	}
	if err := acc.Err(); err != nil {
		return nil, err
	}
	return acc.Response(), nil
}

func assignToolCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()[:8]
		}
		if len(calls[i].Arguments) == 0 {
			calls[i].Arguments = json.RawMessage("{}")
		}
	}
	return calls
}

// executeToolCalls runs the calls of one step with bounded concurrency and
// returns their results in call order. Tools run on a context detached from
// ctx's cancellation so that work already started completes even if the
// client has gone away.
func (l *Loop) executeToolCalls(ctx context.Context, step int, calls []llm.ToolCall, emitter *EventEmitter) []ToolResult {
	for _, call := range calls {
		l.emit(emitter, Event{
			Kind:       EventToolCallStart,
			Step:       step,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       call.Arguments,
		})
	}

	results := make([]ToolResult, len(calls))
	sem := semaphore.NewWeighted(l.config.MaxParallelTools)
	group, groupCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	for i, call := range calls {
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				results[i] = l.toolResult(call, Failed("%s: %v", call.Name, err))
				return fmt.Errorf("acquire semaphore: %w", err)
			}
			defer sem.Release(1)
			results[i] = l.executeSingleTool(groupCtx, step, call)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		l.logger.WithError(err).WithField("step", step).Error("parallel tool execution")
	}

	for _, result := range results {
		envelope := result.Envelope
		l.emit(emitter, Event{
			Kind:       EventToolCallEnd,
			Step:       step,
			ToolCallID: result.ToolCallID,
			ToolName:   result.ToolName,
			Result:     &envelope,
		})
	}
	return results
}

// executeSingleTool handles lookup -> execute -> truncate for one call.
// Panics in an executor become failed results.
func (l *Loop) executeSingleTool(ctx context.Context, step int, call llm.ToolCall) (result ToolResult) {
	log := l.logger.WithFields(logrus.Fields{
		"step":         step,
		"tool":         call.Name,
		"tool_call_id": call.ID,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("tool executor panicked")
			result = l.toolResult(call, Failed("%s: internal error: %v", call.Name, r))
		}
	}()

	registered := l.registry.Get(call.Name)
	if registered == nil {
		log.Warn("model requested an unknown tool")
		return l.toolResult(call, Failed("Unknown tool: %s", call.Name))
	}

	start := time.Now()
	envelope := registered.Executor(ctx, call.Arguments, l.env)
	log = log.WithField("duration", time.Since(start))
	if envelope.Success {
		log.Debug("tool succeeded")
	} else {
		log.WithField("error", envelope.Error).Info("tool failed")
	}
	return l.toolResult(call, envelope)
}

func (l *Loop) toolResult(call llm.ToolCall, envelope Envelope) ToolResult {
	content, err := json.Marshal(envelope)
	if err != nil {
		content, _ = json.Marshal(Failed("%s: encoding result: %v", call.Name, err))
	}
	return ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Envelope:   envelope,
		Content:    TruncateToolOutput(string(content), call.Name, l.config.ToolOutputLimits),
	}
}
