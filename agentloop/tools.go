package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"
)

// Envelope is the uniform result of every tool execution: success plus
// operation-specific fields, or failure plus a human-readable error.
type Envelope struct {
	Success bool
	Fields  map[string]any
	Error   string
}

// Succeeded builds a successful Envelope carrying fields.
func Succeeded(fields map[string]any) Envelope {
	return Envelope{Success: true, Fields: fields}
}

// Failed builds a failed Envelope.
func Failed(format string, args ...any) Envelope {
	return Envelope{Success: false, Error: fmt.Sprintf(format, args...)}
}

// MarshalJSON flattens the envelope into {"success":..., <fields>, "error":...}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["success"] = e.Success
	if !e.Success {
		out["error"] = e.Error
	}
	return json.Marshal(out)
}

// ToolExecutor runs a tool against the execution environment. Executors
// report every failure through the returned Envelope.
type ToolExecutor func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) Envelope

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

// NewTypedTool builds a RegisteredTool whose parameter schema is reflected
// from In and whose raw arguments are decoded into an In before exec runs.
// Struct fields without omitempty are listed as required.
func NewTypedTool[In any](name, description string, exec func(ctx context.Context, in In, env ExecutionEnvironment) Envelope) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  schemaFor[In](),
		},
		Executor: func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) Envelope {
			in, err := DecodeToolArguments[In](arguments)
			if err != nil {
				return Failed("%s: %v", name, err)
			}
			return exec(ctx, in, env)
		},
	}
}

func schemaFor[In any]() map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(new(In))

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("agentloop: reflecting tool schema: %v", err))
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		panic(fmt.Sprintf("agentloop: decoding tool schema: %v", err))
	}
	delete(params, "$schema")
	delete(params, "$id")
	return params
}

// ToolRegistry holds the tool set offered to the model. Tools are kept in
// registration order so the model sees a stable catalog.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	order []string
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition.Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = &tool
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns all tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ParseToolArguments unmarshals raw tool-call arguments into a map. Empty
// or null arguments yield an empty map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// DecodeToolArguments decodes raw arguments into a typed input using the
// struct's json tags. Unknown keys are ignored.
func DecodeToolArguments[In any](raw json.RawMessage) (In, error) {
	var in In
	args, err := ParseToolArguments(raw)
	if err != nil {
		return in, err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &in,
	})
	if err != nil {
		return in, fmt.Errorf("building argument decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return in, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return in, nil
}
