package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const basePrompt = `You are a file assistant. You can inspect and change files, but only inside the root directory described below.
All paths you pass to tools are relative to that root. Paths that leave the root are refused with an "Access denied" error; do not retry them.
Every tool returns a JSON object with "success" and either operation-specific fields or an "error" message. Read failures carefully and adjust instead of repeating the same call.
When the task is done, answer in plain prose without calling any tool.`

const toolCallFormat = `To call tools, reply with a single JSON object and nothing after it:
{"tool_calls":[{"name":"<tool name>","arguments":{...}}]}
You may write a short sentence before the JSON. Several independent calls can go in the same list; they run concurrently.`

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Root directory: %s\n", env.Root().Path())
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// BuildToolCatalog renders the registry's tools as the model sees them.
func BuildToolCatalog(reg *ToolRegistry) string {
	var sb strings.Builder
	sb.WriteString("<tools>\n")
	for _, def := range reg.Definitions() {
		params, err := json.Marshal(def.Parameters)
		if err != nil {
			params = []byte("{}")
		}
		fmt.Fprintf(&sb, "- %s: %s\n  parameters: %s\n", def.Name, def.Description, params)
	}
	sb.WriteString("</tools>")
	return sb.String()
}

// BuildSystemPrompt assembles the system prompt for a turn.
func BuildSystemPrompt(env ExecutionEnvironment, reg *ToolRegistry, model string, now time.Time) string {
	return strings.Join([]string{
		basePrompt,
		BuildEnvironmentContext(env, model, now),
		BuildToolCatalog(reg),
		toolCallFormat,
	}, "\n\n")
}
