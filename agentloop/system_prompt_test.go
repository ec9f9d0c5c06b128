package agentloop

import (
	"strings"
	"testing"
	"time"
)

func TestBuildSystemPrompt(t *testing.T) {
	env, root := newTestEnv(t)
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	prompt := BuildSystemPrompt(env, NewCoreToolRegistry(), "gpt-4o-mini", now)

	for _, want := range []string{
		"Root directory: " + root,
		"Platform: " + env.Platform(),
		"Today's date: 2025-03-14",
		"Model: gpt-4o-mini",
		`{"tool_calls":[`,
		"- read_file:",
		"- create_directory:",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
}
