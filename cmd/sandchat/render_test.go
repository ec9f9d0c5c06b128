package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/martinemde/sandchat/transcript"
)

func TestRendererPrintsIncrementally(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	r := newRenderer(&out)

	msg := transcript.Message{Content: "Let me"}
	r.update(msg)
	msg.Content += " look."
	r.update(msg)

	msg.Invocations = []transcript.ToolInvocation{{
		ToolName: "read_file",
		Args:     json.RawMessage(`{"path":"a.txt"}`),
		State:    transcript.StatePending,
	}}
	r.update(msg)
	r.update(msg)

	msg.Invocations[0].State = transcript.StateSucceeded
	msg.Invocations = append(msg.Invocations, transcript.ToolInvocation{
		ToolName: "delete_file",
		Args:     json.RawMessage(`{"path":"/etc"}`),
		State:    transcript.StatePending,
	})
	r.update(msg)

	msg.Invocations[1].State = transcript.StateFailed
	msg.Invocations[1].Result = json.RawMessage(`{"success":false,"error":"Access denied"}`)
	msg.Content += "Done"
	r.update(msg)
	r.finish()

	assert.Equal(t, strings.Join([]string{
		"Let me look.",
		`→ read_file {"path":"a.txt"}`,
		"✓ read_file",
		`→ delete_file {"path":"/etc"}`,
		"Done",
		"✗ delete_file: Access denied",
		"",
	}, "\n"), out.String())
}

func TestResultError(t *testing.T) {
	assert.Equal(t, "boom", resultError(json.RawMessage(`{"success":false,"error":"boom"}`)))
	assert.Equal(t, "failed", resultError(json.RawMessage(`not json`)))
	assert.Equal(t, "failed", resultError(nil))
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", shorten("abc", 3))
	assert.Equal(t, "ab…", shorten("abcd", 2))
	assert.Equal(t, "héé…", shorten("héééé", 3))
}
