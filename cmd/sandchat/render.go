package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/martinemde/sandchat/transcript"
)

const maxArgsShown = 120

var (
	toolColor = color.New(color.FgCyan)
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	noteColor = color.New(color.FgYellow)
)

// renderer prints an assistant message incrementally: new text as it
// arrives and one line per tool invocation state change.
type renderer struct {
	out     io.Writer
	printed int
	states  []transcript.InvocationState
	midLine bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) update(msg transcript.Message) {
	if len(msg.Content) > r.printed {
		text := msg.Content[r.printed:]
		fmt.Fprint(r.out, text)
		r.printed = len(msg.Content)
		r.midLine = text[len(text)-1] != '\n'
	}

	for i, inv := range msg.Invocations {
		if i < len(r.states) && r.states[i] == inv.State {
			continue
		}
		if i >= len(r.states) {
			r.states = append(r.states, "")
		}
		r.states[i] = inv.State
		r.breakLine()
		switch inv.State {
		case transcript.StatePending:
			toolColor.Fprintf(r.out, "→ %s %s\n", inv.ToolName, shorten(string(inv.Args), maxArgsShown))
		case transcript.StateSucceeded:
			okColor.Fprintf(r.out, "✓ %s\n", inv.ToolName)
		case transcript.StateFailed:
			failColor.Fprintf(r.out, "✗ %s: %s\n", inv.ToolName, resultError(inv.Result))
		}
	}
}

// finish ends the rendered turn on a fresh line.
func (r *renderer) finish() {
	r.breakLine()
}

func (r *renderer) note(format string, args ...any) {
	r.breakLine()
	noteColor.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func resultError(result json.RawMessage) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil || envelope.Error == "" {
		return "failed"
	}
	return envelope.Error
}

func shorten(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
