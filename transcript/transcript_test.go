package transcript

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/sandchat/protocol"
)

func newTestAggregator() *Aggregator {
	logger, _ := test.NewNullLogger()
	return NewAggregator(logger)
}

func TestAggregatorTextDeltas(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.TextDelta{Text: "Hel"}))
	require.NoError(t, agg.Apply(protocol.TextDelta{Text: "lo"}))

	msg := agg.Message()
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, protocol.RoleAssistant, msg.Role)
	assert.NotEmpty(t, msg.ID)
}

func TestAggregatorToolCallThenResult(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolName: "read_file", Args: json.RawMessage(`{"path":"a.txt"}`)}))
	require.NoError(t, agg.Apply(protocol.ToolResult{ToolName: "read_file", Result: json.RawMessage(`{"success":true,"content":"abc"}`)}))

	msg := agg.Message()
	require.Len(t, msg.Invocations, 1)
	inv := msg.Invocations[0]
	assert.Equal(t, StateSucceeded, inv.State)
	assert.JSONEq(t, `{"success":true,"content":"abc"}`, string(inv.Result))
	assert.JSONEq(t, `{"path":"a.txt"}`, string(inv.Args))
}

func TestAggregatorFailedResult(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolName: "delete_file"}))
	require.NoError(t, agg.Apply(protocol.ToolResult{ToolName: "delete_file", Result: json.RawMessage(`{"success":false,"error":"Access denied: ../x"}`)}))

	assert.Equal(t, StateFailed, agg.Message().Invocations[0].State)
}

func TestAggregatorDropsUnmatchedResult(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolName: "read_file"}))
	before := agg.Message().Invocations

	require.NoError(t, agg.Apply(protocol.ToolResult{ToolName: "write_file", Result: json.RawMessage(`{"success":true}`)}))

	assert.Equal(t, before, agg.Message().Invocations)
	assert.Equal(t, StatePending, agg.Message().Invocations[0].State)
}

func TestAggregatorFirstPendingMatchByName(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolName: "read_file", Args: json.RawMessage(`{"path":"1"}`)}))
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolName: "read_file", Args: json.RawMessage(`{"path":"2"}`)}))
	require.NoError(t, agg.Apply(protocol.ToolResult{ToolName: "read_file", Result: json.RawMessage(`{"success":true,"content":"one"}`)}))

	invs := agg.Message().Invocations
	assert.Equal(t, StateSucceeded, invs[0].State)
	assert.Equal(t, StatePending, invs[1].State)

	require.NoError(t, agg.Apply(protocol.ToolResult{ToolName: "read_file", Result: json.RawMessage(`{"success":true,"content":"two"}`)}))
	assert.Equal(t, StateSucceeded, agg.Message().Invocations[1].State)

	require.NoError(t, agg.Apply(protocol.ToolResult{ToolName: "read_file", Result: json.RawMessage(`{"success":true}`)}))
	assert.JSONEq(t, `{"success":true,"content":"two"}`, string(agg.Message().Invocations[1].Result), "extra results are dropped")
}

func TestAggregatorMatchesByToolCallID(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolCallID: "a", ToolName: "read_file"}))
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolCallID: "b", ToolName: "read_file"}))

	require.NoError(t, agg.Apply(protocol.ToolResult{ToolCallID: "b", ToolName: "read_file", Result: json.RawMessage(`{"success":false,"error":"x"}`)}))
	invs := agg.Message().Invocations
	assert.Equal(t, StatePending, invs[0].State)
	assert.Equal(t, StateFailed, invs[1].State)

	require.NoError(t, agg.Apply(protocol.ToolResult{ToolCallID: "zzz", ToolName: "read_file", Result: json.RawMessage(`{"success":true}`)}))
	assert.Equal(t, StatePending, agg.Message().Invocations[0].State, "a mismatched ID never falls back to the name")
}

func TestAggregatorRefusesEventsAfterTurnEnds(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.TextDelta{Text: "partial"}))
	agg.Close()
	assert.ErrorIs(t, agg.Apply(protocol.TextDelta{Text: " more"}), ErrTurnClosed)
	assert.Equal(t, "partial", agg.Message().Content)
	assert.True(t, agg.Done())

	abandoned := newTestAggregator()
	abandoned.Abandon()
	assert.ErrorIs(t, abandoned.Apply(protocol.TextDelta{Text: "late"}), ErrTurnAbandoned)
	assert.True(t, abandoned.Message().Empty())
}

func TestAggregatorSnapshotIsIsolated(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolName: "list_files"}))
	snapshot := agg.Message()
	snapshot.Invocations[0].State = StateFailed

	assert.Equal(t, StatePending, agg.Message().Invocations[0].State)
}

func TestConversationForRequestFiltersBlankAssistantMessages(t *testing.T) {
	var conv Conversation
	conv.AppendUser("hi")
	conv.Append(NewMessage(protocol.RoleAssistant, ""))
	conv.Append(NewMessage(protocol.RoleAssistant, "  "))

	req := conv.ForRequest()
	assert.Equal(t, []protocol.ChatMessage{{Role: protocol.RoleUser, Content: "hi"}}, req.Messages)
	assert.Equal(t, 3, conv.Len(), "filtered messages stay visible")
}

func TestConversationKeepsNonBlankTurns(t *testing.T) {
	var conv Conversation
	conv.AppendUser("list files")
	agg := newTestAggregator()
	require.NoError(t, agg.Apply(protocol.ToolCall{ToolName: "list_files"}))
	require.NoError(t, agg.Apply(protocol.TextDelta{Text: "You have two files."}))
	agg.Close()
	conv.Append(agg.Message())
	conv.AppendUser("thanks")

	req := conv.ForRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, protocol.ChatMessage{Role: protocol.RoleAssistant, Content: "You have two files."}, req.Messages[1])
}
