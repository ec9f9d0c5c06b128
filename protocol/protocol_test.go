package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/sandchat/agentloop"
)

func nullLogger() (*logrus.Logger, *test.Hook) {
	return test.NewNullLogger()
}

func decodeAll(t *testing.T, src ChunkSource) []Event {
	t.Helper()
	logger, _ := nullLogger()
	dec := NewChunkDecoder(src, logger)
	var events []Event
	for {
		event, err := dec.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, event)
	}
}

func TestMarshalFrame(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"text delta", TextDelta{Text: "Hi"}, `0:{"type":"text-delta","textDelta":"Hi"}` + "\n"},
		{"empty text delta", TextDelta{}, `0:{"type":"text-delta","textDelta":""}` + "\n"},
		{
			"tool call",
			ToolCall{ToolName: "read_file", Args: json.RawMessage(`{"path":"a.txt"}`)},
			`0:{"type":"tool-call","toolName":"read_file","args":{"path":"a.txt"}}` + "\n",
		},
		{
			"tool call with id and no args",
			ToolCall{ToolCallID: "call_1", ToolName: "list_files"},
			`0:{"type":"tool-call","toolCallId":"call_1","toolName":"list_files","args":{}}` + "\n",
		},
		{
			"tool result",
			ToolResult{ToolName: "read_file", Result: json.RawMessage(`{"success":true,"content":"abc"}`)},
			`0:{"type":"tool-result","toolName":"read_file","result":{"success":true,"content":"abc"}}` + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := MarshalFrame(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(line))
		})
	}
}

func TestParseFrameRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		line string
		is   error
	}{
		{"other channel", `2:{"type":"text-delta","textDelta":"x"}`, ErrNotDataFrame},
		{"unknown type", `0:{"type":"finish"}`, ErrUnknownEventType},
		{"not json", `0:{"type":`, nil},
		{"missing text", `0:{"type":"text-delta"}`, nil},
		{"missing tool name", `0:{"type":"tool-call","args":{}}`, nil},
		{"missing result", `0:{"type":"tool-result","toolName":"read_file"}`, nil},
		{"null result", `0:{"type":"tool-result","toolName":"read_file","result":null}`, nil},
		{"scalar result", `0:{"type":"tool-result","toolName":"read_file","result":"done"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(tt.line)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestMarshalFrameAlwaysSendsResultObject(t *testing.T) {
	frame, err := MarshalFrame(ToolResult{ToolCallID: "c1", ToolName: "read_file"})
	require.NoError(t, err)
	assert.Equal(t, `0:{"type":"tool-result","toolCallId":"c1","toolName":"read_file","result":{"error":"read_file: no result","success":false}}`+"\n", string(frame))

	event, err := ParseFrame(strings.TrimSuffix(string(frame), "\n"))
	require.NoError(t, err)
	assert.False(t, event.(ToolResult).Success())

	_, err = MarshalFrame(ToolResult{ToolName: "read_file", Result: json.RawMessage(`"done"`)})
	require.Error(t, err)
}

func TestDecoderSplitFrameScenario(t *testing.T) {
	events := decodeAll(t, SliceSource(
		[]byte(`0:{"typ`),
		[]byte(`e":"text-delta","textDelta":"Hi"}`+"\n"),
	))
	require.Len(t, events, 1)
	assert.Equal(t, TextDelta{Text: "Hi"}, events[0])
}

func TestDecoderSkipsNoiseAndMalformedLines(t *testing.T) {
	logger, hook := nullLogger()
	stream := "\n" +
		`2:["data"]` + "\n" +
		`0:{"type":"text-delta","textDelta":"a"}` + "\r\n" +
		`0:{not json}` + "\n" +
		`e:{"finishReason":"stop"}` + "\n" +
		`0:{"type":"text-delta","textDelta":"b"}` + "\n"
	dec := NewDecoder(bytes.NewBufferString(stream), logger)

	var texts []string
	for {
		event, err := dec.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		texts = append(texts, event.(TextDelta).Text)
	}
	assert.Equal(t, []string{"a", "b"}, texts)

	require.Len(t, hook.AllEntries(), 1, "only the malformed data frame is logged")
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, `0:{not json}`, hook.LastEntry().Data["line"])
}

func TestDecoderSkipsUnknownFrameTypesQuietly(t *testing.T) {
	logger, hook := nullLogger()
	logger.SetLevel(logrus.DebugLevel)
	stream := `0:{"type":"reasoning","text":"hmm"}` + "\n" +
		`0:{"type":"text-delta","textDelta":"ok"}` + "\n"
	dec := NewDecoder(bytes.NewBufferString(stream), logger)

	event, err := dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TextDelta{Text: "ok"}, event)
	_, err = dec.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
	assert.ErrorIs(t, hook.LastEntry().Data[logrus.ErrorKey].(error), ErrUnknownEventType)
}

func TestDecoderFlushesTrailingLine(t *testing.T) {
	events := decodeAll(t, SliceSource([]byte(`0:{"type":"text-delta","textDelta":"end"}`)))
	assert.Equal(t, []Event{TextDelta{Text: "end"}}, events)

	events = decodeAll(t, SliceSource([]byte(`0:{"type":"text-del`)))
	assert.Empty(t, events)
}

func TestDecoderTransportFailure(t *testing.T) {
	broken := errors.New("connection reset")
	calls := 0
	src := ChunkSourceFunc(func(context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return []byte(`0:{"type":"text-delta","textDelta":"partial"}` + "\n" + `0:{"type":"te`), nil
		}
		return nil, broken
	})
	logger, _ := nullLogger()
	dec := NewChunkDecoder(src, logger)

	event, err := dec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TextDelta{Text: "partial"}, event)

	_, err = dec.Next(context.Background())
	assert.ErrorIs(t, err, broken)
	_, err = dec.Next(context.Background())
	assert.ErrorIs(t, err, broken, "the failure is sticky")
}

func TestDecoderStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger, _ := nullLogger()
	dec := NewChunkDecoder(SliceSource([]byte(`0:{"type":"text-delta","textDelta":"x"}`+"\n")), logger)

	_, err := dec.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func loopEvents() []agentloop.Event {
	ok := agentloop.Succeeded(map[string]any{"content": "héllo wörld 🌍"})
	denied := agentloop.Failed("Access denied: ../x is outside the root directory")
	return []agentloop.Event{
		{Kind: agentloop.EventStepStart, Step: 1},
		{Kind: agentloop.EventTextDelta, Text: "Let me look… "},
		{Kind: agentloop.EventToolCallStart, ToolCallID: "call_1", ToolName: "read_file", Args: json.RawMessage(`{"path": "ü.txt"}`)},
		{Kind: agentloop.EventToolCallStart, ToolCallID: "call_2", ToolName: "read_file", Args: json.RawMessage(`{"path":"../x"}`)},
		{Kind: agentloop.EventToolCallEnd, ToolCallID: "call_1", ToolName: "read_file", Result: &ok},
		{Kind: agentloop.EventToolCallEnd, ToolCallID: "call_2", ToolName: "read_file", Result: &denied},
		{Kind: agentloop.EventTextDelta, Text: "Done ✅\nSecond line"},
		{Kind: agentloop.EventTurnEnd, Step: 2},
	}
}

func TestEncodeDecodeRoundTripAtEverySplit(t *testing.T) {
	var stream bytes.Buffer
	enc := NewEncoder(&stream)
	for _, event := range loopEvents() {
		_, err := enc.EncodeLoopEvent(event)
		require.NoError(t, err)
	}
	assert.Equal(t, 6, enc.Frames())

	encoded := stream.Bytes()
	want := decodeAll(t, SliceSource(encoded))
	require.Len(t, want, 6)
	assert.Equal(t, TextDelta{Text: "Let me look… "}, want[0])
	assert.Equal(t, ToolCall{ToolCallID: "call_1", ToolName: "read_file", Args: json.RawMessage(`{"path":"ü.txt"}`)}, want[1])
	assert.True(t, want[3].(ToolResult).Success())
	assert.False(t, want[4].(ToolResult).Success())
	assert.Equal(t, TextDelta{Text: "Done ✅\nSecond line"}, want[5])

	for split := 0; split <= len(encoded); split++ {
		got := decodeAll(t, SliceSource(encoded[:split], encoded[split:]))
		require.Equal(t, want, got, "split at byte %d", split)
	}

	singleBytes := make([][]byte, len(encoded))
	for i := range encoded {
		singleBytes[i] = encoded[i : i+1]
	}
	require.Equal(t, want, decodeAll(t, SliceSource(singleBytes...)))
}

func TestFromLoopEventSkipsInternalEvents(t *testing.T) {
	for _, kind := range []agentloop.EventKind{
		agentloop.EventStepStart, agentloop.EventStepLimit, agentloop.EventLoopDetection,
		agentloop.EventError, agentloop.EventTurnEnd,
	} {
		_, ok := FromLoopEvent(agentloop.Event{Kind: kind})
		assert.False(t, ok, kind)
	}
	_, ok := FromLoopEvent(agentloop.Event{Kind: agentloop.EventTextDelta})
	assert.False(t, ok, "empty deltas are not sent")
}

func TestEncoderFlushesHTTPResponses(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewEncoder(rec)
	require.NoError(t, enc.Encode(TextDelta{Text: "x"}))
	assert.True(t, rec.Flushed)
	assert.Equal(t, `0:{"type":"text-delta","textDelta":"x"}`+"\n", rec.Body.String())
}
