package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// frame wraps a JSON event the way the upstream buffer carries it: an
// event-type header region, a message-type marker, then the JSON payload.
func frame(payload string) string {
	return ":event-type\x07\x00\x15assistantResponseEvent:message-type\x07\x00\x05event" + payload
}

func TestParseResponseSimpleText(t *testing.T) {
	raw := frame(`{"content":"hello"}`)
	parsed := ParseResponse([]byte(raw))
	assert.Equal(t, "hello", parsed.ResponseText)
	assert.Empty(t, parsed.ToolCalls)
}

func TestParseResponseMultipleEvents(t *testing.T) {
	raw := frame(`{"content":"one "}`) + frame(`{"content":"two"}`)
	parsed := ParseResponse([]byte(raw))
	assert.Equal(t, "one two", parsed.ResponseText)
}

func TestParseResponseFallbackGrammar(t *testing.T) {
	raw := `event{"content":"fallback works"}`
	parsed := ParseResponse([]byte(raw))
	assert.Equal(t, "fallback works", parsed.ResponseText)
}

func TestParseResponseNewlineDecoding(t *testing.T) {
	raw := frame(`{"content":"line1\\nline2"}`)
	parsed := ParseResponse([]byte(raw))
	assert.Equal(t, "line1\nline2", parsed.ResponseText)
}

func TestParseResponseFollowupPromptIgnored(t *testing.T) {
	raw := frame(`{"content":"real"}`) + frame(`{"content":"suggestion","followupPrompt":{"content":"next?"}}`)
	parsed := ParseResponse([]byte(raw))
	assert.Equal(t, "real", parsed.ResponseText)
}

func TestParseResponseStructuredToolUseAcrossChunks(t *testing.T) {
	raw := frame(`{"name":"Read","toolUseId":"t1","input":"{\"path\":"}`) +
		frame(`{"toolUseId":"t1","input":"\"/tmp\"}"}`) +
		frame(`{"toolUseId":"t1","stop":true}`)
	parsed := ParseResponse([]byte(raw))

	require.Len(t, parsed.ToolCalls, 1)
	call := parsed.ToolCalls[0]
	assert.Equal(t, "t1", call.ID)
	assert.Equal(t, "function", call.Type)
	assert.Equal(t, "Read", call.Function.Name)
	assert.Equal(t, `{"path":"/tmp"}`, call.Function.Arguments)
	assert.Empty(t, call.Function.RawArguments)
}

func TestParseResponseInvalidToolArgumentsKeptRaw(t *testing.T) {
	raw := frame(`{"name":"Bash","toolUseId":"t2","input":"{broken"}`) +
		frame(`{"toolUseId":"t2","stop":true}`)
	parsed := ParseResponse([]byte(raw))

	require.Len(t, parsed.ToolCalls, 1)
	assert.Equal(t, "{broken", parsed.ToolCalls[0].Function.RawArguments)
}

func TestParseResponseBracketToolCall(t *testing.T) {
	raw := frame(`{"content":"I'll run "}`) + `[Called Bash with args: {command: "ls"}]`
	parsed := ParseResponse([]byte(raw))

	assert.Equal(t, "I'll run", parsed.ResponseText)
	require.Len(t, parsed.ToolCalls, 1)
	call := parsed.ToolCalls[0]
	assert.Equal(t, "Bash", call.Function.Name)
	assert.Equal(t, `{"command":"ls"}`, call.Function.Arguments)
	assert.True(t, strings.HasPrefix(call.ID, "call_"))
	assert.Len(t, call.ID, len("call_")+8)
}

func TestParseResponseBracketCallInsideEventText(t *testing.T) {
	raw := frame(`{"content":"Before [Called Grep with args: {\"pattern\": \"foo\"}] after"}`)
	parsed := ParseResponse([]byte(raw))

	assert.Equal(t, "Before after", parsed.ResponseText)
	assert.NotContains(t, parsed.ResponseText, "[Called")
	require.Len(t, parsed.ToolCalls, 1)
	assert.Equal(t, "Grep", parsed.ToolCalls[0].Function.Name)
}

func TestParseResponseBracketDedupAcrossSources(t *testing.T) {
	// The same bracket call appears in the event text and in the raw buffer;
	// only one survives.
	raw := frame(`{"content":"x [Called Bash with args: {\"command\": \"ls\"}]"}`) +
		`[Called Bash with args: {"command": "ls"}]`
	parsed := ParseResponse([]byte(raw))
	assert.Len(t, parsed.ToolCalls, 1)
}

func TestParseResponseDedupInvariant(t *testing.T) {
	raw := frame(`{"content":"[Called A with args: {\"x\": 1}][Called B with args: {\"x\": 1}][Called A with args: {\"x\": 1}]"}`)
	parsed := ParseResponse([]byte(raw))
	require.Len(t, parsed.ToolCalls, 2)
	seen := map[string]bool{}
	for _, call := range parsed.ToolCalls {
		key := call.Function.Name + call.Function.Arguments
		assert.False(t, seen[key])
		seen[key] = true
	}
}

func TestParseResponseNoBracketRemains(t *testing.T) {
	raw := frame(`{"content":"a [Called Bash with args: {\"command\": \"nested {braces} inside\"}] b"}`)
	parsed := ParseResponse([]byte(raw))
	assert.NotContains(t, parsed.ResponseText, "[Called")
	require.Len(t, parsed.ToolCalls, 1)
	args := parsed.ToolCalls[0].Function.Arguments
	assert.Equal(t, `{"command":"nested {braces} inside"}`, args)
}

func TestRepairJSON(t *testing.T) {
	cases := map[string]string{
		`{"a": 1,}`:          `{"a": 1}`,
		`{key: "value"}`:     `{"key": "value"}`,
		`{"mode": fast}`:     `{"mode": "fast"}`,
		`{"flag": true}`:     `{"flag": true}`,
		`{"nothing": null}`:  `{"nothing": null}`,
		`{"list": [1, 2,],}`: `{"list": [1, 2]}`,
	}
	for input, want := range cases {
		got := repairJSON(input)
		assert.True(t, json.Valid([]byte(got)), "repair of %q produced invalid JSON %q", input, got)
		var a, b any
		require.NoError(t, json.Unmarshal([]byte(got), &a))
		require.NoError(t, json.Unmarshal([]byte(want), &b))
		assert.Equal(t, b, a, "input %q", input)
	}
}

func TestShortestValidJSONPrefix(t *testing.T) {
	assert.Equal(t, `{"a":1}`, shortestValidJSONPrefix(`{"a":1}trailing garbage}`))
	assert.Equal(t, "", shortestValidJSONPrefix(`{"a":`))
	// Nested objects resolve at the outermost closing brace.
	assert.Equal(t, `{"a":{"b":2}}`, shortestValidJSONPrefix(`{"a":{"b":2}}extra`))
}

func TestBuildNonStreamResponseText(t *testing.T) {
	parsed := ParsedResponse{ResponseText: "hello"}
	data := BuildNonStreamResponse(parsed, "claude-sonnet-4-5")

	root := gjson.ParseBytes(data)
	assert.Equal(t, "message", root.Get("type").String())
	assert.Equal(t, "assistant", root.Get("role").String())
	assert.Equal(t, "claude-sonnet-4-5", root.Get("model").String())
	assert.Equal(t, "end_turn", root.Get("stop_reason").String())
	assert.Equal(t, "hello", root.Get("content.0.text").String())
	assert.Equal(t, int64(0), root.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(2), root.Get("usage.output_tokens").Int())
}

func TestBuildNonStreamResponseToolUse(t *testing.T) {
	parsed := ParsedResponse{
		ToolCalls: []ToolCall{{
			ID:       "call_abcd1234",
			Type:     "function",
			Function: ToolFunction{Name: "Bash", Arguments: `{"command":"ls"}`},
		}},
	}
	data := BuildNonStreamResponse(parsed, "claude-sonnet-4-5")

	root := gjson.ParseBytes(data)
	assert.Equal(t, "tool_use", root.Get("stop_reason").String())
	block := root.Get("content.0")
	assert.Equal(t, "tool_use", block.Get("type").String())
	assert.Equal(t, "call_abcd1234", block.Get("id").String())
	assert.Equal(t, "Bash", block.Get("name").String())
	assert.Equal(t, "ls", block.Get("input.command").String())
}

func TestBuildStreamEventsOrder(t *testing.T) {
	parsed := ParsedResponse{
		ResponseText: "result text",
		ToolCalls: []ToolCall{{
			ID:       "call_11112222",
			Type:     "function",
			Function: ToolFunction{Name: "Read", Arguments: `{"path":"/tmp"}`},
		}},
	}
	events := BuildStreamEvents(parsed, "claude-sonnet-4-5")

	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	// Tool block at index 0, text block at index 1.
	toolStart := gjson.ParseBytes(events[1].Data)
	assert.Equal(t, int64(0), toolStart.Get("index").Int())
	assert.Equal(t, "tool_use", toolStart.Get("content_block.type").String())
	textStart := gjson.ParseBytes(events[4].Data)
	assert.Equal(t, int64(1), textStart.Get("index").Int())
	assert.Equal(t, "text", textStart.Get("content_block.type").String())

	delta := gjson.ParseBytes(events[2].Data)
	assert.Equal(t, `{"path":"/tmp"}`, delta.Get("delta.partial_json").String())

	msgDelta := gjson.ParseBytes(events[7].Data)
	assert.Equal(t, "tool_use", msgDelta.Get("delta.stop_reason").String())
}

func TestStreamAndNonStreamAgree(t *testing.T) {
	parsed := ParsedResponse{ResponseText: "same text either way"}
	nonStream := gjson.ParseBytes(BuildNonStreamResponse(parsed, "m"))

	var streamed strings.Builder
	for _, ev := range BuildStreamEvents(parsed, "m") {
		node := gjson.ParseBytes(ev.Data)
		if node.Get("delta.type").String() == "text_delta" {
			streamed.WriteString(node.Get("delta.text").String())
		}
	}
	assert.Equal(t, nonStream.Get("content.0.text").String(), streamed.String())
}

func TestStreamAndNonStreamToolBlocksAgree(t *testing.T) {
	parsed := ParsedResponse{
		ToolCalls: []ToolCall{
			{ID: "call_1", Type: "function", Function: ToolFunction{Name: "A", Arguments: `{"x":1}`}},
			{ID: "call_2", Type: "function", Function: ToolFunction{Name: "B", Arguments: `{"y":2}`}},
		},
	}
	nonStream := gjson.ParseBytes(BuildNonStreamResponse(parsed, "m"))

	type block struct{ id, name, args string }
	var fromNonStream, fromStream []block
	for _, b := range nonStream.Get("content").Array() {
		if b.Get("type").String() == "tool_use" {
			input, _ := json.Marshal(b.Get("input").Value())
			fromNonStream = append(fromNonStream, block{b.Get("id").String(), b.Get("name").String(), string(input)})
		}
	}
	var currentID, currentName string
	for _, ev := range BuildStreamEvents(parsed, "m") {
		node := gjson.ParseBytes(ev.Data)
		if node.Get("content_block.type").String() == "tool_use" {
			currentID = node.Get("content_block.id").String()
			currentName = node.Get("content_block.name").String()
		}
		if node.Get("delta.type").String() == "input_json_delta" {
			fromStream = append(fromStream, block{currentID, currentName, node.Get("delta.partial_json").String()})
		}
	}
	require.Equal(t, len(fromNonStream), len(fromStream))
	for i := range fromNonStream {
		assert.Equal(t, fromNonStream[i].id, fromStream[i].id)
		assert.Equal(t, fromNonStream[i].name, fromStream[i].name)
		var a, b any
		require.NoError(t, json.Unmarshal([]byte(fromNonStream[i].args), &a))
		require.NoError(t, json.Unmarshal([]byte(fromStream[i].args), &b))
		assert.Equal(t, a, b)
	}
}

func TestBuildStreamEventsEmptyResponse(t *testing.T) {
	events := BuildStreamEvents(ParsedResponse{}, "m")
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, names)
	last := gjson.ParseBytes(events[1].Data)
	assert.Equal(t, "end_turn", last.Get("delta.stop_reason").String())
}

func TestParseResponseLargeBufferManyEvents(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString(frame(fmt.Sprintf(`{"content":"chunk%03d "}`, i)))
	}
	parsed := ParseResponse([]byte(sb.String()))
	assert.Contains(t, parsed.ResponseText, "chunk000")
	assert.Contains(t, parsed.ResponseText, "chunk199")
}
