package claude

import (
	"encoding/json"

	"github.com/google/uuid"
)

// StreamEvent is one pseudo-stream SSE event: the event name and its
// marshaled JSON data.
type StreamEvent struct {
	Event string
	Data  []byte
}

// outputTokens estimates usage as ceil(total length / 4) over the response
// text and tool-call arguments.
func outputTokens(parsed ParsedResponse) int {
	total := len(parsed.ResponseText)
	for _, call := range parsed.ToolCalls {
		total += len(call.Function.Arguments)
	}
	return (total + 3) / 4
}

// toolUseInput renders a tool call's arguments as the tool_use input value:
// the decoded object when the arguments parse, the raw string otherwise.
func toolUseInput(call ToolCall) any {
	if json.Valid([]byte(call.Function.Arguments)) {
		return json.RawMessage(call.Function.Arguments)
	}
	return call.Function.Arguments
}

// BuildNonStreamResponse synthesizes the Claude-style message object for a
// parsed upstream response. model is the public name the client asked for.
func BuildNonStreamResponse(parsed ParsedResponse, model string) []byte {
	var content []map[string]any
	stopReason := "end_turn"

	if len(parsed.ToolCalls) > 0 {
		stopReason = "tool_use"
		for _, call := range parsed.ToolCalls {
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    call.ID,
				"name":  call.Function.Name,
				"input": toolUseInput(call),
			})
		}
	} else {
		content = append(content, map[string]any{
			"type": "text",
			"text": parsed.ResponseText,
		})
	}

	response := map[string]any{
		"id":            uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  0,
			"output_tokens": outputTokens(parsed),
		},
	}
	data, _ := json.Marshal(response)
	return data
}

// BuildStreamEvents synthesizes the deterministic pseudo-stream for a parsed
// upstream response: message_start, one content block per tool call, the text
// block, message_delta, message_stop — in exactly that order. All data is in
// memory before emission, so the slice is complete when returned.
func BuildStreamEvents(parsed ParsedResponse, model string) []StreamEvent {
	var events []StreamEvent
	emit := func(event string, data map[string]any) {
		payload, _ := json.Marshal(data)
		events = append(events, StreamEvent{Event: event, Data: payload})
	}

	emit("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            uuid.NewString(),
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})

	index := 0
	for _, call := range parsed.ToolCalls {
		emit("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": index,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    call.ID,
				"name":  call.Function.Name,
				"input": map[string]any{},
			},
		})
		emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{
				"type":         "input_json_delta",
				"partial_json": call.Function.Arguments,
			},
		})
		emit("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": index,
		})
		index++
	}

	if parsed.ResponseText != "" {
		emit("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": "text_delta", "text": parsed.ResponseText},
		})
		emit("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": index,
		})
	}

	stopReason := "end_turn"
	if len(parsed.ToolCalls) > 0 {
		stopReason = "tool_use"
	}
	emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": outputTokens(parsed)},
	})
	emit("message_stop", map[string]any{"type": "message_stop"})

	return events
}
