package claude

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ToolCall is a parsed upstream tool invocation in function-call form.
// Arguments normally holds a JSON-encoded object string. When a structured
// tool use accumulates input that is not valid JSON, Arguments keeps that raw
// text and RawArguments holds a copy; when a bracket call's arguments cannot
// be repaired, Arguments is "{}" and RawArguments holds the original text.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name         string `json:"name"`
	Arguments    string `json:"arguments"`
	RawArguments string `json:"raw_arguments,omitempty"`
}

// ParsedResponse is the outcome of parsing a raw upstream buffer.
type ParsedResponse struct {
	ResponseText string
	ToolCalls    []ToolCall
}

// Event grammars. The upstream emits binary-framed SSE-like events; the
// primary grammar anchors on the message-type header, the fallback matches
// bare "event{" markers and is consulted only when the primary finds nothing.
var (
	primaryEventRe  = regexp.MustCompile(`(?s):message-type.{0,4}?event\{`)
	fallbackEventRe = regexp.MustCompile(`event\{`)
	eventBoundary   = ":event-type"
)

// upstreamEvent is the union of the JSON event shapes we care about.
type upstreamEvent struct {
	Content        string          `json:"content"`
	FollowupPrompt json.RawMessage `json:"followupPrompt"`
	Name           string          `json:"name"`
	ToolUseID      string          `json:"toolUseId"`
	Input          json.RawMessage `json:"input"`
	Stop           bool            `json:"stop"`
}

// toolUseBuilder accumulates a structured tool-use across input chunks.
type toolUseBuilder struct {
	id        string
	name      string
	arguments strings.Builder
}

// ParseResponse extracts text and tool calls from a raw upstream buffer.
// Structured events are parsed first; bracket-syntax calls are then collected
// from both the event-extracted text and the raw buffer, deduplicated by
// (name, arguments), and every matched bracket span is stripped from the
// returned text.
func ParseResponse(raw []byte) ParsedResponse {
	buffer := string(raw)

	events, grammar := extractEventBlocks(buffer)
	log.Debugf("kiro response: %d event blocks via %s grammar", len(events), grammar)

	var text strings.Builder
	var calls []ToolCall
	builders := map[string]*toolUseBuilder{}
	var builderOrder []string

	for _, block := range events {
		var ev upstreamEvent
		if err := json.Unmarshal([]byte(block), &ev); err != nil {
			log.Warnf("kiro response: skipping unparseable event: %v", err)
			continue
		}
		switch {
		case ev.ToolUseID != "" || ev.Name != "":
			b, ok := builders[ev.ToolUseID]
			if !ok {
				b = &toolUseBuilder{id: ev.ToolUseID, name: ev.Name}
				builders[ev.ToolUseID] = b
				builderOrder = append(builderOrder, ev.ToolUseID)
			}
			if b.name == "" && ev.Name != "" {
				b.name = ev.Name
			}
			appendToolInput(b, ev.Input)
			if ev.Stop {
				if b.name != "" {
					calls = append(calls, finalizeToolUse(b))
				}
				delete(builders, ev.ToolUseID)
				builderOrder = removeString(builderOrder, ev.ToolUseID)
			}
		case ev.Content != "" && ev.FollowupPrompt == nil:
			text.WriteString(decodeNewlines(ev.Content))
		}
	}

	// Builders never closed with a stop event still count.
	for _, id := range builderOrder {
		if b, ok := builders[id]; ok && b.name != "" {
			calls = append(calls, finalizeToolUse(b))
		}
	}

	// Bracket calls live in the event text and, on some deployments, outside
	// event frames entirely, so the raw buffer is scanned as well.
	responseText := text.String()
	cleaned, textCalls := extractBracketToolCalls(responseText)
	_, rawCalls := extractBracketToolCalls(buffer)

	calls = append(calls, textCalls...)
	calls = append(calls, rawCalls...)
	calls = dedupeToolCalls(calls)

	if len(textCalls) > 0 {
		cleaned = collapseWhitespace(cleaned)
	}
	return ParsedResponse{ResponseText: strings.TrimSpace(cleaned), ToolCalls: calls}
}

// extractEventBlocks returns the JSON blocks found by the primary grammar,
// falling back to the looser grammar only when the primary finds nothing.
func extractEventBlocks(buffer string) ([]string, string) {
	blocks := scanEventBlocks(buffer, primaryEventRe)
	if len(blocks) > 0 {
		return blocks, "primary"
	}
	return scanEventBlocks(buffer, fallbackEventRe), "fallback"
}

func scanEventBlocks(buffer string, re *regexp.Regexp) []string {
	var blocks []string
	for _, loc := range re.FindAllStringIndex(buffer, -1) {
		// The match ends at the opening brace; the candidate runs to the next
		// event-type marker or end of buffer.
		start := loc[1] - 1
		candidate := buffer[start:]
		if idx := strings.Index(candidate[1:], eventBoundary); idx >= 0 {
			candidate = candidate[:idx+1]
		}
		if block := shortestValidJSONPrefix(candidate); block != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// shortestValidJSONPrefix returns the shortest prefix ending in '}' that is
// valid JSON, or the empty string when no prefix parses.
func shortestValidJSONPrefix(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] != '}' {
			continue
		}
		candidate := s[:i+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

// appendToolInput appends an input chunk to the builder's arguments string.
// String chunks concatenate; object chunks replace the accumulated value.
func appendToolInput(b *toolUseBuilder, input json.RawMessage) {
	if len(input) == 0 {
		return
	}
	var chunk string
	if err := json.Unmarshal(input, &chunk); err == nil {
		b.arguments.WriteString(chunk)
		return
	}
	trimmed := strings.TrimSpace(string(input))
	if strings.HasPrefix(trimmed, "{") {
		b.arguments.Reset()
		b.arguments.WriteString(trimmed)
	}
}

func finalizeToolUse(b *toolUseBuilder) ToolCall {
	args := b.arguments.String()
	call := ToolCall{
		ID:       b.id,
		Type:     "function",
		Function: ToolFunction{Name: b.name, Arguments: args},
	}
	if call.ID == "" {
		call.ID = newCallID()
	}
	if args == "" {
		call.Function.Arguments = "{}"
	} else if !json.Valid([]byte(args)) {
		log.Warnf("kiro response: tool %s arguments are not valid JSON, keeping raw", b.name)
		call.Function.RawArguments = args
	}
	return call
}

func removeString(list []string, target string) []string {
	for i, v := range list {
		if v == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// decodeNewlines replaces the two-character sequence \n with a real newline
// unless the backslash is itself escaped.
func decodeNewlines(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == 'n' && (i == 0 || s[i-1] != '\\') {
			sb.WriteByte('\n')
			i++
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

const bracketCallPrefix = "[Called "
const bracketArgsMarker = " with args: "

// extractBracketToolCalls scans text for [Called NAME with args: {...}]
// spans, returning the text with every matched span removed plus the calls
// that parsed (after conservative JSON repair).
func extractBracketToolCalls(text string) (string, []ToolCall) {
	var calls []ToolCall
	var out strings.Builder
	pos := 0
	for {
		start := strings.Index(text[pos:], bracketCallPrefix)
		if start < 0 {
			out.WriteString(text[pos:])
			break
		}
		start += pos
		nameStart := start + len(bracketCallPrefix)
		argsIdx := strings.Index(text[nameStart:], bracketArgsMarker)
		if argsIdx < 0 {
			out.WriteString(text[pos : start+1])
			pos = start + 1
			continue
		}
		name := strings.TrimSpace(text[nameStart : nameStart+argsIdx])
		braceStart := nameStart + argsIdx + len(bracketArgsMarker)
		if braceStart >= len(text) || text[braceStart] != '{' || !validToolName(name) {
			out.WriteString(text[pos : start+1])
			pos = start + 1
			continue
		}
		braceEnd := matchBalancedBraces(text, braceStart)
		if braceEnd < 0 {
			out.WriteString(text[pos : start+1])
			pos = start + 1
			continue
		}
		// The span must close with the bracket right after the braces.
		closing := braceEnd + 1
		for closing < len(text) && (text[closing] == ' ' || text[closing] == '\t') {
			closing++
		}
		if closing >= len(text) || text[closing] != ']' {
			out.WriteString(text[pos : start+1])
			pos = start + 1
			continue
		}

		if call, ok := buildBracketCall(name, text[braceStart:braceEnd+1]); ok {
			calls = append(calls, call)
		}
		out.WriteString(text[pos:start])
		pos = closing + 1
	}
	return out.String(), calls
}

var toolNameRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

func validToolName(name string) bool {
	return name != "" && toolNameRe.MatchString(name)
}

// matchBalancedBraces returns the index of the brace matching text[start],
// respecting double-quoted strings with backslash escapes, or -1.
func matchBalancedBraces(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

func buildBracketCall(name, args string) (ToolCall, bool) {
	repaired := repairJSON(args)
	var obj map[string]any
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		log.Warnf("kiro response: bracket call %s has unrecoverable args: %v", name, err)
		return ToolCall{
			ID:   newCallID(),
			Type: "function",
			Function: ToolFunction{
				Name:         name,
				Arguments:    "{}",
				RawArguments: args,
			},
		}, true
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return ToolCall{}, false
	}
	return ToolCall{
		ID:       newCallID(),
		Type:     "function",
		Function: ToolFunction{Name: name, Arguments: string(canonical)},
	}, true
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	bareValueRe     = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_]*)\s*([,}\]])`)
)

// repairJSON applies the conservative malformation fixes: trailing commas,
// bare identifier keys, and bare identifier string values. JSON literals
// (true/false/null) and numbers are left untouched.
func repairJSON(input string) string {
	if json.Valid([]byte(input)) {
		return input
	}
	value := trailingCommaRe.ReplaceAllString(input, "$1")
	value = bareKeyRe.ReplaceAllString(value, `$1"$2":`)
	value = bareValueRe.ReplaceAllStringFunc(value, func(m string) string {
		sub := bareValueRe.FindStringSubmatch(m)
		switch sub[1] {
		case "true", "false", "null":
			return m
		}
		return fmt.Sprintf(`: "%s"%s`, sub[1], sub[2])
	})
	return value
}

func dedupeToolCalls(calls []ToolCall) []ToolCall {
	seen := make(map[string]struct{}, len(calls))
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		key := call.Function.Name + "\x00" + call.Function.Arguments
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, call)
	}
	return out
}

// collapseWhitespace squeezes horizontal whitespace runs left behind by span
// stripping and bounds consecutive blank lines.
func collapseWhitespace(s string) string {
	s = regexp.MustCompile(`[ \t]+`).ReplaceAllString(s, " ")
	s = regexp.MustCompile(`\n{3,}`).ReplaceAllString(s, "\n\n")
	return s
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
