// Package claude translates Claude-style chat requests into CodeWhisperer
// conversationState payloads and parses the hybrid event-stream responses
// back into Claude-style messages.
package claude

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Truncation markers appended when message content is cut.
const (
	truncatedMarker      = "\n...[内容已截断]"
	innerTruncatedMarker = "\n...[已截断]"

	// continuePlaceholder stands in when the current message would be empty.
	continuePlaceholder = "Continue"

	maxNonCoreToolDescLen = 1000
	maxToolDescLen        = 300

	// historyFloor is the smallest history length the first remediation
	// stage will shrink to; the emergency stage goes down to emergencyKeep.
	historyFloor  = 5
	emergencyKeep = 3

	// innerTruncateLen re-truncates history content during remediation.
	innerTruncateLen = 2000
)

// coreTools are always retained during tool filtering.
var coreTools = map[string]bool{
	"Read":            true,
	"Write":           true,
	"Edit":            true,
	"Glob":            true,
	"Grep":            true,
	"Bash":            true,
	"WebFetch":        true,
	"WebSearch":       true,
	"AskUserQuestion": true,
}

var (
	systemReminderRe = regexp.MustCompile(`(?is)<system-reminder>.*?</system-reminder>`)
	interruptMarker  = "[Request interrupted by user]"
)

// SanitizeText strips system-reminder blocks and interruption markers from a
// text segment and trims surrounding whitespace. It is idempotent.
func SanitizeText(text string) string {
	text = systemReminderRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, interruptMarker, "")
	return strings.TrimSpace(text)
}

// ShaperOptions carries the request-shaping limits.
type ShaperOptions struct {
	MaxHistory       int
	MaxMessageLength int
	MaxTools         int
	DisableTools     bool
	MaxRequestSize   int
}

// Upstream payload structs; field order matches the wire key order.

type Payload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type ConversationState struct {
	ConversationID  string           `json:"conversationId"`
	ChatTriggerType string           `json:"chatTriggerType"`
	History         []HistoryMessage `json:"history"`
	CurrentMessage  CurrentMessage   `json:"currentMessage"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type UserInputMessageContext struct {
	ToolResults []ToolResult  `json:"toolResults,omitempty"`
	Tools       []ToolWrapper `json:"tools,omitempty"`
}

type ToolResult struct {
	Content   []TextContent `json:"content"`
	Status    string        `json:"status"`
	ToolUseID string        `json:"toolUseId"`
}

type TextContent struct {
	Text string `json:"text"`
}

type ToolWrapper struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON any `json:"json"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses"`
}

type ToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes string `json:"bytes"`
}

const originAIEditor = "AI_EDITOR"

// shapedMessage is the normalized intermediate form of an inbound message.
type shapedMessage struct {
	role        string
	text        string
	toolResults []ToolResult
	toolUses    []ToolUse
	images      []Image
}

// BuildRequest shapes a Claude-style chat request body into a serialized
// CodeWhisperer conversationState payload. profileArn is attached only for
// social auth. The returned bytes respect the configured size budget on a
// best-effort basis: remediation stages run in order and the payload is sent
// even if the budget cannot be met.
func BuildRequest(body []byte, publicModel, profileArn, authMethod string, opts ShaperOptions) ([]byte, error) {
	root := gjson.ParseBytes(body)
	messagesJSON := root.Get("messages")
	if !messagesJSON.IsArray() || len(messagesJSON.Array()) == 0 {
		return nil, fmt.Errorf("kiro request: messages missing or empty")
	}

	modelID := MapModel(publicModel)

	msgs := normalizeMessages(messagesJSON, opts.MaxMessageLength)

	// History cap before anything else touches the upstream shape.
	if opts.MaxHistory > 0 && len(msgs) > opts.MaxHistory {
		log.Debugf("kiro request: history truncated from %d to %d messages", len(msgs), opts.MaxHistory)
		msgs = msgs[len(msgs)-opts.MaxHistory:]
	}

	tools := shapeTools(root.Get("tools"), opts)

	// System prompt placement: merge into the first user message, or push a
	// synthetic leading user message when none exists.
	if systemText := SanitizeText(extractSystemText(root.Get("system"))); systemText != "" {
		merged := false
		for i := range msgs {
			if msgs[i].role == "user" {
				if msgs[i].text != "" {
					msgs[i].text = systemText + "\n\n" + msgs[i].text
				} else {
					msgs[i].text = systemText
				}
				merged = true
				break
			}
		}
		if !merged {
			msgs = append([]shapedMessage{{role: "user", text: systemText}}, msgs...)
		}
	}

	if len(msgs) == 0 {
		msgs = append(msgs, shapedMessage{role: "user", text: continuePlaceholder})
	}

	history, current := assembleConversation(msgs, modelID)

	if len(tools) > 0 || len(current.UserInputMessage.UserInputMessageContext.ToolResults) > 0 {
		current.UserInputMessage.UserInputMessageContext.Tools = tools
	} else {
		current.UserInputMessage.UserInputMessageContext = nil
	}

	payload := Payload{
		ConversationState: ConversationState{
			ConversationID:  uuid.NewString(),
			ChatTriggerType: "MANUAL",
			History:         history,
			CurrentMessage:  current,
		},
	}
	if authMethod == "" || authMethod == "social" {
		payload.ProfileArn = profileArn
	}
	if payload.ConversationState.History == nil {
		payload.ConversationState.History = []HistoryMessage{}
	}

	return enforceSizeBudget(&payload, opts.MaxRequestSize)
}

// normalizeMessages sanitizes and flattens inbound messages. Per-message
// truncation applies to text and text parts; tool results are truncated too.
func normalizeMessages(messages gjson.Result, maxLen int) []shapedMessage {
	var out []shapedMessage
	for _, msg := range messages.Array() {
		role := msg.Get("role").String()
		if role != "user" && role != "assistant" {
			continue
		}
		shaped := shapedMessage{role: role}
		content := msg.Get("content")
		if content.IsArray() {
			var texts []string
			for _, part := range content.Array() {
				switch part.Get("type").String() {
				case "text":
					if t := SanitizeText(part.Get("text").String()); t != "" {
						texts = append(texts, truncate(t, maxLen))
					}
				case "tool_result":
					shaped.toolResults = append(shaped.toolResults, shapeToolResult(part, maxLen))
				case "tool_use":
					shaped.toolUses = append(shaped.toolUses, shapeToolUse(part))
				case "image":
					if img, ok := shapeImage(part); ok {
						shaped.images = append(shaped.images, img)
					}
				}
			}
			shaped.text = strings.Join(texts, "\n")
		} else {
			shaped.text = truncate(SanitizeText(content.String()), maxLen)
		}
		out = append(out, shaped)
	}
	return out
}

func shapeToolResult(part gjson.Result, maxLen int) ToolResult {
	var texts []TextContent
	content := part.Get("content")
	if content.IsArray() {
		for _, item := range content.Array() {
			if item.Get("type").String() == "text" {
				texts = append(texts, TextContent{Text: truncate(item.Get("text").String(), maxLen)})
			} else if item.Type == gjson.String {
				texts = append(texts, TextContent{Text: truncate(item.String(), maxLen)})
			}
		}
	} else if content.Type == gjson.String {
		texts = append(texts, TextContent{Text: truncate(content.String(), maxLen)})
	}
	if len(texts) == 0 {
		texts = append(texts, TextContent{Text: ""})
	}
	return ToolResult{
		Content:   texts,
		Status:    "success",
		ToolUseID: part.Get("tool_use_id").String(),
	}
}

func shapeToolUse(part gjson.Result) ToolUse {
	input := map[string]any{}
	if in := part.Get("input"); in.IsObject() {
		in.ForEach(func(key, value gjson.Result) bool {
			input[key.String()] = value.Value()
			return true
		})
	}
	return ToolUse{
		ToolUseID: part.Get("id").String(),
		Name:      part.Get("name").String(),
		Input:     input,
	}
}

func shapeImage(part gjson.Result) (Image, bool) {
	mediaType := part.Get("source.media_type").String()
	data := part.Get("source.data").String()
	format := ""
	if idx := strings.LastIndex(mediaType, "/"); idx != -1 {
		format = mediaType[idx+1:]
	}
	if format == "" || data == "" {
		return Image{}, false
	}
	return Image{Format: format, Source: ImageSource{Bytes: data}}, true
}

// shapeTools applies the tool-filtering pipeline: core tools always survive,
// non-core tools with oversized descriptions drop, the combined list is capped
// and surviving descriptions are truncated.
func shapeTools(tools gjson.Result, opts ShaperOptions) []ToolWrapper {
	if opts.DisableTools || !tools.IsArray() {
		return nil
	}
	var core, rest []ToolWrapper
	for _, tool := range tools.Array() {
		name := tool.Get("name").String()
		if name == "" {
			continue
		}
		desc := tool.Get("description").String()
		isCore := coreTools[name]
		if !isCore && len(desc) > maxNonCoreToolDescLen {
			log.Debugf("kiro request: dropping tool %s (description %d chars)", name, len(desc))
			continue
		}
		wrapper := ToolWrapper{ToolSpecification: ToolSpecification{
			Name:        name,
			Description: truncate(desc, maxToolDescLen),
			InputSchema: InputSchema{JSON: tool.Get("input_schema").Value()},
		}}
		if isCore {
			core = append(core, wrapper)
		} else {
			rest = append(rest, wrapper)
		}
	}
	combined := append(core, rest...)
	if opts.MaxTools > 0 && len(combined) > opts.MaxTools {
		log.Debugf("kiro request: tool list capped from %d to %d", len(combined), opts.MaxTools)
		combined = combined[:opts.MaxTools]
	}
	return combined
}

// extractSystemText flattens a system prompt that may be a string or a list
// of text blocks.
func extractSystemText(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.IsArray() {
		var sb strings.Builder
		for _, block := range system.Array() {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			} else if block.Type == gjson.String {
				sb.WriteString(block.String())
			}
		}
		return sb.String()
	}
	return system.String()
}

// assembleConversation maps all but the last message into history and builds
// the current message. An assistant-final conversation is pushed into history
// with a synthetic "Continue" user turn, so currentMessage always wraps a
// userInputMessage.
func assembleConversation(msgs []shapedMessage, modelID string) ([]HistoryMessage, CurrentMessage) {
	var history []HistoryMessage
	for i := 0; i < len(msgs)-1; i++ {
		history = append(history, toHistoryMessage(msgs[i], modelID))
	}

	last := msgs[len(msgs)-1]
	if last.role == "assistant" {
		history = append(history, toHistoryMessage(last, modelID))
		last = shapedMessage{role: "user", text: continuePlaceholder}
	}

	userMsg := UserInputMessage{
		Content: last.text,
		ModelID: modelID,
		Origin:  originAIEditor,
	}
	if len(last.images) > 0 {
		userMsg.Images = last.images
	}
	userMsg.UserInputMessageContext = &UserInputMessageContext{ToolResults: last.toolResults}
	if userMsg.Content == "" && len(last.toolResults) == 0 && len(last.toolUses) == 0 {
		userMsg.Content = continuePlaceholder
	}
	return history, CurrentMessage{UserInputMessage: userMsg}
}

func toHistoryMessage(m shapedMessage, modelID string) HistoryMessage {
	if m.role == "assistant" {
		asst := &AssistantResponseMessage{Content: m.text, ToolUses: m.toolUses}
		if asst.ToolUses == nil {
			asst.ToolUses = []ToolUse{}
		}
		return HistoryMessage{AssistantResponseMessage: asst}
	}
	user := &UserInputMessage{
		Content: m.text,
		ModelID: modelID,
		Origin:  originAIEditor,
	}
	if len(m.images) > 0 {
		user.Images = m.images
	}
	if len(m.toolResults) > 0 {
		user.UserInputMessageContext = &UserInputMessageContext{ToolResults: m.toolResults}
	}
	return HistoryMessage{UserInputMessage: user}
}

// enforceSizeBudget serializes the payload and, when over budget, applies the
// staged remediations in order, re-serializing after each step and stopping
// as soon as the payload fits. The remediations are best-effort: an oversized
// payload is still returned after the last stage.
func enforceSizeBudget(payload *Payload, maxSize int) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kiro request: marshal payload: %w", err)
	}
	if maxSize <= 0 || len(data) <= maxSize {
		return data, nil
	}
	log.Warnf("kiro request: payload %d bytes exceeds budget %d, applying remediations", len(data), maxSize)

	cs := &payload.ConversationState

	// Stage a: shed oldest history entries down to the floor.
	for len(cs.History) > historyFloor {
		cs.History = cs.History[1:]
		if data, err = json.Marshal(payload); err != nil {
			return nil, err
		}
		if len(data) <= maxSize {
			log.Debugf("kiro request: size ok after history shed (%d bytes)", len(data))
			return data, nil
		}
	}

	// Stage b: re-truncate history content harder.
	for i := range cs.History {
		if u := cs.History[i].UserInputMessage; u != nil {
			u.Content = truncateWith(u.Content, innerTruncateLen, innerTruncatedMarker)
			if u.UserInputMessageContext != nil {
				for j := range u.UserInputMessageContext.ToolResults {
					for k := range u.UserInputMessageContext.ToolResults[j].Content {
						tc := &u.UserInputMessageContext.ToolResults[j].Content[k]
						tc.Text = truncateWith(tc.Text, innerTruncateLen, innerTruncatedMarker)
					}
				}
			}
		}
		if a := cs.History[i].AssistantResponseMessage; a != nil {
			a.Content = truncateWith(a.Content, innerTruncateLen, innerTruncatedMarker)
		}
	}
	if data, err = json.Marshal(payload); err != nil {
		return nil, err
	}
	if len(data) <= maxSize {
		log.Debugf("kiro request: size ok after inner truncation (%d bytes)", len(data))
		return data, nil
	}

	// Stage c: drop the tool definitions.
	if ctx := cs.CurrentMessage.UserInputMessage.UserInputMessageContext; ctx != nil {
		ctx.Tools = nil
		if data, err = json.Marshal(payload); err != nil {
			return nil, err
		}
		if len(data) <= maxSize {
			log.Debugf("kiro request: size ok after dropping tools (%d bytes)", len(data))
			return data, nil
		}
	}

	// Stage d: emergency trim to the last few history entries.
	if len(cs.History) > emergencyKeep {
		cs.History = cs.History[len(cs.History)-emergencyKeep:]
		if data, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	if len(data) > maxSize {
		log.Warnf("kiro request: payload still %d bytes after remediation, sending anyway", len(data))
	}
	return data, nil
}

func truncate(text string, maxLen int) string {
	return truncateWith(text, maxLen, truncatedMarker)
}

func truncateWith(text string, maxLen int, marker string) string {
	if maxLen <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + marker
}
