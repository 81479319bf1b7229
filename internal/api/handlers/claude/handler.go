// Package claude exposes the Claude-style /v1/messages endpoint backed by
// the Kiro executor. Streaming responses are pseudo-streams: the upstream
// call completes and is fully parsed before the first event is written.
package claude

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kirogate/kirogate/internal/runtime/executor"
	kiroclaude "github.com/kirogate/kirogate/internal/translator/kiro/claude"
)

// Handler serves chat completion requests.
type Handler struct {
	exec *executor.KiroExecutor
}

// NewHandler creates a messages handler bound to the Kiro executor.
func NewHandler(exec *executor.KiroExecutor) *Handler {
	return &Handler{exec: exec}
}

// Messages handles POST /v1/messages.
func (h *Handler) Messages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	root := gjson.ParseBytes(body)
	model := root.Get("model").String()
	if model == "" {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "missing required field: model")
		return
	}
	if !root.Get("messages").IsArray() || len(root.Get("messages").Array()) == 0 {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "missing required field: messages")
		return
	}

	parsed, err := h.exec.Complete(c.Request.Context(), model, body)
	if err != nil {
		status := executor.StatusCodeFromError(err)
		log.Errorf("kiro handler: upstream request failed: %v", err)
		writeError(c, status, errorTypeForStatus(status), err.Error())
		return
	}

	if root.Get("stream").Bool() {
		h.writeStream(c, parsed, model)
		return
	}
	c.Data(http.StatusOK, "application/json", kiroclaude.BuildNonStreamResponse(parsed, model))
}

// writeStream emits the pseudo-stream event sequence as SSE.
func (h *Handler) writeStream(c *gin.Context, parsed kiroclaude.ParsedResponse, model string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	for _, ev := range kiroclaude.BuildStreamEvents(parsed, model) {
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Event, ev.Data); err != nil {
			// Downstream went away; the upstream call is already complete so
			// there is nothing to abort.
			log.Debugf("kiro handler: client closed stream: %v", err)
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func errorTypeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func writeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}
