package claude

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// DefaultModel is the public name used when a lookup misses.
const DefaultModel = "claude-opus-4-5"

// modelMap maps public model names to upstream CodeWhisperer identifiers.
var modelMap = map[string]string{
	"claude-opus-4-5":   "CLAUDE_OPUS_4_5_20251101_V1_0",
	"claude-sonnet-4-5": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-haiku-4-5":  "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-3-7-sonnet": "CLAUDE_3_7_SONNET_20250219_V1_0",

	// Amazon Q aliases hit the SendMessageStreaming endpoint but share the
	// same upstream identifiers.
	"amazonq-claude-opus-4-5":   "CLAUDE_OPUS_4_5_20251101_V1_0",
	"amazonq-claude-sonnet-4-5": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"amazonq-claude-sonnet-4":   "CLAUDE_SONNET_4_20250514_V1_0",
	"amazonq-claude-haiku-4-5":  "CLAUDE_HAIKU_4_5_20251001_V1_0",
}

// modelAllowlist restricts which public names this provider serves. Names
// outside the allowlist fall back to the default model.
var modelAllowlist = map[string]bool{
	"claude-opus-4-5":           true,
	"claude-sonnet-4-5":         true,
	"claude-sonnet-4":           true,
	"claude-haiku-4-5":          true,
	"claude-3-7-sonnet":         true,
	"amazonq-claude-opus-4-5":   true,
	"amazonq-claude-sonnet-4-5": true,
	"amazonq-claude-sonnet-4":   true,
	"amazonq-claude-haiku-4-5":  true,
}

// MapModel resolves a public model name to its upstream identifier,
// falling back to the default model on a miss.
func MapModel(public string) string {
	if modelAllowlist[public] {
		if id, ok := modelMap[public]; ok {
			return id
		}
	}
	log.Debugf("kiro: unknown model %q, falling back to %s", public, DefaultModel)
	return modelMap[DefaultModel]
}

// IsAmazonQModel reports whether the public name routes through the
// SendMessageStreaming endpoint.
func IsAmazonQModel(public string) bool {
	return strings.HasPrefix(public, "amazonq")
}

// Models lists the public names this provider serves.
func Models() []string {
	out := make([]string, 0, len(modelAllowlist))
	for name := range modelAllowlist {
		out = append(out, name)
	}
	return out
}
