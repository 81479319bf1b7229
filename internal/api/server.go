// Package api wires the gin engine: middleware, authentication, and the
// chat-completion routes.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	handlerclaude "github.com/kirogate/kirogate/internal/api/handlers/claude"
	"github.com/kirogate/kirogate/internal/config"
	"github.com/kirogate/kirogate/internal/logging"
	"github.com/kirogate/kirogate/internal/runtime/executor"
	kiroclaude "github.com/kirogate/kirogate/internal/translator/kiro/claude"
)

// NewEngine builds the HTTP engine with logging, recovery, bearer auth and
// the message routes.
func NewEngine(cfg *config.Config, exec *executor.KiroExecutor) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinRecovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1", apiKeyAuth(cfg))
	handler := handlerclaude.NewHandler(exec)
	v1.POST("/messages", handler.Messages)
	v1.GET("/models", listModels)

	return engine
}

// apiKeyAuth validates the shared-secret bearer token. An empty key list
// leaves the gateway open (local use).
func apiKeyAuth(cfg *config.Config) gin.HandlerFunc {
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.GetHeader("x-api-key")
		}
		if !keys[strings.TrimSpace(token)] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "invalid api key",
				},
			})
			return
		}
		c.Next()
	}
}

func listModels(c *gin.Context) {
	names := kiroclaude.Models()
	models := make([]gin.H, 0, len(names))
	for _, name := range names {
		models = append(models, gin.H{"id": name, "type": "model"})
	}
	c.JSON(http.StatusOK, gin.H{"data": models})
}
