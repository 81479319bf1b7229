// Package logging provides the shared logrus setup plus Gin middleware for
// HTTP request logging and panic recovery. It integrates the Gin web
// framework with logrus for structured logging of HTTP requests, responses
// and error handling.
package logging

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupBaseLogger configures the process-wide logrus logger. When logFile is
// non-empty the output is routed through a size-rotated file.
func SetupBaseLogger(logFile string, debugMode bool) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if debugMode {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
}

// GinLogrusLogger returns a Gin middleware handler that logs HTTP requests
// and responses using logrus. It captures method, path, status code, latency
// and client IP, and propagates a request id via the X-Request-Id header.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.Request.Header.Get("X-Request-Id")
		if strings.TrimSpace(requestID) == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-Id", requestID)

		c.Next()

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"status":     statusCode,
			"latency":    latency,
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"request_id": requestID,
		})
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(errorMessage)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(errorMessage)
		default:
			entry.Debug()
		}
	}
}

// GinRecovery returns middleware that recovers from panics in handlers,
// logs the stack trace and responds with a JSON 500.
func GinRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("panic recovered: %v\n%s", err, debug.Stack())
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"type": "error",
					"error": gin.H{
						"type":    "api_error",
						"message": fmt.Sprintf("internal error: %v", err),
					},
				})
			}
		}()
		c.Next()
	}
}
