// Package executor performs the upstream leg of a gateway request: shaping
// the CodeWhisperer payload, sending it with the Kiro header set, applying
// the retry policy, and parsing the returned buffer.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	kiroauth "github.com/kirogate/kirogate/internal/auth/kiro"
	"github.com/kirogate/kirogate/internal/config"
	kiroclaude "github.com/kirogate/kirogate/internal/translator/kiro/claude"
	"github.com/kirogate/kirogate/internal/util"
)

const (
	kiroAgentMode  = "vibe"
	kiroSDKProduct = "aws-sdk-js/1.0.7"
	kiroIDEProduct = "KiroIDE-0.1.25"
)

// statusErr carries an upstream HTTP status through the error chain.
type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.code, e.msg)
}

// StatusCode returns the upstream HTTP status.
func (e statusErr) StatusCode() int { return e.code }

// StatusCodeFromError extracts an upstream status code, defaulting to 502.
func StatusCodeFromError(err error) int {
	var se statusErr
	if errors.As(err, &se) {
		return se.code
	}
	return http.StatusBadGateway
}

// KiroExecutor sends shaped requests to the CodeWhisperer upstream.
type KiroExecutor struct {
	cfg        *config.Config
	tokens     *kiroauth.TokenStore
	httpClient *http.Client
}

// NewKiroExecutor creates an executor with a pooled HTTP transport. Proxy use
// is opt-in via the config.
func NewKiroExecutor(cfg *config.Config, tokens *kiroauth.TokenStore) *KiroExecutor {
	transport := &http.Transport{
		Proxy:                 util.ProxyFunc(cfg.Kiro.UseSystemProxy),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &KiroExecutor{
		cfg:    cfg,
		tokens: tokens,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Kiro.RequestTimeout,
		},
	}
}

// Identifier returns the executor identifier.
func (e *KiroExecutor) Identifier() string { return "kiro" }

// Complete shapes the Claude-style request body, performs the upstream call
// with the full retry policy, and parses the returned buffer.
func (e *KiroExecutor) Complete(ctx context.Context, publicModel string, body []byte) (kiroclaude.ParsedResponse, error) {
	if e.tokens.IsExpiryNear() {
		log.Debugf("kiro executor: token expiry near, refreshing before request")
		if err := e.tokens.ForceRefresh(ctx); err != nil {
			log.Warnf("kiro executor: pre-request refresh failed: %v", err)
		}
	}

	// The stream flag is a gateway concern; it never reaches the upstream.
	body, _ = sjson.DeleteBytes(bytes.Clone(body), "stream")

	payload, err := kiroclaude.BuildRequest(body, publicModel, e.tokens.ProfileArn(), e.tokens.AuthMethod(), kiroclaude.ShaperOptions{
		MaxHistory:       e.cfg.Kiro.MaxHistory,
		MaxMessageLength: e.cfg.Kiro.MaxMessageLength,
		MaxTools:         e.cfg.Kiro.MaxTools,
		DisableTools:     e.cfg.Kiro.DisableTools,
		MaxRequestSize:   e.cfg.Kiro.MaxRequestSize,
	})
	if err != nil {
		return kiroclaude.ParsedResponse{}, err
	}
	e.dumpRequest(payload)

	raw, err := e.send(ctx, publicModel, payload)
	if err != nil {
		return kiroclaude.ParsedResponse{}, err
	}
	return kiroclaude.ParseResponse(raw), nil
}

// send POSTs the payload to the regional endpoint and applies the retry
// matrix: one transparent refresh-and-retry on 403, exponential backoff for
// 429/5xx and transient network failures, immediate surfacing of other 4xx.
func (e *KiroExecutor) send(ctx context.Context, publicModel string, payload []byte) ([]byte, error) {
	endpoints := e.tokens.Endpoints()
	url := endpoints.GenerateURL
	if kiroclaude.IsAmazonQModel(publicModel) {
		url = endpoints.SendMessageURL
	}

	refreshed := false
	var lastErr error
	for attempt := 0; attempt <= e.cfg.Kiro.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		e.applyHeaders(req)

		resp, err := e.httpClient.Do(req)
		if err != nil {
			if !isRetryableNetworkError(err) {
				return nil, err
			}
			lastErr = err
			if errSleep := e.backoff(ctx, attempt); errSleep != nil {
				return nil, errSleep
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("kiro executor: close response body: %v", errClose)
		}
		if readErr != nil {
			if !isRetryableNetworkError(readErr) {
				return nil, readErr
			}
			lastErr = readErr
			if errSleep := e.backoff(ctx, attempt); errSleep != nil {
				return nil, errSleep
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return respBody, nil

		case resp.StatusCode == http.StatusForbidden && !refreshed:
			// One transparent re-auth; the retry itself cannot re-enter
			// this branch.
			refreshed = true
			log.Warnf("kiro executor: 403 from upstream, refreshing token and retrying once")
			if errRefresh := e.tokens.ForceRefresh(ctx); errRefresh != nil {
				return nil, fmt.Errorf("refresh after 403 failed: %w", errRefresh)
			}
			attempt--
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = statusErr{code: resp.StatusCode, msg: string(respBody)}
			log.Warnf("kiro executor: status %d, attempt %d/%d", resp.StatusCode, attempt+1, e.cfg.Kiro.MaxRetries+1)
			if errSleep := e.backoff(ctx, attempt); errSleep != nil {
				return nil, errSleep
			}
			continue

		default:
			log.Debugf("kiro executor: upstream error %d: %s", resp.StatusCode, respBody)
			return nil, statusErr{code: resp.StatusCode, msg: string(respBody)}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("kiro executor: retries exhausted")
	}
	return nil, lastErr
}

// backoff sleeps baseDelay * 2^attempt, honoring context cancellation.
func (e *KiroExecutor) backoff(ctx context.Context, attempt int) error {
	delay := e.cfg.Kiro.BaseDelay * (1 << attempt)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (e *KiroExecutor) applyHeaders(req *http.Request) {
	fingerprint := util.MachineFingerprint()
	userAgent := fmt.Sprintf("%s %s-%s", kiroSDKProduct, kiroIDEProduct, fingerprint)

	req.Header.Set("Authorization", "Bearer "+e.tokens.GetToken())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amzn-kiro-agent-mode", kiroAgentMode)
	req.Header.Set("x-amz-user-agent", userAgent)
	req.Header.Set("user-agent", userAgent)
}

// dumpRequest writes the upstream body to logs/ for debugging. Failures are
// non-fatal.
func (e *KiroExecutor) dumpRequest(payload []byte) {
	if !e.cfg.RequestLog {
		return
	}
	dir := "logs"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Debugf("kiro executor: create log dir: %v", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("kiro_request_%d.json", time.Now().UnixMilli()))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		log.Debugf("kiro executor: dump request: %v", err)
	}
}

// retryableMessages are transient error strings worth a backoff retry.
var retryableMessages = []string{
	"econnreset",
	"etimedout",
	"econnaborted",
	"stream has been aborted",
	"socket hang up",
	"connection reset",
	"broken pipe",
	"i/o timeout",
}

// isRetryableNetworkError classifies transport failures. Context
// cancellation is never retryable.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.ECONNABORTED, syscall.EPIPE:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryableMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
