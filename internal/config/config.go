// Package config provides configuration management for the Kiro gateway
// server. It handles loading and parsing YAML configuration files, applies
// environment variable overrides, and provides structured access to
// application settings including server port, credential paths, payload
// limits, and retry policy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file
// and finalized with environment variable overrides.
type Config struct {
	// Port is the TCP port the gateway listens on.
	Port int `yaml:"port" json:"port"`

	// APIKeys is a list of keys for authenticating clients to this proxy server.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// RequestLog enables best-effort dumps of upstream request bodies under logs/.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// LogFile, when set, routes logs to a rotating file instead of stderr.
	LogFile string `yaml:"log-file" json:"log-file"`

	// Kiro holds all provider-specific settings.
	Kiro KiroConfig `yaml:"kiro" json:"kiro"`
}

// KiroConfig groups the Kiro/CodeWhisperer adapter settings.
type KiroConfig struct {
	// CredsDirPath is the directory holding credential JSON files.
	// Default: <home>/.aws/sso/cache
	CredsDirPath string `yaml:"creds-dir-path" json:"creds-dir-path"`

	// CredsFilePath is an explicit path to the primary credential file.
	// When empty, <CredsDirPath>/kiro-auth-token.json is used.
	CredsFilePath string `yaml:"creds-file-path" json:"creds-file-path"`

	// CredsBase64 is a base64-encoded JSON credential blob. It is consumed
	// once during initialization and cleared afterwards.
	CredsBase64 string `yaml:"creds-base64" json:"-"`

	// MaxHistory caps the number of retained conversation messages.
	MaxHistory int `yaml:"max-history" json:"max-history"`

	// MaxMessageLength caps each message's character count.
	MaxMessageLength int `yaml:"max-message-length" json:"max-message-length"`

	// MaxTools caps the number of tool definitions sent upstream.
	MaxTools int `yaml:"max-tools" json:"max-tools"`

	// DisableTools drops all tool definitions from upstream requests.
	DisableTools bool `yaml:"disable-tools" json:"disable-tools"`

	// MaxRequestSize is the total byte budget for the serialized payload.
	MaxRequestSize int `yaml:"max-request-size" json:"max-request-size"`

	// RequestTimeout bounds the upstream POST, headers and body included.
	RequestTimeout time.Duration `yaml:"request-timeout" json:"request-timeout"`

	// MaxRetries is the retry budget for 429/5xx/network failures.
	MaxRetries int `yaml:"max-retries" json:"max-retries"`

	// BaseDelay is the exponential backoff base delay.
	BaseDelay time.Duration `yaml:"base-delay" json:"base-delay"`

	// NearMinutes is the pre-expiry window that triggers a token refresh.
	NearMinutes int `yaml:"near-minutes" json:"near-minutes"`

	// UseSystemProxy opts the upstream HTTP client into proxy-from-environment.
	UseSystemProxy bool `yaml:"use-system-proxy" json:"use-system-proxy"`
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Port: 8317,
		Kiro: KiroConfig{
			MaxHistory:       15,
			MaxMessageLength: 8000,
			MaxTools:         12,
			MaxRequestSize:   100000,
			RequestTimeout:   120 * time.Second,
			MaxRetries:       3,
			BaseDelay:        time.Second,
			NearMinutes:      10,
		},
	}
}

// LoadConfig reads a YAML configuration file, layers it over the defaults and
// applies environment overrides. A missing file is not an error: the defaults
// plus environment are returned, so the gateway can run entirely env-driven.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays the KIRO_*/REQUEST_* environment knobs onto the config.
// Unset or malformed values leave the existing setting untouched.
func (c *Config) ApplyEnv() {
	setString(&c.Kiro.CredsDirPath, "KIRO_OAUTH_CREDS_DIR_PATH")
	setString(&c.Kiro.CredsFilePath, "KIRO_OAUTH_CREDS_FILE_PATH")
	setString(&c.Kiro.CredsBase64, "KIRO_OAUTH_CREDS_BASE64")
	setInt(&c.Kiro.MaxHistory, "KIRO_MAX_HISTORY")
	setInt(&c.Kiro.MaxMessageLength, "KIRO_MAX_MESSAGE_LENGTH")
	setInt(&c.Kiro.MaxTools, "KIRO_MAX_TOOLS")
	setBool(&c.Kiro.DisableTools, "KIRO_DISABLE_TOOLS")
	setInt(&c.Kiro.MaxRequestSize, "KIRO_MAX_REQUEST_SIZE")
	setMillis(&c.Kiro.RequestTimeout, "KIRO_REQUEST_TIMEOUT")
	setInt(&c.Kiro.MaxRetries, "REQUEST_MAX_RETRIES")
	setMillis(&c.Kiro.BaseDelay, "REQUEST_BASE_DELAY")
	setInt(&c.Kiro.NearMinutes, "CRON_NEAR_MINUTES")
	setBool(&c.Kiro.UseSystemProxy, "USE_SYSTEM_PROXY_KIRO")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
