// Package kiro manages OAuth credentials for the Kiro/CodeWhisperer upstream:
// loading them from a directory of JSON files and/or a base64 blob, refreshing
// them against the social or IdC endpoint, and persisting the result back to
// the primary credential file.
package kiro

import "strings"

const (
	// PrimaryFileName is the default primary credential file name.
	PrimaryFileName = "kiro-auth-token.json"

	// DefaultRegion is assumed when no region survives the credential merge.
	DefaultRegion = "us-east-1"

	// AuthMethodSocial marks credentials refreshed via the Kiro desktop
	// endpoint; anything else goes through AWS IdC OIDC.
	AuthMethodSocial = "social"
	AuthMethodIDC    = "idc"
)

// URL templates; {{region}} is substituted during initialization.
const (
	generateURLTemplate      = "https://codewhisperer.{{region}}.amazonaws.com/generateAssistantResponse"
	sendMessageURLTemplate   = "https://codewhisperer.{{region}}.amazonaws.com/SendMessageStreaming"
	socialRefreshURLTemplate = "https://prod.{{region}}.auth.desktop.kiro.dev/refreshToken"
	idcRefreshURLTemplate    = "https://oidc.{{region}}.amazonaws.com/token"
)

// TokenStorage mirrors the on-disk JSON format for Kiro credential files.
type TokenStorage struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`
}

// merge overlays non-empty fields of other onto t. When skipExpiry is set the
// incoming expiresAt is ignored, preserving the primary file's value.
func (t *TokenStorage) merge(other *TokenStorage, skipExpiry bool) {
	if other == nil {
		return
	}
	if v := strings.TrimSpace(other.AccessToken); v != "" {
		t.AccessToken = v
	}
	if v := strings.TrimSpace(other.RefreshToken); v != "" {
		t.RefreshToken = v
	}
	if v := strings.TrimSpace(other.ClientID); v != "" {
		t.ClientID = v
	}
	if v := strings.TrimSpace(other.ClientSecret); v != "" {
		t.ClientSecret = v
	}
	if v := strings.TrimSpace(other.AuthMethod); v != "" {
		t.AuthMethod = v
	}
	if v := strings.TrimSpace(other.ProfileArn); v != "" {
		t.ProfileArn = v
	}
	if v := strings.TrimSpace(other.Region); v != "" {
		t.Region = v
	}
	if !skipExpiry {
		if v := strings.TrimSpace(other.ExpiresAt); v != "" {
			t.ExpiresAt = v
		}
	}
}

// Endpoints holds the regional URLs derived from the credential region.
type Endpoints struct {
	// GenerateURL serves generateAssistantResponse requests.
	GenerateURL string
	// SendMessageURL serves SendMessageStreaming requests (amazonq models).
	SendMessageURL string
	// SocialRefreshURL refreshes social-auth tokens.
	SocialRefreshURL string
	// IDCRefreshURL refreshes IdC tokens.
	IDCRefreshURL string
}

// EndpointsForRegion substitutes region into the four URL templates.
func EndpointsForRegion(region string) Endpoints {
	sub := func(tpl string) string { return strings.ReplaceAll(tpl, "{{region}}", region) }
	return Endpoints{
		GenerateURL:      sub(generateURLTemplate),
		SendMessageURL:   sub(sendMessageURLTemplate),
		SocialRefreshURL: sub(socialRefreshURLTemplate),
		IDCRefreshURL:    sub(idcRefreshURLTemplate),
	}
}
