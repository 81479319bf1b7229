package kiro

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Options configures a TokenStore.
type Options struct {
	// CredsDirPath is the credential directory. Defaults to
	// <home>/.aws/sso/cache when empty.
	CredsDirPath string
	// CredsFilePath is the explicit primary file path. When empty,
	// <CredsDirPath>/kiro-auth-token.json is used.
	CredsFilePath string
	// CredsBase64 is an optional base64-encoded JSON credential blob,
	// consumed once by Initialize and cleared afterwards.
	CredsBase64 string
	// NearMinutes is the pre-expiry window for IsExpiryNear. Defaults to 10.
	NearMinutes int
	// HTTPClient performs refresh calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Endpoints overrides the region-derived URL set, for local mocks.
	Endpoints *Endpoints
}

// TokenStore owns the process-wide Kiro credentials. All reads go through an
// RWMutex so callers observe either the old or the new token atomically, and
// refreshes coalesce through a singleflight group.
type TokenStore struct {
	mu        sync.RWMutex
	token     TokenStorage
	endpoints Endpoints

	opts       Options
	primary    string
	refreshSF  singleflight.Group
	httpClient *http.Client
}

// NewTokenStore creates a TokenStore; Initialize must be called before use.
func NewTokenStore(opts Options) *TokenStore {
	if opts.NearMinutes <= 0 {
		opts.NearMinutes = 10
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenStore{opts: opts, httpClient: client}
}

// PrimaryFilePath resolves the primary credential file path.
func (s *TokenStore) PrimaryFilePath() string {
	if s.primary != "" {
		return s.primary
	}
	if p := strings.TrimSpace(s.opts.CredsFilePath); p != "" {
		s.primary = p
		return s.primary
	}
	dir := strings.TrimSpace(s.opts.CredsDirPath)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dir = filepath.Join(home, ".aws", "sso", "cache")
		}
	}
	s.primary = filepath.Join(dir, PrimaryFileName)
	return s.primary
}

// Initialize merges all credential sources, derives regional URLs and, when
// forceRefresh is set or no access token is present but a refresh token is,
// performs a refresh. It fails when no access token results.
func (s *TokenStore) Initialize(ctx context.Context, forceRefresh bool) error {
	merged := TokenStorage{}

	if blob := strings.TrimSpace(s.opts.CredsBase64); blob != "" {
		s.opts.CredsBase64 = ""
		decoded, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			log.Warnf("kiro auth: invalid base64 credential blob: %v", err)
		} else {
			var t TokenStorage
			if err = json.Unmarshal(decoded, &t); err != nil {
				log.Warnf("kiro auth: invalid JSON in base64 credential blob: %v", err)
			} else {
				merged.merge(&t, false)
			}
		}
	}

	primary := s.PrimaryFilePath()
	if t, err := readTokenFile(primary); err == nil {
		merged.merge(t, false)
	} else if os.IsNotExist(err) {
		log.Debugf("kiro auth: primary credential file %s not found", primary)
	} else {
		log.Warnf("kiro auth: read %s: %v", primary, err)
	}

	// Sibling *.json files supplement client credentials; their expiresAt is
	// never taken.
	dir := filepath.Dir(primary)
	if entries, err := os.ReadDir(dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if path == primary {
				continue
			}
			t, errRead := readTokenFile(path)
			if errRead != nil {
				log.Warnf("kiro auth: skip credential file %s: %v", path, errRead)
				continue
			}
			merged.merge(t, true)
		}
	} else if !os.IsNotExist(err) {
		log.Debugf("kiro auth: read credential dir %s: %v", dir, err)
	}

	if merged.Region == "" {
		log.Warnf("kiro auth: no region in credentials, assuming %s", DefaultRegion)
		merged.Region = DefaultRegion
	}

	endpoints := EndpointsForRegion(merged.Region)
	if s.opts.Endpoints != nil {
		endpoints = *s.opts.Endpoints
	}

	s.mu.Lock()
	s.token = merged
	s.endpoints = endpoints
	s.mu.Unlock()

	if forceRefresh || (merged.AccessToken == "" && merged.RefreshToken != "") {
		if err := s.ForceRefresh(ctx); err != nil {
			return fmt.Errorf("kiro auth: initial token refresh failed: %w", err)
		}
	}

	if s.Snapshot().AccessToken == "" {
		return fmt.Errorf("kiro auth: no access token available after initialization")
	}
	return nil
}

func readTokenFile(path string) (*TokenStorage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t TokenStorage
	if err = json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &t, nil
}

// Snapshot returns a copy of the current credentials.
func (s *TokenStore) Snapshot() TokenStorage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// GetToken returns the current access token.
func (s *TokenStore) GetToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.AccessToken
}

// ProfileArn returns the current profile ARN.
func (s *TokenStore) ProfileArn() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.ProfileArn
}

// AuthMethod reports the credential's auth method, defaulting to social.
func (s *TokenStore) AuthMethod() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token.AuthMethod == "" {
		return AuthMethodSocial
	}
	return s.token.AuthMethod
}

// Endpoints returns the regional URL set derived during initialization.
func (s *TokenStore) Endpoints() Endpoints {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints
}

// IsExpiryNear reports whether now plus the configured window reaches the
// credential expiry. Unparseable or absent expiry yields false so garbage
// never triggers pre-emptive refreshes.
func (s *TokenStore) IsExpiryNear() bool {
	s.mu.RLock()
	expires := s.token.ExpiresAt
	s.mu.RUnlock()
	if strings.TrimSpace(expires) == "" {
		return false
	}
	expTime, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		log.Debugf("kiro auth: unparseable expiresAt %q: %v", expires, err)
		return false
	}
	return !time.Now().Add(time.Duration(s.opts.NearMinutes) * time.Minute).Before(expTime)
}

// refreshResponse is the body returned by both refresh endpoints.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// ForceRefresh refreshes the credentials. Overlapping callers coalesce onto a
// single network call.
func (s *TokenStore) ForceRefresh(ctx context.Context) error {
	_, err, _ := s.refreshSF.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *TokenStore) refresh(ctx context.Context) error {
	snap := s.Snapshot()
	if snap.RefreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}

	var refreshURL string
	body := map[string]string{"refreshToken": snap.RefreshToken}
	if s.AuthMethod() == AuthMethodSocial {
		refreshURL = s.Endpoints().SocialRefreshURL
	} else {
		if snap.ClientID == "" || snap.ClientSecret == "" {
			return fmt.Errorf("clientId/clientSecret required for %s auth", snap.AuthMethod)
		}
		refreshURL = s.Endpoints().IDCRefreshURL
		body["clientId"] = snap.ClientID
		body["clientSecret"] = snap.ClientSecret
		body["grantType"] = "refresh_token"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal refresh body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("kiro auth: close refresh response body: %v", errClose)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, respBody)
	}

	var parsed refreshResponse
	if err = json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("parse refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("refresh response missing accessToken")
	}

	expiresAt := time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).Format(time.RFC3339)

	s.mu.Lock()
	s.token.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		s.token.RefreshToken = parsed.RefreshToken
	}
	if parsed.ProfileArn != "" {
		s.token.ProfileArn = parsed.ProfileArn
	}
	s.token.ExpiresAt = expiresAt
	updated := s.token
	s.mu.Unlock()

	if err = s.persist(updated); err != nil {
		log.Warnf("kiro auth: persist refreshed credentials: %v", err)
	}
	log.Infof("kiro auth: token refreshed, expires at %s", expiresAt)
	return nil
}

// persist writes the credentials back to the primary file using read-merge-
// write semantics so keys written by other processes survive, then renames a
// temp file into place.
func (s *TokenStore) persist(t TokenStorage) error {
	path := s.PrimaryFilePath()

	existing := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err = json.Unmarshal(data, &existing); err != nil {
			log.Warnf("kiro auth: existing credential file unparseable, rewriting: %v", err)
			existing = map[string]any{}
		}
	}

	ours, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	var ourMap map[string]any
	if err = json.Unmarshal(ours, &ourMap); err != nil {
		return fmt.Errorf("remarshal credentials: %w", err)
	}
	for k, v := range ourMap {
		existing[k] = v
	}

	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal merged credentials: %w", err)
	}
	out = append(out, '\n')

	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename credential file: %w", err)
	}
	return nil
}
