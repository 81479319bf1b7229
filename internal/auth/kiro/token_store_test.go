package kiro

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestEndpointsForRegion(t *testing.T) {
	eps := EndpointsForRegion("eu-west-1")
	assert.Equal(t, "https://codewhisperer.eu-west-1.amazonaws.com/generateAssistantResponse", eps.GenerateURL)
	assert.Equal(t, "https://codewhisperer.eu-west-1.amazonaws.com/SendMessageStreaming", eps.SendMessageURL)
	assert.Equal(t, "https://prod.eu-west-1.auth.desktop.kiro.dev/refreshToken", eps.SocialRefreshURL)
	assert.Equal(t, "https://oidc.eu-west-1.amazonaws.com/token", eps.IDCRefreshURL)
}

func TestInitializeMergesSources(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, PrimaryFileName)
	writeJSON(t, primary, TokenStorage{
		AccessToken: "primary-token",
		ExpiresAt:   "2030-01-01T00:00:00Z",
		Region:      "us-west-2",
	})
	// Sibling supplements client credentials but must not override expiry.
	writeJSON(t, filepath.Join(dir, "client-creds.json"), TokenStorage{
		ClientID:     "cid",
		ClientSecret: "csecret",
		ExpiresAt:    "1999-01-01T00:00:00Z",
	})

	store := NewTokenStore(Options{CredsDirPath: dir})
	require.NoError(t, store.Initialize(context.Background(), false))

	snap := store.Snapshot()
	assert.Equal(t, "primary-token", snap.AccessToken)
	assert.Equal(t, "cid", snap.ClientID)
	assert.Equal(t, "csecret", snap.ClientSecret)
	assert.Equal(t, "2030-01-01T00:00:00Z", snap.ExpiresAt)
	assert.Equal(t, "us-west-2", snap.Region)
	assert.Contains(t, store.Endpoints().GenerateURL, "us-west-2")
}

func TestInitializeBase64BlobAndRegionDefault(t *testing.T) {
	dir := t.TempDir()
	blob, _ := json.Marshal(TokenStorage{AccessToken: "blob-token", RefreshToken: "r1"})
	store := NewTokenStore(Options{
		CredsDirPath: dir,
		CredsBase64:  base64.StdEncoding.EncodeToString(blob),
	})
	require.NoError(t, store.Initialize(context.Background(), false))

	snap := store.Snapshot()
	assert.Equal(t, "blob-token", snap.AccessToken)
	assert.Equal(t, DefaultRegion, snap.Region)
	// The blob is consumed once.
	assert.Empty(t, store.opts.CredsBase64)
}

func TestInitializeFailsWithoutTokens(t *testing.T) {
	store := NewTokenStore(Options{CredsDirPath: t.TempDir()})
	err := store.Initialize(context.Background(), false)
	assert.Error(t, err)
}

func TestIsExpiryNear(t *testing.T) {
	store := NewTokenStore(Options{NearMinutes: 10})

	store.token.ExpiresAt = time.Now().Add(5 * time.Minute).Format(time.RFC3339)
	assert.True(t, store.IsExpiryNear())

	store.token.ExpiresAt = time.Now().Add(30 * time.Minute).Format(time.RFC3339)
	assert.False(t, store.IsExpiryNear())

	// Garbage never triggers a pre-emptive refresh.
	store.token.ExpiresAt = "not-a-timestamp"
	assert.False(t, store.IsExpiryNear())
	store.token.ExpiresAt = ""
	assert.False(t, store.IsExpiryNear())
}

func TestIsExpiryNearMonotone(t *testing.T) {
	store := NewTokenStore(Options{NearMinutes: 10})
	store.token.ExpiresAt = time.Now().Add(10*time.Minute + 50*time.Millisecond).Format(time.RFC3339)
	first := store.IsExpiryNear()
	time.Sleep(60 * time.Millisecond)
	second := store.IsExpiryNear()
	// Once near, always near for a fixed expiry.
	if first {
		assert.True(t, second)
	}
}

func TestRefreshSocialUpdatesAndPersists(t *testing.T) {
	var refreshCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "r1", body["refreshToken"])
		assert.Empty(t, body["grantType"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new",
			"refreshToken": "r2",
			"expiresIn":    3600,
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	primary := filepath.Join(dir, PrimaryFileName)
	writeJSON(t, primary, map[string]any{
		"accessToken":  "old",
		"refreshToken": "r1",
		"authMethod":   "social",
		"region":       "us-east-1",
		"customKey":    "must-survive",
	})

	eps := EndpointsForRegion(DefaultRegion)
	eps.SocialRefreshURL = server.URL
	store := NewTokenStore(Options{CredsDirPath: dir, Endpoints: &eps})
	require.NoError(t, store.Initialize(context.Background(), false))

	require.NoError(t, store.ForceRefresh(context.Background()))
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, "new", store.GetToken())

	snap := store.Snapshot()
	assert.Equal(t, "r2", snap.RefreshToken)
	expires, err := time.Parse(time.RFC3339, snap.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	// Persisted file keeps foreign keys (read-merge-write).
	data, err := os.ReadFile(primary)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "new", onDisk["accessToken"])
	assert.Equal(t, "r2", onDisk["refreshToken"])
	assert.Equal(t, "must-survive", onDisk["customKey"])
}

func TestRefreshIDCSendsClientCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cid", body["clientId"])
		assert.Equal(t, "csecret", body["clientSecret"])
		assert.Equal(t, "refresh_token", body["grantType"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "idc-token",
			"expiresIn":   1800,
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, PrimaryFileName), TokenStorage{
		AccessToken:  "old",
		RefreshToken: "r1",
		ClientID:     "cid",
		ClientSecret: "csecret",
		AuthMethod:   AuthMethodIDC,
		Region:       DefaultRegion,
	})

	eps := EndpointsForRegion(DefaultRegion)
	eps.IDCRefreshURL = server.URL
	store := NewTokenStore(Options{CredsDirPath: dir, Endpoints: &eps})
	require.NoError(t, store.Initialize(context.Background(), false))
	require.NoError(t, store.ForceRefresh(context.Background()))

	snap := store.Snapshot()
	assert.Equal(t, "idc-token", snap.AccessToken)
	// Refresh token is preserved when the endpoint omits a new one.
	assert.Equal(t, "r1", snap.RefreshToken)
}

func TestRefreshFailureSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer server.Close()

	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, PrimaryFileName), TokenStorage{
		RefreshToken: "r1",
		AuthMethod:   AuthMethodSocial,
		Region:       DefaultRegion,
	})

	eps := EndpointsForRegion(DefaultRegion)
	eps.SocialRefreshURL = server.URL
	store := NewTokenStore(Options{CredsDirPath: dir, Endpoints: &eps})
	// No access token plus a refresh token triggers a refresh, whose failure
	// is fatal for initialization.
	err := store.Initialize(context.Background(), false)
	assert.Error(t, err)
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	var refreshCalls atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "coalesced",
			"expiresIn":   3600,
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, PrimaryFileName), TokenStorage{
		AccessToken:  "old",
		RefreshToken: "r1",
		AuthMethod:   AuthMethodSocial,
		Region:       DefaultRegion,
	})

	eps := EndpointsForRegion(DefaultRegion)
	eps.SocialRefreshURL = server.URL
	store := NewTokenStore(Options{CredsDirPath: dir, Endpoints: &eps})
	require.NoError(t, store.Initialize(context.Background(), false))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.ForceRefresh(context.Background())
		}()
	}
	// Give the goroutines time to pile onto the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, "coalesced", store.GetToken())
}

func TestSkippedUnparseableSiblingFile(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, PrimaryFileName), TokenStorage{
		AccessToken: "good",
		Region:      DefaultRegion,
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600))

	store := NewTokenStore(Options{CredsDirPath: dir})
	require.NoError(t, store.Initialize(context.Background(), false))
	assert.Equal(t, "good", store.GetToken())
}
