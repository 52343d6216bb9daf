package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/bazaar/pkg/types"
)

type fakeFetcher struct {
	mu     sync.Mutex
	perms  map[string]types.Permissions
	calls  int
	err    error
	block  chan struct{}
}

func (f *fakeFetcher) FetchPermissions(ctx context.Context, token string) (types.Permissions, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return types.Permissions{}, f.err
	}
	perms, ok := f.perms[token]
	if !ok {
		return types.Permissions{}, errors.New("unknown token")
	}
	return perms, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// TestJWTRoundTrip tests issue and verify
func TestJWTRoundTrip(t *testing.T) {
	issuer, err := NewIssuer("a-secret-long-enough-for-hs256")
	require.NoError(t, err)

	token, err := issuer.Issue("alice", time.Hour)
	require.NoError(t, err)

	username, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

// TestJWTExpired tests that an expired token is rejected
func TestJWTExpired(t *testing.T) {
	issuer, err := NewIssuer("a-secret-long-enough-for-hs256")
	require.NoError(t, err)

	token, err := issuer.Issue("alice", -time.Minute)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

// TestJWTWrongSecret tests signature verification
func TestJWTWrongSecret(t *testing.T) {
	issuerA, err := NewIssuer("a-secret-long-enough-for-hs256")
	require.NoError(t, err)
	issuerB, err := NewIssuer("b-secret-long-enough-for-hs256")
	require.NoError(t, err)

	token, err := issuerA.Issue("alice", time.Hour)
	require.NoError(t, err)

	_, err = issuerB.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

// TestCacheHit tests that a live entry is served without a fetch
func TestCacheHit(t *testing.T) {
	fetcher := &fakeFetcher{perms: map[string]types.Permissions{
		"t-1": {Read: true, Username: "alice"},
	}}
	cache := NewCache(fetcher, time.Minute)

	for i := 0; i < 3; i++ {
		perms, err := cache.Get(context.Background(), "t-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", perms.Username)
	}
	assert.Equal(t, 1, fetcher.callCount(), "only the first lookup should fetch")
}

// TestCacheExpiry tests that an expired entry triggers a refetch
func TestCacheExpiry(t *testing.T) {
	fetcher := &fakeFetcher{perms: map[string]types.Permissions{
		"t-1": {Read: true, Username: "alice"},
	}}
	cache := NewCache(fetcher, time.Minute)

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err := cache.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.callCount())

	// Advance past the TTL; the entry must be refetched and the sweep
	// must have evicted the stale record.
	now = now.Add(2 * time.Minute)
	_, err = cache.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount())
}

// TestCacheSweepEvicts tests O(1) eviction of expired entries
func TestCacheSweepEvicts(t *testing.T) {
	fetcher := &fakeFetcher{perms: map[string]types.Permissions{
		"t-1": {Read: true}, "t-2": {Read: true},
	}}
	cache := NewCache(fetcher, time.Minute)

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err := cache.Get(context.Background(), "t-1")
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	now = now.Add(2 * time.Minute)
	cache.mu.Lock()
	cache.sweepLocked()
	cache.mu.Unlock()

	assert.Equal(t, 0, cache.Len())
}

// TestCacheFetchError tests that fetch failures are not cached
func TestCacheFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("auth endpoint down")}
	cache := NewCache(fetcher, time.Minute)

	_, err := cache.Get(context.Background(), "t-1")
	assert.Error(t, err)
	assert.Equal(t, 0, cache.Len())
}

// TestGuardVariants tests the read/write/override guard matrix
func TestGuardVariants(t *testing.T) {
	fetcher := &fakeFetcher{perms: map[string]types.Permissions{
		"reader": {Read: true, Username: "reader"},
		"writer": {Read: true, Write: true, Username: "writer"},
		"admin":  {Read: true, Write: true, Override: true, Username: "admin"},
	}}
	guard := NewGuard(NewCache(fetcher, time.Minute))

	tests := []struct {
		name       string
		token      string
		wrap       func(http.Handler) http.Handler
		wantStatus int
	}{
		{name: "reader can read", token: "reader", wrap: guard.RequireRead, wantStatus: http.StatusOK},
		{name: "reader cannot write", token: "reader", wrap: guard.RequireWrite, wantStatus: http.StatusForbidden},
		{name: "writer can write", token: "writer", wrap: guard.RequireWrite, wantStatus: http.StatusOK},
		{name: "writer cannot override", token: "writer", wrap: guard.RequireOverride, wantStatus: http.StatusForbidden},
		{name: "admin can override", token: "admin", wrap: guard.RequireOverride, wantStatus: http.StatusOK},
		{name: "no credentials", token: "", wrap: guard.RequireRead, wantStatus: http.StatusUnauthorized},
		{name: "unknown token", token: "bogus", wrap: guard.RequireRead, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUsername string
			handler := tt.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUsername = UsernameFrom(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/search", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.token, gotUsername)
				return
			}

			// Rejections are enveloped JSON like every other response.
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var env struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, "failed", env.Status)
			assert.NotEmpty(t, env.Message)
		})
	}
}

// TestGuardAPIKeyHeader tests the api-key short-circuit path
func TestGuardAPIKeyHeader(t *testing.T) {
	fetcher := &fakeFetcher{perms: map[string]types.Permissions{
		"key-123": {Read: true, Username: "service"},
	}}
	guard := NewGuard(NewCache(fetcher, time.Minute))

	handler := guard.RequireRead(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set(HeaderAPIKey, "key-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestGenerateAPIKey tests key generation and hash stability
func TestGenerateAPIKey(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.Contains(t, key, "bzk_")
	assert.Equal(t, hash, HashAPIKey(key))

	key2, hash2, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, key2)
	assert.NotEqual(t, hash, hash2)
}
