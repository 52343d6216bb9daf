package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/loomworks/bazaar/pkg/types"
)

// Header names for the two credential paths. An API key short-circuits the
// JWT path; both resolve to the same permission tuple shape.
const (
	HeaderAPIKey = "X-API-Key"

	// HeaderTaskToken authenticates job runtimes and workers calling
	// internal endpoints. The token is minted per server process and
	// injected into every job environment.
	HeaderTaskToken = "X-Task-Token"
)

// contextKey is private to avoid collisions in request contexts.
type contextKey string

const usernameKey contextKey = "bazaar-username"

// UsernameFrom returns the authenticated username stored by a guard.
func UsernameFrom(ctx context.Context) string {
	username, _ := ctx.Value(usernameKey).(string)
	return username
}

// WithUsername stores the authenticated username into the context.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// ExtractToken pulls the caller's credential from a request: the API key
// header when present, else the bearer token. Empty when neither is set.
func ExtractToken(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// Guard wraps HTTP handlers with permission checks backed by the cache.
type Guard struct {
	cache *Cache
}

// NewGuard creates a guard over the given cache.
func NewGuard(cache *Cache) *Guard {
	return &Guard{cache: cache}
}

// check resolves the caller's permissions and verifies the predicate.
// Returns the username on success.
func (g *Guard) check(r *http.Request, allowed func(p types.Permissions) bool) (string, error) {
	token := ExtractToken(r)
	if token == "" {
		return "", fmt.Errorf("%w: no credentials supplied", ErrUnauthorized)
	}

	perms, err := g.cache.Get(r.Context(), token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !allowed(perms) {
		return "", fmt.Errorf("%w: insufficient permissions for %s", ErrForbidden, perms.Username)
	}
	return perms.Username, nil
}

// RequireRead guards a handler with the read permission.
func (g *Guard) RequireRead(next http.Handler) http.Handler {
	return g.require(next, func(p types.Permissions) bool { return p.Read })
}

// RequireWrite guards a handler with the write permission.
func (g *Guard) RequireWrite(next http.Handler) http.Handler {
	return g.require(next, func(p types.Permissions) bool { return p.Write })
}

// RequireOverride guards a handler with the override permission.
func (g *Guard) RequireOverride(next http.Handler) http.Handler {
	return g.require(next, func(p types.Permissions) bool { return p.Override })
}

func (g *Guard) require(next http.Handler, allowed func(p types.Permissions) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, err := g.check(r, allowed)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = http.StatusForbidden
			}
			// Rejections carry the same envelope every other response
			// uses; a plain-text body would break clients that always
			// decode JSON.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":  "failed",
				"message": err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUsername(r.Context(), username)))
	})
}

// APIKeyPrefix distinguishes API keys from JWTs when a credential
// arrives through a forwarding hop that collapses both into a Bearer
// header.
const APIKeyPrefix = "bzk_"

// GenerateAPIKey returns a fresh random key and its storage hash. The raw
// key is shown to the caller once; only the hash is persisted.
func GenerateAPIKey() (key, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key = APIKeyPrefix + hex.EncodeToString(raw)
	return key, HashAPIKey(key), nil
}

// HashAPIKey returns the storage hash for an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
