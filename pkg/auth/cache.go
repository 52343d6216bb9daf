package auth

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/types"
)

// DefaultPermissionTTL bounds how long a cached permission tuple is served
// without a refetch.
const DefaultPermissionTTL = 5 * time.Minute

// Fetcher resolves a token to its permission tuple at the source of truth
// (the control plane's auth endpoint). Implemented by pkg/client.
type Fetcher interface {
	FetchPermissions(ctx context.Context, token string) (types.Permissions, error)
}

type cacheEntry struct {
	perms     types.Permissions
	expiresAt time.Time
}

// Cache is the permission cache every deployment runtime keeps in front of
// the control plane. A single mutex guards the map; the map is never held
// across network I/O.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	// expiry is ordered by expiration time, oldest first, so a sweep only
	// inspects the head.
	expiry []expiryRecord

	now func() time.Time
}

type expiryRecord struct {
	at    time.Time
	token string
}

// NewCache creates a permission cache with the given TTL.
func NewCache(fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultPermissionTTL
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the permission tuple for token, from cache when live,
// otherwise fetched from the source. The fetch happens with the lock
// released; the result is installed unless a newer entry landed meanwhile.
func (c *Cache) Get(ctx context.Context, token string) (types.Permissions, error) {
	c.mu.Lock()
	c.sweepLocked()
	if entry, ok := c.entries[token]; ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		metrics.PermissionCacheHits.Inc()
		return entry.perms, nil
	}
	c.mu.Unlock()

	metrics.PermissionCacheMisses.Inc()
	perms, err := c.fetcher.FetchPermissions(ctx, token)
	if err != nil {
		return types.Permissions{}, err
	}

	expiresAt := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[token]; ok && existing.expiresAt.After(expiresAt) {
		// A concurrent fetch installed a fresher entry while ours was in
		// flight; keep it.
		return existing.perms, nil
	}
	c.entries[token] = cacheEntry{perms: perms, expiresAt: expiresAt}
	c.expiry = append(c.expiry, expiryRecord{at: expiresAt, token: token})
	return perms, nil
}

// sweepLocked evicts expired entries from the head of the expiry list.
// Caller holds the lock.
func (c *Cache) sweepLocked() {
	now := c.now()
	for len(c.expiry) > 0 && !c.expiry[0].at.After(now) {
		rec := c.expiry[0]
		c.expiry = c.expiry[1:]
		// Only evict if the map entry is the one this record describes; a
		// refreshed token has a newer expiry and stays.
		if entry, ok := c.entries[rec.token]; ok && !entry.expiresAt.After(rec.at) {
			delete(c.entries, rec.token)
		}
	}
}

// Invalidate removes a token from the cache. Used after explicit logout.
func (c *Cache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
