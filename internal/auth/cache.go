package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// KeyCache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type KeyCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// KeyCacheGetResult holds the result of a cache lookup.
type KeyCacheGetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool
}

// NewKeyCache creates a cache with the given TTL.
func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
func (c *KeyCache) Get(apiKey string) KeyCacheGetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return KeyCacheGetResult{Hit: false}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return KeyCacheGetResult{
			Principal: entry.principal,
			Hit:       true,
		}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return KeyCacheGetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a principal with a fresh TTL.
func (c *KeyCache) Set(apiKey string, principal *Principal) {
	c.store.Store(apiKey, &cacheEntry{
		principal: principal,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *KeyCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
