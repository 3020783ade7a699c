package catalog

import (
	"sync"
	"sync/atomic"
	"time"
)

// ClassCache is a TTL-based in-memory cache with stale-while-revalidate for
// tool classifications. Uses sync.Map for lock-free reads on the hot path.
type ClassCache struct {
	store sync.Map // map[string]*classCacheEntry
	ttl   time.Duration
}

type classCacheEntry struct {
	class      *Classification // nil = negative cache (no record for tool)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Class        *Classification // nil if not found or negative cache
	Hit          bool            // true if a value was found (fresh or stale)
	NeedsRefresh bool            // true if expired — caller should refresh in background
}

// NewClassCache creates a cache with the given TTL.
func NewClassCache(ttl time.Duration) *ClassCache {
	return &ClassCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *ClassCache) Get(toolID string) CacheGetResult {
	val, ok := c.store.Load(toolID)
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*classCacheEntry)
	now := time.Now()

	if now.Before(entry.expiresAt) {
		return CacheGetResult{
			Class: entry.class,
			Hit:   true,
		}
	}

	// Stale hit — signal refresh needed (only one goroutine wins the CAS)
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Class:        entry.class,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a classification with a fresh TTL.
// Passing nil stores a negative cache entry (no record for the tool).
func (c *ClassCache) Set(toolID string, class *Classification) {
	c.store.Store(toolID, &classCacheEntry{
		class:     class,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *ClassCache) Delete(toolID string) {
	c.store.Delete(toolID)
}
