package lifecycle

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// EntitlementCache caches entitlement reads to reduce storage load
type EntitlementCache interface {
	// Get returns a cached entitlement and true if present and unexpired
	Get(userID string) (*Entitlement, bool)

	// Set stores an entitlement with TTL
	Set(userID string, ent *Entitlement, ttl time.Duration)

	// Invalidate removes a user's cached entitlement
	Invalidate(userID string)

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	value      Entitlement
	expiration time.Time
}

// NoopCache is used when caching is disabled
type NoopCache struct{}

func (NoopCache) Get(_ string) (*Entitlement, bool)            { return nil, false }
func (NoopCache) Set(_ string, _ *Entitlement, _ time.Duration) {}
func (NoopCache) Invalidate(_ string)                           {}
func (NoopCache) Stats() CacheStats                             { return CacheStats{} }

// LRUCache is an in-memory LRU entitlement cache with per-entry TTL
type LRUCache struct {
	mu        sync.Mutex
	entries   *lru.LRU[string, cacheEntry]
	hits      int64
	misses    int64
	evictions int64
}

// NewLRUCache creates an LRU cache holding at most maxEntries entitlements
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	// Entries carry their own expiry; the list itself never expires them.
	return &LRUCache{entries: lru.NewLRU[string, cacheEntry](maxEntries, nil, 0)}
}

func (c *LRUCache) Get(userID string) (*Entitlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(userID)
	if !ok || time.Now().After(entry.expiration) {
		if ok {
			c.entries.Remove(userID)
		}
		c.misses++
		return nil, false
	}

	c.hits++
	ent := entry.value
	return &ent, true
}

func (c *LRUCache) Set(userID string, ent *Entitlement, ttl time.Duration) {
	if ent == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if evicted := c.entries.Add(userID, cacheEntry{value: *ent, expiration: time.Now().Add(ttl)}); evicted {
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(userID)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.entries.Len(),
	}
}
