package unifs

import (
	"strings"
	"sync"
	"time"
)

// ============================================================================
// In-Memory TTL Cache
// ============================================================================

// CacheStatistics contains cache performance counters.
type CacheStatistics struct {
	Hits      int64
	Misses    int64
	Size      int64
	Evictions int64
	HitRate   float64
}

type cacheEntry[V any] struct {
	value      V
	expiration time.Time
}

// MemoryCache is a small thread-safe map with per-entry TTL. Providers use
// it for lookups that are expensive to repeat, such as remote path-to-ID
// resolution.
type MemoryCache[V any] struct {
	mu        sync.Mutex
	entries   map[string]cacheEntry[V]
	ttl       time.Duration
	now       func() time.Time
	hits      int64
	misses    int64
	evictions int64
}

// NewMemoryCache creates a cache whose entries live for ttl. A zero ttl
// means entries never expire.
func NewMemoryCache[V any](ttl time.Duration) *MemoryCache[V] {
	return &MemoryCache[V]{
		entries: make(map[string]cacheEntry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *MemoryCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get retrieves a live value.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if !entry.expiration.IsZero() && c.now().After(entry.expiration) {
		delete(c.entries, key)
		c.misses++
		c.evictions++
		var zero V
		return zero, false
	}
	c.hits++
	return entry.value, true
}

// Set stores value under key.
func (c *MemoryCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry[V]{value: value}
	if c.ttl > 0 {
		entry.expiration = c.now().Add(c.ttl)
	}
	c.entries[key] = entry
}

// Delete removes key.
func (c *MemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeletePrefix removes every key starting with prefix.
func (c *MemoryCache[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			c.evictions++
		}
	}
}

// Clear removes all values.
func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry[V])
	c.mu.Unlock()
}

// Stats returns cache statistics.
func (c *MemoryCache[V]) Stats() CacheStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return CacheStatistics{
		Hits:      c.hits,
		Misses:    c.misses,
		Size:      int64(len(c.entries)),
		Evictions: c.evictions,
		HitRate:   hitRate,
	}
}
