package loadbalance

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultCacheTTL is the absolute, from-insert TTL for selection cache
// entries (spec.md §4.3).
const defaultCacheTTL = 5 * time.Second

// defaultCacheSize bounds the cache so a pathological tag cardinality can't
// grow it without limit; LRU eviction (not correctness) governs overflow,
// grounded on internal/cache/memory.go's MemoryStore.
const defaultCacheSize = 4096

// cacheEntry is the value stored per key; insertedAt records when the entry
// was stored, while expirable.LRU enforces the TTL on Get.
type cacheEntry struct {
	backendKey string
	insertedAt time.Time
}

// SelectionCache is the short-TTL (model, user-tag-set) -> backend-key cache
// that strategies opt into (spec.md §4.3). It wraps hashicorp/golang-lru/v2's
// expirable LRU exactly the way internal/cache/memory.go's MemoryStore does,
// plus hit/miss/eviction counters shaped like internal/cache/cache.go's Cache.
type SelectionCache struct {
	lru       *expirable.LRU[string, cacheEntry]
	ttl       time.Duration
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	mu        sync.Mutex // serializes the key scans of Invalidate and InvalidateBackend
}

// CacheStats is the point-in-time view returned by Stats().
type CacheStats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// NewSelectionCache creates a cache with the given TTL and max size (0 uses defaults).
func NewSelectionCache(ttl time.Duration, maxSize int) *SelectionCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	c := &SelectionCache{ttl: ttl}
	c.lru = expirable.NewLRU[string, cacheEntry](maxSize, func(string, cacheEntry) {
		c.evictions.Add(1)
	}, ttl)
	return c
}

// cacheKeyFor builds the canonical (model, sorted tags) cache key (spec.md §3).
func cacheKeyFor(model string, tags []string) string {
	if len(tags) == 0 {
		return model
	}
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return model + "|" + strings.Join(sorted, ",")
}

// Get returns the cached backend key for (model, tags), or "" if absent or
// expired. A physically-present-but-expired entry is treated as a miss
// (spec.md §3 invariant); expirable.LRU already enforces that on Get.
func (c *SelectionCache) Get(model string, tags []string) (string, bool) {
	entry, ok := c.lru.Get(cacheKeyFor(model, tags))
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return entry.backendKey, true
}

// Put inserts the winning backend key for (model, tags).
func (c *SelectionCache) Put(model string, tags []string, backendKey string) {
	c.lru.Add(cacheKeyFor(model, tags), cacheEntry{backendKey: backendKey, insertedAt: time.Now()})
}

// Invalidate removes every entry for the given model, whatever its tags.
func (c *SelectionCache) Invalidate(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := model
	for _, key := range c.lru.Keys() {
		if key == prefix || strings.HasPrefix(key, prefix+"|") {
			c.lru.Remove(key)
		}
	}
}

// InvalidateBackend removes every entry whose cached choice is backendKey,
// used by report_result on Failure (spec.md §4.5, scenario 6 in §8) and on
// every healthy→unhealthy transition (spec.md §4.3) so selection never
// hands out a choice already known to be bad. This is best-effort per
// spec.md §5: a reader may already have copied out a just-invalidated
// entry, which is acceptable because cache hits are revalidated against
// health anyway.
func (c *SelectionCache) InvalidateBackend(backendKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if ok && entry.backendKey == backendKey {
			c.lru.Remove(key)
		}
	}
}

// Stats returns the current size plus cumulative hit/miss/eviction counts.
func (c *SelectionCache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.lru.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
