package gateway

import (
	"sync"
	"time"
)

// cacheEntry is a cached lookup value. Expired entries are deliberately kept
// around: the fallback chain reads them stale when the upstream dependency
// is down. Last write wins on refresh.
type cacheEntry struct {
	value    interface{}
	storedAt time.Time
	ttl      time.Duration
}

// Cache is a process-wide TTL cache shared by every concurrent decision
// evaluation. It never evicts on read; Sweep removes entries older than the
// retention window.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached value for key. fresh reports whether the entry is
// still within its TTL; ok reports whether any entry exists at all, expired
// or not.
func (c *Cache) Get(key string) (value interface{}, fresh bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}

	return entry.value, c.now().Sub(entry.storedAt) <= entry.ttl, true
}

// Set stores value under key with the given TTL, replacing any prior entry.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		value:    value,
		storedAt: c.now(),
		ttl:      ttl,
	}
}

// Sweep removes entries whose expiry is older than retention and returns the
// number removed. Entries inside the retention window stay available for
// stale reads.
func (c *Cache) Sweep(retention time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > entry.ttl+retention {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

// Len returns the number of entries currently held, expired included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
