// Package memcache implements a cost-bounded in-memory cache with LRU
// eviction and an optional TTL.
//
// The pipeline uses it as the first cache tier, keyed by the final
// (processor-aware) cache key and holding decoded images. Eviction is
// synchronous: a Set that pushes total cost over the limit evicts
// least-recently-used entries before it returns, so an evicted entry is
// never observable afterwards.
package memcache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a cost-bounded LRU cache. Safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	costLimit int64
	ttl       time.Duration // 0 = entries never expire
	total     int64
	order     *list.List // front = most recently used
	entries   map[string]*list.Element
	now       func() time.Time // swapped in tests
}

type entry struct {
	key     string
	value   any
	cost    int64
	addedAt time.Time
}

// New creates a cache bounded to costLimit total cost. Entries older than
// ttl are treated as absent; ttl of 0 disables expiry.
func New(costLimit int64, ttl time.Duration) *Cache {
	return &Cache{
		costLimit: costLimit,
		ttl:       ttl,
		order:     list.New(),
		entries:   make(map[string]*list.Element),
		now:       time.Now,
	}
}

// Get returns the value for key, updating its recency. Expired entries are
// removed and reported as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expired(e) {
		c.remove(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key with the given cost, replacing any existing
// entry, then synchronously evicts LRU entries until total cost fits the
// limit. A value whose cost alone exceeds the limit is not stored.
func (c *Cache) Set(key string, value any, cost int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	if cost > c.costLimit {
		return
	}

	e := &entry{key: key, value: value, cost: cost, addedAt: c.now()}
	c.entries[key] = c.order.PushFront(e)
	c.total += cost

	// Evict from the back until we fit. The new entry is at the front, so
	// it is the last candidate and survives unless it is the sole entry.
	for c.total > c.costLimit {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}
}

// Remove deletes the entry for key, if present.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
}

// RemoveAll empties the cache. Intended for memory-pressure handling.
func (c *Cache) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.total = 0
}

// Contains reports whether key holds a live (non-expired) entry without
// updating recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	return !c.expired(el.Value.(*entry))
}

// TotalCost returns the summed cost of all live entries.
func (c *Cache) TotalCost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.addedAt) > c.ttl
}

// remove unlinks el from both the order list and the index.
// Caller must hold c.mu.
func (c *Cache) remove(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	c.total -= e.cost
}
