// Package cache holds the bounded LRU caches that sit between requests and the
// volume builder and renderer: one for reconstructed volumes, one for encoded
// images.
package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"mprview/internal/models"
)

// Stats is a point-in-time snapshot of a cache
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Bytes     int64   `json:"bytes"`
	HitRate   float64 `json:"hitRate"`
}

// Sizer reports the memory held by a cached value
type Sizer[V any] func(V) int64

type entry[V any] struct {
	value V
	bytes int64
}

// LRU is a fixed-capacity least-recently-used map guarded by a single mutex.
// Besides the values it keeps hit, miss and eviction counters and the number
// of bytes held.
type LRU[K comparable, V any] struct {
	name     string
	capacity int
	sizer    Sizer[V]

	mu        sync.Mutex
	lru       *simplelru.LRU[K, entry[V]]
	hits      uint64
	misses    uint64
	evictions uint64
	bytes     int64
}

// NewLRU creates an LRU holding at most capacity entries. sizer may be nil.
func NewLRU[K comparable, V any](name string, capacity int, sizer Sizer[V]) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &LRU[K, V]{name: name, capacity: capacity, sizer: sizer}
	// onEvict fires for capacity evictions as well as Remove and Purge, so it
	// is the one place where the byte count goes down
	l, err := simplelru.NewLRU[K, entry[V]](capacity, func(_ K, e entry[V]) {
		c.bytes -= e.bytes
	})
	if err != nil {
		panic(err)
	}
	c.lru = l
	return c
}

// Get returns the value for key and marks it most recently used
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return e.value, ok
}

// Peek returns the value for key without touching recency or counters
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	return e.value, ok
}

// Contains reports whether key is cached without touching recency
func (c *LRU[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Add inserts or replaces key and reports whether an older entry was evicted
func (c *LRU[K, V]) Add(key K, value V) bool {
	var n int64
	if c.sizer != nil {
		n = c.sizer(value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// replacing an entry does not go through onEvict
	if old, ok := c.lru.Peek(key); ok {
		c.bytes -= old.bytes
	}
	c.bytes += n
	evicted := c.lru.Add(key, entry[V]{value: value, bytes: n})
	if evicted {
		c.evictions++
	}
	c.checkCapacity()
	return evicted
}

// Remove drops key and reports whether it was present
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// RemoveFunc drops every entry whose key matches and returns how many were dropped
func (c *LRU[K, V]) RemoveFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, k := range c.lru.Keys() {
		if match(k) && c.lru.Remove(k) {
			removed++
		}
	}
	return removed
}

// Keys returns the cached keys from least to most recently used
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Purge empties the cache. Counters are kept.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of cached entries
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the maximum number of entries
func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the counters
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Bytes:     c.bytes,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// checkCapacity must be called with mu held
func (c *LRU[K, V]) checkCapacity() {
	if n := c.lru.Len(); n > c.capacity {
		panic(models.CacheCapacityViolation{Cache: c.name, Size: n, Capacity: c.capacity})
	}
}
