// Package lru provides a byte-bounded least-recently-used cache for rendered
// snapshot HTML.
package lru

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

type entry[V any] struct {
	value V
	size  int
}

// Cache evicts least-recently-used entries once the summed size of all
// entries would exceed maxSize. A single entry larger than maxSize is still
// admitted after everything else has been evicted.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	size    int
	entries *lru.Cache
}

// New returns an empty cache bounded at maxSize units.
func New[K comparable, V any](maxSize int) *Cache[K, V] {
	c := &Cache[K, V]{maxSize: maxSize, entries: lru.New(0)}
	c.entries.OnEvicted = func(_ lru.Key, v interface{}) {
		c.size -= v.(entry[V]).size
	}
	return c
}

// GetOrCompute returns the cached value for key, refreshing its recency, or
// calls compute, stores its result and returns it. compute reports the size
// of the value it produced.
func (c *Cache[K, V]) GetOrCompute(key K, compute func() (V, int)) V {
	v, _ := c.Lookup(key, compute)
	return v
}

// Lookup is GetOrCompute that also reports whether the value was served from
// the cache. compute runs without the lock held, so distinct keys compute
// concurrently; when two callers race on one key the first stored value wins.
func (c *Cache[K, V]) Lookup(key K, compute func() (V, int)) (V, bool) {
	c.mu.Lock()
	if v, ok := c.entries.Get(key); ok {
		c.mu.Unlock()
		return v.(entry[V]).value, true
	}
	c.mu.Unlock()

	value, size := compute()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries.Get(key); ok {
		return v.(entry[V]).value, false
	}
	for c.size+size > c.maxSize && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}
	c.entries.Add(key, entry[V]{value: value, size: size})
	c.size += size
	return value, false
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Size returns the summed size of the cached entries.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
