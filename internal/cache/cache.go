// Package cache provides the bounded, expiring in-process caches used by the bot.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is a size-bounded cache whose entries also expire after a TTL.
// All methods are safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu  sync.Mutex
	lru *expirable.LRU[K, V]
}

// New creates a cache holding at most size entries for at most ttl each.
// A zero ttl keeps entries until they are evicted by size.
func New[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	if size <= 0 {
		size = 1024
	}
	return &LRU[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

// Get returns the value for key if present and not expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Set stores value under key, refreshing its TTL.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.lru.Add(key, value)
	c.mu.Unlock()
}

// SetIfAbsent stores value only when key is missing. It reports whether the value was stored.
func (c *LRU[K, V]) SetIfAbsent(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(key) {
		return false
	}
	c.lru.Add(key, value)
	return true
}

// Take removes key and returns its value.
func (c *LRU[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Peek(key)
	if ok {
		c.lru.Remove(key)
	}
	return v, ok
}

// Delete removes key.
func (c *LRU[K, V]) Delete(key K) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}
