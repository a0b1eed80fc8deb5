// Package cache provides a bounded in-memory TTL cache backed by
// hashicorp/golang-lru's expirable LRU.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is a thread-safe, size-bounded cache whose entries expire after a TTL.
type LRU[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// New creates a cache holding at most size entries, each living for ttl.
func New[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	if size < 1 {
		size = 1
	}
	return &LRU[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

// Get retrieves a value from the cache. Returns false if not found or expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Set stores a value with the configured TTL, evicting the oldest entry when full.
func (c *LRU[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// Delete removes a value from the cache.
func (c *LRU[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

// Len returns the number of live entries.
func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}
