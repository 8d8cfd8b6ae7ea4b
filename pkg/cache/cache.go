// The storage layer keeps recently read records in memory so hot thumbnails don't get copied out of the
// database on every lookup. This module provides an interface on caching, making single shard cache
// and multi shard caches have the same API.

package cache

import "time"

// Layer defines the interface for a generic key-value cache. This allows different cache implementations
// to be used as shards within Sharded, or to be swapped for NoOp when caching is disabled.
type Layer[K comparable, V any] interface {
	// Get returns value from cache for given key and a boolean indicating whether key was found.
	Get(key K) (V, bool)
	// Add inserts a key-value pair into the cache with the given TTL. It returns true if an item was evicted.
	Add(key K, value V, ttl time.Duration) bool
	// Remove drops the given key; returns true if it was present.
	Remove(key K) bool
	Keys() []K // Returns a slice of all keys currently in the cache.
	Purge()    // Removes all items from the cache.
}

// NoOp is a cache layer that doesn't store any items.
// It is used when cache is disabled.
type NoOp[K comparable, V any] struct { // Implements Layer.
}

var _ Layer[int, int] = (*NoOp[int, int])(nil)

// NewNoOp returns a no-operation cache layer that does not store any items.
func NewNoOp[K comparable, V any]() *NoOp[K, V] {
	return &NoOp[K, V]{}
}

func (n *NoOp[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (n *NoOp[K, V]) Add(K, V, time.Duration) bool { return false }

func (n *NoOp[K, V]) Remove(K) bool { return false }

func (n *NoOp[K, V]) Keys() []K { return nil }

func (n *NoOp[K, V]) Purge() {}
