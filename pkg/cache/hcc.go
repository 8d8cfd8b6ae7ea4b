// This module implements an expirable CLOCK cache.
// Eviction Policy (CLOCK Algorithm):
// The cache uses a circular list of entries and a "hand" that sweeps over them. When the cache is full and a new item
// needs to be added, the hand checks the entry it's pointing to:
//   - If the entry's reference bit is 'true', it sets it to 'false' and moves to the next entry.
//     This gives the entry a "second chance".
//   - If the entry's reference bit is 'false' (or the entry expired), it's replaced in place by the new one.
//
// Expiration Policy (TTL with Reaper):
// Entries are distributed to time-based buckets by their expiry. A background goroutine, the "reaper",
// periodically wakes up and clears every bucket whose time has passed, so expired items are dropped
// without scanning the entire cache.

package cache

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nobletooth/imgcache/pkg/types"
	"github.com/nobletooth/imgcache/pkg/utils"
)

// clockEntry is a single cached item plus its CLOCK and expiry bookkeeping.
type clockEntry[K comparable, V any] struct {
	key   K
	value V
	// ref is the CLOCK reference bit; set on Get, cleared as the hand passes. Atomic since Get only holds a read lock.
	ref       atomic.Bool
	expiresAt time.Time
}

type clockNode[K comparable, V any] = types.LinkedListNode[*clockEntry[K, V]]

// getTimeBucket rounds down the timestamp to the last timestamp that the reaper cleared given the tickInterval.
func getTimeBucket(timestamp time.Time, tickInterval time.Duration) time.Time {
	return time.Unix(0, (timestamp.UnixNano()/int64(tickInterval))*int64(tickInterval))
}

// HyperClock is a thread-safe, fixed-capacity, in-memory cache that combines the CLOCK (Second-Chance)
// eviction algorithm with a time-based expiration mechanism.
type HyperClock[K comparable, V any] struct {
	capacity       int
	hand           *clockNode[K, V] // Next candidate for eviction; nil iff the cache is empty.
	index          map[K]*clockNode[K, V]
	circularBuffer *types.LinkedList[*clockEntry[K, V]]
	expiryBuckets  map[time.Time]map[K]*clockNode[K, V]
	tickInterval   time.Duration
	reaperHand     time.Time // Next bucket to be cleared by the reaper goroutine.
	// evictionCallback runs under the cache lock for capacity evictions and Purge; it must not call back into
	// the cache.
	evictionCallback func(K, V)
	mux              sync.RWMutex
}

var _ Layer[int, int] = (*HyperClock[int, int])(nil)

// NewHyperClock is the constructor for HyperClock. The reaper goroutine runs until `ctx` is cancelled.
// NOTE: eviction callback function must not call any of the cache methods or else we'll be having a deadlock.
func NewHyperClock[K comparable, V any](ctx context.Context, capacity int, tickInterval time.Duration,
	evictionCallback func(K, V)) *HyperClock[K, V] {
	if capacity <= 0 {
		utils.RaiseInvariant("hcc", "negative_cache_capacity",
			"Invalid capacity has been given to clock cache.", "capacity", capacity)
		capacity = 1
	}
	if tickInterval <= 0 {
		utils.RaiseInvariant("hcc", "non_positive_tick_interval",
			"Invalid tick interval has been given to clock cache.", "tickInterval", tickInterval)
		tickInterval = time.Second
	}
	clockCache := &HyperClock[K, V]{
		capacity:         capacity,
		index:            make(map[K]*clockNode[K, V], capacity),
		circularBuffer:   new(types.LinkedList[*clockEntry[K, V]]),
		expiryBuckets:    make(map[time.Time]map[K]*clockNode[K, V]),
		tickInterval:     tickInterval,
		reaperHand:       getTimeBucket(time.Now(), tickInterval),
		evictionCallback: evictionCallback,
	}
	go clockCache.reaper(ctx)
	return clockCache
}

// Get returns the value of a live entry and marks it as recently used.
func (c *HyperClock[K, V]) Get(key K) (V, bool /*found*/) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	node, keyExists := c.index[key]
	if !keyExists || time.Now().After(node.Value.expiresAt) {
		return *new(V), false
	}
	node.Value.ref.Store(true)
	return node.Value.value, true
}

// bucketize files the entry under the bucket of its expiry. NOTE: Caller should acquire lock.
func (c *HyperClock[K, V]) bucketize(node *clockNode[K, V]) {
	bucket := getTimeBucket(node.Value.expiresAt, c.tickInterval)
	if _, bucketExists := c.expiryBuckets[bucket]; !bucketExists {
		c.expiryBuckets[bucket] = make(map[K]*clockNode[K, V])
	}
	c.expiryBuckets[bucket][node.Value.key] = node
}

// unbucketize removes the entry from its expiry bucket. NOTE: Caller should acquire lock.
func (c *HyperClock[K, V]) unbucketize(node *clockNode[K, V]) {
	bucket := getTimeBucket(node.Value.expiresAt, c.tickInterval)
	delete(c.expiryBuckets[bucket], node.Value.key)
	if len(c.expiryBuckets[bucket]) == 0 {
		delete(c.expiryBuckets, bucket)
	}
}

// unlink drops the node from the index and the circular buffer, moving the hand off it first.
// NOTE: Caller should acquire lock and unbucketize the node.
func (c *HyperClock[K, V]) unlink(node *clockNode[K, V]) {
	if c.hand == node {
		c.hand = c.circularBuffer.NextCircular(node)
		if c.hand == node { // It was the only entry.
			c.hand = nil
		}
	}
	delete(c.index, node.Value.key)
	c.circularBuffer.Remove(node)
}

// Add inserts or updates a key-value pair. A full cache replaces the first unreferenced or expired entry
// under the hand. It returns true if an eviction occurred.
func (c *HyperClock[K, V]) Add(key K, value V, ttl time.Duration) /*evictionOccurred*/ bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if node, keyExists := c.index[key]; keyExists {
		c.unbucketize(node)
		node.Value.value = value
		node.Value.ref.Store(false)
		node.Value.expiresAt = time.Now().Add(ttl)
		c.bucketize(node)
		return false
	}

	if c.circularBuffer.Len() < c.capacity {
		node := c.circularBuffer.PushBack(&clockEntry[K, V]{key: key, value: value, expiresAt: time.Now().Add(ttl)})
		c.bucketize(node)
		c.index[key] = node
		if c.hand == nil {
			c.hand = node
		}
		return false
	}

	for {
		node := c.hand
		victim := node.Value
		if victim.ref.Load() && !time.Now().After(victim.expiresAt) {
			victim.ref.Store(false) // Second chance.
			c.hand = c.circularBuffer.NextCircular(node)
			continue
		}
		// Reuse the victim's node for the new entry.
		c.unbucketize(node)
		delete(c.index, victim.key)
		evictedKey, evictedValue := victim.key, victim.value
		victim.key, victim.value = key, value
		victim.ref.Store(false)
		victim.expiresAt = time.Now().Add(ttl)
		c.bucketize(node)
		c.index[key] = node
		c.hand = c.circularBuffer.NextCircular(node)
		if c.evictionCallback != nil {
			c.evictionCallback(evictedKey, evictedValue)
		}
		return true
	}
}

// Remove drops `key` without calling the eviction callback.
func (c *HyperClock[K, V]) Remove(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	node, keyExists := c.index[key]
	if !keyExists {
		return false
	}
	c.unbucketize(node)
	c.unlink(node)
	return true
}

func (c *HyperClock[K, V]) Keys() []K {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return slices.Collect(maps.Keys(c.index))
}

func (c *HyperClock[K, V]) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.circularBuffer.Len()
}

func (c *HyperClock[K, V]) Purge() {
	c.mux.Lock()
	defer c.mux.Unlock()

	for node := c.circularBuffer.Front(); node != nil; node = c.circularBuffer.Front() {
		evicted := node.Value
		c.circularBuffer.Remove(node)
		if c.evictionCallback != nil {
			c.evictionCallback(evicted.key, evicted.value)
		}
	}
	clear(c.index)
	clear(c.expiryBuckets)
	c.hand = nil
}

// reaper clears every expiry bucket whose time has passed, once per tick, until `ctx` is done.
func (c *HyperClock[K, V]) reaper(ctx context.Context) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reap(time.Now())
		}
	}
}

// reap drops expired buckets up to `now`. There can be more than one of them in case of high CPU usage.
func (c *HyperClock[K, V]) reap(now time.Time) {
	c.mux.Lock()
	defer c.mux.Unlock()

	for c.reaperHand.Before(now) {
		for _, node := range c.expiryBuckets[c.reaperHand] {
			c.unlink(node)
		}
		delete(c.expiryBuckets, c.reaperHand)
		c.reaperHand = c.reaperHand.Add(c.tickInterval)
	}
}
