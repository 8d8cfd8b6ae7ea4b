// Bolt hands out values from its memory map, and every read has to copy them out before the transaction ends.
// The read cache keeps recently read values so hot thumbnails skip both the lookup and the copy.
// Cache is enabled by default but users may decide to disable the cache or adjust its capacity.
//
// Read-only transactions populate the cache; every committed read-write transaction removes the keys it
// touched. Every commit bumps a generation before and after it lands, and a transaction only reads or fills
// the cache while the generation it began at is still current, so it never mixes cached values with an
// older snapshot.

package storage

import (
	"context"
	"flag"
	"runtime"
	"sync"
	"time"

	"github.com/nobletooth/imgcache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readCacheEnabled  = flag.Bool("enable_read_cache", true, "Enable the read cache in front of the bolt backend.")
	readCacheCapacity = flag.Int("read_cache_capacity", 256,
		"The maximum number of values to keep in each read cache shard; 0 or negative disables the cache.")
	readCacheShardCount = flag.Int("read_cache_shard_count", runtime.NumCPU(),
		"The number of shards to keep in the read cache; 0 or negative disables the cache.")
	readCacheTtl = flag.Duration("read_cache_ttl", 5*time.Minute,
		"The TTL for each value in the read cache.")
	readCacheTickInterval = flag.Duration("read_cache_tick_interval", 1*time.Second,
		"The clock tick interval for the read cache.")

	readCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "read_cache_lookups_total",
		Help: "Total number of read cache lookups.",
	}, []string{"status" /* hit | miss */})
	readCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "read_cache_evictions_total",
		Help: "Total number of values evicted from the read cache to make room.",
	})
)

// readCacheKey joins a partition and a key; partition names never contain NUL.
func readCacheKey(partition string, key []byte) string {
	return partition + "\x00" + string(key)
}

// ReadCache is an in-memory cache of committed partition values.
type ReadCache struct {
	internalCache cache.Layer[string, []byte]
	cancel        context.CancelFunc // Stops the reapers of the underlying clocks.
	mux           sync.RWMutex       // Orders cache population against invalidation.
	generation    uint64             // Bumped on both sides of every commit.
	committing    int                // Commits in flight.
}

// newReadCache instantiates a new ReadCache according to configured flags.
func newReadCache() *ReadCache {
	ctx, cancel := context.WithCancel(context.Background())
	newCache := func() cache.Layer[string, []byte] {
		return cache.NewHyperClock(ctx, *readCacheCapacity, *readCacheTickInterval,
			func(string, []byte) { readCacheEvictions.Inc() })
	}

	var cacheLayer cache.Layer[string, []byte] = cache.NewNoOp[string, []byte]()
	if *readCacheEnabled && *readCacheCapacity > 0 && *readCacheShardCount > 0 {
		if *readCacheShardCount > 1 { // Sharded cache.
			cacheLayer = cache.NewShardedCache(newCache, *readCacheShardCount)
		} else { // Single shard cache.
			cacheLayer = newCache()
		}
	}
	return &ReadCache{internalCache: cacheLayer, cancel: cancel}
}

// Generation returns the current generation. Transactions take it before they begin.
func (c *ReadCache) Generation() uint64 {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.generation
}

// usableLocked reports whether a transaction begun at `generation` sees what the cache holds. Callers hold
// at least the read lock.
func (c *ReadCache) usableLocked(generation uint64) bool {
	return generation == c.generation && c.committing == 0
}

// Lookup returns the cached value for a transaction begun at `generation`. Transactions begun before the
// latest commit, or while one is in flight, always miss: their snapshot may predate what is cached.
func (c *ReadCache) Lookup(generation uint64, partition string, key []byte) ([]byte, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	var value []byte
	found := false
	if c.usableLocked(generation) {
		value, found = c.internalCache.Get(readCacheKey(partition, key))
	}
	if found {
		readCacheLookups.WithLabelValues("hit").Inc()
	} else {
		readCacheLookups.WithLabelValues("miss").Inc()
	}
	return value, found
}

// Populate adds a value read by a transaction begun at `generation`, unless a commit happened since.
func (c *ReadCache) Populate(generation uint64, partition string, key, value []byte) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	if !c.usableLocked(generation) {
		return
	}
	c.internalCache.Add(readCacheKey(partition, key), value, *readCacheTtl)
}

// BeginCommit must precede the commit of a transaction that wrote; EndCommit must follow it, whether or not
// the commit succeeded. In between, the cache serves nobody.
func (c *ReadCache) BeginCommit() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.generation++
	c.committing++
}

// EndCommit drops the given cache keys and starts a new generation.
func (c *ReadCache) EndCommit(cacheKeys []string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, cacheKey := range cacheKeys {
		c.internalCache.Remove(cacheKey)
	}
	c.generation++
	c.committing--
}

// Close drops every value and stops the background reapers.
func (c *ReadCache) Close() {
	c.cancel()
	c.internalCache.Purge()
}
