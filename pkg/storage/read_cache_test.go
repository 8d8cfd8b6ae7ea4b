package storage

import (
	"testing"

	"github.com/nobletooth/imgcache/pkg/cache"
	"github.com/nobletooth/imgcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewReadCache(t *testing.T) {
	t.Run("single_shard", func(t *testing.T) {
		utils.SetTestFlag(t, "read_cache_shard_count", "1")
		readCache := newReadCache()
		defer readCache.Close()
		_, isSingleShard := readCache.internalCache.(*cache.HyperClock[string, []byte])
		assert.True(t, isSingleShard, "Expected single shard cache")
	})
	t.Run("multi_shard", func(t *testing.T) {
		utils.SetTestFlag(t, "read_cache_shard_count", "10")
		readCache := newReadCache()
		defer readCache.Close()
		_, isMultiShard := readCache.internalCache.(*cache.ShardedCache[[]byte])
		assert.True(t, isMultiShard, "Expected multi shard cache")
	})
	t.Run("disabled", func(t *testing.T) {
		utils.SetTestFlag(t, "enable_read_cache", "false")
		readCache := newReadCache()
		defer readCache.Close()
		_, isNoOp := readCache.internalCache.(*cache.NoOp[string, []byte])
		assert.True(t, isNoOp, "Expected no-op cache")
	})
	t.Run("zero_capacity", func(t *testing.T) {
		utils.SetTestFlag(t, "read_cache_capacity", "0")
		readCache := newReadCache()
		defer readCache.Close()
		_, isNoOp := readCache.internalCache.(*cache.NoOp[string, []byte])
		assert.True(t, isNoOp, "Expected no-op cache")
	})
}

func TestReadCache_PopulateAndInvalidate(t *testing.T) {
	utils.SetTestFlag(t, "read_cache_shard_count", "2")
	readCache := newReadCache()
	defer readCache.Close()

	t.Run("populate_current_generation", func(t *testing.T) {
		hitsBefore := testutil.ToFloat64(readCacheLookups.WithLabelValues("hit"))
		readCache.Populate(readCache.Generation(), "p", []byte("k"), []byte("v"))
		value, found := readCache.Lookup(readCache.Generation(), "p", []byte("k"))
		assert.True(t, found)
		assert.Equal(t, []byte("v"), value)
		assert.Equal(t, hitsBefore+1, testutil.ToFloat64(readCacheLookups.WithLabelValues("hit")))

		_, found = readCache.Lookup(readCache.Generation(), "other", []byte("k"))
		assert.False(t, found, "Partitions should not share keys")
	})
	t.Run("invalidate_drops_keys", func(t *testing.T) {
		readCache.BeginCommit()
		readCache.EndCommit([]string{readCacheKey("p", []byte("k"))})
		_, found := readCache.Lookup(readCache.Generation(), "p", []byte("k"))
		assert.False(t, found)
	})
	t.Run("stale_generation_is_not_cached", func(t *testing.T) {
		generation := readCache.Generation()
		readCache.BeginCommit() // A commit races the read.
		readCache.EndCommit(nil)
		readCache.Populate(generation, "p", []byte("k"), []byte("old"))
		_, found := readCache.Lookup(readCache.Generation(), "p", []byte("k"))
		assert.False(t, found)
	})
}

func TestReadCache_LookupIsGenerationAware(t *testing.T) {
	utils.SetTestFlag(t, "read_cache_shard_count", "1")
	readCache := newReadCache()
	defer readCache.Close()
	key := []byte("k")

	oldGeneration := readCache.Generation()
	readCache.BeginCommit()
	readCache.EndCommit([]string{readCacheKey("p", key)})
	newGeneration := readCache.Generation()
	readCache.Populate(newGeneration, "p", key, []byte("new"))

	t.Run("current_generation_hits", func(t *testing.T) {
		value, found := readCache.Lookup(newGeneration, "p", key)
		assert.True(t, found)
		assert.Equal(t, []byte("new"), value)
	})
	t.Run("older_generation_misses", func(t *testing.T) {
		_, found := readCache.Lookup(oldGeneration, "p", key)
		assert.False(t, found)
	})
	t.Run("commit_in_flight_misses", func(t *testing.T) {
		readCache.BeginCommit()
		inFlight := readCache.Generation()
		_, found := readCache.Lookup(inFlight, "p", key)
		assert.False(t, found)
		readCache.Populate(inFlight, "p", []byte("other"), []byte("value"))
		readCache.EndCommit(nil)

		_, found = readCache.Lookup(readCache.Generation(), "p", []byte("other"))
		assert.False(t, found, "Values read during a commit are not cached")
		_, found = readCache.Lookup(readCache.Generation(), "p", key)
		assert.True(t, found, "Untouched keys survive the commit")
	})
}
