// Every cache layer guards its entries with one mutex. Splitting the key space over several layers lets
// concurrent lookups of different keys take different locks.

package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/imgcache/pkg/utils"
)

var _ Layer[string, []byte] = (*ShardedCache[[]byte])(nil)

// ShardedCache routes each string key to one of its shards by the key's xxhash.
type ShardedCache[V any] struct { // Implements Layer.
	shards []Layer[string, V]
}

// NewShardedCache creates `shardCount` shards with `newShard`. A non-positive count is raised as an invariant
// and treated as one shard.
func NewShardedCache[V any](newShard func() Layer[string, V], shardCount int) *ShardedCache[V] {
	if shardCount <= 0 {
		utils.RaiseInvariant("shard", "non_positive_shard_count",
			"Invalid shard count has been given to sharded cache.", "shardCount", shardCount)
		shardCount = 1
	}
	shards := make([]Layer[string, V], shardCount)
	for i := range shards {
		shards[i] = newShard()
	}
	return &ShardedCache[V]{shards: shards}
}

func (c *ShardedCache[V]) shardOf(key string) Layer[string, V] {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

func (c *ShardedCache[V]) Get(key string) (V, bool /*found*/) {
	return c.shardOf(key).Get(key)
}

func (c *ShardedCache[V]) Add(key string, value V, ttl time.Duration) /*evictionOccurred*/ bool {
	return c.shardOf(key).Add(key, value, ttl)
}

func (c *ShardedCache[V]) Remove(key string) bool {
	return c.shardOf(key).Remove(key)
}

// Keys visits every shard; it is meant for tests and diagnostics.
func (c *ShardedCache[V]) Keys() []string {
	var keys []string
	for _, shard := range c.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

func (c *ShardedCache[V]) Purge() {
	for _, shard := range c.shards {
		shard.Purge()
	}
}
