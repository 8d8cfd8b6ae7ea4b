package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nobletooth/imgcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltBackend_File(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	db, err := NewBoltBackend(dir, time.Second).Open("images", 1, createPartitions("p"))
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	assert.FileExists(t, filepath.Join(dir, "images.db"))

	t.Run("schema_bucket_is_hidden", func(t *testing.T) {
		_, err := db.Begin(ReadOnly, schemaBucket)
		assert.ErrorIs(t, err, ErrPartitionNotFound)
	})
}

func TestBoltBackend_ReadCache(t *testing.T) {
	utils.SetTestFlag(t, "read_cache_shard_count", "1")
	db, err := NewBoltBackend(t.TempDir(), 0).Open("cached", 1, createPartitions("p"))
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	putAll(t, db, "p", utils.Pair[string, string]{Key: "k", Value: "v1"})

	hits := func() float64 { return testutil.ToFloat64(readCacheLookups.WithLabelValues("hit")) }

	t.Run("second_read_hits", func(t *testing.T) {
		_, err := readKey(t, db, "p", "k")
		require.NoError(t, err)
		before := hits()
		value, err := readKey(t, db, "p", "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", value)
		assert.Equal(t, before+1, hits())
	})

	t.Run("commit_invalidates", func(t *testing.T) {
		putAll(t, db, "p", utils.Pair[string, string]{Key: "k", Value: "v2"})
		value, err := readKey(t, db, "p", "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", value)
	})

	t.Run("old_snapshot_ignores_newer_cached_values", func(t *testing.T) {
		oldTxn, err := db.Begin(ReadOnly, "p")
		require.NoError(t, err)
		defer func() { require.NoError(t, oldTxn.Rollback()) }()
		oldPart, err := oldTxn.Partition("p")
		require.NoError(t, err)

		putAll(t, db, "p", utils.Pair[string, string]{Key: "k", Value: "v3"})
		for range 2 { // The second read is served by the cache.
			value, err := readKey(t, db, "p", "k")
			require.NoError(t, err)
			assert.Equal(t, "v3", value)
		}

		for range 2 {
			value, err := oldPart.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, "v2", string(value), "A transaction reads its own snapshot")
		}
	})

	t.Run("read_write_transactions_bypass", func(t *testing.T) {
		before := testutil.ToFloat64(readCacheLookups.WithLabelValues("miss")) + hits()
		txn, err := db.Begin(ReadWrite, "p")
		require.NoError(t, err)
		defer func() { require.NoError(t, txn.Rollback()) }()
		part, err := txn.Partition("p")
		require.NoError(t, err)
		_, err = part.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, before, testutil.ToFloat64(readCacheLookups.WithLabelValues("miss"))+hits())
	})
}

func TestBoltBackend_BloomFilter(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBoltBackend(dir, 0).Open("bloom", 1, createPartitions("p"))
	require.NoError(t, err)
	putAll(t, db, "p", utils.Pair[string, string]{Key: "present", Value: "v"})
	require.NoError(t, db.Close())

	// Filters are rebuilt from the file on open.
	db, err = NewBoltBackend(dir, 0).Open("bloom", 1, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	value, err := readKey(t, db, "p", "present")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	skipped := 0
	before := testutil.ToFloat64(bloomSkippedLookups)
	for _, key := range []string{"absent-1", "absent-2", "absent-3", "absent-4"} {
		_, err := readKey(t, db, "p", key)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	skipped = int(testutil.ToFloat64(bloomSkippedLookups) - before)
	assert.Positive(t, skipped, "Expected the filter to answer some lookups of absent keys")
}

func TestNewBackendFromFlags(t *testing.T) {
	t.Run("bolt", func(t *testing.T) {
		utils.SetTestFlag(t, "data_dir", t.TempDir())
		backend, err := NewBackendFromFlags()
		require.NoError(t, err)
		assert.IsType(t, &BoltBackend{}, backend)
	})
	t.Run("memory", func(t *testing.T) {
		utils.SetTestFlag(t, "storage_backend", BackendMemory)
		backend, err := NewBackendFromFlags()
		require.NoError(t, err)
		assert.IsType(t, &MemoryBackend{}, backend)
	})
	t.Run("unknown", func(t *testing.T) {
		utils.SetTestFlag(t, "storage_backend", "tape")
		_, err := NewBackendFromFlags()
		assert.Error(t, err)
	})
}
