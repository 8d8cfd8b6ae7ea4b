// Most image lookups for a cold cache are for keys that were never written. Each bolt partition keeps a
// bloom filter of the keys ever put into it, so such lookups are answered without reading the database.
// Deletes don't clear bits; a deleted key is a false positive until the database is re-opened.

package storage

import (
	"flag"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bloomExpectedKeys = flag.Uint("bloom_expected_keys", 100_000,
		"Expected number of keys per partition used to size its bloom filter; 0 disables the filters.")
	bloomFalsePositiveRate = flag.Float64("bloom_false_positive_rate", 0.01,
		"Target false positive rate of partition bloom filters, in (0, 1).")

	bloomSkippedLookups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bloom_filter_skipped_lookups_total",
		Help: "Total number of key lookups answered by a bloom filter without reading the database.",
	})
)

// partitionFilter is a thread-safe bloom filter over the keys of one partition.
type partitionFilter struct {
	mux    sync.RWMutex
	filter *bloom.BloomFilter
}

// newPartitionFilter returns a filter sized by the flags, or nil when filters are disabled.
// A nil filter reports every key as possibly present.
func newPartitionFilter() *partitionFilter {
	if *bloomExpectedKeys == 0 || *bloomFalsePositiveRate <= 0 || *bloomFalsePositiveRate >= 1 {
		return nil
	}
	return &partitionFilter{filter: bloom.NewWithEstimates(*bloomExpectedKeys, *bloomFalsePositiveRate)}
}

func (f *partitionFilter) Add(key []byte) {
	if f == nil {
		return
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	f.filter.Add(key)
}

// MayContain returns false only if `key` was never added.
func (f *partitionFilter) MayContain(key []byte) bool {
	if f == nil {
		return true
	}
	f.mux.RLock()
	defer f.mux.RUnlock()
	if f.filter.Test(key) {
		return true
	}
	bloomSkippedLookups.Inc()
	return false
}
