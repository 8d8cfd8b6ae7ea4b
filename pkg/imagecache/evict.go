package imagecache

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/nobletooth/imgcache/pkg/utils"
)

// lruCandidate is a metadata record as seen by the eviction sweep.
type lruCandidate struct {
	key      string
	lastLoad int64
	size     int64
}

// reservation is the outcome of evictAndReserve, recorded once its transaction commits.
type reservation struct {
	total          int64
	evictedEntries int
	evictedBytes   int64
}

func (r reservation) record() {
	sizeMetric.Set(float64(r.total))
	if r.evictedEntries > 0 {
		evictedEntriesMetric.Add(float64(r.evictedEntries))
		evictedBytesMetric.Add(float64(r.evictedBytes))
	}
}

// lruOrder reads the whole metadata partition, least recently loaded first. Entries loaded at the same
// time are ordered by key. Unreadable records come first.
func (et *entryTxn) lruOrder() ([]lruCandidate, error) {
	pairs, err := et.metadata.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan metadata: %w", err)
	}
	var candidates []lruCandidate
	for pair := range pairs {
		record, err := unmarshalMetadata(pair.Value)
		if err != nil {
			utils.RaiseInvariant("imagecache", "corrupted_metadata", "Evicting an unreadable metadata record.",
				"key", string(pair.Key), "err", err)
			candidates = append(candidates, lruCandidate{key: string(pair.Key), lastLoad: math.MinInt64})
			continue
		}
		candidates = append(candidates,
			lruCandidate{key: string(pair.Key), lastLoad: record.lastLoadTimestamp, size: record.size})
	}
	slices.SortFunc(candidates, func(a, b lruCandidate) int {
		return cmp.Or(cmp.Compare(a.lastLoad, b.lastLoad), strings.Compare(a.key, b.key))
	})
	return candidates, nil
}

// evictAndReserve adds `size` bytes to the tracked total. If they don't fit, the least recently loaded entries
// are deleted until at least max(size, evictionChunk) bytes are freed. Freeing more than needed is on purpose:
// the next saves then fit without another sweep.
func (c *ImageCache) evictAndReserve(et *entryTxn, size int64) (reservation, error) {
	if size > c.memoryLimit {
		return reservation{}, fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, size, c.memoryLimit)
	}
	current, err := et.readSize()
	if err != nil {
		return reservation{}, err
	}
	if current+size <= c.memoryLimit {
		return reservation{total: current + size}, et.writeSize(current + size)
	}

	bytesToEvict := max(size, c.evictionChunk)
	candidates, err := et.lruOrder()
	if err != nil {
		return reservation{}, err
	}
	var reserved reservation
	for _, candidate := range candidates {
		if reserved.evictedBytes >= bytesToEvict {
			break
		}
		if err := et.deleteRecords(candidate.key); err != nil {
			return reservation{}, err
		}
		reserved.evictedEntries++
		reserved.evictedBytes += candidate.size
	}

	remaining := current - reserved.evictedBytes
	if reserved.evictedEntries == len(candidates) && remaining != 0 {
		// Nothing is cached anymore, so anything left is drift in the tracked total.
		utils.RaiseInvariant("imagecache", "size_drift", "Tracked bytes don't match the evicted entries.",
			"tracked", current, "evicted", reserved.evictedBytes)
		remaining = 0
	}
	if remaining < 0 {
		utils.RaiseInvariant("imagecache", "negative_size", "Evicted more bytes than were tracked.",
			"tracked", current, "evicted", reserved.evictedBytes)
		remaining = 0
	}
	reserved.total = remaining + size
	if reserved.total > c.memoryLimit { // Only reachable with a drifted total.
		return reservation{}, fmt.Errorf("%w: %d bytes still cached after eviction", ErrEntryTooLarge, remaining)
	}
	return reserved, et.writeSize(reserved.total)
}
