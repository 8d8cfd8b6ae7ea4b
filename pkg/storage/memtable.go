package storage

import (
	"bytes"
	"iter"
	"log/slog"
	"sync"

	"github.com/nobletooth/imgcache/pkg/utils"
)

// MemTable buffers the writes of one read-write transaction until it commits. Deletes are kept as tombstones
// so they shadow the committed partition on reads and scans.
type MemTable struct {
	// skipList allows fast lookup, insertion, and deletion of packed values.
	skipList  *SkipList[[]byte /*key*/, []byte /*packed value*/]
	mux       sync.RWMutex // Protects against race conditions.
	heldBytes int          // Total key+value bytes buffered.
}

// NewMemTable is the constructor for MemTable.
func NewMemTable() *MemTable {
	return &MemTable{skipList: NewSkipList[[]byte, []byte](bytes.Compare)}
}

// Get returns the buffered value of `key`; a tombstone is reported as found.
func (m *MemTable) Get(key []byte) (unpackedValue, bool /*found*/) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	packed, err := m.skipList.Get(key)
	if err != nil {
		return emptyUnpacked, false
	}
	value, err := unpack(packed)
	if err != nil {
		utils.RaiseInvariant("memtable", "corrupted_packed_value", "Failed to unpack a buffered value.",
			"key", key, "err", err)
		return emptyUnpacked, false
	}
	return value, true
}

// set stores the packed value, keeping heldBytes in sync.
func (m *MemTable) set(key, packed []byte) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if prev, err := m.skipList.Get(key); err == nil {
		m.heldBytes -= len(key) + len(prev)
	}
	// NOTE: Since skip list is initialized, we'll ignore `Set` returned error.
	_, _ = m.skipList.Set(bytes.Clone(key), packed)
	m.heldBytes += len(key) + len(packed)
}

// Set buffers a new value for `key`. Both slices are copied.
func (m *MemTable) Set(key, value []byte) {
	m.set(key, unpackedValue{value: value}.pack())
}

// Delete buffers a tombstone for `key`.
func (m *MemTable) Delete(key []byte) {
	m.set(key, tombstonePacked)
}

// Len returns the number of buffered keys, tombstones included.
func (m *MemTable) Len() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.skipList.Len()
}

// HeldBytes returns the key+value bytes buffered so far.
func (m *MemTable) HeldBytes() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.heldBytes
}

// All yields buffered entries in key order. Values that fail to unpack are skipped.
// NOTE: The table must not be written while iterating.
func (m *MemTable) All() iter.Seq[utils.Pair[[]byte, unpackedValue]] {
	return func(yield func(utils.Pair[[]byte, unpackedValue]) bool) {
		m.mux.RLock()
		defer m.mux.RUnlock()

		for pair := range m.skipList.Iterate() {
			value, err := unpack(pair.Value)
			if err != nil {
				slog.Error("Skipping a corrupted buffered value.", "key", pair.Key, "err", err)
				continue
			}
			if !yield(utils.Pair[[]byte, unpackedValue]{Key: pair.Key, Value: value}) {
				return
			}
		}
	}
}
