// The memory backend keeps partitions in skip lists. Read-only transactions share the committed partitions;
// a read-write transaction is exclusive and buffers its writes in a MemTable per partition, which is merged
// over the committed partition on reads and applied to it on commit.

package storage

import (
	"bytes"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/nobletooth/imgcache/pkg/scan"
	"github.com/nobletooth/imgcache/pkg/utils"
)

type memoryPartition = SkipList[[]byte /*key*/, []byte /*value*/]

// memoryStore is the state of one named database; it outlives the DB handles opened over it.
type memoryStore struct {
	mux        sync.RWMutex // Read-only transactions hold the read lock, read-write ones the write lock.
	version    atomic.Uint64
	partitions map[string]*memoryPartition
}

// MemoryBackend holds databases in memory. A database survives Close and can be re-opened from the same
// backend, e.g. at a newer version.
type MemoryBackend struct { // Implements Backend.
	mux sync.Mutex
	dbs map[string]*memoryStore
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{dbs: make(map[string]*memoryStore)}
}

func (b *MemoryBackend) Open(name string, version uint64, upgrade UpgradeFunc) (DB, error) {
	b.mux.Lock()
	store, exists := b.dbs[name]
	if !exists {
		store = &memoryStore{partitions: make(map[string]*memoryPartition)}
		b.dbs[name] = store
	}
	b.mux.Unlock()

	store.mux.Lock()
	defer store.mux.Unlock()

	oldVersion := store.version.Load()
	if version < oldVersion {
		return nil, fmt.Errorf("%w: database %s is at %d, requested %d", ErrVersionDowngrade, name, oldVersion, version)
	}
	if version > oldVersion {
		// Upgrades reshape a copy so a failed one leaves the stored partitions untouched.
		schema := &memorySchema{partitions: maps.Clone(store.partitions)}
		if upgrade != nil {
			if err := upgrade(schema, oldVersion, version); err != nil {
				return nil, fmt.Errorf("failed to upgrade database %s from %d to %d: %w", name, oldVersion, version, err)
			}
		}
		store.partitions = schema.partitions
		store.version.Store(version)
	}
	return &memoryDB{name: name, store: store}, nil
}

// memorySchema is what an UpgradeFunc sees for a memory database.
type memorySchema struct { // Implements Schema.
	partitions map[string]*memoryPartition
}

func (s *memorySchema) Partitions() []string {
	return slices.Sorted(maps.Keys(s.partitions))
}

func (s *memorySchema) CreatePartition(name string) error {
	if name == "" {
		return fmt.Errorf("partition name must not be empty")
	}
	if _, exists := s.partitions[name]; exists {
		return fmt.Errorf("partition %s already exists", name)
	}
	s.partitions[name] = NewSkipList[[]byte, []byte](bytes.Compare)
	return nil
}

func (s *memorySchema) DeletePartition(name string) error {
	if _, exists := s.partitions[name]; !exists {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	delete(s.partitions, name)
	return nil
}

type memoryDB struct { // Implements DB.
	name   string
	store  *memoryStore
	closed atomic.Bool
}

func (d *memoryDB) Begin(mode Mode, partitions ...string) (Txn, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	partitions = uniquePartitions(partitions)
	if mode == ReadWrite {
		d.store.mux.Lock()
	} else {
		d.store.mux.RLock()
	}
	txn := &memoryTxn{store: d.store, mode: mode, partitions: make(map[string]*memoryPartitionView, len(partitions))}
	for _, name := range partitions {
		base, exists := d.store.partitions[name]
		if !exists {
			txn.release()
			return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
		}
		view := &memoryPartitionView{txn: txn, base: base}
		if mode == ReadWrite {
			view.overlay = NewMemTable()
		}
		txn.partitions[name] = view
	}
	return txn, nil
}

func (d *memoryDB) Version() uint64 {
	return d.store.version.Load()
}

// Close detaches the handle; the data stays in the backend.
func (d *memoryDB) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

type memoryTxn struct { // Implements Txn.
	store      *memoryStore
	mode       Mode
	partitions map[string]*memoryPartitionView
	mux        sync.Mutex
	done       bool
}

// release gives back the store lock.
func (t *memoryTxn) release() {
	if t.mode == ReadWrite {
		t.store.mux.Unlock()
	} else {
		t.store.mux.RUnlock()
	}
}

func (t *memoryTxn) isDone() bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.done
}

func (t *memoryTxn) Partition(name string) (Partition, error) {
	view, exists := t.partitions[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s is not part of the transaction", ErrPartitionNotFound, name)
	}
	return view, nil
}

func (t *memoryTxn) Commit() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	defer t.release()

	if t.mode != ReadWrite {
		return nil
	}
	for _, view := range t.partitions {
		for pair := range view.overlay.All() {
			if pair.Value.opt.Is(TombStone) {
				_ = view.base.Delete(pair.Key) // Deleting an absent key is fine.
			} else if _, err := view.base.Set(pair.Key, pair.Value.value); err != nil {
				// Only an uninitialized skip list fails; partitions are always built by the schema.
				utils.RaiseInvariant("memory", "commit_set_failed", "Failed to apply a buffered write.",
					"key", pair.Key, "err", err)
			}
		}
	}
	return nil
}

func (t *memoryTxn) Rollback() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	return nil
}

// memoryPartitionView reads the committed partition through the transaction's buffered writes.
type memoryPartitionView struct { // Implements Partition.
	txn     *memoryTxn
	base    *memoryPartition
	overlay *MemTable // nil for read-only transactions.
}

func (p *memoryPartitionView) Get(key []byte) ([]byte, error) {
	if p.txn.isDone() {
		return nil, ErrTxnDone
	}
	if p.overlay != nil {
		if value, found := p.overlay.Get(key); found {
			if value.opt.Is(TombStone) {
				return nil, ErrKeyNotFound
			}
			return bytes.Clone(value.value), nil
		}
	}
	value, err := p.base.Get(key)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(value), nil
}

func (p *memoryPartitionView) Put(key, value []byte) error {
	if p.txn.isDone() {
		return ErrTxnDone
	}
	if p.overlay == nil {
		return ErrReadOnlyTxn
	}
	p.overlay.Set(key, value)
	return nil
}

func (p *memoryPartitionView) Delete(key []byte) error {
	if p.txn.isDone() {
		return ErrTxnDone
	}
	if p.overlay == nil {
		return ErrReadOnlyTxn
	}
	p.overlay.Delete(key)
	return nil
}

func (p *memoryPartitionView) Scan() (iter.Seq[utils.BytePair], error) {
	if p.txn.isDone() {
		return nil, ErrTxnDone
	}
	committed := func(yield func(utils.Pair[[]byte, unpackedValue]) bool) {
		for pair := range p.base.Iterate() {
			if !yield(utils.Pair[[]byte, unpackedValue]{Key: pair.Key, Value: unpackedValue{value: pair.Value}}) {
				return
			}
		}
	}
	if p.overlay == nil {
		return func(yield func(utils.BytePair) bool) {
			for pair := range committed {
				if !yield(utils.BytePair{Key: bytes.Clone(pair.Key), Value: bytes.Clone(pair.Value.value)}) {
					return
				}
			}
		}, nil
	}

	// Buffered writes come first so they win over committed values of the same key.
	merged, err := scan.MultiHead(bytes.Compare, []iter.Seq[utils.Pair[[]byte, unpackedValue]]{
		p.overlay.All(), committed})
	if err != nil {
		return nil, fmt.Errorf("failed to merge buffered writes: %w", err)
	}
	return func(yield func(utils.BytePair) bool) {
		for pair := range merged {
			if pair.Value.opt.Is(TombStone) {
				continue
			}
			if !yield(utils.BytePair{Key: bytes.Clone(pair.Key), Value: bytes.Clone(pair.Value.value)}) {
				return
			}
		}
	}, nil
}
