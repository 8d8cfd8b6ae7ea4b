// The bolt backend stores each database in a single file under the data directory. Partitions are bolt
// buckets; the schema version lives in a reserved bucket that is hidden from callers.

package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nobletooth/imgcache/pkg/utils"
	bolt "go.etcd.io/bbolt"
)

const schemaBucket = "__schema"

var schemaVersionKey = []byte("version")

// BoltBackend opens bolt databases as `<dir>/<name>.db`.
type BoltBackend struct { // Implements Backend.
	dir     string
	timeout time.Duration // How long to wait for the file lock held by another process.
}

var _ Backend = (*BoltBackend)(nil)

func NewBoltBackend(dir string, timeout time.Duration) *BoltBackend {
	return &BoltBackend{dir: dir, timeout: timeout}
}

func (b *BoltBackend) Open(name string, version uint64, upgrade UpgradeFunc) (DB, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", b.dir, err)
	}
	path := filepath.Join(b.dir, name+".db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: b.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	var oldVersion uint64
	if err := db.Update(func(tx *bolt.Tx) error {
		var upgradeErr error
		oldVersion, upgradeErr = upgradeSchema(tx, version, upgrade)
		return upgradeErr
	}); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, fmt.Errorf("failed to prepare bolt database %s: %w", path, err)
	}
	if oldVersion != version {
		slog.Info("Upgraded database schema.", "db", name, "from", oldVersion, "to", version)
	}

	boltDB := &boltDB{name: name, db: db, version: version, readCache: newReadCache()}
	if err := boltDB.loadFilters(); err != nil {
		return nil, errors.Join(err, boltDB.Close())
	}
	return boltDB, nil
}

// upgradeSchema reads the stored version and runs `upgrade` when `version` is newer. It returns the version
// the database was at.
func upgradeSchema(tx *bolt.Tx, version uint64, upgrade UpgradeFunc) (uint64, error) {
	meta, err := tx.CreateBucketIfNotExists([]byte(schemaBucket))
	if err != nil {
		return 0, fmt.Errorf("failed to create schema bucket: %w", err)
	}
	var oldVersion uint64
	if raw := meta.Get(schemaVersionKey); raw != nil {
		if len(raw) != 8 {
			return 0, fmt.Errorf("stored schema version has %d bytes, expected 8", len(raw))
		}
		oldVersion = binary.BigEndian.Uint64(raw)
	}
	if version < oldVersion {
		return oldVersion, fmt.Errorf("%w: stored %d, requested %d", ErrVersionDowngrade, oldVersion, version)
	}
	if version == oldVersion {
		return oldVersion, nil
	}
	if upgrade != nil {
		if err := upgrade(&boltSchema{tx: tx}, oldVersion, version); err != nil {
			return oldVersion, fmt.Errorf("failed to upgrade from %d to %d: %w", oldVersion, version, err)
		}
	}
	return oldVersion, meta.Put(schemaVersionKey, binary.BigEndian.AppendUint64(nil, version))
}

// boltSchema is what an UpgradeFunc sees for a bolt database.
type boltSchema struct { // Implements Schema.
	tx *bolt.Tx
}

func (s *boltSchema) Partitions() []string {
	var names []string
	_ = s.tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		if string(name) != schemaBucket {
			names = append(names, string(name))
		}
		return nil
	})
	return names
}

func (s *boltSchema) CreatePartition(name string) error {
	if name == "" || name == schemaBucket {
		return fmt.Errorf("invalid partition name %q", name)
	}
	if _, err := s.tx.CreateBucket([]byte(name)); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	return nil
}

func (s *boltSchema) DeletePartition(name string) error {
	if name == schemaBucket || s.tx.Bucket([]byte(name)) == nil {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	return s.tx.DeleteBucket([]byte(name))
}

type boltDB struct { // Implements DB.
	name      string
	db        *bolt.DB
	version   uint64
	filters   map[string]*partitionFilter // Built once on open; partitions only change during upgrades.
	readCache *ReadCache
	closed    atomic.Bool
}

// loadFilters builds the bloom filter of every partition from its keys.
func (d *boltDB) loadFilters() error {
	d.filters = make(map[string]*partitionFilter)
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			if string(name) == schemaBucket {
				return nil
			}
			filter := newPartitionFilter()
			d.filters[string(name)] = filter
			if filter == nil {
				return nil
			}
			return bucket.ForEach(func(key, _ []byte) error {
				filter.Add(key)
				return nil
			})
		})
	})
}

func (d *boltDB) Begin(mode Mode, partitions ...string) (Txn, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	partitions = uniquePartitions(partitions)
	// The generation is taken before the snapshot so a commit in between keeps this read out of the cache.
	generation := d.readCache.Generation()
	tx, err := d.db.Begin(mode == ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to begin %s transaction on %s: %w", mode, d.name, err)
	}
	txn := &boltTxn{db: d, tx: tx, mode: mode, generation: generation,
		partitions: make(map[string]*boltPartition, len(partitions))}
	if mode == ReadWrite {
		txn.touched = make(map[string]struct{})
	}
	for _, name := range partitions {
		bucket := tx.Bucket([]byte(name))
		if bucket == nil || name == schemaBucket {
			_ = tx.Rollback()
			return nil, fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
		}
		txn.partitions[name] = &boltPartition{txn: txn, name: name, bucket: bucket, filter: d.filters[name]}
	}
	return txn, nil
}

func (d *boltDB) Version() uint64 {
	return d.version
}

// Close waits for open transactions to finish and closes the file.
func (d *boltDB) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	d.readCache.Close()
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close bolt database %s: %w", d.name, err)
	}
	return nil
}

// boltTxn wraps a bolt transaction. Bolt transactions are not thread-safe, so every access is serialized.
type boltTxn struct { // Implements Txn.
	db         *boltDB
	tx         *bolt.Tx
	mode       Mode
	generation uint64
	partitions map[string]*boltPartition
	mux        sync.Mutex
	done       bool
	touched    map[string]struct{} // Read cache keys written by a read-write transaction.
}

func (t *boltTxn) Partition(name string) (Partition, error) {
	partition, exists := t.partitions[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s is not part of the transaction", ErrPartitionNotFound, name)
	}
	return partition, nil
}

func (t *boltTxn) Commit() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	if t.mode != ReadWrite { // Bolt read-only transactions are only ever rolled back.
		return t.tx.Rollback()
	}
	if len(t.touched) > 0 {
		keys := make([]string, 0, len(t.touched))
		for cacheKey := range t.touched {
			keys = append(keys, cacheKey)
		}
		t.db.readCache.BeginCommit()
		defer t.db.readCache.EndCommit(keys)
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction on %s: %w", t.db.name, err)
	}
	return nil
}

func (t *boltTxn) Rollback() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

type boltPartition struct { // Implements Partition.
	txn    *boltTxn
	name   string
	bucket *bolt.Bucket
	filter *partitionFilter
}

func (p *boltPartition) Get(key []byte) ([]byte, error) {
	p.txn.mux.Lock()
	defer p.txn.mux.Unlock()
	if p.txn.done {
		return nil, ErrTxnDone
	}
	if !p.filter.MayContain(key) {
		return nil, ErrKeyNotFound
	}
	readOnly := p.txn.mode == ReadOnly
	if readOnly {
		if value, found := p.txn.db.readCache.Lookup(p.txn.generation, p.name, key); found {
			return bytes.Clone(value), nil // Cached values are shared by every transaction.
		}
	}
	value := p.bucket.Get(key)
	if value == nil {
		return nil, ErrKeyNotFound
	}
	value = bytes.Clone(value) // Bolt values are only valid during the transaction.
	if readOnly {
		p.txn.db.readCache.Populate(p.txn.generation, p.name, key, bytes.Clone(value))
	}
	return value, nil
}

func (p *boltPartition) Put(key, value []byte) error {
	p.txn.mux.Lock()
	defer p.txn.mux.Unlock()
	if p.txn.done {
		return ErrTxnDone
	}
	if p.txn.mode != ReadWrite {
		return ErrReadOnlyTxn
	}
	// Bolt keeps the given slices until commit.
	if err := p.bucket.Put(bytes.Clone(key), bytes.Clone(value)); err != nil {
		return fmt.Errorf("failed to put into %s: %w", p.name, err)
	}
	p.filter.Add(key)
	p.txn.touched[readCacheKey(p.name, key)] = struct{}{}
	return nil
}

func (p *boltPartition) Delete(key []byte) error {
	p.txn.mux.Lock()
	defer p.txn.mux.Unlock()
	if p.txn.done {
		return ErrTxnDone
	}
	if p.txn.mode != ReadWrite {
		return ErrReadOnlyTxn
	}
	if err := p.bucket.Delete(key); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", p.name, err)
	}
	p.txn.touched[readCacheKey(p.name, key)] = struct{}{}
	return nil
}

// Scan copies the partition out under the transaction lock; the returned sequence holds no bolt memory.
func (p *boltPartition) Scan() (iter.Seq[utils.BytePair], error) {
	p.txn.mux.Lock()
	defer p.txn.mux.Unlock()
	if p.txn.done {
		return nil, ErrTxnDone
	}
	var pairs []utils.BytePair
	cursor := p.bucket.Cursor()
	for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
		pairs = append(pairs, utils.BytePair{Key: bytes.Clone(key), Value: bytes.Clone(value)})
	}
	return slices.Values(pairs), nil
}
