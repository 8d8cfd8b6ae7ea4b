// Package imagecache is a size-bounded, persistent cache of encoded images. Entries are keyed by the request
// that produced them (see CreateKey), checked against the caller's version of the image on every load, and
// evicted least-recently-used first when a save would exceed the memory limit.
//
// Each entry is a record in the metadata partition plus a record in the data partition; the settings
// partition tracks the total cached bytes. Every change to an entry and to the total happens in one store
// transaction. The cache is an optimization only: failures are logged and degrade it to a cache that
// always misses, they never reach the caller.

package imagecache

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/imgcache/pkg/scan"
	"github.com/nobletooth/imgcache/pkg/storage"
	"github.com/nobletooth/imgcache/pkg/utils"
	"golang.org/x/sync/errgroup"
)

var (
	dbName           = flag.String("image_cache_db_name", "image_cache", "Name of the database holding cached images.")
	memoryLimitBytes = flag.Int64("image_cache_memory_limit_bytes", 250<<20, /*250 MiB*/
		"Total image bytes the cache may hold; larger images are never cached.")
	evictionChunkBytes = flag.Int64("image_cache_eviction_chunk_bytes", 50<<20, /*50 MiB*/
		"Minimum bytes freed by one eviction sweep, so sweeps don't run on every save of a full cache.")
)

// schemaVersion is bumped whenever records change incompatibly. Opening an older database drops every entry.
const schemaVersion = 15

const (
	metadataPartition = "metadata"
	dataPartition     = "data"
	settingsPartition = "settings"
)

var (
	allPartitions  = []string{metadataPartition, dataPartition, settingsPartition}
	sizeSettingKey = []byte("size")
)

var (
	ErrNotCached      = errors.New("image is not cached")
	ErrNotInitialized = errors.New("image cache is not initialized")
	ErrEntryTooLarge  = errors.New("image is larger than the cache memory limit")
)

// OpenError is returned by Initialize when the store could not be opened. The cache stays inert afterward.
type OpenError struct {
	Name string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open image cache %s: %v", e.Name, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Image is a cache hit.
type Image struct {
	Data          []byte
	Width, Height int
}

type cacheState uint8

const (
	stateNew cacheState = iota
	stateOpen
	stateFailed
	stateClosed
)

// ImageCache caches encoded images in a storage database. It is safe for concurrent use; concurrent saves of
// the same key race and the last commit wins.
type ImageCache struct {
	backend       storage.Backend
	name          string
	memoryLimit   int64
	evictionChunk int64
	now           func() time.Time

	mux     sync.RWMutex // Guards the fields below.
	state   cacheState
	db      storage.DB
	openErr error
}

// New returns a cache over `backend` configured by flags. Initialize must be called before use.
func New(backend storage.Backend) *ImageCache {
	return &ImageCache{
		backend:       backend,
		name:          *dbName,
		memoryLimit:   *memoryLimitBytes,
		evictionChunk: max(*evictionChunkBytes, 0),
		now:           time.Now,
	}
}

// Initialize opens the database, dropping every entry if it was written at an older schema version.
// It runs once: later calls return the first outcome. After a failure the cache never hits.
func (c *ImageCache) Initialize(ctx context.Context) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	switch c.state {
	case stateOpen:
		return nil
	case stateFailed:
		return c.openErr
	case stateClosed:
		return &OpenError{Name: c.name, Err: storage.ErrClosed}
	}

	db, err := func() (storage.DB, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return c.backend.Open(c.name, schemaVersion, recreatePartitions)
	}()
	if err != nil {
		c.state, c.openErr = stateFailed, &OpenError{Name: c.name, Err: err}
		slog.Error("Failed to open the image cache; images won't be cached.", "db", c.name, "err", err)
		return c.openErr
	}
	c.state, c.db = stateOpen, db

	size, err := c.readTotal(db)
	if err != nil {
		slog.Warn("Failed to read the cached bytes.", "db", c.name, "err", err)
	}
	sizeMetric.Set(float64(size))
	slog.Info("Image cache is ready.", "db", c.name, "version", db.Version(), "cachedBytes", size,
		"memoryLimit", c.memoryLimit)
	return nil
}

// recreatePartitions drops and recreates every partition; old entries are not migrated.
func recreatePartitions(schema storage.Schema, oldVersion, newVersion uint64) error {
	slog.Info("Recreating image cache partitions.", "from", oldVersion, "to", newVersion)
	existing := schema.Partitions()
	for _, name := range allPartitions {
		if slices.Contains(existing, name) {
			if err := schema.DeletePartition(name); err != nil {
				return fmt.Errorf("failed to delete partition %s: %w", name, err)
			}
		}
		if err := schema.CreatePartition(name); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", name, err)
		}
	}
	return nil
}

// database returns the open database, or nil if the cache is inert.
func (c *ImageCache) database() storage.DB {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.db
}

// SaveImage caches `data` under `key` at the caller's `timestamp`. Nothing is written if the same version is
// already cached or the image is larger than the memory limit. Failures are logged only.
func (c *ImageCache) SaveImage(ctx context.Context, key string, data []byte, width, height int, timestamp int64) {
	db := c.database()
	if db == nil {
		slog.Warn("Image cache is not initialized; dropping save.", "key", key)
		savesMetric.WithLabelValues("failed").Inc()
		return
	}
	if err := ctx.Err(); err != nil {
		slog.Debug("Dropping cancelled save.", "key", key, "err", err)
		savesMetric.WithLabelValues("failed").Inc()
		return
	}
	if _, hit := c.LoadImage(ctx, key, timestamp); hit {
		savesMetric.WithLabelValues("skipped").Inc()
		return
	}

	if err := c.storeImage(db, key, data, width, height, timestamp); err != nil {
		if errors.Is(err, ErrEntryTooLarge) {
			slog.Debug("Image doesn't fit into the cache.", "key", key, "size", len(data), "err", err)
			savesMetric.WithLabelValues("rejected").Inc()
		} else {
			slog.Warn("Failed to save image.", "key", key, "err", err)
			savesMetric.WithLabelValues("failed").Inc()
		}
		return
	}
	slog.Debug("Saved image.", "key", key, "size", len(data))
	savesMetric.WithLabelValues("stored").Inc()
}

// storeImage writes the entry, evicting older ones as needed, in one transaction.
func (c *ImageCache) storeImage(db storage.DB, key string, data []byte, width, height int, timestamp int64) error {
	size := int64(len(data))
	if size > c.memoryLimit { // Don't bother starting a transaction.
		return fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, size, c.memoryLimit)
	}
	et, err := beginEntryTxn(db, storage.ReadWrite, allPartitions...)
	if err != nil {
		return err
	}
	defer func() { _ = et.txn.Rollback() }()

	// A stale version, a racing save or a one-sided entry may have left metadata behind; its bytes are
	// released before reserving so the total stays exact.
	if _, err := et.deleteEntry(key); err != nil && !errors.Is(err, ErrNotCached) {
		return err
	}
	reserved, err := c.evictAndReserve(et, size)
	if err != nil {
		return err
	}
	metadata := metadataRecord{
		key:               key,
		timestamp:         timestamp,
		width:             int64(width),
		height:            int64(height),
		size:              size,
		lastLoadTimestamp: c.now().UnixNano(),
	}
	if err := et.metadata.Put([]byte(key), metadata.marshal()); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := et.data.Put([]byte(key), dataRecord{key: key, data: data}.marshal()); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := et.txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
	}
	reserved.record()
	return nil
}

// LoadImage returns the cached image of `key` if it was saved at `timestamp`. An entry saved at another
// timestamp is stale and gets removed. A hit moves the entry to the back of the eviction order.
func (c *ImageCache) LoadImage(ctx context.Context, key string, timestamp int64) (Image, bool /*hit*/) {
	db := c.database()
	if db == nil || ctx.Err() != nil {
		lookupsMetric.WithLabelValues("miss").Inc()
		return Image{}, false
	}

	metadata, data, err := readEntry(db, key)
	if err != nil {
		slog.Warn("Failed to read image.", "key", key, "err", err)
		lookupsMetric.WithLabelValues("miss").Inc()
		return Image{}, false
	}
	if (metadata == nil) != (data == nil) {
		utils.RaiseInvariant("imagecache", "one_sided_entry", "Cache entry is missing one of its records.",
			"key", key, "hasMetadata", metadata != nil, "hasData", data != nil)
		lookupsMetric.WithLabelValues("inconsistent").Inc()
		return Image{}, false
	}
	if metadata == nil {
		slog.Debug("Image cache miss.", "key", key)
		lookupsMetric.WithLabelValues("miss").Inc()
		return Image{}, false
	}
	if metadata.timestamp != timestamp {
		slog.Debug("Dropping stale image.", "key", key, "cached", metadata.timestamp, "requested", timestamp)
		lookupsMetric.WithLabelValues("stale").Inc()
		if err := c.removeVersion(db, key, metadata.timestamp); err != nil && !errors.Is(err, ErrNotCached) {
			slog.Warn("Failed to drop stale image.", "key", key, "err", err)
		}
		return Image{}, false
	}

	c.touch(db, key, timestamp)
	slog.Debug("Image cache hit.", "key", key)
	lookupsMetric.WithLabelValues("hit").Inc()
	return Image{Data: bytes.Clone(data.data), Width: int(metadata.width), Height: int(metadata.height)}, true
}

// readEntry reads both records of `key` concurrently; a nil record is absent.
func readEntry(db storage.DB, key string) (*metadataRecord, *dataRecord, error) {
	et, err := beginEntryTxn(db, storage.ReadOnly, metadataPartition, dataPartition)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = et.txn.Rollback() }()

	var metadata *metadataRecord
	var data *dataRecord
	var group errgroup.Group
	group.Go(func() error {
		raw, err := et.metadata.Get([]byte(key))
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read metadata: %w", err)
		}
		record, err := unmarshalMetadata(raw)
		if err != nil {
			return err
		}
		metadata = &record
		return nil
	})
	group.Go(func() error {
		raw, err := et.data.Get([]byte(key))
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read data: %w", err)
		}
		record, err := unmarshalData(raw)
		if err != nil {
			return err
		}
		if record.key != key {
			return fmt.Errorf("data record holds key %q", record.key)
		}
		data = &record
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return metadata, data, nil
}

// touch refreshes the last load time of an entry that is still at `timestamp`. Failures are only logged.
func (c *ImageCache) touch(db storage.DB, key string, timestamp int64) {
	err := func() error {
		et, err := beginEntryTxn(db, storage.ReadWrite, metadataPartition)
		if err != nil {
			return err
		}
		defer func() { _ = et.txn.Rollback() }()

		raw, err := et.metadata.Get([]byte(key))
		if errors.Is(err, storage.ErrKeyNotFound) { // Removed since it was read.
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read metadata: %w", err)
		}
		record, err := unmarshalMetadata(raw)
		if err != nil {
			return err
		}
		if record.timestamp != timestamp { // Replaced since it was read.
			return nil
		}
		record.lastLoadTimestamp = c.now().UnixNano()
		if err := et.metadata.Put([]byte(key), record.marshal()); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
		return et.txn.Commit()
	}()
	if err != nil {
		slog.Warn("Failed to refresh image load time.", "key", key, "err", err)
	}
}

// removeEntry deletes both records of `key` and releases its bytes in one transaction.
func (c *ImageCache) removeEntry(db storage.DB, key string) error {
	return c.remove(db, func(et *entryTxn) (int64, error) { return et.deleteEntry(key) })
}

// removeVersion is removeEntry for the version saved at `timestamp` only; a save that landed since it was
// read stays.
func (c *ImageCache) removeVersion(db storage.DB, key string, timestamp int64) error {
	return c.remove(db, func(et *entryTxn) (int64, error) { return et.deleteVersion(key, timestamp) })
}

func (c *ImageCache) remove(db storage.DB, deleteFn func(et *entryTxn) (int64, error)) error {
	et, err := beginEntryTxn(db, storage.ReadWrite, allPartitions...)
	if err != nil {
		return err
	}
	defer func() { _ = et.txn.Rollback() }()

	total, err := deleteFn(et)
	if err != nil {
		return err
	}
	if err := et.txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit removal: %w", err)
	}
	sizeMetric.Set(float64(total))
	return nil
}

// RemoveImage drops the entry of `key`. It fails only with ErrNotCached, when there is no such entry; store
// failures are logged.
func (c *ImageCache) RemoveImage(ctx context.Context, key string) error {
	db := c.database()
	if db == nil {
		return fmt.Errorf("%w: %w", ErrNotCached, ErrNotInitialized)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.removeEntry(db, key)
	if errors.Is(err, ErrNotCached) {
		return err
	} else if err != nil {
		slog.Warn("Failed to remove image.", "key", key, "err", err)
	}
	return nil
}

// readTotal returns the tracked total of cached bytes.
func (c *ImageCache) readTotal(db storage.DB) (int64, error) {
	et, err := beginEntryTxn(db, storage.ReadOnly, settingsPartition)
	if err != nil {
		return 0, err
	}
	defer func() { _ = et.txn.Rollback() }()
	return et.readSize()
}

// Size returns the total bytes of cached images.
func (c *ImageCache) Size(ctx context.Context) (int64, error) {
	db := c.database()
	if db == nil {
		return 0, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.readTotal(db)
}

// Keys returns the cached keys matching the glob `pattern`, in key order.
func (c *ImageCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	db := c.database()
	if db == nil {
		return nil, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	et, err := beginEntryTxn(db, storage.ReadOnly, metadataPartition)
	if err != nil {
		return nil, err
	}
	defer func() { _ = et.txn.Rollback() }()

	pairs, err := et.metadata.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan metadata: %w", err)
	}
	keys := make([]string, 0)
	for pair := range scan.MatchGlob([]byte(pattern), pairs) {
		keys = append(keys, string(pair.Key))
	}
	return keys, nil
}

// Close closes the database; the cache is inert afterward.
func (c *ImageCache) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	db := c.db
	c.state, c.db = stateClosed, nil
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close image cache %s: %w", c.name, err)
	}
	return nil
}
