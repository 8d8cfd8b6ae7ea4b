package imagecache

import (
	"errors"
	"fmt"

	"github.com/nobletooth/imgcache/pkg/storage"
	"github.com/nobletooth/imgcache/pkg/utils"
)

// entryTxn is a store transaction with the cache partitions it was begun over. Helpers never commit;
// whoever began the transaction decides.
type entryTxn struct {
	txn                      storage.Txn
	metadata, data, settings storage.Partition // nil unless requested.
}

func beginEntryTxn(db storage.DB, mode storage.Mode, partitions ...string) (*entryTxn, error) {
	txn, err := db.Begin(mode, partitions...)
	if err != nil {
		return nil, fmt.Errorf("failed to begin %s transaction: %w", mode, err)
	}
	et := &entryTxn{txn: txn}
	for _, name := range partitions {
		partition, err := txn.Partition(name)
		if err != nil {
			_ = txn.Rollback()
			return nil, err
		}
		switch name {
		case metadataPartition:
			et.metadata = partition
		case dataPartition:
			et.data = partition
		case settingsPartition:
			et.settings = partition
		}
	}
	return et, nil
}

// readSize returns the tracked total of cached bytes; an absent setting is 0.
func (et *entryTxn) readSize() (int64, error) {
	raw, err := et.settings.Get(sizeSettingKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read size setting: %w", err)
	}
	size, err := unmarshalSize(raw)
	if err != nil {
		utils.RaiseInvariant("imagecache", "corrupted_size", "Size setting is unreadable; counting from 0.",
			"err", err)
		return 0, nil
	}
	return size, nil
}

func (et *entryTxn) writeSize(size int64) error {
	if err := et.settings.Put(sizeSettingKey, marshalSize(size)); err != nil {
		return fmt.Errorf("failed to write size setting: %w", err)
	}
	return nil
}

// deleteRecords deletes both records of `key`.
func (et *entryTxn) deleteRecords(key string) error {
	if err := et.metadata.Delete([]byte(key)); err != nil {
		return fmt.Errorf("failed to delete metadata of %s: %w", key, err)
	}
	if err := et.data.Delete([]byte(key)); err != nil {
		return fmt.Errorf("failed to delete data of %s: %w", key, err)
	}
	return nil
}

// deleteEntry deletes the entry of `key` and subtracts its size from the total, which it returns.
// It returns ErrNotCached if there is no metadata record.
func (et *entryTxn) deleteEntry(key string) (int64, error) {
	raw, err := et.metadata.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, ErrNotCached
	} else if err != nil {
		return 0, fmt.Errorf("failed to read metadata: %w", err)
	}
	var entrySize int64
	if record, err := unmarshalMetadata(raw); err != nil {
		utils.RaiseInvariant("imagecache", "corrupted_metadata", "Deleting an unreadable metadata record.",
			"key", key, "err", err)
	} else {
		entrySize = record.size
	}
	if err := et.deleteRecords(key); err != nil {
		return 0, err
	}

	total, err := et.readSize()
	if err != nil {
		return 0, err
	}
	total -= entrySize
	if total < 0 {
		utils.RaiseInvariant("imagecache", "negative_size", "Cached bytes went below zero.",
			"key", key, "entrySize", entrySize, "total", total)
		total = 0
	}
	return total, et.writeSize(total)
}

// deleteVersion deletes the entry of `key` only while it holds the version saved at `timestamp`. It returns
// ErrNotCached if the entry is gone or was saved again since.
func (et *entryTxn) deleteVersion(key string, timestamp int64) (int64, error) {
	raw, err := et.metadata.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, ErrNotCached
	} else if err != nil {
		return 0, fmt.Errorf("failed to read metadata: %w", err)
	}
	if record, err := unmarshalMetadata(raw); err == nil && record.timestamp != timestamp {
		return 0, ErrNotCached
	}
	return et.deleteEntry(key)
}
