// Package storage implements the transactional key-value store the image cache persists into.
// A database holds named partitions; each partition is an ordered map of byte keys to byte values.
// Every read and write happens inside a transaction that spans the partitions it was begun with,
// and a read-write transaction applies all of its writes atomically on commit.

package storage

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/nobletooth/imgcache/pkg/utils"
)

var (
	ErrKeyNotFound       = errors.New("key was not found")
	ErrPartitionNotFound = errors.New("partition was not found")
	ErrReadOnlyTxn       = errors.New("write in a read-only transaction")
	ErrTxnDone           = errors.New("transaction is already committed or rolled back")
	ErrClosed            = errors.New("database is closed")
	ErrVersionDowngrade  = errors.New("requested schema version is older than the stored one")
)

// Mode decides whether a transaction may write.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read_only"
	case ReadWrite:
		return "read_write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Schema is handed to an UpgradeFunc to reshape the partitions of a database.
type Schema interface {
	Partitions() []string
	CreatePartition(name string) error
	DeletePartition(name string) error
}

// UpgradeFunc runs once when a database is opened with a version newer than the stored one; `oldVersion`
// is 0 for a database that didn't exist. The new version is stored only if it returns nil.
type UpgradeFunc func(schema Schema, oldVersion, newVersion uint64) error

// Backend opens databases by name.
type Backend interface {
	// Open returns the database `name` at schema `version`, running `upgrade` first if the stored version
	// is older. Opening with an older version than the stored one fails with ErrVersionDowngrade.
	Open(name string, version uint64, upgrade UpgradeFunc) (DB, error)
}

type DB interface {
	// Begin starts a transaction over the given partitions; all of them must exist.
	Begin(mode Mode, partitions ...string) (Txn, error)
	Version() uint64
	Close() error
}

// Txn is a transaction over a fixed set of partitions. Its partitions may be read from several goroutines.
// Rollback after Commit (or a second Rollback) is a no-op, so `defer txn.Rollback()` is always safe.
type Txn interface {
	// Partition returns one of the partitions the transaction was begun with.
	Partition(name string) (Partition, error)
	Commit() error
	Rollback() error
}

// Partition is a view of one partition inside a transaction. Failures are per request; a failed Get
// doesn't abort the transaction. Returned slices belong to the caller.
type Partition interface {
	Get(key []byte) ([]byte, error) // Returns ErrKeyNotFound when the key is absent.
	Put(key, value []byte) error
	Delete(key []byte) error // Deleting an absent key is not an error.
	// Scan yields every pair in ascending key order. The sequence is only valid until the transaction ends.
	Scan() (iter.Seq[utils.BytePair], error)
}

// uniquePartitions drops repeated partition names, keeping the first occurrence.
func uniquePartitions(partitions []string) []string {
	unique := make([]string, 0, len(partitions))
	for _, name := range partitions {
		if slices.Contains(unique, name) {
			utils.RaiseInvariant("storage", "duplicate_partition",
				"The same partition was requested twice in one transaction.", "partition", name)
			continue
		}
		unique = append(unique, name)
	}
	return unique
}
