package storage

import (
	"flag"
	"fmt"
	"time"
)

const (
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

var (
	storageBackend = flag.String("storage_backend", BackendBolt,
		"Where databases are kept: bolt (files under --data_dir) | memory (lost on exit).")
	dataDir         = flag.String("data_dir", "data", "Directory that holds the bolt database files.")
	boltOpenTimeout = flag.Duration("bolt_open_timeout", 5*time.Second,
		"How long to wait for a bolt file locked by another process; 0 waits forever.")
)

// NewBackendFromFlags builds the backend selected by --storage_backend.
func NewBackendFromFlags() (Backend, error) {
	switch *storageBackend {
	case BackendBolt:
		return NewBoltBackend(*dataDir, *boltOpenTimeout), nil
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", *storageBackend)
	}
}
