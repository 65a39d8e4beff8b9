package storage

import (
	"errors"
	"fmt"
	"os"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

const (
	EngineLevelDB = "leveldb"
	EnginePebble  = "pebble"
)

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key    []byte // Key is the key to store
	Value  []byte // Value is the value to store, ignored when Delete is set
	Delete bool   // Delete removes Key instead of writing it
}

// Store is the persistence surface used by the trust registry, the event log
// and the sync state. Implementations must be safe for concurrent use.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// WriteBatch applies all pairs atomically.
	WriteBatch(pairs []KeyValue) error
	// Iterate visits keys with the given prefix in lexicographic order.
	// Key and value slices are only valid for the duration of fn.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Open opens a store for the named engine at path, creating the directory.
func Open(engine, path string) (Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	switch engine {
	case EngineLevelDB, "":
		return OpenLevelDB(path)
	case EnginePebble:
		return OpenPebble(path)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}
