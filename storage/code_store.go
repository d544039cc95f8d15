// Package storage persists compiled program artifacts. It wraps LevelDB
// for raw key-value persistence; keys are BLAKE2b-256 hashes of the
// encoded program.
package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/jeremyhahn/neurlang-sub001/common"
	"github.com/jeremyhahn/neurlang-sub001/log"
)

// CodeStore caches compiled code blobs keyed by program hash, so a
// program compiled once is reused across runs and across workers.
// Thread-safe: LevelDB handles its own synchronization.
type CodeStore struct {
	db *leveldb.DB
}

// NewCodeStore opens or creates a LevelDB database at the given path.
// An empty path yields an in-memory store.
func NewCodeStore(path string) (*CodeStore, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open code store at %q: %w", path, err)
	}
	return &CodeStore{db: db}, nil
}

// NewMemoryCodeStore creates an in-memory CodeStore for testing.
func NewMemoryCodeStore() (*CodeStore, error) {
	return NewCodeStore("")
}

// Key derives the cache key of an encoded program blob.
func Key(programBlob []byte) []byte {
	return common.ComputeHash(programBlob)
}

// Get retrieves a compiled blob. Returns (nil, false, nil) if absent.
func (s *CodeStore) Get(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %x: %w", key, err)
	}
	log.Trace(log.CacheMonitoring, "code cache hit", "key", fmt.Sprintf("%x", key[:8]), "bytes", len(data))
	return data, true, nil
}

// Put stores a compiled blob under key.
func (s *CodeStore) Put(key, value []byte) error {
	if err := s.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("put %x: %w", key, err)
	}
	log.Trace(log.CacheMonitoring, "code cached", "key", fmt.Sprintf("%x", key[:8]), "bytes", len(value))
	return nil
}

// Delete removes a cached blob.
func (s *CodeStore) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// Close releases the underlying database.
func (s *CodeStore) Close() error {
	return s.db.Close()
}
