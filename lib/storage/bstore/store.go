// Package bstore provides a storage.IDocStorage backed by an embedded BadgerDB.
//
// Documents are stored under the key prefix "doc/" followed by the document
// id. Flushes are single-key transactions, so a crash never leaves a
// partially written document.
package bstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("storage")

const keyPrefix = "doc/"

// Config configures the badger storage.
type Config struct {
	// Path is the data directory. Required unless InMemory is set.
	Path string

	// InMemory keeps all data in memory. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every flush.
	SyncWrites bool

	// GCInterval runs value log garbage collection periodically. Zero disables it.
	GCInterval time.Duration
}

// DefaultConfig returns the configuration for a persistent database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type storeImpl struct {
	db     *badger.DB
	closed atomic.Bool
	stopGC chan struct{}
}

// Open opens (or creates) the database.
func Open(cfg Config) (storage.IDocStorage, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger storage: %w", err)
	}

	s := &storeImpl{db: db, stopGC: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage.IDocStorage)
// --------------------------------------------------------------------------

func (s *storeImpl) Load(ctx context.Context, docID string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var state []byte
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(key(docID))
		if err != nil {
			return err
		}
		state, err = it.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", docID, err)
	}
	return state, true, nil
}

func (s *storeImpl) Flush(ctx context.Context, docID string, state []byte) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	value := append([]byte(nil), state...)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(docID), value)
	}); err != nil {
		return fmt.Errorf("flush %s: %w", docID, err)
	}
	return nil
}

func (s *storeImpl) Delete(ctx context.Context, docID string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(docID))
	}); err != nil {
		return fmt.Errorf("delete %s: %w", docID, err)
	}
	return nil
}

func (s *storeImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopGC)
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func key(docID string) []byte {
	return []byte(keyPrefix + docID)
}

// runGC reclaims value log space until the store is closed.
func (s *storeImpl) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// one call rewrites at most one file, repeat while it finds work
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
