// Package pstore provides a storage.IDocStorage backed by PostgreSQL.
//
// Documents live in a single table keyed by name; flushes are upserts. Several
// server instances may share one database, each flushing the rooms it hosts.
package pstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("storage")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const (
	queryLoad   = `SELECT data FROM documents WHERE name = $1`
	queryFlush  = `INSERT INTO documents (name, data, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	queryDelete = `DELETE FROM documents WHERE name = $1`
)

type storeImpl struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// Open connects to the database at url and creates the documents table if needed.
func Open(ctx context.Context, url string) (storage.IDocStorage, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	Logger.Infof("connected to postgres")
	return &storeImpl{pool: pool}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage.IDocStorage)
// --------------------------------------------------------------------------

func (s *storeImpl) Load(ctx context.Context, docID string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, storage.ErrClosed
	}
	var state []byte
	err := s.pool.QueryRow(ctx, queryLoad, docID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		Logger.Debugf("new document %s", docID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", docID, err)
	}
	Logger.Debugf("fetched document %s (%d bytes)", docID, len(state))
	return state, true, nil
}

func (s *storeImpl) Flush(ctx context.Context, docID string, state []byte) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if _, err := s.pool.Exec(ctx, queryFlush, docID, state); err != nil {
		return fmt.Errorf("flush %s: %w", docID, err)
	}
	Logger.Debugf("saved document %s (%d bytes)", docID, len(state))
	return nil
}

func (s *storeImpl) Delete(ctx context.Context, docID string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if _, err := s.pool.Exec(ctx, queryDelete, docID); err != nil {
		return fmt.Errorf("delete %s: %w", docID, err)
	}
	return nil
}

func (s *storeImpl) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}
