// Package mstore provides an in-memory storage.IDocStorage backed by a
// concurrent map.
package mstore

import (
	"context"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/storage"
	"github.com/puzpuzpuz/xsync/v3"
)

type storeImpl struct {
	docs   *xsync.MapOf[string, []byte]
	closed atomic.Bool
}

// New creates an empty in-memory storage.
func New() storage.IDocStorage {
	return &storeImpl{docs: xsync.NewMapOf[string, []byte]()}
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
	state, ok := s.docs.Load(docID)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), state...), true, nil
}

func (s *storeImpl) Flush(ctx context.Context, docID string, state []byte) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.docs.Store(docID, append([]byte(nil), state...))
	return nil
}

func (s *storeImpl) Delete(ctx context.Context, docID string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	s.docs.Delete(docID)
	return nil
}

func (s *storeImpl) Close() error {
	s.closed.Store(true)
	return nil
}
