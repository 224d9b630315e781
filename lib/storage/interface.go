package storage

import (
	"context"
	"errors"
)

// IDocStorage persists the full state of documents between session
// lifetimes. The session registry calls Load once when a session is created
// and Flush when it is evicted or flushed periodically; nothing else
// touches storage.
//
// The state is the encoded document (crdt.IDocStore.DeltaSince of the empty
// state vector) and is opaque to the storage.
//
// Implementations are safe for concurrent use.
type IDocStorage interface {
	// Load returns the stored state of docID. ok is false if the document
	// was never flushed.
	Load(ctx context.Context, docID string) (state []byte, ok bool, err error)

	// Flush replaces the stored state of docID.
	Flush(ctx context.Context, docID string, state []byte) error

	// Delete removes docID. Deleting a missing document is not an error.
	Delete(ctx context.Context, docID string) error

	// Close releases all resources. The storage must not be used afterwards.
	Close() error
}

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("storage closed")

// StorageFactory creates a storage instance, used by the CLI to select a backend.
type StorageFactory func() (IDocStorage, error)
