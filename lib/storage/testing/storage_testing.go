// Package testing provides a conformance suite for storage.IDocStorage
// implementations.
package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/storage"
)

// StorageFactory creates a fresh, empty storage per sub test.
type StorageFactory func() storage.IDocStorage

// RunStorageTests runs the suite against the storage created by factory.
func RunStorageTests(t *testing.T, name string, factory StorageFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("LoadMissing", func(t *testing.T) {
			testLoadMissing(t, factory())
		})

		t.Run("FlushLoad", func(t *testing.T) {
			testFlushLoad(t, factory())
		})

		t.Run("Overwrite", func(t *testing.T) {
			testOverwrite(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("DocumentRoundTrip", func(t *testing.T) {
			testDocumentRoundTrip(t, factory())
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, factory())
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testLoadMissing(t *testing.T, s storage.IDocStorage) {
	defer s.Close()
	state, ok, err := s.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok || state != nil {
		t.Errorf("Expected missing document, got ok=%t state=%v", ok, state)
	}
}

func testFlushLoad(t *testing.T, s storage.IDocStorage) {
	defer s.Close()
	ctx := context.Background()
	want := []byte{1, 2, 3, 0, 255}

	if err := s.Flush(ctx, "doc", want); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	// the caller may reuse its buffer
	want[0] = 9
	got, ok, err := s.Load(ctx, "doc")
	if err != nil || !ok {
		t.Fatalf("Load failed: ok=%t err=%v", ok, err)
	}
	if string(got) != string([]byte{1, 2, 3, 0, 255}) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func testOverwrite(t *testing.T, s storage.IDocStorage) {
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Flush(ctx, "doc", []byte{byte(i)}); err != nil {
			t.Fatalf("Flush %d failed: %v", i, err)
		}
	}
	got, _, _ := s.Load(ctx, "doc")
	if len(got) != 1 || got[0] != 4 {
		t.Errorf("Expected last flush to win, got %v", got)
	}
}

func testDelete(t *testing.T, s storage.IDocStorage) {
	defer s.Close()
	ctx := context.Background()
	_ = s.Flush(ctx, "doc", []byte("x"))
	if err := s.Delete(ctx, "doc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Load(ctx, "doc"); ok {
		t.Error("Document should be gone after Delete")
	}
	if err := s.Delete(ctx, "doc"); err != nil {
		t.Errorf("Deleting a missing document should not fail: %v", err)
	}
}

func testDocumentRoundTrip(t *testing.T, s storage.IDocStorage) {
	defer s.Close()
	ctx := context.Background()

	doc := crdt.NewDocStore(1)
	if _, err := doc.ApplyLocal(crdt.Insert(0, "persisted text")); err != nil {
		t.Fatal(err)
	}
	if _, err := doc.ApplyLocal(crdt.Delete(0, 10)); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx, "room-1", doc.DeltaSince(nil)); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	state, ok, err := s.Load(ctx, "room-1")
	if err != nil || !ok {
		t.Fatalf("Load failed: ok=%t err=%v", ok, err)
	}
	loaded := crdt.NewDocStore(2)
	if _, err := loaded.ApplyRemote(state); err != nil {
		t.Fatalf("stored state does not decode: %v", err)
	}
	if loaded.Content() != "text" {
		t.Errorf("Expected %q, got %q", "text", loaded.Content())
	}
}

func testConcurrent(t *testing.T, s storage.IDocStorage) {
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("doc-%d", i%4)
			if err := s.Flush(ctx, id, []byte(id)); err != nil {
				t.Errorf("Flush failed: %v", err)
			}
			if _, _, err := s.Load(ctx, id); err != nil {
				t.Errorf("Load failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("doc-%d", i)
		got, ok, _ := s.Load(ctx, id)
		if !ok || string(got) != id {
			t.Errorf("%s: expected %q, got %q", id, id, got)
		}
	}
}

func testClosed(t *testing.T, s storage.IDocStorage) {
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, _, err := s.Load(context.Background(), "doc")
	if !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
