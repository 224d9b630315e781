package util

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestInboxBasic tests push and receive in order for a single producer
func TestInboxBasic(t *testing.T) {
	q := NewInbox[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case v := <-q.Recv():
			if v != i {
				t.Errorf("Expected %d, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case v := <-q.Recv():
		t.Errorf("Inbox should be empty, but got %d", v)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestInboxConcurrentProducers tests that no value is lost and per-producer order holds
func TestInboxConcurrentProducers(t *testing.T) {
	q := NewInbox[[2]int]()
	defer q.Close()

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push([2]int{p, i})
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for n := 0; n < producers*perProducer; n++ {
		select {
		case v := <-q.Recv():
			if v[1] != last[v[0]]+1 {
				t.Fatalf("producer %d: got %d after %d", v[0], v[1], last[v[0]])
			}
			last[v[0]] = v[1]
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout after %d items", n)
		}
	}
	wg.Wait()
}

// TestInboxPushRacingClose tests that every accepted push is delivered when Close races producers
func TestInboxPushRacingClose(t *testing.T) {
	for round := 0; round < 200; round++ {
		q := NewInbox[int]()

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for q.Push(p) {
					accepted.Add(1)
				}
			}()
		}

		received := make(chan int64)
		go func() {
			var n int64
			for range q.Recv() {
				n++
			}
			received <- n
		}()

		for i := 0; i < round%10; i++ {
			runtime.Gosched()
		}
		q.Close()
		wg.Wait()

		select {
		case n := <-received:
			if n != accepted.Load() {
				t.Fatalf("round %d: %d pushes accepted, %d values received", round, accepted.Load(), n)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: inbox was not drained", round)
		}
		if q.Len() != 0 {
			t.Fatalf("round %d: Len should be 0 after draining, got %d", round, q.Len())
		}
	}
}

// TestInboxClose tests that queued values survive Close and pushes fail afterwards
func TestInboxClose(t *testing.T) {
	q := NewInbox[string]()
	q.Push("a")
	q.Push("b")
	q.Close()

	if !q.IsClosed() {
		t.Error("IsClosed should be true after Close")
	}
	if q.Push("c") {
		t.Error("Push after Close should fail")
	}

	var got []string
	for v := range q.Recv() {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected [a b], got %v", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len should be 0 after draining, got %d", q.Len())
	}
}

func BenchmarkInboxMultiProducer(b *testing.B) {
	q := NewInbox[int]()
	defer q.Close()
	go func() {
		for range q.Recv() {
		}
	}()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(i)
			i++
		}
	})
}
