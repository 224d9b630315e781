package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/storage"
	"github.com/ValentinKolb/dSync/lib/storage/mstore"
	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test Doubles
// --------------------------------------------------------------------------

type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames []Frame
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Deliver(f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return true
}

func (p *fakePeer) received(kind FrameKind) []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Frame
	for _, f := range p.frames {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) waitFor(t *testing.T, kind FrameKind, n int) []Frame {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.received(kind)) >= n
	}, 2*time.Second, 5*time.Millisecond, "peer %s: waiting for %d frames of kind %d", p.id, n, kind)
	return p.received(kind)
}

// countingStorage wraps a storage and counts calls.
type countingStorage struct {
	storage.IDocStorage
	loads     atomic.Int32
	flushes   atomic.Int32
	loadDelay time.Duration
	flushGate chan struct{} // if set, flushes block until it is closed
}

func (c *countingStorage) Load(ctx context.Context, docID string) ([]byte, bool, error) {
	c.loads.Add(1)
	time.Sleep(c.loadDelay)
	return c.IDocStorage.Load(ctx, docID)
}

func (c *countingStorage) Flush(ctx context.Context, docID string, state []byte) error {
	c.flushes.Add(1)
	if c.flushGate != nil {
		select {
		case <-c.flushGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.IDocStorage.Flush(ctx, docID, state)
}

func testConfig() Config {
	return Config{
		GracePeriod:    time.Minute,
		AwarenessTTL:   time.Minute,
		SweepInterval:  time.Second,
		StorageTimeout: time.Second,
	}
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *countingStorage) {
	t.Helper()
	store := &countingStorage{IDocStorage: mstore.New()}
	reg := NewRegistry(cfg, store, nil)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg, store
}

func insertUpdate(t *testing.T, replica crdt.ReplicaID, text string) []byte {
	t.Helper()
	u, err := crdt.NewDocStore(replica).ApplyLocal(crdt.Insert(0, text))
	require.NoError(t, err)
	return u
}

func content(t *testing.T, s *Session) string {
	t.Helper()
	var c string
	require.NoError(t, s.Do(context.Background(), func(doc crdt.IDocStore, _ *awareness.Register) {
		c = doc.Content()
	}))
	return c
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

func TestSingletonUnderConcurrency(t *testing.T) {
	reg, store := newTestRegistry(t, testConfig())
	store.loadDelay = 20 * time.Millisecond

	const n = 64
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.GetOrCreate(context.Background(), "shared-room")
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, int32(1), store.loads.Load())
	assert.Equal(t, 1, reg.Len())
}

func TestRoomIDValidation(t *testing.T) {
	reg, store := newTestRegistry(t, testConfig())
	ctx := context.Background()

	for _, id := range []string{"", strings.Repeat("x", 60), strings.Repeat("x", 51)} {
		_, err := reg.GetOrCreate(ctx, id)
		assert.True(t, errors.Is(err, syncerr.ErrRoomIdInvalid), "id of length %d", len(id))
		_, _, err = reg.Acquire(ctx, id, newPeer("p"))
		assert.True(t, errors.Is(err, syncerr.ErrRoomIdInvalid))
	}
	assert.Zero(t, store.loads.Load(), "invalid ids must not reach storage")
	assert.Zero(t, reg.Len())

	for _, id := range []string{"a", strings.Repeat("x", 50), strings.Repeat("ü", 50)} {
		_, err := reg.GetOrCreate(ctx, id)
		assert.NoError(t, err)
	}
}

func TestGraceCancelsEviction(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 100 * time.Millisecond
	reg, store := newTestRegistry(t, cfg)
	ctx := context.Background()

	p1 := newPeer("p1")
	s1, _, err := reg.Acquire(ctx, "room", p1)
	require.NoError(t, err)
	require.NoError(t, s1.HandleUpdate(p1, insertUpdate(t, 9, "keep")))
	s1.Detach(p1)

	time.Sleep(30 * time.Millisecond)
	p2 := newPeer("p2")
	s2, _, err := reg.Acquire(ctx, "room", p2)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	time.Sleep(200 * time.Millisecond)
	s3, ok := reg.Lookup("room")
	require.True(t, ok)
	assert.Same(t, s1, s3)
	assert.Zero(t, store.flushes.Load())
	assert.Equal(t, "keep", content(t, s3))
}

func TestEvictionFlushesAndReloads(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 20 * time.Millisecond
	reg, store := newTestRegistry(t, cfg)
	ctx := context.Background()

	p := newPeer("p")
	s1, _, err := reg.Acquire(ctx, "room", p)
	require.NoError(t, err)
	require.NoError(t, s1.HandleUpdate(p, insertUpdate(t, 9, "hello")))
	s1.Detach(p)

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("room")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), store.flushes.Load())
	assert.True(t, errors.Is(s1.HandleUpdate(p, insertUpdate(t, 10, "x")), syncerr.ErrSessionClosed))

	s2, bootstrap, err := reg.Acquire(ctx, "room", newPeer("q"))
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.False(t, bootstrap, "a stored document is never bootstrapped again")
	assert.Equal(t, "hello", content(t, s2))
	assert.Equal(t, int32(2), store.loads.Load())
}

func TestCreateWaitsForFinalFlush(t *testing.T) {
	reg, store := newTestRegistry(t, testConfig())
	ctx := context.Background()

	p := newPeer("p")
	s1, _, err := reg.Acquire(ctx, "room", p)
	require.NoError(t, err)
	require.NoError(t, s1.HandleUpdate(p, insertUpdate(t, 9, "hello")))
	require.Equal(t, "hello", content(t, s1))

	gate := make(chan struct{})
	store.flushGate = gate
	s1.Detach(p)
	go func() { _ = reg.Release(ctx, "room") }()
	require.Eventually(t, s1.isEvicting, 2*time.Second, 5*time.Millisecond)

	created := make(chan *Session, 1)
	go func() {
		s, err := reg.create("room")
		assert.NoError(t, err)
		created <- s
	}()

	select {
	case <-created:
		t.Fatal("session created while the final flush was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)

	select {
	case s2 := <-created:
		assert.NotSame(t, s1, s2)
		assert.Equal(t, "hello", content(t, s2))
	case <-time.After(2 * time.Second):
		t.Fatal("create did not finish after the flush")
	}
}

func TestReleaseOnlyEvictsIdleSessions(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	p := newPeer("p")
	s, _, err := reg.Acquire(ctx, "room", p)
	require.NoError(t, err)

	require.NoError(t, reg.Release(ctx, "room"))
	_, ok := reg.Lookup("room")
	assert.True(t, ok, "busy session must survive Release")

	s.Detach(p)
	require.NoError(t, reg.Release(ctx, "room"))
	_, ok = reg.Lookup("room")
	assert.False(t, ok)
}

func TestBootstrapGrantedOnce(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := reg.Acquire(context.Background(), "fresh", newPeer(fmt.Sprintf("p%d", i)))
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestShutdownFlushesEverything(t *testing.T) {
	store := &countingStorage{IDocStorage: mstore.New()}
	reg := NewRegistry(testConfig(), store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := newPeer("p")
		s, _, err := reg.Acquire(ctx, fmt.Sprintf("room-%d", i), p)
		require.NoError(t, err)
		require.NoError(t, s.HandleUpdate(p, insertUpdate(t, 5, "x")))
	}
	require.NoError(t, reg.Shutdown(ctx))
	assert.Equal(t, int32(3), store.flushes.Load())
	assert.Zero(t, reg.Len())

	_, err := reg.GetOrCreate(ctx, "room-0")
	assert.True(t, errors.Is(err, syncerr.ErrSessionClosed))
}

// --------------------------------------------------------------------------
// Session Messages
// --------------------------------------------------------------------------

func TestHandshakeThroughSession(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	seed := newPeer("seed")
	s, _, err := reg.Acquire(ctx, "room", seed)
	require.NoError(t, err)
	require.NoError(t, s.HandleUpdate(seed, insertUpdate(t, 1, "server side")))

	// a client with offline edits joins
	client := crdt.NewDocStore(2)
	_, err = client.ApplyLocal(crdt.Insert(0, "offline "))
	require.NoError(t, err)

	p := newPeer("client")
	_, _, err = reg.Acquire(ctx, "room", p)
	require.NoError(t, err)
	require.NoError(t, s.HandleSyncStep1(p, client.StateVector().Encode()))

	step2 := p.waitFor(t, FrameSyncStep2, 1)[0]
	step1 := p.waitFor(t, FrameSyncStep1, 1)[0]
	_, err = client.ApplyRemote(step2.Payload)
	require.NoError(t, err)

	serverSV, err := crdt.DecodeStateVector(step1.Payload)
	require.NoError(t, err)
	require.NoError(t, s.HandleSyncStep2(p, client.DeltaSince(serverSV)))

	assert.Equal(t, client.Content(), content(t, s))
	// the other peer got the client's offline edits
	seed.waitFor(t, FrameUpdate, 1)
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	p1, p2 := newPeer("p1"), newPeer("p2")
	s, _, err := reg.Acquire(ctx, "room", p1)
	require.NoError(t, err)
	_, _, err = reg.Acquire(ctx, "room", p2)
	require.NoError(t, err)

	u := insertUpdate(t, 3, "hi")
	require.NoError(t, s.HandleUpdate(p1, u))
	got := p2.waitFor(t, FrameUpdate, 1)
	assert.Equal(t, u, got[0].Payload)

	// duplicates are not forwarded again
	require.NoError(t, s.HandleUpdate(p2, u))
	content(t, s)
	assert.Empty(t, p1.received(FrameUpdate))
	assert.Len(t, p2.received(FrameUpdate), 1)
}

func TestCorruptUpdateIsReportedToSender(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	p1, p2 := newPeer("p1"), newPeer("p2")
	s, _, err := reg.Acquire(ctx, "room", p1)
	require.NoError(t, err)
	_, _, err = reg.Acquire(ctx, "room", p2)
	require.NoError(t, err)

	require.NoError(t, s.HandleUpdate(p1, []byte{0xba, 0xad}))
	errs := p1.waitFor(t, FrameError, 1)
	assert.True(t, errors.Is(errs[0].Err, syncerr.ErrCorruptUpdate))
	assert.Empty(t, p2.received(FrameUpdate))
	assert.Empty(t, content(t, s))
}

func TestAwarenessLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	p1, p2 := newPeer("p1"), newPeer("p2")
	s, _, err := reg.Acquire(ctx, "room", p1)
	require.NoError(t, err)
	_, _, err = reg.Acquire(ctx, "room", p2)
	require.NoError(t, err)

	payload, err := awareness.EncodeEntries([]awareness.Entry{{
		ClientID:  11,
		Timestamp: 1,
		Fields:    awareness.Fields{"user": map[string]any{"name": "ada", "color": "#0af"}},
	}})
	require.NoError(t, err)
	require.NoError(t, s.HandleAwareness(p1, payload))

	got := p2.waitFor(t, FrameAwareness, 1)
	entries, err := awareness.DecodeEntries(got[0].Payload)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, awareness.ClientID(11), entries[0].ClientID)
	assert.Empty(t, p1.received(FrameAwareness), "origin must not get its own awareness back")

	require.NoError(t, s.HandleQueryAwareness(p2))
	got = p2.waitFor(t, FrameAwareness, 2)
	entries, _ = awareness.DecodeEntries(got[1].Payload)
	assert.Len(t, entries, 1)

	// disconnect removes the entries of the connection
	s.Detach(p1)
	got = p2.waitFor(t, FrameAwareness, 3)
	entries, _ = awareness.DecodeEntries(got[2].Payload)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Fields)
}

func TestAwarenessExpiresWithoutRefresh(t *testing.T) {
	cfg := testConfig()
	cfg.AwarenessTTL = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	reg, _ := newTestRegistry(t, cfg)
	ctx := context.Background()

	p1, p2 := newPeer("p1"), newPeer("p2")
	s, _, err := reg.Acquire(ctx, "room", p1)
	require.NoError(t, err)
	_, _, err = reg.Acquire(ctx, "room", p2)
	require.NoError(t, err)

	payload, _ := awareness.EncodeEntries([]awareness.Entry{{ClientID: 5, Timestamp: 1, Fields: awareness.Fields{"a": 1}}})
	require.NoError(t, s.HandleAwareness(p1, payload))

	got := p2.waitFor(t, FrameAwareness, 2)
	entries, _ := awareness.DecodeEntries(got[1].Payload)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Fields)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Awareness)
	assert.Equal(t, 2, stats.Peers)
}

// --------------------------------------------------------------------------
// Relay
// --------------------------------------------------------------------------

func TestRelayBetweenInstances(t *testing.T) {
	bus := relay.NewLocalBus()
	regA := NewRegistry(testConfig(), mstore.New(), relay.NewLocalRelay(bus))
	regB := NewRegistry(testConfig(), mstore.New(), relay.NewLocalRelay(bus))
	defer regA.Shutdown(context.Background())
	defer regB.Shutdown(context.Background())
	ctx := context.Background()

	pa := newPeer("a")
	sa, _, err := regA.Acquire(ctx, "room", pa)
	require.NoError(t, err)
	require.NoError(t, sa.HandleUpdate(pa, insertUpdate(t, 1, "before")))
	content(t, sa)

	// the late instance catches up through the relay handshake
	pb := newPeer("b")
	sb, _, err := regB.Acquire(ctx, "room", pb)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return content(t, sb) == "before" }, 2*time.Second, 5*time.Millisecond)

	// live updates cross instances
	require.NoError(t, sb.HandleUpdate(pb, insertUpdate(t, 2, "x")))
	pa.waitFor(t, FrameUpdate, 1)
	assert.Equal(t, content(t, sa), content(t, sb))
}
