package crdt

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func mustLocal(t *testing.T, d IDocStore, m Mutation) Update {
	t.Helper()
	u, err := d.ApplyLocal(m)
	require.NoError(t, err)
	return u
}

func mustRemote(t *testing.T, d IDocStore, u Update) int {
	t.Helper()
	n, err := d.ApplyRemote(u)
	require.NoError(t, err)
	return n
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

// concurrentUpdates builds a set of updates from three replicas with both
// concurrent and causally dependent edits.
func concurrentUpdates(t *testing.T) []Update {
	a, b, c := NewDocStore(1), NewDocStore(2), NewDocStore(3)

	base := mustLocal(t, a, Insert(0, "abc"))
	mustRemote(t, b, base)
	mustRemote(t, c, base)

	ua := mustLocal(t, a, Insert(1, "XY"))
	ub := mustLocal(t, b, Insert(1, "12"))
	uc := mustLocal(t, c, Delete(1, 1))

	// b sees a's edit and builds on it
	mustRemote(t, b, ua)
	ub2 := mustLocal(t, b, Insert(b.Len(), "!"))

	return []Update{base, ua, ub, uc, ub2}
}

// --------------------------------------------------------------------------
// Local Editing
// --------------------------------------------------------------------------

func TestLocalEditing(t *testing.T) {
	d := NewDocStore(7)
	mustLocal(t, d, Insert(0, "hllo"))
	mustLocal(t, d, Insert(1, "e"))
	mustLocal(t, d, Insert(5, " wörld"))
	assert.Equal(t, "hello wörld", d.Content())

	mustLocal(t, d, Delete(5, 6))
	assert.Equal(t, "hello", d.Content())
	assert.Equal(t, 5, d.Len())
	assert.Equal(t, uint64(17), d.StateVector().Get(7))
}

func TestInvalidMutation(t *testing.T) {
	d := NewDocStore(1)
	mustLocal(t, d, Insert(0, "abc"))
	sv := d.StateVector()

	tests := map[string]Mutation{
		"insert past end":   Insert(4, "x"),
		"negative insert":   Insert(-1, "x"),
		"empty insert":      Insert(0, ""),
		"delete past end":   Delete(2, 2),
		"zero length":       Delete(0, 0),
		"unknown kind":      {Kind: 99},
		"invalid utf8 text": Insert(0, string([]byte{0xff})),
	}
	for name, m := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := d.ApplyLocal(m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, syncerr.ErrInvalidMutation))
			assert.Equal(t, "abc", d.Content())
			assert.True(t, sv.Equal(d.StateVector()))
		})
	}
}

// --------------------------------------------------------------------------
// Merge Laws
// --------------------------------------------------------------------------

func TestConvergenceAcrossPermutations(t *testing.T) {
	updates := concurrentUpdates(t)

	var want string
	var wantSV StateVector
	for i, perm := range permutations(len(updates)) {
		d := NewDocStore(ReplicaID(100 + i))
		for _, idx := range perm {
			mustRemote(t, d, updates[idx])
		}
		require.Zero(t, d.PendingCount(), "permutation %v left pending operations", perm)
		if i == 0 {
			want, wantSV = d.Content(), d.StateVector()
			continue
		}
		assert.Equal(t, want, d.Content(), "permutation %v", perm)
		assert.True(t, wantSV.Equal(d.StateVector()), "permutation %v", perm)
	}
	assert.Contains(t, want, "XY")
	assert.Contains(t, want, "12")
	assert.True(t, strings.HasSuffix(want, "!"))
}

func TestIdempotence(t *testing.T) {
	for _, u := range concurrentUpdates(t) {
		once := NewDocStore(50)
		twice := NewDocStore(51)
		mustRemote(t, once, u)
		mustRemote(t, twice, u)
		assert.Zero(t, mustRemote(t, twice, u))
		assert.Equal(t, once.Content(), twice.Content())
		assert.True(t, once.StateVector().Equal(twice.StateVector()))
	}
}

func TestCommutativity(t *testing.T) {
	a, b := NewDocStore(1), NewDocStore(2)
	u1 := mustLocal(t, a, Insert(0, "left"))
	u2 := mustLocal(t, b, Insert(0, "right"))

	x, y := NewDocStore(3), NewDocStore(4)
	mustRemote(t, x, u1)
	mustRemote(t, x, u2)
	mustRemote(t, y, u2)
	mustRemote(t, y, u1)

	assert.Equal(t, x.Content(), y.Content())
	assert.Equal(t, x.StateVector().Encode(), y.StateVector().Encode())
}

func TestOutOfOrderDelivery(t *testing.T) {
	a := NewDocStore(1)
	u1 := mustLocal(t, a, Insert(0, "ab"))
	u2 := mustLocal(t, a, Insert(2, "cd"))
	u3 := mustLocal(t, a, Delete(0, 1))

	b := NewDocStore(2)
	assert.Equal(t, 1, mustRemote(t, b, u3))
	assert.Equal(t, 2, mustRemote(t, b, u2))
	assert.Equal(t, "", b.Content())
	assert.Equal(t, 3, b.PendingCount())
	assert.Zero(t, b.StateVector().Get(1))

	mustRemote(t, b, u1)
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, "bcd", b.Content())
	assert.True(t, a.StateVector().Equal(b.StateVector()))
}

func TestCorruptUpdateLeavesStateUntouched(t *testing.T) {
	a := NewDocStore(1)
	good := mustLocal(t, a, Insert(0, "hello"))
	removed := mustLocal(t, a, Delete(0, 1)) // 6@1 is a delete

	d := NewDocStore(2)
	mustRemote(t, d, good)
	mustRemote(t, d, removed)
	before, beforeSV := d.Content(), d.StateVector()

	more := mustLocal(t, a, Insert(4, " world"))
	deleteOp := ID{Replica: 1, Clock: 6}
	tests := map[string]Update{
		"garbage":       {0xde, 0xad, 0xbe, 0xef},
		"truncated":     more[:len(more)-2],
		"trailing":      append(append(Update{}, more...), 0x00),
		"bad version":   append(Update{9}, more[1:]...),
		"self referent": encodeOps([]op{{kind: opInsert, id: ID{Replica: 1, Clock: 20}, lamport: 20, ref: ID{Replica: 1, Clock: 20}, ch: 'x'}}),
		"origin is a delete": encodeOps([]op{
			{kind: opInsert, id: ID{Replica: 9, Clock: 1}, lamport: 10, ref: deleteOp, ch: 'x'},
		}),
		"target is a delete": encodeOps([]op{
			{kind: opDelete, id: ID{Replica: 9, Clock: 1}, lamport: 10, ref: deleteOp},
		}),
		"origin is a delete of the same update": encodeOps([]op{
			{kind: opDelete, id: ID{Replica: 9, Clock: 1}, lamport: 10, ref: ID{Replica: 1, Clock: 2}},
			{kind: opInsert, id: ID{Replica: 9, Clock: 2}, lamport: 11, ref: ID{Replica: 9, Clock: 1}, ch: 'x'},
		}),
	}
	for name, u := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := d.ApplyRemote(u)
			require.Error(t, err)
			assert.True(t, errors.Is(err, syncerr.ErrCorruptUpdate))
			assert.Equal(t, before, d.Content())
			assert.True(t, beforeSV.Equal(d.StateVector()))
			assert.Zero(t, d.PendingCount())
		})
	}

	// the replica whose update was rejected is not blocked
	next := encodeOps([]op{{kind: opInsert, id: ID{Replica: 9, Clock: 1}, lamport: 10, ref: ID{}, ch: '>'}})
	assert.Equal(t, 1, mustRemote(t, d, next))
	assert.Equal(t, ">"+before, d.Content())
	assert.Zero(t, d.PendingCount())
}

func TestWaitingOperationOnDeleteIsDropped(t *testing.T) {
	a := NewDocStore(1)
	base := mustLocal(t, a, Insert(0, "ab"))
	removed := mustLocal(t, a, Delete(0, 1)) // 3@1 is a delete

	d := NewDocStore(2)
	mustRemote(t, d, base)

	// 3@1 is not known yet, so the reference cannot be checked on arrival
	bad := encodeOps([]op{{kind: opInsert, id: ID{Replica: 9, Clock: 1}, lamport: 10, ref: ID{Replica: 1, Clock: 3}, ch: 'x'}})
	mustRemote(t, d, bad)
	assert.Equal(t, 1, d.PendingCount())

	mustRemote(t, d, removed)
	assert.Zero(t, d.PendingCount())
	assert.Equal(t, "b", d.Content())

	next := encodeOps([]op{{kind: opInsert, id: ID{Replica: 9, Clock: 1}, lamport: 10, ref: ID{}, ch: '>'}})
	assert.Equal(t, 1, mustRemote(t, d, next))
	assert.Equal(t, ">b", d.Content())
	assert.Zero(t, d.PendingCount())
}

// --------------------------------------------------------------------------
// Synchronization
// --------------------------------------------------------------------------

func TestTwoStepHandshake(t *testing.T) {
	a, b := NewDocStore(1), NewDocStore(2)
	mustLocal(t, a, Insert(0, "shared "))
	mustRemote(t, b, a.DeltaSince(nil))

	// diverge while offline
	mustLocal(t, a, Insert(a.Len(), "from a"))
	mustLocal(t, b, Insert(0, "b: "))
	mustLocal(t, b, Delete(3, 1))

	// step 1 / step 2 in both directions
	toB := a.DeltaSince(b.StateVector())
	toA := b.DeltaSince(a.StateVector())
	mustRemote(t, b, toB)
	mustRemote(t, a, toA)

	assert.Equal(t, a.Content(), b.Content())
	assert.Equal(t, a.StateVector().Encode(), b.StateVector().Encode())

	// nothing left to exchange
	assert.Zero(t, mustRemote(t, a, b.DeltaSince(a.StateVector())))
}

func TestHelloWorldScenario(t *testing.T) {
	a, b := NewDocStore(1), NewDocStore(2)
	ua := mustLocal(t, a, Insert(0, "hello"))
	ub := mustLocal(t, b, Insert(0, "world"))

	mustRemote(t, a, ub)
	mustRemote(t, b, ua)

	assert.Equal(t, a.Content(), b.Content())
	assert.Contains(t, []string{"helloworld", "worldhello"}, a.Content())
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := NewDocStore(1)
	mustLocal(t, a, Insert(0, "persist me"))
	mustLocal(t, a, Delete(0, 8))

	loaded := NewDocStore(2)
	mustRemote(t, loaded, a.DeltaSince(StateVector{}))
	assert.Equal(t, "me", loaded.Content())
	assert.True(t, a.StateVector().Equal(loaded.StateVector()))

	// tombstones survive, so later edits against them still merge
	u := mustLocal(t, a, Insert(0, ">"))
	mustRemote(t, loaded, u)
	assert.Equal(t, ">me", loaded.Content())
}

func TestStateVectorEncoding(t *testing.T) {
	sv1 := StateVector{3: 4, 1: 9, 2: 0}
	sv2 := StateVector{1: 9, 3: 4}
	assert.Equal(t, sv1.Encode(), sv2.Encode())

	got, err := DecodeStateVector(sv1.Encode())
	require.NoError(t, err)
	assert.True(t, got.Equal(sv2))

	empty, err := DecodeStateVector(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeStateVector([]byte{5, 1})
	assert.True(t, errors.Is(err, syncerr.ErrCorruptUpdate))
}

func TestMergeUpdates(t *testing.T) {
	updates := concurrentUpdates(t)
	merged, err := MergeUpdates(updates...)
	require.NoError(t, err)

	x, y := NewDocStore(8), NewDocStore(9)
	mustRemote(t, x, merged)
	for _, u := range updates {
		mustRemote(t, y, u)
	}
	assert.Equal(t, y.Content(), x.Content())

	stats, err := InspectUpdate(merged)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deletes)
}

// TestRandomizedConvergence replays random edits from several replicas with
// shuffled, duplicated delivery.
func TestRandomizedConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const replicas = 4

	docs := make([]IDocStore, replicas)
	for i := range docs {
		docs[i] = NewDocStore(ReplicaID(i + 1))
	}
	var log []Update

	for round := 0; round < 200; round++ {
		d := docs[rng.Intn(replicas)]
		var m Mutation
		if d.Len() > 0 && rng.Intn(3) == 0 {
			pos := rng.Intn(d.Len())
			m = Delete(pos, 1+rng.Intn(min(3, d.Len()-pos)))
		} else {
			m = Insert(rng.Intn(d.Len()+1), string(rune('a'+rng.Intn(26))))
		}
		log = append(log, mustLocal(t, d, m))

		// occasionally deliver a random earlier update to a random replica
		if rng.Intn(2) == 0 {
			mustRemote(t, docs[rng.Intn(replicas)], log[rng.Intn(len(log))])
		}
	}

	for _, d := range docs {
		for _, i := range rng.Perm(len(log)) {
			mustRemote(t, d, log[i])
		}
	}
	for _, d := range docs[1:] {
		assert.Equal(t, docs[0].Content(), d.Content())
		assert.True(t, docs[0].StateVector().Equal(d.StateVector()))
		assert.Zero(t, d.PendingCount())
	}
}
