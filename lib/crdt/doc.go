/*
Package crdt implements the replicated text document shared by all
participants of a room.

A document is a sequence of characters. Every character is created by an
insert operation identified by (replica, clock) and placed after a left
origin; every removal is a delete operation with its own (replica, clock)
that tombstones a character. Clocks are contiguous per replica, so a
StateVector (replica -> highest clock) describes exactly which operations a
replica holds.

# Operations

  - ApplyLocal turns a positional Mutation into operations, applies them and
    returns the encoded Update to broadcast.
  - ApplyRemote merges an Update from any replica. Duplicates are ignored,
    operations with missing dependencies wait until the dependencies arrive,
    and malformed updates are rejected as a whole.
  - StateVector and DeltaSince drive the two-step synchronization: a peer
    sends its state vector and receives exactly the operations it lacks.

# Usage

	a := crdt.NewDocStore(1)
	b := crdt.NewDocStore(2)

	u, _ := a.ApplyLocal(crdt.Insert(0, "hello"))
	b.ApplyRemote(u)

	// catch up b with everything a has
	b.ApplyRemote(a.DeltaSince(b.StateVector()))

The full document state used for persistence is DeltaSince of the empty
state vector; loading it is a plain ApplyRemote.
*/
package crdt
