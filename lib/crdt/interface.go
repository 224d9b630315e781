package crdt

import (
	"fmt"
	"github.com/ValentinKolb/dSync/lib/syncerr"
)

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// IDocStore is a replicated text document. Every replica holds one IDocStore
// per document; replicas exchange Updates and converge to the same content
// once they have integrated the same set of operations, regardless of the
// order, grouping or duplication of the updates they received.
//
// Implementations are safe for concurrent use.
type IDocStore interface {
	// ReplicaID returns the id stamped on every operation created by ApplyLocal.
	ReplicaID() ReplicaID

	// ApplyLocal applies a mutation made by this replica and returns the update
	// that carries it to the other replicas. Positions are visible character
	// offsets. Mutations outside the document fail with syncerr.KindInvalidMutation
	// and leave the document unchanged.
	ApplyLocal(m Mutation) (Update, error)

	// ApplyRemote merges an update produced by any replica. Merging is
	// commutative, associative and idempotent. A malformed update fails with
	// syncerr.KindCorruptUpdate and leaves the document unchanged. Operations
	// whose causal dependencies are missing are held back until they arrive.
	// The returned count is the number of operations new to this replica.
	ApplyRemote(u Update) (int, error)

	// StateVector returns a snapshot of the integrated operations: for every
	// replica the highest contiguous clock seen.
	StateVector() StateVector

	// DeltaSince returns every integrated operation that a replica holding sv
	// lacks, in an order that can be applied as is.
	DeltaSince(sv StateVector) Update

	// Content returns the visible text.
	Content() string

	// Len returns the number of visible characters.
	Len() int

	// PendingCount returns the number of operations waiting for missing dependencies.
	PendingCount() int
}

// --------------------------------------------------------------------------
// Shared Types
// --------------------------------------------------------------------------

// ReplicaID identifies a replica. Zero is reserved.
type ReplicaID uint64

// ID identifies one operation: the replica that created it and its clock on
// that replica. Clocks start at 1 and are contiguous per replica.
type ID struct {
	Replica ReplicaID
	Clock   uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Replica)
}

// isHead reports whether id refers to the start of the document.
func (id ID) isHead() bool {
	return id.Clock == 0
}

// Update is an encoded, immutable batch of operations.
type Update []byte

// Empty reports whether u carries no operations.
func (u Update) Empty() bool {
	return len(u) == 0 || (len(u) == 2 && u[0] == updateVersion && u[1] == 0)
}

// MutationKind selects the variant of a Mutation.
type MutationKind uint8

const (
	MutInsert MutationKind = iota + 1
	MutDelete
)

// Mutation is a local edit expressed in visible character positions.
type Mutation struct {
	Kind MutationKind
	Pos  int    // Offset of the first affected character
	Text string // Inserted text (MutInsert)
	Len  int    // Number of removed characters (MutDelete)
}

// Insert creates a mutation inserting text before the character at pos.
func Insert(pos int, text string) Mutation {
	return Mutation{Kind: MutInsert, Pos: pos, Text: text}
}

// Delete creates a mutation removing n characters starting at pos.
func Delete(pos, n int) Mutation {
	return Mutation{Kind: MutDelete, Pos: pos, Len: n}
}

func invalidMutation(format string, args ...any) error {
	return syncerr.Newf(syncerr.KindInvalidMutation, format, args...)
}
