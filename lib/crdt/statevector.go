package crdt

import (
	"slices"

	"github.com/ValentinKolb/dSync/lib/codec"
)

// StateVector maps each replica to the highest contiguous clock integrated
// from it. A missing replica means clock 0.
type StateVector map[ReplicaID]uint64

// Get returns the clock for r.
func (sv StateVector) Get(r ReplicaID) uint64 {
	return sv[r]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for r, c := range sv {
		out[r] = c
	}
	return out
}

// Equal reports whether both vectors describe the same operations.
// Zero entries are ignored.
func (sv StateVector) Equal(other StateVector) bool {
	return sv.Covers(other) && other.Covers(sv)
}

// Covers reports whether sv includes every operation described by other.
func (sv StateVector) Covers(other StateVector) bool {
	for r, c := range other {
		if sv[r] < c {
			return false
		}
	}
	return true
}

// replicas returns the replicas with a non-zero clock in ascending order.
func (sv StateVector) replicas() []ReplicaID {
	rs := make([]ReplicaID, 0, len(sv))
	for r, c := range sv {
		if c > 0 {
			rs = append(rs, r)
		}
	}
	slices.Sort(rs)
	return rs
}

// Encode returns the canonical encoding: the entry count followed by
// (replica, clock) pairs sorted by replica. Equal vectors encode to equal bytes.
func (sv StateVector) Encode() []byte {
	rs := sv.replicas()
	e := codec.NewEncoder(1 + len(rs)*12)
	e.Uvarint(uint64(len(rs)))
	for _, r := range rs {
		e.Uvarint(uint64(r))
		e.Uvarint(sv[r])
	}
	return e.Result()
}

// DecodeStateVector parses an encoded state vector. An empty input is the
// empty vector. Errors are syncerr.KindCorruptUpdate.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	if len(b) == 0 {
		return sv, nil
	}
	d := codec.NewDecoder(b)
	n := d.Count(2)
	for i := 0; i < n; i++ {
		r := ReplicaID(d.Uvarint())
		c := d.Uvarint()
		if d.Err() != nil {
			break
		}
		if c > sv[r] {
			sv[r] = c
		}
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return sv, nil
}
