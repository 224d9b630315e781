package crdt

import (
	"math"
	"unicode/utf8"

	"github.com/ValentinKolb/dSync/lib/codec"
	"github.com/ValentinKolb/dSync/lib/syncerr"
)

// updateVersion is the first byte of every non-empty update.
const updateVersion byte = 1

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

type opKind uint8

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

// op is a single-character operation. Runs of ops are only a wire concept.
type op struct {
	kind    opKind
	id      ID
	lamport uint64
	ref     ID   // left origin for inserts (zero = document start), target for deletes
	ch      rune // inserted character
}

// continues reports whether next can be encoded in the same run as prev.
func continues(prev, next op) bool {
	if prev.kind != next.kind || prev.id.Replica != next.id.Replica {
		return false
	}
	if next.id.Clock != prev.id.Clock+1 || next.lamport != prev.lamport+1 {
		return false
	}
	// inserted characters of a run are chained to their predecessor
	return next.kind == opDelete || next.ref == prev.id
}

// --------------------------------------------------------------------------
// Update Encoding
// --------------------------------------------------------------------------

/*
Wire format of an update (all integers are uvarints):

	version byte
	run count
	per run:
	  kind byte
	  replica, clock, lamport
	  insert: origin replica, origin clock, text (length-prefixed utf-8)
	  delete: target count, then (target replica, target clock) per target

Character i of a run has clock+i and lamport+i. Inserted characters after the
first use the previous character of the run as their origin.
*/

// encodeOps encodes ops, grouping consecutive operations into runs.
func encodeOps(ops []op) Update {
	var runs [][]op
	for i, o := range ops {
		if i > 0 && continues(ops[i-1], o) {
			runs[len(runs)-1] = append(runs[len(runs)-1], o)
			continue
		}
		runs = append(runs, []op{o})
	}

	e := codec.NewEncoder(8 + len(ops)*6)
	e.Byte(updateVersion)
	e.Uvarint(uint64(len(runs)))
	for _, run := range runs {
		first := run[0]
		e.Byte(byte(first.kind))
		e.Uvarint(uint64(first.id.Replica))
		e.Uvarint(first.id.Clock)
		e.Uvarint(first.lamport)
		switch first.kind {
		case opInsert:
			e.Uvarint(uint64(first.ref.Replica))
			e.Uvarint(first.ref.Clock)
			text := make([]rune, len(run))
			for i, o := range run {
				text[i] = o.ch
			}
			e.String(string(text))
		case opDelete:
			e.Uvarint(uint64(len(run)))
			for _, o := range run {
				e.Uvarint(uint64(o.ref.Replica))
				e.Uvarint(o.ref.Clock)
			}
		}
	}
	return e.Result()
}

// decodeUpdate decodes and validates a whole update before anything is
// integrated. An empty input is an update without operations.
func decodeUpdate(u Update) ([]op, error) {
	if len(u) == 0 {
		return nil, nil
	}
	d := codec.NewDecoder(u)
	if v := d.Byte(); d.Err() == nil && v != updateVersion {
		return nil, syncerr.Newf(syncerr.KindCorruptUpdate, "unsupported update version %d", v)
	}

	runs := d.Count(5)
	var ops []op
	for i := 0; i < runs && d.Err() == nil; i++ {
		kind := opKind(d.Byte())
		replica := ReplicaID(d.Uvarint())
		clock := d.Uvarint()
		lamport := d.Uvarint()
		if d.Err() != nil {
			break
		}
		if replica == 0 || clock == 0 || lamport == 0 {
			return nil, syncerr.Newf(syncerr.KindCorruptUpdate, "run %d: zero replica, clock or lamport", i)
		}

		switch kind {
		case opInsert:
			origin := ID{Replica: ReplicaID(d.Uvarint()), Clock: d.Uvarint()}
			text := d.String()
			if d.Err() != nil {
				break
			}
			if err := checkRef(origin, replica, clock, true); err != nil {
				return nil, err
			}
			n := utf8.RuneCountInString(text)
			if n == 0 {
				return nil, syncerr.Newf(syncerr.KindCorruptUpdate, "run %d: empty insert", i)
			}
			if err := checkRange(clock, lamport, n); err != nil {
				return nil, err
			}
			prev := origin
			j := 0
			for _, r := range text {
				id := ID{Replica: replica, Clock: clock + uint64(j)}
				ops = append(ops, op{kind: opInsert, id: id, lamport: lamport + uint64(j), ref: prev, ch: r})
				prev = id
				j++
			}

		case opDelete:
			n := d.Count(2)
			if d.Err() != nil {
				break
			}
			if n == 0 {
				return nil, syncerr.Newf(syncerr.KindCorruptUpdate, "run %d: empty delete", i)
			}
			if err := checkRange(clock, lamport, n); err != nil {
				return nil, err
			}
			for j := 0; j < n; j++ {
				target := ID{Replica: ReplicaID(d.Uvarint()), Clock: d.Uvarint()}
				if d.Err() != nil {
					break
				}
				if err := checkRef(target, replica, clock+uint64(j), false); err != nil {
					return nil, err
				}
				id := ID{Replica: replica, Clock: clock + uint64(j)}
				ops = append(ops, op{kind: opDelete, id: id, lamport: lamport + uint64(j), ref: target})
			}

		default:
			return nil, syncerr.Newf(syncerr.KindCorruptUpdate, "run %d: unknown kind %d", i, kind)
		}
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return ops, nil
}

// checkRef rejects references that cannot precede the operation that holds them.
func checkRef(ref ID, replica ReplicaID, clock uint64, allowHead bool) error {
	if ref.isHead() {
		if allowHead && ref.Replica == 0 {
			return nil
		}
		return syncerr.Newf(syncerr.KindCorruptUpdate, "invalid reference %s", ref)
	}
	if ref.Replica == 0 || (ref.Replica == replica && ref.Clock >= clock) {
		return syncerr.Newf(syncerr.KindCorruptUpdate, "reference %s does not precede %d@%d", ref, clock, replica)
	}
	return nil
}

func checkRange(clock, lamport uint64, n int) error {
	if clock > math.MaxUint64-uint64(n) || lamport > math.MaxUint64-uint64(n) {
		return syncerr.New(syncerr.KindCorruptUpdate, "clock overflow")
	}
	return nil
}

// MergeUpdates combines updates into one. The result applies exactly like
// applying the inputs in order.
func MergeUpdates(updates ...Update) (Update, error) {
	var all []op
	for _, u := range updates {
		ops, err := decodeUpdate(u)
		if err != nil {
			return nil, err
		}
		all = append(all, ops...)
	}
	return encodeOps(all), nil
}

// UpdateStats summarizes an update for logs and the CLI.
type UpdateStats struct {
	Inserts int
	Deletes int
}

// InspectUpdate decodes u without applying it.
func InspectUpdate(u Update) (UpdateStats, error) {
	ops, err := decodeUpdate(u)
	if err != nil {
		return UpdateStats{}, err
	}
	var s UpdateStats
	for _, o := range ops {
		if o.kind == opInsert {
			s.Inserts++
		} else {
			s.Deletes++
		}
	}
	return s, nil
}
