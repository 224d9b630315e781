package crdt

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("crdt")

// item is one character of the document. Deleted items stay in the list as
// tombstones so that later operations can still reference them.
type item struct {
	id      ID
	lamport uint64
	ch      rune
	deleted bool
	prev    *item
	next    *item
}

// rgaDoc implements IDocStore as a replicated growable array.
//
// Concurrent inserts after the same origin are ordered by descending lamport
// timestamp, ties broken by descending replica id. Because every insert has a
// larger lamport timestamp than its origin, skipping all following items with
// a larger (lamport, replica) pair also skips their descendants, so the list
// is the same preorder traversal of the origin tree on every replica.
type rgaDoc struct {
	mu sync.RWMutex

	replica ReplicaID
	lamport uint64      // highest lamport timestamp seen
	sv      StateVector // highest contiguous clock per replica

	head    *item // sentinel before the first character
	items   map[ID]*item
	visible int

	history []op      // integrated operations in integration order
	pending map[ID]op // operations waiting for their dependencies
}

// NewDocStore creates an empty document for the given replica.
func NewDocStore(replica ReplicaID) IDocStore {
	return &rgaDoc{
		replica: replica,
		sv:      StateVector{},
		head:    &item{},
		items:   make(map[ID]*item),
		pending: make(map[ID]op),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see crdt.IDocStore)
// --------------------------------------------------------------------------

func (d *rgaDoc) ReplicaID() ReplicaID {
	return d.replica
}

func (d *rgaDoc) ApplyLocal(m Mutation) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch m.Kind {
	case MutInsert:
		return d.localInsert(m.Pos, m.Text)
	case MutDelete:
		return d.localDelete(m.Pos, m.Len)
	default:
		return nil, invalidMutation("unknown mutation kind %d", m.Kind)
	}
}

func (d *rgaDoc) ApplyRemote(u Update) (int, error) {
	ops, err := decodeUpdate(u)
	if err != nil {
		Logger.Warningf("rejected update of %d bytes: %v", len(u), err)
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkRefs(ops); err != nil {
		Logger.Warningf("rejected update of %d bytes: %v", len(u), err)
		return 0, err
	}

	novel := 0
	integrated := false
	for _, o := range ops {
		if o.id.Clock <= d.sv[o.id.Replica] {
			continue
		}
		if _, waiting := d.pending[o.id]; waiting {
			continue
		}
		novel++
		if d.ready(o) {
			d.integrate(o)
			integrated = true
		} else {
			d.pending[o.id] = o
		}
	}
	if integrated && len(d.pending) > 0 {
		d.drainPending()
	}
	if len(d.pending) > 0 {
		Logger.Debugf("replica %d: %d operations waiting for dependencies", d.replica, len(d.pending))
	}
	return novel, nil
}

func (d *rgaDoc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Clone()
}

func (d *rgaDoc) DeltaSince(sv StateVector) Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var missing []op
	for _, o := range d.history {
		if o.id.Clock > sv[o.id.Replica] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing)
}

func (d *rgaDoc) Content() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var sb strings.Builder
	sb.Grow(d.visible)
	for it := d.head.next; it != nil; it = it.next {
		if !it.deleted {
			sb.WriteRune(it.ch)
		}
	}
	return sb.String()
}

func (d *rgaDoc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.visible
}

func (d *rgaDoc) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// --------------------------------------------------------------------------
// Local Mutations
// --------------------------------------------------------------------------

func (d *rgaDoc) localInsert(pos int, text string) (Update, error) {
	if pos < 0 || pos > d.visible {
		return nil, invalidMutation("insert at %d outside document of length %d", pos, d.visible)
	}
	if text == "" || !utf8.ValidString(text) {
		return nil, invalidMutation("insert of empty or invalid text")
	}

	left := d.head
	if pos > 0 {
		left = d.visibleAt(pos - 1)
	}

	ops := make([]op, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		o := op{
			kind:    opInsert,
			id:      d.nextID(),
			lamport: d.lamport + 1,
			ref:     left.id,
			ch:      r,
		}
		d.integrate(o)
		left = d.items[o.id]
		ops = append(ops, o)
	}
	return encodeOps(ops), nil
}

func (d *rgaDoc) localDelete(pos, n int) (Update, error) {
	if pos < 0 || n < 1 || pos+n > d.visible {
		return nil, invalidMutation("delete of %d at %d outside document of length %d", n, pos, d.visible)
	}

	targets := make([]ID, 0, n)
	for it := d.visibleAt(pos); it != nil && len(targets) < n; it = it.next {
		if !it.deleted {
			targets = append(targets, it.id)
		}
	}

	ops := make([]op, 0, n)
	for _, target := range targets {
		o := op{
			kind:    opDelete,
			id:      d.nextID(),
			lamport: d.lamport + 1,
			ref:     target,
		}
		d.integrate(o)
		ops = append(ops, o)
	}
	return encodeOps(ops), nil
}

// --------------------------------------------------------------------------
// Integration
// --------------------------------------------------------------------------

// ready reports whether all dependencies of o are integrated.
func (d *rgaDoc) ready(o op) bool {
	if o.id.Clock != d.sv[o.id.Replica]+1 {
		return false
	}
	if o.kind == opInsert && o.ref.isHead() {
		return true
	}
	_, ok := d.items[o.ref]
	return ok
}

// checkRefs rejects ops that reference an operation which is known, or sent
// alongside, but is not an inserted character.
func (d *rgaDoc) checkRefs(ops []op) error {
	deletes := make(map[ID]struct{})
	for _, o := range ops {
		if o.kind == opDelete {
			deletes[o.id] = struct{}{}
		}
	}
	for _, o := range ops {
		if o.id.Clock <= d.sv[o.id.Replica] {
			continue
		}
		if _, ok := deletes[o.ref]; ok || d.dangling(o.ref) {
			return syncerr.Newf(syncerr.KindCorruptUpdate, "%s references %s which is not a character", o.id, o.ref)
		}
	}
	return nil
}

// dangling reports whether ref names an operation that is integrated or
// waiting but has no character item.
func (d *rgaDoc) dangling(ref ID) bool {
	if ref.isHead() {
		return false
	}
	if p, ok := d.pending[ref]; ok {
		return p.kind == opDelete
	}
	if ref.Clock > d.sv[ref.Replica] {
		return false
	}
	_, ok := d.items[ref]
	return !ok
}

// integrate applies a ready operation.
func (d *rgaDoc) integrate(o op) {
	switch o.kind {
	case opInsert:
		left := d.head
		if !o.ref.isHead() {
			left = d.items[o.ref]
		}
		for n := left.next; n != nil; n = n.next {
			if n.lamport > o.lamport || (n.lamport == o.lamport && n.id.Replica > o.id.Replica) {
				left = n
				continue
			}
			break
		}
		it := &item{id: o.id, lamport: o.lamport, ch: o.ch, prev: left, next: left.next}
		if left.next != nil {
			left.next.prev = it
		}
		left.next = it
		d.items[o.id] = it
		d.visible++

	case opDelete:
		if it := d.items[o.ref]; !it.deleted {
			it.deleted = true
			d.visible--
		}
	}

	d.sv[o.id.Replica] = o.id.Clock
	if o.lamport > d.lamport {
		d.lamport = o.lamport
	}
	d.history = append(d.history, o)
}

// drainPending integrates waiting operations until no more become ready.
// Waiting ops whose reference turned out not to be a character are dropped.
func (d *rgaDoc) drainPending() {
	for progress := true; progress; {
		progress = false
		for id, o := range d.pending {
			if d.dangling(o.ref) {
				Logger.Warningf("replica %d: dropped %s, it references %s which is not a character", d.replica, id, o.ref)
				delete(d.pending, id)
				progress = true
				continue
			}
			if d.ready(o) {
				d.integrate(o)
				delete(d.pending, id)
				progress = true
			}
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (d *rgaDoc) nextID() ID {
	return ID{Replica: d.replica, Clock: d.sv[d.replica] + 1}
}

// visibleAt returns the i-th visible item. i must be in range.
func (d *rgaDoc) visibleAt(i int) *item {
	for it := d.head.next; it != nil; it = it.next {
		if it.deleted {
			continue
		}
		if i == 0 {
			return it
		}
		i--
	}
	return nil
}
