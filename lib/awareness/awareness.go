// Package awareness implements the ephemeral presence register of a room:
// who is connected, their display name and color, and their cursor or mouse
// position.
//
// Entries are keyed by the client id of a connection. Remote entries are
// last-writer-wins by the timestamp set at their origin; local updates merge
// shallowly per top-level field. Every entry expires when it is not refreshed
// within the TTL, measured with the local receive time so that clock skew
// between machines cannot keep an entry alive.
//
// A Register is not goroutine safe. The server mutates it only on the
// session goroutine and the client only under the provider lock.
package awareness

import (
	"encoding/json"
	"reflect"
	"slices"
	"time"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/lib/util"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("awareness")

// DefaultTTL is the expiry of an entry that is not refreshed.
const DefaultTTL = 30 * time.Second

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// ClientID identifies one connection of one participant.
type ClientID uint64

// Fields is the JSON object published by a client.
type Fields map[string]any

// Entry is the wire form of one client's state. A nil Fields is a removal.
type Entry struct {
	ClientID  ClientID `json:"clientId"`
	Timestamp int64    `json:"timestamp"` // unix millis at the origin
	Fields    Fields   `json:"state"`
}

// Change lists the clients affected by one register mutation.
type Change struct {
	Added     []ClientID
	Updated   []ClientID
	Removed   []ClientID
	Refreshed []ClientID // timestamp bumped, fields unchanged
}

// Empty reports whether nothing changed at all.
func (c Change) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed)+len(c.Refreshed) == 0
}

// Visible reports whether the change is observable by a user interface.
func (c Change) Visible() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) > 0
}

// All returns every affected client id.
func (c Change) All() []ClientID {
	out := make([]ClientID, 0, len(c.Added)+len(c.Updated)+len(c.Removed)+len(c.Refreshed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return append(out, c.Refreshed...)
}

// state is a register slot.
type state struct {
	entry Entry
	seen  time.Time
}

// --------------------------------------------------------------------------
// Register
// --------------------------------------------------------------------------

// Register holds the awareness entries of one room.
type Register struct {
	ttl       time.Duration
	entries   map[ClientID]*state
	removedAt map[ClientID]int64 // origin timestamp of removals, rejects stale re-adds
	expiry    *util.MapHeap[ClientID]
	listeners []func(Change)
}

// NewRegister creates an empty register. A ttl <= 0 selects DefaultTTL.
func NewRegister(ttl time.Duration) *Register {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Register{
		ttl:       ttl,
		entries:   make(map[ClientID]*state),
		removedAt: make(map[ClientID]int64),
		expiry:    util.NewMapHeap[ClientID](),
	}
}

// TTL returns the expiry duration.
func (r *Register) TTL() time.Duration {
	return r.ttl
}

// OnChange registers a listener called after every non-empty change.
func (r *Register) OnChange(fn func(Change)) {
	r.listeners = append(r.listeners, fn)
}

// Set merges fields into the entry of id (local write). Keys set to nil are
// removed from the entry. The origin timestamp is bumped.
func (r *Register) Set(id ClientID, fields Fields, now time.Time) Change {
	var change Change
	st, ok := r.entries[id]
	if !ok {
		st = &state{entry: Entry{ClientID: id, Fields: Fields{}}}
		r.entries[id] = st
		change.Added = []ClientID{id}
	}

	changed := false
	for k, v := range fields {
		old, had := st.entry.Fields[k]
		if v == nil {
			if had {
				delete(st.entry.Fields, k)
				changed = true
			}
			continue
		}
		if !had || !reflect.DeepEqual(old, v) {
			st.entry.Fields[k] = v
			changed = true
		}
	}
	if ok {
		if changed {
			change.Updated = []ClientID{id}
		} else {
			change.Refreshed = []ClientID{id}
		}
	}

	st.entry.Timestamp = r.nextTimestamp(st.entry.Timestamp, now)
	r.touch(id, st, now)
	delete(r.removedAt, id)
	r.emit(change)
	return change
}

// Touch bumps the timestamp of an existing entry without changing its
// fields and returns the refreshed entry.
func (r *Register) Touch(id ClientID, now time.Time) (Entry, bool) {
	st, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	st.entry.Timestamp = r.nextTimestamp(st.entry.Timestamp, now)
	r.touch(id, st, now)
	return st.entry, true
}

// Apply merges a remote entry. Entries older than the known state are
// ignored; otherwise the whole field set is replaced. A nil Fields removes
// the client.
func (r *Register) Apply(e Entry, now time.Time) Change {
	var change Change
	st, ok := r.entries[e.ClientID]

	if e.Fields == nil {
		if ok && e.Timestamp >= st.entry.Timestamp {
			r.drop(e.ClientID)
			r.removedAt[e.ClientID] = e.Timestamp
			change.Removed = []ClientID{e.ClientID}
		}
		r.emit(change)
		return change
	}

	switch {
	case !ok:
		if ts, removed := r.removedAt[e.ClientID]; removed && e.Timestamp <= ts {
			return change
		}
		st = &state{entry: Entry{ClientID: e.ClientID}}
		r.entries[e.ClientID] = st
		delete(r.removedAt, e.ClientID)
		change.Added = []ClientID{e.ClientID}
	case e.Timestamp < st.entry.Timestamp:
		return change
	case reflect.DeepEqual(st.entry.Fields, e.Fields):
		change.Refreshed = []ClientID{e.ClientID}
	default:
		change.Updated = []ClientID{e.ClientID}
	}

	st.entry.Fields = cloneFields(e.Fields)
	st.entry.Timestamp = e.Timestamp
	r.touch(e.ClientID, st, now)
	r.emit(change)
	return change
}

// ApplyAll merges several remote entries and returns the combined change.
func (r *Register) ApplyAll(entries []Entry, now time.Time) Change {
	var all Change
	for _, e := range entries {
		c := r.Apply(e, now)
		all.Added = append(all.Added, c.Added...)
		all.Updated = append(all.Updated, c.Updated...)
		all.Removed = append(all.Removed, c.Removed...)
		all.Refreshed = append(all.Refreshed, c.Refreshed...)
	}
	return all
}

// Remove deletes the entry of id.
func (r *Register) Remove(id ClientID) Change {
	var change Change
	st, ok := r.entries[id]
	if !ok {
		return change
	}
	r.drop(id)
	r.removedAt[id] = st.entry.Timestamp
	change.Removed = []ClientID{id}
	r.emit(change)
	return change
}

// Sweep removes every entry not refreshed within the TTL before now.
func (r *Register) Sweep(now time.Time) Change {
	var change Change
	// forget old removal markers
	for id, ts := range r.removedAt {
		if time.UnixMilli(ts).Add(2 * r.ttl).Before(now) {
			delete(r.removedAt, id)
		}
	}

	cutoff := now.UnixNano()
	for {
		next, ok := r.expiry.Peek()
		if !ok || next.Priority > cutoff {
			break
		}
		r.expiry.PopItem()
		if st, exists := r.entries[next.Key]; exists {
			delete(r.entries, next.Key)
			r.removedAt[next.Key] = st.entry.Timestamp
			change.Removed = append(change.Removed, next.Key)
		}
	}
	if len(change.Removed) > 0 {
		Logger.Debugf("expired %d awareness entries", len(change.Removed))
	}
	r.emit(change)
	return change
}

// Get returns the entry of id.
func (r *Register) Get(id ClientID) (Entry, bool) {
	st, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return st.entry, true
}

// Len returns the number of live entries.
func (r *Register) Len() int {
	return len(r.entries)
}

// States returns all live entries ordered by client id.
func (r *Register) States() []Entry {
	ids := make([]ClientID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id].entry)
	}
	return out
}

// Entries returns the wire entries for ids. Unknown ids are encoded as removals.
func (r *Register) Entries(ids []ClientID) []Entry {
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.entries[id]; ok {
			out = append(out, st.entry)
			continue
		}
		out = append(out, Entry{ClientID: id, Timestamp: r.removedAt[id]})
	}
	return out
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (r *Register) touch(id ClientID, st *state, now time.Time) {
	st.seen = now
	r.expiry.AddItem(id, now.Add(r.ttl).UnixNano())
}

func (r *Register) drop(id ClientID) {
	delete(r.entries, id)
	r.expiry.RemoveByKey(id)
}

// nextTimestamp returns a strictly increasing origin timestamp.
func (r *Register) nextTimestamp(prev int64, now time.Time) int64 {
	ts := now.UnixMilli()
	if ts <= prev {
		ts = prev + 1
	}
	return ts
}

func (r *Register) emit(c Change) {
	if c.Empty() {
		return
	}
	for _, fn := range r.listeners {
		fn(c)
	}
}

func cloneFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// EncodeEntries encodes entries as the payload of an awareness message.
func EncodeEntries(entries []Entry) ([]byte, error) {
	return json.Marshal(entries)
}

// DecodeEntries parses an awareness payload. Errors are syncerr.KindCorruptUpdate.
func DecodeEntries(b []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, syncerr.Newf(syncerr.KindCorruptUpdate, "awareness payload: %v", err)
	}
	for _, e := range entries {
		if e.ClientID == 0 {
			return nil, syncerr.New(syncerr.KindCorruptUpdate, "awareness entry without client id")
		}
	}
	return entries, nil
}
