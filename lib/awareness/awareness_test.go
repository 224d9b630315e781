package awareness

import (
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestLocalSetMergesShallowly(t *testing.T) {
	r := NewRegister(time.Second)

	c := r.Set(1, Fields{"user": map[string]any{"name": "ada"}, "color": "#f00"}, t0)
	assert.Equal(t, []ClientID{1}, c.Added)

	c = r.Set(1, Fields{"mouseX": 10}, t0.Add(time.Millisecond))
	assert.Equal(t, []ClientID{1}, c.Updated)

	e, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, "#f00", e.Fields["color"])
	assert.Equal(t, 10, e.Fields["mouseX"])

	c = r.Set(1, Fields{"color": nil}, t0.Add(2*time.Millisecond))
	assert.Equal(t, []ClientID{1}, c.Updated)
	e, _ = r.Get(1)
	assert.NotContains(t, e.Fields, "color")

	c = r.Set(1, Fields{"mouseX": 10}, t0.Add(3*time.Millisecond))
	assert.Equal(t, []ClientID{1}, c.Refreshed)
	assert.False(t, c.Visible())
}

func TestTimestampsIncrease(t *testing.T) {
	r := NewRegister(time.Second)
	r.Set(1, Fields{"a": 1}, t0)
	first, _ := r.Get(1)
	r.Set(1, Fields{"a": 2}, t0) // same wall clock
	second, _ := r.Get(1)
	assert.Greater(t, second.Timestamp, first.Timestamp)
}

func TestRemoteLastWriterWins(t *testing.T) {
	r := NewRegister(time.Second)

	c := r.Apply(Entry{ClientID: 7, Timestamp: 100, Fields: Fields{"name": "new"}}, t0)
	assert.Equal(t, []ClientID{7}, c.Added)

	c = r.Apply(Entry{ClientID: 7, Timestamp: 50, Fields: Fields{"name": "old"}}, t0)
	assert.True(t, c.Empty())
	e, _ := r.Get(7)
	assert.Equal(t, "new", e.Fields["name"])

	// remote writes replace the whole field set
	c = r.Apply(Entry{ClientID: 7, Timestamp: 101, Fields: Fields{"x": 1.0}}, t0)
	assert.Equal(t, []ClientID{7}, c.Updated)
	e, _ = r.Get(7)
	assert.Equal(t, Fields{"x": 1.0}, e.Fields)
}

func TestRemoteRemovalAndStaleReAdd(t *testing.T) {
	r := NewRegister(time.Second)
	r.Apply(Entry{ClientID: 3, Timestamp: 10, Fields: Fields{"a": "b"}}, t0)

	c := r.Apply(Entry{ClientID: 3, Timestamp: 11}, t0)
	assert.Equal(t, []ClientID{3}, c.Removed)

	c = r.Apply(Entry{ClientID: 3, Timestamp: 10, Fields: Fields{"a": "b"}}, t0)
	assert.True(t, c.Empty())
	assert.Zero(t, r.Len())
}

func TestExpiryWithoutRefresh(t *testing.T) {
	ttl := 30 * time.Second
	r := NewRegister(ttl)
	var observed []Change
	r.OnChange(func(c Change) { observed = append(observed, c) })

	r.Apply(Entry{ClientID: 1, Timestamp: 1, Fields: Fields{"n": "a"}}, t0)
	r.Apply(Entry{ClientID: 2, Timestamp: 1, Fields: Fields{"n": "b"}}, t0)

	// client 2 keeps refreshing, client 1 goes silent
	r.Apply(Entry{ClientID: 2, Timestamp: 2, Fields: Fields{"n": "b"}}, t0.Add(20*time.Second))

	assert.True(t, r.Sweep(t0.Add(29*time.Second)).Empty())

	c := r.Sweep(t0.Add(30 * time.Second))
	assert.Equal(t, []ClientID{1}, c.Removed)
	_, ok := r.Get(1)
	assert.False(t, ok)
	_, ok = r.Get(2)
	assert.True(t, ok)

	c = r.Sweep(t0.Add(50 * time.Second))
	assert.Equal(t, []ClientID{2}, c.Removed)
	assert.Zero(t, r.Len())

	last := observed[len(observed)-1]
	assert.Equal(t, []ClientID{2}, last.Removed)
}

func TestExplicitRemove(t *testing.T) {
	r := NewRegister(0)
	assert.Equal(t, DefaultTTL, r.TTL())
	r.Set(5, Fields{"a": 1}, t0)

	c := r.Remove(5)
	assert.Equal(t, []ClientID{5}, c.Removed)
	assert.True(t, r.Remove(5).Empty())
	assert.True(t, r.Sweep(t0.Add(time.Hour)).Empty())

	entries := r.Entries([]ClientID{5})
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Fields)
}

func TestReAddAfterRemoveWithinSameMillisecond(t *testing.T) {
	r := NewRegister(time.Second)
	r.Apply(Entry{ClientID: 8, Timestamp: 40, Fields: Fields{"a": 1.0}}, t0)
	r.Remove(8)

	// the removed entry itself is stale
	c := r.Apply(Entry{ClientID: 8, Timestamp: 40, Fields: Fields{"a": 1.0}}, t0)
	assert.True(t, c.Empty())

	// the next refresh of a reconnecting client is newer by one tick
	c = r.Apply(Entry{ClientID: 8, Timestamp: 41, Fields: Fields{"a": 1.0}}, t0)
	assert.Equal(t, []ClientID{8}, c.Added)
	_, ok := r.Get(8)
	assert.True(t, ok)
}

func TestEntriesEncoding(t *testing.T) {
	r := NewRegister(time.Second)
	r.Set(2, Fields{"user": map[string]any{"name": "b"}}, t0)
	r.Set(1, Fields{"user": map[string]any{"name": "a"}}, t0)

	payload, err := EncodeEntries(append(r.States(), Entry{ClientID: 9, Timestamp: 4}))
	require.NoError(t, err)

	decoded, err := DecodeEntries(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, ClientID(1), decoded[0].ClientID)
	assert.Nil(t, decoded[2].Fields)

	other := NewRegister(time.Second)
	c := other.ApplyAll(decoded, t0)
	assert.ElementsMatch(t, []ClientID{1, 2}, c.Added)

	_, err = DecodeEntries([]byte(`{"nope"`))
	assert.True(t, errors.Is(err, syncerr.ErrCorruptUpdate))
	_, err = DecodeEntries([]byte(`[{"clientId":0,"timestamp":1,"state":{}}]`))
	assert.True(t, errors.Is(err, syncerr.ErrCorruptUpdate))
}
