package client

import (
	"context"
	"reflect"
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// --------------------------------------------------------------------------
// Awareness
// --------------------------------------------------------------------------

// SetLocalAwareness merges fields into the local awareness entry. Keys set
// to nil are removed. Calls within the awareness interval are coalesced
// into one message carrying the latest state.
func (f *Facade) SetLocalAwareness(fields awareness.Fields) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = make(awareness.Fields, len(fields))
	}
	for k, v := range fields {
		f.pending[k] = v
	}
	if f.flushTmr != nil || f.state == StateClosed {
		return
	}
	wait := f.config.AwarenessInterval - time.Since(f.lastFlush)
	if wait < 0 {
		wait = 0
	}
	f.flushTmr = time.AfterFunc(wait, f.flushAwareness)
}

// LocalAwareness returns the published local entry.
func (f *Facade) LocalAwareness() (awareness.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aw.Get(f.clientID)
}

// States returns every known awareness entry, the local one included.
func (f *Facade) States() []awareness.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aw.States()
}

// OnAwarenessChange registers h for every visible change of the awareness
// register, local changes included.
func (f *Facade) OnAwarenessChange(h func(c awareness.Change)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAwareness = append(f.onAwareness, h)
}

// SamplePointer polls sample every interval and publishes its result as
// field of the local awareness entry whenever it changed. It returns when
// ctx is done or the facade is closed.
//
// Usage:
//
//	go f.SamplePointer(ctx, "cursor", func() any { return editor.Cursor() }, 50*time.Millisecond)
func (f *Facade) SamplePointer(ctx context.Context, field string, sample func() any, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last any
	first := true
	for {
		select {
		case <-ticker.C:
			v := sample()
			if !first && reflect.DeepEqual(v, last) {
				continue
			}
			first, last = false, v
			f.SetLocalAwareness(awareness.Fields{field: v})
		case <-ctx.Done():
			return
		case <-f.closedCh:
			return
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// flushAwareness publishes the coalesced local fields.
func (f *Facade) flushAwareness() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushTmr = nil
	if len(f.pending) == 0 || f.state == StateClosed {
		return
	}
	now := time.Now()
	change := f.aw.Set(f.clientID, f.pending, now)
	f.pending = nil
	f.lastFlush = now

	if entry, ok := f.aw.Get(f.clientID); ok && !change.Empty() {
		f.sendAwarenessLocked(entry)
	}
	f.notifyAwarenessLocked(change)
}

// sendAwarenessLocked sends one entry if the handshake completed.
func (f *Facade) sendAwarenessLocked(entry awareness.Entry) {
	if !f.sentStep2 {
		return
	}
	payload, err := awareness.EncodeEntries([]awareness.Entry{entry})
	if err != nil {
		Logger.Errorf("%s: encode awareness: %v", f, err)
		return
	}
	f.sendLocked(common.NewAwareness(f.docID, payload, entry.Timestamp))
}

// notifyAwarenessLocked passes visible changes to the handlers.
func (f *Facade) notifyAwarenessLocked(c awareness.Change) {
	if !c.Visible() {
		return
	}
	handlers := f.onAwareness
	f.emit(func() {
		for _, h := range handlers {
			h(c)
		}
	})
}

// dropRemoteAwarenessLocked forgets every remote entry after the
// connection was lost. They come back with the next handshake.
func (f *Facade) dropRemoteAwarenessLocked() {
	var change awareness.Change
	for _, e := range f.aw.States() {
		if e.ClientID == f.clientID {
			continue
		}
		change.Removed = append(change.Removed, f.aw.Remove(e.ClientID).Removed...)
	}
	f.notifyAwarenessLocked(change)
}

// timers refreshes the local entry at half the TTL and expires remote
// entries that were not refreshed.
func (f *Facade) timers(ctx context.Context) {
	ttl := f.aw.TTL()
	heartbeat := time.NewTicker(ttl / 2)
	defer heartbeat.Stop()
	sweep := time.NewTicker(max(ttl/10, 10*time.Millisecond))
	defer sweep.Stop()

	for {
		select {
		case now := <-heartbeat.C:
			f.mu.Lock()
			if entry, ok := f.aw.Touch(f.clientID, now); ok {
				f.sendAwarenessLocked(entry)
			}
			f.mu.Unlock()
		case now := <-sweep.C:
			f.mu.Lock()
			f.notifyAwarenessLocked(f.aw.Sweep(now))
			f.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
