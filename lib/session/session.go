package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/lib/util"
)

// --------------------------------------------------------------------------
// Peers and Frames
// --------------------------------------------------------------------------

// FrameKind is the type of a frame delivered to a peer.
type FrameKind uint8

const (
	FrameSyncStep1 FrameKind = iota + 1 // server state vector
	FrameSyncStep2                      // operations the peer lacks
	FrameUpdate                         // operations from another participant
	FrameAwareness                      // awareness entries
	FrameError                          // a request of the peer failed
)

// Frame is an outbound message of a session.
type Frame struct {
	Kind    FrameKind
	DocID   string
	Payload []byte
	Err     error // FrameError only
}

// IPeer is one connection attached to a session.
type IPeer interface {
	// ID identifies the connection.
	ID() string

	// Deliver queues f for sending and must not block. It returns false if
	// the peer cannot keep up; the peer is then expected to close itself.
	Deliver(f Frame) bool
}

// Stats is a point-in-time view of a session.
type Stats struct {
	DocID     string
	Peers     int
	Refs      int
	Length    int
	Pending   int
	Awareness int
	Replicas  int
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

type eventKind uint8

const (
	evAttach eventKind = iota + 1
	evDetach
	evSyncStep1
	evSyncStep2
	evUpdate
	evAwareness
	evQueryAwareness
	evRelay
	evDo
)

type event struct {
	kind    eventKind
	peer    IPeer
	payload []byte
	env     relay.Envelope
	fn      func(doc crdt.IDocStore, aw *awareness.Register)
	reply   chan bool
}

type peerState struct {
	peer    IPeer
	clients map[awareness.ClientID]struct{}
}

// Session is the in-memory state of one room: the document, the awareness
// register and the attached connections. All room mutations run on a single
// goroutine fed by a lock-free inbox; the exported methods only enqueue.
type Session struct {
	docID string
	reg   *Registry
	doc   crdt.IDocStore
	aw    *awareness.Register
	inbox *util.Inbox[event]

	// owned by the session goroutine
	peers     map[string]*peerState
	bootstrap bool // document was empty at creation and no peer was granted the bootstrap role yet
	dirty     bool // modified since the last flush

	// lifecycle, guarded by mu
	mu       sync.Mutex
	refs     int
	evicting bool
	timer    *time.Timer
	timerGen uint64
	sub      relay.ISubscription

	stopped chan struct{} // session goroutine exited
	evicted chan struct{} // removed from the registry
}

func newSession(reg *Registry, docID string, doc crdt.IDocStore, empty bool) *Session {
	return &Session{
		docID:     docID,
		reg:       reg,
		doc:       doc,
		aw:        awareness.NewRegister(reg.cfg.AwarenessTTL),
		inbox:     util.NewInbox[event](),
		peers:     make(map[string]*peerState),
		bootstrap: empty,
		stopped:   make(chan struct{}),
		evicted:   make(chan struct{}),
	}
}

// DocID returns the room id.
func (s *Session) DocID() string {
	return s.docID
}

// HandleSyncStep1 answers a peer's state vector with the operations it lacks
// followed by the session's own state vector.
func (s *Session) HandleSyncStep1(peer IPeer, sv []byte) error {
	return s.push(event{kind: evSyncStep1, peer: peer, payload: sv})
}

// HandleSyncStep2 merges the operations a peer sent in reply to the
// session's state vector and forwards them to the other peers.
func (s *Session) HandleSyncStep2(peer IPeer, update []byte) error {
	return s.push(event{kind: evSyncStep2, peer: peer, payload: update})
}

// HandleUpdate merges an incremental update and forwards it to the other peers.
func (s *Session) HandleUpdate(peer IPeer, update []byte) error {
	return s.push(event{kind: evUpdate, peer: peer, payload: update})
}

// HandleAwareness merges awareness entries published by a peer.
func (s *Session) HandleAwareness(peer IPeer, payload []byte) error {
	return s.push(event{kind: evAwareness, peer: peer, payload: payload})
}

// HandleQueryAwareness sends all awareness entries to peer.
func (s *Session) HandleQueryAwareness(peer IPeer) error {
	return s.push(event{kind: evQueryAwareness, peer: peer})
}

// Do runs fn on the session goroutine and waits for it to finish.
func (s *Session) Do(ctx context.Context, fn func(doc crdt.IDocStore, aw *awareness.Register)) error {
	reply := make(chan bool, 1)
	if err := s.push(event{kind: evDo, fn: fn, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-s.stopped:
		return syncerr.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the session.
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	st := Stats{DocID: s.docID}
	err := s.Do(ctx, func(doc crdt.IDocStore, aw *awareness.Register) {
		st.Peers = len(s.peers)
		st.Length = doc.Len()
		st.Pending = doc.PendingCount()
		st.Awareness = aw.Len()
		st.Replicas = len(doc.StateVector())
	})
	s.mu.Lock()
	st.Refs = s.refs
	s.mu.Unlock()
	return st, err
}

func (s *Session) push(ev event) error {
	if !s.inbox.Push(ev) {
		return syncerr.ErrSessionClosed
	}
	return nil
}

func (s *Session) isEvicting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicting
}

// --------------------------------------------------------------------------
// Reference Counting
// --------------------------------------------------------------------------

// attach registers peer and cancels a pending eviction. It reports whether
// peer was granted the bootstrap role.
func (s *Session) attach(ctx context.Context, peer IPeer) (bool, error) {
	s.mu.Lock()
	if s.evicting {
		s.mu.Unlock()
		return false, syncerr.ErrSessionClosed
	}
	s.refs++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.timerGen++
		Logger.Debugf("%s: eviction cancelled", s.docID)
	}
	s.mu.Unlock()

	reply := make(chan bool, 1)
	if err := s.push(event{kind: evAttach, peer: peer, reply: reply}); err != nil {
		s.detachRef()
		return false, err
	}
	select {
	case granted := <-reply:
		return granted, nil
	case <-s.stopped:
		return false, syncerr.ErrSessionClosed
	case <-ctx.Done():
		s.Detach(peer)
		return false, ctx.Err()
	}
}

// Detach removes peer, drops its awareness entries and arms the eviction
// timer when it was the last reference. Must be called once per successful
// attach.
func (s *Session) Detach(peer IPeer) {
	_ = s.push(event{kind: evDetach, peer: peer})
	s.detachRef()
}

func (s *Session) detachRef() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 || s.evicting {
		return
	}
	s.armEviction()
	Logger.Debugf("%s: last connection closed, evicting in %s", s.docID, s.reg.cfg.GracePeriod)
}

// armEviction starts the grace timer. Callers hold mu.
func (s *Session) armEviction() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.reg.cfg.GracePeriod, func() {
		s.reg.evict(s, false, gen)
	})
}

// --------------------------------------------------------------------------
// Session Goroutine
// --------------------------------------------------------------------------

func (s *Session) run() {
	defer close(s.stopped)

	sweep := time.NewTicker(s.reg.cfg.SweepInterval)
	defer sweep.Stop()

	var flushC <-chan time.Time
	if s.reg.cfg.FlushInterval > 0 {
		flush := time.NewTicker(s.reg.cfg.FlushInterval)
		defer flush.Stop()
		flushC = flush.C
	}

	for {
		select {
		case ev, ok := <-s.inbox.Recv():
			if !ok {
				return
			}
			s.handle(ev)
		case now := <-sweep.C:
			s.sweepAwareness(now)
		case <-flushC:
			s.flushIfDirty()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evAttach:
		s.peers[ev.peer.ID()] = &peerState{peer: ev.peer, clients: make(map[awareness.ClientID]struct{})}
		granted := false
		if s.bootstrap && len(s.doc.StateVector()) == 0 {
			s.bootstrap = false
			granted = true
			Logger.Debugf("%s: bootstrap role granted to %s", s.docID, ev.peer.ID())
		}
		ev.reply <- granted

	case evDetach:
		s.removePeer(ev.peer)

	case evSyncStep1:
		sv, err := crdt.DecodeStateVector(ev.payload)
		if err != nil {
			s.reject(ev.peer, err)
			return
		}
		s.deliver(ev.peer, Frame{Kind: FrameSyncStep2, DocID: s.docID, Payload: s.doc.DeltaSince(sv)})
		s.deliver(ev.peer, Frame{Kind: FrameSyncStep1, DocID: s.docID, Payload: s.doc.StateVector().Encode()})

	case evSyncStep2, evUpdate:
		s.applyUpdate(ev.peer, ev.payload)

	case evAwareness:
		s.applyAwareness(ev.peer, ev.payload)

	case evQueryAwareness:
		payload, err := awareness.EncodeEntries(s.aw.States())
		if err != nil {
			s.reject(ev.peer, err)
			return
		}
		s.deliver(ev.peer, Frame{Kind: FrameAwareness, DocID: s.docID, Payload: payload})

	case evRelay:
		s.handleRelay(ev.env)

	case evDo:
		ev.fn(s.doc, s.aw)
		ev.reply <- true
	}
}

// applyUpdate merges an update from a local peer.
func (s *Session) applyUpdate(origin IPeer, update []byte) {
	novel, err := s.doc.ApplyRemote(update)
	if err != nil {
		corruptUpdates.Inc()
		s.reject(origin, err)
		return
	}
	if novel == 0 {
		return
	}
	updatesApplied.Add(novel)
	s.dirty = true
	s.broadcast(origin, Frame{Kind: FrameUpdate, DocID: s.docID, Payload: update})
	s.publish(relay.Envelope{Kind: relay.KindUpdate, Payload: update})
}

// applyAwareness merges awareness entries from a local peer. The peer owns
// the clients it publishes and their entries are removed when it detaches.
func (s *Session) applyAwareness(origin IPeer, payload []byte) {
	entries, err := awareness.DecodeEntries(payload)
	if err != nil {
		s.reject(origin, err)
		return
	}
	if ps, ok := s.peers[origin.ID()]; ok {
		for _, e := range entries {
			ps.clients[e.ClientID] = struct{}{}
		}
	}
	s.shareAwareness(origin, s.aw.ApplyAll(entries, time.Now()), true)
}

func (s *Session) removePeer(peer IPeer) {
	ps, ok := s.peers[peer.ID()]
	if !ok {
		return
	}
	delete(s.peers, peer.ID())

	var removed awareness.Change
	for id := range ps.clients {
		removed.Removed = append(removed.Removed, s.aw.Remove(id).Removed...)
	}
	s.shareAwareness(nil, removed, true)
}

func (s *Session) sweepAwareness(now time.Time) {
	s.shareAwareness(nil, s.aw.Sweep(now), false)
}

// shareAwareness sends the entries of a change to every peer except origin
// and optionally to the other server instances.
func (s *Session) shareAwareness(origin IPeer, c awareness.Change, toRelay bool) {
	if c.Empty() {
		return
	}
	payload, err := awareness.EncodeEntries(s.aw.Entries(c.All()))
	if err != nil {
		Logger.Errorf("%s: encode awareness: %v", s.docID, err)
		return
	}
	s.broadcast(origin, Frame{Kind: FrameAwareness, DocID: s.docID, Payload: payload})
	if toRelay {
		s.publish(relay.Envelope{Kind: relay.KindAwareness, Payload: payload})
	}
}

// handleRelay processes an envelope from another server instance.
func (s *Session) handleRelay(env relay.Envelope) {
	switch env.Kind {
	case relay.KindUpdate, relay.KindSyncStep2:
		novel, err := s.doc.ApplyRemote(env.Payload)
		if err != nil {
			corruptUpdates.Inc()
			Logger.Warningf("%s: corrupt update from instance %s: %v", s.docID, env.Origin, err)
			return
		}
		if novel > 0 {
			s.dirty = true
			s.broadcast(nil, Frame{Kind: FrameUpdate, DocID: s.docID, Payload: env.Payload})
		}

	case relay.KindSyncStep1:
		sv, err := crdt.DecodeStateVector(env.Payload)
		if err != nil {
			Logger.Warningf("%s: corrupt state vector from instance %s: %v", s.docID, env.Origin, err)
			return
		}
		if delta := s.doc.DeltaSince(sv); !delta.Empty() {
			s.publish(relay.Envelope{Kind: relay.KindSyncStep2, Target: env.Origin, Payload: delta})
		}
		// a broadcast step 1 comes from a joining instance, ask it for what we lack
		if env.Target == "" {
			s.publish(relay.Envelope{Kind: relay.KindSyncStep1, Target: env.Origin, Payload: s.doc.StateVector().Encode()})
		}

	case relay.KindAwareness:
		entries, err := awareness.DecodeEntries(env.Payload)
		if err != nil {
			Logger.Warningf("%s: corrupt awareness from instance %s: %v", s.docID, env.Origin, err)
			return
		}
		s.shareAwareness(nil, s.aw.ApplyAll(entries, time.Now()), false)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Session) deliver(peer IPeer, f Frame) {
	if !peer.Deliver(f) {
		slowConsumers.Inc()
		Logger.Warningf("%s: peer %s cannot keep up, dropping it", s.docID, peer.ID())
	}
}

func (s *Session) broadcast(origin IPeer, f Frame) {
	for id, ps := range s.peers {
		if origin != nil && id == origin.ID() {
			continue
		}
		s.deliver(ps.peer, f)
	}
}

func (s *Session) reject(peer IPeer, err error) {
	Logger.Warningf("%s: request from %s failed: %v", s.docID, peer.ID(), err)
	s.deliver(peer, Frame{Kind: FrameError, DocID: s.docID, Err: err})
}

func (s *Session) publish(env relay.Envelope) {
	if s.reg.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.reg.cfg.StorageTimeout)
	defer cancel()
	if err := s.reg.relay.Publish(ctx, s.docID, env); err != nil {
		Logger.Warningf("%s: relay publish failed: %v", s.docID, err)
	}
}

func (s *Session) flushIfDirty() {
	if !s.dirty {
		return
	}
	if err := s.reg.flush(s.docID, s.doc); err != nil {
		Logger.Errorf("%s: periodic flush failed: %v", s.docID, err)
		return
	}
	s.dirty = false
}

// subscribe joins the relay channel of the room and asks the other instances
// for the operations this instance lacks.
func (s *Session) subscribe() {
	if s.reg.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.reg.cfg.StorageTimeout)
	defer cancel()
	sub, err := s.reg.relay.Subscribe(ctx, s.docID, func(env relay.Envelope) {
		_ = s.push(event{kind: evRelay, env: env})
	})
	if err != nil {
		Logger.Warningf("%s: relay unavailable, serving local connections only: %v", s.docID, err)
		return
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	_ = s.push(event{kind: evDo, fn: func(doc crdt.IDocStore, _ *awareness.Register) {
		s.publish(relay.Envelope{Kind: relay.KindSyncStep1, Payload: doc.StateVector().Encode()})
	}, reply: make(chan bool, 1)})
}

func (s *Session) unsubscribe() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil && !errors.Is(err, context.Canceled) {
		Logger.Warningf("%s: relay unsubscribe: %v", s.docID, err)
	}
}
