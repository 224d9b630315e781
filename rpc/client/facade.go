package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/awareness"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/session"
	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/lib/util"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/ValentinKolb/dSync/rpc/transport/ws"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("client")

// Option customizes a Facade.
type Option func(f *Facade)

// WithTransport replaces the WebSocket transport, e.g. to inject faults in tests.
func WithTransport(t transport.IClientTransport) Option {
	return func(f *Facade) { f.transport = t }
}

// WithClientID fixes the awareness client id instead of a random one.
func WithClientID(id awareness.ClientID) Option {
	return func(f *Facade) { f.clientID = id }
}

// New creates the facade of one room. The facade is offline until Start is
// called, so handlers can be registered first. Local mutations are accepted
// at any time and reach the server with the next handshake.
//
// Usage:
//
//	f, err := client.New(common.DefaultClientConfig("ws://localhost:8080/ws"), "room-1")
//	f.OnRemoteUpdate(func(crdt.Update) { render(f.Content()) })
//	f.Start()
//	defer f.Close()
//	_, err = f.MutateLocal(crdt.Insert(0, "hello"))
func New(config common.ClientConfig, docID string, opts ...Option) (*Facade, error) {
	if err := session.ValidateRoomID(docID); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ser, err := serializer.New(config.Serializer)
	if err != nil {
		return nil, err
	}

	f := &Facade{
		config:     config,
		docID:      docID,
		serializer: ser,
		doc:        crdt.NewDocStore(crdt.ReplicaID(util.RandomID())),
		aw:         awareness.NewRegister(config.AwarenessTTL),
		events:     util.NewInbox[func()](),
		syncedCh:   make(chan struct{}),
		closedCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.transport == nil {
		f.transport = ws.NewClientTransport(ws.Options{
			SendQueueSize: config.SendQueueSize,
			TextFrames:    config.Serializer == "json",
		})
	}
	if f.clientID == 0 {
		f.clientID = awareness.ClientID(util.RandomID())
	}

	go f.dispatch()
	return f, nil
}

// Facade is the editor facing API of one room: it owns the local replica of
// the document and the awareness register and keeps them in sync with the
// server over a self healing connection.
type Facade struct {
	config     common.ClientConfig
	docID      string
	clientID   awareness.ClientID
	transport  transport.IClientTransport
	serializer serializer.IRPCSerializer

	mu        sync.Mutex
	doc       crdt.IDocStore
	aw        *awareness.Register
	state     ConnState
	err       error           // terminal error
	conn      transport.IConn // nil while disconnected
	sentStep2 bool            // local operations reach the server as updates
	gotStep2  bool
	bootstrap bool   // server granted the bootstrap role in the current handshake
	seed      string // content for an empty document, see Bootstrap
	seeded    bool
	syncedCh  chan struct{} // closed while SYNCED
	started   bool

	// local awareness coalescing
	pending   awareness.Fields
	flushTmr  *time.Timer
	lastFlush time.Time

	// handlers, called on the dispatch goroutine
	onRemote    []func(crdt.Update)
	onAwareness []func(awareness.Change)
	onState     []func(ConnState)
	onSynced    []func()
	events      *util.Inbox[func()]

	cancel   context.CancelFunc
	closedCh chan struct{} // closed by Close
	done     chan struct{} // run loop exited
	closeMu  sync.Once
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start connects to the server in the background. It is a no-op after the
// first call.
func (f *Facade) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.state == StateClosed {
		return
	}
	f.started = true

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(ctx)
	go f.timers(ctx)
}

// Close disconnects and stops reconnecting. The document stays readable.
func (f *Facade) Close() error {
	f.closeMu.Do(func() {
		close(f.closedCh)

		f.mu.Lock()
		started := f.started
		cancel := f.cancel
		conn := f.conn
		if f.flushTmr != nil {
			f.flushTmr.Stop()
			f.flushTmr = nil
		}
		f.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if started {
			<-f.done
		}

		f.mu.Lock()
		f.setStateLocked(StateClosed)
		f.mu.Unlock()
		f.events.Close()
	})
	return nil
}

// --------------------------------------------------------------------------
// Document
// --------------------------------------------------------------------------

// MutateLocal applies a local edit and streams it to the server. It returns
// the update that carries the edit. While offline the edit is kept and sent
// with the next handshake.
func (f *Facade) MutateLocal(m crdt.Mutation) (crdt.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.doc.ApplyLocal(m)
	if err != nil {
		return nil, err
	}
	if f.sentStep2 {
		f.sendLocked(common.NewUpdate(f.docID, u))
	}
	return u, nil
}

// Transact applies several local edits and sends them as one update. Each
// mutation addresses the document as left by the previous one. If a
// mutation fails, the edits before it are kept and sent.
func (f *Facade) Transact(ms ...crdt.Mutation) (crdt.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		updates []crdt.Update
		failed  error
	)
	for _, m := range ms {
		u, err := f.doc.ApplyLocal(m)
		if err != nil {
			failed = err
			break
		}
		updates = append(updates, u)
	}
	if len(updates) == 0 {
		return nil, failed
	}

	merged, err := crdt.MergeUpdates(updates...)
	if err != nil {
		return nil, err
	}
	if f.sentStep2 {
		f.sendLocked(common.NewUpdate(f.docID, merged))
	}
	return merged, failed
}

// OnRemoteUpdate registers h for every update from other replicas that
// changed the local document.
func (f *Facade) OnRemoteUpdate(h func(u crdt.Update)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRemote = append(f.onRemote, h)
}

// Content returns the visible text of the local replica.
func (f *Facade) Content() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.Content()
}

// Snapshot returns the whole history of the local replica as one update.
// Applying it to an empty replica reproduces the document.
func (f *Facade) Snapshot() crdt.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.DeltaSince(nil)
}

// StateVector returns the state vector of the local replica.
func (f *Facade) StateVector() crdt.StateVector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.StateVector()
}

// Bootstrap sets the seed content of the room. It is inserted once, after
// the handshake completed, if the server granted this client the bootstrap
// role and the document is still empty. Joining an existing room therefore
// never overwrites its content.
func (f *Facade) Bootstrap(seed string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seed = seed
	if f.state == StateSynced {
		f.maybeBootstrapLocked()
	}
}

// --------------------------------------------------------------------------
// Connection State
// --------------------------------------------------------------------------

// ConnectionState returns the current state.
func (f *Facade) ConnectionState() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the terminal error (AuthRejected or RoomIdInvalid) once the
// facade was closed because of one.
func (f *Facade) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// OnStateChange registers h for every state transition.
func (f *Facade) OnStateChange(h func(s ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = append(f.onState, h)
}

// OnSynced registers h for every completed handshake.
func (f *Facade) OnSynced(h func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSynced = append(f.onSynced, h)
}

// WaitSynced blocks until the facade is SYNCED. It fails with the terminal
// error if the facade was closed because of one.
func (f *Facade) WaitSynced(ctx context.Context) error {
	for {
		f.mu.Lock()
		synced, err, state := f.syncedCh, f.err, f.state
		f.mu.Unlock()

		if err != nil {
			return err
		}
		if state == StateClosed {
			return syncerr.New(syncerr.KindSessionClosed, "facade closed")
		}

		select {
		case <-synced:
			f.mu.Lock()
			ok := f.state == StateSynced
			f.mu.Unlock()
			if ok {
				return nil
			}
			// lost again before we looked
		case <-f.closedCh:
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ClientID returns the awareness client id of this facade.
func (f *Facade) ClientID() awareness.ClientID {
	return f.clientID
}

// DocID returns the room id.
func (f *Facade) DocID() string {
	return f.docID
}

// String describes the facade for logs.
func (f *Facade) String() string {
	return fmt.Sprintf("facade(%s, client %d)", f.docID, f.clientID)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// setStateLocked changes the state and notifies the handlers.
func (f *Facade) setStateLocked(s ConnState) {
	if f.state == s {
		return
	}
	Logger.Debugf("%s: %s -> %s", f, f.state, s)
	f.state = s
	if s == StateSynced {
		close(f.syncedCh)
	} else {
		select {
		case <-f.syncedCh:
			f.syncedCh = make(chan struct{})
		default:
		}
	}
	handlers := f.onState
	f.emit(func() {
		for _, h := range handlers {
			h(s)
		}
	})
}

// sendLocked serializes msg and queues it on the current connection. A
// failed send closes the connection and the next handshake repairs the gap.
func (f *Facade) sendLocked(msg *common.Message) {
	if f.conn == nil {
		return
	}
	data, err := f.serializer.Serialize(*msg)
	if err != nil {
		Logger.Errorf("%s: serialize %s: %v", f, msg.MsgType, err)
		return
	}
	if err := f.conn.Send(data); err != nil {
		Logger.Debugf("%s: send %s: %v", f, msg.MsgType, err)
	}
}

// maybeBootstrapLocked inserts the seed if this client may seed the room.
func (f *Facade) maybeBootstrapLocked() {
	if !f.bootstrap || f.seeded || f.seed == "" {
		return
	}
	f.seeded = true
	if f.doc.Len() > 0 {
		Logger.Debugf("%s: document not empty, skipping bootstrap", f)
		return
	}
	u, err := f.doc.ApplyLocal(crdt.Insert(0, f.seed))
	if err != nil {
		Logger.Errorf("%s: bootstrap: %v", f, err)
		return
	}
	Logger.Infof("%s: seeded empty document with %d characters", f, len([]rune(f.seed)))
	f.sendLocked(common.NewUpdate(f.docID, u))
}

// emit queues a handler call on the dispatch goroutine.
func (f *Facade) emit(fn func()) {
	f.events.Push(fn)
}

// dispatch calls the handlers one after another, never under f.mu.
func (f *Facade) dispatch() {
	for fn := range f.events.Recv() {
		fn()
	}
}
