package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/storage"
	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

var Logger = logger.GetLogger("session")

var (
	sessionsCreated = metrics.GetOrCreateCounter("dsync_sessions_created_total")
	sessionsEvicted = metrics.GetOrCreateCounter("dsync_sessions_evicted_total")
	sessionRaces    = metrics.GetOrCreateCounter("dsync_session_races_lost_total")
	updatesApplied  = metrics.GetOrCreateCounter("dsync_operations_applied_total")
	corruptUpdates  = metrics.GetOrCreateCounter("dsync_corrupt_updates_total")
	slowConsumers   = metrics.GetOrCreateCounter("dsync_slow_consumers_total")
	flushErrors     = metrics.GetOrCreateCounter("dsync_flush_errors_total")
	flushDuration   = metrics.GetOrCreateHistogram("dsync_flush_duration_seconds")
	loadDuration    = metrics.GetOrCreateHistogram("dsync_load_duration_seconds")
)

// Registry owns all sessions of the process. There is at most one session
// per room id: concurrent creators are collapsed by a single-flight group
// and the winner is registered with a compare-and-swap, so a creator that
// still loses the race discards its instance and uses the registered one.
type Registry struct {
	cfg      Config
	storage  storage.IDocStorage
	relay    relay.IRelay
	sessions *xsync.MapOf[string, *Session]
	creating singleflight.Group
	closed   atomic.Bool
}

// NewRegistry creates a registry. relay may be nil for a single instance.
func NewRegistry(cfg Config, store storage.IDocStorage, r relay.IRelay) *Registry {
	reg := &Registry{
		cfg:      cfg.withDefaults(),
		storage:  store,
		relay:    r,
		sessions: xsync.NewMapOf[string, *Session](),
	}
	return reg
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Lookup returns the registered session of docID without creating one.
func (r *Registry) Lookup(docID string) (*Session, bool) {
	return r.sessions.Load(docID)
}

// Range calls fn for every registered session until fn returns false.
func (r *Registry) Range(fn func(s *Session) bool) {
	r.sessions.Range(func(_ string, s *Session) bool {
		return fn(s)
	})
}

// GetOrCreate returns the session of docID, loading the document from
// storage if no session exists. If the registered session is being evicted,
// it waits for the eviction to finish and creates a fresh one from the
// flushed state.
func (r *Registry) GetOrCreate(ctx context.Context, docID string) (*Session, error) {
	if err := ValidateRoomID(docID); err != nil {
		return nil, err
	}

	for {
		if r.closed.Load() {
			return nil, syncerr.ErrSessionClosed
		}

		if s, ok := r.sessions.Load(docID); ok {
			if !s.isEvicting() {
				return s, nil
			}
			select {
			case <-s.evicted:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch := r.creating.DoChan(docID, func() (any, error) {
			return r.create(docID)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			s := res.Val.(*Session)
			if s.isEvicting() {
				continue
			}
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Acquire returns the session of docID with peer attached. The boolean
// reports whether peer was granted the bootstrap role, which happens for
// exactly one peer of a session whose document started out empty.
func (r *Registry) Acquire(ctx context.Context, docID string, peer IPeer) (*Session, bool, error) {
	for {
		s, err := r.GetOrCreate(ctx, docID)
		if err != nil {
			return nil, false, err
		}
		granted, err := s.attach(ctx, peer)
		if errors.Is(err, syncerr.ErrSessionClosed) {
			// evicted between lookup and attach, retry with a fresh session
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return s, granted, nil
	}
}

// Release evicts the session of docID immediately if no connection is
// attached. It is a no-op for unknown or busy rooms.
func (r *Registry) Release(ctx context.Context, docID string) error {
	s, ok := r.sessions.Load(docID)
	if !ok {
		return nil
	}
	r.evict(s, false, 0)
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Shutdown flushes and removes every session. Later calls to GetOrCreate fail.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closed.Store(true)

	var wg sync.WaitGroup
	r.sessions.Range(func(_ string, s *Session) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.evict(s, true, 0)
		}()
		return true
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		Logger.Infof("all sessions flushed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// --------------------------------------------------------------------------
// Creation and Eviction
// --------------------------------------------------------------------------

// create loads docID and registers a new session. It runs inside the
// single-flight group of docID.
func (r *Registry) create(docID string) (*Session, error) {
	for {
		s, ok := r.sessions.Load(docID)
		if !ok {
			break
		}
		if !s.isEvicting() {
			return s, nil
		}
		// load only after the final flush of the evicted session
		<-s.evicted
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StorageTimeout)
	defer cancel()

	start := time.Now()
	state, found, err := r.storage.Load(ctx, docID)
	loadDuration.UpdateDuration(start)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", docID, err)
	}

	doc := crdt.NewDocStore(crdt.ReplicaID(util.RandomID()))
	if found {
		if _, err := doc.ApplyRemote(state); err != nil {
			return nil, fmt.Errorf("stored state of %s: %w", docID, err)
		}
	}

	s := newSession(r, docID, doc, len(doc.StateVector()) == 0)
	if actual, loaded := r.sessions.LoadOrStore(docID, s); loaded {
		sessionRaces.Inc()
		Logger.Debugf("%s: %v, using the registered session", docID, syncerr.ErrSessionRaceLost)
		s.inbox.Close()
		return actual, nil
	}

	go s.run()
	s.subscribe()

	// a session nobody attaches to is evicted like an abandoned one
	s.mu.Lock()
	if s.refs == 0 {
		s.armEviction()
	}
	s.mu.Unlock()

	sessionsCreated.Inc()
	Logger.Infof("%s: session created (%d characters, from storage: %t)", docID, doc.Len(), found)
	return s, nil
}

// evict flushes s and removes it from the registry. Unless force is set it
// only proceeds if s has no references and, for timer callbacks (gen != 0),
// the timer was not superseded.
func (r *Registry) evict(s *Session, force bool, gen uint64) {
	s.mu.Lock()
	if s.evicting {
		s.mu.Unlock()
		return
	}
	if !force && (s.refs > 0 || (gen != 0 && gen != s.timerGen)) {
		s.mu.Unlock()
		return
	}
	s.evicting = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	// drain the inbox, after that the document is only touched here
	s.inbox.Close()
	<-s.stopped
	s.unsubscribe()

	if s.dirty {
		if err := r.flush(s.docID, s.doc); err != nil {
			Logger.Errorf("%s: final flush failed, unsaved changes are lost: %v", s.docID, err)
		}
	}

	r.sessions.Compute(s.docID, func(old *Session, loaded bool) (*Session, bool) {
		// delete only if the slot still holds this session
		return old, !loaded || old == s
	})
	close(s.evicted)
	sessionsEvicted.Inc()
	Logger.Infof("%s: session evicted", s.docID)
}

// flush writes the full state of doc to storage.
func (r *Registry) flush(docID string, doc crdt.IDocStore) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StorageTimeout)
	defer cancel()

	start := time.Now()
	err := r.storage.Flush(ctx, docID, doc.DeltaSince(nil))
	flushDuration.UpdateDuration(start)
	if err != nil {
		flushErrors.Inc()
		return err
	}
	return nil
}
