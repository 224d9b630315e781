package relay

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// LocalBus connects relays living in the same process. Every relay created
// from one bus behaves like a separate server instance.
type LocalBus struct {
	rooms  *xsync.MapOf[string, *xsync.MapOf[uint64, localSub]]
	nextID atomic.Uint64
}

type localSub struct {
	instance string
	handler  Handler
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{rooms: xsync.NewMapOf[string, *xsync.MapOf[uint64, localSub]]()}
}

type localRelay struct {
	bus      *LocalBus
	instance string
}

type localSubscription struct {
	bus   *LocalBus
	docID string
	id    uint64
}

// NewLocalRelay creates a relay attached to bus.
func NewLocalRelay(bus *LocalBus) IRelay {
	return &localRelay{bus: bus, instance: uuid.NewString()}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see relay.IRelay)
// --------------------------------------------------------------------------

func (l *localRelay) InstanceID() string {
	return l.instance
}

func (l *localRelay) Subscribe(_ context.Context, docID string, h Handler) (ISubscription, error) {
	room, _ := l.bus.rooms.LoadOrCompute(docID, func() *xsync.MapOf[uint64, localSub] {
		return xsync.NewMapOf[uint64, localSub]()
	})
	id := l.bus.nextID.Add(1)
	room.Store(id, localSub{instance: l.instance, handler: h})
	return &localSubscription{bus: l.bus, docID: docID, id: id}, nil
}

func (l *localRelay) Publish(_ context.Context, docID string, env Envelope) error {
	env.Origin = l.instance
	room, ok := l.bus.rooms.Load(docID)
	if !ok {
		return nil
	}
	// round trip through the wire format like a real relay
	wire := env.Encode()
	room.Range(func(_ uint64, sub localSub) bool {
		decoded, err := DecodeEnvelope(wire)
		if err == nil && accepts(sub.instance, decoded) {
			sub.handler(decoded)
		}
		return true
	})
	return nil
}

func (l *localRelay) Close() error {
	return nil
}

func (s *localSubscription) Close() error {
	if room, ok := s.bus.rooms.Load(s.docID); ok {
		room.Delete(s.id)
	}
	return nil
}
