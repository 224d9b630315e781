// Package relay fans document traffic out between server instances that
// host the same room.
//
// Each instance subscribes to the channel of a room while it holds a session
// for it. Updates received from local connections are published; instances
// joining a room publish their state vector so that peers answer with the
// operations the joiner lacks. Envelopes carry the id of the publishing
// instance so that subscribers skip their own messages.
//
// Two implementations exist: Redis pub/sub for deployments and an
// in-process bus for tests and single binary setups.
package relay

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/codec"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("relay")

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// IRelay publishes and receives envelopes per room.
type IRelay interface {
	// InstanceID identifies this server instance in envelopes.
	InstanceID() string

	// Subscribe delivers envelopes published for docID by other instances to h
	// until the subscription is closed. h must not block.
	Subscribe(ctx context.Context, docID string, h Handler) (ISubscription, error)

	// Publish sends env to every other instance subscribed to docID. The
	// Origin field is set by the relay.
	Publish(ctx context.Context, docID string, env Envelope) error

	// Close releases the relay and all subscriptions.
	Close() error
}

// ISubscription is an active room subscription.
type ISubscription interface {
	Close() error
}

// Handler receives envelopes from other instances.
type Handler func(env Envelope)

// --------------------------------------------------------------------------
// Envelope
// --------------------------------------------------------------------------

// Kind is the type of relayed payload.
type Kind uint8

const (
	KindUpdate    Kind = iota + 1 // document update
	KindSyncStep1                 // state vector of the origin, peers answer with KindSyncStep2
	KindSyncStep2                 // delta addressed to Target
	KindAwareness                 // awareness entries
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindSyncStep1:
		return "sync-step-1"
	case KindSyncStep2:
		return "sync-step-2"
	case KindAwareness:
		return "awareness"
	default:
		return "unknown"
	}
}

// Envelope is one relayed message.
type Envelope struct {
	Origin  string // publishing instance
	Target  string // receiving instance, empty for all
	Kind    Kind
	Payload []byte
}

// Encode serializes the envelope.
func (e Envelope) Encode() []byte {
	enc := codec.NewEncoder(len(e.Payload) + len(e.Origin) + len(e.Target) + 8)
	enc.Byte(byte(e.Kind))
	enc.String(e.Origin)
	enc.String(e.Target)
	enc.Bytes(e.Payload)
	return enc.Result()
}

// DecodeEnvelope parses an encoded envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	d := codec.NewDecoder(b)
	e := Envelope{
		Kind:   Kind(d.Byte()),
		Origin: d.String(),
		Target: d.String(),
	}
	e.Payload = append([]byte(nil), d.Bytes()...)
	if err := d.Finish(); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// accepts reports whether an instance should handle env.
func accepts(instance string, env Envelope) bool {
	if env.Origin == instance {
		return false
	}
	return env.Target == "" || env.Target == instance
}
