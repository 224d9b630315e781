package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is prepended to room ids to form channel names.
const DefaultPrefix = "dsync:"

type redisRelay struct {
	client   *redis.Client
	prefix   string
	instance string

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

type redisSubscription struct {
	relay  *redisRelay
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// NewRedisRelay creates a relay on top of an existing client. The client is
// closed by Close.
func NewRedisRelay(client *redis.Client, prefix string) IRelay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &redisRelay{
		client:   client,
		prefix:   prefix,
		instance: uuid.NewString(),
		subs:     make(map[*redisSubscription]struct{}),
	}
}

// DialRedis connects to addr and verifies the connection with a ping.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (IRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}
	Logger.Infof("connected to redis at %s", addr)
	return NewRedisRelay(client, prefix), nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see relay.IRelay)
// --------------------------------------------------------------------------

func (r *redisRelay) InstanceID() string {
	return r.instance
}

func (r *redisRelay) Subscribe(ctx context.Context, docID string, h Handler) (ISubscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel(docID))
	// wait for the subscription to be confirmed, so nothing published afterwards is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", docID, err)
	}

	sub := &redisSubscription{relay: r, pubsub: pubsub, done: make(chan struct{})}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		defer close(sub.done)
		for msg := range ch {
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				Logger.Warningf("dropping relay message on %s: %v", msg.Channel, err)
				continue
			}
			if accepts(r.instance, env) {
				h(env)
			}
		}
	}()
	return sub, nil
}

func (r *redisRelay) Publish(ctx context.Context, docID string, env Envelope) error {
	env.Origin = r.instance
	if err := r.client.Publish(ctx, r.channel(docID), env.Encode()).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Kind, docID, err)
	}
	return nil
}

func (r *redisRelay) Close() error {
	r.mu.Lock()
	subs := make([]*redisSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return r.client.Close()
}

func (r *redisRelay) channel(docID string) string {
	return r.prefix + docID
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		<-s.done
		s.relay.mu.Lock()
		delete(s.relay.subs, s)
		s.relay.mu.Unlock()
	})
	return err
}
