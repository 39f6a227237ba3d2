package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const channelPrefix = "events:"

type redisSubscription struct {
	*subscription
	ps        *redis.PubSub
	forwarded chan struct{}
}

// RedisBroker fans messages out to every replica through Redis PUBLISH/SUBSCRIBE.
// Delivery is at most once: replicas that are not subscribed when a message is published miss it.
type RedisBroker struct {
	client redis.UniversalClient
	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscription
}

// NewRedisBroker creates a broker on client.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	if client == nil {
		panic("events: redis client cannot be nil")
	}
	return &RedisBroker{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

func channelName(topic string) string {
	return channelPrefix + topic
}

func (r *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	receivers, err := r.client.Publish(ctx, channelName(topic), payload).Result()
	if err != nil {
		return fmt.Errorf("events: publish to %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Int64("receivers", receivers).Msg("event published")
	return nil
}

func (r *RedisBroker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("events: nil handler for topic %s", topic)
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	ps := r.client.Subscribe(ctx, channelName(topic))
	// wait for the subscription confirmation so no message published after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return "", fmt.Errorf("events: subscribe to %s: %w", topic, err)
	}

	id := uuid.NewString()
	rs := &redisSubscription{
		subscription: newSubscription(id, topic, handler, applyOptions(opts)),
		ps:           ps,
		forwarded:    make(chan struct{}),
	}

	go func() {
		defer close(rs.forwarded)
		for msg := range ps.Channel() {
			rs.offer(Message{Topic: topic, Payload: []byte(msg.Payload)})
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		rs.close()
		return "", ErrClosed
	}
	r.subs[id] = rs
	log.Debug().Str("topic", topic).Str("subscription_id", id).Msg("redis subscription started")
	return id, nil
}

func (r *RedisBroker) Unsubscribe(_ context.Context, id string) error {
	r.mu.Lock()
	rs, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return rs.close()
}

func (r *RedisBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	var firstErr error
	for _, rs := range subs {
		if err := rs.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (rs *redisSubscription) close() error {
	err := rs.ps.Close()
	<-rs.forwarded
	rs.stop()
	return err
}
