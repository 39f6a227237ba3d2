// Package events broadcasts small notifications between replicas, such as
// "a new policy snapshot was published".
package events

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is returned by every operation on a closed broker.
	ErrClosed = errors.New("events: broker is closed")
	// ErrSubscriptionNotFound is returned when unsubscribing an unknown id.
	ErrSubscriptionNotFound = errors.New("events: subscription not found")
)

// Message is one notification delivered to subscribers.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes a message. Handlers of one subscription run sequentially.
type Handler func(ctx context.Context, msg Message)

// Broker publishes messages to topics and fans them out to subscribers.
type Broker interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for topic and returns the subscription id.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error)
	// Unsubscribe stops the subscription with the given id.
	Unsubscribe(ctx context.Context, id string) error
	// Close stops every subscription.
	Close() error
}

// subscriptionOptions holds per subscription settings.
type subscriptionOptions struct {
	bufferSize int
}

// Option configures a subscription.
type Option func(*subscriptionOptions)

// WithBufferSize sets how many undelivered messages a subscription queues before
// new ones are dropped. Default is 16.
func WithBufferSize(n int) Option {
	return func(o *subscriptionOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

func applyOptions(opts []Option) subscriptionOptions {
	o := subscriptionOptions{bufferSize: 16}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns a Redis broker when client is set, otherwise an in-memory one.
func New(client redis.UniversalClient) Broker {
	if client != nil {
		log.Info().Msg("initializing broker with redis pubsub backend")
		return NewRedisBroker(client)
	}
	log.Info().Msg("initializing broker with memory pubsub backend")
	return NewMemoryBroker()
}
