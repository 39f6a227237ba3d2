package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// subscription delivers queued messages to its handler on a dedicated goroutine.
type subscription struct {
	id      string
	topic   string
	handler Handler
	queue   chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func newSubscription(id, topic string, handler Handler, opts subscriptionOptions) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		id:      id,
		topic:   topic,
		handler: handler,
		queue:   make(chan Message, opts.bufferSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.handle(msg)
		}
	}
}

func (s *subscription) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("subscription_id", s.id).Str("topic", s.topic).Msg("event handler panicked")
		}
	}()
	s.handler(s.ctx, msg)
}

// offer queues msg without blocking. Full queues drop the message.
func (s *subscription) offer(msg Message) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	select {
	case s.queue <- msg:
		return true
	default:
		log.Warn().Str("subscription_id", s.id).Str("topic", s.topic).Msg("subscription queue full, dropping message")
		return false
	}
}

// stop cancels the loop and waits for the in-flight handler to return.
func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}
