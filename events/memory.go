package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryBroker delivers messages within one process.
type MemoryBroker struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*subscription // topic -> id -> subscription
	subs   map[string]*subscription
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics: make(map[string]map[string]*subscription),
		subs:   make(map[string]*subscription),
	}
}

func (m *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for _, s := range m.topics[topic] {
		s.offer(Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

func (m *MemoryBroker) Subscribe(_ context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("events: nil handler for topic %s", topic)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	s := newSubscription(id, topic, handler, applyOptions(opts))
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]*subscription)
	}
	m.topics[topic][id] = s
	m.subs[id] = s
	return id, nil
}

func (m *MemoryBroker) Unsubscribe(_ context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		delete(m.topics[s.topic], id)
		if len(m.topics[s.topic]) == 0 {
			delete(m.topics, s.topic)
		}
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	s.stop()
	return nil
}

func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.topics = make(map[string]map[string]*subscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}
