package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps rules in process memory. Used when no database is configured.
type MemoryRepository struct {
	mu     sync.RWMutex
	rules  map[int64]Rule
	nextID int64
	now    func() time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rules:  make(map[int64]Rule),
		nextID: 1,
		now:    time.Now,
	}
}

func (m *MemoryRepository) Create(_ context.Context, r Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	r.ID = m.nextID
	r.CreatedAt = now
	r.UpdatedAt = now
	m.nextID++
	m.rules[r.ID] = r
	return r, nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return r, nil
}

func (m *MemoryRepository) List(_ context.Context) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (m *MemoryRepository) ListActive(ctx context.Context) ([]Rule, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	active := all[:0]
	for _, r := range all {
		if r.IsActive {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority > active[j].Priority })
	return active, nil
}

func (m *MemoryRepository) Update(_ context.Context, r Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rules[r.ID]
	if !ok {
		return Rule{}, fmt.Errorf("%w: id %d", ErrNotFound, r.ID)
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = m.now().UTC()
	m.rules[r.ID] = r
	return r, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }
