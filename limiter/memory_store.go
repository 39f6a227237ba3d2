package limiter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type windowState struct {
	count     int64
	expiresAt int64 // unix milliseconds
}

type logState struct {
	stamps    []int64 // admitted request times in unix milliseconds, ascending
	expiresAt int64
}

type bucketState struct {
	value     float64 // tokens or level
	ts        int64
	expiresAt int64
}

// MemoryStore implements CounterStore in process memory. It follows the exact semantics of
// the Redis scripts, so it serves single-node deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	windows  map[string]*windowState
	logs     map[string]*logState
	tokens   map[string]*bucketState
	leaky    map[string]*bucketState
	blobs    map[string][]byte
	interval time.Duration
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock, mostly for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCleanupInterval sets how often Run purges expired state. Default is one minute.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:      time.Now,
		windows:  make(map[string]*windowState),
		logs:     make(map[string]*logState),
		tokens:   make(map[string]*bucketState),
		leaky:    make(map[string]*bucketState),
		blobs:    make(map[string][]byte),
		interval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncrementAndCheck implements Store.
func (s *MemoryStore) IncrementAndCheck(_ context.Context, key string, limit, window int) (WindowResult, error) {
	if limit <= 0 || window <= 0 {
		return WindowResult{}, fmt.Errorf("%w: limit %d window %d", ErrInvalidArgument, limit, window)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	st, ok := s.windows[key]
	if !ok || st.expiresAt <= now {
		st = &windowState{expiresAt: now + int64(window)*1000}
		s.windows[key] = st
	}
	st.count++

	return WindowResult{
		Allowed:    st.count <= int64(limit),
		Count:      st.count,
		RetryAfter: int64(math.Ceil(float64(st.expiresAt-now) / 1000)),
	}, nil
}

// SlidingWindowLog implements Store.
func (s *MemoryStore) SlidingWindowLog(_ context.Context, key string, limit, window int) (WindowResult, error) {
	if limit <= 0 || window <= 0 {
		return WindowResult{}, fmt.Errorf("%w: limit %d window %d", ErrInvalidArgument, limit, window)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	windowMs := int64(window) * 1000
	st, ok := s.logs[key]
	if !ok || st.expiresAt <= now {
		st = &logState{}
		s.logs[key] = st
	}

	// drop everything at or before now-window
	cutoff := now - windowMs
	i := 0
	for i < len(st.stamps) && st.stamps[i] <= cutoff {
		i++
	}
	st.stamps = st.stamps[i:]

	count := int64(len(st.stamps))
	if count < int64(limit) {
		st.stamps = append(st.stamps, now)
		st.expiresAt = now + windowMs
		return WindowResult{Allowed: true, Count: count + 1}, nil
	}

	retryMs := windowMs
	if len(st.stamps) > 0 {
		retryMs = st.stamps[0] + windowMs - now
	}
	return WindowResult{
		Count:      count,
		RetryAfter: max(1, int64(math.Ceil(float64(retryMs)/1000))),
	}, nil
}

// TokenBucket implements Store.
func (s *MemoryStore) TokenBucket(_ context.Context, key string, capacity int, rate float64) (BucketResult, error) {
	if capacity <= 0 || rate <= 0 {
		return BucketResult{}, fmt.Errorf("%w: capacity %d rate %g", ErrInvalidArgument, capacity, rate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	st := s.loadBucket(s.tokens, key, now, float64(capacity))

	elapsed := float64(max(0, now-st.ts)) / 1000
	tokens := math.Min(float64(capacity), st.value+elapsed*rate)

	var res BucketResult
	if tokens >= 1 {
		tokens--
		res.Allowed = true
	} else {
		res.Wait = (1 - tokens) / rate
	}
	res.Level = tokens

	st.value = tokens
	st.ts = now
	st.expiresAt = now + bucketTTLSeconds(capacity, rate)*1000
	return res, nil
}

// LeakyBucket implements Store.
func (s *MemoryStore) LeakyBucket(_ context.Context, key string, capacity int, rate float64) (BucketResult, error) {
	if capacity <= 0 || rate <= 0 {
		return BucketResult{}, fmt.Errorf("%w: capacity %d rate %g", ErrInvalidArgument, capacity, rate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	st := s.loadBucket(s.leaky, key, now, 0)

	elapsed := float64(max(0, now-st.ts)) / 1000
	level := math.Max(0, st.value-elapsed*rate)

	var res BucketResult
	if level+1 <= float64(capacity) {
		level++
		res.Allowed = true
	} else {
		res.Wait = (level + 1 - float64(capacity)) / rate
	}
	res.Level = level

	st.value = level
	st.ts = now
	st.expiresAt = now + bucketTTLSeconds(capacity, rate)*1000
	return res, nil
}

// loadBucket returns live state for key, creating it with initial when missing or expired.
// Caller must hold s.mu.
func (s *MemoryStore) loadBucket(m map[string]*bucketState, key string, now int64, initial float64) *bucketState {
	st, ok := m[key]
	if !ok || st.expiresAt <= now {
		st = &bucketState{value: initial, ts: now}
		m[key] = st
	}
	return st
}

// GetBlob implements BlobStore.
func (s *MemoryStore) GetBlob(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), value...), nil
}

// SetBlob implements BlobStore.
func (s *MemoryStore) SetBlob(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[key] = append([]byte(nil), value...)
	return nil
}

// Ping implements CounterStore. Memory is always reachable.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Cleanup removes all expired counter state and returns how many keys were dropped.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	removed := 0
	for k, st := range s.windows {
		if st.expiresAt <= now {
			delete(s.windows, k)
			removed++
		}
	}
	for k, st := range s.logs {
		if st.expiresAt <= now {
			delete(s.logs, k)
			removed++
		}
	}
	for _, m := range []map[string]*bucketState{s.tokens, s.leaky} {
		for k, st := range m {
			if st.expiresAt <= now {
				delete(m, k)
				removed++
			}
		}
	}
	return removed
}

// Run purges expired state on every cleanup interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				log.Debug().Int("removed", n).Msg("memory store cleanup")
			}
		}
	}
}
