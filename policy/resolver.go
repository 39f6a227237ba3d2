package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Shexroz002/rate-limit/events"
	"github.com/Shexroz002/rate-limit/limiter"
)

const defaultReadTimeout = 100 * time.Millisecond

// cachedSnapshot pairs a decoded snapshot with the raw bytes it came from.
type cachedSnapshot struct {
	raw       []byte
	snapshot  *Snapshot
	fetchedAt time.Time
}

// Resolver answers "which policy applies to this request" from the published snapshot.
type Resolver struct {
	store    limiter.BlobStore
	key      string
	defaults limiter.Policy
	timeout  time.Duration
	maxAge   time.Duration
	builtin  *Snapshot
	now      func() time.Time

	last atomic.Pointer[cachedSnapshot]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSnapshotKey sets the key the snapshot is read from.
func WithSnapshotKey(key string) ResolverOption {
	return func(r *Resolver) {
		if key != "" {
			r.key = key
		}
	}
}

// WithDefaults sets the policy for paths absent from the snapshot.
func WithDefaults(p limiter.Policy) ResolverOption {
	return func(r *Resolver) {
		if p.Valid() {
			r.defaults = p
		}
	}
}

// WithReadTimeout bounds each snapshot read.
func WithReadTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxAge lets Resolve reuse a fetched snapshot for up to d instead of reading the store
// on every call. Watch invalidates it as soon as a new snapshot is announced. Zero reads every call.
func WithMaxAge(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d >= 0 {
			r.maxAge = d
		}
	}
}

// WithBuiltin replaces the table served while no snapshot has been published.
func WithBuiltin(s *Snapshot) ResolverOption {
	return func(r *Resolver) {
		if s != nil {
			r.builtin = s
		}
	}
}

// WithResolverClock overrides the clock used for WithMaxAge.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver creates a Resolver reading from store.
func NewResolver(store limiter.BlobStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		key:      limiter.DefaultSnapshotKey,
		defaults: limiter.DefaultPolicy,
		timeout:  defaultReadTimeout,
		builtin:  DefaultSnapshot(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective policy for path and method. It never fails: an unreadable
// store yields the last-known snapshot, or the built-in table if none was ever read.
func (r *Resolver) Resolve(ctx context.Context, path, method string) limiter.Policy {
	snapshot := r.Current(ctx)
	if e, ok := snapshot.Lookup(path, method); ok {
		return e.Policy(r.defaults)
	}
	return r.defaults
}

// Current returns the snapshot requests are evaluated against right now.
func (r *Resolver) Current(ctx context.Context) *Snapshot {
	if cached := r.last.Load(); cached != nil && r.maxAge > 0 && r.now().Sub(cached.fetchedAt) < r.maxAge {
		return cached.snapshot
	}

	snapshot, err := r.fetch(ctx)
	if err == nil {
		return snapshot
	}

	if errors.Is(err, limiter.ErrBlobNotFound) {
		log.Debug().Str("key", r.key).Msg("no published snapshot, using built-in policies")
		return r.builtin
	}
	if cached := r.last.Load(); cached != nil {
		log.Warn().Err(err).Str("key", r.key).Str("digest", cached.snapshot.Digest).Msg("snapshot read failed, using last known snapshot")
		return cached.snapshot
	}
	log.Warn().Err(err).Str("key", r.key).Msg("snapshot read failed, using built-in policies")
	return r.builtin
}

// Refresh reads the snapshot now and reports any failure.
func (r *Resolver) Refresh(ctx context.Context) error {
	_, err := r.fetch(ctx)
	return err
}

// fetch reads and decodes the stored snapshot. Unchanged bytes reuse the decoded value.
func (r *Resolver) fetch(ctx context.Context) (*Snapshot, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.store.GetBlob(readCtx, r.key)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if cached := r.last.Load(); cached != nil && bytes.Equal(cached.raw, raw) {
		if r.maxAge > 0 {
			r.last.Store(&cachedSnapshot{raw: cached.raw, snapshot: cached.snapshot, fetchedAt: now})
		}
		return cached.snapshot, nil
	}

	snapshot, err := DecodeSnapshot(raw)
	if err != nil {
		log.Error().Err(err).Str("key", r.key).Msg("failed to decode policy snapshot")
		return nil, fmt.Errorf("decode snapshot %s: %w", r.key, err)
	}

	r.last.Store(&cachedSnapshot{raw: raw, snapshot: snapshot, fetchedAt: now})
	log.Debug().Str("digest", snapshot.Digest).Int("policies", snapshot.Len()).Msg("policy snapshot loaded")
	return snapshot, nil
}

// Watch refreshes the resolver whenever a snapshot notice arrives on broker.
// It returns the subscription id for events.Broker.Unsubscribe.
func (r *Resolver) Watch(ctx context.Context, broker events.Broker) (string, error) {
	return broker.Subscribe(ctx, SnapshotTopic, func(ctx context.Context, msg events.Message) {
		notice, err := DecodeNotice(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring malformed snapshot notice")
			return
		}
		if cached := r.last.Load(); cached != nil && cached.snapshot.Digest == notice.Digest {
			return
		}
		if err := r.Refresh(ctx); err != nil {
			log.Warn().Err(err).Str("digest", notice.Digest).Msg("refresh after snapshot notice failed")
		}
	})
}
