package policy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Shexroz002/rate-limit/events"
	"github.com/Shexroz002/rate-limit/limiter"
	"github.com/Shexroz002/rate-limit/redlock"
)

const (
	defaultSyncInterval = time.Minute
	unlockTimeout       = 2 * time.Second
)

var (
	// ErrSyncInProgress is returned when a sync or override is already running in this process.
	ErrSyncInProgress = errors.New("policy: sync already in progress")
	// ErrNotLeader is returned when another replica holds the sync lock for this tick.
	ErrNotLeader = errors.New("policy: sync lock held by another replica")
)

// Locker elects the replica that publishes on a given tick.
type Locker interface {
	TryLock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Synchronizer publishes the snapshot of active rules to the shared store.
// It is the only writer of the snapshot key.
type Synchronizer struct {
	repo     Repository
	store    limiter.BlobStore
	key      string
	interval time.Duration
	locker   Locker
	broker   events.Broker
	metrics  *SyncMetrics
	now      func() time.Time

	running    atomic.Bool
	lastDigest string // guarded by running
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithSyncKey sets the key the snapshot is published under.
func WithSyncKey(key string) SyncOption {
	return func(s *Synchronizer) {
		if key != "" {
			s.key = key
		}
	}
}

// WithInterval sets the period of Run. Default is one minute.
func WithInterval(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLocker makes only the lock holder publish on each tick.
func WithLocker(l Locker) SyncOption {
	return func(s *Synchronizer) {
		s.locker = l
	}
}

// WithBroker announces every snapshot with a new digest on SnapshotTopic.
func WithBroker(b events.Broker) SyncOption {
	return func(s *Synchronizer) {
		s.broker = b
	}
}

// WithSyncMetrics records sync outcomes.
func WithSyncMetrics(m *SyncMetrics) SyncOption {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// WithSyncClock overrides the publish timestamp clock.
func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSynchronizer creates a Synchronizer copying rules from repo into store.
func NewSynchronizer(repo Repository, store limiter.BlobStore, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		repo:     repo,
		store:    store,
		key:      limiter.DefaultSnapshotKey,
		interval: defaultSyncInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync reads the active rules, consolidates them and publishes the snapshot.
// It returns the number of published entries. On failure the previous snapshot stays in place.
func (s *Synchronizer) Sync(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrSyncInProgress
	}
	defer s.running.Store(false)

	release, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	rules, err := s.repo.ListActive(ctx)
	if err != nil {
		s.metrics.observe("failed")
		return 0, fmt.Errorf("list active rules: %w", err)
	}

	snapshot, err := BuildSnapshot(rules, s.now())
	if err != nil {
		s.metrics.observe("failed")
		return 0, err
	}
	if err := s.publish(ctx, snapshot, "sync"); err != nil {
		return 0, err
	}
	return snapshot.Len(), nil
}

// Override publishes rules as the snapshot without touching the durable store.
// The next Sync replaces it.
func (s *Synchronizer) Override(ctx context.Context, rules []Rule) (*Snapshot, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	snapshot, err := BuildSnapshot(rules, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, snapshot, "override"); err != nil {
		return nil, err
	}
	log.Warn().Int("policies", snapshot.Len()).Msg("policy snapshot overridden manually")
	return snapshot, nil
}

// lock takes the cross-replica lock when one is configured and returns its release func.
func (s *Synchronizer) lock(ctx context.Context) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	if err := s.locker.TryLock(ctx); err != nil {
		if errors.Is(err, redlock.ErrLockNotAcquired) {
			s.metrics.observe("skipped")
			return nil, ErrNotLeader
		}
		s.metrics.observe("failed")
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if err := s.locker.Unlock(unlockCtx); err != nil {
			log.Warn().Err(err).Msg("failed to release sync lock")
		}
	}, nil
}

// publish writes the snapshot and announces it when the digest changed. Caller holds running.
func (s *Synchronizer) publish(ctx context.Context, snapshot *Snapshot, source string) error {
	data, err := snapshot.Encode()
	if err != nil {
		s.metrics.observe("failed")
		return err
	}
	if err := s.store.SetBlob(ctx, s.key, data); err != nil {
		s.metrics.observe("failed")
		return fmt.Errorf("publish snapshot: %w", err)
	}

	s.metrics.published(snapshot)
	log.Info().Int("policies", snapshot.Len()).Str("digest", snapshot.Digest).Str("source", source).Msg("published rate limit policies")

	if snapshot.Digest == s.lastDigest {
		return nil
	}
	s.lastDigest = snapshot.Digest
	s.notify(ctx, snapshot, source)
	return nil
}

func (s *Synchronizer) notify(ctx context.Context, snapshot *Snapshot, source string) {
	if s.broker == nil {
		return
	}
	payload, err := Notice{
		Digest:      snapshot.Digest,
		Version:     snapshot.Version,
		Policies:    snapshot.Len(),
		Source:      source,
		PublishedAt: snapshot.PublishedAt,
	}.Encode()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode snapshot notice")
		return
	}
	if err := s.broker.Publish(ctx, SnapshotTopic, payload); err != nil {
		log.Warn().Err(err).Str("digest", snapshot.Digest).Msg("failed to announce snapshot")
	}
}

// Run syncs immediately and then on every interval until ctx is done. Ticks never overlap:
// a tick that fires while a sync is still running is dropped. Errors are logged, never returned.
func (s *Synchronizer) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Str("key", s.key).Msg("policy synchronizer started")
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("policy synchronizer stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Synchronizer) tick(ctx context.Context) {
	start := time.Now()
	n, err := s.Sync(ctx)
	switch {
	case err == nil:
		log.Debug().Int("policies", n).Dur("duration", time.Since(start)).Msg("policy sync tick completed")
	case errors.Is(err, ErrNotLeader), errors.Is(err, ErrSyncInProgress):
		log.Debug().Err(err).Msg("policy sync tick skipped")
	case ctx.Err() != nil:
		// shutting down
	default:
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("policy sync failed, keeping previous snapshot")
	}
}
