package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shexroz002/rate-limit/events"
	"github.com/Shexroz002/rate-limit/limiter"
	"github.com/Shexroz002/rate-limit/redlock"
)

// blockingRepository blocks ListActive until release is closed.
type blockingRepository struct {
	*MemoryRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRepository) ListActive(ctx context.Context) ([]Rule, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.MemoryRepository.ListActive(ctx)
}

// failingRepository fails every ListActive call.
type failingRepository struct {
	*MemoryRepository
}

func (failingRepository) ListActive(context.Context) ([]Rule, error) {
	return nil, errors.New("database is down")
}

func seedRules(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	for _, r := range []Rule{
		{Path: "/api/v1/login", Method: "POST", Algorithm: limiter.FixedWindow, Limit: 5, WindowSeconds: 60, KeyType: "ip", IsActive: true, Priority: 1},
		{Path: "/api/v1/login", Method: "POST", Algorithm: limiter.FixedWindow, Limit: 500, WindowSeconds: 60, KeyType: "ip", IsActive: true},
		{Path: "/api/v1/posts", Method: "ANY", Algorithm: limiter.TokenBucket, Limit: 10, WindowSeconds: 2, KeyType: "user", IsActive: true},
		{Path: "/api/v1/users", Method: "GET", Algorithm: limiter.SlidingWindowLog, Limit: 3, WindowSeconds: 10, KeyType: "ip", IsActive: false},
	} {
		_, err := repo.Create(ctx, r)
		require.NoError(t, err)
	}
}

func readSnapshot(t *testing.T, store limiter.BlobStore) *Snapshot {
	t.Helper()
	data, err := store.GetBlob(context.Background(), limiter.DefaultSnapshotKey)
	require.NoError(t, err)
	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	return snap
}

func TestSyncPublishesActiveRules(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seedRules(t, repo)
	store := limiter.NewMemoryStore()
	reg := prometheus.NewRegistry()
	s := NewSynchronizer(repo, store, WithSyncMetrics(NewSyncMetrics(reg)))

	n, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap := readSnapshot(t, store)
	e, ok := snap.Lookup("/api/v1/login", "POST")
	require.True(t, ok)
	assert.Equal(t, 5, e.Limit, "higher priority rule wins")

	_, ok = snap.Lookup("/api/v1/users", "GET")
	assert.False(t, ok, "inactive rules are not published")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestSyncIdempotent(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seedRules(t, repo)
	store := limiter.NewMemoryStore()
	broker := events.NewMemoryBroker()
	defer broker.Close()

	var mu sync.Mutex
	var notices []Notice
	_, err := broker.Subscribe(context.Background(), SnapshotTopic, func(_ context.Context, msg events.Message) {
		n, err := DecodeNotice(msg.Payload)
		if err == nil {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	clock := time.Unix(1_700_000_000, 0)
	s := NewSynchronizer(repo, store, WithBroker(broker), WithSyncClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))

	_, err = s.Sync(context.Background())
	require.NoError(t, err)
	first := readSnapshot(t, store)

	_, err = s.Sync(context.Background())
	require.NoError(t, err)
	second := readSnapshot(t, store)

	assert.Equal(t, first.Digest, second.Digest)
	assert.True(t, second.PublishedAt.After(first.PublishedAt))

	first.PublishedAt, second.PublishedAt = time.Time{}, time.Time{}
	a, err := first.Encode()
	require.NoError(t, err)
	b, err := second.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notices, 1, "unchanged digest is not announced again")
	assert.Equal(t, first.Digest, notices[0].Digest)
	assert.Equal(t, 2, notices[0].Policies)
	assert.Equal(t, "sync", notices[0].Source)
}

func TestSyncFailureKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	good := NewMemoryRepository()
	seedRules(t, good)
	store := limiter.NewMemoryStore()

	_, err := NewSynchronizer(good, store).Sync(context.Background())
	require.NoError(t, err)
	before := readSnapshot(t, store)

	_, err = NewSynchronizer(failingRepository{NewMemoryRepository()}, store).Sync(context.Background())
	require.Error(t, err)

	assert.Equal(t, before.Digest, readSnapshot(t, store).Digest)
}

func TestSyncDoesNotOverlap(t *testing.T) {
	t.Parallel()

	repo := &blockingRepository{
		MemoryRepository: NewMemoryRepository(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	s := NewSynchronizer(repo, limiter.NewMemoryStore())

	done := make(chan error, 1)
	go func() {
		_, err := s.Sync(context.Background())
		done <- err
	}()
	<-repo.entered

	_, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	_, err = s.Override(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(repo.release)
	require.NoError(t, <-done)

	_, err = s.Sync(context.Background())
	assert.NoError(t, err)
}

func TestSyncSkipsWithoutLock(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := NewMemoryRepository()
	seedRules(t, repo)
	store := limiter.NewMemoryStore()
	s := NewSynchronizer(repo, store, WithLocker(redlock.NewLocker(client, "rate_limit:sync")))

	other := redlock.NewLocker(client, "rate_limit:sync")
	require.NoError(t, other.TryLock(context.Background()))

	_, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNotLeader)
	_, err = store.GetBlob(context.Background(), limiter.DefaultSnapshotKey)
	assert.ErrorIs(t, err, limiter.ErrBlobNotFound)

	require.NoError(t, other.Unlock(context.Background()))
	n, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists("rate_limit:sync"), "lock released after sync")
}

func TestOverride(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seedRules(t, repo)
	store := limiter.NewMemoryStore()
	s := NewSynchronizer(repo, store)

	snap, err := s.Override(context.Background(), []Rule{
		{Path: "/api/v1/posts", Method: "ANY", Algorithm: limiter.FixedWindow, Limit: 1, WindowSeconds: 60, KeyType: "ip", IsActive: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, snap.Digest, readSnapshot(t, store).Digest)

	// the next sync restores the durable rules
	_, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, readSnapshot(t, store).Len())
}

func TestRunSyncsImmediatelyAndStops(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seedRules(t, repo)
	store := limiter.NewMemoryStore()
	s := NewSynchronizer(repo, store, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := store.GetBlob(context.Background(), limiter.DefaultSnapshotKey)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
