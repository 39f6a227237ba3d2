// Package redlock provides a single-instance Redis lease used to elect which replica
// runs a periodic job.
package redlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// defaultTTL is the lease length if not set via WithTTL.
const defaultTTL = 30 * time.Second

var (
	// ErrLockNotAcquired is returned when TryLock finds the lock held by someone else.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrUnlockFailed is returned when the lock expired or is now held by another owner.
	ErrUnlockFailed = errors.New("redlock: failed to unlock")
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker is a lease on one key. It is safe for concurrent use but holds at most one lease.
type Locker struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	value string // token of the lease we hold, empty when unlocked
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets how long a lease lasts when its holder dies without unlocking.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// NewLocker creates a Locker for key.
func NewLocker(client redis.Cmdable, key string, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		key:    key,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock acquires the lease without waiting.
func (l *Locker) TryLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute setnx command")
		return err
	}
	if !ok {
		log.Debug().Str("key", l.key).Msg("lock held by another instance")
		return ErrLockNotAcquired
	}

	l.value = token
	log.Debug().Str("key", l.key).Dur("ttl", l.ttl).Msg("lock acquired")
	return nil
}

// Unlock releases the lease if we still own it.
func (l *Locker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value == "" {
		return ErrUnlockFailed
	}
	token := l.value
	l.value = ""

	deleted, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute unlock script")
		return err
	}
	if deleted != 1 {
		log.Warn().Str("key", l.key).Msg("unlock failed: lease expired or taken over")
		return ErrUnlockFailed
	}
	log.Debug().Str("key", l.key).Msg("lock released")
	return nil
}

// Key returns the locked key.
func (l *Locker) Key() string {
	return l.key
}

// Held reports whether this Locker currently believes it owns the lease.
func (l *Locker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value != ""
}
