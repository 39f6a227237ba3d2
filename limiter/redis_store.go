package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed scripts/fixed_window.lua
var fixedWindowSource string

//go:embed scripts/sliding_window.lua
var slidingWindowSource string

//go:embed scripts/token_bucket.lua
var tokenBucketSource string

//go:embed scripts/leaky_bucket.lua
var leakyBucketSource string

// Scripts are loaded lazily: Run tries EVALSHA first and falls back to EVAL on NOSCRIPT.
var (
	fixedWindowScript   = redis.NewScript(fixedWindowSource)
	slidingWindowScript = redis.NewScript(slidingWindowSource)
	tokenBucketScript   = redis.NewScript(tokenBucketSource)
	leakyBucketScript   = redis.NewScript(leakyBucketSource)
)

// RedisStore implements CounterStore on top of Redis. Every counter operation is a single
// Lua script so the read-decide-write happens atomically on the server. Scripts read the
// Redis server clock, so replicas with skewed clocks still share one timeline.
type RedisStore struct {
	client redis.Cmdable    // Cmdable keeps it usable with Client, ClusterClient and Ring
	now    func() time.Time // nil means the server clock
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock makes scripts use the given clock instead of the Redis TIME command.
// Intended for tests; production stores should keep the server clock.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore creates a Redis backed store.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadScripts preloads all scripts with SCRIPT LOAD so the first request does not pay for EVAL.
func (s *RedisStore) LoadScripts(ctx context.Context) error {
	for _, script := range []*redis.Script{fixedWindowScript, slidingWindowScript, tokenBucketScript, leakyBucketScript} {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return fmt.Errorf("%w: load script: %w", ErrStoreUnavailable, err)
		}
	}
	log.Debug().Msg("rate limit scripts loaded")
	return nil
}

// IncrementAndCheck implements Store.
func (s *RedisStore) IncrementAndCheck(ctx context.Context, key string, limit, window int) (WindowResult, error) {
	if limit <= 0 || window <= 0 {
		return WindowResult{}, fmt.Errorf("%w: limit %d window %d", ErrInvalidArgument, limit, window)
	}

	values, err := s.run(ctx, fixedWindowScript, key, int64(window)*1000)
	if err != nil {
		return WindowResult{}, err
	}
	if len(values) != 2 {
		return WindowResult{}, unexpectedReply(key, values)
	}

	count := int64(toFloat(values[0]))
	ttlMs := toFloat(values[1])
	return WindowResult{
		Allowed:    count <= int64(limit),
		Count:      count,
		RetryAfter: int64(math.Ceil(ttlMs / 1000)),
	}, nil
}

// SlidingWindowLog implements Store.
func (s *RedisStore) SlidingWindowLog(ctx context.Context, key string, limit, window int) (WindowResult, error) {
	if limit <= 0 || window <= 0 {
		return WindowResult{}, fmt.Errorf("%w: limit %d window %d", ErrInvalidArgument, limit, window)
	}

	values, err := s.run(ctx, slidingWindowScript, key, s.clock(), int64(window)*1000, limit, uuid.NewString())
	if err != nil {
		return WindowResult{}, err
	}
	if len(values) != 3 {
		return WindowResult{}, unexpectedReply(key, values)
	}

	res := WindowResult{
		Allowed: toFloat(values[0]) == 1,
		Count:   int64(toFloat(values[1])),
	}
	if !res.Allowed {
		res.RetryAfter = max(1, int64(math.Ceil(toFloat(values[2])/1000)))
	}
	return res, nil
}

// TokenBucket implements Store.
func (s *RedisStore) TokenBucket(ctx context.Context, key string, capacity int, rate float64) (BucketResult, error) {
	return s.bucket(ctx, tokenBucketScript, key, capacity, rate)
}

// LeakyBucket implements Store.
func (s *RedisStore) LeakyBucket(ctx context.Context, key string, capacity int, rate float64) (BucketResult, error) {
	return s.bucket(ctx, leakyBucketScript, key, capacity, rate)
}

func (s *RedisStore) bucket(ctx context.Context, script *redis.Script, key string, capacity int, rate float64) (BucketResult, error) {
	if capacity <= 0 || rate <= 0 {
		return BucketResult{}, fmt.Errorf("%w: capacity %d rate %g", ErrInvalidArgument, capacity, rate)
	}

	ttlMs := bucketTTLSeconds(capacity, rate) * 1000
	values, err := s.run(ctx, script, key, s.clock(), capacity, rate, ttlMs)
	if err != nil {
		return BucketResult{}, err
	}
	if len(values) != 3 {
		return BucketResult{}, unexpectedReply(key, values)
	}

	return BucketResult{
		Allowed: toFloat(values[0]) == 1,
		Level:   toFloat(values[1]),
		Wait:    toFloat(values[2]),
	}, nil
}

// clock returns the now argument for the scripts. An empty string makes them call TIME.
func (s *RedisStore) clock() string {
	if s.now == nil {
		return ""
	}
	return strconv.FormatInt(s.now().UnixMilli(), 10)
}

// run executes script against a single key and returns its array reply.
func (s *RedisStore) run(ctx context.Context, script *redis.Script, key string, args ...any) ([]any, error) {
	result, err := script.Run(ctx, s.client, []string{key}, args...).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return nil, fmt.Errorf("%w: script for key %s: %w", ErrStoreUnavailable, key, err)
	}

	values, ok := result.([]any)
	if !ok {
		return nil, unexpectedReply(key, result)
	}
	return values, nil
}

// GetBlob implements BlobStore.
func (s *RedisStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, key, err)
	}
	return value, nil
}

// SetBlob implements BlobStore. The value is replaced with a single SET.
func (s *RedisStore) SetBlob(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrStoreUnavailable, key, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func unexpectedReply(key string, reply any) error {
	log.Error().Str("key", key).Interface("result", reply).Msg("redis lua script returned unexpected reply")
	return fmt.Errorf("%w: unexpected reply for key %s: %T", ErrStoreUnavailable, key, reply)
}

// toFloat normalizes script reply values, which arrive as integers or as strings for fractions.
func toFloat(val any) float64 {
	switch v := val.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
