package limiter

import (
	"context"
	"math"
)

// WindowResult is returned by the counter based operations.
type WindowResult struct {
	Allowed    bool
	Count      int64 // requests counted in the current window, including this one when admitted
	RetryAfter int64 // seconds; fixed window reports the remaining window TTL here
}

// BucketResult is returned by the bucket operations.
type BucketResult struct {
	Allowed bool
	Level   float64 // tokens left (token bucket) or current fill (leaky bucket)
	Wait    float64 // seconds until one more unit is available, zero when admitted
}

// Store defines the atomic operations the algorithms run against.
// Every method must read, decide and write in one indivisible step.
type Store interface {
	// IncrementAndCheck increments the fixed window counter for key, starting a window of
	// window seconds when the key is new.
	IncrementAndCheck(ctx context.Context, key string, limit, window int) (WindowResult, error)

	// SlidingWindowLog trims entries older than window seconds and logs this request
	// only when fewer than limit entries remain.
	SlidingWindowLog(ctx context.Context, key string, limit, window int) (WindowResult, error)

	// TokenBucket refills at rate tokens/sec up to capacity and consumes one token if available.
	TokenBucket(ctx context.Context, key string, capacity int, rate float64) (BucketResult, error)

	// LeakyBucket drains at rate units/sec and adds one unit when it fits under capacity.
	LeakyBucket(ctx context.Context, key string, capacity int, rate float64) (BucketResult, error)
}

// BlobStore holds opaque values such as the published policy snapshot.
type BlobStore interface {
	// GetBlob returns ErrBlobNotFound when the key is absent.
	GetBlob(ctx context.Context, key string) ([]byte, error)
	SetBlob(ctx context.Context, key string, value []byte) error
}

// CounterStore is the full contract both backends implement.
type CounterStore interface {
	Store
	BlobStore
	Ping(ctx context.Context) error
}

// bucketTTLSeconds bounds how long idle bucket state lives: twice the time a full refill takes.
func bucketTTLSeconds(capacity int, rate float64) int64 {
	ttl := int64(math.Ceil(float64(capacity) / rate * 2))
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}
