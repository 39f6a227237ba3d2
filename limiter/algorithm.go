package limiter

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Algorithm names one of the supported admission algorithms.
type Algorithm string

const (
	FixedWindow      Algorithm = "fixed_window"
	SlidingWindowLog Algorithm = "sliding_window_log"
	TokenBucket      Algorithm = "token_bucket"
	LeakyBucket      Algorithm = "leaky_bucket"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{FixedWindow, SlidingWindowLog, TokenBucket, LeakyBucket}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	switch a {
	case FixedWindow, SlidingWindowLog, TokenBucket, LeakyBucket:
		return true
	}
	return false
}

func (a Algorithm) String() string { return string(a) }

// algorithmAliases accepts the names older rule tables used.
var algorithmAliases = map[string]Algorithm{
	"sliding_window": SlidingWindowLog,
	"sliding_log":    SlidingWindowLog,
}

// ParseAlgorithm maps a configured name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if a, ok := algorithmAliases[normalized]; ok {
		return a, nil
	}
	a := Algorithm(normalized)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return a, nil
}

// Check runs one admission check for key. For the window algorithms limit is the request
// count and window the length in seconds; for the bucket algorithms limit is the capacity
// and window the refill (or leak) rate per second.
// retryAfter is zero when allowed and at least one second otherwise.
func (a Algorithm) Check(ctx context.Context, store Store, key string, limit, window int) (allowed bool, retryAfter int64, err error) {
	switch a {
	case FixedWindow:
		res, err := store.IncrementAndCheck(ctx, key, limit, window)
		if err != nil {
			return false, 0, err
		}
		if res.Count > int64(limit) {
			return false, max(1, res.RetryAfter), nil
		}
		return true, 0, nil

	case SlidingWindowLog:
		res, err := store.SlidingWindowLog(ctx, key, limit, window)
		if err != nil {
			return false, 0, err
		}
		if !res.Allowed {
			return false, max(1, res.RetryAfter), nil
		}
		return true, 0, nil

	case TokenBucket:
		res, err := store.TokenBucket(ctx, key, limit, float64(window))
		if err != nil {
			return false, 0, err
		}
		return bucketDecision(res)

	case LeakyBucket:
		res, err := store.LeakyBucket(ctx, key, limit, float64(window))
		if err != nil {
			return false, 0, err
		}
		return bucketDecision(res)
	}

	return false, 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
}

// bucketDecision reports the wait rounded up plus one second.
func bucketDecision(res BucketResult) (bool, int64, error) {
	if res.Allowed {
		return true, 0, nil
	}
	return false, int64(math.Ceil(res.Wait)) + 1, nil
}
