package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore fails every operation, optionally after blocking until the context is done.
type failingStore struct {
	block bool
}

func (s failingStore) wait(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return errors.New("connection refused")
}

func (s failingStore) IncrementAndCheck(ctx context.Context, _ string, _, _ int) (WindowResult, error) {
	return WindowResult{}, s.wait(ctx)
}

func (s failingStore) SlidingWindowLog(ctx context.Context, _ string, _, _ int) (WindowResult, error) {
	return WindowResult{}, s.wait(ctx)
}

func (s failingStore) TokenBucket(ctx context.Context, _ string, _ int, _ float64) (BucketResult, error) {
	return BucketResult{}, s.wait(ctx)
}

func (s failingStore) LeakyBucket(ctx context.Context, _ string, _ int, _ float64) (BucketResult, error) {
	return BucketResult{}, s.wait(ctx)
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestBuildKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                       string
		keyType, identity, path, m string
		want                       string
	}{
		{"ipv4", KeyTypeIP, "10.0.0.1", "/api/v1/login", "post", "rate_limit:ip:10.0.0.1:%2Fapi%2Fv1%2Flogin:POST"},
		{"ipv6 colons escaped", KeyTypeIP, "::1", "/a", "GET", "rate_limit:ip:%3A%3A1:%2Fa:GET"},
		{"user", KeyTypeUser, "u-1", "/a/", "GET", "rate_limit:user:u-1:%2Fa:GET"},
		{"unclean path", KeyTypeIP, "1.1.1.1", "a//b/../c", "GET", "rate_limit:ip:1.1.1.1:%2Fa%2Fc:GET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, BuildKey(tt.keyType, tt.identity, tt.path, tt.m))
		})
	}
}

func TestDecideKeyIsolation(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(NewMemoryStore())
	ctx := context.Background()
	policy := Policy{Algorithm: FixedWindow, Limit: 1, Window: 60, KeyType: KeyTypeIP}

	first := RequestDescriptor{ClientIP: "10.0.0.1", Path: "/a", Method: "GET"}
	require.True(t, rl.Decide(ctx, first, policy).Allowed)

	d := rl.Decide(ctx, first, policy)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	otherPath := first
	otherPath.Path = "/b"
	assert.True(t, rl.Decide(ctx, otherPath, policy).Allowed, "different path has its own counter")

	otherMethod := first
	otherMethod.Method = "POST"
	assert.True(t, rl.Decide(ctx, otherMethod, policy).Allowed, "different method has its own counter")

	otherIP := first
	otherIP.ClientIP = "10.0.0.2"
	assert.True(t, rl.Decide(ctx, otherIP, policy).Allowed, "different identity has its own counter")
}

func TestDecideUserIdentity(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(NewMemoryStore())
	ctx := context.Background()
	policy := Policy{Algorithm: FixedWindow, Limit: 1, Window: 60, KeyType: KeyTypeUser}

	d := rl.Decide(ctx, RequestDescriptor{ClientIP: "10.0.0.1", UserID: "42", Path: "/a", Method: "GET"}, policy)
	assert.True(t, d.Allowed)
	assert.Equal(t, "rate_limit:user:42:%2Fa:GET", d.Key)

	// same user from another address shares the counter
	d = rl.Decide(ctx, RequestDescriptor{ClientIP: "10.0.0.9", UserID: "42", Path: "/a", Method: "GET"}, policy)
	assert.False(t, d.Allowed)

	// no user id falls back to the client address
	d = rl.Decide(ctx, RequestDescriptor{ClientIP: "10.0.0.1", Path: "/a", Method: "GET"}, policy)
	assert.True(t, d.Allowed)
	assert.Equal(t, KeyTypeIP, d.Policy.KeyType)
	assert.Equal(t, "rate_limit:ip:10.0.0.1:%2Fa:GET", d.Key)
}

func TestDecideInvalidPolicyUsesDefault(t *testing.T) {
	t.Parallel()

	fallback := Policy{Algorithm: SlidingWindowLog, Limit: 2, Window: 30, KeyType: KeyTypeIP}
	rl := NewRateLimiter(NewMemoryStore(), WithDefaultPolicy(fallback))

	d := rl.Decide(context.Background(), RequestDescriptor{ClientIP: "1.2.3.4", Path: "/x", Method: "GET"}, Policy{Algorithm: "gcra", Limit: 5, Window: 5, KeyType: KeyTypeIP})
	assert.True(t, d.Allowed)
	assert.Equal(t, fallback, d.Policy)
	assert.Equal(t, fallback, rl.Defaults())
}

func TestDecideFailsOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		store failingStore
	}{
		{"store error", failingStore{}},
		{"store timeout", failingStore{block: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := prometheus.NewRegistry()
			rl := NewRateLimiter(tt.store, WithStoreTimeout(20*time.Millisecond), WithMetrics(NewMetrics(reg)))
			req := RequestDescriptor{ClientIP: "10.0.0.1", Path: "/a", Method: "GET"}

			for _, a := range Algorithms {
				d := rl.Decide(context.Background(), req, Policy{Algorithm: a, Limit: 1, Window: 1, KeyType: KeyTypeIP})
				assert.True(t, d.Allowed)
				assert.True(t, d.FailOpen)
				assert.Zero(t, d.RetryAfter)
			}

			assert.Equal(t, float64(len(Algorithms)), counterTotal(t, reg, "ratelimit_store_fallbacks_total"))
			assert.Zero(t, counterTotal(t, reg, "ratelimit_decisions_total"))
		})
	}
}

func TestDecideRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	rl := NewRateLimiter(NewMemoryStore(), WithMetrics(NewMetrics(reg)))
	req := RequestDescriptor{ClientIP: "10.0.0.1", Path: "/a", Method: "GET"}
	policy := Policy{Algorithm: TokenBucket, Limit: 2, Window: 1, KeyType: KeyTypeIP}

	for i := 0; i < 3; i++ {
		rl.Decide(context.Background(), req, policy)
	}
	assert.Equal(t, 3.0, counterTotal(t, reg, "ratelimit_decisions_total"))
}
