package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shexroz002/rate-limit/limiter"
)

func TestConsolidateFirstRuleWins(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{ID: 2, Path: "/a", Method: "GET", Algorithm: limiter.TokenBucket, Limit: 5, WindowSeconds: 1, KeyType: "user", IsActive: true, Priority: 10},
		{ID: 1, Path: "/a", Method: "GET", Algorithm: limiter.FixedWindow, Limit: 100, WindowSeconds: 60, KeyType: "ip", IsActive: true, Priority: 0},
		{ID: 3, Path: "/a", Method: "ANY", Algorithm: limiter.FixedWindow, Limit: 50, WindowSeconds: 60, KeyType: "ip", IsActive: true},
		{ID: 4, Path: "/b/", Method: "", Algorithm: limiter.LeakyBucket, Limit: 3, WindowSeconds: 1, KeyType: "ip", IsActive: true},
		{ID: 5, Path: "/c", Method: "GET", Algorithm: limiter.FixedWindow, Limit: 1, WindowSeconds: 60, KeyType: "ip", IsActive: false},
	}

	policies := Consolidate(rules)
	require.Len(t, policies, 2)
	assert.Equal(t, Entry{Limit: 5, Window: 1, Algorithm: limiter.TokenBucket, KeyType: "user", Method: "GET"}, policies["/a"]["GET"])
	assert.Equal(t, 50, policies["/a"][MethodAny].Limit)
	assert.Equal(t, limiter.LeakyBucket, policies["/b"][MethodAny].Algorithm)
}

func TestSnapshotIdempotent(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{Path: "/a", Method: "GET", Algorithm: limiter.FixedWindow, Limit: 10, WindowSeconds: 60, KeyType: "ip", IsActive: true},
		{Path: "/b", Method: "ANY", Algorithm: limiter.SlidingWindowLog, Limit: 3, WindowSeconds: 10, KeyType: "user", IsActive: true},
		{Path: "/c", Method: "POST", Algorithm: limiter.TokenBucket, Limit: 5, WindowSeconds: 1, KeyType: "ip", IsActive: true},
	}

	first, err := BuildSnapshot(rules, time.Unix(100, 0))
	require.NoError(t, err)
	second, err := BuildSnapshot(rules, time.Unix(200, 0))
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)

	first.PublishedAt = time.Time{}
	second.PublishedAt = time.Time{}
	a, err := first.Encode()
	require.NoError(t, err)
	b, err := second.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	changed := append([]Rule(nil), rules...)
	changed[0].Limit = 11
	third, err := BuildSnapshot(changed, time.Unix(100, 0))
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest, third.Digest)
}

func TestSnapshotRoundTripAndLookup(t *testing.T) {
	t.Parallel()

	snap, err := BuildSnapshot([]Rule{
		{Path: "/a", Method: "GET", Algorithm: limiter.TokenBucket, Limit: 5, WindowSeconds: 1, KeyType: "user", IsActive: true},
		{Path: "/a", Method: "ANY", Algorithm: limiter.FixedWindow, Limit: 50, WindowSeconds: 60, KeyType: "ip", IsActive: true},
	}, time.Unix(100, 0))
	require.NoError(t, err)

	data, err := snap.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.Digest, decoded.Digest)
	assert.Equal(t, 2, decoded.Len())

	e, ok := decoded.Lookup("/a", "get")
	require.True(t, ok)
	assert.Equal(t, limiter.TokenBucket, e.Algorithm)

	e, ok = decoded.Lookup("/a/", "DELETE")
	require.True(t, ok, "falls back to ANY")
	assert.Equal(t, 50, e.Limit)

	_, ok = decoded.Lookup("/missing", "GET")
	assert.False(t, ok)

	var nilSnap *Snapshot
	_, ok = nilSnap.Lookup("/a", "GET")
	assert.False(t, ok)
	assert.Zero(t, nilSnap.Len())
}

func TestDecodeLegacySnapshot(t *testing.T) {
	t.Parallel()

	legacy := `{
		"/api/v1/posts": {"limit": 3, "window": 10, "algorithm": "fixed_window", "key_type": "ip", "method": null},
		"/api/v1/login": [5, 15]
	}`

	snap, err := DecodeSnapshot([]byte(legacy))
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.NotEmpty(t, snap.Digest)

	e, ok := snap.Lookup("/api/v1/login", "POST")
	require.True(t, ok)
	assert.Equal(t, 5, e.Limit)
	assert.Equal(t, 15, e.Window)

	p := e.Policy(limiter.DefaultPolicy)
	assert.Equal(t, limiter.FixedWindow, p.Algorithm)
	assert.Equal(t, limiter.KeyTypeIP, p.KeyType)

	_, err = DecodeSnapshot([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	_, err = DecodeSnapshot([]byte(`{"/a": [1, 2, 3]}`))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestDefaultSnapshot(t *testing.T) {
	t.Parallel()

	snap := DefaultSnapshot()
	e, ok := snap.Lookup("/api/v1/login", "POST")
	require.True(t, ok)
	assert.Equal(t, 5, e.Limit)
	assert.Equal(t, 15, e.Window)

	e, ok = snap.Lookup("/api/v1/posts", "GET")
	require.True(t, ok)
	assert.Equal(t, 3, e.Limit)
	assert.Equal(t, 10, e.Window)
}
