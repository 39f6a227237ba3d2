package limiter

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultStoreTimeout = 100 * time.Millisecond

// Policy is the effective limit applied to one request.
type Policy struct {
	Algorithm Algorithm `json:"algorithm"`
	Limit     int       `json:"limit"`
	Window    int       `json:"window"`
	KeyType   string    `json:"key_type"`
}

// Valid reports whether the policy can be evaluated as is.
func (p Policy) Valid() bool {
	return p.Algorithm.Valid() && p.Limit > 0 && p.Window > 0 && ValidKeyType(p.KeyType)
}

// DefaultPolicy is used when nothing more specific is configured.
var DefaultPolicy = Policy{
	Algorithm: FixedWindow,
	Limit:     100,
	Window:    60,
	KeyType:   KeyTypeIP,
}

// RequestDescriptor identifies the caller and the endpoint of one request.
type RequestDescriptor struct {
	ClientIP string
	UserID   string
	Path     string
	Method   string
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter int64 // seconds, zero when allowed
	Key        string
	Policy     Policy
	FailOpen   bool // admitted because the store could not be reached
}

// RateLimiter turns a request and its policy into an admission decision.
type RateLimiter struct {
	store    Store
	defaults Policy
	timeout  time.Duration
	metrics  *Metrics
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithDefaultPolicy sets the policy applied when a resolved policy is unusable.
func WithDefaultPolicy(p Policy) Option {
	return func(rl *RateLimiter) {
		if p.Valid() {
			rl.defaults = p
		}
	}
}

// WithStoreTimeout bounds each store call. Default is 100ms.
func WithStoreTimeout(d time.Duration) Option {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.timeout = d
		}
	}
}

// WithMetrics records decisions and fallbacks.
func WithMetrics(m *Metrics) Option {
	return func(rl *RateLimiter) {
		rl.metrics = m
	}
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(store Store, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		store:    store,
		defaults: DefaultPolicy,
		timeout:  defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Defaults returns the policy applied when a resolved one is unusable.
func (rl *RateLimiter) Defaults() Policy {
	return rl.defaults
}

// Decide checks req against policy with exactly one store operation.
// Store failures admit the request.
func (rl *RateLimiter) Decide(ctx context.Context, req RequestDescriptor, policy Policy) Decision {
	if !policy.Valid() {
		log.Error().Str("path", req.Path).Str("algorithm", string(policy.Algorithm)).Int("limit", policy.Limit).Int("window", policy.Window).Msg("invalid rate limit policy, applying default")
		policy = rl.defaults
	}

	keyType, identity := identityFor(req, policy.KeyType)
	policy.KeyType = keyType
	key := BuildKey(keyType, identity, req.Path, req.Method)

	checkCtx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	allowed, retryAfter, err := policy.Algorithm.Check(checkCtx, rl.store, key, policy.Limit, policy.Window)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("algorithm", string(policy.Algorithm)).Msg("rate limit store unavailable, failing open")
		rl.metrics.observeFallback(policy.Algorithm)
		return Decision{Allowed: true, Key: key, Policy: policy, FailOpen: true}
	}

	rl.metrics.observeDecision(policy.Algorithm, allowed)
	if !allowed {
		log.Warn().Str("key", key).Str("algorithm", string(policy.Algorithm)).Int("limit", policy.Limit).Int("window", policy.Window).Int64("retry_after", retryAfter).Msg("rate limit exceeded")
	} else {
		log.Debug().Str("key", key).Msg("request allowed")
	}

	return Decision{
		Allowed:    allowed,
		RetryAfter: retryAfter,
		Key:        key,
		Policy:     policy,
	}
}

// identityFor picks the counting identity. A user policy without a user id counts by IP.
func identityFor(req RequestDescriptor, keyType string) (string, string) {
	if keyType == KeyTypeUser && req.UserID != "" {
		return KeyTypeUser, req.UserID
	}
	ip := req.ClientIP
	if ip == "" {
		ip = "unknown"
	}
	return KeyTypeIP, ip
}

// BuildKey creates the store key for one identity on one endpoint.
// Format: rate_limit:<key type>:<identity>:<path>:<METHOD>
// Identity and path are query-escaped so ':' in IPv6 addresses or paths cannot collide.
func BuildKey(keyType, identity, reqPath, method string) string {
	return strings.Join([]string{
		KeyPrefix,
		keyType,
		url.QueryEscape(identity),
		url.QueryEscape(NormalizePath(reqPath)),
		strings.ToUpper(method),
	}, ":")
}

// NormalizePath cleans a request path so equivalent spellings share counters.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
