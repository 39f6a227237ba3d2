// Package policy holds the durable rate limit rules, the snapshot published from them, and
// the components that publish and read that snapshot.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Shexroz002/rate-limit/limiter"
)

// MethodAny matches every HTTP method. It is stored as NULL.
const MethodAny = "ANY"

const (
	maxPathLength          = 255
	maxSlidingWindow       = 3600
	minFixedWindow         = 60
	minTokenBucketCapacity = 2
)

var httpMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"OPTIONS": true,
	"HEAD":    true,
}

var pathPattern = regexp.MustCompile(`^/[a-zA-Z0-9/\-{}_]*$`)

// Rule is one durable rate limit policy as managed through the API.
type Rule struct {
	ID            int64             `json:"id"`
	Path          string            `json:"path"`
	Method        string            `json:"method"`
	Algorithm     limiter.Algorithm `json:"algorithm"`
	Limit         int               `json:"limit"`
	WindowSeconds int               `json:"window_seconds"`
	KeyType       string            `json:"key_type"`
	IsActive      bool              `json:"is_active"`
	Priority      int               `json:"priority"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ValidationError describes the first invalid field of a rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NormalizeMethod upper-cases m and maps the empty string to MethodAny.
func NormalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" {
		return MethodAny
	}
	return m
}

// Normalize canonicalizes the free-form fields in place.
func (r *Rule) Normalize() {
	r.Path = strings.TrimSpace(r.Path)
	r.Method = NormalizeMethod(r.Method)
	if a, err := limiter.ParseAlgorithm(string(r.Algorithm)); err == nil {
		r.Algorithm = a
	}
	r.KeyType = strings.ToLower(strings.TrimSpace(r.KeyType))
	if r.KeyType == "" {
		r.KeyType = limiter.KeyTypeIP
	}
}

// Validate checks r and returns a *ValidationError for the first problem found.
// Call Normalize first.
func (r Rule) Validate() error {
	switch {
	case r.Path == "":
		return invalid("path", "must not be empty")
	case len(r.Path) > maxPathLength:
		return invalid("path", "must be at most %d characters", maxPathLength)
	case !strings.HasPrefix(r.Path, "/"):
		return invalid("path", "must start with '/'")
	case !pathPattern.MatchString(r.Path):
		return invalid("path", "invalid path format")
	}

	if r.Method != MethodAny && !httpMethods[r.Method] {
		return invalid("method", "invalid HTTP method: %s", r.Method)
	}
	if !r.Algorithm.Valid() {
		return invalid("algorithm", "unknown algorithm: %s", r.Algorithm)
	}
	if !limiter.ValidKeyType(r.KeyType) {
		return invalid("key_type", "unknown key type: %s", r.KeyType)
	}
	if r.Limit <= 0 {
		return invalid("limit", "must be a positive integer")
	}
	if r.WindowSeconds <= 0 {
		return invalid("window_seconds", "must be a positive integer")
	}

	switch r.Algorithm {
	case limiter.SlidingWindowLog:
		if r.WindowSeconds > maxSlidingWindow {
			return invalid("window_seconds", "sliding window log cannot exceed %d seconds", maxSlidingWindow)
		}
	case limiter.TokenBucket:
		if r.Limit < minTokenBucketCapacity {
			return invalid("limit", "token bucket requires limit >= %d", minTokenBucketCapacity)
		}
	case limiter.FixedWindow:
		if r.WindowSeconds < minFixedWindow {
			return invalid("window_seconds", "fixed window requires window_seconds >= %d", minFixedWindow)
		}
	}
	return nil
}

// Entry converts the rule into its snapshot form.
func (r Rule) Entry() Entry {
	return Entry{
		Limit:     r.Limit,
		Window:    r.WindowSeconds,
		Algorithm: r.Algorithm,
		KeyType:   r.KeyType,
		Method:    r.Method,
	}
}

// RuleUpdate is a partial update. Nil fields are left unchanged.
type RuleUpdate struct {
	Path          *string            `json:"path"`
	Method        *string            `json:"method"`
	Algorithm     *limiter.Algorithm `json:"algorithm"`
	Limit         *int               `json:"limit"`
	WindowSeconds *int               `json:"window_seconds"`
	KeyType       *string            `json:"key_type"`
	IsActive      *bool              `json:"is_active"`
	Priority      *int               `json:"priority"`
}

// Apply returns r with the set fields of u applied, normalized and validated as a whole.
func (u RuleUpdate) Apply(r Rule) (Rule, error) {
	if u.Path != nil {
		r.Path = *u.Path
	}
	if u.Method != nil {
		r.Method = *u.Method
	}
	if u.Algorithm != nil {
		r.Algorithm = *u.Algorithm
	}
	if u.Limit != nil {
		r.Limit = *u.Limit
	}
	if u.WindowSeconds != nil {
		r.WindowSeconds = *u.WindowSeconds
	}
	if u.KeyType != nil {
		r.KeyType = *u.KeyType
	}
	if u.IsActive != nil {
		r.IsActive = *u.IsActive
	}
	if u.Priority != nil {
		r.Priority = *u.Priority
	}

	r.Normalize()
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}
