package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shexroz002/rate-limit/limiter"
)

// SnapshotVersion is written into every published snapshot.
const SnapshotVersion = 1

// ErrInvalidSnapshot is returned when a stored snapshot cannot be decoded.
var ErrInvalidSnapshot = errors.New("policy: invalid snapshot")

// Entry is the effective policy of one (path, method) pair inside a snapshot.
type Entry struct {
	Limit     int               `json:"limit"`
	Window    int               `json:"window"`
	Algorithm limiter.Algorithm `json:"algorithm"`
	KeyType   string            `json:"key_type"`
	Method    string            `json:"method"`
}

// UnmarshalJSON also accepts the legacy [limit, window] pair.
func (e *Entry) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var pair []int
		if err := json.Unmarshal(trimmed, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("legacy entry must be [limit, window], got %d values", len(pair))
		}
		*e = Entry{Limit: pair[0], Window: pair[1]}
		return nil
	}

	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Entry(p)
	return nil
}

// Policy converts the entry into a limiter policy, filling what the entry leaves unset from defaults.
func (e Entry) Policy(defaults limiter.Policy) limiter.Policy {
	p := limiter.Policy{
		Algorithm: e.Algorithm,
		Limit:     e.Limit,
		Window:    e.Window,
		KeyType:   e.KeyType,
	}
	if p.Algorithm == "" {
		p.Algorithm = defaults.Algorithm
	}
	if p.KeyType == "" {
		p.KeyType = defaults.KeyType
	}
	return p
}

// Snapshot is the consolidated, immutable view of all active rules.
// Once decoded it is never mutated; readers swap whole snapshots.
type Snapshot struct {
	Version     int                         `json:"version"`
	Digest      string                      `json:"digest"`
	PublishedAt time.Time                   `json:"published_at"`
	Policies    map[string]map[string]Entry `json:"policies"` // path -> method -> entry
}

// Consolidate maps rules, already sorted by priority, to path -> method -> entry.
// The first rule for a (path, method) pair wins.
func Consolidate(rules []Rule) map[string]map[string]Entry {
	policies := make(map[string]map[string]Entry)
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		p := limiter.NormalizePath(r.Path)
		m := NormalizeMethod(r.Method)

		byMethod, ok := policies[p]
		if !ok {
			byMethod = make(map[string]Entry)
			policies[p] = byMethod
		}
		if _, taken := byMethod[m]; taken {
			continue
		}
		e := r.Entry()
		e.Method = m
		byMethod[m] = e
	}
	return policies
}

// NewSnapshot wraps policies with a version, digest and publish time.
func NewSnapshot(policies map[string]map[string]Entry, publishedAt time.Time) (*Snapshot, error) {
	if policies == nil {
		policies = make(map[string]map[string]Entry)
	}
	digest, err := digestOf(policies)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:     SnapshotVersion,
		Digest:      digest,
		PublishedAt: publishedAt.UTC(),
		Policies:    policies,
	}, nil
}

// BuildSnapshot consolidates rules into a snapshot.
func BuildSnapshot(rules []Rule, publishedAt time.Time) (*Snapshot, error) {
	return NewSnapshot(Consolidate(rules), publishedAt)
}

// digestOf hashes the canonical encoding of policies. encoding/json sorts map keys.
func digestOf(policies map[string]map[string]Entry) (string, error) {
	data, err := json.Marshal(policies)
	if err != nil {
		return "", fmt.Errorf("encode policies: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Encode returns the canonical JSON form stored under the snapshot key.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a stored snapshot. A flat legacy table of path -> entry is accepted
// and treated as method ANY.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err == nil && s.Version > 0 {
		if s.Policies == nil {
			s.Policies = make(map[string]map[string]Entry)
		}
		return &s, nil
	}

	var flat map[string]Entry
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	policies := make(map[string]map[string]Entry, len(flat))
	for path, e := range flat {
		e.Method = NormalizeMethod(e.Method)
		p := limiter.NormalizePath(path)
		if policies[p] == nil {
			policies[p] = make(map[string]Entry)
		}
		policies[p][e.Method] = e
	}
	return NewSnapshot(policies, time.Time{})
}

// Lookup returns the entry for the exact method, falling back to the path's ANY entry.
func (s *Snapshot) Lookup(path, method string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	byMethod, ok := s.Policies[limiter.NormalizePath(path)]
	if !ok {
		return Entry{}, false
	}
	if e, ok := byMethod[strings.ToUpper(method)]; ok {
		return e, true
	}
	e, ok := byMethod[MethodAny]
	return e, ok
}

// Len returns the number of (path, method) entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, byMethod := range s.Policies {
		n += len(byMethod)
	}
	return n
}

// builtinEntries are served until a snapshot has been published.
var builtinEntries = map[string]Entry{
	"/api/v1/posts": {Limit: 3, Window: 10, Algorithm: limiter.FixedWindow, KeyType: limiter.KeyTypeIP, Method: MethodAny},
	"/api/v1/login": {Limit: 5, Window: 15, Algorithm: limiter.FixedWindow, KeyType: limiter.KeyTypeIP, Method: MethodAny},
}

// DefaultSnapshot returns the built-in table.
func DefaultSnapshot() *Snapshot {
	policies := make(map[string]map[string]Entry, len(builtinEntries))
	for path, e := range builtinEntries {
		policies[path] = map[string]Entry{e.Method: e}
	}
	s, _ := NewSnapshot(policies, time.Time{}) // built-in entries always encode
	return s
}
