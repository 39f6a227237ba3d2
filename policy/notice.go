package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotTopic carries a Notice every time a snapshot with a new digest is published.
const SnapshotTopic = "rate_limit.snapshot"

// Notice announces a published snapshot.
type Notice struct {
	Digest      string    `json:"digest"`
	Version     int       `json:"version"`
	Policies    int       `json:"policies"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
}

// Encode returns the wire form of the notice.
func (n Notice) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotice parses a notice payload.
func DecodeNotice(data []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return Notice{}, fmt.Errorf("decode notice: %w", err)
	}
	if n.Digest == "" {
		return Notice{}, fmt.Errorf("decode notice: missing digest")
	}
	return n, nil
}
