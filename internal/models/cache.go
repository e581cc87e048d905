package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Bucket names used in the key-value store.
const (
	BucketActions = "actions"
	BucketAgenda  = "agenda"
	BucketOrders  = "orders"
	BucketAuth    = "auth"
	BucketMeta    = "meta"
)

// ErrMissingID is returned when a snapshot has no usable "id" field.
var ErrMissingID = errors.New("snapshot has no id")

// Snapshot is a last-known-good copy of a server object.
type Snapshot struct {
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"cachedAt"`
	Stale    bool            `json:"stale,omitempty"`
}

// SnapshotID extracts the "id" field of a raw server object. Numeric ids are
// accepted and rendered in decimal.
func SnapshotID(raw json.RawMessage) (string, error) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("decode snapshot: %w", err)
	}
	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		return "", ErrMissingID
	}

	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		if s == "" {
			return "", ErrMissingID
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(probe.ID, &n); err == nil {
		return n.String(), nil
	}
	return "", ErrMissingID
}
