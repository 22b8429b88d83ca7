package cache

import (
	"encoding/json"
	"time"
)

// FormatVersion is written into every persisted entry. Entries with a
// different version are treated as misses.
const FormatVersion = "1.0"

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Key       string          `json:"key"`
	Kind      Kind            `json:"kind"`
	Version   string          `json:"version"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// newEntry builds an entry stored at now that expires after ttl. A zero
// ttl never expires.
func newEntry(key Key, value []byte, now time.Time, ttl time.Duration) *Entry {
	e := &Entry{
		Key:      key.String(),
		Kind:     key.Kind,
		Version:  FormatVersion,
		StoredAt: now,
		Value:    append(json.RawMessage(nil), value...),
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}
	return e
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// usable reports whether a persisted entry can be served for key at now.
func (e *Entry) usable(key Key, now time.Time) bool {
	return e != nil && e.Version == FormatVersion && e.Key == key.String() && !e.Expired(now)
}
