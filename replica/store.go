// Package replica defines the push-notified replicated tree the chat core
// reads and writes, plus an in-process implementation over SQLite.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnsubscribed is returned when a subscription is cancelled twice.
	ErrUnsubscribed = errors.New("replica: subscription already cancelled")
	// ErrRecordTooLarge is returned when a write exceeds the record size limit.
	ErrRecordTooLarge = errors.New("replica: record too large")
	// ErrInvalidPath is returned for empty, root or reserved-character paths.
	ErrInvalidPath = errors.New("replica: invalid path")
	// ErrInvalidValue is returned for values that are not JSON documents.
	ErrInvalidValue = errors.New("replica: invalid value")
	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("replica: store closed")
)

// Snapshot is the full value at a path at one point in time. Data is the
// JSON literal null when nothing is stored there.
type Snapshot struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

var jsonNull = json.RawMessage("null")

// Exists reports whether the snapshot holds a value.
func (s Snapshot) Exists() bool {
	trimmed := bytes.TrimSpace(s.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, jsonNull)
}

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return fmt.Errorf("decode snapshot %q: no value", s.Path)
	}
	return json.Unmarshal(s.Data, v)
}

// Children returns the immediate children of an object snapshot. An absent
// value yields an empty map; a scalar yields an error.
func (s Snapshot) Children() (map[string]json.RawMessage, error) {
	children := make(map[string]json.RawMessage)
	if !s.Exists() {
		return children, nil
	}
	if err := json.Unmarshal(s.Data, &children); err != nil {
		return nil, fmt.Errorf("snapshot %q is not an object: %w", s.Path, err)
	}
	return children, nil
}

// Handler receives pushed snapshots. Calls for one subscription are
// sequential; calls for different subscriptions may run concurrently.
type Handler func(Snapshot)

// Subscription is a live listener registration.
type Subscription interface {
	// Unsubscribe stops delivery. It must be called exactly once; later
	// calls return ErrUnsubscribed.
	Unsubscribe() error
}

// Store is the replicated key-value tree.
type Store interface {
	// Subscribe registers handler for path. The current value is delivered
	// first, then a full snapshot after every change at, above or below path.
	Subscribe(ctx context.Context, path string, handler Handler) (Subscription, error)
	// Get reads the current value once.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the value at path. A nil value deletes it.
	Set(ctx context.Context, path string, value any) error
	// Update replaces the named children of path, leaving siblings
	// untouched. A nil field value deletes that child.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Append stores value under a fresh, time-ordered child key of path
	// and returns that key.
	Append(ctx context.Context, path string, value any) (string, error)
	// RangeQuery returns the children of path whose string field lies in
	// [start, end]. An empty field compares child keys instead.
	RangeQuery(ctx context.Context, path, field, start, end string) (Snapshot, error)
}

// SubscriptionFunc adapts a function to the Subscription interface with
// exactly-once semantics.
type SubscriptionFunc func() error

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}
