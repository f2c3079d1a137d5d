// Package store defines the hierarchical, path-addressed JSON tree the
// services persist into, together with the helpers its backends share.
//
// Values are JSON-shaped: map[string]any, []any, string, float64, bool. A nil
// value means "absent": writing nil deletes, and empty maps or lists are
// treated as absent, the way the realtime database behaves.
package store

import (
	"context"
	"errors"
)

// ErrAbortTransaction can be returned from a Transact callback to leave the
// value untouched without reporting a failure.
var ErrAbortTransaction = errors.New("store: transaction aborted")

// Tree is a hierarchical key-value store addressed by slash-separated paths
// such as "users/u1/likes".
type Tree interface {
	// Get returns the value at path, or nil if nothing is stored there.
	Get(ctx context.Context, path string) (any, error)

	// Set replaces the value at path. A nil value deletes it.
	Set(ctx context.Context, path string, value any) error

	// Update writes every relative path in values under path in a single
	// atomic step. Nil values delete.
	Update(ctx context.Context, path string, values map[string]any) error

	// Delete removes path and everything below it.
	Delete(ctx context.Context, path string) error

	// Transact reads the value at path, passes it to fn and stores the result
	// atomically with respect to other transactions on the same path. fn may
	// be invoked more than once and must not have side effects.
	Transact(ctx context.Context, path string, fn func(current any) (any, error)) error

	// QueryByKey returns the children of path ordered by ascending key.
	QueryByKey(ctx context.Context, path string, q KeyQuery) ([]Child, error)

	// Subscribe delivers a snapshot of path immediately and again after every
	// change at, above or below it.
	Subscribe(ctx context.Context, path string) (*Subscription, error)

	Close() error
}

// KeyQuery narrows QueryByKey. Zero values mean "unbounded".
type KeyQuery struct {
	// EndBefore keeps only keys strictly lower than this one.
	EndBefore string
	// LimitToLast keeps only the last N keys of the remaining range.
	LimitToLast int
}

// Child is a single entry returned by QueryByKey.
type Child struct {
	Key   string
	Value any
}

// Snapshot is one delivery of a subscription.
type Snapshot struct {
	Path  string
	Value any
	Err   error
}

// Exists reports whether the snapshot holds a value.
func (s Snapshot) Exists() bool { return s.Value != nil }
