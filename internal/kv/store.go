// Package kv defines the abstract state-store contract the join core
// consumes (§6 "State store API"): a keyed byte store partitioned by vnode,
// supporting per-epoch buffered writes, prefix range scans, and atomic
// commit per (table, epoch).
package kv

import (
	"context"
	"errors"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrNotFound is returned by Get when no row exists for the given key.
var ErrNotFound = errors.New("kv: key not found")

// Entry is one (key, value) pair yielded by an Iterator, in ascending
// key order.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator yields entries in ascending key order. It is single-shot: once
// exhausted or closed it cannot be restarted, matching §9 "iterator
// restartability" — callers that need to interleave other state-store
// operations must materialise the result set first.
type Iterator interface {
	// Next advances the iterator. It returns false when exhausted or on
	// error; callers must check Err after Next returns false.
	Next(ctx context.Context) bool
	Entry() Entry
	Err() error
	Close() error
}

// Store is the external state-store collaborator: a vnode-partitioned,
// epoch-buffered byte KV. Keys passed to Get/Iter/Put/Delete are expected to
// already carry their vnode prefix (see internal/vnode.Prefix); Store
// filters visibility by the table's current ownership bitmap.
//
// Every table has an implicit "current epoch" established by BeginEpoch.
// Put/Delete buffer their write under that epoch; Get/Iter observe all
// committed data plus the current epoch's own buffered writes
// (read-your-writes); Commit atomically publishes the buffer and advances
// the current epoch.
type Store interface {
	// BeginEpoch binds table's current epoch to epoch. It is idempotent
	// when called again with the same epoch, and is how a freshly
	// constructed operator (or one recovering from restart) establishes
	// where to resume buffering.
	BeginEpoch(ctx context.Context, table string, epoch uint64) error

	Get(ctx context.Context, table string, key []byte) ([]byte, error)
	Iter(ctx context.Context, table string, prefix []byte) (Iterator, error)

	Put(ctx context.Context, table string, key, value []byte) error
	Delete(ctx context.Context, table string, key []byte) error

	// Commit publishes every write buffered under table's current epoch
	// and advances the current epoch to nextEpoch. nextEpoch must be
	// strictly greater than the current epoch.
	Commit(ctx context.Context, table string, nextEpoch uint64) error

	// UpdateVnodeBitmap installs bitmap as table's ownership set and
	// returns the bitmap it replaced. Data outside bitmap becomes
	// invisible to subsequent Get/Iter; no physical data movement occurs.
	UpdateVnodeBitmap(ctx context.Context, table string, bitmap *roaring.Bitmap) (*roaring.Bitmap, error)
}
