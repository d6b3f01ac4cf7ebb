// Package joinentry implements the per-join-key ordered map from primary
// key to encoded JoinRow (component D).
package joinentry

import (
	"bytes"
	"sort"
)

// JoinRow is one row on a join side together with its match degree: the
// count of opposite-side rows currently matching it under the join
// predicate (§3 "JoinRow").
type JoinRow struct {
	EncodedRow []byte
	Degree     uint64
}

// Entry is an ordered mapping from encoded PK to JoinRow, for one join key
// on one side. Ordering by PK is required so that iteration (and therefore
// downstream probe output) is deterministic.
type Entry struct {
	pks  []string // memcomparable-encoded PK, kept sorted
	rows map[string]JoinRow
}

// New constructs an empty Entry.
func New() *Entry {
	return &Entry{rows: make(map[string]JoinRow)}
}

// Insert adds or replaces the row at pk, preserving PK-ascending order.
func (e *Entry) Insert(pk []byte, row JoinRow) {
	key := string(pk)
	if _, exists := e.rows[key]; !exists {
		idx := sort.Search(len(e.pks), func(i int) bool { return e.pks[i] >= key })
		e.pks = append(e.pks, "")
		copy(e.pks[idx+1:], e.pks[idx:])
		e.pks[idx] = key
	}
	e.rows[key] = row
}

// Remove deletes pk from the entry. A missing pk is a no-op (§4.D: "a
// stream may deliver a delete matched against persisted state not yet
// cached; the caller is responsible for the state-table write").
func (e *Entry) Remove(pk []byte) {
	key := string(pk)
	if _, ok := e.rows[key]; !ok {
		return
	}
	delete(e.rows, key)
	idx := sort.Search(len(e.pks), func(i int) bool { return e.pks[i] >= key })
	if idx < len(e.pks) && e.pks[idx] == key {
		e.pks = append(e.pks[:idx], e.pks[idx+1:]...)
	}
}

// Len returns the number of rows in the entry.
func (e *Entry) Len() int { return len(e.pks) }

// Get returns the row at pk and whether it is present.
func (e *Entry) Get(pk []byte) (JoinRow, bool) {
	r, ok := e.rows[string(pk)]
	return r, ok
}

// Iter calls fn for every (pk, row) pair in PK-ascending order. Iteration
// stops early if fn returns false.
func (e *Entry) Iter(fn func(pk []byte, row JoinRow) bool) {
	for _, key := range e.pks {
		if !fn([]byte(key), e.rows[key]) {
			return
		}
	}
}

// ValuesMut calls fn with a pointer to each row in PK-ascending order,
// writing each row back after fn returns, so any mutation fn makes to the
// row is kept. The hash map's degree updates do not go through this; they
// replace rows with Insert.
func (e *Entry) ValuesMut(fn func(pk []byte, row *JoinRow)) {
	for _, key := range e.pks {
		row := e.rows[key]
		fn([]byte(key), &row)
		e.rows[key] = row
	}
}

// assertSorted is a test/debug helper verifying the PK ordering invariant.
func (e *Entry) assertSorted() bool {
	for i := 1; i < len(e.pks); i++ {
		if bytes.Compare([]byte(e.pks[i-1]), []byte(e.pks[i])) >= 0 {
			return false
		}
	}
	return true
}
