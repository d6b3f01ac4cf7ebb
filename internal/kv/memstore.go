package kv

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"streamjoin/internal/vnode"
)

// MemStore is an in-memory reference implementation of Store, used by
// tests and by standalone scenario runs that do not need a real database.
type MemStore struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

type memTable struct {
	committed map[string][]byte
	pending   map[string]*pendingWrite
	epoch     uint64
	bitmap    *roaring.Bitmap // nil means every vnode is owned
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string]*memTable)}
}

func (s *MemStore) table(name string) *memTable {
	t, ok := s.tables[name]
	if !ok {
		t = &memTable{
			committed: make(map[string][]byte),
			pending:   make(map[string]*pendingWrite),
		}
		s.tables[name] = t
	}
	return t
}

func (s *MemStore) BeginEpoch(_ context.Context, table string, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	t.epoch = epoch
	return nil
}

func (t *memTable) owns(key []byte) bool {
	if t.bitmap == nil {
		return true
	}
	return t.bitmap.Contains(vnode.VnodeOfPrefixed(key))
}

func (s *MemStore) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if !t.owns(key) {
		return nil, ErrNotFound
	}
	if pw, ok := t.pending[string(key)]; ok {
		if pw.deleted {
			return nil, ErrNotFound
		}
		return append([]byte(nil), pw.value...), nil
	}
	if v, ok := t.committed[string(key)]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, ErrNotFound
}

func (s *MemStore) Put(_ context.Context, table string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	t.pending[string(key)] = &pendingWrite{value: append([]byte(nil), value...)}
	return nil
}

func (s *MemStore) Delete(_ context.Context, table string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	t.pending[string(key)] = &pendingWrite{deleted: true}
	return nil
}

func (s *MemStore) Commit(_ context.Context, table string, nextEpoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if nextEpoch <= t.epoch {
		return fmt.Errorf("kv: commit epoch %d does not advance current epoch %d", nextEpoch, t.epoch)
	}
	for k, pw := range t.pending {
		if pw.deleted {
			delete(t.committed, k)
		} else {
			t.committed[k] = pw.value
		}
	}
	t.pending = make(map[string]*pendingWrite)
	t.epoch = nextEpoch
	return nil
}

func (s *MemStore) UpdateVnodeBitmap(_ context.Context, table string, bitmap *roaring.Bitmap) (*roaring.Bitmap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	prev := t.bitmap
	t.bitmap = bitmap
	return prev, nil
}

func (s *MemStore) Iter(_ context.Context, table string, prefix []byte) (Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)

	merged := make(map[string][]byte, len(t.committed))
	for k, v := range t.committed {
		merged[k] = v
	}
	for k, pw := range t.pending {
		if pw.deleted {
			delete(merged, k)
		} else {
			merged[k] = pw.value
		}
	}

	var entries []Entry
	for k, v := range merged {
		kb := []byte(k)
		if !bytes.HasPrefix(kb, prefix) {
			continue
		}
		if !t.owns(kb) {
			continue
		}
		entries = append(entries, Entry{Key: kb, Value: append([]byte(nil), v...)})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })

	return &sliceIterator{entries: entries, pos: -1}, nil
}

type sliceIterator struct {
	entries []Entry
	pos     int
}

func (it *sliceIterator) Next(context.Context) bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *sliceIterator) Entry() Entry { return it.entries[it.pos] }
func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }
