package kv

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"

	"streamjoin/internal/vnode"
)

func drain(t *testing.T, it Iterator) []Entry {
	t.Helper()
	var out []Entry
	ctx := context.Background()
	for it.Next(ctx) {
		out = append(out, it.Entry())
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	return out
}

func TestMemStore_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.BeginEpoch(ctx, "t", 1))

	key := vnode.Prefix([]byte("pk1"))
	require.NoError(t, s.Put(ctx, "t", key, []byte("v1")))

	v, err := s.Get(ctx, "t", key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(ctx, "t", key))
	_, err = s.Get(ctx, "t", key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_CommitAtomicity(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.BeginEpoch(ctx, "t", 1))

	keyA := vnode.Prefix([]byte("a"))
	keyB := vnode.Prefix([]byte("b"))
	require.NoError(t, s.Put(ctx, "t", keyA, []byte("1")))
	require.NoError(t, s.Put(ctx, "t", keyB, []byte("2")))

	require.NoError(t, s.Commit(ctx, "t", 2))

	va, err := s.Get(ctx, "t", keyA)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), va)
	vb, err := s.Get(ctx, "t", keyB)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), vb)
}

func TestMemStore_IdempotentFlush(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.BeginEpoch(ctx, "t", 1))
	key := vnode.Prefix([]byte("x"))
	require.NoError(t, s.Put(ctx, "t", key, []byte("v")))
	require.NoError(t, s.Commit(ctx, "t", 2))

	// committing an epoch with nothing buffered is a no-op on visible state
	require.NoError(t, s.Commit(ctx, "t", 3))
	v, err := s.Get(ctx, "t", key)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestMemStore_CommitRejectsNonAdvancingEpoch(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.BeginEpoch(ctx, "t", 5))
	require.Error(t, s.Commit(ctx, "t", 5))
	require.Error(t, s.Commit(ctx, "t", 4))
}

func TestMemStore_IterOrdersByPKAscendingAcrossBufferAndCommitted(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.BeginEpoch(ctx, "t", 1))

	prefix := []byte{0xAA}
	key1 := append(append([]byte{}, prefix...), 0x01)
	key2 := append(append([]byte{}, prefix...), 0x02)
	key3 := append(append([]byte{}, prefix...), 0x03)

	require.NoError(t, s.Put(ctx, "t", key2, []byte("two")))
	require.NoError(t, s.Commit(ctx, "t", 2))
	require.NoError(t, s.Put(ctx, "t", key1, []byte("one")))
	require.NoError(t, s.Put(ctx, "t", key3, []byte("three")))

	it, err := s.Iter(ctx, "t", prefix)
	require.NoError(t, err)
	entries := drain(t, it)
	require.Len(t, entries, 3)
	require.Equal(t, key1, entries[0].Key)
	require.Equal(t, key2, entries[1].Key)
	require.Equal(t, key3, entries[2].Key)
}

func TestMemStore_VnodeBitmapHidesForeignData(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.BeginEpoch(ctx, "t", 1))

	key := vnode.Prefix([]byte("owned-by-someone"))
	require.NoError(t, s.Put(ctx, "t", key, []byte("v")))
	require.NoError(t, s.Commit(ctx, "t", 2))

	owningVnode := vnode.VnodeOfPrefixed(key)
	bitmap := roaring.BitmapOf(owningVnode)
	_, err := s.UpdateVnodeBitmap(ctx, "t", bitmap)
	require.NoError(t, err)

	_, err = s.Get(ctx, "t", key)
	require.NoError(t, err)

	otherBitmap := roaring.BitmapOf(owningVnode + 1)
	_, err = s.UpdateVnodeBitmap(ctx, "t", otherBitmap)
	require.NoError(t, err)

	_, err = s.Get(ctx, "t", key)
	require.ErrorIs(t, err, ErrNotFound)
}
