package vnode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOf_WithinRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := Of([]byte{byte(i), byte(i >> 8)})
		require.Less(t, v, uint32(Count))
	}
}

func TestPrefix_RoundTripsVnode(t *testing.T) {
	key := []byte("some-pk-bytes")
	prefixed := Prefix(key)
	require.Equal(t, Of(key), VnodeOfPrefixed(prefixed))
}

func TestPrefixWithDistKey_HashesDistKeyButStoresFullKey(t *testing.T) {
	distKey := []byte("join-key-bytes")
	fullKey := []byte("join-key-bytes-plus-upstream-pk-suffix")

	prefixed := PrefixWithDistKey(distKey, fullKey)
	require.Equal(t, Of(distKey), VnodeOfPrefixed(prefixed))
	require.Equal(t, fullKey, prefixed[4:])

	other := []byte("join-key-bytes-different-suffix")
	require.Equal(t, VnodeOfPrefixed(prefixed), VnodeOfPrefixed(PrefixWithDistKey(distKey, other)),
		"two different full keys sharing a distribution key land in the same vnode")
}

func TestBitmap_Owns(t *testing.T) {
	b := NewBitmap(1, 2, 3)
	require.True(t, b.Owns(2))
	require.False(t, b.Owns(5))
}

func TestCacheMayStale(t *testing.T) {
	full := Full()
	same := Full()
	require.False(t, CacheMayStale(full, same))

	shrunk := NewBitmap(0, 1)
	require.True(t, CacheMayStale(full, shrunk))

	grown := NewBitmap(0, 1, 2)
	base := NewBitmap(0, 1)
	require.True(t, CacheMayStale(base, grown))

	stable := NewBitmap(5, 6)
	stableCopy := stable.Clone()
	require.False(t, CacheMayStale(stable, stableCopy))
}
