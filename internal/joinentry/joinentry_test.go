package joinentry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntry_InsertKeepsPKAscendingOrder(t *testing.T) {
	e := New()
	e.Insert([]byte("c"), JoinRow{EncodedRow: []byte("C")})
	e.Insert([]byte("a"), JoinRow{EncodedRow: []byte("A")})
	e.Insert([]byte("b"), JoinRow{EncodedRow: []byte("B")})

	require.True(t, e.assertSorted())
	require.Equal(t, 3, e.Len())

	var order []string
	e.Iter(func(pk []byte, row JoinRow) bool {
		order = append(order, string(pk))
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestEntry_InsertReplacesExistingPK(t *testing.T) {
	e := New()
	e.Insert([]byte("a"), JoinRow{Degree: 1})
	e.Insert([]byte("a"), JoinRow{Degree: 5})

	require.Equal(t, 1, e.Len())
	row, ok := e.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, uint64(5), row.Degree)
}

func TestEntry_RemoveMissingPKIsNoOp(t *testing.T) {
	e := New()
	e.Insert([]byte("a"), JoinRow{})
	e.Remove([]byte("does-not-exist"))
	require.Equal(t, 1, e.Len())
	require.True(t, e.assertSorted())
}

func TestEntry_RemoveDeletesAndKeepsOrder(t *testing.T) {
	e := New()
	e.Insert([]byte("a"), JoinRow{})
	e.Insert([]byte("b"), JoinRow{})
	e.Insert([]byte("c"), JoinRow{})

	e.Remove([]byte("b"))
	require.Equal(t, 2, e.Len())
	require.True(t, e.assertSorted())

	_, ok := e.Get([]byte("b"))
	require.False(t, ok)
}

func TestEntry_ValuesMutAppliesInPlaceMutation(t *testing.T) {
	e := New()
	e.Insert([]byte("a"), JoinRow{Degree: 1})
	e.Insert([]byte("b"), JoinRow{Degree: 2})

	e.ValuesMut(func(pk []byte, row *JoinRow) {
		row.Degree++
	})

	a, _ := e.Get([]byte("a"))
	b, _ := e.Get([]byte("b"))
	require.Equal(t, uint64(2), a.Degree)
	require.Equal(t, uint64(3), b.Degree)
}
