package statetable

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"

	"streamjoin/internal/catalog"
	"streamjoin/internal/keycodec"
	"streamjoin/internal/kv"
	"streamjoin/internal/types"
	"streamjoin/internal/vnode"
)

func testSchema() *catalog.TableSchema {
	return &catalog.TableSchema{
		Name: "orders",
		PKColumns: []catalog.ColumnDescriptor{
			{Name: "k", Kind: types.KindInt32},
			{Name: "order_id", Kind: types.KindInt64},
		},
		PKDirections: []keycodec.Direction{keycodec.Asc, keycodec.Asc},
		ValueColumns: []catalog.ColumnDescriptor{
			{Name: "amount", Kind: types.KindInt64},
		},
	}
}

func row(k int32, orderID, amount int64) types.Row {
	return types.NewRow([]types.Datum{
		types.NewInt32(k),
		types.NewInt64(orderID),
		types.NewInt64(amount),
	})
}

func pkRow(k int32, orderID int64) types.Row {
	return types.NewRow([]types.Datum{types.NewInt32(k), types.NewInt64(orderID)})
}

func joinKeyRow(k int32) types.Row {
	return types.NewRow([]types.Datum{types.NewInt32(k)})
}

func newTestTable(t *testing.T) (*Table, context.Context) {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemStore()
	schema := testSchema()
	tbl := New(store, schema, 1)
	require.NoError(t, tbl.Init(ctx, 0, 1))
	return tbl, ctx
}

func TestTable_InsertThenGetRow_ReadYourWrites(t *testing.T) {
	tbl, ctx := newTestTable(t)
	require.NoError(t, tbl.Insert(ctx, row(10, 1, 100)))

	got, ok, err := tbl.GetRow(ctx, pkRow(10, 1))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(row(10, 1, 100)))
}

func TestTable_DeleteRemovesRow(t *testing.T) {
	tbl, ctx := newTestTable(t)
	require.NoError(t, tbl.Insert(ctx, row(10, 1, 100)))
	require.NoError(t, tbl.Delete(ctx, row(10, 1, 100)))

	_, ok, err := tbl.GetRow(ctx, pkRow(10, 1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTable_IterWithPKPrefix_SharesJoinKeyVnode(t *testing.T) {
	tbl, ctx := newTestTable(t)
	require.NoError(t, tbl.Insert(ctx, row(10, 2, 200)))
	require.NoError(t, tbl.Insert(ctx, row(10, 1, 100)))
	require.NoError(t, tbl.Insert(ctx, row(20, 1, 999))) // different join key

	rows, err := tbl.IterWithPKPrefix(ctx, joinKeyRow(10))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, rows[0].Equal(row(10, 1, 100)), "ascending PK order within join key")
	require.True(t, rows[1].Equal(row(10, 2, 200)))
}

func TestTable_CommitPersistsAcrossEpoch(t *testing.T) {
	tbl, ctx := newTestTable(t)
	require.NoError(t, tbl.Insert(ctx, row(10, 1, 100)))
	require.NoError(t, tbl.Commit(ctx, 2))

	got, ok, err := tbl.GetRow(ctx, pkRow(10, 1))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(row(10, 1, 100)))
}

func TestTable_Update_IsAtomicDeleteThenInsert(t *testing.T) {
	tbl, ctx := newTestTable(t)
	require.NoError(t, tbl.Insert(ctx, row(10, 1, 100)))
	require.NoError(t, tbl.Update(ctx, row(10, 1, 100), row(10, 1, 500)))

	got, ok, err := tbl.GetRow(ctx, pkRow(10, 1))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(row(10, 1, 500)))
}

func TestDegreeOf_RejectsNullAndNegative(t *testing.T) {
	nullDegree := types.NewRow([]types.Datum{types.NewInt32(1), types.NewNull(types.KindInt64)})
	_, err := DegreeOf(nullDegree)
	require.Error(t, err)
	var inv *InvariantViolation
	require.ErrorAs(t, err, &inv)

	negDegree := types.NewRow([]types.Datum{types.NewInt32(1), types.NewInt64(-1)})
	_, err = DegreeOf(negDegree)
	require.Error(t, err)
	require.ErrorAs(t, err, &inv)
}

func TestDegreeOf_AcceptsNonNegative(t *testing.T) {
	d := types.NewRow([]types.Datum{types.NewInt32(1), types.NewInt64(3)})
	v, err := DegreeOf(d)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)
}

func TestNewDegreeRow_MirrorsPKPlusDegree(t *testing.T) {
	pk := pkRow(10, 1)
	d := NewDegreeRow(pk, 2, 5)
	require.Equal(t, 3, d.Len())
	require.Equal(t, uint64(5), mustDegree(t, d))
}

func mustDegree(t *testing.T, row types.Row) uint64 {
	t.Helper()
	v, err := DegreeOf(row)
	require.NoError(t, err)
	return v
}

func TestTable_UpdateVnodeBitmap_HidesForeignVnodeJoinKeys(t *testing.T) {
	tbl, ctx := newTestTable(t)
	require.NoError(t, tbl.Insert(ctx, row(10, 1, 100)))
	require.NoError(t, tbl.Commit(ctx, 2))

	key, err := tbl.pkKey(row(10, 1, 100))
	require.NoError(t, err)
	owningVnode := vnode.VnodeOfPrefixed(key)

	_, err = tbl.UpdateVnodeBitmap(ctx, roaring.BitmapOf(owningVnode+1))
	require.NoError(t, err)

	rows, err := tbl.IterWithPKPrefix(ctx, joinKeyRow(10))
	require.NoError(t, err)
	require.Empty(t, rows, "join key's vnode was excluded from the new bitmap")

	_, err = tbl.UpdateVnodeBitmap(ctx, roaring.BitmapOf(owningVnode))
	require.NoError(t, err)

	rows, err = tbl.IterWithPKPrefix(ctx, joinKeyRow(10))
	require.NoError(t, err)
	require.Len(t, rows, 1, "restoring the owning vnode makes the row visible again")
}
