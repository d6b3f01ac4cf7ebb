package operator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"streamjoin/internal/cache"
	"streamjoin/internal/catalog"
	"streamjoin/internal/hashjoin"
	"streamjoin/internal/keycodec"
	"streamjoin/internal/kv"
	"streamjoin/internal/statetable"
	"streamjoin/internal/types"
	"streamjoin/internal/vnode"
)

// leftRow lays out (k, a): k (the join key) is the leading PK column, a is
// the value column — physical storage order, independent of the scenario's
// display order "(a:int, k:int)".
func leftRow(a, k int32) types.Row {
	return types.NewRow([]types.Datum{types.NewInt32(k), types.NewInt32(a)})
}

// rightRow lays out (k, b): both columns form the PK (k leading, b breaking
// ties within one join key), no separate value columns.
func rightRow(k int32, b string) types.Row {
	return types.NewRow([]types.Datum{types.NewInt32(k), types.NewVarchar(b)})
}

// rightJoinKeyRow is the right side's join-key projection of rightRow(k, _):
// just the leading k column.
func rightJoinKeyRow(k int32) types.Row {
	return types.NewRow([]types.Datum{types.NewInt32(k)})
}

func leftSchema() *catalog.TableSchema {
	return &catalog.TableSchema{
		Name:         "left",
		PKColumns:    []catalog.ColumnDescriptor{{Name: "k", Kind: types.KindInt32}},
		PKDirections: []keycodec.Direction{keycodec.Asc},
		ValueColumns: []catalog.ColumnDescriptor{{Name: "a", Kind: types.KindInt32}},
	}
}

func rightSchema() *catalog.TableSchema {
	return &catalog.TableSchema{
		Name:         "right",
		PKColumns:    []catalog.ColumnDescriptor{{Name: "k", Kind: types.KindInt32}, {Name: "b", Kind: types.KindVarchar}},
		PKDirections: []keycodec.Direction{keycodec.Asc, keycodec.Asc},
		ValueColumns: nil,
	}
}

// newHashMap builds a JoinHashMap with state and degree tables sharing one
// kv.Store (the two tables are keyed by distinct schema names, so one
// kv.MemStore can hold both — see catalog.DegreeSchema), against cfg. degree
// is only constructed when cfg would actually need one.
func newHashMap(t *testing.T, store kv.Store, schema *catalog.TableSchema, side string, cfg hashjoin.Config) *hashjoin.JoinHashMap {
	t.Helper()
	ctx := context.Background()

	state := statetable.New(store, schema, 1)
	require.NoError(t, state.Init(ctx, 0, 1))

	var degree *statetable.Table
	if cfg.NeedDegreeTable && !cfg.AppendOnly {
		degree = statetable.New(store, catalog.DegreeSchema(schema), 1)
		require.NoError(t, degree.Init(ctx, 0, 1))
	}

	c, err := cache.New(cache.PolicyLocalLRU, 64)
	require.NoError(t, err)

	hm, err := hashjoin.New(c, state, degree, cfg, nil, "actor-1", side, nil)
	require.NoError(t, err)
	return hm
}

// newOperatorWithHashMaps builds an Operator along with direct handles to
// its left/right JoinHashMaps, for tests that need to drive a side's
// storage directly (bypassing the operator) rather than only through
// ProcessRecord.
func newOperatorWithHashMaps(t *testing.T, leftCfg, rightCfg hashjoin.Config, joinType JoinType) (op *Operator, left, right *hashjoin.JoinHashMap, ctx context.Context) {
	t.Helper()
	left = newHashMap(t, kv.NewMemStore(), leftSchema(), "left", leftCfg)
	right = newHashMap(t, kv.NewMemStore(), rightSchema(), "right", rightCfg)

	op, err := New(left, right, Config{
		LeftJoinKeyIndices:  []int{0},
		RightJoinKeyIndices: []int{0},
		JoinType:            joinType,
		ActorID:             "actor-1",
	}, nil)
	require.NoError(t, err)
	return op, left, right, context.Background()
}

func newTestOperator(t *testing.T) (*Operator, context.Context) {
	t.Helper()
	cfg := hashjoin.Config{NullMatched: []bool{false}, NeedDegreeTable: true}
	op, _, _, ctx := newOperatorWithHashMaps(t, cfg, cfg, Inner)
	return op, ctx
}

func combined(a, k int32, rk int32, b string) types.Row {
	return types.NewRow([]types.Datum{
		types.NewInt32(k), types.NewInt32(a),
		types.NewInt32(rk), types.NewVarchar(b),
	})
}

func containsRow(t *testing.T, rows []OutputRow, op OutputOp, want types.Row) {
	t.Helper()
	for _, r := range rows {
		if r.Op == op && r.Row.Equal(want) {
			return
		}
	}
	t.Fatalf("output does not contain op=%v row=%+v among %+v", op, want, rows)
}

// TestScenario1_BasicEquiInner is spec.md §8 scenario 1.
func TestScenario1_BasicEquiInner(t *testing.T) {
	op, ctx := newTestOperator(t)

	_, err := op.ProcessRecord(ctx, Right, RecordInsert, rightRow(10, "x"))
	require.NoError(t, err)
	_, err = op.ProcessRecord(ctx, Right, RecordInsert, rightRow(20, "y"))
	require.NoError(t, err)
	_, err = op.ProcessRecord(ctx, Right, RecordInsert, rightRow(10, "z"))
	require.NoError(t, err)

	out1, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(1, 10))
	require.NoError(t, err)
	require.Len(t, out1, 2)
	containsRow(t, out1, OutputInsert, combined(1, 10, 10, "x"))
	containsRow(t, out1, OutputInsert, combined(1, 10, 10, "z"))

	out2, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(2, 10))
	require.NoError(t, err)
	require.Len(t, out2, 2)
	containsRow(t, out2, OutputInsert, combined(2, 10, 10, "x"))
	containsRow(t, out2, OutputInsert, combined(2, 10, 10, "z"))

	out3, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(3, 20))
	require.NoError(t, err)
	require.Len(t, out3, 1)
	containsRow(t, out3, OutputInsert, combined(3, 20, 20, "y"))
}

// TestScenario2_Delete continues scenario 1 with spec.md §8 scenario 2.
func TestScenario2_Delete(t *testing.T) {
	op, ctx := newTestOperator(t)
	_, err := op.ProcessRecord(ctx, Right, RecordInsert, rightRow(10, "x"))
	require.NoError(t, err)
	_, err = op.ProcessRecord(ctx, Right, RecordInsert, rightRow(20, "y"))
	require.NoError(t, err)
	_, err = op.ProcessRecord(ctx, Right, RecordInsert, rightRow(10, "z"))
	require.NoError(t, err)
	_, err = op.ProcessRecord(ctx, Left, RecordInsert, leftRow(1, 10))
	require.NoError(t, err)
	_, err = op.ProcessRecord(ctx, Left, RecordInsert, leftRow(2, 10))
	require.NoError(t, err)
	_, err = op.ProcessRecord(ctx, Left, RecordInsert, leftRow(3, 20))
	require.NoError(t, err)

	out, err := op.ProcessRecord(ctx, Left, RecordDelete, leftRow(1, 10))
	require.NoError(t, err)
	require.Len(t, out, 2)
	containsRow(t, out, OutputDelete, combined(1, 10, 10, "x"))
	containsRow(t, out, OutputDelete, combined(1, 10, 10, "z"))
}

// TestScenario3_NullNoMatch is spec.md §8 scenario 3.
func TestScenario3_NullNoMatch(t *testing.T) {
	op, ctx := newTestOperator(t)

	nullLeft := types.NewRow([]types.Datum{types.NewNull(types.KindInt32), types.NewInt32(5)})
	nullRight := types.NewRow([]types.Datum{types.NewNull(types.KindInt32), types.NewVarchar("9")})

	outL, err := op.ProcessRecord(ctx, Left, RecordInsert, nullLeft)
	require.NoError(t, err)
	require.Empty(t, outL)

	outR, err := op.ProcessRecord(ctx, Right, RecordInsert, nullRight)
	require.NoError(t, err)
	require.Empty(t, outR)
}

// TestScenario6_OrphanTolerance is spec.md §8 scenario 6: a state row with
// no matching degree row is silently dropped from the fetched entry (no
// error), so it never contributes a match.
func TestScenario6_OrphanTolerance(t *testing.T) {
	cfg := hashjoin.Config{NullMatched: []bool{false}, NeedDegreeTable: true}
	op, _, right, ctx := newOperatorWithHashMaps(t, cfg, cfg, Inner)

	// InsertRow writes only the state table, bypassing the degree table, to
	// construct a genuine orphan state row (simulating asymmetric TTL
	// eviction between the two tables).
	require.NoError(t, right.InsertRow(ctx, rightJoinKeyRow(10), rightRow(10, "x")))

	out, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(1, 10))
	require.NoError(t, err)
	require.Empty(t, out, "orphan state row has no degree row, so it must not be treated as a match")
}

// TestProcessRecord_AppendOnlyOppositeSide drives an Inner join where the
// right side is AppendOnly end-to-end through ProcessRecord, proving the
// left side's matches against it never call IncDegree/DecDegree (which
// would hard-error on a side with no degree table).
func TestProcessRecord_AppendOnlyOppositeSide(t *testing.T) {
	leftCfg := hashjoin.Config{NullMatched: []bool{false}, NeedDegreeTable: true}
	rightCfg := hashjoin.Config{NullMatched: []bool{false}, AppendOnly: true}
	op, _, _, ctx := newOperatorWithHashMaps(t, leftCfg, rightCfg, Inner)

	require.False(t, op.right.NeedDegreeTable())

	_, err := op.ProcessRecord(ctx, Right, RecordInsert, rightRow(10, "x"))
	require.NoError(t, err)

	out1, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(1, 10))
	require.NoError(t, err)
	require.Len(t, out1, 1)
	containsRow(t, out1, OutputInsert, combined(1, 10, 10, "x"))

	out2, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(2, 10))
	require.NoError(t, err)
	require.Len(t, out2, 1)
	containsRow(t, out2, OutputInsert, combined(2, 10, 10, "x"))
}

// TestNew_RejectsAppendOnlySideAsOuterPreserved is the negative counterpart:
// a side with no degree table can never be the outer-preserved side, since
// it never tracks the per-row match count outer-join null-padding relies on.
func TestNew_RejectsAppendOnlySideAsOuterPreserved(t *testing.T) {
	leftCfg := hashjoin.Config{NullMatched: []bool{false}, NeedDegreeTable: true}
	rightCfg := hashjoin.Config{NullMatched: []bool{false}, AppendOnly: true}

	left := newHashMap(t, kv.NewMemStore(), leftSchema(), "left", leftCfg)
	right := newHashMap(t, kv.NewMemStore(), rightSchema(), "right", rightCfg)

	_, err := New(left, right, Config{
		LeftJoinKeyIndices:  []int{0},
		RightJoinKeyIndices: []int{0},
		JoinType:            RightOuter,
		ActorID:             "actor-1",
	}, nil)
	require.Error(t, err)
}

func TestProcessBarrier_FlushesBothSides(t *testing.T) {
	op, ctx := newTestOperator(t)
	_, err := op.ProcessRecord(ctx, Right, RecordInsert, rightRow(10, "x"))
	require.NoError(t, err)
	require.NoError(t, op.ProcessBarrier(ctx, 2, nil))
}

// buildOperator constructs an Operator with fresh cache/state/degree table
// instances bound to the given, possibly pre-populated, kv.Stores, Init'd at
// epoch. Used both to build the "original" operator and, with a later
// epoch over the same stores, to simulate process recreation after a
// restart.
func buildOperator(t *testing.T, leftStore, rightStore kv.Store, epoch uint64, joinType JoinType) (*Operator, context.Context) {
	t.Helper()
	ctx := context.Background()
	cfg := hashjoin.Config{NullMatched: []bool{false}, NeedDegreeTable: true}

	buildSide := func(store kv.Store, schema *catalog.TableSchema, side string) *hashjoin.JoinHashMap {
		state := statetable.New(store, schema, 1)
		require.NoError(t, state.Init(ctx, 0, epoch))
		degree := statetable.New(store, catalog.DegreeSchema(schema), 1)
		require.NoError(t, degree.Init(ctx, 0, epoch))
		c, err := cache.New(cache.PolicyLocalLRU, 64)
		require.NoError(t, err)
		hm, err := hashjoin.New(c, state, degree, cfg, nil, "actor-1", side, nil)
		require.NoError(t, err)
		return hm
	}

	left := buildSide(leftStore, leftSchema(), "left")
	right := buildSide(rightStore, rightSchema(), "right")

	op, err := New(left, right, Config{
		LeftJoinKeyIndices:  []int{0},
		RightJoinKeyIndices: []int{0},
		JoinType:            joinType,
		ActorID:             "actor-1",
	}, nil)
	require.NoError(t, err)
	return op, ctx
}

// TestScenario4_CheckpointSurvivesRestart is spec.md §8 scenario 4: feed
// part of scenario 1's records, commit a barrier, rebuild the operator from
// scratch against the same underlying stores (simulating process
// recreation after a restart), then feed the rest. The combined output
// must equal a single continuous run of scenario 1.
func TestScenario4_CheckpointSurvivesRestart(t *testing.T) {
	leftStore := kv.NewMemStore()
	rightStore := kv.NewMemStore()

	opA, ctx := buildOperator(t, leftStore, rightStore, 1, Inner)

	_, err := opA.ProcessRecord(ctx, Right, RecordInsert, rightRow(10, "x"))
	require.NoError(t, err)
	_, err = opA.ProcessRecord(ctx, Right, RecordInsert, rightRow(20, "y"))
	require.NoError(t, err)
	_, err = opA.ProcessRecord(ctx, Right, RecordInsert, rightRow(10, "z"))
	require.NoError(t, err)

	out1, err := opA.ProcessRecord(ctx, Left, RecordInsert, leftRow(1, 10))
	require.NoError(t, err)
	out2, err := opA.ProcessRecord(ctx, Left, RecordInsert, leftRow(2, 10))
	require.NoError(t, err)

	require.NoError(t, opA.ProcessBarrier(ctx, 2, nil))

	opB, ctxB := buildOperator(t, leftStore, rightStore, 2, Inner)
	out3, err := opB.ProcessRecord(ctxB, Left, RecordInsert, leftRow(3, 20))
	require.NoError(t, err)

	var all []OutputRow
	all = append(all, out1...)
	all = append(all, out2...)
	all = append(all, out3...)

	require.Len(t, all, 5)
	containsRow(t, all, OutputInsert, combined(1, 10, 10, "x"))
	containsRow(t, all, OutputInsert, combined(1, 10, 10, "z"))
	containsRow(t, all, OutputInsert, combined(2, 10, 10, "x"))
	containsRow(t, all, OutputInsert, combined(2, 10, 10, "z"))
	containsRow(t, all, OutputInsert, combined(3, 20, 20, "y"))
}

// vnodeOf computes the vnode a raw int32 join-key value hashes to, the same
// way statetable.Table.pkKey derives it for the distribution-key-prefixed
// state/degree layout.
func vnodeOf(t *testing.T, k int32) uint32 {
	t.Helper()
	row := types.NewRow([]types.Datum{types.NewInt32(k)})
	encoded, err := keycodec.Encode(row, []keycodec.ColumnSpec{{Kind: types.KindInt32, Direction: keycodec.Asc}})
	require.NoError(t, err)
	return vnode.Of(encoded)
}

// findKeyForVnode brute-forces the smallest non-negative int32 whose join
// key hashes to the given vnode; vnode assignment is hash-derived and not
// otherwise user-selectable.
func findKeyForVnode(t *testing.T, target uint32) int32 {
	t.Helper()
	for k := int32(0); k < 1_000_000; k++ {
		if vnodeOf(t, k) == target {
			return k
		}
	}
	t.Fatalf("no key found hashing to vnode %d within search bound", target)
	return 0
}

// TestScenario5_VnodeShrink is spec.md §8 scenario 5: with vnodes {0..3}
// fully owned, rows land in all four; shrinking ownership to {0,1} makes
// vnodes 2 and 3 invisible to subsequent probes.
func TestScenario5_VnodeShrink(t *testing.T) {
	cfg := hashjoin.Config{NullMatched: []bool{false}, NeedDegreeTable: true}
	op, left, right, ctx := newOperatorWithHashMaps(t, cfg, cfg, Inner)

	keys := [4]int32{
		findKeyForVnode(t, 0),
		findKeyForVnode(t, 1),
		findKeyForVnode(t, 2),
		findKeyForVnode(t, 3),
	}

	require.NoError(t, left.UpdateVnodeBitmap(ctx, vnode.NewBitmap(0, 1, 2, 3)))
	require.NoError(t, right.UpdateVnodeBitmap(ctx, vnode.NewBitmap(0, 1, 2, 3)))

	for _, k := range keys {
		_, err := op.ProcessRecord(ctx, Right, RecordInsert, rightRow(k, "v"))
		require.NoError(t, err)
		out, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(k, k))
		require.NoError(t, err)
		require.Len(t, out, 1)
	}

	require.NoError(t, op.ProcessBarrier(ctx, 2, vnode.NewBitmap(0, 1)))

	// Vnodes 2 and 3 were dropped from ownership, and the shrink cleared
	// both caches, so these probes must miss at the storage layer, not just
	// the cache.
	out2, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(keys[2], keys[2]))
	require.NoError(t, err)
	require.Empty(t, out2, "vnode 2 was dropped from ownership, its right-side row must be invisible")

	out3, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(keys[3], keys[3]))
	require.NoError(t, err)
	require.Empty(t, out3, "vnode 3 was dropped from ownership, its right-side row must be invisible")

	out0, err := op.ProcessRecord(ctx, Left, RecordInsert, leftRow(keys[0], keys[0]))
	require.NoError(t, err)
	require.Len(t, out0, 1, "vnode 0 remains owned, its right-side row must still match")
}
