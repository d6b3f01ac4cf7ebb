// Package statetable implements the typed, epoch-buffered state/degree
// table (component C): a catalog-schema-aware wrapper translating
// Row<->bytes via keycodec/types.ValueEncode over an abstract kv.Store,
// which itself owns the epoch-buffer and vnode-ownership mechanics.
package statetable

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"streamjoin/internal/catalog"
	"streamjoin/internal/keycodec"
	"streamjoin/internal/kv"
	"streamjoin/internal/types"
	"streamjoin/internal/vnode"
)

// InvariantViolation is the fatal error kind from §7: degree underflow,
// non-null-degree-column-containing-NULL, and backwards epochs all surface
// as this type so callers can distinguish "abort now" from ordinary
// storage errors. (A double take of a cache slot is not an error value: it
// panics in internal/cache.)
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("statetable: invariant violation: %s", e.Reason)
}

// Table is a catalog-schema-bound view over a kv.Store table: it encodes
// Rows to/from the store's byte keys/values and forwards epoch/vnode
// mechanics unchanged.
//
// The vnode a row lands in is derived from the leading distKeyColumnCount
// columns of its PK — its distribution key — not the whole PK. For a join
// operator's state/degree tables the distribution key is the join key, a
// PK prefix by construction (component F's "PK-within-state indices"): the
// join key's columns are always declared first among the PK columns, so a
// prefix scan for a join key K and the rows it was used to insert hash to
// the same vnode.
type Table struct {
	store              kv.Store
	schema             *catalog.TableSchema
	distKeyColumnCount int
}

// New binds schema's declared table name to a physical kv.Store table.
// distKeyColumnCount is the number of leading PK columns that form the
// table's distribution key (for state/degree tables, the join key).
func New(store kv.Store, schema *catalog.TableSchema, distKeyColumnCount int) *Table {
	return &Table{store: store, schema: schema, distKeyColumnCount: distKeyColumnCount}
}

// DistKeyColumnCount returns the number of leading PK columns used to
// derive this table's vnode.
func (t *Table) DistKeyColumnCount() int { return t.distKeyColumnCount }

// Schema returns the table's bound schema.
func (t *Table) Schema() *catalog.TableSchema { return t.schema }

// Init binds the table's current epoch. prevEpoch is accepted for
// symmetry with the spec's (prev, curr) epoch pair but the store only
// tracks curr; prevEpoch is not separately persisted.
func (t *Table) Init(ctx context.Context, prevEpoch, currEpoch uint64) error {
	_ = prevEpoch
	return t.store.BeginEpoch(ctx, t.schema.Name, currEpoch)
}

// pkKey returns the vnode-prefixed memcomparable encoding of row's PK
// projection, with the vnode derived from its leading distribution-key
// columns rather than the whole PK.
func (t *Table) pkKey(row types.Row) ([]byte, error) {
	specs := t.schema.PKSpecs()
	fullPK := row.Project(pkIndices(len(t.schema.PKColumns)))
	encoded, err := keycodec.Encode(fullPK, specs)
	if err != nil {
		return nil, fmt.Errorf("statetable: encode pk: %w", err)
	}
	distKey := row.Project(pkIndices(t.distKeyColumnCount))
	encodedDistKey, err := keycodec.Encode(distKey, specs[:t.distKeyColumnCount])
	if err != nil {
		return nil, fmt.Errorf("statetable: encode dist key: %w", err)
	}
	return vnode.PrefixWithDistKey(encodedDistKey, encoded), nil
}

func pkIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// valueIndices returns the positions of row's value columns, assuming rows
// are laid out PK-columns-then-value-columns per catalog.TableSchema.
func (t *Table) valueIndices(row types.Row) []int {
	n := len(t.schema.PKColumns)
	idx := make([]int, row.Len()-n)
	for i := range idx {
		idx[i] = n + i
	}
	return idx
}

func (t *Table) encodeValue(row types.Row) []byte {
	values := row.Project(t.valueIndices(row)).Materialize()
	return types.ValueEncode(values)
}

func (t *Table) decodeRow(pk []byte, value []byte) (types.Row, error) {
	pkCols, err := keycodec.Decode(stripVnodePrefix(pk), t.schema.PKSpecs())
	if err != nil {
		return types.Row{}, fmt.Errorf("statetable: decode pk: %w", err)
	}
	values, err := types.ValueDecode(value, t.schema.ValueKinds())
	if err != nil {
		return types.Row{}, fmt.Errorf("statetable: decode value: %w", err)
	}
	datums := make([]types.Datum, 0, pkCols.Len()+values.Len())
	for i := 0; i < pkCols.Len(); i++ {
		datums = append(datums, pkCols.Get(i))
	}
	for i := 0; i < values.Len(); i++ {
		datums = append(datums, values.Get(i))
	}
	return types.NewRow(datums), nil
}

func stripVnodePrefix(prefixed []byte) []byte {
	const prefixLen = 4
	if len(prefixed) < prefixLen {
		return prefixed
	}
	return prefixed[prefixLen:]
}

// Insert buffers row for the current epoch, keyed by its PK projection.
func (t *Table) Insert(ctx context.Context, row types.Row) error {
	key, err := t.pkKey(row)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, t.schema.Name, key, t.encodeValue(row))
}

// Delete buffers a delete of row's PK for the current epoch.
func (t *Table) Delete(ctx context.Context, row types.Row) error {
	key, err := t.pkKey(row)
	if err != nil {
		return err
	}
	return t.store.Delete(ctx, t.schema.Name, key)
}

// Update buffers delete(old) then insert(newRow); both become visible
// atomically at commit since both are folded into the same epoch buffer.
func (t *Table) Update(ctx context.Context, old, newRow types.Row) error {
	if err := t.Delete(ctx, old); err != nil {
		return err
	}
	return t.Insert(ctx, newRow)
}

// GetRow returns the row whose PK columns equal pk (a Row of exactly
// len(PKColumns) Datums, in PK order), observing buffered writes of the
// current epoch plus all committed prior epochs. The second return is
// false if absent.
func (t *Table) GetRow(ctx context.Context, pk types.Row) (types.Row, bool, error) {
	key, err := t.pkKey(pk)
	if err != nil {
		return types.Row{}, false, err
	}
	value, err := t.store.Get(ctx, t.schema.Name, key)
	if err == kv.ErrNotFound {
		return types.Row{}, false, nil
	}
	if err != nil {
		return types.Row{}, false, fmt.Errorf("statetable: get: %w", err)
	}
	row, err := t.decodeRow(key, value)
	if err != nil {
		return types.Row{}, false, err
	}
	return row, true, nil
}

// RowEntry pairs a decoded PK (unprefixed, memcomparable bytes) with its
// decoded row, as yielded by IterKeyAndVal.
type RowEntry struct {
	PK  []byte
	Row types.Row
}

// IterWithPKPrefix materialises every row whose PK starts with joinKey (a
// Row of exactly DistKeyColumnCount Datums), in ascending memcomparable PK
// order. Restartable only by reissuing the call, per §9 "iterator
// restartability".
func (t *Table) IterWithPKPrefix(ctx context.Context, joinKey types.Row) ([]types.Row, error) {
	entries, err := t.IterKeyAndVal(ctx, joinKey)
	if err != nil {
		return nil, err
	}
	rows := make([]types.Row, len(entries))
	for i, e := range entries {
		rows[i] = e.Row
	}
	return rows, nil
}

// IterKeyAndVal is IterWithPKPrefix's (pk, row) variant.
func (t *Table) IterKeyAndVal(ctx context.Context, joinKey types.Row) ([]RowEntry, error) {
	if joinKey.Len() != t.distKeyColumnCount {
		return nil, fmt.Errorf("statetable: iter: join key has %d columns, want %d (distribution key width)", joinKey.Len(), t.distKeyColumnCount)
	}
	specs := t.schema.PKSpecs()[:t.distKeyColumnCount]
	encoded, err := keycodec.Encode(joinKey, specs)
	if err != nil {
		return nil, fmt.Errorf("statetable: encode join key: %w", err)
	}
	// The distribution key is a literal byte-prefix of every full PK
	// encoding it was derived from (Encode concatenates column encodings
	// in order with no extra framing), so scanning for vnode-prefix +
	// encoded visits exactly the rows sharing this join key.
	scanPrefix := vnode.PrefixWithDistKey(encoded, encoded)

	it, err := t.store.Iter(ctx, t.schema.Name, scanPrefix)
	if err != nil {
		return nil, fmt.Errorf("statetable: iter: %w", err)
	}
	defer it.Close()

	var out []RowEntry
	for it.Next(ctx) {
		e := it.Entry()
		row, err := t.decodeRow(e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, RowEntry{PK: stripVnodePrefix(e.Key), Row: row})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("statetable: iter: %w", err)
	}
	return out, nil
}

// Commit atomically publishes the current epoch's buffered writes and
// advances to nextEpoch. nextEpoch must be strictly greater than the
// current epoch — the store enforces this and a violation surfaces as an
// InvariantViolation (§7 "barrier epoch going backwards").
func (t *Table) Commit(ctx context.Context, nextEpoch uint64) error {
	if err := t.store.Commit(ctx, t.schema.Name, nextEpoch); err != nil {
		return &InvariantViolation{Reason: fmt.Sprintf("commit table %q to epoch %d: %v", t.schema.Name, nextEpoch, err)}
	}
	return nil
}

// UpdateVnodeBitmap installs bitmap as the table's ownership set and
// returns the bitmap it replaced.
func (t *Table) UpdateVnodeBitmap(ctx context.Context, bitmap *roaring.Bitmap) (*roaring.Bitmap, error) {
	prev, err := t.store.UpdateVnodeBitmap(ctx, t.schema.Name, bitmap)
	if err != nil {
		return nil, fmt.Errorf("statetable: update vnode bitmap: %w", err)
	}
	return prev, nil
}

// DegreeOf extracts the trailing degree column from a degree-table row and
// asserts it is non-negative (the Open Question decision: assert on read,
// not merely on write — §6 "degree is ... stored as signed int64, negative
// values are illegal"). A NULL degree column is always a fatal
// InvariantViolation, equi-join degree rows are never nullable.
func DegreeOf(row types.Row) (uint64, error) {
	d := row.Get(row.Len() - 1)
	if d.IsNull() {
		return 0, &InvariantViolation{Reason: "degree column is NULL"}
	}
	v := d.Int64Value()
	if v < 0 {
		return 0, &InvariantViolation{Reason: fmt.Sprintf("degree column is negative (%d)", v)}
	}
	return uint64(v), nil
}

// NewDegreeRow builds a degree-table row: the PK columns of pkRow followed
// by a single int64 degree value column.
func NewDegreeRow(pkRow types.Row, pkColumnCount int, degree uint64) types.Row {
	datums := make([]types.Datum, 0, pkColumnCount+1)
	for i := 0; i < pkColumnCount; i++ {
		datums = append(datums, pkRow.Get(i))
	}
	datums = append(datums, types.NewInt64(int64(degree)))
	return types.NewRow(datums)
}
