// Package hashjoin implements JoinHashMap (component F): the central
// cache-plus-storage collaborator a join operator drives per probed side.
package hashjoin

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"streamjoin/internal/cache"
	"streamjoin/internal/joinentry"
	"streamjoin/internal/keycodec"
	"streamjoin/internal/metrics"
	"streamjoin/internal/statetable"
	"streamjoin/internal/types"
	"streamjoin/internal/vnode"
)

// Config holds JoinHashMap's construction-time parameters (§4.F).
type Config struct {
	// NullMatched[i] reports whether NULL on join column i counts as a
	// match for this side.
	NullMatched []bool
	// NeedDegreeTable selects whether this side maintains a degree table
	// alongside the state table.
	NeedDegreeTable bool
	// AppendOnly, when set, declares that this side never sees deletes or
	// updates. An append-only side never needs dec_degree, so it forces
	// NeedDegreeTable false regardless of join type.
	AppendOnly bool
}

// JoinHashMap is the central per-side collaborator: a bounded cache of
// JoinEntry fronting a state table and (optionally) a degree table.
type JoinHashMap struct {
	cache  *cache.Cache
	state  *statetable.Table
	degree *statetable.Table // nil unless cfg.NeedDegreeTable

	cfg     Config
	metrics *metrics.Sink
	actorID string
	side    string
	log     *zap.Logger

	lookupMiss  uint64
	lookupTotal uint64
}

// New constructs a JoinHashMap. degree may be nil iff !cfg.NeedDegreeTable.
func New(c *cache.Cache, state, degree *statetable.Table, cfg Config, sink *metrics.Sink, actorID, side string, log *zap.Logger) (*JoinHashMap, error) {
	if cfg.AppendOnly {
		cfg.NeedDegreeTable = false
	}
	if cfg.NeedDegreeTable && degree == nil {
		return nil, fmt.Errorf("hashjoin: NeedDegreeTable is set but degree table is nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &JoinHashMap{
		cache: c, state: state, degree: degree,
		cfg: cfg, metrics: sink, actorID: actorID, side: side, log: log,
	}, nil
}

func (h *JoinHashMap) pkSpecs() []keycodec.ColumnSpec { return h.state.Schema().PKSpecs() }

func (h *JoinHashMap) pkColumnCount() int { return len(h.state.Schema().PKColumns) }

// DecodeRow decodes a JoinRow's EncodedRow payload back into a full typed
// Row (PK columns followed by value columns), for the operator's predicate
// evaluation and output emission once a row is taken out of an entry.
func (h *JoinHashMap) DecodeRow(encoded []byte) (types.Row, error) {
	row, err := types.ValueDecode(encoded, h.state.Schema().AllKinds())
	if err != nil {
		return types.Row{}, fmt.Errorf("hashjoin: decode row: %w", err)
	}
	return row, nil
}

func pkIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func (h *JoinHashMap) encodeJoinKey(k types.Row) (cache.Key, error) {
	specs := h.pkSpecs()[:h.state.DistKeyColumnCount()]
	b, err := keycodec.Encode(k, specs)
	if err != nil {
		return "", fmt.Errorf("hashjoin: encode join key: %w", err)
	}
	return cache.Key(b), nil
}

func (h *JoinHashMap) encodePK(row types.Row) ([]byte, error) {
	pk := row.Project(pkIndices(h.pkColumnCount()))
	return keycodec.Encode(pk, h.pkSpecs())
}

func (h *JoinHashMap) decodePK(pk []byte) (types.Row, error) {
	return keycodec.Decode(pk, h.pkSpecs())
}

// TakeState implements §4.F take_state(K): cache hit removes and returns;
// cache miss fetches from storage (parallel state+degree prefix scans when
// NeedDegreeTable, zipped by order key) and leaves the cache in the taken
// state for the freshly built entry.
func (h *JoinHashMap) TakeState(ctx context.Context, k types.Row) (*joinentry.Entry, error) {
	key, err := h.encodeJoinKey(k)
	if err != nil {
		return nil, err
	}
	h.lookupTotal++
	if h.cache.IsResident(key) {
		return h.cache.Take(key), nil
	}

	h.lookupMiss++
	entry, err := h.fetch(ctx, k)
	if err != nil {
		return nil, err
	}
	h.cache.Put(key, entry)
	return h.cache.Take(key), nil
}

func (h *JoinHashMap) fetch(ctx context.Context, k types.Row) (*joinentry.Entry, error) {
	if !h.cfg.NeedDegreeTable {
		rows, err := h.state.IterKeyAndVal(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("hashjoin: fetch state rows: %w", err)
		}
		entry := joinentry.New()
		for _, r := range rows {
			entry.Insert(r.PK, joinentry.JoinRow{EncodedRow: types.ValueEncode(r.Row), Degree: 0})
		}
		return entry, nil
	}

	var stateRows, degreeRows []statetable.RowEntry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stateRows, err = h.state.IterKeyAndVal(gctx, k)
		return err
	})
	g.Go(func() error {
		var err error
		degreeRows, err = h.degree.IterKeyAndVal(gctx, k)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hashjoin: fetch state/degree rows: %w", err)
	}

	entry := joinentry.New()
	si, di := 0, 0
	for si < len(stateRows) && di < len(degreeRows) {
		cmp := bytes.Compare(stateRows[si].PK, degreeRows[di].PK)
		switch {
		case cmp == 0:
			degree, err := statetable.DegreeOf(degreeRows[di].Row)
			if err != nil {
				return nil, err
			}
			entry.Insert(stateRows[si].PK, joinentry.JoinRow{
				EncodedRow: types.ValueEncode(stateRows[si].Row),
				Degree:     degree,
			})
			si++
			di++
		case cmp < 0:
			h.log.Debug("orphan state row without matching degree row dropped",
				zap.String("actor", h.actorID), zap.String("side", h.side))
			si++
		default:
			h.log.Debug("orphan degree row without matching state row dropped",
				zap.String("actor", h.actorID), zap.String("side", h.side))
			di++
		}
	}
	for ; si < len(stateRows); si++ {
		h.log.Debug("orphan state row without matching degree row dropped",
			zap.String("actor", h.actorID), zap.String("side", h.side))
	}
	for ; di < len(degreeRows); di++ {
		h.log.Debug("orphan degree row without matching state row dropped",
			zap.String("actor", h.actorID), zap.String("side", h.side))
	}
	return entry, nil
}

// UpdateState implements §4.F update_state(K, entry): puts entry back at
// K, creating the cache slot if absent.
func (h *JoinHashMap) UpdateState(k types.Row, entry *joinentry.Entry) error {
	key, err := h.encodeJoinKey(k)
	if err != nil {
		return err
	}
	h.cache.UpdateState(key, entry)
	return nil
}

// Insert implements §4.F insert(K, row): mutates the cached entry for K if
// resident, and always writes the state table (plus a degree=0 row to the
// degree table, if configured) for the current epoch.
func (h *JoinHashMap) Insert(ctx context.Context, k, row types.Row) error {
	return h.InsertWithDegree(ctx, k, row, 0)
}

// InsertWithDegree is Insert with an explicit initial degree, for callers
// (the join operator's own-side insert, §4.G step 5) that already know how
// many opposite-side rows this row matches at insertion time — writing it
// as 0 and relying on later inc_degree calls would undercount, since only
// matches found *after* this row exists trigger inc_degree on it.
func (h *JoinHashMap) InsertWithDegree(ctx context.Context, k, row types.Row, degree uint64) error {
	if err := h.mutateCachedEntry(k, row, true, degree); err != nil {
		return err
	}
	if err := h.state.Insert(ctx, row); err != nil {
		return err
	}
	if h.cfg.NeedDegreeTable {
		pkRow := row.Project(pkIndices(h.pkColumnCount())).Materialize()
		if err := h.degree.Insert(ctx, statetable.NewDegreeRow(pkRow, h.pkColumnCount(), degree)); err != nil {
			return err
		}
	}
	return nil
}

// InsertRow implements §4.F insert_row(K, row): the degree-less variant —
// only the state table is written, and no degree-table row is created
// regardless of cfg.NeedDegreeTable.
func (h *JoinHashMap) InsertRow(ctx context.Context, k, row types.Row) error {
	if err := h.mutateCachedEntry(k, row, true, 0); err != nil {
		return err
	}
	return h.state.Insert(ctx, row)
}

// Delete implements §4.F delete(K, row): symmetric to Insert.
func (h *JoinHashMap) Delete(ctx context.Context, k, row types.Row) error {
	if err := h.mutateCachedEntry(k, row, false, 0); err != nil {
		return err
	}
	if err := h.state.Delete(ctx, row); err != nil {
		return err
	}
	if h.cfg.NeedDegreeTable {
		pkRow := row.Project(pkIndices(h.pkColumnCount())).Materialize()
		if err := h.degree.Delete(ctx, statetable.NewDegreeRow(pkRow, h.pkColumnCount(), 0)); err != nil {
			return err
		}
	}
	return nil
}

func (h *JoinHashMap) mutateCachedEntry(k, row types.Row, insert bool, degree uint64) error {
	key, err := h.encodeJoinKey(k)
	if err != nil {
		return err
	}
	entry, ok := h.cache.PeekMut(key)
	if !ok {
		return nil
	}
	pk, err := h.encodePK(row)
	if err != nil {
		return err
	}
	if insert {
		entry.Insert(pk, joinentry.JoinRow{EncodedRow: types.ValueEncode(row), Degree: degree})
	} else {
		entry.Remove(pk)
	}
	return nil
}

// IncDegree implements §4.F inc_degree: increments the degree of the row
// at pk within entry, writing the change through to the degree table.
func (h *JoinHashMap) IncDegree(ctx context.Context, entry *joinentry.Entry, pk []byte) error {
	return h.adjustDegree(ctx, entry, pk, 1)
}

// DecDegree implements §4.F dec_degree. Decrementing below zero is a fatal
// InvariantViolation (§7), never a recoverable condition.
func (h *JoinHashMap) DecDegree(ctx context.Context, entry *joinentry.Entry, pk []byte) error {
	return h.adjustDegree(ctx, entry, pk, -1)
}

func (h *JoinHashMap) adjustDegree(ctx context.Context, entry *joinentry.Entry, pk []byte, delta int64) error {
	if !h.cfg.NeedDegreeTable {
		return fmt.Errorf("hashjoin: adjustDegree called on a side with no degree table")
	}
	row, ok := entry.Get(pk)
	if !ok {
		return &statetable.InvariantViolation{Reason: "inc/dec_degree: pk not present in entry"}
	}
	oldDegree := int64(row.Degree)
	newDegree := oldDegree + delta
	if newDegree < 0 {
		return &statetable.InvariantViolation{Reason: fmt.Sprintf("degree underflow: %d + (%d)", oldDegree, delta)}
	}

	pkRow, err := h.decodePK(pk)
	if err != nil {
		return fmt.Errorf("hashjoin: decode pk for degree update: %w", err)
	}
	oldRow := statetable.NewDegreeRow(pkRow, h.pkColumnCount(), uint64(oldDegree))
	newRow := statetable.NewDegreeRow(pkRow, h.pkColumnCount(), uint64(newDegree))
	if err := h.degree.Update(ctx, oldRow, newRow); err != nil {
		return err
	}

	entry.Insert(pk, joinentry.JoinRow{EncodedRow: row.EncodedRow, Degree: uint64(newDegree)})
	return nil
}

// Flush implements §4.F flush(next_epoch): commits both tables and resets
// the lookup-miss/total counters into the metrics sink.
func (h *JoinHashMap) Flush(ctx context.Context, nextEpoch uint64) error {
	if err := h.state.Commit(ctx, nextEpoch); err != nil {
		return err
	}
	if h.cfg.NeedDegreeTable {
		if err := h.degree.Commit(ctx, nextEpoch); err != nil {
			return err
		}
	}
	if h.metrics != nil {
		h.metrics.RecordLookups(h.actorID, h.side, h.lookupMiss, h.lookupTotal)
	}
	h.lookupMiss, h.lookupTotal = 0, 0
	return nil
}

// UpdateVnodeBitmap implements §4.F update_vnode_bitmap: forwards to both
// tables, then clears the cache if the cache-may-stale predicate holds.
func (h *JoinHashMap) UpdateVnodeBitmap(ctx context.Context, bitmap *vnode.Bitmap) error {
	prevBits, err := h.state.UpdateVnodeBitmap(ctx, bitmap.Bits())
	if err != nil {
		return err
	}
	if h.cfg.NeedDegreeTable {
		if _, err := h.degree.UpdateVnodeBitmap(ctx, bitmap.Bits()); err != nil {
			return err
		}
	}
	previous := vnode.Full()
	if prevBits != nil {
		previous = vnode.FromBits(prevBits)
	}
	if vnode.CacheMayStale(previous, bitmap) {
		h.cache.Clear()
	}
	return nil
}

// Evict implements §4.F evict(): drops the least-recently-used resident
// cache entry.
func (h *JoinHashMap) Evict() { h.cache.Evict() }

// EntryCount implements §4.F entry_count(): the number of resident cache
// entries.
func (h *JoinHashMap) EntryCount() int { return h.cache.Len() }

// NeedDegreeTable reports whether this side maintains a degree table, after
// the AppendOnly override in New has been applied. A caller driving
// IncDegree/DecDegree against this side must check this first — calling
// either on a side with NeedDegreeTable false always errors.
func (h *JoinHashMap) NeedDegreeTable() bool {
	return h.cfg.NeedDegreeTable
}

// NullMatched implements §4.F null_matched(): the configured per-join-column
// null-match bitmap, copied defensively.
func (h *JoinHashMap) NullMatched() []bool {
	out := make([]bool, len(h.cfg.NullMatched))
	copy(out, h.cfg.NullMatched)
	return out
}
