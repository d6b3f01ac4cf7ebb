// Package operator implements the join operator (component G): the
// barrier-driven driver that multiplexes two input record streams through
// a pair of hashjoin.JoinHashMaps and emits output chunk deltas.
package operator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"streamjoin/internal/hashjoin"
	"streamjoin/internal/joinentry"
	"streamjoin/internal/types"
	"streamjoin/internal/vnode"
)

// Side names the two input streams an operator multiplexes.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

func (s Side) other() Side {
	if s == Left {
		return Right
	}
	return Left
}

// RecordOp names an input record's operation.
type RecordOp int

const (
	RecordInsert RecordOp = iota
	RecordDelete
)

// JoinType selects which side's unmatched rows are preserved with
// null-padding (§5 "Left/right/full outer join null-padding" in
// SPEC_FULL.md, supplementing spec.md's equi-inner-only worked examples).
type JoinType int

const (
	Inner JoinType = iota
	LeftOuter
	RightOuter
	FullOuter
)

func (jt JoinType) String() string {
	switch jt {
	case LeftOuter:
		return "left_outer"
	case RightOuter:
		return "right_outer"
	case FullOuter:
		return "full_outer"
	default:
		return "inner"
	}
}

func (jt JoinType) preserves(s Side) bool {
	switch jt {
	case LeftOuter:
		return s == Left
	case RightOuter:
		return s == Right
	case FullOuter:
		return true
	default:
		return false
	}
}

// OutputOp names an output chunk's per-row delta flag (§6 "{+, -, U-, U+}").
type OutputOp int

const (
	OutputInsert OutputOp = iota
	OutputDelete
	OutputUpdateDelete
	OutputUpdateInsert
)

// OutputRow is one row of the operator's produced chunk stream.
type OutputRow struct {
	Op  OutputOp
	Row types.Row
}

// Predicate evaluates any non-equi join condition beyond the equi join-key
// match; it receives the left and right rows of a candidate pair.
type Predicate func(left, right types.Row) (bool, error)

// Config holds an Operator's construction-time parameters.
type Config struct {
	LeftJoinKeyIndices  []int
	RightJoinKeyIndices []int
	JoinType            JoinType
	// Predicate evaluates any remaining non-equi condition; nil means
	// "always match" (a pure equi-join).
	Predicate Predicate
	ActorID   string
}

// Operator drives two hashjoin.JoinHashMaps (one per side) per §4.G.
type Operator struct {
	left, right *hashjoin.JoinHashMap
	cfg         Config
	log         *zap.Logger
}

// New constructs an Operator. A side configured without a degree table
// (hashjoin.Config.AppendOnly, or simply NeedDegreeTable: false) can never
// be the outer-preserved side of cfg.JoinType: its matches are never
// degree-tracked, so there is nothing to drive outer-join null-padding off.
func New(left, right *hashjoin.JoinHashMap, cfg Config, log *zap.Logger) (*Operator, error) {
	if left == nil || right == nil {
		return nil, fmt.Errorf("operator: both sides are required")
	}
	if cfg.JoinType.preserves(Left) && !left.NeedDegreeTable() {
		return nil, fmt.Errorf("operator: join type %v preserves the left side, but left has no degree table (append-only?)", cfg.JoinType)
	}
	if cfg.JoinType.preserves(Right) && !right.NeedDegreeTable() {
		return nil, fmt.Errorf("operator: join type %v preserves the right side, but right has no degree table (append-only?)", cfg.JoinType)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Operator{left: left, right: right, cfg: cfg, log: log}, nil
}

func (o *Operator) hashMap(s Side) *hashjoin.JoinHashMap {
	if s == Left {
		return o.left
	}
	return o.right
}

func (o *Operator) joinKeyIndices(s Side) []int {
	if s == Left {
		return o.cfg.LeftJoinKeyIndices
	}
	return o.cfg.RightJoinKeyIndices
}

// ProcessRecord implements §4.G's per-record algorithm for one (+row) or
// (-row) arriving on side s: probes the opposite side, emits matched
// output deltas, adjusts degrees, then mutates side s's own state.
func (o *Operator) ProcessRecord(ctx context.Context, s Side, op RecordOp, row types.Row) ([]OutputRow, error) {
	self := o.hashMap(s)
	opposite := o.hashMap(s.other())

	k := row.Project(o.joinKeyIndices(s)).Materialize()

	if o.nullBlocksMatch(self, k) {
		if err := o.mutateOwnSide(ctx, self, s, op, k, row, 0); err != nil {
			return nil, err
		}
		var out []OutputRow
		if o.cfg.JoinType.preserves(s) {
			padOp := OutputInsert
			if op == RecordDelete {
				padOp = OutputDelete
			}
			out = append(out, OutputRow{Op: padOp, Row: o.nullPadded(s, row)})
		}
		return out, nil
	}

	entry, err := opposite.TakeState(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("operator: take_state on %s: %w", s.other(), err)
	}

	// Find matches read-only first: IncDegree/DecDegree mutate entry
	// in-place via entry.Insert, which would conflict with ValuesMut's own
	// write-back if invoked from inside its callback, so the matching and
	// degree-adjusting passes are kept strictly separate.
	type match struct {
		pk          []byte
		oppositeRow types.Row
		oldDegree   uint64
	}
	var matched []match
	var matchErr error
	entry.Iter(func(pk []byte, jr joinentry.JoinRow) bool {
		oppositeRow, err := opposite.DecodeRow(jr.EncodedRow)
		if err != nil {
			matchErr = err
			return false
		}
		ok, err := o.evaluatePredicate(s, row, oppositeRow)
		if err != nil {
			matchErr = err
			return false
		}
		if ok {
			matched = append(matched, match{pk: pk, oppositeRow: oppositeRow, oldDegree: jr.Degree})
		}
		return true
	})
	if matchErr != nil {
		return nil, matchErr
	}

	// A side with no degree table (AppendOnly, or simply never configured
	// with one) never tracks per-row match counts, so it can never be the
	// outer-preserved side either — New rejects that combination. Skip the
	// degree calls entirely rather than call IncDegree/DecDegree, which
	// hard-errors on a side with NeedDegreeTable false.
	trackDegree := opposite.NeedDegreeTable()

	var out []OutputRow
	for _, m := range matched {
		if op == RecordInsert {
			out = append(out, OutputRow{Op: OutputInsert, Row: o.combine(s, row, m.oppositeRow)})
			if trackDegree {
				if err := opposite.IncDegree(ctx, entry, m.pk); err != nil {
					return nil, err
				}
				if m.oldDegree == 0 && o.cfg.JoinType.preserves(s.other()) {
					out = append(out, OutputRow{Op: OutputDelete, Row: o.nullPadded(s.other(), m.oppositeRow)})
				}
			}
		} else {
			out = append(out, OutputRow{Op: OutputDelete, Row: o.combine(s, row, m.oppositeRow)})
			if trackDegree {
				if err := opposite.DecDegree(ctx, entry, m.pk); err != nil {
					return nil, err
				}
				if m.oldDegree == 1 && o.cfg.JoinType.preserves(s.other()) {
					out = append(out, OutputRow{Op: OutputInsert, Row: o.nullPadded(s.other(), m.oppositeRow)})
				}
			}
		}
	}
	matches := len(matched)

	if err := opposite.UpdateState(k, entry); err != nil {
		return nil, fmt.Errorf("operator: update_state on %s: %w", s.other(), err)
	}

	if matches == 0 && o.cfg.JoinType.preserves(s) {
		padOp := OutputInsert
		if op == RecordDelete {
			padOp = OutputDelete
		}
		out = append(out, OutputRow{Op: padOp, Row: o.nullPadded(s, row)})
	}

	if err := o.mutateOwnSide(ctx, self, s, op, k, row, uint64(matches)); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Operator) nullBlocksMatch(self *hashjoin.JoinHashMap, k types.Row) bool {
	nullMatched := self.NullMatched()
	for i := 0; i < k.Len(); i++ {
		if k.Get(i).IsNull() {
			if i >= len(nullMatched) || !nullMatched[i] {
				return true
			}
		}
	}
	return false
}

func (o *Operator) evaluatePredicate(s Side, ownRow, oppositeRow types.Row) (bool, error) {
	if o.cfg.Predicate == nil {
		return true, nil
	}
	if s == Left {
		return o.cfg.Predicate(ownRow, oppositeRow)
	}
	return o.cfg.Predicate(oppositeRow, ownRow)
}

// combine lays out a matched pair as (left columns..., right columns...)
// regardless of which side s is.
func (o *Operator) combine(s Side, ownRow, oppositeRow types.Row) types.Row {
	if s == Left {
		return concatRows(ownRow, oppositeRow)
	}
	return concatRows(oppositeRow, ownRow)
}

// nullPadded lays out row on its own side's columns with the opposite
// side's columns all NULL, in (left, right) column order.
func (o *Operator) nullPadded(s Side, row types.Row) types.Row {
	null := nullRowLike(row)
	if s == Left {
		return concatRows(row, null)
	}
	return concatRows(null, row)
}

func concatRows(a, b types.Row) types.Row {
	datums := make([]types.Datum, 0, a.Len()+b.Len())
	for i := 0; i < a.Len(); i++ {
		datums = append(datums, a.Get(i))
	}
	for i := 0; i < b.Len(); i++ {
		datums = append(datums, b.Get(i))
	}
	return types.NewRow(datums)
}

func nullRowLike(row types.Row) types.Row {
	datums := make([]types.Datum, row.Len())
	for i := 0; i < row.Len(); i++ {
		datums[i] = types.NewNull(row.Get(i).Kind())
	}
	return types.NewRow(datums)
}

func (o *Operator) mutateOwnSide(ctx context.Context, self *hashjoin.JoinHashMap, s Side, op RecordOp, k, row types.Row, degree uint64) error {
	if op == RecordInsert {
		if err := self.InsertWithDegree(ctx, k, row, degree); err != nil {
			return fmt.Errorf("operator: insert on %s: %w", s, err)
		}
		return nil
	}
	if err := self.Delete(ctx, k, row); err != nil {
		return fmt.Errorf("operator: delete on %s: %w", s, err)
	}
	return nil
}

// ProcessBarrier implements §4.G's barrier handling: flush(next_epoch) on
// both sides, then (if bitmap is non-nil) update_vnode_bitmap on both.
func (o *Operator) ProcessBarrier(ctx context.Context, nextEpoch uint64, bitmap *vnode.Bitmap) error {
	if err := o.left.Flush(ctx, nextEpoch); err != nil {
		return fmt.Errorf("operator: flush left: %w", err)
	}
	if err := o.right.Flush(ctx, nextEpoch); err != nil {
		return fmt.Errorf("operator: flush right: %w", err)
	}
	o.log.Debug("barrier flushed", zap.String("actor", o.cfg.ActorID), zap.Uint64("next_epoch", nextEpoch))

	if bitmap == nil {
		return nil
	}
	if err := o.left.UpdateVnodeBitmap(ctx, bitmap); err != nil {
		return fmt.Errorf("operator: update_vnode_bitmap left: %w", err)
	}
	if err := o.right.UpdateVnodeBitmap(ctx, bitmap); err != nil {
		return fmt.Errorf("operator: update_vnode_bitmap right: %w", err)
	}
	o.log.Debug("vnode bitmap updated", zap.String("actor", o.cfg.ActorID))
	return nil
}
