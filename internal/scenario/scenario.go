// Package scenario loads a TOML-described join scenario — two side DDLs,
// the operator configuration, a sequence of record chunks, and barriers —
// into the types the CLI and tests drive an operator with. Its shape (a
// schema.Parser wrapping BurntSushi/toml decoding into a struct tree, then
// a converter pass producing the engine's own domain types) mirrors
// internal/parser/toml's schema loader, generalized from "one database, N
// tables" to "two sides, N chunks and barriers".
package scenario

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"streamjoin/internal/catalog"
	"streamjoin/internal/operator"
	"streamjoin/internal/types"
)

// fileDoc is the top-level TOML document.
type fileDoc struct {
	Scenario fileScenario  `toml:"scenario"`
	Left     fileSide      `toml:"left"`
	Right    fileSide      `toml:"right"`
	Chunks   []fileChunk   `toml:"chunks"`
	Barriers []fileBarrier `toml:"barriers"`
}

type fileScenario struct {
	Name     string `toml:"name"`
	JoinType string `toml:"join_type"`
}

type fileSide struct {
	DDL              string   `toml:"ddl"`
	JoinKeyColumns   []string `toml:"join_key_columns"`
	NullMatched      []bool   `toml:"null_matched"`
	RetentionSeconds int64    `toml:"retention_seconds"`
}

type fileChunk struct {
	Side string  `toml:"side"`
	Op   string  `toml:"op"`
	Rows [][]any `toml:"rows"`
}

type fileBarrier struct {
	NextEpoch  uint64 `toml:"next_epoch"`
	VnodeCount int    `toml:"vnode_count"`
}

// RecordChunk is one parsed batch of same-side, same-op input rows.
type RecordChunk struct {
	Side operator.Side
	Op   operator.RecordOp
	Rows []types.Row
}

// Barrier is one parsed checkpoint marker; VnodeCount is 0 when the
// scenario does not resize the vnode mapping at this barrier.
type Barrier struct {
	NextEpoch  uint64
	VnodeCount int
}

// Scenario is a fully parsed, ready-to-drive join scenario.
type Scenario struct {
	RunID       string
	Name        string
	JoinType    operator.JoinType
	LeftSchema  *catalog.TableSchema
	RightSchema *catalog.TableSchema
	LeftKeyIdx  []int
	RightKeyIdx []int
	LeftCfg     SideConfig
	RightCfg    SideConfig
	Chunks      []RecordChunk
	Barriers    []Barrier
}

// SideConfig carries the per-side construction knobs a scenario declares.
type SideConfig struct {
	NullMatched      []bool
	RetentionSeconds int64
}

// Loader parses scenario TOML documents.
type Loader struct{}

// NewLoader constructs a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile opens the file at path and loads it as a scenario document.
func (l *Loader) LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open file %q: %w", path, err)
	}
	defer f.Close()
	return l.Load(f)
}

// Load reads a scenario TOML document from r.
func (l *Loader) Load(r io.Reader) (*Scenario, error) {
	var doc fileDoc
	if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("scenario: decode error: %w", err)
	}
	return newConverter(&doc).convert()
}

type converter struct {
	doc *fileDoc
}

func newConverter(doc *fileDoc) *converter {
	return &converter{doc: doc}
}

func (c *converter) convert() (*Scenario, error) {
	leftSchema, err := catalog.FromDDL(c.doc.Left.DDL, c.doc.Left.RetentionSeconds)
	if err != nil {
		return nil, fmt.Errorf("scenario: left DDL: %w", err)
	}
	rightSchema, err := catalog.FromDDL(c.doc.Right.DDL, c.doc.Right.RetentionSeconds)
	if err != nil {
		return nil, fmt.Errorf("scenario: right DDL: %w", err)
	}

	leftKeyIdx, err := columnIndices(leftSchema, c.doc.Left.JoinKeyColumns)
	if err != nil {
		return nil, fmt.Errorf("scenario: left join key: %w", err)
	}
	rightKeyIdx, err := columnIndices(rightSchema, c.doc.Right.JoinKeyColumns)
	if err != nil {
		return nil, fmt.Errorf("scenario: right join key: %w", err)
	}

	joinType, err := parseJoinType(c.doc.Scenario.JoinType)
	if err != nil {
		return nil, err
	}

	chunks := make([]RecordChunk, 0, len(c.doc.Chunks))
	for i, fc := range c.doc.Chunks {
		chunk, err := c.convertChunk(&fc, leftSchema, rightSchema)
		if err != nil {
			return nil, fmt.Errorf("scenario: chunk %d: %w", i, err)
		}
		chunks = append(chunks, chunk)
	}

	barriers := make([]Barrier, 0, len(c.doc.Barriers))
	for _, fb := range c.doc.Barriers {
		barriers = append(barriers, Barrier{NextEpoch: fb.NextEpoch, VnodeCount: fb.VnodeCount})
	}

	return &Scenario{
		RunID:       uuid.NewString(),
		Name:        c.doc.Scenario.Name,
		JoinType:    joinType,
		LeftSchema:  leftSchema,
		RightSchema: rightSchema,
		LeftKeyIdx:  leftKeyIdx,
		RightKeyIdx: rightKeyIdx,
		LeftCfg:     SideConfig{NullMatched: c.doc.Left.NullMatched, RetentionSeconds: c.doc.Left.RetentionSeconds},
		RightCfg:    SideConfig{NullMatched: c.doc.Right.NullMatched, RetentionSeconds: c.doc.Right.RetentionSeconds},
		Chunks:      chunks,
		Barriers:    barriers,
	}, nil
}

func (c *converter) convertChunk(fc *fileChunk, leftSchema, rightSchema *catalog.TableSchema) (RecordChunk, error) {
	side, err := parseSide(fc.Side)
	if err != nil {
		return RecordChunk{}, err
	}
	op, err := parseRecordOp(fc.Op)
	if err != nil {
		return RecordChunk{}, err
	}

	schema := leftSchema
	if side == operator.Right {
		schema = rightSchema
	}
	kinds := schema.AllKinds()

	rows := make([]types.Row, 0, len(fc.Rows))
	for i, raw := range fc.Rows {
		row, err := convertRow(raw, kinds)
		if err != nil {
			return RecordChunk{}, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, row)
	}

	return RecordChunk{Side: side, Op: op, Rows: rows}, nil
}

func convertRow(raw []any, kinds []types.Kind) (types.Row, error) {
	if len(raw) != len(kinds) {
		return types.Row{}, fmt.Errorf("expected %d columns, got %d", len(kinds), len(raw))
	}
	datums := make([]types.Datum, len(raw))
	for i, v := range raw {
		d, err := convertDatum(v, kinds[i])
		if err != nil {
			return types.Row{}, fmt.Errorf("column %d: %w", i, err)
		}
		datums[i] = d
	}
	return types.NewRow(datums), nil
}

func convertDatum(v any, kind types.Kind) (types.Datum, error) {
	if v == nil {
		return types.NewNull(kind), nil
	}
	switch kind {
	case types.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return types.Datum{}, fmt.Errorf("expected bool for %s, got %T", kind, v)
		}
		return types.NewBool(b), nil
	case types.KindInt16:
		n, ok := toInt64(v)
		if !ok {
			return types.Datum{}, fmt.Errorf("expected integer for %s, got %T", kind, v)
		}
		return types.NewInt16(int16(n)), nil
	case types.KindInt32:
		n, ok := toInt64(v)
		if !ok {
			return types.Datum{}, fmt.Errorf("expected integer for %s, got %T", kind, v)
		}
		return types.NewInt32(int32(n)), nil
	case types.KindInt64:
		n, ok := toInt64(v)
		if !ok {
			return types.Datum{}, fmt.Errorf("expected integer for %s, got %T", kind, v)
		}
		return types.NewInt64(n), nil
	case types.KindVarchar:
		s, ok := v.(string)
		if !ok {
			return types.Datum{}, fmt.Errorf("expected string for %s, got %T", kind, v)
		}
		return types.NewVarchar(s), nil
	default:
		return types.Datum{}, fmt.Errorf("scenario: column kind %s is not supported in row literals", kind)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func columnIndices(schema *catalog.TableSchema, names []string) ([]int, error) {
	pos := make(map[string]int, len(schema.PKColumns)+len(schema.ValueColumns))
	i := 0
	for _, c := range schema.PKColumns {
		pos[c.Name] = i
		i++
	}
	for _, c := range schema.ValueColumns {
		pos[c.Name] = i
		i++
	}

	idx := make([]int, len(names))
	for j, n := range names {
		p, ok := pos[n]
		if !ok {
			return nil, fmt.Errorf("column %q not found in schema", n)
		}
		idx[j] = p
	}
	return idx, nil
}

func parseSide(s string) (operator.Side, error) {
	switch s {
	case "left":
		return operator.Left, nil
	case "right":
		return operator.Right, nil
	default:
		return 0, fmt.Errorf("unknown side %q (want \"left\" or \"right\")", s)
	}
}

func parseRecordOp(s string) (operator.RecordOp, error) {
	switch s {
	case "insert":
		return operator.RecordInsert, nil
	case "delete":
		return operator.RecordDelete, nil
	default:
		return 0, fmt.Errorf("unknown op %q (want \"insert\" or \"delete\")", s)
	}
}

func parseJoinType(s string) (operator.JoinType, error) {
	switch s {
	case "", "inner":
		return operator.Inner, nil
	case "left_outer":
		return operator.LeftOuter, nil
	case "right_outer":
		return operator.RightOuter, nil
	case "full_outer":
		return operator.FullOuter, nil
	default:
		return 0, fmt.Errorf("unknown join_type %q", s)
	}
}
