// Package catalog describes the row schema metadata the join core consumes
// from the engine's catalog: column types in PK order then value order, PK
// directions, value-column indices, and the table's retention option.
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"streamjoin/internal/keycodec"
	"streamjoin/internal/types"
)

// ColumnDescriptor names one column of a table: its source name and
// logical Kind.
type ColumnDescriptor struct {
	Name string
	Kind types.Kind
}

// TableSchema is the schema metadata a state or degree table is constructed
// against: PK columns (in PK order, each with a sort direction) followed by
// value columns, plus an optional TTL.
type TableSchema struct {
	Name             string
	PKColumns        []ColumnDescriptor
	PKDirections     []keycodec.Direction
	ValueColumns     []ColumnDescriptor
	RetentionSeconds int64
}

// PKSpecs returns the memcomparable column specs for the PK projection.
func (s *TableSchema) PKSpecs() []keycodec.ColumnSpec {
	specs := make([]keycodec.ColumnSpec, len(s.PKColumns))
	for i, c := range s.PKColumns {
		specs[i] = keycodec.ColumnSpec{Kind: c.Kind, Direction: s.PKDirections[i]}
	}
	return specs
}

// ValueKinds returns the Kinds of the value columns, in declared order.
func (s *TableSchema) ValueKinds() []types.Kind {
	kinds := make([]types.Kind, len(s.ValueColumns))
	for i, c := range s.ValueColumns {
		kinds[i] = c.Kind
	}
	return kinds
}

// AllKinds returns PK kinds followed by value kinds, the order a full row
// (as opposed to just its PK projection) is laid out in.
func (s *TableSchema) AllKinds() []types.Kind {
	kinds := make([]types.Kind, 0, len(s.PKColumns)+len(s.ValueColumns))
	for _, c := range s.PKColumns {
		kinds = append(kinds, c.Kind)
	}
	for _, c := range s.ValueColumns {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

// DegreeSchema derives the degree table's schema from a state table's: same
// PK, single trailing int64 "degree" value column (§6 "Persisted layout").
func DegreeSchema(state *TableSchema) *TableSchema {
	return &TableSchema{
		Name:             state.Name + "_degree",
		PKColumns:        state.PKColumns,
		PKDirections:     state.PKDirections,
		ValueColumns:     []ColumnDescriptor{{Name: "degree", Kind: types.KindInt64}},
		RetentionSeconds: state.RetentionSeconds,
	}
}

// FromDDL parses a single CREATE TABLE statement and derives a TableSchema.
// Every primary-key column sorts ascending; retentionSeconds is supplied by
// the caller because MySQL DDL has no native streaming-retention concept —
// the engine's catalog tracks it out of band.
func FromDDL(ddl string, retentionSeconds int64) (*TableSchema, error) {
	p := parser.New()
	stmtNodes, _, err := p.Parse(ddl, "", "")
	if err != nil {
		return nil, fmt.Errorf("catalog: parse DDL: %w", err)
	}

	var create *ast.CreateTableStmt
	for _, stmt := range stmtNodes {
		if c, ok := stmt.(*ast.CreateTableStmt); ok {
			create = c
			break
		}
	}
	if create == nil {
		return nil, fmt.Errorf("catalog: no CREATE TABLE statement found")
	}

	colKinds := make(map[string]types.Kind, len(create.Cols))
	colOrder := make([]string, 0, len(create.Cols))
	for _, col := range create.Cols {
		name := col.Name.Name.O
		kind := normalizeKind(col.Tp.String())
		colKinds[name] = kind
		colOrder = append(colOrder, name)
	}

	pkNames, err := primaryKeyColumns(create)
	if err != nil {
		return nil, err
	}

	pkSet := make(map[string]bool, len(pkNames))
	for _, n := range pkNames {
		pkSet[n] = true
	}

	schema := &TableSchema{
		Name:             create.Table.Name.O,
		RetentionSeconds: retentionSeconds,
	}
	for _, n := range pkNames {
		k, ok := colKinds[n]
		if !ok {
			return nil, fmt.Errorf("catalog: primary key column %q not found among columns", n)
		}
		schema.PKColumns = append(schema.PKColumns, ColumnDescriptor{Name: n, Kind: k})
		schema.PKDirections = append(schema.PKDirections, keycodec.Asc)
	}
	for _, n := range colOrder {
		if pkSet[n] {
			continue
		}
		schema.ValueColumns = append(schema.ValueColumns, ColumnDescriptor{Name: n, Kind: colKinds[n]})
	}

	return schema, nil
}

func primaryKeyColumns(create *ast.CreateTableStmt) ([]string, error) {
	for _, constraint := range create.Constraints {
		if constraint.Tp == ast.ConstraintPrimaryKey {
			names := make([]string, len(constraint.Keys))
			for i, key := range constraint.Keys {
				names[i] = key.Column.Name.O
			}
			return names, nil
		}
	}
	var inline []string
	for _, col := range create.Cols {
		for _, opt := range col.Options {
			if opt.Tp == ast.ColumnOptionPrimaryKey {
				inline = append(inline, col.Name.Name.O)
			}
		}
	}
	if len(inline) == 0 {
		return nil, fmt.Errorf("catalog: table %q declares no primary key", create.Table.Name.O)
	}
	return inline, nil
}

// normalizeKindRule mirrors the teacher's substring-rule dispatch for
// mapping a raw SQL type string to a portable type tag, ordered so more
// specific substrings ("timestamp", "tinyint(1)") are checked before the
// broader ones ("time", "int") they would otherwise also match.
type normalizeKindRule struct {
	kind       types.Kind
	substrings []string
}

var normalizeKindRules = []normalizeKindRule{
	{kind: types.KindBoolean, substrings: []string{"bool", "tinyint(1)"}},
	{kind: types.KindTimestamp, substrings: []string{"timestamp", "datetime"}},
	{kind: types.KindDate, substrings: []string{"date"}},
	{kind: types.KindTime, substrings: []string{"time"}},
	{kind: types.KindDecimal, substrings: []string{"decimal", "numeric"}},
	{kind: types.KindFloat32, substrings: []string{"float"}},
	{kind: types.KindFloat64, substrings: []string{"double", "real"}},
	{kind: types.KindInt16, substrings: []string{"smallint", "tinyint"}},
	{kind: types.KindInt64, substrings: []string{"bigint"}},
	{kind: types.KindInt32, substrings: []string{"int"}},
	{kind: types.KindVarchar, substrings: []string{"char", "text", "varchar", "enum", "set", "json", "blob", "binary"}},
}

func normalizeKind(rawType string) types.Kind {
	lower := strings.ToLower(strings.TrimSpace(rawType))
	for _, rule := range normalizeKindRules {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.kind
			}
		}
	}
	return types.KindVarchar
}

// ParseRetentionSeconds converts a TTL table comment of the form
// "ttl_seconds=3600" into an integer. Returns 0 (no retention) when absent.
func ParseRetentionSeconds(comment string) (int64, error) {
	const prefix = "ttl_seconds="
	idx := strings.Index(strings.ToLower(comment), prefix)
	if idx < 0 {
		return 0, nil
	}
	rest := comment[idx+len(prefix):]
	end := strings.IndexAny(rest, " ;,")
	if end >= 0 {
		rest = rest[:end]
	}
	v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("catalog: bad ttl_seconds value %q: %w", rest, err)
	}
	return v, nil
}
