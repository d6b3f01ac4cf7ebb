// Package types implements the row and datum model: an immutable, ordered,
// nullable tuple of scalars with a total order, deterministic hashing, and
// the value encoding the rest of the join core builds on (the memcomparable
// key encoding lives in internal/keycodec).
package types

import "fmt"

// Kind is the logical type tag of a Datum. A Datum's Kind never changes
// after construction; only the underlying value (or its nullness) can
// differ between two Datums of the same Kind.
type Kind uint8

const (
	KindBoolean Kind = iota
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindVarchar
	KindDate
	KindTime
	KindTimestamp
	KindInterval
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindDecimal:
		return "decimal"
	case KindVarchar:
		return "varchar"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindTimestamp:
		return "timestamp"
	case KindInterval:
		return "interval"
	case KindStruct:
		return "struct"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}
