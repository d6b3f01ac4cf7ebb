package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// Datum is a nullable scalar of a declared logical Kind. The zero value is
// not a valid Datum; use one of the New* constructors or NewNull.
//
// Datum is a value type and is immutable once constructed: no method on
// Datum mutates it.
type Datum struct {
	kind Kind
	null bool

	i    int64
	f    float64
	dec  decimal.Decimal
	s    string
	date Date
	tod  TimeOfDay
	ts   Timestamp
	iv   Interval
	flds []Datum
}

func NewNull(kind Kind) Datum { return Datum{kind: kind, null: true} }

func NewBool(v bool) Datum {
	var i int64
	if v {
		i = 1
	}
	return Datum{kind: KindBoolean, i: i}
}

func NewInt16(v int16) Datum    { return Datum{kind: KindInt16, i: int64(v)} }
func NewInt32(v int32) Datum    { return Datum{kind: KindInt32, i: int64(v)} }
func NewInt64(v int64) Datum    { return Datum{kind: KindInt64, i: v} }
func NewFloat32(v float32) Datum {
	return Datum{kind: KindFloat32, f: canonicalFloat(float64(v))}
}
func NewFloat64(v float64) Datum { return Datum{kind: KindFloat64, f: canonicalFloat(v)} }
func NewDecimal(v decimal.Decimal) Datum { return Datum{kind: KindDecimal, dec: v} }
func NewVarchar(v string) Datum  { return Datum{kind: KindVarchar, s: v} }
func NewDate(v Date) Datum       { return Datum{kind: KindDate, date: v} }
func NewTime(v TimeOfDay) Datum  { return Datum{kind: KindTime, tod: v} }
func NewTimestamp(v Timestamp) Datum { return Datum{kind: KindTimestamp, ts: v} }
func NewInterval(v Interval) Datum   { return Datum{kind: KindInterval, iv: v} }
func NewStruct(fields []Datum) Datum { return Datum{kind: KindStruct, flds: fields} }

// canonicalFloat collapses every NaN bit pattern to one canonical NaN so
// that NaN compares and hashes equal to itself, per §3's "NaN floats hash
// and compare as a single canonical value".
func canonicalFloat(v float64) float64 {
	if math.IsNaN(v) {
		return math.NaN()
	}
	return v
}

func (d Datum) Kind() Kind   { return d.kind }
func (d Datum) IsNull() bool { return d.null }

func (d Datum) BoolValue() bool             { return d.i != 0 }
func (d Datum) Int16Value() int16           { return int16(d.i) }
func (d Datum) Int32Value() int32           { return int32(d.i) }
func (d Datum) Int64Value() int64           { return d.i }
func (d Datum) Float32Value() float32       { return float32(d.f) }
func (d Datum) Float64Value() float64       { return d.f }
func (d Datum) DecimalValue() decimal.Decimal { return d.dec }
func (d Datum) VarcharValue() string        { return d.s }
func (d Datum) DateValue() Date             { return d.date }
func (d Datum) TimeValue() TimeOfDay        { return d.tod }
func (d Datum) TimestampValue() Timestamp   { return d.ts }
func (d Datum) IntervalValue() Interval     { return d.iv }
func (d Datum) StructFields() []Datum       { return d.flds }

// Compare orders two Datums of the same Kind. NULL sorts before any
// non-NULL value of the same kind. Comparing Datums of different Kind is a
// programmer error and panics, mirroring Row.Compare's "same length
// required" contract.
func (d Datum) Compare(o Datum) int {
	if d.kind != o.kind {
		panic(fmt.Sprintf("types: Compare between mismatched kinds %s and %s", d.kind, o.kind))
	}
	if d.null || o.null {
		switch {
		case d.null && o.null:
			return 0
		case d.null:
			return -1
		default:
			return 1
		}
	}
	switch d.kind {
	case KindBoolean:
		return cmpInt64(d.i, o.i)
	case KindInt16, KindInt32, KindInt64:
		return cmpInt64(d.i, o.i)
	case KindFloat32, KindFloat64:
		return cmpFloat(d.f, o.f)
	case KindDecimal:
		return d.dec.Cmp(o.dec)
	case KindVarchar:
		return strings.Compare(d.s, o.s)
	case KindDate:
		return d.date.Compare(o.date)
	case KindTime:
		return d.tod.Compare(o.tod)
	case KindTimestamp:
		return d.ts.Compare(o.ts)
	case KindInterval:
		return d.iv.Compare(o.iv)
	case KindStruct:
		return compareStructFields(d.flds, o.flds)
	default:
		panic(fmt.Sprintf("types: Compare: unhandled kind %s", d.kind))
	}
}

func compareStructFields(a, b []Datum) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return cmpInt64(int64(len(a)), int64(len(b)))
}

// cmpFloat orders NaN as greater than every other value including +Inf,
// and equal only to another NaN; this keeps Compare a total order even
// though IEEE-754 comparisons with NaN are not.
func cmpFloat(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two same-kind Datums compare equal.
func (d Datum) Equal(o Datum) bool { return d.Compare(o) == 0 }

// writeHash feeds the datum's distinguishing bytes into h, in a form
// consistent with Compare/Equal: NaN hashes to one canonical value and
// NULL hashes distinctly from every representable value.
func (d Datum) writeHash(h *xxhash.Digest) {
	var tag [2]byte
	tag[0] = byte(d.kind)
	if d.null {
		tag[1] = 0
		_, _ = h.Write(tag[:])
		return
	}
	tag[1] = 1
	_, _ = h.Write(tag[:])

	var buf [8]byte
	switch d.kind {
	case KindBoolean, KindInt16, KindInt32, KindInt64:
		binary.BigEndian.PutUint64(buf[:], uint64(d.i))
		_, _ = h.Write(buf[:])
	case KindFloat32, KindFloat64:
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(d.f))
		_, _ = h.Write(buf[:])
	case KindDecimal:
		_, _ = h.Write([]byte(d.dec.String()))
	case KindVarchar:
		_, _ = h.Write([]byte(d.s))
	case KindDate:
		binary.BigEndian.PutUint64(buf[:], uint64(uint32(d.date.Days)))
		_, _ = h.Write(buf[:])
	case KindTime:
		binary.BigEndian.PutUint64(buf[:], uint64(d.tod.Nanos))
		_, _ = h.Write(buf[:])
	case KindTimestamp:
		binary.BigEndian.PutUint64(buf[:], uint64(d.ts.Micros))
		_, _ = h.Write(buf[:])
	case KindInterval:
		binary.BigEndian.PutUint64(buf[:], uint64(uint32(d.iv.Months)))
		_, _ = h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(uint32(d.iv.Days)))
		_, _ = h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(d.iv.Millis))
		_, _ = h.Write(buf[:])
	case KindStruct:
		for _, f := range d.flds {
			f.writeHash(h)
		}
	default:
		panic(fmt.Sprintf("types: writeHash: unhandled kind %s", d.kind))
	}
}
