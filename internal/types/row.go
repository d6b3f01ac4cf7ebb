package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// Row is an immutable, ordered tuple of Datums. Its length and per-position
// Kind are fixed by an external schema and never change after construction.
type Row struct {
	datums []Datum
}

// NewRow constructs a Row from values. The slice is retained, not copied;
// callers must not mutate it afterwards.
func NewRow(values []Datum) Row {
	return Row{datums: values}
}

func (r Row) Len() int { return len(r.datums) }

// Get returns the Datum at position i. It panics if i is out of range,
// per §4.A's "fails fast when i >= len".
func (r Row) Get(i int) Datum {
	if i < 0 || i >= len(r.datums) {
		panic(fmt.Sprintf("types: Row.Get: index %d out of range [0,%d)", i, len(r.datums)))
	}
	return r.datums[i]
}

// Compare lexicographically compares two Rows of equal length. Comparing
// rows of unequal length is a programmer error and panics.
func (r Row) Compare(o Row) int {
	if len(r.datums) != len(o.datums) {
		panic(fmt.Sprintf("types: Row.Compare: mismatched lengths %d and %d", len(r.datums), len(o.datums)))
	}
	for i := range r.datums {
		if c := r.datums[i].Compare(o.datums[i]); c != 0 {
			return c
		}
	}
	return 0
}

func (r Row) Equal(o Row) bool {
	if len(r.datums) != len(o.datums) {
		return false
	}
	return r.Compare(o) == 0
}

// Hash feeds every Datum into an xxhash digest in order. A finite empty
// row hashes to the identity of the hasher (the digest's Sum64 with
// nothing written).
func (r Row) Hash() uint64 {
	h := xxhash.New()
	for _, d := range r.datums {
		d.writeHash(h)
	}
	return h.Sum64()
}

// View is a lazy projection over a Row: a reordering/subset of columns
// that never copies the underlying Datums.
type View struct {
	base    Row
	indices []int
}

// Project returns a View exposing the columns at indices, in that order.
func (r Row) Project(indices []int) View {
	return View{base: r, indices: indices}
}

func (v View) Len() int { return len(v.indices) }

func (v View) Get(i int) Datum {
	if i < 0 || i >= len(v.indices) {
		panic(fmt.Sprintf("types: View.Get: index %d out of range [0,%d)", i, len(v.indices)))
	}
	return v.base.Get(v.indices[i])
}

// Materialize copies the projected columns into a standalone Row.
func (v View) Materialize() Row {
	out := make([]Datum, v.Len())
	for i := range out {
		out[i] = v.Get(i)
	}
	return NewRow(out)
}

func (v View) Hash() uint64 {
	h := xxhash.New()
	for i := 0; i < v.Len(); i++ {
		v.Get(i).writeHash(h)
	}
	return h.Sum64()
}

// ErrSchemaMismatch is returned by ValueDecode when the encoded datum kinds
// do not match the expected schema, indicating storage corruption or
// schema drift (§7 "encoding error").
type ErrSchemaMismatch struct {
	Position int
	Want     Kind
	Got      Kind
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("types: value decode: position %d: want kind %s, got %s", e.Position, e.Want, e.Got)
}

// ValueEncode produces the value encoding of r: each Datum is written
// self-describing (kind tag, null flag, length-prefixed payload) so that
// ValueDecode can reconstruct it without additional context beyond the
// expected schema used for validation.
func ValueEncode(r Row) []byte {
	var buf []byte
	for i := 0; i < r.Len(); i++ {
		buf = appendDatum(buf, r.Get(i))
	}
	return buf
}

// ValueDecode reverses ValueEncode. schema gives the expected Kind of each
// column in order; a mismatch is reported via ErrSchemaMismatch. The
// round-trip law is ValueDecode(ValueEncode(r), schemaOf(r)) == r.
func ValueDecode(data []byte, schema []Kind) (Row, error) {
	datums := make([]Datum, len(schema))
	rest := data
	for i, k := range schema {
		d, tail, err := readDatum(rest)
		if err != nil {
			return Row{}, fmt.Errorf("types: value decode: position %d: %w", i, err)
		}
		if d.kind != k {
			return Row{}, &ErrSchemaMismatch{Position: i, Want: k, Got: d.kind}
		}
		datums[i] = d
		rest = tail
	}
	if len(rest) != 0 {
		return Row{}, fmt.Errorf("types: value decode: %d trailing bytes after %d columns", len(rest), len(schema))
	}
	return NewRow(datums), nil
}

func appendDatum(buf []byte, d Datum) []byte {
	buf = append(buf, byte(d.kind))
	if d.null {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	payload := encodePayload(d)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, payload...)
}

func encodePayload(d Datum) []byte {
	var buf8 [8]byte
	switch d.kind {
	case KindBoolean, KindInt16, KindInt32, KindInt64:
		binary.BigEndian.PutUint64(buf8[:], uint64(d.i))
		return append([]byte(nil), buf8[:]...)
	case KindFloat32, KindFloat64:
		binary.BigEndian.PutUint64(buf8[:], math.Float64bits(d.f))
		return append([]byte(nil), buf8[:]...)
	case KindDecimal:
		b, err := d.dec.MarshalBinary()
		if err != nil {
			panic(fmt.Sprintf("types: encode decimal: %v", err))
		}
		return b
	case KindVarchar:
		return []byte(d.s)
	case KindDate:
		binary.BigEndian.PutUint32(buf8[:4], uint32(d.date.Days))
		return append([]byte(nil), buf8[:4]...)
	case KindTime:
		binary.BigEndian.PutUint64(buf8[:], uint64(d.tod.Nanos))
		return append([]byte(nil), buf8[:]...)
	case KindTimestamp:
		binary.BigEndian.PutUint64(buf8[:], uint64(d.ts.Micros))
		return append([]byte(nil), buf8[:]...)
	case KindInterval:
		out := make([]byte, 16)
		binary.BigEndian.PutUint32(out[0:4], uint32(d.iv.Months))
		binary.BigEndian.PutUint32(out[4:8], uint32(d.iv.Days))
		binary.BigEndian.PutUint64(out[8:16], uint64(d.iv.Millis))
		return out
	case KindStruct:
		var out []byte
		var countBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(countBuf[:], uint64(len(d.flds)))
		out = append(out, countBuf[:n]...)
		for _, f := range d.flds {
			out = appendDatum(out, f)
		}
		return out
	default:
		panic(fmt.Sprintf("types: encode: unhandled kind %s", d.kind))
	}
}

func readDatum(data []byte) (Datum, []byte, error) {
	if len(data) < 1 {
		return Datum{}, nil, fmt.Errorf("types: truncated datum: missing kind tag")
	}
	kind := Kind(data[0])
	rest := data[1:]
	if len(rest) < 1 {
		return Datum{}, nil, fmt.Errorf("types: truncated datum: missing null flag")
	}
	isNull := rest[0] == 0
	rest = rest[1:]
	if isNull {
		return NewNull(kind), rest, nil
	}
	length, n := binary.Uvarint(rest)
	if n <= 0 {
		return Datum{}, nil, fmt.Errorf("types: truncated datum: bad length varint")
	}
	rest = rest[n:]
	if uint64(len(rest)) < length {
		return Datum{}, nil, fmt.Errorf("types: truncated datum: payload shorter than declared length")
	}
	payload := rest[:length]
	rest = rest[length:]

	d, err := decodePayload(kind, payload)
	if err != nil {
		return Datum{}, nil, err
	}
	return d, rest, nil
}

func decodePayload(kind Kind, payload []byte) (Datum, error) {
	switch kind {
	case KindBoolean:
		return NewBool(binary.BigEndian.Uint64(payload) != 0), nil
	case KindInt16:
		return NewInt16(int16(int64(binary.BigEndian.Uint64(payload)))), nil
	case KindInt32:
		return NewInt32(int32(int64(binary.BigEndian.Uint64(payload)))), nil
	case KindInt64:
		return NewInt64(int64(binary.BigEndian.Uint64(payload))), nil
	case KindFloat32:
		return NewFloat32(float32(math.Float64frombits(binary.BigEndian.Uint64(payload)))), nil
	case KindFloat64:
		return NewFloat64(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case KindDecimal:
		var dec decimal.Decimal
		if err := dec.UnmarshalBinary(payload); err != nil {
			return Datum{}, fmt.Errorf("decode decimal: %w", err)
		}
		return NewDecimal(dec), nil
	case KindVarchar:
		return NewVarchar(string(payload)), nil
	case KindDate:
		return NewDate(Date{Days: int32(binary.BigEndian.Uint32(payload))}), nil
	case KindTime:
		return NewTime(TimeOfDay{Nanos: int64(binary.BigEndian.Uint64(payload))}), nil
	case KindTimestamp:
		return NewTimestamp(Timestamp{Micros: int64(binary.BigEndian.Uint64(payload))}), nil
	case KindInterval:
		if len(payload) != 16 {
			return Datum{}, fmt.Errorf("decode interval: want 16 bytes, got %d", len(payload))
		}
		return NewInterval(Interval{
			Months: int32(binary.BigEndian.Uint32(payload[0:4])),
			Days:   int32(binary.BigEndian.Uint32(payload[4:8])),
			Millis: int64(binary.BigEndian.Uint64(payload[8:16])),
		}), nil
	case KindStruct:
		count, n := binary.Uvarint(payload)
		if n <= 0 {
			return Datum{}, fmt.Errorf("decode struct: bad field count varint")
		}
		rest := payload[n:]
		fields := make([]Datum, count)
		for i := range fields {
			d, tail, err := readDatum(rest)
			if err != nil {
				return Datum{}, fmt.Errorf("decode struct field %d: %w", i, err)
			}
			fields[i] = d
			rest = tail
		}
		return NewStruct(fields), nil
	default:
		return Datum{}, fmt.Errorf("decode: unhandled kind %s", kind)
	}
}
