// Package keycodec implements the memcomparable key encoding (component B):
// an order-preserving byte layout, parameterised by a per-column sort
// direction, such that bytewise comparison of two encoded projected rows
// equals their logical comparison under the declared directions.
package keycodec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"streamjoin/internal/types"
)

// Direction is the sort direction a memcomparable column is encoded under.
type Direction uint8

const (
	Asc Direction = iota
	Desc
)

// ColumnSpec describes one column of a memcomparable projection: its
// logical Kind, the direction it sorts under, and — for KindStruct — the
// specs of its nested fields.
type ColumnSpec struct {
	Kind      types.Kind
	Direction Direction
	Fields    []ColumnSpec
}

// projection is satisfied by both types.Row and types.View.
type projection interface {
	Len() int
	Get(i int) types.Datum
}

// Encode produces the memcomparable byte encoding of row under specs. Law:
// for rows A, B projected to the same specs, bytes.Compare(Encode(A,specs),
// Encode(B,specs)) has the same sign as the logical comparison of A and B
// under the declared directions.
func Encode(row projection, specs []ColumnSpec) ([]byte, error) {
	if row.Len() != len(specs) {
		return nil, fmt.Errorf("keycodec: row has %d columns, specs has %d", row.Len(), len(specs))
	}
	var out []byte
	for i, spec := range specs {
		b, err := encodeDatum(row.Get(i), spec)
		if err != nil {
			return nil, fmt.Errorf("keycodec: column %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// Decode reverses Encode given the same column specs.
func Decode(data []byte, specs []ColumnSpec) (types.Row, error) {
	datums := make([]types.Datum, len(specs))
	rest := data
	for i, spec := range specs {
		d, tail, err := decodeDatum(rest, spec)
		if err != nil {
			return types.Row{}, fmt.Errorf("keycodec: column %d: %w", i, err)
		}
		datums[i] = d
		rest = tail
	}
	if len(rest) != 0 {
		return types.Row{}, fmt.Errorf("keycodec: %d trailing bytes after %d columns", len(rest), len(specs))
	}
	return types.NewRow(datums), nil
}

const (
	nullByte    byte = 0x00
	nonNullByte byte = 0x01
)

func encodeDatum(d types.Datum, spec ColumnSpec) ([]byte, error) {
	if d.Kind() != spec.Kind {
		return nil, fmt.Errorf("datum kind %s does not match spec kind %s", d.Kind(), spec.Kind)
	}

	var body []byte
	if d.IsNull() {
		body = []byte{nullByte}
	} else {
		payload, err := encodeBody(d, spec)
		if err != nil {
			return nil, err
		}
		body = append([]byte{nonNullByte}, payload...)
	}

	if spec.Direction == Desc {
		body = complement(body)
	}
	return body, nil
}

func decodeDatum(data []byte, spec ColumnSpec) (types.Datum, []byte, error) {
	if len(data) < 1 {
		return types.Datum{}, nil, fmt.Errorf("truncated column")
	}

	marker := data[0]
	if spec.Direction == Desc {
		marker = ^marker
	}

	if marker == nullByte {
		return types.NewNull(spec.Kind), data[1:], nil
	}
	if marker != nonNullByte {
		return types.Datum{}, nil, fmt.Errorf("bad null marker byte 0x%02x", marker)
	}

	rest := data[1:]
	if spec.Direction == Desc {
		rest = complement(rest)
	}
	d, tail, err := decodeBody(rest, spec)
	if err != nil {
		return types.Datum{}, nil, err
	}
	if spec.Direction == Desc {
		tail = complement(tail)
	}
	return d, tail, nil
}

func complement(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = ^c
	}
	return out
}

// encodeFixedSigned encodes a sign-flipped big-endian unsigned integer of
// the given byte width so that signed ordering matches unsigned byte
// ordering.
func encodeFixedSigned(v int64, width int) []byte {
	u := uint64(v) ^ (uint64(1) << uint(width*8-1))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return append([]byte(nil), buf[8-width:]...)
}

func decodeFixedSigned(b []byte, width int) int64 {
	var buf [8]byte
	copy(buf[8-width:], b)
	u := binary.BigEndian.Uint64(buf[:])
	u ^= uint64(1) << uint(width*8-1)
	return int64(u)
}

func encodeOrderedFloat(f float64) []byte {
	bits := math.Float64bits(f)
	const signBit = uint64(1) << 63
	if bits&signBit != 0 {
		bits = ^bits
	} else {
		bits |= signBit
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return buf[:]
}

func decodeOrderedFloat(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	const signBit = uint64(1) << 63
	if bits&signBit != 0 {
		bits &^= signBit
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func encodeBody(d types.Datum, spec ColumnSpec) ([]byte, error) {
	switch d.Kind() {
	case types.KindBoolean:
		if d.BoolValue() {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case types.KindInt16:
		return encodeFixedSigned(int64(d.Int16Value()), 2), nil
	case types.KindInt32:
		return encodeFixedSigned(int64(d.Int32Value()), 4), nil
	case types.KindInt64:
		return encodeFixedSigned(d.Int64Value(), 8), nil
	case types.KindFloat32:
		return encodeOrderedFloat(float64(d.Float32Value())), nil
	case types.KindFloat64:
		return encodeOrderedFloat(d.Float64Value()), nil
	case types.KindDecimal:
		return encodeDecimal(d), nil
	case types.KindVarchar:
		return escapeAndTerminate([]byte(d.VarcharValue())), nil
	case types.KindDate:
		return encodeFixedSigned(int64(d.DateValue().Days), 4), nil
	case types.KindTime:
		return encodeFixedSigned(d.TimeValue().Nanos, 8), nil
	case types.KindTimestamp:
		return encodeFixedSigned(d.TimestampValue().Micros, 8), nil
	case types.KindInterval:
		iv := d.IntervalValue()
		out := encodeFixedSigned(int64(iv.Months), 4)
		out = append(out, encodeFixedSigned(int64(iv.Days), 4)...)
		out = append(out, encodeFixedSigned(iv.Millis, 8)...)
		return out, nil
	case types.KindStruct:
		fields := d.StructFields()
		if len(fields) != len(spec.Fields) {
			return nil, fmt.Errorf("struct has %d fields, spec has %d", len(fields), len(spec.Fields))
		}
		var out []byte
		for i, f := range fields {
			fb, err := encodeDatum(f, spec.Fields[i])
			if err != nil {
				return nil, fmt.Errorf("struct field %d: %w", i, err)
			}
			out = append(out, fb...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", d.Kind())
	}
}

func decodeBody(data []byte, spec ColumnSpec) (types.Datum, []byte, error) {
	switch spec.Kind {
	case types.KindBoolean:
		if len(data) < 1 {
			return types.Datum{}, nil, fmt.Errorf("truncated boolean")
		}
		return types.NewBool(data[0] != 0), data[1:], nil
	case types.KindInt16:
		if len(data) < 2 {
			return types.Datum{}, nil, fmt.Errorf("truncated int16")
		}
		return types.NewInt16(int16(decodeFixedSigned(data[:2], 2))), data[2:], nil
	case types.KindInt32:
		if len(data) < 4 {
			return types.Datum{}, nil, fmt.Errorf("truncated int32")
		}
		return types.NewInt32(int32(decodeFixedSigned(data[:4], 4))), data[4:], nil
	case types.KindInt64:
		if len(data) < 8 {
			return types.Datum{}, nil, fmt.Errorf("truncated int64")
		}
		return types.NewInt64(decodeFixedSigned(data[:8], 8)), data[8:], nil
	case types.KindFloat32:
		if len(data) < 8 {
			return types.Datum{}, nil, fmt.Errorf("truncated float32")
		}
		return types.NewFloat32(float32(decodeOrderedFloat(data[:8]))), data[8:], nil
	case types.KindFloat64:
		if len(data) < 8 {
			return types.Datum{}, nil, fmt.Errorf("truncated float64")
		}
		return types.NewFloat64(decodeOrderedFloat(data[:8])), data[8:], nil
	case types.KindDecimal:
		return decodeDecimal(data)
	case types.KindVarchar:
		raw, tail, err := unescapeAndConsume(data)
		if err != nil {
			return types.Datum{}, nil, err
		}
		return types.NewVarchar(string(raw)), tail, nil
	case types.KindDate:
		if len(data) < 4 {
			return types.Datum{}, nil, fmt.Errorf("truncated date")
		}
		return types.NewDate(types.Date{Days: int32(decodeFixedSigned(data[:4], 4))}), data[4:], nil
	case types.KindTime:
		if len(data) < 8 {
			return types.Datum{}, nil, fmt.Errorf("truncated time")
		}
		return types.NewTime(types.TimeOfDay{Nanos: decodeFixedSigned(data[:8], 8)}), data[8:], nil
	case types.KindTimestamp:
		if len(data) < 8 {
			return types.Datum{}, nil, fmt.Errorf("truncated timestamp")
		}
		return types.NewTimestamp(types.Timestamp{Micros: decodeFixedSigned(data[:8], 8)}), data[8:], nil
	case types.KindInterval:
		if len(data) < 16 {
			return types.Datum{}, nil, fmt.Errorf("truncated interval")
		}
		months := int32(decodeFixedSigned(data[0:4], 4))
		days := int32(decodeFixedSigned(data[4:8], 4))
		millis := decodeFixedSigned(data[8:16], 8)
		return types.NewInterval(types.Interval{Months: months, Days: days, Millis: millis}), data[16:], nil
	case types.KindStruct:
		fields := make([]types.Datum, len(spec.Fields))
		rest := data
		for i, fspec := range spec.Fields {
			d, tail, err := decodeDatum(rest, fspec)
			if err != nil {
				return types.Datum{}, nil, fmt.Errorf("struct field %d: %w", i, err)
			}
			fields[i] = d
			rest = tail
		}
		return types.NewStruct(fields), rest, nil
	default:
		return types.Datum{}, nil, fmt.Errorf("unsupported kind %s", spec.Kind)
	}
}

// escapeAndTerminate encodes an arbitrary byte string so that bytewise
// comparison of two escaped strings matches lexicographic comparison of the
// originals, and the encoding is self-delimiting (no length prefix needed):
// every 0x00 byte is escaped to 0x00 0xFF, then the whole string is
// terminated with 0x00 0x01. This is the standard memcomparable-bytes
// scheme used by ordered KV encodings (CockroachDB, TiKV).
func escapeAndTerminate(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+2)
	for _, b := range raw {
		if b == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, b)
		}
	}
	return append(out, 0x00, 0x01)
}

func unescapeAndConsume(data []byte) ([]byte, []byte, error) {
	var out []byte
	i := 0
	for {
		idx := indexByte(data[i:], 0x00)
		if idx < 0 {
			return nil, nil, fmt.Errorf("unterminated escaped string")
		}
		pos := i + idx
		if pos+1 >= len(data) {
			return nil, nil, fmt.Errorf("truncated escape sequence")
		}
		out = append(out, data[i:pos]...)
		switch data[pos+1] {
		case 0xFF:
			out = append(out, 0x00)
			i = pos + 2
		case 0x01:
			return out, data[pos+2:], nil
		default:
			return nil, nil, fmt.Errorf("invalid escape sequence 0x00 0x%02x", data[pos+1])
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// encodeDecimal produces a self-delimiting, order-preserving encoding of an
// arbitrary-precision decimal: a sign group byte (0=negative, 1=zero,
// 2=positive), followed — for non-zero values — by the normalized
// magnitude order-of-magnitude exponent and digit string, escaped and
// terminated, with the whole tail bit-complemented for negative values so
// that larger-magnitude negatives sort before smaller-magnitude ones.
func encodeDecimal(d types.Datum) []byte {
	dec := d.DecimalValue()
	coeff := dec.Coefficient()
	sign := coeff.Sign()
	if sign == 0 {
		return []byte{1}
	}

	abs := new(big.Int).Abs(coeff)
	digits := abs.String()
	exp := dec.Exponent()

	trimmed := strings.TrimRight(digits, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	exp += int32(len(digits) - len(trimmed))
	digits = trimmed

	magnitudeExp := exp + int32(len(digits))

	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], uint32(magnitudeExp)+(1<<31))

	tail := escapeAndTerminate(append(expBuf[:], digits...))

	out := make([]byte, 0, 1+len(tail))
	if sign > 0 {
		out = append(out, 2)
		out = append(out, tail...)
	} else {
		out = append(out, 0)
		out = append(out, complement(tail)...)
	}
	return out
}

func decodeDecimal(data []byte) (types.Datum, []byte, error) {
	if len(data) < 1 {
		return types.Datum{}, nil, fmt.Errorf("truncated decimal")
	}
	group := data[0]
	rest := data[1:]

	switch group {
	case 1:
		return types.NewDecimal(decimal.Zero), rest, nil
	case 0, 2:
		var raw, tail []byte
		var err error
		if group == 0 {
			raw, tail, err = unescapeComplementedAndConsume(rest)
		} else {
			raw, tail, err = unescapeAndConsume(rest)
		}
		if err != nil {
			return types.Datum{}, nil, fmt.Errorf("decode decimal magnitude: %w", err)
		}
		if len(raw) < 4 {
			return types.Datum{}, nil, fmt.Errorf("decode decimal: truncated exponent")
		}
		magnitudeExp := int32(binary.BigEndian.Uint32(raw[:4])) - (1 << 31)
		digits := string(raw[4:])
		if digits == "" {
			digits = "0"
		}

		exp := magnitudeExp - int32(len(digits))
		coeff, ok := new(big.Int).SetString(digits, 10)
		if !ok {
			return types.Datum{}, nil, fmt.Errorf("decode decimal: bad digit string %q", digits)
		}
		if group == 0 {
			coeff.Neg(coeff)
		}
		return types.NewDecimal(decimal.NewFromBigInt(coeff, exp)), tail, nil
	default:
		return types.Datum{}, nil, fmt.Errorf("bad decimal sign group %d", group)
	}
}

// unescapeComplementedAndConsume reverses escapeAndTerminate followed by a
// whole-field bit complement without complementing bytes beyond the field:
// it scans for the complemented escape byte (0xFF) and complemented
// terminator (0x00 0x01 complemented is 0xFF 0xFE), complementing only the
// bytes it consumes.
func unescapeComplementedAndConsume(data []byte) ([]byte, []byte, error) {
	var out []byte
	i := 0
	for {
		idx := indexByte(data[i:], 0xFF)
		if idx < 0 {
			return nil, nil, fmt.Errorf("unterminated complemented escaped string")
		}
		pos := i + idx
		if pos+1 >= len(data) {
			return nil, nil, fmt.Errorf("truncated complemented escape sequence")
		}
		out = append(out, complement(data[i:pos])...)
		switch data[pos+1] {
		case 0x00:
			out = append(out, 0x00)
			i = pos + 2
		case 0xFE:
			return out, data[pos+2:], nil
		default:
			return nil, nil, fmt.Errorf("invalid complemented escape sequence 0xFF 0x%02x", data[pos+1])
		}
	}
}
