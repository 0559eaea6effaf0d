// Package rowcodec provides optional typed-column helpers over the
// otherwise-opaque row payload the storage core persists (spec §6.1: "row
// payload is opaque to the storage core"). It does not impose a row format;
// callers that want typed columns use these encode/decode helpers to build
// their own row_bytes, the same way the teacher's basic.BigIntValue and
// basic.ComplextValue wrap a raw column value for transport through the
// page/record layer.
package rowcodec

import (
	"encoding/binary"
	"math"

	"github.com/shopspring/decimal"

	"github.com/epiloglite/epiloglite/internal/cint"
)

// PutInt appends a variable-length signed integer column, zig-zag encoded
// so small negative values stay compact under CInt.
func PutInt(dst []byte, v int64) []byte {
	zz := uint64((v << 1) ^ (v >> 63))
	return cint.Encode(dst, zz)
}

// GetInt reads a PutInt-encoded column.
func GetInt(buf []byte) (int64, int, error) {
	zz, n, err := cint.Decode(buf)
	if err != nil {
		return 0, 0, err
	}
	v := int64(zz>>1) ^ -int64(zz&1)
	return v, n, nil
}

// PutString appends a length-prefixed UTF-8 string column.
func PutString(dst []byte, s string) []byte {
	return PutBlob(dst, []byte(s))
}

// GetString reads a PutString-encoded column.
func GetString(buf []byte) (string, int, error) {
	b, n, err := GetBlob(buf)
	return string(b), n, err
}

// PutBlob appends a length-prefixed opaque byte column.
func PutBlob(dst []byte, b []byte) []byte {
	dst = cint.Encode(dst, uint64(len(b)))
	return append(dst, b...)
}

// GetBlob reads a PutBlob-encoded column.
func GetBlob(buf []byte) ([]byte, int, error) {
	l, n, err := cint.Decode(buf)
	if err != nil {
		return nil, 0, err
	}
	if n+int(l) > len(buf) {
		return nil, 0, cint.ErrTruncated
	}
	return append([]byte(nil), buf[n:n+int(l)]...), n + int(l), nil
}

// PutDecimal appends an exact-precision NUMERIC/DECIMAL column using
// shopspring/decimal's binary marshaling, length-prefixed so it composes
// with the other column helpers in a fixed-order row.
func PutDecimal(dst []byte, d decimal.Decimal) []byte {
	b, _ := d.MarshalBinary()
	return PutBlob(dst, b)
}

// GetDecimal reads a PutDecimal-encoded column.
func GetDecimal(buf []byte) (decimal.Decimal, int, error) {
	b, n, err := GetBlob(buf)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}
	var d decimal.Decimal
	if err := d.UnmarshalBinary(b); err != nil {
		return decimal.Decimal{}, 0, err
	}
	return d, n, nil
}

// PutFloat appends an IEEE-754 double column.
func PutFloat(dst []byte, v float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return append(dst, buf[:]...)
}

// GetFloat reads a PutFloat-encoded column.
func GetFloat(buf []byte) (float64, int, error) {
	if len(buf) < 8 {
		return 0, 0, cint.ErrTruncated
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:8])), 8, nil
}
