// Package cint implements CInt, the self-delimiting variable-length integer
// encoding used for every on-disk integer field wider than a byte (spec §3.2),
// and OffsetPointer, the (page_id, byte_offset) pair built on top of it.
package cint

import (
	"github.com/juju/errors"
)

// MaxLen is the space reserved for one CInt. Encode emits at most 9 bytes (a
// one-byte tag plus up to 8 big-endian magnitude bytes); MaxLen leaves
// headroom to 17.
const MaxLen = 17

// ErrTruncated is returned when a buffer ends before a CInt is fully decoded.
var ErrTruncated = errors.New("cint: truncated buffer")

// Encode appends the CInt encoding of v to dst and returns the result.
//
// Encoding: values 0-240 are stored as a single byte equal to the value.
// Values 241-2287 are stored as two bytes: (first-241)*256 + second + 241,
// with first in [241,248]. Larger values use a length byte in [249,255]
// meaning "249 + (len-2) following big-endian magnitude bytes", i.e. byte
// 249 introduces 2 magnitude bytes, up to byte 255 introducing 8 magnitude
// bytes — giving the format room to encode a full uint64 in 9 bytes total,
// well under MaxLen.
func Encode(dst []byte, v uint64) []byte {
	switch {
	case v <= 240:
		return append(dst, byte(v))
	case v <= 2287:
		v -= 241
		return append(dst, byte(v/256+241), byte(v%256))
	default:
		var buf [8]byte
		n := 0
		tmp := v
		for tmp > 0 {
			buf[n] = byte(tmp)
			tmp >>= 8
			n++
		}
		if n < 2 {
			n = 2
		}
		dst = append(dst, byte(249+n-2))
		for i := n - 1; i >= 0; i-- {
			dst = append(dst, buf[i])
		}
		return dst
	}
}

// Decode reads one CInt from the front of buf, returning the value and the
// number of bytes consumed.
func Decode(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrTruncated
	}
	first := buf[0]
	switch {
	case first <= 240:
		return uint64(first), 1, nil
	case first <= 248:
		if len(buf) < 2 {
			return 0, 0, ErrTruncated
		}
		return uint64(first-241)*256 + uint64(buf[1]) + 241, 2, nil
	default:
		n := int(first-249) + 2
		if len(buf) < 1+n {
			return 0, 0, ErrTruncated
		}
		var v uint64
		for i := 0; i < n; i++ {
			v = v<<8 | uint64(buf[1+i])
		}
		return v, 1 + n, nil
	}
}

// Len reports the number of bytes Encode would produce for v.
func Len(v uint64) int {
	switch {
	case v <= 240:
		return 1
	case v <= 2287:
		return 2
	default:
		n := 0
		tmp := v
		for tmp > 0 {
			tmp >>= 8
			n++
		}
		if n < 2 {
			n = 2
		}
		return 1 + n
	}
}

// OffsetPointer addresses a byte offset within a page. The zero value (0,0)
// is the null pointer; pages 0-3 are illegal targets from user data
// structures (spec §3.5).
type OffsetPointer struct {
	PageID uint64
	Offset uint64
}

// Null is the (0,0) sentinel.
var Null = OffsetPointer{}

// IsNull reports whether p is the null pointer.
func (p OffsetPointer) IsNull() bool {
	return p.PageID == 0 && p.Offset == 0
}

// Valid reports whether p is either null or targets a page at/after the
// first legal user page (4, per spec §3.1).
func (p OffsetPointer) Valid() bool {
	return p.IsNull() || p.PageID >= 4
}

// EncodeOffsetPointer appends p's CInt-encoded fields to dst.
func EncodeOffsetPointer(dst []byte, p OffsetPointer) []byte {
	dst = Encode(dst, p.PageID)
	dst = Encode(dst, p.Offset)
	return dst
}

// DecodeOffsetPointer reads an OffsetPointer from the front of buf.
func DecodeOffsetPointer(buf []byte) (OffsetPointer, int, error) {
	pageID, n1, err := Decode(buf)
	if err != nil {
		return OffsetPointer{}, 0, errors.Trace(err)
	}
	offset, n2, err := Decode(buf[n1:])
	if err != nil {
		return OffsetPointer{}, 0, errors.Trace(err)
	}
	return OffsetPointer{PageID: pageID, Offset: offset}, n1 + n2, nil
}

// OffsetPointerLen reports the encoded byte length of p.
func OffsetPointerLen(p OffsetPointer) int {
	return Len(p.PageID) + Len(p.Offset)
}
