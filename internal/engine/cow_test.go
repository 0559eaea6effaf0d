package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRowRecordRoundTripSmall(t *testing.T) {
	rec := encodeRowRecord(7, []byte("hi"))
	id, got, n, err := decodeRowRecord(rec)
	require.NoError(t, err)
	require.Equal(t, uint64(7), id)
	require.Equal(t, []byte("hi"), got)
	require.Equal(t, len(rec), n)
}

func TestRowRecordRoundTripCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 64) // 512 bytes, above rowCompressThreshold, highly compressible
	rec := encodeRowRecord(99, payload)
	require.Less(t, len(rec), len(payload), "compressible payload should shrink")

	id, got, n, err := decodeRowRecord(rec)
	require.NoError(t, err)
	require.Equal(t, uint64(99), id)
	require.Equal(t, payload, got)
	require.Equal(t, len(rec), n)
}

func TestRowRecordRoundTripIncompressible(t *testing.T) {
	// Pseudo-random bytes that lz4 cannot shrink; encodeRowRecord must fall
	// back to storing them raw rather than growing the record.
	payload := make([]byte, 300)
	x := uint32(2463534242)
	for i := range payload {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		payload[i] = byte(x)
	}
	rec := encodeRowRecord(5, payload)
	id, got, _, err := decodeRowRecord(rec)
	require.NoError(t, err)
	require.Equal(t, uint64(5), id)
	require.Equal(t, payload, got)
}

func TestUsedRowBytesSkipsTrailingGarbage(t *testing.T) {
	buf := make([]byte, 128)
	rec := encodeRowRecord(1, []byte("row"))
	copy(buf, rec)
	require.Equal(t, len(rec), usedRowBytes(buf))
}
