package cint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 100, 240, 241, 242, 2287, 2288, 65535, 1 << 20, 1 << 40, ^uint64(0)}
	for _, v := range values {
		buf := Encode(nil, v)
		require.Equal(t, Len(v), len(buf))
		got, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf := Encode(nil, 1<<40)
	_, _, err := Decode(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestOffsetPointerNullAndValid(t *testing.T) {
	require.True(t, Null.IsNull())
	require.True(t, Null.Valid())

	illegal := OffsetPointer{PageID: 2, Offset: 10}
	require.False(t, illegal.Valid())

	legal := OffsetPointer{PageID: 4, Offset: 10}
	require.True(t, legal.Valid())

	buf := EncodeOffsetPointer(nil, legal)
	require.Equal(t, OffsetPointerLen(legal), len(buf))
	got, n, err := DecodeOffsetPointer(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, legal, got)
}
