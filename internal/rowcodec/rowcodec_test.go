package rowcodec

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestIntRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40)} {
		buf := PutInt(nil, v)
		got, n, err := GetInt(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestStringRoundTrip(t *testing.T) {
	buf := PutString(nil, "hello, row")
	got, n, err := GetString(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, "hello, row", got)
}

func TestDecimalRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("12345.6789")
	buf := PutDecimal(nil, d)
	got, n, err := GetDecimal(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.True(t, d.Equal(got))
}

func TestFloatRoundTrip(t *testing.T) {
	buf := PutFloat(nil, 3.14159)
	got, n, err := GetFloat(buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.InDelta(t, 3.14159, got, 1e-12)
}

func TestMultiColumnRow(t *testing.T) {
	var row []byte
	row = PutInt(row, 7)
	row = PutString(row, "name")
	row = PutDecimal(row, decimal.NewFromFloat(9.5))

	id, n, err := GetInt(row)
	require.NoError(t, err)
	row = row[n:]
	name, n, err := GetString(row)
	require.NoError(t, err)
	row = row[n:]
	price, _, err := GetDecimal(row)
	require.NoError(t, err)

	require.Equal(t, int64(7), id)
	require.Equal(t, "name", name)
	require.True(t, decimal.NewFromFloat(9.5).Equal(price))
}
