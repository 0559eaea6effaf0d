package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Entry{
		{Kind: KindBeginTxn, Timestamp: time.Unix(1000, 0), TxnID: 7},
		{Kind: KindCommitTxn, Timestamp: time.Unix(1001, 0), TxnID: 7},
		{Kind: KindSavepoint, Timestamp: time.Unix(1002, 0), TxnID: 7, Name: "sp1"},
		{Kind: KindRollbackToSavepoint, Timestamp: time.Unix(1003, 0), TxnID: 7, Name: "sp1"},
		{Kind: KindCreateTable, Timestamp: time.Unix(1004, 0), TxnID: 7, ObjectID: 42},
		{Kind: KindDropTable, Timestamp: time.Unix(1005, 0), TxnID: 7, ObjectID: 42, AfterDef: []byte("old schema")},
		{Kind: KindAlterTable, Timestamp: time.Unix(1006, 0), TxnID: 7, TableID: 42, AfterFlag: true, BeforeDef: []byte("before"), AfterDef: []byte("after")},
		{Kind: KindInsert, Timestamp: time.Unix(1007, 0), TxnID: 7, TableID: 42, RowID: 99, RowBytes: []byte("a small row")},
		{Kind: KindUpdate, Timestamp: time.Unix(1008, 0), TxnID: 7, TableID: 42, RowID: 99, AfterFlag: true, UpsertFlag: false, RowBytes: []byte("updated row")},
		{Kind: KindDelete, Timestamp: time.Unix(1009, 0), TxnID: 7, TableID: 42, RowID: 99, OldRowBytes: []byte("deleted row")},
	}
	for _, want := range cases {
		buf := Encode(want)
		got, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, want.Kind, got.Kind)
		require.Equal(t, want.TxnID, got.TxnID)
		require.Equal(t, want.Name, got.Name)
		require.Equal(t, want.ObjectID, got.ObjectID)
		require.Equal(t, want.TableID, got.TableID)
		require.Equal(t, want.RowID, got.RowID)
		require.Equal(t, want.AfterFlag, got.AfterFlag)
		require.Equal(t, want.RowBytes, got.RowBytes)
		require.Equal(t, want.OldRowBytes, got.OldRowBytes)
		require.Equal(t, want.BeforeDef, got.BeforeDef)
		require.Equal(t, want.AfterDef, got.AfterDef)
	}
}

func TestEncodeDecodeLargeRowCompresses(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 251)
	}
	want := Entry{Kind: KindInsert, Timestamp: time.Unix(2000, 0), TxnID: 1, TableID: 5, RowID: 1, RowBytes: big}
	buf := Encode(want)
	require.Less(t, len(buf), len(big))

	got, _, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, big, got.RowBytes)
}

func TestDecodeTruncatedIsShortRecord(t *testing.T) {
	buf := Encode(Entry{Kind: KindBeginTxn, Timestamp: time.Unix(1, 0), TxnID: 1})
	_, _, err := Decode(buf[:len(buf)-2])
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestDecodeZeroPrefixIsShortRecord(t *testing.T) {
	buf := make([]byte, 64)
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrShortRecord)
}

func TestDecodeCorruptCRCDetected(t *testing.T) {
	buf := Encode(Entry{Kind: KindInsert, Timestamp: time.Unix(1, 0), TxnID: 1, TableID: 1, RowID: 1, RowBytes: []byte("row")})
	buf[6] ^= 0xFF
	_, _, err := Decode(buf)
	require.Error(t, err)
}
