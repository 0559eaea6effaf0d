package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/epierr"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/internal/pager"
	"github.com/epiloglite/epiloglite/internal/vfs"
)

const testRingSize = 2

func newTestJournal(t *testing.T, pageSize int) (*Journal, *pager.Pager) {
	t.Helper()
	mem := vfs.NewMem()
	pages := int64(page.PageJournalFirst) + testRingSize
	require.NoError(t, mem.Truncate(pages*int64(pageSize)))
	// The pager CRC-checks reserved pages like any other, so each ring page
	// starts out as a formatted, empty journal envelope rather than raw zeroes.
	for id := int64(page.PageJournalFirst); id < pages; id++ {
		env := page.Envelope{PageType: page.TypeJournal, Payload: make([]byte, page.PayloadCapacity(pageSize))}
		require.NoError(t, mem.WriteAt(id*int64(pageSize), env.Marshal(pageSize)))
	}
	p := pager.New(mem, pager.Config{PageSize: pageSize, CachePages: 10}, cint.Null, pages)
	return New(p, testRingSize, Cursor{}, Cursor{}), p
}

func TestAppendAndScanRoundTrip(t *testing.T) {
	j, p := newTestJournal(t, 512)

	require.NoError(t, j.Append(Entry{Kind: KindBeginTxn, Timestamp: time.Unix(1, 0), TxnID: 1}))
	require.NoError(t, j.Append(Entry{Kind: KindInsert, Timestamp: time.Unix(2, 0), TxnID: 1, TableID: 9, RowID: 1, RowBytes: []byte("row one")}))
	require.NoError(t, j.Append(Entry{Kind: KindCommitTxn, Timestamp: time.Unix(3, 0), TxnID: 1}))
	require.NoError(t, p.Flush())

	got, err := j.ScanForRecovery()
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, KindBeginTxn, got[0].Entry.Kind)
	require.Equal(t, KindInsert, got[1].Entry.Kind)
	require.Equal(t, []byte("row one"), got[1].Entry.RowBytes)
	require.Equal(t, KindCommitTxn, got[2].Entry.Kind)
}

// incompressibleRow returns n pseudo-random bytes that snappy cannot shrink,
// so an entry carrying them keeps its full size in the ring.
func incompressibleRow(n int) []byte {
	row := make([]byte, n)
	x := uint32(2463534242)
	for i := range row {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		row[i] = byte(x)
	}
	return row
}

func TestAppendAdvancesRingOnPageFull(t *testing.T) {
	j, _ := newTestJournal(t, 512)
	row := incompressibleRow(300)
	for i := 0; i < 2; i++ {
		require.NoError(t, j.Append(Entry{Kind: KindInsert, Timestamp: time.Unix(int64(i), 0), TxnID: 1, TableID: 1, RowID: uint64(i), RowBytes: row}))
	}
	require.NotEqual(t, uint32(0), j.Tail().RingIndex)
}

func TestAppendBackpressureWhenRingFull(t *testing.T) {
	j, _ := newTestJournal(t, 512)
	row := incompressibleRow(300)
	var lastErr error
	for i := 0; i < testRingSize+2; i++ {
		lastErr = j.Append(Entry{Kind: KindInsert, Timestamp: time.Unix(int64(i), 0), TxnID: 1, TableID: 1, RowID: uint64(i), RowBytes: row})
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	require.True(t, epierr.Is(lastErr, epierr.ErrBackpressure))
}

func TestScanStopsAtCorruptEntry(t *testing.T) {
	j, p := newTestJournal(t, 512)
	require.NoError(t, j.Append(Entry{Kind: KindBeginTxn, Timestamp: time.Unix(1, 0), TxnID: 1}))
	second := j.Tail()
	require.NoError(t, j.Append(Entry{Kind: KindInsert, Timestamp: time.Unix(2, 0), TxnID: 1, TableID: 1, RowID: 1, RowBytes: []byte("victim")}))
	require.NoError(t, p.Flush())

	pageID := uint64(page.PageJournalFirst) + uint64(second.RingIndex)
	require.NoError(t, p.Mutate(pageID, func(env *page.Envelope) {
		env.Payload[second.Offset+6] ^= 0xFF
	}))
	require.NoError(t, p.Flush())

	got, err := j.ScanForRecovery()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, KindBeginTxn, got[0].Entry.Kind)
}

func TestAdvanceHeadZeroesConsumedBytes(t *testing.T) {
	j, p := newTestJournal(t, 512)
	require.NoError(t, j.Append(Entry{Kind: KindBeginTxn, Timestamp: time.Unix(1, 0), TxnID: 1}))
	mid := j.Tail()
	require.NoError(t, j.Append(Entry{Kind: KindCommitTxn, Timestamp: time.Unix(2, 0), TxnID: 1}))
	require.NoError(t, p.Flush())

	require.NoError(t, j.AdvanceHead(mid))
	require.NoError(t, p.Flush())

	pg, err := p.GetReservedPage(uint64(page.PageJournalFirst))
	require.NoError(t, err)
	for _, b := range pg.Envelope.Payload[:mid.Offset] {
		require.Equal(t, byte(0), b)
	}

	remaining, err := j.ScanForRecovery()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, KindCommitTxn, remaining[0].Entry.Kind)
}
