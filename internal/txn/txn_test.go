package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/journal"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/internal/pager"
	"github.com/epiloglite/epiloglite/internal/vfs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mem := vfs.NewMem()
	pages := int64(page.PageJournalFirst) + 4
	require.NoError(t, mem.Truncate(pages*512))
	// The pager CRC-checks reserved pages like any other, so each ring page
	// starts out as a formatted, empty journal envelope rather than raw zeroes.
	for id := int64(page.PageJournalFirst); id < pages; id++ {
		env := page.Envelope{PageType: page.TypeJournal, Payload: make([]byte, page.PayloadCapacity(512))}
		require.NoError(t, mem.WriteAt(id*512, env.Marshal(512)))
	}
	p := pager.New(mem, pager.Config{PageSize: 512, CachePages: 10}, cint.Null, pages)
	j := journal.New(p, 4, journal.Cursor{}, journal.Cursor{})
	return New(j, p)
}

func TestBeginCommitTransitions(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)
	require.Equal(t, Active, tx.State())

	require.NoError(t, m.Commit(tx))
	require.Equal(t, Idle, tx.State())
}

func TestOnlyOneActiveTransaction(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Begin()
	require.NoError(t, err)
	_, err = m.Begin()
	require.Error(t, err)
}

func TestRollbackReturnsStepsInReverse(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.RecordBefore(tx, journal.Entry{Kind: journal.KindInsert, TxnID: tx.ID, RowID: 1}))
	require.NoError(t, m.RecordBefore(tx, journal.Entry{Kind: journal.KindInsert, TxnID: tx.ID, RowID: 2}))

	steps, err := m.Rollback(tx)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, uint64(2), steps[0].Entry.RowID)
	require.Equal(t, uint64(1), steps[1].Entry.RowID)
	require.Equal(t, Idle, tx.State())
}

func TestSavepointAndRollbackTo(t *testing.T) {
	m := newTestManager(t)
	tx, err := m.Begin()
	require.NoError(t, err)

	require.NoError(t, m.RecordBefore(tx, journal.Entry{Kind: journal.KindInsert, TxnID: tx.ID, RowID: 1}))
	require.NoError(t, m.Savepoint(tx, "s1"))
	require.NoError(t, m.RecordBefore(tx, journal.Entry{Kind: journal.KindInsert, TxnID: tx.ID, RowID: 2}))
	require.NoError(t, m.RecordBefore(tx, journal.Entry{Kind: journal.KindInsert, TxnID: tx.ID, RowID: 3}))

	steps, err := m.RollbackTo(tx, "s1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, uint64(3), steps[0].Entry.RowID)
	require.Equal(t, uint64(2), steps[1].Entry.RowID)

	require.NoError(t, m.Commit(tx))
}

func TestCommitWithoutBeginFails(t *testing.T) {
	m := newTestManager(t)
	require.Error(t, m.Commit(&Txn{ID: 99, state: Active}))
}
