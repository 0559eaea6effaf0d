package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epiloglite/epiloglite/internal/catalog"
	"github.com/epiloglite/epiloglite/internal/vfs"
)

func testOpts() Options {
	o := DefaultOptions()
	o.PageSizeExp = 9 // 512-byte pages, small enough to force chain growth in tests
	o.JournalPages = 4
	return o
}

func mustCreateTable(t *testing.T, e *Engine, name string) {
	t.Helper()
	require.NoError(t, e.CreateTable(nil, name, []catalog.ColumnDef{{Name: "a"}}, nil))
}

// Scenario A: insert-then-crash-before-commit. SCAN returns empty.
func TestScenarioInsertCrashBeforeCommit(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")
	v.Sync(vfs.SyncFull) // durable point: table exists, nothing inserted yet

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Insert(tx, "T", []byte{42})
	require.NoError(t, err)
	// crash before Commit's flush/fsync
	v.Crash()

	e2, err := Open(v, testOpts())
	require.NoError(t, err)
	rows, err := e2.Scan("T")
	require.NoError(t, err)
	require.Empty(t, rows)
}

// Scenario B: insert-then-commit-then-crash. SCAN returns the row.
func TestScenarioInsertCommitThenCrash(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")

	tx, err := e.Begin()
	require.NoError(t, err)
	rowID, err := e.Insert(tx, "T", []byte{42})
	require.NoError(t, err)
	require.NoError(t, e.Commit(tx))
	v.Crash() // drops anything not fsynced; Commit already fsynced via pager.Flush

	e2, err := Open(v, testOpts())
	require.NoError(t, err)
	rows, err := e2.Scan("T")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, rowID, rows[0].RowID)
	require.Equal(t, []byte{42}, rows[0].Bytes)
}

// Scenario D: rollback to savepoint undoes only what followed it.
func TestScenarioRollbackToSavepoint(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")

	tx, err := e.Begin()
	require.NoError(t, err)
	xID, err := e.Insert(tx, "T", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, e.Savepoint(tx, "s"))
	_, err = e.Insert(tx, "T", []byte("y"))
	require.NoError(t, err)
	_, err = e.Insert(tx, "T", []byte("z"))
	require.NoError(t, err)
	require.NoError(t, e.RollbackTo(tx, "s"))
	require.NoError(t, e.Commit(tx))

	rows, err := e.Scan("T")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, xID, rows[0].RowID)
	require.Equal(t, []byte("x"), rows[0].Bytes)
}

// Scenario F: header corruption fallback. Zeroing page 0 still lets the
// engine recover by rebuilding it from page 1.
func TestScenarioHeaderCorruptionFallback(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")
	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = e.Insert(tx, "T", []byte{7})
	require.NoError(t, err)
	require.NoError(t, e.Commit(tx))

	v.CorruptRange(0, 128)

	e2, err := Open(v, testOpts())
	require.NoError(t, err)
	rows, err := e2.Scan("T")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = e2.Insert(nil, "T", []byte{8})
	require.NoError(t, err)
}

// Property 4: round-trip encoding. get(insert(r)) == r.
func TestRoundTripInsertGet(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")

	rowID, err := e.Insert(nil, "T", []byte("hello world"))
	require.NoError(t, err)
	got, err := e.Get("T", rowID)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

// Update followed by delete leaves the table empty and the row tombstoned.
func TestUpdateThenDelete(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")

	rowID, err := e.Insert(nil, "T", []byte("v0"))
	require.NoError(t, err)
	require.NoError(t, e.Update(nil, "T", rowID, []byte("v1")))
	got, err := e.Get("T", rowID)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	old, err := e.Delete(nil, "T", rowID)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), old)

	_, err = e.Get("T", rowID)
	require.Error(t, err)
}

// Scenario C (partial): an update that can't fit on the source page's
// remaining space forces the row onto a new page, and the source page's
// counter is decremented; once it drops to zero the page is reclaimed.
func TestUpdateAcrossPagesReclaimsSourcePage(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")

	// 300 pseudo-random bytes stay uncompressed, so the row's record takes
	// 306 of the 479-byte payload (512-byte page, page_size_exp=9) and leaves
	// 173 bytes free; a same-size overwrite cannot land on the source page and
	// must move to a fresh one.
	row := make([]byte, 300)
	x := uint32(2463534242)
	for i := range row {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		row[i] = byte(x)
	}
	rowID, err := e.Insert(nil, "T", row)
	require.NoError(t, err)
	ts, err := e.tableState("T")
	require.NoError(t, err)
	sourcePage := ts.dataChain[0]

	require.NoError(t, e.Update(nil, "T", rowID, row))
	require.NotEqual(t, []uint64{sourcePage}, ts.dataChain) // row moved to a new page

	_, err = e.p.GetPage(sourcePage)
	require.NoError(t, err) // still a valid page id; reclaim only splices/frees, doesn't invalidate the slot
}

// Scenario: alter-then-crash-before-commit. Recovery undoes the in-flight
// ALTER TABLE by replaying its journaled BeforeDef, restoring the pre-alter
// definition (SPEC_FULL.md's ALTER TABLE decision).
func TestScenarioAlterTableCrashBeforeCommit(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")
	v.Sync(vfs.SyncFull) // durable point: table exists with its original columns

	orig, err := e.cat.Lookup("T")
	require.NoError(t, err)
	origCols := append([]catalog.ColumnDef(nil), orig.Columns...)

	tx, err := e.Begin()
	require.NoError(t, err)
	newDef := *orig
	newDef.Columns = append(append([]catalog.ColumnDef(nil), orig.Columns...), catalog.ColumnDef{Name: "b", Nullable: true})
	require.NoError(t, e.AlterTable(tx, "T", newDef))
	require.NoError(t, e.p.Flush()) // durable checkpoint mid-transaction, short of Commit
	v.Crash()                       // crash before Commit; BeginTxn/AlterTable entries survive, CommitTxn does not

	e2, err := Open(v, testOpts())
	require.NoError(t, err)
	restored, err := e2.cat.Lookup("T")
	require.NoError(t, err)
	require.Equal(t, origCols, restored.Columns)
}

func TestMaintainIsIdempotent(t *testing.T) {
	v := vfs.NewMem()
	e, err := Open(v, testOpts())
	require.NoError(t, err)
	mustCreateTable(t, e, "T")
	_, err = e.Insert(nil, "T", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, e.Maintain())
	require.NoError(t, e.Maintain())
}
