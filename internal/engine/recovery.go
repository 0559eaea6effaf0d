package engine

import (
	"bytes"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/catalog"
	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/journal"
	"github.com/epiloglite/epiloglite/logger"
)

// txnGroup accumulates one transaction's row entries across the recovery
// scan (spec §4.4.5 step 3), keyed by the single-writer model's guarantee
// that one transaction's entries are never interleaved with another's.
type txnGroup struct {
	id         uint64
	entries    []journal.ScannedEntry
	committed  bool
	rolledBack bool
}

// runRecovery implements spec §4.4.5 steps 3-4: scan the journal from head
// to tail, redo committed transactions' AFTER images, undo incomplete
// transactions' BEFORE images, then zero the consumed range and advance the
// head pointer. Catalog and table states must already be loaded (step 2,
// handled by Open before this is called).
func (e *Engine) runRecovery() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	scanned, err := e.j.ScanForRecovery()
	if err != nil {
		return errors.Trace(err)
	}
	if len(scanned) == 0 {
		return nil
	}

	groups := make(map[uint64]*txnGroup)
	var order []*txnGroup
	for _, se := range scanned {
		switch se.Entry.Kind {
		case journal.KindBeginTxn:
			if _, ok := groups[se.Entry.TxnID]; !ok {
				g := &txnGroup{id: se.Entry.TxnID}
				groups[se.Entry.TxnID] = g
				order = append(order, g)
			}
		case journal.KindCommitTxn:
			if g, ok := groups[se.Entry.TxnID]; ok {
				g.committed = true
			}
		case journal.KindRollbackTxn:
			if g, ok := groups[se.Entry.TxnID]; ok {
				g.rolledBack = true
			}
		default:
			g, ok := groups[se.Entry.TxnID]
			if !ok {
				logger.Warnf("recovery: discarding orphan entry kind=%d txn=%d (no BeginTxn seen)", se.Entry.Kind, se.Entry.TxnID)
				continue
			}
			g.entries = append(g.entries, se)
		}
	}

	for _, g := range order {
		if g.committed {
			for _, se := range g.entries {
				if err := e.redoEntry(se.Entry); err != nil {
					return errors.Annotatef(err, "redo txn %d", g.id)
				}
			}
			continue
		}
		// Both the crashed-mid-transaction and explicitly-rolled-back cases
		// (g.rolledBack) undo identically: walk BEFOREs in reverse.
		for i := len(g.entries) - 1; i >= 0; i-- {
			if err := e.undoEntry(g.entries[i].Entry); err != nil {
				return errors.Annotatef(err, "undo txn %d", g.id)
			}
		}
	}

	last := scanned[len(scanned)-1]
	newHead := journal.Cursor{RingIndex: last.At.RingIndex, Offset: last.At.Offset + uint32(last.Length)}
	if err := e.j.AdvanceHead(newHead); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.persistAccounting())
}

// redoEntry reapplies a committed transaction's AFTER image (spec §4.4.5
// step 3's redo case). COW placement is idempotent: reapplying an
// already-durable AFTER just produces a fresh copy and rewrites the index
// slot to it, which is harmless.
func (e *Engine) redoEntry(ent journal.Entry) error {
	switch ent.Kind {
	case journal.KindInsert:
		return e.redoUpsertLocked(ent.TableID, ent.RowID, ent.RowBytes)
	case journal.KindUpdate:
		if !ent.AfterFlag {
			return nil
		}
		return e.redoUpsertLocked(ent.TableID, ent.RowID, ent.RowBytes)
	case journal.KindDelete:
		return e.redoDeleteLocked(ent.TableID, ent.RowID)
	default:
		// DDL entries: the catalog mutation they describe was already
		// applied synchronously by the same call that journaled them, and
		// catalog.Create/Drop/Alter are themselves idempotent (NotFound /
		// AlreadyExists on a no-op replay), so nothing further is needed.
		return nil
	}
}

// undoEntry reverses an incomplete transaction's BEFORE image (spec
// §4.4.5 step 3's undo case, and Rollback/RollbackTo's reapplication).
func (e *Engine) undoEntry(ent journal.Entry) error {
	switch ent.Kind {
	case journal.KindInsert:
		return e.redoDeleteLocked(ent.TableID, ent.RowID) // row never should have existed
	case journal.KindUpdate:
		if ent.AfterFlag {
			return nil // only the BEFORE half is undone
		}
		return e.redoUpsertLocked(ent.TableID, ent.RowID, ent.RowBytes)
	case journal.KindDelete:
		return e.redoUpsertLocked(ent.TableID, ent.RowID, ent.OldRowBytes)
	case journal.KindAlterTable:
		return e.undoAlterTableLocked(ent)
	default:
		return nil
	}
}

// undoAlterTableLocked restores the table's pre-alter definition from the
// entry's BeforeDef (SPEC_FULL.md's ALTER TABLE decision: a journaled
// BEFORE+AFTER pair makes an in-flight alter always undoable, the same way
// Update's BEFORE image undoes a row write).
func (e *Engine) undoAlterTableLocked(ent journal.Entry) error {
	before, err := catalog.DecodeTableDef(ent.BeforeDef)
	if err != nil {
		return errors.Trace(err)
	}
	cur, err := e.cat.LookupByID(ent.TableID)
	if err != nil {
		return nil // table since dropped; nothing to reconcile
	}
	restored, err := e.cat.Alter(cur.Name, *before)
	if err != nil {
		return errors.Trace(err)
	}
	if ts, ok := e.tables[cur.Name]; ok {
		delete(e.tables, cur.Name)
		ts.def = restored
		e.tables[restored.Name] = ts
	}
	return nil
}

// redoUpsertLocked ensures rowID in tableID currently holds wantBytes,
// reapplying the COW write only if it does not already match.
func (e *Engine) redoUpsertLocked(tableID, rowID uint64, wantBytes []byte) error {
	ts, err := e.tableByID(tableID)
	if err != nil {
		return nil // table since dropped; nothing to reconcile
	}
	oldPtr := cint.Null
	if cur, gerr := ts.rowIndex.Get(rowID); gerr == nil {
		if curBytes, _, rerr := e.readRowLocked(cur); rerr == nil && bytes.Equal(curBytes, wantBytes) {
			return nil
		}
		oldPtr = cur
	}
	_, err = e.placeRow(ts, rowID, oldPtr, wantBytes)
	return errors.Trace(err)
}

// redoDeleteLocked ensures rowID in tableID no longer resolves.
func (e *Engine) redoDeleteLocked(tableID, rowID uint64) error {
	ts, err := e.tableByID(tableID)
	if err != nil {
		return nil
	}
	ptr, gerr := ts.rowIndex.Get(rowID)
	if gerr != nil {
		return nil // already gone
	}
	if err := e.retireRowLocked(ts, ptr); err != nil {
		return errors.Trace(err)
	}
	return ts.rowIndex.Set(rowID, cint.Null)
}
