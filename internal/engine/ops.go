package engine

import (
	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/catalog"
	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/epierr"
	"github.com/epiloglite/epiloglite/internal/journal"
	"github.com/epiloglite/epiloglite/internal/rowindex"
	"github.com/epiloglite/epiloglite/internal/txn"
)

// Begin starts an explicit transaction (spec §6.1's begin).
func (e *Engine) Begin() (*txn.Txn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txm.Begin()
}

// Commit durably commits t (spec §6.1's commit / §4.4.4's COMMIT).
func (e *Engine) Commit(t *txn.Txn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.txm.Commit(t); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.persistAccounting())
}

// Rollback undoes every change t made and returns it to Idle (spec §6.1's
// rollback / §4.4.4's ROLLBACK).
func (e *Engine) Rollback(t *txn.Txn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	steps, err := e.txm.Rollback(t)
	if err != nil {
		return errors.Trace(err)
	}
	for _, s := range steps {
		if err := e.undoEntry(s.Entry); err != nil {
			return errors.Trace(err)
		}
	}
	if err := e.p.Flush(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.persistAccounting())
}

// Savepoint records a named marker within t.
func (e *Engine) Savepoint(t *txn.Txn, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Trace(e.txm.Savepoint(t, name))
}

// Release forgets a savepoint without undoing anything.
func (e *Engine) Release(t *txn.Txn, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Trace(e.txm.Release(t, name))
}

// RollbackTo undoes every BEFORE recorded since the named savepoint.
func (e *Engine) RollbackTo(t *txn.Txn, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	steps, err := e.txm.RollbackTo(t, name)
	if err != nil {
		return errors.Trace(err)
	}
	for _, s := range steps {
		if err := e.undoEntry(s.Entry); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// runImplicit executes fn under its own implicit single-statement
// transaction when t is nil (spec §4.4.4: "DDL statements outside an
// explicit transaction create an implicit enclosing transaction" — applied
// here to every mutating op, DDL or DML alike).
func (e *Engine) runImplicit(t *txn.Txn, fn func(*txn.Txn) error) error {
	owned := t == nil
	if owned {
		var err error
		if t, err = e.txm.Begin(); err != nil {
			return errors.Trace(err)
		}
	}
	if err := fn(t); err != nil {
		if owned {
			if steps, rerr := e.txm.Rollback(t); rerr == nil {
				for _, s := range steps {
					_ = e.undoEntry(s.Entry)
				}
			}
		}
		return errors.Trace(err)
	}
	if owned {
		if err := e.txm.Commit(t); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(e.persistAccounting())
	}
	return nil
}

// CreateTable registers a new table definition (spec §6.1's create_table).
// t may be nil for an implicit transaction.
func (e *Engine) CreateTable(t *txn.Txn, name string, columns []catalog.ColumnDef, constraints []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runImplicit(t, func(t *txn.Txn) error {
		def, err := e.cat.Create(name, columns, constraints)
		if err != nil {
			return errors.Trace(err)
		}
		if err := e.j.Append(journal.Entry{Kind: journal.KindCreateTable, TxnID: t.ID, ObjectID: def.ID}); err != nil {
			return errors.Trace(err)
		}
		e.tables[def.Name] = &tableState{def: def, rowIndex: rowindex.New(e.p, 0, e.opts.RowIDReuse)}
		return nil
	})
}

// DropTable removes a table definition and its row-id index (spec §6.1's
// drop_table). The data and index pages are not reclaimed here, and Maintain
// does not reclaim them either: it only visits tables that still exist.
func (e *Engine) DropTable(t *txn.Txn, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runImplicit(t, func(t *txn.Txn) error {
		def, err := e.cat.Lookup(name)
		if err != nil {
			return errors.Trace(err)
		}
		if err := e.j.Append(journal.Entry{Kind: journal.KindDropTable, TxnID: t.ID, ObjectID: def.ID}); err != nil {
			return errors.Trace(err)
		}
		if _, err := e.cat.Drop(name); err != nil {
			return errors.Trace(err)
		}
		delete(e.tables, name)
		return nil
	})
}

// AlterTable replaces a table's definition in place (spec §6.1's
// alter_table), journaling both the old and the new shape in one entry
// (SPEC_FULL.md's ALTER TABLE decision) so an in-flight alter can always be
// undone by replaying BeforeDef, the same way Update's BEFORE image undoes
// a row write.
func (e *Engine) AlterTable(t *txn.Txn, name string, newDef catalog.TableDef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runImplicit(t, func(t *txn.Txn) error {
		old, err := e.cat.Lookup(name)
		if err != nil {
			return errors.Trace(err)
		}
		entry := journal.Entry{
			Kind:      journal.KindAlterTable,
			TxnID:     t.ID,
			TableID:   old.ID,
			BeforeDef: catalog.EncodeTableDef(old),
		}
		afterDef := newDef
		afterDef.ID = old.ID
		entry.AfterDef = catalog.EncodeTableDef(&afterDef)
		if err := e.j.Append(entry); err != nil {
			return errors.Trace(err)
		}
		updated, err := e.cat.Alter(name, newDef)
		if err != nil {
			return errors.Trace(err)
		}
		if ts, ok := e.tables[old.Name]; ok {
			delete(e.tables, old.Name)
			ts.def = updated
			e.tables[updated.Name] = ts
		}
		return nil
	})
}

// Insert places a new row and returns its assigned row_id (spec §6.1's
// insert).
func (e *Engine) Insert(t *txn.Txn, table string, rowBytes []byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rowID uint64
	err := e.runImplicit(t, func(t *txn.Txn) error {
		ts, err := e.tableState(table)
		if err != nil {
			return errors.Trace(err)
		}
		rowID, err = ts.rowIndex.Allocate()
		if err != nil {
			return errors.Trace(err)
		}
		// Recorded in t's undo ledger as well as the journal, so Rollback
		// and RollbackTo remove the row again.
		if err := e.txm.RecordBefore(t, journal.Entry{Kind: journal.KindInsert, TxnID: t.ID, TableID: ts.def.ID, RowID: rowID, RowBytes: rowBytes}); err != nil {
			return errors.Trace(err)
		}
		_, err = e.placeRow(ts, rowID, cint.Null, rowBytes)
		return errors.Trace(err)
	})
	return rowID, err
}

// Update overwrites row_id's bytes (spec §6.1's update).
func (e *Engine) Update(t *txn.Txn, table string, rowID uint64, rowBytes []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runImplicit(t, func(t *txn.Txn) error {
		ts, err := e.tableState(table)
		if err != nil {
			return errors.Trace(err)
		}
		oldPtr, err := ts.rowIndex.Get(rowID)
		if err != nil {
			return errors.Trace(err)
		}
		oldBytes, _, err := e.readRowLocked(oldPtr)
		if err != nil {
			return errors.Trace(err)
		}
		if err := e.txm.RecordBefore(t, journal.Entry{Kind: journal.KindUpdate, TxnID: t.ID, TableID: ts.def.ID, RowID: rowID, AfterFlag: false, RowBytes: oldBytes}); err != nil {
			return errors.Trace(err)
		}
		if err := e.j.Append(journal.Entry{Kind: journal.KindUpdate, TxnID: t.ID, TableID: ts.def.ID, RowID: rowID, AfterFlag: true, RowBytes: rowBytes}); err != nil {
			return errors.Trace(err)
		}
		_, err = e.placeRow(ts, rowID, oldPtr, rowBytes)
		return errors.Trace(err)
	})
}

// Delete removes row_id and returns the bytes it held (spec §6.1's delete).
func (e *Engine) Delete(t *txn.Txn, table string, rowID uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var old []byte
	err := e.runImplicit(t, func(t *txn.Txn) error {
		ts, err := e.tableState(table)
		if err != nil {
			return errors.Trace(err)
		}
		ptr, err := ts.rowIndex.Get(rowID)
		if err != nil {
			return errors.Trace(err)
		}
		old, _, err = e.readRowLocked(ptr)
		if err != nil {
			return errors.Trace(err)
		}
		if err := e.txm.RecordBefore(t, journal.Entry{Kind: journal.KindDelete, TxnID: t.ID, TableID: ts.def.ID, RowID: rowID, OldRowBytes: old}); err != nil {
			return errors.Trace(err)
		}
		if err := e.retireRowLocked(ts, ptr); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(ts.rowIndex.Set(rowID, cint.Null))
	})
	return old, err
}

// Get reads row_id's current bytes (spec §6.1's get). No transaction is
// required: COW never mutates a page a reader is looking at, so a bare
// Engine handle is enough for a point-in-time read.
func (e *Engine) Get(table string, rowID uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, err := e.tableState(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ptr, err := ts.rowIndex.Get(rowID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	bytes, _, err := e.readRowLocked(ptr)
	return bytes, errors.Trace(err)
}

// Row is one (row_id, row_bytes) pair yielded by Scan.
type Row struct {
	RowID uint64
	Bytes []byte
}

// Scan returns every live row in table as a stable snapshot (spec §6.1's
// scan): the chain of data pages is walked directly, ignoring the row-id
// index, and the result is materialized up front so a concurrent writer
// cannot change it mid-iteration (spec: "not restartable across a
// conflicting update").
func (e *Engine) Scan(table string) ([]Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, err := e.tableState(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out []Row
	for _, pageID := range ts.dataChain {
		pg, err := e.p.GetPage(pageID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		off := 0
		buf := pg.Envelope.Payload
		for off < len(buf) {
			rowID, rowBytes, n, derr := decodeRowRecord(buf[off:])
			if derr != nil || n == 0 {
				break
			}
			if ptr, gerr := ts.rowIndex.Get(rowID); gerr == nil && ptr.PageID == pageID && ptr.Offset == uint64(off) {
				out = append(out, Row{RowID: rowID, Bytes: rowBytes})
			}
			off += n
		}
	}
	return out, nil
}

func (e *Engine) tableState(name string) (*tableState, error) {
	ts, ok := e.tables[name]
	if !ok {
		return nil, errors.Trace(epierr.ErrNotFound)
	}
	return ts, nil
}
