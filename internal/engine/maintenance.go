package engine

import (
	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/journal"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/logger"
)

// occupancyFloor is the fraction of a data page's payload capacity below
// which Maintain opportunistically moves the page's live rows elsewhere and
// frees it (spec §4.5's "compacts tables opportunistically").
const occupancyFloor = 0.25

// Maintain runs one pass of spec §4.5's maintenance task: flush dirty
// pages, consume journal entries covered by a completed transaction, and
// opportunistically compact sparse data pages. It runs only when called:
// the engine does not consult Options.Maintenance and starts no background
// goroutine. It never violates the durability ordering of §4.4.3, since it
// only ever acts on state already covered by a durable CommitTxn.
func (e *Engine) Maintain() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.p.Flush(); err != nil {
		return errors.Trace(err)
	}
	if err := e.consumeJournalLocked(); err != nil {
		return errors.Trace(err)
	}
	for _, ts := range e.tables {
		if err := e.compactTableLocked(ts); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(e.persistAccounting())
}

// consumeJournalLocked advances the journal head past every entry covered
// by the most recent complete transaction boundary (CommitTxn or
// RollbackTxn), zeroing them. Entries belonging to a transaction still in
// flight are left alone.
func (e *Engine) consumeJournalLocked() error {
	scanned, err := e.j.ScanForRecovery()
	if err != nil {
		return errors.Trace(err)
	}
	lastBoundary := -1
	for i, se := range scanned {
		if se.Entry.Kind == journal.KindCommitTxn || se.Entry.Kind == journal.KindRollbackTxn {
			lastBoundary = i
		}
	}
	if lastBoundary == -1 {
		return nil
	}
	se := scanned[lastBoundary]
	newHead := journal.Cursor{RingIndex: se.At.RingIndex, Offset: se.At.Offset + uint32(se.Length)}
	return errors.Trace(e.j.AdvanceHead(newHead))
}

type liveRow struct {
	rowID  uint64
	offset int
	bytes  []byte
}

// liveRowsOnPage replays a data page's records, keeping only the ones the
// row-id index still points at (the others are stale garbage left behind by
// an earlier same-page overwrite or a row that has since moved elsewhere).
func (e *Engine) liveRowsOnPage(ts *tableState, pageID uint64, payload []byte) []liveRow {
	var out []liveRow
	off := 0
	for off < len(payload) {
		rowID, rowBytes, n, err := decodeRowRecord(payload[off:])
		if err != nil || n == 0 {
			break
		}
		if ptr, gerr := ts.rowIndex.Get(rowID); gerr == nil && ptr.PageID == pageID && ptr.Offset == uint64(off) {
			out = append(out, liveRow{rowID: rowID, offset: off, bytes: rowBytes})
		}
		off += n
	}
	return out
}

// compactTableLocked re-places every live row of any data page below
// occupancyFloor through placeRow, which puts each row on the first page in
// the table's chain with room. That can be the sparse page itself, in which
// case the page keeps its rows and is not freed; otherwise the source page is
// freed once its last live row leaves (unless it is the table's only data
// page).
func (e *Engine) compactTableLocked(ts *tableState) error {
	capacity := page.PayloadCapacity(e.p.PageSize())
	if capacity == 0 {
		return nil
	}
	original := append([]uint64(nil), ts.dataChain...)
	for _, pageID := range original {
		pg, err := e.p.GetPage(pageID)
		if err != nil {
			return errors.Trace(err)
		}
		live := e.liveRowsOnPage(ts, pageID, pg.Envelope.Payload)
		liveBytes := 0
		for _, lr := range live {
			liveBytes += len(encodeRowRecord(lr.rowID, lr.bytes))
		}
		if float64(liveBytes)/float64(capacity) >= occupancyFloor {
			continue
		}
		if len(live) == 0 {
			continue // already empty; retire would have spliced it out already
		}
		logger.Debugf("maintenance: compacting table %q page %d (%d live rows, %.0f%% full)", ts.def.Name, pageID, len(live), 100*float64(liveBytes)/float64(capacity))
		for _, lr := range live {
			oldPtr := cint.OffsetPointer{PageID: pageID, Offset: uint64(lr.offset)}
			if _, err := e.placeRow(ts, lr.rowID, oldPtr, lr.bytes); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}
