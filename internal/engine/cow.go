package engine

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/epierr"
	"github.com/epiloglite/epiloglite/internal/page"
)

// rowCompressThreshold mirrors internal/journal's compressThreshold: row
// payloads at or above this size are lz4-compressed before being written to
// a data page, the same size-gated policy the teacher's
// manager/compression_manager.go applies, paired with a different codec
// than the journal's (snappy) the way that file runs both side by side.
const rowCompressThreshold = 256

// encodeRowRecord serializes one row as
// [u32 recordLen][row_id cint][flag byte][payload], mirroring the catalog's
// own self-delimiting record shape (internal/catalog's encodeTableDef) so a
// data page's payload is scanned the same way. flag=0: payload is row_bytes
// verbatim. flag=1: payload is [orig_len cint][lz4-compressed bytes].
func encodeRowRecord(rowID uint64, rowBytes []byte) []byte {
	body := cint.Encode(nil, rowID)
	if len(rowBytes) >= rowCompressThreshold {
		if packed, ok := compressRow(rowBytes); ok {
			body = append(body, 1)
			body = cint.Encode(body, uint64(len(rowBytes)))
			body = append(body, packed...)
			return finishRowRecord(body)
		}
	}
	body = append(body, 0)
	body = append(body, rowBytes...)
	return finishRowRecord(body)
}

func finishRowRecord(body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

// decodeRowRecord reads one record from the front of buf, returning the
// row_id, its bytes, and the number of bytes consumed.
func decodeRowRecord(buf []byte) (rowID uint64, rowBytes []byte, n int, err error) {
	if len(buf) < 4 {
		return 0, nil, 0, errShortRowRecord
	}
	recLen := binary.BigEndian.Uint32(buf[:4])
	if recLen == 0 || 4+int(recLen) > len(buf) {
		return 0, nil, 0, errShortRowRecord
	}
	body := buf[4 : 4+recLen]
	id, k, derr := cint.Decode(body)
	if derr != nil || k >= len(body) {
		return 0, nil, 0, errShortRowRecord
	}
	flag := body[k]
	rest := body[k+1:]
	if flag == 0 {
		return id, append([]byte(nil), rest...), 4 + int(recLen), nil
	}
	origLen, j, derr := cint.Decode(rest)
	if derr != nil {
		return 0, nil, 0, errShortRowRecord
	}
	out, derr := decompressRow(rest[j:], int(origLen))
	if derr != nil {
		return 0, nil, 0, errShortRowRecord
	}
	return id, out, 4 + int(recLen), nil
}

var errShortRowRecord = errors.New("engine: short or invalid row record")

// compressRow lz4-compresses b, returning ok=false if the result would not
// actually be smaller (small or incompressible payloads are kept raw).
func compressRow(b []byte) ([]byte, bool) {
	dst := make([]byte, lz4.CompressBlockBound(len(b)))
	var c lz4.Compressor
	n, err := c.CompressBlock(b, dst)
	if err != nil || n == 0 || n >= len(b) {
		return nil, false
	}
	return dst[:n], true
}

func decompressRow(b []byte, origLen int) ([]byte, error) {
	dst := make([]byte, origLen)
	n, err := lz4.UncompressBlock(b, dst)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return dst[:n], nil
}

// usedRowBytes replays buf's records to find the true append offset, the
// same technique internal/catalog.usedBytes uses, since Envelope.Counter
// here means "live rows on this page", not a byte cursor.
func usedRowBytes(buf []byte) int {
	off := 0
	for off < len(buf) {
		_, _, n, err := decodeRowRecord(buf[off:])
		if err != nil || n == 0 {
			break
		}
		off += n
	}
	return off
}

// placeRow implements the per-row COW protocol of spec §4.4.3 steps 3-6:
// pick a target data page with room, write the new row image, bump its live
// counter, retire the row's old location if it had one, and return the new
// pointer. The caller is responsible for the journal BEFORE/AFTER entries
// (steps 1-2) and the CommitTxn/flush (steps 7-8).
func (e *Engine) placeRow(ts *tableState, rowID uint64, oldPtr cint.OffsetPointer, rowBytes []byte) (cint.OffsetPointer, error) {
	rec := encodeRowRecord(rowID, rowBytes)

	targetID, offset, err := e.findOrGrowDataPage(ts, len(rec))
	if err != nil {
		return cint.Null, errors.Trace(err)
	}
	if err := e.p.Mutate(targetID, func(env *page.Envelope) {
		copy(env.Payload[offset:], rec)
		env.Counter++
		env.PageType = page.TypeData
	}); err != nil {
		return cint.Null, errors.Trace(err)
	}
	newPtr := cint.OffsetPointer{PageID: targetID, Offset: uint64(offset)}

	if !oldPtr.IsNull() {
		if err := e.retireRowLocked(ts, oldPtr); err != nil {
			return cint.Null, errors.Trace(err)
		}
	}

	if err := ts.rowIndex.Set(rowID, newPtr); err != nil {
		return cint.Null, errors.Trace(err)
	}
	if ts.def.RootPage == 0 || ts.def.RowIndexRoot != ts.rowIndex.Root() {
		ts.def.RootPage = ts.dataChain[0]
		ts.def.RowIndexRoot = ts.rowIndex.Root()
		if err := e.cat.SetRootPages(ts.def.ID, ts.def.RootPage, ts.def.RowIndexRoot); err != nil {
			return cint.Null, errors.Trace(err)
		}
	}
	return newPtr, nil
}

// findOrGrowDataPage scans ts.dataChain for a page with room for need bytes,
// allocating and linking a fresh one at the chain's tail if none has space
// (spec §4.4.3 step 3).
func (e *Engine) findOrGrowDataPage(ts *tableState, need int) (uint64, int, error) {
	for _, id := range ts.dataChain {
		pg, err := e.p.GetPage(id)
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		off := usedRowBytes(pg.Envelope.Payload)
		if len(pg.Envelope.Payload)-off >= need {
			return id, off, nil
		}
	}

	next, err := e.p.AllocatePage(page.TypeData)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	if len(ts.dataChain) > 0 {
		tail := ts.dataChain[len(ts.dataChain)-1]
		if err := e.p.Mutate(tail, func(env *page.Envelope) {
			env.OverflowPointer = cint.OffsetPointer{PageID: next.ID, Offset: 0}
		}); err != nil {
			return 0, 0, errors.Trace(err)
		}
	}
	ts.dataChain = append(ts.dataChain, next.ID)
	return next.ID, 0, nil
}

// retireRowLocked implements spec §4.4.3 step 5: decrement the old page's
// live counter, and if it has reached zero, free the page and splice it out
// of the table's chain.
func (e *Engine) retireRowLocked(ts *tableState, oldPtr cint.OffsetPointer) error {
	pg, err := e.p.GetPage(oldPtr.PageID)
	if err != nil {
		return errors.Trace(err)
	}
	remaining := pg.Envelope.Counter
	if remaining > 0 {
		remaining--
	}
	if err := e.p.Mutate(oldPtr.PageID, func(env *page.Envelope) {
		if env.Counter > 0 {
			env.Counter--
		}
	}); err != nil {
		return errors.Trace(err)
	}
	if remaining != 0 {
		return nil
	}
	return e.reclaimDataPageLocked(ts, oldPtr.PageID)
}

// reclaimDataPageLocked splices id out of ts.dataChain and returns it to the
// pager's free list. It never runs on a table's sole remaining page, since
// the chain root must stay valid for the catalog's RootPage to resolve.
func (e *Engine) reclaimDataPageLocked(ts *tableState, id uint64) error {
	idx := -1
	for i, pid := range ts.dataChain {
		if pid == id {
			idx = i
			break
		}
	}
	if idx == -1 || len(ts.dataChain) == 1 {
		return nil
	}

	pg, err := e.p.GetPage(id)
	if err != nil {
		return errors.Trace(err)
	}
	next := pg.Envelope.OverflowPointer

	if idx > 0 {
		prev := ts.dataChain[idx-1]
		if err := e.p.Mutate(prev, func(env *page.Envelope) {
			env.OverflowPointer = next
		}); err != nil {
			return errors.Trace(err)
		}
	}
	ts.dataChain = append(ts.dataChain[:idx], ts.dataChain[idx+1:]...)
	if idx == 0 {
		ts.def.RootPage = ts.dataChain[0]
		if err := e.cat.SetRootPages(ts.def.ID, ts.def.RootPage, ts.def.RowIndexRoot); err != nil {
			return errors.Trace(err)
		}
	}
	if err := e.p.FreePage(id); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// readRowLocked reads the row bytes currently stored at ptr, used by Get,
// Scan, and recovery's AFTER-consistency check.
func (e *Engine) readRowLocked(ptr cint.OffsetPointer) ([]byte, uint64, error) {
	pg, err := e.p.GetPage(ptr.PageID)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	if int(ptr.Offset) >= len(pg.Envelope.Payload) {
		return nil, 0, errors.Trace(epierr.ErrNotFound)
	}
	rowID, bytes, _, err := decodeRowRecord(pg.Envelope.Payload[ptr.Offset:])
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	return bytes, rowID, nil
}

func (e *Engine) tableByID(id uint64) (*tableState, error) {
	def, err := e.cat.LookupByID(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ts, ok := e.tables[def.Name]
	if !ok {
		return nil, errors.Trace(epierr.ErrNotFound)
	}
	return ts, nil
}
