package journal

import (
	"sync"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/epierr"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/internal/pager"
	"github.com/epiloglite/epiloglite/logger"
)

// Cursor addresses a byte offset within the reserved journal run: RingIndex
// selects one of the J reserved pages (page id = page.PageJournalFirst +
// RingIndex), Offset is the byte offset within that page's payload.
type Cursor struct {
	RingIndex uint32
	Offset    uint32
}

// Journal is the ring buffer of journal pages (spec §4.3). Ring order is
// strictly positional within the reserved run — journal pages are never
// relocated (spec.md's own resolution of its "positional vs relocatable"
// open question).
type Journal struct {
	mu sync.Mutex

	p          *pager.Pager
	ringSize   uint32 // J, number of reserved journal pages
	payloadCap int

	head Cursor
	tail Cursor
}

// New wires a Journal onto pager p. head/tail are the cursors recovered
// from page 1's accounting block (or zero values at database creation).
func New(p *pager.Pager, ringSize uint32, head, tail Cursor) *Journal {
	return &Journal{p: p, ringSize: ringSize, payloadCap: page.PayloadCapacity(p.PageSize()), head: head, tail: tail}
}

func (j *Journal) pageIDFor(ring uint32) uint64 {
	return uint64(page.PageJournalFirst) + uint64(ring)
}

// Head and Tail expose the current cursors so the caller can persist them
// into the accounting block as part of a durable commit.
func (j *Journal) Head() Cursor {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

func (j *Journal) Tail() Cursor {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tail
}

// Append serializes entry and writes it at the current tail, advancing to
// the next ring page first if entry does not fit in the remainder of the
// current one. Returns epierr.ErrBackpressure if doing so would run the
// tail into the head.
func (j *Journal) Append(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := Encode(entry)
	if len(rec) > j.payloadCap {
		return errors.Annotatef(epierr.ErrInvalidOperation, "journal entry of %d bytes exceeds page payload capacity %d", len(rec), j.payloadCap)
	}

	if int(j.tail.Offset)+len(rec) > j.payloadCap {
		nextRing := (j.tail.RingIndex + 1) % j.ringSize
		// Advancing onto the head's own page is only safe if the head page
		// has nothing left unconsumed on it (head has caught up with tail);
		// otherwise the ring is full.
		if nextRing == j.head.RingIndex && j.head != j.tail {
			return errors.Trace(epierr.ErrBackpressure)
		}
		j.tail = Cursor{RingIndex: nextRing, Offset: 0}
	}

	pageID := j.pageIDFor(j.tail.RingIndex)
	offset := j.tail.Offset
	err := j.p.Mutate(pageID, func(env *page.Envelope) {
		env.PageType = page.TypeJournal
		if env.Payload == nil || len(env.Payload) != j.payloadCap {
			env.Payload = make([]byte, j.payloadCap)
		}
		copy(env.Payload[offset:], rec)
	})
	if err != nil {
		return errors.Trace(err)
	}
	j.tail.Offset += uint32(len(rec))
	logger.Debugf("journal: appended kind=%d txn=%d at ring=%d offset=%d", entry.Kind, entry.TxnID, j.tail.RingIndex, offset)
	return nil
}

// AppendCommitMark is a convenience wrapper appending a CommitTxn entry,
// named distinctly because it is always the durability boundary of §4.3:
// everything before it in a transaction's entries must already be written.
func (j *Journal) AppendCommitMark(txnID uint64) error {
	return j.Append(Entry{Kind: KindCommitTxn, TxnID: txnID})
}

// ScannedEntry pairs a decoded Entry with the cursor it was read at, which
// recovery needs to compute verification/zeroing ranges.
type ScannedEntry struct {
	Entry  Entry
	At     Cursor
	Length int
}

// ScanForRecovery walks every entry from head to tail, stopping the instant
// it hits a page whose envelope fails CRC validation, or an entry it cannot
// decode that is not simply the zero-filled remainder of a page (spec
// §4.4.5: "partially-written journal pages... truncate the scan there").
func (j *Journal) ScanForRecovery() ([]ScannedEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []ScannedEntry
	cur := j.head
	for cur != j.tail {
		pg, err := j.p.GetReservedPage(j.pageIDFor(cur.RingIndex))
		if err != nil {
			logger.Warnf("journal: recovery scan stopped at ring %d: page unreadable: %v", cur.RingIndex, err)
			break
		}
		payload := pg.Envelope.Payload
		reachedTailOnThisPage := cur.RingIndex == j.tail.RingIndex

		stopAll := false
		for int(cur.Offset) < len(payload) {
			if reachedTailOnThisPage && cur.Offset >= j.tail.Offset {
				break
			}
			rest := payload[cur.Offset:]
			entry, n, derr := Decode(rest)
			if derr != nil {
				if isZeroPad(rest) {
					// legitimate end-of-page padding; advance to next ring page
					break
				}
				logger.Warnf("journal: recovery scan stopped at ring %d offset %d: %v", cur.RingIndex, cur.Offset, derr)
				stopAll = true
				break
			}
			out = append(out, ScannedEntry{Entry: entry, At: cur, Length: n})
			cur.Offset += uint32(n)
		}
		if stopAll {
			break
		}
		if reachedTailOnThisPage {
			break
		}
		cur = Cursor{RingIndex: (cur.RingIndex + 1) % j.ringSize, Offset: 0}
	}
	return out, nil
}

func isZeroPad(buf []byte) bool {
	if len(buf) < 4 {
		return true
	}
	for _, b := range buf[:4] {
		if b != 0 {
			return false
		}
	}
	return true
}

// AdvanceHead moves the head cursor forward to newHead, zeroing the bytes
// of every entry consumed along the way. Reclaimed journal pages are not
// returned to the pager's free list; they remain in the ring (spec §4.3).
func (j *Journal) AdvanceHead(newHead Cursor) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cur := j.head
	for cur != newHead {
		pageID := j.pageIDFor(cur.RingIndex)
		atPageEnd := cur.RingIndex != newHead.RingIndex
		end := j.payloadCap
		if !atPageEnd {
			end = int(newHead.Offset)
		}
		start := int(cur.Offset)
		err := j.p.Mutate(pageID, func(env *page.Envelope) {
			if env.Payload == nil {
				env.Payload = make([]byte, j.payloadCap)
			}
			for i := start; i < end && i < len(env.Payload); i++ {
				env.Payload[i] = 0
			}
		})
		if err != nil {
			return errors.Trace(err)
		}
		if atPageEnd {
			cur = Cursor{RingIndex: (cur.RingIndex + 1) % j.ringSize, Offset: 0}
		} else {
			cur = newHead
		}
	}
	j.head = newHead
	return nil
}

// RingSize returns J, the number of reserved journal pages.
func (j *Journal) RingSize() uint32 { return j.ringSize }

// Linear packs c into the single uint64 the header's accounting block
// stores (spec §3.3's journal_head / journal_tail fields).
func (c Cursor) Linear(payloadCap int) uint64 {
	return uint64(c.RingIndex)*uint64(payloadCap) + uint64(c.Offset)
}

// CursorFromLinear is the inverse of Cursor.Linear.
func CursorFromLinear(v uint64, payloadCap int) Cursor {
	return Cursor{RingIndex: uint32(v / uint64(payloadCap)), Offset: uint32(v % uint64(payloadCap))}
}
