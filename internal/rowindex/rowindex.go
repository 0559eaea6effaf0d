// Package rowindex implements the per-table row-id index described in spec
// §4.4.2: a sorted, gap-tolerant array of OffsetPointer slots stored across
// one or more pages linked by the envelope overflow pointer. Slot i holds
// the location of row i; (0,0) is a tombstone.
package rowindex

import (
	"sync"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/epierr"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/internal/pager"
)

// slotWidth is the fixed width reserved for one OffsetPointer slot, sized
// the same as the page envelope's footer pointer slot (internal/page) so a
// row-id maps to a slot offset in O(1) without needing to know the actual
// encoded length of any CInt pair ahead of time.
const slotWidth = 18

// ReusePolicy selects how Allocate picks the next row-id (spec §4.4.2 /
// §6.3's row_id_reuse option).
type ReusePolicy int

const (
	PolicyAppend ReusePolicy = iota
	PolicyReuseTombstones
)

// RowIndex is one table's row-id index.
type RowIndex struct {
	mu     sync.Mutex
	p      *pager.Pager
	policy ReusePolicy

	root         uint64 // first index page id, 0 if the table has no rows yet
	slotsPerPage int
	nextRowID    uint64 // one past the highest row-id ever assigned
}

// New wires a RowIndex onto pager p. root is the table's RowIndexRoot from
// its catalog.TableDef (0 for a brand-new table).
func New(p *pager.Pager, root uint64, policy ReusePolicy) *RowIndex {
	return &RowIndex{
		p:            p,
		policy:       policy,
		root:         root,
		slotsPerPage: page.PayloadCapacity(p.PageSize()) / slotWidth,
	}
}

// Root returns the first index page id, or 0 if no rows have ever been
// assigned to this table.
func (r *RowIndex) Root() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// Load reconstructs nextRowID by scanning the existing chain (spec
// §4.4.5 step 2: rebuilding in-memory row-id indexes at recovery).
func (r *RowIndex) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root == 0 {
		return nil
	}
	var highest uint64
	seenAny := false
	id := r.root
	pageIdx := uint64(0)
	for id != 0 {
		pg, err := r.p.GetPage(id)
		if err != nil {
			return errors.Trace(err)
		}
		for s := 0; s < r.slotsPerPage; s++ {
			off := s * slotWidth
			if off+slotWidth > len(pg.Envelope.Payload) {
				break
			}
			ptr, _, err := cint.DecodeOffsetPointer(pg.Envelope.Payload[off : off+slotWidth])
			if err != nil {
				continue
			}
			if !ptr.IsNull() {
				highest = pageIdx*uint64(r.slotsPerPage) + uint64(s)
				seenAny = true
			}
		}
		if pg.Envelope.OverflowPointer.IsNull() {
			break
		}
		id = pg.Envelope.OverflowPointer.PageID
		pageIdx++
	}
	if seenAny {
		r.nextRowID = highest + 1
	}
	return nil
}

// Get returns the data location for rowID, or epierr.ErrNotFound if the
// slot is out of range or tombstoned.
func (r *RowIndex) Get(rowID uint64) (cint.OffsetPointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pg, off, err := r.locateLocked(rowID, false)
	if err != nil {
		return cint.Null, errors.Trace(err)
	}
	if pg == nil {
		return cint.Null, errors.Trace(epierr.ErrNotFound)
	}
	ptr, _, derr := cint.DecodeOffsetPointer(pg.Envelope.Payload[off : off+slotWidth])
	if derr != nil || ptr.IsNull() {
		return cint.Null, errors.Trace(epierr.ErrNotFound)
	}
	return ptr, nil
}

// Set writes ptr into rowID's slot, allocating chain pages as needed when
// rowID is beyond the current chain's capacity.
func (r *RowIndex) Set(rowID uint64, ptr cint.OffsetPointer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pg, off, err := r.locateLocked(rowID, true)
	if err != nil {
		return errors.Trace(err)
	}
	wasLive := false
	if old, _, derr := cint.DecodeOffsetPointer(pg.Envelope.Payload[off : off+slotWidth]); derr == nil {
		wasLive = !old.IsNull()
	}
	nowLive := !ptr.IsNull()

	pageID := pg.ID
	buf := cint.EncodeOffsetPointer(nil, ptr)
	err = r.p.Mutate(pageID, func(env *page.Envelope) {
		slot := env.Payload[off : off+slotWidth]
		for i := range slot {
			slot[i] = 0
		}
		copy(slot, buf)
		env.PageType = page.TypeMetadata
		if nowLive && !wasLive {
			env.Counter++
		} else if !nowLive && wasLive {
			if env.Counter > 0 {
				env.Counter--
			}
		}
	})
	if err != nil {
		return errors.Trace(err)
	}
	if rowID >= r.nextRowID {
		r.nextRowID = rowID + 1
	}
	return nil
}

// Allocate picks the row-id for a new row per the configured ReusePolicy.
// It does not write the slot; callers finish with Set once the row's
// target location is known (spec §4.4.3 step 6).
func (r *RowIndex) Allocate() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.policy == PolicyReuseTombstones {
		id := r.root
		pageIdx := uint64(0)
		for id != 0 {
			pg, err := r.p.GetPage(id)
			if err != nil {
				return 0, errors.Trace(err)
			}
			for s := 0; s < r.slotsPerPage; s++ {
				off := s * slotWidth
				if off+slotWidth > len(pg.Envelope.Payload) {
					break
				}
				ptr, _, err := cint.DecodeOffsetPointer(pg.Envelope.Payload[off : off+slotWidth])
				if err != nil || ptr.IsNull() {
					rowID := pageIdx*uint64(r.slotsPerPage) + uint64(s)
					if rowID < r.nextRowID {
						return rowID, nil
					}
				}
			}
			if pg.Envelope.OverflowPointer.IsNull() {
				break
			}
			id = pg.Envelope.OverflowPointer.PageID
			pageIdx++
		}
	}
	id := r.nextRowID
	r.nextRowID++
	return id, nil
}

// Delete tombstones rowID's slot, returning the pointer it held.
func (r *RowIndex) Delete(rowID uint64) (cint.OffsetPointer, error) {
	old, err := r.Get(rowID)
	if err != nil {
		return cint.Null, errors.Trace(err)
	}
	if err := r.Set(rowID, cint.Null); err != nil {
		return cint.Null, errors.Trace(err)
	}
	return old, nil
}

// locateLocked finds the page and in-page byte offset for rowID, extending
// the chain with fresh pages when grow is true and rowID lies past the
// current chain's end.
func (r *RowIndex) locateLocked(rowID uint64, grow bool) (*pager.Page, int, error) {
	targetPageIdx := rowID / uint64(r.slotsPerPage)
	off := int(rowID%uint64(r.slotsPerPage)) * slotWidth

	if r.root == 0 {
		if !grow {
			return nil, 0, nil
		}
		pg, err := r.p.AllocatePage(page.TypeMetadata)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		r.root = pg.ID
	}

	id := r.root
	for pageIdx := uint64(0); ; pageIdx++ {
		pg, err := r.p.GetPage(id)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		if pageIdx == targetPageIdx {
			return pg, off, nil
		}
		if pg.Envelope.OverflowPointer.IsNull() {
			if !grow {
				return nil, 0, nil
			}
			next, err := r.p.AllocatePage(page.TypeMetadata)
			if err != nil {
				return nil, 0, errors.Trace(err)
			}
			if err := r.p.Mutate(id, func(env *page.Envelope) {
				env.OverflowPointer = cint.OffsetPointer{PageID: next.ID, Offset: 0}
			}); err != nil {
				return nil, 0, errors.Trace(err)
			}
			id = next.ID
			continue
		}
		id = pg.Envelope.OverflowPointer.PageID
	}
}
