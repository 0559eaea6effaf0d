// Package pager manages fixed-size page I/O over a vfs.VFS: an LRU page
// cache, dirty tracking, free-list allocation, and CRC validation on read
// (spec §4.2).
package pager

import (
	"container/list"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/epierr"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/internal/vfs"
	"github.com/epiloglite/epiloglite/logger"
)

// Page is a cached, mutable view of one on-disk page. A free page has
// Envelope.Flags&FlagFreed set; its Envelope fields besides Flags are
// meaningless and FreeNext holds the chain pointer instead.
type Page struct {
	ID       uint64
	Envelope page.Envelope
	FreeNext uint64
}

// Stats mirrors the teacher's PageStats shape: hit/miss/eviction counters
// for the page cache.
type Stats struct {
	Reads      uint64
	Writes     uint64
	CacheHits  uint64
	CacheMisses uint64
	Evictions  uint64
}

// Config configures a Pager (spec §6.3's cache_pages / min_free_reserve).
type Config struct {
	PageSize       int
	CachePages     int
	MinFreeReserve int
}

type cacheEntry struct {
	page *Page
}

// Pager owns a strict-LRU cache of page buffers and the free-page chain.
type Pager struct {
	mu sync.Mutex

	v      vfs.VFS
	cfg    Config
	stats  Stats

	freeListRoot cint.OffsetPointer
	fileSize     int64 // in pages

	items map[uint64]*list.Element // xxhash(id) -> element
	order *list.List
}

func cacheKey(id uint64) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * i))
	}
	return xxhash.Checksum64(buf[:])
}

// New creates a Pager over v. freeListRoot and fileSizePages come from the
// header page read by the caller at open time.
func New(v vfs.VFS, cfg Config, freeListRoot cint.OffsetPointer, fileSizePages int64) *Pager {
	if cfg.CachePages <= 0 {
		cfg.CachePages = 1000
	}
	return &Pager{
		v:            v,
		cfg:          cfg,
		freeListRoot: freeListRoot,
		fileSize:     fileSizePages,
		items:        make(map[uint64]*list.Element),
		order:        list.New(),
	}
}

// Stats returns a snapshot of cache counters.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// FreeListRoot returns the current head of the free-page chain.
func (p *Pager) FreeListRoot() cint.OffsetPointer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeListRoot
}

func (p *Pager) offsetOf(id uint64) int64 { return int64(id) * int64(p.cfg.PageSize) }

// reservedPageCount is the number of low page ids spec §4.2's get_page
// reserves for the header pages, the catalog root, and the journal's first
// page (page.PageHeaderPrimary..page.PageJournalFirst): only the owning
// package may address them directly, through GetReservedPage.
const reservedPageCount = 4

// GetPage returns the page's cached buffer, loading and validating it from
// the VFS on a miss. Fails with epierr.ErrInvalidPageId for id < 4; those
// pages belong to internal/catalog (the fixed root) and internal/journal
// (the ring), which read them through GetReservedPage instead.
func (p *Pager) GetPage(id uint64) (*Page, error) {
	if id < reservedPageCount {
		return nil, errors.Trace(epierr.ErrInvalidPageId)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getPageLocked(id)
}

// GetReservedPage is the privileged path spec §4.2's get_page carves an
// exception for: the catalog and journal packages own pages 0-3 outright
// and read them here without the id < 4 guard GetPage enforces on every
// other caller.
func (p *Pager) GetReservedPage(id uint64) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getPageLocked(id)
}

func (p *Pager) getPageLocked(id uint64) (*Page, error) {
	key := cacheKey(id)
	if elem, ok := p.items[key]; ok {
		p.order.MoveToFront(elem)
		p.stats.CacheHits++
		return elem.Value.(*cacheEntry).page, nil
	}
	p.stats.CacheMisses++

	buf, err := p.v.ReadAt(p.offsetOf(id), p.cfg.PageSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.stats.Reads++

	var pg *Page
	if page.IsFreeGuard(buf) {
		pg = &Page{ID: id, Envelope: page.Envelope{Flags: page.FlagFreed}, FreeNext: page.FreePageNext(buf)}
	} else {
		env, err := page.Unmarshal(buf)
		if err != nil {
			return nil, errors.Annotatef(err, "page %d", id)
		}
		pg = &Page{ID: id, Envelope: env}
	}

	p.insertLocked(pg)
	return pg, nil
}

func (p *Pager) insertLocked(pg *Page) {
	key := cacheKey(pg.ID)
	if elem, ok := p.items[key]; ok {
		elem.Value.(*cacheEntry).page = pg
		p.order.MoveToFront(elem)
		return
	}
	if len(p.items) >= p.cfg.CachePages {
		p.evictLocked()
	}
	elem := p.order.PushFront(&cacheEntry{page: pg})
	p.items[key] = elem
}

// evictLocked drops the least-recently-used page, flushing it first if dirty.
func (p *Pager) evictLocked() {
	elem := p.order.Back()
	if elem == nil {
		return
	}
	victim := elem.Value.(*cacheEntry).page
	if victim.Envelope.IsDirty() {
		if err := p.writePageLocked(victim); err != nil {
			logger.Warnf("pager: failed to flush evicted dirty page %d: %v", victim.ID, err)
		}
	}
	p.order.Remove(elem)
	delete(p.items, cacheKey(victim.ID))
	p.stats.Evictions++
}

// AllocatePage pops the free-list head, or grows the file by one page if
// the list is empty. The returned page is zeroed and marked Dirty.
func (p *Pager) AllocatePage(typ page.Type) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id uint64
	if !p.freeListRoot.IsNull() {
		id = p.freeListRoot.PageID
		head, err := p.getPageLocked(id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if head.FreeNext == 0 {
			p.freeListRoot = cint.Null
		} else {
			p.freeListRoot = cint.OffsetPointer{PageID: head.FreeNext, Offset: 0}
		}
	} else {
		id = uint64(p.fileSize)
		p.fileSize++
		if err := p.v.Truncate(p.fileSize * int64(p.cfg.PageSize)); err != nil {
			return nil, errors.Trace(err)
		}
	}

	pg := &Page{
		ID: id,
		Envelope: page.Envelope{
			PageType: typ,
			Flags:    page.FlagDirty,
			Payload:  make([]byte, page.PayloadCapacity(p.cfg.PageSize)),
		},
	}
	p.insertLocked(pg)
	return pg, nil
}

// FreePage rewrites id's page to the free-guard pattern and links it onto
// the free-list root. Any other page's references to id are the caller's
// responsibility to fix up first (spec §4.2).
func (p *Pager) FreePage(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pg := &Page{
		ID:       id,
		Envelope: page.Envelope{Flags: page.FlagFreed | page.FlagDirty},
		FreeNext: p.freeListRoot.PageID,
	}
	p.insertLocked(pg)
	p.freeListRoot = cint.OffsetPointer{PageID: id, Offset: 0}
	return nil
}

// MarkDirty sets id's Dirty flag; it is cleared only by Flush.
func (p *Pager) MarkDirty(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, err := p.getPageLocked(id)
	if err != nil {
		return errors.Trace(err)
	}
	pg.Envelope.Flags |= page.FlagDirty
	return nil
}

// Mutate loads id, applies fn to its envelope, and marks the page Dirty.
// This is the only way callers above the pager change a page's contents.
func (p *Pager) Mutate(id uint64, fn func(*page.Envelope)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, err := p.getPageLocked(id)
	if err != nil {
		return errors.Trace(err)
	}
	fn(&pg.Envelope)
	pg.Envelope.Flags |= page.FlagDirty
	return nil
}

// writePageLocked serializes pg (recomputing its CRC via Marshal, which
// always encodes a non-dirty-shaped buffer) and writes it out, but keeps
// the in-memory Dirty bit until the caller's batched Flush clears it.
func (p *Pager) writePageLocked(pg *Page) error {
	var buf []byte
	if pg.Envelope.IsFreed() {
		buf = page.FreePage(p.cfg.PageSize, pg.FreeNext)
	} else {
		onDisk := pg.Envelope
		onDisk.Flags &^= page.FlagDirty
		buf = onDisk.Marshal(p.cfg.PageSize)
	}
	if err := p.v.WriteAt(p.offsetOf(pg.ID), buf); err != nil {
		return errors.Trace(err)
	}
	p.stats.Writes++
	return nil
}

// Flush recomputes CRCs for all dirty pages, writes them, and calls
// Sync(full). Dirty bits are cleared only after the sync succeeds.
func (p *Pager) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dirty []*Page
	for elem := p.order.Front(); elem != nil; elem = elem.Next() {
		pg := elem.Value.(*cacheEntry).page
		if pg.Envelope.IsDirty() {
			dirty = append(dirty, pg)
		}
	}
	for _, pg := range dirty {
		if err := p.writePageLocked(pg); err != nil {
			return errors.Trace(err)
		}
	}
	if err := p.v.Sync(vfs.SyncFull); err != nil {
		return errors.Annotate(epierr.ErrIoDurability, err.Error())
	}
	for _, pg := range dirty {
		pg.Envelope.Flags &^= page.FlagDirty
	}
	return nil
}

// PageSize returns the configured page size in bytes.
func (p *Pager) PageSize() int { return p.cfg.PageSize }
