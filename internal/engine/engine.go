// Package engine unifies the pager, journal, catalog, row-id indexes, and
// transaction manager into the single type that owns all mutable state for
// one open database file (spec §4.4, §9's "no hidden global state" design
// note) and exposes the public contract of spec §6.1.
package engine

import (
	"sync"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/catalog"
	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/epierr"
	"github.com/epiloglite/epiloglite/internal/journal"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/internal/pager"
	"github.com/epiloglite/epiloglite/internal/rowindex"
	"github.com/epiloglite/epiloglite/internal/txn"
	"github.com/epiloglite/epiloglite/internal/vfs"
	"github.com/epiloglite/epiloglite/logger"
)

// tableState is the engine's in-memory bookkeeping for one open table,
// beyond what catalog.TableDef itself persists: the row-id index handle
// and the data-page chain (kept in memory so COW placement and free-page
// splicing never need an O(n) disk walk to find a predecessor).
type tableState struct {
	def       *catalog.TableDef
	rowIndex  *rowindex.RowIndex
	dataChain []uint64 // root..tail, in chain order
}

// Engine is one open database (spec §6.1's Engine handle).
type Engine struct {
	mu sync.Mutex

	v   vfs.VFS
	p   *pager.Pager
	j   *journal.Journal
	cat *catalog.Catalog
	txm *txn.Manager

	opts   Options
	header page.Header

	tables map[string]*tableState
}

// Open reads or creates the database file at v, running recovery if an
// existing file is found (spec §4.4.5), and returns a ready Engine.
func Open(v vfs.VFS, opts Options) (*Engine, error) {
	opts = fillDefaults(opts)

	size, err := v.FileSize()
	if err != nil {
		return nil, errors.Trace(err)
	}

	e := &Engine{v: v, opts: opts, tables: make(map[string]*tableState)}

	existing := size != 0
	if existing {
		if err := e.openExisting(); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		if err := e.create(); err != nil {
			return nil, errors.Trace(err)
		}
	}

	e.txm = txn.New(e.j, e.p)
	if err := e.cat.Load(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := e.loadTableStates(); err != nil {
		return nil, errors.Trace(err)
	}

	// Recovery (spec §4.4.5) needs the catalog and table states already in
	// memory to interpret a journaled entry's TableID, so it runs here
	// rather than inline within openExisting.
	if existing {
		if err := e.runRecovery(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return e, nil
}

func (e *Engine) create() error {
	pageSize := 1 << e.opts.PageSizeExp
	flags := uint64(0)
	if e.opts.RowIDReuse == rowindex.PolicyReuseTombstones {
		flags |= page.FlagRowIDReuse
	}
	e.header = page.Header{
		FormatVersion: page.CurrentFormatVersion,
		PageSizeExp:   e.opts.PageSizeExp,
		Flags:         flags,
		FreeListRoot:  cint.Null,
	}

	// Pages 0/1 use the dedicated header layout (spec §3.3), not the
	// generic Envelope (§3.4); write them directly and keep the pager's
	// page-id counter starting past them, so it never touches either.
	if err := e.v.Truncate(2 * int64(pageSize)); err != nil {
		return errors.Trace(err)
	}
	if err := e.v.WriteAt(0, e.header.MarshalPrimary(pageSize)); err != nil {
		return errors.Trace(err)
	}
	if err := e.v.WriteAt(int64(pageSize), e.header.MarshalSecondary(pageSize)); err != nil {
		return errors.Trace(err)
	}
	if err := e.v.Sync(vfs.SyncFull); err != nil {
		return errors.Trace(err)
	}

	e.p = pager.New(e.v, pager.Config{PageSize: pageSize, CachePages: e.opts.CachePages, MinFreeReserve: e.opts.MinFreeReserve}, cint.Null, 2)

	catalogPg, err := e.p.AllocatePage(page.TypeMetadata) // id == page.PageCatalogFirst
	if err != nil {
		return errors.Trace(err)
	}
	if catalogPg.ID != uint64(page.PageCatalogFirst) {
		return errors.Annotatef(epierr.ErrInvalidOperation, "catalog root allocated at unexpected page %d", catalogPg.ID)
	}
	for i := uint32(0); i < e.opts.JournalPages; i++ {
		if _, err := e.p.AllocatePage(page.TypeJournal); err != nil {
			return errors.Trace(err)
		}
	}

	e.j = journal.New(e.p, e.opts.JournalPages, journal.Cursor{}, journal.Cursor{})
	e.cat = catalog.New(e.p)
	if err := e.p.Flush(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (e *Engine) openExisting() error {
	buf, err := e.v.ReadAt(0, 1<<9) // headers live within the smallest legal page size
	if err != nil {
		return errors.Trace(err)
	}
	h, perr := page.UnmarshalPrimary(buf)
	if perr != nil {
		logger.Warnf("engine: primary header unreadable, falling back to secondary: %v", perr)
		h, err = e.recoverHeaderFromSecondary()
		if err != nil {
			return errors.Trace(err)
		}
	}
	if h.FormatVersion != page.CurrentFormatVersion {
		return errors.Trace(epierr.ErrUnsupportedFormat)
	}
	e.header = h

	pageSize := h.PageSize()
	fileSize, err := e.v.FileSize()
	if err != nil {
		return errors.Trace(err)
	}
	e.p = pager.New(e.v, pager.Config{PageSize: pageSize, CachePages: e.opts.CachePages, MinFreeReserve: e.opts.MinFreeReserve}, h.FreeListRoot, fileSize/int64(pageSize))

	secBuf, err := e.v.ReadAt(int64(pageSize), pageSize)
	if err != nil {
		return errors.Trace(err)
	}
	sec, serr := page.UnmarshalSecondary(secBuf)
	var headLin, tailLin uint64
	if serr == nil {
		headLin, tailLin = sec.JournalHead, sec.JournalTail
	} else {
		logger.Warnf("engine: secondary accounting block unreadable, starting journal cursors at zero: %v", serr)
	}
	payloadCap := page.PayloadCapacity(pageSize)
	e.j = journal.New(e.p, e.opts.JournalPages, journal.CursorFromLinear(headLin, payloadCap), journal.CursorFromLinear(tailLin, payloadCap))
	e.cat = catalog.New(e.p)
	return nil
}

// recoverHeaderFromSecondary rebuilds the primary header from page 1 (spec
// §4.4.5 step 1 / scenario F). The primary header being unreadable also
// means page_size_exp — which lives inside it — cannot be trusted, so this
// probes every legal page size (§3.1: 9 <= k <= 16) for the offset at which
// page 1's own header validates.
func (e *Engine) recoverHeaderFromSecondary() (page.Header, error) {
	for k := uint8(9); k <= 16; k++ {
		pageSize := 1 << k
		buf, err := e.v.ReadAt(int64(pageSize), pageSize)
		if err != nil {
			continue
		}
		h, serr := page.UnmarshalSecondary(buf)
		if serr != nil {
			continue
		}
		if err := e.v.WriteAt(0, h.MarshalPrimary(pageSize)); err != nil {
			return page.Header{}, errors.Trace(err)
		}
		if err := e.v.Sync(vfs.SyncFull); err != nil {
			return page.Header{}, errors.Trace(err)
		}
		logger.Infof("engine: rebuilt primary header from secondary (page_size=%d)", pageSize)
		return h, nil
	}
	return page.Header{}, errors.Trace(epierr.ErrCorruptHeader)
}

// loadTableStates reconstructs per-table row-id indexes and data chains
// from the catalog (spec §4.4.5 step 2).
func (e *Engine) loadTableStates() error {
	names, err := e.allTableNames()
	if err != nil {
		return errors.Trace(err)
	}
	for _, name := range names {
		def, err := e.cat.Lookup(name)
		if err != nil {
			return errors.Trace(err)
		}
		if err := e.attachTable(def); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (e *Engine) attachTable(def *catalog.TableDef) error {
	ri := rowindex.New(e.p, def.RowIndexRoot, e.opts.RowIDReuse)
	if err := ri.Load(); err != nil {
		return errors.Trace(err)
	}
	chain, err := e.walkChain(def.RootPage)
	if err != nil {
		return errors.Trace(err)
	}
	e.tables[def.Name] = &tableState{def: def, rowIndex: ri, dataChain: chain}
	return nil
}

func (e *Engine) walkChain(root uint64) ([]uint64, error) {
	if root == 0 {
		return nil, nil
	}
	var chain []uint64
	id := root
	for id != 0 {
		chain = append(chain, id)
		pg, err := e.p.GetPage(id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if pg.Envelope.OverflowPointer.IsNull() {
			break
		}
		id = pg.Envelope.OverflowPointer.PageID
	}
	return chain, nil
}

// allTableNames is a small helper over the catalog's private map; since
// catalog does not expose iteration directly (spec keeps its surface to
// Lookup/Create/Drop/Alter), the engine asks it for a snapshot list.
func (e *Engine) allTableNames() ([]string, error) {
	return e.cat.Names(), nil
}

// persistAccounting writes the primary and secondary headers, including the
// journal head/tail cursors and the current free-list root. Header pages
// are not Envelope-formatted pages (spec §3.3 is a distinct layout from
// §3.4), so this bypasses the pager and goes straight to the VFS.
func (e *Engine) persistAccounting() error {
	pageSize := e.header.PageSize()
	payloadCap := page.PayloadCapacity(pageSize)
	e.header.JournalHead = e.j.Head().Linear(payloadCap)
	e.header.JournalTail = e.j.Tail().Linear(payloadCap)
	e.header.FreeListRoot = e.p.FreeListRoot()

	if err := e.v.WriteAt(0, e.header.MarshalPrimary(pageSize)); err != nil {
		return errors.Trace(err)
	}
	if err := e.v.WriteAt(int64(pageSize), e.header.MarshalSecondary(pageSize)); err != nil {
		return errors.Trace(err)
	}
	return e.v.Sync(vfs.SyncFull)
}

// Close flushes all pending state. The Engine must not be used afterward.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.persistAccounting(); err != nil {
		return errors.Trace(err)
	}
	if err := e.p.Flush(); err != nil {
		return errors.Trace(err)
	}
	return e.v.Close()
}
