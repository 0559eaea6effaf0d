// Package catalog implements the metadata store living on table_id=0 (spec
// §4.4.1): table definitions loaded fully into memory at open and mutated
// through the same COW + journal protocol as ordinary rows.
package catalog

import (
	"sync"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/internal/pager"
)

// ColumnDef describes one column. Column values themselves stay opaque to
// the storage core (spec §6.1); this only records enough to validate row
// shape and to let internal/rowcodec interpret typed columns.
type ColumnDef struct {
	Name     string
	Nullable bool
}

// TableDef mirrors spec §4.4.1's TableDef{id, columns, constraints,
// root_page, row_index_root}.
type TableDef struct {
	ID           uint64
	Name         string
	Columns      []ColumnDef
	Constraints  []byte // opaque, caller-defined encoding
	RootPage     uint64 // head of the table's data-page chain
	RowIndexRoot uint64 // head of the table's row-id index page chain
}

// Catalog is the in-memory mirror of the catalog pages, kept consistent
// with them by Create/Drop/Alter.
type Catalog struct {
	mu      sync.RWMutex
	p       *pager.Pager
	byName  map[string]*TableDef
	byID    map[uint64]*TableDef
	nextID  uint64
	root    uint64 // first catalog page, always page.PageCatalogFirst
}

// New returns an empty catalog bound to p. Call Load to populate it from an
// existing file, or leave empty for a freshly created database.
func New(p *pager.Pager) *Catalog {
	return &Catalog{
		p:      p,
		byName: make(map[string]*TableDef),
		byID:   make(map[uint64]*TableDef),
		nextID: 1, // table_id 0 is the catalog itself
		root:   uint64(page.PageCatalogFirst),
	}
}

// Load walks the catalog page chain starting at page.PageCatalogFirst and
// decodes every TableDef record found in it.
func (c *Catalog) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.root
	for id != 0 {
		pg, err := c.p.GetReservedPage(id)
		if err != nil {
			return errors.Trace(err)
		}
		buf := pg.Envelope.Payload
		off := 0
		for off < len(buf) {
			rec, n, err := decodeTableDef(buf[off:])
			if err != nil {
				break // zero-padded remainder of the page
			}
			if n == 0 {
				break
			}
			off += n
			c.index(rec)
			if rec.ID >= c.nextID {
				c.nextID = rec.ID + 1
			}
		}
		if pg.Envelope.OverflowPointer.IsNull() {
			break
		}
		id = pg.Envelope.OverflowPointer.PageID
	}
	return nil
}

func (c *Catalog) index(t *TableDef) {
	// A later record for the same id supersedes the earlier one: an Alter
	// may have renamed the table, and a Drop tombstone removes it.
	if old, ok := c.byID[t.ID]; ok && old.Name != t.Name {
		delete(c.byName, old.Name)
	}
	if t.RootPage == 0 && t.RowIndexRoot == 0 && len(t.Columns) == 0 && t.Name == "" {
		// tombstoned/dropped record left as a placeholder in the page
		delete(c.byID, t.ID)
		return
	}
	c.byName[t.Name] = t
	c.byID[t.ID] = t
}

// Names returns a snapshot of every live table name, in no particular
// order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	return out
}

// Lookup returns the table definition for name, or a juju/errors NotFound
// error.
func (c *Catalog) Lookup(name string) (*TableDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[name]
	if !ok {
		return nil, errors.NotFoundf("table %q", name)
	}
	return t, nil
}

// LookupByID returns the table definition for id.
func (c *Catalog) LookupByID(id uint64) (*TableDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	if !ok {
		return nil, errors.NotFoundf("table id %d", id)
	}
	return t, nil
}

// Create registers a new table definition in memory and persists it to the
// catalog pages. The caller (internal/engine) journals the CreateTable entry,
// carrying the id assigned here, after this returns; both reach disk in the
// same pager flush.
func (c *Catalog) Create(name string, columns []ColumnDef, constraints []byte) (*TableDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; exists {
		return nil, errors.AlreadyExistsf("table %q", name)
	}
	t := &TableDef{
		ID:          c.nextID,
		Name:        name,
		Columns:     columns,
		Constraints: constraints,
	}
	c.nextID++
	if err := c.appendLocked(t); err != nil {
		return nil, errors.Trace(err)
	}
	c.byName[name] = t
	c.byID[t.ID] = t
	return t, nil
}

// Drop removes a table definition, persisting a tombstone record so reload
// does not resurrect it.
func (c *Catalog) Drop(name string) (*TableDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byName[name]
	if !ok {
		return nil, errors.NotFoundf("table %q", name)
	}
	tomb := &TableDef{ID: t.ID}
	if err := c.appendLocked(tomb); err != nil {
		return nil, errors.Trace(err)
	}
	delete(c.byName, name)
	delete(c.byID, t.ID)
	return t, nil
}

// Alter replaces a table definition in place (same ID, new shape), used for
// ALTER TABLE. Both old and new defs are serialized by the caller into the
// AlterTable journal entry; this only updates the live record.
func (c *Catalog) Alter(name string, newDef TableDef) (*TableDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.byName[name]
	if !ok {
		return nil, errors.NotFoundf("table %q", name)
	}
	newDef.ID = old.ID
	if newDef.Name != old.Name {
		delete(c.byName, old.Name)
	}
	if err := c.appendLocked(&newDef); err != nil {
		return nil, errors.Trace(err)
	}
	c.byName[newDef.Name] = &newDef
	c.byID[newDef.ID] = &newDef
	return &newDef, nil
}

// SetRootPages updates a table's data/index chain roots after the first
// row is inserted (tables start with no pages allocated).
func (c *Catalog) SetRootPages(id uint64, dataRoot, rowIndexRoot uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byID[id]
	if !ok {
		return errors.NotFoundf("table id %d", id)
	}
	t.RootPage = dataRoot
	t.RowIndexRoot = rowIndexRoot
	return c.appendLocked(t)
}

// appendLocked writes t as a new record at the tail of the catalog page
// chain, growing the chain with a fresh page if none has room. usedBytes
// re-derives the write offset by replaying the page's records rather than
// trusting Envelope.Counter, which here means "live table records", not a
// byte cursor.
func (c *Catalog) appendLocked(t *TableDef) error {
	rec := encodeTableDef(t)
	id := c.root
	for {
		pg, err := c.p.GetReservedPage(id)
		if err != nil {
			return errors.Trace(err)
		}
		off := usedBytes(pg.Envelope.Payload)
		if len(pg.Envelope.Payload)-off >= len(rec) {
			return c.p.Mutate(id, func(env *page.Envelope) {
				copy(env.Payload[off:], rec)
				env.Counter++
				env.PageType = page.TypeMetadata
			})
		}
		if pg.Envelope.OverflowPointer.IsNull() {
			next, err := c.p.AllocatePage(page.TypeMetadata)
			if err != nil {
				return errors.Trace(err)
			}
			if err := c.p.Mutate(id, func(env *page.Envelope) {
				env.OverflowPointer = cint.OffsetPointer{PageID: next.ID, Offset: 0}
			}); err != nil {
				return errors.Trace(err)
			}
			id = next.ID
			continue
		}
		id = pg.Envelope.OverflowPointer.PageID
	}
}

func usedBytes(buf []byte) int {
	off := 0
	for off < len(buf) {
		_, n, err := decodeTableDef(buf[off:])
		if err != nil || n == 0 {
			break
		}
		off += n
	}
	return off
}
