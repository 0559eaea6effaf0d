package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/page"
	"github.com/epiloglite/epiloglite/internal/pager"
	"github.com/epiloglite/epiloglite/internal/vfs"
)

func newTestCatalog(t *testing.T) (*Catalog, *pager.Pager) {
	t.Helper()
	mem := vfs.NewMem()
	require.NoError(t, mem.Truncate(4*512))
	// The pager CRC-checks reserved pages like any other, so the catalog root
	// starts out as a formatted, empty envelope rather than raw zeroes.
	root := page.Envelope{PageType: page.TypeMetadata, Payload: make([]byte, page.PayloadCapacity(512))}
	require.NoError(t, mem.WriteAt(int64(page.PageCatalogFirst)*512, root.Marshal(512)))
	p := pager.New(mem, pager.Config{PageSize: 512, CachePages: 10}, cint.Null, 4)
	return New(p), p
}

func TestCreateAndLookup(t *testing.T) {
	c, _ := newTestCatalog(t)
	t1, err := c.Create("widgets", []ColumnDef{{Name: "a", Nullable: false}}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), t1.ID)

	got, err := c.Lookup("widgets")
	require.NoError(t, err)
	require.Equal(t, t1.ID, got.ID)
	require.Len(t, got.Columns, 1)
}

func TestCreateDuplicateFails(t *testing.T) {
	c, _ := newTestCatalog(t)
	_, err := c.Create("widgets", nil, nil)
	require.NoError(t, err)
	_, err = c.Create("widgets", nil, nil)
	require.Error(t, err)
}

func TestDropThenLookupFails(t *testing.T) {
	c, _ := newTestCatalog(t)
	_, err := c.Create("widgets", nil, nil)
	require.NoError(t, err)
	_, err = c.Drop("widgets")
	require.NoError(t, err)
	_, err = c.Lookup("widgets")
	require.Error(t, err)
}

func TestReloadSurvivesAcrossCatalogs(t *testing.T) {
	c, p := newTestCatalog(t)
	_, err := c.Create("widgets", []ColumnDef{{Name: "a"}, {Name: "b", Nullable: true}}, []byte("pk(a)"))
	require.NoError(t, err)
	require.NoError(t, c.SetRootPages(1, 4, 5))
	require.NoError(t, p.Flush())

	c2 := New(p)
	require.NoError(t, c2.Load())
	got, err := c2.Lookup("widgets")
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.RootPage)
	require.Equal(t, uint64(5), got.RowIndexRoot)
	require.Len(t, got.Columns, 2)
	require.Equal(t, []byte("pk(a)"), got.Constraints)
}

func TestReloadOmitsDroppedTable(t *testing.T) {
	c, p := newTestCatalog(t)
	_, err := c.Create("widgets", nil, nil)
	require.NoError(t, err)
	_, err = c.Drop("widgets")
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	c2 := New(p)
	require.NoError(t, c2.Load())
	_, err = c2.Lookup("widgets")
	require.Error(t, err)
}

func TestCatalogChainGrowsAcrossPages(t *testing.T) {
	c, p := newTestCatalog(t)
	for i := 0; i < 40; i++ {
		_, err := c.Create(longName(i), []ColumnDef{{Name: "col1"}, {Name: "col2"}}, []byte("some constraint bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush())

	c2 := New(p)
	require.NoError(t, c2.Load())
	for i := 0; i < 40; i++ {
		_, err := c2.Lookup(longName(i))
		require.NoError(t, err)
	}

	pg0, err := p.GetReservedPage(uint64(page.PageCatalogFirst))
	require.NoError(t, err)
	require.False(t, pg0.Envelope.OverflowPointer.IsNull())
}

func longName(i int) string {
	names := []string{"alpha", "bravo", "charlie", "delta"}
	return names[i%len(names)] + string(rune('a'+i%26)) + string(rune('0'+i%10))
}
