package engine

import "github.com/epiloglite/epiloglite/internal/rowindex"

// SyncLevel mirrors spec §6.3's sync_level option.
type SyncLevel int

const (
	SyncData SyncLevel = iota
	SyncFull
)

// MaintenanceMode mirrors spec §6.3's maintenance option.
type MaintenanceMode int

const (
	MaintenanceSynchronous MaintenanceMode = iota
	MaintenanceBackground
)

// Options configures Open, grounded on the teacher's *Config structs
// (manager.PageConfig, buffer_pool.BufferPoolConfig) and their
// "if config == nil, fill in defaults" pattern.
type Options struct {
	PageSizeExp    uint8 // k for 2^k page size; write-once at creation
	CachePages     int
	JournalPages   uint32
	RowIDReuse     rowindex.ReusePolicy
	SyncLevel      SyncLevel
	Maintenance    MaintenanceMode
	MinFreeReserve int
}

// DefaultOptions returns the recommended option set. Open fills a zero
// PageSizeExp, CachePages, JournalPages or MinFreeReserve from it; the other
// fields of the caller's Options are used as given.
func DefaultOptions() Options {
	return Options{
		PageSizeExp:    12, // 4096-byte pages
		CachePages:     1000,
		JournalPages:   8,
		RowIDReuse:     rowindex.PolicyAppend,
		SyncLevel:      SyncFull,
		Maintenance:    MaintenanceSynchronous,
		MinFreeReserve: 4,
	}
}

func fillDefaults(o Options) Options {
	d := DefaultOptions()
	if o.PageSizeExp == 0 {
		o.PageSizeExp = d.PageSizeExp
	}
	if o.CachePages == 0 {
		o.CachePages = d.CachePages
	}
	if o.JournalPages == 0 {
		o.JournalPages = d.JournalPages
	}
	if o.MinFreeReserve == 0 {
		o.MinFreeReserve = d.MinFreeReserve
	}
	return o
}
