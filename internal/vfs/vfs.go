// Package vfs is the engine's sole point of contact with the filesystem.
// Every other component reaches the database file only through the VFS
// interface (spec §4.1); nothing above this layer calls os.File directly.
package vfs

import (
	"os"
	"time"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/epierr"
)

// SyncLevel distinguishes a data-only sync from a full sync that also
// flushes metadata (inode size, etc). See spec §6.3's sync_level option.
type SyncLevel int

const (
	SyncData SyncLevel = iota
	SyncFull
)

// VFS is the capability set the pager needs from the host OS. No
// implementation may panic; all failures are returned wrapped in
// epierr.ErrIo.
type VFS interface {
	ReadAt(offset int64, n int) ([]byte, error)
	WriteAt(offset int64, data []byte) error
	Sync(level SyncLevel) error
	Truncate(size int64) error
	FileSize() (int64, error)
	CurrentTime() time.Time
	Randomness(n int) ([]byte, error)
	Close() error
}

// osFile is the default VFS, backed by a single *os.File opened O_RDWR.
type osFile struct {
	f *os.File
}

// OpenFile opens (creating if absent) path as an osFile VFS.
func OpenFile(path string) (VFS, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Annotatef(epierr.ErrIo, "open %s: %v", path, err)
	}
	return &osFile{f: f}, nil
}

func (o *osFile) ReadAt(offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := o.f.ReadAt(buf, offset)
	if err != nil || read != n {
		return nil, errors.Annotatef(epierr.ErrIo, "short read at %d: want %d got %d (%v)", offset, n, read, err)
	}
	return buf, nil
}

func (o *osFile) WriteAt(offset int64, data []byte) error {
	n, err := o.f.WriteAt(data, offset)
	if err != nil || n != len(data) {
		return errors.Annotatef(epierr.ErrIo, "short write at %d: want %d got %d (%v)", offset, len(data), n, err)
	}
	return nil
}

func (o *osFile) Sync(level SyncLevel) error {
	if err := o.f.Sync(); err != nil {
		return errors.Annotatef(epierr.ErrIo, "sync: %v", err)
	}
	return nil
}

func (o *osFile) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return errors.Annotatef(epierr.ErrIo, "truncate to %d: %v", size, err)
	}
	return nil
}

func (o *osFile) FileSize() (int64, error) {
	info, err := o.f.Stat()
	if err != nil {
		return 0, errors.Annotatef(epierr.ErrIo, "stat: %v", err)
	}
	return info.Size(), nil
}

func (o *osFile) CurrentTime() time.Time { return time.Now() }

func (o *osFile) Randomness(n int) ([]byte, error) {
	buf := make([]byte, n)
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return nil, errors.Annotatef(epierr.ErrIo, "open urandom: %v", err)
	}
	defer f.Close()
	if _, err := f.Read(buf); err != nil {
		return nil, errors.Annotatef(epierr.ErrIo, "read urandom: %v", err)
	}
	return buf, nil
}

func (o *osFile) Close() error {
	if err := o.f.Close(); err != nil {
		return errors.Annotatef(epierr.ErrIo, "close: %v", err)
	}
	return nil
}
