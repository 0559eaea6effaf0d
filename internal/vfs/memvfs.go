package vfs

import (
	"math/rand"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/epierr"
)

// Mem is an in-memory VFS used by tests and by crash-simulation scenarios
// (spec §8's literal scenarios A-F): it lets a test drop all bytes written
// since the last Sync to emulate a crash.
type Mem struct {
	mu       sync.Mutex
	durable  []byte // bytes that have survived a Sync
	pending  []byte // bytes written but not yet synced
	rng      *rand.Rand
	closed   bool
}

// NewMem creates an empty in-memory VFS.
func NewMem() *Mem {
	return &Mem{rng: rand.New(rand.NewSource(1))}
}

func (m *Mem) ensureLen(buf *[]byte, size int) {
	if len(*buf) < size {
		grown := make([]byte, size)
		copy(grown, *buf)
		*buf = grown
	}
}

func (m *Mem) ReadAt(offset int64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + int64(n)
	if end > int64(len(m.pending)) {
		return nil, errors.Annotatef(epierr.ErrIo, "short read at %d len %d", offset, n)
	}
	out := make([]byte, n)
	copy(out, m.pending[offset:end])
	return out, nil
}

func (m *Mem) WriteAt(offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + int64(len(data))
	m.ensureLen(&m.pending, int(end))
	copy(m.pending[offset:end], data)
	return nil
}

func (m *Mem) Sync(level SyncLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durable = append([]byte(nil), m.pending...)
	return nil
}

func (m *Mem) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLen(&m.pending, int(size))
	m.pending = m.pending[:size]
	return nil
}

func (m *Mem) FileSize() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pending)), nil
}

func (m *Mem) CurrentTime() time.Time { return time.Now() }

func (m *Mem) Randomness(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, n)
	m.rng.Read(buf)
	return buf, nil
}

func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Crash discards every byte written since the last Sync, simulating a
// power loss: anything not fsynced is lost, matching the durability
// boundary of spec §4.3.
func (m *Mem) Crash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append([]byte(nil), m.durable...)
}

// CorruptRange zeroes durable bytes in [offset, offset+n) to
// simulate a torn write for recovery tests (spec §8 scenario E/F).
func (m *Mem) CorruptRange(offset int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + int64(n)
	m.ensureLen(&m.durable, int(end))
	for i := offset; i < end; i++ {
		m.durable[i] = 0
	}
	m.ensureLen(&m.pending, int(end))
	copy(m.pending[offset:end], m.durable[offset:end])
}
