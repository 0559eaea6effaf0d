// Package journal implements the append-only ring-buffer write-ahead log
// described in spec §4.3: typed entries with CRCs, durability ordering
// against the pager, and the recovery scan.
package journal

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/golang/snappy"
	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/epierr"
)

// Kind tags a journal entry the way spec §4.3's table does.
type Kind uint8

const (
	KindBeginTxn Kind = iota + 1
	KindCommitTxn
	KindRollbackTxn
	KindSavepoint
	KindReleaseSavepoint
	KindRollbackToSavepoint
	KindCreateTable
	KindCreateIndex
	KindCreateView
	KindDropTable
	KindDropIndex
	KindDropView
	KindAlterTable
	KindInsert
	KindUpdate
	KindDelete
)

// compressThreshold: entry payloads at or above this size are snappy
// compressed before the CRC is taken, mirroring the teacher's
// manager/compression_manager.go pairing of snappy with a size-gated policy
// rather than compressing unconditionally.
const compressThreshold = 256

// Entry is one journaled operation. Not every field is meaningful for every
// Kind; Encode shows which fields each Kind carries.
type Entry struct {
	Kind      Kind
	Timestamp time.Time

	TxnID   uint64
	Name    string // Savepoint / RollbackToSavepoint / ReleaseSavepoint
	ObjectID uint64

	TableID uint64
	RowID   uint64

	AfterFlag  bool // true: AFTER (redo) image; false: BEFORE (undo) image
	UpsertFlag bool

	RowBytes    []byte
	OldRowBytes []byte

	BeforeDef []byte // AlterTable
	AfterDef  []byte // AlterTable / Drop*
}

// Encode serializes e into a self-delimiting, CRC-tagged record:
// [u32 recordLen][tag][timestamp][fields...][u32 entry_crc32].
func Encode(e Entry) []byte {
	body := make([]byte, 0, 64)
	body = append(body, byte(e.Kind))
	body = putVarTime(body, e.Timestamp)
	body = cint.Encode(body, e.TxnID)

	switch e.Kind {
	case KindSavepoint, KindReleaseSavepoint, KindRollbackToSavepoint:
		body = putString(body, e.Name)
	case KindCreateTable, KindCreateIndex, KindCreateView:
		body = cint.Encode(body, e.ObjectID)
	case KindDropTable, KindDropIndex, KindDropView:
		body = cint.Encode(body, e.ObjectID)
		body = putBytes(body, e.AfterDef)
	case KindAlterTable:
		body = append(body, boolByte(e.AfterFlag))
		body = cint.Encode(body, e.TableID)
		body = putBytes(body, e.BeforeDef)
		body = putBytes(body, e.AfterDef)
	case KindInsert:
		body = cint.Encode(body, e.TableID)
		body = cint.Encode(body, e.RowID)
		body = putCompressible(body, e.RowBytes)
	case KindUpdate:
		body = append(body, boolByte(e.AfterFlag), boolByte(e.UpsertFlag))
		body = cint.Encode(body, e.TableID)
		body = cint.Encode(body, e.RowID)
		body = putCompressible(body, e.RowBytes)
	case KindDelete:
		body = cint.Encode(body, e.TableID)
		body = cint.Encode(body, e.RowID)
		body = putCompressible(body, e.OldRowBytes)
	}

	crc := crc32.ChecksumIEEE(body)
	out := make([]byte, 0, 4+len(body)+4)
	out = append(out, u32(uint32(len(body)))...)
	out = append(out, body...)
	out = append(out, u32(crc)...)
	return out
}

// Decode reads one entry from the front of buf, returning it and the number
// of bytes consumed, or ErrShortRecord / epierr.ErrCorruptPage if the
// buffer is too short or the CRC does not match (a torn write, spec §4.4.5).
func Decode(buf []byte) (Entry, int, error) {
	if len(buf) < 4 {
		return Entry{}, 0, ErrShortRecord
	}
	recordLen := binary.BigEndian.Uint32(buf[:4])
	total := 4 + int(recordLen) + 4
	if recordLen == 0 || total > len(buf) {
		return Entry{}, 0, ErrShortRecord
	}
	body := buf[4 : 4+recordLen]
	wantCRC := binary.BigEndian.Uint32(buf[4+recordLen : total])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Entry{}, 0, errors.Trace(epierr.ErrCorruptPage)
	}

	var e Entry
	off := 0
	e.Kind = Kind(body[off])
	off++
	ts, n := getVarTime(body[off:])
	e.Timestamp = ts
	off += n
	txnID, n, err := cint.Decode(body[off:])
	if err != nil {
		return Entry{}, 0, errors.Trace(ErrShortRecord)
	}
	e.TxnID = txnID
	off += n

	switch e.Kind {
	case KindSavepoint, KindReleaseSavepoint, KindRollbackToSavepoint:
		e.Name, n = getString(body[off:])
		off += n
	case KindCreateTable, KindCreateIndex, KindCreateView:
		e.ObjectID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
	case KindDropTable, KindDropIndex, KindDropView:
		e.ObjectID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
		e.AfterDef, n = getBytes(body[off:])
		off += n
	case KindAlterTable:
		e.AfterFlag = body[off] != 0
		off++
		e.TableID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
		e.BeforeDef, n = getBytes(body[off:])
		off += n
		e.AfterDef, n = getBytes(body[off:])
		off += n
	case KindInsert:
		e.TableID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
		e.RowID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
		e.RowBytes, n = getCompressible(body[off:])
		off += n
	case KindUpdate:
		e.AfterFlag = body[off] != 0
		e.UpsertFlag = body[off+1] != 0
		off += 2
		e.TableID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
		e.RowID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
		e.RowBytes, n = getCompressible(body[off:])
		off += n
	case KindDelete:
		e.TableID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
		e.RowID, n, err = cint.Decode(body[off:])
		if err != nil {
			return Entry{}, 0, errors.Trace(ErrShortRecord)
		}
		off += n
		e.OldRowBytes, n = getCompressible(body[off:])
		off += n
	}
	return e, total, nil
}

// ErrShortRecord means a prefix of an entry was present but not the whole
// thing — the normal shape of a page that filled mid-record, or a torn
// write; recovery treats it as "truncate the scan here".
var ErrShortRecord = errors.New("journal: short or invalid record")

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func putVarTime(dst []byte, t time.Time) []byte {
	return cint.Encode(dst, uint64(t.UnixNano()))
}

func getVarTime(buf []byte) (time.Time, int) {
	v, n, err := cint.Decode(buf)
	if err != nil {
		return time.Time{}, 0
	}
	return time.Unix(0, int64(v)), n
}

func putString(dst []byte, s string) []byte {
	return putBytes(dst, []byte(s))
}

func getString(buf []byte) (string, int) {
	b, n := getBytes(buf)
	return string(b), n
}

func putBytes(dst []byte, b []byte) []byte {
	dst = cint.Encode(dst, uint64(len(b)))
	return append(dst, b...)
}

func getBytes(buf []byte) ([]byte, int) {
	l, n, err := cint.Decode(buf)
	if err != nil || n+int(l) > len(buf) {
		return nil, len(buf)
	}
	return append([]byte(nil), buf[n:n+int(l)]...), n + int(l)
}

// putCompressible snappy-compresses payloads at or above compressThreshold,
// flagged by a leading byte so Decode knows whether to expand.
func putCompressible(dst []byte, b []byte) []byte {
	if len(b) < compressThreshold {
		dst = append(dst, 0)
		return putBytes(dst, b)
	}
	dst = append(dst, 1)
	return putBytes(dst, snappy.Encode(nil, b))
}

func getCompressible(buf []byte) ([]byte, int) {
	if len(buf) == 0 {
		return nil, 0
	}
	compressed := buf[0] == 1
	raw, n := getBytes(buf[1:])
	if !compressed {
		return raw, 1 + n
	}
	out, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, 1 + n
	}
	return out, 1 + n
}
