// Package page implements the on-disk page envelope, the primary/secondary
// headers, and the free-page guard pattern described in spec §3.3-§3.4.
package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/juju/errors"

	"github.com/epiloglite/epiloglite/internal/cint"
	"github.com/epiloglite/epiloglite/internal/epierr"
)

// Reserved page ids, fixed by spec §3.1.
const (
	PageHeaderPrimary   = 0
	PageHeaderSecondary = 1
	PageCatalogFirst    = 2
	PageJournalFirst    = 3
	FirstUserPage       = 4
)

// Type tags a page's role (spec §3.4).
type Type uint8

const (
	TypeData Type = iota + 1
	TypeMetadata
	TypeJournal
	TypeOverflow
)

// Flag bits stored in the envelope's flags byte.
type Flag uint8

const (
	FlagDirty Flag = 1 << iota
	FlagFreed
)

const (
	magicLen = 10

	// ptrSlotLen is a fixed-width footer slot for the CInt-encoded
	// overflow pointer. CInt is self-delimiting, so decoding it only
	// consumes the bytes the value actually needs; the remainder of the
	// slot is don't-care zero padding. Reserving a fixed slot (rather
	// than packing the footer tightly) lets the envelope be parsed from
	// fixed offsets at the end of the page without a forward scan.
	ptrSlotLen = 2 * (1 + 8) // two CInt fields, each up to 9 bytes
	crcLen     = 4
	footerLen  = crcLen + ptrSlotLen

	// Worst-case envelope overhead reserved regardless of how small the
	// actual CInt-encoded counter happens to be, so every page's payload
	// capacity is a fixed, predictable number independent of its current
	// contents.
	envelopeReserve = 1 /*counter tag*/ + 8 /*counter magnitude*/ +
		1 /*page_type*/ + 1 /*flags*/ +
		footerLen
)

var magic = [magicLen]byte{'E', 'p', 'i', 'l', 'o', 'g', 'L', 'i', 't', 'e'}

// Header is the primary/secondary header stored on pages 0 and 1 (spec §3.3).
type Header struct {
	FormatVersion     uint8
	PageSizeExp       uint8
	Flags             uint64
	FreeListRoot      cint.OffsetPointer
	ApplicationID     uint64
	MigrationVersion  uint64
	// Accounting block, present only on the secondary header's page.
	JournalHead uint64
	JournalTail uint64
}

// RowIDReuse flag bit within Header.Flags (spec §4.4.2).
const FlagRowIDReuse = 1 << 0

// CurrentFormatVersion is the only format_version this package can open;
// readers refuse anything else with epierr.ErrUnsupportedFormat (spec §6.2).
const CurrentFormatVersion = 1

// PageSize returns 2^PageSizeExp.
func (h Header) PageSize() int { return 1 << h.PageSizeExp }

// MarshalPrimary encodes the primary header (page 0): magic, version, exp,
// flags, free-list root, application id, migration version, CRC.
func (h Header) MarshalPrimary(pageSize int) []byte {
	buf := make([]byte, 0, pageSize)
	buf = append(buf, magic[:]...)
	buf = append(buf, h.FormatVersion, h.PageSizeExp)
	buf = cint.Encode(buf, h.Flags)
	buf = cint.EncodeOffsetPointer(buf, h.FreeListRoot)
	buf = cint.Encode(buf, h.ApplicationID)
	buf = cint.Encode(buf, h.MigrationVersion)
	crc := crc32.ChecksumIEEE(buf)
	buf = append(buf, u32be(crc)...)
	out := make([]byte, pageSize)
	copy(out, buf)
	return out
}

// UnmarshalPrimary validates and decodes a primary header page. It returns
// epierr.ErrCorruptHeader if the CRC does not match or the magic is wrong.
func UnmarshalPrimary(buf []byte) (Header, error) {
	if len(buf) < magicLen+2 {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	for i := 0; i < magicLen; i++ {
		if buf[i] != magic[i] {
			return Header{}, errors.Trace(epierr.ErrCorruptHeader)
		}
	}
	off := magicLen
	h := Header{FormatVersion: buf[off], PageSizeExp: buf[off+1]}
	off += 2
	var n int
	var err error
	if h.Flags, n, err = cint.Decode(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if h.FreeListRoot, n, err = cint.DecodeOffsetPointer(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if h.ApplicationID, n, err = cint.Decode(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if h.MigrationVersion, n, err = cint.Decode(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if off+4 > len(buf) {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	want := binary.BigEndian.Uint32(buf[off : off+4])
	got := crc32.ChecksumIEEE(buf[:off])
	if want != got {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	return h, nil
}

// MarshalSecondary encodes page 1: a full duplicate of the primary header
// plus the accounting block (journal head/tail + its own CRC).
func (h Header) MarshalSecondary(pageSize int) []byte {
	buf := make([]byte, 0, pageSize)
	buf = append(buf, magic[:]...)
	buf = append(buf, h.FormatVersion, h.PageSizeExp)
	buf = cint.Encode(buf, h.Flags)
	buf = cint.EncodeOffsetPointer(buf, h.FreeListRoot)
	buf = cint.Encode(buf, h.ApplicationID)
	buf = cint.Encode(buf, h.MigrationVersion)
	buf = cint.Encode(buf, h.JournalHead)
	buf = cint.Encode(buf, h.JournalTail)
	crc := crc32.ChecksumIEEE(buf)
	buf = append(buf, u32be(crc)...)
	out := make([]byte, pageSize)
	copy(out, buf)
	return out
}

// UnmarshalSecondary decodes page 1 (the duplicated primary fields plus the
// accounting block), validating its own CRC — distinct from the primary
// header's CRC, since the byte ranges they cover differ.
func UnmarshalSecondary(buf []byte) (Header, error) {
	if len(buf) < magicLen+2 {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	for i := 0; i < magicLen; i++ {
		if buf[i] != magic[i] {
			return Header{}, errors.Trace(epierr.ErrCorruptHeader)
		}
	}
	off := magicLen
	h := Header{FormatVersion: buf[off], PageSizeExp: buf[off+1]}
	off += 2
	var n int
	var err error
	if h.Flags, n, err = cint.Decode(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if h.FreeListRoot, n, err = cint.DecodeOffsetPointer(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if h.ApplicationID, n, err = cint.Decode(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if h.MigrationVersion, n, err = cint.Decode(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if h.JournalHead, n, err = cint.Decode(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if h.JournalTail, n, err = cint.Decode(buf[off:]); err != nil {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	off += n
	if off+4 > len(buf) {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	want := binary.BigEndian.Uint32(buf[off : off+4])
	got := crc32.ChecksumIEEE(buf[:off])
	if want != got {
		return Header{}, errors.Trace(epierr.ErrCorruptHeader)
	}
	return h, nil
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// Envelope is the common structure shared by every non-free page (spec §3.4).
type Envelope struct {
	Counter          uint64
	PageType         Type
	Flags            Flag
	Payload          []byte
	OverflowPointer  cint.OffsetPointer
}

// PayloadCapacity returns how many payload bytes a page of pageSize can hold.
func PayloadCapacity(pageSize int) int {
	c := pageSize - envelopeReserve
	if c < 0 {
		return 0
	}
	return c
}

// IsDirty reports whether FlagDirty is set.
func (e Envelope) IsDirty() bool { return e.Flags&FlagDirty != 0 }

// IsFreed reports whether FlagFreed is set.
func (e Envelope) IsFreed() bool { return e.Flags&FlagFreed != 0 }

// Marshal serializes e into a pageSize-length buffer, computing page_crc32
// over counter..payload and placing the overflow pointer in its fixed
// footer slot.
func (e Envelope) Marshal(pageSize int) []byte {
	body := make([]byte, 0, pageSize)
	body = cint.Encode(body, e.Counter)
	body = append(body, byte(e.PageType), byte(e.Flags))
	body = append(body, e.Payload...)
	crc := crc32.ChecksumIEEE(body)

	out := make([]byte, pageSize)
	copy(out, body)
	crcOff := pageSize - footerLen
	binary.BigEndian.PutUint32(out[crcOff:crcOff+crcLen], crc)
	ptrBuf := cint.EncodeOffsetPointer(nil, e.OverflowPointer)
	copy(out[crcOff+crcLen:], ptrBuf)
	return out
}

// Unmarshal parses buf into an Envelope, validating the CRC unless the page
// is Dirty (a dirty page's on-disk bytes may lag its in-memory contents by
// design; only flush() recomputes its CRC, per spec §4.2).
func Unmarshal(buf []byte) (Envelope, error) {
	if len(buf) < footerLen+2 {
		return Envelope{}, errors.Trace(epierr.ErrCorruptPage)
	}
	counter, n, err := cint.Decode(buf)
	if err != nil {
		return Envelope{}, errors.Trace(epierr.ErrCorruptPage)
	}
	off := n
	if off+2 > len(buf) {
		return Envelope{}, errors.Trace(epierr.ErrCorruptPage)
	}
	typ := Type(buf[off])
	flags := Flag(buf[off+1])
	off += 2

	crcOff := len(buf) - footerLen
	if crcOff < off {
		return Envelope{}, errors.Trace(epierr.ErrCorruptPage)
	}
	// The payload spans exactly PayloadCapacity bytes, as Marshal lays it
	// out; anything between its end and the footer is padding.
	end := off + PayloadCapacity(len(buf))
	if end > crcOff {
		end = crcOff
	}
	payload := append([]byte(nil), buf[off:end]...)
	crcWant := binary.BigEndian.Uint32(buf[crcOff : crcOff+crcLen])
	ptr, _, perr := cint.DecodeOffsetPointer(buf[crcOff+crcLen:])
	if perr != nil {
		return Envelope{}, errors.Trace(epierr.ErrCorruptPage)
	}

	e := Envelope{Counter: counter, PageType: typ, Flags: flags, Payload: payload, OverflowPointer: ptr}
	if e.IsDirty() {
		return e, nil
	}
	body := buf[:end]
	if crc32.ChecksumIEEE(body) != crcWant {
		return Envelope{}, errors.Trace(epierr.ErrCorruptPage)
	}
	return e, nil
}

const (
	freeGuardFront = 0xDECAFACE
	freeGuardRear  = 0xECAFACED
)

// nextPtrLen is the width of the free-list chain pointer embedded at the
// tail of a free page's body, immediately before the rear guard. A page at
// the end of the chain (or the only free page) stores 0 there, which is
// indistinguishable from the all-zero body spec §3.4 describes; a page
// mid-chain stores the next free page's id so the free list is traversable
// without any structure outside the pages themselves.
const nextPtrLen = 8

// FreePage returns the on-disk bytes for a page on the free list: a fixed
// guard pattern front and rear, zero body between, with the chain's next
// pointer (0 if none) packed into the last nextPtrLen bytes before the rear
// guard (spec §3.4).
func FreePage(pageSize int, next uint64) []byte {
	out := make([]byte, pageSize)
	binary.BigEndian.PutUint32(out[0:4], freeGuardFront)
	binary.BigEndian.PutUint64(out[pageSize-4-nextPtrLen:pageSize-4], next)
	binary.BigEndian.PutUint32(out[pageSize-4:pageSize], freeGuardRear)
	return out
}

// FreePageNext extracts the chain pointer written by FreePage.
func FreePageNext(buf []byte) uint64 {
	if len(buf) < 4+nextPtrLen {
		return 0
	}
	return binary.BigEndian.Uint64(buf[len(buf)-4-nextPtrLen : len(buf)-4])
}

// IsFreeGuard reports whether buf matches the free-page guard pattern
// exactly (spec §3.5, §8 property 6): guards at both ends and zero
// everywhere else but the embedded chain pointer.
func IsFreeGuard(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	if binary.BigEndian.Uint32(buf[0:4]) != freeGuardFront {
		return false
	}
	if binary.BigEndian.Uint32(buf[len(buf)-4:]) != freeGuardRear {
		return false
	}
	for _, b := range buf[4 : len(buf)-4-nextPtrLen] {
		if b != 0 {
			return false
		}
	}
	return true
}
