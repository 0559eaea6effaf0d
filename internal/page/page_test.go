package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epiloglite/epiloglite/internal/cint"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		FormatVersion:    1,
		PageSizeExp:      12,
		Flags:            FlagRowIDReuse,
		FreeListRoot:     cint.OffsetPointer{PageID: 4, Offset: 0},
		ApplicationID:    42,
		MigrationVersion: 3,
	}
	buf := h.MarshalPrimary(h.PageSize())
	got, err := UnmarshalPrimary(buf)
	require.NoError(t, err)
	require.Equal(t, h.FormatVersion, got.FormatVersion)
	require.Equal(t, h.PageSizeExp, got.PageSizeExp)
	require.Equal(t, h.Flags, got.Flags)
	require.Equal(t, h.FreeListRoot, got.FreeListRoot)
	require.Equal(t, h.ApplicationID, got.ApplicationID)
	require.Equal(t, h.MigrationVersion, got.MigrationVersion)
}

func TestHeaderCorruptMagic(t *testing.T) {
	h := Header{FormatVersion: 1, PageSizeExp: 9}
	buf := h.MarshalPrimary(h.PageSize())
	buf[0] ^= 0xFF
	_, err := UnmarshalPrimary(buf)
	require.Error(t, err)
}

func TestSecondaryHeaderRoundTrip(t *testing.T) {
	h := Header{
		FormatVersion: 1,
		PageSizeExp:   9,
		JournalHead:   10,
		JournalTail:   20,
	}
	buf := h.MarshalSecondary(h.PageSize())
	got, err := UnmarshalSecondary(buf)
	require.NoError(t, err)
	require.Equal(t, h.JournalHead, got.JournalHead)
	require.Equal(t, h.JournalTail, got.JournalTail)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	pageSize := 512
	e := Envelope{
		Counter:         3,
		PageType:        TypeData,
		Flags:           0,
		Payload:         make([]byte, PayloadCapacity(pageSize)),
		OverflowPointer: cint.OffsetPointer{PageID: 7, Offset: 100},
	}
	copy(e.Payload, []byte("hello world"))
	buf := e.Marshal(pageSize)
	require.Len(t, buf, pageSize)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, e.Counter, got.Counter)
	require.Equal(t, e.PageType, got.PageType)
	require.Equal(t, e.OverflowPointer, got.OverflowPointer)
	require.Equal(t, e.Payload, got.Payload)
}

func TestEnvelopeCorruptCRCDetected(t *testing.T) {
	pageSize := 256
	e := Envelope{Counter: 1, PageType: TypeData, Payload: make([]byte, PayloadCapacity(pageSize))}
	buf := e.Marshal(pageSize)
	buf[10] ^= 0xFF
	_, err := Unmarshal(buf)
	require.Error(t, err)
}

func TestEnvelopeDirtyPageSkipsCRCCheck(t *testing.T) {
	pageSize := 256
	e := Envelope{Counter: 1, PageType: TypeData, Flags: FlagDirty, Payload: make([]byte, PayloadCapacity(pageSize))}
	buf := e.Marshal(pageSize)
	buf[10] ^= 0xFF // corrupt payload without updating CRC
	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.True(t, got.IsDirty())
}

func TestFreePageGuard(t *testing.T) {
	buf := FreePage(256, 0)
	require.True(t, IsFreeGuard(buf))
	buf[128] = 1
	require.False(t, IsFreeGuard(buf))
}
