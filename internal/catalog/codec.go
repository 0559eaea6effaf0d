package catalog

import "github.com/epiloglite/epiloglite/internal/cint"

// encodeTableDef serializes t as a self-delimiting record:
// [u32 recordLen][id][name][ncols][(name,nullable)...][constraints][root][rowIndexRoot].
// A tombstone (Drop) carries only a non-zero ID and zero everything else.
func encodeTableDef(t *TableDef) []byte {
	body := make([]byte, 0, 64)
	body = cint.Encode(body, t.ID)
	body = putStr(body, t.Name)
	body = cint.Encode(body, uint64(len(t.Columns)))
	for _, c := range t.Columns {
		body = putStr(body, c.Name)
		body = append(body, boolByte(c.Nullable))
	}
	body = putBytes(body, t.Constraints)
	body = cint.Encode(body, t.RootPage)
	body = cint.Encode(body, t.RowIndexRoot)

	out := make([]byte, 0, 4+len(body))
	out = append(out, u32(uint32(len(body)))...)
	out = append(out, body...)
	return out
}

// EncodeTableDef serializes t as a self-contained blob, exported for
// internal/engine to capture a table definition's shape inside a journal
// entry's BeforeDef/AfterDef (spec §4.4.5's ALTER TABLE undo/redo).
func EncodeTableDef(t *TableDef) []byte {
	return encodeTableDef(t)
}

// DecodeTableDef is EncodeTableDef's inverse.
func DecodeTableDef(buf []byte) (*TableDef, error) {
	t, _, err := decodeTableDef(buf)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// decodeTableDef mirrors encodeTableDef. It returns (nil-ish zero value, 0,
// err) on a zero-filled remainder of a page (the normal end-of-records
// marker used by Load/usedBytes).
func decodeTableDef(buf []byte) (*TableDef, int, error) {
	if len(buf) < 4 {
		return nil, 0, errShort
	}
	l := u32be(buf)
	total := 4 + int(l)
	if l == 0 || total > len(buf) {
		return nil, 0, errShort
	}
	body := buf[4:total]

	t := &TableDef{}
	off := 0
	id, n, err := cint.Decode(body[off:])
	if err != nil {
		return nil, 0, errShort
	}
	t.ID = id
	off += n

	t.Name, n = getStr(body[off:])
	off += n

	ncols, n, err := cint.Decode(body[off:])
	if err != nil {
		return nil, 0, errShort
	}
	off += n
	t.Columns = make([]ColumnDef, 0, ncols)
	for i := uint64(0); i < ncols; i++ {
		var cd ColumnDef
		cd.Name, n = getStr(body[off:])
		off += n
		if off >= len(body) {
			return nil, 0, errShort
		}
		cd.Nullable = body[off] != 0
		off++
		t.Columns = append(t.Columns, cd)
	}

	t.Constraints, n = getBytes(body[off:])
	off += n
	t.RootPage, n, err = cint.Decode(body[off:])
	if err != nil {
		return nil, 0, errShort
	}
	off += n
	t.RowIndexRoot, _, err = cint.Decode(body[off:])
	if err != nil {
		return nil, 0, errShort
	}
	return t, total, nil
}

var errShort = shortRecordError("catalog: short or zero-padded record")

type shortRecordError string

func (e shortRecordError) Error() string { return string(e) }

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func u32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func u32be(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

func putStr(dst []byte, s string) []byte {
	return putBytes(dst, []byte(s))
}

func getStr(buf []byte) (string, int) {
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
