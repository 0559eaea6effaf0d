// Package epierr defines the storage engine's error taxonomy. Errors are
// sentinel values wrapped with github.com/juju/errors at package
// boundaries (Trace/Annotatef) so a %+v format carries a stack trace back
// to the origin.
package epierr

import "errors"

// Kind classifies an engine error the way a caller is expected to branch on it.
type Kind int

const (
	KindUnknown Kind = iota
	KindIo
	KindCorruptPage
	KindCorruptHeader
	KindUnsupportedFormat
	KindNotFound
	KindAlreadyExists
	KindInvalidOperation
	KindIoDurability
	KindBackpressure
	KindInvalidPageId
)

var (
	// ErrIo is an underlying VFS read/write/sync failure.
	ErrIo = errors.New("io error")
	// ErrCorruptPage is a CRC mismatch on a page that was not marked dirty.
	ErrCorruptPage = errors.New("corrupt page")
	// ErrCorruptHeader means neither page 0 nor page 1 carries a valid header.
	ErrCorruptHeader = errors.New("corrupt header")
	// ErrUnsupportedFormat is a format_version the reader does not know.
	ErrUnsupportedFormat = errors.New("unsupported format version")
	// ErrNotFound is a missing row_id, table, index, or view.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is a catalog name conflict.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidOperation is caller misuse, e.g. commit without begin.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrIoDurability means fsync reported failure; the commit did not take effect.
	ErrIoDurability = errors.New("durability failure")
	// ErrBackpressure means the journal ring is full; retry after maintenance runs.
	ErrBackpressure = errors.New("journal backpressure")
	// ErrInvalidPageId is a request for a reserved page (id < 4) through the
	// ordinary GetPage path instead of the privileged accessors that know
	// how to read it (header marshal/unmarshal, journal, catalog bootstrap).
	ErrInvalidPageId = errors.New("invalid page id")
)

var kindOf = map[error]Kind{
	ErrIo:                KindIo,
	ErrCorruptPage:       KindCorruptPage,
	ErrCorruptHeader:     KindCorruptHeader,
	ErrUnsupportedFormat: KindUnsupportedFormat,
	ErrNotFound:          KindNotFound,
	ErrAlreadyExists:     KindAlreadyExists,
	ErrInvalidOperation:  KindInvalidOperation,
	ErrIoDurability:      KindIoDurability,
	ErrBackpressure:      KindBackpressure,
	ErrInvalidPageId:     KindInvalidPageId,
}

// Is reports whether err (or anything it wraps) is one of the sentinels above.
func Is(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}

// KindOf classifies err by walking its wrapped chain against the sentinels.
func KindOf(err error) Kind {
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
