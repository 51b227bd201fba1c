// Package base holds the types shared by every layer of the storage engine:
// the internal key encoding, the comparator, file numbering, and the error
// sentinels the facade translates into the public Status taxonomy.
package base

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Sentinel errors. The facade classifies any error returned from the lower
// layers by walking its cause chain with errors.Is against these, rather
// than by inspecting error strings.
var (
	ErrNotFound        = errors.New("keldb: not found")
	ErrCorruption      = errors.New("keldb: corruption")
	ErrInvalidArgument = errors.New("keldb: invalid argument")
	ErrClosed          = errors.New("keldb: use of closed database")
)

// CorruptionErrorf constructs an error chained to ErrCorruption, in the
// style of the teacher's base.CorruptionErrorf. errors.Is(result,
// ErrCorruption) holds because ErrCorruption is the wrapped cause.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}

// InvalidArgumentErrorf constructs an error chained to ErrInvalidArgument.
func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// MarkCorruption wraps err so that errors.Is(wrapped, ErrCorruption) holds.
func MarkCorruption(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrCorruption)
}

// SafeFileNum renders a file number for inclusion in a redactable error or
// log message, matching the errors.Safe(fileNum) idiom used throughout the
// teacher's sstable package.
type SafeFileNum FileNum

// SafeFormat implements redact.SafeFormatter.
func (n SafeFileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(n))
}

func (n SafeFileNum) String() string {
	return redact.StringWithoutMarkers(n)
}
