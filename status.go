package keldb

import (
	"github.com/cockroachdb/errors"
	"github.com/keldb/keldb/internal/base"
)

// Status classifies the outcome of an operation into the taxonomy spec §6
// exposes to callers that want to branch on error category rather than
// match error strings.
type Status int

const (
	StatusOK Status = iota
	StatusIOError
	StatusNotFound
	StatusCorruption
	StatusInvalidArgument
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusIOError:
		return "IOError"
	case StatusNotFound:
		return "NotFound"
	case StatusCorruption:
		return "Corruption"
	case StatusInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// StatusFromError classifies err by walking its cause chain against the
// internal/base sentinels, the same way the teacher's pebble fragment
// distinguishes its own error kinds. A closed-database error is reported as
// StatusInvalidArgument: the taxonomy spec §6 defines has no dedicated
// "closed" bucket, so use-after-close lands in the same bucket as any other
// caller mistake.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, base.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, base.ErrCorruption):
		return StatusCorruption
	case errors.Is(err, base.ErrInvalidArgument), errors.Is(err, base.ErrClosed):
		return StatusInvalidArgument
	default:
		return StatusIOError
	}
}
