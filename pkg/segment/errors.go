package segment

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptRecord = errors.New("corrupt record")
	ErrShortRead     = errors.New("short read")
	ErrSegmentFrozen = errors.New("segment is frozen")
	ErrSegmentClosed = errors.New("segment is closed")
	ErrHintStale     = errors.New("hint file does not match segment")
	ErrHintCorrupt   = errors.New("hint file is corrupt")
	ErrInvalidValue  = errors.New("value contains a newline")
)

// CorruptRecordError describes the first malformed line found while
// replaying a segment.
type CorruptRecordError struct {
	Path   string
	Line   int
	Offset int64 // byte offset of the start of the line
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record in %s at line %d (offset %d): %s", e.Path, e.Line, e.Offset, e.Reason)
}

// Unwrap lets errors.Is match ErrCorruptRecord.
func (e *CorruptRecordError) Unwrap() error {
	return ErrCorruptRecord
}
