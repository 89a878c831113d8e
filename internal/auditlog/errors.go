package auditlog

import (
	"errors"
	"fmt"
)

var (
	// ErrReadOnly is returned by mutating operations on a log opened
	// read-only.
	ErrReadOnly = errors.New("audit log is read-only")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("audit log is closed")
)

// SegmentRotationError reports that the active segment could not be sealed
// or its successor could not be created. The event was not recorded.
type SegmentRotationError struct {
	Err error
}

func (e *SegmentRotationError) Error() string {
	return fmt.Sprintf("segment rotation failed: %v", e.Err)
}

func (e *SegmentRotationError) Unwrap() error { return e.Err }

// PersistenceError reports that a record could not be durably stored. The
// event was not recorded and the tail did not advance.
type PersistenceError struct {
	Sequence uint64
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting record %d: %v", e.Sequence, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SegmentError reports a failure reading one frame of one segment during a
// query. Scanning continues with the next frame.
type SegmentError struct {
	Segment uint64
	Index   int
	Err     error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d frame %d: %v", e.Segment, e.Index, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }
