package record

import "fmt"

// EncodingError reports input that has no canonical encoding. It is the
// caller's fault and is never retried.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding %s: %s", e.Field, e.Reason)
}

// CorruptRecordError reports persisted bytes that are malformed, truncated
// or fail a bounds check.
type CorruptRecordError struct {
	Offset int
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record at byte %d: %s", e.Offset, e.Reason)
}

// UnsupportedVersionError reports a record whose format-version tag this
// build does not understand.
type UnsupportedVersionError struct {
	Version uint8
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported record format version %d", e.Version)
}
