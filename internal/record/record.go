// Package record defines the audit record data model and its canonical
// binary codec.
//
// A Record is the unit of the hash chain. Its canonical encoding is the
// exact byte string the chain digest is computed over, so the codec admits
// exactly one encoding per logical value: payload keys are sorted, there
// are no optional fields, and every encoded record starts with a format
// version tag.
package record

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DigestSize is the length in bytes of every link hash and seal hash.
const DigestSize = 32

// Digest is a 256-bit link hash. The zero Digest is the sentinel prev_hash
// of the first record in a chain.
type Digest [DigestSize]byte

// ZeroDigest is the all-zero sentinel.
var ZeroDigest Digest

// IsZero reports whether d is the all-zero sentinel.
func (d Digest) IsZero() bool { return d == ZeroDigest }

// String returns the lowercase hex form of the digest.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// MarshalText implements encoding.TextMarshaler so digests appear as hex
// in JSON segment headers and API responses.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex digest. An empty string yields the zero digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if s == "" {
		return d, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decoding digest %q: %w", s, err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest %q: want %d bytes, got %d", s, DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// EventType tags the kind of security event. The set is closed: the codec
// refuses to encode a type that is not listed here.
type EventType string

const (
	AuthSuccess    EventType = "AUTH_SUCCESS"
	AuthFailure    EventType = "AUTH_FAILURE"
	AccessDenied   EventType = "ACCESS_DENIED"
	AccessGranted  EventType = "ACCESS_GRANTED"
	ConfigChange   EventType = "CONFIG_CHANGE"
	KeyRotation    EventType = "KEY_ROTATION"
	DataAccess     EventType = "DATA_ACCESS"
	DataModify     EventType = "DATA_MODIFY"
	PolicyChange   EventType = "POLICY_CHANGE"
	SystemStart    EventType = "SYSTEM_START"
	SystemStop     EventType = "SYSTEM_STOP"
	RetentionPurge EventType = "RETENTION_PURGE"
	SegmentSeal    EventType = "SEGMENT_SEAL"
)

var eventTypes = map[EventType]Severity{
	AuthSuccess:    SeverityInfo,
	AuthFailure:    SeverityWarning,
	AccessDenied:   SeverityWarning,
	AccessGranted:  SeverityInfo,
	ConfigChange:   SeverityInfo,
	KeyRotation:    SeverityInfo,
	DataAccess:     SeverityInfo,
	DataModify:     SeverityInfo,
	PolicyChange:   SeverityWarning,
	SystemStart:    SeverityInfo,
	SystemStop:     SeverityInfo,
	RetentionPurge: SeverityAlert,
	SegmentSeal:    SeverityInfo,
}

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// DefaultSeverity is the severity recorded when a caller leaves it unset.
func (t EventType) DefaultSeverity() Severity {
	if s, ok := eventTypes[t]; ok {
		return s
	}
	return SeverityInfo
}

// ParseEventType accepts the canonical upper-case name, case-insensitively.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// EventTypes returns every known event type in a stable order.
func EventTypes() []EventType {
	return []EventType{
		AuthSuccess, AuthFailure, AccessDenied, AccessGranted,
		ConfigChange, KeyRotation, DataAccess, DataModify, PolicyChange,
		SystemStart, SystemStop, RetentionPurge, SegmentSeal,
	}
}

// Severity orders events for min_severity filtering. Zero means unset.
type Severity uint8

const (
	SeverityUnset Severity = iota
	SeverityDebug
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityAlert
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityDebug:    "DEBUG",
	SeverityInfo:     "INFO",
	SeverityWarning:  "WARNING",
	SeverityError:    "ERROR",
	SeverityAlert:    "ALERT",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SEVERITY(%d)", uint8(s))
}

// Valid reports whether s is a concrete severity level.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity accepts a level name case-insensitively. "warn" is accepted
// as an alias for WARNING.
func ParseSeverity(s string) (Severity, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "WARN" {
		return SeverityWarning, nil
	}
	for level, n := range severityNames {
		if n == name {
			return level, nil
		}
	}
	return SeverityUnset, fmt.Errorf("unknown severity %q", s)
}

// Record is a single audit event in chain position.
//
// Sequence, Timestamp, PrevHash and Hash are assigned by the append
// coordinator. Hash is computed once at append time and never recomputed
// into the stored value.
type Record struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Type      EventType `json:"event_type"`
	Severity  Severity  `json:"severity"`
	Payload   Payload   `json:"payload,omitempty"`
	PrevHash  Digest    `json:"prev_hash"`
	Hash      Digest    `json:"record_hash"`
}
