// Package storage defines the durable backend the segment store writes
// to, and provides file, memory, SQL (sqlite/postgres) and S3
// implementations.
//
// A backend stores two things per segment: an ordered list of opaque
// frames (encrypted records) and a small plaintext header used for fast
// listing without decryption. Backends never interpret frame contents.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/ctrlai/chainlog/internal/record"
)

var (
	// ErrNotFound is returned for a segment the backend has no header for.
	ErrNotFound = errors.New("segment not found")

	// ErrIncompleteFrame marks a frame whose write never completed, such as
	// the torn tail left by a crash in the middle of an append.
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrCorruptFrame marks a frame whose framing or checksum is invalid.
	ErrCorruptFrame = errors.New("corrupt frame")
)

// Backend is the durable storage collaborator.
//
// Append must not return until the frame is durable (fsync or equivalent).
// A backend is used by a single writer; reads may run concurrently with
// that writer and with each other.
type Backend interface {
	// Append adds a frame to the end of a segment.
	Append(ctx context.Context, segment uint64, frame []byte) error

	// Frames yields the frames of a segment with index in [from, to), in
	// order. A negative to means "through the last frame". Iteration is
	// lazy: at most one frame is held in memory at a time.
	Frames(ctx context.Context, segment uint64, from, to int) iter.Seq2[[]byte, error]

	// PutHeader creates or replaces a segment header.
	PutHeader(ctx context.Context, h SegmentHeader) error

	// Headers returns every stored header ordered by segment id.
	Headers(ctx context.Context) ([]SegmentHeader, error)

	// Delete removes a segment's frames. The header is kept.
	Delete(ctx context.Context, segment uint64) error

	Close() error
}

// Notifier is implemented by backends that can signal new data, so that
// followers do not have to poll.
type Notifier interface {
	// Watch returns a channel that receives a value whenever segment data
	// may have changed. The channel is closed when ctx is done.
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Repairer is implemented by backends whose appends are not atomic. Repair
// drops an incomplete trailing frame of a segment and returns the number
// of bytes removed.
type Repairer interface {
	Repair(ctx context.Context, segment uint64) (int64, error)
}

// SegmentHeader is the plaintext metadata stored alongside a segment.
type SegmentHeader struct {
	ID            uint64        `json:"id"`
	StartSeq      uint64        `json:"start_seq"`
	StartPrevHash record.Digest `json:"start_prev_hash"`
	RecordCount   uint64        `json:"record_count"`
	FirstTime     time.Time     `json:"first_time"`
	LastTime      time.Time     `json:"last_time"`
	LastHash      record.Digest `json:"last_hash"`
	CreatedAt     time.Time     `json:"created_at"`

	Sealed   bool          `json:"sealed"`
	SealedAt time.Time     `json:"sealed_at"`
	SealHash record.Digest `json:"seal_hash"`

	// A purged segment keeps its header as a tombstone so that the chain
	// stays verifiable across the removed range.
	Purged   bool      `json:"purged"`
	PurgedAt time.Time `json:"purged_at"`
	PurgeSeq uint64    `json:"purge_seq"`
}

// EndSeq returns the sequence number following the segment's last record.
func (h SegmentHeader) EndSeq() uint64 { return h.StartSeq + h.RecordCount }

// Contains reports whether seq falls inside the segment.
func (h SegmentHeader) Contains(seq uint64) bool {
	return seq >= h.StartSeq && seq < h.EndSeq()
}

// State returns a short human-readable state.
func (h SegmentHeader) State() string {
	switch {
	case h.Purged:
		return "purged"
	case h.Sealed:
		return "sealed"
	default:
		return "active"
	}
}

func (h SegmentHeader) String() string {
	return fmt.Sprintf("segment %d [%d, %d) %s", h.ID, h.StartSeq, h.EndSeq(), h.State())
}

func segmentName(id uint64) string {
	return fmt.Sprintf("%020d", id)
}
