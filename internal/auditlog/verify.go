package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/storage"
)

// DivergenceKind classifies a point where stored chain state disagrees
// with recomputed state.
type DivergenceKind string

const (
	// HashMismatch: a record's stored fields do not produce its stored hash,
	// or the record can no longer be read at all.
	HashMismatch DivergenceKind = "HASH_MISMATCH"
	// ChainBreak: a record's prev_hash is not its predecessor's hash.
	ChainBreak DivergenceKind = "CHAIN_BREAK"
	// SequenceGap: sequence numbers are not contiguous.
	SequenceGap DivergenceKind = "SEQUENCE_GAP"
	// SealMismatch: a sealed segment's records do not reproduce its seal.
	SealMismatch DivergenceKind = "SEAL_MISMATCH"
)

// VerifyOptions selects what Verify walks.
type VerifyOptions struct {
	// IncludeActive also verifies the committed records of the active
	// segment. Appends wait while it is being walked.
	IncludeActive bool
	// FromSeq and ToSeq restrict verification to segments holding any
	// record in [FromSeq, ToSeq). ToSeq zero means no upper bound. Whole
	// segments are always verified since a seal covers all of its records.
	FromSeq uint64
	ToSeq   uint64
}

// Divergence is the first disagreement found in one segment.
type Divergence struct {
	Segment  uint64         `json:"segment"`
	Sequence uint64         `json:"sequence"`
	Kind     DivergenceKind `json:"kind"`
	Detail   string         `json:"detail"`
}

// UnreadableSegment is a segment whose storage failed during verification.
// Nothing is known about its integrity.
type UnreadableSegment struct {
	Segment uint64 `json:"segment"`
	Error   string `json:"error"`
}

// Result is the outcome of Verify. A broken chain is a result, not an
// error.
type Result struct {
	Valid           bool                `json:"valid"`
	FirstDivergence *uint64             `json:"first_divergence,omitempty"`
	Reason          DivergenceKind      `json:"reason,omitempty"`
	Divergences     []Divergence        `json:"divergences,omitempty"`
	Unreadable      []UnreadableSegment `json:"unreadable,omitempty"`
	RecordsChecked  uint64              `json:"records_checked"`
	SegmentsChecked int                 `json:"segments_checked"`
	SegmentsPurged  int                 `json:"segments_purged"`
}

// Verify walks segments in chain order recomputing every record hash, each
// prev_hash link, sequence contiguity and, for sealed segments, the seal.
// Each segment reports at most its first divergence and verification
// continues with the next segment. The next segment is anchored on what
// was actually stored when the damaged segment was walked to its end, and
// on the damaged segment's header otherwise. Purged segments are bridged through their tombstone headers.
// The returned error is reserved for cancellation.
func (l *Log) Verify(ctx context.Context, opts VerifyOptions) (Result, error) {
	res := Result{Valid: true}

	// Anchor: what the next segment's first record must continue from.
	expSeq, expPrev := uint64(0), record.ZeroDigest
	for _, h := range l.store.ListSegments() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if opts.ToSeq > 0 && h.StartSeq >= opts.ToSeq {
			break
		}
		inRange := h.EndSeq() > opts.FromSeq || !h.Sealed
		switch {
		case h.Purged:
			if inRange {
				res.SegmentsPurged++
			}
			expSeq, expPrev = h.EndSeq(), h.LastHash
			continue
		case !inRange:
			expSeq, expPrev = h.EndSeq(), h.LastHash
			continue
		case !h.Sealed && !opts.IncludeActive:
			continue
		}

		var (
			div *Divergence
			end walkEnd
			err error
		)
		if h.Sealed {
			div, end, err = l.walk(ctx, h, expSeq, expPrev)
		} else {
			div, end, err = l.verifyActive(ctx, h.ID, expSeq, expPrev)
		}
		res.RecordsChecked += end.n
		res.SegmentsChecked++
		switch {
		case err != nil && ctx.Err() != nil:
			return res, ctx.Err()
		case err != nil:
			res.Unreadable = append(res.Unreadable, UnreadableSegment{Segment: h.ID, Error: err.Error()})
			res.Valid = false
		case div != nil:
			res.Divergences = append(res.Divergences, *div)
			if res.FirstDivergence == nil {
				seq := div.Sequence
				res.FirstDivergence = &seq
				res.Reason = div.Kind
			}
			res.Valid = false
		}
		if err == nil && end.complete {
			expSeq, expPrev = end.seq, end.prev
		} else {
			expSeq, expPrev = h.EndSeq(), h.LastHash
		}
	}

	result := "valid"
	if !res.Valid {
		result = "invalid"
		slog.Warn("chain verification failed",
			"divergences", len(res.Divergences),
			"unreadable", len(res.Unreadable),
			"reason", res.Reason,
		)
	}
	l.metrics.verifications.WithLabelValues(result).Inc()
	return res, nil
}

// verifyActive walks the active segment's committed records while holding
// the append lock for reading.
func (l *Log) verifyActive(ctx context.Context, id, expSeq uint64, expPrev record.Digest) (*Divergence, walkEnd, error) {
	if !l.readOnly {
		l.mu.RLock()
		defer l.mu.RUnlock()
	}
	h, ok := l.store.Header(id)
	if !ok {
		return nil, walkEnd{}, fmt.Errorf("segment %d: %w", id, storage.ErrNotFound)
	}
	// The segment may have been sealed since the listing was taken; walk
	// checks the seal in that case.
	return l.walk(ctx, h, expSeq, expPrev)
}

// walkEnd describes where a segment walk stopped.
type walkEnd struct {
	n        uint64        // records that verified
	seq      uint64        // sequence the following record must carry
	prev     record.Digest // hash the following record must link to
	complete bool          // every stored frame was walked
}

// walk checks one segment record by record. After the last record the
// stored record count and last hash are compared with the header, and for
// sealed segments the seal hash is recomputed. A read-only log skips the
// header comparison for the active segment since its header may lag the
// writer.
func (l *Log) walk(ctx context.Context, h storage.SegmentHeader, expSeq uint64, expPrev record.Digest) (*Divergence, walkEnd, error) {
	diverge := func(seq uint64, kind DivergenceKind, format string, args ...any) *Divergence {
		return &Divergence{Segment: h.ID, Sequence: seq, Kind: kind, Detail: fmt.Sprintf(format, args...)}
	}

	sealer := l.hasher.NewSealer(h.StartSeq)
	end := walkEnd{seq: expSeq, prev: expPrev}
	idx := 0
	for frame, err := range l.store.Read(ctx, h.ID, 0, -1) {
		if err != nil {
			if errors.Is(err, storage.ErrCorruptFrame) || errors.Is(err, storage.ErrIncompleteFrame) {
				return diverge(end.seq, HashMismatch, "frame %d unreadable: %v", idx, err), end, nil
			}
			return nil, end, err
		}
		r, err := l.decode(h.ID, frame)
		if err != nil {
			return diverge(end.seq, HashMismatch, "frame %d cannot be decoded: %v", idx, err), end, nil
		}
		ok, got, err := l.hasher.Check(r)
		if err != nil {
			return diverge(end.seq, HashMismatch, "frame %d cannot be re-encoded: %v", idx, err), end, nil
		}
		if !ok {
			return diverge(end.seq, HashMismatch, "stored hash %s, recomputed %s", r.Hash, got), end, nil
		}
		if r.PrevHash != end.prev {
			return diverge(r.Sequence, ChainBreak, "prev_hash %s does not match predecessor %s", r.PrevHash, end.prev), end, nil
		}
		if r.Sequence != end.seq {
			return diverge(r.Sequence, SequenceGap, "expected sequence %d, found %d", end.seq, r.Sequence), end, nil
		}
		sealer.Add(r.Hash)
		end.prev = r.Hash
		end.seq = r.Sequence + 1
		end.n++
		idx++
	}
	end.complete = true

	if !h.Sealed && l.readOnly {
		return nil, end, nil
	}
	switch n := end.n; {
	case n < h.RecordCount:
		return diverge(h.StartSeq+n, SequenceGap, "header records %d, found %d: records from %d are missing", h.RecordCount, n, h.StartSeq+n), end, nil
	case n > h.RecordCount:
		return diverge(h.StartSeq+h.RecordCount, SequenceGap, "header records %d, found %d", h.RecordCount, n), end, nil
	case n > 0 && end.prev != h.LastHash:
		return diverge(h.StartSeq+n-1, ChainBreak, "header last hash %s, found %s", h.LastHash, end.prev), end, nil
	case h.Sealed && sealer.Sum() != h.SealHash:
		return diverge(h.StartSeq, SealMismatch, "seal %s does not match recomputed %s", h.SealHash, sealer.Sum()), end, nil
	}
	return nil, end, nil
}
