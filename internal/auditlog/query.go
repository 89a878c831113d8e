package auditlog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/storage"
)

// Filter selects records. All set fields must match (AND logic); zero
// values mean "no filter".
type Filter struct {
	// From is inclusive, To exclusive.
	From time.Time
	To   time.Time
	// Actor is a glob pattern (e.g. "svc-*"); a plain string matches
	// exactly.
	Actor       string
	Types       []record.EventType
	MinSeverity record.Severity
	// FromSeq skips records with a lower sequence.
	FromSeq uint64
	// Reverse returns newest records first.
	Reverse bool
	// After continues a previous query from the token of its last record.
	After string
	// Limit caps the number of records returned.
	Limit int
}

// ContinuationToken returns the token that resumes a query with the same
// direction after r.
func ContinuationToken(f Filter, r record.Record) string {
	dir := "f"
	if f.Reverse {
		dir = "r"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(dir + ":" + strconv.FormatUint(r.Sequence, 10)))
}

func parseToken(tok string, reverse bool) (uint64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return 0, fmt.Errorf("invalid continuation token: %w", err)
	}
	dir, seq, ok := strings.Cut(string(raw), ":")
	if !ok || (dir != "f" && dir != "r") {
		return 0, errors.New("invalid continuation token")
	}
	if (dir == "r") != reverse {
		return 0, errors.New("continuation token belongs to a query in the other direction")
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid continuation token: %w", err)
	}
	return n, nil
}

// matcher is a compiled Filter.
type matcher struct {
	f     Filter
	actor glob.Glob
	types map[record.EventType]bool
	// Sequence window [lo, hi); hi zero means unbounded.
	lo, hi uint64
}

func compileFilter(f Filter) (*matcher, error) {
	m := &matcher{f: f, lo: f.FromSeq}
	if f.Actor != "" {
		g, err := glob.Compile(f.Actor)
		if err != nil {
			return nil, fmt.Errorf("invalid actor pattern %q: %w", f.Actor, err)
		}
		m.actor = g
	}
	if len(f.Types) > 0 {
		m.types = make(map[record.EventType]bool, len(f.Types))
		for _, t := range f.Types {
			if !t.Valid() {
				return nil, fmt.Errorf("unknown event type %q", t)
			}
			m.types[t] = true
		}
	}
	if f.MinSeverity != record.SeverityUnset && !f.MinSeverity.Valid() {
		return nil, fmt.Errorf("invalid minimum severity %d", f.MinSeverity)
	}
	if f.After != "" {
		seq, err := parseToken(f.After, f.Reverse)
		if err != nil {
			return nil, err
		}
		if f.Reverse {
			m.hi = seq
			if seq == 0 {
				m.lo, m.hi = 1, 1 // nothing precedes sequence 0
			}
		} else {
			m.lo = max(m.lo, seq+1)
		}
	}
	return m, nil
}

// skipSegment reports whether no record of the sealed segment h can match
// on sequence or time alone.
func (m *matcher) skipSegment(h storage.SegmentHeader) bool {
	if h.RecordCount == 0 || h.EndSeq() <= m.lo {
		return true
	}
	if m.hi > 0 && h.StartSeq >= m.hi {
		return true
	}
	if !m.f.From.IsZero() && h.LastTime.Before(m.f.From) {
		return true
	}
	if !m.f.To.IsZero() && !h.FirstTime.Before(m.f.To) {
		return true
	}
	return false
}

// beyond reports whether every record of h, and so of every later
// segment, is past the upper end of the window.
func (m *matcher) beyond(h storage.SegmentHeader) bool {
	if m.hi > 0 && h.StartSeq >= m.hi {
		return true
	}
	return !m.f.To.IsZero() && h.RecordCount > 0 && !h.FirstTime.Before(m.f.To)
}

// header applies every filter available without decoding the payload.
func (m *matcher) header(h record.Header) bool {
	if h.Sequence < m.lo || (m.hi > 0 && h.Sequence >= m.hi) {
		return false
	}
	if !m.f.From.IsZero() && h.Timestamp.Before(m.f.From) {
		return false
	}
	if !m.f.To.IsZero() && !h.Timestamp.Before(m.f.To) {
		return false
	}
	if m.types != nil && !m.types[h.Type] {
		return false
	}
	if h.Severity < m.f.MinSeverity {
		return false
	}
	if m.actor != nil && !m.actor.Match(h.Actor) {
		return false
	}
	return true
}

// pastEnd reports whether h and every later record fall outside the
// window of a forward scan.
func (m *matcher) pastEnd(h record.Header) bool {
	if m.hi > 0 && h.Sequence >= m.hi {
		return true
	}
	return !m.f.To.IsZero() && !h.Timestamp.Before(m.f.To)
}

// Query returns the records matching f in chain order, or newest first
// with f.Reverse. Segments are scanned frame by frame and a payload is only
// decoded once the fixed fields match. A frame that cannot be read yields a
// *SegmentError and scanning continues; other errors end the sequence.
// Purged segments are skipped.
func (l *Log) Query(ctx context.Context, f Filter) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		m, err := compileFilter(f)
		if err != nil {
			yield(record.Record{}, err)
			return
		}

		segs := l.store.ListSegments()
		if f.Reverse {
			slices.Reverse(segs)
		}

		remaining := f.Limit
		emit := func(r record.Record) bool {
			if !yield(r, nil) {
				return false
			}
			if f.Limit > 0 {
				remaining--
				return remaining > 0
			}
			return true
		}

		for _, h := range segs {
			if h.Purged {
				continue
			}
			// The active segment's header may lag behind a writer in
			// another process, so it is always scanned.
			if h.Sealed && m.skipSegment(h) {
				if !f.Reverse && m.beyond(h) {
					return
				}
				continue
			}

			if f.Reverse {
				matched, ok := l.scanSegment(ctx, h, m, false, yield)
				if !ok {
					return
				}
				for i := len(matched) - 1; i >= 0; i-- {
					if !emit(matched[i]) {
						return
					}
				}
				continue
			}

			var stopped bool
			_, ok := l.scanSegment(ctx, h, m, true, func(r record.Record, err error) bool {
				if err != nil {
					return yield(r, err)
				}
				if !emit(r) {
					stopped = true
					return false
				}
				return true
			})
			if !ok || stopped {
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// errPastEnd ends a forward scan once records leave the window.
var errPastEnd = errors.New("past end of query window")

// scanSegment reads one segment. In forward mode matches are passed to
// yield as they are found; otherwise they are collected and returned.
// Frame errors always go to yield. ok is false once the whole query must
// stop.
func (l *Log) scanSegment(ctx context.Context, h storage.SegmentHeader, m *matcher, forward bool, yield func(record.Record, error) bool) (matched []record.Record, ok bool) {
	from := 0
	if m.lo > h.StartSeq {
		from = int(m.lo - h.StartSeq)
	}
	to := -1
	if m.hi > 0 && m.hi > h.StartSeq && !forward {
		to = int(m.hi - h.StartSeq)
	}

	idx := from
	for frame, err := range l.store.Read(ctx, h.ID, from, to) {
		if err != nil {
			if ctx.Err() != nil {
				yield(record.Record{}, ctx.Err())
				return matched, false
			}
			if !yield(record.Record{}, &SegmentError{Segment: h.ID, Index: idx, Err: err}) {
				return matched, false
			}
			idx++
			continue
		}
		r, err := l.match(h.ID, frame, m, forward)
		idx++
		switch {
		case errors.Is(err, errPastEnd):
			return matched, false
		case err != nil:
			if !yield(record.Record{}, &SegmentError{Segment: h.ID, Index: idx - 1, Err: err}) {
				return matched, false
			}
		case r == nil:
		case forward:
			if !yield(*r, nil) {
				return matched, false
			}
		default:
			matched = append(matched, *r)
		}
	}
	return matched, true
}

// match decrypts a frame and applies the filter, decoding the payload only
// for records that pass the header checks. It returns nil for a record that
// does not match.
func (l *Log) match(seg uint64, frame []byte, m *matcher, forward bool) (*record.Record, error) {
	plain, err := l.decrypt(seg, frame)
	if err != nil {
		return nil, err
	}
	hdr, err := record.DecodeHeader(plain)
	if err != nil {
		return nil, err
	}
	if forward && m.pastEnd(hdr) {
		return nil, errPastEnd
	}
	if !m.header(hdr) {
		return nil, nil
	}
	return record.Decode(plain)
}
