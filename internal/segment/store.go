// Package segment implements the segment store: the arena of segment
// headers that make up one chain, the single active segment that receives
// appends, and the seal and purge transitions.
//
// Segments are identified by monotonically increasing ids. Neighbours are
// found by position in the id order, never by reference. The store treats
// frames as opaque bytes; callers encrypt before appending and decrypt after
// reading.
//
// The store does not own the chain tail. The append coordinator holds the
// next sequence and last hash and passes each committed record's Entry so
// the store can maintain the active header and its running seal.
package segment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ctrlai/chainlog/internal/chain"
	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/storage"
)

var (
	ErrSegmentSealed = errors.New("segment is sealed")
	ErrSegmentActive = errors.New("segment is active")
	ErrSegmentPurged = errors.New("segment is purged")
	ErrNoActive      = errors.New("no active segment")
	ErrEmptySegment  = errors.New("active segment is empty")
)

// Entry is the chain metadata of one committed record.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	PrevHash  record.Digest
	Hash      record.Digest
}

// CommitToken identifies a durably stored record.
type CommitToken struct {
	SegmentID uint64
	Index     int
	Sequence  uint64
}

// DecodeFunc extracts an Entry from a stored frame of the given segment.
type DecodeFunc func(segment uint64, frame []byte) (Entry, error)

// Options configures a Store.
type Options struct {
	Policy Policy
	// ReadOnly stores never write to the backend. Reads of the active
	// segment are unbounded since another process may be appending.
	ReadOnly bool
	Now      func() time.Time
}

// Store manages the segments of one chain.
type Store struct {
	backend  storage.Backend
	hasher   *chain.Hasher
	now      func() time.Time
	readOnly bool

	mu      sync.RWMutex
	policy  Policy
	headers map[uint64]*storage.SegmentHeader
	order   []uint64
	active  *chain.Sealer // running seal of the active segment, nil if none
	nextID  uint64
}

// Open loads segment headers from the backend. The active segment, if any,
// has zero record count until Recover replays it.
func Open(ctx context.Context, backend storage.Backend, hasher *chain.Hasher, opts Options) (*Store, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	headers, err := backend.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading segment headers: %w", err)
	}

	s := &Store{
		backend:  backend,
		hasher:   hasher,
		now:      opts.Now,
		readOnly: opts.ReadOnly,
		policy:   opts.Policy,
		headers:  make(map[uint64]*storage.SegmentHeader, len(headers)),
		nextID:   1,
	}
	for i := range headers {
		h := headers[i]
		if !h.Sealed && i != len(headers)-1 {
			return nil, fmt.Errorf("segment %d is unsealed but not the newest segment", h.ID)
		}
		s.headers[h.ID] = &h
		s.order = append(s.order, h.ID)
		if h.ID >= s.nextID {
			s.nextID = h.ID + 1
		}
	}
	if n := len(headers); n > 0 && !headers[n-1].Sealed {
		last := headers[n-1]
		s.active = hasher.NewSealer(last.StartSeq)
		// Counts are rebuilt by Recover.
		h := s.headers[last.ID]
		h.RecordCount = 0
		h.FirstTime, h.LastTime = time.Time{}, time.Time{}
		h.LastHash = record.Digest{}
	}
	return s, nil
}

// KeyContext returns the encryption key context for a segment.
func KeyContext(id uint64) string {
	return fmt.Sprintf("segment/%d", id)
}

// Recover replays the active segment through decode to rebuild its record
// count, times, last hash and running seal. A writable store first asks the
// backend to drop an incomplete trailing frame. In a writable store a frame
// that cannot be decoded stops recovery with an error: appending on top of
// an unreadable tail would hide it.
func (s *Store) Recover(ctx context.Context, decode DecodeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil
	}
	id := s.order[len(s.order)-1]
	h := s.headers[id]

	if r, ok := s.backend.(storage.Repairer); ok && !s.readOnly {
		dropped, err := r.Repair(ctx, id)
		if err != nil {
			return fmt.Errorf("repairing segment %d: %w", id, err)
		}
		if dropped > 0 {
			slog.Warn("dropped incomplete frame from active segment", "segment", id, "bytes", dropped)
		}
	}

	for frame, err := range s.backend.Frames(ctx, id, 0, -1) {
		if err == nil {
			var e Entry
			if e, err = decode(id, frame); err == nil {
				s.apply(h, e)
				continue
			}
		}
		err = fmt.Errorf("recovering segment %d at index %d: %w", id, h.RecordCount, err)
		if !s.readOnly {
			return err
		}
		// A read-only store only needs the header for listing; the
		// verifier reports the unreadable frame itself.
		if !errors.Is(err, storage.ErrIncompleteFrame) {
			slog.Warn("active segment not fully readable", "segment", id, "error", err)
		}
		break
	}

	slog.Debug("recovered active segment", "segment", id, "records", h.RecordCount)
	return nil
}

// apply folds a committed entry into the active header. The caller holds
// s.mu.
func (s *Store) apply(h *storage.SegmentHeader, e Entry) {
	if h.RecordCount == 0 {
		h.FirstTime = e.Timestamp
	}
	h.RecordCount++
	h.LastTime = e.Timestamp
	h.LastHash = e.Hash
	s.active.Add(e.Hash)
}

// Policy returns the current policy.
func (s *Store) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPolicy replaces the policy. It takes effect at the next append.
func (s *Store) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// Tail returns the chain position following the newest stored record: the
// next sequence, the hash to link to and the newest timestamp. An empty
// chain starts at sequence 0 linked to the zero digest.
func (s *Store) Tail() (next uint64, last record.Digest, lastTime time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		h := s.headers[s.order[i]]
		if h.RecordCount == 0 {
			// An active segment with no records yet links to its start.
			if !h.Sealed {
				return h.StartSeq, h.StartPrevHash, time.Time{}
			}
			continue
		}
		return h.EndSeq(), h.LastHash, h.LastTime
	}
	return 0, record.ZeroDigest, time.Time{}
}

// NeedsRotation reports whether the active segment must be sealed before
// the next append.
func (s *Store) NeedsRotation(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return false
	}
	h := s.headers[s.order[len(s.order)-1]]
	return s.policy.shouldRotate(h.RecordCount, h.FirstTime, now)
}

// EnsureActive returns the id of the active segment, creating one that
// starts at (startSeq, startPrev) if none exists. The new header is
// persisted before the id is returned.
func (s *Store) EnsureActive(ctx context.Context, startSeq uint64, startPrev record.Digest) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return s.order[len(s.order)-1], nil
	}
	if s.readOnly {
		return 0, errors.New("segment store is read-only")
	}

	h := storage.SegmentHeader{
		ID:            s.nextID,
		StartSeq:      startSeq,
		StartPrevHash: startPrev,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.backend.PutHeader(ctx, h); err != nil {
		return 0, fmt.Errorf("creating segment %d: %w", h.ID, err)
	}

	s.headers[h.ID] = &h
	s.order = append(s.order, h.ID)
	s.active = s.hasher.NewSealer(startSeq)
	s.nextID++
	slog.Info("segment opened", "segment", h.ID, "start_seq", startSeq)
	return h.ID, nil
}

// AppendToActive durably stores frame in the active segment and folds e
// into its header. Nothing changes if the backend write fails.
func (s *Store) AppendToActive(ctx context.Context, frame []byte, e Entry) (CommitToken, error) {
	s.mu.RLock()
	if s.active == nil {
		s.mu.RUnlock()
		return CommitToken{}, ErrNoActive
	}
	id := s.order[len(s.order)-1]
	h := s.headers[id]
	if want := h.EndSeq(); e.Sequence != want {
		s.mu.RUnlock()
		return CommitToken{}, fmt.Errorf("segment %d expects sequence %d, got %d", id, want, e.Sequence)
	}
	s.mu.RUnlock()

	// Only the coordinator appends, so the active segment cannot change
	// between the check above and the commit below.
	if err := s.backend.Append(ctx, id, frame); err != nil {
		return CommitToken{}, err
	}

	s.mu.Lock()
	idx := int(h.RecordCount)
	s.apply(h, e)
	s.mu.Unlock()
	return CommitToken{SegmentID: id, Index: idx, Sequence: e.Sequence}, nil
}

// SealActive closes the active segment: its header receives the seal hash
// and becomes immutable. The next append opens a new segment linked to the
// sealed one's last hash.
func (s *Store) SealActive(ctx context.Context) (storage.SegmentHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return storage.SegmentHeader{}, ErrNoActive
	}
	id := s.order[len(s.order)-1]
	cur := s.headers[id]
	if cur.RecordCount == 0 {
		return storage.SegmentHeader{}, ErrEmptySegment
	}

	sealed := *cur
	sealed.Sealed = true
	sealed.SealedAt = s.now().UTC()
	sealed.SealHash = s.active.Sum()
	if err := s.backend.PutHeader(ctx, sealed); err != nil {
		return storage.SegmentHeader{}, fmt.Errorf("sealing segment %d: %w", id, err)
	}

	*cur = sealed
	s.active = nil
	slog.Info("segment sealed", "segment", id, "records", sealed.RecordCount, "seal", sealed.SealHash.String())
	return sealed, nil
}

// Purge removes a sealed segment's frames. Its header stays as a tombstone
// recording when and by which record (purgeSeq) it was purged. Purging an
// already purged segment retries the frame deletion.
func (s *Store) Purge(ctx context.Context, id, purgeSeq uint64) (storage.SegmentHeader, error) {
	s.mu.Lock()
	h, ok := s.headers[id]
	if !ok {
		s.mu.Unlock()
		return storage.SegmentHeader{}, fmt.Errorf("segment %d: %w", id, storage.ErrNotFound)
	}
	if !h.Sealed {
		s.mu.Unlock()
		return storage.SegmentHeader{}, fmt.Errorf("segment %d: %w", id, ErrSegmentActive)
	}
	if !h.Purged {
		tomb := *h
		tomb.Purged = true
		tomb.PurgedAt = s.now().UTC()
		tomb.PurgeSeq = purgeSeq
		if err := s.backend.PutHeader(ctx, tomb); err != nil {
			s.mu.Unlock()
			return storage.SegmentHeader{}, fmt.Errorf("marking segment %d purged: %w", id, err)
		}
		*h = tomb
	}
	out := *h
	s.mu.Unlock()

	if err := s.backend.Delete(ctx, id); err != nil {
		return out, fmt.Errorf("deleting segment %d: %w", id, err)
	}
	slog.Info("segment purged", "segment", id, "purge_seq", out.PurgeSeq)
	return out, nil
}

// Header returns a copy of a segment header.
func (s *Store) Header(id uint64) (storage.SegmentHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.headers[id]
	if !ok {
		return storage.SegmentHeader{}, false
	}
	return *h, true
}

// Active returns the active segment header, if any.
func (s *Store) Active() (storage.SegmentHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return storage.SegmentHeader{}, false
	}
	return *s.headers[s.order[len(s.order)-1]], true
}

// ListSegments returns copies of all headers in chain order.
func (s *Store) ListSegments() []storage.SegmentHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.SegmentHeader, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.headers[id])
	}
	return out
}

// Previous returns the header of the segment preceding id in chain order.
func (s *Store) Previous(id uint64) (storage.SegmentHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := slices.Index(s.order, id)
	if i <= 0 {
		return storage.SegmentHeader{}, false
	}
	return *s.headers[s.order[i-1]], true
}

// Read yields the frames of a segment with index in [from, to); a negative
// to reads to the end. In a writable store, reads of the active segment
// stop at the last committed record so a reader never observes an append
// in progress.
func (s *Store) Read(ctx context.Context, id uint64, from, to int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		s.mu.RLock()
		h, ok := s.headers[id]
		var hdr storage.SegmentHeader
		if ok {
			hdr = *h
		}
		s.mu.RUnlock()

		switch {
		case !ok:
			yield(nil, fmt.Errorf("segment %d: %w", id, storage.ErrNotFound))
			return
		case hdr.Purged:
			yield(nil, fmt.Errorf("segment %d: %w", id, ErrSegmentPurged))
			return
		}

		active := !hdr.Sealed
		if active && !s.readOnly {
			committed := int(hdr.RecordCount)
			if to < 0 || to > committed {
				to = committed
			}
			if from >= to {
				return
			}
		}

		for frame, err := range s.backend.Frames(ctx, id, from, to) {
			if err != nil && active && s.readOnly && errors.Is(err, storage.ErrIncompleteFrame) {
				return
			}
			if !yield(frame, err) {
				return
			}
		}
	}
}

// Expired returns the sealed, unpurged segments the retention policy makes
// eligible for purging at now, oldest first.
func (s *Store) Expired(now time.Time) []storage.SegmentHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := 0
	for _, id := range s.order {
		if !s.headers[id].Purged {
			live++
		}
	}

	var out []storage.SegmentHeader
	for _, id := range s.order {
		h := s.headers[id]
		if h.Purged || !h.Sealed {
			continue
		}
		overCount := s.policy.MaxTotalSegments > 0 && live > s.policy.MaxTotalSegments
		tooOld := s.policy.RetentionAge > 0 && !h.LastTime.IsZero() && now.Sub(h.LastTime) >= s.policy.RetentionAge
		if !overCount && !tooOld {
			continue
		}
		out = append(out, *h)
		live--
	}
	return out
}

// Refresh reloads headers from the backend so a read-only store observes
// segments sealed or created by a writer in another process. Counts already
// recovered for a still-active segment are kept.
func (s *Store) Refresh(ctx context.Context) error {
	if !s.readOnly {
		return errors.New("refresh requires a read-only store")
	}
	headers, err := s.backend.Headers(ctx)
	if err != nil {
		return fmt.Errorf("loading segment headers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[uint64]*storage.SegmentHeader, len(headers))
	order := make([]uint64, 0, len(headers))
	s.active = nil
	for i := range headers {
		h := headers[i]
		if old, ok := s.headers[h.ID]; ok && !h.Sealed && !old.Sealed && old.RecordCount > h.RecordCount {
			h.RecordCount = old.RecordCount
			h.FirstTime, h.LastTime, h.LastHash = old.FirstTime, old.LastTime, old.LastHash
		}
		next[h.ID] = &h
		order = append(order, h.ID)
		if h.ID >= s.nextID {
			s.nextID = h.ID + 1
		}
		if !h.Sealed && i == len(headers)-1 {
			s.active = s.hasher.NewSealer(h.StartSeq)
		}
	}
	s.headers, s.order = next, order
	return nil
}

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool { return s.readOnly }

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
