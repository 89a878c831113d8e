// Package auditlog is the tamper-evident audit log: the append coordinator
// that totally orders concurrent events into one hash chain, the integrity
// verifier, the query engine, and the administrative operations (manual
// seal, audited purge, retention) built on the segment store.
//
// The chain tail (next sequence, last hash, last timestamp) is owned by
// Log and only changes inside Append's critical section. Reads of sealed
// segments and of the active segment's committed prefix never take that
// lock.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctrlai/chainlog/internal/chain"
	"github.com/ctrlai/chainlog/internal/encryption"
	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/segment"
	"github.com/ctrlai/chainlog/internal/storage"
)

// SourceKey is the payload key holding Options.Source.
const SourceKey = "source"

// Event is what a caller submits. Sequence, timestamp and chain position
// are assigned by the log.
type Event struct {
	Actor    string           `json:"actor"`
	Type     record.EventType `json:"event_type"`
	Severity record.Severity  `json:"severity,omitempty"`
	Payload  record.Payload   `json:"payload,omitempty"`
}

// Options configures Open.
type Options struct {
	Backend storage.Backend
	// Hasher defaults to unkeyed SHA-256.
	Hasher *chain.Hasher
	// Encryption defaults to storing plaintext.
	Encryption encryption.Service
	Policy     segment.Policy
	// ReadOnly opens the log for inspection while another process may be
	// appending. Mutating operations return ErrReadOnly.
	ReadOnly bool
	Now      func() time.Time
	// Registerer receives the log's metrics. Nil keeps them private.
	Registerer prometheus.Registerer
	// Source is stamped into every appended payload under SourceKey,
	// unless the event already sets that key.
	Source record.Payload
	// PollInterval bounds how long Follow waits between scans when the
	// backend sends no change notifications. Defaults to 500ms.
	PollInterval time.Duration
}

// Log is one audit chain.
type Log struct {
	backend  storage.Backend
	store    *segment.Store
	hasher   *chain.Hasher
	enc      encryption.Service
	now      func() time.Time
	readOnly bool
	poll     time.Duration
	source   record.Payload
	metrics  *metrics

	mu       sync.RWMutex
	next     uint64
	last     record.Digest
	lastTime time.Time
	closed   bool

	subMu   sync.Mutex
	subs    map[int]func(record.Record)
	nextSub int
}

// Open loads the chain stored in opts.Backend and recovers its tail.
func Open(ctx context.Context, opts Options) (*Log, error) {
	if opts.Backend == nil {
		return nil, errors.New("audit log: no storage backend")
	}
	if opts.Hasher == nil {
		h, err := chain.New(chain.DefaultAlgorithm, nil)
		if err != nil {
			return nil, err
		}
		opts.Hasher = h
	}
	if opts.Encryption == nil {
		opts.Encryption = encryption.Plaintext{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	l := &Log{
		backend:  opts.Backend,
		hasher:   opts.Hasher,
		enc:      opts.Encryption,
		now:      opts.Now,
		readOnly: opts.ReadOnly,
		poll:     opts.PollInterval,
		source:   maps.Clone(opts.Source),
		metrics:  newMetrics(opts.Registerer),
		subs:     make(map[int]func(record.Record)),
	}

	store, err := segment.Open(ctx, opts.Backend, opts.Hasher, segment.Options{
		Policy:   opts.Policy,
		ReadOnly: opts.ReadOnly,
		Now:      opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("opening segment store: %w", err)
	}
	if err := store.Recover(ctx, l.entry); err != nil {
		return nil, err
	}
	l.store = store
	l.next, l.last, l.lastTime = store.Tail()
	if h, ok := store.Active(); ok {
		l.metrics.activeRecords.Set(float64(h.RecordCount))
	}

	slog.Info("audit log initialized",
		"seq", l.next,
		"segments", len(store.ListSegments()),
		"algorithm", opts.Hasher.Algorithm(),
		"read_only", opts.ReadOnly,
	)
	return l, nil
}

// Append records ev and returns its sequence number. The record is durable
// when Append returns nil. On error nothing was recorded; a caller whose
// context expired while waiting must re-check with Query since the outcome
// of an append already in progress is not observable from the error.
func (l *Log) Append(ctx context.Context, ev Event) (uint64, error) {
	r, err := l.append(ctx, ev)
	if err != nil {
		return 0, err
	}
	return r.Sequence, nil
}

func (l *Log) append(ctx context.Context, ev Event) (record.Record, error) {
	if l.readOnly {
		return record.Record{}, ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, ev)
}

// stamp adds the configured source to p without modifying the caller's map.
func (l *Log) stamp(p record.Payload) record.Payload {
	if len(l.source) == 0 {
		return p
	}
	if _, ok := p[SourceKey]; ok {
		return p
	}
	out := make(record.Payload, len(p)+1)
	maps.Copy(out, p)
	out[SourceKey] = record.Map(l.source)
	return out
}

// appendLocked runs the critical section. The caller holds l.mu. Once
// entered it runs to completion regardless of ctx cancellation.
func (l *Log) appendLocked(ctx context.Context, ev Event) (record.Record, error) {
	if l.closed {
		l.metrics.appendErrors.WithLabelValues("closed").Inc()
		return record.Record{}, ErrClosed
	}
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	now := l.now().UTC().Round(0)
	if now.Before(l.lastTime) {
		now = l.lastTime
	}
	sev := ev.Severity
	if sev == record.SeverityUnset {
		sev = ev.Type.DefaultSeverity()
	}
	r := record.Record{
		Sequence:  l.next,
		Timestamp: now,
		Actor:     ev.Actor,
		Type:      ev.Type,
		Severity:  sev,
		Payload:   l.stamp(ev.Payload),
		PrevHash:  l.last,
	}
	hash, err := l.hasher.Link(l.last, &r)
	if err != nil {
		l.metrics.appendErrors.WithLabelValues("encoding").Inc()
		return record.Record{}, err
	}
	r.Hash = hash
	plain, err := record.Encode(&r)
	if err != nil {
		l.metrics.appendErrors.WithLabelValues("encoding").Inc()
		return record.Record{}, err
	}

	if l.store.NeedsRotation(now) {
		if _, err := l.store.SealActive(ctx); err != nil {
			l.metrics.appendErrors.WithLabelValues("rotation").Inc()
			return record.Record{}, &SegmentRotationError{Err: err}
		}
		l.metrics.sealed.Inc()
	}
	id, err := l.store.EnsureActive(ctx, l.next, l.last)
	if err != nil {
		l.metrics.appendErrors.WithLabelValues("rotation").Inc()
		return record.Record{}, &SegmentRotationError{Err: err}
	}

	frame, err := l.enc.Encrypt(plain, segment.KeyContext(id))
	if err != nil {
		l.metrics.appendErrors.WithLabelValues("persistence").Inc()
		return record.Record{}, &PersistenceError{Sequence: r.Sequence, Err: err}
	}
	tok, err := l.store.AppendToActive(ctx, frame, segment.Entry{
		Sequence:  r.Sequence,
		Timestamp: r.Timestamp,
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	})
	if err != nil {
		l.metrics.appendErrors.WithLabelValues("persistence").Inc()
		return record.Record{}, &PersistenceError{Sequence: r.Sequence, Err: err}
	}

	l.next++
	l.last = r.Hash
	l.lastTime = r.Timestamp

	l.metrics.appends.WithLabelValues(string(r.Type)).Inc()
	l.metrics.appendDuration.Observe(time.Since(start).Seconds())
	l.metrics.activeRecords.Set(float64(tok.Index + 1))
	l.publish(r)
	return r, nil
}

// entry decodes a stored frame into the chain metadata the segment store
// keeps for its active segment.
func (l *Log) entry(seg uint64, frame []byte) (segment.Entry, error) {
	r, err := l.decode(seg, frame)
	if err != nil {
		return segment.Entry{}, err
	}
	return segment.Entry{
		Sequence:  r.Sequence,
		Timestamp: r.Timestamp,
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}, nil
}

func (l *Log) decrypt(seg uint64, frame []byte) ([]byte, error) {
	return l.enc.Decrypt(frame, segment.KeyContext(seg))
}

func (l *Log) decode(seg uint64, frame []byte) (*record.Record, error) {
	plain, err := l.decrypt(seg, frame)
	if err != nil {
		return nil, err
	}
	return record.Decode(plain)
}

// Head returns the next sequence to be assigned and the hash the next
// record will link to.
func (l *Log) Head() (next uint64, last record.Digest) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next, l.last
}

// ListSegments returns segment metadata in chain order. Purged segments are
// listed as tombstones.
func (l *Log) ListSegments() []storage.SegmentHeader {
	return l.store.ListSegments()
}

// Policy returns the rotation and retention policy in effect.
func (l *Log) Policy() segment.Policy {
	return l.store.Policy()
}

// SetPolicy replaces the rotation and retention policy. It takes effect at
// the next append.
func (l *Log) SetPolicy(p segment.Policy) error {
	if err := l.store.SetPolicy(p); err != nil {
		return err
	}
	slog.Info("segment policy updated",
		"max_records_per_segment", p.MaxRecordsPerSegment,
		"max_segment_age", p.MaxSegmentAge,
		"max_total_segments", p.MaxTotalSegments,
		"retention_age", p.RetentionAge,
	)
	return nil
}

// ReadOnly reports whether the log was opened read-only.
func (l *Log) ReadOnly() bool { return l.readOnly }

// Hasher returns the chain's hasher, for verifying proofs.
func (l *Log) Hasher() *chain.Hasher { return l.hasher }

// Seal appends a SEGMENT_SEAL record on behalf of actor and seals the
// segment holding it. No other record can land between the two.
func (l *Log) Seal(ctx context.Context, actor string) (storage.SegmentHeader, error) {
	if l.readOnly {
		return storage.SegmentHeader{}, ErrReadOnly
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.appendLocked(ctx, Event{
		Actor:   actor,
		Type:    record.SegmentSeal,
		Payload: record.Payload{"reason": record.String("manual")},
	}); err != nil {
		return storage.SegmentHeader{}, err
	}
	h, err := l.store.SealActive(context.WithoutCancel(ctx))
	if err != nil {
		return storage.SegmentHeader{}, &SegmentRotationError{Err: err}
	}
	l.metrics.sealed.Inc()
	l.metrics.activeRecords.Set(0)
	return h, nil
}

// Purge removes the records of a sealed segment. A RETENTION_PURGE record
// naming the segment, its seal hash and a fresh purge id is appended first;
// if that append fails nothing is purged. The segment's header remains as a
// tombstone so verification can bridge the gap. Purging an already purged
// segment retries the deletion without a new record.
func (l *Log) Purge(ctx context.Context, id uint64, actor string) (storage.SegmentHeader, error) {
	if l.readOnly {
		return storage.SegmentHeader{}, ErrReadOnly
	}

	// The purge record and the tombstone are written under the append lock
	// so a segment is never recorded as purged twice.
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.store.Header(id)
	switch {
	case !ok:
		return storage.SegmentHeader{}, fmt.Errorf("segment %d: %w", id, storage.ErrNotFound)
	case !h.Sealed:
		return storage.SegmentHeader{}, fmt.Errorf("segment %d: %w", id, segment.ErrSegmentActive)
	case h.Purged:
		return l.store.Purge(ctx, id, h.PurgeSeq)
	}

	purgeID := uuid.NewString()
	r, err := l.appendLocked(ctx, Event{
		Actor: actor,
		Type:  record.RetentionPurge,
		Payload: record.Payload{
			"purge_id":  record.String(purgeID),
			"segment":   record.Int(int64(id)),
			"start_seq": record.Int(int64(h.StartSeq)),
			"records":   record.Int(int64(h.RecordCount)),
			"seal_hash": record.String(h.SealHash.String()),
		},
	})
	if err != nil {
		return storage.SegmentHeader{}, fmt.Errorf("recording purge of segment %d: %w", id, err)
	}

	tomb, err := l.store.Purge(ctx, id, r.Sequence)
	if err != nil {
		return tomb, err
	}
	l.metrics.purges.Inc()
	slog.Warn("segment purged", "segment", id, "purge_id", purgeID, "actor", actor, "purge_seq", r.Sequence)
	return tomb, nil
}

// ExpiredSegments returns the sealed segments the retention policy makes
// eligible for purging now, oldest first.
func (l *Log) ExpiredSegments() []storage.SegmentHeader {
	return l.store.Expired(l.now())
}

// EnforceRetention purges every expired segment, each preceded by its own
// RETENTION_PURGE record. It stops at the first failure and returns the
// segments purged so far.
func (l *Log) EnforceRetention(ctx context.Context, actor string) ([]storage.SegmentHeader, error) {
	var purged []storage.SegmentHeader
	for _, h := range l.ExpiredSegments() {
		tomb, err := l.Purge(ctx, h.ID, actor)
		if err != nil {
			return purged, err
		}
		purged = append(purged, tomb)
	}
	return purged, nil
}

// Subscribe registers fn to receive every record after it commits, in
// chain order. fn runs inside the append critical section: it must not
// block or call back into the log. The returned func unsubscribes.
func (l *Log) Subscribe(fn func(record.Record)) (cancel func()) {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subMu.Unlock()

	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *Log) publish(r record.Record) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, fn := range l.subs {
		fn(r)
	}
}

// Close waits for an append in progress and closes the backend.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.store.Close()
}
