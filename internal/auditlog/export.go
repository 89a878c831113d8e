package auditlog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/storage"
)

// Export writes the records matching f to w in the specified format.
// Supported formats: "jsonl" (default), "json", "csv". Export stops at the
// first unreadable record rather than producing a silently incomplete
// export.
func (l *Log) Export(ctx context.Context, w io.Writer, format string, f Filter) error {
	switch format {
	case "json":
		records := []record.Record{}
		for r, err := range l.Query(ctx, f) {
			if err != nil {
				return fmt.Errorf("reading records for export: %w", err)
			}
			records = append(records, r)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"sequence", "timestamp", "actor", "event_type", "severity", "payload", "prev_hash", "record_hash"}); err != nil {
			return err
		}
		for r, err := range l.Query(ctx, f) {
			if err != nil {
				return fmt.Errorf("reading records for export: %w", err)
			}
			payload := ""
			if len(r.Payload) > 0 {
				b, err := json.Marshal(r.Payload)
				if err != nil {
					return err
				}
				payload = string(b)
			}
			if err := cw.Write([]string{
				strconv.FormatUint(r.Sequence, 10),
				r.Timestamp.Format(time.RFC3339Nano),
				r.Actor,
				string(r.Type),
				r.Severity.String(),
				payload,
				r.PrevHash.String(),
				r.Hash.String(),
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for r, err := range l.Query(ctx, f) {
			if err != nil {
				return fmt.Errorf("reading records for export: %w", err)
			}
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// Follow calls fn for every committed record with sequence >= from, then
// keeps watching for new records until ctx is cancelled. Like `tail -f`.
// New records are picked up on backend change notifications when the
// backend provides them, and otherwise on the poll interval. A read-only
// log refreshes its segment list on each pass so it follows a writer in
// another process across rotations.
func (l *Log) Follow(ctx context.Context, from uint64, fn func(record.Record)) error {
	var changed <-chan struct{}
	if n, ok := l.backend.(storage.Notifier); ok {
		ch, err := n.Watch(ctx)
		if err != nil {
			slog.Warn("follow: change notifications unavailable, polling", "error", err)
		} else {
			changed = ch
		}
	}
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	next := from
	for {
		if l.readOnly {
			if err := l.store.Refresh(ctx); err != nil {
				slog.Error("follow: error refreshing segments", "error", err)
			}
		}
		for r, err := range l.Query(ctx, Filter{FromSeq: next}) {
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("follow: error reading records", "error", err)
				break
			}
			fn(r)
			next = r.Sequence + 1
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-changed:
			if !ok {
				changed = nil
			}
		}
	}
}
