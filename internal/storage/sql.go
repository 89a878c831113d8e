package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Dialect selects the SQL flavour spoken by a SQLBackend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLBackend stores frames and headers in two tables:
//
//	segment_frames(segment_id, idx, frame)   -- one row per frame
//	segment_headers(segment_id, header)      -- JSON header per segment
//
// Durability is delegated to the database: sqlite runs with
// synchronous=FULL, postgres commits are durable by default.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (or creates) a sqlite database file. WAL mode lets
// readers (CLI inspection, verification) run while the server appends;
// writes are already serialized by the append coordinator.
func OpenSQLite(ctx context.Context, path string) (*SQLBackend, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}

	b := NewSQLBackend(db, DialectSQLite)
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// OpenPostgres connects to postgres using a lib/pq DSN.
func OpenPostgres(ctx context.Context, dsn string) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	b := NewSQLBackend(db, DialectPostgres)
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLBackend wraps an existing handle. The schema is not created; call
// Migrate for that.
func NewSQLBackend(db *sql.DB, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (b *SQLBackend) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if b.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS segment_frames (
			segment_id BIGINT NOT NULL,
			idx        BIGINT NOT NULL,
			frame      `+blob+` NOT NULL,
			PRIMARY KEY (segment_id, idx)
		);
		CREATE TABLE IF NOT EXISTS segment_headers (
			segment_id BIGINT PRIMARY KEY,
			header     TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating %s schema: %w", b.dialect, err)
	}
	return nil
}

// q rewrites ? placeholders into $n for postgres.
func (b *SQLBackend) q(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

func (b *SQLBackend) Append(ctx context.Context, segment uint64, frame []byte) error {
	// The next index is computed inside the insert, so a frame can never
	// land on an occupied slot.
	query := `INSERT INTO segment_frames (segment_id, idx, frame)
		SELECT ?, COALESCE(MAX(idx) + 1, 0), ? FROM segment_frames WHERE segment_id = ?`
	if b.dialect == DialectPostgres {
		query = `INSERT INTO segment_frames (segment_id, idx, frame)
		SELECT $1::bigint, COALESCE(MAX(idx) + 1, 0), $2 FROM segment_frames WHERE segment_id = $1::bigint`
		_, err := b.db.ExecContext(ctx, query, int64(segment), frame)
		if err != nil {
			return fmt.Errorf("appending to segment %d: %w", segment, err)
		}
		return nil
	}
	if _, err := b.db.ExecContext(ctx, query, int64(segment), frame, int64(segment)); err != nil {
		return fmt.Errorf("appending to segment %d: %w", segment, err)
	}
	return nil
}

func (b *SQLBackend) Frames(ctx context.Context, segment uint64, from, to int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		query := "SELECT frame FROM segment_frames WHERE segment_id = ? AND idx >= ?"
		args := []any{int64(segment), int64(max(from, 0))}
		if to >= 0 {
			query += " AND idx < ?"
			args = append(args, int64(to))
		}
		query += " ORDER BY idx"

		rows, err := b.db.QueryContext(ctx, b.q(query), args...)
		if err != nil {
			yield(nil, fmt.Errorf("querying segment %d: %w", segment, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var frame []byte
			if err := rows.Scan(&frame); err != nil {
				yield(nil, fmt.Errorf("scanning segment %d: %w", segment, err))
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("reading segment %d: %w", segment, err))
		}
	}
}

func (b *SQLBackend) PutHeader(ctx context.Context, h SegmentHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling segment header: %w", err)
	}
	_, err = b.db.ExecContext(ctx, b.q(`INSERT INTO segment_headers (segment_id, header) VALUES (?, ?)
		ON CONFLICT (segment_id) DO UPDATE SET header = excluded.header`),
		int64(h.ID), string(data))
	if err != nil {
		return fmt.Errorf("storing header for segment %d: %w", h.ID, err)
	}
	return nil
}

func (b *SQLBackend) Headers(ctx context.Context) ([]SegmentHeader, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT header FROM segment_headers ORDER BY segment_id")
	if err != nil {
		return nil, fmt.Errorf("querying segment headers: %w", err)
	}
	defer rows.Close()

	var out []SegmentHeader
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning segment header: %w", err)
		}
		var h SegmentHeader
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("parsing segment header: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (b *SQLBackend) Delete(ctx context.Context, segment uint64) error {
	if _, err := b.db.ExecContext(ctx, b.q("DELETE FROM segment_frames WHERE segment_id = ?"), int64(segment)); err != nil {
		return fmt.Errorf("deleting segment %d: %w", segment, err)
	}
	return nil
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// DB exposes the underlying handle, for tests that tamper with rows.
func (b *SQLBackend) DB() *sql.DB { return b.db }
