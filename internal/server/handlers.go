package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ctrlai/chainlog/internal/auditlog"
	"github.com/ctrlai/chainlog/internal/record"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	maxEventBytes     = 1 << 20
)

// handleHealth reports liveness and the chain head.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	next, last := s.log.Head()
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"time":      time.Now().UTC().Format(time.RFC3339Nano),
		"next_seq":  next,
		"head_hash": last,
		"read_only": s.log.ReadOnly(),
	})
}

// handleAppend records one event.
// POST /api/events {"actor": "...", "event_type": "...", "severity": "...", "payload": {...}}
//
// An empty actor defaults to the token subject.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var ev auditlog.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if ev.Actor == "" {
		if c := claimsFrom(r.Context()); c != nil {
			ev.Actor = c.Subject
		}
	}
	if ev.Actor == "" {
		respondError(w, http.StatusBadRequest, "actor is required")
		return
	}

	seq, err := s.log.Append(r.Context(), ev)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("append failed", "actor", ev.Actor, "event_type", ev.Type, "error", err)
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]uint64{"sequence": seq})
}

type queryResponse struct {
	Records []record.Record `json:"records"`
	// Next is the continuation token for the following page. Empty when
	// the page was not full.
	Next string `json:"next,omitempty"`
	// Errors lists frames that could not be read; the records around them
	// are still returned.
	Errors []string `json:"errors,omitempty"`
}

// handleQuery returns one page of matching records.
// GET /api/events?from=&to=&actor=&type=&min_severity=&from_seq=&reverse=&after=&limit=
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit == 0 {
		f.Limit = defaultQueryLimit
	}

	resp := queryResponse{Records: []record.Record{}}
	for rec, err := range s.log.Query(r.Context(), f) {
		if err != nil {
			var segErr *auditlog.SegmentError
			if errors.As(err, &segErr) {
				resp.Errors = append(resp.Errors, segErr.Error())
				continue
			}
			if r.Context().Err() != nil {
				return
			}
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp.Records = append(resp.Records, rec)
	}
	if len(resp.Records) == f.Limit {
		resp.Next = auditlog.ContinuationToken(f, resp.Records[len(resp.Records)-1])
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleExport streams every matching record.
// GET /api/export?format=jsonl|json|csv plus the query filters
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	switch format {
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
	case "json":
		w.Header().Set("Content-Type", "application/json")
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format: %s (use json, jsonl, or csv)", format))
		return
	}
	// Headers are already sent once records stream, so a failure part way
	// can only be logged.
	if err := s.log.Export(r.Context(), w, format, f); err != nil {
		slog.Error("export failed", "format", format, "error", err)
	}
}

// handleVerify verifies the chain.
// GET /api/verify?include_active=true&from_seq=&to_seq=
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts auditlog.VerifyOptions
	var err error
	if opts.IncludeActive, err = parseBool(q, "include_active"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.FromSeq, err = parseUint(q, "from_seq"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.ToSeq, err = parseUint(q, "to_seq"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.log.Verify(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !res.Valid {
		slog.Warn("chain verification failed", "first_divergence", *res.FirstDivergence, "reason", res.Reason)
	}
	respondJSON(w, http.StatusOK, res)
}

// handleSegments lists every segment, purged tombstones included.
// GET /api/segments
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"segments": s.log.ListSegments(),
		"expired":  s.log.ExpiredSegments(),
	})
}

// handleSeal seals the active segment.
// POST /api/segments/seal
func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	h, err := s.log.Seal(r.Context(), principal(r))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	slog.Info("segment sealed via API", "segment", h.ID, "actor", principal(r))
	respondJSON(w, http.StatusOK, h)
}

// handlePurge purges one sealed segment.
// POST /api/segments/{id}/purge
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "segment id must be a non-negative integer")
		return
	}
	h, err := s.log.Purge(r.Context(), id, principal(r))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h)
}

// handleRetention purges every segment the retention policy has expired.
// POST /api/retention
func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	purged, err := s.log.EnforceRetention(r.Context(), principal(r))
	if err != nil {
		respondJSON(w, statusFor(err), map[string]any{"error": err.Error(), "purged": purged})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// handleProof returns the link proof from a record to the current head.
// GET /api/proof/{seq}
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "sequence must be a non-negative integer")
		return
	}
	p, err := s.log.Proof(r.Context(), seq)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// parseFilter builds a query filter from URL parameters. Event types may
// be repeated or comma separated.
func parseFilter(q url.Values) (auditlog.Filter, error) {
	var f auditlog.Filter
	var err error

	if f.From, err = parseTime(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q, "to"); err != nil {
		return f, err
	}
	f.Actor = q.Get("actor")
	for _, v := range q["type"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			t, err := record.ParseEventType(name)
			if err != nil {
				return f, err
			}
			f.Types = append(f.Types, t)
		}
	}
	if v := q.Get("min_severity"); v != "" {
		if f.MinSeverity, err = record.ParseSeverity(v); err != nil {
			return f, err
		}
	}
	if f.FromSeq, err = parseUint(q, "from_seq"); err != nil {
		return f, err
	}
	if f.Reverse, err = parseBool(q, "reverse"); err != nil {
		return f, err
	}
	f.After = q.Get("after")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = min(n, maxQueryLimit)
	}
	return f, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return t, nil
}

func parseUint(q url.Values, key string) (uint64, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func parseBool(q url.Values, key string) (bool, error) {
	v := q.Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}
