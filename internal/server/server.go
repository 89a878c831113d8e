// Package server exposes an audit log over HTTP.
//
//   - POST /api/events                 Append an event
//   - GET  /api/events                 Query records (filters, pagination)
//   - GET  /api/export                 Stream records as jsonl, json or csv
//   - GET  /api/verify                 Verify the chain
//   - GET  /api/segments               List segments
//   - POST /api/segments/seal          Seal the active segment (admin)
//   - POST /api/segments/{id}/purge    Purge a sealed segment (admin)
//   - POST /api/retention              Purge every expired segment (admin)
//   - GET  /api/proof/{seq}            Link proof from a record to the head
//   - GET  /api/ws                     Live feed of committed records
//   - GET  /health                     Liveness and chain head
//   - GET  /metrics                    Prometheus metrics
//
// Every /api route requires a valid RS256 bearer token when a public key is
// configured.
package server

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ctrlai/chainlog/internal/auditlog"
	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/segment"
	"github.com/ctrlai/chainlog/internal/storage"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Log *auditlog.Log
	// PublicKey verifies bearer tokens. Nil disables authentication.
	PublicKey *rsa.PublicKey
	// AdminRole is required for seal, purge and retention.
	AdminRole string
	// AppendRate limits POST /api/events to this many events per second
	// with AppendBurst burst. Zero disables the limiter.
	AppendRate  float64
	AppendBurst int
	// Gatherer is served at /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// Server serves the audit log API.
type Server struct {
	log       *auditlog.Log
	verifier  *verifier
	adminRole string
	limiter   *rate.Limiter
	gatherer  prometheus.Gatherer
	hub       *wsHub
	upgrader  websocket.Upgrader
	unsub     func()
}

// New creates a Server and starts feeding committed records to WebSocket
// clients. Call Close to stop the feed.
func New(opts Options) *Server {
	s := &Server{
		log:       opts.Log,
		adminRole: opts.AdminRole,
		gatherer:  opts.Gatherer,
		hub:       newWSHub(),
	}
	if opts.PublicKey != nil {
		s.verifier = &verifier{key: opts.PublicKey}
	}
	if opts.AppendRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.AppendRate), max(opts.AppendBurst, 1))
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.upgrader = newUpgrader(s.verifier != nil)

	go s.hub.run()
	s.unsub = s.log.Subscribe(s.hub.publish)
	return s
}

// Close stops the live feed and disconnects WebSocket clients. It does not
// close the log.
func (s *Server) Close() {
	s.unsub()
	s.hub.stop()
}

// Router returns the HTTP handler for every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		// The feed and exports are long-lived; everything else gets a
		// request deadline.
		r.Get("/ws", s.handleWebSocket)
		r.Get("/export", s.handleExport)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.With(s.rateLimit).Post("/events", s.handleAppend)
			r.Get("/events", s.handleQuery)
			r.Get("/verify", s.handleVerify)
			r.Get("/segments", s.handleSegments)
			r.Get("/proof/{seq}", s.handleProof)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/segments/seal", s.handleSeal)
				r.Post("/segments/{id}/purge", s.handlePurge)
				r.Post("/retention", s.handleRetention)
			})
		})
	})

	return r
}

// rateLimit rejects appends beyond the configured rate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "append rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps log errors onto HTTP status codes.
func statusFor(err error) int {
	var encErr *record.EncodingError
	switch {
	case errors.As(err, &encErr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, segment.ErrSegmentActive), errors.Is(err, segment.ErrSegmentPurged):
		return http.StatusConflict
	case errors.Is(err, auditlog.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, auditlog.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
