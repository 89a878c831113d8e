package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ctrlai/chainlog/internal/auditlog"
	"github.com/ctrlai/chainlog/internal/chain"
	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/segment"
	"github.com/ctrlai/chainlog/internal/storage"
)

type harness struct {
	t    *testing.T
	log  *auditlog.Log
	srv  *httptest.Server
	key  *rsa.PrivateKey
	auth bool
}

type harnessOpts struct {
	auth       bool
	appendRate float64
	policy     segment.Policy
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	l, err := auditlog.Open(context.Background(), auditlog.Options{
		Backend:    storage.NewMemoryBackend(),
		Policy:     o.policy,
		Registerer: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	h := &harness{t: t, log: l, auth: o.auth}
	opts := Options{
		Log:         l,
		AdminRole:   "audit-admin",
		AppendRate:  o.appendRate,
		AppendBurst: 1,
		Gatherer:    reg,
	}
	if o.auth {
		h.key, err = rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		opts.PublicKey = &h.key.PublicKey
	}
	s := New(opts)
	t.Cleanup(s.Close)
	h.srv = httptest.NewServer(s.Router())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(subject string, roles ...string) string {
	h.t.Helper()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.key)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, token string, body any) *http.Response {
	h.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) appendEvent(token, actor string, typ record.EventType) uint64 {
	h.t.Helper()
	resp := h.do(http.MethodPost, "/api/events", token, map[string]any{
		"actor":      actor,
		"event_type": typ,
		"payload":    map[string]any{"ip": "10.0.0.1", "attempt": 1},
	})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	return decode[map[string]uint64](h.t, resp)["sequence"]
}

func TestHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{auth: true})
	resp := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, true, body["ok"])
	require.Equal(t, float64(0), body["next_seq"])
}

func TestAppendAndQuery(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.Equal(t, uint64(0), h.appendEvent("", "alice", record.AuthSuccess))
	require.Equal(t, uint64(1), h.appendEvent("", "alice", record.AuthFailure))
	require.Equal(t, uint64(2), h.appendEvent("", "bob", record.AuthSuccess))

	resp := h.do(http.MethodGet, "/api/events?type=AUTH_FAILURE", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[queryResponse](t, resp)
	require.Len(t, page.Records, 1)
	require.Equal(t, uint64(1), page.Records[0].Sequence)
	require.Equal(t, record.SeverityWarning, page.Records[0].Severity)
	require.Empty(t, page.Next)

	resp = h.do(http.MethodGet, "/api/events?actor=bob&type=auth_success,AUTH_FAILURE", "", nil)
	page = decode[queryResponse](t, resp)
	require.Len(t, page.Records, 1)
	require.Equal(t, "bob", page.Records[0].Actor)
}

func TestAppend_Rejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp := h.do(http.MethodPost, "/api/events", "", map[string]any{"actor": "alice", "event_type": "NOT_A_TYPE"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/events", "", map[string]any{"actor": "", "event_type": "AUTH_SUCCESS"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "actor is required without a token")

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/events", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)

	next, _ := h.log.Head()
	require.Zero(t, next, "rejected events leave no trace")
}

func TestQuery_Pagination(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: segment.Policy{MaxRecordsPerSegment: 2}})
	for i := 0; i < 5; i++ {
		h.appendEvent("", fmt.Sprintf("user-%d", i), record.DataAccess)
	}

	var got []uint64
	path := "/api/events?limit=2&reverse=true"
	for i := 0; i < 5; i++ {
		page := decode[queryResponse](t, h.do(http.MethodGet, path, "", nil))
		for _, r := range page.Records {
			got = append(got, r.Sequence)
		}
		if page.Next == "" {
			break
		}
		path = "/api/events?limit=2&reverse=true&after=" + page.Next
	}
	require.Equal(t, []uint64{4, 3, 2, 1, 0}, got)
}

func TestQuery_InvalidParameters(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	for _, q := range []string{
		"from=yesterday",
		"type=NOPE",
		"min_severity=LOUD",
		"from_seq=-1",
		"reverse=maybe",
		"limit=0",
		"actor=%5B",
		"after=%25%25",
	} {
		resp := h.do(http.MethodGet, "/api/events?"+q, "", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestVerify(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: segment.Policy{MaxRecordsPerSegment: 2}})
	for i := 0; i < 5; i++ {
		h.appendEvent("", "alice", record.DataModify)
	}

	res := decode[auditlog.Result](t, h.do(http.MethodGet, "/api/verify", "", nil))
	require.True(t, res.Valid)
	require.Equal(t, uint64(4), res.RecordsChecked)

	res = decode[auditlog.Result](t, h.do(http.MethodGet, "/api/verify?include_active=true", "", nil))
	require.True(t, res.Valid)
	require.Equal(t, uint64(5), res.RecordsChecked)

	resp := h.do(http.MethodGet, "/api/verify?include_active=yes-please", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	h := newHarness(t, harnessOpts{auth: true})
	user := h.token("svc-login")
	admin := h.token("ops", "audit-admin")

	resp := h.do(http.MethodGet, "/api/events", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(http.MethodGet, "/api/events", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A token signed by another key is rejected.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		Roles: []string{"audit-admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(other)
	require.NoError(t, err)
	resp = h.do(http.MethodPost, "/api/segments/seal", forged, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The actor defaults to the token subject.
	resp = h.do(http.MethodPost, "/api/events", user, map[string]any{"event_type": "AUTH_SUCCESS"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	page := decode[queryResponse](t, h.do(http.MethodGet, "/api/events", user, nil))
	require.Len(t, page.Records, 1)
	require.Equal(t, "svc-login", page.Records[0].Actor)

	resp = h.do(http.MethodPost, "/api/segments/seal", user, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/segments/seal", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sealed := decode[storage.SegmentHeader](t, resp)
	require.True(t, sealed.Sealed)

	// The seal record names the admin.
	page = decode[queryResponse](t, h.do(http.MethodGet, "/api/events?type=SEGMENT_SEAL", user, nil))
	require.Len(t, page.Records, 1)
	require.Equal(t, "ops", page.Records[0].Actor)
}

func TestPurge(t *testing.T) {
	h := newHarness(t, harnessOpts{auth: true, policy: segment.Policy{MaxRecordsPerSegment: 2}})
	admin := h.token("ops", "audit-admin")
	for i := 0; i < 3; i++ {
		h.appendEvent(admin, "alice", record.DataAccess)
	}

	resp := h.do(http.MethodPost, "/api/segments/2/purge", admin, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "active segment")

	resp = h.do(http.MethodPost, "/api/segments/9/purge", admin, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/segments/x/purge", admin, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/segments/1/purge", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tomb := decode[storage.SegmentHeader](t, resp)
	require.True(t, tomb.Purged)

	segs := decode[struct {
		Segments []storage.SegmentHeader `json:"segments"`
	}](t, h.do(http.MethodGet, "/api/segments", admin, nil))
	require.Len(t, segs.Segments, 2)
	require.True(t, segs.Segments[0].Purged)

	page := decode[queryResponse](t, h.do(http.MethodGet, "/api/events?type=RETENTION_PURGE", admin, nil))
	require.Len(t, page.Records, 1)
	require.Equal(t, "ops", page.Records[0].Actor)

	res := decode[auditlog.Result](t, h.do(http.MethodGet, "/api/verify?include_active=true", admin, nil))
	require.True(t, res.Valid)
	require.Equal(t, 1, res.SegmentsPurged)
}

func TestRetention(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: segment.Policy{MaxRecordsPerSegment: 1, MaxTotalSegments: 2}})
	for i := 0; i < 4; i++ {
		h.appendEvent("", "alice", record.DataAccess)
	}

	resp := h.do(http.MethodPost, "/api/retention", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Purged []storage.SegmentHeader `json:"purged"`
	}](t, resp)
	require.NotEmpty(t, body.Purged)
	require.Equal(t, uint64(1), body.Purged[0].ID)
}

func TestProof(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: segment.Policy{MaxRecordsPerSegment: 2}})
	for i := 0; i < 5; i++ {
		h.appendEvent("", "alice", record.DataAccess)
	}
	_, head := h.log.Head()

	resp := h.do(http.MethodGet, "/api/proof/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[chain.Proof](t, resp)
	require.Len(t, p.Records, 4)
	require.NoError(t, h.log.Hasher().VerifyProof(&p, head))

	resp = h.do(http.MethodGet, "/api/proof/99", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportCSV(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.appendEvent("", "alice", record.DataAccess)
	h.appendEvent("", "bob", record.DataModify)

	resp := h.do(http.MethodGet, "/api/export?format=csv&actor=bob", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "bob", rows[1][2])

	resp = h.do(http.MethodGet, "/api/export?format=pdf", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAppendRateLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{appendRate: 0.001})
	h.appendEvent("", "alice", record.DataAccess)

	resp := h.do(http.MethodPost, "/api/events", "", map[string]any{"actor": "alice", "event_type": "DATA_ACCESS"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Reads are not limited.
	resp = h.do(http.MethodGet, "/api/events", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.appendEvent("", "alice", record.DataAccess)

	resp := h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `chainlog_appends_total{event_type="DATA_ACCESS"} 1`)
}

func TestWebSocketFeed(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration completes after the handshake, so keep appending until
	// the first record arrives.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := h.log.Append(ctx, auditlog.Event{Actor: "feed", Type: record.SystemStart}); err != nil {
					return
				}
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var r record.Record
	require.NoError(t, json.Unmarshal(msg, &r))
	require.Equal(t, "feed", r.Actor)
	require.Equal(t, record.SystemStart, r.Type)
	require.False(t, r.Hash.IsZero())
}

func TestWebSocketOrigin(t *testing.T) {
	dial := func(h *harness, origin, token string) (*http.Response, error) {
		hdr := http.Header{}
		if origin != "" {
			hdr.Set("Origin", origin)
		}
		if token != "" {
			hdr.Set("Authorization", "Bearer "+token)
		}
		conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http")+"/api/ws", hdr)
		if conn != nil {
			conn.Close()
		}
		return resp, err
	}

	open := newHarness(t, harnessOpts{})
	resp, err := dial(open, "https://attacker.example", "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = dial(open, open.srv.URL, "")
	require.NoError(t, err, "same origin is accepted")
	_, err = dial(open, "", "")
	require.NoError(t, err, "non-browser clients send no origin")

	authed := newHarness(t, harnessOpts{auth: true})
	resp, err = dial(authed, "https://attacker.example", "")
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_, err = dial(authed, "https://dashboard.example", authed.token("viewer"))
	require.NoError(t, err, "a bearer token is accepted from any origin")
}
