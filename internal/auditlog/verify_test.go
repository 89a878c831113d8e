package auditlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctrlai/chainlog/internal/encryption"
	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/segment"
)

func verifyAll(t *testing.T, l *Log) Result {
	t.Helper()
	res, err := l.Verify(context.Background(), VerifyOptions{IncludeActive: true})
	require.NoError(t, err)
	return res
}

func requireDivergence(t *testing.T, res Result, seq uint64, kind DivergenceKind) {
	t.Helper()
	require.False(t, res.Valid)
	require.NotNil(t, res.FirstDivergence, "%+v", res)
	require.Equal(t, seq, *res.FirstDivergence, "%+v", res)
	require.Equal(t, kind, res.Reason, "%+v", res)
}

func TestVerify_EmptyChain(t *testing.T) {
	tl := newTestLog(t, segment.Policy{})
	res := verifyAll(t, tl.Log)
	require.True(t, res.Valid)
	require.Zero(t, res.RecordsChecked)
}

func TestVerify_SealedOnlyByDefault(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 3})
	tl.appendN(t, 5, record.DataAccess)

	res, err := tl.Verify(context.Background(), VerifyOptions{})
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, uint64(3), res.RecordsChecked)
	require.Equal(t, 1, res.SegmentsChecked)

	// Damage in the active segment is only seen when asked for.
	require.NoError(t, tl.backend.SetFrame(2, 0, []byte("garbage")))
	res, err = tl.Verify(context.Background(), VerifyOptions{})
	require.NoError(t, err)
	require.True(t, res.Valid)
	requireDivergence(t, verifyAll(t, tl.Log), 3, HashMismatch)
}

func TestVerify_EveryFlippedByteIsAHashMismatch(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 3})
	tl.appendN(t, 3, record.AuthSuccess)
	_, err := tl.Append(context.Background(), Event{
		Actor:   "mallory",
		Type:    record.AccessDenied,
		Payload: record.Payload{"resource": record.String("/etc/shadow"), "attempt": record.Int(3)},
	})
	require.NoError(t, err)
	tl.appendN(t, 2, record.AuthSuccess)
	_, err = tl.Seal(context.Background(), "admin")
	require.NoError(t, err)

	// Record 3 is the first frame of segment 2.
	orig, err := tl.backend.Frame(2, 0)
	require.NoError(t, err)
	for i := range orig {
		tampered := append([]byte(nil), orig...)
		tampered[i] ^= 0x01
		require.NoError(t, tl.backend.SetFrame(2, 0, tampered))

		res := verifyAll(t, tl.Log)
		require.False(t, res.Valid, "byte %d", i)
		require.Equal(t, uint64(3), *res.FirstDivergence, "byte %d", i)
		require.Equal(t, HashMismatch, res.Reason, "byte %d", i)
	}
	require.NoError(t, tl.backend.SetFrame(2, 0, orig))
	require.True(t, verifyAll(t, tl.Log).Valid)
}

func TestVerify_FlippedCiphertext(t *testing.T) {
	tl := newTestLog(t, segment.Policy{})
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	tl.opts.Encryption, err = encryption.NewAEAD(key)
	require.NoError(t, err)
	tl.reopen(t)
	tl.appendN(t, 3, record.DataAccess)

	frame, err := tl.backend.Frame(1, 1)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x80
	require.NoError(t, tl.backend.SetFrame(1, 1, frame))

	requireDivergence(t, verifyAll(t, tl.Log), 1, HashMismatch)
}

func TestVerify_DeletedRecordBreaksChain(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 4})
	tl.appendN(t, 6, record.DataAccess)

	require.NoError(t, tl.backend.DeleteFrame(1, 1)) // sequence 1

	res := verifyAll(t, tl.Log)
	requireDivergence(t, res, 2, ChainBreak)
	require.Len(t, res.Divergences, 1, "the next segment still verifies")
	require.Equal(t, uint64(1), res.Divergences[0].Segment)
}

func TestVerify_ReorderedRecords(t *testing.T) {
	tl := newTestLog(t, segment.Policy{})
	tl.appendN(t, 4, record.DataAccess)

	a, err := tl.backend.Frame(1, 1)
	require.NoError(t, err)
	b, err := tl.backend.Frame(1, 2)
	require.NoError(t, err)
	require.NoError(t, tl.backend.SetFrame(1, 1, b))
	require.NoError(t, tl.backend.SetFrame(1, 2, a))

	requireDivergence(t, verifyAll(t, tl.Log), 2, ChainBreak)
}

func TestVerify_SequenceGap(t *testing.T) {
	tl := newTestLog(t, segment.Policy{})
	tl.appendN(t, 3, record.DataAccess)
	rs := collectRecords(t, tl.Log, Filter{})

	// A forged record that links correctly but skips a sequence number.
	forged := rs[2]
	forged.Sequence = 7
	hash, err := tl.hasher.Link(forged.PrevHash, &forged)
	require.NoError(t, err)
	forged.Hash = hash
	frame, err := record.Encode(&forged)
	require.NoError(t, err)
	require.NoError(t, tl.backend.SetFrame(1, 2, frame))

	requireDivergence(t, verifyAll(t, tl.Log), 7, SequenceGap)
}

func TestVerify_SealMismatch(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 2})
	tl.appendN(t, 3, record.DataAccess)

	h, ok := tl.backend.Header(1)
	require.True(t, ok)
	h.SealHash[0] ^= 0xff
	tl.backend.SetHeader(h)
	tl.reopen(t)

	res := verifyAll(t, tl.Log)
	requireDivergence(t, res, 0, SealMismatch)
	require.Len(t, res.Divergences, 1)
}

func TestVerify_TruncatedSealedSegment(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 3})
	tl.appendN(t, 4, record.DataAccess)

	require.NoError(t, tl.backend.DeleteFrame(1, 2)) // sequence 2
	res := verifyAll(t, tl.Log)
	requireDivergence(t, res, 2, SequenceGap)

	// The next segment no longer links to what is stored.
	require.Len(t, res.Divergences, 2, "%+v", res)
	require.Equal(t, Divergence{Segment: 1, Sequence: 2, Kind: SequenceGap}, withoutDetail(res.Divergences[0]))
	require.Equal(t, Divergence{Segment: 2, Sequence: 3, Kind: ChainBreak}, withoutDetail(res.Divergences[1]))
	require.Equal(t, uint64(2), res.RecordsChecked)
}

func TestVerify_TruncatedActiveSegment(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 3})
	tl.appendN(t, 5, record.DataAccess)

	require.NoError(t, tl.backend.DeleteFrame(2, 1)) // sequence 4, the newest record
	res := verifyAll(t, tl.Log)
	requireDivergence(t, res, 4, SequenceGap)
	require.Equal(t, uint64(4), res.RecordsChecked)

	res, err := tl.Verify(context.Background(), VerifyOptions{})
	require.NoError(t, err)
	require.True(t, res.Valid, "sealed segments are intact")
}

func TestVerify_ReplacedActiveTail(t *testing.T) {
	tl := newTestLog(t, segment.Policy{})
	tl.appendN(t, 3, record.DataAccess)
	rs := collectRecords(t, tl.Log, Filter{})

	// A consistently re-hashed replacement for the newest record.
	forged := rs[2]
	forged.Actor = "mallory"
	hash, err := tl.hasher.Link(forged.PrevHash, &forged)
	require.NoError(t, err)
	forged.Hash = hash
	frame, err := record.Encode(&forged)
	require.NoError(t, err)
	require.NoError(t, tl.backend.SetFrame(1, 2, frame))

	requireDivergence(t, verifyAll(t, tl.Log), 2, ChainBreak)
}

func withoutDetail(d Divergence) Divergence {
	d.Detail = ""
	return d
}

func TestVerify_MissingSegment(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 2})
	tl.appendN(t, 6, record.DataAccess)

	// Copy everything except segment 2 to fresh storage.
	hdrs := tl.ListSegments()
	b := tl.backend
	fresh := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 2})
	for _, h := range hdrs {
		if h.ID == 2 {
			continue
		}
		fresh.backend.SetHeader(h)
		for i := 0; i < int(h.RecordCount); i++ {
			f, err := b.Frame(h.ID, i)
			require.NoError(t, err)
			require.NoError(t, fresh.backend.Append(context.Background(), h.ID, f))
		}
	}
	fresh.reopen(t)

	requireDivergence(t, verifyAll(t, fresh.Log), 4, ChainBreak)
}

func TestVerify_Range(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 2})
	tl.appendN(t, 8, record.DataAccess)
	require.NoError(t, tl.backend.DeleteFrame(1, 1))

	res, err := tl.Verify(context.Background(), VerifyOptions{FromSeq: 4, ToSeq: 6})
	require.NoError(t, err)
	require.True(t, res.Valid, "damage outside the range is not walked")
	require.Equal(t, uint64(2), res.RecordsChecked)

	res, err = tl.Verify(context.Background(), VerifyOptions{FromSeq: 1, ToSeq: 2})
	require.NoError(t, err)
	require.False(t, res.Valid)
}

func TestVerify_ConcurrentWithAppends(t *testing.T) {
	tl := newTestLog(t, segment.Policy{MaxRecordsPerSegment: 5})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, err := tl.Append(context.Background(), Event{Actor: "w", Type: record.DataModify})
			if err != nil {
				t.Error(err)
				return
			}
		}
	}()

	deadline := time.After(10 * time.Second)
	for running := true; running; {
		select {
		case <-done:
			running = false
		case <-deadline:
			t.Fatal("appends did not finish")
		default:
		}
		res, err := tl.Verify(context.Background(), VerifyOptions{IncludeActive: true})
		require.NoError(t, err)
		require.True(t, res.Valid, "%+v", res)
	}
	require.Equal(t, uint64(200), verifyAll(t, tl.Log).RecordsChecked)
}
