package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collect drains a frame iterator, failing the test on error.
func collect(t *testing.T, b Backend, seg uint64, from, to int) [][]byte {
	t.Helper()
	var out [][]byte
	for f, err := range b.Frames(context.Background(), seg, from, to) {
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

// exerciseBackend runs the behaviour every backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	ctx := context.Background()

	// Unknown segments read as empty.
	require.Empty(t, collect(t, b, 7, 0, -1))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Append(ctx, 1, []byte(fmt.Sprintf("frame-%d", i))))
	}
	require.NoError(t, b.Append(ctx, 2, []byte("other")))

	all := collect(t, b, 1, 0, -1)
	require.Len(t, all, 5)
	for i, f := range all {
		require.Equal(t, fmt.Sprintf("frame-%d", i), string(f))
	}

	mid := collect(t, b, 1, 1, 3)
	require.Equal(t, [][]byte{[]byte("frame-1"), []byte("frame-2")}, mid)
	require.Len(t, collect(t, b, 1, 3, -1), 2)
	require.Empty(t, collect(t, b, 1, 5, -1))

	// Early break must be honored.
	n := 0
	for range b.Frames(ctx, 1, 0, -1) {
		n++
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h2 := SegmentHeader{ID: 2, StartSeq: 5, RecordCount: 1, CreatedAt: now}
	h1 := SegmentHeader{ID: 1, StartSeq: 0, RecordCount: 5, CreatedAt: now}
	h1.LastHash[0] = 0xaa
	require.NoError(t, b.PutHeader(ctx, h2))
	require.NoError(t, b.PutHeader(ctx, h1))

	h1.Sealed = true
	h1.SealedAt = now
	h1.SealHash[1] = 0xbb
	require.NoError(t, b.PutHeader(ctx, h1))

	headers, err := b.Headers(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 2)
	require.Equal(t, uint64(1), headers[0].ID)
	require.True(t, headers[0].Sealed)
	require.Equal(t, h1.SealHash, headers[0].SealHash)
	require.Equal(t, h1.LastHash, headers[0].LastHash)
	require.True(t, now.Equal(headers[0].SealedAt))
	require.Equal(t, uint64(2), headers[1].ID)

	require.NoError(t, b.Delete(ctx, 1))
	require.Empty(t, collect(t, b, 1, 0, -1))
	require.Len(t, collect(t, b, 2, 0, -1), 1)

	headers, err = b.Headers(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 2, "delete keeps the header")
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestFileBackend(t *testing.T) {
	b, err := OpenFile(filepath.Join(t.TempDir(), "segments"))
	require.NoError(t, err)
	defer b.Close()
	exerciseBackend(t, b)
}

func TestSQLiteBackend(t *testing.T) {
	b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chain.db"))
	require.NoError(t, err)
	defer b.Close()
	exerciseBackend(t, b)
}

func TestS3Backend(t *testing.T) {
	exerciseBackend(t, newS3Backend(newFakeS3(), "audit", "prod/"))
}

func TestMemoryBackend_TamperHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Append(ctx, 1, []byte{byte(i)}))
	}
	require.Equal(t, 3, m.FrameCount(1))

	f, err := m.Frame(1, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, f)

	require.NoError(t, m.SetFrame(1, 1, []byte{9}))
	require.NoError(t, m.DeleteFrame(1, 0))
	require.Equal(t, [][]byte{{9}, {2}}, collect(t, m, 1, 0, -1))

	require.Error(t, m.SetFrame(1, 5, nil))
	_, err = m.Frame(2, 0)
	require.Error(t, err)
}

func TestMemoryBackend_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemoryBackend()
	ch, err := m.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Append(ctx, 1, []byte("x")))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after append")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSegmentHeader(t *testing.T) {
	h := SegmentHeader{ID: 3, StartSeq: 10, RecordCount: 4}
	require.Equal(t, uint64(14), h.EndSeq())
	require.True(t, h.Contains(10))
	require.True(t, h.Contains(13))
	require.False(t, h.Contains(14))
	require.False(t, h.Contains(9))
	require.Equal(t, "active", h.State())
	h.Sealed = true
	require.Equal(t, "sealed", h.State())
	h.Purged = true
	require.Equal(t, "purged", h.State())
	require.Contains(t, h.String(), "segment 3 [10, 14)")
}
