package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// MaxFrameSize bounds a single frame. A length field above it is treated
// as corruption rather than an allocation request.
const MaxFrameSize = 16 << 20

const frameHeaderSize = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FileBackend stores each segment as an append-only file of length- and
// checksum-prefixed frames, with headers as JSON files beside them:
//
//	<dir>/
//	├── 00000000000000000001.seg        # frames: [u32 len][u32 crc32c][data]...
//	├── 00000000000000000001.hdr.json   # plaintext header
//	└── ...
//
// Every append is followed by fsync. A write that fails part way is
// truncated back to the previous size so the file never carries a partial
// frame from a live process.
type FileBackend struct {
	dir string

	mu    sync.Mutex
	wseg  uint64
	wfile *os.File
	wsize int64
}

// OpenFile opens (or creates) a file backend rooted at dir.
func OpenFile(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment directory %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the backend root directory.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) segPath(id uint64) string {
	return filepath.Join(b.dir, segmentName(id)+".seg")
}

func (b *FileBackend) hdrPath(id uint64) string {
	return filepath.Join(b.dir, segmentName(id)+".hdr.json")
}

// writer returns the open append handle for a segment, switching segments
// if needed. The caller holds b.mu.
func (b *FileBackend) writer(segment uint64) (*os.File, error) {
	if b.wfile != nil && b.wseg == segment {
		return b.wfile, nil
	}
	if b.wfile != nil {
		b.wfile.Close()
		b.wfile = nil
	}

	path := b.segPath(segment)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening segment file %s: %w", path, err)
	}
	size, err := committedSize(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size() != size {
		slog.Warn("truncating incomplete trailing frame",
			"segment", segment, "committed", size, "size", st.Size())
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncating %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("syncing %s: %w", path, err)
		}
	}

	b.wfile, b.wseg, b.wsize = f, segment, size
	return f, nil
}

// committedSize returns the byte length of the complete frames at the start
// of f. Checksums are not verified here; a frame with a bad checksum but a
// complete body is left for readers to report.
func committedSize(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)
	var off int64
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return off, nil
			}
			return 0, err
		}
		n := binary.BigEndian.Uint32(hdr[:4])
		if n > MaxFrameSize {
			return off, nil
		}
		if _, err := r.Discard(int(n)); err != nil {
			if errors.Is(err, io.EOF) {
				return off, nil
			}
			return 0, err
		}
		off += frameHeaderSize + int64(n)
	}
}

func (b *FileBackend) Append(ctx context.Context, segment uint64, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds maximum %d", len(frame), MaxFrameSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := b.writer(segment)
	if err != nil {
		return err
	}

	buf := make([]byte, frameHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(frame, crcTable))
	copy(buf[frameHeaderSize:], frame)

	if _, err := f.WriteAt(buf, b.wsize); err != nil {
		b.rollback(f)
		return fmt.Errorf("writing segment %d: %w", segment, err)
	}
	// Flush immediately; an acknowledged append must survive a crash.
	if err := f.Sync(); err != nil {
		b.rollback(f)
		return fmt.Errorf("syncing segment %d: %w", segment, err)
	}
	b.wsize += int64(len(buf))
	return nil
}

func (b *FileBackend) rollback(f *os.File) {
	if err := f.Truncate(b.wsize); err != nil {
		slog.Error("truncating failed append", "file", f.Name(), "error", err)
	}
	// The handle may be in an unknown state; reopen on next append.
	f.Close()
	b.wfile = nil
}

// Repair implements Repairer by opening the segment for writing, which
// truncates any incomplete trailing frame.
func (b *FileBackend) Repair(ctx context.Context, segment uint64) (int64, error) {
	st, err := os.Stat(b.segPath(segment))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.writer(segment); err != nil {
		return 0, err
	}
	return st.Size() - b.wsize, nil
}

func (b *FileBackend) Frames(ctx context.Context, segment uint64, from, to int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		f, err := os.Open(b.segPath(segment))
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("opening segment %d: %w", segment, err))
			return
		}
		defer f.Close()

		r := bufio.NewReader(f)
		var hdr [frameHeaderSize]byte
		for i := 0; to < 0 || i < to; i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				switch {
				case errors.Is(err, io.EOF):
					return
				case errors.Is(err, io.ErrUnexpectedEOF):
					yield(nil, fmt.Errorf("segment %d frame %d: %w", segment, i, ErrIncompleteFrame))
				default:
					yield(nil, fmt.Errorf("reading segment %d: %w", segment, err))
				}
				return
			}
			n := binary.BigEndian.Uint32(hdr[:4])
			if n > MaxFrameSize {
				yield(nil, fmt.Errorf("segment %d frame %d: length %d: %w", segment, i, n, ErrCorruptFrame))
				return
			}
			if i < from {
				if _, err := r.Discard(int(n)); err != nil {
					yield(nil, fmt.Errorf("segment %d frame %d: %w", segment, i, ErrIncompleteFrame))
					return
				}
				continue
			}

			data := make([]byte, n)
			if _, err := io.ReadFull(r, data); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					yield(nil, fmt.Errorf("segment %d frame %d: %w", segment, i, ErrIncompleteFrame))
				} else {
					yield(nil, fmt.Errorf("reading segment %d: %w", segment, err))
				}
				return
			}
			if crc32.Checksum(data, crcTable) != binary.BigEndian.Uint32(hdr[4:8]) {
				// Framing is intact, so later frames are still readable.
				if !yield(nil, fmt.Errorf("segment %d frame %d: checksum mismatch: %w", segment, i, ErrCorruptFrame)) {
					return
				}
				continue
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// PutHeader writes the header to a temporary file, syncs it and renames it
// into place so a crash never leaves a half-written header.
func (b *FileBackend) PutHeader(ctx context.Context, h SegmentHeader) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling segment header: %w", err)
	}

	path := b.hdrPath(h.ID)
	tmp, err := os.CreateTemp(b.dir, ".hdr-*")
	if err != nil {
		return fmt.Errorf("creating header temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing header %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing header %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming header %s: %w", path, err)
	}
	return syncDir(b.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}

func (b *FileBackend) Headers(ctx context.Context) ([]SegmentHeader, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("reading segment directory %s: %w", b.dir, err)
	}

	var out []SegmentHeader
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".hdr.json") {
			continue
		}
		path := filepath.Join(b.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading header %s: %w", path, err)
		}
		var h SegmentHeader
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("parsing header %s: %w", path, err)
		}
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b SegmentHeader) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (b *FileBackend) Delete(ctx context.Context, segment uint64) error {
	b.mu.Lock()
	if b.wfile != nil && b.wseg == segment {
		b.wfile.Close()
		b.wfile = nil
	}
	b.mu.Unlock()

	path := b.segPath(segment)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing segment file %s: %w", path, err)
	}
	return syncDir(b.dir)
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wfile == nil {
		return nil
	}
	err := b.wfile.Close()
	b.wfile = nil
	return err
}

// Watch implements Notifier using fsnotify on the segment directory. Events
// are coalesced: a receiver that is slow to drain sees a single pending
// notification.
func (b *FileBackend) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating segment watcher: %w", err)
	}
	if err := w.Add(b.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", b.dir, err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".seg") && !strings.HasSuffix(ev.Name, ".hdr.json") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("segment watcher error", "error", err)
			}
		}
	}()
	return ch, nil
}
