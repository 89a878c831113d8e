package storage

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// MemoryBackend keeps segments in process memory. It is used by tests and
// by the `--storage memory` development mode. The Frame, SetFrame and
// DeleteFrame helpers give tests direct access to stored bytes for
// tampering scenarios.
type MemoryBackend struct {
	mu      sync.RWMutex
	frames  map[uint64][][]byte
	headers map[uint64]SegmentHeader
	watch   []chan struct{}

	// FailAppend, when set, is returned by Append instead of storing.
	FailAppend error
	// FailPutHeader, when set, is returned by PutHeader instead of storing.
	FailPutHeader error
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		frames:  make(map[uint64][][]byte),
		headers: make(map[uint64]SegmentHeader),
	}
}

func (m *MemoryBackend) Append(ctx context.Context, segment uint64, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.FailAppend != nil {
		err := m.FailAppend
		m.mu.Unlock()
		return err
	}
	m.frames[segment] = append(m.frames[segment], slices.Clone(frame))
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *MemoryBackend) Frames(ctx context.Context, segment uint64, from, to int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for i := max(from, 0); to < 0 || i < to; i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			m.mu.RLock()
			list := m.frames[segment]
			if i >= len(list) {
				m.mu.RUnlock()
				return
			}
			f := slices.Clone(list[i])
			m.mu.RUnlock()
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (m *MemoryBackend) PutHeader(ctx context.Context, h SegmentHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPutHeader != nil {
		return m.FailPutHeader
	}
	m.headers[h.ID] = h
	return nil
}

func (m *MemoryBackend) Headers(ctx context.Context) ([]SegmentHeader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SegmentHeader, 0, len(m.headers))
	for _, h := range m.headers {
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

func (m *MemoryBackend) Delete(ctx context.Context, segment uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frames, segment)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// Watch implements Notifier.
func (m *MemoryBackend) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watch = append(m.watch, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.watch = slices.DeleteFunc(m.watch, func(c chan struct{}) bool { return c == ch })
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryBackend) notify() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.watch {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// FrameCount returns the number of frames stored for a segment.
func (m *MemoryBackend) FrameCount(segment uint64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.frames[segment])
}

// Frame returns a copy of a stored frame.
func (m *MemoryBackend) Frame(segment uint64, index int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.frames[segment]
	if index < 0 || index >= len(list) {
		return nil, fmt.Errorf("segment %d has no frame %d", segment, index)
	}
	return slices.Clone(list[index]), nil
}

// SetFrame overwrites a stored frame in place.
func (m *MemoryBackend) SetFrame(segment uint64, index int, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.frames[segment]
	if index < 0 || index >= len(list) {
		return fmt.Errorf("segment %d has no frame %d", segment, index)
	}
	list[index] = slices.Clone(frame)
	return nil
}

// DeleteFrame removes a stored frame, shifting later frames down.
func (m *MemoryBackend) DeleteFrame(segment uint64, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.frames[segment]
	if index < 0 || index >= len(list) {
		return fmt.Errorf("segment %d has no frame %d", segment, index)
	}
	m.frames[segment] = slices.Delete(list, index, index+1)
	return nil
}

// Header returns the stored header of a segment.
func (m *MemoryBackend) Header(segment uint64) (SegmentHeader, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.headers[segment]
	return h, ok
}

// SetHeader replaces a stored header without the failure hook.
func (m *MemoryBackend) SetHeader(h SegmentHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[h.ID] = h
}
