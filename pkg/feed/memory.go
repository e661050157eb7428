package feed

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Backend. It is safe for concurrent use and is
// shared by every peer of a simulation the same way a real store would be.
type Memory struct {
	mu      sync.RWMutex
	streams map[StreamID][]Ref
	blobs   map[Ref][]byte

	// Delay, if set, is slept (honoring ctx) before every operation.
	Delay time.Duration
	// Fault, if set, is consulted before every operation; a non-nil return
	// is reported as that operation's error.
	Fault func(op string, id StreamID, index uint64) error
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		streams: make(map[StreamID][]Ref),
		blobs:   make(map[Ref][]byte),
	}
}

func (m *Memory) before(ctx context.Context, op string, id StreamID, index uint64) error {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Fault != nil {
		return m.Fault(op, id, index)
	}
	return nil
}

func (m *Memory) CreateStream(ctx context.Context, id StreamID) error {
	if err := m.before(ctx, "create", id, 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[id]; !ok {
		m.streams[id] = nil
	}
	return nil
}

func (m *Memory) ReadAt(ctx context.Context, id StreamID, index uint64) (Entry, error) {
	if err := m.before(ctx, "read", id, index); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := m.streams[id]
	if index >= uint64(len(refs)) {
		return Entry{}, fmt.Errorf("%w: %s@%d", ErrNotFound, id, index)
	}
	return Entry{Ref: refs[index], Next: index + 1}, nil
}

func (m *Memory) ReadLatest(ctx context.Context, id StreamID) (Latest, error) {
	if err := m.before(ctx, "latest", id, 0); err != nil {
		return Latest{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := uint64(len(m.streams[id]))
	if n == 0 {
		return Latest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Latest{Current: n - 1, Next: n}, nil
}

func (m *Memory) FetchBlob(ctx context.Context, ref Ref) ([]byte, error) {
	if err := m.before(ctx, "fetch", StreamID(ref), 0); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, ref)
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) PutBlob(ctx context.Context, data []byte) (Ref, error) {
	if err := m.before(ctx, "put", "", 0); err != nil {
		return "", err
	}
	ref := RefOf(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; !ok {
		m.blobs[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (m *Memory) Append(ctx context.Context, id StreamID, ref Ref, opts AppendOptions) (uint64, error) {
	at := uint64(0)
	if opts.AtIndex != nil {
		at = *opts.AtIndex
	}
	if err := m.before(ctx, "append", id, at); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.streams[id]
	head := uint64(len(refs))
	if opts.AtIndex != nil {
		if at < head {
			return 0, fmt.Errorf("%w: %s@%d", ErrConflict, id, at)
		}
		if at > head {
			return 0, fmt.Errorf("feed: append to %s at %d leaves a gap (head %d)", id, at, head)
		}
	}
	m.streams[id] = append(refs, ref)
	return head, nil
}

// Len reports the number of entries written to id.
func (m *Memory) Len(id StreamID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams[id])
}
