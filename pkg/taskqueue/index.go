package taskqueue

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// Index is a monotonic 64-bit counter advanced once per successful task.
type Index struct {
	v atomic.Uint64
}

func NewIndex(start uint64) *Index {
	i := &Index{}
	i.v.Store(start)
	return i
}

// ParseIndex reads an index previously rendered by String.
func ParseIndex(s string) (*Index, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: bad index %q: %w", s, err)
	}
	return NewIndex(v), nil
}

// Advance increments the index and returns the new value.
func (i *Index) Advance() uint64 { return i.v.Add(1) }

func (i *Index) Value() uint64 { return i.v.Load() }

// String renders the index as 16 hex digits.
func (i *Index) String() string { return fmt.Sprintf("%016x", i.v.Load()) }
