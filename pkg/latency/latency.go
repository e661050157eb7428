// Package latency keeps a moving average over a fixed window of recent
// operation durations.
package latency

import "sync"

const (
	// DefaultCapacity is the window size used when New is given a non-positive one.
	DefaultCapacity = 1000
	// DefaultAverage is reported while the window is empty so callers never
	// assume a fast network before any data exists.
	DefaultAverage = 200.0
)

// Tracker is a fixed-capacity sliding window of samples, in milliseconds.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	samples []float64 // ring buffer
	next    int
	full    bool
	sum     float64
}

func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{samples: make([]float64, capacity)}
}

// Add records a sample, evicting the oldest once the window is full.
func (t *Tracker) Add(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		t.sum -= t.samples[t.next]
	}
	t.samples[t.next] = v
	t.sum += v
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.full = true
	}
}

// Average returns the arithmetic mean of the window, or DefaultAverage when empty.
func (t *Tracker) Average() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.lenLocked()
	if n == 0 {
		return DefaultAverage
	}
	return t.sum / float64(n)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lenLocked()
}

func (t *Tracker) lenLocked() int {
	if t.full {
		return len(t.samples)
	}
	return t.next
}
