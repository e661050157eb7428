package latency

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverage_EmptyIsConservative(t *testing.T) {
	tr := New(10)
	assert.Equal(t, DefaultAverage, tr.Average())
	assert.Equal(t, 0, tr.Len())
}

func TestAverage_SlidingWindow(t *testing.T) {
	tr := New(3)
	for range 3 {
		tr.Add(100)
	}
	assert.InDelta(t, 100, tr.Average(), 1e-9)

	tr.Add(900)
	assert.Equal(t, 3, tr.Len())
	assert.InDelta(t, 366.67, tr.Average(), 0.01)
}

func TestAverage_WrapsManyTimes(t *testing.T) {
	tr := New(4)
	for i := range 103 {
		tr.Add(float64(i))
	}
	// window holds 99, 100, 101, 102
	assert.InDelta(t, 100.5, tr.Average(), 1e-9)
}

func TestNew_DefaultCapacity(t *testing.T) {
	tr := New(0)
	for range DefaultCapacity + 5 {
		tr.Add(1)
	}
	assert.Equal(t, DefaultCapacity, tr.Len())
}

func TestConcurrentAdd(t *testing.T) {
	tr := New(50)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				tr.Add(10)
				_ = tr.Average()
			}
		}()
	}
	wg.Wait()
	assert.InDelta(t, 10, tr.Average(), 1e-9)
}
