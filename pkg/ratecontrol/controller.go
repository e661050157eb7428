// Package ratecontrol tunes polling aggressiveness from observed latency.
//
// Two threshold pairs drive it. The concurrency pair shrinks or grows the
// task queue limit by one; the interval pair lengthens or shortens the
// message-polling period by a fixed step. Each pair leaves a dead zone
// between its thresholds where nothing changes, so noisy measurements do
// not make the controller oscillate.
package ratecontrol

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultDecreaseLimit              = 1000.0
	defaultIncreaseLimit              = 400.0
	defaultFetchIntervalIncreaseLimit = 800.0
	defaultFetchIntervalDecreaseLimit = 300.0
	defaultStep                       = 250 * time.Millisecond
	defaultMinInterval                = 500 * time.Millisecond
	defaultMaxInterval                = 5 * time.Second
)

// Limiter is the concurrency knob, normally a *taskqueue.Queue.
type Limiter interface {
	IncreaseMax(ceiling int) bool
	DecreaseMax() bool
	MaxParallel() int
}

// Averager reports the recent average latency in milliseconds.
type Averager interface {
	Average() float64
}

// Option configures a Controller.
type Option func(*Controller)

// WithConcurrencyLimits sets the latency above which concurrency shrinks
// (decrease) and below which it grows (increase).
func WithConcurrencyLimits(increase, decrease float64) Option {
	return func(c *Controller) {
		c.increaseLimit = increase
		c.decreaseLimit = decrease
	}
}

// WithIntervalLimits sets the latency below which the polling interval
// shortens (decrease) and above which it lengthens (increase).
func WithIntervalLimits(decrease, increase float64) Option {
	return func(c *Controller) {
		c.fetchDecreaseLimit = decrease
		c.fetchIncreaseLimit = increase
	}
}

// WithInterval sets the starting interval, its bounds and the step size.
func WithInterval(start, lo, hi, step time.Duration) Option {
	return func(c *Controller) {
		c.interval = start
		c.minInterval = lo
		c.maxInterval = hi
		c.step = step
	}
}

// OnInterval registers the callback that restarts the polling timer when
// the interval changes.
func OnInterval(fn func(time.Duration)) Option {
	return func(c *Controller) { c.onInterval = fn }
}

// Decision reports what one Adjust call did.
type Decision struct {
	Average     float64
	Concurrency int // -1, 0 or +1
	Interval    time.Duration
	Rescheduled bool
}

// Controller is safe for concurrent use.
type Controller struct {
	mu      sync.Mutex
	queue   Limiter
	latency Averager

	decreaseLimit      float64
	increaseLimit      float64
	fetchIncreaseLimit float64
	fetchDecreaseLimit float64

	interval    time.Duration
	minInterval time.Duration
	maxInterval time.Duration
	step        time.Duration

	onInterval func(time.Duration)
}

// New builds a Controller and checks that both threshold pairs leave a dead zone.
func New(queue Limiter, latency Averager, opts ...Option) (*Controller, error) {
	c := &Controller{
		queue:              queue,
		latency:            latency,
		decreaseLimit:      defaultDecreaseLimit,
		increaseLimit:      defaultIncreaseLimit,
		fetchIncreaseLimit: defaultFetchIntervalIncreaseLimit,
		fetchDecreaseLimit: defaultFetchIntervalDecreaseLimit,
		interval:           defaultMinInterval,
		minInterval:        defaultMinInterval,
		maxInterval:        defaultMaxInterval,
		step:               defaultStep,
		onInterval:         func(time.Duration) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.increaseLimit >= c.decreaseLimit {
		return nil, fmt.Errorf("ratecontrol: increase limit %.0f must be below decrease limit %.0f", c.increaseLimit, c.decreaseLimit)
	}
	if c.fetchDecreaseLimit >= c.fetchIncreaseLimit {
		return nil, fmt.Errorf("ratecontrol: interval decrease limit %.0f must be below increase limit %.0f", c.fetchDecreaseLimit, c.fetchIncreaseLimit)
	}
	if c.minInterval <= 0 || c.minInterval > c.maxInterval || c.step <= 0 {
		return nil, fmt.Errorf("ratecontrol: bad interval bounds [%s, %s] step %s", c.minInterval, c.maxInterval, c.step)
	}
	c.interval = clamp(c.interval, c.minInterval, c.maxInterval)
	return c, nil
}

// Interval returns the current polling interval.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Adjust runs once per ingestion pass. Concurrency never grows past
// activeMembers, the number of feeds actually being polled.
func (c *Controller) Adjust(activeMembers int) Decision {
	avg := c.latency.Average()
	d := Decision{Average: avg}

	switch {
	case avg > c.decreaseLimit:
		if c.queue.DecreaseMax() {
			d.Concurrency = -1
		}
	case avg < c.increaseLimit:
		if c.queue.IncreaseMax(max(activeMembers, 1)) {
			d.Concurrency = 1
		}
	}

	c.mu.Lock()
	next := c.interval
	switch {
	case avg > c.fetchIncreaseLimit:
		next = clamp(c.interval+c.step, c.minInterval, c.maxInterval)
	case avg < c.fetchDecreaseLimit:
		next = clamp(c.interval-c.step, c.minInterval, c.maxInterval)
	}
	changed := next != c.interval
	c.interval = next
	cb := c.onInterval
	c.mu.Unlock()

	d.Interval = next
	if changed {
		d.Rescheduled = true
		cb(next)
	}
	return d
}

func clamp(v, lo, hi time.Duration) time.Duration {
	return max(lo, min(v, hi))
}
