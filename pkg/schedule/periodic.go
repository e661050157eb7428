// Package schedule runs functions on a fixed period. Each Periodic owns the
// cancellation token of its current timer; changing the period cancels that
// timer and starts a new one.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Periodic calls fn every interval until stopped. Runs never overlap.
//
// fn receives the context given to Start, not the timer's own token, so
// stopping or rescheduling never interrupts a run that is in flight.
type Periodic struct {
	name string
	clk  clock.Clock
	fn   func(context.Context)

	runMu sync.Mutex // serializes fn

	mu       sync.Mutex
	parent   context.Context
	interval time.Duration
	cancel   context.CancelFunc
}

func NewPeriodic(name string, clk clock.Clock, fn func(context.Context)) *Periodic {
	if clk == nil {
		clk = clock.New()
	}
	return &Periodic{name: name, clk: clk, fn: fn}
}

func (p *Periodic) Name() string { return p.name }

// Start begins ticking. Calling Start on a running Periodic reschedules it.
func (p *Periodic) Start(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parent = ctx
	p.restartLocked(interval)
}

// Reset cancels the current timer and starts a new one with interval.
// It is a no-op if the Periodic was never started or has been stopped.
func (p *Periodic) Reset(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.restartLocked(interval)
}

// Stop cancels the timer. A run already in progress completes normally.
func (p *Periodic) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Periodic) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Periodic) restartLocked(interval time.Duration) {
	if p.cancel != nil {
		p.cancel()
	}
	if interval <= 0 {
		interval = time.Second
	}
	token, cancel := context.WithCancel(p.parent)
	p.cancel = cancel
	p.interval = interval

	ticker := p.clk.Ticker(interval)
	parent := p.parent
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-token.Done():
				return
			case <-ticker.C:
				p.runMu.Lock()
				if token.Err() == nil {
					p.fn(parent)
				}
				p.runMu.Unlock()
			}
		}
	}()
}
