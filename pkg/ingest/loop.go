// Package ingest polls every tracked member's personal feed for new messages.
//
// Each pass enqueues one read per member on the bounded task queue. A read
// that finds a message advances the member's feed index; fresh messages are
// buffered and announced, stale ones are dropped. Reads never evict members:
// that is left to membership reconciliation and the idle window.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/activity"
	"github.com/ryandielhenn/zephyrchat/pkg/event"
	"github.com/ryandielhenn/zephyrchat/pkg/feed"
	"github.com/ryandielhenn/zephyrchat/pkg/identity"
	"github.com/ryandielhenn/zephyrchat/pkg/latency"
	"github.com/ryandielhenn/zephyrchat/pkg/membership"
	"github.com/ryandielhenn/zephyrchat/pkg/msgbuf"
	"github.com/ryandielhenn/zephyrchat/pkg/taskqueue"
)

const DefaultOpTimeout = 1200 * time.Millisecond

var ErrAddressMismatch = errors.New("ingest: message address does not match feed owner")

// Members is the view the loop reads from and advances.
type Members interface {
	Members() []identity.Member
	AdvanceFeedIndex(address string, next uint64) bool
}

type Config struct {
	Topic      string
	IdleWindow time.Duration
	// OpTimeout bounds each backend call.
	OpTimeout time.Duration
	// MaxTimeout is the latency sample recorded for a timed-out read.
	// It defaults to OpTimeout.
	MaxTimeout time.Duration
}

// Stats counts read outcomes since the loop was created.
type Stats struct {
	Reads     uint64 `json:"reads"`
	Delivered uint64 `json:"delivered"`
	Stale     uint64 `json:"stale"`
	NotFound  uint64 `json:"not_found"`
	Timeouts  uint64 `json:"timeouts"`
	Failures  uint64 `json:"failures"`
	Invalid   uint64 `json:"invalid"`
	// Skipped counts members left out of a pass because their previous
	// read had not finished.
	Skipped uint64 `json:"skipped"`
}

type counters struct {
	reads, delivered, stale, notFound, timeouts, failures, invalid, skipped atomic.Uint64
}

type Option func(*Loop)

func WithLogger(l *zap.Logger) Option { return func(lp *Loop) { lp.log = l } }

func WithBus(b *event.Bus) Option { return func(lp *Loop) { lp.bus = b } }

func WithClock(c clock.Clock) Option { return func(lp *Loop) { lp.clk = c } }

type Loop struct {
	backend feed.Backend
	members Members
	queue   *taskqueue.Queue
	tracker *latency.Tracker
	table   *activity.Table
	buffer  *msgbuf.Buffer
	cfg     Config

	clk clock.Clock
	log *zap.Logger
	bus *event.Bus

	n counters

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(b feed.Backend, members Members, q *taskqueue.Queue, tracker *latency.Tracker,
	table *activity.Table, buffer *msgbuf.Buffer, cfg Config, opts ...Option) *Loop {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = cfg.OpTimeout
	}
	l := &Loop{
		backend: b,
		members: members,
		queue:   q,
		tracker: tracker,
		table:   table,
		buffer:  buffer,
		cfg:     cfg,
		clk:     clock.New(),
		log:     zap.NewNop(),

		inFlight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Pass enqueues one read per tracked member and returns how many it queued.
// A member whose previous read is still queued or running is skipped, so at
// most one read per member is outstanding. Failures of individual reads
// reach the queue's error sink.
func (l *Loop) Pass(ctx context.Context) int {
	queued := 0
	for _, m := range l.members.Members() {
		if !l.claim(m.Address) {
			l.n.skipped.Add(1)
			continue
		}
		queued++
		l.queue.Enqueue(func() error {
			defer l.release(m.Address)
			return l.read(ctx, m)
		})
	}
	return queued
}

func (l *Loop) claim(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[address]; busy {
		return false
	}
	l.inFlight[address] = struct{}{}
	return true
}

func (l *Loop) release(address string) {
	l.mu.Lock()
	delete(l.inFlight, address)
	l.mu.Unlock()
}

func (l *Loop) read(ctx context.Context, m identity.Member) error {
	l.n.reads.Add(1)
	stream := feed.UserStream(l.cfg.Topic, m.Address)

	idx := m.FeedIndex
	timed := false
	if idx == identity.UnknownIndex {
		start := l.clk.Now()
		next, err := membership.ResolveFeedIndex(ctx, l.backend, l.cfg.OpTimeout, stream)
		l.sample(start, err)
		timed = true
		if err != nil {
			return l.fail(m, err)
		}
		l.members.AdvanceFeedIndex(m.Address, next)
		idx = int64(next)
	}

	start := l.clk.Now()
	entry, err := feed.WithTimeout(ctx, l.cfg.OpTimeout, func(ctx context.Context) (feed.Entry, error) {
		return l.backend.ReadAt(ctx, stream, uint64(idx))
	})
	if !timed {
		l.sample(start, err)
	}
	if err != nil {
		return l.fail(m, err)
	}

	data, err := feed.WithTimeout(ctx, l.cfg.OpTimeout, func(ctx context.Context) ([]byte, error) {
		return l.backend.FetchBlob(ctx, entry.Ref)
	})
	if feed.Classify(err) == feed.KindNotFound {
		// The entry exists but its blob does not.
		l.members.AdvanceFeedIndex(m.Address, entry.Next)
		l.n.invalid.Add(1)
		l.log.Warn("feed entry references a missing blob",
			zap.String("address", m.Address), zap.Int64("index", idx), zap.Error(err))
		return nil
	}
	if err != nil {
		return l.fail(m, err)
	}

	// Whatever the entry holds, it has been consumed.
	l.members.AdvanceFeedIndex(m.Address, entry.Next)

	msg, err := msgbuf.Decode(data)
	if err == nil && msg.Address != m.Address {
		err = fmt.Errorf("%w: got %s", ErrAddressMismatch, msg.Address)
	}
	if err != nil {
		l.n.invalid.Add(1)
		l.log.Warn("rejected message",
			zap.String("address", m.Address), zap.Int64("index", idx), zap.Error(err))
		return nil
	}
	msg.Index = uint64(idx)
	l.deliver(m, msg)
	return nil
}

func (l *Loop) deliver(m identity.Member, msg msgbuf.Message) {
	ttl := 2 * l.cfg.IdleWindow
	if l.clk.Since(msg.Time()) >= ttl {
		l.n.stale.Add(1)
		l.log.Debug("dropped stale message", zap.String("address", m.Address), zap.Uint64("index", msg.Index))
		return
	}
	l.table.RecordActivity(m.Address, msg.Time())
	if !l.buffer.Put(msg, ttl) {
		return
	}
	l.n.delivered.Add(1)
	if l.bus != nil {
		l.bus.Publish(event.NewMessageReceivedEvent(msg.Address, msg.DisplayName, msg.Body, msg.Time(), msg.Index))
	}
}

// sample records the duration of the first network call of a read.
func (l *Loop) sample(start time.Time, err error) {
	if feed.Classify(err) == feed.KindTimeout {
		l.tracker.Add(float64(l.cfg.MaxTimeout.Milliseconds()))
		return
	}
	l.tracker.Add(float64(l.clk.Since(start).Microseconds()) / 1000)
}

// fail applies the failure policy. Only unexpected errors are returned.
func (l *Loop) fail(m identity.Member, err error) error {
	switch feed.Classify(err) {
	case feed.KindNotFound:
		l.n.notFound.Add(1)
		return nil
	case feed.KindTimeout:
		l.n.timeouts.Add(1)
		l.log.Info("feed read timed out", zap.String("address", m.Address), zap.Error(err))
		return nil
	default:
		l.n.failures.Add(1)
		l.table.RecordFailure(m.Address)
		return fmt.Errorf("ingest: read %s: %w", m.Address, err)
	}
}

func (l *Loop) Stats() Stats {
	return Stats{
		Reads:     l.n.reads.Load(),
		Delivered: l.n.delivered.Load(),
		Stale:     l.n.stale.Load(),
		NotFound:  l.n.notFound.Load(),
		Timeouts:  l.n.timeouts.Load(),
		Failures:  l.n.failures.Load(),
		Invalid:   l.n.invalid.Load(),
		Skipped:   l.n.skipped.Load(),
	}
}
