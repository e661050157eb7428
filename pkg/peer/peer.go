// Package peer runs one chat participant: it registers the local identity,
// keeps the membership view current, polls member feeds for messages,
// adapts its polling rate to observed latency and takes its turn as
// maintenance writer when elected.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/internal/telemetry"
	"github.com/ryandielhenn/zephyrchat/pkg/activity"
	"github.com/ryandielhenn/zephyrchat/pkg/election"
	"github.com/ryandielhenn/zephyrchat/pkg/event"
	"github.com/ryandielhenn/zephyrchat/pkg/feed"
	"github.com/ryandielhenn/zephyrchat/pkg/identity"
	"github.com/ryandielhenn/zephyrchat/pkg/ingest"
	"github.com/ryandielhenn/zephyrchat/pkg/latency"
	"github.com/ryandielhenn/zephyrchat/pkg/membership"
	"github.com/ryandielhenn/zephyrchat/pkg/msgbuf"
	"github.com/ryandielhenn/zephyrchat/pkg/ratecontrol"
	"github.com/ryandielhenn/zephyrchat/pkg/report"
	"github.com/ryandielhenn/zephyrchat/pkg/schedule"
	"github.com/ryandielhenn/zephyrchat/pkg/taskqueue"
)

var ErrNotStarted = errors.New("peer: not started")

// Config is everything a Peer needs besides its backend.
type Config struct {
	Name     string
	Topic    string
	Signer   identity.Signer
	Verifier identity.Verifier

	IdleWindow       time.Duration
	MemberLimit      int
	ElectionFraction float64
	CompactAfter     int
	Freshness        time.Duration

	QueueMode          taskqueue.Mode
	MaxParallel        int
	MaxParallelCeiling int
	OpTimeout          time.Duration
	Retry              feed.Retry

	MembershipInterval time.Duration
	MessageInterval    time.Duration
	MaintainInterval   time.Duration
	// Rate holds the rate controller's thresholds and interval bounds.
	Rate []ratecontrol.Option

	LatencyWindow int
	BufferBytes   int
}

func (c *Config) setDefaults() {
	if c.Verifier == nil {
		c.Verifier = identity.Ed25519Verifier{}
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 10 * time.Minute
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxParallelCeiling < c.MaxParallel {
		c.MaxParallelCeiling = c.MaxParallel
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = ingest.DefaultOpTimeout
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = feed.DefaultRetry
	}
	if c.MembershipInterval <= 0 {
		c.MembershipInterval = 2 * time.Second
	}
	if c.MessageInterval <= 0 {
		c.MessageInterval = time.Second
	}
	if c.MaintainInterval <= 0 {
		c.MaintainInterval = 10 * time.Second
	}
}

type Option func(*Peer)

func WithLogger(l *zap.Logger) Option { return func(p *Peer) { p.log = l } }

func WithClock(c clock.Clock) Option { return func(p *Peer) { p.clk = c } }

type Peer struct {
	cfg     Config
	backend feed.Backend
	clk     clock.Clock
	log     *zap.Logger

	self     identity.Identity
	bus      *event.Bus
	reporter report.Reporter

	table      *activity.Table
	tracker    *latency.Tracker
	index      *taskqueue.Index
	queue      *taskqueue.Queue
	buffer     *msgbuf.Buffer
	members    *membership.Reconciler
	maintainer *membership.Maintainer
	loop       *ingest.Loop
	rate       *ratecontrol.Controller

	membershipTimer *schedule.Periodic
	messageTimer    *schedule.Periodic
	maintainTimer   *schedule.Periodic

	sendMu sync.Mutex

	mu          sync.Mutex
	started     bool
	lastOutcome membership.Outcome
}

// New wires a Peer over b. Nothing touches the backend until Start.
func New(b feed.Backend, cfg Config, opts ...Option) (*Peer, error) {
	if cfg.Signer == nil {
		return nil, errors.New("peer: a signer is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("peer: a topic is required")
	}
	cfg.setDefaults()

	p := &Peer{
		cfg:     cfg,
		backend: b,
		clk:     clock.New(),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}

	self, err := identity.New(cfg.Signer, cfg.Name, p.clk.Now())
	if err != nil {
		return nil, err
	}
	p.self = self
	p.log = p.log.With(zap.String("self", self.Address), zap.String("topic", cfg.Topic))

	p.bus = event.NewBus(p.log.Named("event"))
	p.reporter = report.NewSink(p.log.Named("report"), p.bus)
	p.table = activity.NewTable(p.clk)
	p.tracker = latency.New(cfg.LatencyWindow)
	p.index = taskqueue.NewIndex(0)
	p.queue = taskqueue.New(cfg.QueueMode, cfg.MaxParallel,
		taskqueue.WithIndex(p.index),
		taskqueue.WithErrorSink(func(err error, context string) {
			_ = p.reporter.Report(err, context, false)
		}))
	p.buffer = msgbuf.New(cfg.BufferBytes, p.clk)

	p.members = membership.New(b, cfg.Verifier, p.table, membership.Config{
		Topic:     cfg.Topic,
		Freshness: cfg.Freshness,
		OpTimeout: cfg.OpTimeout,
		Retry:     cfg.Retry,
	},
		membership.WithLogger(p.log.Named("membership")),
		membership.WithReporter(p.reporter),
		membership.WithBus(p.bus),
		membership.WithCommitHook(func(kind string) {
			telemetry.MembershipCommits.WithLabelValues(kind).Inc()
		}))
	p.maintainer = membership.NewMaintainer(p.members, membership.MaintainConfig{
		Self:         self.Address,
		IdleWindow:   cfg.IdleWindow,
		MemberLimit:  cfg.MemberLimit,
		Fraction:     cfg.ElectionFraction,
		CompactAfter: cfg.CompactAfter,
		Hasher:       election.FNV32a,
	})
	p.loop = ingest.New(b, p.members, p.queue, p.tracker, p.table, p.buffer, ingest.Config{
		Topic:      cfg.Topic,
		IdleWindow: cfg.IdleWindow,
		OpTimeout:  cfg.OpTimeout,
	},
		ingest.WithLogger(p.log.Named("ingest")),
		ingest.WithBus(p.bus),
		ingest.WithClock(p.clk))

	p.membershipTimer = schedule.NewPeriodic("membership", p.clk, p.pollMembership)
	p.messageTimer = schedule.NewPeriodic("messages", p.clk, p.pollMessages)
	p.maintainTimer = schedule.NewPeriodic("maintain", p.clk, p.maintain)

	rateOpts := append([]ratecontrol.Option{
		ratecontrol.WithInterval(cfg.MessageInterval, 500*time.Millisecond, 5*time.Second, 250*time.Millisecond),
	}, cfg.Rate...)
	rateOpts = append(rateOpts, ratecontrol.OnInterval(func(d time.Duration) {
		p.log.Debug("message poll interval changed", zap.Duration("interval", d))
		p.messageTimer.Reset(d)
	}))
	p.rate, err = ratecontrol.New(p.queue, p.tracker, rateOpts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Start loads the membership view, registers the local identity if the
// view does not contain it yet, and starts polling. ctx bounds the life of
// every background task.
func (p *Peer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	for _, id := range []feed.StreamID{p.members.Stream(), p.ownStream()} {
		if err := p.backend.CreateStream(ctx, id); err != nil {
			return p.reporter.Report(fmt.Errorf("peer: create stream %s: %w", id, err), "start", true)
		}
	}
	if err := p.members.Load(ctx); err != nil {
		return p.reporter.Report(err, "initial membership load", true)
	}
	registered, err := p.ensureRegistered(ctx)
	if err != nil {
		return p.reporter.Report(err, "register", true)
	}
	if registered {
		if err := p.members.Poll(ctx); err != nil {
			_ = p.reporter.Report(err, "membership poll", false)
		}
	}
	p.table.RecordActivity(p.self.Address, p.clk.Now())

	p.membershipTimer.Start(ctx, p.cfg.MembershipInterval)
	p.messageTimer.Start(ctx, p.rate.Interval())
	p.maintainTimer.Start(ctx, p.cfg.MaintainInterval)
	p.started = true
	p.log.Info("peer started",
		zap.String("name", p.self.Name),
		zap.Int("members", len(p.members.Members())))
	return nil
}

// Stop cancels the timers. Reads already dispatched finish on their own.
func (p *Peer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.membershipTimer.Stop()
	p.messageTimer.Stop()
	p.maintainTimer.Stop()
	p.started = false
}

func (p *Peer) pollMembership(ctx context.Context) {
	err := p.members.Poll(ctx)
	switch {
	case err == nil:
	case errors.Is(err, membership.ErrStillLoading):
		p.log.Debug("membership poll skipped, update in flight")
		return
	default:
		_ = p.reporter.Report(err, "membership poll", false)
		return
	}

	// An overwrite may have dropped the local peer as idle.
	registered, err := p.ensureRegistered(ctx)
	if err != nil {
		_ = p.reporter.Report(err, "register", false)
		return
	}
	if registered {
		if err := p.members.Poll(ctx); err != nil && !errors.Is(err, membership.ErrStillLoading) {
			_ = p.reporter.Report(err, "membership poll", false)
		}
	}
}

// ensureRegistered appends a registration for the local identity when the
// view does not list it. The identity is signed afresh so the registration
// counts as current activity. It reports whether it registered.
func (p *Peer) ensureRegistered(ctx context.Context) (bool, error) {
	if _, ok := p.members.Member(p.self.Address); ok {
		return false, nil
	}
	id, err := identity.New(p.cfg.Signer, p.self.Name, p.clk.Now())
	if err != nil {
		return false, err
	}
	if err := p.members.Register(ctx, id); err != nil {
		return false, err
	}
	p.log.Info("registered in membership log", zap.Int64("timestamp", id.Timestamp))
	return true, nil
}

func (p *Peer) pollMessages(ctx context.Context) {
	// WaitIdle returns false when the previous pass was still reading;
	// this tick is then shed.
	if p.queue.WaitIdle() {
		p.loop.Pass(ctx)
	} else {
		p.log.Debug("message pass skipped, previous pass still running")
	}
	active := p.ActiveCount()
	d := p.rate.Adjust(min(active, p.cfg.MaxParallelCeiling))

	telemetry.ActiveMembers.Set(float64(active))
	telemetry.QueueMaxParallel.Set(float64(p.queue.MaxParallel()))
	telemetry.PollInterval.Set(d.Interval.Seconds())
}

func (p *Peer) maintain(ctx context.Context) {
	out, err := p.maintainer.Maintain(ctx)
	p.mu.Lock()
	p.lastOutcome = out
	p.mu.Unlock()
	switch {
	case err == nil:
	case errors.Is(err, membership.ErrStillLoading):
		p.log.Debug("maintenance skipped, update in flight")
	default:
		_ = p.reporter.Report(err, "maintenance", false)
	}
}

func (p *Peer) ownStream() feed.StreamID {
	return feed.UserStream(p.cfg.Topic, p.self.Address)
}

// ownNext returns the index the next message on the local feed goes to.
func (p *Peer) ownNext(ctx context.Context) (uint64, error) {
	l, err := feed.WithTimeout(ctx, p.cfg.OpTimeout, func(ctx context.Context) (feed.Latest, error) {
		return p.backend.ReadLatest(ctx, p.ownStream())
	})
	switch feed.Classify(err) {
	case feed.KindNone:
		return l.Next, nil
	case feed.KindNotFound:
		return 0, nil
	default:
		return 0, err
	}
}

// Send writes body to the local feed and returns its index.
func (p *Peer) Send(ctx context.Context, body string) (uint64, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return 0, ErrNotStarted
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	now := p.clk.Now()
	data, err := msgbuf.Encode(msgbuf.Message{
		Body:        body,
		DisplayName: p.self.Name,
		Address:     p.self.Address,
		Timestamp:   now.UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	next, err := p.ownNext(ctx)
	if err != nil {
		return 0, fmt.Errorf("peer: read own feed head: %w", err)
	}
	idx, err := feed.AppendIdempotent(ctx, p.backend, p.cfg.Retry, p.ownStream(), data, feed.At(next))
	if err != nil {
		return 0, p.reporter.Report(fmt.Errorf("peer: send: %w", err), "send", true)
	}
	p.table.RecordActivity(p.self.Address, now)
	return idx, nil
}

// Subscribe registers handler for an event type (see package event).
func (p *Peer) Subscribe(eventType string, handler event.Handler) string {
	return p.bus.Subscribe(eventType, handler)
}

func (p *Peer) Unsubscribe(id string) bool { return p.bus.Unsubscribe(id) }

func (p *Peer) Self() identity.Identity { return p.self }

// ActiveCount is the number of members seen within the idle window.
func (p *Peer) ActiveCount() int { return len(p.maintainer.Active()) }

func (p *Peer) PollInterval() time.Duration { return p.rate.Interval() }

func (p *Peer) Concurrency() int { return p.queue.MaxParallel() }

func (p *Peer) Members() []identity.Member { return p.members.Members() }

// Messages returns the buffered messages, oldest first.
func (p *Peer) Messages() []msgbuf.Message { return p.buffer.Messages() }
