// Package membership derives the set of active chat members from the shared
// membership log and keeps it current.
//
// The log holds two kinds of commits. Registrations announce one identity
// whose feed position is not known yet. Overwrites are full snapshots written
// by the elected maintenance writer; they carry resolved feed indices and
// supersede everything before them. Load rebuilds the view by walking the log
// backwards to the newest overwrite; Poll folds new commits in as they appear.
package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrchat/pkg/activity"
	"github.com/ryandielhenn/zephyrchat/pkg/event"
	"github.com/ryandielhenn/zephyrchat/pkg/feed"
	"github.com/ryandielhenn/zephyrchat/pkg/identity"
	"github.com/ryandielhenn/zephyrchat/pkg/report"
)

// ErrStillLoading is returned when another view update is in flight. It is
// retryable.
var ErrStillLoading = errors.New("membership: still loading")

const (
	DefaultFreshness       = time.Minute
	defaultResolveParallel = 8
)

type Config struct {
	Topic string
	// Freshness bounds how far behind the newest timestamp seen a
	// registration found past an overwrite may be and still be kept.
	Freshness time.Duration
	// ResolveParallel bounds concurrent feed-head lookups during Load.
	ResolveParallel int
	OpTimeout       time.Duration
	Retry           feed.Retry
}

type Option func(*Reconciler)

func WithLogger(l *zap.Logger) Option { return func(r *Reconciler) { r.log = l } }

func WithReporter(rep report.Reporter) Option { return func(r *Reconciler) { r.reporter = rep } }

func WithBus(b *event.Bus) Option { return func(r *Reconciler) { r.bus = b } }

// WithCommitHook is called with "registration" or "overwrite" for every
// commit applied to the view.
func WithCommitHook(fn func(kind string)) Option { return func(r *Reconciler) { r.onCommit = fn } }

// Reconciler owns the active view. Load, Poll and overwrite writes go
// through a single-flight guard; reads and AdvanceFeedIndex only take the
// view mutex.
type Reconciler struct {
	backend  feed.Backend
	verifier identity.Verifier
	table    *activity.Table
	cfg      Config
	stream   feed.StreamID

	log      *zap.Logger
	reporter report.Reporter
	bus      *event.Bus
	onCommit func(string)

	busy atomic.Bool

	mu             sync.RWMutex
	view           []identity.Member
	pending        []identity.Member
	logNext        uint64
	sinceOverwrite int
	redundant      int
	loaded         bool
}

func New(b feed.Backend, v identity.Verifier, table *activity.Table, cfg Config, opts ...Option) *Reconciler {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.ResolveParallel <= 0 {
		cfg.ResolveParallel = defaultResolveParallel
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = feed.DefaultRetry
	}
	r := &Reconciler{
		backend:  b,
		verifier: v,
		table:    table,
		cfg:      cfg,
		stream:   feed.MembershipStream(cfg.Topic),
		log:      zap.NewNop(),
		reporter: report.Nop,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Reconciler) Stream() feed.StreamID { return r.stream }

func (r *Reconciler) acquire() bool { return r.busy.CompareAndSwap(false, true) }

func (r *Reconciler) release() { r.busy.Store(false) }

func (r *Reconciler) publish(e event.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// Load rebuilds the view from the log.
func (r *Reconciler) Load(ctx context.Context) error {
	if !r.acquire() {
		return ErrStillLoading
	}
	defer r.release()

	r.publish(event.NewLoadingChangedEvent(true))
	defer r.publish(event.NewLoadingChangedEvent(false))

	head, err := feed.WithTimeout(ctx, r.cfg.OpTimeout, func(ctx context.Context) (feed.Latest, error) {
		return r.backend.ReadLatest(ctx, r.stream)
	})
	switch feed.Classify(err) {
	case feed.KindNone:
	case feed.KindNotFound:
		r.install(nil, nil, 0, 0, 0)
		r.log.Info("membership log is empty", zap.String("stream", string(r.stream)))
		return nil
	default:
		return fmt.Errorf("membership: read log head: %w", err)
	}

	w, err := r.walk(ctx, head.Next)
	if err != nil {
		return err
	}
	w.adoptSnapshotIndices()
	r.resolve(ctx, w.members)
	slices.Reverse(w.registrations)
	r.install(w.members, w.registrations, head.Next, w.incremental, w.redundant())

	r.log.Info("membership loaded",
		zap.Int("members", len(r.Members())),
		zap.Uint64("log_next", head.Next),
		zap.Bool("anchored", w.anchored),
		zap.Int("incremental", w.incremental))
	return nil
}

type walkResult struct {
	members []identity.Member
	// registrations newer than the anchor overwrite, or all of them when
	// the log has no overwrite
	registrations []identity.Member
	snapshot      []identity.Member // users of the anchor overwrite
	tail          []identity.Member // registrations that raced the anchor
	incremental   int
	anchored      bool
}

// adoptSnapshotIndices gives registrations of members the anchor overwrite
// lists the overwrite's feed index, the same position Poll would keep for
// them. Only registrants the snapshot does not know stay unknown.
func (w *walkResult) adoptSnapshotIndices() {
	for i := range w.members {
		if w.members[i].FeedIndex != identity.UnknownIndex {
			continue
		}
		if j := indexOf(w.snapshot, w.members[i].Address); j >= 0 {
			w.members[i].FeedIndex = w.snapshot[j].FeedIndex
		}
	}
}

// redundant counts registrations newer than the anchor for addresses that
// were already known when they landed.
func (w *walkResult) redundant() int {
	seen := make(map[string]bool, len(w.snapshot)+len(w.tail))
	for _, m := range w.snapshot {
		seen[m.Address] = true
	}
	for _, m := range w.tail {
		seen[m.Address] = true
	}
	n := 0
	for _, m := range w.registrations {
		if seen[m.Address] {
			n++
		}
		seen[m.Address] = true
	}
	return n
}

// walk reads the log backwards from next-1. It stops at position 0, or after
// an overwrite once the registrations that raced it have been collected.
func (r *Reconciler) walk(ctx context.Context, next uint64) (walkResult, error) {
	var w walkResult
	var newest int64

	for i := int64(next) - 1; i >= 0; i-- {
		c, err := r.readCommit(ctx, uint64(i))
		if errors.Is(err, ErrMalformedCommit) {
			r.log.Warn("skipping malformed commit", zap.Int64("index", i), zap.Error(err))
			continue
		}
		if err != nil {
			return walkResult{}, fmt.Errorf("membership: read commit %d: %w", i, err)
		}
		if len(c.Users) == 0 {
			continue
		}

		if w.anchored {
			// Registrations that were appended before the snapshot but
			// happened after it was taken.
			if c.Overwrite || newest-c.newest() > r.cfg.Freshness.Milliseconds() {
				break
			}
			w.tail = append(w.tail, r.collect(&w, c)...)
			continue
		}

		newest = max(newest, c.newest())
		if c.Overwrite {
			w.members = append(w.members, c.Users...)
			w.snapshot = c.Users
			w.anchored = true
			continue
		}
		w.registrations = append(w.registrations, r.collect(&w, c)...)
		w.incremental++
	}
	return w, nil
}

// collect adds the users of a registration commit to the walk's members
// and returns them with their feed index unknown.
func (r *Reconciler) collect(w *walkResult, c Commit) []identity.Member {
	out := make([]identity.Member, 0, len(c.Users))
	for _, u := range c.Users {
		u.FeedIndex = identity.UnknownIndex
		r.table.RecordActivity(u.Address, u.Time())
		out = append(out, u)
	}
	w.members = append(w.members, out...)
	return out
}

// readCommit fetches and decodes the commit at index i. Users that fail
// validation are logged and dropped.
func (r *Reconciler) readCommit(ctx context.Context, i uint64) (Commit, error) {
	var data []byte
	err := r.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		e, err := feed.WithTimeout(ctx, r.cfg.OpTimeout, func(ctx context.Context) (feed.Entry, error) {
			return r.backend.ReadAt(ctx, r.stream, i)
		})
		if err != nil {
			return err
		}
		data, err = feed.WithTimeout(ctx, r.cfg.OpTimeout, func(ctx context.Context) ([]byte, error) {
			return r.backend.FetchBlob(ctx, e.Ref)
		})
		return err
	})
	if err != nil {
		return Commit{}, err
	}
	c, err := DecodeCommit(data, r.verifier)
	if err != nil {
		return Commit{}, err
	}
	if c.Rejected != nil {
		r.log.Warn("dropped invalid users from commit", zap.Uint64("index", i), zap.Error(c.Rejected))
	}
	return c, nil
}

// resolve fills in unknown feed indices from each member's feed head. A
// member whose head cannot be read keeps UnknownIndex and is resolved later
// by the reader.
func (r *Reconciler) resolve(ctx context.Context, members []identity.Member) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ResolveParallel)
	for i := range members {
		if members[i].FeedIndex != identity.UnknownIndex {
			continue
		}
		g.Go(func() error {
			idx, err := ResolveFeedIndex(ctx, r.backend, r.cfg.OpTimeout, feed.UserStream(r.cfg.Topic, members[i].Address))
			if err != nil {
				r.log.Info("could not resolve feed index",
					zap.String("address", members[i].Address), zap.Error(err))
				return nil
			}
			members[i].FeedIndex = int64(idx)
			return nil
		})
	}
	_ = g.Wait()
}

// ResolveFeedIndex returns the position to start reading stream from: the
// latest entry written, or 0 when nothing was ever written. The latest entry
// is read again if it was already seen; readers deduplicate by position.
func ResolveFeedIndex(ctx context.Context, b feed.Backend, timeout time.Duration, stream feed.StreamID) (uint64, error) {
	l, err := feed.WithTimeout(ctx, timeout, func(ctx context.Context) (feed.Latest, error) {
		return b.ReadLatest(ctx, stream)
	})
	switch feed.Classify(err) {
	case feed.KindNone:
		return l.Current, nil
	case feed.KindNotFound:
		return 0, nil
	default:
		return 0, err
	}
}

// install replaces the view. Members that stay tracked keep the larger of
// their old and new feed index.
func (r *Reconciler) install(members, pending []identity.Member, next uint64, incremental, redundant int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view = carryIndices(r.view, merge(members))
	r.pending = pending
	r.logNext = next
	r.sinceOverwrite = incremental
	r.redundant = redundant
	r.loaded = true
}

// Poll reads commits appended since the last Load or Poll.
func (r *Reconciler) Poll(ctx context.Context) error {
	if !r.acquire() {
		return ErrStillLoading
	}
	defer r.release()

	r.mu.RLock()
	next := r.logNext
	r.mu.RUnlock()

	for {
		c, err := r.readCommit(ctx, next)
		switch {
		case feed.Classify(err) == feed.KindNotFound:
			return nil
		case errors.Is(err, ErrMalformedCommit):
			r.log.Warn("skipping malformed commit", zap.Uint64("index", next), zap.Error(err))
		case err != nil:
			return fmt.Errorf("membership: read commit %d: %w", next, err)
		default:
			r.apply(c)
		}
		next++
		r.mu.Lock()
		r.logNext = next
		r.mu.Unlock()
	}
}

// apply folds one commit into the view.
func (r *Reconciler) apply(c Commit) {
	var added []identity.Member

	r.mu.Lock()
	if c.Overwrite {
		snapshot := merge(append(append([]identity.Member(nil), c.Users...), r.freshPendingLocked(c)...))
		added = newcomers(r.view, snapshot)
		r.view = carryIndices(r.view, snapshot)
		r.pending = nil
		r.sinceOverwrite = 0
		r.redundant = 0
	} else {
		for _, u := range c.Users {
			u.FeedIndex = identity.UnknownIndex
			r.table.RecordActivity(u.Address, u.Time())
			r.pending = append(r.pending, u)
			if i := indexOf(r.view, u.Address); i >= 0 {
				r.redundant++
				if u.Timestamp > r.view[i].Timestamp {
					u.FeedIndex = r.view[i].FeedIndex
					r.view[i] = u
				}
				continue
			}
			r.view = append(r.view, u)
			added = append(added, u)
		}
		r.sinceOverwrite++
	}
	r.mu.Unlock()

	if r.onCommit != nil {
		r.onCommit(c.kind())
	}
	for _, m := range added {
		r.log.Info("member registered", zap.String("address", m.Address), zap.String("name", m.Name))
		r.publish(event.NewMemberRegisteredEvent(m.Address, m.Name))
	}
}

// freshPendingLocked returns the pending registrations an overwrite does not
// absorb: those within Freshness of the newest timestamp known, the same
// window Load applies to registrations found past an overwrite.
func (r *Reconciler) freshPendingLocked(c Commit) []identity.Member {
	newest := c.newest()
	for _, p := range r.pending {
		newest = max(newest, p.Timestamp)
	}
	var out []identity.Member
	for _, p := range r.pending {
		if newest-p.Timestamp <= r.cfg.Freshness.Milliseconds() {
			out = append(out, p)
		}
	}
	return out
}

// AdvanceFeedIndex moves address's feed index forward to next. It is a
// no-op when the member is no longer tracked or already further along, and
// reports whether the index moved.
func (r *Reconciler) AdvanceFeedIndex(address string, next uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := indexOf(r.view, address)
	if i < 0 || int64(next) <= r.view[i].FeedIndex {
		return false
	}
	r.view[i].FeedIndex = int64(next)
	return true
}

// Register appends a registration commit for id. A duplicate caused by a
// retried append is absorbed by deduplication.
func (r *Reconciler) Register(ctx context.Context, id identity.Identity) error {
	data, err := EncodeRegistration(id)
	if err != nil {
		return err
	}
	if _, err := feed.AppendIdempotent(ctx, r.backend, r.cfg.Retry, r.stream, data, feed.AppendOptions{}); err != nil {
		return fmt.Errorf("membership: register %s: %w", id.Address, err)
	}
	return nil
}

// Members returns a copy of the view.
func (r *Reconciler) Members() []identity.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]identity.Member(nil), r.view...)
}

// Member returns the tracked entry for address.
func (r *Reconciler) Member(address string) (identity.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := indexOf(r.view, address); i >= 0 {
		return r.view[i], true
	}
	return identity.Member{}, false
}

// Pending returns registrations not yet absorbed by an overwrite.
func (r *Reconciler) Pending() []identity.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]identity.Member(nil), r.pending...)
}

func (r *Reconciler) LogNext() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logNext
}

func (r *Reconciler) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Loading reports whether a view update is in flight.
func (r *Reconciler) Loading() bool { return r.busy.Load() }

// merge deduplicates by address and keeps the highest feed index any
// duplicate carried.
func merge(list []identity.Member) []identity.Member {
	out := activity.MergeMembers(list)
	best := make(map[string]int64, len(out))
	for _, m := range list {
		if cur, ok := best[m.Address]; !ok || m.FeedIndex > cur {
			best[m.Address] = m.FeedIndex
		}
	}
	for i := range out {
		out[i].FeedIndex = best[out[i].Address]
	}
	return out
}

func carryIndices(old, next []identity.Member) []identity.Member {
	for i := range next {
		if j := indexOf(old, next[i].Address); j >= 0 && old[j].FeedIndex > next[i].FeedIndex {
			next[i].FeedIndex = old[j].FeedIndex
		}
	}
	return next
}

func newcomers(old, next []identity.Member) []identity.Member {
	var out []identity.Member
	for _, m := range next {
		if indexOf(old, m.Address) < 0 {
			out = append(out, m)
		}
	}
	return out
}

func indexOf(list []identity.Member, address string) int {
	for i := range list {
		if list[i].Address == address {
			return i
		}
	}
	return -1
}
