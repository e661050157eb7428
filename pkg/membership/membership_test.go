package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrchat/pkg/activity"
	"github.com/ryandielhenn/zephyrchat/pkg/election"
	"github.com/ryandielhenn/zephyrchat/pkg/event"
	"github.com/ryandielhenn/zephyrchat/pkg/feed"
	"github.com/ryandielhenn/zephyrchat/pkg/identity"
)

const topic = "lobby"

var epoch = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	backend *feed.Memory
	clk     *clock.Mock
	table   *activity.Table
	bus     *event.Bus
}

func newFixture(t *testing.T) *fixture {
	clk := clock.NewMock()
	clk.Set(epoch)
	return &fixture{
		t:       t,
		ctx:     context.Background(),
		backend: feed.NewMemory(),
		clk:     clk,
		table:   activity.NewTable(clk),
		bus:     event.NewBus(nil),
	}
}

func (f *fixture) reconciler() *Reconciler {
	return New(f.backend, identity.Ed25519Verifier{}, f.table,
		Config{Topic: topic, Retry: feed.Retry{Attempts: 1}},
		WithBus(f.bus))
}

func (f *fixture) identity(name string, at time.Time) identity.Identity {
	f.t.Helper()
	s, err := identity.GenerateSigner()
	require.NoError(f.t, err)
	id, err := identity.New(s, name, at)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) appendRaw(data []byte) {
	f.t.Helper()
	_, err := feed.AppendIdempotent(f.ctx, f.backend, feed.Retry{Attempts: 1}, feed.MembershipStream(topic), data, feed.AppendOptions{})
	require.NoError(f.t, err)
}

func (f *fixture) register(id identity.Identity) {
	f.t.Helper()
	data, err := EncodeRegistration(id)
	require.NoError(f.t, err)
	f.appendRaw(data)
}

func (f *fixture) overwrite(members ...identity.Member) {
	f.t.Helper()
	data, err := EncodeOverwrite(members)
	require.NoError(f.t, err)
	f.appendRaw(data)
}

func (f *fixture) writeMessages(address string, n int) {
	f.t.Helper()
	for i := range n {
		ref, err := f.backend.PutBlob(f.ctx, []byte{byte(i)})
		require.NoError(f.t, err)
		_, err = f.backend.Append(f.ctx, feed.UserStream(topic, address), ref, feed.AppendOptions{})
		require.NoError(f.t, err)
	}
}

func indices(members []identity.Member) map[string]int64 {
	out := make(map[string]int64, len(members))
	for _, m := range members {
		out[m.Address] = m.FeedIndex
	}
	return out
}

func TestLoad_RegistrationsThenOverwrite(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	b := f.identity("bob", epoch.Add(time.Second))
	c := f.identity("carol", epoch.Add(2*time.Second))
	f.register(a)
	f.register(b)
	f.register(c)
	f.overwrite(
		identity.Member{Identity: a, FeedIndex: 1},
		identity.Member{Identity: b, FeedIndex: 2},
		identity.Member{Identity: c, FeedIndex: 3},
	)
	// Feeds grew past the snapshot; the snapshot's positions still win.
	for _, id := range []identity.Identity{a, b, c} {
		f.writeMessages(id.Address, 6)
	}

	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))

	assert.Equal(t, map[string]int64{a.Address: 1, b.Address: 2, c.Address: 3}, indices(r.Members()))
	assert.Empty(t, r.Pending())
	assert.Equal(t, uint64(4), r.LogNext())
	assert.True(t, r.Loaded())
}

func TestLoad_Deterministic(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	b := f.identity("bob", epoch.Add(time.Second))
	c := f.identity("carol", epoch.Add(2*time.Second))
	f.register(a)
	f.overwrite(identity.Member{Identity: a, FeedIndex: 4})
	f.register(b)
	f.register(c)
	f.register(b)
	f.overwrite(
		identity.Member{Identity: a, FeedIndex: 5},
		identity.Member{Identity: b, FeedIndex: 1},
	)
	f.writeMessages(c.Address, 2)

	first := f.reconciler()
	require.NoError(t, first.Load(f.ctx))
	second := f.reconciler()
	require.NoError(t, second.Load(f.ctx))

	assert.Equal(t, first.Members(), second.Members())
	assert.Equal(t, map[string]int64{a.Address: 5, b.Address: 1, c.Address: 1}, indices(first.Members()),
		"c is unknown to the snapshot and starts at its latest entry")
}

func TestLoad_OnlyRegistrationsResolvesFeedHeads(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	b := f.identity("bob", epoch)
	f.register(a)
	f.register(b)
	f.writeMessages(a.Address, 2)

	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))

	assert.Equal(t, map[string]int64{a.Address: 1, b.Address: 0}, indices(r.Members()))
	assert.Len(t, r.Pending(), 2)

	e, ok := f.table.Get(a.Address)
	require.True(t, ok)
	assert.Equal(t, a.Time(), e.LastSeen, "registration sighting is activity")
}

func TestLoad_SnapshotIndexSurvivesRacingRegistration(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	b := f.identity("bob", epoch)
	f.register(a)
	f.register(b)
	f.overwrite(identity.Member{Identity: a, FeedIndex: 1}, identity.Member{Identity: b, FeedIndex: 2})
	f.writeMessages(a.Address, 6)
	f.writeMessages(b.Address, 6)

	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))
	assert.Equal(t, map[string]int64{a.Address: 1, b.Address: 2}, indices(r.Members()))
}

func TestLoad_MatchesIncrementalPoll(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	b := f.identity("bob", epoch.Add(time.Second))
	c := f.identity("carol", epoch.Add(2*time.Second))
	d := f.identity("dave", epoch.Add(3*time.Second))
	f.writeMessages(a.Address, 4)
	f.writeMessages(b.Address, 2)
	f.writeMessages(c.Address, 3)
	f.writeMessages(d.Address, 5)

	poller := f.reconciler()
	require.NoError(t, poller.Load(f.ctx))

	commits := []func(){
		func() { f.register(a) },
		func() { f.register(b) },
		func() {
			f.overwrite(identity.Member{Identity: a, FeedIndex: 2}, identity.Member{Identity: b, FeedIndex: 1})
		},
		func() { f.register(c) },
		func() { f.register(d) },
		func() { f.register(b) },
		func() {
			f.overwrite(
				identity.Member{Identity: a, FeedIndex: 3},
				identity.Member{Identity: b, FeedIndex: 1},
				identity.Member{Identity: c, FeedIndex: 0},
			)
		},
		func() { f.register(c) },
		func() { f.register(d) },
	}
	for i, commit := range commits {
		commit()
		require.NoError(t, poller.Poll(f.ctx))

		fresh := f.reconciler()
		require.NoError(t, fresh.Load(f.ctx))

		// Poll leaves new registrants unresolved; the reader resolves them
		// to the same position Load does.
		polled := poller.Members()
		for j := range polled {
			if polled[j].FeedIndex == identity.UnknownIndex {
				next, err := ResolveFeedIndex(f.ctx, f.backend, 0, feed.UserStream(topic, polled[j].Address))
				require.NoError(t, err)
				polled[j].FeedIndex = int64(next)
			}
		}
		assert.Equal(t, byAddress(fresh.Members()), byAddress(polled), "after commit %d", i)
		assert.Equal(t, fresh.LogNext(), poller.LogNext(), "after commit %d", i)
		assert.ElementsMatch(t, addressesOf(fresh.Pending()), addressesOf(poller.Pending()), "after commit %d", i)
	}
}

func byAddress(members []identity.Member) map[string]identity.Member {
	out := make(map[string]identity.Member, len(members))
	for _, m := range members {
		out[m.Address] = m
	}
	return out
}

func addressesOf(members []identity.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Address)
	}
	return out
}

func TestLoad_TailAfterOverwriteHonorsFreshness(t *testing.T) {
	f := newFixture(t)
	old := f.identity("old", epoch.Add(-2*time.Hour))
	racer := f.identity("racer", epoch.Add(-30*time.Second))
	a := f.identity("alice", epoch)
	f.register(old)
	f.register(racer)
	f.overwrite(identity.Member{Identity: a, FeedIndex: 0})

	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))

	got := indices(r.Members())
	assert.Len(t, got, 2)
	assert.Contains(t, got, a.Address)
	assert.Contains(t, got, racer.Address)
	assert.NotContains(t, got, old.Address)
}

func TestLoad_EmptyLog(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))
	assert.Empty(t, r.Members())
	assert.Equal(t, uint64(0), r.LogNext())
	assert.True(t, r.Loaded())
}

func TestLoad_SkipsInvalidRecords(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	forged := f.identity("mallory", epoch)
	forged.Name = "admin"

	f.register(a)
	f.appendRaw([]byte("not a commit"))
	f.register(forged)

	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))
	assert.Equal(t, map[string]int64{a.Address: 0}, indices(r.Members()))
}

func TestLoad_PublishesLoadingTransitions(t *testing.T) {
	f := newFixture(t)
	var states []bool
	f.bus.Subscribe(event.TypeLoadingChanged, func(e event.Event) {
		states = append(states, e.(event.LoadingChangedEvent).Loading)
	})
	require.NoError(t, f.reconciler().Load(f.ctx))
	assert.Equal(t, []bool{true, false}, states)
}

func TestPoll_RegistrationThenOverwrite(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	b := f.identity("bob", epoch)
	f.overwrite(identity.Member{Identity: a, FeedIndex: 3}, identity.Member{Identity: b, FeedIndex: 1})

	var kinds []string
	r := New(f.backend, identity.Ed25519Verifier{}, f.table,
		Config{Topic: topic, Retry: feed.Retry{Attempts: 1}},
		WithBus(f.bus), WithCommitHook(func(k string) { kinds = append(kinds, k) }))
	require.NoError(t, r.Load(f.ctx))

	var registered []string
	f.bus.Subscribe(event.TypeMemberRegistered, func(e event.Event) {
		registered = append(registered, e.(event.MemberRegisteredEvent).Address)
	})

	c := f.identity("carol", epoch.Add(time.Minute))
	f.register(c)
	require.NoError(t, r.Poll(f.ctx))

	assert.Equal(t, map[string]int64{a.Address: 3, b.Address: 1, c.Address: identity.UnknownIndex}, indices(r.Members()))
	require.Len(t, r.Pending(), 1)
	assert.Equal(t, c.Address, r.Pending()[0].Address)
	assert.Equal(t, []string{c.Address}, registered)

	// A snapshot written without carol still keeps her: she is pending.
	f.overwrite(identity.Member{Identity: a, FeedIndex: 4})
	require.NoError(t, r.Poll(f.ctx))

	got := indices(r.Members())
	assert.Len(t, got, 2)
	assert.Equal(t, int64(4), got[a.Address])
	assert.Contains(t, got, c.Address)
	assert.Empty(t, r.Pending())
	assert.Equal(t, uint64(3), r.LogNext())
	assert.Equal(t, []string{"registration", "overwrite"}, kinds)
}

func TestPoll_KeepsHigherLocalIndex(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	f.overwrite(identity.Member{Identity: a, FeedIndex: 1})

	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))
	require.True(t, r.AdvanceFeedIndex(a.Address, 5))

	f.overwrite(identity.Member{Identity: a, FeedIndex: 2})
	require.NoError(t, r.Poll(f.ctx))
	m, ok := r.Member(a.Address)
	require.True(t, ok)
	assert.Equal(t, int64(5), m.FeedIndex)
}

func TestPoll_NothingNew(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))
	require.NoError(t, r.Poll(f.ctx))
	assert.Empty(t, r.Members())
}

func TestAdvanceFeedIndex(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	f.overwrite(identity.Member{Identity: a, FeedIndex: 3})
	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))

	assert.False(t, r.AdvanceFeedIndex(a.Address, 2), "never moves backwards")
	assert.False(t, r.AdvanceFeedIndex(a.Address, 3))
	assert.True(t, r.AdvanceFeedIndex(a.Address, 4))
	assert.False(t, r.AdvanceFeedIndex("untracked", 9))

	m, _ := r.Member(a.Address)
	assert.Equal(t, int64(4), m.FeedIndex)
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.backend.Fault = func(op string, _ feed.StreamID, _ uint64) error {
		if op == "latest" {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	}

	r := f.reconciler()
	done := make(chan error, 1)
	go func() { done <- r.Load(f.ctx) }()
	<-entered

	assert.True(t, r.Loading())
	assert.ErrorIs(t, r.Poll(f.ctx), ErrStillLoading)
	assert.ErrorIs(t, r.Load(f.ctx), ErrStillLoading)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, r.Loading())
	require.NoError(t, r.Poll(f.ctx))
}

func TestRegister_SeenByPoll(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))

	a := f.identity("alice", epoch)
	require.NoError(t, r.Register(f.ctx, a))
	require.NoError(t, r.Poll(f.ctx))

	_, ok := r.Member(a.Address)
	assert.True(t, ok)
}

func TestDecodeCommit_KeepsValidUsers(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	data := []byte(`{"users":[{"key":"` + a.Key + `","name":"alice","timestamp":` +
		"1700000000000" + `,"signature":"` + a.Signature + `"},{"name":"ghost"}],"overwrite":false}`)

	c, err := DecodeCommit(data, identity.Ed25519Verifier{})
	require.NoError(t, err)
	require.Len(t, c.Users, 1)
	assert.Equal(t, a.Address, c.Users[0].Address)
	assert.Error(t, c.Rejected)

	_, err = DecodeCommit([]byte("{"), identity.Ed25519Verifier{})
	assert.ErrorIs(t, err, ErrMalformedCommit)
}

func (f *fixture) maintainer(r *Reconciler, self string) *Maintainer {
	return NewMaintainer(r, MaintainConfig{Self: self, IdleWindow: time.Hour})
}

func TestMaintain_WinnerDropsIdleMembers(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	b := f.identity("bob", epoch.Add(-2*time.Hour))
	f.register(b)
	f.register(a)

	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))
	require.Len(t, r.Members(), 2)

	m := f.maintainer(r, a.Address)
	out, err := m.Maintain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Address, out.Writer)
	assert.Equal(t, "idle", out.Reason)
	assert.True(t, out.Wrote)
	assert.Equal(t, uint64(2), out.Index)
	assert.Equal(t, 3, f.backend.Len(feed.MembershipStream(topic)))
	assert.Equal(t, map[string]int64{a.Address: 0}, indices(r.Members()))

	out, err = m.Maintain(f.ctx)
	require.NoError(t, err)
	assert.False(t, out.Wrote, "log is already compact")

	// A fresh peer derives the same view from the log.
	other := f.reconciler()
	require.NoError(t, other.Load(f.ctx))
	assert.Equal(t, indices(r.Members()), indices(other.Members()))
}

func TestMaintain_NotElected(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	f.register(a)
	f.register(a)
	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))

	out, err := f.maintainer(r, "someone-else").Maintain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Address, out.Writer)
	assert.False(t, out.Wrote)
	assert.Equal(t, 2, f.backend.Len(feed.MembershipStream(topic)))
}

func TestMaintain_CompactsDuplicates(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	f.register(a)
	f.register(a)
	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))

	out, err := f.maintainer(r, a.Address).Maintain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "duplicates", out.Reason)
	assert.True(t, out.Wrote)
}

func TestMaintain_ConcurrentWritersOneWins(t *testing.T) {
	f := newFixture(t)
	a := f.identity("alice", epoch)
	f.register(a)
	f.register(a)

	r1, r2 := f.reconciler(), f.reconciler()
	require.NoError(t, r1.Load(f.ctx))
	require.NoError(t, r2.Load(f.ctx))
	// Different views produce different snapshots.
	require.True(t, r2.AdvanceFeedIndex(a.Address, 7))

	out1, err := f.maintainer(r1, a.Address).Maintain(f.ctx)
	require.NoError(t, err)
	out2, err := f.maintainer(r2, a.Address).Maintain(f.ctx)
	require.NoError(t, err)

	assert.True(t, out1.Wrote)
	assert.False(t, out2.Wrote)
	assert.True(t, out2.LostRace)
	assert.Equal(t, 3, f.backend.Len(feed.MembershipStream(topic)))

	require.NoError(t, r2.Poll(f.ctx))
	assert.Equal(t, uint64(3), r2.LogNext())
	assert.Len(t, r2.Members(), 1)
	m, _ := r2.Member(a.Address)
	assert.Equal(t, int64(7), m.FeedIndex, "local progress survives the winner's snapshot")
}

func TestMaintain_EmptyActiveSet(t *testing.T) {
	f := newFixture(t)
	r := f.reconciler()
	require.NoError(t, r.Load(f.ctx))
	_, err := f.maintainer(r, "x").Maintain(f.ctx)
	assert.True(t, errors.Is(err, election.ErrNoCandidates))
}
