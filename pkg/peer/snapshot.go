package peer

import (
	"github.com/ryandielhenn/zephyrchat/pkg/activity"
	"github.com/ryandielhenn/zephyrchat/pkg/identity"
	"github.com/ryandielhenn/zephyrchat/pkg/ingest"
	"github.com/ryandielhenn/zephyrchat/pkg/membership"
	"github.com/ryandielhenn/zephyrchat/pkg/taskqueue"
)

// MemberView is the diagnostic form of a Member.
type MemberView struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	FeedIndex int64  `json:"feed_index"`
}

func viewsOf(members []identity.Member) []MemberView {
	out := make([]MemberView, len(members))
	for i, m := range members {
		out[i] = MemberView{Address: m.Address, Name: m.Name, Timestamp: m.Timestamp, FeedIndex: m.FeedIndex}
	}
	return out
}

// Snapshot is a point-in-time dump of the peer's volatile state.
type Snapshot struct {
	Self           string                    `json:"self"`
	Name           string                    `json:"name"`
	Topic          string                    `json:"topic"`
	Loading        bool                      `json:"loading"`
	LogNext        uint64                    `json:"log_next"`
	Members        []MemberView              `json:"members"`
	Pending        []MemberView              `json:"pending"`
	Activity       map[string]activity.Entry `json:"activity"`
	ActiveCount    int                       `json:"active_count"`
	Concurrency    int                       `json:"concurrency"`
	PollIntervalMs int64                     `json:"poll_interval_ms"`
	LatencyAvgMs   float64                   `json:"latency_avg_ms"`
	Queue          taskqueue.Stats           `json:"queue"`
	SuccessIndex   string                    `json:"success_index"`
	Reads          ingest.Stats              `json:"reads"`
	Buffered       int                       `json:"buffered"`
	Maintenance    membership.Outcome        `json:"maintenance"`
}

func (p *Peer) Snapshot() Snapshot {
	p.mu.Lock()
	last := p.lastOutcome
	p.mu.Unlock()

	return Snapshot{
		Self:           p.self.Address,
		Name:           p.self.Name,
		Topic:          p.cfg.Topic,
		Loading:        p.members.Loading(),
		LogNext:        p.members.LogNext(),
		Members:        viewsOf(p.members.Members()),
		Pending:        viewsOf(p.members.Pending()),
		Activity:       p.table.Snapshot(),
		ActiveCount:    p.ActiveCount(),
		Concurrency:    p.queue.MaxParallel(),
		PollIntervalMs: p.rate.Interval().Milliseconds(),
		LatencyAvgMs:   p.tracker.Average(),
		Queue:          p.queue.Stats(),
		SuccessIndex:   p.index.String(),
		Reads:          p.loop.Stats(),
		Buffered:       p.buffer.Len(),
		Maintenance:    last,
	}
}
