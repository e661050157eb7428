package membership

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/election"
	"github.com/ryandielhenn/zephyrchat/pkg/feed"
	"github.com/ryandielhenn/zephyrchat/pkg/identity"
)

// DefaultCompactAfter is how many registrations may pile up after the last
// overwrite before the elected writer compacts the log.
const DefaultCompactAfter = 16

type MaintainConfig struct {
	Self         string
	IdleWindow   time.Duration
	MemberLimit  int
	Fraction     float64
	CompactAfter int
	Hasher       election.Hasher
}

// Outcome describes one maintenance round.
type Outcome struct {
	Active   int    `json:"active"`
	Writer   string `json:"writer"`
	Reason   string `json:"reason,omitempty"`
	Wrote    bool   `json:"wrote"`
	Index    uint64 `json:"index,omitempty"`
	LostRace bool   `json:"lost_race,omitempty"`
}

// Maintainer elects the maintenance writer each round and, when this peer
// wins and the log needs it, appends an overwrite commit.
type Maintainer struct {
	r   *Reconciler
	cfg MaintainConfig
	log *zap.Logger
}

func NewMaintainer(r *Reconciler, cfg MaintainConfig) *Maintainer {
	if cfg.Fraction <= 0 {
		cfg.Fraction = election.DefaultFraction
	}
	if cfg.CompactAfter <= 0 {
		cfg.CompactAfter = DefaultCompactAfter
	}
	if cfg.Hasher == nil {
		cfg.Hasher = election.FNV32a
	}
	return &Maintainer{r: r, cfg: cfg, log: r.log.Named("maintain")}
}

// Active returns the tracked members seen within the idle window, most
// recent first, capped at the member limit.
func (m *Maintainer) Active() []identity.Member {
	return m.r.table.ActiveMembers(m.r.Members(), m.cfg.IdleWindow, m.cfg.MemberLimit)
}

// Maintain runs one round. An empty active set yields election.ErrNoCandidates.
func (m *Maintainer) Maintain(ctx context.Context) (Outcome, error) {
	active := m.Active()
	addrs := make([]string, len(active))
	for i, a := range active {
		addrs[i] = a.Address
	}
	out := Outcome{Active: len(active)}

	writer, err := election.Elect(addrs, m.cfg.Fraction, m.cfg.Hasher)
	if err != nil {
		return out, err
	}
	out.Writer = writer
	if writer != m.cfg.Self {
		return out, nil
	}

	if !m.r.acquire() {
		return out, ErrStillLoading
	}
	defer m.r.release()

	m.r.mu.RLock()
	at := m.r.logNext
	out.Reason = m.reasonLocked(len(active))
	m.r.mu.RUnlock()
	if out.Reason == "" {
		return out, nil
	}

	data, err := EncodeOverwrite(active)
	if err != nil {
		return out, err
	}
	idx, err := feed.AppendIdempotent(ctx, m.r.backend, m.r.cfg.Retry, m.r.stream, data, feed.At(at))
	if feed.Classify(err) == feed.KindConflict {
		// Someone else wrote at this index; the next poll picks it up.
		out.LostRace = true
		m.log.Info("overwrite lost race", zap.Uint64("index", at))
		return out, nil
	}
	if err != nil {
		return out, err
	}

	m.r.apply(Commit{Users: active, Overwrite: true})
	m.r.mu.Lock()
	m.r.logNext = idx + 1
	m.r.mu.Unlock()

	out.Wrote, out.Index = true, idx
	m.log.Info("wrote overwrite",
		zap.Uint64("index", idx), zap.Int("members", len(active)), zap.String("reason", out.Reason))
	return out, nil
}

func (m *Maintainer) reasonLocked(active int) string {
	switch {
	case active < len(m.r.view):
		return "idle"
	case m.r.redundant > 0:
		return "duplicates"
	case m.r.sinceOverwrite > m.cfg.CompactAfter:
		return "compact"
	default:
		return ""
	}
}
