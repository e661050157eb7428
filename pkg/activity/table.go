// Package activity tracks when each address was last seen and how many reads
// of its feed have failed in a row. Entries are never expired; staleness is
// judged at query time against an idle window.
package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ryandielhenn/zephyrchat/pkg/identity"
)

// Entry is the activity record of one address.
type Entry struct {
	LastSeen                time.Time `json:"last_seen"`
	ConsecutiveReadFailures int       `json:"consecutive_read_failures"`
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	clk     clock.Clock
	entries map[string]*Entry
}

func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{clk: clk, entries: make(map[string]*Entry)}
}

// RecordActivity marks address as seen at ts and clears its failure count.
// An older ts never moves LastSeen backwards, and a ts in the future is
// recorded as now.
func (t *Table) RecordActivity(address string, ts time.Time) {
	if now := t.clk.Now(); ts.After(now) {
		ts = now
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[address]
	if !ok {
		t.entries[address] = &Entry{LastSeen: ts}
		return
	}
	if ts.After(e.LastSeen) {
		e.LastSeen = ts
	}
	e.ConsecutiveReadFailures = 0
}

// RecordFailure counts a failed read. Unknown addresses are not tracked.
func (t *Table) RecordFailure(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[address]; ok {
		e.ConsecutiveReadFailures++
	}
}

// Get returns a copy of the entry for address.
func (t *Table) Get(address string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[address]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot copies the whole table.
func (t *Table) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Entry, len(t.entries))
	for k, e := range t.entries {
		out[k] = *e
	}
	return out
}

// ActiveMembers keeps the members of all seen within idle, most recent
// first, at most limit of them (limit <= 0 means no limit). A member with no
// entry yet counts as seen now.
func (t *Table) ActiveMembers(all []identity.Member, idle time.Duration, limit int) []identity.Member {
	now := t.clk.Now()

	type ranked struct {
		m    identity.Member
		seen time.Time
	}
	t.mu.RLock()
	kept := make([]ranked, 0, len(all))
	for _, m := range all {
		seen := now
		if e, ok := t.entries[m.Address]; ok {
			seen = e.LastSeen
		}
		if now.Sub(seen) < idle {
			kept = append(kept, ranked{m: m, seen: seen})
		}
	}
	t.mu.RUnlock()

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].seen.After(kept[j].seen) })
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	out := make([]identity.Member, len(kept))
	for i, r := range kept {
		out[i] = r.m
	}
	return out
}
