// Package election picks the maintenance writer among the most recently
// active members. The choice is a pure function of the candidate addresses,
// so every peer that observes the same active set elects the same writer
// without exchanging votes.
package election

import (
	"errors"
	"hash/fnv"
	"math"
	"slices"
	"strings"
)

// DefaultFraction of the active set is eligible for election.
const DefaultFraction = 0.3

var ErrNoCandidates = errors.New("election: no active members")

type Hasher func([]byte) uint32

// FNV32a is the default Hasher.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

// Candidates returns the canonical eligible set: the first
// max(ceil(len*fraction), 1) addresses of active (which is ordered by
// recency), sorted lexicographically.
func Candidates(active []string, fraction float64) []string {
	if len(active) == 0 {
		return nil
	}
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultFraction
	}
	k := max(int(math.Ceil(float64(len(active))*fraction)), 1)
	k = min(k, len(active))
	out := slices.Clone(active[:k])
	slices.Sort(out)
	return out
}

// Elect returns the address that should write the next snapshot.
func Elect(active []string, fraction float64, h Hasher) (string, error) {
	cands := Candidates(active, fraction)
	if len(cands) == 0 {
		return "", ErrNoCandidates
	}
	if len(cands) == 1 {
		return cands[0], nil
	}
	if h == nil {
		h = FNV32a
	}
	sum := h([]byte(strings.Join(cands, "\n")))
	return cands[int(sum%uint32(len(cands)))], nil
}
