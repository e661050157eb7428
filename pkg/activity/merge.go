package activity

import "github.com/ryandielhenn/zephyrchat/pkg/identity"

// MergeMembers keeps one entry per address: the one with the greatest
// (Timestamp, FeedIndex). Output follows the first occurrence of each address.
func MergeMembers(list []identity.Member) []identity.Member {
	pos := make(map[string]int, len(list))
	out := make([]identity.Member, 0, len(list))
	for _, m := range list {
		i, ok := pos[m.Address]
		if !ok {
			pos[m.Address] = len(out)
			out = append(out, m)
			continue
		}
		if newer(m, out[i]) {
			out[i] = m
		}
	}
	return out
}

func newer(a, b identity.Member) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.FeedIndex > b.FeedIndex
}
