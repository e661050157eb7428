package membership

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/ryandielhenn/zephyrchat/pkg/identity"
)

// ErrMalformedCommit is returned for log entries that are not a commit at all.
var ErrMalformedCommit = errors.New("membership: malformed commit")

// Commit is one entry of the membership log. A registration carries the
// single identity that announced itself; an overwrite carries a full
// snapshot of members with their resolved feed indices.
type Commit struct {
	Users     []identity.Member
	Overwrite bool

	// Rejected holds the validation errors of users that were dropped.
	Rejected error
}

type wireCommit struct {
	Users     []json.RawMessage `json:"users"`
	Overwrite bool              `json:"overwrite"`
}

// EncodeRegistration builds the commit a peer appends to announce itself.
func EncodeRegistration(id identity.Identity) ([]byte, error) {
	return json.Marshal(struct {
		Users     []identity.Identity `json:"users"`
		Overwrite bool                `json:"overwrite"`
	}{Users: []identity.Identity{id}})
}

// EncodeOverwrite builds a snapshot commit.
func EncodeOverwrite(members []identity.Member) ([]byte, error) {
	if members == nil {
		members = []identity.Member{}
	}
	return json.Marshal(struct {
		Users     []identity.Member `json:"users"`
		Overwrite bool              `json:"overwrite"`
	}{Users: members, Overwrite: true})
}

// DecodeCommit parses a commit and validates every user in it. Invalid users
// are dropped and described in Rejected; only an undecodable envelope is an
// error.
func DecodeCommit(data []byte, v identity.Verifier) (Commit, error) {
	var w wireCommit
	if err := json.Unmarshal(data, &w); err != nil {
		return Commit{}, fmt.Errorf("%w: %v", ErrMalformedCommit, err)
	}
	c := Commit{Overwrite: w.Overwrite, Users: make([]identity.Member, 0, len(w.Users))}
	for i, raw := range w.Users {
		m, err := identity.ParseMember(raw, v, w.Overwrite)
		if err != nil {
			c.Rejected = multierr.Append(c.Rejected, fmt.Errorf("user %d: %w", i, err))
			continue
		}
		c.Users = append(c.Users, m)
	}
	return c, nil
}

// newest is the greatest identity timestamp in the commit, or 0.
func (c Commit) newest() int64 {
	var ts int64
	for _, u := range c.Users {
		ts = max(ts, u.Timestamp)
	}
	return ts
}

func (c Commit) kind() string {
	if c.Overwrite {
		return "overwrite"
	}
	return "registration"
}
