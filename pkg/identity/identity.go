// Package identity holds the signed records peers use to announce themselves:
// an Identity attests (name, key, timestamp) under the key's signature, and a
// Member pairs an Identity with the next position to read on its feed.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UnknownIndex marks a Member whose feed position must be resolved by
// asking the backend for the latest written entry.
const UnknownIndex int64 = -1

var ErrInvalidSignature = errors.New("identity: signature does not verify")

// Identity is immutable once signed.
type Identity struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Signature string `json:"signature"`

	// Address is derived from Key and never serialized.
	Address string `json:"-"`
}

// Time returns the registration time.
func (i Identity) Time() time.Time {
	return time.UnixMilli(i.Timestamp)
}

// Member is an Identity plus the next index to read on its personal feed.
type Member struct {
	Identity
	FeedIndex int64 `json:"index"`
}

func (m Member) String() string {
	return fmt.Sprintf("%s(%s)@%d", m.Name, m.Address, m.FeedIndex)
}

// SigningPayload is the canonical byte form covered by an identity signature.
func SigningPayload(name, key string, timestamp int64) []byte {
	b, _ := json.Marshal([]any{name, key, timestamp})
	return b
}

// New signs a fresh Identity for name at t.
func New(s Signer, name string, t time.Time) (Identity, error) {
	key := s.PublicKey()
	ts := t.UnixMilli()
	sig, err := s.Sign(SigningPayload(name, key, ts))
	if err != nil {
		return Identity{}, fmt.Errorf("identity: sign: %w", err)
	}
	addr, err := DeriveAddress(key)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Key:       key,
		Name:      name,
		Timestamp: ts,
		Signature: encodeSig(sig),
		Address:   addr,
	}, nil
}

// Verify checks the signature against the key and fills in Address.
func (i *Identity) Verify(v Verifier) error {
	sig, err := decodeSig(i.Signature)
	if err != nil {
		return &ValidationError{Field: "signature", Reason: "not base58"}
	}
	if !v.Verify(i.Key, SigningPayload(i.Name, i.Key, i.Timestamp), sig) {
		return ErrInvalidSignature
	}
	addr, err := DeriveAddress(i.Key)
	if err != nil {
		return err
	}
	i.Address = addr
	return nil
}
