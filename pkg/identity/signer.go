package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// addressLen is the number of hash bytes kept in an address.
const addressLen = 20

// Signer produces signatures under one key.
type Signer interface {
	// PublicKey returns the base58 encoded public key.
	PublicKey() string
	Sign(data []byte) ([]byte, error)
}

// Verifier checks signatures for arbitrary keys.
type Verifier interface {
	Verify(key string, data, sig []byte) bool
}

// Ed25519Signer signs with an ed25519 private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  string
}

var _ Signer = (*Ed25519Signer)(nil)

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newEd25519Signer(priv), nil
}

// SignerFromSeed derives a deterministic signer from a 32-byte seed.
func SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return newEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
}

func newEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{priv: priv, pub: base58.Encode(pub)}
}

func (s *Ed25519Signer) PublicKey() string { return s.pub }

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// Ed25519Verifier verifies base58 encoded ed25519 keys.
type Ed25519Verifier struct{}

var _ Verifier = Ed25519Verifier{}

func (Ed25519Verifier) Verify(key string, data, sig []byte) bool {
	pub, err := base58.Decode(key)
	if err != nil || len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// DeriveAddress maps a base58 public key to its stable address.
func DeriveAddress(key string) (string, error) {
	pub, err := base58.Decode(key)
	if err != nil || len(pub) == 0 {
		return "", &ValidationError{Field: "key", Reason: "not base58"}
	}
	sum := blake3.Sum256(pub)
	return base58.Encode(sum[:addressLen]), nil
}

func encodeSig(sig []byte) string { return base58.Encode(sig) }

func decodeSig(s string) ([]byte, error) { return base58.Decode(s) }
