package solana

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// PublicKey is a 32 byte ed25519 public key identifying an on-chain account.
type PublicKey [32]byte

// PublicKeyFromBase58 parses a base58 encoded public key.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid base58 key %q: %w", s, err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("invalid key length %d for %q", len(raw), s)
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey parses a base58 key and panics on failure. Intended for
// well-known program ids baked into the binary.
func MustPublicKey(s string) PublicKey {
	pk, err := PublicKeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies raw bytes into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != len(pk) {
		return pk, fmt.Errorf("invalid key length %d", len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (p PublicKey) String() string {
	return base58.Encode(p[:])
}

func (p PublicKey) Bytes() []byte {
	return p[:]
}

func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// PrivateKey is a 64 byte ed25519 private key (seed followed by public key).
type PrivateKey ed25519.PrivateKey

// LoadPrivateKey accepts either the JSON byte-array form produced by standard
// wallet tooling ("[12,34,...]") or a base58 encoded 64 byte key.
func LoadPrivateKey(s string) (PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty signing key")
	}
	if strings.HasPrefix(s, "[") {
		var arr []byte
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return nil, fmt.Errorf("invalid json key array: %w", err)
		}
		return privateKeyFromBytes(arr)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 signing key: %w", err)
	}
	return privateKeyFromBytes(raw)
}

func privateKeyFromBytes(raw []byte) (PrivateKey, error) {
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return PrivateKey(raw), nil
	case ed25519.SeedSize:
		return PrivateKey(ed25519.NewKeyFromSeed(raw)), nil
	default:
		return nil, fmt.Errorf("invalid signing key length %d", len(raw))
	}
}

// PublicKey returns the public half of the keypair.
func (k PrivateKey) PublicKey() PublicKey {
	pub := ed25519.PrivateKey(k).Public().(ed25519.PublicKey)
	var pk PublicKey
	copy(pk[:], pub)
	return pk
}

// Sign signs the message with the keypair.
func (k PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(k), msg)
}
