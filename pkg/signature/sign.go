package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentlane/agentlane/pkg/canonhash"
)

// Signer holds an ed25519 key pair under a named authority (key id) and
// produces sig-v1 envelopes over the canonical hash of a payload.
type Signer struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	now   func() time.Time
}

// NewSigner generates a fresh ed25519 key pair for the given authority.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Signer{keyID: keyID, priv: priv, pub: pub, now: time.Now}, nil
}

// NewSignerFromSeed derives a deterministic key pair from a 32-byte seed.
// Used when the authority's key material is provisioned via config.
func NewSignerFromSeed(keyID string, seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		keyID: keyID,
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		now:   time.Now,
	}, nil
}

// NewSignerFromSeedString hashes an arbitrary seed string down to the
// required seed size. Convenient for config-provisioned authorities.
func NewSignerFromSeedString(keyID, seed string) (*Signer, error) {
	if strings.TrimSpace(seed) == "" {
		return nil, errors.New("signing seed is required")
	}
	sum := sha256.Sum256([]byte(seed))
	return NewSignerFromSeed(keyID, sum[:])
}

// KeyID returns the signing authority identifier.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKeyB64 returns the base64 std-encoded public key.
func (s *Signer) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Sign canonicalizes payload, hashes it, and signs the hash.
func (s *Signer) Sign(payload any) (Envelope, error) {
	prefixed, _, err := canonhash.SumObject(payload)
	if err != nil {
		return Envelope{}, err
	}
	hashHex := strings.TrimPrefix(prefixed, "sha256:")
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		return Envelope{}, err
	}
	sig := ed25519.Sign(s.priv, hashBytes)
	return Envelope{
		Version:     "sig-v1",
		Algorithm:   "ed25519",
		PublicKey:   s.PublicKeyB64(),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: hashHex,
		IssuedAt:    s.now().UTC().Format(time.RFC3339Nano),
		KeyID:       s.keyID,
		Context:     "governance-proof",
	}, nil
}
