package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrBadSignature = errors.New("audit: batch signature invalid")

// Signer signs batch roots with an ed25519 key derived from a master seed
// with HKDF-SHA256, one key per key id.
type Signer struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

// NewSigner derives the signing key for keyID from masterSeed.
func NewSigner(masterSeed []byte, keyID string) (*Signer, error) {
	if len(masterSeed) < 16 {
		return nil, errors.New("audit: master seed must be at least 16 bytes")
	}
	r := hkdf.New(sha256.New, masterSeed, []byte("constbus-audit-kdf"), []byte(keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{keyID: keyID, priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Signer) KeyID() string { return s.keyID }

func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign sets the batch key id and signature.
func (s *Signer) Sign(b *Batch) {
	b.KeyID = s.keyID
	b.Signature = hex.EncodeToString(ed25519.Sign(s.priv, b.SigningPayload()))
}

// VerifyBatch checks a batch signature against pub.
func VerifyBatch(pub ed25519.PublicKey, b *Batch) error {
	sig, err := hex.DecodeString(b.Signature)
	if err != nil || !ed25519.Verify(pub, b.SigningPayload(), sig) {
		return fmt.Errorf("%w: batch %s", ErrBadSignature, b.ID)
	}
	return nil
}
