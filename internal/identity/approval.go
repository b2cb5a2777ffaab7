package identity

import (
	"crypto/ed25519"
	"fmt"

	"filippo.io/edwards25519"
)

// ApprovalKey verifies the signed envelope an NFT or FT contract attaches
// to its callback into the marketplace (nft_on_approve, ft_on_transfer),
// mirroring NEAR's native Ed25519 account-key scheme.
type ApprovalKey struct {
	pub ed25519.PublicKey
}

// NewApprovalKey wraps a 32-byte Ed25519 public key registered for a
// contract account.
func NewApprovalKey(pub []byte) (*ApprovalKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: approval pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	// Reject non-canonical points early using the low-level group decode,
	// the same check a batch verifier needs before it can combine points.
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return nil, fmt.Errorf("identity: invalid approval pubkey: %w", err)
	}
	return &ApprovalKey{pub: ed25519.PublicKey(pub)}, nil
}

// Verify checks an Ed25519 signature over an approval-callback payload.
func (k *ApprovalKey) Verify(payload, sig []byte) error {
	if !ed25519.Verify(k.pub, payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// Envelope is a single queued contract-callback awaiting verification.
type Envelope struct {
	Key       *ApprovalKey
	Payload   []byte
	Signature []byte
}

// VerifyBatch verifies a slice of queued callback envelopes drained from
// the inbound queue at once, in order, short-circuiting on the first
// envelope with no key or a bad signature and returning its index (-1
// when all pass). Each envelope is checked with its key's own Verify; no
// combined batch equation is used. The edwards25519 non-canonical-point
// rejection runs once per key, in NewApprovalKey, not here.
func VerifyBatch(envelopes []Envelope) (failedIndex int, err error) {
	for i, e := range envelopes {
		if e.Key == nil {
			return i, fmt.Errorf("identity: envelope %d has no registered key", i)
		}
		if err := e.Key.Verify(e.Payload, e.Signature); err != nil {
			return i, fmt.Errorf("identity: envelope %d: %w", i, err)
		}
	}
	return -1, nil
}
