package identity

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// WithdrawKey verifies storage_withdraw proofs. It is deliberately backed
// by a different secp256k1 implementation (decred's, rather than the
// btcsuite one AdminKey uses) so that a bug in one verifier's parsing
// cannot accidentally validate a signature meant for the other role.
type WithdrawKey struct {
	pub *secp256k1.PublicKey
}

// NewWithdrawKey wraps a compressed secp256k1 public key registered for an
// account at storage_deposit time.
func NewWithdrawKey(compressedPubKey []byte) (*WithdrawKey, error) {
	pub, err := secp256k1.ParsePubKey(compressedPubKey)
	if err != nil {
		return nil, fmt.Errorf("identity: parse withdraw pubkey: %w", err)
	}
	return &WithdrawKey{pub: pub}, nil
}

// Verify checks a DER-encoded ECDSA signature over sha256(payload).
func (k *WithdrawKey) Verify(payload, derSig []byte) error {
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return fmt.Errorf("%w: parse sig: %v", ErrBadSignature, err)
	}
	digest := sha256.Sum256(payload)
	if !sig.Verify(digest[:], k.pub) {
		return ErrBadSignature
	}
	return nil
}

// SignWithdraw is used by tests and client tooling to produce a signature
// a WithdrawKey.Verify call will accept.
func SignWithdraw(priv *secp256k1.PrivateKey, payload []byte) []byte {
	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(priv, digest[:])
	return sig.Serialize()
}
