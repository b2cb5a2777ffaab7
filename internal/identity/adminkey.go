// Package identity provides the signature verification the marketplace
// core uses in place of the NEAR contract's "attached 1 yoctoNEAR proves
// full-access-key possession" convention: the owner's administrative calls
// carry an explicit signature over their canonical payload, checked here
// before any state mutation. Seller calls, cancel_bid and
// delete_market_data carry no signature.
package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrBadSignature is returned when a signature fails verification.
var ErrBadSignature = errors.New("identity: signature verification failed")

// AdminKey verifies owner/treasury administrative operations
// (set_transaction_fee, set_treasury, transfer_ownership) using secp256k1
// ECDSA, mirroring how the teacher's wallet signs outbound chain
// transactions.
type AdminKey struct {
	pub *btcec.PublicKey
}

// NewAdminKey wraps a compressed secp256k1 public key (33 bytes).
func NewAdminKey(compressedPubKey []byte) (*AdminKey, error) {
	pub, err := btcec.ParsePubKey(compressedPubKey)
	if err != nil {
		return nil, fmt.Errorf("identity: parse admin pubkey: %w", err)
	}
	return &AdminKey{pub: pub}, nil
}

// CanonicalPayload builds the deterministic byte sequence an admin
// operation is signed over: "<method>|<field1>|<field2>|...".
func CanonicalPayload(method string, fields ...string) []byte {
	buf := []byte(method)
	for _, f := range fields {
		buf = append(buf, '|')
		buf = append(buf, f...)
	}
	return buf
}

// Verify checks a DER-encoded ECDSA signature over the double-SHA-256
// digest (chainhash.HashB) of payload.
func (k *AdminKey) Verify(payload, derSig []byte) error {
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return fmt.Errorf("%w: parse sig: %v", ErrBadSignature, err)
	}
	digest := chainhash.HashB(payload)
	if !sig.Verify(digest, k.pub) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces a DER-encoded signature over payload that AdminKey.Verify
// accepts; the tests use it to sign admin payloads.
func Sign(priv *btcec.PrivateKey, payload []byte) []byte {
	digest := chainhash.HashB(payload)
	sig := ecdsa.Sign(priv, digest)
	return sig.Serialize()
}

// ReceiptID derives a human-displayable, checksummed identifier for a
// settlement receipt from its canonical key, using the same Base58Check
// encoding the teacher uses for on-chain addresses.
func ReceiptID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return base58.CheckEncode(sum[:20], 0x1b)
}
