package identity

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// FeeQuorum gates a fee-schedule change whose delta from the current fee
// exceeds config.FeeQuorumDeltaBasisPoints: both the owner and the
// treasury key must jointly co-sign, aggregated with MuSig2 exactly as
// the teacher aggregates swap-counterparty keys for a Taproot address.
type FeeQuorum struct {
	ownerPub    *btcec.PublicKey
	treasuryPub *btcec.PublicKey
}

// NewFeeQuorum builds a quorum from the owner and treasury public keys.
func NewFeeQuorum(ownerPub, treasuryPub *btcec.PublicKey) *FeeQuorum {
	return &FeeQuorum{ownerPub: ownerPub, treasuryPub: treasuryPub}
}

// AggregatePubKey returns the MuSig2 key aggregation of owner+treasury.
func (q *FeeQuorum) AggregatePubKey() (*btcec.PublicKey, error) {
	agg, _, _, err := musig2.AggregateKeys([]*btcec.PublicKey{q.ownerPub, q.treasuryPub}, true)
	if err != nil {
		return nil, fmt.Errorf("identity: aggregate fee quorum keys: %w", err)
	}
	return agg.FinalKey, nil
}

// VerifyAggregateSignature checks a Schnorr signature produced by the
// owner+treasury MuSig2 session against the aggregated key for payload.
func (q *FeeQuorum) VerifyAggregateSignature(payload, sig []byte) error {
	agg, err := q.AggregatePubKey()
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	ok, err := musig2.Verify(sig64(sig), digest, agg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

func sig64(sig []byte) [64]byte {
	var out [64]byte
	copy(out[:], sig)
	return out
}
