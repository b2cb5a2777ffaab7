// Package extcall models the marketplace core's only external touchpoints:
// the NFT contract's approval/transfer/payout interface and the fungible-
// token contract's transfer/receiver interface (spec.md §6). Both are
// explicitly out of scope to implement — this package only defines the
// boundary the settlement engine calls through.
package extcall

import (
	"context"
	"errors"
	"math/big"

	"github.com/marble-market/core/internal/market"
)

// Payout is the NFT contract's authoritative distribution of sale
// proceeds among royalty recipients and the seller (spec.md §4.8.1),
// bounded to config.MaxPayoutEntries and summing to at most the sale
// price within config.PayoutTolerance.
type Payout map[market.AccountID]*big.Int

// ErrBadPayout is returned by a Gateway when the NFT contract's payout
// response is malformed: too many entries, a sum above the settlement
// price, or a sum below it by more than the configured tolerance.
var ErrBadPayout = errors.New("extcall: malformed nft payout")

// Gateway is the external-collaborator boundary the settlement engine
// drives: an NFT payout-transfer for sale/offer/trade settlement, a plain
// NFT transfer for the non-payout leg of a barter, and an FT transfer for
// non-native payment tokens.
type Gateway interface {
	// NFTTransferPayout calls nft_transfer_payout on nftContract, chaining
	// the resulting payout map back to the caller (spec.md §4.8.1). The
	// call carries attached deposit 1 and a fixed gas budget on the
	// originating chain; this interface hides that mechanics.
	NFTTransferPayout(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64, balance *big.Int, maxLenPayout int) (Payout, error)

	// NFTTransfer calls nft_transfer on nftContract with no payout
	// response expected — used for the plain-transfer leg of a barter.
	NFTTransfer(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64) error

	// FTTransfer calls ft_transfer on ftContract, moving amount to
	// receiver. Used for non-native per-receiver payouts.
	FTTransfer(ctx context.Context, ftContract, receiver string, amount *big.Int) error
}

// ValidatePayout enforces spec.md §4.8.1's payout well-formedness rule:
// at most maxEntries receivers, summing to at most price and at least
// price minus tolerance.
func ValidatePayout(p Payout, price *big.Int, maxEntries int, tolerance *big.Int) error {
	if len(p) > maxEntries {
		return ErrBadPayout
	}
	sum := new(big.Int)
	for _, amount := range p {
		if amount == nil || amount.Sign() < 0 {
			return ErrBadPayout
		}
		sum.Add(sum, amount)
	}
	if sum.Cmp(price) > 0 {
		return ErrBadPayout
	}
	floor := new(big.Int).Sub(price, tolerance)
	if sum.Cmp(floor) < 0 {
		return ErrBadPayout
	}
	return nil
}
