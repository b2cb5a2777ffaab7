package settlement

import (
	"context"
	"math/big"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/internal/market"
)

// settle pays amount to receiver in paymentToken. Native transfers are a
// base-protocol balance move on the real chain and, per spec.md §6,
// essentially never fail asynchronously; settle returns at once for them,
// with no gateway call and no record made here. Non-native (FT) transfers are the one leg
// spec.md §9 calls out as genuinely fallible: on gateway failure the
// amount is parked in the claimable-balance ledger instead of being
// silently lost, exactly the "recommended addition" the spec asks for.
// Refund is settle's public counterpart, used by the RPC layer to return
// an evicted or cancelled bid's escrowed amount outside of any settlement
// job — cancel_bid and delete_market_data never enqueue a job themselves.
func (c *Coordinator) Refund(ctx context.Context, receiver market.AccountID, paymentToken market.AccountID, amount *big.Int, reason string) error {
	return c.settle(ctx, receiver, paymentToken, amount, reason)
}

func (c *Coordinator) settle(ctx context.Context, receiver market.AccountID, paymentToken market.AccountID, amount *big.Int, reason string) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}

	if paymentToken == config.NativeToken {
		return nil
	}

	if err := c.gateway.FTTransfer(ctx, paymentToken, receiver, amount); err != nil {
		c.log.Warn("ft transfer failed, parking claimable balance", "receiver", receiver, "token", paymentToken, "amount", amount.String(), "reason", reason, "error", err)
		if _, cerr := c.store.CreateClaimable(receiver, paymentToken, amount, reason, nowNs()); cerr != nil {
			return cerr
		}
		return nil
	}
	return nil
}
