package settlement

import (
	"context"
	"time"

	"github.com/marble-market/core/internal/market"
)

// CheckAuctionTimeouts closes out every English auction whose end time
// has passed: settling at the winning bid if one exists, or simply
// dropping the listing if it closes unbid. Grounded on the teacher's
// CheckTimeouts sweep, generalized from a refund check to an
// auction-close check — both exist to turn a time-based state
// transition that nobody may ever explicitly trigger into one the
// system eventually drives itself.
func (c *Coordinator) CheckAuctionTimeouts(ctx context.Context, nowNs int64) {
	for _, l := range c.registry.ExpiredAuctions(nowNs) {
		winning, listing, _, hasBid, err := c.registry.FinalizeExpiredAuction(l.NFTContract, l.TokenID, nowNs)
		if err != nil {
			c.log.Debug("auction timeout close skipped", "key", l.Key2(), "error", err)
			continue
		}
		if !hasBid {
			c.log.Info("auction expired with no bids", "key", listing.Key2())
			continue
		}

		feeBps := c.registry.FeeForListing(listing.Key2(), market.ToSec(nowNs))
		if _, err := c.enqueuePurchase(ctx, purchasePayload{
			Key2:         listing.Key2(),
			Buyer:        winning.Bidder,
			Seller:       listing.Owner,
			NFTContract:  listing.NFTContract,
			TokenID:      listing.TokenID,
			ApprovalID:   listing.ApprovalID,
			Price:        winning.Price.String(),
			PaymentToken: listing.PaymentToken,
			FeeBps:       feeBps,
		}, nowNs); err != nil {
			c.log.Warn("failed to enqueue expired-auction settlement", "key", listing.Key2(), "error", err)
		}
	}
}

// StartTimeoutMonitor begins a background sweep for expired auctions at
// interval, mirroring the teacher's StartTimeoutMonitor.
func (c *Coordinator) StartTimeoutMonitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.CheckAuctionTimeouts(c.ctx, nowNs())
			}
		}
	}()
}
