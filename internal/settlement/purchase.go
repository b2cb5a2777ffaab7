package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/internal/extcall"
	"github.com/marble-market/core/internal/market"
	"github.com/marble-market/core/internal/storage"
	"github.com/marble-market/core/pkg/helpers"
)

// purchasePayload is a purchase settlement job's persisted state.
type purchasePayload struct {
	Key2         string           `json:"key2"`
	Buyer        market.AccountID `json:"buyer"`
	Seller       market.AccountID `json:"seller"`
	NFTContract  market.AccountID `json:"nft_contract"`
	TokenID      market.TokenID   `json:"token_id"`
	ApprovalID   uint64           `json:"approval_id"`
	Price        string           `json:"price"`
	PaymentToken market.AccountID `json:"payment_token"`
	FeeBps       market.BasisPoints `json:"fee_bps"`
}

// Buy implements buy's settlement half (spec.md §4.8.1): it
// resolves the current price (Dutch-decayed, if applicable), validates
// the attached deposit, atomically takes the listing, and enqueues the
// durable job that drives nft_transfer_payout and the payout fan-out.
// An English auction settles only via AcceptBid, never Buy.
func (c *Coordinator) Buy(ctx context.Context, buyer market.AccountID, nftContract market.AccountID, tokenID market.TokenID, attached *big.Int, nowNs int64) (string, error) {
	l, ok := c.registry.GetMarketData(nftContract, tokenID)
	if !ok {
		return "", fmt.Errorf("settlement: no listing for %s", market.Key2(nftContract, tokenID))
	}
	if l.IsAuction && !l.IsDutch() {
		return "", fmt.Errorf("settlement: %s is an english auction, settle via accept_bid", l.Key2())
	}

	price := new(big.Int).Set(l.StartPrice)
	if l.IsDutch() {
		price = market.DutchPrice(l, nowNs)
	}
	if helpers.MoneyLess(attached, price) {
		return "", fmt.Errorf("settlement: attached deposit %s is below the current price %s", attached.String(), price.String())
	}

	taken, ok := c.registry.Take(nftContract, tokenID)
	if !ok {
		return "", fmt.Errorf("settlement: listing %s was settled concurrently", market.Key2(nftContract, tokenID))
	}

	feeBps := c.registry.FeeForListing(taken.Key2(), market.ToSec(nowNs))

	return c.enqueuePurchase(ctx, purchasePayload{
		Key2:         taken.Key2(),
		Buyer:        buyer,
		Seller:       taken.Owner,
		NFTContract:  nftContract,
		TokenID:      tokenID,
		ApprovalID:   taken.ApprovalID,
		Price:        price.String(),
		PaymentToken: taken.PaymentToken,
		FeeBps:       feeBps,
	}, nowNs)
}

// AcceptBid is AcceptBid's settlement half: the seller, contract owner, or
// top bidder closes an English auction early (or it is closed out at its
// end time by the gossip/timer surface), settling at the winning bid's
// price.
func (c *Coordinator) AcceptBid(ctx context.Context, caller market.AccountID, nftContract market.AccountID, tokenID market.TokenID, nowNs int64) (string, error) {
	winning, listing, _, err := c.registry.AcceptBid(caller, nftContract, tokenID, nowNs)
	if err != nil {
		return "", err
	}

	feeBps := c.registry.FeeForListing(listing.Key2(), market.ToSec(nowNs))

	return c.enqueuePurchase(ctx, purchasePayload{
		Key2:         listing.Key2(),
		Buyer:        winning.Bidder,
		Seller:       listing.Owner,
		NFTContract:  nftContract,
		TokenID:      tokenID,
		ApprovalID:   listing.ApprovalID,
		Price:        winning.Price.String(),
		PaymentToken: listing.PaymentToken,
		FeeBps:       feeBps,
	}, nowNs)
}

func (c *Coordinator) enqueuePurchase(ctx context.Context, p purchasePayload, nowNs int64) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal purchase payload: %w", err)
	}

	job, err := c.store.EnqueueSettlementJob(string(KindPurchase), string(raw), nowNs)
	if err != nil {
		return "", err
	}

	price, _ := new(big.Int).SetString(p.Price, 10)
	c.mu.Lock()
	c.trackActive(&ActiveSettlement{
		JobID:       job.ID,
		Kind:        KindPurchase,
		Key:         p.Key2,
		Buyer:       p.Buyer,
		Seller:      p.Seller,
		NFTContract: p.NFTContract,
		TokenID:     p.TokenID,
		Price:       price,
		StartedAt:   time.Now(),
	})
	c.emitEvent(Event{Kind: KindPurchase, Key: p.Key2, EventType: "enqueued", At: time.Now()})
	c.mu.Unlock()

	// Attempt settlement immediately rather than waiting for the next
	// dispatcher tick; a failure here just falls back to the background
	// retry loop.
	if err := c.executeJob(ctx, job); err != nil {
		c.log.Debug("purchase settlement deferred to retry loop", "key", p.Key2, "error", err)
	}
	return job.ID, nil
}

// executePurchaseJob drives one attempt of resolve_purchase: request the
// NFT contract's payout, validate it, pay every receiver (deducting and
// routing the treasury fee through the seller's own entry), clear the
// seller's stale trade intent, and emit the outcome. A malformed payout
// is a terminal business failure (refund and stop, not retry); a gateway
// error is transient and bubbles up for the dispatcher to reschedule.
func (c *Coordinator) executePurchaseJob(ctx context.Context, job *storage.SettlementJob) error {
	var p purchasePayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("settlement: decode purchase payload: %w", err)
	}
	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return fmt.Errorf("settlement: invalid price %q in purchase payload", p.Price)
	}

	payout, err := c.gateway.NFTTransferPayout(ctx, p.NFTContract, p.Buyer, p.TokenID, p.ApprovalID, price, config.MaxPayoutEntries)
	if err != nil {
		if errors.Is(err, extcall.ErrBadPayout) {
			return c.failPurchase(ctx, job.ID, p, price, "resolve_purchase_fail: "+err.Error())
		}
		return err
	}
	if err := extcall.ValidatePayout(payout, price, config.MaxPayoutEntries, big.NewInt(config.PayoutTolerance)); err != nil {
		return c.failPurchase(ctx, job.ID, p, price, "resolve_purchase_fail: "+err.Error())
	}

	fee := helpers.BasisPointsOf(price, p.FeeBps)
	_ = c.registry.ConsumeFeeSnapshot(p.Key2)

	for receiver, amount := range payout {
		pay := amount
		if receiver == p.Seller && fee.Sign() > 0 {
			pay = helpers.MoneySub(amount, fee)
			if err := c.settle(ctx, c.registry.Treasury(), p.PaymentToken, fee, "resolve_purchase treasury fee "+p.Key2); err != nil {
				return err
			}
		}
		if err := c.settle(ctx, receiver, p.PaymentToken, pay, "resolve_purchase payout "+p.Key2); err != nil {
			return err
		}
	}

	_ = c.registry.ClearSellerTradeIntent(p.NFTContract, p.Seller, p.TokenID)

	c.mu.Lock()
	c.untrackActive(job.ID)
	c.emitEvent(Event{Kind: KindPurchase, Key: p.Key2, EventType: "succeeded", Data: p, At: time.Now()})
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) failPurchase(ctx context.Context, jobID string, p purchasePayload, price *big.Int, reason string) error {
	if err := c.settle(ctx, p.Buyer, p.PaymentToken, price, reason); err != nil {
		return err
	}
	c.mu.Lock()
	c.untrackActive(jobID)
	c.emitEvent(Event{Kind: KindPurchase, Key: p.Key2, EventType: "failed", Data: reason, At: time.Now()})
	c.mu.Unlock()
	return nil
}
