package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marble-market/core/internal/market"
	"github.com/marble-market/core/internal/storage"
)

// barterPayload carries a two-NFT swap through its phases: escrow the
// buyer's token into the marketplace's own account, then escrow the
// seller's token, then the final simultaneous cross-transfer — or, if
// the second escrow never lands, unwind the first (spec.md §4.8.3).
type barterPayload struct {
	BuyerKey3         string           `json:"buyer_key3"`
	BuyerNFTContract  market.AccountID `json:"buyer_nft_contract"`
	Buyer             market.AccountID `json:"buyer"`
	BuyerTokenID      market.TokenID   `json:"buyer_token_id"`
	BuyerApprovalID   uint64           `json:"buyer_approval_id"`
	SellerNFTContract market.AccountID `json:"seller_nft_contract"`
	Seller            market.AccountID `json:"seller"`
	SellerTokenID     market.TokenID   `json:"seller_token_id"`
	SellerApprovalID  uint64           `json:"seller_approval_id"`
}

// AcceptTrade matches a seller's token against a buyer's standing trade
// intent and begins the two-phase barter escrow. sellerApprovalID is
// the seller's fresh NFT approval for the marketplace's escrow account.
func (c *Coordinator) AcceptTrade(ctx context.Context, buyerNFTContract market.AccountID, buyer market.AccountID, buyerTokenID market.TokenID, sellerNFTContract market.AccountID, seller market.AccountID, sellerTokenID market.TokenID, sellerApprovalID uint64, nowNs int64) (string, error) {
	intent, side, err := c.registry.AcceptTrade(buyerNFTContract, buyer, buyerTokenID, sellerNFTContract, sellerTokenID)
	if err != nil {
		return "", err
	}
	return c.enqueueBarter(ctx, intent, side, buyerNFTContract, buyer, buyerTokenID, sellerNFTContract, seller, sellerTokenID, sellerApprovalID, nowNs)
}

// AcceptTradeSeries is AcceptTrade for a side that named a whole series.
func (c *Coordinator) AcceptTradeSeries(ctx context.Context, buyerNFTContract market.AccountID, buyer market.AccountID, buyerTokenID market.TokenID, sellerNFTContract market.AccountID, sellerSeriesID string, seller market.AccountID, sellerTokenID market.TokenID, sellerApprovalID uint64, nowNs int64) (string, error) {
	intent, side, err := c.registry.AcceptTradeSeries(buyerNFTContract, buyer, buyerTokenID, sellerNFTContract, sellerSeriesID, sellerTokenID)
	if err != nil {
		return "", err
	}
	return c.enqueueBarter(ctx, intent, side, buyerNFTContract, buyer, buyerTokenID, sellerNFTContract, seller, sellerTokenID, sellerApprovalID, nowNs)
}

func (c *Coordinator) enqueueBarter(ctx context.Context, intent *market.TradeIntent, side market.SellerSide, buyerNFTContract market.AccountID, buyer market.AccountID, buyerTokenID market.TokenID, sellerNFTContract market.AccountID, seller market.AccountID, sellerTokenID market.TokenID, sellerApprovalID uint64, nowNs int64) (string, error) {
	// Clears any listing standing against either token, and any trade
	// intent the seller independently rooted at their own token —
	// both are about to move and would otherwise point at a stale
	// owner (spec.md §4.8.3: "clears both sides' trade books").
	if _, err := c.registry.DeleteMarketData(buyer, buyerNFTContract, buyerTokenID); err != nil && !market.IsKind(err, market.KindPrecondition) {
		return "", err
	}
	if _, err := c.registry.DeleteMarketData(seller, sellerNFTContract, sellerTokenID); err != nil && !market.IsKind(err, market.KindPrecondition) {
		return "", err
	}
	_ = c.registry.ClearSellerTradeIntent(sellerNFTContract, seller, sellerTokenID)

	p := barterPayload{
		BuyerKey3:         market.Key3(buyerNFTContract, buyer, buyerTokenID),
		BuyerNFTContract:  buyerNFTContract,
		Buyer:             buyer,
		BuyerTokenID:      buyerTokenID,
		BuyerApprovalID:   intent.BuyerApprovalID,
		SellerNFTContract: sellerNFTContract,
		Seller:            seller,
		SellerTokenID:     sellerTokenID,
		SellerApprovalID:  sellerApprovalID,
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal barter payload: %w", err)
	}

	job, err := c.store.EnqueueSettlementJob(string(KindBarterFirst), string(raw), nowNs)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.trackActive(&ActiveSettlement{
		JobID:       job.ID,
		Kind:        KindBarterFirst,
		Key:         p.BuyerKey3,
		Buyer:       buyer,
		Seller:      seller,
		NFTContract: buyerNFTContract,
		TokenID:     buyerTokenID,
		StartedAt:   time.Now(),
	})
	c.emitEvent(Event{Kind: KindBarterFirst, Key: p.BuyerKey3, EventType: "enqueued", At: time.Now()})
	c.mu.Unlock()

	if err := c.executeJob(ctx, job); err != nil {
		c.log.Debug("barter settlement deferred to retry loop", "key", p.BuyerKey3, "error", err)
	}
	return job.ID, nil
}

// executeBarterFirstJob escrows the buyer's token into the
// marketplace's own account (callback_first_trade). Nothing has moved
// yet on failure, so a terminal failure here needs no unwind — it just
// exhausts retries and reports.
func (c *Coordinator) executeBarterFirstJob(ctx context.Context, job *storage.SettlementJob) error {
	var p barterPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("settlement: decode barter payload: %w", err)
	}

	if err := c.gateway.NFTTransfer(ctx, p.BuyerNFTContract, c.contractAccountID, p.BuyerTokenID, p.BuyerApprovalID); err != nil {
		return err
	}

	// The buyer's leg has landed; this job's work is done. The second
	// escrow is a separate durable job so a process restart between the
	// two legs resumes at the right phase instead of re-escrowing the
	// buyer's token.
	c.advanceToBarterSecond(ctx, p, job.CreatedAt)
	return nil
}

func (c *Coordinator) advanceToBarterSecond(ctx context.Context, p barterPayload, nowNs int64) {
	raw, err := json.Marshal(p)
	if err != nil {
		c.log.Error("failed to marshal barter payload for second leg", "key", p.BuyerKey3, "error", err)
		return
	}
	next, err := c.store.EnqueueSettlementJob(string(KindBarterSecond), string(raw), nowNs)
	if err != nil {
		c.log.Error("failed to enqueue barter second leg", "key", p.BuyerKey3, "error", err)
		return
	}
	if err := c.executeJob(ctx, next); err != nil {
		c.log.Debug("barter second leg deferred to retry loop", "key", p.BuyerKey3, "error", err)
	}
}

// executeBarterSecondJob escrows the seller's token
// (callback_second_trade). On success both tokens now sit in the
// marketplace's account and the final simultaneous cross-transfer
// completes the swap. On failure the buyer's already-escrowed token
// must be returned — that is the one genuinely asynchronous rollback
// spec.md §4.8.3 calls for, so it becomes its own durable job rather
// than an inline retry of this one.
func (c *Coordinator) executeBarterSecondJob(ctx context.Context, job *storage.SettlementJob) error {
	var p barterPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("settlement: decode barter payload: %w", err)
	}

	if err := c.gateway.NFTTransfer(ctx, p.SellerNFTContract, c.contractAccountID, p.SellerTokenID, p.SellerApprovalID); err != nil {
		c.beginBarterUnwind(ctx, p, job.CreatedAt)
		return nil
	}

	if err := c.gateway.NFTTransfer(ctx, p.BuyerNFTContract, p.Seller, p.BuyerTokenID, 0); err != nil {
		return err
	}
	if err := c.gateway.NFTTransfer(ctx, p.SellerNFTContract, p.Buyer, p.SellerTokenID, 0); err != nil {
		return err
	}

	c.mu.Lock()
	c.untrackActive(job.ID)
	c.emitEvent(Event{Kind: KindBarterSecond, Key: p.BuyerKey3, EventType: "succeeded", Data: p, At: time.Now()})
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) beginBarterUnwind(ctx context.Context, p barterPayload, nowNs int64) {
	raw, err := json.Marshal(p)
	if err != nil {
		c.log.Error("failed to marshal barter payload for unwind", "key", p.BuyerKey3, "error", err)
		return
	}
	job, err := c.store.EnqueueSettlementJob(string(KindBarterUnwind), string(raw), nowNs)
	if err != nil {
		c.log.Error("failed to enqueue barter unwind", "key", p.BuyerKey3, "error", err)
		return
	}
	c.mu.Lock()
	c.emitEvent(Event{Kind: KindBarterUnwind, Key: p.BuyerKey3, EventType: "refunded", At: time.Now()})
	c.mu.Unlock()
	if err := c.executeJob(ctx, job); err != nil {
		c.log.Debug("barter unwind deferred to retry loop", "key", p.BuyerKey3, "error", err)
	}
}

// executeBarterUnwindJob returns the buyer's escrowed token — the only
// leg that actually moved before the second escrow failed.
func (c *Coordinator) executeBarterUnwindJob(ctx context.Context, job *storage.SettlementJob) error {
	var p barterPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("settlement: decode barter payload: %w", err)
	}

	if err := c.gateway.NFTTransfer(ctx, p.BuyerNFTContract, p.Buyer, p.BuyerTokenID, 0); err != nil {
		return err
	}

	c.mu.Lock()
	c.untrackActive(job.ID)
	c.emitEvent(Event{Kind: KindBarterUnwind, Key: p.BuyerKey3, EventType: "failed", At: time.Now()})
	c.mu.Unlock()
	return nil
}
