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

// offerPayload is an offer settlement job's persisted state. Offers only
// ever escrow the native payment token (enforced at AddOffer), so unlike
// purchasePayload there is no FT branch to drive.
type offerPayload struct {
	Key3         string             `json:"key3"`
	Buyer        market.AccountID   `json:"buyer"`
	Seller       market.AccountID   `json:"seller"`
	NFTContract  market.AccountID   `json:"nft_contract"`
	TokenID      market.TokenID     `json:"token_id"`
	ApprovalID   uint64             `json:"approval_id"`
	Price        string             `json:"price"`
	PaymentToken market.AccountID   `json:"payment_token"`
	FeeBps       market.BasisPoints `json:"fee_bps"`
}

// AcceptOffer settles a per-token standing offer: the live transaction
// fee applies (offers carry no fee snapshot, unlike listings), any
// active listing for the token is cleared, and the job runs the same
// nft_transfer_payout pipeline as a purchase (spec.md §4.8.1: "resolve_
// offer is analogous but applies the fee on the seller side").
func (c *Coordinator) AcceptOffer(ctx context.Context, seller market.AccountID, sellerApprovalID uint64, nftContract market.AccountID, tokenID market.TokenID, buyer market.AccountID, nowNs int64) (string, error) {
	o, err := c.registry.AcceptOffer(seller, nftContract, tokenID, buyer)
	if err != nil {
		return "", err
	}
	return c.settleAcceptedOffer(ctx, o, seller, sellerApprovalID, nftContract, tokenID, nowNs)
}

// AcceptOfferSeries settles a series-wide offer, bound to a concrete
// token the seller owns.
func (c *Coordinator) AcceptOfferSeries(ctx context.Context, seller market.AccountID, sellerApprovalID uint64, nftContract market.AccountID, seriesID string, buyer market.AccountID, tokenID market.TokenID, nowNs int64) (string, error) {
	o, err := c.registry.AcceptOfferSeries(seller, nftContract, seriesID, buyer, tokenID)
	if err != nil {
		return "", err
	}
	return c.settleAcceptedOffer(ctx, o, seller, sellerApprovalID, nftContract, tokenID, nowNs)
}

func (c *Coordinator) settleAcceptedOffer(ctx context.Context, o *market.Offer, seller market.AccountID, sellerApprovalID uint64, nftContract market.AccountID, tokenID market.TokenID, nowNs int64) (string, error) {
	if o.PaymentToken != config.NativeToken {
		return "", fmt.Errorf("settlement: offer %s does not carry the native token (ft branch reserved)", market.Key3(nftContract, o.Buyer, tokenID))
	}

	if _, err := c.registry.DeleteMarketData(seller, nftContract, tokenID); err != nil && !market.IsKind(err, market.KindPrecondition) {
		return "", err
	}

	feeBps := c.registry.CalculateCurrentTransactionFee(market.ToSec(nowNs))

	p := offerPayload{
		Key3:         market.Key3(nftContract, o.Buyer, tokenID),
		Buyer:        o.Buyer,
		Seller:       seller,
		NFTContract:  nftContract,
		TokenID:      tokenID,
		ApprovalID:   sellerApprovalID,
		Price:        o.Price.String(),
		PaymentToken: o.PaymentToken,
		FeeBps:       feeBps,
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal offer payload: %w", err)
	}

	job, err := c.store.EnqueueSettlementJob(string(KindOffer), string(raw), nowNs)
	if err != nil {
		return "", err
	}

	price, _ := new(big.Int).SetString(p.Price, 10)
	c.mu.Lock()
	c.trackActive(&ActiveSettlement{
		JobID:       job.ID,
		Kind:        KindOffer,
		Key:         p.Key3,
		Buyer:       p.Buyer,
		Seller:      p.Seller,
		NFTContract: p.NFTContract,
		TokenID:     p.TokenID,
		Price:       price,
		StartedAt:   time.Now(),
	})
	c.emitEvent(Event{Kind: KindOffer, Key: p.Key3, EventType: "enqueued", At: time.Now()})
	c.mu.Unlock()

	if err := c.executeJob(ctx, job); err != nil {
		c.log.Debug("offer settlement deferred to retry loop", "key", p.Key3, "error", err)
	}
	return job.ID, nil
}

func (c *Coordinator) executeOfferJob(ctx context.Context, job *storage.SettlementJob) error {
	var p offerPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("settlement: decode offer payload: %w", err)
	}
	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return fmt.Errorf("settlement: invalid price %q in offer payload", p.Price)
	}

	payout, err := c.gateway.NFTTransferPayout(ctx, p.NFTContract, p.Buyer, p.TokenID, p.ApprovalID, price, config.MaxPayoutEntries)
	if err != nil {
		if errors.Is(err, extcall.ErrBadPayout) {
			return c.failOffer(ctx, job.ID, p, "resolve_offer_fail: "+err.Error())
		}
		return err
	}
	if err := extcall.ValidatePayout(payout, price, config.MaxPayoutEntries, big.NewInt(config.PayoutTolerance)); err != nil {
		return c.failOffer(ctx, job.ID, p, "resolve_offer_fail: "+err.Error())
	}

	fee := helpers.BasisPointsOf(price, p.FeeBps)

	for receiver, amount := range payout {
		pay := amount
		if receiver == p.Seller && fee.Sign() > 0 {
			pay = helpers.MoneySub(amount, fee)
			if err := c.settle(ctx, c.registry.Treasury(), p.PaymentToken, fee, "resolve_offer treasury fee "+p.Key3); err != nil {
				return err
			}
		}
		if err := c.settle(ctx, receiver, p.PaymentToken, pay, "resolve_offer payout "+p.Key3); err != nil {
			return err
		}
	}

	_ = c.registry.ClearSellerTradeIntent(p.NFTContract, p.Seller, p.TokenID)

	c.mu.Lock()
	c.untrackActive(job.ID)
	c.emitEvent(Event{Kind: KindOffer, Key: p.Key3, EventType: "succeeded", Data: p, At: time.Now()})
	c.mu.Unlock()
	return nil
}

// failOffer has no counterparty funds to refund — an accepted offer
// pays the buyer's already-escrowed balance only on success, so a
// malformed payout simply unwinds to nothing moved and gets reported.
func (c *Coordinator) failOffer(ctx context.Context, jobID string, p offerPayload, reason string) error {
	c.mu.Lock()
	c.untrackActive(jobID)
	c.emitEvent(Event{Kind: KindOffer, Key: p.Key3, EventType: "failed", Data: reason, At: time.Now()})
	c.mu.Unlock()
	return nil
}
