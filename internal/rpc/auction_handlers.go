package rpc

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/marble-market/core/internal/market"
)

type addBidParams struct {
	Bidder      string `json:"bidder"`
	NFTContract string `json:"nft_contract"`
	TokenID     string `json:"token_id"`
	Price       string `json:"price"`
}

// addBid places a standing bid against an English auction. If it evicts
// the book's oldest bid, the evicted bidder's escrow is refunded before
// responding, matching the teacher's pattern of settling side-effects
// synchronously with the RPC call that caused them.
func (s *Server) addBid(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p addBidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return nil, precondition("price is not a valid integer")
	}

	evicted, err := s.registry.AddBid(p.Bidder, p.NFTContract, p.TokenID, price, market.NowNs())
	if err != nil {
		return nil, err
	}

	if evicted != nil {
		listing, _ := s.registry.GetMarketData(p.NFTContract, p.TokenID)
		paymentToken := market.AccountID("")
		if listing != nil {
			paymentToken = listing.PaymentToken
		}
		if rerr := s.coordinator.Refund(ctx, evicted.Bidder, paymentToken, evicted.Price, "add_bid_eviction"); rerr != nil {
			s.log.Error("refund on bid eviction failed", "bidder", evicted.Bidder, "error", rerr)
		}
	}

	s.broadcast(EventBidAdded, map[string]string{
		"nft_contract": p.NFTContract,
		"token_id":     p.TokenID,
		"bidder":       p.Bidder,
		"price":        price.String(),
	})
	return true, nil
}

type cancelBidParams struct {
	Bidder      string `json:"bidder"`
	NFTContract string `json:"nft_contract"`
	TokenID     string `json:"token_id"`
}

// cancelBid withdraws the caller's own standing bid and refunds its
// escrow; only the non-top bid may be withdrawn (market.CancelBid
// enforces this).
func (s *Server) cancelBid(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p cancelBidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	listing, _ := s.registry.GetMarketData(p.NFTContract, p.TokenID)
	refund, err := s.registry.CancelBid(p.Bidder, p.NFTContract, p.TokenID)
	if err != nil {
		return nil, err
	}
	paymentToken := market.AccountID("")
	if listing != nil {
		paymentToken = listing.PaymentToken
	}
	if err := s.coordinator.Refund(ctx, p.Bidder, paymentToken, refund, "cancel_bid"); err != nil {
		s.log.Error("refund on cancel_bid failed", "bidder", p.Bidder, "error", err)
	}

	s.broadcast(EventBidCancelled, map[string]string{
		"nft_contract": p.NFTContract,
		"token_id":     p.TokenID,
		"bidder":       p.Bidder,
	})
	return true, nil
}

type acceptBidParams struct {
	Caller      string `json:"caller"`
	NFTContract string `json:"nft_contract"`
	TokenID     string `json:"token_id"`
}

// acceptBid lets the seller, contract owner, or top bidder close an
// English auction early at the current top bid, enqueuing the same kind of
// purchase settlement job that internal/settlement's timeout sweep
// enqueues for an expired auction (the sweep goes through
// FinalizeExpiredAuction, not Coordinator.AcceptBid).
func (s *Server) acceptBid(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p acceptBidParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	jobID, err := s.coordinator.AcceptBid(ctx, p.Caller, p.NFTContract, p.TokenID, market.NowNs())
	if err != nil {
		return nil, err
	}
	return map[string]string{"job_id": jobID}, nil
}
