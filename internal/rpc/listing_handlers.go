package rpc

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/marble-market/core/internal/market"
)

type buyParams struct {
	Buyer       string `json:"buyer"`
	NFTContract string `json:"nft_contract"`
	TokenID     string `json:"token_id"`
	Attached    string `json:"attached"`
}

// buy settles an outright or Dutch-auction purchase against an active
// listing (spec.md §4.5). The settlement coordinator enqueues the job and
// returns immediately; the caller follows the job id over the WebSocket
// feed for its outcome.
func (s *Server) buy(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p buyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	attached, ok := new(big.Int).SetString(p.Attached, 10)
	if !ok {
		return nil, precondition("attached is not a valid integer")
	}

	jobID, err := s.coordinator.Buy(ctx, p.Buyer, p.NFTContract, p.TokenID, attached, market.NowNs())
	if err != nil {
		return nil, err
	}
	return map[string]string{"job_id": jobID}, nil
}

type updateMarketDataParams struct {
	Caller       string `json:"caller"`
	NFTContract  string `json:"nft_contract"`
	TokenID      string `json:"token_id"`
	Price        string `json:"price"`
	ReservePrice string `json:"reserve_price"`
}

func (s *Server) updateMarketData(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p updateMarketDataParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return nil, precondition("price is not a valid integer")
	}
	var reserve *big.Int
	if p.ReservePrice != "" {
		reserve, ok = new(big.Int).SetString(p.ReservePrice, 10)
		if !ok {
			return nil, precondition("reserve_price is not a valid integer")
		}
	}

	listing, err := s.registry.UpdateMarketData(p.Caller, p.NFTContract, p.TokenID, price, reserve)
	if err != nil {
		return nil, err
	}
	info := listingToInfo(listing)
	s.broadcast(EventListingUpdated, info)
	return info, nil
}

type deleteMarketDataParams struct {
	Caller      string `json:"caller"`
	NFTContract string `json:"nft_contract"`
	TokenID     string `json:"token_id"`
}

func (s *Server) deleteMarketData(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p deleteMarketDataParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	listing, _ := s.registry.GetMarketData(p.NFTContract, p.TokenID)

	refundBids, err := s.registry.DeleteMarketData(p.Caller, p.NFTContract, p.TokenID)
	if err != nil {
		return nil, err
	}
	paymentToken := market.AccountID("")
	if listing != nil {
		paymentToken = listing.PaymentToken
	}
	for _, b := range refundBids {
		if rerr := s.coordinator.Refund(ctx, b.Bidder, paymentToken, b.Price, "delete_market_data"); rerr != nil {
			s.log.Error("refund on delete_market_data failed", "bidder", b.Bidder, "error", rerr)
		}
	}
	s.broadcast(EventListingDeleted, map[string]string{"nft_contract": p.NFTContract, "token_id": p.TokenID})
	return true, nil
}

type tokenKeyParams struct {
	NFTContract string `json:"nft_contract"`
	TokenID     string `json:"token_id"`
}

func (s *Server) getMarketData(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p tokenKeyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	listing, ok := s.registry.GetMarketData(p.NFTContract, p.TokenID)
	if !ok {
		return nil, nil
	}
	info := listingToInfo(listing)
	return &info, nil
}

func (s *Server) getTransactionFee(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	sched := s.registry.GetTransactionFee()
	return map[string]interface{}{
		"current_fee_bps": sched.CurrentFee,
		"next_fee_bps":    sched.NextFee,
		"start_time_sec":  sched.StartTimeSec,
	}, nil
}

func (s *Server) calculateCurrentTransactionFee(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	fee := s.registry.CalculateCurrentTransactionFee(market.ToSec(market.NowNs()))
	return map[string]interface{}{"fee_bps": fee}, nil
}

func (s *Server) calculateMarketDataTransactionFee(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p tokenKeyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	key2 := market.Key2(p.NFTContract, p.TokenID)
	fee := s.registry.FeeForListing(key2, market.ToSec(market.NowNs()))
	return map[string]interface{}{"fee_bps": fee}, nil
}

type ownerIDParams struct {
	AccountID string `json:"account_id"`
}

// getSupplyByOwnerID restores the NEAR contract's supply-by-owner view
// (SPEC_FULL.md supplement), the count of listings+offers+trade intents
// an account currently has stored, used to size storage deposits.
func (s *Server) getSupplyByOwnerID(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ownerIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.registry.SupplyByOwner(p.AccountID), nil
}

func precondition(format string, args ...interface{}) error {
	return market.NewPreconditionError(format, args...)
}
