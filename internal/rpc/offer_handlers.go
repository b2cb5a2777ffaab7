package rpc

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/marble-market/core/internal/config"
)

type addOfferParams struct {
	Buyer        string  `json:"buyer"`
	NFTContract  string  `json:"nft_contract"`
	TokenID      *string `json:"token_id,omitempty"`
	SeriesID     *string `json:"series_id,omitempty"`
	PaymentToken string  `json:"payment_token"`
	Price        string  `json:"price"`
}

// addOffer places a standing offer against a token or series (spec.md
// §4.6). Offers always escrow the native token; market.AddOffer enforces
// this and rejects anything else.
func (s *Server) addOffer(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p addOfferParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return nil, precondition("price is not a valid integer")
	}
	paymentToken := p.PaymentToken
	if paymentToken == "" {
		paymentToken = config.NativeToken
	}

	offer, err := s.registry.AddOffer(p.Buyer, p.NFTContract, p.TokenID, p.SeriesID, paymentToken, price)
	if err != nil {
		return nil, err
	}
	info := offerToInfo(offer)
	s.broadcast(EventOfferAdded, info)
	return info, nil
}

type deleteOfferParams struct {
	Buyer       string `json:"buyer"`
	NFTContract string `json:"nft_contract"`
	Target      string `json:"target"`
}

func (s *Server) deleteOffer(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p deleteOfferParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.registry.DeleteOffer(p.Buyer, p.NFTContract, p.Target); err != nil {
		return nil, err
	}
	s.broadcast(EventOfferDeleted, map[string]string{
		"nft_contract": p.NFTContract,
		"buyer":        p.Buyer,
		"target":       p.Target,
	})
	return true, nil
}

type getOfferParams struct {
	NFTContract string `json:"nft_contract"`
	Buyer       string `json:"buyer"`
	Target      string `json:"target"`
}

func (s *Server) getOffer(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p getOfferParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	offer, ok := s.registry.GetOffer(p.NFTContract, p.Buyer, p.Target)
	if !ok {
		return nil, nil
	}
	info := offerToInfo(offer)
	return &info, nil
}
