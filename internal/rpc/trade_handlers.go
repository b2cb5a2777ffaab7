package rpc

import (
	"context"
	"encoding/json"
)

type deleteTradeParams struct {
	Buyer            string `json:"buyer"`
	BuyerNFTContract string `json:"buyer_nft_contract"`
	BuyerTokenID     string `json:"buyer_token_id"`
}

// deleteTrade withdraws a buyer's standing barter intent. add_trade and
// accept_trade are never exposed as bare RPC methods — they are only
// reachable via the NFT-approval callback (spec.md §4.7), the same way
// listing creation is.
func (s *Server) deleteTrade(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p deleteTradeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.registry.DeleteTrade(p.Buyer, p.BuyerNFTContract, p.BuyerTokenID); err != nil {
		return nil, err
	}
	s.broadcast(EventTradeDeleted, map[string]string{
		"buyer_nft_contract": p.BuyerNFTContract,
		"buyer":               p.Buyer,
		"buyer_token_id":      p.BuyerTokenID,
	})
	return true, nil
}

type getTradeParams struct {
	BuyerNFTContract string `json:"buyer_nft_contract"`
	Buyer            string `json:"buyer"`
	BuyerTokenID     string `json:"buyer_token_id"`
}

func (s *Server) getTrade(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p getTradeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	intent, ok := s.registry.GetTrade(p.BuyerNFTContract, p.Buyer, p.BuyerTokenID)
	if !ok {
		return nil, nil
	}
	info := tradeIntentToInfo(intent)
	return &info, nil
}
