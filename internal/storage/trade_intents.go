package storage

import (
	"encoding/json"
	"fmt"

	"github.com/marble-market/core/internal/market"
)

type sellerSideRow struct {
	SellerNFTContract string  `json:"seller_nft_contract"`
	SellerTokenID     *string `json:"seller_token_id,omitempty"`
	SellerSeriesID    *string `json:"seller_series_id,omitempty"`
}

func marshalSides(sides map[string]market.SellerSide) (string, error) {
	rows := make(map[string]sellerSideRow, len(sides))
	for k, v := range sides {
		rows[k] = sellerSideRow{
			SellerNFTContract: v.SellerNFTContract,
			SellerTokenID:     v.SellerTokenID,
			SellerSeriesID:    v.SellerSeriesID,
		}
	}
	out, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("marshal trade sides: %w", err)
	}
	return string(out), nil
}

func unmarshalSides(data string) (map[string]market.SellerSide, error) {
	var rows map[string]sellerSideRow
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, fmt.Errorf("unmarshal trade sides: %w", err)
	}
	sides := make(map[string]market.SellerSide, len(rows))
	for k, v := range rows {
		sides[k] = market.SellerSide{
			SellerNFTContract: v.SellerNFTContract,
			SellerTokenID:     v.SellerTokenID,
			SellerSeriesID:    v.SellerSeriesID,
		}
	}
	return sides, nil
}

// PutTradeIntent upserts a trade-intent row, implementing market.Store.
func (s *Storage) PutTradeIntent(t *market.TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sidesJSON, err := marshalSides(t.Sides)
	if err != nil {
		return err
	}

	key3 := market.Key3(t.BuyerNFTContract, t.Buyer, t.BuyerTokenID)
	_, err = s.db.Exec(`
		INSERT INTO trade_intents (key3, buyer_nft_contract, buyer, buyer_token_id, buyer_approval_id, sides)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key3) DO UPDATE SET
			buyer_approval_id = excluded.buyer_approval_id,
			sides = excluded.sides
	`, key3, t.BuyerNFTContract, t.Buyer, t.BuyerTokenID, t.BuyerApprovalID, sidesJSON)
	if err != nil {
		return fmt.Errorf("put trade intent: %w", err)
	}
	return nil
}

// DeleteTradeIntent removes a trade-intent row.
func (s *Storage) DeleteTradeIntent(key3 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM trade_intents WHERE key3 = ?", key3)
	if err != nil {
		return fmt.Errorf("delete trade intent: %w", err)
	}
	return nil
}

// ListTradeIntents reads every trade-intent row, used to rebuild the
// registry's in-memory map at startup.
func (s *Storage) ListTradeIntents() ([]*market.TradeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT buyer_nft_contract, buyer, buyer_token_id, buyer_approval_id, sides
		FROM trade_intents
	`)
	if err != nil {
		return nil, fmt.Errorf("list trade intents: %w", err)
	}
	defer rows.Close()

	var out []*market.TradeIntent
	for rows.Next() {
		var t market.TradeIntent
		var sidesJSON string
		if err := rows.Scan(&t.BuyerNFTContract, &t.Buyer, &t.BuyerTokenID, &t.BuyerApprovalID, &sidesJSON); err != nil {
			return nil, fmt.Errorf("scan trade intent: %w", err)
		}
		sides, err := unmarshalSides(sidesJSON)
		if err != nil {
			return nil, err
		}
		t.Sides = sides
		out = append(out, &t)
	}
	return out, rows.Err()
}
