package storage

import (
	"database/sql"
	"fmt"
	"math/big"

	"github.com/marble-market/core/internal/market"
)

// PutOffer upserts an offer row, implementing market.Store.
func (s *Storage) PutOffer(o *market.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key3 := market.Key3(o.NFTContract, o.Buyer, o.Target())

	_, err := s.db.Exec(`
		INSERT INTO offers (key3, nft_contract, buyer, token_id, series_id, payment_token, price)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key3) DO UPDATE SET
			payment_token = excluded.payment_token,
			price = excluded.price
	`, key3, o.NFTContract, o.Buyer, o.TokenID, o.SeriesID, o.PaymentToken, o.Price.String())
	if err != nil {
		return fmt.Errorf("put offer: %w", err)
	}
	return nil
}

// DeleteOffer removes an offer row.
func (s *Storage) DeleteOffer(key3 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM offers WHERE key3 = ?", key3)
	if err != nil {
		return fmt.Errorf("delete offer: %w", err)
	}
	return nil
}

// ListOffers reads every offer row, used to rebuild the registry's
// in-memory map at startup.
func (s *Storage) ListOffers() ([]*market.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT nft_contract, buyer, token_id, series_id, payment_token, price
		FROM offers
	`)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	var out []*market.Offer
	for rows.Next() {
		var o market.Offer
		var tokenID, seriesID sql.NullString
		var price string
		if err := rows.Scan(&o.NFTContract, &o.Buyer, &tokenID, &seriesID, &o.PaymentToken, &price); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		if tokenID.Valid {
			o.TokenID = &tokenID.String
		}
		if seriesID.Valid {
			o.SeriesID = &seriesID.String
		}
		v, ok := new(big.Int).SetString(price, 10)
		if !ok {
			return nil, fmt.Errorf("scan offer: invalid price %q", price)
		}
		o.Price = v
		out = append(out, &o)
	}
	return out, rows.Err()
}
