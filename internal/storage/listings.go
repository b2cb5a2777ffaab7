package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/marble-market/core/internal/market"
)

type bidRow struct {
	Bidder string `json:"bidder"`
	Price  string `json:"price"`
}

func marshalBids(bids []market.Bid) (string, error) {
	rows := make([]bidRow, len(bids))
	for i, b := range bids {
		rows[i] = bidRow{Bidder: b.Bidder, Price: b.Price.String()}
	}
	out, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("marshal bids: %w", err)
	}
	return string(out), nil
}

func unmarshalBids(data string) ([]market.Bid, error) {
	var rows []bidRow
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, fmt.Errorf("unmarshal bids: %w", err)
	}
	bids := make([]market.Bid, len(rows))
	for i, r := range rows {
		price, ok := new(big.Int).SetString(r.Price, 10)
		if !ok {
			return nil, fmt.Errorf("unmarshal bids: invalid price %q", r.Price)
		}
		bids[i] = market.Bid{Bidder: r.Bidder, Price: price}
	}
	return bids, nil
}

// PutListing upserts a listing row, implementing market.Store.
func (s *Storage) PutListing(l *market.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bidsJSON, err := marshalBids(l.Bids)
	if err != nil {
		return err
	}

	var endPrice *string
	if l.EndPrice != nil {
		v := l.EndPrice.String()
		endPrice = &v
	}

	isAuction := 0
	if l.IsAuction {
		isAuction = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO listings (
			key2, nft_contract, token_id, owner, approval_id, payment_token,
			start_price, reserve_price, is_auction, started_at, ended_at,
			end_price, bids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key2) DO UPDATE SET
			owner = excluded.owner,
			approval_id = excluded.approval_id,
			payment_token = excluded.payment_token,
			start_price = excluded.start_price,
			reserve_price = excluded.reserve_price,
			is_auction = excluded.is_auction,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			end_price = excluded.end_price,
			bids = excluded.bids
	`,
		l.Key2(), l.NFTContract, l.TokenID, l.Owner, l.ApprovalID, l.PaymentToken,
		l.StartPrice.String(), l.ReservePrice.String(), isAuction, l.StartedAt, l.EndedAt,
		endPrice, bidsJSON,
	)
	if err != nil {
		return fmt.Errorf("put listing: %w", err)
	}
	return nil
}

// DeleteListing removes a listing row.
func (s *Storage) DeleteListing(key2 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM listings WHERE key2 = ?", key2)
	if err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	return nil
}

// PutLegacyListing upserts a legacy_listings row (migrate-out, read
// through only; see market.Store's doc comment).
func (s *Storage) PutLegacyListing(l *market.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bidsJSON, err := marshalBids(l.Bids)
	if err != nil {
		return err
	}
	isAuction := 0
	if l.IsAuction {
		isAuction = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO legacy_listings (
			key2, nft_contract, token_id, owner, approval_id, payment_token,
			start_price, reserve_price, is_auction, started_at, ended_at,
			end_price, bids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key2) DO UPDATE SET owner = excluded.owner
	`,
		l.Key2(), l.NFTContract, l.TokenID, l.Owner, l.ApprovalID, l.PaymentToken,
		l.StartPrice.String(), l.ReservePrice.String(), isAuction, l.StartedAt, l.EndedAt,
		l.EndPrice, bidsJSON,
	)
	if err != nil {
		return fmt.Errorf("put legacy listing: %w", err)
	}
	return nil
}

// GetListing reads back a single listing (current map only), used by the
// registry to hydrate its in-memory state at startup.
func (s *Storage) GetListing(key2 string) (*market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanListing("listings", key2)
}

// ListListings reads every row from the listings table, used at startup
// to rebuild the registry's in-memory map.
func (s *Storage) ListListings() ([]*market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanAllListings("listings")
}

// ListLegacyListings reads every row from legacy_listings.
func (s *Storage) ListLegacyListings() ([]*market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanAllListings("legacy_listings")
}

func (s *Storage) scanListing(table, key2 string) (*market.Listing, error) {
	row := s.db.QueryRow(fmt.Sprintf(`
		SELECT nft_contract, token_id, owner, approval_id, payment_token,
			start_price, reserve_price, is_auction, started_at, ended_at,
			end_price, bids
		FROM %s WHERE key2 = ?
	`, table), key2)
	return scanListingRow(row.Scan)
}

func (s *Storage) scanAllListings(table string) ([]*market.Listing, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT nft_contract, token_id, owner, approval_id, payment_token,
			start_price, reserve_price, is_auction, started_at, ended_at,
			end_price, bids
		FROM %s
	`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []*market.Listing
	for rows.Next() {
		l, err := scanListingRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// scanListingRow shares the column layout between QueryRow.Scan and
// Rows.Scan by taking either as a function value.
func scanListingRow(scan func(dest ...interface{}) error) (*market.Listing, error) {
	var l market.Listing
	var startPrice, reservePrice string
	var endPrice sql.NullString
	var isAuction int
	var bidsJSON string
	var startedAt, endedAt sql.NullInt64

	err := scan(
		&l.NFTContract, &l.TokenID, &l.Owner, &l.ApprovalID, &l.PaymentToken,
		&startPrice, &reservePrice, &isAuction, &startedAt, &endedAt,
		&endPrice, &bidsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}

	price, ok := new(big.Int).SetString(startPrice, 10)
	if !ok {
		return nil, fmt.Errorf("scan listing: invalid start price %q", startPrice)
	}
	l.StartPrice = price

	reserve, ok := new(big.Int).SetString(reservePrice, 10)
	if !ok {
		return nil, fmt.Errorf("scan listing: invalid reserve price %q", reservePrice)
	}
	l.ReservePrice = reserve

	l.IsAuction = isAuction == 1
	if startedAt.Valid {
		l.StartedAt = &startedAt.Int64
	}
	if endedAt.Valid {
		l.EndedAt = &endedAt.Int64
	}
	if endPrice.Valid {
		v, ok := new(big.Int).SetString(endPrice.String, 10)
		if !ok {
			return nil, fmt.Errorf("scan listing: invalid end price %q", endPrice.String)
		}
		l.EndPrice = v
	}

	bids, err := unmarshalBids(bidsJSON)
	if err != nil {
		return nil, err
	}
	l.Bids = bids

	return &l, nil
}
