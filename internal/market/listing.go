package market

import (
	"math/big"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/pkg/helpers"
)

// CreateListingParams mirrors the fields carried on an NFT-approval
// callback with market_type="sale" (spec.md §6).
type CreateListingParams struct {
	Owner        AccountID
	ApprovalID   uint64
	NFTContract  AccountID
	TokenID      TokenID
	PaymentToken AccountID
	Price        *big.Int
	ReservePrice *big.Int
	IsAuction    bool
	StartedAt    *int64
	EndedAt      *int64
	EndPrice     *big.Int
}

// CreateListing implements spec.md §4.4: replaces any prior listing for
// the same key (refunding its bids via the returned slice), validates and
// normalizes timing/pricing, captures the fee snapshot, and propagates the
// fresh approval id to any trade intent rooted at this key.
//
// Returns the bids of a displaced prior listing (caller refunds them) and
// the new listing.
func (r *Registry) CreateListing(p CreateListingParams, nowNs int64) (displacedBids []Bid, listing *Listing, err error) {
	if helpers.MoneyLessOrEqual(config.MaxPrice, p.Price) {
		return nil, nil, precondition("price %s must be below the maximum price", p.Price.String())
	}

	reserve := p.ReservePrice
	if reserve == nil {
		reserve = new(big.Int).Set(p.Price)
	} else if reserve.Cmp(p.Price) < 0 {
		return nil, nil, precondition("reserve price %s must be >= start price %s", reserve.String(), p.Price.String())
	}

	startedAt := p.StartedAt
	if startedAt != nil && *startedAt <= nowNs {
		clamped := nowNs
		startedAt = &clamped
	}

	if p.IsAuction {
		if p.EndedAt == nil {
			return nil, nil, precondition("auctions require an end time")
		}
		if startedAt == nil {
			clamped := nowNs
			startedAt = &clamped
		}
		if p.EndPrice != nil && p.EndPrice.Cmp(p.Price) >= 0 {
			return nil, nil, precondition("dutch end price %s must be below start price %s", p.EndPrice.String(), p.Price.String())
		}
	}

	key2 := Key2(p.NFTContract, p.TokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.listings[key2]; ok {
		displacedBids = prior.Bids
		r.removeFromOwnerIndex(prior.Owner, key2)
		delete(r.listings, key2)
		_ = r.consumeFeeSnapshot(key2)
	}

	if err := r.requireStorageFunded(p.Owner); err != nil {
		return nil, nil, err
	}

	listing = &Listing{
		Owner:        p.Owner,
		ApprovalID:   p.ApprovalID,
		NFTContract:  p.NFTContract,
		TokenID:      p.TokenID,
		PaymentToken: p.PaymentToken,
		StartPrice:   p.Price,
		StartedAt:    startedAt,
		EndedAt:      p.EndedAt,
		EndPrice:     p.EndPrice,
		IsAuction:    p.IsAuction,
		ReservePrice: reserve,
	}

	r.listings[key2] = listing
	r.addToOwnerIndex(p.Owner, key2)
	if err := r.store.PutListing(listing); err != nil {
		return nil, nil, err
	}
	if err := r.captureFeeSnapshot(key2, ToSec(nowNs)); err != nil {
		return nil, nil, err
	}

	// Propagate the fresh approval id to any trade intent rooted at this
	// (nftContract, owner, tokenID), keeping its approval current across
	// relisting (spec.md §4.4, §4.7).
	tradeKey := Key3(p.NFTContract, p.Owner, p.TokenID)
	if intent, ok := r.trades[tradeKey]; ok {
		intent.BuyerApprovalID = p.ApprovalID
		_ = r.store.PutTradeIntent(intent)
	}

	return displacedBids, listing, nil
}

// GetMarketData returns the listing for (nftContract, tokenID), looking
// up the current map first and the legacy map as a fallback (§9).
func (r *Registry) GetMarketData(nftContract AccountID, tokenID TokenID) (*Listing, bool) {
	key2 := Key2(nftContract, tokenID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.listings[key2]; ok {
		return l, true
	}
	if l, ok := r.legacyListings[key2]; ok {
		clone := *l
		return &clone, true
	}
	return nil, false
}

// UpdateMarketData lets the seller adjust price and reserve price,
// preserving payment token and approval id (spec.md §4.4).
func (r *Registry) UpdateMarketData(caller AccountID, nftContract AccountID, tokenID TokenID, price, reservePrice *big.Int) (*Listing, error) {
	if helpers.MoneyLessOrEqual(config.MaxPrice, price) {
		return nil, precondition("price %s must be below the maximum price", price.String())
	}
	reserve := reservePrice
	if reserve == nil {
		reserve = new(big.Int).Set(price)
	} else if reserve.Cmp(price) < 0 {
		return nil, precondition("reserve price %s must be >= start price %s", reserve.String(), price.String())
	}

	key2 := Key2(nftContract, tokenID)
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listings[key2]
	if !ok {
		return nil, precondition("no listing for %s", key2)
	}
	if l.Owner != caller {
		return nil, sellerOnly("only the seller may update this listing")
	}

	l.StartPrice = price
	l.ReservePrice = reserve
	if err := r.store.PutListing(l); err != nil {
		return nil, err
	}
	return l, nil
}

// DeleteMarketData removes a listing (seller or contract owner only),
// returning its outstanding bids for refund.
func (r *Registry) DeleteMarketData(caller AccountID, nftContract AccountID, tokenID TokenID) ([]Bid, error) {
	key2 := Key2(nftContract, tokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listings[key2]
	if !ok {
		return nil, precondition("no listing for %s", key2)
	}
	if caller != l.Owner && caller != r.owner {
		return nil, sellerOnly("only the seller or contract owner may delete this listing")
	}

	delete(r.listings, key2)
	r.removeFromOwnerIndex(l.Owner, key2)
	_ = r.consumeFeeSnapshot(key2)
	if err := r.store.DeleteListing(key2); err != nil {
		return nil, err
	}
	return l.Bids, nil
}

// Take atomically removes and returns the listing at key2, implementing
// spec.md §5's "no locking" rule: the first caller to reach Take during a
// buy/accept_bid/delete race wins; every later caller sees ok=false.
func (r *Registry) Take(nftContract AccountID, tokenID TokenID) (*Listing, bool) {
	key2 := Key2(nftContract, tokenID)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[key2]
	if !ok {
		return nil, false
	}
	delete(r.listings, key2)
	r.removeFromOwnerIndex(l.Owner, key2)
	_ = r.store.DeleteListing(key2)
	return l, true
}
