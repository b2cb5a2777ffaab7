package market

// AddTrade records that buyer is willing to give up buyerTokenID in
// exchange for one of the named seller sides, appending to any existing
// intent for this (buyerNFTContract, buyer, buyerTokenID) rather than
// replacing it — a buyer may name several acceptable counterparties for
// the same token (spec.md §4.7).
func (r *Registry) AddTrade(buyer AccountID, buyerNFTContract AccountID, buyerTokenID TokenID, buyerApprovalID uint64, side SellerSide) (*TradeIntent, error) {
	sideKey, err := sideKey(side)
	if err != nil {
		return nil, err
	}

	key3 := Key3(buyerNFTContract, buyer, buyerTokenID)
	ownerKey := OwnerTradeKey3(buyerNFTContract, buyer, buyerTokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	intent, existed := r.trades[key3]
	if !existed {
		if err := r.requireStorageFunded(buyer); err != nil {
			return nil, err
		}
		intent = &TradeIntent{
			BuyerNFTContract: buyerNFTContract,
			Buyer:            buyer,
			BuyerTokenID:     buyerTokenID,
			BuyerApprovalID:  buyerApprovalID,
			Sides:            make(map[string]SellerSide),
		}
		r.trades[key3] = intent
		r.addToOwnerIndex(buyer, ownerKey)
	}
	intent.BuyerApprovalID = buyerApprovalID
	intent.Sides[sideKey] = side

	if err := r.store.PutTradeIntent(intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// DeleteTrade withdraws buyer's entire trade intent for buyerTokenID.
func (r *Registry) DeleteTrade(buyer AccountID, buyerNFTContract AccountID, buyerTokenID TokenID) error {
	key3 := Key3(buyerNFTContract, buyer, buyerTokenID)
	ownerKey := OwnerTradeKey3(buyerNFTContract, buyer, buyerTokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	intent, ok := r.trades[key3]
	if !ok {
		return precondition("no trade intent for %s", key3)
	}
	if intent.Buyer != buyer {
		return bidderOnly("only the offering buyer may delete this trade intent")
	}

	delete(r.trades, key3)
	r.removeFromOwnerIndex(buyer, ownerKey)
	return r.store.DeleteTradeIntent(key3)
}

// GetTrade is a read-only lookup.
func (r *Registry) GetTrade(buyerNFTContract AccountID, buyer AccountID, buyerTokenID TokenID) (*TradeIntent, bool) {
	key3 := Key3(buyerNFTContract, buyer, buyerTokenID)
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.trades[key3]
	return intent, ok
}

// AcceptTrade lets a seller who owns sellerTokenID accept a buyer's trade
// intent naming that token (or its series) as an acceptable side. The
// intent is removed entirely — a barter is one-shot, not partially
// consumable — and returned along with the matched side for the
// settlement engine's two-phase escrow (spec.md §4.7, §4.8).
func (r *Registry) AcceptTrade(buyerNFTContract AccountID, buyer AccountID, buyerTokenID TokenID, sellerNFTContract AccountID, sellerTokenID TokenID) (*TradeIntent, SellerSide, error) {
	key3 := Key3(buyerNFTContract, buyer, buyerTokenID)
	ownerKey := OwnerTradeKey3(buyerNFTContract, buyer, buyerTokenID)
	direct := Key2(sellerNFTContract, sellerTokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	intent, ok := r.trades[key3]
	if !ok {
		return nil, SellerSide{}, precondition("no trade intent for %s", key3)
	}
	side, ok := intent.Sides[direct]
	if !ok || side.SellerTokenID == nil || *side.SellerTokenID != sellerTokenID {
		return nil, SellerSide{}, precondition("%s does not accept token %s as a counterparty", key3, direct)
	}

	delete(r.trades, key3)
	r.removeFromOwnerIndex(buyer, ownerKey)
	if err := r.store.DeleteTradeIntent(key3); err != nil {
		return nil, SellerSide{}, err
	}
	return intent, side, nil
}

// AcceptTradeSeries is AcceptTrade for a side that named a whole series:
// sellerTokenID must be a member of sellerSeriesID.
func (r *Registry) AcceptTradeSeries(buyerNFTContract AccountID, buyer AccountID, buyerTokenID TokenID, sellerNFTContract AccountID, sellerSeriesID string, sellerTokenID TokenID) (*TradeIntent, SellerSide, error) {
	if actual, ok := SeriesID(sellerTokenID); !ok || actual != sellerSeriesID {
		return nil, SellerSide{}, precondition("token %s is not a member of series %s", sellerTokenID, sellerSeriesID)
	}

	key3 := Key3(buyerNFTContract, buyer, buyerTokenID)
	ownerKey := OwnerTradeKey3(buyerNFTContract, buyer, buyerTokenID)
	seriesKey := Key2(sellerNFTContract, sellerSeriesID)

	r.mu.Lock()
	defer r.mu.Unlock()

	intent, ok := r.trades[key3]
	if !ok {
		return nil, SellerSide{}, precondition("no trade intent for %s", key3)
	}
	side, ok := intent.Sides[seriesKey]
	if !ok || side.SellerSeriesID == nil || *side.SellerSeriesID != sellerSeriesID {
		return nil, SellerSide{}, precondition("%s does not accept series %s as a counterparty", key3, sellerSeriesID)
	}

	delete(r.trades, key3)
	r.removeFromOwnerIndex(buyer, ownerKey)
	if err := r.store.DeleteTradeIntent(key3); err != nil {
		return nil, SellerSide{}, err
	}

	bound := side
	bound.SellerTokenID = &sellerTokenID
	return intent, bound, nil
}

// ClearSellerTradeIntent removes any trade intent rooted at (nftContract,
// seller, tokenID), regardless of caller, invoked by the settlement
// engine once a sale of that token completes (spec.md §4.8.1: "remove
// any seller-side trade intent rooted at the seller's key"). A no-op if
// none exists.
func (r *Registry) ClearSellerTradeIntent(nftContract AccountID, seller AccountID, tokenID TokenID) error {
	key3 := Key3(nftContract, seller, tokenID)
	ownerKey := OwnerTradeKey3(nftContract, seller, tokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trades[key3]; !ok {
		return nil
	}
	delete(r.trades, key3)
	r.removeFromOwnerIndex(seller, ownerKey)
	return r.store.DeleteTradeIntent(key3)
}

// sideKey returns the map key a SellerSide is stored and looked up under
// within a TradeIntent.Sides: nft||tokenOrSeries, validating exactly one
// of SellerTokenID/SellerSeriesID is set.
func sideKey(side SellerSide) (string, error) {
	if (side.SellerTokenID == nil) == (side.SellerSeriesID == nil) {
		return "", precondition("trade side must name exactly one of token id or series id")
	}
	if side.SellerTokenID != nil {
		return Key2(side.SellerNFTContract, *side.SellerTokenID), nil
	}
	return Key2(side.SellerNFTContract, *side.SellerSeriesID), nil
}
