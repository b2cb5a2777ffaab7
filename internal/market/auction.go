package market

import (
	"math/big"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/pkg/helpers"
)

// DutchPrice returns the current linear-decay price of a Dutch auction at
// nowNs: StartPrice at StartedAt, EndPrice at EndedAt, integer-interpolated
// in between (spec.md §4.5). l.IsDutch() must be true.
func DutchPrice(l *Listing, nowNs int64) *big.Int {
	if l.StartedAt == nil || l.EndedAt == nil {
		return new(big.Int).Set(l.StartPrice)
	}
	if nowNs <= *l.StartedAt {
		return new(big.Int).Set(l.StartPrice)
	}
	if nowNs >= *l.EndedAt {
		return new(big.Int).Set(l.EndPrice)
	}

	elapsed := nowNs - *l.StartedAt
	span := *l.EndedAt - *l.StartedAt
	drop := helpers.MoneySub(l.StartPrice, l.EndPrice)

	delta := new(big.Int).Mul(drop, big.NewInt(elapsed))
	delta.Div(delta, big.NewInt(span))

	return helpers.MoneySub(l.StartPrice, delta)
}

// AddBid implements add_bid (English auctions only): validates timing,
// enforces the 5% minimum-raise step over the current top bid (or the
// reserve price if unbid), extends the end time under anti-sniping, caps
// the book at MaxBidsPerListing by evicting (and returning for refund) the
// oldest standing bid.
func (r *Registry) AddBid(bidder AccountID, nftContract AccountID, tokenID TokenID, price *big.Int, nowNs int64) (evicted *Bid, err error) {
	if helpers.MoneyLessOrEqual(config.MaxPrice, price) {
		return nil, precondition("bid %s must be below the maximum price", price.String())
	}

	key2 := Key2(nftContract, tokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listings[key2]
	if !ok {
		return nil, precondition("no listing for %s", key2)
	}
	if !l.IsAuction || l.IsDutch() {
		return nil, precondition("%s is not an english auction", key2)
	}
	if l.StartedAt != nil && nowNs < *l.StartedAt {
		return nil, precondition("auction for %s has not started", key2)
	}
	if l.EndedAt != nil && nowNs >= *l.EndedAt {
		return nil, precondition("auction for %s has ended", key2)
	}

	floor := l.ReservePrice
	if top, ok := l.TopBid(); ok {
		floor = helpers.MoneyAdd(top.Price, helpers.FivePercentStep(top.Price))
	}
	if helpers.MoneyLess(price, floor) {
		return nil, precondition("bid %s is below the required minimum %s", price.String(), floor.String())
	}

	// Anti-sniping: a bid placed when at most one window remains before
	// the end time pushes the end time out by one more window (spec.md §4.5).
	if l.EndedAt != nil && *l.EndedAt-nowNs <= config.FiveMinutesNs {
		extended := *l.EndedAt + config.FiveMinutesNs
		l.EndedAt = &extended
	}

	l.Bids = append(l.Bids, Bid{Bidder: bidder, Price: price})
	if len(l.Bids) > config.MaxBidsPerListing {
		oldest := l.Bids[0]
		l.Bids = l.Bids[1:]
		evicted = &oldest
	}

	if err := r.store.PutListing(l); err != nil {
		return nil, err
	}
	return evicted, nil
}

// CancelBid removes bidder's standing bid, refusing to remove the current
// top bid (it is locked in until the auction resolves). Returns the
// refunded amount.
func (r *Registry) CancelBid(bidder AccountID, nftContract AccountID, tokenID TokenID) (*big.Int, error) {
	key2 := Key2(nftContract, tokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listings[key2]
	if !ok {
		return nil, precondition("no listing for %s", key2)
	}

	for i := len(l.Bids) - 1; i >= 0; i-- {
		if l.Bids[i].Bidder != bidder {
			continue
		}
		if i == len(l.Bids)-1 {
			return nil, bidderOnly("the current top bid cannot be cancelled")
		}
		refund := l.Bids[i].Price
		l.Bids = append(l.Bids[:i], l.Bids[i+1:]...)
		if err := r.store.PutListing(l); err != nil {
			return nil, err
		}
		return refund, nil
	}
	return nil, precondition("%s has no bid from %s", key2, bidder)
}

// AcceptBid closes an English auction early at the current top bid. The
// caller must be the seller, the contract owner, or the top bidder
// (spec.md §4.5). Unless the caller is the contract owner, an endedAt
// deadline must already have passed. A top bidder accepting their own bid
// must additionally clear the reserve price — update_market_data can raise
// the reserve above a standing bid after it was placed. Dutch auctions
// reject accept_bid. Returns the winning bid, the listing removed from the
// registry, and the losing bids to refund.
func (r *Registry) AcceptBid(caller AccountID, nftContract AccountID, tokenID TokenID, nowNs int64) (winning Bid, listing *Listing, losing []Bid, err error) {
	key2 := Key2(nftContract, tokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listings[key2]
	if !ok {
		return Bid{}, nil, nil, precondition("no listing for %s", key2)
	}
	if l.IsDutch() {
		return Bid{}, nil, nil, precondition("dutch auctions do not accept accept_bid")
	}
	top, ok := l.TopBid()
	if !ok {
		return Bid{}, nil, nil, precondition("%s has no bids", key2)
	}
	if caller != l.Owner && caller != r.owner && caller != top.Bidder {
		return Bid{}, nil, nil, precondition("only the seller, contract owner, or top bidder may accept a bid")
	}
	if caller != r.owner && l.EndedAt != nil && nowNs < *l.EndedAt {
		return Bid{}, nil, nil, precondition("auction for %s has not ended", key2)
	}
	if caller == top.Bidder && helpers.MoneyLess(top.Price, l.ReservePrice) {
		return Bid{}, nil, nil, precondition("bid %s does not meet the reserve price %s", top.Price.String(), l.ReservePrice.String())
	}

	delete(r.listings, key2)
	r.removeFromOwnerIndex(l.Owner, key2)
	_ = r.store.DeleteListing(key2)

	return top, l, l.Bids[:len(l.Bids)-1], nil
}

// FinalizeExpiredAuction closes out an English auction whose end time
// has passed, for the settlement dispatcher's timeout sweep (spec.md §5:
// time-bounded transitions are latched lazily at the next operation
// that reads the field — the dispatcher is simply another such reader).
// Unlike AcceptBid there is no caller-is-seller check: an expired
// auction closes for whichever reader gets there first.
func (r *Registry) FinalizeExpiredAuction(nftContract AccountID, tokenID TokenID, nowNs int64) (winning Bid, listing *Listing, losing []Bid, hasBid bool, err error) {
	key2 := Key2(nftContract, tokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listings[key2]
	if !ok {
		return Bid{}, nil, nil, false, precondition("no listing for %s", key2)
	}
	if !l.IsAuction || l.IsDutch() {
		return Bid{}, nil, nil, false, precondition("%s is not an english auction", key2)
	}
	if l.EndedAt == nil || nowNs < *l.EndedAt {
		return Bid{}, nil, nil, false, precondition("auction for %s has not ended", key2)
	}

	delete(r.listings, key2)
	r.removeFromOwnerIndex(l.Owner, key2)
	_ = r.store.DeleteListing(key2)

	top, hasBid := l.TopBid()
	if !hasBid {
		return Bid{}, l, nil, false, nil
	}
	return top, l, l.Bids[:len(l.Bids)-1], true, nil
}

// ExpiredAuctions returns a snapshot of every english-auction listing
// whose end time has passed, for the timeout sweep to drive.
func (r *Registry) ExpiredAuctions(nowNs int64) []*Listing {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Listing
	for _, l := range r.listings {
		if l.IsAuction && !l.IsDutch() && l.EndedAt != nil && nowNs >= *l.EndedAt {
			clone := *l
			out = append(out, &clone)
		}
	}
	return out
}
