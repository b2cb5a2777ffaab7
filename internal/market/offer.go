package market

import (
	"math/big"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/pkg/helpers"
)

// AddOffer creates or replaces a buyer's standing offer against either a
// specific token (tokenID set) or an entire series (seriesID set) —
// exactly one must be non-nil (spec.md §4.6).
func (r *Registry) AddOffer(buyer AccountID, nftContract AccountID, tokenID *TokenID, seriesID *string, paymentToken AccountID, price *big.Int) (*Offer, error) {
	if (tokenID == nil) == (seriesID == nil) {
		return nil, precondition("offer must target exactly one of token id or series id")
	}
	if paymentToken != config.NativeToken {
		return nil, precondition("offers must escrow the native token, got %s", paymentToken)
	}
	if helpers.MoneyLessOrEqual(config.MaxPrice, price) {
		return nil, precondition("offer %s must be below the maximum price", price.String())
	}
	if seriesID != nil && !r.IsMarbleNFT(nftContract) {
		return nil, precondition("series offers are restricted to whitelisted marble nft contracts")
	}

	o := &Offer{
		Buyer:        buyer,
		NFTContract:  nftContract,
		TokenID:      tokenID,
		SeriesID:     seriesID,
		PaymentToken: paymentToken,
		Price:        price,
	}
	key3 := Key3(nftContract, buyer, o.Target())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, existed := r.offers[key3]; !existed {
		if err := r.requireStorageFunded(buyer); err != nil {
			return nil, err
		}
	}

	r.offers[key3] = o
	r.addToOwnerIndex(buyer, key3)
	if err := r.store.PutOffer(o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOffer is a read-only lookup of a buyer's standing offer against
// target (a token id or series id).
func (r *Registry) GetOffer(nftContract AccountID, buyer AccountID, target string) (*Offer, bool) {
	key3 := Key3(nftContract, buyer, target)
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[key3]
	return o, ok
}

// DeleteOffer withdraws buyer's offer against target (a token id or series
// id, whichever the offer was created with).
func (r *Registry) DeleteOffer(buyer AccountID, nftContract AccountID, target string) error {
	key3 := Key3(nftContract, buyer, target)

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.offers[key3]
	if !ok {
		return precondition("no offer %s", key3)
	}
	if o.Buyer != buyer {
		return bidderOnly("only the offering buyer may delete this offer")
	}

	delete(r.offers, key3)
	r.removeFromOwnerIndex(buyer, key3)
	return r.store.DeleteOffer(key3)
}

// AcceptOffer lets a token owner accept a standing per-token offer,
// independent of any active listing. Returns the offer for the settlement
// engine to execute the transfer-and-payout against; the caller is
// responsible for verifying seller actually owns tokenID.
func (r *Registry) AcceptOffer(seller AccountID, nftContract AccountID, tokenID TokenID, buyer AccountID) (*Offer, error) {
	key3 := Key3(nftContract, buyer, tokenID)

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.offers[key3]
	if !ok || o.TokenID == nil || *o.TokenID != tokenID {
		return nil, precondition("no offer from %s against token %s", buyer, tokenID)
	}

	delete(r.offers, key3)
	r.removeFromOwnerIndex(buyer, key3)
	if err := r.store.DeleteOffer(key3); err != nil {
		return nil, err
	}
	return o, nil
}

// AcceptOfferSeries lets a series-member token owner accept a buyer's
// series-wide offer, binding it to the concrete tokenID the seller owns.
func (r *Registry) AcceptOfferSeries(seller AccountID, nftContract AccountID, seriesID string, buyer AccountID, tokenID TokenID) (*Offer, error) {
	if actual, ok := SeriesID(tokenID); !ok || actual != seriesID {
		return nil, precondition("token %s is not a member of series %s", tokenID, seriesID)
	}

	key3 := Key3(nftContract, buyer, seriesID)

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.offers[key3]
	if !ok || o.SeriesID == nil || *o.SeriesID != seriesID {
		return nil, precondition("no series offer from %s against series %s", buyer, seriesID)
	}

	delete(r.offers, key3)
	r.removeFromOwnerIndex(buyer, key3)
	if err := r.store.DeleteOffer(key3); err != nil {
		return nil, err
	}

	bound := *o
	bound.TokenID = &tokenID
	return &bound, nil
}
