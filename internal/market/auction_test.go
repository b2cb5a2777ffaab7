package market

import (
	"testing"

	"github.com/marble-market/core/internal/config"
)

func newEnglishAuction(t *testing.T, r *Registry) {
	t.Helper()
	fund(t, r, "seller.near", 1)
	_, _, err := r.CreateListing(CreateListingParams{
		Owner:        "seller.near",
		NFTContract:  "nft.near",
		TokenID:      "1",
		PaymentToken: "near",
		Price:        money(1000),
		IsAuction:    true,
		EndedAt:      ptr(config.FiveMinutesNs * 10),
	}, 0)
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
}

func TestAddBidEnforcesFivePercentStep(t *testing.T) {
	r, _ := newTestRegistry()
	newEnglishAuction(t, r)

	if _, err := r.AddBid("b1.near", "nft.near", "1", money(999), 1); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection below reserve, got %v", err)
	}
	if _, err := r.AddBid("b1.near", "nft.near", "1", money(1000), 1); err != nil {
		t.Fatalf("bid at reserve: %v", err)
	}
	// 5% of 1000 is 50, so 1049 is below the required 1050 minimum.
	if _, err := r.AddBid("b2.near", "nft.near", "1", money(1049), 2); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection below step, got %v", err)
	}
	if _, err := r.AddBid("b2.near", "nft.near", "1", money(1050), 2); err != nil {
		t.Fatalf("bid at step: %v", err)
	}
}

func TestAddBidFivePercentStepFloorsBeforeMultiplying(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "seller.near", 1)
	_, _, err := r.CreateListing(CreateListingParams{
		Owner: "seller.near", NFTContract: "nft.near", TokenID: "1",
		Price: money(199), IsAuction: true, EndedAt: ptr(config.FiveMinutesNs * 10),
	}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.AddBid("b1.near", "nft.near", "1", money(199), 1); err != nil {
		t.Fatalf("bid at reserve: %v", err)
	}

	// floor(199/100)*5 = 5, so the required minimum is 204, not
	// BasisPointsOf(199, 500)'s 9 (which would require 208).
	if _, err := r.AddBid("b2.near", "nft.near", "1", money(203), 2); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection below floor-then-multiply step, got %v", err)
	}
	if _, err := r.AddBid("b2.near", "nft.near", "1", money(204), 2); err != nil {
		t.Fatalf("bid at floor-then-multiply step: %v", err)
	}
}

func TestAddBidExtendsOnAntiSniping(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "seller.near", 1)
	end := config.FiveMinutesNs
	_, _, err := r.CreateListing(CreateListingParams{
		Owner: "seller.near", NFTContract: "nft.near", TokenID: "1",
		Price: money(1000), IsAuction: true, EndedAt: &end,
	}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := r.AddBid("b1.near", "nft.near", "1", money(1000), 1); err != nil {
		t.Fatalf("bid: %v", err)
	}
	l, _ := r.GetMarketData("nft.near", "1")
	if *l.EndedAt <= end {
		t.Fatalf("expected end time extension, got %d (was %d)", *l.EndedAt, end)
	}
}

func TestAddBidEvictsOldestPastCap(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "seller.near", 1)
	end := config.FiveMinutesNs * 1000
	_, _, err := r.CreateListing(CreateListingParams{
		Owner: "seller.near", NFTContract: "nft.near", TokenID: "1",
		Price: money(100), IsAuction: true, EndedAt: &end,
	}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	price := int64(100)
	for i := 0; i < config.MaxBidsPerListing; i++ {
		if _, err := r.AddBid("b.near", "nft.near", "1", money(price), 1); err != nil {
			t.Fatalf("bid %d: %v", i, err)
		}
		price += price/20 + 1
	}
	evicted, err := r.AddBid("b.near", "nft.near", "1", money(price), 1)
	if err != nil {
		t.Fatalf("bid over cap: %v", err)
	}
	if evicted == nil {
		t.Fatalf("expected eviction once over MaxBidsPerListing")
	}
}

func TestCancelBidRefusesTopBid(t *testing.T) {
	r, _ := newTestRegistry()
	newEnglishAuction(t, r)
	r.AddBid("b1.near", "nft.near", "1", money(1000), 1)

	if _, err := r.CancelBid("b1.near", "nft.near", "1"); !IsKind(err, KindBidderOnly) {
		t.Fatalf("expected top-bid cancel rejection, got %v", err)
	}
}

func TestCancelBidRefundsNonTopBid(t *testing.T) {
	r, _ := newTestRegistry()
	newEnglishAuction(t, r)
	r.AddBid("b1.near", "nft.near", "1", money(1000), 1)
	r.AddBid("b2.near", "nft.near", "1", money(1050), 2)

	refund, err := r.CancelBid("b1.near", "nft.near", "1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if refund.Cmp(money(1000)) != 0 {
		t.Fatalf("expected refund of 1000, got %v", refund)
	}
}

func TestAcceptBidRejectsUnauthorizedCaller(t *testing.T) {
	r, _ := newTestRegistry()
	newEnglishAuction(t, r)
	r.AddBid("b1.near", "nft.near", "1", money(1000), 1)

	if _, _, _, err := r.AcceptBid("stranger.near", "nft.near", "1", 1); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection of unauthorized caller, got %v", err)
	}
}

// Only the contract owner is exempt from the endedAt wait (spec.md §4.5);
// the seller is not, unless the seller happens to also be the contract
// owner.
func TestAcceptBidSellerMustWaitForEnd(t *testing.T) {
	r, _ := newTestRegistry()
	newEnglishAuction(t, r)
	r.AddBid("b1.near", "nft.near", "1", money(1000), 1)

	if _, _, _, err := r.AcceptBid("seller.near", "nft.near", "1", 1); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection before end, got %v", err)
	}

	afterEnd := config.FiveMinutesNs*10 + 1
	top, listing, losing, err := r.AcceptBid("seller.near", "nft.near", "1", afterEnd)
	if err != nil {
		t.Fatalf("seller accept after end: %v", err)
	}
	if top.Bidder != "b1.near" || len(losing) != 0 {
		t.Fatalf("unexpected accept result: %+v %+v", top, losing)
	}
	if listing.TokenID != "1" {
		t.Fatalf("unexpected listing: %+v", listing)
	}
	if _, ok := r.GetMarketData("nft.near", "1"); ok {
		t.Fatalf("listing should be removed after accept")
	}
}

func TestAcceptBidOwnerCanAcceptBeforeEnd(t *testing.T) {
	r, _ := newTestRegistry()
	newEnglishAuction(t, r)
	r.AddBid("b1.near", "nft.near", "1", money(1000), 1)

	// owner.near is the contract owner configured by newTestRegistry, not
	// the listing's seller; it is exempt from the endedAt wait.
	if _, _, _, err := r.AcceptBid("owner.near", "nft.near", "1", 1); err != nil {
		t.Fatalf("owner accept before end: %v", err)
	}
}

func TestAcceptBidTopBidderMustWaitForEnd(t *testing.T) {
	r, _ := newTestRegistry()
	newEnglishAuction(t, r)
	r.AddBid("b1.near", "nft.near", "1", money(1000), 1)

	if _, _, _, err := r.AcceptBid("b1.near", "nft.near", "1", 1); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection before end, got %v", err)
	}

	afterEnd := config.FiveMinutesNs*10 + 1
	top, _, _, err := r.AcceptBid("b1.near", "nft.near", "1", afterEnd)
	if err != nil {
		t.Fatalf("bidder self-accept after end: %v", err)
	}
	if top.Bidder != "b1.near" {
		t.Fatalf("unexpected winning bid: %+v", top)
	}
}

func TestAcceptBidTopBidderMustMeetReserve(t *testing.T) {
	r, _ := newTestRegistry()
	newEnglishAuction(t, r)
	r.AddBid("b1.near", "nft.near", "1", money(1000), 1)

	// The seller raises the reserve above the standing top bid after it
	// was placed; the top bidder's own acceptance must now fail.
	if _, err := r.UpdateMarketData("seller.near", "nft.near", "1", money(1000), money(1500)); err != nil {
		t.Fatalf("raise reserve: %v", err)
	}

	afterEnd := config.FiveMinutesNs*10 + 1
	if _, _, _, err := r.AcceptBid("b1.near", "nft.near", "1", afterEnd); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected reserve rejection, got %v", err)
	}
	// The seller is not held to the reserve check and may still accept.
	if _, _, _, err := r.AcceptBid("seller.near", "nft.near", "1", afterEnd); err != nil {
		t.Fatalf("seller accept despite unmet reserve: %v", err)
	}
}

func TestDutchPriceInterpolatesLinearly(t *testing.T) {
	start := int64(0)
	end := int64(1000)
	l := &Listing{StartPrice: money(1000), EndPrice: money(0), StartedAt: &start, EndedAt: &end, IsAuction: true}

	if got := DutchPrice(l, -1); got.Cmp(money(1000)) != 0 {
		t.Fatalf("before start: got %v", got)
	}
	if got := DutchPrice(l, 2000); got.Cmp(money(0)) != 0 {
		t.Fatalf("after end: got %v", got)
	}
	if got := DutchPrice(l, 500); got.Cmp(money(500)) != 0 {
		t.Fatalf("midpoint: got %v", got)
	}
}
