package market

import "testing"

func TestAddOfferRequiresExactlyOneTarget(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "buyer.near", 1)
	token := TokenID("1")
	series := "series-a"

	if _, err := r.AddOffer("buyer.near", "nft.near", nil, nil, "near", money(100)); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection with neither target, got %v", err)
	}
	if _, err := r.AddOffer("buyer.near", "nft.near", &token, &series, "near", money(100)); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection with both targets, got %v", err)
	}
}

func TestAddOfferRejectsNonNativePaymentToken(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "buyer.near", 1)
	token := TokenID("1")
	if _, err := r.AddOffer("buyer.near", "nft.near", &token, nil, "usdc.near", money(100)); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection for non-native payment token, got %v", err)
	}
}

func TestAddOfferRejectsSeriesOnNonWhitelistedContract(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "buyer.near", 1)
	series := "s"
	if _, err := r.AddOffer("buyer.near", "other-nft.near", nil, &series, "near", money(100)); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected rejection for non-whitelisted series offer, got %v", err)
	}
}

func TestAddOfferThenDelete(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "buyer.near", 1)
	token := TokenID("1")

	o, err := r.AddOffer("buyer.near", "nft.near", &token, nil, "near", money(100))
	if err != nil {
		t.Fatalf("add offer: %v", err)
	}
	if o.Target() != "1" {
		t.Fatalf("unexpected target: %s", o.Target())
	}

	if err := r.DeleteOffer("stranger.near", "nft.near", "1"); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected precondition rejection for a caller with no offer, got %v", err)
	}
	if err := r.DeleteOffer("buyer.near", "nft.near", "1"); err != nil {
		t.Fatalf("delete offer: %v", err)
	}
}

func TestAcceptOfferRemovesIt(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "buyer.near", 1)
	token := TokenID("1")
	if _, err := r.AddOffer("buyer.near", "nft.near", &token, nil, "near", money(100)); err != nil {
		t.Fatalf("add: %v", err)
	}

	o, err := r.AcceptOffer("seller.near", "nft.near", "1", "buyer.near")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if o.Price.Cmp(money(100)) != 0 {
		t.Fatalf("unexpected price: %v", o.Price)
	}
	if _, err := r.AcceptOffer("seller.near", "nft.near", "1", "buyer.near"); err == nil {
		t.Fatalf("expected offer already consumed")
	}
}

func TestAcceptOfferSeriesValidatesMembership(t *testing.T) {
	r, _ := newTestRegistry()
	fund(t, r, "buyer.near", 1)
	series := "s"
	if _, err := r.AddOffer("buyer.near", "nft.near", nil, &series, "near", money(100)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := r.AcceptOfferSeries("seller.near", "nft.near", "s", "buyer.near", "other:1"); !IsKind(err, KindPrecondition) {
		t.Fatalf("expected membership rejection, got %v", err)
	}
	bound, err := r.AcceptOfferSeries("seller.near", "nft.near", "s", "buyer.near", "s:1")
	if err != nil {
		t.Fatalf("accept series: %v", err)
	}
	if bound.TokenID == nil || *bound.TokenID != "s:1" {
		t.Fatalf("expected bound token id, got %v", bound.TokenID)
	}
}
