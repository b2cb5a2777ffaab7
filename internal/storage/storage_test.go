package storage

import (
	"math/big"
	"testing"

	"github.com/marble-market/core/internal/market"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var _ market.Store = (*Storage)(nil)

func TestPutAndGetListingRoundTrips(t *testing.T) {
	s := newTestStorage(t)
	started := int64(10)
	ended := int64(20)
	endPrice := big.NewInt(50)

	l := &market.Listing{
		Owner: "seller.near", ApprovalID: 3, NFTContract: "nft.near", TokenID: "1",
		PaymentToken: "near", StartPrice: big.NewInt(100), ReservePrice: big.NewInt(100),
		IsAuction: true, StartedAt: &started, EndedAt: &ended, EndPrice: endPrice,
		Bids: []market.Bid{{Bidder: "b1.near", Price: big.NewInt(100)}},
	}
	if err := s.PutListing(l); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetListing(l.Key2())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected listing, got nil")
	}
	if got.Owner != "seller.near" || got.StartPrice.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected listing: %+v", got)
	}
	if len(got.Bids) != 1 || got.Bids[0].Bidder != "b1.near" {
		t.Fatalf("unexpected bids: %+v", got.Bids)
	}
	if got.EndPrice == nil || got.EndPrice.Cmp(endPrice) != 0 {
		t.Fatalf("unexpected end price: %v", got.EndPrice)
	}

	if err := s.DeleteListing(l.Key2()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.GetListing(l.Key2())
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestOfferRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	token := market.TokenID("1")
	o := &market.Offer{Buyer: "buyer.near", NFTContract: "nft.near", TokenID: &token, PaymentToken: "near", Price: big.NewInt(200)}
	if err := s.PutOffer(o); err != nil {
		t.Fatalf("put: %v", err)
	}

	offers, err := s.ListOffers()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(offers) != 1 || offers[0].Buyer != "buyer.near" {
		t.Fatalf("unexpected offers: %+v", offers)
	}

	key3 := market.Key3(o.NFTContract, o.Buyer, o.Target())
	if err := s.DeleteOffer(key3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	offers, err = s.ListOffers()
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(offers) != 0 {
		t.Fatalf("expected no offers after delete, got %d", len(offers))
	}
}

func TestTradeIntentRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	tokenA := market.TokenID("a")
	intent := &market.TradeIntent{
		BuyerNFTContract: "buyer-nft.near", Buyer: "buyer.near", BuyerTokenID: "1", BuyerApprovalID: 9,
		Sides: map[string]market.SellerSide{
			market.Key2("seller-nft.near", "a"): {SellerNFTContract: "seller-nft.near", SellerTokenID: &tokenA},
		},
	}
	if err := s.PutTradeIntent(intent); err != nil {
		t.Fatalf("put: %v", err)
	}

	intents, err := s.ListTradeIntents()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(intents) != 1 || len(intents[0].Sides) != 1 {
		t.Fatalf("unexpected intents: %+v", intents)
	}
}

func TestFeeScheduleRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	next := market.BasisPoints(900)
	start := int64(123)
	if err := s.PutFeeSchedule(market.FeeSchedule{CurrentFee: 250, NextFee: &next, StartTimeSec: &start}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetFeeSchedule()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentFee != 250 || got.NextFee == nil || *got.NextFee != 900 {
		t.Fatalf("unexpected schedule: %+v", got)
	}
}

func TestStorageBalanceRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SetStorageBalance("a.near", big.NewInt(500)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.StorageBalance("a.near")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected balance: %v", got)
	}
	zero, err := s.StorageBalance("never-seen.near")
	if err != nil {
		t.Fatalf("get unseen: %v", err)
	}
	if zero.Sign() != 0 {
		t.Fatalf("expected zero balance for unseen account, got %v", zero)
	}
}

func TestClaimableBalanceLifecycle(t *testing.T) {
	s := newTestStorage(t)
	cb, err := s.CreateClaimable("a.near", "near", big.NewInt(100), "ft_on_transfer rejected", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := s.ListPendingClaimable("a.near")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}

	if _, err := s.ClaimClaimable(cb.ID, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.ClaimClaimable(cb.ID, 20); err == nil {
		t.Fatalf("expected second claim to fail")
	}

	pending, err = s.ListPendingClaimable("a.near")
	if err != nil {
		t.Fatalf("list after claim: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected 0 pending after claim, got %d", len(pending))
	}
}

func TestSettlementJobLifecycle(t *testing.T) {
	s := newTestStorage(t)
	job, err := s.EnqueueSettlementJob("purchase", `{"key2":"nft.near||1"}`, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := s.DuePendingJobs(0)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due job, got %d", len(due))
	}

	if err := s.MarkSettlementJobRunning(job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	due, err = s.DuePendingJobs(0)
	if err != nil {
		t.Fatalf("due after running: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected 0 due while running, got %d", len(due))
	}

	if err := s.RescheduleSettlementJob(job.ID, 5, "gateway timeout"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	due, err = s.DuePendingJobs(5)
	if err != nil {
		t.Fatalf("due after reschedule: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due after reschedule, got %d", len(due))
	}

	if err := s.MarkSettlementJobDone(job.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	got, err := s.GetSettlementJob(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != SettlementJobDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
}
