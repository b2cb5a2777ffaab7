package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/internal/extcall"
	"github.com/marble-market/core/internal/market"
	"github.com/marble-market/core/internal/storage"
)

// fakeGateway is a scriptable extcall.Gateway for settlement tests,
// grounded on the teacher's pattern of swapping in a fake backend
// rather than hitting a real chain in unit tests.
type fakeGateway struct {
	payout    extcall.Payout
	payoutErr error
	ftErr     error

	ftCalls       []ftCall
	transferCalls []transferCall
}

type ftCall struct {
	token, receiver string
	amount          *big.Int
}

type transferCall struct {
	nftContract, receiver, tokenID string
}

func (f *fakeGateway) NFTTransferPayout(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64, balance *big.Int, maxLenPayout int) (extcall.Payout, error) {
	if f.payoutErr != nil {
		return nil, f.payoutErr
	}
	return f.payout, nil
}

func (f *fakeGateway) NFTTransfer(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64) error {
	f.transferCalls = append(f.transferCalls, transferCall{nftContract, receiver, tokenID})
	return nil
}

func (f *fakeGateway) FTTransfer(ctx context.Context, ftContract, receiver string, amount *big.Int) error {
	f.ftCalls = append(f.ftCalls, ftCall{ftContract, receiver, amount})
	return f.ftErr
}

// failAfterNGateway fails every NFTTransfer call from the Nth call
// onward (0-indexed), used to deterministically force a second-leg
// barter failure.
type failAfterNGateway struct {
	*fakeGateway
	failFrom int
	calls    int
}

func (f *failAfterNGateway) NFTTransfer(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64) error {
	idx := f.calls
	f.calls++
	f.fakeGateway.transferCalls = append(f.fakeGateway.transferCalls, transferCall{nftContract, receiver, tokenID})
	if idx >= f.failFrom {
		return context.DeadlineExceeded
	}
	return nil
}

func newTestCoordinator(t *testing.T, gw extcall.Gateway) (*Coordinator, *market.Registry, *storage.Storage) {
	t.Helper()

	st, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	init := &config.Init{
		Owner:                 "owner.near",
		Treasury:              "treasury.near",
		ContractAccountID:     "market.near",
		InitialFeeBasisPoints: 250, // 2.5%
		MarbleNFTContracts:    []string{"nft.near"},
	}
	registry := market.New(init, st)

	c := NewCoordinator(CoordinatorConfig{
		Registry:          registry,
		Store:             st,
		Gateway:           gw,
		PollInterval:      time.Hour, // tests drive execution directly, not via the ticker
		ContractAccountID: init.ContractAccountID,
	})
	t.Cleanup(func() { c.Close() })

	return c, registry, st
}

func fundStorage(t *testing.T, r *market.Registry, account string, slots int) {
	t.Helper()
	amount := new(big.Int).Mul(config.StorageAddMarketData, big.NewInt(int64(slots)))
	if _, err := r.StorageDeposit(account, account, amount); err != nil {
		t.Fatalf("deposit storage for %s: %v", account, err)
	}
}

func strPtr(s string) *string { return &s }

func TestBuySucceedsAndPaysFeeAndSeller(t *testing.T) {
	gw := &fakeGateway{
		payout: extcall.Payout{"seller.near": big.NewInt(1000)},
	}
	c, registry, _ := newTestCoordinator(t, gw)

	fundStorage(t, registry, "seller.near", 1)
	if _, _, err := registry.CreateListing(market.CreateListingParams{
		Owner: "seller.near", ApprovalID: 1, NFTContract: "nft.near", TokenID: "1",
		PaymentToken: "near", Price: big.NewInt(1000),
	}, market.NowNs()); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	jobID, err := c.Buy(context.Background(), "buyer.near", "nft.near", "1", big.NewInt(1000), market.NowNs())
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected non-empty job id")
	}

	job, err := c.store.GetSettlementJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.SettlementJobDone {
		t.Fatalf("expected job done, got %s (last error %q)", job.Status, job.LastError)
	}

	if len(gw.ftCalls) != 0 {
		t.Fatalf("native payment token should never call FTTransfer, got %d calls", len(gw.ftCalls))
	}
	if _, ok := registry.GetMarketData("nft.near", "1"); ok {
		t.Fatal("listing should have been taken")
	}
}

func TestBuyRejectsBelowPrice(t *testing.T) {
	gw := &fakeGateway{}
	c, registry, _ := newTestCoordinator(t, gw)

	fundStorage(t, registry, "seller.near", 1)
	if _, _, err := registry.CreateListing(market.CreateListingParams{
		Owner: "seller.near", ApprovalID: 1, NFTContract: "nft.near", TokenID: "1",
		PaymentToken: "near", Price: big.NewInt(1000),
	}, market.NowNs()); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := c.Buy(context.Background(), "buyer.near", "nft.near", "1", big.NewInt(500), market.NowNs()); err == nil {
		t.Fatal("expected rejection for insufficient attached deposit")
	}
	if _, ok := registry.GetMarketData("nft.near", "1"); !ok {
		t.Fatal("listing must survive a rejected buy")
	}
}

func TestBuyRefundsBuyerOnBadPayout(t *testing.T) {
	gw := &fakeGateway{payoutErr: extcall.ErrBadPayout}
	c, registry, _ := newTestCoordinator(t, gw)

	fundStorage(t, registry, "seller.near", 1)
	if _, _, err := registry.CreateListing(market.CreateListingParams{
		Owner: "seller.near", ApprovalID: 1, NFTContract: "nft.near", TokenID: "1",
		PaymentToken: "usdc.near", Price: big.NewInt(1000),
	}, market.NowNs()); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	jobID, err := c.Buy(context.Background(), "buyer.near", "nft.near", "1", big.NewInt(1000), market.NowNs())
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	job, err := c.store.GetSettlementJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.SettlementJobDone {
		t.Fatalf("expected job done (terminal failure handled), got %s", job.Status)
	}
	if len(gw.ftCalls) != 1 {
		t.Fatalf("expected one ft refund call, got %d", len(gw.ftCalls))
	}
	if gw.ftCalls[0].receiver != "buyer.near" || gw.ftCalls[0].amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected refund call: %+v", gw.ftCalls[0])
	}
}

func TestBuyParksClaimableOnFTTransferFailure(t *testing.T) {
	gw := &fakeGateway{
		payout: extcall.Payout{"seller.near": big.NewInt(1000)},
		ftErr:  context.DeadlineExceeded,
	}
	c, registry, st := newTestCoordinator(t, gw)

	fundStorage(t, registry, "seller.near", 1)
	if _, _, err := registry.CreateListing(market.CreateListingParams{
		Owner: "seller.near", ApprovalID: 1, NFTContract: "nft.near", TokenID: "1",
		PaymentToken: "usdc.near", Price: big.NewInt(1000),
	}, market.NowNs()); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := c.Buy(context.Background(), "buyer.near", "nft.near", "1", big.NewInt(1000), market.NowNs()); err != nil {
		t.Fatalf("buy: %v", err)
	}

	pending, err := st.ListPendingClaimable("seller.near")
	if err != nil {
		t.Fatalf("list claimable: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one claimable balance parked for the seller, got %d", len(pending))
	}
}

func TestAddOfferRejectsNonNativePaymentToken(t *testing.T) {
	_, registry, _ := newTestCoordinator(t, &fakeGateway{})
	fundStorage(t, registry, "buyer.near", 1)
	token := market.TokenID("1")
	if _, err := registry.AddOffer("buyer.near", "nft.near", &token, nil, "usdc.near", big.NewInt(100)); !market.IsKind(err, market.KindPrecondition) {
		t.Fatalf("expected registry to reject non-native offer, got %v", err)
	}
}

func TestAcceptOfferSettlesAgainstCurrentFee(t *testing.T) {
	gw := &fakeGateway{payout: extcall.Payout{"seller.near": big.NewInt(1000)}}
	c, registry, _ := newTestCoordinator(t, gw)

	fundStorage(t, registry, "buyer.near", 1)
	token := market.TokenID("1")
	if _, err := registry.AddOffer("buyer.near", "nft.near", &token, nil, "near", big.NewInt(1000)); err != nil {
		t.Fatalf("add offer: %v", err)
	}

	jobID, err := c.AcceptOffer(context.Background(), "seller.near", 7, "nft.near", "1", "buyer.near", market.NowNs())
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}

	job, err := c.store.GetSettlementJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.SettlementJobDone {
		t.Fatalf("expected job done, got %s (%s)", job.Status, job.LastError)
	}
}

func TestAcceptBidSettlesWinningBidder(t *testing.T) {
	gw := &fakeGateway{payout: extcall.Payout{"seller.near": big.NewInt(2000)}}
	c, registry, _ := newTestCoordinator(t, gw)

	fundStorage(t, registry, "seller.near", 1)
	now := market.NowNs()
	ended := now + int64(time.Hour)
	if _, _, err := registry.CreateListing(market.CreateListingParams{
		Owner: "seller.near", ApprovalID: 1, NFTContract: "nft.near", TokenID: "1",
		PaymentToken: "near", Price: big.NewInt(1000), IsAuction: true, EndedAt: &ended,
	}, now); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := registry.AddBid("bidder.near", "nft.near", "1", big.NewInt(2000), now); err != nil {
		t.Fatalf("add bid: %v", err)
	}

	// The seller is not exempt from the endedAt wait — only the contract
	// owner is (spec.md §4.5) — so accept after the auction has ended.
	afterEnd := ended + 1
	jobID, err := c.AcceptBid(context.Background(), "seller.near", "nft.near", "1", afterEnd)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}

	job, err := c.store.GetSettlementJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.SettlementJobDone {
		t.Fatalf("expected job done, got %s (%s)", job.Status, job.LastError)
	}
}

func TestCheckAuctionTimeoutsSettlesExpiredAuction(t *testing.T) {
	gw := &fakeGateway{payout: extcall.Payout{"seller.near": big.NewInt(2000)}}
	c, registry, _ := newTestCoordinator(t, gw)

	fundStorage(t, registry, "seller.near", 1)
	now := market.NowNs()
	// Beyond the 5-minute anti-sniping window, so placing the bid below
	// doesn't push the end time out further.
	ended := now + int64(10*time.Minute)
	if _, _, err := registry.CreateListing(market.CreateListingParams{
		Owner: "seller.near", ApprovalID: 1, NFTContract: "nft.near", TokenID: "1",
		PaymentToken: "near", Price: big.NewInt(1000), IsAuction: true, EndedAt: &ended,
	}, now); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := registry.AddBid("bidder.near", "nft.near", "1", big.NewInt(2000), now); err != nil {
		t.Fatalf("add bid: %v", err)
	}

	c.CheckAuctionTimeouts(context.Background(), ended+int64(time.Minute))

	if _, ok := registry.GetMarketData("nft.near", "1"); ok {
		t.Fatal("expired auction listing should have been closed out")
	}
}

func TestCalculateNextRetryBacksOffAndCaps(t *testing.T) {
	first := calculateNextRetry(0)
	second := calculateNextRetry(1)
	if second <= first {
		t.Fatalf("expected backoff to grow: %d then %d", first, second)
	}
	if huge := calculateNextRetry(20); huge != (10 * time.Minute).Nanoseconds() {
		t.Fatalf("expected backoff to cap at 10 minutes, got %d ns", huge)
	}
}

func TestBarterHappyPathSwapsBothTokens(t *testing.T) {
	gw := &fakeGateway{}
	c, registry, _ := newTestCoordinator(t, gw)

	fundStorage(t, registry, "buyer.near", 1)
	side := market.SellerSide{SellerNFTContract: "nft.near", SellerTokenID: strPtr("2")}
	if _, err := registry.AddTrade("buyer.near", "nft.near", "1", 5, side); err != nil {
		t.Fatalf("add trade: %v", err)
	}

	jobID, err := c.AcceptTrade(context.Background(), "nft.near", "buyer.near", "1", "nft.near", "seller.near", "2", 9, market.NowNs())
	if err != nil {
		t.Fatalf("accept trade: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected non-empty job id")
	}

	// Both escrow legs and both final cross-transfers should have run:
	// buyer->market, seller->market, market->seller, market->buyer.
	if len(gw.transferCalls) != 4 {
		t.Fatalf("expected 4 nft transfer calls for a successful barter, got %d: %+v", len(gw.transferCalls), gw.transferCalls)
	}
}

func TestBarterUnwindsOnSecondLegFailure(t *testing.T) {
	inner := &fakeGateway{}
	gw := &failAfterNGateway{fakeGateway: inner, failFrom: 1}
	c, registry, _ := newTestCoordinator(t, gw)

	fundStorage(t, registry, "buyer.near", 1)
	side := market.SellerSide{SellerNFTContract: "nft.near", SellerTokenID: strPtr("2")}
	if _, err := registry.AddTrade("buyer.near", "nft.near", "1", 5, side); err != nil {
		t.Fatalf("add trade: %v", err)
	}

	if _, err := c.AcceptTrade(context.Background(), "nft.near", "buyer.near", "1", "nft.near", "seller.near", "2", 9, market.NowNs()); err != nil {
		t.Fatalf("accept trade: %v", err)
	}

	// call 0: buyer->market (succeeds), call 1: seller->market (fails,
	// triggering unwind), call 2: market->buyer unwind attempt.
	if len(inner.transferCalls) != 3 {
		t.Fatalf("expected escrow attempt then unwind attempt, got %d calls: %+v", len(inner.transferCalls), inner.transferCalls)
	}
	if inner.transferCalls[2].receiver != "buyer.near" {
		t.Fatalf("expected unwind to attempt returning the token to the buyer, got %+v", inner.transferCalls[2])
	}
}
