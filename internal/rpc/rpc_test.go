package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/internal/extcall"
	"github.com/marble-market/core/internal/identity"
	"github.com/marble-market/core/internal/market"
	"github.com/marble-market/core/internal/settlement"
	"github.com/marble-market/core/internal/storage"
)

func TestRequestResponseMarshalRoundTrip(t *testing.T) {
	req := Request{JSONRPC: "2.0", Method: "get_market_data", Params: json.RawMessage(`{"nft_contract":"nft.near"}`), ID: float64(1)}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	var got Request
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if got.Method != req.Method {
		t.Errorf("method = %q, want %q", got.Method, req.Method)
	}

	resp := Response{JSONRPC: "2.0", Error: &Error{Code: CodeOwnerOnly, Message: "owner_only"}, ID: float64(1)}
	data, err = json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var gotResp Response
	if err := json.Unmarshal(data, &gotResp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if gotResp.Error == nil || gotResp.Error.Code != CodeOwnerOnly {
		t.Fatalf("expected error code %d, got %+v", CodeOwnerOnly, gotResp.Error)
	}
}

func TestErrorCodeRange(t *testing.T) {
	codes := map[string]int{
		"precondition":        CodePrecondition,
		"storage_underfunded": CodeStorageUnderfunded,
		"owner_only":          CodeOwnerOnly,
		"seller_only":         CodeSellerOnly,
		"bidder_only":         CodeBidderOnly,
		"bad_signature":       CodeBadSignature,
	}
	seen := make(map[int]string)
	for name, code := range codes {
		if code > -32000 || code < -32005 {
			t.Errorf("%s code %d out of the marketplace range", name, code)
		}
		if other, ok := seen[code]; ok {
			t.Errorf("%s and %s share code %d", name, other, code)
		}
		seen[code] = name
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"precondition", market.NewPreconditionError("bad thing"), CodePrecondition},
		{"bad signature", identity.ErrBadSignature, CodeBadSignature},
	}
	for _, tc := range cases {
		code, _ := classifyError(tc.err)
		if code != tc.want {
			t.Errorf("%s: classifyError code = %d, want %d", tc.name, code, tc.want)
		}
	}
}

func TestListingInfoMarshal(t *testing.T) {
	started := int64(1000)
	l := &market.Listing{
		Owner:        "alice.near",
		ApprovalID:   1,
		NFTContract:  "nft.near",
		TokenID:      "1",
		PaymentToken: config.NativeToken,
		StartPrice:   big.NewInt(100),
		ReservePrice: big.NewInt(50),
		StartedAt:    &started,
		Bids:         []market.Bid{{Bidder: "bob.near", Price: big.NewInt(60)}},
	}
	info := listingToInfo(l)
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ListingInfo
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Owner != "alice.near" || len(back.Bids) != 1 || back.Bids[0].Bidder != "bob.near" {
		t.Fatalf("roundtrip mismatch: %+v", back)
	}
}

func TestWSHubBroadcastRespectsSubscriptions(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{
		send:          make(chan []byte, 4),
		subscriptions: map[EventType]bool{EventBidAdded: true},
		hub:           hub,
	}
	hub.register <- client
	waitForClientCount(t, hub, 1)

	hub.Broadcast(EventOfferAdded, map[string]string{"x": "y"}, 1)
	select {
	case <-client.send:
		t.Fatal("client received an event it did not subscribe to")
	case <-time.After(50 * time.Millisecond):
	}

	hub.Broadcast(EventBidAdded, map[string]string{"x": "y"}, 2)
	select {
	case msg := <-client.send:
		var ev WSEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal broadcast event: %v", err)
		}
		if ev.Type != EventBidAdded {
			t.Errorf("event type = %q, want %q", ev.Type, EventBidAdded)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func waitForClientCount(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", want)
}

// fakeGateway is a no-op extcall.Gateway, sufficient for handler tests
// that never need a settlement job to actually run.
type fakeGateway struct{}

func (fakeGateway) NFTTransferPayout(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64, balance *big.Int, maxLenPayout int) (extcall.Payout, error) {
	return nil, nil
}

func (fakeGateway) NFTTransfer(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64) error {
	return nil
}

func (fakeGateway) FTTransfer(ctx context.Context, ftContract, receiver string, amount *big.Int) error {
	return nil
}

// newTestServer builds a Server wired to a real in-memory registry and
// storage layer, the RPC-package analogue of the settlement package's
// own newTestCoordinator fixture.
func newTestServer(t *testing.T) *Server {
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
		InitialFeeBasisPoints: 250,
		MarbleNFTContracts:    []string{"nft.near"},
	}
	registry := market.New(init, st)

	coord := settlement.NewCoordinator(settlement.CoordinatorConfig{
		Registry:          registry,
		Store:             st,
		Gateway:           fakeGateway{},
		PollInterval:      time.Hour,
		ContractAccountID: init.ContractAccountID,
	})
	t.Cleanup(func() { coord.Close() })

	srv, err := NewServer(init, registry, st, coord)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func call(t *testing.T, s *Server, method string, params interface{}) (interface{}, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	s.mu.RLock()
	handler, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		t.Fatalf("no handler registered for %q", method)
	}
	return handler(context.Background(), raw)
}

func fundStorage(t *testing.T, s *Server, account string, slots int) {
	t.Helper()
	amount := new(big.Int).Mul(config.StorageAddMarketData, big.NewInt(int64(slots)))
	if _, err := s.registry.StorageDeposit(account, account, amount); err != nil {
		t.Fatalf("fund storage for %s: %v", account, err)
	}
}

func TestOfferAddGetDelete(t *testing.T) {
	s := newTestServer(t)
	fundStorage(t, s, "bob.near", 1)

	_, err := call(t, s, "add_offer", map[string]interface{}{
		"buyer":        "bob.near",
		"nft_contract": "nft.near",
		"token_id":     "1",
		"price":        "100",
	})
	if err != nil {
		t.Fatalf("add_offer: %v", err)
	}

	got, err := call(t, s, "get_offer", map[string]interface{}{
		"nft_contract": "nft.near",
		"buyer":        "bob.near",
		"target":       "1",
	})
	if err != nil {
		t.Fatalf("get_offer: %v", err)
	}
	info, ok := got.(*OfferInfo)
	if !ok {
		t.Fatalf("get_offer result type = %T, want *OfferInfo", got)
	}
	if info.Buyer != "bob.near" || info.Price != "100" {
		t.Fatalf("unexpected offer info: %+v", info)
	}

	if _, err := call(t, s, "delete_offer", map[string]interface{}{
		"buyer":        "bob.near",
		"nft_contract": "nft.near",
		"target":       "1",
	}); err != nil {
		t.Fatalf("delete_offer: %v", err)
	}

	got, err = call(t, s, "get_offer", map[string]interface{}{
		"nft_contract": "nft.near",
		"buyer":        "bob.near",
		"target":       "1",
	})
	if err != nil {
		t.Fatalf("get_offer after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil offer after delete, got %+v", got)
	}
}

func TestAddBidThenCancelRefunds(t *testing.T) {
	s := newTestServer(t)
	fundStorage(t, s, "owner.near", 1)
	fundStorage(t, s, "carol.near", 1)

	if _, err := call(t, s, "update_market_data", map[string]interface{}{
		"caller":       "owner.near",
		"nft_contract": "nft.near",
		"token_id":     "1",
		"price":        "0",
	}); err != nil {
		t.Fatalf("update_market_data: %v", err)
	}

	if _, err := call(t, s, "add_bid", map[string]interface{}{
		"bidder":       "carol.near",
		"nft_contract": "nft.near",
		"token_id":     "1",
		"price":        "50",
	}); err != nil {
		t.Fatalf("add_bid: %v", err)
	}

	listing, ok := s.registry.GetMarketData("nft.near", "1")
	if !ok || len(listing.Bids) != 1 {
		t.Fatalf("expected one bid recorded, got %+v", listing)
	}

	if _, err := call(t, s, "cancel_bid", map[string]interface{}{
		"bidder":       "carol.near",
		"nft_contract": "nft.near",
		"token_id":     "1",
	}); err != nil {
		t.Fatalf("cancel_bid: %v", err)
	}

	listing, ok = s.registry.GetMarketData("nft.near", "1")
	if !ok || len(listing.Bids) != 0 {
		t.Fatalf("expected bid removed after cancel, got %+v", listing)
	}
}

func TestStorageDepositWithdrawRoundTrip(t *testing.T) {
	s := newTestServer(t)

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate withdraw key: %v", err)
	}

	if _, err := call(t, s, "storage_deposit", map[string]interface{}{
		"depositor":          "dave.near",
		"account":            "dave.near",
		"amount":             config.StorageAddMarketData.String(),
		"withdraw_pubkey_hex": hexEncode(priv.PubKey().SerializeCompressed()),
	}); err != nil {
		t.Fatalf("storage_deposit: %v", err)
	}

	payload := identity.CanonicalPayload("storage_withdraw", "dave.near")
	sig := identity.SignWithdraw(priv, payload)

	result, err := call(t, s, "storage_withdraw", map[string]interface{}{
		"account":       "dave.near",
		"signature_hex": hexEncode(sig),
	})
	if err != nil {
		t.Fatalf("storage_withdraw: %v", err)
	}
	m, ok := result.(map[string]string)
	if !ok || m["withdrawn"] != config.StorageAddMarketData.String() {
		t.Fatalf("unexpected withdraw result: %+v", result)
	}
}

func TestSetTreasuryRequiresAdminSignature(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}

	st, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	init := &config.Init{
		Owner:                 "owner.near",
		Treasury:              "treasury.near",
		ContractAccountID:     "market.near",
		InitialFeeBasisPoints: 250,
		OwnerPubKeyHex:        hexEncode(priv.PubKey().SerializeCompressed()),
	}
	registry := market.New(init, st)
	coord := settlement.NewCoordinator(settlement.CoordinatorConfig{
		Registry: registry, Store: st, Gateway: fakeGateway{}, PollInterval: time.Hour, ContractAccountID: init.ContractAccountID,
	})
	t.Cleanup(func() { coord.Close() })
	s, err := NewServer(init, registry, st, coord)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if _, err := call(t, s, "set_treasury", map[string]interface{}{
		"account":       "new-treasury.near",
		"signature_hex": hexEncode([]byte("not a signature")),
	}); err == nil {
		t.Fatal("expected bad signature to be rejected")
	}

	sig := identity.Sign(priv, identity.CanonicalPayload("set_treasury", "new-treasury.near"))
	if _, err := call(t, s, "set_treasury", map[string]interface{}{
		"account":       "new-treasury.near",
		"signature_hex": hexEncode(sig),
	}); err != nil {
		t.Fatalf("set_treasury with valid signature: %v", err)
	}
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
