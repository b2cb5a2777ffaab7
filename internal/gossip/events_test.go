package gossip

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/marble-market/core/pkg/logging"
)

func TestMarketEventMarshalRoundTrip(t *testing.T) {
	ev := &MarketEvent{
		Type:      EventBidAdded,
		FromPeer:  "12D3KooWtest",
		Data:      json.RawMessage(`{"nft_contract":"nft.near","token_id":"1","bidder":"bob.near"}`),
		Timestamp: 1700000000,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got MarketEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EventBidAdded || got.FromPeer != ev.FromPeer || got.Timestamp != ev.Timestamp {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	var payload map[string]string
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("unmarshal data payload: %v", err)
	}
	if payload["bidder"] != "bob.near" {
		t.Errorf("bidder = %q, want bob.near", payload["bidder"])
	}
}

func TestEventHandlerOnEventRegisters(t *testing.T) {
	h := &EventHandler{log: logging.GetDefault().Component("gossip-events-test")}

	var gotType string
	h.OnEvent(func(ctx context.Context, ev *MarketEvent) {
		gotType = ev.Type
	})

	h.mu.RLock()
	handlers := make([]MarketEventHandler, len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.RUnlock()
	if len(handlers) != 1 {
		t.Fatalf("expected 1 registered handler, got %d", len(handlers))
	}

	handlers[0](context.Background(), &MarketEvent{Type: EventListingCreated})
	if gotType != EventListingCreated {
		t.Errorf("handler did not observe the event: got %q", gotType)
	}
}
