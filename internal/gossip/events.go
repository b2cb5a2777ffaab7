package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/marble-market/core/pkg/logging"
)

// MarketEventTopic is the GossipSub topic marketplace nodes publish
// and subscribe to for off-chain activity fan-out.
const MarketEventTopic = "/marble-market/events/1.0.0"

// Marketplace event kinds carried over the gossip topic, mirroring
// the RPC layer's WebSocket EventType surface so a subscriber sees
// the same activity stream regardless of transport.
const (
	EventListingCreated   = "listing_created"
	EventListingUpdated   = "listing_updated"
	EventListingDeleted   = "listing_deleted"
	EventBidAdded         = "bid_added"
	EventBidCancelled     = "bid_cancelled"
	EventOfferAdded       = "offer_added"
	EventOfferDeleted     = "offer_deleted"
	EventTradeAdded       = "trade_added"
	EventTradeDeleted     = "trade_deleted"
	EventAuctionExtended  = "auction_extended"
	EventSettlementResolved = "settlement_resolved"
)

// MarketEvent is a gossiped marketplace activity notice.
type MarketEvent struct {
	Type      string          `json:"type"`
	FromPeer  string          `json:"from_peer"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// MarketEventHandler processes an incoming gossiped event.
type MarketEventHandler func(ctx context.Context, ev *MarketEvent)

// EventHandler manages the marketplace-event GossipSub topic, the
// gossip-package analogue of the teacher's SwapHandler, trimmed to a
// single public topic: marketplace events have no private/encrypted
// counterpart the way swap negotiation messages do.
type EventHandler struct {
	node *Node
	log  *logging.Logger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	handlers []MarketEventHandler
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEventHandler creates an event handler bound to n's pubsub.
func NewEventHandler(n *Node) (*EventHandler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventHandler{
		node:   n,
		log:    logging.GetDefault().Component("gossip-events"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start joins the marketplace-event topic and begins processing.
func (h *EventHandler) Start() error {
	if h.node.pubsub == nil {
		return fmt.Errorf("gossip: pubsub not initialized")
	}

	topic, err := h.node.pubsub.Join(MarketEventTopic)
	if err != nil {
		return fmt.Errorf("gossip: join event topic: %w", err)
	}
	h.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("gossip: subscribe event topic: %w", err)
	}
	h.sub = sub

	go h.processMessages()

	h.log.Info("event handler started", "topic", MarketEventTopic)
	return nil
}

// Stop leaves the topic and cancels the processing loop.
func (h *EventHandler) Stop() error {
	h.cancel()
	if h.sub != nil {
		h.sub.Cancel()
	}
	if h.topic != nil {
		h.topic.Close()
	}
	h.log.Info("event handler stopped")
	return nil
}

// OnEvent registers a handler invoked for every event received from
// peers (never for events this node itself published).
func (h *EventHandler) OnEvent(handler MarketEventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

// Publish broadcasts a marketplace event of the given type to the
// network. data is marshaled as the event payload.
func (h *EventHandler) Publish(ctx context.Context, eventType string, data interface{}) error {
	if h.topic == nil {
		return fmt.Errorf("gossip: not connected to event topic")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("gossip: marshal event payload: %w", err)
	}
	ev := &MarketEvent{
		Type:      eventType,
		FromPeer:  h.node.ID().String(),
		Data:      payload,
		Timestamp: time.Now().Unix(),
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("gossip: marshal event: %w", err)
	}
	if err := h.topic.Publish(ctx, msg); err != nil {
		return fmt.Errorf("gossip: publish event: %w", err)
	}
	h.log.Debug("published market event", "type", eventType)
	return nil
}

func (h *EventHandler) processMessages() {
	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("error receiving event", "error", err)
			continue
		}
		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		var ev MarketEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			h.log.Warn("failed to parse market event", "error", err)
			continue
		}

		h.mu.RLock()
		handlers := make([]MarketEventHandler, len(h.handlers))
		copy(handlers, h.handlers)
		h.mu.RUnlock()

		for _, handler := range handlers {
			go handler(h.ctx, &ev)
		}
	}
}
