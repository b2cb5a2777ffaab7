// Package settlement implements the marketplace's asynchronous
// resolution pipeline (C8): NFT payout parse, royalty fan-out, treasury
// fee collection, and rollback on failure. It is the Go analogue of the
// NEAR contract's promise-chained callbacks (resolve_purchase,
// resolve_offer, callback_first_trade, callback_second_trade), modelled
// instead as durable jobs a background dispatcher drives against
// internal/extcall.Gateway — grounded on the teacher's swap.Coordinator
// plus its retry-worker outbox, which solve the identical problem of
// "an in-flight multi-step exchange must survive a process restart."
package settlement

import (
	"math/big"
	"time"

	"github.com/marble-market/core/internal/market"
)

// Kind identifies which settlement pipeline a job drives.
type Kind string

const (
	KindPurchase     Kind = "purchase"
	KindOffer        Kind = "offer"
	KindBarterFirst  Kind = "barter_first"
	KindBarterSecond Kind = "barter_second"
	KindBarterUnwind Kind = "barter_unwind"
)

// ActiveSettlement is a lightweight, in-memory record of one in-flight
// job for observability (RPC status queries, event emission); the
// durable source of truth is always the storage-backed settlement job,
// not this struct.
type ActiveSettlement struct {
	JobID       string
	Kind        Kind
	Key         string // key2 for purchase, offer key3 for offer, buyer trade key3 for barter
	Buyer       market.AccountID
	Seller      market.AccountID
	NFTContract market.AccountID
	TokenID     market.TokenID
	Price       *big.Int
	StartedAt   time.Time
	Attempts    int
}

// Event is emitted on settlement milestones (job enqueued, succeeded,
// failed terminally) for the gossip layer and RPC event feed to consume.
type Event struct {
	Kind      Kind
	Key       string
	EventType string // "enqueued", "succeeded", "failed", "refunded"
	Data      interface{}
	At        time.Time
}

// EventHandler receives settlement events; handlers run in their own
// goroutine so a slow subscriber never blocks the dispatcher.
type EventHandler func(Event)
