// Package market implements the marketplace core state machine: the
// listing registry, auction engine, offer book, and barter book (C4–C7 of
// the design). It holds the authoritative in-memory state, write-through
// to internal/storage for crash recovery, and exposes the operations the
// settlement engine (internal/settlement) and RPC surface (internal/rpc)
// drive.
package market

import (
	"math/big"
	"time"

	"github.com/marble-market/core/internal/config"
)

// AccountID is an opaque stable identifier of a counterparty or contract.
type AccountID = string

// TokenID is an opaque identifier of an NFT within its contract.
type TokenID = string

// BasisPoints expresses a fee fraction of ten-thousandths, in [0, 10_000).
type BasisPoints = uint16

// SeriesID returns the series prefix of a token id, split on the first
// ":". ok is false if the token id has no series delimiter.
func SeriesID(tokenID TokenID) (series string, ok bool) {
	for i := 0; i < len(tokenID); i++ {
		if tokenID[i] == ':' {
			return tokenID[:i], true
		}
	}
	return "", false
}

// Bid is a single standing bid in an English auction.
type Bid struct {
	Bidder AccountID
	Price  *big.Int
}

// Listing is the marketplace's MarketData: an active sale or auction for
// one (nftContract, tokenID).
type Listing struct {
	Owner         AccountID
	ApprovalID    uint64
	NFTContract   AccountID
	TokenID       TokenID
	PaymentToken  AccountID // config.NativeToken or a registered FT account
	StartPrice    *big.Int
	Bids          []Bid // ascending by arrival; last is top
	StartedAt     *int64 // nanoseconds
	EndedAt       *int64 // nanoseconds
	EndPrice      *big.Int
	IsAuction     bool
	ReservePrice  *big.Int
}

// Key2 returns this listing's composite registry key.
func (l *Listing) Key2() string { return Key2(l.NFTContract, l.TokenID) }

// IsDutch reports whether this is a linear Dutch-decay auction (bids
// rejected, price a function of time) rather than an English auction.
func (l *Listing) IsDutch() bool {
	return l.IsAuction && l.EndPrice != nil
}

// TopBid returns the current top bid, if any.
func (l *Listing) TopBid() (Bid, bool) {
	if len(l.Bids) == 0 {
		return Bid{}, false
	}
	return l.Bids[len(l.Bids)-1], true
}

// Offer is a buyer-initiated standing offer against a specific token or
// an entire token series.
type Offer struct {
	Buyer        AccountID
	NFTContract  AccountID
	TokenID      *TokenID // exactly one of TokenID/SeriesID is set
	SeriesID     *string
	PaymentToken AccountID
	Price        *big.Int
}

// Target returns the token id or series id this offer is against.
func (o *Offer) Target() string {
	if o.TokenID != nil {
		return *o.TokenID
	}
	if o.SeriesID != nil {
		return *o.SeriesID
	}
	return ""
}

// SellerSide is one side of a barter: what the seller is willing to give
// up, identified either by a specific token or by series.
type SellerSide struct {
	SellerNFTContract AccountID
	SellerTokenID     *TokenID
	SellerSeriesID    *string
}

// TradeIntent records a buyer's willingness to give up BuyerTokenID in
// exchange for any one of Sides.
type TradeIntent struct {
	BuyerNFTContract AccountID
	Buyer            AccountID
	BuyerTokenID     TokenID
	BuyerApprovalID  uint64
	Sides            map[string]SellerSide // Key2(seller NFT contract, token or series id) -> side
}

// FeeSchedule is the global treasury fee, with at most one pending
// time-delayed change.
type FeeSchedule struct {
	CurrentFee   BasisPoints
	NextFee      *BasisPoints
	StartTimeSec *int64
}

// Apply lazily advances the schedule if nowSec has reached a pending
// change's start time, returning the fee to use right now.
func (f *FeeSchedule) Apply(nowSec int64) BasisPoints {
	if f.NextFee != nil && f.StartTimeSec != nil && nowSec >= *f.StartTimeSec {
		f.CurrentFee = *f.NextFee
		f.NextFee = nil
		f.StartTimeSec = nil
	}
	return f.CurrentFee
}

// NowNs returns the current time in nanoseconds, the marketplace's clock
// unit (spec calls this the "monotonic-per-block clock").
func NowNs() int64 { return time.Now().UnixNano() }

// ToSec integer-divides a nanosecond timestamp down to seconds.
func ToSec(ns int64) int64 { return ns / 1_000_000_000 }

// StorageAddMarketData re-exports the config constant for callers that
// only import market.
func StorageAddMarketData() *big.Int { return config.StorageAddMarketData }
