package rpc

import "github.com/marble-market/core/internal/market"

// BidInfo is a single standing bid in RPC responses.
type BidInfo struct {
	Bidder string `json:"bidder"`
	Price  string `json:"price"`
}

// ListingInfo represents a listing (MarketData) in RPC responses.
type ListingInfo struct {
	Owner        string    `json:"owner"`
	ApprovalID   uint64    `json:"approval_id"`
	NFTContract  string    `json:"nft_contract"`
	TokenID      string    `json:"token_id"`
	PaymentToken string    `json:"payment_token"`
	StartPrice   string    `json:"start_price"`
	ReservePrice string    `json:"reserve_price"`
	Bids         []BidInfo `json:"bids"`
	StartedAt    *int64    `json:"started_at,omitempty"`
	EndedAt      *int64    `json:"ended_at,omitempty"`
	EndPrice     *string   `json:"end_price,omitempty"`
	IsAuction    bool      `json:"is_auction"`
	IsDutch      bool      `json:"is_dutch"`
}

func listingToInfo(l *market.Listing) ListingInfo {
	info := ListingInfo{
		Owner:        l.Owner,
		ApprovalID:   l.ApprovalID,
		NFTContract:  l.NFTContract,
		TokenID:      l.TokenID,
		PaymentToken: l.PaymentToken,
		StartPrice:   l.StartPrice.String(),
		ReservePrice: l.ReservePrice.String(),
		StartedAt:    l.StartedAt,
		EndedAt:      l.EndedAt,
		IsAuction:    l.IsAuction,
		IsDutch:      l.IsDutch(),
	}
	for _, b := range l.Bids {
		info.Bids = append(info.Bids, BidInfo{Bidder: b.Bidder, Price: b.Price.String()})
	}
	if l.EndPrice != nil {
		s := l.EndPrice.String()
		info.EndPrice = &s
	}
	return info
}

// OfferInfo represents a standing offer in RPC responses.
type OfferInfo struct {
	Buyer        string  `json:"buyer"`
	NFTContract  string  `json:"nft_contract"`
	TokenID      *string `json:"token_id,omitempty"`
	SeriesID     *string `json:"series_id,omitempty"`
	PaymentToken string  `json:"payment_token"`
	Price        string  `json:"price"`
}

func offerToInfo(o *market.Offer) OfferInfo {
	return OfferInfo{
		Buyer:        o.Buyer,
		NFTContract:  o.NFTContract,
		TokenID:      o.TokenID,
		SeriesID:     o.SeriesID,
		PaymentToken: o.PaymentToken,
		Price:        o.Price.String(),
	}
}

// SellerSideInfo is one acceptable counterparty side of a trade intent.
type SellerSideInfo struct {
	SellerNFTContract string  `json:"seller_nft_contract"`
	SellerTokenID     *string `json:"seller_token_id,omitempty"`
	SellerSeriesID    *string `json:"seller_series_id,omitempty"`
}

// TradeIntentInfo represents a trade intent in RPC responses.
type TradeIntentInfo struct {
	BuyerNFTContract string           `json:"buyer_nft_contract"`
	Buyer            string           `json:"buyer"`
	BuyerTokenID     string           `json:"buyer_token_id"`
	BuyerApprovalID  uint64           `json:"buyer_approval_id"`
	Sides            []SellerSideInfo `json:"sides"`
}

func tradeIntentToInfo(t *market.TradeIntent) TradeIntentInfo {
	info := TradeIntentInfo{
		BuyerNFTContract: t.BuyerNFTContract,
		Buyer:            t.Buyer,
		BuyerTokenID:     t.BuyerTokenID,
		BuyerApprovalID:  t.BuyerApprovalID,
	}
	for _, side := range t.Sides {
		info.Sides = append(info.Sides, SellerSideInfo{
			SellerNFTContract: side.SellerNFTContract,
			SellerTokenID:     side.SellerTokenID,
			SellerSeriesID:    side.SellerSeriesID,
		})
	}
	return info
}

