package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/internal/identity"
	"github.com/marble-market/core/internal/market"
)

// nftApproveMsg is the NFT-approval callback's msg payload (spec.md's
// "NFT-approval msg schema"): a tagged variant on market_type, every
// other field optional depending on which variant is in play.
type nftApproveMsg struct {
	MarketType          string  `json:"market_type"`
	Price               *string `json:"price,omitempty"`
	FTTokenID           *string `json:"ft_token_id,omitempty"`
	BuyerID             *string `json:"buyer_id,omitempty"`
	EndPrice            *string `json:"end_price,omitempty"`
	StartedAt           *int64  `json:"started_at,omitempty"`
	EndedAt             *int64  `json:"ended_at,omitempty"`
	IsAuction           bool    `json:"is_auction,omitempty"`
	SellerNFTContractID *string `json:"seller_nft_contract_id,omitempty"`
	SellerTokenID       *string `json:"seller_token_id,omitempty"`
	SellerTokenSeriesID *string `json:"seller_token_series_id,omitempty"`
	BuyerNFTContractID  *string `json:"buyer_nft_contract_id,omitempty"`
	BuyerTokenID        *string `json:"buyer_token_id,omitempty"`
	ReservePrice        *string `json:"reserve_price,omitempty"`
}

type nftOnApproveParams struct {
	NFTContract string          `json:"nft_contract"`
	TokenID     string          `json:"token_id"`
	OwnerID     string          `json:"owner_id"`
	ApprovalID  uint64          `json:"approval_id"`
	Msg         json.RawMessage `json:"msg"`
	Signature   string          `json:"signature_hex"`
}

// nftOnApprove is the single entry point through which listings, offer
// acceptances, and barter intents are all born (spec.md §4.4, §4.6, §4.7) —
// every variant arrives as a signed callback from the NFT contract that
// just recorded the approval, never as a bare public RPC call.
func (s *Server) nftOnApprove(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p nftOnApproveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireApprovalSignature(p.NFTContract, "nft_on_approve", p.Signature,
		p.TokenID, p.OwnerID, strconv.FormatUint(p.ApprovalID, 10), string(p.Msg)); err != nil {
		return nil, err
	}

	var m nftApproveMsg
	if err := json.Unmarshal(p.Msg, &m); err != nil {
		return nil, precondition("msg is not valid json: %v", err)
	}

	switch m.MarketType {
	case "sale":
		return s.handleSale(ctx, p, m)
	case "accept_offer":
		return s.handleAcceptOffer(ctx, p, m)
	case "accept_offer_marble_series":
		return s.handleAcceptOfferSeries(ctx, p, m)
	case "add_trade":
		return s.handleAddTrade(ctx, p, m)
	case "accept_trade":
		return s.handleAcceptTrade(ctx, p, m)
	case "accept_trade_marble_series":
		return s.handleAcceptTradeSeries(ctx, p, m)
	default:
		return nil, precondition("unknown market_type %q", m.MarketType)
	}
}

func parseMoney(s *string, fieldName string) (*big.Int, error) {
	if s == nil {
		return nil, precondition("%s is required", fieldName)
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, precondition("%s is not a valid integer", fieldName)
	}
	return v, nil
}

func (s *Server) handleSale(ctx context.Context, p nftOnApproveParams, m nftApproveMsg) (interface{}, error) {
	price, err := parseMoney(m.Price, "price")
	if err != nil {
		return nil, err
	}
	paymentToken := config.NativeToken
	if m.FTTokenID != nil {
		paymentToken = *m.FTTokenID
	}
	var reserve *big.Int
	if m.ReservePrice != nil {
		reserve, err = parseMoney(m.ReservePrice, "reserve_price")
		if err != nil {
			return nil, err
		}
	}
	var endPrice *big.Int
	if m.EndPrice != nil {
		endPrice, err = parseMoney(m.EndPrice, "end_price")
		if err != nil {
			return nil, err
		}
	}

	displaced, listing, err := s.registry.CreateListing(market.CreateListingParams{
		Owner:        p.OwnerID,
		ApprovalID:   p.ApprovalID,
		NFTContract:  p.NFTContract,
		TokenID:      p.TokenID,
		PaymentToken: paymentToken,
		Price:        price,
		ReservePrice: reserve,
		IsAuction:    m.IsAuction,
		StartedAt:    m.StartedAt,
		EndedAt:      m.EndedAt,
		EndPrice:     endPrice,
	}, market.NowNs())
	if err != nil {
		if market.IsKind(err, market.KindStorageUnderfund) {
			s.log.Info("sale callback dropped: seller storage underfunded", "owner", p.OwnerID, "nft_contract", p.NFTContract, "token_id", p.TokenID)
			return nil, nil
		}
		return nil, err
	}
	for _, b := range displaced {
		if rerr := s.coordinator.Refund(ctx, b.Bidder, listing.PaymentToken, b.Price, "listing_displaced"); rerr != nil {
			s.log.Error("refund on displaced listing failed", "bidder", b.Bidder, "error", rerr)
		}
	}
	info := listingToInfo(listing)
	s.broadcast(EventListingCreated, info)
	return info, nil
}

func (s *Server) handleAcceptOffer(ctx context.Context, p nftOnApproveParams, m nftApproveMsg) (interface{}, error) {
	if m.BuyerID == nil {
		return nil, precondition("buyer_id is required for accept_offer")
	}
	jobID, err := s.coordinator.AcceptOffer(ctx, p.OwnerID, p.ApprovalID, p.NFTContract, p.TokenID, *m.BuyerID, market.NowNs())
	if err != nil {
		return nil, err
	}
	return map[string]string{"job_id": jobID}, nil
}

func (s *Server) handleAcceptOfferSeries(ctx context.Context, p nftOnApproveParams, m nftApproveMsg) (interface{}, error) {
	if m.BuyerID == nil {
		return nil, precondition("buyer_id is required for accept_offer_marble_series")
	}
	series, ok := market.SeriesID(p.TokenID)
	if !ok {
		return nil, precondition("token %s is not a member of any series", p.TokenID)
	}
	jobID, err := s.coordinator.AcceptOfferSeries(ctx, p.OwnerID, p.ApprovalID, p.NFTContract, series, *m.BuyerID, p.TokenID, market.NowNs())
	if err != nil {
		return nil, err
	}
	return map[string]string{"job_id": jobID}, nil
}

func (s *Server) handleAddTrade(ctx context.Context, p nftOnApproveParams, m nftApproveMsg) (interface{}, error) {
	if m.SellerNFTContractID == nil {
		return nil, precondition("seller_nft_contract_id is required for add_trade")
	}
	if (m.SellerTokenID == nil) == (m.SellerTokenSeriesID == nil) {
		return nil, precondition("add_trade requires exactly one of seller_token_id or seller_token_series_id")
	}

	side := market.SellerSide{
		SellerNFTContract: *m.SellerNFTContractID,
		SellerTokenID:      m.SellerTokenID,
		SellerSeriesID:     m.SellerTokenSeriesID,
	}
	intent, err := s.registry.AddTrade(p.OwnerID, p.NFTContract, p.TokenID, p.ApprovalID, side)
	if err != nil {
		if market.IsKind(err, market.KindStorageUnderfund) {
			s.log.Info("add_trade callback dropped: seller storage underfunded", "owner", p.OwnerID, "nft_contract", p.NFTContract, "token_id", p.TokenID)
			return nil, nil
		}
		return nil, err
	}
	info := tradeIntentToInfo(intent)
	s.broadcast(EventTradeAdded, info)
	return info, nil
}

func (s *Server) handleAcceptTrade(ctx context.Context, p nftOnApproveParams, m nftApproveMsg) (interface{}, error) {
	if m.BuyerID == nil || m.BuyerNFTContractID == nil || m.BuyerTokenID == nil {
		return nil, precondition("accept_trade requires buyer_id, buyer_nft_contract_id and buyer_token_id")
	}
	jobID, err := s.coordinator.AcceptTrade(ctx, *m.BuyerNFTContractID, *m.BuyerID, *m.BuyerTokenID, p.NFTContract, p.OwnerID, p.TokenID, p.ApprovalID, market.NowNs())
	if err != nil {
		return nil, err
	}
	return map[string]string{"job_id": jobID}, nil
}

func (s *Server) handleAcceptTradeSeries(ctx context.Context, p nftOnApproveParams, m nftApproveMsg) (interface{}, error) {
	if m.BuyerID == nil || m.BuyerNFTContractID == nil || m.BuyerTokenID == nil {
		return nil, precondition("accept_trade_marble_series requires buyer_id, buyer_nft_contract_id and buyer_token_id")
	}
	series, ok := market.SeriesID(p.TokenID)
	if !ok {
		return nil, precondition("token %s is not a member of any series", p.TokenID)
	}
	jobID, err := s.coordinator.AcceptTradeSeries(ctx, *m.BuyerNFTContractID, *m.BuyerID, *m.BuyerTokenID, p.NFTContract, series, p.OwnerID, p.TokenID, p.ApprovalID, market.NowNs())
	if err != nil {
		return nil, err
	}
	return map[string]string{"job_id": jobID}, nil
}

type ftOnTransferMsg struct {
	NFTContractID string `json:"nft_contract_id"`
	FTTokenID     string `json:"ft_token_id"`
	TokenID       string `json:"token_id"`
	Method        string `json:"method"`
}

type ftOnTransferParams struct {
	FTContract string          `json:"ft_contract"`
	Sender     string          `json:"sender"`
	Amount     string          `json:"amount"`
	Msg        json.RawMessage `json:"msg"`
	Signature  string          `json:"signature_hex"`
}

// ftOnTransfer is the fungible-token receiver entry used to fund an FT
// bid or an outright FT buy (spec.md §6): method="auction" routes to the
// bid path, method="buy" to the purchase path. The full transferred
// amount is always consumed — FT receivers never return a partial refund
// value, matching the NEAR receiver convention the distilled contract used.
func (s *Server) ftOnTransfer(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ftOnTransferParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireApprovalSignature(p.FTContract, "ft_on_transfer", p.Signature, p.Sender, p.Amount, string(p.Msg)); err != nil {
		return nil, err
	}

	var m ftOnTransferMsg
	if err := json.Unmarshal(p.Msg, &m); err != nil {
		return nil, precondition("msg is not valid json: %v", err)
	}
	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return nil, precondition("amount is not a valid integer")
	}

	switch m.Method {
	case "auction":
		evicted, err := s.registry.AddBid(p.Sender, m.NFTContractID, m.TokenID, amount, market.NowNs())
		if err != nil {
			return nil, err
		}
		if evicted != nil {
			if rerr := s.coordinator.Refund(ctx, evicted.Bidder, p.FTContract, evicted.Price, "ft_add_bid_eviction"); rerr != nil {
				s.log.Error("refund on ft bid eviction failed", "bidder", evicted.Bidder, "error", rerr)
			}
		}
		s.broadcast(EventBidAdded, map[string]string{"nft_contract": m.NFTContractID, "token_id": m.TokenID, "bidder": p.Sender, "price": amount.String()})
		return "0", nil
	case "buy":
		jobID, err := s.coordinator.Buy(ctx, p.Sender, m.NFTContractID, m.TokenID, amount, market.NowNs())
		if err != nil {
			return nil, err
		}
		s.broadcast(EventPurchaseEnqueued, map[string]string{"job_id": jobID})
		return "0", nil
	default:
		return nil, precondition("unknown ft_on_transfer method %q", m.Method)
	}
}

// requireApprovalSignature verifies a contract callback envelope against
// the Ed25519 key registered for that contract (config.ContractApprovalKeysHex).
func (s *Server) requireApprovalSignature(contract string, method string, sigHex string, fields ...string) error {
	key, ok := s.approvalKeys[contract]
	if !ok {
		return fmt.Errorf("rpc: no approval key registered for contract %s", contract)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", identity.ErrBadSignature)
	}
	payload := identity.CanonicalPayload(method, fields...)
	return key.Verify(payload, sig)
}
