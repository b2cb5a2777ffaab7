// Package rpc provides the marketplace core's JSON-RPC 2.0 entry
// surface (C9): the public operations named in spec.md §6, the NFT- and
// FT-contract callback endpoints that drive listing/offer/trade
// creation, and a WebSocket feed mirroring the same event stream.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/internal/identity"
	"github.com/marble-market/core/internal/market"
	"github.com/marble-market/core/internal/settlement"
	"github.com/marble-market/core/internal/storage"
	"github.com/marble-market/core/pkg/logging"
)

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC error codes, plus the marketplace-specific range
// starting at -32000 used to surface market.Kind failures distinctly
// from transport-level errors.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	CodePrecondition       = -32000
	CodeStorageUnderfunded = -32001
	CodeOwnerOnly          = -32002
	CodeSellerOnly         = -32003
	CodeBidderOnly         = -32004
	CodeBadSignature       = -32005
)

// Server is a JSON-RPC 2.0 server fronting the marketplace core.
type Server struct {
	registry    *market.Registry
	store       *storage.Storage
	coordinator *settlement.Coordinator
	log         *logging.Logger
	wsHub       *WSHub

	adminKey       *identity.AdminKey
	feeQuorum      *identity.FeeQuorum
	feeQuorumDelta market.BasisPoints
	approvalKeys   map[market.AccountID]*identity.ApprovalKey

	withdrawMu    sync.RWMutex
	withdrawKeys  map[market.AccountID]*identity.WithdrawKey

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewServer wires a Server from the marketplace's core components and
// the genesis identity keys named in init.
func NewServer(init *config.Init, registry *market.Registry, store *storage.Storage, coord *settlement.Coordinator) (*Server, error) {
	s := &Server{
		registry:       registry,
		store:          store,
		coordinator:    coord,
		log:            logging.GetDefault().Component("rpc"),
		feeQuorumDelta: init.FeeQuorumDeltaBasisPoints,
		approvalKeys:   make(map[market.AccountID]*identity.ApprovalKey),
		withdrawKeys:   make(map[market.AccountID]*identity.WithdrawKey),
		handlers:       make(map[string]Handler),
	}

	if init.OwnerPubKeyHex != "" {
		ownerPub, err := decodeHexKey(init.OwnerPubKeyHex)
		if err != nil {
			return nil, fmt.Errorf("rpc: owner pubkey: %w", err)
		}
		adminKey, err := identity.NewAdminKey(ownerPub)
		if err != nil {
			return nil, err
		}
		s.adminKey = adminKey
	}

	if init.OwnerPubKeyHex != "" && init.TreasuryPubKeyHex != "" {
		ownerRaw, _ := decodeHexKey(init.OwnerPubKeyHex)
		treasuryRaw, err := decodeHexKey(init.TreasuryPubKeyHex)
		if err != nil {
			return nil, fmt.Errorf("rpc: treasury pubkey: %w", err)
		}
		ownerPub, err := btcec.ParsePubKey(ownerRaw)
		if err != nil {
			return nil, fmt.Errorf("rpc: owner pubkey: %w", err)
		}
		treasuryPub, err := btcec.ParsePubKey(treasuryRaw)
		if err != nil {
			return nil, fmt.Errorf("rpc: treasury pubkey: %w", err)
		}
		s.feeQuorum = identity.NewFeeQuorum(ownerPub, treasuryPub)
	}

	for contract, hexPub := range init.ContractApprovalKeysHex {
		raw, err := hex.DecodeString(hexPub)
		if err != nil {
			return nil, fmt.Errorf("rpc: approval pubkey for %s: %w", contract, err)
		}
		key, err := identity.NewApprovalKey(raw)
		if err != nil {
			return nil, fmt.Errorf("rpc: approval pubkey for %s: %w", contract, err)
		}
		s.approvalKeys[contract] = key
	}

	s.registerHandlers()
	return s, nil
}

func decodeHexKey(h string) ([]byte, error) {
	return hex.DecodeString(h)
}

// registerHandlers registers every JSON-RPC method named in spec.md §6
// plus the NFT/FT callback and supplement (§[SUPPLEMENT]) endpoints.
func (s *Server) registerHandlers() {
	// Listing / market-data surface.
	s.handlers["buy"] = s.buy
	s.handlers["update_market_data"] = s.updateMarketData
	s.handlers["delete_market_data"] = s.deleteMarketData
	s.handlers["get_market_data"] = s.getMarketData
	s.handlers["get_transaction_fee"] = s.getTransactionFee
	s.handlers["calculate_current_transaction_fee"] = s.calculateCurrentTransactionFee
	s.handlers["calculate_market_data_transaction_fee"] = s.calculateMarketDataTransactionFee
	s.handlers["get_supply_by_owner_id"] = s.getSupplyByOwnerID

	// Auction surface.
	s.handlers["add_bid"] = s.addBid
	s.handlers["cancel_bid"] = s.cancelBid
	s.handlers["accept_bid"] = s.acceptBid

	// Offer surface.
	s.handlers["add_offer"] = s.addOffer
	s.handlers["delete_offer"] = s.deleteOffer
	s.handlers["get_offer"] = s.getOffer

	// Trade surface.
	s.handlers["delete_trade"] = s.deleteTrade
	s.handlers["get_trade"] = s.getTrade

	// Storage-deposit surface.
	s.handlers["storage_deposit"] = s.storageDeposit
	s.handlers["storage_withdraw"] = s.storageWithdraw
	s.handlers["storage_balance_of"] = s.storageBalanceOf
	s.handlers["storage_minimum_balance"] = s.storageMinimumBalance

	// Owner admin surface.
	s.handlers["set_treasury"] = s.setTreasury
	s.handlers["set_transaction_fee"] = s.setTransactionFee
	s.handlers["transfer_ownership"] = s.transferOwnership
	s.handlers["add_approved_ft_token_ids"] = s.addApprovedFTTokenIDs
	s.handlers["remove_approved_ft_token_ids"] = s.removeApprovedFTTokenIDs
	s.handlers["add_approved_nft_contract_ids"] = s.addApprovedNFTContractIDs
	s.handlers["remove_approved_nft_contract_ids"] = s.removeApprovedNFTContractIDs
	s.handlers["add_approved_marble_nft_contract_ids"] = s.addApprovedMarbleNFTContractIDs
	s.handlers["approved_ft_token_ids"] = s.approvedFTTokenIDs
	s.handlers["approved_nft_contract_ids"] = s.approvedNFTContractIDs

	// Contract callback surface.
	s.handlers["nft_on_approve"] = s.nftOnApprove
	s.handlers["ft_on_transfer"] = s.ftOnTransfer
}

// Start starts the RPC server listening on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub = NewWSHub()
	go s.wsHub.Run()
	if s.coordinator != nil {
		s.coordinator.OnEvent(s.onSettlementEvent)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop gracefully shuts down the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub, for tests and callers that want to
// broadcast out-of-band events.
func (s *Server) WSHub() *WSHub { return s.wsHub }

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := classifyError(err)
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}
	s.writeResult(w, req.ID, result)
}

// classifyError maps a market.Error's Kind to a stable JSON-RPC error
// code (spec.md §7), falling back to InternalError for anything else.
func classifyError(err error) (int, interface{}) {
	if errors.Is(err, identity.ErrBadSignature) {
		return CodeBadSignature, "bad_signature"
	}
	merr, ok := err.(*market.Error)
	if !ok {
		return InternalError, nil
	}
	switch merr.Kind {
	case market.KindPrecondition:
		return CodePrecondition, merr.Kind
	case market.KindStorageUnderfund:
		return CodeStorageUnderfunded, merr.Kind
	case market.KindOwnerOnly:
		return CodeOwnerOnly, merr.Kind
	case market.KindSellerOnly:
		return CodeSellerOnly, merr.Kind
	case market.KindBidderOnly:
		return CodeBidderOnly, merr.Kind
	default:
		return InternalError, merr.Kind
	}
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdminSignature verifies an owner-privileged call's signature
// over its canonical payload, replacing the NEAR contract's "1
// yoctoNEAR attached" full-access-key proof (spec.md §5).
func (s *Server) requireAdminSignature(method string, sigHex string, fields ...string) error {
	if s.adminKey == nil {
		return fmt.Errorf("rpc: no admin key configured for this node")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", identity.ErrBadSignature)
	}
	payload := identity.CanonicalPayload(method, fields...)
	return s.adminKey.Verify(payload, sig)
}
