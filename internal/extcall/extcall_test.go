package extcall

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func TestValidatePayoutRejectsTooManyEntries(t *testing.T) {
	p := Payout{"a.near": big.NewInt(1), "b.near": big.NewInt(1)}
	err := ValidatePayout(p, big.NewInt(2), 1, big.NewInt(0))
	if err != ErrBadPayout {
		t.Fatalf("expected ErrBadPayout, got %v", err)
	}
}

func TestValidatePayoutRejectsUnderPrice(t *testing.T) {
	p := Payout{"a.near": big.NewInt(50)}
	err := ValidatePayout(p, big.NewInt(100), 10, big.NewInt(5))
	if err != ErrBadPayout {
		t.Fatalf("expected ErrBadPayout for underfunded payout, got %v", err)
	}
}

func TestValidatePayoutAcceptsWithinTolerance(t *testing.T) {
	p := Payout{"a.near": big.NewInt(97)}
	if err := ValidatePayout(p, big.NewInt(100), 10, big.NewInt(5)); err != nil {
		t.Fatalf("expected payout within tolerance to pass, got %v", err)
	}
}

func TestValidatePayoutRejectsNegativeAmount(t *testing.T) {
	p := Payout{"a.near": big.NewInt(-1)}
	if err := ValidatePayout(p, big.NewInt(0), 10, big.NewInt(0)); err != ErrBadPayout {
		t.Fatalf("expected ErrBadPayout for negative amount, got %v", err)
	}
}

func TestDecodePayoutWrappedShape(t *testing.T) {
	raw := json.RawMessage(`{"payout":{"a.near":"10","b.near":"90"}}`)
	p, err := decodePayout(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p) != 2 || p["a.near"].Cmp(big.NewInt(10)) != 0 || p["b.near"].Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("unexpected payout: %+v", p)
	}
}

func TestDecodePayoutBareShape(t *testing.T) {
	raw := json.RawMessage(`{"a.near":"10","b.near":"90"}`)
	p, err := decodePayout(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p) != 2 || p["b.near"].Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("unexpected payout: %+v", p)
	}
}

func TestDecodePayoutRejectsMalformedAmount(t *testing.T) {
	raw := json.RawMessage(`{"a.near":"not-a-number"}`)
	if _, err := decodePayout(raw); err == nil {
		t.Fatalf("expected error for malformed amount")
	}
}

func TestJSONRPCGatewayNFTTransferPayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "nft_transfer_payout" {
			t.Fatalf("unexpected method: %s", req.Method)
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"payout":{"seller.near":"95","royalty.near":"5"}}`)}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	gw := NewJSONRPCGateway(srv.URL, 0)
	payout, err := gw.NFTTransferPayout(context.Background(), "nft.near", "buyer.near", "1", 1, big.NewInt(100), 10)
	if err != nil {
		t.Fatalf("nft transfer payout: %v", err)
	}
	if len(payout) != 2 || payout["seller.near"].Cmp(big.NewInt(95)) != 0 {
		t.Fatalf("unexpected payout: %+v", payout)
	}
}

func TestJSONRPCGatewayPropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: "token not found"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	gw := NewJSONRPCGateway(srv.URL, 0)
	if err := gw.FTTransfer(context.Background(), "usdc.near", "a.near", big.NewInt(1)); err == nil {
		t.Fatalf("expected rpc error to propagate")
	}
}

// TestERC20BridgeResolvePayoutRoundTrips exercises the full pack/eth_call/
// unpack path: a fake RPC server packs a resolvePayout return value the
// same way a real EVM node would, and ResolvePayout must decode it back
// into the shared Payout shape.
func TestERC20BridgeResolvePayoutRoundTrips(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(erc20PayoutABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	receiver := common.HexToAddress("0x00000000000000000000000000000000000aa")
	amount := big.NewInt(100)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "eth_call" {
			t.Fatalf("unexpected method: %s", req.Method)
		}

		encoded, err := parsed.Methods["resolvePayout"].Outputs.Pack([]common.Address{receiver}, []*big.Int{amount})
		if err != nil {
			t.Fatalf("pack result: %v", err)
		}
		hexResult, err := json.Marshal("0x" + common.Bytes2Hex(encoded))
		if err != nil {
			t.Fatalf("marshal hex result: %v", err)
		}
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(hexResult)}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	gw := NewJSONRPCGateway(srv.URL, 0)
	relay := common.HexToAddress("0x00000000000000000000000000000000000bb")
	bridge, err := NewERC20Bridge(gw, relay)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}

	payout, err := bridge.ResolvePayout(context.Background(), receiver, big.NewInt(0))
	if err != nil {
		t.Fatalf("resolve payout: %v", err)
	}
	if len(payout) != 1 {
		t.Fatalf("unexpected payout: %+v", payout)
	}
	for _, v := range payout {
		if v.Cmp(amount) != 0 {
			t.Fatalf("unexpected amount: %v", v)
		}
	}
}
