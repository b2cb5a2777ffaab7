package extcall

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/marble-market/core/internal/market"
)

// erc20PayoutABI describes the bridged payout relay's resolvePayout view,
// returning parallel receiver/amount arrays rather than NEAR's
// account->amount map — the same information, ABI-encoded. Modelled on the
// teacher's hand-decoded KlingonHTLC outputs (klingon_htlc.go's
// abi.ConvertType call sites) rather than full generated bindings, since
// this is the only method the settlement engine ever calls through the
// bridge.
const erc20PayoutABI = `[{
	"name": "resolvePayout",
	"type": "function",
	"stateMutability": "view",
	"inputs": [
		{"name": "token", "type": "address"},
		{"name": "tokenId", "type": "uint256"}
	],
	"outputs": [
		{"name": "receivers", "type": "address[]"},
		{"name": "amounts", "type": "uint256[]"}
	]
}]`

// ERC20Bridge decodes payouts from a bridged ERC-20 payment token routed
// through an EVM-side relay contract (SPEC_FULL.md's Open Question
// decision: FT ids matching a configured bridge prefix settle through
// here instead of the plain JSON-RPC payout map).
type ERC20Bridge struct {
	gateway        *JSONRPCGateway
	relayMethod    abi.ABI
	relayAddress   common.Address
	callMethodName string
}

// NewERC20Bridge builds a bridge decoder calling relayAddress's
// resolvePayout through gateway's underlying JSON-RPC transport.
func NewERC20Bridge(gateway *JSONRPCGateway, relayAddress common.Address) (*ERC20Bridge, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20PayoutABI))
	if err != nil {
		return nil, fmt.Errorf("extcall: parse erc20 payout abi: %w", err)
	}
	return &ERC20Bridge{
		gateway:        gateway,
		relayMethod:    parsed,
		relayAddress:   relayAddress,
		callMethodName: "resolvePayout",
	}, nil
}

// ResolvePayout calls the relay's resolvePayout and decodes its
// ABI-encoded return data into the same Payout shape the plain JSON
// decode path produces, so settlement code never needs to know which
// chain a payment token actually lives on.
func (b *ERC20Bridge) ResolvePayout(ctx context.Context, bridgedToken common.Address, tokenID *big.Int) (Payout, error) {
	input, err := b.relayMethod.Pack(b.callMethodName, bridgedToken, tokenID)
	if err != nil {
		return nil, fmt.Errorf("extcall: pack resolvePayout call: %w", err)
	}

	raw, err := b.gateway.call(ctx, "eth_call", []interface{}{
		map[string]interface{}{
			"to":   b.relayAddress.Hex(),
			"data": "0x" + common.Bytes2Hex(input),
		},
		"latest",
	})
	if err != nil {
		return nil, fmt.Errorf("extcall: eth_call resolvePayout: %w", err)
	}

	var hexResult string
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return nil, fmt.Errorf("extcall: decode eth_call result: %w", err)
	}

	out, err := b.relayMethod.Unpack(b.callMethodName, common.FromHex(hexResult))
	if err != nil {
		return nil, fmt.Errorf("%w: unpack resolvePayout: %v", ErrBadPayout, err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("%w: resolvePayout returned %d values, want 2", ErrBadPayout, len(out))
	}

	receivers := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	amounts := *abi.ConvertType(out[1], new([]*big.Int)).(*[]*big.Int)
	if len(receivers) != len(amounts) {
		return nil, fmt.Errorf("%w: resolvePayout receivers/amounts length mismatch", ErrBadPayout)
	}

	payout := make(Payout, len(receivers))
	for i, addr := range receivers {
		amount := amounts[i]
		if amount == nil || amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative or missing amount for %s", ErrBadPayout, addr.Hex())
		}
		payout[market.AccountID(strings.ToLower(addr.Hex()))] = amount
	}
	return payout, nil
}
