package extcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"
)

// JSONRPCGateway implements Gateway against a JSON-RPC endpoint fronting
// the NFT and FT contracts, grounded on the teacher's JSONRPCBackend
// (same envelope: incrementing request id, bearer-free client, no custom
// transport).
type JSONRPCGateway struct {
	url        string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewJSONRPCGateway returns a gateway calling url with timeout.
func NewJSONRPCGateway(url string, timeout time.Duration) *JSONRPCGateway {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &JSONRPCGateway{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func (g *JSONRPCGateway) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      g.requestID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("extcall: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extcall: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extcall: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("extcall: read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("extcall: unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// NFTTransferPayout implements Gateway.
func (g *JSONRPCGateway) NFTTransferPayout(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64, balance *big.Int, maxLenPayout int) (Payout, error) {
	result, err := g.call(ctx, "nft_transfer_payout", []interface{}{
		nftContract, receiver, tokenID, approvalID, balance.String(), maxLenPayout,
	})
	if err != nil {
		return nil, err
	}
	return decodePayout(result)
}

// NFTTransfer implements Gateway.
func (g *JSONRPCGateway) NFTTransfer(ctx context.Context, nftContract, receiver, tokenID string, approvalID uint64) error {
	_, err := g.call(ctx, "nft_transfer", []interface{}{nftContract, receiver, tokenID, approvalID})
	return err
}

// FTTransfer implements Gateway.
func (g *JSONRPCGateway) FTTransfer(ctx context.Context, ftContract, receiver string, amount *big.Int) error {
	_, err := g.call(ctx, "ft_transfer", []interface{}{ftContract, receiver, amount.String()})
	return err
}

// decodePayout accepts either {"payout": {account: amount}} or a bare
// {account: amount} map, per spec.md §6's note that the NFT contract's
// response shape is not itself standardized.
func decodePayout(raw json.RawMessage) (Payout, error) {
	var wrapped struct {
		Payout map[string]string `json:"payout"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Payout != nil {
		return parsePayoutStrings(wrapped.Payout)
	}

	var bare map[string]string
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, errors.Join(ErrBadPayout, err)
	}
	return parsePayoutStrings(bare)
}

func parsePayoutStrings(m map[string]string) (Payout, error) {
	out := make(Payout, len(m))
	for account, amount := range m {
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("%w: invalid amount %q for %s", ErrBadPayout, amount, account)
		}
		out[account] = v
	}
	return out, nil
}
