package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/internal/identity"
)

type storageDepositParams struct {
	Depositor       string `json:"depositor"`
	Account         string `json:"account"`
	Amount          string `json:"amount"`
	WithdrawPubKey  string `json:"withdraw_pubkey_hex,omitempty"`
}

// storageDeposit credits account's storage balance and, if withdraw_pubkey
// is supplied, registers the key storage_withdraw will later require a
// decred-secp256k1 proof against (spec.md §9's note that this key is
// registered at deposit time, unlike the genesis-bound admin keys).
func (s *Server) storageDeposit(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p storageDepositParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return nil, precondition("amount is not a valid integer")
	}

	balance, err := s.registry.StorageDeposit(p.Depositor, p.Account, amount)
	if err != nil {
		return nil, err
	}

	account := p.Account
	if account == "" {
		account = p.Depositor
	}
	if p.WithdrawPubKey != "" {
		raw, err := hex.DecodeString(p.WithdrawPubKey)
		if err != nil {
			return nil, precondition("withdraw_pubkey_hex is not valid hex")
		}
		key, err := identity.NewWithdrawKey(raw)
		if err != nil {
			return nil, precondition("%v", err)
		}
		s.withdrawMu.Lock()
		s.withdrawKeys[account] = key
		s.withdrawMu.Unlock()
	}

	return map[string]string{"balance": balance.String()}, nil
}

type storageWithdrawParams struct {
	Account   string `json:"account"`
	Signature string `json:"signature_hex"`
}

// storageWithdraw returns an account's withdrawable storage credit. The
// caller must sign the canonical "(storage_withdraw|account)" payload
// with the key it registered at storage_deposit time.
func (s *Server) storageWithdraw(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p storageWithdrawParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	s.withdrawMu.RLock()
	key, ok := s.withdrawKeys[p.Account]
	s.withdrawMu.RUnlock()
	if !ok {
		return nil, precondition("account %s has no withdraw key registered", p.Account)
	}

	sig, err := hex.DecodeString(p.Signature)
	if err != nil {
		return nil, precondition("signature_hex is not valid hex")
	}
	payload := identity.CanonicalPayload("storage_withdraw", p.Account)
	if err := key.Verify(payload, sig); err != nil {
		return nil, err
	}

	amount, err := s.registry.StorageWithdraw(p.Account)
	if err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		if err := s.coordinator.Refund(ctx, p.Account, config.NativeToken, amount, "storage_withdraw"); err != nil {
			s.log.Error("storage withdraw payout failed", "account", p.Account, "error", err)
		}
	}
	return map[string]string{"withdrawn": amount.String()}, nil
}

type accountIDParams struct {
	AccountID string `json:"account_id"`
}

func (s *Server) storageBalanceOf(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p accountIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	balance, err := s.registry.StorageBalanceOf(p.AccountID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"balance": balance.String()}, nil
}

func (s *Server) storageMinimumBalance(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]string{"minimum": s.registry.StorageMinimumBalance().String()}, nil
}
