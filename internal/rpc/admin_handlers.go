package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/marble-market/core/internal/identity"
	"github.com/marble-market/core/internal/market"
)

type setTreasuryParams struct {
	Account   string `json:"account"`
	Signature string `json:"signature_hex"`
}

// setTreasury requires the owner's btcsuite signature over
// "set_treasury|<account>" (spec.md §5, replacing "1 yoctoNEAR attached").
func (s *Server) setTreasury(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p setTreasuryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireAdminSignature("set_treasury", p.Signature, p.Account); err != nil {
		return nil, err
	}
	s.registry.SetTreasury(p.Account)
	s.broadcast(EventOwnerAction, map[string]string{"action": "set_treasury", "account": p.Account})
	return true, nil
}

type transferOwnershipParams struct {
	Account   string `json:"account"`
	Signature string `json:"signature_hex"`
}

func (s *Server) transferOwnership(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p transferOwnershipParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireAdminSignature("transfer_ownership", p.Signature, p.Account); err != nil {
		return nil, err
	}
	s.registry.TransferOwnership(p.Account)
	s.broadcast(EventOwnerAction, map[string]string{"action": "transfer_ownership", "account": p.Account})
	return true, nil
}

type setTransactionFeeParams struct {
	NextFeeBps      uint16 `json:"next_fee_bps"`
	StartTimeSec    *int64 `json:"start_time_sec,omitempty"`
	Signature       string `json:"signature_hex"`
	QuorumSignature string `json:"quorum_signature_hex,omitempty"`
}

// setTransactionFee requires the owner's signature alone for a small
// change, or the MuSig2 owner+treasury aggregate signature once the delta
// from the current fee exceeds config.FeeQuorumDeltaBasisPoints.
func (s *Server) setTransactionFee(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p setTransactionFeeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	current := s.registry.GetTransactionFee().CurrentFee
	delta := int(p.NextFeeBps) - int(current)
	if delta < 0 {
		delta = -delta
	}

	var startField string
	if p.StartTimeSec != nil {
		startField = strconv.FormatInt(*p.StartTimeSec, 10)
	}
	payload := []string{strconv.FormatUint(uint64(p.NextFeeBps), 10), startField}

	if s.feeQuorum != nil && delta > int(s.feeQuorumDelta) {
		if p.QuorumSignature == "" {
			return nil, precondition("fee change of %d bps requires the owner+treasury quorum signature", delta)
		}
		sig, err := hex.DecodeString(p.QuorumSignature)
		if err != nil {
			return nil, precondition("quorum_signature_hex is not valid hex")
		}
		if err := s.feeQuorum.VerifyAggregateSignature(identity.CanonicalPayload("set_transaction_fee", payload...), sig); err != nil {
			return nil, err
		}
	} else if err := s.requireAdminSignature("set_transaction_fee", p.Signature, payload...); err != nil {
		return nil, err
	}

	if err := s.registry.SetTransactionFee(p.NextFeeBps, p.StartTimeSec, market.ToSec(market.NowNs())); err != nil {
		return nil, err
	}
	s.broadcast(EventOwnerAction, map[string]interface{}{"action": "set_transaction_fee", "next_fee_bps": p.NextFeeBps})
	return true, nil
}

type approvedIDsParams struct {
	AccountIDs []string `json:"account_ids"`
	Signature  string   `json:"signature_hex"`
}

func (s *Server) addApprovedFTTokenIDs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p approvedIDsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireAdminSignature("add_approved_ft_token_ids", p.Signature, strings.Join(p.AccountIDs, ",")); err != nil {
		return nil, err
	}
	s.registry.AddApprovedFT(p.AccountIDs)
	return true, nil
}

func (s *Server) removeApprovedFTTokenIDs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p approvedIDsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireAdminSignature("remove_approved_ft_token_ids", p.Signature, strings.Join(p.AccountIDs, ",")); err != nil {
		return nil, err
	}
	s.registry.RemoveApprovedFT(p.AccountIDs)
	return true, nil
}

func (s *Server) addApprovedNFTContractIDs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p approvedIDsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireAdminSignature("add_approved_nft_contract_ids", p.Signature, strings.Join(p.AccountIDs, ",")); err != nil {
		return nil, err
	}
	s.registry.AddApprovedNFT(p.AccountIDs)
	return true, nil
}

func (s *Server) removeApprovedNFTContractIDs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p approvedIDsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireAdminSignature("remove_approved_nft_contract_ids", p.Signature, strings.Join(p.AccountIDs, ",")); err != nil {
		return nil, err
	}
	s.registry.RemoveApprovedNFT(p.AccountIDs)
	return true, nil
}

// addApprovedMarbleNFTContractIDs restores the original contract's
// marble-series allowlist admin call (SPEC_FULL supplement item 3).
func (s *Server) addApprovedMarbleNFTContractIDs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p approvedIDsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.requireAdminSignature("add_approved_marble_nft_contract_ids", p.Signature, strings.Join(p.AccountIDs, ",")); err != nil {
		return nil, err
	}
	s.registry.AddMarbleNFT(p.AccountIDs)
	return true, nil
}

func (s *Server) approvedFTTokenIDs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return s.registry.ApprovedFTTokenIDs(), nil
}

func (s *Server) approvedNFTContractIDs(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return s.registry.ApprovedNFTContractIDs(), nil
}

