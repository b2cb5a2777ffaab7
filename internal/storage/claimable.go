package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/marble-market/core/internal/market"
)

// ErrClaimableNotFound is returned when looking up a claimable balance
// that doesn't exist or has already been claimed.
var ErrClaimableNotFound = errors.New("claimable balance not found")

// ClaimableStatus is the lifecycle state of a stranded-transfer claimable
// balance.
type ClaimableStatus string

const (
	ClaimableStatusPending ClaimableStatus = "pending"
	ClaimableStatusClaimed ClaimableStatus = "claimed"
)

// ClaimableBalance records an FT amount a settlement could not route to
// its receiver — e.g. the receiver contract rejected the transfer, or the
// gateway call errored after the NFT had already moved — so it is parked
// here instead of being silently lost (SPEC_FULL.md §9 recommended
// addition).
type ClaimableBalance struct {
	ID           string
	Account      market.AccountID
	PaymentToken market.AccountID
	Amount       *big.Int
	Reason       string
	CreatedAt    int64
	ClaimedAt    *int64
	Status       ClaimableStatus
}

// CreateClaimable parks a new claimable balance, generating its id.
func (s *Storage) CreateClaimable(account, paymentToken market.AccountID, amount *big.Int, reason string, nowNs int64) (*ClaimableBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb := &ClaimableBalance{
		ID:           uuid.NewString(),
		Account:      account,
		PaymentToken: paymentToken,
		Amount:       amount,
		Reason:       reason,
		CreatedAt:    nowNs,
		Status:       ClaimableStatusPending,
	}

	_, err := s.db.Exec(`
		INSERT INTO claimable_balances (id, account, payment_token, amount, reason, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cb.ID, cb.Account, cb.PaymentToken, cb.Amount.String(), cb.Reason, cb.CreatedAt, cb.Status)
	if err != nil {
		return nil, fmt.Errorf("create claimable balance: %w", err)
	}
	return cb, nil
}

// ClaimClaimable marks a pending claimable balance as claimed, returning
// it for the caller to dispatch the retried transfer. Fails if it has
// already been claimed or doesn't exist.
func (s *Storage) ClaimClaimable(id string, nowNs int64) (*ClaimableBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, err := s.scanClaimable(id)
	if err != nil {
		return nil, err
	}
	if cb.Status != ClaimableStatusPending {
		return nil, fmt.Errorf("claimable balance %s is not pending", id)
	}

	result, err := s.db.Exec(`
		UPDATE claimable_balances SET status = ?, claimed_at = ?
		WHERE id = ? AND status = ?
	`, ClaimableStatusClaimed, nowNs, id, ClaimableStatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim claimable balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("claimable balance %s was claimed concurrently", id)
	}

	cb.Status = ClaimableStatusClaimed
	cb.ClaimedAt = &nowNs
	return cb, nil
}

// ListPendingClaimable returns every unclaimed balance for account.
func (s *Storage) ListPendingClaimable(account market.AccountID) ([]*ClaimableBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, account, payment_token, amount, reason, created_at, claimed_at, status
		FROM claimable_balances WHERE account = ? AND status = ?
	`, account, ClaimableStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list claimable balances: %w", err)
	}
	defer rows.Close()

	var out []*ClaimableBalance
	for rows.Next() {
		cb, err := scanClaimableRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func (s *Storage) scanClaimable(id string) (*ClaimableBalance, error) {
	row := s.db.QueryRow(`
		SELECT id, account, payment_token, amount, reason, created_at, claimed_at, status
		FROM claimable_balances WHERE id = ?
	`, id)
	cb, err := scanClaimableRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimableNotFound
	}
	return cb, err
}

func scanClaimableRow(scan func(dest ...interface{}) error) (*ClaimableBalance, error) {
	var cb ClaimableBalance
	var amount string
	var claimedAt sql.NullInt64

	err := scan(&cb.ID, &cb.Account, &cb.PaymentToken, &amount, &cb.Reason, &cb.CreatedAt, &claimedAt, &cb.Status)
	if err != nil {
		return nil, err
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("scan claimable balance: invalid amount %q", amount)
	}
	cb.Amount = v
	if claimedAt.Valid {
		cb.ClaimedAt = &claimedAt.Int64
	}
	return &cb, nil
}
