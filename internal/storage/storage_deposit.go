package storage

import (
	"database/sql"
	"fmt"
	"math/big"

	"github.com/marble-market/core/internal/market"
)

// StorageBalance reads an account's storage-deposit credit, defaulting to
// zero for an account never seen before, implementing market.Store.
func (s *Storage) StorageBalance(account market.AccountID) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balance string
	err := s.db.QueryRow("SELECT balance FROM storage_balances WHERE account = ?", account).Scan(&balance)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get storage balance: %w", err)
	}
	v, ok := new(big.Int).SetString(balance, 10)
	if !ok {
		return nil, fmt.Errorf("get storage balance: invalid value %q for %s", balance, account)
	}
	return v, nil
}

// SetStorageBalance upserts an account's storage-deposit credit.
func (s *Storage) SetStorageBalance(account market.AccountID, balance *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO storage_balances (account, balance) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET balance = excluded.balance
	`, account, balance.String())
	if err != nil {
		return fmt.Errorf("set storage balance: %w", err)
	}
	return nil
}
