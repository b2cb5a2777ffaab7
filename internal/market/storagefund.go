package market

import (
	"math/big"

	"github.com/marble-market/core/pkg/helpers"
)

// requireStorageFunded enforces the invariant balance(a) >=
// (count(a)+1) * STORAGE_ADD_MARKET_DATA before inserting a new
// owned record for account. Must be called with r.mu held.
func (r *Registry) requireStorageFunded(account AccountID) error {
	balance, err := r.store.StorageBalance(account)
	if err != nil {
		return err
	}
	required := new(big.Int).Mul(big.NewInt(int64(r.countOwned(account)+1)), StorageAddMarketData())
	if helpers.MoneyLess(balance, required) {
		return storageUnderfunded(
			"account %s has %s storage credit, needs %s for %d owned record(s)",
			account, balance.String(), required.String(), r.countOwned(account)+1,
		)
	}
	return nil
}

// StorageDeposit credits account (defaulting to depositor) with amount,
// requiring amount >= StorageAddMarketData.
func (r *Registry) StorageDeposit(depositor AccountID, account AccountID, amount *big.Int) (*big.Int, error) {
	if account == "" {
		account = depositor
	}
	if helpers.MoneyLess(amount, StorageAddMarketData()) {
		return nil, precondition("deposit %s is below the minimum storage deposit %s", amount.String(), StorageAddMarketData().String())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	balance, err := r.store.StorageBalance(account)
	if err != nil {
		return nil, err
	}
	newBalance := helpers.MoneyAdd(balance, amount)
	if err := r.store.SetStorageBalance(account, newBalance); err != nil {
		return nil, err
	}
	return newBalance, nil
}

// StorageWithdraw returns all credit above what account's currently owned
// records require, zeroing the withdrawable portion.
func (r *Registry) StorageWithdraw(account AccountID) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	balance, err := r.store.StorageBalance(account)
	if err != nil {
		return nil, err
	}
	reserved := new(big.Int).Mul(big.NewInt(int64(r.countOwned(account))), StorageAddMarketData())
	if helpers.MoneyLess(balance, reserved) {
		// Should not happen under invariant 1, but never hand back a
		// negative withdrawal.
		return big.NewInt(0), nil
	}
	withdrawable := helpers.MoneySub(balance, reserved)
	if err := r.store.SetStorageBalance(account, reserved); err != nil {
		return nil, err
	}
	return withdrawable, nil
}

// StorageBalanceOf is a read-only view.
func (r *Registry) StorageBalanceOf(account AccountID) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.StorageBalance(account)
}

// StorageMinimumBalance is a pure view of the constant.
func (r *Registry) StorageMinimumBalance() *big.Int {
	return StorageAddMarketData()
}
