package market

import "math/big"

// Store is the persistence boundary the registry writes through to on
// every mutation, so an in-flight listing/offer/trade survives a process
// restart. internal/storage.Storage implements it; tests use an
// in-memory fake (see store_memory_test.go) so market's state-machine
// logic is verifiable without SQLite.
type Store interface {
	PutListing(l *Listing) error
	DeleteListing(key2 string) error
	PutLegacyListing(l *Listing) error // migrate-out target, §9
	DeleteOffer(key3 string) error
	PutOffer(o *Offer) error
	PutTradeIntent(t *TradeIntent) error
	DeleteTradeIntent(key3 string) error
	PutFeeSchedule(f FeeSchedule) error
	PutFeeSnapshot(key2 string, bps BasisPoints) error
	DeleteFeeSnapshot(key2 string) error

	StorageBalance(account AccountID) (*big.Int, error)
	SetStorageBalance(account AccountID, balance *big.Int) error
}
