package market

import "math/big"

// memoryStore is an in-memory Store fake used only by this package's
// tests, so the registry's state-machine logic is verifiable without
// wiring up internal/storage's SQLite backend.
type memoryStore struct {
	listings       map[string]*Listing
	legacyListings map[string]*Listing
	offers         map[string]*Offer
	trades         map[string]*TradeIntent
	fee            FeeSchedule
	feeSnapshots   map[string]BasisPoints
	balances       map[AccountID]*big.Int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		listings:       make(map[string]*Listing),
		legacyListings: make(map[string]*Listing),
		offers:         make(map[string]*Offer),
		trades:         make(map[string]*TradeIntent),
		feeSnapshots:   make(map[string]BasisPoints),
		balances:       make(map[AccountID]*big.Int),
	}
}

func (m *memoryStore) PutListing(l *Listing) error {
	m.listings[l.Key2()] = l
	return nil
}

func (m *memoryStore) DeleteListing(key2 string) error {
	delete(m.listings, key2)
	return nil
}

func (m *memoryStore) PutLegacyListing(l *Listing) error {
	m.legacyListings[l.Key2()] = l
	return nil
}

func (m *memoryStore) DeleteOffer(key3 string) error {
	delete(m.offers, key3)
	return nil
}

func (m *memoryStore) PutOffer(o *Offer) error {
	m.offers[Key3(o.NFTContract, o.Buyer, o.Target())] = o
	return nil
}

func (m *memoryStore) PutTradeIntent(t *TradeIntent) error {
	m.trades[Key3(t.BuyerNFTContract, t.Buyer, t.BuyerTokenID)] = t
	return nil
}

func (m *memoryStore) DeleteTradeIntent(key3 string) error {
	delete(m.trades, key3)
	return nil
}

func (m *memoryStore) PutFeeSchedule(f FeeSchedule) error {
	m.fee = f
	return nil
}

func (m *memoryStore) PutFeeSnapshot(key2 string, bps BasisPoints) error {
	m.feeSnapshots[key2] = bps
	return nil
}

func (m *memoryStore) DeleteFeeSnapshot(key2 string) error {
	delete(m.feeSnapshots, key2)
	return nil
}

func (m *memoryStore) StorageBalance(account AccountID) (*big.Int, error) {
	if b, ok := m.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (m *memoryStore) SetStorageBalance(account AccountID, balance *big.Int) error {
	m.balances[account] = balance
	return nil
}

var _ Store = (*memoryStore)(nil)
