package market

import (
	"math/big"
	"testing"

	"github.com/marble-market/core/internal/config"
)

func newTestRegistry() (*Registry, *memoryStore) {
	store := newMemoryStore()
	init := &config.Init{
		Owner:                 "owner.near",
		Treasury:              "treasury.near",
		ApprovedNFTContracts:  []string{"nft.near"},
		MarbleNFTContracts:    []string{"nft.near"},
		InitialFeeBasisPoints: 250,
	}
	return New(init, store), store
}

func fund(t *testing.T, r *Registry, account AccountID, records int) {
	t.Helper()
	need := new(big.Int).Mul(big.NewInt(int64(records)), StorageAddMarketData())
	if _, err := r.StorageDeposit(account, account, need); err != nil {
		t.Fatalf("fund %s: %v", account, err)
	}
}

func money(n int64) *big.Int { return big.NewInt(n) }
