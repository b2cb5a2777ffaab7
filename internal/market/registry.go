package market

import (
	"sync"

	"github.com/marble-market/core/internal/config"
	"github.com/marble-market/core/pkg/logging"
)

// Registry holds the marketplace's authoritative in-memory state: active
// listings, offers, trade intents, the fee schedule, per-listing fee
// snapshots, and the owner-index; storage-deposit balances are read and
// written through its Store rather than held here. It is the Go
// analogue of the NEAR contract's `Contract` struct, generalized from
// near_sdk collections to plain maps guarded by one mutex — grounded on
// the teacher's swap.Coordinator, which holds its active-swap map behind
// exactly the same kind of lock so that "remove before outbound call"
// is atomic (spec.md §5).
type Registry struct {
	mu sync.Mutex

	store Store
	log   *logging.Logger

	owner    AccountID
	treasury AccountID

	approvedFT  map[AccountID]bool
	approvedNFT map[AccountID]bool
	marbleNFT   map[AccountID]bool

	listings       map[string]*Listing // key2 -> listing
	legacyListings map[string]*Listing // key2 -> listing, read-through only
	offers         map[string]*Offer   // key3 -> offer
	trades         map[string]*TradeIntent
	byOwner        map[AccountID]map[string]bool // account -> set of composite keys

	fee           FeeSchedule
	feeSnapshots  map[string]BasisPoints // key2 -> bps captured at listing creation
}

// New creates a Registry from genesis parameters.
func New(init *config.Init, store Store) *Registry {
	r := &Registry{
		store:          store,
		log:            logging.GetDefault().Component("market"),
		owner:          init.Owner,
		treasury:       init.Treasury,
		approvedFT:     toSet(init.ApprovedFTTokenIDs),
		approvedNFT:    toSet(init.ApprovedNFTContracts),
		marbleNFT:      toSet(init.MarbleNFTContracts),
		listings:       make(map[string]*Listing),
		legacyListings: make(map[string]*Listing),
		offers:         make(map[string]*Offer),
		trades:         make(map[string]*TradeIntent),
		byOwner:        make(map[AccountID]map[string]bool),
		fee:            FeeSchedule{CurrentFee: init.InitialFeeBasisPoints},
		feeSnapshots:   make(map[string]BasisPoints),
	}
	return r
}

func toSet(ids []string) map[AccountID]bool {
	m := make(map[AccountID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// Owner returns the contract owner account.
func (r *Registry) Owner() AccountID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// Treasury returns the treasury account.
func (r *Registry) Treasury() AccountID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.treasury
}

// SetTreasury updates the treasury account (owner-only, checked by caller
// via identity.AdminKey before this is invoked).
func (r *Registry) SetTreasury(account AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treasury = account
}

// TransferOwnership updates the owner account.
func (r *Registry) TransferOwnership(account AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = account
}

// IsOwner reports whether account is the current contract owner.
func (r *Registry) IsOwner(account AccountID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return account == r.owner
}

// AddApprovedFT / RemoveApprovedFT / AddApprovedNFT / RemoveApprovedNFT /
// AddMarbleNFT mutate the allowlists, restoring the original contract's
// admin surface (SPEC_FULL supplement item 3).
func (r *Registry) AddApprovedFT(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.approvedFT[id] = true
	}
}

func (r *Registry) RemoveApprovedFT(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.approvedFT, id)
	}
}

func (r *Registry) AddApprovedNFT(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.approvedNFT[id] = true
	}
}

func (r *Registry) RemoveApprovedNFT(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.approvedNFT, id)
	}
}

func (r *Registry) AddMarbleNFT(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.marbleNFT[id] = true
	}
}

func (r *Registry) IsApprovedFT(id AccountID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id == config.NativeToken || r.approvedFT[id]
}

func (r *Registry) IsApprovedNFT(id AccountID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.approvedNFT[id]
}

func (r *Registry) IsMarbleNFT(id AccountID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marbleNFT[id]
}

// ApprovedFTTokenIDs / ApprovedNFTContractIDs are read-only views restored
// per SPEC_FULL supplement item 2.
func (r *Registry) ApprovedFTTokenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keysOf(r.approvedFT)
}

func (r *Registry) ApprovedNFTContractIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keysOf(r.approvedNFT)
}

func keysOf(m map[AccountID]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// addToOwnerIndex / removeFromOwnerIndex maintain invariant 5 (§3): by
// owner[a] equals the set of composite keys a owns. Callers must hold
// r.mu.
func (r *Registry) addToOwnerIndex(owner AccountID, key string) {
	set, ok := r.byOwner[owner]
	if !ok {
		set = make(map[string]bool)
		r.byOwner[owner] = set
	}
	set[key] = true
}

func (r *Registry) removeFromOwnerIndex(owner AccountID, key string) {
	set, ok := r.byOwner[owner]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(r.byOwner, owner)
	}
}

// SupplyByOwner returns the count of composite keys owned by account
// across listings, offers, and trade intents (SPEC_FULL supplement
// item 1, `get_supply_by_owner_id`).
func (r *Registry) SupplyByOwner(account AccountID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.byOwner[account]))
}

// countOwned is the internal, already-locked variant storagefund.go's
// gate calls before inserting a new owned record.
func (r *Registry) countOwned(account AccountID) int {
	return len(r.byOwner[account])
}
