package market

import "github.com/marble-market/core/internal/config"

// SetTransactionFee mirrors the original's set_transaction_fee: with no
// startTimeSec, the change is immediate; with one, it is staged and only
// one pending change may exist at a time.
func (r *Registry) SetTransactionFee(nextFee BasisPoints, startTimeSec *int64, nowSec int64) error {
	if nextFee >= config.MaxBasisPoints {
		return precondition("fee %d must be below %d basis points", nextFee, config.MaxBasisPoints)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if startTimeSec == nil {
		r.fee = FeeSchedule{CurrentFee: nextFee}
		return r.store.PutFeeSchedule(r.fee)
	}

	if *startTimeSec <= nowSec {
		return precondition("start time %d must be in the future (now=%d)", *startTimeSec, nowSec)
	}

	r.fee.NextFee = &nextFee
	r.fee.StartTimeSec = startTimeSec
	return r.store.PutFeeSchedule(r.fee)
}

// CalculateCurrentTransactionFee lazily applies any pending change whose
// start time has arrived and returns the now-current fee.
func (r *Registry) CalculateCurrentTransactionFee(nowSec int64) BasisPoints {
	r.mu.Lock()
	defer r.mu.Unlock()
	applied := r.fee.Apply(nowSec)
	_ = r.store.PutFeeSchedule(r.fee)
	return applied
}

// GetTransactionFee is a read-only view of the schedule without lazily
// applying a pending change.
func (r *Registry) GetTransactionFee() FeeSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fee
}

// FeeForListing returns the fee snapshot captured when the listing at
// key2 was created, falling back to the current schedule if no snapshot
// exists (invariant 4, §3).
func (r *Registry) FeeForListing(key2 string, nowSec int64) BasisPoints {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bps, ok := r.feeSnapshots[key2]; ok {
		return bps
	}
	return r.fee.Apply(nowSec)
}

// captureFeeSnapshot records the current fee for a newly created listing.
// Must be called with r.mu held.
func (r *Registry) captureFeeSnapshot(key2 string, nowSec int64) error {
	bps := r.fee.Apply(nowSec)
	r.feeSnapshots[key2] = bps
	return r.store.PutFeeSnapshot(key2, bps)
}

// consumeFeeSnapshot removes the snapshot once settlement has used it
// (resolve_purchase/resolve_offer). Must be called with r.mu held.
func (r *Registry) consumeFeeSnapshot(key2 string) error {
	delete(r.feeSnapshots, key2)
	return r.store.DeleteFeeSnapshot(key2)
}

// ConsumeFeeSnapshot is consumeFeeSnapshot for callers outside the
// package (the settlement engine, once it has used the snapshot to
// compute the treasury cut of a completed sale).
func (r *Registry) ConsumeFeeSnapshot(key2 string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumeFeeSnapshot(key2)
}
