package storage

import (
	"database/sql"
	"fmt"

	"github.com/marble-market/core/internal/market"
)

// PutFeeSchedule upserts the single fee-schedule row, implementing
// market.Store.
func (s *Storage) PutFeeSchedule(f market.FeeSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO fee_schedule (id, current_fee, next_fee, start_time_sec)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_fee = excluded.current_fee,
			next_fee = excluded.next_fee,
			start_time_sec = excluded.start_time_sec
	`, f.CurrentFee, f.NextFee, f.StartTimeSec)
	if err != nil {
		return fmt.Errorf("put fee schedule: %w", err)
	}
	return nil
}

// GetFeeSchedule reads the fee-schedule row, used to hydrate the registry
// at startup. Returns the zero schedule if none has been written yet.
func (s *Storage) GetFeeSchedule() (market.FeeSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var f market.FeeSchedule
	var nextFee sql.NullInt64
	var startTime sql.NullInt64
	err := s.db.QueryRow(`SELECT current_fee, next_fee, start_time_sec FROM fee_schedule WHERE id = 1`).
		Scan(&f.CurrentFee, &nextFee, &startTime)
	if err == sql.ErrNoRows {
		return market.FeeSchedule{}, nil
	}
	if err != nil {
		return market.FeeSchedule{}, fmt.Errorf("get fee schedule: %w", err)
	}
	if nextFee.Valid {
		v := market.BasisPoints(nextFee.Int64)
		f.NextFee = &v
	}
	if startTime.Valid {
		f.StartTimeSec = &startTime.Int64
	}
	return f, nil
}

// PutFeeSnapshot upserts a per-listing fee snapshot.
func (s *Storage) PutFeeSnapshot(key2 string, bps market.BasisPoints) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO fee_snapshots (key2, bps) VALUES (?, ?)
		ON CONFLICT(key2) DO UPDATE SET bps = excluded.bps
	`, key2, bps)
	if err != nil {
		return fmt.Errorf("put fee snapshot: %w", err)
	}
	return nil
}

// DeleteFeeSnapshot removes a per-listing fee snapshot.
func (s *Storage) DeleteFeeSnapshot(key2 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM fee_snapshots WHERE key2 = ?", key2)
	if err != nil {
		return fmt.Errorf("delete fee snapshot: %w", err)
	}
	return nil
}

// ListFeeSnapshots reads every fee-snapshot row, used to rebuild the
// registry's in-memory map at startup.
func (s *Storage) ListFeeSnapshots() (map[string]market.BasisPoints, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key2, bps FROM fee_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("list fee snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]market.BasisPoints)
	for rows.Next() {
		var key2 string
		var bps market.BasisPoints
		if err := rows.Scan(&key2, &bps); err != nil {
			return nil, fmt.Errorf("scan fee snapshot: %w", err)
		}
		out[key2] = bps
	}
	return out, rows.Err()
}
