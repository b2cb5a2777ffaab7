package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SettlementJobStatus is the lifecycle state of a durable settlement job.
type SettlementJobStatus string

const (
	SettlementJobPending SettlementJobStatus = "pending"
	SettlementJobRunning SettlementJobStatus = "running"
	SettlementJobDone    SettlementJobStatus = "done"
	SettlementJobFailed  SettlementJobStatus = "failed"
)

// ErrSettlementJobNotFound is returned by GetSettlementJob for an unknown id.
var ErrSettlementJobNotFound = errors.New("settlement job not found")

// SettlementJob is one durable unit of work behind the async dispatcher:
// an NFT transfer-and-payout, an offer resolution, or a barter leg, queued
// so a process restart never silently abandons it mid-flight
// (spec.md §5, SPEC_FULL.md's C8 settlement engine section).
type SettlementJob struct {
	ID            string
	Kind          string
	Payload       string // JSON, shape depends on Kind
	Status        SettlementJobStatus
	Attempts      int
	CreatedAt     int64
	NextAttemptAt int64
	LastError     string
}

// EnqueueSettlementJob persists a new job, generating its id.
func (s *Storage) EnqueueSettlementJob(kind, payload string, nowNs int64) (*SettlementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &SettlementJob{
		ID:            uuid.NewString(),
		Kind:          kind,
		Payload:       payload,
		Status:        SettlementJobPending,
		CreatedAt:     nowNs,
		NextAttemptAt: nowNs,
	}

	_, err := s.db.Exec(`
		INSERT INTO settlement_jobs (id, kind, payload, status, attempts, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, job.ID, job.Kind, job.Payload, job.Status, job.CreatedAt, job.NextAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue settlement job: %w", err)
	}
	return job, nil
}

// DuePendingJobs returns every pending job whose next_attempt_at has
// arrived, for the dispatcher's retry loop to pick up.
func (s *Storage) DuePendingJobs(nowNs int64) ([]*SettlementJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, payload, status, attempts, created_at, next_attempt_at, last_error
		FROM settlement_jobs
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
	`, SettlementJobPending, nowNs)
	if err != nil {
		return nil, fmt.Errorf("list due settlement jobs: %w", err)
	}
	defer rows.Close()

	var out []*SettlementJob
	for rows.Next() {
		job, err := scanSettlementJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkSettlementJobRunning transitions a job from pending to running, so
// a concurrently-running dispatcher doesn't double-pick it up.
func (s *Storage) MarkSettlementJobRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE settlement_jobs SET status = ?, attempts = attempts + 1
		WHERE id = ? AND status = ?
	`, SettlementJobRunning, id, SettlementJobPending)
	if err != nil {
		return fmt.Errorf("mark settlement job running: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("settlement job %s was not pending", id)
	}
	return nil
}

// MarkSettlementJobDone completes a job successfully.
func (s *Storage) MarkSettlementJobDone(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE settlement_jobs SET status = ? WHERE id = ?`, SettlementJobDone, id)
	if err != nil {
		return fmt.Errorf("mark settlement job done: %w", err)
	}
	return nil
}

// RescheduleSettlementJob puts a running job back to pending with a later
// next_attempt_at, recording the error that caused the retry.
func (s *Storage) RescheduleSettlementJob(id string, nextAttemptAt int64, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE settlement_jobs SET status = ?, next_attempt_at = ?, last_error = ? WHERE id = ?
	`, SettlementJobPending, nextAttemptAt, lastErr, id)
	if err != nil {
		return fmt.Errorf("reschedule settlement job: %w", err)
	}
	return nil
}

// MarkSettlementJobFailed permanently fails a job (retry budget exhausted).
func (s *Storage) MarkSettlementJobFailed(id string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE settlement_jobs SET status = ?, last_error = ? WHERE id = ?
	`, SettlementJobFailed, lastErr, id)
	if err != nil {
		return fmt.Errorf("mark settlement job failed: %w", err)
	}
	return nil
}

// GetSettlementJob reads back a single job by id.
func (s *Storage) GetSettlementJob(id string) (*SettlementJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, kind, payload, status, attempts, created_at, next_attempt_at, last_error
		FROM settlement_jobs WHERE id = ?
	`, id)
	job, err := scanSettlementJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettlementJobNotFound
	}
	return job, err
}

func scanSettlementJob(scan func(dest ...interface{}) error) (*SettlementJob, error) {
	var job SettlementJob
	var lastError sql.NullString
	err := scan(&job.ID, &job.Kind, &job.Payload, &job.Status, &job.Attempts, &job.CreatedAt, &job.NextAttemptAt, &lastError)
	if err != nil {
		return nil, err
	}
	job.LastError = lastError.String
	return &job, nil
}
