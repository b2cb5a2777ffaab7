package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/marble-market/core/internal/storage"
)

// maxSettlementAttempts bounds how many times the dispatcher retries a
// job before giving up and marking it terminally failed. Past this
// point a stuck job needs operator attention (it stays in the
// settlement_jobs table with status failed; no RPC method lists it); spec.md §9 flags
// exactly this as an open issue for FT-transfer failures, and the
// claimable-balance ledger (storage.ClaimableBalance) is how a payout
// leg that did succeed before the failure is never lost in the process.
const maxSettlementAttempts = 10

// Start launches the background dispatch loop, grounded on the
// teacher's node.RetryWorker: a ticker-driven poll for due jobs, shut
// down via the coordinator's context.
func (c *Coordinator) Start() {
	go c.run()
	c.log.Info("settlement dispatcher started", "poll_interval", c.pollInterval)
}

func (c *Coordinator) run() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.processDue()
		}
	}
}

// processDue pulls every job whose next_attempt_at has arrived and
// drives one execution attempt each.
func (c *Coordinator) processDue() {
	due, err := c.store.DuePendingJobs(nowNs())
	if err != nil {
		c.log.Warn("failed to list due settlement jobs", "error", err)
		return
	}
	for _, job := range due {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if err := c.executeJob(c.ctx, job); err != nil {
			c.log.Debug("settlement job still failing", "job", job.ID, "kind", job.Kind, "error", err)
		}
	}
}

// executeJob runs job exactly once: claims it (so a concurrent tick and
// an immediate post-enqueue attempt never double-run it), dispatches by
// kind, and on completion marks it done — or on error either reschedules
// with backoff or fails it terminally past maxSettlementAttempts.
func (c *Coordinator) executeJob(ctx context.Context, job *storage.SettlementJob) error {
	if err := c.store.MarkSettlementJobRunning(job.ID); err != nil {
		return nil
	}
	job.Attempts++

	var err error
	switch Kind(job.Kind) {
	case KindPurchase:
		err = c.executePurchaseJob(ctx, job)
	case KindOffer:
		err = c.executeOfferJob(ctx, job)
	case KindBarterFirst:
		err = c.executeBarterFirstJob(ctx, job)
	case KindBarterSecond:
		err = c.executeBarterSecondJob(ctx, job)
	case KindBarterUnwind:
		err = c.executeBarterUnwindJob(ctx, job)
	default:
		err = fmt.Errorf("settlement: unknown job kind %q", job.Kind)
	}

	if err == nil {
		return c.store.MarkSettlementJobDone(job.ID)
	}

	if job.Attempts >= maxSettlementAttempts {
		c.mu.Lock()
		c.untrackActive(job.ID)
		c.emitEvent(Event{Kind: Kind(job.Kind), Key: job.ID, EventType: "failed", Data: err.Error(), At: time.Now()})
		c.mu.Unlock()
		c.log.Error("settlement job exhausted retries", "job", job.ID, "kind", job.Kind, "error", err)
		if merr := c.store.MarkSettlementJobFailed(job.ID, err.Error()); merr != nil {
			return merr
		}
		return err
	}

	next := nowNs() + calculateNextRetry(job.Attempts)
	if rerr := c.store.RescheduleSettlementJob(job.ID, next, err.Error()); rerr != nil {
		return rerr
	}
	return err
}
