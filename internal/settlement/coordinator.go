package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/marble-market/core/internal/extcall"
	"github.com/marble-market/core/internal/market"
	"github.com/marble-market/core/internal/storage"
	"github.com/marble-market/core/pkg/logging"
)

// CoordinatorConfig holds a Coordinator's dependencies, mirroring the
// teacher's swap.CoordinatorConfig shape (store/wallet/backends/network
// → store/registry/gateway/poll interval).
type CoordinatorConfig struct {
	Registry     *market.Registry
	Store        *storage.Storage
	Gateway      extcall.Gateway
	PollInterval time.Duration // defaults to 5s, per the teacher's retry worker

	// ContractAccountID is the marketplace's own chain account, used as
	// the escrow custodian for the two-phase NFT barter (spec.md
	// §4.8.3): both legs transfer into this account before the final
	// swap, mirroring env::current_account_id() on the original
	// NEAR contract.
	ContractAccountID market.AccountID
}

// Coordinator drives the settlement job outbox: it enqueues jobs from
// the entry surface (purchase/offer/barter acceptance), executes them
// against extcall.Gateway, and retries with backoff on transient
// failure. Grounded on swap.Coordinator (active-swap map behind one
// mutex, event handler fan-out) and node.RetryWorker (ticker-driven
// background poll loop with graceful shutdown via context).
type Coordinator struct {
	mu sync.Mutex

	registry *market.Registry
	store    *storage.Storage
	gateway  extcall.Gateway
	log      *logging.Logger

	pollInterval      time.Duration
	contractAccountID market.AccountID

	active        map[string]*ActiveSettlement // job id -> in-flight record
	eventHandlers []EventHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator builds a Coordinator; call Start to begin the
// background dispatcher loop.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 5 * time.Second
	}

	return &Coordinator{
		registry:          cfg.Registry,
		store:             cfg.Store,
		gateway:           cfg.Gateway,
		log:               logging.GetDefault().Component("settlement"),
		pollInterval:      pollInterval,
		contractAccountID: cfg.ContractAccountID,
		active:            make(map[string]*ActiveSettlement),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// OnEvent registers a handler for settlement milestones.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent fans an event out to all registered handlers without
// blocking the caller. Caller must hold c.mu.
func (c *Coordinator) emitEvent(ev Event) {
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	for _, h := range handlers {
		go h(ev)
	}
}

// trackActive records a job as in-flight for status queries. Caller
// must hold c.mu.
func (c *Coordinator) trackActive(a *ActiveSettlement) {
	c.active[a.JobID] = a
}

// untrackActive removes a completed job's in-memory record. Caller must
// hold c.mu.
func (c *Coordinator) untrackActive(jobID string) {
	delete(c.active, jobID)
}

// ActiveSettlements returns a snapshot of currently in-flight jobs.
func (c *Coordinator) ActiveSettlements() []*ActiveSettlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ActiveSettlement, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, a)
	}
	return out
}

// Close shuts down the coordinator's background dispatcher loop.
func (c *Coordinator) Close() error {
	c.cancel()
	return nil
}

// nowNs is the coordinator's clock, split out so tests can observe real
// timestamps without needing a fake clock — settlement jobs are timed in
// seconds/nanoseconds matching market.NowNs/ToSec.
func nowNs() int64 { return market.NowNs() }
