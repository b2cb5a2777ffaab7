// Package storage provides persistent storage for the marketplace core
// using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the marketplace daemon: the
// listing/offer/trade registry's write-through target, the storage-deposit
// ledger, the claimable-balance ledger, and the settlement outbox.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if absent) the SQLite database under cfg.DataDir and
// initializes its schema.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "marketd.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection, for callers (tests,
// migrations) that need raw access.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	-- Listings table: one row per active (nft_contract, token_id) sale or
	-- auction. Bids are a JSON array; the end price column is nullable
	-- since only a Dutch auction has one.
	CREATE TABLE IF NOT EXISTS listings (
		key2 TEXT PRIMARY KEY,
		nft_contract TEXT NOT NULL,
		token_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		approval_id INTEGER NOT NULL,
		payment_token TEXT NOT NULL,
		start_price TEXT NOT NULL,
		reserve_price TEXT NOT NULL,
		is_auction INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		ended_at INTEGER,
		end_price TEXT,
		bids TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_listings_owner ON listings(owner);
	CREATE INDEX IF NOT EXISTS idx_listings_ended_at ON listings(ended_at);

	-- Legacy listings: migrate-out target for a prior market-data schema
	-- (spec.md §9). Read-through only; never written by current code.
	CREATE TABLE IF NOT EXISTS legacy_listings (
		key2 TEXT PRIMARY KEY,
		nft_contract TEXT NOT NULL,
		token_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		approval_id INTEGER NOT NULL,
		payment_token TEXT NOT NULL,
		start_price TEXT NOT NULL,
		reserve_price TEXT NOT NULL,
		is_auction INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		ended_at INTEGER,
		end_price TEXT,
		bids TEXT NOT NULL DEFAULT '[]'
	);

	-- Offers table: one row per (nft_contract, buyer, target) standing
	-- offer, target being either a token id or a series id.
	CREATE TABLE IF NOT EXISTS offers (
		key3 TEXT PRIMARY KEY,
		nft_contract TEXT NOT NULL,
		buyer TEXT NOT NULL,
		token_id TEXT,
		series_id TEXT,
		payment_token TEXT NOT NULL,
		price TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offers_buyer ON offers(buyer);

	-- Trade intents table: one row per (buyer_nft_contract, buyer,
	-- buyer_token_id) barter intent. Sides is a JSON object keyed like
	-- market.TradeIntent.Sides (Key2 of seller NFT contract and token or
	-- series id).
	CREATE TABLE IF NOT EXISTS trade_intents (
		key3 TEXT PRIMARY KEY,
		buyer_nft_contract TEXT NOT NULL,
		buyer TEXT NOT NULL,
		buyer_token_id TEXT NOT NULL,
		buyer_approval_id INTEGER NOT NULL,
		sides TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_trade_intents_buyer ON trade_intents(buyer);

	-- Fee schedule: a single row (id=1), current + pending fee.
	CREATE TABLE IF NOT EXISTS fee_schedule (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		current_fee INTEGER NOT NULL,
		next_fee INTEGER,
		start_time_sec INTEGER
	);

	-- Fee snapshots: the fee captured at each listing's creation, consumed
	-- by settlement.
	CREATE TABLE IF NOT EXISTS fee_snapshots (
		key2 TEXT PRIMARY KEY,
		bps INTEGER NOT NULL
	);

	-- Storage-deposit ledger: one row per account, invariant 1 of §3.
	CREATE TABLE IF NOT EXISTS storage_balances (
		account TEXT PRIMARY KEY,
		balance TEXT NOT NULL
	);

	-- Claimable balances: a stranded FT transfer a settlement couldn't
	-- route (e.g. the receiver rejected or the gateway call errored after
	-- the NFT already moved) parks here for manual or retried claim
	-- (SPEC_FULL §9 recommended addition).
	CREATE TABLE IF NOT EXISTS claimable_balances (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		payment_token TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		claimed_at INTEGER,
		status TEXT NOT NULL DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_claimable_account ON claimable_balances(account, status);

	-- Settlement jobs: the durable outbox behind the async dispatcher.
	-- A job survives a process restart so an in-flight NFT transfer or
	-- payout is never silently abandoned.
	CREATE TABLE IF NOT EXISTS settlement_jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		next_attempt_at INTEGER NOT NULL,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_settlement_jobs_pending ON settlement_jobs(status, next_attempt_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
