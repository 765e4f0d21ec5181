// Package store provides SQLite-based persistence for the token economy:
// pending transfers, agent ledgers, user accounts, stakings, cycle budgets,
// and the per-cycle score records.
package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection for economy state persistence.
type Store struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Every ledger mutation that touches both an aggregate row
// and its pending transfer goes through here.
func (s *Store) WithTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Now returns the current unix timestamp in seconds. Seam for tests.
var Now = func() int64 {
	return time.Now().Unix()
}

// DayStart truncates a unix timestamp to the start of its UTC day.
func DayStart(ts int64) int64 {
	return ts - ts%86400
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_transfers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		owner_ref TEXT NOT NULL,
		agent_id INTEGER NOT NULL DEFAULT 0,
		address TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		fee INTEGER NOT NULL DEFAULT 0,
		round_number INTEGER NOT NULL DEFAULT 0,
		staking_id INTEGER NOT NULL DEFAULT 0,
		approve_tx TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL DEFAULT '',
		tx_expiry_height INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		stat_day INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pending_kind_status ON pending_transfers(kind, status);
	CREATE INDEX IF NOT EXISTS idx_pending_agent ON pending_transfers(agent_id);
	CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_transfers(created_at);

	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		creator_address TEXT NOT NULL,
		staking_amount INTEGER NOT NULL DEFAULT 0,
		score INTEGER NOT NULL DEFAULT 0,
		max_per_tx INTEGER NOT NULL DEFAULT 0,
		max_per_round INTEGER NOT NULL DEFAULT 0,
		creator_split REAL NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_agents_creator ON agents(creator_address);

	CREATE TABLE IF NOT EXISTS agent_ledgers (
		agent_id INTEGER PRIMARY KEY,
		pool_balance INTEGER NOT NULL DEFAULT 0,
		staking_pool_balance INTEGER NOT NULL DEFAULT 0,
		creator_balance INTEGER NOT NULL DEFAULT 0,
		round_number INTEGER NOT NULL DEFAULT 1,
		round_transferred INTEGER NOT NULL DEFAULT 0,
		round_started_at INTEGER NOT NULL DEFAULT 0,
		total_transferred INTEGER NOT NULL DEFAULT 0,
		total_transactions INTEGER NOT NULL DEFAULT 0,
		total_addresses INTEGER NOT NULL DEFAULT 0,
		total_emissions INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS user_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_ref TEXT NOT NULL UNIQUE,
		balance INTEGER NOT NULL DEFAULT 0,
		reward_balance INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_ref TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_ref, agent_id)
	);

	CREATE TABLE IF NOT EXISTS developer_account (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		balance INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO developer_account (id, balance) VALUES (1, 0);

	CREATE TABLE IF NOT EXISTS user_stakings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_ref TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		release_tx_hash TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 1,
		release_status INTEGER,
		created_at INTEGER NOT NULL,
		released_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_stakings_user ON user_stakings(user_ref);
	CREATE INDEX IF NOT EXISTS idx_stakings_agent ON user_stakings(agent_id);

	CREATE TABLE IF NOT EXISTS cycle_budgets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_start INTEGER NOT NULL UNIQUE,
		total_staked INTEGER NOT NULL DEFAULT 0,
		total_emitted_before INTEGER NOT NULL DEFAULT 0,
		emission INTEGER NOT NULL DEFAULT 0,
		credited INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_cycle_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		cycle_start INTEGER NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		emission INTEGER NOT NULL DEFAULT 0,
		UNIQUE(agent_id, cycle_start)
	);
	CREATE INDEX IF NOT EXISTS idx_agent_scores_cycle ON agent_cycle_scores(cycle_start);

	CREATE TABLE IF NOT EXISTS player_cycle_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		user_ref TEXT NOT NULL,
		cycle_start INTEGER NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		emission INTEGER NOT NULL DEFAULT 0,
		UNIQUE(agent_id, user_ref, cycle_start)
	);
	CREATE INDEX IF NOT EXISTS idx_player_scores_cycle ON player_cycle_scores(cycle_start);

	CREATE TABLE IF NOT EXISTS staker_cycle_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		staking_id INTEGER NOT NULL,
		user_ref TEXT NOT NULL,
		cycle_start INTEGER NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		emission INTEGER NOT NULL DEFAULT 0,
		UNIQUE(staking_id, cycle_start)
	);
	CREATE INDEX IF NOT EXISTS idx_staker_scores_cycle ON staker_cycle_scores(cycle_start);

	CREATE TABLE IF NOT EXISTS global_staker_cycle_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		staking_id INTEGER NOT NULL,
		user_ref TEXT NOT NULL,
		cycle_start INTEGER NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		emission INTEGER NOT NULL DEFAULT 0,
		UNIQUE(staking_id, cycle_start)
	);
	CREATE INDEX IF NOT EXISTS idx_global_staker_scores_cycle ON global_staker_cycle_scores(cycle_start);

	CREATE TABLE IF NOT EXISTS creator_cycle_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		cycle_start INTEGER NOT NULL,
		emission INTEGER NOT NULL DEFAULT 0,
		UNIQUE(agent_id, cycle_start)
	);
	CREATE INDEX IF NOT EXISTS idx_creator_scores_cycle ON creator_cycle_scores(cycle_start);

	CREATE TABLE IF NOT EXISTS agent_daily_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		day INTEGER NOT NULL,
		users INTEGER NOT NULL DEFAULT 0,
		payments INTEGER NOT NULL DEFAULT 0,
		payment_amount INTEGER NOT NULL DEFAULT 0,
		transfers INTEGER NOT NULL DEFAULT 0,
		transfer_amount INTEGER NOT NULL DEFAULT 0,
		stakings INTEGER NOT NULL DEFAULT 0,
		staking_amount INTEGER NOT NULL DEFAULT 0,
		UNIQUE(agent_id, day)
	);
	CREATE INDEX IF NOT EXISTS idx_daily_stats_day ON agent_daily_stats(day);
	`
	_, err := s.conn.Exec(schema)
	return err
}
