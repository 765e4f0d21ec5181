package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Agent is an independently configured economic actor with its own pools.
// Transfer limits and the creator/player emission split are per-agent.
type Agent struct {
	ID             int64   `db:"id"`
	CreatorAddress string  `db:"creator_address"`
	StakingAmount  int64   `db:"staking_amount"`
	Score          int64   `db:"score"`
	MaxPerTx       int64   `db:"max_per_tx"`
	MaxPerRound    int64   `db:"max_per_round"`
	CreatorSplit   float64 `db:"creator_split"`
	Enabled        bool    `db:"enabled"`
	CreatedAt      int64   `db:"created_at"`
	DeletedAt      *int64  `db:"deleted_at"`
}

// AgentLedger holds the per-agent balances and round counters. Mutated only
// inside the same transaction as the pending transfer that caused the
// mutation.
type AgentLedger struct {
	AgentID            int64 `db:"agent_id"`
	PoolBalance        int64 `db:"pool_balance"`
	StakingPoolBalance int64 `db:"staking_pool_balance"`
	CreatorBalance     int64 `db:"creator_balance"`
	RoundNumber        int64 `db:"round_number"`
	RoundTransferred   int64 `db:"round_transferred"`
	RoundStartedAt     int64 `db:"round_started_at"`
	TotalTransferred   int64 `db:"total_transferred"`
	TotalTransactions  int64 `db:"total_transactions"`
	TotalAddresses     int64 `db:"total_addresses"`
	TotalEmissions     int64 `db:"total_emissions"`
}

// CreateAgent inserts an agent together with its empty ledger row.
func (s *Store) CreateAgent(a *Agent) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		if a.CreatedAt == 0 {
			a.CreatedAt = Now()
		}
		res, err := tx.NamedExec(`
			INSERT INTO agents
				(creator_address, staking_amount, score, max_per_tx, max_per_round,
				 creator_split, enabled, created_at, deleted_at)
			VALUES
				(:creator_address, :staking_amount, :score, :max_per_tx, :max_per_round,
				 :creator_split, :enabled, :created_at, :deleted_at)`, a)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		a.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO agent_ledgers (agent_id, round_started_at) VALUES (?, ?)`,
			a.ID, a.CreatedAt)
		return err
	})
}

// GetAgent loads an agent by id. Returns nil when not found.
func (s *Store) GetAgent(id int64) (*Agent, error) {
	var a Agent
	err := s.conn.Get(&a, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %d: %w", id, err)
	}
	return &a, nil
}

// MarkAgentDeleted soft-deletes an agent after its creation stake refund.
func MarkAgentDeleted(tx *sqlx.Tx, agentID int64) error {
	_, err := tx.Exec(`UPDATE agents SET deleted_at = ?, enabled = 0 WHERE id = ? AND deleted_at IS NULL`,
		Now(), agentID)
	if err != nil {
		return fmt.Errorf("mark agent %d deleted: %w", agentID, err)
	}
	return nil
}

// SetAgentStakingAmount records the settled creation stake on the agent.
func SetAgentStakingAmount(tx *sqlx.Tx, agentID, amount int64) error {
	_, err := tx.Exec(`UPDATE agents SET staking_amount = ? WHERE id = ?`, amount, agentID)
	if err != nil {
		return fmt.Errorf("set agent %d staking amount: %w", agentID, err)
	}
	return nil
}

// SetAgentScore overwrites an agent's running composite score.
func SetAgentScore(tx *sqlx.Tx, agentID, score int64) error {
	_, err := tx.Exec(`UPDATE agents SET score = ? WHERE id = ?`, score, agentID)
	if err != nil {
		return fmt.Errorf("set agent %d score: %w", agentID, err)
	}
	return nil
}

// ActiveAgentPage returns one page of agents active during the cycle:
// created before the cycle end and not deleted before the cycle start.
// Ordered by id ascending.
func (s *Store) ActiveAgentPage(cycleStart, cycleEnd int64, page, pageSize int) ([]Agent, error) {
	var out []Agent
	err := s.conn.Select(&out, `
		SELECT * FROM agents
		WHERE (deleted_at IS NULL OR deleted_at >= ?) AND created_at < ?
		ORDER BY id ASC LIMIT ? OFFSET ?`,
		cycleStart, cycleEnd, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("active agent page: %w", err)
	}
	return out, nil
}

// CountActiveAgents counts agents active during the cycle.
func (s *Store) CountActiveAgents(cycleStart, cycleEnd int64) (int64, error) {
	var n int64
	err := s.conn.Get(&n, `
		SELECT COUNT(id) FROM agents
		WHERE (deleted_at IS NULL OR deleted_at >= ?) AND created_at < ?`,
		cycleStart, cycleEnd)
	if err != nil {
		return 0, fmt.Errorf("count active agents: %w", err)
	}
	return n, nil
}

// GetLedger loads an agent's ledger row, inside a transaction.
func GetLedger(tx *sqlx.Tx, agentID int64) (*AgentLedger, error) {
	var l AgentLedger
	err := tx.Get(&l, `SELECT * FROM agent_ledgers WHERE agent_id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger for agent %d: %w", agentID, err)
	}
	return &l, nil
}

// GetLedgerRead loads an agent's ledger row outside any transaction.
func (s *Store) GetLedgerRead(agentID int64) (*AgentLedger, error) {
	var l AgentLedger
	err := s.conn.Get(&l, `SELECT * FROM agent_ledgers WHERE agent_id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger for agent %d: %w", agentID, err)
	}
	return &l, nil
}

// AddPoolBalance adjusts the outbound transfer pool by delta.
func AddPoolBalance(tx *sqlx.Tx, agentID, delta int64) error {
	_, err := tx.Exec(`
		UPDATE agent_ledgers SET pool_balance = pool_balance + ? WHERE agent_id = ?`,
		delta, agentID)
	if err != nil {
		return fmt.Errorf("add pool balance for agent %d: %w", agentID, err)
	}
	return nil
}

// AddStakingPoolBalance adjusts the staking escrow pool by delta.
func AddStakingPoolBalance(tx *sqlx.Tx, agentID, delta int64) error {
	_, err := tx.Exec(`
		UPDATE agent_ledgers SET staking_pool_balance = staking_pool_balance + ? WHERE agent_id = ?`,
		delta, agentID)
	if err != nil {
		return fmt.Errorf("add staking pool balance for agent %d: %w", agentID, err)
	}
	return nil
}

// AddCreatorBalance adjusts the creator's withdrawable balance by delta.
func AddCreatorBalance(tx *sqlx.Tx, agentID, delta int64) error {
	_, err := tx.Exec(`
		UPDATE agent_ledgers SET creator_balance = creator_balance + ? WHERE agent_id = ?`,
		delta, agentID)
	if err != nil {
		return fmt.Errorf("add creator balance for agent %d: %w", agentID, err)
	}
	return nil
}

// DebitPoolForTransfer applies an outbound transfer to the ledger counters:
// pool down, round counter up.
func DebitPoolForTransfer(tx *sqlx.Tx, agentID, amount int64) error {
	_, err := tx.Exec(`
		UPDATE agent_ledgers
		SET pool_balance = pool_balance - ?,
		    round_transferred = round_transferred + ?
		WHERE agent_id = ?`,
		amount, amount, agentID)
	if err != nil {
		return fmt.Errorf("debit pool for agent %d: %w", agentID, err)
	}
	return nil
}

// StartNewRound resets the round counters and bumps the round number.
func StartNewRound(tx *sqlx.Tx, agentID int64) error {
	_, err := tx.Exec(`
		UPDATE agent_ledgers
		SET round_number = round_number + 1,
		    round_transferred = 0,
		    round_started_at = ?
		WHERE agent_id = ?`,
		Now(), agentID)
	if err != nil {
		return fmt.Errorf("start new round for agent %d: %w", agentID, err)
	}
	return nil
}

// AddTransferStats bumps the ledger's lifetime transfer statistics.
func AddTransferStats(tx *sqlx.Tx, agentID, amount int64, newAddress bool) error {
	addrDelta := 0
	if newAddress {
		addrDelta = 1
	}
	_, err := tx.Exec(`
		UPDATE agent_ledgers
		SET total_transferred = total_transferred + ?,
		    total_transactions = total_transactions + 1,
		    total_addresses = total_addresses + ?
		WHERE agent_id = ?`,
		amount, addrDelta, agentID)
	if err != nil {
		return fmt.Errorf("add transfer stats for agent %d: %w", agentID, err)
	}
	return nil
}

// AddAgentEmissions bumps the ledger's lifetime emission total.
func AddAgentEmissions(tx *sqlx.Tx, agentID, amount int64) error {
	_, err := tx.Exec(`
		UPDATE agent_ledgers SET total_emissions = total_emissions + ? WHERE agent_id = ?`,
		amount, agentID)
	if err != nil {
		return fmt.Errorf("add emissions for agent %d: %w", agentID, err)
	}
	return nil
}

// TotalCreatorStaked sums the creation stakes of live agents created before
// the cycle end.
func (s *Store) TotalCreatorStaked(cycleEnd int64) (int64, error) {
	var n sql.NullInt64
	err := s.conn.Get(&n, `
		SELECT SUM(staking_amount) FROM agents
		WHERE created_at < ? AND deleted_at IS NULL`, cycleEnd)
	if err != nil {
		return 0, fmt.Errorf("total creator staked: %w", err)
	}
	return n.Int64, nil
}
