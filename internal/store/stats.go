package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// AgentDailyStats aggregates per-agent activity for one UTC day. The users
// column feeds the player component of the cycle score.
type AgentDailyStats struct {
	ID             int64 `db:"id"`
	AgentID        int64 `db:"agent_id"`
	Day            int64 `db:"day"`
	Users          int64 `db:"users"`
	Payments       int64 `db:"payments"`
	PaymentAmount  int64 `db:"payment_amount"`
	Transfers      int64 `db:"transfers"`
	TransferAmount int64 `db:"transfer_amount"`
	Stakings       int64 `db:"stakings"`
	StakingAmount  int64 `db:"staking_amount"`
}

// AddDailyPayment bumps the day's payment counters, counting the user only
// when the address is new for the day.
func AddDailyPayment(tx *sqlx.Tx, agentID, day, amount int64, newUser bool) error {
	userDelta := 0
	if newUser {
		userDelta = 1
	}
	_, err := tx.Exec(`
		INSERT INTO agent_daily_stats (agent_id, day, users, payments, payment_amount)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(agent_id, day) DO UPDATE SET
			users = users + excluded.users,
			payments = payments + 1,
			payment_amount = payment_amount + excluded.payment_amount`,
		agentID, day, userDelta, amount)
	if err != nil {
		return fmt.Errorf("add daily payment: %w", err)
	}
	return nil
}

// AddDailyTransfer bumps the day's outbound transfer counters.
func AddDailyTransfer(tx *sqlx.Tx, agentID, day, amount int64, newUser bool) error {
	userDelta := 0
	if newUser {
		userDelta = 1
	}
	_, err := tx.Exec(`
		INSERT INTO agent_daily_stats (agent_id, day, users, transfers, transfer_amount)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(agent_id, day) DO UPDATE SET
			users = users + excluded.users,
			transfers = transfers + 1,
			transfer_amount = transfer_amount + excluded.transfer_amount`,
		agentID, day, userDelta, amount)
	if err != nil {
		return fmt.Errorf("add daily transfer: %w", err)
	}
	return nil
}

// AddDailyStaking bumps the day's staking counters. A release passes a
// negative amount.
func AddDailyStaking(tx *sqlx.Tx, agentID, day, amount int64) error {
	_, err := tx.Exec(`
		INSERT INTO agent_daily_stats (agent_id, day, stakings, staking_amount)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(agent_id, day) DO UPDATE SET
			stakings = stakings + 1,
			staking_amount = staking_amount + excluded.staking_amount`,
		agentID, day, amount)
	if err != nil {
		return fmt.Errorf("add daily staking: %w", err)
	}
	return nil
}

// UserCountByAgent sums the daily active-user counts per agent over the
// cycle window. This is the player score input.
func (s *Store) UserCountByAgent(agentIDs []int64, cycleStart, cycleEnd int64) (map[int64]int64, error) {
	if len(agentIDs) == 0 {
		return map[int64]int64{}, nil
	}
	query, args, err := sqlx.In(`
		SELECT agent_id, SUM(users) AS total FROM agent_daily_stats
		WHERE agent_id IN (?) AND day >= ? AND day < ?
		GROUP BY agent_id`, agentIDs, cycleStart, cycleEnd)
	if err != nil {
		return nil, fmt.Errorf("user count query: %w", err)
	}
	rows := []struct {
		AgentID int64 `db:"agent_id"`
		Total   int64 `db:"total"`
	}{}
	if err := s.conn.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("user count by agent: %w", err)
	}
	out := make(map[int64]int64, len(rows))
	for _, r := range rows {
		out[r.AgentID] = r.Total
	}
	return out, nil
}

// DailyStats reads one day's stats row for an agent, or nil.
func (s *Store) DailyStats(agentID, day int64) (*AgentDailyStats, error) {
	var st AgentDailyStats
	err := s.conn.Get(&st, `
		SELECT * FROM agent_daily_stats WHERE agent_id = ? AND day = ?`, agentID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	return &st, nil
}
