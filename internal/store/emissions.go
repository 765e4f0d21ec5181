package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// CycleBudget is one row per cycle-start timestamp: the token budget emitted
// for that cycle and the inputs it was derived from. A cycle's budget cannot
// be computed without its predecessor, except the genesis cycle.
type CycleBudget struct {
	ID                 int64 `db:"id"`
	CycleStart         int64 `db:"cycle_start"`
	TotalStaked        int64 `db:"total_staked"`
	TotalEmittedBefore int64 `db:"total_emitted_before"`
	Emission           int64 `db:"emission"`
	Credited           int64 `db:"credited"`
	CreatedAt          int64 `db:"created_at"`
}

// GetCycleBudget loads the budget row for a cycle start, or nil.
func (s *Store) GetCycleBudget(cycleStart int64) (*CycleBudget, error) {
	var b CycleBudget
	err := s.conn.Get(&b, `SELECT * FROM cycle_budgets WHERE cycle_start = ?`, cycleStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cycle budget %d: %w", cycleStart, err)
	}
	return &b, nil
}

// UpsertCycleBudget writes the budget row for a cycle, replacing any
// previous computation for the same cycle start.
func (s *Store) UpsertCycleBudget(b *CycleBudget) error {
	if b.CreatedAt == 0 {
		b.CreatedAt = Now()
	}
	_, err := s.conn.NamedExec(`
		INSERT INTO cycle_budgets (cycle_start, total_staked, total_emitted_before, emission, created_at)
		VALUES (:cycle_start, :total_staked, :total_emitted_before, :emission, :created_at)
		ON CONFLICT(cycle_start) DO UPDATE SET
			total_staked = excluded.total_staked,
			total_emitted_before = excluded.total_emitted_before,
			emission = excluded.emission`, b)
	if err != nil {
		return fmt.Errorf("upsert cycle budget %d: %w", b.CycleStart, err)
	}
	return nil
}

// AgentCycleScore is the per-agent score record for one cycle, unique per
// (agent, cycle). Emission is filled in by the allocator tiers.
type AgentCycleScore struct {
	ID         int64 `db:"id"`
	AgentID    int64 `db:"agent_id"`
	CycleStart int64 `db:"cycle_start"`
	Score      int64 `db:"score"`
	Emission   int64 `db:"emission"`
}

// MarkCycleCredited flips the credited flag of a cycle budget, returning
// true only on the first flip. Guards the balance-crediting stage so it runs
// at most once per cycle.
func MarkCycleCredited(tx *sqlx.Tx, cycleStart int64) (bool, error) {
	res, err := tx.Exec(`
		UPDATE cycle_budgets SET credited = 1 WHERE cycle_start = ? AND credited = 0`,
		cycleStart)
	if err != nil {
		return false, fmt.Errorf("mark cycle %d credited: %w", cycleStart, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResetCycleEmissions zeroes every agent emission of the cycle before a
// fresh allocation pass, so a re-run never leaves stale amounts on rows that
// fell out of a tier.
func (s *Store) ResetCycleEmissions(cycleStart int64) error {
	_, err := s.conn.Exec(`
		UPDATE agent_cycle_scores SET emission = 0 WHERE cycle_start = ?`, cycleStart)
	if err != nil {
		return fmt.Errorf("reset cycle %d emissions: %w", cycleStart, err)
	}
	return nil
}

// CycleProcessed reports whether any agent score rows exist for the cycle,
// which marks the cycle as processed before.
func (s *Store) CycleProcessed(cycleStart int64) (bool, error) {
	var n int64
	err := s.conn.Get(&n, `SELECT COUNT(id) FROM agent_cycle_scores WHERE cycle_start = ?`, cycleStart)
	if err != nil {
		return false, fmt.Errorf("cycle processed check: %w", err)
	}
	return n != 0, nil
}

// InsertAgentCycleScore adds a fresh score row inside a transaction.
func InsertAgentCycleScore(tx *sqlx.Tx, agentID, cycleStart, score int64) error {
	_, err := tx.Exec(`
		INSERT INTO agent_cycle_scores (agent_id, cycle_start, score) VALUES (?, ?, ?)`,
		agentID, cycleStart, score)
	if err != nil {
		return fmt.Errorf("insert agent cycle score: %w", err)
	}
	return nil
}

// AgentCycleScoresFor returns the existing score rows for the given agents
// in one cycle.
func (s *Store) AgentCycleScoresFor(agentIDs []int64, cycleStart int64) ([]AgentCycleScore, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT * FROM agent_cycle_scores WHERE agent_id IN (?) AND cycle_start = ?`,
		agentIDs, cycleStart)
	if err != nil {
		return nil, fmt.Errorf("agent cycle scores query: %w", err)
	}
	var out []AgentCycleScore
	if err := s.conn.Select(&out, query, args...); err != nil {
		return nil, fmt.Errorf("agent cycle scores: %w", err)
	}
	return out, nil
}

// UpdateAgentCycleScore overwrites the score of an existing row.
func UpdateAgentCycleScore(tx *sqlx.Tx, id, score int64) error {
	_, err := tx.Exec(`UPDATE agent_cycle_scores SET score = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("update agent cycle score %d: %w", id, err)
	}
	return nil
}

// DeleteAgentCycleScore drops a row whose score fell to zero.
func DeleteAgentCycleScore(tx *sqlx.Tx, id int64) error {
	_, err := tx.Exec(`DELETE FROM agent_cycle_scores WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent cycle score %d: %w", id, err)
	}
	return nil
}

// TopAgentScoreSum sums the scores of the top n agents of the cycle, ordered
// score descending, id ascending for ties.
func (s *Store) TopAgentScoreSum(cycleStart int64, n int64) (int64, error) {
	var sum sql.NullInt64
	err := s.conn.Get(&sum, `
		SELECT SUM(score) FROM (
			SELECT score FROM agent_cycle_scores
			WHERE cycle_start = ?
			ORDER BY score DESC, id ASC
			LIMIT ?
		)`, cycleStart, n)
	if err != nil {
		return 0, fmt.Errorf("top agent score sum: %w", err)
	}
	return sum.Int64, nil
}

// NonzeroAgentScoreSum sums all nonzero agent scores of the cycle.
func (s *Store) NonzeroAgentScoreSum(cycleStart int64) (int64, error) {
	var sum sql.NullInt64
	err := s.conn.Get(&sum, `
		SELECT SUM(score) FROM agent_cycle_scores WHERE cycle_start = ? AND score != 0`,
		cycleStart)
	if err != nil {
		return 0, fmt.Errorf("nonzero agent score sum: %w", err)
	}
	return sum.Int64, nil
}

// AgentScorePageByScoreDesc returns one allocation page of agent score rows,
// score descending with id ascending tie-break.
func (s *Store) AgentScorePageByScoreDesc(cycleStart int64, page, pageSize int) ([]AgentCycleScore, error) {
	var out []AgentCycleScore
	err := s.conn.Select(&out, `
		SELECT * FROM agent_cycle_scores
		WHERE cycle_start = ?
		ORDER BY score DESC, id ASC
		LIMIT ? OFFSET ?`, cycleStart, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("agent score page: %w", err)
	}
	return out, nil
}

// NonzeroAgentScorePage returns one page of nonzero-score rows by id.
func (s *Store) NonzeroAgentScorePage(cycleStart int64, page, pageSize int) ([]AgentCycleScore, error) {
	var out []AgentCycleScore
	err := s.conn.Select(&out, `
		SELECT * FROM agent_cycle_scores
		WHERE cycle_start = ? AND score != 0
		ORDER BY id ASC
		LIMIT ? OFFSET ?`, cycleStart, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("nonzero agent score page: %w", err)
	}
	return out, nil
}

// NonzeroEmissionAgentPage returns one page of rows with a nonzero emission,
// by id, for the in-agent sub-split.
func (s *Store) NonzeroEmissionAgentPage(cycleStart int64, page, pageSize int) ([]AgentCycleScore, error) {
	var out []AgentCycleScore
	err := s.conn.Select(&out, `
		SELECT * FROM agent_cycle_scores
		WHERE cycle_start = ? AND emission != 0
		ORDER BY id ASC
		LIMIT ? OFFSET ?`, cycleStart, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("nonzero emission agent page: %w", err)
	}
	return out, nil
}

// SetAgentCycleEmission overwrites a row's emission.
func (s *Store) SetAgentCycleEmission(id, emission int64) error {
	_, err := s.conn.Exec(`UPDATE agent_cycle_scores SET emission = ? WHERE id = ?`, emission, id)
	if err != nil {
		return fmt.Errorf("set agent cycle emission %d: %w", id, err)
	}
	return nil
}

// AddAgentCycleEmission adds on top of a row's emission; the new-agent tier
// stacks on the top-agent tier.
func (s *Store) AddAgentCycleEmission(id, emission int64) error {
	_, err := s.conn.Exec(`UPDATE agent_cycle_scores SET emission = emission + ? WHERE id = ?`, emission, id)
	if err != nil {
		return fmt.Errorf("add agent cycle emission %d: %w", id, err)
	}
	return nil
}
