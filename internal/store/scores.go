package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ScoreTable selects one of the staker score record tables. The two tables
// share a shape: per-staking score rows for a cycle.
type ScoreTable string

const (
	// AgentStakerScores holds per-agent staker rewards from the in-agent
	// sub-split.
	AgentStakerScores ScoreTable = "staker_cycle_scores"
	// GlobalStakerScores holds the global staker tier rewards.
	GlobalStakerScores ScoreTable = "global_staker_cycle_scores"
)

// StakerCycleScore is a per-staking score record for one cycle.
type StakerCycleScore struct {
	ID         int64  `db:"id"`
	AgentID    int64  `db:"agent_id"`
	StakingID  int64  `db:"staking_id"`
	UserRef    string `db:"user_ref"`
	CycleStart int64  `db:"cycle_start"`
	Score      int64  `db:"score"`
	Emission   int64  `db:"emission"`
}

// StakerScoresFor returns existing rows for the given staking ids in one
// cycle.
func (s *Store) StakerScoresFor(table ScoreTable, stakingIDs []int64, cycleStart int64) ([]StakerCycleScore, error) {
	if len(stakingIDs) == 0 {
		return nil, nil
	}
	cols := stakerCols(table)
	query, args, err := sqlx.In(
		`SELECT `+cols+` FROM `+string(table)+` WHERE staking_id IN (?) AND cycle_start = ?`,
		stakingIDs, cycleStart)
	if err != nil {
		return nil, fmt.Errorf("staker scores query: %w", err)
	}
	var out []StakerCycleScore
	if err := s.conn.Select(&out, query, args...); err != nil {
		return nil, fmt.Errorf("staker scores for: %w", err)
	}
	return out, nil
}

// The global table carries no agent column; select a zero in its place so
// both tables scan into the same struct.
func stakerCols(table ScoreTable) string {
	if table == GlobalStakerScores {
		return "id, 0 AS agent_id, staking_id, user_ref, cycle_start, score, emission"
	}
	return "id, agent_id, staking_id, user_ref, cycle_start, score, emission"
}

// UpsertStakerScore inserts a fresh score row.
func UpsertStakerScore(tx *sqlx.Tx, table ScoreTable, r *StakerCycleScore) error {
	var err error
	if table == GlobalStakerScores {
		_, err = tx.Exec(`
			INSERT INTO global_staker_cycle_scores (staking_id, user_ref, cycle_start, score)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(staking_id, cycle_start) DO UPDATE SET score = excluded.score`,
			r.StakingID, r.UserRef, r.CycleStart, r.Score)
	} else {
		_, err = tx.Exec(`
			INSERT INTO staker_cycle_scores (agent_id, staking_id, user_ref, cycle_start, score)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(staking_id, cycle_start) DO UPDATE SET score = excluded.score`,
			r.AgentID, r.StakingID, r.UserRef, r.CycleStart, r.Score)
	}
	if err != nil {
		return fmt.Errorf("upsert staker score: %w", err)
	}
	return nil
}

// DeleteStakerScore drops a stale score row.
func DeleteStakerScore(tx *sqlx.Tx, table ScoreTable, id int64) error {
	_, err := tx.Exec(`DELETE FROM `+string(table)+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete staker score %d: %w", id, err)
	}
	return nil
}

// StakerScoreSum sums the cycle's staker scores; agentID of zero sums the
// whole table.
func (s *Store) StakerScoreSum(table ScoreTable, cycleStart, agentID int64) (int64, error) {
	query := `SELECT SUM(score) FROM ` + string(table) + ` WHERE cycle_start = ?`
	args := []any{cycleStart}
	if agentID != 0 {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	var sum sql.NullInt64
	if err := s.conn.Get(&sum, query, args...); err != nil {
		return 0, fmt.Errorf("staker score sum: %w", err)
	}
	return sum.Int64, nil
}

// StakerScorePage returns one page of the cycle's rows by id ascending.
func (s *Store) StakerScorePage(table ScoreTable, cycleStart, agentID int64, page, pageSize int) ([]StakerCycleScore, error) {
	cols := stakerCols(table)
	query := `SELECT ` + cols + ` FROM ` + string(table) + ` WHERE cycle_start = ?`
	args := []any{cycleStart}
	if agentID != 0 {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`
	args = append(args, pageSize, page*pageSize)

	var out []StakerCycleScore
	if err := s.conn.Select(&out, query, args...); err != nil {
		return nil, fmt.Errorf("staker score page: %w", err)
	}
	return out, nil
}

// SetStakerEmission overwrites a row's emission.
func (s *Store) SetStakerEmission(table ScoreTable, id, emission int64) error {
	_, err := s.conn.Exec(`UPDATE `+string(table)+` SET emission = ? WHERE id = ?`, emission, id)
	if err != nil {
		return fmt.Errorf("set staker emission %d: %w", id, err)
	}
	return nil
}

// UserEmission is an aggregated per-user emission total.
type UserEmission struct {
	UserRef  string `db:"user_ref"`
	Emission int64  `db:"emission"`
}

// StakerEmissionsByUser sums the cycle's staker emissions per user. A single
// user may hold several stakings.
func (s *Store) StakerEmissionsByUser(table ScoreTable, cycleStart int64) ([]UserEmission, error) {
	var out []UserEmission
	err := s.conn.Select(&out, `
		SELECT user_ref, SUM(emission) AS emission FROM `+string(table)+`
		WHERE cycle_start = ?
		GROUP BY user_ref
		ORDER BY user_ref ASC`, cycleStart)
	if err != nil {
		return nil, fmt.Errorf("staker emissions by user: %w", err)
	}
	return out, nil
}

// PlayerCycleScore is a per-player score record for one agent and cycle.
type PlayerCycleScore struct {
	ID         int64  `db:"id"`
	AgentID    int64  `db:"agent_id"`
	UserRef    string `db:"user_ref"`
	CycleStart int64  `db:"cycle_start"`
	Score      int64  `db:"score"`
	Emission   int64  `db:"emission"`
}

// PlayerScoresFor returns existing player rows for the given users of one
// agent and cycle.
func (s *Store) PlayerScoresFor(agentID int64, userRefs []string, cycleStart int64) ([]PlayerCycleScore, error) {
	if len(userRefs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT * FROM player_cycle_scores
		WHERE agent_id = ? AND user_ref IN (?) AND cycle_start = ?`,
		agentID, userRefs, cycleStart)
	if err != nil {
		return nil, fmt.Errorf("player scores query: %w", err)
	}
	var out []PlayerCycleScore
	if err := s.conn.Select(&out, query, args...); err != nil {
		return nil, fmt.Errorf("player scores for: %w", err)
	}
	return out, nil
}

// UpsertPlayerScore inserts or updates a player score row.
func UpsertPlayerScore(tx *sqlx.Tx, r *PlayerCycleScore) error {
	_, err := tx.Exec(`
		INSERT INTO player_cycle_scores (agent_id, user_ref, cycle_start, score)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, user_ref, cycle_start) DO UPDATE SET score = excluded.score`,
		r.AgentID, r.UserRef, r.CycleStart, r.Score)
	if err != nil {
		return fmt.Errorf("upsert player score: %w", err)
	}
	return nil
}

// DeletePlayerScore drops a stale player row.
func DeletePlayerScore(tx *sqlx.Tx, id int64) error {
	_, err := tx.Exec(`DELETE FROM player_cycle_scores WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete player score %d: %w", id, err)
	}
	return nil
}

// PlayerScoreSum sums one agent's player scores for the cycle.
func (s *Store) PlayerScoreSum(agentID, cycleStart int64) (int64, error) {
	var sum sql.NullInt64
	err := s.conn.Get(&sum, `
		SELECT SUM(score) FROM player_cycle_scores WHERE agent_id = ? AND cycle_start = ?`,
		agentID, cycleStart)
	if err != nil {
		return 0, fmt.Errorf("player score sum: %w", err)
	}
	return sum.Int64, nil
}

// PlayerScorePage returns one page of an agent's player rows by id.
func (s *Store) PlayerScorePage(agentID, cycleStart int64, page, pageSize int) ([]PlayerCycleScore, error) {
	var out []PlayerCycleScore
	err := s.conn.Select(&out, `
		SELECT * FROM player_cycle_scores
		WHERE agent_id = ? AND cycle_start = ?
		ORDER BY id ASC LIMIT ? OFFSET ?`,
		agentID, cycleStart, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("player score page: %w", err)
	}
	return out, nil
}

// SetPlayerEmission overwrites a player row's emission.
func (s *Store) SetPlayerEmission(id, emission int64) error {
	_, err := s.conn.Exec(`UPDATE player_cycle_scores SET emission = ? WHERE id = ?`, emission, id)
	if err != nil {
		return fmt.Errorf("set player emission %d: %w", id, err)
	}
	return nil
}

// PlayerEmissionsByUser sums the cycle's player emissions per user across
// all agents.
func (s *Store) PlayerEmissionsByUser(cycleStart int64) ([]UserEmission, error) {
	var out []UserEmission
	err := s.conn.Select(&out, `
		SELECT user_ref, SUM(emission) AS emission FROM player_cycle_scores
		WHERE cycle_start = ?
		GROUP BY user_ref
		ORDER BY user_ref ASC`, cycleStart)
	if err != nil {
		return nil, fmt.Errorf("player emissions by user: %w", err)
	}
	return out, nil
}

// CreatorCycleScore is the creator's emission share for one agent and cycle.
type CreatorCycleScore struct {
	ID         int64 `db:"id"`
	AgentID    int64 `db:"agent_id"`
	CycleStart int64 `db:"cycle_start"`
	Emission   int64 `db:"emission"`
}

// UpsertCreatorScore records the creator share of an agent's cycle emission.
func (s *Store) UpsertCreatorScore(agentID, cycleStart, emission int64) error {
	_, err := s.conn.Exec(`
		INSERT INTO creator_cycle_scores (agent_id, cycle_start, emission)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id, cycle_start) DO UPDATE SET emission = excluded.emission`,
		agentID, cycleStart, emission)
	if err != nil {
		return fmt.Errorf("upsert creator score: %w", err)
	}
	return nil
}

// CreatorEmissions returns the cycle's creator emission rows.
func (s *Store) CreatorEmissions(cycleStart int64) ([]CreatorCycleScore, error) {
	var out []CreatorCycleScore
	err := s.conn.Select(&out, `
		SELECT * FROM creator_cycle_scores WHERE cycle_start = ? ORDER BY agent_id ASC`,
		cycleStart)
	if err != nil {
		return nil, fmt.Errorf("creator emissions: %w", err)
	}
	return out, nil
}
