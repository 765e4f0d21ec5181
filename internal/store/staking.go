package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UserStaking is a time-locked deposit against one agent. The age of the
// staking earns a score multiplier; release is allowed after the locking
// period. Status and release status use the shared transfer status codes.
type UserStaking struct {
	ID            int64  `db:"id"`
	UserRef       string `db:"user_ref"`
	AgentID       int64  `db:"agent_id"`
	Amount        int64  `db:"amount"`
	TxHash        string `db:"tx_hash"`
	ReleaseTxHash string `db:"release_tx_hash"`
	Status        int    `db:"status"`
	ReleaseStatus *int   `db:"release_status"`
	CreatedAt     int64  `db:"created_at"`
	ReleasedAt    *int64 `db:"released_at"`
}

// Multiplier returns the staking score multiplier at the given time.
// Step function of staking age: 360d → 3.0, 180d → 2.0, 90d → 1.5, else 1.0.
func (u *UserStaking) Multiplier(at int64) float64 {
	age := at - u.CreatedAt
	switch {
	case age >= 12*30*86400:
		return 3
	case age >= 6*30*86400:
		return 2
	case age >= 3*30*86400:
		return 1.5
	default:
		return 1
	}
}

// InsertStaking writes a staking record inside a transaction, filling in the
// id.
func InsertStaking(tx *sqlx.Tx, u *UserStaking) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = Now()
	}
	if u.Status == 0 {
		u.Status = StatusApproving
	}
	res, err := tx.NamedExec(`
		INSERT INTO user_stakings
			(user_ref, agent_id, amount, tx_hash, release_tx_hash, status,
			 release_status, created_at, released_at)
		VALUES
			(:user_ref, :agent_id, :amount, :tx_hash, :release_tx_hash, :status,
			 :release_status, :created_at, :released_at)`, u)
	if err != nil {
		return fmt.Errorf("insert staking: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

// GetStaking loads one staking record, or nil.
func (s *Store) GetStaking(id int64) (*UserStaking, error) {
	var u UserStaking
	err := s.conn.Get(&u, `SELECT * FROM user_stakings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get staking %d: %w", id, err)
	}
	return &u, nil
}

// GetStakingTx is GetStaking inside a transaction.
func GetStakingTx(tx *sqlx.Tx, id int64) (*UserStaking, error) {
	var u UserStaking
	err := tx.Get(&u, `SELECT * FROM user_stakings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get staking %d: %w", id, err)
	}
	return &u, nil
}

// SetStakingStatus updates the staking collection status.
func SetStakingStatus(tx *sqlx.Tx, id int64, status int) error {
	_, err := tx.Exec(`UPDATE user_stakings SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set staking %d status: %w", id, err)
	}
	return nil
}

// MarkStakingReleasing stamps released_at and the release status in one
// step; the release transfer is recorded separately.
func MarkStakingReleasing(tx *sqlx.Tx, id int64, status int) error {
	_, err := tx.Exec(`
		UPDATE user_stakings SET released_at = ?, release_status = ? WHERE id = ?`,
		Now(), status, id)
	if err != nil {
		return fmt.Errorf("mark staking %d releasing: %w", id, err)
	}
	return nil
}

// SetStakingReleaseStatus updates only the release status.
func SetStakingReleaseStatus(tx *sqlx.Tx, id int64, status int) error {
	_, err := tx.Exec(`UPDATE user_stakings SET release_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set staking %d release status: %w", id, err)
	}
	return nil
}

// SetStakingTx records the inbound collect transaction hash.
func SetStakingTx(tx *sqlx.Tx, id int64, txHash string) error {
	_, err := tx.Exec(`UPDATE user_stakings SET tx_hash = ? WHERE id = ?`, txHash, id)
	if err != nil {
		return fmt.Errorf("set staking %d tx: %w", id, err)
	}
	return nil
}

// SetStakingReleaseTx records the outbound release transaction hash.
func SetStakingReleaseTx(tx *sqlx.Tx, id int64, txHash string) error {
	_, err := tx.Exec(`UPDATE user_stakings SET release_tx_hash = ? WHERE id = ?`, txHash, id)
	if err != nil {
		return fmt.Errorf("set staking %d release tx: %w", id, err)
	}
	return nil
}

// LiveStakingPage returns one page of successful, unreleased (or released
// after the cycle end) stakings created before sinceBefore, ordered by id.
// agentID of zero means all agents.
func (s *Store) LiveStakingPage(agentID, sinceBefore, cycleEnd int64, page, pageSize int) ([]UserStaking, error) {
	query := `
		SELECT * FROM user_stakings
		WHERE status = ? AND created_at < ?
		  AND (released_at IS NULL OR released_at >= ?)`
	args := []any{StatusSuccess, sinceBefore, cycleEnd}
	if agentID != 0 {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`
	args = append(args, pageSize, page*pageSize)

	var out []UserStaking
	if err := s.conn.Select(&out, query, args...); err != nil {
		return nil, fmt.Errorf("live staking page: %w", err)
	}
	return out, nil
}

// TotalUserStaked sums every staking created before the cycle end that was
// not released before it.
func (s *Store) TotalUserStaked(cycleEnd int64) (int64, error) {
	var n sql.NullInt64
	err := s.conn.Get(&n, `
		SELECT SUM(amount) FROM user_stakings
		WHERE created_at < ? AND status = ?
		  AND (released_at IS NULL OR released_at >= ?)`,
		cycleEnd, StatusSuccess, cycleEnd)
	if err != nil {
		return 0, fmt.Errorf("total user staked: %w", err)
	}
	return n.Int64, nil
}
