package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Transfer status codes. Persisted as integers; the values interoperate with
// existing data and must never be renumbered.
const (
	StatusApproving   = 1
	StatusApproved    = 2
	StatusTxSent      = 3
	StatusTxConfirmed = 4
	StatusFailed      = 5
	StatusSuccess     = 6
)

// Pending transfer kinds.
const (
	KindDeposit         = "deposit"
	KindStaking         = "staking"
	KindStakingRelease  = "staking_release"
	KindPoolCharge      = "pool_charge"
	KindTransfer        = "transfer"
	KindBatchTransfer   = "batch_transfer"
	KindAgentStake      = "agent_stake"
	KindAgentRefund     = "agent_refund"
	KindCreatorWithdraw = "creator_withdraw"
	KindUserWithdraw    = "user_withdraw"
)

// Kinds lists every pending transfer kind, in the order the reconciler
// sweeps them.
var Kinds = []string{
	KindDeposit,
	KindStaking,
	KindStakingRelease,
	KindPoolCharge,
	KindTransfer,
	KindBatchTransfer,
	KindAgentStake,
	KindAgentRefund,
	KindCreatorWithdraw,
	KindUserWithdraw,
}

// PendingTransfer records a fund-moving intent and its settlement progress.
// Status moves strictly forward: APPROVING → APPROVED → TX_SENT →
// (TX_CONFIRMED) → SUCCESS | FAILED.
type PendingTransfer struct {
	ID             int64  `db:"id"`
	Kind           string `db:"kind"`
	OwnerRef       string `db:"owner_ref"`
	AgentID        int64  `db:"agent_id"`
	Address        string `db:"address"`
	Amount         int64  `db:"amount"`
	Fee            int64  `db:"fee"`
	RoundNumber    int64  `db:"round_number"`
	StakingID      int64  `db:"staking_id"`
	ApproveTx      string `db:"approve_tx"`
	TxHash         string `db:"tx_hash"`
	TxExpiryHeight int64  `db:"tx_expiry_height"`
	Status         int    `db:"status"`
	CreatedAt      int64  `db:"created_at"`
	// StatDay is the day the transfer's stats were recorded, stamped at
	// finalization. Zero until then.
	StatDay int64 `db:"stat_day"`
}

// InsertTransfer writes a new pending transfer inside the given transaction
// and fills in its id.
func InsertTransfer(tx *sqlx.Tx, t *PendingTransfer) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = Now()
	}
	if t.Status == 0 {
		t.Status = StatusApproving
	}
	res, err := tx.NamedExec(`
		INSERT INTO pending_transfers
			(kind, owner_ref, agent_id, address, amount, fee, round_number, staking_id,
			 approve_tx, tx_hash, tx_expiry_height, status, created_at, stat_day)
		VALUES
			(:kind, :owner_ref, :agent_id, :address, :amount, :fee, :round_number, :staking_id,
			 :approve_tx, :tx_hash, :tx_expiry_height, :status, :created_at, :stat_day)`, t)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// GetTransfer loads a single pending transfer by id.
func (s *Store) GetTransfer(id int64) (*PendingTransfer, error) {
	var t PendingTransfer
	err := s.conn.Get(&t, `SELECT * FROM pending_transfers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %d: %w", id, err)
	}
	return &t, nil
}

// SetTxSent records the settlement reference returned by the chain and
// advances the transfer to TX_SENT.
func (s *Store) SetTxSent(id int64, txHash string, expiryHeight int64) error {
	_, err := s.conn.Exec(`
		UPDATE pending_transfers
		SET tx_hash = ?, tx_expiry_height = ?, status = ?
		WHERE id = ? AND status < ?`,
		txHash, expiryHeight, StatusTxSent, id, StatusTxSent)
	if err != nil {
		return fmt.Errorf("set tx sent for transfer %d: %w", id, err)
	}
	return nil
}

// AdvanceStatus moves a transfer from one status to another. It returns true
// only if the row actually moved, so a finalizer can run at most once per
// transfer: concurrent or repeated attempts see false and do nothing.
func (s *Store) AdvanceStatus(id int64, from, to int) (bool, error) {
	if to <= from {
		return false, fmt.Errorf("status never regresses: %d -> %d", from, to)
	}
	res, err := s.conn.Exec(`
		UPDATE pending_transfers SET status = ? WHERE id = ? AND status = ?`,
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("advance transfer %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AdvanceStatusTx is AdvanceStatus inside an existing transaction, for
// finalizers that must flip the status and credit balances atomically.
func AdvanceStatusTx(tx *sqlx.Tx, id int64, from, to int) (bool, error) {
	if to <= from {
		return false, fmt.Errorf("status never regresses: %d -> %d", from, to)
	}
	res, err := tx.Exec(`
		UPDATE pending_transfers SET status = ? WHERE id = ? AND status = ?`,
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("advance transfer %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTransferStatDay stamps the day a transfer's stats were recorded.
func SetTransferStatDay(tx *sqlx.Tx, id, day int64) error {
	_, err := tx.Exec(`
		UPDATE pending_transfers SET stat_day = ? WHERE id = ?`, day, id)
	if err != nil {
		return fmt.Errorf("set transfer %d stat day: %w", id, err)
	}
	return nil
}

// ListByStatus returns up to limit transfers of the given kind and status,
// ordered by id ascending.
func (s *Store) ListByStatus(kind string, status, limit int) ([]PendingTransfer, error) {
	var out []PendingTransfer
	err := s.conn.Select(&out, `
		SELECT * FROM pending_transfers
		WHERE kind = ? AND status = ?
		ORDER BY id ASC LIMIT ?`, kind, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s transfers by status %d: %w", kind, status, err)
	}
	return out, nil
}

// DistinctAddressPage returns one page of distinct destination addresses of
// successful transfers of the given kind for an agent, ordered by first id.
// sinceDay of zero means all history.
func (s *Store) DistinctAddressPage(kind string, agentID, sinceDay int64, page, pageSize int) ([]string, error) {
	var out []string
	err := s.conn.Select(&out, `
		SELECT address FROM pending_transfers
		WHERE kind = ? AND agent_id = ? AND status = ? AND stat_day >= ? AND address != ''
		GROUP BY address
		ORDER BY MIN(id) ASC
		LIMIT ? OFFSET ?`,
		kind, agentID, StatusSuccess, sinceDay, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("distinct address page: %w", err)
	}
	return out, nil
}

// CountPaymentsByUser returns, for one agent, the number of successful
// deposits per user within [cycleStart, cycleEnd), paged by user_ref.
func (s *Store) CountPaymentsByUser(agentID, cycleStart, cycleEnd int64, page, pageSize int) (map[string]int64, []string, error) {
	rows := []struct {
		UserRef string `db:"owner_ref"`
		N       int64  `db:"n"`
	}{}
	err := s.conn.Select(&rows, `
		SELECT owner_ref, COUNT(id) AS n FROM pending_transfers
		WHERE kind = ? AND agent_id = ? AND status = ?
		  AND created_at >= ? AND created_at < ?
		GROUP BY owner_ref
		ORDER BY owner_ref ASC
		LIMIT ? OFFSET ?`,
		KindDeposit, agentID, StatusSuccess, cycleStart, cycleEnd, pageSize, page*pageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("count payments by user: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		counts[r.UserRef] = r.N
		order = append(order, r.UserRef)
	}
	return counts, order, nil
}
