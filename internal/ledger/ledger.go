// Package ledger is the transactional core of the token economy. Every
// fund-moving intent is validated and durably recorded before any chain
// call; the chain call happens outside the aggregate lock; the settlement
// reference is written back afterwards. Finalization is driven by the
// reconciler and guarded so it runs at most once per transfer.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/talgya/tokenmill/internal/chain"
	"github.com/talgya/tokenmill/internal/config"
	"github.com/talgya/tokenmill/internal/notify"
	"github.com/talgya/tokenmill/internal/stats"
	"github.com/talgya/tokenmill/internal/store"
)

// maxBatchRecipients bounds one batch transfer call.
const maxBatchRecipients = 20

// Ledger validates and records fund movements and drives the settlement
// layer. It is the only entry point the outer layers use to move tokens.
type Ledger struct {
	st    *store.Store
	chain chain.Client
	eco   config.Economy
	rec   *stats.Recorder
	notif notify.Notifier
	log   *slog.Logger
	locks *lockTable

	approveWait time.Duration
}

// New wires a Ledger.
func New(st *store.Store, c chain.Client, eco config.Economy, rec *stats.Recorder, n notify.Notifier, logger *slog.Logger) *Ledger {
	return &Ledger{
		st:    st,
		chain: c,
		eco:   eco,
		rec:   rec,
		notif: n,
		log:   logger.With("component", "ledger"),
		locks: newLockTable(),

		approveWait: approveWaitTimeout,
	}
}

// TransferToUser moves tokens from an agent's pool to a user wallet. The
// pool debit and the pending record are one atomic unit under the agent
// lock; the chain transfer happens after the lock is released.
func (l *Ledger) TransferToUser(ctx context.Context, agentID int64, userRef, dest string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, notAllowed("invalid amount provided")
	}
	if !l.chain.IsValidAddress(dest) {
		return 0, notAllowed("invalid destination address")
	}

	unlock := l.locks.acquire("agent", agentID)

	var transfer store.PendingTransfer
	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		agent, ledgerRow, err := l.agentAndLedger(tx, agentID)
		if err != nil {
			return err
		}
		if err := validateTransferLimits(agent, ledgerRow, amount, amount); err != nil {
			return err
		}
		if err := store.DebitPoolForTransfer(tx, agentID, amount); err != nil {
			return err
		}
		transfer = store.PendingTransfer{
			Kind:        store.KindTransfer,
			OwnerRef:    userRef,
			AgentID:     agentID,
			Address:     dest,
			Amount:      amount,
			RoundNumber: ledgerRow.RoundNumber,
			Status:      store.StatusApproved,
		}
		return store.InsertTransfer(tx, &transfer)
	})
	unlock()
	if err != nil {
		return 0, err
	}

	l.log.Info("transferring tokens", "agent", agentID, "user", userRef, "amount", amount)
	return transfer.ID, l.submitTransfer(ctx, &transfer, dest, amount)
}

// BatchTransferToUser moves tokens from an agent's pool to up to 20 user
// wallets in one settlement transaction. The per-tx limit applies to the
// largest amount and the round limit to the sum.
func (l *Ledger) BatchTransferToUser(ctx context.Context, agentID int64, userRefs, dests []string, amounts []int64) ([]int64, error) {
	if len(dests) == 0 || len(dests) != len(amounts) || len(dests) != len(userRefs) {
		return nil, notAllowed("invalid batch")
	}
	if len(dests) > maxBatchRecipients {
		return nil, notAllowed("too many recipients: %d (max %d)", len(dests), maxBatchRecipients)
	}
	var sum, maxAmount int64
	for i, a := range amounts {
		if a <= 0 {
			return nil, notAllowed("invalid amount provided")
		}
		if !l.chain.IsValidAddress(dests[i]) {
			return nil, notAllowed("invalid destination address")
		}
		sum += a
		if a > maxAmount {
			maxAmount = a
		}
	}

	unlock := l.locks.acquire("agent", agentID)

	var transfers []store.PendingTransfer
	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		agent, ledgerRow, err := l.agentAndLedger(tx, agentID)
		if err != nil {
			return err
		}
		if err := validateTransferLimits(agent, ledgerRow, maxAmount, sum); err != nil {
			return err
		}
		if err := store.DebitPoolForTransfer(tx, agentID, sum); err != nil {
			return err
		}
		transfers = make([]store.PendingTransfer, len(dests))
		for i := range dests {
			transfers[i] = store.PendingTransfer{
				Kind:        store.KindBatchTransfer,
				OwnerRef:    userRefs[i],
				AgentID:     agentID,
				Address:     dests[i],
				Amount:      amounts[i],
				RoundNumber: ledgerRow.RoundNumber,
				Status:      store.StatusApproved,
			}
			if err := store.InsertTransfer(tx, &transfers[i]); err != nil {
				return err
			}
		}
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}

	l.log.Info("batch transferring tokens", "agent", agentID, "recipients", len(dests), "total", sum)

	receipt, err := l.chain.BatchTransfer(ctx, uuid.NewString(), dests, amounts)
	if err != nil {
		// Rows stay APPROVED for inspection; the chain call is not
		// retried here.
		l.log.Error("batch transfer submission failed", "agent", agentID, "error", err)
		return nil, fmt.Errorf("submit batch transfer: %w", err)
	}

	ids := make([]int64, len(transfers))
	for i := range transfers {
		ids[i] = transfers[i].ID
		if err := l.st.SetTxSent(transfers[i].ID, receipt.TxRef, receipt.ExpiryHeight); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// StartNewRound rotates the agent's transfer round: the round number is
// bumped and the per-round transferred counter resets, so subsequent
// transfers count against a fresh cap. Callers decide the round cadence,
// typically once per reward or activity cycle.
func (l *Ledger) StartNewRound(agentID int64) error {
	unlock := l.locks.acquire("agent", agentID)
	defer unlock()

	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		if _, _, err := l.agentAndLedger(tx, agentID); err != nil {
			return err
		}
		return store.StartNewRound(tx, agentID)
	})
	if err != nil {
		return err
	}
	l.log.Info("started new round", "agent", agentID)
	return nil
}

// validateTransferLimits applies the per-tx cap, the per-round cap, and the
// pool balance check. Any violation is a NotAllowedError and nothing is
// written.
func validateTransferLimits(agent *store.Agent, ledgerRow *store.AgentLedger, maxAmount, total int64) error {
	if agent.MaxPerTx != 0 && maxAmount > agent.MaxPerTx {
		return notAllowed("token amount exceeds the maximum allowed per transfer")
	}
	if agent.MaxPerRound != 0 && ledgerRow.RoundTransferred+total > agent.MaxPerRound {
		return notAllowed("token amount exceeds the maximum allowed this round")
	}
	if ledgerRow.PoolBalance < total {
		return notAllowed("insufficient pool balance")
	}
	return nil
}

// agentAndLedger loads both rows or rejects the operation.
func (l *Ledger) agentAndLedger(tx *sqlx.Tx, agentID int64) (*store.Agent, *store.AgentLedger, error) {
	var agent store.Agent
	if err := tx.Get(&agent, `SELECT * FROM agents WHERE id = ?`, agentID); err != nil {
		return nil, nil, notAllowed("agent not found")
	}
	if agent.DeletedAt != nil {
		return nil, nil, notAllowed("agent not found")
	}
	ledgerRow, err := store.GetLedger(tx, agentID)
	if err != nil {
		return nil, nil, err
	}
	if ledgerRow == nil {
		return nil, nil, notAllowed("agent not found")
	}
	return &agent, ledgerRow, nil
}

// submitTransfer performs the post-lock chain call for a single outbound
// transfer and records the settlement reference. A chain failure leaves the
// row in its last durable status.
func (l *Ledger) submitTransfer(ctx context.Context, t *store.PendingTransfer, dest string, amount int64) error {
	receipt, err := l.chain.Transfer(ctx, uuid.NewString(), dest, amount)
	if err != nil {
		l.log.Error("transfer submission failed", "transfer", t.ID, "error", err)
		return fmt.Errorf("submit transfer: %w", err)
	}
	t.TxHash = receipt.TxRef
	t.TxExpiryHeight = receipt.ExpiryHeight
	return l.st.SetTxSent(t.ID, receipt.TxRef, receipt.ExpiryHeight)
}
