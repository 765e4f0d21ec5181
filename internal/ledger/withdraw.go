package ledger

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/tokenmill/internal/store"
)

// WithdrawToUser moves a user's accumulated balance to their wallet. The
// flat transaction fee comes out of the same balance and is credited to the
// developer account in the same unit of work.
func (l *Ledger) WithdrawToUser(ctx context.Context, userRef, dest string, amount int64) (int64, error) {
	if amount < l.eco.MinUserWithdraw {
		return 0, notAllowed("minimum withdrawal is %d", l.eco.MinUserWithdraw)
	}
	if !l.chain.IsValidAddress(dest) {
		return 0, notAllowed("invalid destination address")
	}
	fee := l.eco.WithdrawTxFee

	unlock := l.locks.acquire("user", userRef)

	var transfer store.PendingTransfer
	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		account, err := store.GetUserAccountTx(tx, userRef)
		if err != nil {
			return err
		}
		if account == nil || account.Balance+account.RewardBalance < amount+fee {
			return notAllowed("insufficient balance to cover the amount plus fee")
		}
		if err := store.DebitUserBalance(tx, userRef, amount+fee); err != nil {
			return err
		}
		if err := store.CreditDeveloper(tx, fee); err != nil {
			return err
		}
		transfer = store.PendingTransfer{
			Kind:     store.KindUserWithdraw,
			OwnerRef: userRef,
			Address:  dest,
			Amount:   amount,
			Fee:      fee,
			Status:   store.StatusApproved,
		}
		return store.InsertTransfer(tx, &transfer)
	})
	unlock()
	if err != nil {
		return 0, err
	}

	l.log.Info("user withdrawal", "user", userRef, "amount", amount, "fee", fee)
	return transfer.ID, l.submitTransfer(ctx, &transfer, dest, amount)
}

// WithdrawToCreator moves an agent's creator balance to the creator wallet.
// Fee handling matches WithdrawToUser.
func (l *Ledger) WithdrawToCreator(ctx context.Context, agentID int64, amount int64) (int64, error) {
	if amount < l.eco.MinCreatorWithdraw {
		return 0, notAllowed("minimum withdrawal is %d", l.eco.MinCreatorWithdraw)
	}
	fee := l.eco.WithdrawTxFee

	unlock := l.locks.acquire("agent", agentID)

	var transfer store.PendingTransfer
	var dest string
	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		agent, ledgerRow, err := l.agentAndLedger(tx, agentID)
		if err != nil {
			return err
		}
		if ledgerRow.CreatorBalance < amount+fee {
			return notAllowed("insufficient creator balance to cover the amount plus fee")
		}
		if err := store.AddCreatorBalance(tx, agentID, -(amount + fee)); err != nil {
			return err
		}
		if err := store.CreditDeveloper(tx, fee); err != nil {
			return err
		}
		dest = agent.CreatorAddress
		transfer = store.PendingTransfer{
			Kind:     store.KindCreatorWithdraw,
			OwnerRef: agent.CreatorAddress,
			AgentID:  agentID,
			Address:  agent.CreatorAddress,
			Amount:   amount,
			Fee:      fee,
			Status:   store.StatusApproved,
		}
		return store.InsertTransfer(tx, &transfer)
	})
	unlock()
	if err != nil {
		return 0, err
	}

	l.log.Info("creator withdrawal", "agent", agentID, "amount", amount, "fee", fee)
	return transfer.ID, l.submitTransfer(ctx, &transfer, dest, amount)
}

// ReleaseStaking returns a matured staking deposit to the user's wallet.
// The record must have settled successfully, must not already be releasing,
// and must be past the locking period.
func (l *Ledger) ReleaseStaking(ctx context.Context, stakingID int64) (int64, error) {
	unlock := l.locks.acquire("staking", stakingID)

	var transfer store.PendingTransfer
	var dest string
	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		staking, err := store.GetStakingTx(tx, stakingID)
		if err != nil {
			return err
		}
		if staking == nil {
			return notAllowed("staking record not found")
		}
		if staking.Status != store.StatusSuccess {
			return notAllowed("staking deposit has not settled")
		}
		if staking.ReleasedAt != nil {
			return notAllowed("staking already released")
		}
		lockingPeriod := int64(l.eco.StakingLockingDays) * 86400
		if store.Now()-staking.CreatedAt < lockingPeriod {
			return notAllowed("staking is still in its locking period")
		}
		wallet, err := store.GetUserWalletTx(tx, staking.UserRef, staking.AgentID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return notAllowed("no linked wallet for this agent")
		}
		if err := store.MarkStakingReleasing(tx, stakingID, store.StatusApproved); err != nil {
			return err
		}
		if err := store.AddStakingPoolBalance(tx, staking.AgentID, -staking.Amount); err != nil {
			return err
		}
		dest = wallet.Address
		transfer = store.PendingTransfer{
			Kind:      store.KindStakingRelease,
			OwnerRef:  staking.UserRef,
			AgentID:   staking.AgentID,
			Address:   wallet.Address,
			Amount:    staking.Amount,
			StakingID: stakingID,
			Status:    store.StatusApproved,
		}
		return store.InsertTransfer(tx, &transfer)
	})
	unlock()
	if err != nil {
		return 0, err
	}

	l.log.Info("releasing staking", "staking", stakingID, "amount", transfer.Amount)
	if err := l.submitTransfer(ctx, &transfer, dest, transfer.Amount); err != nil {
		return transfer.ID, err
	}
	return transfer.ID, l.st.WithTx(func(tx *sqlx.Tx) error {
		return store.SetStakingReleaseTx(tx, stakingID, transfer.TxHash)
	})
}

// RefundAgentStake returns the creation stake to the creator and retires the
// agent. The stake must be past the agent locking period.
func (l *Ledger) RefundAgentStake(ctx context.Context, agentID int64) (int64, error) {
	unlock := l.locks.acquire("agent", agentID)

	var transfer store.PendingTransfer
	var dest string
	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		agent, _, err := l.agentAndLedger(tx, agentID)
		if err != nil {
			return err
		}
		if agent.StakingAmount <= 0 {
			return notAllowed("agent has no settled creation stake")
		}
		lockingPeriod := int64(l.eco.AgentStakeLockingDays) * 86400
		if store.Now()-agent.CreatedAt < lockingPeriod {
			return notAllowed("creation stake is still in its locking period")
		}
		if err := store.MarkAgentDeleted(tx, agentID); err != nil {
			return err
		}
		dest = agent.CreatorAddress
		transfer = store.PendingTransfer{
			Kind:     store.KindAgentRefund,
			OwnerRef: agent.CreatorAddress,
			AgentID:  agentID,
			Address:  agent.CreatorAddress,
			Amount:   agent.StakingAmount,
			Status:   store.StatusApproved,
		}
		return store.InsertTransfer(tx, &transfer)
	})
	unlock()
	if err != nil {
		return 0, err
	}

	l.log.Info("refunding agent stake", "agent", agentID, "amount", transfer.Amount)
	return transfer.ID, l.submitTransfer(ctx, &transfer, dest, transfer.Amount)
}
