package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/tokenmill/internal/chain"
	"github.com/talgya/tokenmill/internal/store"
)

// approveWaitTimeout bounds the wait for the user's approve transaction.
const approveWaitTimeout = 120 * time.Second

// LinkWallet verifies a signed ownership proof and stores the wallet
// address for the user under the agent. The signed message is the user
// reference, so a proof cannot be replayed for a different user.
func (l *Ledger) LinkWallet(userRef string, agentID int64, pubKey, signature string) error {
	address := l.chain.ValidateSignature(pubKey, userRef, signature)
	if address == "" {
		return notAllowed("wallet signature verification failed")
	}
	if !l.chain.IsValidAddress(address) {
		return notAllowed("invalid wallet address")
	}
	return l.st.SaveUserWallet(userRef, agentID, address)
}

// CollectDeposit records a user payment intent and pulls the approved funds
// from the user's wallet. The pool is credited only when the collect
// transaction finalizes.
func (l *Ledger) CollectDeposit(ctx context.Context, agentID int64, userRef, approveTx string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, notAllowed("invalid amount provided")
	}
	wallet, err := l.st.GetUserWallet(userRef, agentID)
	if err != nil {
		return 0, err
	}
	if wallet == nil {
		return 0, notAllowed("no linked wallet for this agent")
	}
	agent, err := l.st.GetAgent(agentID)
	if err != nil {
		return 0, err
	}
	if agent == nil || agent.DeletedAt != nil {
		return 0, notAllowed("agent not found")
	}

	transfer := store.PendingTransfer{
		Kind:      store.KindDeposit,
		OwnerRef:  userRef,
		AgentID:   agentID,
		Address:   wallet.Address,
		Amount:    amount,
		ApproveTx: approveTx,
	}
	if err := l.st.WithTx(func(tx *sqlx.Tx) error {
		return store.InsertTransfer(tx, &transfer)
	}); err != nil {
		return 0, err
	}

	if err := l.awaitApproval(ctx, &transfer, userRef); err != nil {
		return transfer.ID, err
	}

	receipt, err := l.chain.CollectPayment(ctx, transfer.ID, wallet.Address, agent.CreatorAddress, amount, l.eco.PaymentCreatorRatio)
	if err != nil {
		l.log.Error("payment collection failed", "transfer", transfer.ID, "error", err)
		return transfer.ID, fmt.Errorf("collect payment: %w", err)
	}
	return transfer.ID, l.st.SetTxSent(transfer.ID, receipt.TxRef, receipt.ExpiryHeight)
}

// CollectStaking records a staking intent and pulls the approved deposit
// into escrow. The staking record and its pending transfer are created in
// one unit.
func (l *Ledger) CollectStaking(ctx context.Context, agentID int64, userRef, approveTx string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, notAllowed("invalid amount provided")
	}
	wallet, err := l.st.GetUserWallet(userRef, agentID)
	if err != nil {
		return 0, err
	}
	if wallet == nil {
		return 0, notAllowed("no linked wallet for this agent")
	}

	var transfer store.PendingTransfer
	var staking store.UserStaking
	if err := l.st.WithTx(func(tx *sqlx.Tx) error {
		staking = store.UserStaking{
			UserRef: userRef,
			AgentID: agentID,
			Amount:  amount,
		}
		if err := store.InsertStaking(tx, &staking); err != nil {
			return err
		}
		transfer = store.PendingTransfer{
			Kind:      store.KindStaking,
			OwnerRef:  userRef,
			AgentID:   agentID,
			Address:   wallet.Address,
			Amount:    amount,
			StakingID: staking.ID,
			ApproveTx: approveTx,
		}
		return store.InsertTransfer(tx, &transfer)
	}); err != nil {
		return 0, err
	}

	if err := l.awaitApproval(ctx, &transfer, userRef); err != nil {
		return transfer.ID, err
	}

	receipt, err := l.chain.CollectStaking(ctx, staking.ID, wallet.Address, amount)
	if err != nil {
		l.log.Error("staking collection failed", "transfer", transfer.ID, "error", err)
		return transfer.ID, fmt.Errorf("collect staking: %w", err)
	}
	if err := l.st.WithTx(func(tx *sqlx.Tx) error {
		if err := store.SetStakingTx(tx, staking.ID, receipt.TxRef); err != nil {
			return err
		}
		return store.SetStakingStatus(tx, staking.ID, store.StatusTxSent)
	}); err != nil {
		return transfer.ID, err
	}
	return transfer.ID, l.st.SetTxSent(transfer.ID, receipt.TxRef, receipt.ExpiryHeight)
}

// ChargeGamePool pulls an approved pool top-up from the agent creator's
// wallet. The pool is credited on finalization.
func (l *Ledger) ChargeGamePool(ctx context.Context, agentID int64, approveTx string, amount int64) (int64, error) {
	if amount < l.eco.MinPoolCharge {
		return 0, notAllowed("minimum pool charge is %d", l.eco.MinPoolCharge)
	}
	agent, err := l.st.GetAgent(agentID)
	if err != nil {
		return 0, err
	}
	if agent == nil || agent.DeletedAt != nil {
		return 0, notAllowed("agent not found")
	}

	transfer := store.PendingTransfer{
		Kind:      store.KindPoolCharge,
		OwnerRef:  agent.CreatorAddress,
		AgentID:   agentID,
		Address:   agent.CreatorAddress,
		Amount:    amount,
		ApproveTx: approveTx,
	}
	if err := l.st.WithTx(func(tx *sqlx.Tx) error {
		return store.InsertTransfer(tx, &transfer)
	}); err != nil {
		return 0, err
	}

	if err := l.awaitApproval(ctx, &transfer, agent.CreatorAddress); err != nil {
		return transfer.ID, err
	}

	receipt, err := l.chain.CollectPoolCharge(ctx, transfer.ID, agent.CreatorAddress, amount)
	if err != nil {
		l.log.Error("pool charge collection failed", "transfer", transfer.ID, "error", err)
		return transfer.ID, fmt.Errorf("collect pool charge: %w", err)
	}
	return transfer.ID, l.st.SetTxSent(transfer.ID, receipt.TxRef, receipt.ExpiryHeight)
}

// StakeAgentCreation pulls the fixed creation stake from the creator wallet
// when a new agent is registered.
func (l *Ledger) StakeAgentCreation(ctx context.Context, agentID int64, approveTx string) (int64, error) {
	agent, err := l.st.GetAgent(agentID)
	if err != nil {
		return 0, err
	}
	if agent == nil || agent.DeletedAt != nil {
		return 0, notAllowed("agent not found")
	}

	amount := l.eco.AgentCreationStake
	transfer := store.PendingTransfer{
		Kind:      store.KindAgentStake,
		OwnerRef:  agent.CreatorAddress,
		AgentID:   agentID,
		Address:   agent.CreatorAddress,
		Amount:    amount,
		ApproveTx: approveTx,
	}
	if err := l.st.WithTx(func(tx *sqlx.Tx) error {
		return store.InsertTransfer(tx, &transfer)
	}); err != nil {
		return 0, err
	}

	if err := l.awaitApproval(ctx, &transfer, agent.CreatorAddress); err != nil {
		return transfer.ID, err
	}

	receipt, err := l.chain.CollectStaking(ctx, transfer.ID, agent.CreatorAddress, amount)
	if err != nil {
		l.log.Error("creation stake collection failed", "transfer", transfer.ID, "error", err)
		return transfer.ID, fmt.Errorf("collect creation stake: %w", err)
	}
	return transfer.ID, l.st.SetTxSent(transfer.ID, receipt.TxRef, receipt.ExpiryHeight)
}

// awaitApproval waits for the user's approve transaction to confirm, then
// advances the record to APPROVED. On timeout the record is failed and the
// user notified; a new user action is required to retry.
func (l *Ledger) awaitApproval(ctx context.Context, t *store.PendingTransfer, notifyRef string) error {
	err := l.chain.WaitForConfirmation(ctx, t.ApproveTx, l.approveWait)
	if err != nil {
		if errors.Is(err, chain.ErrTimeout) {
			if _, csErr := l.st.AdvanceStatus(t.ID, store.StatusApproving, store.StatusFailed); csErr != nil {
				return csErr
			}
			l.notif.Notify(notifyRef, "Your transaction was not confirmed in time. Please try again.")
			return fmt.Errorf("approve tx %s: %w", t.ApproveTx, err)
		}
		l.log.Error("approve confirmation failed", "transfer", t.ID, "error", err)
		return fmt.Errorf("approve tx %s: %w", t.ApproveTx, err)
	}
	if _, err := l.st.AdvanceStatus(t.ID, store.StatusApproving, store.StatusApproved); err != nil {
		return err
	}
	t.Status = store.StatusApproved
	return nil
}
