package ledger

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/tokenmill/internal/store"
	"github.com/talgya/tokenmill/internal/token"
)

// Finalize applies the terminal ledger effects of a confirmed transfer. The
// status advance and the effects share one transaction, and the advance is
// guarded so finalization runs at most once: a transfer something else has
// already finalized is a silent no-op.
func (l *Ledger) Finalize(t *store.PendingTransfer) error {
	var done bool
	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		ok, err := store.AdvanceStatusTx(tx, t.ID, store.StatusTxSent, store.StatusSuccess)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		done = true
		return l.applyFinal(tx, t)
	})
	if err != nil {
		return fmt.Errorf("finalize transfer %d: %w", t.ID, err)
	}
	if done {
		l.log.Info("transfer finalized", "transfer", t.ID, "kind", t.Kind, "amount", t.Amount)
		l.notifyFinal(t)
	}
	return nil
}

func (l *Ledger) applyFinal(tx *sqlx.Tx, t *store.PendingTransfer) error {
	switch t.Kind {
	case store.KindDeposit:
		// The settled payment was split on chain; mirror the split in
		// the off-chain ledgers. The creator share went straight to the
		// creator wallet and needs no ledger entry.
		poolShare := int64(float64(t.Amount) * l.eco.PaymentPoolRatio)
		creatorShare := int64(float64(t.Amount) * l.eco.PaymentCreatorRatio)
		if err := store.AddPoolBalance(tx, t.AgentID, poolShare); err != nil {
			return err
		}
		if err := store.CreditDeveloper(tx, t.Amount-poolShare-creatorShare); err != nil {
			return err
		}
		return l.rec.RecordUserPayment(tx, t)

	case store.KindStaking:
		if err := store.SetStakingStatus(tx, t.StakingID, store.StatusSuccess); err != nil {
			return err
		}
		if err := store.AddStakingPoolBalance(tx, t.AgentID, t.Amount); err != nil {
			return err
		}
		return l.rec.RecordUserStaking(tx, t.AgentID, t.Amount)

	case store.KindStakingRelease:
		if err := store.SetStakingReleaseStatus(tx, t.StakingID, store.StatusSuccess); err != nil {
			return err
		}
		return l.rec.RecordStakingRelease(tx, t.AgentID, t.Amount)

	case store.KindPoolCharge:
		return store.AddPoolBalance(tx, t.AgentID, t.Amount)

	case store.KindTransfer, store.KindBatchTransfer:
		return l.rec.RecordUserTransfer(tx, t)

	case store.KindAgentStake:
		return store.SetAgentStakingAmount(tx, t.AgentID, t.Amount)

	case store.KindAgentRefund:
		return store.SetAgentStakingAmount(tx, t.AgentID, 0)

	case store.KindUserWithdraw, store.KindCreatorWithdraw:
		// Balances were debited when the withdrawal was recorded.
		return nil
	}
	return fmt.Errorf("unknown transfer kind %q", t.Kind)
}

// FailTransfer marks a transfer whose settlement expired or failed. Ledger
// balances are not restored automatically; failed rows are kept for
// inspection.
func (l *Ledger) FailTransfer(t *store.PendingTransfer) error {
	var done bool
	err := l.st.WithTx(func(tx *sqlx.Tx) error {
		ok, err := store.AdvanceStatusTx(tx, t.ID, store.StatusTxSent, store.StatusFailed)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		done = true
		switch t.Kind {
		case store.KindStaking:
			return store.SetStakingStatus(tx, t.StakingID, store.StatusFailed)
		case store.KindStakingRelease:
			return store.SetStakingReleaseStatus(tx, t.StakingID, store.StatusFailed)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail transfer %d: %w", t.ID, err)
	}
	if done {
		l.log.Warn("transfer failed", "transfer", t.ID, "kind", t.Kind, "amount", t.Amount)
		l.notif.Notify(t.OwnerRef, "Your transaction could not be confirmed. Please try again.")
	}
	return nil
}

func (l *Ledger) notifyFinal(t *store.PendingTransfer) {
	amount := token.FormatWhole(t.Amount)
	switch t.Kind {
	case store.KindDeposit:
		l.notif.Notify(t.OwnerRef, fmt.Sprintf("Your payment of %s has been confirmed.", amount))
	case store.KindStaking:
		l.notif.Notify(t.OwnerRef, fmt.Sprintf("Your staking of %s is now active.", amount))
	case store.KindStakingRelease:
		l.notif.Notify(t.OwnerRef, fmt.Sprintf("Your staking of %s has been released to your wallet.", amount))
	case store.KindTransfer, store.KindBatchTransfer:
		l.notif.Notify(t.OwnerRef, fmt.Sprintf("You received %s.", amount))
	case store.KindUserWithdraw, store.KindCreatorWithdraw:
		l.notif.Notify(t.OwnerRef, fmt.Sprintf("Your withdrawal of %s has been completed.", amount))
	}
}
