package stats

import (
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/tokenmill/internal/store"
)

// Recorder maintains the per-agent activity statistics written when a
// transfer finalizes: daily counters plus unique-address tracking.
type Recorder struct {
	st        *store.Store
	payments  *DedupSet
	transfers *DedupSet
	log       *slog.Logger
}

// NewRecorder wires the recorder and its dedup sets.
func NewRecorder(st *store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		st:        st,
		payments:  NewDedupSet(st, store.KindDeposit, logger),
		transfers: NewDedupSet(st, store.KindTransfer, logger),
		log:       logger.With("component", "stats"),
	}
}

// RecordUserPayment records a finalized inbound payment within the given
// transaction and stamps the transfer row with the day the stats landed on,
// so the dedup sets rebuild against the same day after a restart.
func (r *Recorder) RecordUserPayment(tx *sqlx.Tx, t *store.PendingTransfer) error {
	day := store.DayStart(store.Now())
	newToday, _, err := r.payments.Add(day, t.AgentID, t.Address)
	if err != nil {
		return err
	}
	if err := store.SetTransferStatDay(tx, t.ID, day); err != nil {
		return err
	}
	return store.AddDailyPayment(tx, t.AgentID, day, t.Amount, newToday)
}

// RecordUserTransfer records a finalized outbound transfer within the given
// transaction, bumping both the daily counters and the ledger's lifetime
// transfer stats.
func (r *Recorder) RecordUserTransfer(tx *sqlx.Tx, t *store.PendingTransfer) error {
	day := store.DayStart(store.Now())
	newToday, newTotal, err := r.transfers.Add(day, t.AgentID, t.Address)
	if err != nil {
		return err
	}
	if err := store.SetTransferStatDay(tx, t.ID, day); err != nil {
		return err
	}
	if err := store.AddDailyTransfer(tx, t.AgentID, day, t.Amount, newToday); err != nil {
		return err
	}
	return store.AddTransferStats(tx, t.AgentID, t.Amount, newTotal)
}

// RecordUserStaking records a finalized staking deposit.
func (r *Recorder) RecordUserStaking(tx *sqlx.Tx, agentID, amount int64) error {
	return store.AddDailyStaking(tx, agentID, store.DayStart(store.Now()), amount)
}

// RecordStakingRelease records a finalized staking release.
func (r *Recorder) RecordStakingRelease(tx *sqlx.Tx, agentID, amount int64) error {
	return store.AddDailyStaking(tx, agentID, store.DayStart(store.Now()), -amount)
}
