// Package reconcile drives pending transfers to a terminal state. A single
// loop polls the settlement layer for every row whose transaction has been
// sent and either finalizes it or, once the transaction can no longer
// confirm, fails it.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/talgya/tokenmill/internal/chain"
	"github.com/talgya/tokenmill/internal/ledger"
	"github.com/talgya/tokenmill/internal/store"
)

const (
	pageSize = 10

	// expiryGrace is the number of blocks past the expiry height before a
	// transaction is declared dead, covering chain-side reorg slack.
	expiryGrace = 30
)

// Reconciler polls sent transfers and resolves them.
type Reconciler struct {
	st     *store.Store
	chain  chain.Client
	ledger *ledger.Ledger
	log    *slog.Logger

	idleSleep time.Duration
	rowDelay  time.Duration
}

// New wires a Reconciler with the default pacing.
func New(st *store.Store, c chain.Client, l *ledger.Ledger, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		st:        st,
		chain:     c,
		ledger:    l,
		log:       logger.With("component", "reconciler"),
		idleSleep: 5 * time.Second,
		rowDelay:  50 * time.Millisecond,
	}
}

// Run polls until ctx is cancelled. An in-flight row is always resolved
// before the loop returns.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciler started")
	for {
		n, err := r.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("reconciler stopped")
				return nil
			}
			r.log.Error("sweep failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				r.log.Info("reconciler stopped")
				return nil
			case <-time.After(r.idleSleep):
			}
			continue
		}
		if ctx.Err() != nil {
			r.log.Info("reconciler stopped")
			return nil
		}
	}
}

// Sweep processes one page of sent transfers per kind and reports how many
// rows it handled.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	handled := 0
	for _, kind := range store.Kinds {
		rows, err := r.st.ListByStatus(kind, store.StatusTxSent, pageSize)
		if err != nil {
			return handled, err
		}
		for i := range rows {
			if ctx.Err() != nil {
				return handled, ctx.Err()
			}
			if err := r.resolve(ctx, &rows[i]); err != nil {
				r.log.Error("resolve failed", "transfer", rows[i].ID, "error", err)
			}
			handled++
			if r.rowDelay > 0 {
				select {
				case <-ctx.Done():
					return handled, ctx.Err()
				case <-time.After(r.rowDelay):
				}
			}
		}
	}
	return handled, nil
}

func (r *Reconciler) resolve(ctx context.Context, t *store.PendingTransfer) error {
	confirmed, err := r.chain.IsConfirmed(ctx, t.TxHash)
	if err != nil {
		return err
	}
	if confirmed {
		return r.ledger.Finalize(t)
	}
	height, err := r.chain.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	if height > t.TxExpiryHeight+expiryGrace {
		return r.ledger.FailTransfer(t)
	}
	// Still within its confirmation window; leave it for the next sweep.
	return nil
}
