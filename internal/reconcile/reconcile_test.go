package reconcile

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tokenmill/internal/chain"
	"github.com/talgya/tokenmill/internal/config"
	"github.com/talgya/tokenmill/internal/ledger"
	"github.com/talgya/tokenmill/internal/notify"
	"github.com/talgya/tokenmill/internal/stats"
	"github.com/talgya/tokenmill/internal/store"
)

type testEnv struct {
	st  *store.Store
	sim *chain.Sim
	rec *Reconciler
	eco config.Economy
}

func newTestEnv(t *testing.T, confirmAfter int64) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sim := chain.NewSim("treasury-addr", confirmAfter)
	eco := config.Defaults()
	led := ledger.New(st, sim, eco, stats.NewRecorder(st, logger), notify.Noop{}, logger)
	rec := New(st, sim, led, logger)
	rec.rowDelay = 0
	return &testEnv{st: st, sim: sim, rec: rec, eco: eco}
}

func (e *testEnv) newAgent(t *testing.T) *store.Agent {
	t.Helper()
	a := &store.Agent{CreatorAddress: "creator-addr", Enabled: true}
	require.NoError(t, e.st.CreateAgent(a))
	return a
}

// sentTransfer inserts a TX_SENT row backed by a real simulated transaction.
func (e *testEnv) sentTransfer(t *testing.T, tr *store.PendingTransfer) *store.PendingTransfer {
	t.Helper()
	require.NoError(t, e.st.WithTx(func(tx *sqlx.Tx) error {
		tr.Status = store.StatusApproved
		return store.InsertTransfer(tx, tr)
	}))
	receipt, err := e.sim.Transfer(context.Background(), "req", tr.Address, tr.Amount)
	require.NoError(t, err)
	require.NoError(t, e.st.SetTxSent(tr.ID, receipt.TxRef, receipt.ExpiryHeight))
	tr.TxHash = receipt.TxRef
	tr.TxExpiryHeight = receipt.ExpiryHeight
	tr.Status = store.StatusTxSent
	return tr
}

func TestSweepFinalizesConfirmedDeposit(t *testing.T) {
	env := newTestEnv(t, 2)
	agent := env.newAgent(t)
	tr := env.sentTransfer(t, &store.PendingTransfer{
		Kind:     store.KindDeposit,
		OwnerRef: "u1",
		AgentID:  agent.ID,
		Address:  "wallet-u1",
		Amount:   100,
	})

	// Not yet confirmed: the row is left alone.
	n, err := env.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := env.st.GetTransfer(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTxSent, got.Status)

	env.sim.AdvanceHeight(2)
	_, err = env.rec.Sweep(context.Background())
	require.NoError(t, err)

	got, err = env.st.GetTransfer(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)

	// The pool share of the payment landed on the agent ledger.
	led, err := env.st.GetLedgerRead(agent.ID)
	require.NoError(t, err)
	poolShare := int64(float64(tr.Amount) * env.eco.PaymentPoolRatio)
	assert.Equal(t, poolShare, led.PoolBalance)

	// The developer remainder landed too.
	creatorShare := int64(float64(tr.Amount) * env.eco.PaymentCreatorRatio)
	dev, err := env.st.DeveloperBalance()
	require.NoError(t, err)
	assert.Equal(t, tr.Amount-poolShare-creatorShare, dev)
}

func TestSweepFailsExpiredTransfer(t *testing.T) {
	env := newTestEnv(t, 1_000_000) // never confirms
	agent := env.newAgent(t)
	tr := env.sentTransfer(t, &store.PendingTransfer{
		Kind:     store.KindTransfer,
		OwnerRef: "u1",
		AgentID:  agent.ID,
		Address:  "wallet-u1",
		Amount:   100,
	})

	// Past expiry but inside the grace window: still pending.
	env.sim.AdvanceHeight(tr.TxExpiryHeight + expiryGrace - 1)
	_, err := env.rec.Sweep(context.Background())
	require.NoError(t, err)
	got, err := env.st.GetTransfer(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTxSent, got.Status)

	env.sim.AdvanceHeight(expiryGrace)
	_, err = env.rec.Sweep(context.Background())
	require.NoError(t, err)
	got, err = env.st.GetTransfer(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestSweepFinalizesStaking(t *testing.T) {
	env := newTestEnv(t, 0)
	agent := env.newAgent(t)

	var staking store.UserStaking
	require.NoError(t, env.st.WithTx(func(tx *sqlx.Tx) error {
		staking = store.UserStaking{UserRef: "u1", AgentID: agent.ID, Amount: 500, Status: store.StatusTxSent}
		return store.InsertStaking(tx, &staking)
	}))
	env.sentTransfer(t, &store.PendingTransfer{
		Kind:      store.KindStaking,
		OwnerRef:  "u1",
		AgentID:   agent.ID,
		Address:   "wallet-u1",
		Amount:    500,
		StakingID: staking.ID,
	})

	_, err := env.rec.Sweep(context.Background())
	require.NoError(t, err)

	got, err := env.st.GetStaking(staking.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)

	led, err := env.st.GetLedgerRead(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), led.StakingPoolBalance)
}

func TestFinalizeRunsAtMostOnce(t *testing.T) {
	env := newTestEnv(t, 0)
	agent := env.newAgent(t)
	tr := env.sentTransfer(t, &store.PendingTransfer{
		Kind:     store.KindPoolCharge,
		OwnerRef: "creator",
		AgentID:  agent.ID,
		Address:  "creator-addr",
		Amount:   250,
	})

	_, err := env.rec.Sweep(context.Background())
	require.NoError(t, err)

	// Manually re-resolving the already-final row credits nothing.
	require.NoError(t, env.rec.resolve(context.Background(), tr))

	led, err := env.st.GetLedgerRead(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(250), led.PoolBalance)
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.rec.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop on cancel")
	}
}
