package stats

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tokenmill/internal/store"
)

func newTestDedup(t *testing.T) (*DedupSet, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewDedupSet(st, store.KindTransfer, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func insertSettled(t *testing.T, st *store.Store, kind string, agentID int64, address string, statDay int64) {
	t.Helper()
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		return store.InsertTransfer(tx, &store.PendingTransfer{
			Kind:      kind,
			AgentID:   agentID,
			Address:   address,
			Amount:    1,
			Status:    store.StatusSuccess,
			CreatedAt: statDay,
			StatDay:   statDay,
		})
	}))
}

func TestAddReportsFirstSightings(t *testing.T) {
	d, _ := newTestDedup(t)
	day := store.DayStart(store.Now())

	newToday, newTotal, err := d.Add(day, 1, "addr-a")
	require.NoError(t, err)
	assert.True(t, newToday)
	assert.True(t, newTotal)

	newToday, newTotal, err = d.Add(day, 1, "addr-a")
	require.NoError(t, err)
	assert.False(t, newToday)
	assert.False(t, newTotal)

	// A different address on the same day is new on both axes.
	newToday, newTotal, err = d.Add(day, 1, "addr-b")
	require.NoError(t, err)
	assert.True(t, newToday)
	assert.True(t, newTotal)

	// Same address the next day: new for the day, known in total.
	newToday, newTotal, err = d.Add(day+86400, 1, "addr-a")
	require.NoError(t, err)
	assert.True(t, newToday)
	assert.False(t, newTotal)
}

func TestAddKeysPerAgent(t *testing.T) {
	d, _ := newTestDedup(t)
	day := store.DayStart(store.Now())

	_, _, err := d.Add(day, 1, "addr-a")
	require.NoError(t, err)

	newToday, newTotal, err := d.Add(day, 2, "addr-a")
	require.NoError(t, err)
	assert.True(t, newToday)
	assert.True(t, newTotal)
}

func TestHydratesFromSettledTransfers(t *testing.T) {
	d, st := newTestDedup(t)
	day := store.DayStart(store.Now())

	insertSettled(t, st, store.KindTransfer, 1, "addr-old", day-86400)
	insertSettled(t, st, store.KindTransfer, 1, "addr-today", day)
	// Different kinds and agents never leak into this set.
	insertSettled(t, st, store.KindDeposit, 1, "addr-deposit", day)
	insertSettled(t, st, store.KindTransfer, 2, "addr-other-agent", day)

	newToday, newTotal, err := d.Add(day, 1, "addr-old")
	require.NoError(t, err)
	assert.True(t, newToday, "yesterday's address is new for today")
	assert.False(t, newTotal, "but already known in total")

	newToday, newTotal, err = d.Add(day, 1, "addr-today")
	require.NoError(t, err)
	assert.False(t, newToday)
	assert.False(t, newTotal)

	newToday, newTotal, err = d.Add(day, 1, "addr-deposit")
	require.NoError(t, err)
	assert.True(t, newToday)
	assert.True(t, newTotal)
}

func TestHydrationIgnoresUnsettledRows(t *testing.T) {
	d, st := newTestDedup(t)
	day := store.DayStart(store.Now())

	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		return store.InsertTransfer(tx, &store.PendingTransfer{
			Kind:      store.KindTransfer,
			AgentID:   1,
			Address:   "addr-pending",
			Amount:    1,
			Status:    store.StatusTxSent,
			CreatedAt: day,
		})
	}))

	_, newTotal, err := d.Add(day, 1, "addr-pending")
	require.NoError(t, err)
	assert.True(t, newTotal)
}

func TestResetRehydrates(t *testing.T) {
	d, st := newTestDedup(t)
	day := store.DayStart(store.Now())

	newToday, _, err := d.Add(day, 1, "addr-a")
	require.NoError(t, err)
	assert.True(t, newToday)

	// The sighting above was memory-only; after a reset it is forgotten.
	d.Reset()
	newToday, _, err = d.Add(day, 1, "addr-a")
	require.NoError(t, err)
	assert.True(t, newToday)

	// A settled row survives the reset through rehydration.
	insertSettled(t, st, store.KindTransfer, 1, "addr-b", day)
	d.Reset()
	_, newTotal, err := d.Add(day, 1, "addr-b")
	require.NoError(t, err)
	assert.False(t, newTotal)
}

func TestHydrationKeysByRecordedDay(t *testing.T) {
	d, st := newTestDedup(t)
	day := store.DayStart(store.Now())

	// Created just before midnight but settled after: the stats landed on
	// the settlement day, and hydration must agree with where they landed.
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		return store.InsertTransfer(tx, &store.PendingTransfer{
			Kind:      store.KindTransfer,
			AgentID:   1,
			Address:   "addr-straddle",
			Amount:    1,
			Status:    store.StatusSuccess,
			CreatedAt: day - 60,
			StatDay:   day,
		})
	}))

	newToday, newTotal, err := d.Add(day, 1, "addr-straddle")
	require.NoError(t, err)
	assert.False(t, newToday, "already counted for today")
	assert.False(t, newTotal)
}

func TestRecorderBumpsDailyStats(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	r := NewRecorder(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	day := store.DayStart(store.Now())

	agent := &store.Agent{CreatorAddress: "c", Enabled: true}
	require.NoError(t, st.CreateAgent(agent))

	record := func(address string, amount int64) {
		require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
			tr := &store.PendingTransfer{
				Kind:    store.KindTransfer,
				AgentID: agent.ID,
				Address: address,
				Amount:  amount,
				Status:  store.StatusSuccess,
			}
			if err := store.InsertTransfer(tx, tr); err != nil {
				return err
			}
			return r.RecordUserTransfer(tx, tr)
		}))
	}
	record("addr-a", 100)
	record("addr-a", 50)
	record("addr-b", 25)

	row, err := st.DailyStats(agent.ID, day)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(2), row.Users)
	assert.Equal(t, int64(3), row.Transfers)
	assert.Equal(t, int64(175), row.TransferAmount)

	led, err := st.GetLedgerRead(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(175), led.TotalTransferred)
	assert.Equal(t, int64(3), led.TotalTransactions)
	assert.Equal(t, int64(2), led.TotalAddresses)

	// A recorder built after a restart rebuilds its sets from the stamped
	// rows and does not re-count an address already seen today.
	r2 := NewRecorder(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		tr := &store.PendingTransfer{
			Kind:    store.KindTransfer,
			AgentID: agent.ID,
			Address: "addr-a",
			Amount:  10,
			Status:  store.StatusSuccess,
		}
		if err := store.InsertTransfer(tx, tr); err != nil {
			return err
		}
		return r2.RecordUserTransfer(tx, tr)
	}))
	row, err = st.DailyStats(agent.ID, day)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Users, "known address is not re-counted")
	assert.Equal(t, int64(4), row.Transfers)
}
