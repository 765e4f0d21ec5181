package emission

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tokenmill/internal/config"
	"github.com/talgya/tokenmill/internal/store"
)

const day = int64(86400)

func newTestAllocator(t *testing.T, eco config.Economy) (*Allocator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, eco, slog.New(slog.NewTextHandler(io.Discard, nil)), false), st
}

func TestTopN(t *testing.T) {
	assert.Equal(t, int64(10), TopN(0))
	assert.Equal(t, int64(10), TopN(25))
	assert.Equal(t, int64(20), TopN(100))
	assert.Equal(t, int64(15), TopN(50)) // ceil(2*sqrt(50)) = ceil(14.14)
}

func TestGenesisBudget(t *testing.T) {
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	a, _ := newTestAllocator(t, eco)

	b, err := a.computeBudget(eco.EmissionStart, 0)
	require.NoError(t, err)
	assert.Equal(t, eco.GenesisEmission, b.Emission)
	assert.Equal(t, int64(0), b.TotalEmittedBefore)
}

func TestBudgetRequiresPredecessor(t *testing.T) {
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	a, _ := newTestAllocator(t, eco)

	_, err := a.computeBudget(eco.EmissionStart+eco.CycleSeconds(), 0)
	assert.Error(t, err)
}

func TestBudgetDecayFormula(t *testing.T) {
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	a, st := newTestAllocator(t, eco)

	require.NoError(t, st.UpsertCycleBudget(&store.CycleBudget{
		CycleStart: eco.EmissionStart,
		Emission:   eco.GenesisEmission,
	}))

	// Staked portion below the floor: the minimum portion applies.
	b, err := a.computeBudget(eco.EmissionStart+eco.CycleSeconds(), 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, eco.GenesisEmission, b.TotalEmittedBefore)
	want := int64(eco.EmissionDecayRate * float64(eco.SupplyCap-eco.GenesisEmission) * eco.MinStakedPortion)
	assert.Equal(t, want, b.Emission)

	// Staked portion above the floor scales the emission up.
	b, err = a.computeBudget(eco.EmissionStart+eco.CycleSeconds(), 10_000_000)
	require.NoError(t, err)
	ratio := 10_000_000.0 / float64(eco.GenesisEmission)
	want = int64(eco.EmissionDecayRate * float64(eco.SupplyCap-eco.GenesisEmission) * ratio)
	assert.Equal(t, want, b.Emission)
}

func TestStakerTierScenario(t *testing.T) {
	// Cycle budget 1,000,000; staker tier 8% = 80,000; stakers scoring
	// 10/20/30 receive the proportional floors 13333/26666/39999 and the
	// 2-unit floor leftover stays unallocated.
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	a, st := newTestAllocator(t, eco)
	cycleStart := eco.EmissionStart
	cycleEnd := cycleStart + eco.CycleSeconds()

	agent := &store.Agent{CreatorAddress: "c", Enabled: true, CreatedAt: day}
	require.NoError(t, st.CreateAgent(agent))

	amounts := []int64{10, 20, 30}
	ids := make([]int64, len(amounts))
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		for i, amt := range amounts {
			u := store.UserStaking{
				UserRef:   "staker",
				AgentID:   agent.ID,
				Amount:    amt,
				Status:    store.StatusSuccess,
				CreatedAt: day, // aged past a year: uniform 3.0x multiplier
			}
			if err := store.InsertStaking(tx, &u); err != nil {
				return err
			}
			ids[i] = u.ID
		}
		return nil
	}))

	budget := int64(float64(1_000_000) * eco.StakerTierPercent)
	require.Equal(t, int64(80_000), budget)
	require.NoError(t, a.DistributeGlobalStakerEmissions(context.Background(), cycleStart, cycleEnd, budget))

	rows, err := st.StakerScoresFor(store.GlobalStakerScores, ids, cycleStart)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byStaking := map[int64]store.StakerCycleScore{}
	var total int64
	for _, r := range rows {
		byStaking[r.StakingID] = r
		total += r.Emission
	}
	// The uniform multiplier keeps the 10/20/30 proportions.
	assert.Equal(t, int64(13333), byStaking[ids[0]].Emission)
	assert.Equal(t, int64(26666), byStaking[ids[1]].Emission)
	assert.Equal(t, int64(39999), byStaking[ids[2]].Emission)

	// Conservation: floors never overshoot, leftover bounded by count.
	assert.LessOrEqual(t, total, budget)
	assert.LessOrEqual(t, budget-total, int64(len(rows)))
	assert.Equal(t, int64(2), budget-total)
}

func TestZeroScoreSumFailsLoudly(t *testing.T) {
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	a, _ := newTestAllocator(t, eco)

	err := a.DistributeGlobalStakerEmissions(context.Background(), eco.EmissionStart, eco.EmissionStart+eco.CycleSeconds(), 1000)
	var zerr *ZeroScoreSumError
	require.ErrorAs(t, err, &zerr)
	assert.Equal(t, "global staker", zerr.Tier)
}

func TestTopAgentTierStopsAtN(t *testing.T) {
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	a, st := newTestAllocator(t, eco)
	cycleStart := eco.EmissionStart
	cycleEnd := cycleStart + eco.CycleSeconds()

	// 12 agents with distinct scores; the population keeps top-N at 10, so
	// the two lowest must receive nothing.
	for i := 1; i <= 12; i++ {
		agent := &store.Agent{CreatorAddress: "c", Enabled: true, CreatedAt: day}
		require.NoError(t, st.CreateAgent(agent))
		score := int64(i * 100)
		require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
			return store.InsertAgentCycleScore(tx, agent.ID, cycleStart, score)
		}))
	}

	require.NoError(t, a.DistributeTopAgentEmissions(context.Background(), cycleStart, cycleEnd, 100_000))

	scored, err := st.NonzeroAgentScorePage(cycleStart, 0, 100)
	require.NoError(t, err)

	paid := 0
	var sum int64
	for _, r := range scored {
		if r.Emission > 0 {
			paid++
			sum += r.Emission
		} else {
			// Only the two lowest scores miss out.
			assert.LessOrEqual(t, r.Score, int64(200))
		}
	}
	assert.Equal(t, 10, paid)
	assert.LessOrEqual(t, sum, int64(100_000))
}

func TestCycleBoundsAlignment(t *testing.T) {
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	p := NewPipeline(nil, eco, slog.New(slog.NewTextHandler(io.Discard, nil)), true)

	// Before the first cycle completes there is nothing to run.
	_, _, err := p.CycleBounds(eco.EmissionStart + day)
	assert.Error(t, err)

	start, end, err := p.CycleBounds(eco.EmissionStart + 7*day)
	require.NoError(t, err)
	assert.Equal(t, eco.EmissionStart, start)
	assert.Equal(t, eco.EmissionStart+7*day, end)

	// Mid-cycle invocations resolve to the last completed window.
	start, end, err = p.CycleBounds(eco.EmissionStart + 10*day)
	require.NoError(t, err)
	assert.Equal(t, eco.EmissionStart, start)
	assert.Equal(t, eco.EmissionStart+7*day, end)
}

func TestStakerScoreUsesCycleEndAge(t *testing.T) {
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	a, st := newTestAllocator(t, eco)
	cycleStart := eco.EmissionStart
	cycleEnd := cycleStart + eco.CycleSeconds()

	agent := &store.Agent{CreatorAddress: "c", Enabled: true, CreatedAt: day}
	require.NoError(t, st.CreateAgent(agent))

	// 85 days old at cycle start, 92 at cycle end: the 90-day threshold is
	// crossed inside the cycle, so the score carries the 1.5x multiplier.
	u := store.UserStaking{
		UserRef:   "staker",
		AgentID:   agent.ID,
		Amount:    1000,
		Status:    store.StatusSuccess,
		CreatedAt: cycleStart - 85*day,
	}
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		return store.InsertStaking(tx, &u)
	}))

	require.NoError(t, a.DistributeGlobalStakerEmissions(context.Background(), cycleStart, cycleEnd, 1000))

	rows, err := st.StakerScoresFor(store.GlobalStakerScores, []int64{u.ID}, cycleStart)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1500), rows[0].Score)
}

func TestInAgentSplit(t *testing.T) {
	eco := config.Defaults()
	eco.EmissionStart = 1000 * day
	a, st := newTestAllocator(t, eco)
	cycleStart := eco.EmissionStart
	cycleEnd := cycleStart + eco.CycleSeconds()

	agent := &store.Agent{CreatorAddress: "c", CreatorSplit: 0.5, Enabled: true, CreatedAt: day}
	require.NoError(t, st.CreateAgent(agent))

	// Cycle emission 900 for the agent: 300 to its stakers, the remaining
	// 600 split evenly between creator and players per creator_split.
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		return store.InsertAgentCycleScore(tx, agent.ID, cycleStart, 100)
	}))
	scored, err := st.NonzeroAgentScorePage(cycleStart, 0, 10)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	require.NoError(t, st.SetAgentCycleEmission(scored[0].ID, 900))

	staking := store.UserStaking{
		UserRef:   "s1",
		AgentID:   agent.ID,
		Amount:    100,
		Status:    store.StatusSuccess,
		CreatedAt: day, // 3.0x at cycle end
	}
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		if err := store.InsertStaking(tx, &staking); err != nil {
			return err
		}
		// p1 paid twice, p2 once.
		for _, ref := range []string{"p1", "p1", "p2"} {
			err := store.InsertTransfer(tx, &store.PendingTransfer{
				Kind:      store.KindDeposit,
				OwnerRef:  ref,
				AgentID:   agent.ID,
				Amount:    10,
				Status:    store.StatusSuccess,
				CreatedAt: cycleStart + 1,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, a.DistributeInAgentEmissions(context.Background(), cycleStart, cycleEnd))

	// The sole staker takes the whole staker pot.
	srows, err := st.StakerScoresFor(store.AgentStakerScores, []int64{staking.ID}, cycleStart)
	require.NoError(t, err)
	require.Len(t, srows, 1)
	assert.Equal(t, int64(300), srows[0].Emission)

	// Player pot 600, creator cut 300, the rest by payment counts 2:1.
	prows, err := st.PlayerScoresFor(agent.ID, []string{"p1", "p2"}, cycleStart)
	require.NoError(t, err)
	require.Len(t, prows, 2)
	byUser := map[string]int64{}
	for _, r := range prows {
		byUser[r.UserRef] = r.Emission
	}
	assert.Equal(t, int64(200), byUser["p1"])
	assert.Equal(t, int64(100), byUser["p2"])

	creators, err := st.CreatorEmissions(cycleStart)
	require.NoError(t, err)
	require.Len(t, creators, 1)
	assert.Equal(t, int64(300), creators[0].Emission)
}
