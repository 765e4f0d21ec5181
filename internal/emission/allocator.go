package emission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/tokenmill/internal/config"
	"github.com/talgya/tokenmill/internal/store"
)

const allocPageSize = 500

// ZeroScoreSumError signals that a tier had a budget but nobody to give it
// to. This is an operational condition, not a user error: the run must stop
// loudly instead of dividing by zero or silently skipping the tier.
type ZeroScoreSumError struct {
	Tier string
}

func (e *ZeroScoreSumError) Error() string {
	return fmt.Sprintf("emission: zero score sum in %s tier", e.Tier)
}

// Allocator splits a cycle's emission budget across tiers. It assumes
// single-writer execution per cycle; every pass is paginated and committed
// page by page, and the whole run is safe to restart from the beginning.
type Allocator struct {
	st     *store.Store
	eco    config.Economy
	log    *slog.Logger
	dryRun bool
}

func New(st *store.Store, eco config.Economy, logger *slog.Logger, dryRun bool) *Allocator {
	return &Allocator{
		st:     st,
		eco:    eco,
		log:    logger.With("component", "emission"),
		dryRun: dryRun,
	}
}

// Run allocates one cycle end to end: budget, tier splits, in-agent splits,
// then balance crediting. In dry-run mode the budget and tier amounts are
// computed and logged but nothing is written.
func (a *Allocator) Run(ctx context.Context, cycleStart, cycleEnd int64) error {
	budget, err := a.UpdateCycleBudget(cycleStart, cycleEnd)
	if err != nil {
		return err
	}

	stakerBudget := int64(float64(budget.Emission) * a.eco.StakerTierPercent)
	topBudget := int64(float64(budget.Emission) * a.eco.TopAgentTierPercent)
	newBudget := int64(float64(budget.Emission) * a.eco.NewAgentTierPercent)
	a.log.Info("tier budgets", "cycle", cycleStart,
		"stakers", stakerBudget, "top_agents", topBudget, "new_agents", newBudget)

	if a.dryRun {
		return nil
	}

	if err := a.st.ResetCycleEmissions(cycleStart); err != nil {
		return err
	}
	if err := a.DistributeGlobalStakerEmissions(ctx, cycleStart, cycleEnd, stakerBudget); err != nil {
		return err
	}
	if err := a.DistributeTopAgentEmissions(ctx, cycleStart, cycleEnd, topBudget); err != nil {
		return err
	}
	if err := a.DistributeNewAgentEmissions(ctx, cycleStart, newBudget); err != nil {
		return err
	}
	if err := a.DistributeInAgentEmissions(ctx, cycleStart, cycleEnd); err != nil {
		return err
	}
	return a.CreditEmissions(cycleStart)
}

// DistributeGlobalStakerEmissions pays the staker tier: every live staking
// across every agent, proportional to amount times the age multiplier.
func (a *Allocator) DistributeGlobalStakerEmissions(ctx context.Context, cycleStart, cycleEnd, budget int64) error {
	if err := a.refreshStakerScores(ctx, store.GlobalStakerScores, 0, cycleStart, cycleEnd); err != nil {
		return err
	}
	sum, err := a.st.StakerScoreSum(store.GlobalStakerScores, cycleStart, 0)
	if err != nil {
		return err
	}
	if sum == 0 {
		return &ZeroScoreSumError{Tier: "global staker"}
	}
	return a.payStakerScores(ctx, store.GlobalStakerScores, 0, cycleStart, budget, sum)
}

// DistributeTopAgentEmissions pays the top-N agents of the cycle by score,
// proportional-floor in score-descending order, stopping after N entries
// even across page boundaries.
func (a *Allocator) DistributeTopAgentEmissions(ctx context.Context, cycleStart, cycleEnd, budget int64) error {
	active, err := a.st.CountActiveAgents(cycleStart, cycleEnd)
	if err != nil {
		return err
	}
	n := TopN(active)

	sum, err := a.st.TopAgentScoreSum(cycleStart, n)
	if err != nil {
		return err
	}
	if sum == 0 {
		return &ZeroScoreSumError{Tier: "top agent"}
	}

	var processed int64
	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := a.st.AgentScorePageByScoreDesc(cycleStart, page, allocPageSize)
		if err != nil {
			return err
		}
		for i := range rows {
			if processed == n {
				return nil
			}
			if err := a.st.SetAgentCycleEmission(rows[i].ID, budget*rows[i].Score/sum); err != nil {
				return err
			}
			processed++
		}
		if len(rows) < allocPageSize {
			return nil
		}
	}
}

// DistributeNewAgentEmissions pays the wider tier: every agent with a
// nonzero score, not just the top N, stacking on top of any top-tier
// emission.
func (a *Allocator) DistributeNewAgentEmissions(ctx context.Context, cycleStart, budget int64) error {
	sum, err := a.st.NonzeroAgentScoreSum(cycleStart)
	if err != nil {
		return err
	}
	if sum == 0 {
		return &ZeroScoreSumError{Tier: "new agent"}
	}
	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := a.st.NonzeroAgentScorePage(cycleStart, page, allocPageSize)
		if err != nil {
			return err
		}
		for i := range rows {
			if err := a.st.AddAgentCycleEmission(rows[i].ID, budget*rows[i].Score/sum); err != nil {
				return err
			}
		}
		if len(rows) < allocPageSize {
			return nil
		}
	}
}

// DistributeInAgentEmissions sub-splits every agent emission: a third to the
// agent's own stakers, the rest between its players and its creator per the
// agent's configured split.
func (a *Allocator) DistributeInAgentEmissions(ctx context.Context, cycleStart, cycleEnd int64) error {
	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := a.st.NonzeroEmissionAgentPage(cycleStart, page, allocPageSize)
		if err != nil {
			return err
		}
		for i := range rows {
			if err := a.splitAgentEmission(ctx, &rows[i], cycleStart, cycleEnd); err != nil {
				return err
			}
		}
		if len(rows) < allocPageSize {
			return nil
		}
	}
}

func (a *Allocator) splitAgentEmission(ctx context.Context, sc *store.AgentCycleScore, cycleStart, cycleEnd int64) error {
	agent, err := a.st.GetAgent(sc.AgentID)
	if err != nil {
		return err
	}
	if agent == nil {
		a.log.Warn("emission for unknown agent", "agent", sc.AgentID)
		return nil
	}

	stakerPot := sc.Emission / 3
	playerPot := sc.Emission - stakerPot

	if err := a.refreshStakerScores(ctx, store.AgentStakerScores, sc.AgentID, cycleStart, cycleEnd); err != nil {
		return err
	}
	ssum, err := a.st.StakerScoreSum(store.AgentStakerScores, cycleStart, sc.AgentID)
	if err != nil {
		return err
	}
	if ssum == 0 {
		// Nobody staked on this agent; its players and creator absorb
		// the staker third.
		playerPot += stakerPot
	} else if err := a.payStakerScores(ctx, store.AgentStakerScores, sc.AgentID, cycleStart, stakerPot, ssum); err != nil {
		return err
	}

	if err := a.refreshPlayerScores(ctx, sc.AgentID, cycleStart, cycleEnd); err != nil {
		return err
	}
	psum, err := a.st.PlayerScoreSum(sc.AgentID, cycleStart)
	if err != nil {
		return err
	}

	creatorCut := int64(float64(playerPot) * agent.CreatorSplit)
	if psum == 0 {
		creatorCut = playerPot
	} else {
		playerBudget := playerPot - creatorCut
		for page := 0; ; page++ {
			rows, err := a.st.PlayerScorePage(sc.AgentID, cycleStart, page, allocPageSize)
			if err != nil {
				return err
			}
			for i := range rows {
				if err := a.st.SetPlayerEmission(rows[i].ID, playerBudget*rows[i].Score/psum); err != nil {
					return err
				}
			}
			if len(rows) < allocPageSize {
				break
			}
		}
	}
	return a.st.UpsertCreatorScore(sc.AgentID, cycleStart, creatorCut)
}

// refreshStakerScores upserts a score row for every live staking and drops
// rows whose staking is no longer live, so a re-run converges to the same
// table contents.
func (a *Allocator) refreshStakerScores(ctx context.Context, table store.ScoreTable, agentID, cycleStart, cycleEnd int64) error {
	live := make(map[int64]bool)
	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stakings, err := a.st.LiveStakingPage(agentID, cycleStart, cycleEnd, page, allocPageSize)
		if err != nil {
			return err
		}
		if len(stakings) == 0 {
			break
		}
		err = a.st.WithTx(func(tx *sqlx.Tx) error {
			for i := range stakings {
				s := &stakings[i]
				live[s.ID] = true
				r := store.StakerCycleScore{
					AgentID:    s.AgentID,
					StakingID:  s.ID,
					UserRef:    s.UserRef,
					CycleStart: cycleStart,
					Score:      int64(float64(s.Amount) * s.Multiplier(cycleEnd)),
				}
				if err := store.UpsertStakerScore(tx, table, &r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(stakings) < allocPageSize {
			break
		}
	}

	var stale []int64
	for page := 0; ; page++ {
		rows, err := a.st.StakerScorePage(table, cycleStart, agentID, page, allocPageSize)
		if err != nil {
			return err
		}
		for i := range rows {
			if !live[rows[i].StakingID] {
				stale = append(stale, rows[i].ID)
			}
		}
		if len(rows) < allocPageSize {
			break
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return a.st.WithTx(func(tx *sqlx.Tx) error {
		for _, id := range stale {
			if err := store.DeleteStakerScore(tx, table, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Allocator) payStakerScores(ctx context.Context, table store.ScoreTable, agentID, cycleStart, budget, sum int64) error {
	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := a.st.StakerScorePage(table, cycleStart, agentID, page, allocPageSize)
		if err != nil {
			return err
		}
		for i := range rows {
			if err := a.st.SetStakerEmission(table, rows[i].ID, budget*rows[i].Score/sum); err != nil {
				return err
			}
		}
		if len(rows) < allocPageSize {
			return nil
		}
	}
}

// refreshPlayerScores rebuilds an agent's player score rows for the cycle
// from the payment counts over the cycle window.
func (a *Allocator) refreshPlayerScores(ctx context.Context, agentID, cycleStart, cycleEnd int64) error {
	seen := make(map[string]bool)
	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		counts, users, err := a.st.CountPaymentsByUser(agentID, cycleStart, cycleEnd, page, allocPageSize)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			break
		}
		err = a.st.WithTx(func(tx *sqlx.Tx) error {
			for _, u := range users {
				seen[u] = true
				r := store.PlayerCycleScore{
					AgentID:    agentID,
					UserRef:    u,
					CycleStart: cycleStart,
					Score:      counts[u],
				}
				if err := store.UpsertPlayerScore(tx, &r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(users) < allocPageSize {
			break
		}
	}

	var stale []int64
	for page := 0; ; page++ {
		rows, err := a.st.PlayerScorePage(agentID, cycleStart, page, allocPageSize)
		if err != nil {
			return err
		}
		for i := range rows {
			if !seen[rows[i].UserRef] {
				stale = append(stale, rows[i].ID)
			}
		}
		if len(rows) < allocPageSize {
			break
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return a.st.WithTx(func(tx *sqlx.Tx) error {
		for _, id := range stale {
			if err := store.DeletePlayerScore(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreditEmissions moves the cycle's allocated emissions onto the off-chain
// balances: staker and player shares to user reward balances, creator
// shares to the agent creator balance, and the per-agent totals onto the
// ledger's lifetime counters. Guarded to run at most once per cycle.
func (a *Allocator) CreditEmissions(cycleStart int64) error {
	globalStakers, err := a.st.StakerEmissionsByUser(store.GlobalStakerScores, cycleStart)
	if err != nil {
		return err
	}
	agentStakers, err := a.st.StakerEmissionsByUser(store.AgentStakerScores, cycleStart)
	if err != nil {
		return err
	}
	players, err := a.st.PlayerEmissionsByUser(cycleStart)
	if err != nil {
		return err
	}
	creators, err := a.st.CreatorEmissions(cycleStart)
	if err != nil {
		return err
	}
	var agentTotals []store.AgentCycleScore
	for page := 0; ; page++ {
		rows, err := a.st.NonzeroEmissionAgentPage(cycleStart, page, allocPageSize)
		if err != nil {
			return err
		}
		agentTotals = append(agentTotals, rows...)
		if len(rows) < allocPageSize {
			break
		}
	}

	budget, err := a.st.GetCycleBudget(cycleStart)
	if err != nil {
		return err
	}
	if budget == nil {
		return fmt.Errorf("no budget for cycle %d", cycleStart)
	}
	// The slice of the budget outside the three reward tiers goes to the
	// developer account.
	devShare := budget.Emission -
		int64(float64(budget.Emission)*a.eco.StakerTierPercent) -
		int64(float64(budget.Emission)*a.eco.TopAgentTierPercent) -
		int64(float64(budget.Emission)*a.eco.NewAgentTierPercent)

	credited := false
	err = a.st.WithTx(func(tx *sqlx.Tx) error {
		ok, err := store.MarkCycleCredited(tx, cycleStart)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		credited = true
		for _, u := range globalStakers {
			if err := store.CreditUserReward(tx, u.UserRef, u.Emission); err != nil {
				return err
			}
		}
		for _, u := range agentStakers {
			if err := store.CreditUserReward(tx, u.UserRef, u.Emission); err != nil {
				return err
			}
		}
		for _, u := range players {
			if err := store.CreditUserReward(tx, u.UserRef, u.Emission); err != nil {
				return err
			}
		}
		for _, c := range creators {
			if err := store.AddCreatorBalance(tx, c.AgentID, c.Emission); err != nil {
				return err
			}
		}
		for i := range agentTotals {
			if err := store.AddAgentEmissions(tx, agentTotals[i].AgentID, agentTotals[i].Emission); err != nil {
				return err
			}
		}
		if devShare > 0 {
			if err := store.CreditDeveloper(tx, devShare); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credit cycle %d: %w", cycleStart, err)
	}
	if credited {
		a.log.Info("cycle emissions credited", "cycle", cycleStart)
	} else {
		a.log.Info("cycle already credited", "cycle", cycleStart)
	}
	return nil
}
