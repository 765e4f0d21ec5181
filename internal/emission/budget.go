// Package emission computes each cycle's token budget and splits it across
// the reward tiers: global stakers, top agents by score, and the wider
// nonzero-score population, with a further in-agent split between an agent's
// stakers, players, and creator.
package emission

import (
	"fmt"
	"math"

	"github.com/talgya/tokenmill/internal/store"
)

// TopN returns the size of the top-agent tier for a population:
// ceil(2 * max(5, sqrt(n))).
func TopN(activeAgents int64) int64 {
	n := math.Sqrt(float64(activeAgents))
	if n < 5 {
		n = 5
	}
	return int64(math.Ceil(2 * n))
}

// computeBudget derives the cycle's emission from the prior cycle's
// cumulative total and the amount currently staked. The genesis cycle emits
// a fixed amount; every later cycle decays the remaining supply, scaled by
// how much of the emitted supply is staked (floored at the configured
// minimum so emissions never stall completely).
func (a *Allocator) computeBudget(cycleStart, totalStaked int64) (*store.CycleBudget, error) {
	b := &store.CycleBudget{
		CycleStart:  cycleStart,
		TotalStaked: totalStaked,
	}
	if cycleStart == a.eco.EmissionStart {
		b.Emission = a.eco.GenesisEmission
		return b, nil
	}

	prev, err := a.st.GetCycleBudget(cycleStart - a.eco.CycleSeconds())
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("no budget for previous cycle %d; cycles must be computed in order",
			cycleStart-a.eco.CycleSeconds())
	}
	b.TotalEmittedBefore = prev.TotalEmittedBefore + prev.Emission

	portion := a.eco.MinStakedPortion
	if b.TotalEmittedBefore > 0 {
		if r := float64(totalStaked) / float64(b.TotalEmittedBefore); r > portion {
			portion = r
		}
	}
	remaining := a.eco.SupplyCap - b.TotalEmittedBefore
	if remaining < 0 {
		remaining = 0
	}
	b.Emission = int64(math.Floor(a.eco.EmissionDecayRate * float64(remaining) * portion))
	return b, nil
}

// UpdateCycleBudget computes and persists the budget row for a cycle.
// Re-running replaces the row with the same values as long as the staking
// inputs have not moved.
func (a *Allocator) UpdateCycleBudget(cycleStart, cycleEnd int64) (*store.CycleBudget, error) {
	userStaked, err := a.st.TotalUserStaked(cycleEnd)
	if err != nil {
		return nil, err
	}
	creatorStaked, err := a.st.TotalCreatorStaked(cycleEnd)
	if err != nil {
		return nil, err
	}

	b, err := a.computeBudget(cycleStart, userStaked+creatorStaked)
	if err != nil {
		return nil, err
	}
	a.log.Info("cycle budget", "cycle", cycleStart, "emission", b.Emission,
		"total_staked", b.TotalStaked, "emitted_before", b.TotalEmittedBefore)

	if a.dryRun {
		return b, nil
	}
	if err := a.st.UpsertCycleBudget(b); err != nil {
		return nil, err
	}
	return b, nil
}
