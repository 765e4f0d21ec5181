// Package scoring computes the per-agent composite score for one emission
// cycle. The score combines how much is staked on an agent with how many
// users it served, normalized against the whole active population, so an
// agent strong in only one dimension is penalized.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/tokenmill/internal/store"
)

const (
	agentPageSize   = 500
	stakingPageSize = 500

	// scoreScale keeps the composite score integral: the harmonic
	// combination of the two normalized components lands in [0, 10000].
	scoreScale = 10000
)

// Engine runs the cycle scoring passes. It assumes single-writer execution
// per cycle and is safe to re-run: score rows are matched by
// (agent, cycle_start) and updated in place.
type Engine struct {
	st  *store.Store
	log *slog.Logger
}

func NewEngine(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{st: st, log: logger.With("component", "scoring")}
}

// Run scores every agent active in [cycleStart, cycleEnd). Two paginated
// passes: the first finds the population maxima, the second computes and
// writes the composite scores. In dry-run mode scores are computed and
// logged but nothing is written.
func (e *Engine) Run(ctx context.Context, cycleStart, cycleEnd int64, dryRun bool) error {
	stakingScores, err := e.stakingScores(ctx, cycleStart, cycleEnd)
	if err != nil {
		return err
	}

	maxStaking, maxPlayers, err := e.populationMaxima(ctx, cycleStart, cycleEnd, stakingScores)
	if err != nil {
		return err
	}
	e.log.Info("population maxima", "cycle", cycleStart,
		"max_staking", maxStaking, "max_players", maxPlayers)

	processed, err := e.st.CycleProcessed(cycleStart)
	if err != nil {
		return err
	}

	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		agents, err := e.st.ActiveAgentPage(cycleStart, cycleEnd, page, agentPageSize)
		if err != nil {
			return fmt.Errorf("scoring page %d: %w", page, err)
		}
		if len(agents) == 0 {
			return nil
		}
		ids := make([]int64, len(agents))
		for i := range agents {
			ids[i] = agents[i].ID
		}
		players, err := e.st.UserCountByAgent(ids, cycleStart, cycleEnd)
		if err != nil {
			return err
		}

		scores := make(map[int64]int64, len(agents))
		for _, id := range ids {
			scores[id] = Composite(stakingScores[id], float64(players[id]), maxStaking, float64(maxPlayers))
		}

		if dryRun {
			for _, id := range ids {
				e.log.Info("dry run score", "agent", id, "score", scores[id])
			}
			continue
		}
		if err := e.writePage(cycleStart, processed, ids, scores); err != nil {
			return fmt.Errorf("scoring page %d: %w", page, err)
		}
	}
}

// stakingScores sums amount times the age multiplier over every live staking
// created before the cycle start, grouped by agent.
func (e *Engine) stakingScores(ctx context.Context, cycleStart, cycleEnd int64) (map[int64]float64, error) {
	out := make(map[int64]float64)
	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rows, err := e.st.LiveStakingPage(0, cycleStart, cycleEnd, page, stakingPageSize)
		if err != nil {
			return nil, fmt.Errorf("staking scores page %d: %w", page, err)
		}
		if len(rows) == 0 {
			return out, nil
		}
		for i := range rows {
			s := &rows[i]
			out[s.AgentID] += float64(s.Amount) * s.Multiplier(cycleEnd)
		}
	}
}

func (e *Engine) populationMaxima(ctx context.Context, cycleStart, cycleEnd int64, stakingScores map[int64]float64) (float64, int64, error) {
	var maxStaking float64
	var maxPlayers int64
	for page := 0; ; page++ {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		agents, err := e.st.ActiveAgentPage(cycleStart, cycleEnd, page, agentPageSize)
		if err != nil {
			return 0, 0, fmt.Errorf("maxima page %d: %w", page, err)
		}
		if len(agents) == 0 {
			return maxStaking, maxPlayers, nil
		}
		ids := make([]int64, len(agents))
		for i := range agents {
			ids[i] = agents[i].ID
		}
		players, err := e.st.UserCountByAgent(ids, cycleStart, cycleEnd)
		if err != nil {
			return 0, 0, err
		}
		for _, id := range ids {
			if s := stakingScores[id]; s > maxStaking {
				maxStaking = s
			}
			if p := players[id]; p > maxPlayers {
				maxPlayers = p
			}
		}
	}
}

// Composite combines the two normalized components with a harmonic-mean
// style formula: floor(10000 * 2sp/(s+p)). Zero in both components, or a
// population with no activity in a dimension, yields zero.
func Composite(staking, players, maxStaking, maxPlayers float64) int64 {
	var s, p float64
	if maxStaking > 0 {
		s = staking / maxStaking
	}
	if maxPlayers > 0 {
		p = players / maxPlayers
	}
	if s+p == 0 {
		return 0
	}
	return int64(math.Floor(scoreScale * 2 * s * p / (s + p)))
}

// writePage persists one page of scores: the agent's running score field is
// overwritten, and the cycle score row is inserted, updated, or deleted when
// it fell to zero. On a cycle never processed before only fresh nonzero rows
// are inserted.
func (e *Engine) writePage(cycleStart int64, processed bool, ids []int64, scores map[int64]int64) error {
	existing := map[int64]store.AgentCycleScore{}
	if processed {
		rows, err := e.st.AgentCycleScoresFor(ids, cycleStart)
		if err != nil {
			return err
		}
		for _, r := range rows {
			existing[r.AgentID] = r
		}
	}

	return e.st.WithTx(func(tx *sqlx.Tx) error {
		for _, id := range ids {
			score := scores[id]
			if err := store.SetAgentScore(tx, id, score); err != nil {
				return err
			}
			prev, ok := existing[id]
			switch {
			case ok && score == 0:
				if err := store.DeleteAgentCycleScore(tx, prev.ID); err != nil {
					return err
				}
			case ok:
				if err := store.UpdateAgentCycleScore(tx, prev.ID, score); err != nil {
					return err
				}
			case score != 0:
				if err := store.InsertAgentCycleScore(tx, id, cycleStart, score); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
