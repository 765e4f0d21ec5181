package emission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talgya/tokenmill/internal/config"
	"github.com/talgya/tokenmill/internal/scoring"
	"github.com/talgya/tokenmill/internal/store"
)

// Pipeline runs the full end-of-cycle job: score every active agent, then
// allocate and credit the cycle's emissions. One invocation per cycle,
// driven by the scheduler; re-running a cycle is safe.
type Pipeline struct {
	scoring *scoring.Engine
	alloc   *Allocator
	eco     config.Economy
	log     *slog.Logger
	dryRun  bool
}

func NewPipeline(st *store.Store, eco config.Economy, logger *slog.Logger, dryRun bool) *Pipeline {
	return &Pipeline{
		scoring: scoring.NewEngine(st, logger),
		alloc:   New(st, eco, logger, dryRun),
		eco:     eco,
		log:     logger.With("component", "pipeline"),
		dryRun:  dryRun,
	}
}

// CycleBounds returns the most recent completed cycle window at the given
// time, aligned to the emission start.
func (p *Pipeline) CycleBounds(now int64) (start, end int64, err error) {
	elapsed := now - p.eco.EmissionStart
	if elapsed < p.eco.CycleSeconds() {
		return 0, 0, fmt.Errorf("no completed cycle at %d; emissions start at %d", now, p.eco.EmissionStart)
	}
	end = p.eco.EmissionStart + elapsed/p.eco.CycleSeconds()*p.eco.CycleSeconds()
	return end - p.eco.CycleSeconds(), end, nil
}

// Run processes the most recent completed cycle.
func (p *Pipeline) Run(ctx context.Context, now int64) error {
	start, end, err := p.CycleBounds(now)
	if err != nil {
		return err
	}
	return p.RunCycle(ctx, start, end)
}

// RunCycle scores and allocates one explicit cycle window.
func (p *Pipeline) RunCycle(ctx context.Context, cycleStart, cycleEnd int64) error {
	p.log.Info("cycle run starting", "cycle_start", cycleStart, "cycle_end", cycleEnd, "dry_run", p.dryRun)
	if err := p.scoring.Run(ctx, cycleStart, cycleEnd, p.dryRun); err != nil {
		return fmt.Errorf("scoring cycle %d: %w", cycleStart, err)
	}
	if err := p.alloc.Run(ctx, cycleStart, cycleEnd); err != nil {
		return fmt.Errorf("allocating cycle %d: %w", cycleStart, err)
	}
	p.log.Info("cycle run complete", "cycle_start", cycleStart)
	return nil
}
