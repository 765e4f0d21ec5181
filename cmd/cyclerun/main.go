// Command cyclerun runs the end-of-cycle scoring and emission job once and
// exits. Use -dry-run to see the computed scores and budget without writing
// anything; use -cycle-start to re-run a specific past cycle.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/talgya/tokenmill/internal/config"
	"github.com/talgya/tokenmill/internal/emission"
	"github.com/talgya/tokenmill/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	dryRun := flag.Bool("dry-run", false, "compute without writing")
	cycleStart := flag.Int64("cycle-start", 0, "explicit cycle start timestamp (default: most recent completed cycle)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Database.SQLitePath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline := emission.NewPipeline(st, cfg.Economy, logger, *dryRun)

	if *cycleStart != 0 {
		err = pipeline.RunCycle(ctx, *cycleStart, *cycleStart+cfg.Economy.CycleSeconds())
	} else {
		err = pipeline.Run(ctx, store.Now())
	}
	if err != nil {
		slog.Error("cycle run failed", "error", err)
		os.Exit(1)
	}
}
