// Command milld runs the MILL token economy daemon: the fund ledger API
// surface, the settlement reconciler, and the scheduled end-of-cycle
// scoring and emission job.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/talgya/tokenmill/internal/chain"
	"github.com/talgya/tokenmill/internal/config"
	"github.com/talgya/tokenmill/internal/emission"
	"github.com/talgya/tokenmill/internal/ledger"
	"github.com/talgya/tokenmill/internal/notify"
	"github.com/talgya/tokenmill/internal/reconcile"
	"github.com/talgya/tokenmill/internal/stats"
	"github.com/talgya/tokenmill/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("MILL token economy daemon starting")

	os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0755)
	st, err := store.Open(cfg.Database.SQLitePath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("database opened", "path", cfg.Database.SQLitePath)

	var chainClient chain.Client
	if cfg.Chain.Simulate {
		slog.Warn("running against the simulated chain")
		chainClient = chain.NewSim(cfg.Chain.TreasuryAddress, 2)
	} else {
		chainClient = chain.NewHTTPClient(cfg.Chain.Endpoint, cfg.Chain.TreasuryAddress)
	}

	notifier := notify.NewWebhook(cfg.Notifier.WebhookURL, logger)
	recorder := stats.NewRecorder(st, logger)
	led := ledger.New(st, chainClient, cfg.Economy, recorder, notifier, logger)
	rec := reconcile.New(st, chainClient, led, logger)
	pipeline := emission.NewPipeline(st, cfg.Economy, logger, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rec.Run(ctx)
	})

	g.Go(func() error {
		sched := cron.New(cron.WithSeconds())
		_, err := sched.AddFunc(cfg.Schedule.CycleCron, func() {
			if err := pipeline.Run(ctx, store.Now()); err != nil {
				slog.Error("cycle run failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
		sched.Start()
		slog.Info("cycle scheduler started", "cron", cfg.Schedule.CycleCron)
		<-ctx.Done()
		<-sched.Stop().Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("daemon stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
