package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/speedwagon-io/garden/internal/config"
	"github.com/speedwagon-io/garden/internal/connector"
	"github.com/speedwagon-io/garden/internal/exchange"
	"github.com/speedwagon-io/garden/internal/fault"
	"github.com/speedwagon-io/garden/internal/health"
	"github.com/speedwagon-io/garden/internal/lib/logger/sl"
	"github.com/speedwagon-io/garden/internal/metrics"
	"github.com/speedwagon-io/garden/internal/planner"
	"github.com/speedwagon-io/garden/internal/recorder"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	mode := flag.String("mode", "", "exchange mode: query, tasks or cycle (overrides config)")
	watch := flag.Bool("watch", false, "poll the controller on the configured interval")
	dryRun := flag.Bool("dry-run", false, "log readings instead of storing them")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		return 1
	}

	cfg := config.MustLoad(*configPath)
	if *mode != "" {
		cfg.Mode = *mode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid mode: %v\n", err)
			return 1
		}
	}

	log := sl.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	log.Info("starting garden client",
		slog.String("env", cfg.Env),
		slog.String("mode", cfg.Mode),
		slog.String("controller", cfg.Controller.Address),
		slog.Bool("watch", *watch),
		slog.Bool("dry_run", *dryRun),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Use LogRecorder for dry-run mode, SQLite otherwise
	var (
		rec      recorder.Recorder
		sqlStore *recorder.SQLiteRecorder
	)
	if *dryRun {
		rec = recorder.NewLogRecorder(log)
		log.Info("dry-run mode: readings will be logged instead of stored")
	} else {
		sqliteRec, err := recorder.NewSQLiteRecorder(log, &cfg.Store)
		if err != nil {
			log.Error("failed to open store", slog.String("path", cfg.Store.Path), sl.Err(err))
			return fault.ExitCode(fault.PersistenceError("open store", err))
		}
		rec = sqliteRec
		sqlStore = sqliteRec
		log.Info("store opened", slog.String("path", cfg.Store.Path), slog.String("table", cfg.Store.Table))
	}
	defer func() {
		if err := rec.Close(); err != nil {
			log.Error("failed to close store", sl.Err(err))
		}
	}()

	conn := connector.New(log, &cfg.Controller)
	manager := exchange.NewManager(log, cfg, conn, planner.New(&cfg.Planner), rec, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*watch {
		_, err := manager.RunOnce(ctx)
		return fault.ExitCode(err)
	}

	healthServer := health.NewServer(log, cfg.Health.Address, reg)
	healthServer.AddChecker(health.NewControllerHealthChecker(manager.Check, manager.BreakerState))
	if sqlStore != nil {
		healthServer.AddChecker(health.NewStoreHealthChecker(sqlStore.Health, sqlStore.Count))
		healthServer.AddChecker(health.NewJournalHealthChecker(sqlStore.Recent, health.DefaultJournalWindow))
	} else {
		healthServer.AddChecker(health.NewStoreHealthChecker(rec.Health, nil))
	}

	if err := healthServer.Start(); err != nil {
		log.Error("failed to start health server", sl.Err(err))
		return 1
	}

	manager.Start(ctx)
	manager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop health server", sl.Err(err))
	}

	log.Info("garden client stopped")
	return 0
}
