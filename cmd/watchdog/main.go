// ====================================
// File: cmd/watchdog/main.go
// ====================================
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tradesafe/watchdog/internal/alert"
	"github.com/tradesafe/watchdog/internal/broker/alpaca"
	"github.com/tradesafe/watchdog/internal/config"
	"github.com/tradesafe/watchdog/internal/dispatch"
	"github.com/tradesafe/watchdog/internal/journal"
	"github.com/tradesafe/watchdog/internal/logger"
	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/metrics"
	"github.com/tradesafe/watchdog/internal/position"
	"github.com/tradesafe/watchdog/internal/tranche"
	"github.com/tradesafe/watchdog/internal/volatility"
	"github.com/tradesafe/watchdog/internal/watchdog"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = pflag.String("config", "", "path to config file")
		interval    = pflag.Duration("interval", 0, "monitoring cycle interval (overrides config)")
		account     = pflag.String("account", "", "broker account id")
		metricsAddr = pflag.String("metrics-addr", "", "address for the /metrics endpoint")
		dryRun      = pflag.Bool("dry-run", false, "compute triggers without submitting orders")
		force       = pflag.Bool("force", false, "run outside session hours")
		verbose     = pflag.Bool("verbose", false, "debug logging")
	)
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	// Flags win over the file and environment.
	if *interval > 0 {
		cfg.Interval = *interval
	}
	if *account != "" {
		cfg.Account = *account
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *force {
		cfg.Force = true
	}
	if *verbose {
		cfg.DebugLogging = true
	}

	log, err := logger.New(&logger.Config{
		LogFile:     cfg.LogFile,
		MaxSize:     100,
		MaxAge:      7,
		MaxBackups:  3,
		Compress:    true,
		Development: cfg.DebugLogging,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return exitFatal
	}
	defer log.Sync()

	log.Info("🐕 Starting position watchdog",
		zap.Duration("interval", cfg.Interval),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("force", cfg.Force))

	clock, err := watchdog.NewSessionClock(cfg.SessionOpen, cfg.SessionClose, cfg.SessionTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	brokerCfg, err := alpaca.FromEnv()
	if err != nil {
		log.Error("Broker credentials missing", zap.Error(err))
		return exitConfig
	}
	brokerCfg.CallTimeout = cfg.QuoteTimeout

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brk, err := alpaca.New(brokerCfg, log.Logger)
	if err != nil {
		log.Error("Broker connection failed", zap.Error(err))
		return exitFatal
	}

	persister, err := position.NewFilePersister(cfg.StateFile, log.Logger)
	if err != nil {
		log.Error("State file unusable", zap.Error(err))
		return exitFatal
	}

	store := position.NewStore(persister, log.Logger)
	seeded, err := persister.Load()
	if err != nil {
		// Corrupt state is fatal: acting on a wrong picture of the
		// positions is worse than not starting.
		log.Error("State file corrupt, refusing to start", zap.Error(err))
		return exitFatal
	}
	if err := store.Seed(seeded); err != nil {
		log.Error("Persisted state failed validation", zap.Error(err))
		return exitFatal
	}
	log.Info("Loaded persisted positions", zap.Int("count", store.Len()))

	var jnl *journal.Journal
	if cfg.JournalFile != "" {
		jnl, err = journal.Open(cfg.JournalFile)
		if err != nil {
			log.Error("Journal unusable", zap.Error(err))
			return exitFatal
		}
		defer jnl.Close()
	}

	alerts := alert.NewManager(log.Logger)

	pollerCfg := market.DefaultPollerConfig()
	pollerCfg.CallTimeout = cfg.QuoteTimeout
	pollerCfg.CandleTTL = cfg.CandleTTL
	poller := market.NewPoller(brk, pollerCfg, log.Logger)
	source := market.NewStreamSource(poller, log.Logger)

	planner := tranche.NewPlanner(cfg.Tranches, log.Logger)
	refresher := volatility.NewRefresher(source, store, cfg.ATRPeriod, cfg.CandleLookback, log.Logger)

	dispatcher := dispatch.New(brk, store, jnl, alerts, dispatch.Config{
		MaxAttempts: uint(cfg.OrderMaxAttempts),
		BaseDelay:   cfg.OrderBaseDelay,
		QueueSize:   cfg.OrderQueueSize,
	}, log)

	reconciler := watchdog.NewReconciler(brk, store, source, planner, jnl, alerts,
		cfg.Account, cfg.ATRPeriod, cfg.CandleLookback, log.Logger)

	controller := watchdog.NewController(watchdog.ControllerConfig{
		Interval:           cfg.Interval,
		VolatilityInterval: cfg.VolatilityInterval,
		ReconcileInterval:  cfg.ReconcileInterval,
		DrainTimeout:       cfg.DrainTimeout,
		DryRun:             cfg.DryRun,
		Force:              cfg.Force,
	}, store, source, refresher, planner, dispatcher, reconciler, alerts, clock, log.Logger)

	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
		log.Info("Metrics endpoint up", zap.String("addr", cfg.MetricsAddr))
	}

	// SIGUSR1 re-arms FAILED tranches for another submission attempt.
	rearm := make(chan os.Signal, 1)
	signal.Notify(rearm, syscall.SIGUSR1)
	go func() {
		for range rearm {
			controller.RearmFailed()
		}
	}()

	if err := controller.Run(ctx); err != nil && err != context.Canceled {
		log.Error("Watchdog stopped with error", zap.Error(err))
		return exitFatal
	}

	log.Info("Watchdog stopped cleanly")
	return exitOK
}
