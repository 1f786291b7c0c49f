package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"trading_bot/internal/alert"
	"trading_bot/internal/bootstrap"
	"trading_bot/internal/broker"
	"trading_bot/internal/bus"
	"trading_bot/internal/housekeeping"
	"trading_bot/internal/market"
	"trading_bot/internal/reconcile"
	"trading_bot/internal/risk"
	"trading_bot/internal/store"
	"trading_bot/internal/strategy"
	"trading_bot/internal/trading"
	"trading_bot/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

// startupTimeout bounds every pre-run broker and store call. A bot that
// cannot finish preflight and reconciliation inside this window should
// not start trading.
const startupTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trading_bot version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// 1. Configuration and logging. Validation failures exit non-zero
	// before anything touches the broker.
	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	cfg, logger := app.Cfg, app.Logger

	logger.Info("starting trading bot",
		"version", version,
		"mode", cfg.Mode,
		"symbols", len(cfg.AllSymbols()),
		"timeframe", cfg.Timeframe,
		"source", cfg.MarketData.Source)

	// 2. Telemetry is best-effort: the bot trades without a meter provider.
	tel, err := telemetry.Setup("trading_bot")
	if err != nil {
		logger.Warn("telemetry setup failed, continuing without instruments", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// 3. Store.
	st, err := store.NewSQLiteStore(cfg.DatabasePath(), logger)
	if err != nil {
		logger.Fatal("store initialization failed", "error", err, "path", cfg.DatabasePath())
	}
	defer st.Close()

	// 4. Broker behind the safety wrapper.
	brk := broker.NewGuardedBroker(
		broker.NewAlpacaBroker(cfg.Broker, cfg.Mode, logger),
		cfg.KillSwitch, cfg.DryRun, logger)

	notifier := alert.NewManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		notifier.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		notifier.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// 5. Preflight: every broker read the bot depends on must work now.
	if err := risk.NewPreflightChecker(logger).Check(startCtx, brk); err != nil {
		logger.Fatal("preflight checks failed", "error", err)
	}

	// 6. Local state: lots from the store, drawdown level from bot_state.
	tracker := trading.NewPositionTracker(cfg.Exit, st, logger)
	if err := tracker.Rehydrate(startCtx); err != nil {
		logger.Fatal("position rehydration failed", "error", err)
	}

	drawdown := risk.NewDrawdownMonitor(cfg.Drawdown, st, brk, notifier, logger)
	if err := drawdown.Restore(startCtx); err != nil {
		logger.Fatal("drawdown state restore failed", "error", err)
	}

	// 7. Trading pipeline. SetOrderManager closes the monitor/manager
	// cycle after both exist.
	eventBus := bus.New(bus.DefaultMainCapacity, logger)
	riskMgr := risk.NewManager(cfg, st, brk, tracker, drawdown, notifier, logger)
	orders := trading.NewOrderManager(cfg, st, brk, riskMgr, tracker, drawdown, eventBus, notifier, logger)
	drawdown.SetOrderManager(orders)

	// 8. Startup reconciliation gates everything. On failure the JSON
	// report is already at data/reconciliation_error.json.
	if err := reconcile.NewStartup(cfg, st, brk, tracker, notifier, logger).Run(startCtx); err != nil {
		logger.Fatal("startup reconciliation failed, refusing to trade", "error", err)
	}

	exits := trading.NewExitManager(cfg, st, brk, tracker, eventBus, logger)
	dispatcher := market.NewDispatcher(cfg, st, eventBus,
		strategy.NewSMACrossover(st, logger), orders, tracker, exits, logger)
	if err := dispatcher.WarmUp(startCtx); err != nil {
		logger.Fatal("bar window warm-up failed", "error", err)
	}

	// 9. Long-running loops.
	snapshotter := housekeeping.NewSnapshotter(st, brk, tracker, logger)
	runners := []bootstrap.Runner{
		dispatcher,
		market.NewOrderPoller(brk, st, eventBus, logger),
		exits,
		drawdown,
		reconcile.NewRunner(cfg, st, brk, tracker, eventBus, notifier, logger),
		snapshotter,
		housekeeping.NewDailyReset(cfg, st, logger),
	}

	barHandler := market.NewBarHandler(st, eventBus, logger)
	if cfg.MarketData.Source == "stream" {
		stream, err := market.NewAlpacaStream(cfg.Broker, cfg.MarketData.Feed,
			cfg.AllSymbols(), cfg.Timeframe, barHandler, logger)
		if err != nil {
			logger.Fatal("market data stream setup failed", "error", err)
		}
		runners = append(runners, stream)
	} else {
		md := market.NewAlpacaMarketData(cfg.Broker, cfg.MarketData.Feed, logger)
		runners = append(runners, market.NewBarPoller(md, barHandler, cfg.AllSymbols(), cfg.Timeframe, logger))
	}

	if cfg.Telemetry.EnableMetrics {
		runners = append(runners,
			telemetry.NewServer(cfg.Telemetry.MetricsPort, logger),
			telemetry.NewFileExporter(cfg.MetricsPath(),
				time.Duration(cfg.Telemetry.ExportIntervalSeconds)*time.Second, logger))
	}

	runErr := app.Run(runners...)

	// 10. Shutdown hook runs after every loop has stopped, on a fresh
	// context: cancel open orders, flatten, final equity snapshot.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := housekeeping.Shutdown(shutCtx, orders, snapshotter, logger); err != nil {
		logger.Error("shutdown hook finished with errors", "error", err)
	}

	if runErr != nil {
		os.Exit(1)
	}
}
