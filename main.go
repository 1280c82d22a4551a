package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"oc-futures-bot/config"
	"oc-futures-bot/internal/engine"
	"oc-futures-bot/internal/entrymon"
	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/orderservice"
	"oc-futures-bot/internal/posmon"
	"oc-futures-bot/internal/reconcile"
	"oc-futures-bot/internal/scanner"
	"oc-futures-bot/internal/settings"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/tickbus"
	"oc-futures-bot/internal/timer"
	"oc-futures-bot/internal/venue"
	"oc-futures-bot/internal/venue/binance"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Default().Fatal("failed to load configuration", "error", err)
	}

	log := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		Component:   "engine",
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Fatal("bootstrap failed", "error", err)
	}
	defer eng.Close()

	go eng.Notify.Run()
	defer eng.Notify.Close()

	// --- core services ---

	bus := tickbus.New(log)

	em := entrymon.New(eng.DB, eng.Adapter, eng.BotIDs, eng.Notify, eng.Pending, log)
	osvc := orderservice.New(eng.DB, eng.Adapter, eng.Bot, em, eng.Pending, log)

	priceFn := func(ctx context.Context, botID int64, symbol string) (float64, error) {
		adapter, ok := eng.Adapter(botID)
		if !ok {
			return 0, venue.NewError(venue.KindNotFound, "no adapter for bot %d", botID)
		}
		return adapter.Price(ctx, symbol)
	}
	sc := scanner.New(eng.DB, priceFn, osvc, log)

	pm := posmon.New(eng.DB, eng.Adapter, eng.Tracker, eng.Settings.Current, eng.Notify, log)
	pm.Start(ctx)

	rec := reconcile.New(eng.DB, eng.Adapter, eng.Bots, em, log)

	// --- market data wiring ---

	strategies, err := eng.DB.ListEnabledStrategies(ctx)
	if err != nil {
		log.Fatal("failed to load strategies", "error", err)
	}
	sc.Reload(strategies, eng.Bots())

	symbolSet := make(map[string]bool)
	for _, st := range strategies {
		symbol := venue.NormalizeSymbol(st.Symbol)
		symbolSet[symbol] = true
		bus.SubscribeCandles(symbol, st.Interval, func(c tickbus.Candle) {
			persistCandle(ctx, eng.DB, c, log)
			sc.OnCandleClosed(ctx, c)
		})
	}
	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}

	go bus.Run(ctx)

	// One shared market-data stream feeds the bus and every adapter's price
	// cache.
	wsBase := binance.StreamBaseURL(cfg.EngineConfig.Testnet)
	go binance.TickStream(ctx, wsBase, symbols, func(symbol string, price float64, ts time.Time) {
		bus.Publish(symbol, price, ts)
		for _, id := range eng.BotIDs() {
			if a, ok := eng.BinanceAdapter(id); ok {
				a.UpdateTick(symbol, price, ts)
			}
		}
	}, log)

	// Per-bot account streams drive order state and entry confirmation.
	for _, botID := range eng.BotIDs() {
		botID := botID
		adapter, ok := eng.Adapter(botID)
		if !ok {
			continue
		}
		go consumeAccountStream(ctx, botID, adapter, eng, em, log)
	}

	// --- periodic tasks ---

	snap := eng.Settings.Current()
	runner := timer.NewRunner(log)
	runner.Every(ctx, "position-monitor", snap.Millis("position_monitor_interval_ms", time.Second), pm.Cycle)
	runner.Every(ctx, "entry-order-poll", snap.Duration("entry_order_monitor_cron", 30*time.Second), em.Poll)
	runner.Every(ctx, "position-sync",
		time.Duration(snap.Int("position_sync_interval_minutes", 5))*time.Minute,
		func(ctx context.Context) {
			if _, err := rec.Run(ctx, true); err != nil {
				log.Error("reconciliation pass failed", "error", err)
			}
		})
	runner.Every(ctx, "settings-reload", time.Minute, func(ctx context.Context) {
		if err := eng.Settings.Load(ctx); err != nil {
			log.Error("settings reload failed", "error", err)
		}
	})
	runner.Every(ctx, "strategy-reload", time.Minute, func(ctx context.Context) {
		if err := eng.ReloadBots(ctx); err != nil {
			log.Error("bot reload failed", "error", err)
			return
		}
		strategies, err := eng.DB.ListEnabledStrategies(ctx)
		if err != nil {
			log.Error("strategy reload failed", "error", err)
			return
		}
		sc.Reload(strategies, eng.Bots())
	})
	runner.Every(ctx, "order-cache-prune", 5*time.Minute, func(context.Context) {
		eng.Tracker.Prune()
	})
	runner.Every(ctx, "candle-prune", 24*time.Hour, func(ctx context.Context) {
		pruneCandles(ctx, eng.DB, eng.Settings.Current(), log)
	})

	eng.Pending.Start()
	defer eng.Pending.Stop()

	log.Info("engine started",
		"bots", len(eng.BotIDs()), "strategies", len(strategies), "symbols", len(symbols))

	// --- shutdown ---

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutdown signal received", "signal", s.String())

	cancel()
	done := make(chan struct{})
	go func() {
		runner.Wait()
		pm.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("engine stopped cleanly")
	case <-time.After(time.Duration(cfg.EngineConfig.ShutdownTimeout) * time.Second):
		log.Warn("shutdown timeout exceeded, exiting")
	}
}

// consumeAccountStream feeds one bot's account events into the order cache
// and the entry monitor.
func consumeAccountStream(ctx context.Context, botID int64, adapter venue.Adapter, eng *engine.Engine, em *entrymon.Monitor, log *logging.Logger) {
	events, err := adapter.AccountStream(ctx)
	if err != nil {
		log.Error("account stream unavailable, relying on REST polling", "bot_id", botID, "error", err)
		return
	}
	for ev := range events {
		switch u := ev.(type) {
		case venue.OrderUpdate:
			eng.Tracker.Record(u)
			em.HandleOrderUpdate(ctx, botID, u)
		case venue.AccountUpdate:
			log.Debug("account update", "bot_id", botID, "reason", u.Reason, "positions", len(u.Positions))
		case venue.ListenKeyExpired:
			// The stream may have dropped transitions; cached state is stale.
			eng.Tracker.Invalidate()
		}
	}
}

func persistCandle(ctx context.Context, db *store.DB, c tickbus.Candle, log *logging.Logger) {
	err := db.UpsertCandle(ctx, &store.Candle{
		Symbol:    c.Symbol,
		Interval:  c.Interval,
		OpenTime:  c.OpenTime,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		CloseTime: c.CloseTime,
	})
	if err != nil {
		log.Error("failed to persist candle", "symbol", c.Symbol, "interval", c.Interval, "error", err)
	}
}

func pruneCandles(ctx context.Context, db *store.DB, snap *settings.Snapshot, log *logging.Logger) {
	mode := snap.String("candles_prune_mode", "age")
	maxAge := time.Duration(snap.Int("candles_retention_days", 30)) * 24 * time.Hour
	keep := snap.Int("candles_keep_last_per_interval", 5000)
	switch mode {
	case "age":
		keep = 0
	case "keep":
		maxAge = 0
	}
	deleted, err := db.PruneCandles(ctx, maxAge, keep)
	if err != nil {
		log.Error("candle prune failed", "error", err)
		return
	}
	log.Info("candles pruned", "deleted", deleted, "mode", mode)
}
