// Command prune-candles trims the candles table by age, by per-series
// count, or both. Defaults come from system settings.
//
// Exit codes: 0 candles pruned, 1 error, 2 nothing to prune.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"oc-futures-bot/config"
	"oc-futures-bot/internal/cli"
	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/settings"
	"oc-futures-bot/internal/store"
)

func main() {
	days := flag.Int("days", 0, "delete candles older than this many days (0 = setting)")
	keep := flag.Int("keep", 0, "keep at most this many candles per (symbol, interval) (0 = setting)")
	mode := flag.String("mode", "", "age, keep, or both (default from settings)")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(cli.ExitFatal)
	}
	log := logging.New(&logging.Config{Level: cfg.LoggingConfig.Level, Output: "stderr", Component: "prune-candles", JSONFormat: false})

	ctx := context.Background()
	db, err := store.NewDB(cfg.DatabaseConfig.URL, log)
	if err != nil {
		log.Error("database unavailable", "error", err)
		os.Exit(cli.ExitFatal)
	}
	defer db.Close()

	settingsStore := settings.New(db, log)
	if err := settingsStore.Load(ctx); err != nil {
		log.Error("failed to load settings", "error", err)
		os.Exit(cli.ExitFatal)
	}
	snap := settingsStore.Current()

	if *mode == "" {
		*mode = snap.String("candles_prune_mode", "age")
	}
	if *days == 0 {
		*days = snap.Int("candles_retention_days", 30)
	}
	if *keep == 0 {
		*keep = snap.Int("candles_keep_last_per_interval", 5000)
	}

	maxAge := time.Duration(*days) * 24 * time.Hour
	keepPer := *keep
	switch *mode {
	case "age":
		keepPer = 0
	case "keep":
		maxAge = 0
	case "both":
	default:
		fmt.Fprintln(os.Stderr, "invalid --mode, want age, keep, or both")
		os.Exit(cli.ExitFatal)
	}

	deleted, err := db.PruneCandles(ctx, maxAge, keepPer)
	if err != nil {
		log.Error("prune failed", "error", err)
		os.Exit(cli.ExitFatal)
	}
	fmt.Printf("pruned %d candle(s) (mode %s)\n", deleted, *mode)
	os.Exit(cli.ExitCode(false, int(deleted)))
}
