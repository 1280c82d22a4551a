// Command verify-positions checks one bot's book positions against venue
// state without mutating anything.
//
// Exit codes: 0 divergences found, 1 error, 2 book and venue agree.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"oc-futures-bot/config"
	"oc-futures-bot/internal/cli"
	"oc-futures-bot/internal/engine"
	"oc-futures-bot/internal/entrymon"
	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/reconcile"
	"oc-futures-bot/internal/store"
)

func main() {
	botID := flag.Int64("bot-id", 0, "bot to verify (required)")
	flag.Parse()
	if *botID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: verify-positions --bot-id <id>")
		os.Exit(cli.ExitFatal)
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(cli.ExitFatal)
	}
	log := logging.New(&logging.Config{Level: cfg.LoggingConfig.Level, Output: "stderr", Component: "verify-positions", JSONFormat: false})

	ctx := context.Background()
	eng, err := engine.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(cli.ExitFatal)
	}
	defer eng.Close()

	bot, ok := eng.Bot(*botID)
	if !ok {
		log.Error("bot not active or unknown", "bot_id", *botID)
		os.Exit(cli.ExitFatal)
	}

	em := entrymon.New(eng.DB, eng.Adapter, eng.BotIDs, nil, eng.Pending, log)
	oneBot := func() []store.Bot { return []store.Bot{*bot} }
	rec := reconcile.New(eng.DB, eng.Adapter, oneBot, em, log)

	report, err := rec.Run(ctx, false)
	if err != nil {
		log.Error("verification failed", "error", err)
		os.Exit(cli.ExitFatal)
	}

	fmt.Printf("verification for bot %d (%s)\n", bot.ID, bot.Name)
	fmt.Printf("  book-only positions:    %d\n", report.BookOnlyClosed)
	fmt.Printf("  venue-only exposures:   %d\n", report.VenueAdopted+report.VenueSkipped)
	fmt.Printf("  quantity drifts:        %d\n", report.QuantityDrift)
	fmt.Printf("  stale exit ids:         %d\n", report.StaleExitsFixed)
	fmt.Printf("  orphan exit orders:     %d\n", report.OrphansCanceled)

	if report.Errors == 0 && report.Mismatches() == 0 {
		fmt.Println("book and venue agree")
	}
	os.Exit(cli.ExitCode(report.Errors > 0, report.Mismatches()))
}
