// Command reconcile diffs the position book against venue state. Dry-run by
// default; --apply repairs divergences.
//
// Exit codes: 0 divergences found (or repaired), 1 error, 2 book and
// venue agree.
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
)

func main() {
	apply := flag.Bool("apply", false, "repair divergences instead of only reporting them")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(cli.ExitFatal)
	}
	log := logging.New(&logging.Config{Level: cfg.LoggingConfig.Level, Output: "stderr", Component: "reconcile", JSONFormat: false})

	ctx := context.Background()
	eng, err := engine.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(cli.ExitFatal)
	}
	defer eng.Close()

	em := entrymon.New(eng.DB, eng.Adapter, eng.BotIDs, nil, eng.Pending, log)
	rec := reconcile.New(eng.DB, eng.Adapter, eng.Bots, em, log)

	report, err := rec.Run(ctx, *apply)
	if err != nil {
		log.Error("reconciliation failed", "error", err)
		os.Exit(cli.ExitFatal)
	}

	mode := "dry-run"
	if *apply {
		mode = "applied"
	}
	fmt.Printf("reconciliation (%s)\n", mode)
	fmt.Printf("  book-only positions closed:  %d\n", report.BookOnlyClosed)
	fmt.Printf("  venue exposures adopted:     %d\n", report.VenueAdopted)
	fmt.Printf("  venue exposures skipped:     %d\n", report.VenueSkipped)
	fmt.Printf("  quantity drifts:             %d\n", report.QuantityDrift)
	fmt.Printf("  stale exit ids cleared:      %d\n", report.StaleExitsFixed)
	fmt.Printf("  orphan exit orders canceled: %d\n", report.OrphansCanceled)
	fmt.Printf("  errors:                      %d\n", report.Errors)

	os.Exit(cli.ExitCode(report.Errors > 0, report.Mismatches()))
}
