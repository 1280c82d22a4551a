// Command fix-missing-sl finds open positions missing protective exit
// orders and, with --apply, re-attaches them.
//
// Exit codes: 0 unprotected positions found, 1 error, 2 every position
// already protected.
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
	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/posmon"
)

func main() {
	apply := flag.Bool("apply", false, "attach missing exit orders instead of only reporting")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(cli.ExitFatal)
	}
	log := logging.New(&logging.Config{Level: cfg.LoggingConfig.Level, Output: "stderr", Component: "fix-missing-sl", JSONFormat: false})

	ctx := context.Background()
	eng, err := engine.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(cli.ExitFatal)
	}
	defer eng.Close()

	pm := posmon.New(eng.DB, eng.Adapter, eng.Tracker, eng.Settings.Current, nil, log)

	positions, err := eng.DB.GetAllOpenPositions(ctx)
	if err != nil {
		log.Error("failed to list open positions", "error", err)
		os.Exit(cli.ExitFatal)
	}

	unprotected, failures := 0, 0
	for i := range positions {
		p := &positions[i]
		if p.HasBothExits() {
			continue
		}
		unprotected++
		missing := ""
		if p.TPOrderID == nil {
			missing = "tp"
		}
		if p.SLPrice != nil && p.SLOrderID == nil && !p.SoftwareSL {
			if missing != "" {
				missing += "+"
			}
			missing += "sl"
		}
		fmt.Printf("unprotected: position %d %s %s (missing %s)\n", p.ID, p.Symbol, p.Side, missing)

		if !*apply {
			continue
		}
		if err := pm.EnsureProtection(ctx, p); err != nil {
			log.Error("failed to attach exits", "position_id", p.ID, "error", err)
			failures++
			continue
		}
		fmt.Printf("  protection attached\n")
	}

	fmt.Printf("%d unprotected position(s) found\n", unprotected)
	os.Exit(cli.ExitCode(failures > 0, unprotected))
}
