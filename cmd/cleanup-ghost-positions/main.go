// Command cleanup-ghost-positions closes book positions that the venue no
// longer holds. A ghost is an open book row older than --max-age-hours whose
// closable quantity on the venue is zero.
//
// Exit codes: 0 ghosts found (or closed), 1 error, 2 no ghosts.
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
	"oc-futures-bot/internal/engine"
	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/store"
)

func main() {
	maxAgeHours := flag.Int("max-age-hours", 24, "only consider positions older than this")
	dryRun := flag.Bool("dry-run", false, "report ghosts without closing them")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(cli.ExitFatal)
	}
	log := logging.New(&logging.Config{Level: cfg.LoggingConfig.Level, Output: "stderr", Component: "ghost-cleanup", JSONFormat: false})

	ctx := context.Background()
	eng, err := engine.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(cli.ExitFatal)
	}
	defer eng.Close()

	positions, err := eng.DB.GetAllOpenPositions(ctx)
	if err != nil {
		log.Error("failed to list open positions", "error", err)
		os.Exit(cli.ExitFatal)
	}

	maxAge := time.Duration(*maxAgeHours) * time.Hour
	now := time.Now().UTC()
	ghosts, failures := 0, 0

	for i := range positions {
		p := &positions[i]
		if p.Age(now) < maxAge {
			continue
		}
		adapter, ok := eng.Adapter(p.BotID)
		if !ok {
			continue
		}
		qty, err := adapter.ClosableQty(ctx, p.Symbol, p.Side)
		if err != nil {
			log.Error("failed to query venue quantity",
				"position_id", p.ID, "symbol", p.Symbol, "error", err)
			failures++
			continue
		}
		if qty > 0 {
			continue
		}

		ghosts++
		fmt.Printf("ghost: position %d %s %s opened %s\n",
			p.ID, p.Symbol, p.Side, p.OpenedAt.Format(time.RFC3339))
		if *dryRun {
			continue
		}

		closePrice, err := adapter.Price(ctx, p.Symbol)
		if err != nil || closePrice <= 0 {
			closePrice = p.EntryPrice
		}
		closed, err := eng.DB.ClosePosition(ctx, p.ID, closePrice, p.PnLAt(closePrice), store.CloseGhostCleanup, now)
		if err != nil {
			log.Error("failed to close ghost", "position_id", p.ID, "error", err)
			failures++
			continue
		}
		if closed {
			fmt.Printf("  closed at %.4f\n", closePrice)
		}
	}

	fmt.Printf("%d ghost position(s) found\n", ghosts)
	os.Exit(cli.ExitCode(failures > 0, ghosts))
}
