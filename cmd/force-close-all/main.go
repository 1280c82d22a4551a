// Command force-close-all market-closes every open position and records the
// closes with reason force_close_from_api. --bot-id restricts to one bot.
//
// Exit codes: 0 positions closed, 1 any close failed, 2 nothing open.
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
	"oc-futures-bot/internal/store"
)

func main() {
	botID := flag.Int64("bot-id", 0, "restrict to one bot (0 = all bots)")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(cli.ExitFatal)
	}
	log := logging.New(&logging.Config{Level: cfg.LoggingConfig.Level, Output: "stderr", Component: "force-close", JSONFormat: false})

	ctx := context.Background()
	eng, err := engine.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		os.Exit(cli.ExitFatal)
	}
	defer eng.Close()

	pm := posmon.New(eng.DB, eng.Adapter, eng.Tracker, eng.Settings.Current, nil, log)

	var positions []store.Position
	if *botID > 0 {
		positions, err = eng.DB.GetOpenPositions(ctx, *botID)
	} else {
		positions, err = eng.DB.GetAllOpenPositions(ctx)
	}
	if err != nil {
		log.Error("failed to list open positions", "error", err)
		os.Exit(cli.ExitFatal)
	}
	if len(positions) == 0 {
		fmt.Println("no open positions")
		os.Exit(cli.ExitNoop)
	}

	failures := 0
	for i := range positions {
		p := &positions[i]
		if err := pm.ForceClose(ctx, p, store.CloseForcedFromAPI); err != nil {
			log.Error("failed to close position",
				"position_id", p.ID, "symbol", p.Symbol, "error", err)
			failures++
			continue
		}
		fmt.Printf("closed position %d %s %s\n", p.ID, p.Symbol, p.Side)
	}

	fmt.Printf("closed %d/%d positions\n", len(positions)-failures, len(positions))
	os.Exit(cli.ExitCode(failures > 0, len(positions)-failures))
}
