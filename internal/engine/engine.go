// Package engine is the composition root: it connects storage, credentials,
// venue adapters and notification providers, and hands the wired parts to
// the run loop and the operator tools.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"oc-futures-bot/config"
	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/notify"
	"oc-futures-bot/internal/orders"
	"oc-futures-bot/internal/settings"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/vault"
	"oc-futures-bot/internal/venue"
	"oc-futures-bot/internal/venue/binance"
)

// Engine holds the wired infrastructure shared by the run loop and the
// operator commands.
type Engine struct {
	Cfg      *config.Config
	Log      *logging.Logger
	DB       *store.DB
	Settings *settings.Store
	Vault    *vault.Client
	Redis    *redis.Client
	Pending  *store.PendingTracker
	Tracker  *orders.Tracker
	Notify   *notify.Manager

	mu       sync.RWMutex
	bots     map[int64]*store.Bot
	adapters map[int64]*binance.Adapter
}

// Bootstrap connects all infrastructure and instantiates one venue adapter
// per active bot.
func Bootstrap(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Engine, error) {
	db, err := store.NewDB(cfg.DatabaseConfig.URL, log)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	settingsStore := settings.New(db, log)
	if err := settingsStore.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
		CACert:     cfg.VaultConfig.CACert,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{
		Cfg:      cfg,
		Log:      log,
		DB:       db,
		Settings: settingsStore,
		Vault:    vaultClient,
		Tracker:  orders.NewTracker(zerolog.New(os.Stderr).With().Timestamp().Logger()),
		bots:     make(map[int64]*store.Bot),
		adapters: make(map[int64]*binance.Adapter),
	}

	if cfg.RedisConfig.Enabled {
		e.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := e.Redis.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, pending-entry tracking disabled", "error", err)
			e.Redis = nil
		}
	}
	timeout := time.Duration(settingsStore.Current().Int("entry_order_timeout_seconds", 60)) * time.Second
	e.Pending = store.NewPendingTracker(e.Redis, timeout, log)

	e.Notify = notify.NewManager(e.chatOverride, log)
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Telegram.Enabled {
			tg, err := notify.NewTelegram(cfg.NotificationConfig.Telegram.BotToken, cfg.NotificationConfig.Telegram.ChatID)
			if err != nil {
				log.Warn("telegram provider unavailable", "error", err)
			} else {
				e.Notify.AddProvider(tg)
			}
		}
		if cfg.NotificationConfig.Discord.Enabled {
			e.Notify.AddProvider(notify.NewDiscord(cfg.NotificationConfig.Discord.WebhookURL))
		}
	}

	if err := e.ReloadBots(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// ReloadBots refreshes the bot registry from the database, creating adapters
// for newly activated bots and dropping deactivated ones.
func (e *Engine) ReloadBots(ctx context.Context) error {
	active, err := e.DB.ListActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active bots: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[int64]bool, len(active))
	for i := range active {
		bot := active[i]
		seen[bot.ID] = true
		e.bots[bot.ID] = &bot
		if _, ok := e.adapters[bot.ID]; ok {
			continue
		}
		adapter, err := e.newAdapter(ctx, &bot)
		if err != nil {
			e.Log.Error("failed to create adapter, bot skipped", "bot_id", bot.ID, "error", err)
			continue
		}
		e.adapters[bot.ID] = adapter
		e.Log.Info("venue adapter ready", "bot_id", bot.ID, "bot", bot.Name, "testnet", bot.Testnet)
	}
	for id := range e.adapters {
		if !seen[id] {
			delete(e.adapters, id)
			delete(e.bots, id)
			e.Log.Info("bot deactivated, adapter dropped", "bot_id", id)
		}
	}
	return nil
}

func (e *Engine) newAdapter(ctx context.Context, bot *store.Bot) (*binance.Adapter, error) {
	creds, err := e.Vault.BotCredentials(ctx, bot)
	if err != nil {
		return nil, err
	}

	proxy := ""
	if bot.Proxy != nil {
		proxy = *bot.Proxy
	}
	client, err := binance.NewClient(binance.ClientConfig{
		APIKey:    creds.APIKey,
		SecretKey: creds.SecretKey,
		Testnet:   bot.Testnet || e.Cfg.EngineConfig.Testnet,
		ProxyURL:  proxy,
	}, binance.NewScheduler(e.Settings.Current, e.Log), e.Log)
	if err != nil {
		return nil, err
	}
	adapter := binance.NewAdapter(client, e.Log)

	hedge := e.Cfg.EngineConfig.PositionMode == "HEDGE"
	if err := adapter.SetPositionMode(ctx, hedge); err != nil {
		fallback := e.Settings.Current().String("position_mode_fallback", "one_way")
		e.Log.Warn("failed to set position mode, continuing with venue mode",
			"bot_id", bot.ID, "wanted_hedge", hedge, "fallback", fallback, "error", err)
	}
	return adapter, nil
}

// Adapter returns the venue adapter for a bot.
func (e *Engine) Adapter(botID int64) (venue.Adapter, bool) {
	a, ok := e.BinanceAdapter(botID)
	if !ok {
		return nil, false
	}
	return a, true
}

// BinanceAdapter returns the concrete adapter, for stream wiring.
func (e *Engine) BinanceAdapter(botID int64) (*binance.Adapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[botID]
	return a, ok
}

// Bot returns a bot's configuration.
func (e *Engine) Bot(botID int64) (*store.Bot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bots[botID]
	return b, ok
}

// Bots snapshots the active bots.
func (e *Engine) Bots() []store.Bot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]store.Bot, 0, len(e.bots))
	for _, b := range e.bots {
		out = append(out, *b)
	}
	return out
}

// BotIDs lists the active bot ids.
func (e *Engine) BotIDs() []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]int64, 0, len(e.bots))
	for id := range e.bots {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) chatOverride(botID int64) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, ok := e.bots[botID]; ok && b.NotifyChatID != nil {
		return *b.NotifyChatID
	}
	return ""
}

// Close releases all connections.
func (e *Engine) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.DB != nil {
		e.DB.Close()
	}
}
