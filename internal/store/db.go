package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"oc-futures-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// NewDB creates a new database connection. databaseURL accepts both URL and
// keyword/value DSN forms.
func NewDB(databaseURL string, log *logging.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info("connected to PostgreSQL", "database", poolConfig.ConnConfig.Database)

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			venue VARCHAR(50) NOT NULL DEFAULT 'binance_futures',
			api_key TEXT NOT NULL DEFAULT '',
			secret_key TEXT NOT NULL DEFAULT '',
			proxy TEXT,
			max_concurrent_trades INT NOT NULL DEFAULT 5,
			notify_chat_id VARCHAR(64),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			testnet BOOLEAN NOT NULL DEFAULT FALSE,
			leverage INT NOT NULL DEFAULT 10,
			filter JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS strategies (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(10) NOT NULL,
			side_policy VARCHAR(12) NOT NULL DEFAULT 'both',
			mode VARCHAR(20) NOT NULL DEFAULT 'trend_following',
			oc_percent DECIMAL(10, 4) NOT NULL,
			extend_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			amount DECIMAL(20, 8) NOT NULL,
			tp_percent DECIMAL(10, 4) NOT NULL,
			sl_percent DECIMAL(10, 4),
			reduce DECIMAL(10, 4) NOT NULL DEFAULT 0,
			up_reduce DECIMAL(10, 4) NOT NULL DEFAULT 0,
			allow_market_fallback BOOLEAN NOT NULL DEFAULT FALSE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_bot ON strategies(bot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_symbol ON strategies(symbol, interval)`,

		`CREATE TABLE IF NOT EXISTS candles (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(10) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(30, 8) NOT NULL DEFAULT 0,
			close_time TIMESTAMPTZ NOT NULL,
			UNIQUE(symbol, interval, open_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_lookup ON candles(symbol, interval, open_time DESC)`,

		`CREATE TABLE IF NOT EXISTS entry_orders (
			id BIGSERIAL PRIMARY KEY,
			strategy_id BIGINT NOT NULL REFERENCES strategies(id),
			bot_id BIGINT NOT NULL REFERENCES bots(id),
			venue_order_id BIGINT NOT NULL,
			client_token VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			reservation_token VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entry_orders_status ON entry_orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_entry_orders_venue ON entry_orders(venue_order_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entry_orders_token ON entry_orders(client_token)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			strategy_id BIGINT NOT NULL REFERENCES strategies(id),
			bot_id BIGINT NOT NULL REFERENCES bots(id) ON DELETE RESTRICT,
			entry_order_id BIGINT REFERENCES entry_orders(id),
			order_ref VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			tp_price DECIMAL(20, 8) NOT NULL,
			initial_tp_price DECIMAL(20, 8) NOT NULL,
			sl_price DECIMAL(20, 8),
			tp_order_id BIGINT,
			sl_order_id BIGINT,
			software_sl BOOLEAN NOT NULL DEFAULT FALSE,
			minutes_elapsed INT NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			close_price DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8),
			close_reason VARCHAR(32),
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_bot ON positions(bot_id, status)`,
		// one open position per (bot, symbol, side)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_unique_open
			ON positions(bot_id, symbol, side) WHERE status = 'open'`,

		`CREATE TABLE IF NOT EXISTS system_settings (
			key VARCHAR(100) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info("database migrations completed")
	return nil
}
