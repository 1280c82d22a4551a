package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrBotHasOpenPositions is returned when deleting a bot that still carries
// live exposures.
var ErrBotHasOpenPositions = errors.New("bot has open positions")

const botColumns = `id, name, venue, api_key, secret_key, proxy, max_concurrent_trades,
	notify_chat_id, active, testnet, leverage, filter, created_at, updated_at`

func scanBot(row pgx.Row) (*Bot, error) {
	b := &Bot{}
	err := row.Scan(
		&b.ID, &b.Name, &b.Venue, &b.APIKey, &b.SecretKey, &b.Proxy,
		&b.MaxConcurrentTrades, &b.NotifyChatID, &b.Active, &b.Testnet,
		&b.Leverage, &b.Filter, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetBot retrieves a bot by id.
func (db *DB) GetBot(ctx context.Context, id int64) (*Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = $1`
	b, err := scanBot(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %d: %w", id, err)
	}
	return b, nil
}

// ListActiveBots returns all bots with active=true.
func (db *DB) ListActiveBots(ctx context.Context) ([]Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE active = TRUE ORDER BY id`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

// CreateBot inserts a new bot.
func (db *DB) CreateBot(ctx context.Context, b *Bot) error {
	query := `
		INSERT INTO bots (name, venue, api_key, secret_key, proxy, max_concurrent_trades,
			notify_chat_id, active, testnet, leverage, filter)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`
	err := db.Pool.QueryRow(ctx, query,
		b.Name, b.Venue, b.APIKey, b.SecretKey, b.Proxy, b.MaxConcurrentTrades,
		b.NotifyChatID, b.Active, b.Testnet, b.Leverage, b.Filter,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	return nil
}

// DeleteBot removes a bot. Refused while any open position references it so
// a live exposure can never lose its book entry.
func (db *DB) DeleteBot(ctx context.Context, id int64) error {
	var open int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE bot_id = $1 AND status = 'open'`, id,
	).Scan(&open)
	if err != nil {
		return fmt.Errorf("failed to count open positions for bot %d: %w", id, err)
	}
	if open > 0 {
		return fmt.Errorf("refusing to delete bot %d with %d open positions: %w",
			id, open, ErrBotHasOpenPositions)
	}
	if _, err := db.Pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete bot %d: %w", id, err)
	}
	return nil
}

// SetBotActive toggles a bot's active flag.
func (db *DB) SetBotActive(ctx context.Context, id int64, active bool) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE bots SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set bot %d active=%v: %w", id, active, err)
	}
	return nil
}

const strategyColumns = `id, bot_id, symbol, interval, side_policy, mode, oc_percent,
	extend_percent, amount, tp_percent, sl_percent, reduce, up_reduce,
	allow_market_fallback, enabled, created_at, updated_at`

func scanStrategy(row pgx.Row) (*Strategy, error) {
	s := &Strategy{}
	err := row.Scan(
		&s.ID, &s.BotID, &s.Symbol, &s.Interval, &s.SidePolicy, &s.Mode,
		&s.OCPercent, &s.ExtendPercent, &s.Amount, &s.TPPercent, &s.SLPercent,
		&s.Reduce, &s.UpReduce, &s.AllowMarketFallback, &s.Enabled, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetStrategy retrieves a strategy by id.
func (db *DB) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1`
	s, err := scanStrategy(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy %d: %w", id, err)
	}
	return s, nil
}

// ListEnabledStrategies returns enabled strategies for active bots, in
// ascending id order. The ordering is the signal tie-break.
func (db *DB) ListEnabledStrategies(ctx context.Context) ([]Strategy, error) {
	query := `
		SELECT s.id, s.bot_id, s.symbol, s.interval, s.side_policy, s.mode, s.oc_percent,
			s.extend_percent, s.amount, s.tp_percent, s.sl_percent, s.reduce, s.up_reduce,
			s.allow_market_fallback, s.enabled, s.created_at, s.updated_at
		FROM strategies s
		JOIN bots b ON b.id = s.bot_id
		WHERE s.enabled = TRUE AND b.active = TRUE
		ORDER BY s.id`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled strategies: %w", err)
	}
	defer rows.Close()

	var strategies []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		strategies = append(strategies, *s)
	}
	return strategies, rows.Err()
}

// ListStrategiesByBotSymbol returns enabled strategies for one (bot, symbol).
func (db *DB) ListStrategiesByBotSymbol(ctx context.Context, botID int64, symbol string) ([]Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies
		WHERE bot_id = $1 AND symbol = $2 AND enabled = TRUE ORDER BY id`
	rows, err := db.Pool.Query(ctx, query, botID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies for bot %d %s: %w", botID, symbol, err)
	}
	defer rows.Close()

	var strategies []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		strategies = append(strategies, *s)
	}
	return strategies, rows.Err()
}

// CreateStrategy inserts a new strategy.
func (db *DB) CreateStrategy(ctx context.Context, s *Strategy) error {
	query := `
		INSERT INTO strategies (bot_id, symbol, interval, side_policy, mode, oc_percent,
			extend_percent, amount, tp_percent, sl_percent, reduce, up_reduce,
			allow_market_fallback, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`
	err := db.Pool.QueryRow(ctx, query,
		s.BotID, s.Symbol, s.Interval, s.SidePolicy, s.Mode, s.OCPercent,
		s.ExtendPercent, s.Amount, s.TPPercent, s.SLPercent, s.Reduce, s.UpReduce,
		s.AllowMarketFallback, s.Enabled,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}
	return nil
}
