package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const entryOrderColumns = `id, strategy_id, bot_id, venue_order_id, client_token, symbol,
	side, amount, quantity, entry_price, status, reservation_token,
	created_at, updated_at, resolved_at`

func scanEntryOrder(row pgx.Row) (*EntryOrder, error) {
	o := &EntryOrder{}
	err := row.Scan(
		&o.ID, &o.StrategyID, &o.BotID, &o.VenueOrderID, &o.ClientToken, &o.Symbol,
		&o.Side, &o.Amount, &o.Quantity, &o.EntryPrice, &o.Status, &o.ReservationToken,
		&o.CreatedAt, &o.UpdatedAt, &o.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateEntryOrder records a venue-accepted entry submission.
func (db *DB) CreateEntryOrder(ctx context.Context, o *EntryOrder) error {
	query := `
		INSERT INTO entry_orders (strategy_id, bot_id, venue_order_id, client_token,
			symbol, side, amount, quantity, entry_price, status, reservation_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`
	err := db.Pool.QueryRow(ctx, query,
		o.StrategyID, o.BotID, o.VenueOrderID, o.ClientToken,
		o.Symbol, o.Side, o.Amount, o.Quantity, o.EntryPrice, o.Status, o.ReservationToken,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create entry order: %w", err)
	}
	return nil
}

// GetEntryOrder retrieves an entry order by id.
func (db *DB) GetEntryOrder(ctx context.Context, id int64) (*EntryOrder, error) {
	query := `SELECT ` + entryOrderColumns + ` FROM entry_orders WHERE id = $1`
	o, err := scanEntryOrder(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get entry order %d: %w", id, err)
	}
	return o, nil
}

// GetEntryOrderByVenueID finds the entry order that produced the given venue
// order id, nil when none exists.
func (db *DB) GetEntryOrderByVenueID(ctx context.Context, botID, venueOrderID int64) (*EntryOrder, error) {
	query := `SELECT ` + entryOrderColumns + ` FROM entry_orders
		WHERE bot_id = $1 AND venue_order_id = $2`
	o, err := scanEntryOrder(db.Pool.QueryRow(ctx, query, botID, venueOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry order by venue id %d: %w", venueOrderID, err)
	}
	return o, nil
}

// GetOpenEntryOrders returns all non-terminal entry orders for a bot.
func (db *DB) GetOpenEntryOrders(ctx context.Context, botID int64) ([]EntryOrder, error) {
	query := `SELECT ` + entryOrderColumns + ` FROM entry_orders
		WHERE bot_id = $1 AND status = 'open' ORDER BY id`
	rows, err := db.Pool.Query(ctx, query, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to get open entry orders: %w", err)
	}
	defer rows.Close()

	var orders []EntryOrder
	for rows.Next() {
		o, err := scanEntryOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetOpenEntryOrderBySymbolSide returns the pending entry for one exposure
// slot, nil when the slot is free.
func (db *DB) GetOpenEntryOrderBySymbolSide(ctx context.Context, botID int64, symbol string, side string) (*EntryOrder, error) {
	query := `SELECT ` + entryOrderColumns + ` FROM entry_orders
		WHERE bot_id = $1 AND symbol = $2 AND side = $3 AND status = 'open'
		ORDER BY id DESC LIMIT 1`
	o, err := scanEntryOrder(db.Pool.QueryRow(ctx, query, botID, symbol, side))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open entry order %s/%s: %w", symbol, side, err)
	}
	return o, nil
}

// UpdateEntryOrderStatus moves an entry order to a new status. Terminal
// statuses also stamp resolved_at; rows already terminal are left untouched.
func (db *DB) UpdateEntryOrderStatus(ctx context.Context, id int64, status EntryOrderStatus) error {
	var resolvedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE entry_orders
		SET status = $2, resolved_at = COALESCE($3, resolved_at), updated_at = NOW()
		WHERE id = $1 AND status = 'open'`,
		id, status, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update entry order %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		db.log.Debug("entry order already resolved, status update skipped", "order_id", id, "status", string(status))
	}
	return nil
}

// CountOpenEntryOrders returns the number of pending entries for a bot.
func (db *DB) CountOpenEntryOrders(ctx context.Context, botID int64) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM entry_orders WHERE bot_id = $1 AND status = 'open'`, botID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open entry orders: %w", err)
	}
	return n, nil
}
