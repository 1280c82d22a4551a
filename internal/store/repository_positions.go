package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const positionColumns = `id, strategy_id, bot_id, entry_order_id, order_ref, symbol, side,
	entry_price, amount, quantity, tp_price, initial_tp_price, sl_price,
	tp_order_id, sl_order_id, software_sl, minutes_elapsed, opened_at, status,
	close_price, realized_pnl, close_reason, closed_at, created_at, updated_at`

func scanPosition(row pgx.Row) (*Position, error) {
	p := &Position{}
	err := row.Scan(
		&p.ID, &p.StrategyID, &p.BotID, &p.EntryOrderID, &p.OrderRef, &p.Symbol, &p.Side,
		&p.EntryPrice, &p.Amount, &p.Quantity, &p.TPPrice, &p.InitialTPPrice, &p.SLPrice,
		&p.TPOrderID, &p.SLOrderID, &p.SoftwareSL, &p.MinutesElapsed, &p.OpenedAt, &p.Status,
		&p.ClosePrice, &p.RealizedPnL, &p.CloseReason, &p.ClosedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

const insertPositionQuery = `
	INSERT INTO positions (strategy_id, bot_id, entry_order_id, order_ref, symbol, side,
		entry_price, amount, quantity, tp_price, initial_tp_price, sl_price,
		tp_order_id, sl_order_id, software_sl, opened_at, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 'open')
	RETURNING id, created_at, updated_at`

// CreatePosition inserts a confirmed open exposure. The partial unique index
// on (bot_id, symbol, side) rejects a second open row for the same slot.
func (db *DB) CreatePosition(ctx context.Context, p *Position) error {
	err := db.Pool.QueryRow(ctx, insertPositionQuery,
		p.StrategyID, p.BotID, p.EntryOrderID, p.OrderRef, p.Symbol, p.Side,
		p.EntryPrice, p.Amount, p.Quantity, p.TPPrice, p.InitialTPPrice, p.SLPrice,
		p.TPOrderID, p.SLOrderID, p.SoftwareSL, p.OpenedAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	return nil
}

// FillEntryOrderAndCreatePosition marks an entry order filled and inserts its
// position in one transaction, so a crash between the two writes cannot leave
// a filled entry without its book row.
func (db *DB) FillEntryOrderAndCreatePosition(ctx context.Context, entryOrderID int64, p *Position) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE entry_orders
		SET status = 'filled', resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'open'`, entryOrderID)
	if err != nil {
		return fmt.Errorf("failed to mark entry order %d filled: %w", entryOrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry order %d is not open", entryOrderID)
	}

	p.EntryOrderID = &entryOrderID
	err = tx.QueryRow(ctx, insertPositionQuery,
		p.StrategyID, p.BotID, p.EntryOrderID, p.OrderRef, p.Symbol, p.Side,
		p.EntryPrice, p.Amount, p.Quantity, p.TPPrice, p.InitialTPPrice, p.SLPrice,
		p.TPOrderID, p.SLOrderID, p.SoftwareSL, p.OpenedAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create position for entry order %d: %w", entryOrderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit fill transaction: %w", err)
	}
	return nil
}

// GetPosition retrieves a position by id.
func (db *DB) GetPosition(ctx context.Context, id int64) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	p, err := scanPosition(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get position %d: %w", id, err)
	}
	return p, nil
}

// GetOpenPositions returns all open positions for a bot in opened order.
func (db *DB) GetOpenPositions(ctx context.Context, botID int64) ([]Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE bot_id = $1 AND status = 'open' ORDER BY opened_at`
	rows, err := db.Pool.Query(ctx, query, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetAllOpenPositions returns open positions across every bot.
func (db *DB) GetAllOpenPositions(ctx context.Context) ([]Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE status = 'open' ORDER BY bot_id, opened_at`
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetOpenPositionBySymbolSide returns the open position for one exposure
// slot, nil when the slot is free.
func (db *DB) GetOpenPositionBySymbolSide(ctx context.Context, botID int64, symbol string, side string) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE bot_id = $1 AND symbol = $2 AND side = $3 AND status = 'open'`
	p, err := scanPosition(db.Pool.QueryRow(ctx, query, botID, symbol, side))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position %s/%s: %w", symbol, side, err)
	}
	return p, nil
}

// CountOpenPositions returns the bot's current open exposure count.
func (db *DB) CountOpenPositions(ctx context.Context, botID int64) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE bot_id = $1 AND status = 'open'`, botID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return n, nil
}

// UpdatePositionTargets persists a moved take-profit and the trailing clock.
func (db *DB) UpdatePositionTargets(ctx context.Context, id int64, tpPrice float64, minutesElapsed int) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE positions SET tp_price = $2, minutes_elapsed = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`,
		id, tpPrice, minutesElapsed)
	if err != nil {
		return fmt.Errorf("failed to update position %d targets: %w", id, err)
	}
	return nil
}

// UpdatePositionExitOrders records newly attached protective order ids. Nil
// pointers clear the corresponding column.
func (db *DB) UpdatePositionExitOrders(ctx context.Context, id int64, tpOrderID, slOrderID *int64, softwareSL bool) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE positions SET tp_order_id = $2, sl_order_id = $3, software_sl = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`,
		id, tpOrderID, slOrderID, softwareSL)
	if err != nil {
		return fmt.Errorf("failed to update position %d exit orders: %w", id, err)
	}
	return nil
}

// UpdatePositionSL persists a changed stop level.
func (db *DB) UpdatePositionSL(ctx context.Context, id int64, slPrice *float64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE positions SET sl_price = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`,
		id, slPrice)
	if err != nil {
		return fmt.Errorf("failed to update position %d stop: %w", id, err)
	}
	return nil
}

// ClosePosition finalizes a position exactly once. The WHERE status='open'
// guard makes a second close attempt a no-op, reported via the bool.
func (db *DB) ClosePosition(ctx context.Context, id int64, closePrice, realizedPnL float64, reason CloseReason, closedAt time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE positions
		SET status = 'closed', close_price = $2, realized_pnl = $3, close_reason = $4,
			closed_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`,
		id, closePrice, realizedPnL, reason, closedAt)
	if err != nil {
		return false, fmt.Errorf("failed to close position %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
