package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const candleColumns = `id, symbol, interval, open_time, open, high, low, close, volume, close_time`

func scanCandle(row pgx.Row) (*Candle, error) {
	c := &Candle{}
	err := row.Scan(
		&c.ID, &c.Symbol, &c.Interval, &c.OpenTime,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.CloseTime,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpsertCandle inserts or refreshes the bar keyed by (symbol, interval,
// open_time). In-progress bars are rewritten on every tick batch.
func (db *DB) UpsertCandle(ctx context.Context, c *Candle) error {
	query := `
		INSERT INTO candles (symbol, interval, open_time, open, high, low, close, volume, close_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol, interval, open_time)
		DO UPDATE SET high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume
		RETURNING id`
	err := db.Pool.QueryRow(ctx, query,
		c.Symbol, c.Interval, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.CloseTime,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert candle %s/%s: %w", c.Symbol, c.Interval, err)
	}
	return nil
}

// GetLatestCandle returns the most recent bar for a (symbol, interval), nil
// when none is stored yet.
func (db *DB) GetLatestCandle(ctx context.Context, symbol, interval string) (*Candle, error) {
	query := `SELECT ` + candleColumns + ` FROM candles
		WHERE symbol = $1 AND interval = $2 ORDER BY open_time DESC LIMIT 1`
	c, err := scanCandle(db.Pool.QueryRow(ctx, query, symbol, interval))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest candle %s/%s: %w", symbol, interval, err)
	}
	return c, nil
}

// GetRecentCandles returns the latest n bars, newest first.
func (db *DB) GetRecentCandles(ctx context.Context, symbol, interval string, n int) ([]Candle, error) {
	query := `SELECT ` + candleColumns + ` FROM candles
		WHERE symbol = $1 AND interval = $2 ORDER BY open_time DESC LIMIT $3`
	rows, err := db.Pool.Query(ctx, query, symbol, interval, n)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent candles %s/%s: %w", symbol, interval, err)
	}
	defer rows.Close()

	var candles []Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, *c)
	}
	return candles, rows.Err()
}

// PruneCandles deletes old bars. maxAge drops bars older than the cutoff;
// keepPerSeries caps rows retained per (symbol, interval). Either may be
// zero to skip that mode. Returns rows deleted.
func (db *DB) PruneCandles(ctx context.Context, maxAge time.Duration, keepPerSeries int) (int64, error) {
	var deleted int64

	if maxAge > 0 {
		cutoff := time.Now().UTC().Add(-maxAge)
		tag, err := db.Pool.Exec(ctx, `DELETE FROM candles WHERE open_time < $1`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("failed to prune candles by age: %w", err)
		}
		deleted += tag.RowsAffected()
	}

	if keepPerSeries > 0 {
		tag, err := db.Pool.Exec(ctx, `
			DELETE FROM candles WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY symbol, interval ORDER BY open_time DESC
					) AS rn
					FROM candles
				) ranked
				WHERE ranked.rn > $1
			)`, keepPerSeries)
		if err != nil {
			return deleted, fmt.Errorf("failed to prune candles by count: %w", err)
		}
		deleted += tag.RowsAffected()
	}

	return deleted, nil
}
