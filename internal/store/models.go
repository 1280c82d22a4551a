package store

import (
	"encoding/json"
	"time"

	"oc-futures-bot/internal/venue"
)

// Bot binds one venue account to the engine. One venue adapter is
// instantiated per active bot on startup and on enable.
type Bot struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	Venue               string          `json:"venue"` // e.g. "binance_futures"
	APIKey              string          `json:"-"`
	SecretKey           string          `json:"-"`
	Proxy               *string         `json:"proxy,omitempty"`
	MaxConcurrentTrades int             `json:"max_concurrent_trades"`
	NotifyChatID        *string         `json:"notify_chat_id,omitempty"`
	Active              bool            `json:"active"`
	Testnet             bool            `json:"testnet"`
	Leverage            int             `json:"leverage"`
	Filter              json.RawMessage `json:"filter,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// SidePolicy restricts which sides a strategy may open.
type SidePolicy string

const (
	LongOnly  SidePolicy = "long_only"
	ShortOnly SidePolicy = "short_only"
	BothSides SidePolicy = "both"
)

// Allows reports whether the policy permits the given side.
func (p SidePolicy) Allows(side venue.Side) bool {
	switch p {
	case LongOnly:
		return side == venue.Long
	case ShortOnly:
		return side == venue.Short
	default:
		return true
	}
}

// StrategyMode selects whether entries follow or oppose the candle impulse.
type StrategyMode string

const (
	TrendFollowing StrategyMode = "trend_following"
	CounterTrend   StrategyMode = "counter_trend"
)

// Strategy is a (bot, symbol, interval) signal rule.
type Strategy struct {
	ID                  int64        `json:"id"`
	BotID               int64        `json:"bot_id"`
	Symbol              string       `json:"symbol"`
	Interval            string       `json:"interval"`
	SidePolicy          SidePolicy   `json:"side_policy"`
	Mode                StrategyMode `json:"mode"`
	OCPercent           float64      `json:"oc_percent"`     // trigger threshold, percent
	ExtendPercent       float64      `json:"extend_percent"` // counter-trend pullback fraction
	Amount              float64      `json:"amount"`         // notional in quote currency
	TPPercent           float64      `json:"tp_percent"`
	SLPercent           *float64     `json:"sl_percent,omitempty"`
	Reduce              float64      `json:"reduce"`                // trail percent/minute, short side
	UpReduce            float64      `json:"up_reduce"`             // trail percent/minute, long side
	AllowMarketFallback bool         `json:"allow_market_fallback"` // too-close LIMIT entry may retry as MARKET
	Enabled             bool         `json:"enabled"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// TrailPercent returns the per-minute trailing percentage for a side.
func (s *Strategy) TrailPercent(side venue.Side) float64 {
	if side == venue.Long {
		return s.UpReduce
	}
	return s.Reduce
}

// Candle is one OHLCV bar, appended by the ingestor and read-only to the
// engine.
type Candle struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// EntryOrderStatus is the lifecycle state of a venue-submitted entry.
// Terminal statuses are immutable.
type EntryOrderStatus string

const (
	EntryOpen     EntryOrderStatus = "open"
	EntryFilled   EntryOrderStatus = "filled"
	EntryCanceled EntryOrderStatus = "canceled"
	EntryExpired  EntryOrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s EntryOrderStatus) Terminal() bool { return s != EntryOpen }

// EntryOrder is one venue-submitted entry attempt.
type EntryOrder struct {
	ID               int64            `json:"id"`
	StrategyID       int64            `json:"strategy_id"`
	BotID            int64            `json:"bot_id"`
	VenueOrderID     int64            `json:"venue_order_id"`
	ClientToken      string           `json:"client_token"`
	Symbol           string           `json:"symbol"`
	Side             venue.Side       `json:"side"`
	Amount           float64          `json:"amount"` // notional
	Quantity         float64          `json:"quantity"`
	EntryPrice       float64          `json:"entry_price"` // target, not fill
	Status           EntryOrderStatus `json:"status"`
	ReservationToken *string          `json:"reservation_token,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
}

// PositionStatus forms the DAG open -> closed; no other edges occur.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// CloseReason is the canonical set of position close reasons.
type CloseReason string

const (
	CloseTPHit            CloseReason = "tp_hit"
	CloseSLHit            CloseReason = "sl_hit"
	CloseManualTest       CloseReason = "manual_test"
	CloseForcedFromAPI    CloseReason = "force_close_from_api"
	CloseGhostCleanup     CloseReason = "ghost_cleanup_script"
	CloseSyncExchange     CloseReason = "sync_exchange_closed"
	CloseSyncNotOnVenue   CloseReason = "sync_not_on_exchange"
	CloseSyncInvalidClose CloseReason = "sync_invalid_close"
)

// Position is one confirmed open exposure.
type Position struct {
	ID             int64          `json:"id"`
	StrategyID     int64          `json:"strategy_id"`
	BotID          int64          `json:"bot_id"`
	EntryOrderID   *int64         `json:"entry_order_id,omitempty"`
	OrderRef       string         `json:"order_ref"` // venue order id, or sync_<ts> when reconstructed
	Symbol         string         `json:"symbol"`
	Side           venue.Side     `json:"side"`
	EntryPrice     float64        `json:"entry_price"` // actual fill
	Amount         float64        `json:"amount"`      // notional
	Quantity       float64        `json:"quantity"`
	TPPrice        float64        `json:"tp_price"`
	InitialTPPrice float64        `json:"initial_tp_price"`
	SLPrice        *float64       `json:"sl_price,omitempty"`
	TPOrderID      *int64         `json:"tp_order_id,omitempty"`
	SLOrderID      *int64         `json:"sl_order_id,omitempty"`
	SoftwareSL     bool           `json:"software_sl"`
	MinutesElapsed int            `json:"minutes_elapsed"`
	OpenedAt       time.Time      `json:"opened_at"`
	Status         PositionStatus `json:"status"`
	ClosePrice     *float64       `json:"close_price,omitempty"`
	RealizedPnL    *float64       `json:"realized_pnl,omitempty"`
	CloseReason    *CloseReason   `json:"close_reason,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PnLAt computes realized P&L for a close at the given price.
func (p *Position) PnLAt(closePrice float64) float64 {
	return (closePrice - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// HasBothExits reports whether both protective exit ids are attached.
// Software-SL positions count the in-process stop as attached.
func (p *Position) HasBothExits() bool {
	return p.TPOrderID != nil && (p.SLOrderID != nil || p.SoftwareSL || p.SLPrice == nil)
}

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
