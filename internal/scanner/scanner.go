// Package scanner turns closed candles into entry intents.
package scanner

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/tickbus"
	"oc-futures-bot/internal/venue"
)

// EntryIntent is one actionable signal handed to the order service.
type EntryIntent struct {
	Strategy   store.Strategy
	BotID      int64
	Symbol     string
	Side       venue.Side
	OrderType  venue.OrderType
	EntryPrice float64
	Amount     float64 // notional, quote currency
	OCPercent  float64
	CandleOpen time.Time
}

// CalcOC returns the open-to-close move in percent of the open.
func CalcOC(open, close float64) float64 {
	if open == 0 {
		return 0
	}
	return (close - open) / open * 100
}

// Bullish reports candle direction; a doji counts as bullish.
func Bullish(open, close float64) bool { return close >= open }

// SignalSide maps candle direction through the strategy mode.
func SignalSide(mode store.StrategyMode, bullish bool) venue.Side {
	side := venue.Long
	if !bullish {
		side = venue.Short
	}
	if mode == store.CounterTrend {
		side = side.Opposite()
	}
	return side
}

// EntryPrice computes the target entry and order type. Trend-following takes
// the market; counter-trend rests a LIMIT into the expected pullback:
// delta = |current - open|, entry = current -/+ (extend/100)*delta.
func EntryPrice(mode store.StrategyMode, side venue.Side, current, candleOpen, extendPct float64) (float64, venue.OrderType) {
	if mode == store.TrendFollowing {
		return current, venue.Market
	}
	delta := math.Abs(current - candleOpen)
	offset := extendPct / 100 * delta
	if side == venue.Long {
		return current - offset, venue.Limit
	}
	return current + offset, venue.Limit
}

// ExtendSatisfied guards counter-trend entries already taken by further
// movement: a long entry must still sit at or below the market, a short
// entry at or above it.
func ExtendSatisfied(side venue.Side, current, entry float64) bool {
	if side == venue.Long {
		return current >= entry
	}
	return current <= entry
}

// Book is the subset of the store the scanner needs for deduplication.
type Book interface {
	GetOpenPositionBySymbolSide(ctx context.Context, botID int64, symbol, side string) (*store.Position, error)
	GetOpenEntryOrderBySymbolSide(ctx context.Context, botID int64, symbol, side string) (*store.EntryOrder, error)
	CountOpenPositions(ctx context.Context, botID int64) (int, error)
	CountOpenEntryOrders(ctx context.Context, botID int64) (int, error)
}

// PriceFunc returns the current price for a symbol on a bot's venue.
type PriceFunc func(ctx context.Context, botID int64, symbol string) (float64, error)

// Sink receives surviving intents.
type Sink interface {
	Place(ctx context.Context, intent EntryIntent) error
}

// Scanner evaluates strategies against closed candles. Strategies are held
// as a snapshot swapped on reload.
type Scanner struct {
	book  Book
	price PriceFunc
	sink  Sink
	log   *logging.Logger

	mu         sync.RWMutex
	strategies []store.Strategy
	maxTrades  map[int64]int // botID -> max_concurrent_trades
}

// New creates a scanner.
func New(book Book, price PriceFunc, sink Sink, log *logging.Logger) *Scanner {
	return &Scanner{
		book:      book,
		price:     price,
		sink:      sink,
		log:       log.WithComponent("scanner"),
		maxTrades: make(map[int64]int),
	}
}

// Reload swaps the strategy snapshot and the per-bot concurrency caps.
func (s *Scanner) Reload(strategies []store.Strategy, bots []store.Bot) {
	caps := make(map[int64]int, len(bots))
	for _, b := range bots {
		caps[b.ID] = b.MaxConcurrentTrades
	}
	s.mu.Lock()
	s.strategies = strategies
	s.maxTrades = caps
	s.mu.Unlock()
	s.log.Info("strategy snapshot reloaded", "strategies", len(strategies), "bots", len(bots))
}

// OnCandleClosed evaluates every matching strategy against one closed
// candle, in ascending strategy id order so concurrent triggers resolve
// deterministically.
func (s *Scanner) OnCandleClosed(ctx context.Context, c tickbus.Candle) {
	s.mu.RLock()
	var matched []store.Strategy
	for _, st := range s.strategies {
		if st.Enabled && venue.NormalizeSymbol(st.Symbol) == c.Symbol && st.Interval == c.Interval {
			matched = append(matched, st)
		}
	}
	s.mu.RUnlock()
	if len(matched) == 0 {
		return
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	oc := CalcOC(c.Open, c.Close)
	for _, st := range matched {
		s.evaluate(ctx, st, c, oc)
	}
}

func (s *Scanner) evaluate(ctx context.Context, st store.Strategy, c tickbus.Candle, oc float64) {
	if math.Abs(oc) < st.OCPercent {
		return
	}

	side := SignalSide(st.Mode, Bullish(c.Open, c.Close))
	if !st.SidePolicy.Allows(side) {
		return
	}

	log := s.log.WithField("strategy_id", st.ID).WithField("symbol", c.Symbol)

	current, err := s.price(ctx, st.BotID, c.Symbol)
	if err != nil {
		log.Error("price unavailable, signal dropped", "error", err)
		return
	}

	entry, orderType := EntryPrice(st.Mode, side, current, c.Open, st.ExtendPercent)
	if st.Mode == store.CounterTrend && !ExtendSatisfied(side, current, entry) {
		log.Debug("extend condition failed, signal dropped",
			"side", string(side), "current", current, "entry", entry)
		return
	}
	if entry <= 0 {
		log.Warn("non-positive entry price, signal dropped", "entry", entry)
		return
	}

	// Deduplicate against the open book just before emitting; each candidate
	// re-checks so earlier emissions in the same candle are seen.
	if blocked, reason := s.dedupe(ctx, st, c.Symbol, side); blocked {
		log.Debug("signal dropped", "reason", reason, "side", string(side))
		return
	}

	intent := EntryIntent{
		Strategy:   st,
		BotID:      st.BotID,
		Symbol:     c.Symbol,
		Side:       side,
		OrderType:  orderType,
		EntryPrice: entry,
		Amount:     st.Amount,
		OCPercent:  oc,
		CandleOpen: c.OpenTime,
	}
	log.Info("entry signal",
		"side", string(side), "oc_pct", oc, "entry", entry, "order_type", string(orderType))

	if err := s.sink.Place(ctx, intent); err != nil {
		log.Error("order service rejected intent", "error", err)
	}
}

func (s *Scanner) dedupe(ctx context.Context, st store.Strategy, symbol string, side venue.Side) (bool, string) {
	pos, err := s.book.GetOpenPositionBySymbolSide(ctx, st.BotID, symbol, string(side))
	if err != nil {
		return true, "book read failed: " + err.Error()
	}
	if pos != nil {
		return true, "open position exists"
	}

	order, err := s.book.GetOpenEntryOrderBySymbolSide(ctx, st.BotID, symbol, string(side))
	if err != nil {
		return true, "book read failed: " + err.Error()
	}
	if order != nil {
		return true, "open entry order exists"
	}

	s.mu.RLock()
	maxTrades := s.maxTrades[st.BotID]
	s.mu.RUnlock()
	if maxTrades > 0 {
		open, err := s.book.CountOpenPositions(ctx, st.BotID)
		if err != nil {
			return true, "book read failed: " + err.Error()
		}
		pending, err := s.book.CountOpenEntryOrders(ctx, st.BotID)
		if err != nil {
			return true, "book read failed: " + err.Error()
		}
		if open+pending >= maxTrades {
			return true, "concurrency cap reached"
		}
	}
	return false, ""
}
