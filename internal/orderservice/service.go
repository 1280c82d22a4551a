// Package orderservice converts entry intents into venue orders and book
// rows.
package orderservice

import (
	"context"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/orders"
	"oc-futures-bot/internal/scanner"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/venue"
)

// Venue rejection codes meaning the limit price is already inside the
// market. These intents can still be taken at market when the strategy opts
// in via allow_market_fallback.
var priceTooCloseCodes = map[int]bool{
	-2021: true, // order would immediately trigger
	-4016: true, // limit price can't be higher than threshold
	-5021: true, // due to the order could not be filled immediately
}

const (
	submitAttempts = 3
	submitBackoff  = 500 * time.Millisecond
)

// Book is the persistence surface the service writes through.
type Book interface {
	CreateEntryOrder(ctx context.Context, o *store.EntryOrder) error
	GetOpenPositionBySymbolSide(ctx context.Context, botID int64, symbol, side string) (*store.Position, error)
	GetOpenEntryOrderBySymbolSide(ctx context.Context, botID int64, symbol, side string) (*store.EntryOrder, error)
}

// FillHandler resolves an entry order that the venue reports filled. The
// entry confirmation monitor implements it.
type FillHandler interface {
	OnEntryFilled(ctx context.Context, order *store.EntryOrder, avgPrice, filledQty float64) error
}

// AdapterFunc resolves the venue adapter for a bot.
type AdapterFunc func(botID int64) (venue.Adapter, bool)

// BotFunc resolves bot configuration.
type BotFunc func(botID int64) (*store.Bot, bool)

// Service places entry orders. All mutation for one (bot, symbol, side)
// slot happens under a keyed mutex, so dedup check and submission are
// atomic with respect to competing signals.
type Service struct {
	book    Book
	adapter AdapterFunc
	bot     BotFunc
	fills   FillHandler
	pending *store.PendingTracker
	locks   *keyedMutex
	log     *logging.Logger
}

// New creates the service. pending may be nil when Redis is not configured.
func New(book Book, adapter AdapterFunc, bot BotFunc, fills FillHandler, pending *store.PendingTracker, log *logging.Logger) *Service {
	return &Service{
		book:    book,
		adapter: adapter,
		bot:     bot,
		fills:   fills,
		pending: pending,
		locks:   newKeyedMutex(),
		log:     log.WithComponent("order-service"),
	}
}

// Place executes one entry intent end to end: sizing, leverage setup,
// submission, book row. Implements scanner.Sink.
func (s *Service) Place(ctx context.Context, intent scanner.EntryIntent) error {
	key := slotKey(intent.BotID, intent.Symbol, intent.Side)
	m := s.locks.lock(key)
	defer m.Unlock()

	log := s.log.WithField("bot_id", intent.BotID).
		WithField("symbol", intent.Symbol).
		WithField("side", string(intent.Side))

	// The scanner checked before queueing; re-check under the lock.
	if pos, err := s.book.GetOpenPositionBySymbolSide(ctx, intent.BotID, intent.Symbol, string(intent.Side)); err != nil {
		return err
	} else if pos != nil {
		log.Debug("slot already holds a position, intent dropped")
		return nil
	}
	if o, err := s.book.GetOpenEntryOrderBySymbolSide(ctx, intent.BotID, intent.Symbol, string(intent.Side)); err != nil {
		return err
	} else if o != nil {
		log.Debug("slot already holds a pending entry, intent dropped")
		return nil
	}

	adapter, ok := s.adapter(intent.BotID)
	if !ok {
		return venue.NewError(venue.KindNotFound, "no adapter for bot %d", intent.BotID)
	}
	bot, ok := s.bot(intent.BotID)
	if !ok {
		return venue.NewError(venue.KindNotFound, "unknown bot %d", intent.BotID)
	}

	meta, err := adapter.SymbolMeta(ctx, intent.Symbol)
	if err != nil {
		return err
	}
	qty, err := venue.ValidateSize(intent.Amount/intent.EntryPrice, intent.EntryPrice, meta)
	if err != nil {
		log.Warn("intent rejected by sizing", "amount", intent.Amount, "entry", intent.EntryPrice, "error", err)
		return nil // sizing failures drop the intent, no retry
	}

	if err := adapter.SetLeverage(ctx, intent.Symbol, bot.Leverage); err != nil {
		log.Warn("leverage setup failed, continuing with venue default", "error", err)
	}

	token := orders.NewToken(orders.RoleEntry, intent.BotID)
	req := venue.OrderRequest{
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Type:        intent.OrderType,
		Quantity:    qty,
		ClientToken: token,
	}
	if intent.OrderType == venue.Limit {
		req.Price = venue.FloorToTick(intent.EntryPrice, meta.TickSize)
	}

	orderID, effectiveType, err := s.submit(ctx, adapter, req, intent.Strategy.AllowMarketFallback, log)
	if err != nil {
		return err
	}

	entry := &store.EntryOrder{
		StrategyID:   intent.Strategy.ID,
		BotID:        intent.BotID,
		VenueOrderID: orderID,
		ClientToken:  token,
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		Amount:       intent.Amount,
		Quantity:     qty,
		EntryPrice:   intent.EntryPrice,
		Status:       store.EntryOpen,
	}
	if err := s.book.CreateEntryOrder(ctx, entry); err != nil {
		// The venue holds an order the book does not know; reconciliation
		// will pick it up, but flag it loudly.
		log.Error("entry order placed but not recorded", "venue_order_id", orderID, "error", err)
		return err
	}
	log.Info("entry order placed",
		"venue_order_id", orderID, "qty", qty, "type", string(effectiveType))

	switch effectiveType {
	case venue.Market:
		// Market entries resolve on the ack when it carries a fill price.
		status, err := adapter.OrderStatus(ctx, intent.Symbol, orderID)
		if err == nil && status.State == venue.OrderFilled && status.AvgFillPrice > 0 {
			if err := s.fills.OnEntryFilled(ctx, entry, status.AvgFillPrice, status.FilledQty); err != nil {
				log.Error("immediate fill resolution failed, monitor will retry", "error", err)
			}
		}
	case venue.Limit:
		if s.pending != nil {
			if err := s.pending.Track(ctx, store.PendingEntry{
				EntryOrderID: entry.ID,
				BotID:        intent.BotID,
				VenueOrderID: orderID,
				Symbol:       intent.Symbol,
				Side:         string(intent.Side),
				Price:        req.Price,
				Quantity:     qty,
			}); err != nil {
				log.Warn("pending tracker unavailable", "error", err)
			}
		}
	}
	return nil
}

// submit sends the order, retrying transient failures with backoff and
// downgrading a too-close LIMIT to MARKET when the strategy permits.
func (s *Service) submit(ctx context.Context, adapter venue.Adapter, req venue.OrderRequest, allowMarket bool, log *logging.Logger) (int64, venue.OrderType, error) {
	var lastErr error
	for attempt := 0; attempt < submitAttempts; attempt++ {
		orderID, err := adapter.SubmitOrder(ctx, req)
		if err == nil {
			return orderID, req.Type, nil
		}
		lastErr = err

		switch venue.KindOf(err) {
		case venue.KindInvalidSize, venue.KindInvalidPrice:
			log.Warn("order invalid, intent dropped", "error", err)
			return 0, req.Type, err
		case venue.KindRateLimited, venue.KindTimeout, venue.KindTransport:
			backoff := submitBackoff << uint(attempt)
			log.Warn("transient submit failure, backing off",
				"attempt", attempt+1, "backoff", backoff.String(), "error", err)
			select {
			case <-ctx.Done():
				return 0, req.Type, venue.WrapError(venue.KindTimeout, ctx.Err())
			case <-time.After(backoff):
			}
			continue
		case venue.KindVenueRejected:
			if req.Type == venue.Limit && priceTooCloseCodes[venue.RejectionCode(err)] && allowMarket {
				log.Info("limit price too close to market, retrying as market order")
				req.Type = venue.Market
				req.Price = 0
				continue
			}
			return 0, req.Type, err
		default:
			return 0, req.Type, err
		}
	}
	log.Error("order submission abandoned", "attempts", submitAttempts, "error", lastErr)
	return 0, req.Type, lastErr
}
