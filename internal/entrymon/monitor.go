// Package entrymon resolves pending entry orders into positions.
package entrymon

import (
	"context"
	"strconv"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/venue"
)

// Book is the persistence surface the monitor drives.
type Book interface {
	GetStrategy(ctx context.Context, id int64) (*store.Strategy, error)
	GetEntryOrder(ctx context.Context, id int64) (*store.EntryOrder, error)
	GetEntryOrderByVenueID(ctx context.Context, botID, venueOrderID int64) (*store.EntryOrder, error)
	GetOpenEntryOrders(ctx context.Context, botID int64) ([]store.EntryOrder, error)
	UpdateEntryOrderStatus(ctx context.Context, id int64, status store.EntryOrderStatus) error
	FillEntryOrderAndCreatePosition(ctx context.Context, entryOrderID int64, p *store.Position) error
}

// Notifier reports lifecycle events; implementations are best-effort.
type Notifier interface {
	PositionOpened(botID int64, p *store.Position)
	EntryResolved(botID int64, o *store.EntryOrder, status store.EntryOrderStatus)
}

// AdapterFunc resolves the venue adapter for a bot.
type AdapterFunc func(botID int64) (venue.Adapter, bool)

// BotsFunc lists the bots whose entries the fallback poll covers.
type BotsFunc func() []int64

// Monitor turns filled entries into positions and terminal failures into
// closed book rows. The account stream is the primary signal; a REST poll
// and the Redis pending tracker cover missed events.
type Monitor struct {
	book    Book
	adapter AdapterFunc
	bots    BotsFunc
	notify  Notifier
	pending *store.PendingTracker
	log     *logging.Logger
}

// New creates the monitor and installs the pending-entry expiry callback.
func New(book Book, adapter AdapterFunc, bots BotsFunc, notify Notifier, pending *store.PendingTracker, log *logging.Logger) *Monitor {
	m := &Monitor{
		book:    book,
		adapter: adapter,
		bots:    bots,
		notify:  notify,
		pending: pending,
		log:     log.WithComponent("entry-monitor"),
	}
	if pending != nil {
		pending.SetExpireFunc(m.expirePending)
	}
	return m
}

// ExitTargets computes TP and SL prices for a filled entry.
func ExitTargets(side venue.Side, entry, tpPct float64, slPct *float64) (tp float64, sl *float64) {
	sign := side.Sign()
	tp = entry * (1 + sign*tpPct/100)
	if slPct != nil {
		v := entry * (1 - sign*(*slPct)/100)
		sl = &v
	}
	return tp, sl
}

// OnEntryFilled resolves a filled entry: compute targets, atomically flip
// the entry order and create the position, then notify.
func (m *Monitor) OnEntryFilled(ctx context.Context, order *store.EntryOrder, avgPrice, filledQty float64) error {
	log := m.log.WithField("entry_order_id", order.ID).WithField("symbol", order.Symbol)

	strategy, err := m.book.GetStrategy(ctx, order.StrategyID)
	if err != nil {
		return err
	}

	entry := avgPrice
	if entry <= 0 {
		// Venue omitted the average; the intent price is the best estimate.
		entry = order.EntryPrice
	}
	qty := filledQty
	if qty <= 0 {
		qty = order.Quantity
	}

	tp, sl := ExitTargets(order.Side, entry, strategy.TPPercent, strategy.SLPercent)

	now := time.Now().UTC()
	pos := &store.Position{
		StrategyID:     order.StrategyID,
		BotID:          order.BotID,
		OrderRef:       formatOrderRef(order.VenueOrderID),
		Symbol:         order.Symbol,
		Side:           order.Side,
		EntryPrice:     entry,
		Amount:         order.Amount,
		Quantity:       qty,
		TPPrice:        tp,
		InitialTPPrice: tp,
		SLPrice:        sl,
		OpenedAt:       now,
		Status:         store.PositionOpen,
	}
	if err := m.book.FillEntryOrderAndCreatePosition(ctx, order.ID, pos); err != nil {
		return err
	}
	if m.pending != nil {
		m.pending.Untrack(ctx, order.BotID, order.Symbol, order.VenueOrderID)
	}

	log.Info("position opened",
		"position_id", pos.ID, "side", string(pos.Side),
		"entry", entry, "qty", qty, "tp", tp)
	if m.notify != nil {
		m.notify.PositionOpened(order.BotID, pos)
	}
	return nil
}

// HandleOrderUpdate consumes one account-stream order event for a bot.
// Updates that don't correspond to an open entry order are ignored.
func (m *Monitor) HandleOrderUpdate(ctx context.Context, botID int64, u venue.OrderUpdate) {
	if !u.State.Terminal() {
		return
	}
	order, err := m.book.GetEntryOrderByVenueID(ctx, botID, u.OrderID)
	if err != nil {
		m.log.Error("failed to match stream update", "venue_order_id", u.OrderID, "error", err)
		return
	}
	if order == nil || order.Status.Terminal() {
		return
	}
	m.resolve(ctx, order, u.State, u.AvgFillPrice, u.FilledQty)
}

// Poll is the REST fallback for bots whose stream missed an event. Runs on
// the entry_order_monitor_cron cadence.
func (m *Monitor) Poll(ctx context.Context) {
	for _, botID := range m.bots() {
		orders, err := m.book.GetOpenEntryOrders(ctx, botID)
		if err != nil {
			m.log.Error("failed to list open entry orders", "bot_id", botID, "error", err)
			continue
		}
		if len(orders) == 0 {
			continue
		}
		adapter, ok := m.adapter(botID)
		if !ok {
			continue
		}
		for i := range orders {
			order := &orders[i]
			status, err := adapter.OrderStatus(ctx, order.Symbol, order.VenueOrderID)
			if err != nil {
				if venue.Is(err, venue.KindNotFound) {
					// The venue forgot the order entirely; treat as expired.
					m.resolve(ctx, order, venue.OrderExpired, 0, 0)
				} else {
					m.log.Warn("entry order poll failed",
						"venue_order_id", order.VenueOrderID, "error", err)
				}
				continue
			}
			if status.State.Terminal() {
				m.resolve(ctx, order, status.State, status.AvgFillPrice, status.FilledQty)
			}
		}
	}
}

// resolve applies one terminal venue state to an open entry order.
func (m *Monitor) resolve(ctx context.Context, order *store.EntryOrder, state venue.OrderState, avgPrice, filledQty float64) {
	log := m.log.WithField("entry_order_id", order.ID).WithField("symbol", order.Symbol)

	switch state {
	case venue.OrderFilled:
		if err := m.OnEntryFilled(ctx, order, avgPrice, filledQty); err != nil {
			log.Error("failed to resolve filled entry", "error", err)
		}
		return

	case venue.OrderCanceled, venue.OrderExpired, venue.OrderRejected:
		if filledQty > 0 {
			// Partial fill then cancel: the filled part is a real exposure.
			log.Warn("entry canceled with partial fill, opening position for filled part",
				"filled_qty", filledQty)
			if err := m.OnEntryFilled(ctx, order, avgPrice, filledQty); err != nil {
				log.Error("failed to resolve partial fill", "error", err)
			}
			return
		}
		status := store.EntryCanceled
		if state == venue.OrderExpired {
			status = store.EntryExpired
		}
		if err := m.book.UpdateEntryOrderStatus(ctx, order.ID, status); err != nil {
			log.Error("failed to mark entry order terminal", "error", err)
			return
		}
		if m.pending != nil {
			m.pending.Untrack(ctx, order.BotID, order.Symbol, order.VenueOrderID)
		}
		log.Info("entry order resolved without position", "status", string(status))
		if m.notify != nil {
			m.notify.EntryResolved(order.BotID, order, status)
		}
	}
}

// expirePending cancels a resting entry whose deadline passed. Installed as
// the pending tracker's callback.
func (m *Monitor) expirePending(ctx context.Context, e store.PendingEntry) error {
	adapter, ok := m.adapter(e.BotID)
	if !ok {
		return venue.NewError(venue.KindNotFound, "no adapter for bot %d", e.BotID)
	}
	if err := adapter.CancelOrder(ctx, e.Symbol, e.VenueOrderID); err != nil {
		return err
	}

	// The cancel may have raced a fill; let the authoritative status decide.
	status, err := adapter.OrderStatus(ctx, e.Symbol, e.VenueOrderID)
	order, berr := m.book.GetEntryOrder(ctx, e.EntryOrderID)
	if berr != nil || order == nil || order.Status.Terminal() {
		return berr
	}
	if err == nil && status.State.Terminal() {
		m.resolve(ctx, order, status.State, status.AvgFillPrice, status.FilledQty)
		return nil
	}
	m.resolve(ctx, order, venue.OrderExpired, 0, 0)
	return nil
}

func formatOrderRef(venueOrderID int64) string {
	return strconv.FormatInt(venueOrderID, 10)
}
