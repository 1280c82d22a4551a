// Package reconcile realigns the book with venue truth. The venue is the
// source of truth for what exposure exists; the book is the source of truth
// for why it exists.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"oc-futures-bot/internal/entrymon"
	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/orders"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/venue"
)

// Quantity drift below this fraction of book quantity is rounding noise.
const driftTolerance = 0.001

// Book is the persistence surface the reconciler reads and repairs.
type Book interface {
	GetOpenPositions(ctx context.Context, botID int64) ([]store.Position, error)
	GetOpenEntryOrders(ctx context.Context, botID int64) ([]store.EntryOrder, error)
	GetOpenEntryOrderBySymbolSide(ctx context.Context, botID int64, symbol, side string) (*store.EntryOrder, error)
	ListStrategiesByBotSymbol(ctx context.Context, botID int64, symbol string) ([]store.Strategy, error)
	CreatePosition(ctx context.Context, p *store.Position) error
	ClosePosition(ctx context.Context, id int64, closePrice, realizedPnL float64, reason store.CloseReason, closedAt time.Time) (bool, error)
	UpdatePositionExitOrders(ctx context.Context, id int64, tpOrderID, slOrderID *int64, softwareSL bool) error
}

// EntryResolver turns a filled entry order into a position. The entry
// confirmation monitor implements it.
type EntryResolver interface {
	OnEntryFilled(ctx context.Context, order *store.EntryOrder, avgPrice, filledQty float64) error
}

// AdapterFunc resolves the venue adapter for a bot.
type AdapterFunc func(botID int64) (venue.Adapter, bool)

// BotsFunc lists the bots to reconcile.
type BotsFunc func() []store.Bot

// Report is the outcome of one reconciliation pass. In dry-run mode the
// counters reflect what would be repaired.
type Report struct {
	mu sync.Mutex

	BookOnlyClosed  int // book positions absent on the venue, closed
	VenueAdopted    int // venue exposures adopted into the book
	VenueSkipped    int // venue exposures with no strategy to attribute
	QuantityDrift   int // positions whose book and venue quantities diverge
	StaleExitsFixed int // exit order ids pointing at dead venue orders
	OrphansCanceled int // engine reduce-only orders with no position
	Errors          int
}

// Mismatches is the total count of divergences found, used for CLI exit
// codes.
func (r *Report) Mismatches() int {
	return r.BookOnlyClosed + r.VenueAdopted + r.VenueSkipped +
		r.QuantityDrift + r.StaleExitsFixed + r.OrphansCanceled
}

func (r *Report) add(f func(*Report)) {
	r.mu.Lock()
	f(r)
	r.mu.Unlock()
}

// Reconciler performs the three-way diff between book positions, book entry
// orders, and venue exposures, per bot.
type Reconciler struct {
	book    Book
	adapter AdapterFunc
	bots    BotsFunc
	entries EntryResolver
	log     *logging.Logger
}

// New creates the reconciler.
func New(book Book, adapter AdapterFunc, bots BotsFunc, entries EntryResolver, log *logging.Logger) *Reconciler {
	return &Reconciler{
		book:    book,
		adapter: adapter,
		bots:    bots,
		entries: entries,
		log:     log.WithComponent("reconciler"),
	}
}

// Run reconciles every bot concurrently. With apply=false nothing is
// mutated; divergences are only counted and logged.
func (r *Reconciler) Run(ctx context.Context, apply bool) (*Report, error) {
	report := &Report{}
	g, gctx := errgroup.WithContext(ctx)

	for _, bot := range r.bots() {
		bot := bot
		g.Go(func() error {
			if err := r.reconcileBot(gctx, &bot, apply, report); err != nil {
				r.log.Error("bot reconciliation failed", "bot_id", bot.ID, "error", err)
				report.add(func(rep *Report) { rep.Errors++ })
			}
			return nil // one bot's failure must not abort the others
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func slotKey(symbol string, side venue.Side) string {
	return symbol + "|" + string(side)
}

func (r *Reconciler) reconcileBot(ctx context.Context, bot *store.Bot, apply bool, report *Report) error {
	adapter, ok := r.adapter(bot.ID)
	if !ok {
		return fmt.Errorf("no adapter for bot %d", bot.ID)
	}
	log := r.log.WithField("bot_id", bot.ID)

	venuePositions, err := adapter.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list venue positions: %w", err)
	}
	onVenue := make(map[string]venue.PositionInfo, len(venuePositions))
	for _, vp := range venuePositions {
		onVenue[slotKey(vp.Symbol, vp.Side)] = vp
	}

	bookPositions, err := r.book.GetOpenPositions(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("failed to list book positions: %w", err)
	}
	inBook := make(map[string]*store.Position, len(bookPositions))
	symbols := make(map[string]bool)
	for i := range bookPositions {
		p := &bookPositions[i]
		inBook[slotKey(p.Symbol, p.Side)] = p
		symbols[p.Symbol] = true
	}
	for _, vp := range venuePositions {
		symbols[vp.Symbol] = true
	}

	// Open venue orders per symbol, for stale exit ids and orphan cleanup.
	openOrders := make(map[string][]venue.OpenOrder, len(symbols))
	for symbol := range symbols {
		oo, err := adapter.OpenOrders(ctx, symbol)
		if err != nil {
			log.Warn("failed to list open orders", "symbol", symbol, "error", err)
			continue
		}
		openOrders[symbol] = oo
	}

	for i := range bookPositions {
		p := &bookPositions[i]
		key := slotKey(p.Symbol, p.Side)
		vp, held := onVenue[key]
		if !held {
			r.closeBookOnly(ctx, adapter, p, apply, report, log)
			continue
		}
		if math.Abs(vp.Quantity-p.Quantity) > driftTolerance*p.Quantity {
			log.Warn("quantity drift between book and venue",
				"symbol", p.Symbol, "side", string(p.Side),
				"book_qty", p.Quantity, "venue_qty", vp.Quantity)
			report.add(func(rep *Report) { rep.QuantityDrift++ })
		}
		r.fixStaleExits(ctx, p, openOrders[p.Symbol], apply, report, log)
	}

	for key, vp := range onVenue {
		if _, known := inBook[key]; known {
			continue
		}
		r.adoptVenueOnly(ctx, bot, vp, apply, report, log)
	}

	r.cancelOrphans(ctx, adapter, bot.ID, inBook, openOrders, apply, report, log)
	return nil
}

// closeBookOnly finalizes a book position the venue no longer holds. The
// exposure is gone; the best available close price is the current market.
func (r *Reconciler) closeBookOnly(ctx context.Context, adapter venue.Adapter, p *store.Position, apply bool, report *Report, log *logging.Logger) {
	log.Warn("book position not held on venue",
		"position_id", p.ID, "symbol", p.Symbol, "side", string(p.Side))
	report.add(func(rep *Report) { rep.BookOnlyClosed++ })
	if !apply {
		return
	}

	closePrice, err := adapter.Price(ctx, p.Symbol)
	if err != nil || closePrice <= 0 {
		closePrice = p.EntryPrice
	}
	closed, err := r.book.ClosePosition(ctx, p.ID, closePrice, p.PnLAt(closePrice), store.CloseSyncNotOnVenue, time.Now().UTC())
	if err != nil {
		log.Error("failed to close desynced position", "position_id", p.ID, "error", err)
		report.add(func(rep *Report) { rep.Errors++ })
		return
	}
	if closed {
		log.Info("closed position missing from venue", "position_id", p.ID, "close_price", closePrice)
	}
}

// adoptVenueOnly brings an untracked venue exposure into the book. A filled
// entry order the stream missed is the common cause; failing that, the
// exposure is attributed to the first strategy configured for its slot.
func (r *Reconciler) adoptVenueOnly(ctx context.Context, bot *store.Bot, vp venue.PositionInfo, apply bool, report *Report, log *logging.Logger) {
	order, err := r.book.GetOpenEntryOrderBySymbolSide(ctx, bot.ID, vp.Symbol, string(vp.Side))
	if err != nil {
		log.Error("failed to look up entry order for venue exposure", "symbol", vp.Symbol, "error", err)
		report.add(func(rep *Report) { rep.Errors++ })
		return
	}
	if order != nil {
		log.Warn("venue exposure matches an unresolved entry order",
			"symbol", vp.Symbol, "side", string(vp.Side), "entry_order_id", order.ID)
		report.add(func(rep *Report) { rep.VenueAdopted++ })
		if apply {
			if err := r.entries.OnEntryFilled(ctx, order, vp.EntryPrice, vp.Quantity); err != nil {
				log.Error("failed to resolve missed fill", "entry_order_id", order.ID, "error", err)
				report.add(func(rep *Report) { rep.Errors++ })
			}
		}
		return
	}

	strategies, err := r.book.ListStrategiesByBotSymbol(ctx, bot.ID, vp.Symbol)
	if err != nil {
		log.Error("failed to list strategies for venue exposure", "symbol", vp.Symbol, "error", err)
		report.add(func(rep *Report) { rep.Errors++ })
		return
	}
	var strategy *store.Strategy
	for i := range strategies {
		if strategies[i].Enabled && strategies[i].SidePolicy.Allows(vp.Side) {
			strategy = &strategies[i]
			break
		}
	}
	if strategy == nil {
		log.Warn("venue exposure has no strategy to attribute, leaving untracked",
			"symbol", vp.Symbol, "side", string(vp.Side), "qty", vp.Quantity)
		report.add(func(rep *Report) { rep.VenueSkipped++ })
		return
	}

	report.add(func(rep *Report) { rep.VenueAdopted++ })
	if !apply {
		return
	}
	tp, sl := entrymon.ExitTargets(vp.Side, vp.EntryPrice, strategy.TPPercent, strategy.SLPercent)
	pos := &store.Position{
		StrategyID:     strategy.ID,
		BotID:          bot.ID,
		OrderRef:       fmt.Sprintf("sync_%d", time.Now().Unix()),
		Symbol:         vp.Symbol,
		Side:           vp.Side,
		EntryPrice:     vp.EntryPrice,
		Amount:         vp.EntryPrice * vp.Quantity,
		Quantity:       vp.Quantity,
		TPPrice:        tp,
		InitialTPPrice: tp,
		SLPrice:        sl,
		OpenedAt:       time.Now().UTC(),
		Status:         store.PositionOpen,
	}
	if err := r.book.CreatePosition(ctx, pos); err != nil {
		log.Error("failed to adopt venue exposure", "symbol", vp.Symbol, "error", err)
		report.add(func(rep *Report) { rep.Errors++ })
		return
	}
	log.Info("adopted venue exposure into book",
		"position_id", pos.ID, "symbol", vp.Symbol, "side", string(vp.Side),
		"entry", vp.EntryPrice, "qty", vp.Quantity)
}

// fixStaleExits clears TP/SL order ids that no longer point at a live venue
// order, so the position monitor re-attaches protection.
func (r *Reconciler) fixStaleExits(ctx context.Context, p *store.Position, open []venue.OpenOrder, apply bool, report *Report, log *logging.Logger) {
	live := make(map[int64]bool, len(open))
	for _, o := range open {
		live[o.OrderID] = true
	}

	tp, sl := p.TPOrderID, p.SLOrderID
	stale := false
	if tp != nil && !live[*tp] {
		log.Warn("take-profit order id is stale", "position_id", p.ID, "tp_order_id", *tp)
		tp, stale = nil, true
	}
	if sl != nil && !live[*sl] {
		log.Warn("stop-loss order id is stale", "position_id", p.ID, "sl_order_id", *sl)
		sl, stale = nil, true
	}
	if !stale {
		return
	}
	report.add(func(rep *Report) { rep.StaleExitsFixed++ })
	if !apply {
		return
	}
	if err := r.book.UpdatePositionExitOrders(ctx, p.ID, tp, sl, p.SoftwareSL); err != nil {
		log.Error("failed to clear stale exit ids", "position_id", p.ID, "error", err)
		report.add(func(rep *Report) { rep.Errors++ })
	}
}

// cancelOrphans removes engine-placed reduce-only orders whose position no
// longer exists in the book. Foreign orders (no engine token) are left
// alone.
func (r *Reconciler) cancelOrphans(ctx context.Context, adapter venue.Adapter, botID int64, inBook map[string]*store.Position, openOrders map[string][]venue.OpenOrder, apply bool, report *Report, log *logging.Logger) {
	attached := make(map[int64]bool)
	for _, p := range inBook {
		if p.TPOrderID != nil {
			attached[*p.TPOrderID] = true
		}
		if p.SLOrderID != nil {
			attached[*p.SLOrderID] = true
		}
	}

	for symbol, oo := range openOrders {
		for _, o := range oo {
			if !o.ReduceOnly || attached[o.OrderID] || !orders.IsEngineToken(o.ClientToken) {
				continue
			}
			if protectsBookPosition(o, inBook) {
				continue
			}
			log.Warn("orphan exit order on venue",
				"symbol", symbol, "order_id", o.OrderID, "client_token", o.ClientToken)
			report.add(func(rep *Report) { rep.OrphansCanceled++ })
			if !apply {
				continue
			}
			if err := adapter.CancelOrder(ctx, symbol, o.OrderID); err != nil {
				log.Error("failed to cancel orphan order", "order_id", o.OrderID, "error", err)
				report.add(func(rep *Report) { rep.Errors++ })
			}
		}
	}
}

// protectsBookPosition reports whether a reduce-only order plausibly
// protects an open book position on its symbol. Unattached but plausible
// orders are left for fixStaleExits to sort out rather than canceled.
func protectsBookPosition(o venue.OpenOrder, inBook map[string]*store.Position) bool {
	for _, p := range inBook {
		if p.Symbol == o.Symbol {
			return true
		}
	}
	return false
}
