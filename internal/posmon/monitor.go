// Package posmon keeps open positions protected and current: it attaches
// take-profit and stop-loss orders, trails the take-profit toward entry,
// detects exit fills, and closes book rows.
package posmon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/orders"
	"oc-futures-bot/internal/settings"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/venue"
)

const (
	tpSLWorkers    = 4
	monitorWorkers = 3
	queueDepth     = 256
)

// Book is the persistence surface the monitor drives.
type Book interface {
	GetStrategy(ctx context.Context, id int64) (*store.Strategy, error)
	GetAllOpenPositions(ctx context.Context) ([]store.Position, error)
	UpdatePositionTargets(ctx context.Context, id int64, tpPrice float64, minutesElapsed int) error
	UpdatePositionExitOrders(ctx context.Context, id int64, tpOrderID, slOrderID *int64, softwareSL bool) error
	ClosePosition(ctx context.Context, id int64, closePrice, realizedPnL float64, reason store.CloseReason, closedAt time.Time) (bool, error)
}

// Notifier reports position lifecycle events; implementations are
// best-effort.
type Notifier interface {
	PositionClosed(botID int64, p *store.Position, reason store.CloseReason, closePrice, pnl float64)
	ProtectionAlert(botID int64, p *store.Position, msg string)
}

// AdapterFunc resolves the venue adapter for a bot.
type AdapterFunc func(botID int64) (venue.Adapter, bool)

// Monitor runs the per-second protection cycle over all open positions.
// Exit attachment and replacement go through the tpSL queue; fill detection,
// software stops and trailing go through the monitor queue. A position
// missing protection past the emergency TTL jumps the line.
type Monitor struct {
	book     Book
	adapter  AdapterFunc
	tracker  *orders.Tracker
	settings func() *settings.Snapshot
	notify   Notifier
	log      *logging.Logger

	tpSLQueue *workQueue
	monQueue  *workQueue
	workers   []*sync.WaitGroup
	running   atomic.Bool
}

// New creates the monitor. Call Start before the first Cycle.
func New(book Book, adapter AdapterFunc, tracker *orders.Tracker, settingsFn func() *settings.Snapshot, notify Notifier, log *logging.Logger) *Monitor {
	log = log.WithComponent("position-monitor")
	return &Monitor{
		book:      book,
		adapter:   adapter,
		tracker:   tracker,
		settings:  settingsFn,
		notify:    notify,
		log:       log,
		tpSLQueue: newWorkQueue("tpsl", queueDepth, log),
		monQueue:  newWorkQueue("monitor", queueDepth, log),
	}
}

// Start launches the worker pools. They drain until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	m.workers = append(m.workers,
		m.tpSLQueue.run(ctx, tpSLWorkers, m.handleExitJob),
		m.monQueue.run(ctx, monitorWorkers, m.handleMonitorJob),
	)
}

// Wait blocks until all workers exit.
func (m *Monitor) Wait() {
	for _, wg := range m.workers {
		wg.Wait()
	}
}

// Cycle scans open positions once and dispatches work. Not reentrant: an
// overlapping call returns immediately.
func (m *Monitor) Cycle(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.log.Warn("previous cycle still dispatching, skipping")
		return
	}
	defer m.running.Store(false)

	snap := m.settings()
	emergencyTTL := time.Duration(snap.Int("emergency_ttl_seconds", 120)) * time.Second
	// Non-emergency attachments are batched per cycle; the remainder waits
	// for the next scan. Emergencies always go through.
	batch := snap.Int("tp_sl_update_batch_size", 10)

	positions, err := m.book.GetAllOpenPositions(ctx)
	if err != nil {
		m.log.Error("failed to list open positions", "error", err)
		return
	}

	now := time.Now().UTC()
	for i := range positions {
		p := positions[i]
		if !p.HasBothExits() {
			emergency := p.Age(now) > emergencyTTL
			if !emergency {
				if batch <= 0 {
					continue
				}
				batch--
			}
			m.tpSLQueue.push(job{pos: p, emergency: emergency})
			continue
		}
		m.monQueue.push(job{pos: p})
	}
}

// --- Layer A: exit attachment ---

func (m *Monitor) handleExitJob(ctx context.Context, j job) {
	snap := m.settings()
	timeout := snap.Millis("venue_call_timeout_ms", 5*time.Second)
	if j.emergency {
		timeout *= 2
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.ensureExits(jctx, &j.pos, j.emergency, snap); err != nil {
		m.log.Error("exit attachment failed",
			"position_id", j.pos.ID, "symbol", j.pos.Symbol, "emergency", j.emergency, "error", err)
	}

	// Pace non-emergency batches so a burst of new positions doesn't slam
	// the venue.
	if !j.emergency {
		select {
		case <-ctx.Done():
		case <-time.After(snap.Millis("tp_sl_update_delay_ms", 200*time.Millisecond)):
		}
	}
}

// ensureExits attaches TP first, then SL, in two phases. The SL phase
// re-verifies the position is still open on the venue and the TP unfilled;
// a fill in the gap would otherwise leave a naked stop that opens a fresh
// exposure when it triggers.
func (m *Monitor) ensureExits(ctx context.Context, p *store.Position, emergency bool, snap *settings.Snapshot) error {
	adapter, ok := m.adapter(p.BotID)
	if !ok {
		return venue.NewError(venue.KindNotFound, "no adapter for bot %d", p.BotID)
	}
	meta, err := adapter.SymbolMeta(ctx, p.Symbol)
	if err != nil {
		return err
	}
	log := m.log.WithField("position_id", p.ID).WithField("symbol", p.Symbol)

	if p.TPOrderID == nil {
		tpID, err := m.placeTP(ctx, adapter, p, meta, snap, log)
		if err != nil {
			return err
		}
		if err := m.book.UpdatePositionExitOrders(ctx, p.ID, &tpID, p.SLOrderID, p.SoftwareSL); err != nil {
			return err
		}
		p.TPOrderID = &tpID
		log.Info("take-profit attached", "tp_order_id", tpID, "tp_price", p.TPPrice)
	}

	if p.SLPrice == nil || p.SLOrderID != nil || p.SoftwareSL {
		return nil
	}

	// Phase two gate: the venue must still hold the exposure and the TP
	// must not have filled while we were attaching it.
	qty, err := adapter.ClosableQty(ctx, p.Symbol, p.Side)
	if err != nil {
		return err
	}
	if qty <= 0 {
		log.Info("position already flat on venue, skipping stop attachment")
		return nil
	}
	if p.TPOrderID != nil {
		if st, ok := m.exitStatus(ctx, adapter, p.Symbol, *p.TPOrderID); ok && st.State == venue.OrderFilled {
			log.Info("take-profit filled before stop attachment, skipping")
			return nil
		}
	}

	slID, err := m.placeSL(ctx, adapter, p, meta, snap, log)
	if err != nil {
		if venue.Is(err, venue.KindVenueRejected) {
			// The venue won't hold this conditional order; fall back to
			// enforcing the stop in-process.
			log.Warn("venue refused stop order, switching to software stop", "error", err)
			if uerr := m.book.UpdatePositionExitOrders(ctx, p.ID, p.TPOrderID, nil, true); uerr != nil {
				return uerr
			}
			p.SoftwareSL = true
			if m.notify != nil {
				m.notify.ProtectionAlert(p.BotID, p, "stop order rejected by venue, running software stop")
			}
			return nil
		}
		if emergency && m.notify != nil {
			m.notify.ProtectionAlert(p.BotID, p, "position unprotected past emergency TTL")
		}
		return err
	}
	if err := m.book.UpdatePositionExitOrders(ctx, p.ID, p.TPOrderID, &slID, false); err != nil {
		return err
	}
	p.SLOrderID = &slID
	log.Info("stop-loss attached", "sl_order_id", slID, "sl_price", *p.SLPrice)
	return nil
}

// tpOrderType picks the conditional type for the current TP level. A TP
// trailed to (or past) the entry sits on the losing side of the market and
// must be a STOP_MARKET to trigger.
func tpOrderType(p *store.Position) venue.OrderType {
	if p.Side == venue.Long && p.TPPrice <= p.EntryPrice {
		return venue.StopMarket
	}
	if p.Side == venue.Short && p.TPPrice >= p.EntryPrice {
		return venue.StopMarket
	}
	return venue.TakeProfitMarket
}

func (m *Monitor) placeTP(ctx context.Context, adapter venue.Adapter, p *store.Position, meta *venue.SymbolMeta, snap *settings.Snapshot, log *logging.Logger) (int64, error) {
	stop := venue.FloorToTick(p.TPPrice, meta.TickSize)
	req := venue.OrderRequest{
		Symbol:      p.Symbol,
		Side:        p.Side,
		Type:        tpOrderType(p),
		Quantity:    p.Quantity,
		StopPrice:   stop,
		ReduceOnly:  true,
		ClosingSide: true,
		ClientToken: orders.NewToken(orders.RoleTakeProfit, p.BotID),
	}
	id, err := m.placeProtective(ctx, adapter, req, snap, log)
	if err == nil || !venue.Is(err, venue.KindVenueRejected) {
		return id, err
	}

	// Conditional refused; a resting reduce-only limit at the target still
	// captures the profit, it just won't chase through it.
	log.Warn("conditional take-profit refused, falling back to limit", "error", err)
	req.Type = venue.Limit
	req.Price = stop
	req.StopPrice = 0
	req.ClientToken = orders.NewToken(orders.RoleTakeProfit, p.BotID)
	return m.placeProtective(ctx, adapter, req, snap, log)
}

func (m *Monitor) placeSL(ctx context.Context, adapter venue.Adapter, p *store.Position, meta *venue.SymbolMeta, snap *settings.Snapshot, log *logging.Logger) (int64, error) {
	req := venue.OrderRequest{
		Symbol:      p.Symbol,
		Side:        p.Side,
		Type:        venue.StopMarket,
		Quantity:    p.Quantity,
		StopPrice:   venue.FloorToTick(*p.SLPrice, meta.TickSize),
		ReduceOnly:  true,
		ClosingSide: true,
		ClientToken: orders.NewToken(orders.RoleStopLoss, p.BotID),
	}
	return m.placeProtective(ctx, adapter, req, snap, log)
}

// placeProtective submits a protective order, retrying transient failures.
// Rejections return to the caller for fallback handling.
func (m *Monitor) placeProtective(ctx context.Context, adapter venue.Adapter, req venue.OrderRequest, snap *settings.Snapshot, log *logging.Logger) (int64, error) {
	maxRetries := snap.Int("tp_sl_max_retries", 3)
	backoff := snap.Millis("tp_sl_retry_backoff_ms", 500*time.Millisecond)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		id, err := adapter.SubmitOrder(ctx, req)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !venue.IsRetryable(err) {
			return 0, err
		}
		log.Warn("protective order submit failed, retrying",
			"attempt", attempt+1, "type", string(req.Type), "error", err)
		select {
		case <-ctx.Done():
			return 0, venue.WrapError(venue.KindTimeout, ctx.Err())
		case <-time.After(backoff << uint(attempt)):
		}
	}
	return 0, lastErr
}

// --- Layer B: fill detection, software stops, trailing ---

func (m *Monitor) handleMonitorJob(ctx context.Context, j job) {
	snap := m.settings()
	jctx, cancel := context.WithTimeout(ctx, snap.Millis("venue_call_timeout_ms", 5*time.Second))
	defer cancel()

	if err := m.monitorPosition(jctx, &j.pos, snap); err != nil {
		m.log.Error("position monitor pass failed",
			"position_id", j.pos.ID, "symbol", j.pos.Symbol, "error", err)
	}
}

func (m *Monitor) monitorPosition(ctx context.Context, p *store.Position, snap *settings.Snapshot) error {
	adapter, ok := m.adapter(p.BotID)
	if !ok {
		return venue.NewError(venue.KindNotFound, "no adapter for bot %d", p.BotID)
	}
	log := m.log.WithField("position_id", p.ID).WithField("symbol", p.Symbol)

	// An exit fill ends the position; everything else is moot.
	if closed, err := m.detectExitFill(ctx, adapter, p, log); err != nil || closed {
		return err
	}

	if p.SoftwareSL && p.SLPrice != nil {
		if closed, err := m.enforceSoftwareStop(ctx, adapter, p, log); err != nil || closed {
			return err
		}
	}

	if err := m.syncSL(ctx, adapter, p, snap, log); err != nil {
		return err
	}

	if snap.Bool("adv_tpsl_trailing_enabled", true) {
		if err := m.trail(ctx, adapter, p, snap, log); err != nil {
			return err
		}
	}
	return nil
}

// exitStatus returns the venue state of an exit order, preferring the
// stream cache over a REST round trip.
func (m *Monitor) exitStatus(ctx context.Context, adapter venue.Adapter, symbol string, orderID int64) (venue.OrderStatus, bool) {
	if m.tracker != nil {
		if st, ok := m.tracker.Lookup(orderID); ok {
			return st, true
		}
	}
	st, err := adapter.OrderStatus(ctx, symbol, orderID)
	if err != nil {
		return venue.OrderStatus{}, false
	}
	return *st, true
}

// detectExitFill closes the book row when the TP or SL order filled.
func (m *Monitor) detectExitFill(ctx context.Context, adapter venue.Adapter, p *store.Position, log *logging.Logger) (bool, error) {
	type exit struct {
		orderID int64
		reason  store.CloseReason
	}
	var exits []exit
	if p.TPOrderID != nil {
		exits = append(exits, exit{*p.TPOrderID, store.CloseTPHit})
	}
	if p.SLOrderID != nil {
		exits = append(exits, exit{*p.SLOrderID, store.CloseSLHit})
	}
	for _, e := range exits {
		st, ok := m.exitStatus(ctx, adapter, p.Symbol, e.orderID)
		if !ok || st.State != venue.OrderFilled {
			continue
		}
		closePrice := st.AvgFillPrice
		if closePrice <= 0 {
			closePrice = st.StopPrice
		}
		return true, m.finalize(ctx, adapter, p, closePrice, e.reason, log)
	}
	return false, nil
}

// enforceSoftwareStop market-closes the position when price crosses an
// in-process stop level.
func (m *Monitor) enforceSoftwareStop(ctx context.Context, adapter venue.Adapter, p *store.Position, log *logging.Logger) (bool, error) {
	price, err := adapter.Price(ctx, p.Symbol)
	if err != nil {
		return false, err
	}
	if !SLCrossed(p.Side, price, *p.SLPrice) {
		return false, nil
	}
	log.Warn("software stop triggered", "price", price, "sl_price", *p.SLPrice)

	closePrice, err := m.marketClose(ctx, adapter, p)
	if err != nil {
		return false, err
	}
	if closePrice <= 0 {
		closePrice = price
	}
	return true, m.finalize(ctx, adapter, p, closePrice, store.CloseSLHit, log)
}

// syncSL re-points the resting stop order when the book's stop level no
// longer matches it (operator edits, adoption defaults). Moves inside the
// replacement thresholds are left alone.
func (m *Monitor) syncSL(ctx context.Context, adapter venue.Adapter, p *store.Position, snap *settings.Snapshot, log *logging.Logger) error {
	if p.SLOrderID == nil || p.SLPrice == nil || p.SoftwareSL {
		return nil
	}
	st, ok := m.exitStatus(ctx, adapter, p.Symbol, *p.SLOrderID)
	if !ok || st.State != venue.OrderNew {
		return nil
	}
	meta, err := adapter.SymbolMeta(ctx, p.Symbol)
	if err != nil {
		return err
	}

	want := venue.FloorToTick(*p.SLPrice, meta.TickSize)
	ticks := snap.Int("sl_update_threshold_ticks", 5)
	minPct := snap.Float("exit_order_min_price_change_pct", 0.05)
	if !ShouldReplace(want, st.StopPrice, meta.TickSize, ticks, minPct) {
		return nil
	}

	log.Info("moving stop-loss", "from", st.StopPrice, "to", want)
	if err := adapter.CancelOrder(ctx, p.Symbol, *p.SLOrderID); err != nil {
		return err
	}
	slID, err := m.placeSL(ctx, adapter, p, meta, snap, log)
	if err != nil {
		log.Error("stop-loss replacement failed, position temporarily without SL order", "error", err)
		if uerr := m.book.UpdatePositionExitOrders(ctx, p.ID, p.TPOrderID, nil, false); uerr != nil {
			return uerr
		}
		p.SLOrderID = nil
		return err
	}
	if err := m.book.UpdatePositionExitOrders(ctx, p.ID, p.TPOrderID, &slID, false); err != nil {
		return err
	}
	p.SLOrderID = &slID
	return nil
}

// trail advances the take-profit toward entry at minute boundaries. The
// book level moves every minute; the venue order is only replaced when the
// move clears the replacement thresholds.
func (m *Monitor) trail(ctx context.Context, adapter venue.Adapter, p *store.Position, snap *settings.Snapshot, log *logging.Logger) error {
	minutes := int(p.Age(time.Now().UTC()).Minutes())
	delta := minutes - p.MinutesElapsed
	if delta <= 0 {
		return nil
	}

	strategy, err := m.book.GetStrategy(ctx, p.StrategyID)
	if err != nil {
		return err
	}
	trailPct := strategy.TrailPercent(p.Side)
	if trailPct <= 0 {
		return nil
	}

	res := NextTrailingTP(p.Side, p.EntryPrice, p.InitialTPPrice, p.TPPrice, trailPct, delta)
	prevTP := p.TPPrice
	if err := m.book.UpdatePositionTargets(ctx, p.ID, res.NewTP, minutes); err != nil {
		return err
	}
	p.TPPrice = res.NewTP
	p.MinutesElapsed = minutes

	if p.TPOrderID == nil {
		return nil
	}
	meta, err := adapter.SymbolMeta(ctx, p.Symbol)
	if err != nil {
		return err
	}
	ticks := snap.Int("tp_update_threshold_ticks", 5)
	minPct := snap.Float("exit_order_min_price_change_pct", 0.05)
	// The breakeven clamp forces a replacement once, on the crossing; after
	// that the level no longer moves and the order stays put.
	crossed := res.Breakeven && prevTP != res.NewTP
	if !crossed && !ShouldReplace(res.NewTP, prevTP, meta.TickSize, ticks, minPct) {
		return nil
	}

	log.Info("moving take-profit",
		"from", prevTP, "to", res.NewTP, "breakeven", res.Breakeven, "minutes", minutes)
	return m.replaceTP(ctx, adapter, p, meta, snap, log)
}

// replaceTP swaps the resting TP order for one at the current book level.
// If placement fails after the cancel, the TP id is cleared so the next
// cycle re-attaches through Layer A.
func (m *Monitor) replaceTP(ctx context.Context, adapter venue.Adapter, p *store.Position, meta *venue.SymbolMeta, snap *settings.Snapshot, log *logging.Logger) error {
	if err := adapter.CancelOrder(ctx, p.Symbol, *p.TPOrderID); err != nil {
		return err
	}
	tpID, err := m.placeTP(ctx, adapter, p, meta, snap, log)
	if err != nil {
		log.Error("take-profit replacement failed, position temporarily without TP order", "error", err)
		if uerr := m.book.UpdatePositionExitOrders(ctx, p.ID, nil, p.SLOrderID, p.SoftwareSL); uerr != nil {
			return uerr
		}
		p.TPOrderID = nil
		return err
	}
	if err := m.book.UpdatePositionExitOrders(ctx, p.ID, &tpID, p.SLOrderID, p.SoftwareSL); err != nil {
		return err
	}
	p.TPOrderID = &tpID
	return nil
}

// --- closing ---

// marketClose flattens the venue exposure with a reduce-only market order
// and returns the fill price when the venue reports one.
func (m *Monitor) marketClose(ctx context.Context, adapter venue.Adapter, p *store.Position) (float64, error) {
	qty, err := adapter.ClosableQty(ctx, p.Symbol, p.Side)
	if err != nil {
		return 0, err
	}
	if qty <= 0 {
		return 0, nil // already flat
	}
	orderID, err := adapter.SubmitOrder(ctx, venue.OrderRequest{
		Symbol:      p.Symbol,
		Side:        p.Side,
		Type:        venue.Market,
		Quantity:    qty,
		ReduceOnly:  true,
		ClosingSide: true,
		ClientToken: orders.NewToken(orders.RoleClose, p.BotID),
	})
	if err != nil {
		return 0, err
	}
	st, err := adapter.OrderStatus(ctx, p.Symbol, orderID)
	if err != nil || st.AvgFillPrice <= 0 {
		return 0, nil
	}
	return st.AvgFillPrice, nil
}

// finalize cancels the surviving exit order and closes the book row exactly
// once.
func (m *Monitor) finalize(ctx context.Context, adapter venue.Adapter, p *store.Position, closePrice float64, reason store.CloseReason, log *logging.Logger) error {
	for _, id := range []*int64{p.TPOrderID, p.SLOrderID} {
		if id == nil {
			continue
		}
		if err := adapter.CancelOrder(ctx, p.Symbol, *id); err != nil {
			log.Warn("failed to cancel leftover exit order", "order_id", *id, "error", err)
		}
	}

	pnl := p.PnLAt(closePrice)
	closed, err := m.book.ClosePosition(ctx, p.ID, closePrice, pnl, reason, time.Now().UTC())
	if err != nil {
		return err
	}
	if !closed {
		return nil // another path won the race
	}
	log.Info("position closed",
		"reason", string(reason), "close_price", closePrice, "pnl", pnl,
		"side", string(p.Side), "entry", p.EntryPrice)
	if m.notify != nil {
		m.notify.PositionClosed(p.BotID, p, reason, closePrice, pnl)
	}
	return nil
}

// EnsureProtection attaches any missing exit orders for one position. Used
// by operator tooling; the monitor cycle reaches the same code through the
// tpSL queue.
func (m *Monitor) EnsureProtection(ctx context.Context, p *store.Position) error {
	return m.ensureExits(ctx, p, false, m.settings())
}

// ForceClose flattens one position on the venue and closes its book row with
// the given reason. Used by operator tooling and the reconciler.
func (m *Monitor) ForceClose(ctx context.Context, p *store.Position, reason store.CloseReason) error {
	adapter, ok := m.adapter(p.BotID)
	if !ok {
		return venue.NewError(venue.KindNotFound, "no adapter for bot %d", p.BotID)
	}
	log := m.log.WithField("position_id", p.ID).WithField("symbol", p.Symbol)

	closePrice, err := m.marketClose(ctx, adapter, p)
	if err != nil {
		return err
	}
	if closePrice <= 0 {
		if price, perr := adapter.Price(ctx, p.Symbol); perr == nil {
			closePrice = price
		} else {
			closePrice = p.EntryPrice
		}
	}
	return m.finalize(ctx, adapter, p, closePrice, reason, log)
}
