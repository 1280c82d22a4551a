package posmon

import (
	"context"
	"math"
	"testing"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/settings"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/venue"
	"oc-futures-bot/internal/venue/venuetest"
)

type targetUpdate struct {
	id      int64
	tpPrice float64
	minutes int
}

type exitUpdate struct {
	id         int64
	tp, sl     *int64
	softwareSL bool
}

type closeCall struct {
	id     int64
	price  float64
	reason store.CloseReason
}

type fakeBook struct {
	strategy   *store.Strategy
	positions  []store.Position
	targets    []targetUpdate
	exitOrders []exitUpdate
	closed     []closeCall
}

func (f *fakeBook) GetStrategy(context.Context, int64) (*store.Strategy, error) {
	return f.strategy, nil
}

func (f *fakeBook) GetAllOpenPositions(context.Context) ([]store.Position, error) {
	return f.positions, nil
}

func (f *fakeBook) UpdatePositionTargets(_ context.Context, id int64, tpPrice float64, minutesElapsed int) error {
	f.targets = append(f.targets, targetUpdate{id: id, tpPrice: tpPrice, minutes: minutesElapsed})
	return nil
}

func (f *fakeBook) UpdatePositionExitOrders(_ context.Context, id int64, tpOrderID, slOrderID *int64, softwareSL bool) error {
	f.exitOrders = append(f.exitOrders, exitUpdate{id: id, tp: tpOrderID, sl: slOrderID, softwareSL: softwareSL})
	return nil
}

func (f *fakeBook) ClosePosition(_ context.Context, id int64, closePrice, _ float64, reason store.CloseReason, _ time.Time) (bool, error) {
	f.closed = append(f.closed, closeCall{id: id, price: closePrice, reason: reason})
	return true, nil
}

type captureNotifier struct {
	closes []store.CloseReason
	alerts []string
}

func (c *captureNotifier) PositionClosed(_ int64, _ *store.Position, reason store.CloseReason, _, _ float64) {
	c.closes = append(c.closes, reason)
}

func (c *captureNotifier) ProtectionAlert(_ int64, _ *store.Position, msg string) {
	c.alerts = append(c.alerts, msg)
}

func testMonitor(book *fakeBook, mock *venuetest.Mock, notify *captureNotifier) *Monitor {
	return testMonitorTuned(book, mock, notify, nil)
}

func testMonitorTuned(book *fakeBook, mock *venuetest.Mock, notify *captureNotifier, overrides map[string]string) *Monitor {
	log := logging.New(&logging.Config{Level: "error", Output: "stderr"})
	adapter := func(int64) (venue.Adapter, bool) { return mock, true }
	snap := settings.NewSnapshot(overrides)
	settingsFn := func() *settings.Snapshot { return snap }
	var n Notifier
	if notify != nil {
		n = notify
	}
	return New(book, adapter, nil, settingsFn, n, log)
}

func longPosition() *store.Position {
	sl := 95.0
	return &store.Position{
		ID:             1,
		StrategyID:     10,
		BotID:          1,
		Symbol:         "BTCUSDT",
		Side:           venue.Long,
		EntryPrice:     100,
		Quantity:       0.5,
		TPPrice:        110,
		InitialTPPrice: 110,
		SLPrice:        &sl,
		OpenedAt:       time.Now().UTC(),
		Status:         store.PositionOpen,
	}
}

func TestEnsureProtection_AttachesBothExits(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 100)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)
	p := longPosition()

	if err := m.EnsureProtection(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	if len(mock.Submitted) != 2 {
		t.Fatalf("want TP then SL, got %d orders", len(mock.Submitted))
	}
	tp, sl := mock.Submitted[0], mock.Submitted[1]
	if tp.Type != venue.TakeProfitMarket || tp.StopPrice != 110 {
		t.Errorf("TP = %s @ %v, want TAKE_PROFIT_MARKET @ 110", tp.Type, tp.StopPrice)
	}
	if !tp.ReduceOnly || !tp.ClosingSide {
		t.Error("TP must be reduce-only on the closing side")
	}
	if sl.Type != venue.StopMarket || sl.StopPrice != 95 {
		t.Errorf("SL = %s @ %v, want STOP_MARKET @ 95", sl.Type, sl.StopPrice)
	}
	if p.TPOrderID == nil || p.SLOrderID == nil {
		t.Fatal("exit ids not recorded on the position")
	}
	if len(book.exitOrders) != 2 {
		t.Errorf("want 2 book updates, got %d", len(book.exitOrders))
	}
}

func TestEnsureProtection_TPAtEntryIsStopMarket(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 100)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	p.TPPrice = 100 // trailed to breakeven before the order ever attached
	p.SLPrice = nil

	if err := m.EnsureProtection(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if mock.Submitted[0].Type != venue.StopMarket {
		t.Errorf("TP at entry must be STOP_MARKET, got %s", mock.Submitted[0].Type)
	}
}

func TestEnsureProtection_SkipsSLWhenFlat(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 100)
	// No venue position: the exposure closed in the gap.
	m := testMonitor(book, mock, nil)
	p := longPosition()

	if err := m.EnsureProtection(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	if len(mock.Submitted) != 1 {
		t.Fatalf("only the TP should attach, got %d orders", len(mock.Submitted))
	}
	if p.SLOrderID != nil {
		t.Error("no stop should attach against a flat position")
	}
}

func TestEnsureProtection_SoftwareStopFallback(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 100)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	mock.SubmitErr = func(req venue.OrderRequest) error {
		if req.Type == venue.StopMarket {
			return venue.Rejected(-4045, "reach max stop order limit")
		}
		return nil
	}
	notify := &captureNotifier{}
	m := testMonitor(book, mock, notify)
	p := longPosition()

	if err := m.EnsureProtection(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	if !p.SoftwareSL {
		t.Fatal("rejected stop should flip the position to software-SL mode")
	}
	last := book.exitOrders[len(book.exitOrders)-1]
	if !last.softwareSL || last.sl != nil {
		t.Errorf("book update = %+v, want software stop with no sl id", last)
	}
	if len(notify.alerts) != 1 {
		t.Error("software-stop fallback should raise a protection alert")
	}
}

func TestMonitorPosition_TPFillClosesPosition(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 110.5)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	notify := &captureNotifier{}
	m := testMonitor(book, mock, notify)

	p := longPosition()
	tpID, err := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.TakeProfitMarket,
		StopPrice: 110, Quantity: 0.5, ReduceOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	p.TPOrderID = &tpID
	p.SLPrice = nil
	mock.MarkFilled(tpID, 110.5)

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}

	if len(book.closed) != 1 {
		t.Fatalf("want 1 close, got %d", len(book.closed))
	}
	got := book.closed[0]
	if got.reason != store.CloseTPHit || got.price != 110.5 {
		t.Errorf("closed %+v, want tp_hit @ 110.5", got)
	}
	if len(notify.closes) != 1 || notify.closes[0] != store.CloseTPHit {
		t.Error("PositionClosed not sent")
	}
}

func TestMonitorPosition_SLFillClosesPosition(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 94.8)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	tpID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.TakeProfitMarket,
		StopPrice: 110, Quantity: 0.5, ReduceOnly: true,
	})
	slID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.StopMarket,
		StopPrice: 95, Quantity: 0.5, ReduceOnly: true,
	})
	p.TPOrderID, p.SLOrderID = &tpID, &slID
	mock.MarkFilled(slID, 94.8)

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}

	if len(book.closed) != 1 || book.closed[0].reason != store.CloseSLHit {
		t.Fatalf("want sl_hit close, got %+v", book.closed)
	}
	// The surviving TP order must be canceled during finalize.
	found := false
	for _, id := range mock.Canceled {
		if id == tpID {
			found = true
		}
	}
	if !found {
		t.Error("surviving TP order not canceled on close")
	}
}

func TestMonitorPosition_SoftwareStop(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 94)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	tpID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.TakeProfitMarket,
		StopPrice: 110, Quantity: 0.5, ReduceOnly: true,
	})
	p.TPOrderID = &tpID
	p.SoftwareSL = true

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}

	if len(book.closed) != 1 || book.closed[0].reason != store.CloseSLHit {
		t.Fatalf("software stop should close as sl_hit, got %+v", book.closed)
	}
	// A reduce-only market close must have gone to the venue.
	var sawClose bool
	for _, req := range mock.Submitted {
		if req.Type == venue.Market && req.ReduceOnly {
			sawClose = true
		}
	}
	if !sawClose {
		t.Error("no market close submitted for the software stop")
	}
}

func TestMonitorPosition_SoftwareStopHolds(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 101) // above the stop
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	tpID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.TakeProfitMarket,
		StopPrice: 110, Quantity: 0.5, ReduceOnly: true,
	})
	p.TPOrderID = &tpID
	p.SoftwareSL = true
	p.MinutesElapsed = 0
	book.strategy = &store.Strategy{ID: 10, UpReduce: 0} // no trailing

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}
	if len(book.closed) != 0 {
		t.Fatal("stop not crossed, position must stay open")
	}
}

func TestMonitorPosition_TrailingReplacesTP(t *testing.T) {
	book := &fakeBook{strategy: &store.Strategy{ID: 10, UpReduce: 2}}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 104)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	p.SLPrice = nil
	p.OpenedAt = time.Now().UTC().Add(-10 * time.Minute)
	tpID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.TakeProfitMarket,
		StopPrice: 110, Quantity: 0.5, ReduceOnly: true,
	})
	p.TPOrderID = &tpID

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}

	// 10 minutes at 2%/min of a 10-wide range trails the TP from 110 to 108.
	if len(book.targets) != 1 {
		t.Fatalf("want 1 target update, got %d", len(book.targets))
	}
	if math.Abs(book.targets[0].tpPrice-108) > 1e-9 || book.targets[0].minutes != 10 {
		t.Errorf("target update %+v, want tp 108 at minute 10", book.targets[0])
	}

	// The move clears the replacement thresholds, so the venue order swaps.
	if len(mock.Canceled) != 1 || mock.Canceled[0] != tpID {
		t.Fatalf("old TP not canceled, canceled=%v", mock.Canceled)
	}
	last := mock.Submitted[len(mock.Submitted)-1]
	if last.Type != venue.TakeProfitMarket || math.Abs(last.StopPrice-108) > 1e-9 {
		t.Errorf("replacement = %s @ %v, want TAKE_PROFIT_MARKET @ 108", last.Type, last.StopPrice)
	}
	if p.TPOrderID == nil || *p.TPOrderID == tpID {
		t.Error("position should point at the replacement order")
	}
}

func TestMonitorPosition_SmallTrailOnlyUpdatesBook(t *testing.T) {
	book := &fakeBook{strategy: &store.Strategy{ID: 10, UpReduce: 0.01}}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 104)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	p.SLPrice = nil
	p.OpenedAt = time.Now().UTC().Add(-1*time.Minute - time.Second)
	tpID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.TakeProfitMarket,
		StopPrice: 110, Quantity: 0.5, ReduceOnly: true,
	})
	p.TPOrderID = &tpID

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}

	// One minute at 0.01%/min moves the TP by 0.001, under the 5-tick
	// threshold: the book moves, the venue order stays.
	if len(book.targets) != 1 {
		t.Fatalf("book level should still update, got %d updates", len(book.targets))
	}
	if len(mock.Canceled) != 0 {
		t.Error("sub-threshold move must not replace the venue order")
	}
}

func TestMonitorPosition_BreakevenConvertsOrderType(t *testing.T) {
	book := &fakeBook{strategy: &store.Strategy{ID: 10, UpReduce: 2}}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 104)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	p.SLPrice = nil
	p.TPPrice = 100.1 // one step from entry
	p.MinutesElapsed = 49
	p.OpenedAt = time.Now().UTC().Add(-50*time.Minute - time.Second)
	tpID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.TakeProfitMarket,
		StopPrice: 100.1, Quantity: 0.5, ReduceOnly: true,
	})
	p.TPOrderID = &tpID

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}

	if p.TPPrice != 100 {
		t.Fatalf("TPPrice = %v, want clamped at entry", p.TPPrice)
	}
	last := mock.Submitted[len(mock.Submitted)-1]
	if last.Type != venue.StopMarket || last.StopPrice != 100 {
		t.Errorf("breakeven order = %s @ %v, want STOP_MARKET @ 100", last.Type, last.StopPrice)
	}
}

func TestMonitorPosition_SyncSLRepointsStop(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 104)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	slID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.StopMarket,
		StopPrice: 95, Quantity: 0.5, ReduceOnly: true,
	})
	p.SLOrderID = &slID
	moved := 94.0
	p.SLPrice = &moved // the book level moved away from the resting order

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}

	if len(mock.Canceled) != 1 || mock.Canceled[0] != slID {
		t.Fatalf("stale stop not canceled, canceled=%v", mock.Canceled)
	}
	last := mock.Submitted[len(mock.Submitted)-1]
	if last.Type != venue.StopMarket || last.StopPrice != 94 {
		t.Errorf("replacement = %s @ %v, want STOP_MARKET @ 94", last.Type, last.StopPrice)
	}
	if p.SLOrderID == nil || *p.SLOrderID == slID {
		t.Error("position should point at the replacement order")
	}
}

func TestMonitorPosition_SyncSLLeavesSmallMoves(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 104)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	slID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.StopMarket,
		StopPrice: 95, Quantity: 0.5, ReduceOnly: true,
	})
	p.SLOrderID = &slID
	nearby := 95.02 // inside the 5-tick threshold
	p.SLPrice = &nearby

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}
	if len(mock.Canceled) != 0 {
		t.Error("sub-threshold stop move must not replace the venue order")
	}
}

func TestMonitorPosition_BreakevenSteadyStateHolds(t *testing.T) {
	book := &fakeBook{strategy: &store.Strategy{ID: 10, UpReduce: 2}}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 104)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	m := testMonitor(book, mock, nil)

	p := longPosition()
	p.SLPrice = nil
	p.TPPrice = 100 // already clamped at entry
	p.MinutesElapsed = 5
	p.OpenedAt = time.Now().UTC().Add(-10*time.Minute - time.Second)
	tpID, _ := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.StopMarket,
		StopPrice: 100, Quantity: 0.5, ReduceOnly: true,
	})
	p.TPOrderID = &tpID

	if err := m.monitorPosition(context.Background(), p, m.settings()); err != nil {
		t.Fatal(err)
	}

	// The minute counter catches up in the book, but the resting breakeven
	// stop is not churned through cancel/replace.
	if len(book.targets) != 1 || book.targets[0].tpPrice != 100 {
		t.Fatalf("book level should stay at entry, got %+v", book.targets)
	}
	if len(mock.Canceled) != 0 {
		t.Error("breakeven order must not be replaced once the level stops moving")
	}
}

func TestCycle_BatchCapsAttachments(t *testing.T) {
	var positions []store.Position
	for i := int64(1); i <= 3; i++ {
		p := *longPosition()
		p.ID = i
		positions = append(positions, p)
	}
	book := &fakeBook{positions: positions}
	m := testMonitorTuned(book, venuetest.New(), nil, map[string]string{
		"tp_sl_update_batch_size": "1",
	})

	m.Cycle(context.Background())

	if got := len(m.tpSLQueue.normal); got != 1 {
		t.Errorf("tpSL queue depth = %d, want the batch of 1", got)
	}
}

func TestCycle_BatchDoesNotHoldBackEmergencies(t *testing.T) {
	stale := *longPosition()
	stale.OpenedAt = time.Now().UTC().Add(-10 * time.Minute)
	fresh := *longPosition()
	fresh.ID = 2

	book := &fakeBook{positions: []store.Position{stale, fresh}}
	m := testMonitorTuned(book, venuetest.New(), nil, map[string]string{
		"tp_sl_update_batch_size": "0",
	})

	m.Cycle(context.Background())

	if got := len(m.tpSLQueue.emergency); got != 1 {
		t.Errorf("emergency queue depth = %d, want 1 regardless of the batch", got)
	}
	if got := len(m.tpSLQueue.normal); got != 0 {
		t.Errorf("normal queue depth = %d, want 0 with an exhausted batch", got)
	}
}

func TestForceClose(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 103)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	notify := &captureNotifier{}
	m := testMonitor(book, mock, notify)

	p := longPosition()
	if err := m.ForceClose(context.Background(), p, store.CloseForcedFromAPI); err != nil {
		t.Fatal(err)
	}

	if len(book.closed) != 1 {
		t.Fatalf("want 1 close, got %d", len(book.closed))
	}
	got := book.closed[0]
	if got.reason != store.CloseForcedFromAPI || got.price != 103 {
		t.Errorf("closed %+v, want force_close_from_api @ 103", got)
	}
	// The venue exposure is flattened by a reduce-only market order.
	if qty, _ := mock.ClosableQty(context.Background(), "BTCUSDT", venue.Long); qty != 0 {
		t.Errorf("venue still holds %v after force close", qty)
	}
}

func TestForceClose_AlreadyFlat(t *testing.T) {
	book := &fakeBook{}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 103)
	m := testMonitor(book, mock, nil)

	p := longPosition()
	if err := m.ForceClose(context.Background(), p, store.CloseGhostCleanup); err != nil {
		t.Fatal(err)
	}
	if len(mock.Submitted) != 0 {
		t.Fatal("nothing to close, no order should be submitted")
	}
	if len(book.closed) != 1 || book.closed[0].price != 103 {
		t.Fatalf("book row should close at the market price, got %+v", book.closed)
	}
}

func TestCycle_RoutesWork(t *testing.T) {
	unprotected := *longPosition()
	tpID, slID := int64(1), int64(2)
	protected := *longPosition()
	protected.ID = 2
	protected.TPOrderID, protected.SLOrderID = &tpID, &slID

	book := &fakeBook{positions: []store.Position{unprotected, protected}}
	mock := venuetest.New()
	m := testMonitor(book, mock, nil)

	m.Cycle(context.Background())

	if got := len(m.tpSLQueue.normal); got != 1 {
		t.Errorf("tpSL queue depth = %d, want the unprotected position", got)
	}
	if got := len(m.monQueue.normal); got != 1 {
		t.Errorf("monitor queue depth = %d, want the protected position", got)
	}
}

func TestCycle_EmergencyEscalation(t *testing.T) {
	stale := *longPosition()
	stale.OpenedAt = time.Now().UTC().Add(-10 * time.Minute) // well past the 120s TTL

	book := &fakeBook{positions: []store.Position{stale}}
	m := testMonitor(book, venuetest.New(), nil)

	m.Cycle(context.Background())

	if got := len(m.tpSLQueue.emergency); got != 1 {
		t.Errorf("emergency queue depth = %d, want 1", got)
	}
	if got := len(m.tpSLQueue.normal); got != 0 {
		t.Errorf("normal queue depth = %d, want 0", got)
	}
}
