package reconcile

import (
	"context"
	"math"
	"testing"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/orders"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/venue"
	"oc-futures-bot/internal/venue/venuetest"
)

type closeCall struct {
	id     int64
	price  float64
	reason store.CloseReason
}

type exitReset struct {
	id     int64
	tp, sl *int64
}

type fakeBook struct {
	positions  []store.Position
	entryOrder *store.EntryOrder
	strategies []store.Strategy

	closed     []closeCall
	created    []*store.Position
	exitResets []exitReset
}

func (f *fakeBook) GetOpenPositions(context.Context, int64) ([]store.Position, error) {
	return f.positions, nil
}

func (f *fakeBook) GetOpenEntryOrders(context.Context, int64) ([]store.EntryOrder, error) {
	if f.entryOrder == nil {
		return nil, nil
	}
	return []store.EntryOrder{*f.entryOrder}, nil
}

func (f *fakeBook) GetOpenEntryOrderBySymbolSide(_ context.Context, _ int64, symbol, side string) (*store.EntryOrder, error) {
	if f.entryOrder != nil && f.entryOrder.Symbol == symbol && string(f.entryOrder.Side) == side {
		return f.entryOrder, nil
	}
	return nil, nil
}

func (f *fakeBook) ListStrategiesByBotSymbol(_ context.Context, _ int64, symbol string) ([]store.Strategy, error) {
	var out []store.Strategy
	for _, st := range f.strategies {
		if venue.NormalizeSymbol(st.Symbol) == symbol {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeBook) CreatePosition(_ context.Context, p *store.Position) error {
	p.ID = int64(len(f.created) + 1)
	f.created = append(f.created, p)
	return nil
}

func (f *fakeBook) ClosePosition(_ context.Context, id int64, closePrice, _ float64, reason store.CloseReason, _ time.Time) (bool, error) {
	f.closed = append(f.closed, closeCall{id: id, price: closePrice, reason: reason})
	return true, nil
}

func (f *fakeBook) UpdatePositionExitOrders(_ context.Context, id int64, tpOrderID, slOrderID *int64, _ bool) error {
	f.exitResets = append(f.exitResets, exitReset{id: id, tp: tpOrderID, sl: slOrderID})
	return nil
}

type fakeResolver struct {
	resolved []struct {
		orderID int64
		avg     float64
		qty     float64
	}
}

func (f *fakeResolver) OnEntryFilled(_ context.Context, order *store.EntryOrder, avgPrice, filledQty float64) error {
	f.resolved = append(f.resolved, struct {
		orderID int64
		avg     float64
		qty     float64
	}{order.ID, avgPrice, filledQty})
	return nil
}

func testReconciler(book *fakeBook, mock *venuetest.Mock, resolver *fakeResolver) *Reconciler {
	log := logging.New(&logging.Config{Level: "error", Output: "stderr"})
	adapter := func(int64) (venue.Adapter, bool) { return mock, true }
	bots := func() []store.Bot { return []store.Bot{{ID: 1, Name: "test"}} }
	return New(book, adapter, bots, resolver, log)
}

func openPosition(id int64, symbol string, side venue.Side, qty float64) store.Position {
	return store.Position{
		ID:         id,
		BotID:      1,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: 100,
		Quantity:   qty,
		Status:     store.PositionOpen,
		OpenedAt:   time.Now().UTC().Add(-time.Hour),
	}
}

func TestRun_BookOnlyClosed(t *testing.T) {
	book := &fakeBook{positions: []store.Position{openPosition(1, "BTCUSDT", venue.Long, 0.5)}}
	mock := venuetest.New() // venue holds nothing
	mock.SetPrice("BTCUSDT", 95)
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.BookOnlyClosed != 1 {
		t.Fatalf("BookOnlyClosed = %d, want 1", report.BookOnlyClosed)
	}
	if len(book.closed) != 1 {
		t.Fatalf("want 1 close, got %d", len(book.closed))
	}
	if book.closed[0].reason != store.CloseSyncNotOnVenue {
		t.Errorf("reason = %q, want sync_not_on_exchange", book.closed[0].reason)
	}
	if book.closed[0].price != 95 {
		t.Errorf("close price = %v, want current market 95", book.closed[0].price)
	}
}

func TestRun_DryRunDoesNotMutate(t *testing.T) {
	book := &fakeBook{positions: []store.Position{openPosition(1, "BTCUSDT", venue.Long, 0.5)}}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 95)
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if report.BookOnlyClosed != 1 {
		t.Fatalf("dry run should still count, got %d", report.BookOnlyClosed)
	}
	if len(book.closed) != 0 {
		t.Fatal("dry run must not close positions")
	}
}

func TestRun_AdoptsViaEntryOrder(t *testing.T) {
	book := &fakeBook{
		entryOrder: &store.EntryOrder{
			ID: 7, BotID: 1, Symbol: "BTCUSDT", Side: venue.Long,
			Status: store.EntryOpen, Quantity: 0.5, EntryPrice: 99,
		},
	}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 100)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 99.5})
	resolver := &fakeResolver{}
	r := testReconciler(book, mock, resolver)

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.VenueAdopted != 1 {
		t.Fatalf("VenueAdopted = %d, want 1", report.VenueAdopted)
	}
	if len(resolver.resolved) != 1 {
		t.Fatal("missed fill should resolve through the entry monitor")
	}
	got := resolver.resolved[0]
	if got.orderID != 7 || got.avg != 99.5 || got.qty != 0.5 {
		t.Errorf("resolved %+v, want order 7 at 99.5 x 0.5", got)
	}
	if len(book.created) != 0 {
		t.Fatal("the resolver owns position creation, not the reconciler")
	}
}

func TestRun_AdoptsViaStrategy(t *testing.T) {
	slPct := 1.0
	book := &fakeBook{
		strategies: []store.Strategy{
			{ID: 3, BotID: 1, Symbol: "ETHUSDT", SidePolicy: store.ShortOnly, Enabled: true, TPPercent: 2, SLPercent: &slPct},
		},
	}
	mock := venuetest.New()
	mock.SetPrice("ETHUSDT", 2000)
	mock.SetPosition(venue.PositionInfo{Symbol: "ETHUSDT", Side: venue.Short, Quantity: 1, EntryPrice: 2000})
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.VenueAdopted != 1 {
		t.Fatalf("VenueAdopted = %d, want 1", report.VenueAdopted)
	}
	if len(book.created) != 1 {
		t.Fatalf("want 1 adopted position, got %d", len(book.created))
	}
	pos := book.created[0]
	if pos.StrategyID != 3 || pos.Side != venue.Short {
		t.Errorf("adopted %+v, want strategy 3 short", pos)
	}
	if math.Abs(pos.TPPrice-1960) > 1e-6 { // 2000 * (1 - 2%)
		t.Errorf("TPPrice = %v, want 1960", pos.TPPrice)
	}
	if pos.SLPrice == nil || math.Abs(*pos.SLPrice-2020) > 1e-6 {
		t.Errorf("SLPrice = %v, want 2020", pos.SLPrice)
	}
	if pos.OrderRef == "" {
		t.Error("adopted position needs a synthetic order ref")
	}
}

func TestRun_SkipsUnattributable(t *testing.T) {
	book := &fakeBook{
		strategies: []store.Strategy{
			// Long-only strategy can't explain a short exposure.
			{ID: 3, BotID: 1, Symbol: "ETHUSDT", SidePolicy: store.LongOnly, Enabled: true},
		},
	}
	mock := venuetest.New()
	mock.SetPosition(venue.PositionInfo{Symbol: "ETHUSDT", Side: venue.Short, Quantity: 1, EntryPrice: 2000})
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.VenueSkipped != 1 {
		t.Fatalf("VenueSkipped = %d, want 1", report.VenueSkipped)
	}
	if len(book.created) != 0 {
		t.Fatal("unattributable exposure must stay untracked")
	}
}

func TestRun_QuantityDrift(t *testing.T) {
	book := &fakeBook{positions: []store.Position{openPosition(1, "BTCUSDT", venue.Long, 0.5)}}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 100)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.4, EntryPrice: 100})
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.QuantityDrift != 1 {
		t.Errorf("QuantityDrift = %d, want 1", report.QuantityDrift)
	}
	if len(book.closed) != 0 {
		t.Fatal("drift is reported, never auto-closed")
	}
}

func TestRun_ClearsStaleExitIDs(t *testing.T) {
	staleTP := int64(424242) // never existed on the mock
	pos := openPosition(1, "BTCUSDT", venue.Long, 0.5)
	pos.TPOrderID = &staleTP
	book := &fakeBook{positions: []store.Position{pos}}
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 100)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.StaleExitsFixed != 1 {
		t.Fatalf("StaleExitsFixed = %d, want 1", report.StaleExitsFixed)
	}
	if len(book.exitResets) != 1 {
		t.Fatalf("want 1 exit reset, got %d", len(book.exitResets))
	}
	if book.exitResets[0].tp != nil {
		t.Error("stale TP id should be cleared so protection re-attaches")
	}
}

func TestRun_LiveExitIDsUntouched(t *testing.T) {
	mock := venuetest.New()
	mock.SetPrice("BTCUSDT", 100)
	mock.SetPosition(venue.PositionInfo{Symbol: "BTCUSDT", Side: venue.Long, Quantity: 0.5, EntryPrice: 100})
	tpID, err := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.Long, Type: venue.TakeProfitMarket,
		StopPrice: 110, Quantity: 0.5, ReduceOnly: true,
		ClientToken: orders.NewToken(orders.RoleTakeProfit, 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	pos := openPosition(1, "BTCUSDT", venue.Long, 0.5)
	pos.TPOrderID = &tpID
	book := &fakeBook{positions: []store.Position{pos}}
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Mismatches() != 0 {
		t.Errorf("clean book should report no mismatches, got %d", report.Mismatches())
	}
	if len(book.exitResets) != 0 {
		t.Fatal("live exit ids must not be cleared")
	}
	if len(mock.Canceled) != 0 {
		t.Fatal("attached exit order must not be canceled")
	}
}

func TestRun_CancelsOrphanExitOrders(t *testing.T) {
	mock := venuetest.New()
	mock.SetPrice("ETHUSDT", 2000)
	// Venue-only exposure with no strategy keeps the symbol in scope, and an
	// engine-tokened reduce-only order hangs off it with no book position.
	mock.SetPosition(venue.PositionInfo{Symbol: "ETHUSDT", Side: venue.Short, Quantity: 1, EntryPrice: 2000})
	orphanID, err := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "ETHUSDT", Side: venue.Short, Type: venue.StopMarket,
		StopPrice: 2100, Quantity: 1, ReduceOnly: true,
		ClientToken: orders.NewToken(orders.RoleStopLoss, 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	book := &fakeBook{}
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.OrphansCanceled != 1 {
		t.Fatalf("OrphansCanceled = %d, want 1", report.OrphansCanceled)
	}
	if len(mock.Canceled) != 1 || mock.Canceled[0] != orphanID {
		t.Fatalf("orphan %d not canceled, canceled=%v", orphanID, mock.Canceled)
	}
}

func TestRun_LeavesForeignOrdersAlone(t *testing.T) {
	mock := venuetest.New()
	mock.SetPrice("ETHUSDT", 2000)
	mock.SetPosition(venue.PositionInfo{Symbol: "ETHUSDT", Side: venue.Short, Quantity: 1, EntryPrice: 2000})
	if _, err := mock.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "ETHUSDT", Side: venue.Short, Type: venue.StopMarket,
		StopPrice: 2100, Quantity: 1, ReduceOnly: true,
		ClientToken: "web_manual_stop", // placed by a human, not the engine
	}); err != nil {
		t.Fatal(err)
	}

	book := &fakeBook{}
	r := testReconciler(book, mock, &fakeResolver{})

	report, err := r.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if report.OrphansCanceled != 0 {
		t.Errorf("foreign order counted as orphan")
	}
	if len(mock.Canceled) != 0 {
		t.Fatal("foreign order must never be canceled")
	}
}
