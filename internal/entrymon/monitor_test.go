package entrymon

import (
	"context"
	"math"
	"testing"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/store"
	"oc-futures-bot/internal/venue"
	"oc-futures-bot/internal/venue/venuetest"
)

func TestExitTargets(t *testing.T) {
	slPct := 1.0

	t.Run("long", func(t *testing.T) {
		tp, sl := ExitTargets(venue.Long, 100, 2, &slPct)
		if math.Abs(tp-102) > 1e-9 {
			t.Errorf("tp = %v, want 102", tp)
		}
		if sl == nil || math.Abs(*sl-99) > 1e-9 {
			t.Errorf("sl = %v, want 99", sl)
		}
	})

	t.Run("short", func(t *testing.T) {
		tp, sl := ExitTargets(venue.Short, 100, 2, &slPct)
		if math.Abs(tp-98) > 1e-9 {
			t.Errorf("tp = %v, want 98", tp)
		}
		if sl == nil || math.Abs(*sl-101) > 1e-9 {
			t.Errorf("sl = %v, want 101", sl)
		}
	})

	t.Run("no stop configured", func(t *testing.T) {
		tp, sl := ExitTargets(venue.Long, 50, 4, nil)
		if math.Abs(tp-52) > 1e-9 {
			t.Errorf("tp = %v, want 52", tp)
		}
		if sl != nil {
			t.Errorf("sl = %v, want nil", *sl)
		}
	})
}

type fakeBook struct {
	strategies map[int64]*store.Strategy
	orders     map[int64]*store.EntryOrder // by entry order id
	byVenueID  map[int64]*store.EntryOrder

	createdPositions []*store.Position
	statusUpdates    map[int64]store.EntryOrderStatus
}

func newFakeBook() *fakeBook {
	return &fakeBook{
		strategies:    make(map[int64]*store.Strategy),
		orders:        make(map[int64]*store.EntryOrder),
		byVenueID:     make(map[int64]*store.EntryOrder),
		statusUpdates: make(map[int64]store.EntryOrderStatus),
	}
}

func (f *fakeBook) addOrder(o *store.EntryOrder) {
	f.orders[o.ID] = o
	f.byVenueID[o.VenueOrderID] = o
}

func (f *fakeBook) GetStrategy(_ context.Context, id int64) (*store.Strategy, error) {
	return f.strategies[id], nil
}

func (f *fakeBook) GetEntryOrder(_ context.Context, id int64) (*store.EntryOrder, error) {
	return f.orders[id], nil
}

func (f *fakeBook) GetEntryOrderByVenueID(_ context.Context, _ int64, venueOrderID int64) (*store.EntryOrder, error) {
	return f.byVenueID[venueOrderID], nil
}

func (f *fakeBook) GetOpenEntryOrders(_ context.Context, botID int64) ([]store.EntryOrder, error) {
	var out []store.EntryOrder
	for _, o := range f.orders {
		if o.BotID == botID && o.Status == store.EntryOpen {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeBook) UpdateEntryOrderStatus(_ context.Context, id int64, status store.EntryOrderStatus) error {
	f.statusUpdates[id] = status
	if o, ok := f.orders[id]; ok {
		o.Status = status
	}
	return nil
}

func (f *fakeBook) FillEntryOrderAndCreatePosition(_ context.Context, entryOrderID int64, p *store.Position) error {
	p.ID = int64(len(f.createdPositions) + 1)
	f.createdPositions = append(f.createdPositions, p)
	if o, ok := f.orders[entryOrderID]; ok {
		o.Status = store.EntryFilled
	}
	return nil
}

type captureNotifier struct {
	opened   []*store.Position
	resolved []store.EntryOrderStatus
}

func (c *captureNotifier) PositionOpened(_ int64, p *store.Position) { c.opened = append(c.opened, p) }
func (c *captureNotifier) EntryResolved(_ int64, _ *store.EntryOrder, s store.EntryOrderStatus) {
	c.resolved = append(c.resolved, s)
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "error", Output: "stderr"})
}

func testMonitor(book *fakeBook, mock *venuetest.Mock, notify *captureNotifier) *Monitor {
	adapter := func(int64) (venue.Adapter, bool) { return mock, mock != nil }
	bots := func() []int64 { return []int64{1} }
	var n Notifier
	if notify != nil {
		n = notify
	}
	return New(book, adapter, bots, n, nil, testLogger())
}

func seedOrder(book *fakeBook) *store.EntryOrder {
	slPct := 1.0
	book.strategies[10] = &store.Strategy{
		ID: 10, BotID: 1, Symbol: "BTCUSDT", TPPercent: 2, SLPercent: &slPct,
	}
	order := &store.EntryOrder{
		ID:           5,
		StrategyID:   10,
		BotID:        1,
		VenueOrderID: 9001,
		Symbol:       "BTCUSDT",
		Side:         venue.Long,
		Amount:       1000,
		Quantity:     0.02,
		EntryPrice:   50000,
		Status:       store.EntryOpen,
	}
	book.addOrder(order)
	return order
}

func TestOnEntryFilled(t *testing.T) {
	book := newFakeBook()
	notify := &captureNotifier{}
	m := testMonitor(book, venuetest.New(), notify)
	order := seedOrder(book)

	if err := m.OnEntryFilled(context.Background(), order, 50100, 0.02); err != nil {
		t.Fatal(err)
	}

	if len(book.createdPositions) != 1 {
		t.Fatalf("want 1 position, got %d", len(book.createdPositions))
	}
	pos := book.createdPositions[0]
	if pos.EntryPrice != 50100 || pos.Quantity != 0.02 {
		t.Errorf("fill not recorded: entry %v qty %v", pos.EntryPrice, pos.Quantity)
	}
	if math.Abs(pos.TPPrice-50100*1.02) > 1e-6 {
		t.Errorf("TPPrice = %v, want %v", pos.TPPrice, 50100*1.02)
	}
	if pos.InitialTPPrice != pos.TPPrice {
		t.Error("InitialTPPrice should equal the first TP")
	}
	if pos.SLPrice == nil || math.Abs(*pos.SLPrice-50100*0.99) > 1e-6 {
		t.Errorf("SLPrice = %v, want %v", pos.SLPrice, 50100*0.99)
	}
	if pos.OrderRef != "9001" {
		t.Errorf("OrderRef = %q, want venue order id", pos.OrderRef)
	}
	if len(notify.opened) != 1 {
		t.Error("PositionOpened not sent")
	}
}

func TestOnEntryFilled_MissingAverage(t *testing.T) {
	book := newFakeBook()
	m := testMonitor(book, venuetest.New(), nil)
	order := seedOrder(book)

	// Venue omitted avg price and filled qty; intent values stand in.
	if err := m.OnEntryFilled(context.Background(), order, 0, 0); err != nil {
		t.Fatal(err)
	}
	pos := book.createdPositions[0]
	if pos.EntryPrice != 50000 || pos.Quantity != 0.02 {
		t.Errorf("fallback to intent values failed: entry %v qty %v", pos.EntryPrice, pos.Quantity)
	}
}

func TestHandleOrderUpdate(t *testing.T) {
	t.Run("fill opens a position", func(t *testing.T) {
		book := newFakeBook()
		notify := &captureNotifier{}
		m := testMonitor(book, venuetest.New(), notify)
		seedOrder(book)

		m.HandleOrderUpdate(context.Background(), 1, venue.OrderUpdate{
			OrderID: 9001, State: venue.OrderFilled, AvgFillPrice: 50050, FilledQty: 0.02,
		})

		if len(book.createdPositions) != 1 {
			t.Fatalf("want 1 position, got %d", len(book.createdPositions))
		}
		if book.createdPositions[0].EntryPrice != 50050 {
			t.Errorf("entry = %v, want stream avg 50050", book.createdPositions[0].EntryPrice)
		}
	})

	t.Run("non-terminal states are ignored", func(t *testing.T) {
		book := newFakeBook()
		m := testMonitor(book, venuetest.New(), nil)
		seedOrder(book)

		m.HandleOrderUpdate(context.Background(), 1, venue.OrderUpdate{
			OrderID: 9001, State: venue.OrderPartiallyFilled, FilledQty: 0.01,
		})

		if len(book.createdPositions) != 0 {
			t.Fatal("partial fill must not open a position yet")
		}
	})

	t.Run("cancel without fill marks the order canceled", func(t *testing.T) {
		book := newFakeBook()
		notify := &captureNotifier{}
		m := testMonitor(book, venuetest.New(), notify)
		seedOrder(book)

		m.HandleOrderUpdate(context.Background(), 1, venue.OrderUpdate{
			OrderID: 9001, State: venue.OrderCanceled,
		})

		if got := book.statusUpdates[5]; got != store.EntryCanceled {
			t.Errorf("status = %q, want canceled", got)
		}
		if len(book.createdPositions) != 0 {
			t.Fatal("zero-fill cancel must not open a position")
		}
		if len(notify.resolved) != 1 || notify.resolved[0] != store.EntryCanceled {
			t.Error("EntryResolved not sent")
		}
	})

	t.Run("cancel after partial fill opens the filled part", func(t *testing.T) {
		book := newFakeBook()
		m := testMonitor(book, venuetest.New(), nil)
		seedOrder(book)

		m.HandleOrderUpdate(context.Background(), 1, venue.OrderUpdate{
			OrderID: 9001, State: venue.OrderCanceled, AvgFillPrice: 50020, FilledQty: 0.01,
		})

		if len(book.createdPositions) != 1 {
			t.Fatal("partial fill then cancel should open a position")
		}
		pos := book.createdPositions[0]
		if pos.Quantity != 0.01 || pos.EntryPrice != 50020 {
			t.Errorf("got qty %v entry %v, want 0.01 @ 50020", pos.Quantity, pos.EntryPrice)
		}
	})

	t.Run("unknown venue order is ignored", func(t *testing.T) {
		book := newFakeBook()
		m := testMonitor(book, venuetest.New(), nil)

		m.HandleOrderUpdate(context.Background(), 1, venue.OrderUpdate{
			OrderID: 777, State: venue.OrderFilled, FilledQty: 1,
		})

		if len(book.createdPositions) != 0 {
			t.Fatal("update for a foreign order must be ignored")
		}
	})
}

func TestPoll(t *testing.T) {
	t.Run("resolves filled order the stream missed", func(t *testing.T) {
		book := newFakeBook()
		mock := venuetest.New()
		m := testMonitor(book, mock, nil)
		order := seedOrder(book)

		// Place the entry on the mock venue under the book's venue id.
		mock.SetPrice("BTCUSDT", 50000)
		id, err := mock.SubmitOrder(context.Background(), venue.OrderRequest{
			Symbol: "BTCUSDT", Side: venue.Long, Type: venue.Limit, Quantity: 0.02, Price: 50000,
		})
		if err != nil {
			t.Fatal(err)
		}
		order.VenueOrderID = id
		book.byVenueID[id] = order
		mock.MarkFilled(id, 50010)

		m.Poll(context.Background())

		if len(book.createdPositions) != 1 {
			t.Fatalf("want 1 position, got %d", len(book.createdPositions))
		}
		if book.createdPositions[0].EntryPrice != 50010 {
			t.Errorf("entry = %v, want venue avg 50010", book.createdPositions[0].EntryPrice)
		}
	})

	t.Run("venue-forgotten order expires", func(t *testing.T) {
		book := newFakeBook()
		mock := venuetest.New()
		m := testMonitor(book, mock, nil)
		seedOrder(book) // venue id 9001 never submitted to the mock

		m.Poll(context.Background())

		if got := book.statusUpdates[5]; got != store.EntryExpired {
			t.Errorf("status = %q, want expired", got)
		}
	})

	t.Run("resting order untouched", func(t *testing.T) {
		book := newFakeBook()
		mock := venuetest.New()
		m := testMonitor(book, mock, nil)
		order := seedOrder(book)

		id, err := mock.SubmitOrder(context.Background(), venue.OrderRequest{
			Symbol: "BTCUSDT", Side: venue.Long, Type: venue.Limit, Quantity: 0.02, Price: 49000,
		})
		if err != nil {
			t.Fatal(err)
		}
		order.VenueOrderID = id
		book.byVenueID[id] = order

		m.Poll(context.Background())

		if order.Status != store.EntryOpen {
			t.Errorf("status = %q, want still open", order.Status)
		}
		if len(book.createdPositions) != 0 {
			t.Fatal("no position should open for a resting order")
		}
	})
}
