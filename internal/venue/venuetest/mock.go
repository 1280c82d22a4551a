// Package venuetest provides an in-memory venue.Adapter for tests.
package venuetest

import (
	"context"
	"sync"
	"time"

	"oc-futures-bot/internal/venue"
)

// Mock is an in-memory venue adapter. Prices, symbol metadata and scripted
// failures are set by the test; orders and positions mutate as the engine
// drives them.
type Mock struct {
	mu sync.RWMutex

	prices    map[string]float64
	meta      map[string]*venue.SymbolMeta
	positions map[string]*venue.PositionInfo // keyed symbol|side
	orders    map[int64]*venue.OrderStatus
	byToken   map[string]int64
	leverage  map[string]int
	hedgeMode bool

	nextOrderID int64
	events      chan venue.StreamEvent

	// SubmitErr, when non-nil, is consulted before accepting an order.
	SubmitErr func(req venue.OrderRequest) error
	// FillOnSubmit marks MARKET orders filled at the current price.
	FillOnSubmit bool

	Submitted []venue.OrderRequest
	Canceled  []int64
}

// New creates an empty mock with market orders filling immediately.
func New() *Mock {
	return &Mock{
		prices:       make(map[string]float64),
		meta:         make(map[string]*venue.SymbolMeta),
		positions:    make(map[string]*venue.PositionInfo),
		orders:       make(map[int64]*venue.OrderStatus),
		byToken:      make(map[string]int64),
		leverage:     make(map[string]int),
		nextOrderID:  1000,
		events:       make(chan venue.StreamEvent, 64),
		FillOnSubmit: true,
	}
}

func posKey(symbol string, side venue.Side) string { return symbol + "|" + string(side) }

// SetPrice sets the current price for a symbol.
func (m *Mock) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetMeta installs symbol constraints.
func (m *Mock) SetMeta(meta *venue.SymbolMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[meta.Symbol] = meta
}

// SetPosition seeds a venue-side exposure.
func (m *Mock) SetPosition(p venue.PositionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[posKey(p.Symbol, p.Side)] = &p
}

// ClearPosition removes a venue-side exposure.
func (m *Mock) ClearPosition(symbol string, side venue.Side) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, posKey(symbol, side))
}

// Emit pushes a stream event to the AccountStream consumer.
func (m *Mock) Emit(ev venue.StreamEvent) { m.events <- ev }

// Order returns the recorded status of an order id.
func (m *Mock) Order(id int64) (venue.OrderStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return venue.OrderStatus{}, false
	}
	return *o, true
}

// MarkFilled transitions an order to FILLED at the given price and adjusts
// the venue position the way a real fill would.
func (m *Mock) MarkFilled(id int64, avgPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return
	}
	o.State = venue.OrderFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = avgPrice
	m.applyFillLocked(o)
}

func (m *Mock) applyFillLocked(o *venue.OrderStatus) {
	key := posKey(o.Symbol, o.Side)
	if o.ReduceOnly {
		if p, ok := m.positions[key]; ok {
			p.Quantity -= o.FilledQty
			if p.Quantity <= 0 {
				delete(m.positions, key)
			}
		}
		return
	}
	if p, ok := m.positions[key]; ok {
		total := p.Quantity + o.FilledQty
		p.EntryPrice = (p.EntryPrice*p.Quantity + o.AvgFillPrice*o.FilledQty) / total
		p.Quantity = total
		return
	}
	m.positions[key] = &venue.PositionInfo{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.FilledQty,
		EntryPrice: o.AvgFillPrice,
	}
}

// ---- venue.Adapter ----

func (m *Mock) Price(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return 0, venue.NewError(venue.KindNotFound, "no price for %s", symbol)
	}
	return price, nil
}

func (m *Mock) SubmitOrder(ctx context.Context, req venue.OrderRequest) (int64, error) {
	if m.SubmitErr != nil {
		if err := m.SubmitErr(req); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent per client token.
	if req.ClientToken != "" {
		if id, ok := m.byToken[req.ClientToken]; ok {
			return id, nil
		}
	}

	m.nextOrderID++
	id := m.nextOrderID
	status := &venue.OrderStatus{
		OrderID:     id,
		ClientToken: req.ClientToken,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		State:       venue.OrderNew,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		Quantity:    req.Quantity,
		ReduceOnly:  req.ReduceOnly,
		UpdatedAt:   time.Now(),
	}
	if req.Type == venue.Market && m.FillOnSubmit {
		status.State = venue.OrderFilled
		status.FilledQty = req.Quantity
		status.AvgFillPrice = m.prices[req.Symbol]
		m.applyFillLocked(status)
	}
	m.orders[id] = status
	if req.ClientToken != "" {
		m.byToken[req.ClientToken] = id
	}
	m.Submitted = append(m.Submitted, req)
	return id, nil
}

func (m *Mock) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Canceled = append(m.Canceled, orderID)
	o, ok := m.orders[orderID]
	if !ok {
		return nil // non-existent cancel is success
	}
	if !o.State.Terminal() {
		o.State = venue.OrderCanceled
	}
	return nil
}

func (m *Mock) OrderStatus(ctx context.Context, symbol string, orderID int64) (*venue.OrderStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, venue.NewError(venue.KindNotFound, "order %d not found", orderID)
	}
	cp := *o
	return &cp, nil
}

func (m *Mock) OpenPositions(ctx context.Context) ([]venue.PositionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]venue.PositionInfo, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		if price, ok := m.prices[p.Symbol]; ok {
			cp.MarkPrice = price
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *Mock) ClosableQty(ctx context.Context, symbol string, side venue.Side) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[posKey(symbol, side)]; ok {
		return p.Quantity, nil
	}
	return 0, nil
}

func (m *Mock) OpenOrders(ctx context.Context, symbol string) ([]venue.OpenOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []venue.OpenOrder
	for _, o := range m.orders {
		if o.State.Terminal() || (symbol != "" && o.Symbol != symbol) {
			continue
		}
		out = append(out, venue.OpenOrder{
			OrderID:     o.OrderID,
			ClientToken: o.ClientToken,
			Symbol:      o.Symbol,
			Side:        o.Side,
			Type:        o.Type,
			Price:       o.Price,
			StopPrice:   o.StopPrice,
			Quantity:    o.Quantity,
			ReduceOnly:  o.ReduceOnly,
		})
	}
	return out, nil
}

func (m *Mock) AccountStream(ctx context.Context) (<-chan venue.StreamEvent, error) {
	out := make(chan venue.StreamEvent, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-m.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Mock) SymbolMeta(ctx context.Context, symbol string) (*venue.SymbolMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if meta, ok := m.meta[symbol]; ok {
		cp := *meta
		cp.HedgeMode = m.hedgeMode
		return &cp, nil
	}
	return &venue.SymbolMeta{
		Symbol:         symbol,
		TickSize:       0.01,
		StepSize:       0.001,
		MinNotional:    5,
		PricePrecision: 2,
		QtyPrecision:   3,
		HedgeMode:      m.hedgeMode,
	}, nil
}

func (m *Mock) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *Mock) SetPositionMode(ctx context.Context, hedge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hedgeMode = hedge
	return nil
}
