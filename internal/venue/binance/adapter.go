package binance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/venue"
)

const (
	priceCacheTTL  = 5 * time.Second
	symbolMetaTTL  = time.Hour
	defaultLimitTF = "GTC"
)

type cachedPrice struct {
	price float64
	at    time.Time
}

// Adapter implements venue.Adapter for Binance USDⓈ-M futures. One instance
// exists per active bot.
type Adapter struct {
	client *Client
	log    *logging.Logger

	mu            sync.RWMutex
	meta          map[string]*venue.SymbolMeta
	metaFetchedAt time.Time
	leverage      map[string]int
	hedgeMode     *bool
	prices        map[string]cachedPrice
}

// NewAdapter creates an adapter around an existing client.
func NewAdapter(client *Client, log *logging.Logger) *Adapter {
	return &Adapter{
		client:   client,
		log:      log.WithComponent("binance-adapter"),
		meta:     make(map[string]*venue.SymbolMeta),
		leverage: make(map[string]int),
		prices:   make(map[string]cachedPrice),
	}
}

// StreamBaseURL exposes the websocket host for the tick feed.
func (a *Adapter) StreamBaseURL() string { return a.client.wsBaseURL }

// UpdateTick feeds the price cache from the market stream so Price can skip
// REST for actively traded symbols.
func (a *Adapter) UpdateTick(symbol string, price float64, ts time.Time) {
	a.mu.Lock()
	a.prices[symbol] = cachedPrice{price: price, at: ts}
	a.mu.Unlock()
}

// Price returns the last trade price, cached when fresh.
func (a *Adapter) Price(ctx context.Context, symbol string) (float64, error) {
	a.mu.RLock()
	cached, ok := a.prices[symbol]
	a.mu.RUnlock()
	if ok && time.Since(cached.at) < priceCacheTTL {
		return cached.price, nil
	}

	price, err := a.client.tickerPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	a.UpdateTick(symbol, price, time.Now())
	return price, nil
}

// SubmitOrder places one order. The exposure side is mapped onto BUY/SELL
// plus positionSide according to the account's position mode.
func (a *Adapter) SubmitOrder(ctx context.Context, req venue.OrderRequest) (int64, error) {
	meta, err := a.SymbolMeta(ctx, req.Symbol)
	if err != nil {
		return 0, err
	}
	hedge := meta.HedgeMode

	params := map[string]string{
		"symbol":   req.Symbol,
		"type":     string(req.Type),
		"side":     wireSide(req.Side, req.ClosingSide),
		"quantity": formatQty(req.Quantity, meta),
	}
	if hedge {
		if req.Side == venue.Long {
			params["positionSide"] = "LONG"
		} else {
			params["positionSide"] = "SHORT"
		}
	} else if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.Price > 0 {
		params["price"] = formatPrice(req.Price, meta)
	}
	if req.StopPrice > 0 {
		params["stopPrice"] = formatPrice(req.StopPrice, meta)
	}
	if req.Type == venue.Limit || req.Type == venue.TakeProfitLimit || req.Type == venue.StopLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = defaultLimitTF
		}
		params["timeInForce"] = tif
	}
	if req.ClientToken != "" {
		params["newClientOrderId"] = req.ClientToken
	}

	// Protective exits must go through even when the circuit is cooling down.
	emergency := req.ReduceOnly || req.ClosingSide

	resp, err := a.client.placeOrder(ctx, params, emergency)
	if err != nil {
		return 0, err
	}
	return resp.OrderID, nil
}

// CancelOrder treats an already-gone order as success.
func (a *Adapter) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	err := a.client.cancelOrder(ctx, symbol, orderID)
	if venue.Is(err, venue.KindNotFound) {
		return nil
	}
	return err
}

// OrderStatus returns the venue's view of one order.
func (a *Adapter) OrderStatus(ctx context.Context, symbol string, orderID int64) (*venue.OrderStatus, error) {
	resp, err := a.client.queryOrder(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	return &venue.OrderStatus{
		OrderID:      resp.OrderID,
		ClientToken:  resp.ClientOrderID,
		Symbol:       resp.Symbol,
		Side:         sideFromWire(resp.Side, resp.PositionSide, resp.ReduceOnly),
		Type:         venue.OrderType(resp.Type),
		State:        venue.OrderState(resp.Status),
		Price:        resp.Price,
		StopPrice:    resp.StopPrice,
		Quantity:     resp.OrigQty,
		FilledQty:    resp.ExecutedQty,
		AvgFillPrice: resp.AvgPrice,
		ReduceOnly:   resp.ReduceOnly,
		UpdatedAt:    time.UnixMilli(resp.UpdateTime),
	}, nil
}

// OpenPositions returns every non-zero venue exposure.
func (a *Adapter) OpenPositions(ctx context.Context) ([]venue.PositionInfo, error) {
	risks, err := a.client.positionRisk(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []venue.PositionInfo
	for _, r := range risks {
		if r.PositionAmt == 0 {
			continue
		}
		out = append(out, positionFromRisk(r))
	}
	return out, nil
}

// ClosableQty returns the open quantity for one exposure slot, 0 when flat.
func (a *Adapter) ClosableQty(ctx context.Context, symbol string, side venue.Side) (float64, error) {
	risks, err := a.client.positionRisk(ctx, symbol)
	if err != nil {
		return 0, err
	}
	for _, r := range risks {
		if r.PositionAmt == 0 {
			continue
		}
		p := positionFromRisk(r)
		if p.Side == side {
			return p.Quantity, nil
		}
	}
	return 0, nil
}

// OpenOrders lists resting orders for a symbol.
func (a *Adapter) OpenOrders(ctx context.Context, symbol string) ([]venue.OpenOrder, error) {
	resp, err := a.client.openOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]venue.OpenOrder, 0, len(resp))
	for _, o := range resp {
		out = append(out, venue.OpenOrder{
			OrderID:     o.OrderID,
			ClientToken: o.ClientOrderID,
			Symbol:      o.Symbol,
			Side:        sideFromWire(o.Side, o.PositionSide, o.ReduceOnly),
			Type:        venue.OrderType(o.Type),
			Price:       o.Price,
			StopPrice:   o.StopPrice,
			Quantity:    o.OrigQty,
			ReduceOnly:  o.ReduceOnly,
		})
	}
	return out, nil
}

// AccountStream opens the user-data stream.
func (a *Adapter) AccountStream(ctx context.Context) (<-chan venue.StreamEvent, error) {
	return newAccountStream(a.client, a.log).start(ctx)
}

// SymbolMeta returns cached per-symbol constraints, refreshing the whole
// exchangeInfo snapshot when stale.
func (a *Adapter) SymbolMeta(ctx context.Context, symbol string) (*venue.SymbolMeta, error) {
	a.mu.RLock()
	m, ok := a.meta[symbol]
	fresh := time.Since(a.metaFetchedAt) < symbolMetaTTL
	a.mu.RUnlock()
	if ok && fresh {
		return m, nil
	}

	if err := a.refreshMeta(ctx); err != nil {
		if ok {
			// Stale meta beats no meta.
			return m, nil
		}
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok = a.meta[symbol]
	if !ok {
		return nil, venue.NewError(venue.KindNotFound, "unknown symbol %s", symbol)
	}
	return m, nil
}

func (a *Adapter) refreshMeta(ctx context.Context) error {
	info, err := a.client.exchangeInfo(ctx)
	if err != nil {
		return err
	}
	hedge, err := a.client.getPositionMode(ctx)
	if err != nil {
		a.log.Warn("failed to read position mode, assuming one-way", "error", err)
		hedge = false
	}

	meta := make(map[string]*venue.SymbolMeta, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		m := &venue.SymbolMeta{
			Symbol:         s.Symbol,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
			HedgeMode:      hedge,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				m.StepSize = parseFloat(f.StepSize)
			case "MIN_NOTIONAL":
				m.MinNotional = parseFloat(f.MinNotional)
			}
		}
		meta[s.Symbol] = m
	}

	a.mu.Lock()
	a.meta = meta
	a.metaFetchedAt = time.Now()
	a.hedgeMode = &hedge
	a.mu.Unlock()

	a.log.Info("symbol metadata refreshed", "symbols", len(meta), "hedge_mode", hedge)
	return nil
}

// SetLeverage skips the venue call when the cached value already matches.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	a.mu.RLock()
	current, ok := a.leverage[symbol]
	a.mu.RUnlock()
	if ok && current == leverage {
		return nil
	}

	if err := a.client.setLeverage(ctx, symbol, leverage); err != nil {
		return err
	}
	a.mu.Lock()
	a.leverage[symbol] = leverage
	a.mu.Unlock()
	return nil
}

// SetPositionMode switches hedge/one-way, skipping the call when cached.
func (a *Adapter) SetPositionMode(ctx context.Context, hedge bool) error {
	a.mu.RLock()
	cached := a.hedgeMode
	a.mu.RUnlock()
	if cached != nil && *cached == hedge {
		return nil
	}

	if err := a.client.setPositionMode(ctx, hedge); err != nil {
		return err
	}
	a.mu.Lock()
	a.hedgeMode = &hedge
	for _, m := range a.meta {
		m.HedgeMode = hedge
	}
	a.mu.Unlock()
	return nil
}

// ---- mapping helpers ----

// wireSide maps exposure direction to BUY/SELL. Closing an exposure trades
// against it.
func wireSide(side venue.Side, closing bool) string {
	long := side == venue.Long
	if closing {
		long = !long
	}
	if long {
		return "BUY"
	}
	return "SELL"
}

func positionFromRisk(r positionRisk) venue.PositionInfo {
	side := venue.Long
	qty := r.PositionAmt
	if r.PositionSide == "SHORT" || (r.PositionSide == "BOTH" && r.PositionAmt < 0) {
		side = venue.Short
	}
	if qty < 0 {
		qty = -qty
	}
	return venue.PositionInfo{
		Symbol:     r.Symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: r.EntryPrice,
		MarkPrice:  r.MarkPrice,
	}
}

func formatQty(qty float64, meta *venue.SymbolMeta) string {
	prec := meta.QtyPrecision
	if prec <= 0 {
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	return trimZeros(strconv.FormatFloat(qty, 'f', prec, 64))
}

func formatPrice(price float64, meta *venue.SymbolMeta) string {
	prec := meta.PricePrecision
	if prec <= 0 {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	return trimZeros(strconv.FormatFloat(price, 'f', prec, 64))
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
