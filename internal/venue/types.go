package venue

import (
	"context"
	"time"
)

// Side is the direction of an exposure, not of a wire-level order.
// The adapter maps long/short onto BUY/SELL plus positionSide depending on
// the account's position mode.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Sign returns +1 for long, -1 for short; used in P&L arithmetic.
func (s Side) Sign() float64 {
	if s == Long {
		return 1
	}
	return -1
}

// OrderType enumerates the order types the engine submits.
type OrderType string

const (
	Market           OrderType = "MARKET"
	Limit            OrderType = "LIMIT"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitLimit  OrderType = "TAKE_PROFIT"
	StopLimit        OrderType = "STOP"
)

// OrderRequest describes one order submission. ClientToken makes retried
// submissions idempotent on the venue side.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    float64
	Price       float64 // limit price, 0 for market types
	StopPrice   float64 // trigger price for conditional types
	ReduceOnly  bool    // exits only
	ClosingSide bool    // true when this order closes an exposure on Side
	TimeInForce string  // GTC when empty
	ClientToken string
}

// OrderState is the venue-reported lifecycle state of an order.
type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderExpired         OrderState = "EXPIRED"
	OrderRejected        OrderState = "REJECTED"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// OrderStatus is the point-in-time view of a venue order.
type OrderStatus struct {
	OrderID      int64
	ClientToken  string
	Symbol       string
	Side         Side
	Type         OrderType
	State        OrderState
	Price        float64
	StopPrice    float64
	Quantity     float64
	FilledQty    float64
	AvgFillPrice float64
	ReduceOnly   bool
	UpdatedAt    time.Time
}

// PositionInfo is one venue-side open exposure.
type PositionInfo struct {
	Symbol     string
	Side       Side
	Quantity   float64 // always positive
	EntryPrice float64
	MarkPrice  float64
}

// OpenOrder is a venue-side resting order, as listed by OpenOrders.
type OpenOrder struct {
	OrderID     int64
	ClientToken string
	Symbol      string
	Side        Side
	Type        OrderType
	Price       float64
	StopPrice   float64
	Quantity    float64
	ReduceOnly  bool
}

// SymbolMeta carries the per-symbol precision and sizing constraints used
// for rounding and validation before submission.
type SymbolMeta struct {
	Symbol         string
	TickSize       float64
	StepSize       float64
	MinNotional    float64
	PricePrecision int
	QtyPrecision   int
	HedgeMode      bool
}

// StreamEvent is a tagged variant decoded from the venue account stream.
// Unknown wire events are dropped by the adapter, never surfaced.
type StreamEvent interface{ streamEvent() }

// OrderUpdate reports a change to one of the account's orders.
type OrderUpdate struct {
	OrderID      int64
	ClientToken  string
	Symbol       string
	Side         Side
	Type         OrderType
	State        OrderState
	Price        float64
	StopPrice    float64
	Quantity     float64
	FilledQty    float64
	AvgFillPrice float64
	ReduceOnly   bool
	RealizedPnL  float64
	EventTime    time.Time
}

// AccountUpdate reports balance and exposure changes.
type AccountUpdate struct {
	Reason    string
	Balances  map[string]float64 // asset -> wallet balance
	Positions []PositionInfo
	EventTime time.Time
}

// ListenKeyExpired signals that the adapter had to renew its stream
// subscription; the caller should treat cached order state as stale.
type ListenKeyExpired struct {
	EventTime time.Time
}

func (OrderUpdate) streamEvent()      {}
func (AccountUpdate) streamEvent()    {}
func (ListenKeyExpired) streamEvent() {}

// Adapter is the venue-neutral capability set. One adapter instance exists
// per active bot; its lifetime matches the bot activation.
//
// All methods honor ctx deadlines. CancelOrder treats a non-existent order
// as success. SubmitOrder is idempotent per ClientToken.
type Adapter interface {
	// Price returns the last trade price, served from the tick cache when
	// fresh and falling back to REST otherwise.
	Price(ctx context.Context, symbol string) (float64, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (int64, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	OrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderStatus, error)

	OpenPositions(ctx context.Context) ([]PositionInfo, error)
	// ClosableQty returns the quantity that can still be closed for the
	// given exposure, 0 when the venue has none.
	ClosableQty(ctx context.Context, symbol string, side Side) (float64, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// AccountStream returns a channel of decoded account events. The
	// adapter reconnects transparently; the channel closes only when ctx
	// is canceled.
	AccountStream(ctx context.Context) (<-chan StreamEvent, error)

	SymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error)
	// SetLeverage is a no-op without a venue call when the cached value
	// already matches.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionMode(ctx context.Context, hedge bool) error
}
