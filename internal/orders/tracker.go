package orders

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oc-futures-bot/internal/venue"
)

// terminalRetention is how long terminal orders stay queryable. Fill
// detection may run a cycle or two behind the stream.
const terminalRetention = 10 * time.Minute

// Tracker is the in-memory cache of venue order state, written only by the
// account-stream consumer and read by the position monitor's fill detection.
type Tracker struct {
	mu     sync.RWMutex
	orders map[int64]*trackedOrder
	logger zerolog.Logger
}

type trackedOrder struct {
	status     venue.OrderStatus
	terminalAt time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		orders: make(map[int64]*trackedOrder),
		logger: logger.With().Str("component", "order-tracker").Logger(),
	}
}

// Record applies one stream update.
func (t *Tracker) Record(u venue.OrderUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := venue.OrderStatus{
		OrderID:      u.OrderID,
		ClientToken:  u.ClientToken,
		Symbol:       u.Symbol,
		Side:         u.Side,
		Type:         u.Type,
		State:        u.State,
		Price:        u.Price,
		StopPrice:    u.StopPrice,
		Quantity:     u.Quantity,
		FilledQty:    u.FilledQty,
		AvgFillPrice: u.AvgFillPrice,
		ReduceOnly:   u.ReduceOnly,
		UpdatedAt:    u.EventTime,
	}
	entry := &trackedOrder{status: status}
	if status.State.Terminal() {
		entry.terminalAt = time.Now()
	}
	t.orders[u.OrderID] = entry

	t.logger.Debug().
		Int64("order_id", u.OrderID).
		Str("symbol", u.Symbol).
		Str("state", string(u.State)).
		Float64("filled_qty", u.FilledQty).
		Msg("order state recorded")
}

// Lookup returns the cached state of an order.
func (t *Tracker) Lookup(orderID int64) (venue.OrderStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[orderID]
	if !ok {
		return venue.OrderStatus{}, false
	}
	return o.status, true
}

// Invalidate drops all cached state, used after a listen-key expiry when the
// stream may have missed transitions.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.orders)
	t.orders = make(map[int64]*trackedOrder)
	t.logger.Warn().Int("dropped", n).Msg("order cache invalidated")
}

// Prune evicts terminal orders past retention. Call periodically.
func (t *Tracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-terminalRetention)
	for id, o := range t.orders {
		if !o.terminalAt.IsZero() && o.terminalAt.Before(cutoff) {
			delete(t.orders, id)
		}
	}
}
