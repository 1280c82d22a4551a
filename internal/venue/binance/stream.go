package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/venue"
)

const (
	listenKeyKeepAlive = 15 * time.Minute
	reconnectDelay     = 3 * time.Second
	streamBuffer       = 256
)

// accountStream pumps user-data events into a channel of decoded variants.
// It owns the listen key lifecycle and reconnects until ctx is canceled.
type accountStream struct {
	client *Client
	log    *logging.Logger
	events chan venue.StreamEvent

	// mu guards listenKey and conn; the keepalive goroutine renews the key
	// while the run goroutine dials with it.
	mu        sync.Mutex
	listenKey string
	conn      *websocket.Conn
}

func (s *accountStream) currentListenKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenKey
}

func (s *accountStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func newAccountStream(client *Client, log *logging.Logger) *accountStream {
	return &accountStream{
		client: client,
		log:    log.WithComponent("account-stream"),
		events: make(chan venue.StreamEvent, streamBuffer),
	}
}

// start obtains the initial listen key and launches the pump. The returned
// channel closes when ctx is canceled.
func (s *accountStream) start(ctx context.Context) (<-chan venue.StreamEvent, error) {
	key, err := s.client.createListenKey(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listenKey = key
	s.mu.Unlock()

	go s.keepAliveLoop(ctx)
	go s.run(ctx)
	s.log.Info("account stream started")
	return s.events, nil
}

func (s *accountStream) run(ctx context.Context) {
	defer close(s.events)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.closeListenKey(closeCtx); err != nil {
			s.log.Debug("failed to close listen key", "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		wsURL := s.client.wsBaseURL + "/ws/" + s.currentListenKey()
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			s.log.Warn("account stream dial failed, retrying", "error", err)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		s.log.Info("account stream connected")

		s.setConn(conn)
		s.readLoop(ctx, conn)
		s.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.log.Warn("account stream disconnected, reconnecting")
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (s *accountStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				s.log.Warn("account stream read error", "error", err)
			}
			return
		}
		s.dispatch(ctx, message)
	}
}

func (s *accountStream) dispatch(ctx context.Context, message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.log.Warn("undecodable stream message dropped", "error", err)
		return
	}

	switch env.EventType {
	case "ORDER_TRADE_UPDATE":
		var ev streamOrderUpdate
		if err := json.Unmarshal(message, &ev); err != nil {
			s.log.Warn("bad ORDER_TRADE_UPDATE dropped", "error", err)
			return
		}
		s.emit(ctx, venue.OrderUpdate{
			OrderID:      ev.Order.OrderID,
			ClientToken:  ev.Order.ClientOrderID,
			Symbol:       ev.Order.Symbol,
			Side:         sideFromWire(ev.Order.Side, ev.Order.PositionSide, ev.Order.IsReduceOnly),
			Type:         venue.OrderType(ev.Order.Type),
			State:        venue.OrderState(ev.Order.Status),
			Price:        ev.Order.Price,
			StopPrice:    ev.Order.StopPrice,
			Quantity:     ev.Order.OrigQty,
			FilledQty:    ev.Order.FilledQty,
			AvgFillPrice: ev.Order.AvgPrice,
			ReduceOnly:   ev.Order.IsReduceOnly,
			RealizedPnL:  ev.Order.RealizedPnL,
			EventTime:    time.UnixMilli(ev.EventTime),
		})

	case "ACCOUNT_UPDATE":
		var ev streamAccountUpdate
		if err := json.Unmarshal(message, &ev); err != nil {
			s.log.Warn("bad ACCOUNT_UPDATE dropped", "error", err)
			return
		}
		update := venue.AccountUpdate{
			Reason:    ev.Data.Reason,
			Balances:  make(map[string]float64, len(ev.Data.Balances)),
			EventTime: time.UnixMilli(ev.EventTime),
		}
		for _, b := range ev.Data.Balances {
			update.Balances[b.Asset] = b.WalletBalance
		}
		for _, p := range ev.Data.Positions {
			if p.PositionAmt == 0 {
				continue
			}
			side := venue.Long
			qty := p.PositionAmt
			if p.PositionSide == "SHORT" || (p.PositionSide == "BOTH" && p.PositionAmt < 0) {
				side = venue.Short
			}
			if qty < 0 {
				qty = -qty
			}
			update.Positions = append(update.Positions, venue.PositionInfo{
				Symbol:     p.Symbol,
				Side:       side,
				Quantity:   qty,
				EntryPrice: p.EntryPrice,
			})
		}
		s.emit(ctx, update)

	case "listenKeyExpired":
		s.log.Warn("listen key expired, renewing")
		s.emit(ctx, venue.ListenKeyExpired{EventTime: time.UnixMilli(env.EventTime)})
		s.renewListenKey(ctx)

	default:
		s.log.Debug("unknown stream event dropped", "event", env.EventType)
	}
}

func (s *accountStream) emit(ctx context.Context, ev venue.StreamEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	default:
		// Consumer is behind. Dropping here would lose an order transition,
		// so block until there is room or shutdown.
		select {
		case s.events <- ev:
		case <-ctx.Done():
		}
	}
}

func (s *accountStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.keepAliveListenKey(ctx); err != nil {
				failures++
				s.log.Warn("listen key keepalive failed", "failures", failures, "error", err)
				if failures >= 3 {
					s.renewListenKey(ctx)
					failures = 0
				}
				continue
			}
			failures = 0
		}
	}
}

// renewListenKey obtains a fresh key and drops the current connection so the
// run goroutine redials with it. Staying connected would ride a key the venue
// has already expired.
func (s *accountStream) renewListenKey(ctx context.Context) {
	key, err := s.client.createListenKey(ctx)
	if err != nil {
		s.log.Error("failed to renew listen key", "error", err)
		return
	}
	s.mu.Lock()
	s.listenKey = key
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// sideFromWire maps BUY/SELL plus positionSide onto exposure direction. A
// reduce-only BUY closes a short; a reduce-only SELL closes a long.
func sideFromWire(side, positionSide string, reduceOnly bool) venue.Side {
	switch positionSide {
	case "LONG":
		return venue.Long
	case "SHORT":
		return venue.Short
	}
	if side == "BUY" {
		if reduceOnly {
			return venue.Short
		}
		return venue.Long
	}
	if reduceOnly {
		return venue.Long
	}
	return venue.Short
}

// TickHandler receives one trade tick.
type TickHandler func(symbol string, price float64, ts time.Time)

// TickStream subscribes to the combined aggTrade stream for the given symbols
// and invokes fn for every trade. It reconnects until ctx is canceled, and
// returns only then.
func TickStream(ctx context.Context, wsBase string, symbols []string, fn TickHandler, log *logging.Logger) {
	slog := log.WithComponent("tick-stream")
	if len(symbols) == 0 {
		slog.Warn("no symbols to stream")
		<-ctx.Done()
		return
	}

	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@aggTrade"
	}
	wsURL := wsBase + "/stream?streams=" + strings.Join(streams, "/")

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			slog.Warn("tick stream dial failed, retrying", "error", err)
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		slog.Info("tick stream connected", "symbols", len(symbols))

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var wrapped combinedStreamMessage
			if err := json.Unmarshal(message, &wrapped); err != nil {
				continue
			}
			var trade streamAggTrade
			if err := json.Unmarshal(wrapped.Data, &trade); err != nil || trade.EventType != "aggTrade" {
				continue
			}
			fn(trade.Symbol, trade.Price, time.UnixMilli(trade.TradeTime))
		}
		close(done)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("tick stream disconnected, reconnecting")
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}
