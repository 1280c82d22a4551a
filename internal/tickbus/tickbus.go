// Package tickbus fans out last-trade ticks to subscribers and builds
// per-interval candles from the tick flow.
package tickbus

import (
	"context"
	"sync"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/venue"
)

// Tick is one last-trade observation.
type Tick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// Candle is one completed bar assembled from ticks.
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64 // trade count proxy; the feed carries no sizes
	CloseTime time.Time
}

// TickHandler receives ticks for a subscribed symbol. Handlers run on the
// dispatch goroutine and must not block; heavy work belongs on a queue.
type TickHandler func(Tick)

// CandleHandler receives each closed candle for a subscription. Candle
// handlers run on a small worker pool, not the dispatch goroutine, so they
// may do I/O without stalling tick delivery.
type CandleHandler func(Candle)

const (
	inboundBuffer = 4096
	candleBuffer  = 256
	candleWorkers = 4
)

// Bus is a single-goroutine tick dispatcher. All tick handler invocations
// happen on the Run goroutine, so tick handlers need no locking among
// themselves; closed candles are handed to the worker pool.
type Bus struct {
	log     *logging.Logger
	in      chan Tick
	candles chan candleEvent

	mu             sync.RWMutex
	tickHandlers   map[string][]TickHandler
	candleHandlers map[seriesKey][]CandleHandler

	builders map[seriesKey]*candleBuilder

	dropped     uint64
	candleDrops uint64
}

type candleEvent struct {
	key seriesKey
	c   Candle
}

type seriesKey struct {
	symbol   string
	interval string
}

// New creates a bus.
func New(log *logging.Logger) *Bus {
	return &Bus{
		log:            log.WithComponent("tickbus"),
		in:             make(chan Tick, inboundBuffer),
		candles:        make(chan candleEvent, candleBuffer),
		tickHandlers:   make(map[string][]TickHandler),
		candleHandlers: make(map[seriesKey][]CandleHandler),
		builders:       make(map[seriesKey]*candleBuilder),
	}
}

// Subscribe registers a tick handler for a symbol.
func (b *Bus) Subscribe(symbol string, h TickHandler) {
	symbol = venue.NormalizeSymbol(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickHandlers[symbol] = append(b.tickHandlers[symbol], h)
}

// SubscribeCandles registers a closed-candle handler for (symbol, interval).
func (b *Bus) SubscribeCandles(symbol, interval string, h CandleHandler) {
	key := seriesKey{symbol: venue.NormalizeSymbol(symbol), interval: interval}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candleHandlers[key] = append(b.candleHandlers[key], h)
	if _, ok := b.builders[key]; !ok {
		if dur, err := ParseInterval(interval); err == nil {
			b.builders[key] = &candleBuilder{interval: interval, duration: dur}
		} else {
			b.log.Error("unparseable interval, candles not built",
				"symbol", key.symbol, "interval", interval, "error", err)
		}
	}
}

// Publish enqueues a tick. Lossy under pressure: ticks are a sampled view of
// the market, so dropping is preferable to blocking the feed.
func (b *Bus) Publish(symbol string, price float64, at time.Time) {
	select {
	case b.in <- Tick{Symbol: venue.NormalizeSymbol(symbol), Price: price, At: at}:
	default:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		if n%1000 == 1 {
			b.log.Warn("tick buffer full, dropping", "dropped_total", n)
		}
	}
}

// Run dispatches until ctx is canceled.
func (b *Bus) Run(ctx context.Context) {
	b.log.Info("tick bus running")

	var wg sync.WaitGroup
	for i := 0; i < candleWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-b.candles:
					b.deliverCandle(ev)
				}
			}
		}()
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("tick bus stopped")
			return
		case tick := <-b.in:
			b.dispatch(tick)
		}
	}
}

func (b *Bus) dispatch(tick Tick) {
	b.mu.RLock()
	handlers := b.tickHandlers[tick.Symbol]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(tick)
	}

	// Builders are only touched from the Run goroutine.
	for key, builder := range b.builders {
		if key.symbol != tick.Symbol {
			continue
		}
		if closed := builder.apply(tick); closed != nil {
			b.emitCandle(key, *closed)
		}
	}
}

// emitCandle hands a closed bar to the worker pool. The dispatch goroutine
// never runs candle handlers itself: one slow handler would stall tick
// delivery for every symbol.
func (b *Bus) emitCandle(key seriesKey, c Candle) {
	select {
	case b.candles <- candleEvent{key: key, c: c}:
	default:
		b.mu.Lock()
		b.candleDrops++
		n := b.candleDrops
		b.mu.Unlock()
		b.log.Warn("candle queue full, bar dropped",
			"symbol", key.symbol, "interval", key.interval, "dropped_total", n)
	}
}

func (b *Bus) deliverCandle(ev candleEvent) {
	b.mu.RLock()
	handlers := b.candleHandlers[ev.key]
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev.c)
	}
}

// candleBuilder accumulates ticks into one in-progress bar. A tick in a
// later bucket closes the current bar; gaps produce no empty bars.
type candleBuilder struct {
	interval string
	duration time.Duration

	open    bool
	bucket  time.Time
	current Candle
}

func (cb *candleBuilder) apply(tick Tick) *Candle {
	bucket := tick.At.Truncate(cb.duration)

	if !cb.open {
		cb.start(tick, bucket)
		return nil
	}

	if bucket.After(cb.bucket) {
		closed := cb.current
		closed.CloseTime = cb.bucket.Add(cb.duration)
		cb.start(tick, bucket)
		return &closed
	}

	if tick.Price > cb.current.High {
		cb.current.High = tick.Price
	}
	if tick.Price < cb.current.Low {
		cb.current.Low = tick.Price
	}
	cb.current.Close = tick.Price
	cb.current.Volume++
	return nil
}

func (cb *candleBuilder) start(tick Tick, bucket time.Time) {
	cb.open = true
	cb.bucket = bucket
	cb.current = Candle{
		Symbol:   tick.Symbol,
		Interval: cb.interval,
		OpenTime: bucket,
		Open:     tick.Price,
		High:     tick.Price,
		Low:      tick.Price,
		Close:    tick.Price,
		Volume:   1,
	}
}

// ParseInterval converts venue interval notation ("1m", "5m", "1h", "4h",
// "1d") into a duration.
func ParseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, errInvalidInterval(interval)
	}
	unit := interval[len(interval)-1]
	var n int
	for _, r := range interval[:len(interval)-1] {
		if r < '0' || r > '9' {
			return 0, errInvalidInterval(interval)
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, errInvalidInterval(interval)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, errInvalidInterval(interval)
}

type errInvalidInterval string

func (e errInvalidInterval) Error() string { return "invalid interval " + string(e) }
