package binance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/settings"
	"oc-futures-bot/internal/venue"
)

// Lane separates the pacing budgets. Trading calls are signed and scarce;
// market-data calls are cheap but noisy.
type Lane int

const (
	LaneTrading Lane = iota
	LaneMarketData
)

// Last-resort defaults, used when the scheduler runs without a settings
// source. The keyed defaults in the settings package win otherwise.
const (
	tradingMinGap    = 100 * time.Millisecond
	marketDataMinGap = 50 * time.Millisecond

	// throttleCap bounds the adaptive gap multiplier.
	throttleCap = 4.0
	// throttleDecayAfter is how long without errors before the multiplier
	// steps back down.
	throttleDecayAfter = 30 * time.Second
)

// Scheduler paces REST calls to the venue. It keeps a minimum gap per lane,
// widens the gap when the venue pushes back, honors venue-imposed bans, and
// trips a circuit breaker on repeated timeouts so the engine stops hammering
// a dead endpoint. Emergency work (protective exits) bypasses the breaker
// and the throttle, never the ban.
//
// Pacing and throttle values are re-read from the settings snapshot on every
// call, so operator tuning applies without a restart. Circuit parameters are
// fixed at construction.
type Scheduler struct {
	mu         sync.Mutex
	lastCall   map[Lane]time.Time
	multiplier float64
	lastErrAt  time.Time
	banUntil   time.Time

	tuning  func() *settings.Snapshot
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

// NewScheduler creates a scheduler. tuning supplies the runtime pacing
// settings; nil falls back to the compiled defaults.
func NewScheduler(tuning func() *settings.Snapshot, log *logging.Logger) *Scheduler {
	s := &Scheduler{
		lastCall:   make(map[Lane]time.Time),
		multiplier: 1.0,
		tuning:     tuning,
		log:        log.WithComponent("venue-scheduler"),
	}
	snap := s.snap()
	threshold := uint32(snap.Int("binance_timeout_threshold", 5))
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance-rest",
		MaxRequests: 2,
		Interval:    snap.Millis("binance_timeout_window_ms", time.Minute),
		Timeout:     snap.Millis("binance_timeout_circuit_cooldown_ms", 20*time.Second),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("venue circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	return s
}

func (s *Scheduler) snap() *settings.Snapshot {
	if s.tuning == nil {
		return nil
	}
	return s.tuning()
}

// laneGap resolves the pacing gap for a lane. The lane-specific key wins;
// binance_min_request_interval_ms is the fallback for lanes without one.
func laneGap(snap *settings.Snapshot, lane Lane) time.Duration {
	def := snap.Millis("binance_min_request_interval_ms", tradingMinGap)
	switch lane {
	case LaneTrading:
		return snap.Millis("binance_signed_request_interval_ms", def)
	case LaneMarketData:
		return snap.Millis("binance_market_data_min_interval_ms", marketDataMinGap)
	}
	return def
}

// Acquire blocks until the caller may issue a request on the lane, honoring
// the pacing gap, the adaptive throttle and any active ban. Returns a
// RateLimited error when ctx expires first.
func (s *Scheduler) Acquire(ctx context.Context, lane Lane, emergency bool) error {
	for {
		snap := s.snap()
		s.mu.Lock()
		now := time.Now()

		if now.Before(s.banUntil) {
			wait := time.Until(s.banUntil)
			s.mu.Unlock()
			if !sleepCtx(ctx, wait) {
				return venue.NewError(venue.KindRateLimited, "venue ban active for %s", wait.Round(time.Second))
			}
			continue
		}

		gap := laneGap(snap, lane)
		if !emergency {
			// Decay the throttle after a quiet stretch.
			if s.multiplier > 1.0 && now.Sub(s.lastErrAt) > snap.Millis("binance_throttle_decay_ms", throttleDecayAfter) {
				s.multiplier = s.multiplier / 2
				if s.multiplier < 1.0 {
					s.multiplier = 1.0
				}
				s.lastErrAt = now
			}
			gap = time.Duration(float64(gap) * s.multiplier)
		}

		elapsed := now.Sub(s.lastCall[lane])
		if elapsed >= gap {
			s.lastCall[lane] = now
			s.mu.Unlock()
			return nil
		}
		wait := gap - elapsed
		s.mu.Unlock()

		if !sleepCtx(ctx, wait) {
			return venue.WrapError(venue.KindTimeout, ctx.Err())
		}
	}
}

// Run executes fn behind the timeout circuit. Emergency calls bypass the
// breaker entirely; non-emergency calls are rejected while it cools down.
func (s *Scheduler) Run(emergency bool, fn func() error) error {
	if emergency {
		err := fn()
		s.observe(err)
		return err
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		err := fn()
		// Only transient failures count toward tripping the breaker.
		if err != nil && !venue.IsRetryable(err) {
			s.observe(err)
			return nil, nil
		}
		s.observe(err)
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return venue.NewError(venue.KindTimeout, "venue circuit open, request rejected")
	}
	return err
}

// observe feeds a call outcome into the throttle state.
func (s *Scheduler) observe(err error) {
	if err == nil {
		return
	}
	if !venue.IsRetryable(err) {
		return
	}
	maxMult := s.snap().Float("binance_max_throttle_multiplier", throttleCap)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrAt = time.Now()
	s.multiplier *= 1.5
	if s.multiplier > maxMult {
		s.multiplier = maxMult
	}
	s.log.Warn("venue pushback, widening request gap", "multiplier", s.multiplier)
}

// Ban records a venue-imposed ban. Zero until means a default cooldown.
func (s *Scheduler) Ban(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.IsZero() {
		until = time.Now().Add(time.Minute)
	}
	if until.After(s.banUntil) {
		s.banUntil = until
		s.log.Error("venue ban recorded", "until", until.Format(time.RFC3339))
	}
}

// Banned reports whether a ban window is active.
func (s *Scheduler) Banned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.banUntil)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
