package binance

import (
	"context"
	"testing"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/settings"
	"oc-futures-bot/internal/venue"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "error", Output: "stderr"})
}

func testTuning(overrides map[string]string) func() *settings.Snapshot {
	snap := settings.NewSnapshot(overrides)
	return func() *settings.Snapshot { return snap }
}

func TestSchedulerPacesLaneFromSettings(t *testing.T) {
	s := NewScheduler(testTuning(map[string]string{
		"binance_market_data_min_interval_ms": "60",
	}), testLogger())
	ctx := context.Background()

	if err := s.Acquire(ctx, LaneMarketData, false); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := s.Acquire(ctx, LaneMarketData, false); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second call paced only %v, want the configured 60ms gap", elapsed)
	}
}

func TestSchedulerSignedLaneUsesOwnGap(t *testing.T) {
	s := NewScheduler(testTuning(map[string]string{
		"binance_min_request_interval_ms":    "500",
		"binance_signed_request_interval_ms": "1",
	}), testLogger())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Acquire(ctx, LaneTrading, false); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("trading lane took %v; the signed gap must override the general one", elapsed)
	}
}

func TestSchedulerThrottleCapFromSettings(t *testing.T) {
	s := NewScheduler(testTuning(map[string]string{
		"binance_max_throttle_multiplier": "2",
	}), testLogger())

	for i := 0; i < 6; i++ {
		s.observe(venue.NewError(venue.KindRateLimited, "too many requests"))
	}

	s.mu.Lock()
	mult := s.multiplier
	s.mu.Unlock()
	if mult != 2.0 {
		t.Errorf("multiplier = %v, want capped at the configured 2.0", mult)
	}
}

func TestSchedulerCircuitThresholdFromSettings(t *testing.T) {
	s := NewScheduler(testTuning(map[string]string{
		"binance_timeout_threshold": "1",
	}), testLogger())

	timeout := venue.NewError(venue.KindTimeout, "venue timed out")
	if err := s.Run(false, func() error { return timeout }); err == nil {
		t.Fatal("timeout should surface")
	}

	// One consecutive timeout trips the configured circuit; the next
	// non-emergency call is rejected without reaching the venue.
	called := false
	err := s.Run(false, func() error { called = true; return nil })
	if !venue.Is(err, venue.KindTimeout) {
		t.Fatalf("want circuit rejection, got %v", err)
	}
	if called {
		t.Error("open circuit must not execute the call")
	}
}

func TestSchedulerEmergencyBypassesCircuit(t *testing.T) {
	s := NewScheduler(testTuning(map[string]string{
		"binance_timeout_threshold": "1",
	}), testLogger())

	timeout := venue.NewError(venue.KindTimeout, "venue timed out")
	_ = s.Run(false, func() error { return timeout })

	called := false
	if err := s.Run(true, func() error { called = true; return nil }); err != nil {
		t.Fatalf("emergency call should bypass the open circuit: %v", err)
	}
	if !called {
		t.Error("emergency call never executed")
	}
}

func TestSchedulerNilTuningServesDefaults(t *testing.T) {
	s := NewScheduler(nil, testLogger())
	if err := s.Acquire(context.Background(), LaneMarketData, false); err != nil {
		t.Fatal(err)
	}
	if s.Banned() {
		t.Error("fresh scheduler should not report a ban")
	}
}
