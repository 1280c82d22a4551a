// Package settings is the hot-reloadable runtime configuration store. Values
// live in the system_settings table; an immutable in-memory snapshot is
// swapped atomically on reload so readers never block writers.
package settings

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/store"
)

// Recognized keys and their defaults. Unknown keys are stored and served
// verbatim; they just have no default.
var defaults = map[string]string{
	// monitor cadence
	"position_monitor_interval_ms":   "1000",
	"position_sync_interval_minutes": "5",
	"entry_order_monitor_cron":       "30s",

	// exit order replacement thresholds
	"tp_update_threshold_ticks":       "5",
	"sl_update_threshold_ticks":       "5",
	"exit_order_min_price_change_pct": "0.05",
	"adv_tpsl_trailing_enabled":       "true",

	// venue pacing and circuit
	"binance_min_request_interval_ms":     "100",
	"binance_signed_request_interval_ms":  "250",
	"binance_market_data_min_interval_ms": "50",
	"binance_timeout_window_ms":           "60000",
	"binance_timeout_threshold":           "5",
	"binance_max_throttle_multiplier":     "4",
	"binance_throttle_decay_ms":           "30000",
	"binance_timeout_circuit_cooldown_ms": "20000",

	// layer A worker tuning
	"tp_sl_update_batch_size": "10",
	"tp_sl_update_delay_ms":   "200",
	"tp_sl_max_retries":       "3",
	"tp_sl_retry_backoff_ms":  "500",

	// candle pruning
	"candles_retention_days":         "30",
	"candles_keep_last_per_interval": "5000",
	"candles_prune_mode":             "age", // age, keep, both

	// safety
	"emergency_ttl_seconds":       "120",
	"entry_order_timeout_seconds": "60",
	"venue_call_timeout_ms":       "5000",
	"position_mode_fallback":      "one_way",
}

// Snapshot is an immutable view of the settings at one point in time. Safe
// for concurrent reads; a monitor cycle reads one snapshot throughout. A nil
// snapshot serves the caller-supplied defaults.
type Snapshot struct {
	values map[string]string
}

// NewSnapshot builds a snapshot of the compiled-in defaults overlaid with
// overrides. For tooling and tests that run without a database.
func NewSnapshot(overrides map[string]string) *Snapshot {
	return snapshotFrom(overrides)
}

// String returns the value for key, falling back to def when absent.
func (s *Snapshot) String(key, def string) string {
	if s == nil {
		return def
	}
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// Int returns the integer value for key.
func (s *Snapshot) Int(key string, def int) int {
	if s == nil {
		return def
	}
	v, ok := s.values[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Float returns the float value for key.
func (s *Snapshot) Float(key string, def float64) float64 {
	if s == nil {
		return def
	}
	v, ok := s.values[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

// Bool returns the boolean value for key. Accepts true/false, 1/0, yes/no.
func (s *Snapshot) Bool(key string, def bool) bool {
	if s == nil {
		return def
	}
	v, ok := s.values[key]
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// Duration returns the duration for key. Accepts Go duration strings
// ("30s", "5m") or a bare number of milliseconds.
func (s *Snapshot) Duration(key string, def time.Duration) time.Duration {
	if s == nil {
		return def
	}
	v, ok := s.values[key]
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// Millis reads a *_ms key as a duration.
func (s *Snapshot) Millis(key string, def time.Duration) time.Duration {
	ms := s.Int(key, int(def/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// Store loads settings from the database and serves snapshots.
type Store struct {
	db   *store.DB
	log  *logging.Logger
	snap atomic.Value // *Snapshot
}

// New creates a store serving defaults until the first Load.
func New(db *store.DB, log *logging.Logger) *Store {
	s := &Store{db: db, log: log.WithComponent("settings")}
	s.snap.Store(snapshotFrom(nil))
	return s
}

func snapshotFrom(overrides map[string]string) *Snapshot {
	values := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		values[k] = v
	}
	for k, v := range overrides {
		values[k] = v
	}
	return &Snapshot{values: values}
}

// Load reads all stored settings and swaps in a fresh snapshot.
func (s *Store) Load(ctx context.Context) error {
	stored, err := s.db.GetAllSettings(ctx)
	if err != nil {
		return err
	}
	s.snap.Store(snapshotFrom(stored))
	s.log.Debug("settings reloaded", "overrides", len(stored))
	return nil
}

// Current returns the latest snapshot.
func (s *Store) Current() *Snapshot {
	return s.snap.Load().(*Snapshot)
}

// Set writes one key through to the database and reloads.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.db.SetSetting(ctx, key, value); err != nil {
		return err
	}
	return s.Load(ctx)
}

// Default returns the compiled-in default for a key, empty when none.
func Default(key string) string { return defaults[key] }
