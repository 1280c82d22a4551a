package settings

import (
	"testing"
	"time"
)

func snap(values map[string]string) *Snapshot {
	return snapshotFrom(values)
}

func TestSnapshotString(t *testing.T) {
	s := snap(map[string]string{"candles_prune_mode": "both"})
	if got := s.String("candles_prune_mode", "age"); got != "both" {
		t.Errorf("got %q, want both", got)
	}
	if got := s.String("no_such_key", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestSnapshotInt(t *testing.T) {
	s := snap(map[string]string{
		"tp_sl_max_retries": " 7 ",
		"garbage":           "not-a-number",
	})
	if got := s.Int("tp_sl_max_retries", 3); got != 7 {
		t.Errorf("got %d, want 7", got)
	}
	if got := s.Int("garbage", 3); got != 3 {
		t.Errorf("unparseable value should fall back, got %d", got)
	}
	if got := s.Int("missing_entirely", 9); got != 9 {
		t.Errorf("missing key should fall back, got %d", got)
	}
}

func TestSnapshotFloat(t *testing.T) {
	s := snap(map[string]string{"exit_order_min_price_change_pct": "0.25"})
	if got := s.Float("exit_order_min_price_change_pct", 0.05); got != 0.25 {
		t.Errorf("got %v, want 0.25", got)
	}
}

func TestSnapshotBool(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"yes", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"off", true, false},
		{"TRUE", false, true},
		{" false ", true, false},
		{"maybe", true, true}, // unparseable keeps the default
	}
	for _, tc := range cases {
		s := snap(map[string]string{"adv_tpsl_trailing_enabled": tc.value})
		if got := s.Bool("adv_tpsl_trailing_enabled", tc.def); got != tc.want {
			t.Errorf("Bool(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestSnapshotDuration(t *testing.T) {
	s := snap(map[string]string{
		"entry_order_monitor_cron": "45s",
		"bare_millis":              "1500",
		"garbage":                  "soon",
	})
	if got := s.Duration("entry_order_monitor_cron", time.Minute); got != 45*time.Second {
		t.Errorf("got %v, want 45s", got)
	}
	if got := s.Duration("bare_millis", time.Second); got != 1500*time.Millisecond {
		t.Errorf("bare number should parse as milliseconds, got %v", got)
	}
	if got := s.Duration("garbage", 2*time.Second); got != 2*time.Second {
		t.Errorf("unparseable duration should fall back, got %v", got)
	}
}

func TestSnapshotMillis(t *testing.T) {
	s := snap(map[string]string{"venue_call_timeout_ms": "2500"})
	if got := s.Millis("venue_call_timeout_ms", 5*time.Second); got != 2500*time.Millisecond {
		t.Errorf("got %v, want 2.5s", got)
	}
	if got := s.Millis("absent_ms", 750*time.Millisecond); got != 750*time.Millisecond {
		t.Errorf("got %v, want default 750ms", got)
	}
}

func TestSnapshotDefaults(t *testing.T) {
	s := snapshotFrom(nil)
	if got := s.Int("position_monitor_interval_ms", 0); got != 1000 {
		t.Errorf("compiled-in default not served, got %d", got)
	}
	if !s.Bool("adv_tpsl_trailing_enabled", false) {
		t.Error("trailing should default to enabled")
	}
}

func TestSnapshotOverridesWinOverDefaults(t *testing.T) {
	s := snapshotFrom(map[string]string{"emergency_ttl_seconds": "300"})
	if got := s.Int("emergency_ttl_seconds", 0); got != 300 {
		t.Errorf("override not applied, got %d", got)
	}
	// Untouched keys keep their defaults.
	if got := s.Int("tp_update_threshold_ticks", 0); got != 5 {
		t.Errorf("default lost, got %d", got)
	}
}

func TestDefault(t *testing.T) {
	if Default("candles_prune_mode") != "age" {
		t.Error("unexpected default for candles_prune_mode")
	}
	if Default("not_a_key") != "" {
		t.Error("unknown key should have empty default")
	}
}
