package posmon

import (
	"math"
	"testing"

	"oc-futures-bot/internal/venue"
)

func TestNextTrailingTP_Long(t *testing.T) {
	// entry 100, initial TP 110: range 10, trail 2%/min => step 0.2/min.
	entry, initialTP := 100.0, 110.0

	t.Run("one minute tightens by one step", func(t *testing.T) {
		res := NextTrailingTP(venue.Long, entry, initialTP, 110, 2, 1)
		if res.Breakeven {
			t.Fatal("unexpected breakeven")
		}
		if math.Abs(res.NewTP-109.8) > 1e-9 {
			t.Errorf("NewTP = %v, want 109.8", res.NewTP)
		}
	})

	t.Run("multiple minutes accumulate", func(t *testing.T) {
		res := NextTrailingTP(venue.Long, entry, initialTP, 109.8, 2, 5)
		if math.Abs(res.NewTP-108.8) > 1e-9 {
			t.Errorf("NewTP = %v, want 108.8", res.NewTP)
		}
	})

	t.Run("clamps at entry", func(t *testing.T) {
		res := NextTrailingTP(venue.Long, entry, initialTP, 100.1, 2, 3)
		if !res.Breakeven {
			t.Fatal("want breakeven")
		}
		if res.NewTP != entry {
			t.Errorf("NewTP = %v, want entry %v", res.NewTP, entry)
		}
	})

	t.Run("exact landing on entry is breakeven", func(t *testing.T) {
		res := NextTrailingTP(venue.Long, entry, initialTP, 100.2, 2, 1)
		if !res.Breakeven || res.NewTP != entry {
			t.Errorf("got %+v, want breakeven at %v", res, entry)
		}
	})
}

func TestNextTrailingTP_Short(t *testing.T) {
	// entry 100, initial TP 90: short trails the TP upward toward entry.
	entry, initialTP := 100.0, 90.0

	res := NextTrailingTP(venue.Short, entry, initialTP, 90, 2, 1)
	if res.Breakeven {
		t.Fatal("unexpected breakeven")
	}
	if math.Abs(res.NewTP-90.2) > 1e-9 {
		t.Errorf("NewTP = %v, want 90.2", res.NewTP)
	}

	res = NextTrailingTP(venue.Short, entry, initialTP, 99.9, 2, 2)
	if !res.Breakeven || res.NewTP != entry {
		t.Errorf("got %+v, want breakeven at %v", res, entry)
	}
}

func TestNextTrailingTP_NoOp(t *testing.T) {
	cases := []struct {
		name     string
		trailPct float64
		delta    int
	}{
		{"zero trail percent", 0, 5},
		{"negative trail percent", -1, 5},
		{"zero delta", 2, 0},
		{"negative delta", 2, -3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := NextTrailingTP(venue.Long, 100, 110, 107.5, tc.trailPct, tc.delta)
			if res.NewTP != 107.5 || res.Breakeven {
				t.Errorf("got %+v, want unchanged TP 107.5", res)
			}
		})
	}
}

func TestShouldReplace(t *testing.T) {
	// tick 0.01, threshold 5 ticks, min change 0.05%
	cases := []struct {
		name          string
		newTP, prevTP float64
		want          bool
	}{
		{"no move", 100, 100, false},
		{"inside tick threshold", 100.04, 100, false},
		{"exactly at tick threshold", 100.05, 100, false},
		{"past ticks but below pct", 10000.07, 10000, false}, // 0.07 < 0.05% of 10000
		{"past both thresholds", 100.10, 100, true},
		{"large move", 95, 100, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldReplace(tc.newTP, tc.prevTP, 0.01, 5, 0.05); got != tc.want {
				t.Errorf("ShouldReplace(%v, %v) = %v, want %v", tc.newTP, tc.prevTP, got, tc.want)
			}
		})
	}
}

func TestSLCrossed(t *testing.T) {
	cases := []struct {
		side      venue.Side
		price, sl float64
		want      bool
	}{
		{venue.Long, 99, 100, true},
		{venue.Long, 100, 100, true},
		{venue.Long, 101, 100, false},
		{venue.Short, 101, 100, true},
		{venue.Short, 100, 100, true},
		{venue.Short, 99, 100, false},
	}
	for _, tc := range cases {
		if got := SLCrossed(tc.side, tc.price, tc.sl); got != tc.want {
			t.Errorf("SLCrossed(%s, %v, %v) = %v, want %v", tc.side, tc.price, tc.sl, got, tc.want)
		}
	}
}
