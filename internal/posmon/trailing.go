package posmon

import (
	"math"

	"oc-futures-bot/internal/venue"
)

// TrailResult is the outcome of one trailing computation.
type TrailResult struct {
	NewTP float64
	// Breakeven is set when the TP was clamped at the entry price; the
	// venue order converts from TAKE_PROFIT_MARKET to STOP_MARKET there.
	Breakeven bool
}

// NextTrailingTP tightens the take-profit toward the entry. The trail step
// is a fixed fraction of the original profit range per elapsed minute:
//
//	range = |initialTP - entry|
//	step  = range * trailPct/100
//	newTP = prevTP -/+ step*deltaMinutes, moving toward entry
//
// A TP that crosses the entry is clamped there.
func NextTrailingTP(side venue.Side, entry, initialTP, prevTP, trailPct float64, deltaMinutes int) TrailResult {
	if trailPct <= 0 || deltaMinutes <= 0 {
		return TrailResult{NewTP: prevTP}
	}

	rng := math.Abs(initialTP - entry)
	step := rng * trailPct / 100 * float64(deltaMinutes)

	var newTP float64
	if side == venue.Long {
		newTP = prevTP - step
		if newTP <= entry {
			return TrailResult{NewTP: entry, Breakeven: true}
		}
	} else {
		newTP = prevTP + step
		if newTP >= entry {
			return TrailResult{NewTP: entry, Breakeven: true}
		}
	}
	return TrailResult{NewTP: newTP}
}

// ShouldReplace reports whether the venue exit order is worth cancelling and
// re-placing. Small moves only update the book; the venue order is replaced
// when the move clears both the tick threshold and the relative threshold.
func ShouldReplace(newTP, prevTP, tickSize float64, thresholdTicks int, minChangePct float64) bool {
	diff := math.Abs(newTP - prevTP)
	if diff == 0 {
		return false
	}
	if tickSize > 0 && diff <= float64(thresholdTicks)*tickSize {
		return false
	}
	avg := (math.Abs(newTP) + math.Abs(prevTP)) / 2
	if avg > 0 && diff <= minChangePct/100*avg {
		return false
	}
	return true
}

// SLCrossed reports whether price has crossed the stop level against the
// position, used in software-SL mode.
func SLCrossed(side venue.Side, price, sl float64) bool {
	if side == venue.Long {
		return price <= sl
	}
	return price >= sl
}
