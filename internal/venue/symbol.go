package venue

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultQuote is appended to symbols that arrive without a quote currency.
const DefaultQuote = "USDT"

var knownQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// NormalizeSymbol maps any inbound symbol spelling to the canonical venue
// form: uppercase, no separators, quote currency appended when missing.
// "btc-usdt", "BTC/USDT" and "btcusdt" all normalize to "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("-", "", "/", "", "_", "", " ", "").Replace(s)
	if s == "" {
		return s
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s
		}
	}
	return s + DefaultQuote
}

// FloorToStep rounds qty toward zero to the symbol's step size. A step of 0
// leaves the quantity unchanged.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := q.Div(s).Floor().Mul(s).Float64()
	return f
}

// FloorToTick rounds price toward zero to the symbol's tick size. A price
// already on a tick is returned unchanged.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := p.Div(t).Floor().Mul(t).Float64()
	return f
}

// ValidateSize floors qty to the step size and checks the resulting notional
// against the symbol's minimum. Returns the rounded quantity or an
// InvalidSize error; no order should be submitted on failure.
func ValidateSize(qty, price float64, meta *SymbolMeta) (float64, error) {
	rounded := FloorToStep(qty, meta.StepSize)
	if rounded <= 0 {
		return 0, NewError(KindInvalidSize, "quantity %.10f rounds to zero at step %.10f", qty, meta.StepSize)
	}
	if meta.MinNotional > 0 && rounded*price < meta.MinNotional {
		return 0, NewError(KindInvalidSize, "notional %.4f below minimum %.4f for %s",
			rounded*price, meta.MinNotional, meta.Symbol)
	}
	return rounded, nil
}
