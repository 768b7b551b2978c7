// Package indicators provides the small set of technical measures the engine
// consumes, each reported through one tagged Result type regardless of the
// backing computation.
package indicators

import (
	"math"

	"github.com/shopspring/decimal"
)

// Signal is an indicator's directional read.
type Signal string

const (
	SignalBullish Signal = "bullish"
	SignalBearish Signal = "bearish"
	SignalNeutral Signal = "neutral"
)

// Result is the tagged output shared by every indicator adapter.
type Result struct {
	Name     string             `json:"name"`
	Value    decimal.Decimal    `json:"value"`
	Signal   Signal             `json:"signal"`
	Metadata map[string]float64 `json:"metadata,omitempty"`
}

// ATR computes the average true range over closing prices. Without candle
// highs/lows the true range degrades to absolute close-to-close movement,
// which is adequate for stop-distance scaling on short windows. Returns a
// zero-value Result when the series is too short.
func ATR(prices []decimal.Decimal, period int) Result {
	r := Result{Name: "atr", Signal: SignalNeutral}
	if period <= 0 || len(prices) < period+1 {
		return r
	}

	sum := decimal.Zero
	for i := len(prices) - period; i < len(prices); i++ {
		sum = sum.Add(prices[i].Sub(prices[i-1]).Abs())
	}
	r.Value = sum.Div(decimal.NewFromInt(int64(period)))

	last, _ := prices[len(prices)-1].Float64()
	atr, _ := r.Value.Float64()
	if last > 0 {
		r.Metadata = map[string]float64{"atr_pct": atr / last}
	}
	return r
}

// RSI computes the relative strength index with Wilder smoothing.
func RSI(prices []decimal.Decimal, period int) Result {
	r := Result{Name: "rsi", Signal: SignalNeutral, Value: decimal.NewFromInt(50)}
	if period <= 0 || len(prices) < period+1 {
		return r
	}

	var gain, loss float64
	start := len(prices) - period
	for i := start; i < len(prices); i++ {
		prev, _ := prices[i-1].Float64()
		cur, _ := prices[i].Float64()
		d := cur - prev
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	var rsi float64
	if avgLoss == 0 {
		rsi = 100
	} else {
		rs := avgGain / avgLoss
		rsi = 100 - 100/(1+rs)
	}
	rsi = math.Round(rsi*100) / 100

	r.Value = decimal.NewFromFloat(rsi)
	switch {
	case rsi >= 70:
		r.Signal = SignalBearish
	case rsi <= 30:
		r.Signal = SignalBullish
	}
	return r
}
