package indicators

import (
	"testing"

	"github.com/shopspring/decimal"
)

func series(vals ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

func TestATRShortSeriesIsZero(t *testing.T) {
	r := ATR(series(100, 101), 14)
	if !r.Value.IsZero() {
		t.Fatalf("ATR on short series = %s, want 0", r.Value)
	}
}

func TestATRMeasuresMovement(t *testing.T) {
	// Alternating +/-2 moves: average true range is exactly 2.
	vals := make([]float64, 20)
	for i := range vals {
		if i%2 == 0 {
			vals[i] = 100
		} else {
			vals[i] = 102
		}
	}
	r := ATR(series(vals...), 14)
	if !r.Value.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("ATR = %s, want 2", r.Value)
	}
	if r.Metadata["atr_pct"] == 0 {
		t.Error("atr_pct metadata missing")
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	r := RSI(series(up...), 14)
	if !r.Value.Equal(decimal.NewFromInt(100)) {
		t.Errorf("all-gains RSI = %s, want 100", r.Value)
	}
	if r.Signal != SignalBearish {
		t.Errorf("signal = %s, want bearish", r.Signal)
	}

	down := make([]float64, 20)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	r = RSI(series(down...), 14)
	if r.Signal != SignalBullish {
		t.Errorf("all-losses signal = %s, want bullish", r.Signal)
	}
}

func TestRSIShortSeriesNeutral(t *testing.T) {
	r := RSI(series(100, 101), 14)
	if r.Signal != SignalNeutral {
		t.Fatalf("signal = %s, want neutral", r.Signal)
	}
	if !r.Value.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("value = %s, want midpoint 50", r.Value)
	}
}
