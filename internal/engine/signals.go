package engine

import (
	"github.com/shopspring/decimal"

	"github.com/quantrelay/scalpd/internal/indicators"
	"github.com/quantrelay/scalpd/pkg/types"
)

// Signal is a scored entry candidate for one symbol.
type Signal struct {
	Symbol string             `json:"symbol"`
	Side   types.PositionSide `json:"side"`
	Score  decimal.Decimal    `json:"score"`
	Reason string             `json:"reason"`
}

// SignalGenerator scores entry opportunities. The coordinator filters the
// output against the resolved score threshold and the current risk action.
type SignalGenerator interface {
	Generate(symbol string, prices, volumes []decimal.Decimal, regime types.MarketRegime) (Signal, bool)
}

// MeanReversionGenerator is the built-in scalping generator: RSI extremes
// faded in ranging tape, followed in trending tape. Choppy regimes produce
// nothing.
type MeanReversionGenerator struct {
	RSIPeriod int
}

// NewMeanReversionGenerator returns the generator with the default period.
func NewMeanReversionGenerator() *MeanReversionGenerator {
	return &MeanReversionGenerator{RSIPeriod: 14}
}

// Generate scores one symbol. The score maps RSI distance from the 30/70
// extremes into (0, 1].
func (g *MeanReversionGenerator) Generate(symbol string, prices, volumes []decimal.Decimal, regime types.MarketRegime) (Signal, bool) {
	if regime == types.RegimeChoppy {
		return Signal{}, false
	}

	rsi := indicators.RSI(prices, g.RSIPeriod)
	if rsi.Signal == indicators.SignalNeutral {
		return Signal{}, false
	}

	side := types.PositionSideLong
	if rsi.Signal == indicators.SignalBearish {
		side = types.PositionSideShort
	}
	// Fading extremes suits ranging tape. In a committed trend, an extreme
	// reading is continuation pressure, so flip the direction.
	if regime == types.RegimeTrending {
		if side == types.PositionSideLong {
			side = types.PositionSideShort
		} else {
			side = types.PositionSideLong
		}
	}

	value, _ := rsi.Value.Float64()
	var distance float64
	if value <= 30 {
		distance = (30 - value) / 30
	} else {
		distance = (value - 70) / 30
	}
	score := 0.5 + distance
	if score > 1 {
		score = 1
	}

	return Signal{
		Symbol: symbol,
		Side:   side,
		Score:  decimal.NewFromFloat(score),
		Reason: "rsi_" + string(rsi.Signal),
	}, true
}
