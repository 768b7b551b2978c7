// Package trailing ratchets protective stops behind profitable positions.
// A stop only ever moves in the position's favor: armed at entry risk,
// lifted to breakeven once profit clears one ATR, then trailed at a
// profit-band-dependent distance so small winners stay protected while
// large winners get room to run.
package trailing

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/pkg/types"
)

// Stage identifies how far the stop has progressed.
type Stage string

const (
	StageArmedInitial Stage = "armed_initial"
	StageBreakeven    Stage = "breakeven"
	StageTrailing     Stage = "trailing"
)

// ProfitBand maps a minimum profit fraction to a trail distance in ATR
// units. Bands must be ordered by ascending MinProfitPct.
type ProfitBand struct {
	MinProfitPct decimal.Decimal
	DistanceATR  decimal.Decimal
}

// Config configures the controller.
type Config struct {
	// BreakevenBufferPct is the offset past entry for the breakeven stop,
	// covering fees and slippage.
	BreakevenBufferPct decimal.Decimal

	// ActivationProfitATR is the profit (in ATR units) at which trailing
	// begins.
	ActivationProfitATR decimal.Decimal

	Bands []ProfitBand

	// Short-reversal guard: a tightening computed while price is off its
	// water mark is accepted only once the reversal has lasted and moved
	// enough to be more than noise.
	MinReversalDuration     time.Duration
	MinReversalMagnitudePct decimal.Decimal
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BreakevenBufferPct:  decimal.NewFromFloat(0.0005),
		ActivationProfitATR: decimal.NewFromFloat(1.5),
		Bands: []ProfitBand{
			{MinProfitPct: decimal.Zero, DistanceATR: decimal.NewFromFloat(0.8)},
			{MinProfitPct: decimal.NewFromFloat(0.01), DistanceATR: decimal.NewFromFloat(1.2)},
			{MinProfitPct: decimal.NewFromFloat(0.03), DistanceATR: decimal.NewFromFloat(2.0)},
		},
		MinReversalDuration:     20 * time.Second,
		MinReversalMagnitudePct: decimal.NewFromFloat(0.002),
	}
}

// Decision is the controller's output for one position and cycle.
type Decision struct {
	Stop         decimal.Decimal
	Stage        Stage
	HighestPrice decimal.Decimal
	LowestPrice  decimal.Decimal
	Changed      bool
	Reason       string
}

type symbolState struct {
	stage         Stage
	reversalSince time.Time
}

// Controller computes ratcheted stops. It keeps only derived per-symbol
// state; positions remain owned by the ledger.
type Controller struct {
	logger *zap.Logger
	config Config

	mu     sync.Mutex
	states map[string]*symbolState

	now func() time.Time
}

// NewController creates a controller.
func NewController(logger *zap.Logger, config Config) *Controller {
	return &Controller{
		logger: logger.Named("trailing"),
		config: config,
		states: make(map[string]*symbolState),
		now:    time.Now,
	}
}

// Forget drops per-symbol state after a position closes.
func (c *Controller) Forget(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, symbol)
}

// Update evaluates one position against the current price and volatility
// and returns the new stop. The stop only moves in the position's favor;
// a candidate that would loosen it is discarded. With non-positive ATR no
// adjustment is made this cycle.
func (c *Controller) Update(pos types.Position, currentPrice, atr decimal.Decimal, p types.AdaptiveExitParameters) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[pos.Symbol]
	if !ok {
		st = &symbolState{stage: StageArmedInitial}
		c.states[pos.Symbol] = st
	}

	d := Decision{
		Stop:         pos.StopLoss,
		Stage:        st.stage,
		HighestPrice: pos.HighestPrice,
		LowestPrice:  pos.LowestPrice,
	}

	if atr.LessThanOrEqual(decimal.Zero) || currentPrice.LessThanOrEqual(decimal.Zero) {
		d.Reason = "volatility unavailable"
		return d
	}

	long := pos.IsLong()
	inReversal := c.trackWaterMarks(&d, st, pos, currentPrice, long)

	// Initial arm at entry-risk distance.
	if pos.StopLoss.IsZero() {
		dist := atr.Mul(p.SLMultiplier)
		if long {
			d.Stop = pos.EntryPrice.Sub(dist)
		} else {
			d.Stop = pos.EntryPrice.Add(dist)
		}
		d.Stage = StageArmedInitial
		d.Changed = true
		d.Reason = "armed"
		st.stage = StageArmedInitial
		return d
	}

	profitATR := profitInATR(pos, currentPrice, atr, long)
	profitPct := pos.ProfitPct(currentPrice)

	var candidate decimal.Decimal
	var stage Stage

	switch {
	case profitATR.GreaterThanOrEqual(c.config.ActivationProfitATR):
		stage = StageTrailing
		dist := atr.Mul(c.bandDistance(profitPct))
		if long {
			candidate = d.HighestPrice.Sub(dist)
		} else {
			candidate = d.LowestPrice.Add(dist)
		}
	case profitATR.GreaterThanOrEqual(decimal.NewFromInt(1)):
		stage = StageBreakeven
		buffer := pos.EntryPrice.Mul(c.config.BreakevenBufferPct)
		if long {
			candidate = pos.EntryPrice.Add(buffer)
		} else {
			candidate = pos.EntryPrice.Sub(buffer)
		}
	default:
		d.Reason = "below breakeven threshold"
		return d
	}

	// Ratchet: discard a candidate that would loosen the stop.
	if long && candidate.LessThanOrEqual(pos.StopLoss) ||
		!long && candidate.GreaterThanOrEqual(pos.StopLoss) {
		d.Reason = "candidate loosens stop"
		return d
	}

	// Short-reversal guard: while price sits off its water mark, accept a
	// tightening only once the pullback is established.
	if inReversal && !c.reversalEstablished(st, d, currentPrice, long) {
		d.Reason = "reversal guard"
		return d
	}

	d.Stop = candidate
	d.Stage = stage
	d.Changed = true
	d.Reason = string(stage)
	st.stage = stage

	c.logger.Debug("Stop advanced",
		zap.String("symbol", pos.Symbol),
		zap.String("stage", string(stage)),
		zap.String("stop", candidate.String()),
		zap.String("price", currentPrice.String()))
	return d
}

// trackWaterMarks updates the high/low water marks in the decision and the
// reversal clock in the state. Returns true when price is off its mark.
func (c *Controller) trackWaterMarks(d *Decision, st *symbolState, pos types.Position, currentPrice decimal.Decimal, long bool) bool {
	if long {
		if d.HighestPrice.IsZero() || currentPrice.GreaterThan(d.HighestPrice) {
			d.HighestPrice = currentPrice
			st.reversalSince = time.Time{}
			return false
		}
		if st.reversalSince.IsZero() {
			st.reversalSince = c.now()
		}
		return currentPrice.LessThan(d.HighestPrice)
	}

	if d.LowestPrice.IsZero() || currentPrice.LessThan(d.LowestPrice) {
		d.LowestPrice = currentPrice
		st.reversalSince = time.Time{}
		return false
	}
	if st.reversalSince.IsZero() {
		st.reversalSince = c.now()
	}
	return currentPrice.GreaterThan(d.LowestPrice)
}

// reversalEstablished reports whether the current pullback has lasted and
// moved enough for tightening on it to be trusted.
func (c *Controller) reversalEstablished(st *symbolState, d Decision, currentPrice decimal.Decimal, long bool) bool {
	if st.reversalSince.IsZero() {
		return true
	}
	if c.now().Sub(st.reversalSince) < c.config.MinReversalDuration {
		return false
	}

	var mark decimal.Decimal
	if long {
		mark = d.HighestPrice
	} else {
		mark = d.LowestPrice
	}
	if mark.IsZero() {
		return true
	}
	pullback := mark.Sub(currentPrice).Abs().Div(mark)
	return pullback.GreaterThanOrEqual(c.config.MinReversalMagnitudePct)
}

// bandDistance returns the trail distance (ATR units) for the highest band
// at or below the given profit fraction.
func (c *Controller) bandDistance(profitPct decimal.Decimal) decimal.Decimal {
	dist := decimal.NewFromInt(1)
	for _, band := range c.config.Bands {
		if profitPct.GreaterThanOrEqual(band.MinProfitPct) {
			dist = band.DistanceATR
		}
	}
	return dist
}

func profitInATR(pos types.Position, currentPrice, atr decimal.Decimal, long bool) decimal.Decimal {
	diff := currentPrice.Sub(pos.EntryPrice)
	if !long {
		diff = diff.Neg()
	}
	return diff.Div(atr)
}
