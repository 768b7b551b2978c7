package trailing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/pkg/types"
)

func testParams() types.AdaptiveExitParameters {
	return types.AdaptiveExitParameters{
		TPMultiplier: decimal.NewFromFloat(2.0),
		SLMultiplier: decimal.NewFromFloat(1.0),
	}
}

func longPosition(entry float64) types.Position {
	return types.Position{
		Symbol:     "BTCUSDT",
		Side:       types.PositionSideLong,
		Quantity:   decimal.NewFromFloat(0.1),
		EntryPrice: decimal.NewFromFloat(entry),
		EntryTime:  time.Now(),
	}
}

func TestUpdateArmsInitialStop(t *testing.T) {
	c := NewController(zap.NewNop(), DefaultConfig())

	pos := longPosition(100)
	atr := decimal.NewFromInt(2)
	d := c.Update(pos, decimal.NewFromInt(100), atr, testParams())

	if !d.Changed || d.Stage != StageArmedInitial {
		t.Fatalf("decision = %+v, want armed", d)
	}
	if !d.Stop.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("initial stop = %s, want 98", d.Stop)
	}
}

func TestUpdateSkipsOnZeroVolatility(t *testing.T) {
	c := NewController(zap.NewNop(), DefaultConfig())

	pos := longPosition(100)
	pos.StopLoss = decimal.NewFromInt(98)
	d := c.Update(pos, decimal.NewFromInt(110), decimal.Zero, testParams())

	if d.Changed {
		t.Fatalf("stop moved with zero ATR: %+v", d)
	}
	if !d.Stop.Equal(pos.StopLoss) {
		t.Fatalf("stop = %s, want unchanged 98", d.Stop)
	}
}

func TestUpdateMonotoneOnRisingPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinReversalDuration = 0 // not exercised on a strictly rising path
	c := NewController(zap.NewNop(), cfg)

	pos := longPosition(100)
	atr := decimal.NewFromInt(1)
	params := testParams()

	prev := decimal.Zero
	price := decimal.NewFromInt(100)
	for i := 0; i < 30; i++ {
		price = price.Add(decimal.NewFromFloat(0.5))
		d := c.Update(pos, price, atr, params)
		if d.Changed {
			if d.Stop.LessThan(prev) {
				t.Fatalf("step %d: stop regressed %s -> %s", i, prev, d.Stop)
			}
			prev = d.Stop
			pos.StopLoss = d.Stop
		}
		pos.HighestPrice = d.HighestPrice
		pos.LowestPrice = d.LowestPrice
	}
	if prev.IsZero() {
		t.Fatal("stop never advanced on a rising path")
	}
}

func TestUpdateBreakevenAfterOneATR(t *testing.T) {
	c := NewController(zap.NewNop(), DefaultConfig())

	pos := longPosition(100)
	pos.StopLoss = decimal.NewFromInt(98)
	atr := decimal.NewFromInt(1)

	// +1.2 ATR profit, below the 1.5 activation: breakeven stage.
	d := c.Update(pos, decimal.NewFromFloat(101.2), atr, testParams())
	if d.Stage != StageBreakeven || !d.Changed {
		t.Fatalf("decision = %+v, want breakeven", d)
	}
	if d.Stop.LessThanOrEqual(pos.EntryPrice) {
		t.Fatalf("breakeven stop %s not past entry", d.Stop)
	}
}

func TestUpdateDiscardsLooseningCandidate(t *testing.T) {
	c := NewController(zap.NewNop(), DefaultConfig())

	pos := longPosition(100)
	pos.StopLoss = decimal.NewFromFloat(101.5) // already ratcheted above breakeven
	pos.HighestPrice = decimal.NewFromFloat(103)
	atr := decimal.NewFromInt(1)

	// Breakeven candidate (entry+buffer) would loosen the held stop.
	d := c.Update(pos, decimal.NewFromFloat(101.4), atr, testParams())
	if d.Changed {
		t.Fatalf("loosening candidate applied: %+v", d)
	}
	if !d.Stop.Equal(pos.StopLoss) {
		t.Fatalf("stop = %s, want held %s", d.Stop, pos.StopLoss)
	}
}

func TestUpdateShortDirection(t *testing.T) {
	c := NewController(zap.NewNop(), DefaultConfig())

	pos := types.Position{
		Symbol:     "ETHUSDT",
		Side:       types.PositionSideShort,
		Quantity:   decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(3000),
		EntryTime:  time.Now(),
	}
	atr := decimal.NewFromInt(10)

	d := c.Update(pos, decimal.NewFromInt(3000), atr, testParams())
	if !d.Stop.Equal(decimal.NewFromInt(3010)) {
		t.Fatalf("short initial stop = %s, want 3010", d.Stop)
	}

	pos.StopLoss = d.Stop
	pos.LowestPrice = d.LowestPrice

	// 1.2 ATR in favor: breakeven below entry.
	d = c.Update(pos, decimal.NewFromInt(2988), atr, testParams())
	if d.Stage != StageBreakeven {
		t.Fatalf("stage = %s, want breakeven", d.Stage)
	}
	if d.Stop.GreaterThanOrEqual(pos.EntryPrice) {
		t.Fatalf("short breakeven stop %s not below entry", d.Stop)
	}
}

func TestReversalGuardBlocksQuickPullbackTighten(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinReversalDuration = time.Minute
	c := NewController(zap.NewNop(), cfg)

	base := time.Now()
	clock := base
	c.now = func() time.Time { return clock }

	pos := longPosition(100)
	pos.StopLoss = decimal.NewFromInt(99)
	atr := decimal.NewFromInt(1)
	params := testParams()

	// New high establishes the water mark.
	d := c.Update(pos, decimal.NewFromInt(103), atr, params)
	pos.StopLoss = d.Stop
	pos.HighestPrice = d.HighestPrice

	// Immediate small pullback: candidate tightening is rejected until the
	// reversal is established.
	clock = base.Add(time.Second)
	d = c.Update(pos, decimal.NewFromFloat(102.9), atr, params)
	if d.Changed {
		t.Fatalf("tightening accepted during unestablished reversal: %+v", d)
	}

	// Same pullback after the minimum duration with enough magnitude.
	clock = base.Add(2 * time.Minute)
	d = c.Update(pos, decimal.NewFromFloat(102.0), atr, params)
	if !d.Changed {
		t.Fatalf("established reversal still blocked: %+v", d)
	}
}
