package params

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/internal/config"
	"github.com/quantrelay/scalpd/pkg/types"
)

func testCfg() *config.Config {
	return &config.Config{
		Symbols:       []string{"BTCUSDT"},
		CycleInterval: 5 * time.Second,
		Base: types.AdaptiveExitParameters{
			TPMultiplier:   decimal.NewFromFloat(2.0),
			SLMultiplier:   decimal.NewFromFloat(1.0),
			MaxHolding:     30 * time.Minute,
			MinHolding:     30 * time.Second,
			ScoreThreshold: decimal.NewFromFloat(0.6),
			SizeMultiplier: decimal.NewFromInt(1),
		},
		SymbolOverrides: map[string]types.AdaptiveExitParameters{},
		RegimeOverrides: map[types.MarketRegime]types.AdaptiveExitParameters{},
		Tiers:           config.DefaultTiers(),
	}
}

func newTestResolver(cfg *config.Config) *Resolver {
	return NewResolver(zap.NewNop(), cfg, DefaultGovernorConfig(), time.Minute)
}

func TestResolveSmallTierScalesMultipliers(t *testing.T) {
	r := newTestResolver(testCfg())

	// $500 lands in the small tier, whose 0.8 factors scale the base
	// 2.0/1.0 down before the clamp.
	p := r.Resolve("BTCUSDT", types.RegimeRanging, decimal.NewFromInt(500), decimal.Zero, decimal.Zero)

	if !p.TPMultiplier.Equal(decimal.NewFromFloat(1.6)) {
		t.Errorf("TP = %s, want 1.6", p.TPMultiplier)
	}
	if !p.SLMultiplier.Equal(decimal.NewFromFloat(0.8)) {
		t.Errorf("SL = %s, want 0.8", p.SLMultiplier)
	}
}

func TestResolveClampBounds(t *testing.T) {
	cfg := testCfg()
	cfg.Base.TPMultiplier = decimal.NewFromFloat(9.0)
	cfg.Base.SLMultiplier = decimal.NewFromFloat(0.01)
	r := newTestResolver(cfg)

	balances := []int64{100, 500, 5000, 50000}
	regimes := []types.MarketRegime{
		types.RegimeTrending, types.RegimeRanging, types.RegimeChoppy,
		types.RegimeHighVol, types.RegimeLowVol,
	}
	for _, b := range balances {
		for _, regime := range regimes {
			p := r.Resolve("BTCUSDT", regime, decimal.NewFromInt(b), decimal.Zero, decimal.Zero)
			if p.TPMultiplier.LessThan(decimal.NewFromFloat(1.0)) || p.TPMultiplier.GreaterThan(decimal.NewFromFloat(5.0)) {
				t.Errorf("balance %d regime %s: TP %s outside [1.0, 5.0]", b, regime, p.TPMultiplier)
			}
			if p.SLMultiplier.LessThan(decimal.NewFromFloat(0.5)) || p.SLMultiplier.GreaterThan(decimal.NewFromFloat(3.0)) {
				t.Errorf("balance %d regime %s: SL %s outside [0.5, 3.0]", b, regime, p.SLMultiplier)
			}
			if p.TPMultiplier.IsZero() || p.SLMultiplier.IsZero() {
				t.Errorf("balance %d regime %s: zero multiplier resolved", b, regime)
			}
		}
	}
}

func TestResolveNeverZeroEvenWithZeroConfig(t *testing.T) {
	cfg := testCfg()
	cfg.Base = types.AdaptiveExitParameters{}
	r := newTestResolver(cfg)

	p := r.Resolve("BTCUSDT", types.RegimeChoppy, decimal.NewFromInt(500), decimal.Zero, decimal.Zero)
	if p.TPMultiplier.IsZero() || p.SLMultiplier.IsZero() {
		t.Fatalf("zero multipliers survived the clamp: %+v", p)
	}
}

func TestResolveRegimeOverrideWinsOverTier(t *testing.T) {
	cfg := testCfg()
	cfg.RegimeOverrides[types.RegimeHighVol] = types.AdaptiveExitParameters{
		SLMultiplier: decimal.NewFromFloat(2.5),
	}
	r := newTestResolver(cfg)

	p := r.Resolve("BTCUSDT", types.RegimeHighVol, decimal.NewFromInt(500), decimal.Zero, decimal.Zero)
	if !p.SLMultiplier.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("SL = %s, want regime override 2.5", p.SLMultiplier)
	}
	// TP untouched by the override still carries the tier factor.
	if !p.TPMultiplier.Equal(decimal.NewFromFloat(1.6)) {
		t.Errorf("TP = %s, want 1.6", p.TPMultiplier)
	}
}

func TestGovernorExtendsTPOnRunningProfit(t *testing.T) {
	r := newTestResolver(testCfg())

	balance := decimal.NewFromInt(5000) // standard tier, neutral factors
	base := r.Resolve("BTCUSDT", types.RegimeRanging, balance, decimal.Zero, decimal.Zero)
	extended := r.Resolve("BTCUSDT", types.RegimeRanging, balance, decimal.NewFromFloat(0.05), decimal.Zero)

	if !extended.TPMultiplier.GreaterThan(base.TPMultiplier) {
		t.Errorf("TP not extended: base %s, running %s", base.TPMultiplier, extended.TPMultiplier)
	}
}

func TestGovernorTightensSLOnDrawdown(t *testing.T) {
	r := newTestResolver(testCfg())

	balance := decimal.NewFromInt(5000)
	base := r.Resolve("BTCUSDT", types.RegimeRanging, balance, decimal.Zero, decimal.Zero)
	tightened := r.Resolve("BTCUSDT", types.RegimeRanging, balance, decimal.Zero, decimal.NewFromFloat(0.10))

	if !tightened.SLMultiplier.LessThan(base.SLMultiplier) {
		t.Errorf("SL not tightened: base %s, drawdown %s", base.SLMultiplier, tightened.SLMultiplier)
	}
	if tightened.SLMultiplier.LessThan(decimal.NewFromFloat(0.5)) {
		t.Errorf("tightened SL %s breached the floor", tightened.SLMultiplier)
	}
}

func TestInvalidateRegimeDropsCacheEntries(t *testing.T) {
	cfg := testCfg()
	r := newTestResolver(cfg)

	balance := decimal.NewFromInt(5000)
	r.Resolve("BTCUSDT", types.RegimeRanging, balance, decimal.Zero, decimal.Zero)

	// Mutate config under the resolver; the cached entry hides the change
	// until invalidation.
	cfg.Base.TPMultiplier = decimal.NewFromFloat(3.0)
	cached := r.Resolve("BTCUSDT", types.RegimeRanging, balance, decimal.Zero, decimal.Zero)
	if !cached.TPMultiplier.Equal(decimal.NewFromFloat(2.0)) {
		t.Fatalf("expected cached TP 2.0, got %s", cached.TPMultiplier)
	}

	r.InvalidateRegime(types.RegimeRanging)
	fresh := r.Resolve("BTCUSDT", types.RegimeRanging, balance, decimal.Zero, decimal.Zero)
	if !fresh.TPMultiplier.Equal(decimal.NewFromFloat(3.0)) {
		t.Fatalf("expected fresh TP 3.0 after invalidation, got %s", fresh.TPMultiplier)
	}
}

func TestPositionSizeInterpolates(t *testing.T) {
	r := newTestResolver(testCfg())
	p := types.AdaptiveExitParameters{SizeMultiplier: decimal.NewFromInt(1)}

	// Small tier spans $250-$1000 with $25-$100 anchors; $625 sits halfway.
	size := r.PositionSizeUSD(decimal.NewFromInt(625), p)
	want := decimal.NewFromFloat(62.5)
	if !size.Equal(want) {
		t.Errorf("size at $625 = %s, want %s", size, want)
	}

	low := r.PositionSizeUSD(decimal.NewFromInt(250), p)
	high := r.PositionSizeUSD(decimal.NewFromInt(999), p)
	if !low.LessThan(high) {
		t.Errorf("interpolation not monotone: %s vs %s", low, high)
	}
}
