package regime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/pkg/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinLookback = 20
	cfg.RequiredConfirmations = 3
	cfg.MinRegimeDuration = 5 * time.Minute
	return cfg
}

// trendingSeries climbs with alternating step sizes so volatility stays in
// the mid band while trend strength saturates.
func trendingSeries(n int) ([]decimal.Decimal, []decimal.Decimal) {
	prices := make([]decimal.Decimal, n)
	volumes := make([]decimal.Decimal, n)
	p := 100.0
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			p *= 1.015
		} else {
			p *= 1.005
		}
		prices[i] = decimal.NewFromFloat(p)
		volumes[i] = decimal.NewFromInt(1000)
	}
	return prices, volumes
}

// rangingSeries oscillates with no net drift and mid-band volatility.
func rangingSeries(n int) ([]decimal.Decimal, []decimal.Decimal) {
	prices := make([]decimal.Decimal, n)
	volumes := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			prices[i] = decimal.NewFromFloat(100)
		} else {
			prices[i] = decimal.NewFromFloat(101)
		}
		volumes[i] = decimal.NewFromInt(1000)
	}
	return prices, volumes
}

func TestClassifierInitialRegimeIsRanging(t *testing.T) {
	c := NewClassifier(zap.NewNop(), testConfig())
	if got := c.Current(); got != types.RegimeRanging {
		t.Fatalf("initial regime = %s, want %s", got, types.RegimeRanging)
	}
}

func TestClassifierHoldsPreviousOnInsufficientData(t *testing.T) {
	c := NewClassifier(zap.NewNop(), testConfig())

	prices, volumes := trendingSeries(5) // below MinLookback
	if got := c.Classify(prices, volumes); got != types.RegimeRanging {
		t.Fatalf("regime with short window = %s, want held %s", got, types.RegimeRanging)
	}
}

func TestClassifierRequiresConfirmationsAndDwell(t *testing.T) {
	c := NewClassifier(zap.NewNop(), testConfig())

	base := time.Now()
	clock := base
	c.now = func() time.Time { return clock }
	c.committedAt = base

	prices, volumes := trendingSeries(50)

	// Confirmations satisfied but dwell not yet elapsed: no commit.
	clock = base.Add(time.Minute)
	for i := 0; i < 5; i++ {
		if got := c.Classify(prices, volumes); got != types.RegimeRanging {
			t.Fatalf("sample %d: committed %s before dwell elapsed", i, got)
		}
	}

	// Dwell elapsed but confirmations restarted: the first two agreeing
	// samples must not commit.
	clock = base.Add(10 * time.Minute)
	c.candidate = ""
	c.confirmations = 0
	for i := 0; i < 2; i++ {
		if got := c.Classify(prices, volumes); got != types.RegimeRanging {
			t.Fatalf("sample %d: committed %s before confirmations", i, got)
		}
	}
	if got := c.Classify(prices, volumes); got != types.RegimeTrending {
		t.Fatalf("third agreeing sample after dwell = %s, want %s", got, types.RegimeTrending)
	}
}

func TestClassifierAgreementClearsCandidate(t *testing.T) {
	c := NewClassifier(zap.NewNop(), testConfig())

	base := time.Now()
	c.now = func() time.Time { return base.Add(time.Hour) }
	c.committedAt = base

	trendPrices, trendVolumes := trendingSeries(50)

	// Two trending samples, then a window agreeing with the committed
	// ranging regime: the pending candidate must reset.
	c.Classify(trendPrices, trendVolumes)
	c.Classify(trendPrices, trendVolumes)

	flatPrices, flatVolumes := rangingSeries(50)
	c.Classify(flatPrices, flatVolumes)

	snap := c.GetSnapshot()
	if snap.Confirmations != 0 || snap.Candidate != "" {
		t.Fatalf("candidate not cleared: %+v", snap)
	}

	// One more trending sample starts over at 1, not 3.
	c.Classify(trendPrices, trendVolumes)
	if got := c.Current(); got != types.RegimeRanging {
		t.Fatalf("committed %s after candidate reset", got)
	}
}

func TestClassifierOnCommitCallback(t *testing.T) {
	c := NewClassifier(zap.NewNop(), testConfig())

	base := time.Now()
	c.now = func() time.Time { return base.Add(time.Hour) }
	c.committedAt = base

	var gotFrom, gotTo types.MarketRegime
	c.OnCommit(func(from, to types.MarketRegime) {
		gotFrom, gotTo = from, to
	})

	prices, volumes := trendingSeries(50)
	for i := 0; i < 3; i++ {
		c.Classify(prices, volumes)
	}

	if gotFrom != types.RegimeRanging || gotTo != types.RegimeTrending {
		t.Fatalf("callback saw %s -> %s", gotFrom, gotTo)
	}
	if len(c.History(10)) != 1 {
		t.Fatalf("history length = %d, want 1", len(c.History(10)))
	}
}

func TestClassifyRawOrdering(t *testing.T) {
	c := NewClassifier(zap.NewNop(), testConfig())

	cases := []struct {
		trend, vol float64
		want       types.MarketRegime
	}{
		{0.9, 0.03, types.RegimeHighVol}, // volatility outranks trend
		{0.9, 0.001, types.RegimeLowVol},
		{0.9, 0.01, types.RegimeTrending},
		{0.05, 0.01, types.RegimeRanging},
		{0.3, 0.01, types.RegimeChoppy},
	}
	for _, tc := range cases {
		if got := c.classifyRaw(tc.trend, tc.vol); got != tc.want {
			t.Errorf("classifyRaw(%v, %v) = %s, want %s", tc.trend, tc.vol, got, tc.want)
		}
	}
}
