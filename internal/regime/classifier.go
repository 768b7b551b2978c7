// Package regime provides market regime classification over a rolling
// price/volume window. Transitions are hysteresis-guarded: a new regime
// commits only after enough consecutive confirming samples and a minimum
// dwell time, which prevents parameter thrashing in noisy tape.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/pkg/types"
)

// Config configures the classifier.
type Config struct {
	MinLookback           int           // bars required before classifying
	HighVolThreshold      float64       // normalized volatility >= -> high_volatility
	LowVolThreshold       float64       // normalized volatility <= -> low_volatility
	TrendingThreshold     float64       // |trend strength| >= -> trending
	RangingThreshold      float64       // |trend strength| <= -> ranging
	RequiredConfirmations int           // consecutive agreeing samples to commit
	MinRegimeDuration     time.Duration // minimum dwell since last commit
	HistorySize           int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinLookback:           200,
		HighVolThreshold:      0.025,
		LowVolThreshold:       0.004,
		TrendingThreshold:     0.5,
		RangingThreshold:      0.15,
		RequiredConfirmations: 3,
		MinRegimeDuration:     5 * time.Minute,
		HistorySize:           500,
	}
}

// Transition records one committed regime change.
type Transition struct {
	From      types.MarketRegime `json:"from"`
	To        types.MarketRegime `json:"to"`
	Trend     float64            `json:"trend"`
	Vol       float64            `json:"volatility"`
	Timestamp time.Time          `json:"timestamp"`
}

// Snapshot describes the classifier state for the API.
type Snapshot struct {
	Committed     types.MarketRegime `json:"committed"`
	Candidate     types.MarketRegime `json:"candidate,omitempty"`
	Confirmations int                `json:"confirmations"`
	CommittedAt   time.Time          `json:"committedAt"`
	Trend         float64            `json:"trend"`
	Vol           float64            `json:"volatility"`
}

// Classifier maps a rolling window to a discrete regime label.
type Classifier struct {
	logger *zap.Logger
	config Config

	mu            sync.RWMutex
	committed     types.MarketRegime
	committedAt   time.Time
	candidate     types.MarketRegime
	confirmations int
	lastTrend     float64
	lastVol       float64
	history       []Transition
	onCommit      []func(from, to types.MarketRegime)

	now func() time.Time
}

// NewClassifier creates a classifier. The initial committed regime is ranging.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	c := &Classifier{
		logger:    logger.Named("regime"),
		config:    config,
		committed: types.RegimeRanging,
		history:   make([]Transition, 0, config.HistorySize),
		now:       time.Now,
	}
	c.committedAt = c.now()
	return c
}

// OnCommit registers a callback fired after a regime commit. Callbacks run
// under the classifier lock and must not call back into the classifier.
func (c *Classifier) OnCommit(fn func(from, to types.MarketRegime)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommit = append(c.onCommit, fn)
}

// Classify evaluates the current window and returns the committed regime.
// With insufficient data it holds the previous regime and never errors.
func (c *Classifier) Classify(prices, volumes []decimal.Decimal) types.MarketRegime {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(prices) < c.config.MinLookback {
		return c.committed
	}

	trend, vol := features(prices, volumes)
	c.lastTrend = trend
	c.lastVol = vol
	raw := c.classifyRaw(trend, vol)

	if raw == c.committed {
		// Agreement with the committed state clears any pending candidate.
		c.candidate = ""
		c.confirmations = 0
		return c.committed
	}

	if raw == c.candidate {
		c.confirmations++
	} else {
		c.candidate = raw
		c.confirmations = 1
	}

	if c.confirmations >= c.config.RequiredConfirmations &&
		c.now().Sub(c.committedAt) >= c.config.MinRegimeDuration {
		c.commit(raw, trend, vol)
	}

	return c.committed
}

// classifyRaw applies the ordered threshold rules.
func (c *Classifier) classifyRaw(trend, vol float64) types.MarketRegime {
	switch {
	case vol >= c.config.HighVolThreshold:
		return types.RegimeHighVol
	case vol <= c.config.LowVolThreshold:
		return types.RegimeLowVol
	case math.Abs(trend) >= c.config.TrendingThreshold:
		return types.RegimeTrending
	case math.Abs(trend) <= c.config.RangingThreshold:
		return types.RegimeRanging
	default:
		return types.RegimeChoppy
	}
}

func (c *Classifier) commit(to types.MarketRegime, trend, vol float64) {
	from := c.committed
	c.committed = to
	c.committedAt = c.now()
	c.candidate = ""
	c.confirmations = 0

	t := Transition{From: from, To: to, Trend: trend, Vol: vol, Timestamp: c.committedAt}
	c.history = append(c.history, t)
	if len(c.history) > c.config.HistorySize {
		c.history = c.history[len(c.history)-c.config.HistorySize/2:]
	}

	c.logger.Info("Regime committed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Float64("trend", trend),
		zap.Float64("volatility", vol))

	for _, fn := range c.onCommit {
		fn(from, to)
	}
}

// Current returns the committed regime.
func (c *Classifier) Current() types.MarketRegime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed
}

// GetSnapshot returns the classifier state.
func (c *Classifier) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Committed:     c.committed,
		Candidate:     c.candidate,
		Confirmations: c.confirmations,
		CommittedAt:   c.committedAt,
		Trend:         c.lastTrend,
		Vol:           c.lastVol,
	}
}

// History returns the most recent committed transitions.
func (c *Classifier) History(limit int) []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	start := len(c.history) - limit
	result := make([]Transition, limit)
	copy(result, c.history[start:])
	return result
}

// features computes trend strength (normalized, clamped to [-1, 1]) and
// normalized volatility from the window. A volume expansion in the most
// recent quarter of the window reinforces the trend reading slightly.
func features(prices, volumes []decimal.Decimal) (trend, vol float64) {
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, _ := prices[i-1].Float64()
		cur, _ := prices[i].Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (cur-prev)/prev)
	}
	if len(returns) < 2 {
		return 0, 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	vol = math.Sqrt(variance)

	if vol == 0 {
		return 0, 0
	}
	trend = sum / (vol * math.Sqrt(float64(len(returns))))

	if boost := volumeExpansion(volumes); boost > 0 {
		trend *= 1 + boost
	}

	if trend > 1 {
		trend = 1
	} else if trend < -1 {
		trend = -1
	}
	return trend, vol
}

// volumeExpansion returns a small positive factor when recent volume runs
// hot against the window average, zero otherwise.
func volumeExpansion(volumes []decimal.Decimal) float64 {
	if len(volumes) < 8 {
		return 0
	}
	total := 0.0
	for _, v := range volumes {
		f, _ := v.Float64()
		total += f
	}
	avg := total / float64(len(volumes))
	if avg == 0 {
		return 0
	}

	tail := volumes[len(volumes)-len(volumes)/4:]
	recent := 0.0
	for _, v := range tail {
		f, _ := v.Float64()
		recent += f
	}
	recentAvg := recent / float64(len(tail))

	if recentAvg > avg*1.5 {
		return 0.1
	}
	return 0
}
