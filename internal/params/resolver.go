// Package params resolves regime- and account-state-dependent exit/risk
// parameters through a layered override chain: global base, symbol override,
// balance-tier override, regime override, then live PnL/drawdown governors,
// with a final safety clamp that no configuration can escape.
package params

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/internal/config"
	"github.com/quantrelay/scalpd/pkg/types"
)

// Safety clamp bounds, applied last regardless of configuration.
var (
	tpFloor = decimal.NewFromFloat(1.0)
	tpCeil  = decimal.NewFromFloat(5.0)
	slFloor = decimal.NewFromFloat(0.5)
	slCeil  = decimal.NewFromFloat(3.0)
)

// GovernorConfig tunes the live PnL and drawdown adjustments.
type GovernorConfig struct {
	// TP extension: once unrealized profit exceeds ExtensionThreshold x the
	// resolved TP, extend TP by min(excess*ExtensionFactor, MaxExtension).
	ExtensionThreshold decimal.Decimal
	ExtensionFactor    decimal.Decimal
	MaxExtension       decimal.Decimal

	// SL tightening: symmetric reaction past a drawdown threshold.
	DrawdownThreshold decimal.Decimal
	TighteningFactor  decimal.Decimal
	MaxTightening     decimal.Decimal
}

// DefaultGovernorConfig returns sensible defaults.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		ExtensionThreshold: decimal.NewFromFloat(0.8),
		ExtensionFactor:    decimal.NewFromFloat(0.5),
		MaxExtension:       decimal.NewFromFloat(1.0),
		DrawdownThreshold:  decimal.NewFromFloat(0.05),
		TighteningFactor:   decimal.NewFromFloat(2.0),
		MaxTightening:      decimal.NewFromFloat(0.5),
	}
}

type cacheKey struct {
	symbol string
	regime types.MarketRegime
	tier   string
}

type cacheEntry struct {
	params  types.AdaptiveExitParameters
	expires time.Time
}

// Resolver merges the override chain and caches the static layers per
// (symbol, regime, tier) with a TTL. Governors run on every call since they
// depend on live position state.
type Resolver struct {
	logger   *zap.Logger
	cfg      *config.Config
	governor GovernorConfig
	ttl      time.Duration

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry

	now func() time.Time
}

// NewResolver creates a resolver over the validated configuration.
func NewResolver(logger *zap.Logger, cfg *config.Config, governor GovernorConfig, ttl time.Duration) *Resolver {
	return &Resolver{
		logger:   logger.Named("params"),
		cfg:      cfg,
		governor: governor,
		ttl:      ttl,
		cache:    make(map[cacheKey]cacheEntry),
		now:      time.Now,
	}
}

// Resolve returns the effective exit parameters for one decision. livePnlPct
// and drawdownPct are fractions (0.01 = 1%).
func (r *Resolver) Resolve(symbol string, regime types.MarketRegime, balance, livePnlPct, drawdownPct decimal.Decimal) types.AdaptiveExitParameters {
	profile := r.cfg.TierFor(balance)
	merged := r.staticLayers(symbol, regime, balance, profile.Tier)

	merged = r.applyGovernors(merged, livePnlPct, drawdownPct)
	return clamp(merged)
}

// staticLayers merges base -> symbol -> tier -> regime, consulting the cache.
func (r *Resolver) staticLayers(symbol string, regime types.MarketRegime, balance decimal.Decimal, tier string) types.AdaptiveExitParameters {
	key := cacheKey{symbol: symbol, regime: regime, tier: tier}

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.params
	}
	r.mu.Unlock()

	merged := r.cfg.Base
	if override, ok := r.cfg.SymbolOverrides[symbol]; ok {
		merged = merged.Merge(override)
	}

	// Balance tiers scale rather than replace, so a small account keeps the
	// shape of its regime/symbol configuration at reduced amplitude.
	tpf, slf, sizef := r.cfg.Tier(balance).Factors()
	merged.TPMultiplier = merged.TPMultiplier.Mul(tpf)
	merged.SLMultiplier = merged.SLMultiplier.Mul(slf)
	merged.SizeMultiplier = merged.SizeMultiplier.Mul(sizef)

	if override, ok := r.cfg.RegimeOverrides[regime]; ok {
		merged = merged.Merge(override)
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{params: merged, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return merged
}

// applyGovernors adjusts TP for running profit and SL for drawdown.
func (r *Resolver) applyGovernors(p types.AdaptiveExitParameters, livePnlPct, drawdownPct decimal.Decimal) types.AdaptiveExitParameters {
	trigger := r.governor.ExtensionThreshold.Mul(p.TPMultiplier)
	hundred := decimal.NewFromInt(100)

	// livePnlPct arrives as a fraction; TP multipliers are in ATR units.
	// Compare in percent space against the threshold fraction of base TP.
	profit := livePnlPct.Mul(hundred)
	if profit.GreaterThan(trigger) {
		excess := profit.Sub(trigger)
		ext := decimal.Min(excess.Mul(r.governor.ExtensionFactor), r.governor.MaxExtension)
		p.TPMultiplier = p.TPMultiplier.Add(ext)
	}

	dd := drawdownPct.Mul(hundred)
	ddTrigger := r.governor.DrawdownThreshold.Mul(hundred)
	if dd.GreaterThan(ddTrigger) {
		excess := dd.Sub(ddTrigger).Div(hundred)
		tight := decimal.Min(excess.Mul(r.governor.TighteningFactor), r.governor.MaxTightening)
		p.SLMultiplier = p.SLMultiplier.Sub(tight)
	}

	return p
}

// PositionSizeUSD interpolates the tier size anchors for the given balance
// and applies the resolved size multiplier. Step-function tiers pin to the
// lower anchor.
func (r *Resolver) PositionSizeUSD(balance decimal.Decimal, p types.AdaptiveExitParameters) decimal.Decimal {
	profile := r.cfg.TierFor(balance)

	size := profile.MinSizeUSD
	if profile.Interpolate {
		span := profile.MaxBalance.Sub(profile.MinBalance)
		if span.IsPositive() {
			ratio := balance.Sub(profile.MinBalance).Div(span)
			if ratio.LessThan(decimal.Zero) {
				ratio = decimal.Zero
			} else if ratio.GreaterThan(decimal.NewFromInt(1)) {
				ratio = decimal.NewFromInt(1)
			}
			size = profile.MinSizeUSD.Add(ratio.Mul(profile.MaxSizeUSD.Sub(profile.MinSizeUSD)))
		}
	}

	if !p.SizeMultiplier.IsZero() {
		size = size.Mul(p.SizeMultiplier)
	}
	return size
}

// InvalidateRegime drops every cached entry for the given regime. Wired to
// the classifier's commit callback.
func (r *Resolver) InvalidateRegime(regime types.MarketRegime) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.cache {
		if key.regime == regime {
			delete(r.cache, key)
		}
	}
	r.logger.Debug("Parameter cache invalidated", zap.String("regime", string(regime)))
}

// InvalidateAll clears the cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]cacheEntry)
}

// clamp enforces the hard safety bounds. Resolved parameters are never zero.
func clamp(p types.AdaptiveExitParameters) types.AdaptiveExitParameters {
	if p.TPMultiplier.LessThan(tpFloor) {
		p.TPMultiplier = tpFloor
	} else if p.TPMultiplier.GreaterThan(tpCeil) {
		p.TPMultiplier = tpCeil
	}
	if p.SLMultiplier.LessThan(slFloor) {
		p.SLMultiplier = slFloor
	} else if p.SLMultiplier.GreaterThan(slCeil) {
		p.SLMultiplier = slCeil
	}
	return p
}
