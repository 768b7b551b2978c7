// Package config provides the typed configuration tree for the scalping
// engine. Values are loaded and parsed by the caller (viper in cmd/scalpd);
// this package validates them into strict structs and exposes a
// Get(path, default) accessor for the optional remainder.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/pkg/types"
)

// ValidationError reports a missing or out-of-range safety-critical field.
// It is fatal at startup; safety limits are never silently defaulted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Tree wraps the parsed configuration and answers path lookups with
// defaults. Missing non-critical fields fall back with a warning.
type Tree struct {
	logger *zap.Logger
	v      *viper.Viper
}

// NewTree wraps an already-parsed viper instance.
func NewTree(logger *zap.Logger, v *viper.Viper) *Tree {
	return &Tree{logger: logger.Named("config"), v: v}
}

// GetFloat returns the decimal at path, or def with a warning when unset.
func (t *Tree) GetFloat(path string, def decimal.Decimal) decimal.Decimal {
	if !t.v.IsSet(path) {
		t.logger.Warn("Config field missing, using default",
			zap.String("path", path),
			zap.String("default", def.String()))
		return def
	}
	return decimal.NewFromFloat(t.v.GetFloat64(path))
}

// GetDuration returns the duration at path, or def with a warning when unset.
func (t *Tree) GetDuration(path string, def time.Duration) time.Duration {
	if !t.v.IsSet(path) {
		t.logger.Warn("Config field missing, using default",
			zap.String("path", path),
			zap.Duration("default", def))
		return def
	}
	return t.v.GetDuration(path)
}

// GetInt returns the integer at path, or def with a warning when unset.
func (t *Tree) GetInt(path string, def int) int {
	if !t.v.IsSet(path) {
		t.logger.Warn("Config field missing, using default",
			zap.String("path", path),
			zap.Int("default", def))
		return def
	}
	return t.v.GetInt(path)
}

// GetBool returns the boolean at path, or def when unset.
func (t *Tree) GetBool(path string, def bool) bool {
	if !t.v.IsSet(path) {
		return def
	}
	return t.v.GetBool(path)
}

// SafetyLimits are the circuit-breaker limits. All fields are required:
// absence is a startup-time configuration error, not a runtime zero.
type SafetyLimits struct {
	MaxConsecutiveLosses int             `json:"maxConsecutiveLosses"`
	DailyLossFloorPct    decimal.Decimal `json:"dailyLossFloorPct"` // fraction of day-start balance
	MarginCriticalRatio  decimal.Decimal `json:"marginCriticalRatio"`
}

// TierConfig describes one balance tier with its size anchors.
type TierConfig struct {
	Name        string          `json:"name" mapstructure:"name"`
	MinBalance  decimal.Decimal `json:"minBalance" mapstructure:"min_balance"`
	MaxBalance  decimal.Decimal `json:"maxBalance" mapstructure:"max_balance"`
	MinSizeUSD  decimal.Decimal `json:"minSizeUsd" mapstructure:"min_size_usd"`
	MaxSizeUSD  decimal.Decimal `json:"maxSizeUsd" mapstructure:"max_size_usd"`
	Interpolate bool            `json:"interpolate" mapstructure:"interpolate"`

	// Multiplicative factors applied to the merged TP/SL/size when balance
	// lands in this tier. Zero means neutral (1.0).
	TPFactor   decimal.Decimal `json:"tpFactor" mapstructure:"tp_factor"`
	SLFactor   decimal.Decimal `json:"slFactor" mapstructure:"sl_factor"`
	SizeFactor decimal.Decimal `json:"sizeFactor" mapstructure:"size_factor"`
}

// Factors returns the tier factors with zero values normalized to 1.0.
func (t TierConfig) Factors() (tp, sl, size decimal.Decimal) {
	one := decimal.NewFromInt(1)
	tp, sl, size = t.TPFactor, t.SLFactor, t.SizeFactor
	if tp.IsZero() {
		tp = one
	}
	if sl.IsZero() {
		sl = one
	}
	if size.IsZero() {
		size = one
	}
	return tp, sl, size
}

// Config is the validated engine configuration.
type Config struct {
	Tree *Tree

	Symbols       []string
	CycleInterval time.Duration

	Safety SafetyLimits

	// Adaptive-parameter override chain, lowest priority first.
	Base            types.AdaptiveExitParameters
	SymbolOverrides map[string]types.AdaptiveExitParameters
	Tiers           []TierConfig
	RegimeOverrides map[types.MarketRegime]types.AdaptiveExitParameters
}

// Load validates the parsed tree into a Config. Safety-critical fields are
// strict; everything else is reachable through Tree with defaults.
func Load(logger *zap.Logger, v *viper.Viper) (*Config, error) {
	tree := NewTree(logger, v)

	cfg := &Config{
		Tree:            tree,
		Symbols:         v.GetStringSlice("engine.symbols"),
		CycleInterval:   tree.GetDuration("engine.cycle_interval", 5*time.Second),
		SymbolOverrides: make(map[string]types.AdaptiveExitParameters),
		RegimeOverrides: make(map[types.MarketRegime]types.AdaptiveExitParameters),
	}
	if len(cfg.Symbols) == 0 {
		return nil, &ValidationError{Field: "engine.symbols", Reason: "must list at least one symbol"}
	}

	// Safety limits: strict, no defaults.
	if !v.IsSet("risk.max_consecutive_losses") {
		return nil, &ValidationError{Field: "risk.max_consecutive_losses", Reason: "is required"}
	}
	cfg.Safety.MaxConsecutiveLosses = v.GetInt("risk.max_consecutive_losses")
	if cfg.Safety.MaxConsecutiveLosses <= 0 {
		return nil, &ValidationError{Field: "risk.max_consecutive_losses", Reason: "must be positive"}
	}

	if !v.IsSet("risk.daily_loss_floor_pct") {
		return nil, &ValidationError{Field: "risk.daily_loss_floor_pct", Reason: "is required"}
	}
	cfg.Safety.DailyLossFloorPct = decimal.NewFromFloat(v.GetFloat64("risk.daily_loss_floor_pct"))
	if cfg.Safety.DailyLossFloorPct.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "risk.daily_loss_floor_pct", Reason: "must be positive"}
	}

	if !v.IsSet("risk.margin_critical_ratio") {
		return nil, &ValidationError{Field: "risk.margin_critical_ratio", Reason: "is required"}
	}
	cfg.Safety.MarginCriticalRatio = decimal.NewFromFloat(v.GetFloat64("risk.margin_critical_ratio"))
	if cfg.Safety.MarginCriticalRatio.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "risk.margin_critical_ratio", Reason: "must be positive"}
	}

	// Base exit parameters: non-critical, defaulted with warnings.
	cfg.Base = types.AdaptiveExitParameters{
		TPMultiplier:   tree.GetFloat("exits.base.tp_multiplier", decimal.NewFromFloat(2.0)),
		SLMultiplier:   tree.GetFloat("exits.base.sl_multiplier", decimal.NewFromFloat(1.0)),
		MaxHolding:     tree.GetDuration("exits.base.max_holding", 30*time.Minute),
		MinHolding:     tree.GetDuration("exits.base.min_holding", 30*time.Second),
		ScoreThreshold: tree.GetFloat("exits.base.score_threshold", decimal.NewFromFloat(0.6)),
		SizeMultiplier: tree.GetFloat("exits.base.size_multiplier", decimal.NewFromInt(1)),
	}

	hooks := decodeHooks()

	if err := v.UnmarshalKey("exits.tiers", &cfg.Tiers, hooks); err != nil {
		return nil, fmt.Errorf("config: parsing balance tiers: %w", err)
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
		logger.Warn("No balance tiers configured, using defaults")
	}

	var regimeRaw map[string]types.AdaptiveExitParameters
	if err := v.UnmarshalKey("exits.regimes", &regimeRaw, hooks); err != nil {
		return nil, fmt.Errorf("config: parsing regime overrides: %w", err)
	}
	for name, params := range regimeRaw {
		cfg.RegimeOverrides[types.MarketRegime(name)] = params
	}

	if err := v.UnmarshalKey("exits.symbols", &cfg.SymbolOverrides, hooks); err != nil {
		return nil, fmt.Errorf("config: parsing symbol overrides: %w", err)
	}

	return cfg, nil
}

// decodeHooks teaches viper's unmarshaler to build decimals from YAML
// numbers and strings, and durations from strings like "30m".
func decodeHooks() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalDecodeHook,
	))
}

func decimalDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		return decimal.NewFromString(v)
	}
	return data, nil
}

// DefaultTiers returns the documented balance-tier table. The "small" tier
// deliberately trades tighter exits than the base configuration.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			Name:        "micro",
			MinBalance:  decimal.Zero,
			MaxBalance:  decimal.NewFromInt(250),
			MinSizeUSD:  decimal.NewFromInt(10),
			MaxSizeUSD:  decimal.NewFromInt(25),
			Interpolate: true,
			TPFactor:    decimal.NewFromFloat(0.6),
			SLFactor:    decimal.NewFromFloat(0.6),
			SizeFactor:  decimal.NewFromFloat(0.5),
		},
		{
			Name:        "small",
			MinBalance:  decimal.NewFromInt(250),
			MaxBalance:  decimal.NewFromInt(1000),
			MinSizeUSD:  decimal.NewFromInt(25),
			MaxSizeUSD:  decimal.NewFromInt(100),
			Interpolate: true,
			TPFactor:    decimal.NewFromFloat(0.8),
			SLFactor:    decimal.NewFromFloat(0.8),
			SizeFactor:  decimal.NewFromFloat(0.8),
		},
		{
			Name:        "standard",
			MinBalance:  decimal.NewFromInt(1000),
			MaxBalance:  decimal.NewFromInt(10000),
			MinSizeUSD:  decimal.NewFromInt(100),
			MaxSizeUSD:  decimal.NewFromInt(1000),
			Interpolate: true,
		},
		{
			Name:        "large",
			MinBalance:  decimal.NewFromInt(10000),
			MaxBalance:  decimal.NewFromInt(1000000),
			MinSizeUSD:  decimal.NewFromInt(1000),
			MaxSizeUSD:  decimal.NewFromInt(10000),
			Interpolate: true,
			TPFactor:    decimal.NewFromFloat(1.2),
			SLFactor:    decimal.NewFromFloat(1.1),
			SizeFactor:  decimal.NewFromFloat(1.2),
		},
	}
}

// TierFor maps a free balance into its tier profile. Balances beyond the
// last tier stick to it.
func (c *Config) TierFor(balance decimal.Decimal) types.BalanceProfile {
	tiers := c.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	chosen := tiers[len(tiers)-1]
	for _, t := range tiers {
		if balance.GreaterThanOrEqual(t.MinBalance) && balance.LessThan(t.MaxBalance) {
			chosen = t
			break
		}
	}
	return types.BalanceProfile{
		Tier:        chosen.Name,
		MinBalance:  chosen.MinBalance,
		MaxBalance:  chosen.MaxBalance,
		MinSizeUSD:  chosen.MinSizeUSD,
		MaxSizeUSD:  chosen.MaxSizeUSD,
		Interpolate: chosen.Interpolate,
	}
}

// Tier returns the full tier configuration owning balance.
func (c *Config) Tier(balance decimal.Decimal) TierConfig {
	tiers := c.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	chosen := tiers[len(tiers)-1]
	for _, t := range tiers {
		if balance.GreaterThanOrEqual(t.MinBalance) && balance.LessThan(t.MaxBalance) {
			chosen = t
			break
		}
	}
	return chosen
}
