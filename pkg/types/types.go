// Package types provides shared type definitions for the scalping engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketRegime classifies current market behavior. Downstream components
// select risk parameters per regime.
type MarketRegime string

const (
	RegimeTrending MarketRegime = "trending"
	RegimeRanging  MarketRegime = "ranging"
	RegimeChoppy   MarketRegime = "choppy"
	RegimeHighVol  MarketRegime = "high_volatility"
	RegimeLowVol   MarketRegime = "low_volatility"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// Position represents an open position. Exclusively owned by the ledger;
// StopLoss is mutated only by the trailing-stop controller, market fields
// by reconciliation.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	EntryTime     time.Time       `json:"entryTime"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	RegimeAtEntry MarketRegime    `json:"regimeAtEntry,omitempty"`

	// Water marks maintained by the trailing-stop controller.
	HighestPrice decimal.Decimal `json:"highestPrice,omitempty"`
	LowestPrice  decimal.Decimal `json:"lowestPrice,omitempty"`
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.Side == PositionSideLong }

// ProfitPct returns the signed unrealized profit as a fraction of entry price.
func (p *Position) ProfitPct(currentPrice decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := currentPrice.Sub(p.EntryPrice)
	if !p.IsLong() {
		diff = diff.Neg()
	}
	return diff.Div(p.EntryPrice)
}

// PositionMetadata holds provenance that must survive reconciliation.
// Fields are filled from the exchange only when previously unset, and
// EntryTime is never regressed once set.
type PositionMetadata struct {
	EntryTime time.Time    `json:"entryTime,omitempty"`
	Regime    MarketRegime `json:"regime,omitempty"`
	Side      PositionSide `json:"side,omitempty"`
	Source    string       `json:"source,omitempty"` // "local" or "exchange"
}

// AdaptiveExitParameters are the resolved exit/risk/sizing parameters for one
// (symbol, regime) pair. Multipliers scale ATR-based distances.
type AdaptiveExitParameters struct {
	TPMultiplier   decimal.Decimal `json:"tpMultiplier" mapstructure:"tp_multiplier"`
	SLMultiplier   decimal.Decimal `json:"slMultiplier" mapstructure:"sl_multiplier"`
	MaxHolding     time.Duration   `json:"maxHolding" mapstructure:"max_holding"`
	MinHolding     time.Duration   `json:"minHolding" mapstructure:"min_holding"`
	ScoreThreshold decimal.Decimal `json:"scoreThreshold" mapstructure:"score_threshold"`
	SizeMultiplier decimal.Decimal `json:"sizeMultiplier" mapstructure:"size_multiplier"`
}

// Merge applies non-zero fields of the override on top of the receiver and
// returns the result. Partial overrides compose rather than replace.
func (p AdaptiveExitParameters) Merge(o AdaptiveExitParameters) AdaptiveExitParameters {
	out := p
	if !o.TPMultiplier.IsZero() {
		out.TPMultiplier = o.TPMultiplier
	}
	if !o.SLMultiplier.IsZero() {
		out.SLMultiplier = o.SLMultiplier
	}
	if o.MaxHolding != 0 {
		out.MaxHolding = o.MaxHolding
	}
	if o.MinHolding != 0 {
		out.MinHolding = o.MinHolding
	}
	if !o.ScoreThreshold.IsZero() {
		out.ScoreThreshold = o.ScoreThreshold
	}
	if !o.SizeMultiplier.IsZero() {
		out.SizeMultiplier = o.SizeMultiplier
	}
	return out
}

// BalanceProfile maps free capital into a named tier. Derived every cycle,
// never stored.
type BalanceProfile struct {
	Tier        string          `json:"tier"`
	MinBalance  decimal.Decimal `json:"minBalance"`
	MaxBalance  decimal.Decimal `json:"maxBalance"`
	MinSizeUSD  decimal.Decimal `json:"minSizeUsd"`
	MaxSizeUSD  decimal.Decimal `json:"maxSizeUsd"`
	Interpolate bool            `json:"interpolate"`
}

// RiskState is the process-wide circuit-breaker state. It is mutated only by
// the risk guard and the trade-close path, and reset daily.
type RiskState struct {
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	DailyPnL          decimal.Decimal `json:"dailyPnl"`
	DailyStartBalance decimal.Decimal `json:"dailyStartBalance"`
	DayStarted        time.Time       `json:"dayStarted"`
}

// ExchangePosition is one record of the exchange's authoritative position
// snapshot, as returned by the client.
type ExchangePosition struct {
	Symbol     string          `json:"symbol"`
	Size       decimal.Decimal `json:"size"` // signed: negative = short
	Side       PositionSide    `json:"side,omitempty"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	MarkPrice  decimal.Decimal `json:"markPrice"`
	PnL        decimal.Decimal `json:"pnl"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Ticker is a lightweight market snapshot for one symbol.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarginStatus reports account margin health.
type MarginStatus struct {
	MarginRatio      decimal.Decimal `json:"marginRatio"`
	MaintenanceLevel decimal.Decimal `json:"maintenanceLevel"`
	Critical         bool            `json:"critical"`
}

// Order is a request to the exchange.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	ReduceOnly    bool            `json:"reduceOnly,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Snapshot is the periodic state exposed by the coordinator.
type Snapshot struct {
	TotalTrades   int             `json:"totalTrades"`
	WinningTrades int             `json:"winningTrades"`
	WinRate       decimal.Decimal `json:"winRate"`
	DailyPnL      decimal.Decimal `json:"dailyPnl"`
	OpenPositions int             `json:"openPositions"`
	Regime        MarketRegime    `json:"regime"`
	Halted        bool            `json:"halted"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}
