// Package risk implements the circuit breaker: ordered safety checks over
// margin health, loss streaks and daily PnL, with a single-flight emergency
// close of every open position when margin turns critical.
package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/internal/config"
	"github.com/quantrelay/scalpd/internal/ledger"
	"github.com/quantrelay/scalpd/pkg/types"
)

// Action is the guard's verdict for one cycle. Safety trips are actions,
// never errors.
type Action string

const (
	ActionNone              Action = "none"
	ActionHaltNewEntries    Action = "halt_new_entries"
	ActionEmergencyCloseAll Action = "emergency_close_all"
)

// Closer is the slice of the exchange client the guard needs to flatten
// positions.
type Closer interface {
	CloseMarket(ctx context.Context, symbol string, side types.PositionSide, quantity decimal.Decimal) error
}

// Violation records one tripped safety check.
type Violation struct {
	Rule      string          `json:"rule"`
	Detail    string          `json:"detail"`
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

const violationHistory = 100

// Guard owns the process-wide risk state. Trade closes and daily resets are
// the only writers besides the guard itself.
type Guard struct {
	logger *zap.Logger
	limits config.SafetyLimits

	mu         sync.RWMutex
	state      types.RiskState
	violations []Violation

	// Guards the emergency close path. Concurrent triggers observe exactly
	// one execution; latecomers return the action without re-running it.
	emergencyActive atomic.Bool

	now func() time.Time
}

// NewGuard creates a guard with validated safety limits.
func NewGuard(logger *zap.Logger, limits config.SafetyLimits) *Guard {
	g := &Guard{
		logger: logger.Named("risk-guard"),
		limits: limits,
		now:    time.Now,
	}
	g.state.DayStarted = g.now()
	return g
}

// RecordTradeClose updates the loss streak and daily PnL after a position
// closes. The emergency close path never calls this.
func (g *Guard) RecordTradeClose(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.DailyPnL = g.state.DailyPnL.Add(pnl)
	if pnl.IsNegative() {
		g.state.ConsecutiveLosses++
	} else {
		g.state.ConsecutiveLosses = 0
	}

	g.logger.Debug("Trade close recorded",
		zap.String("pnl", pnl.String()),
		zap.Int("consecutiveLosses", g.state.ConsecutiveLosses),
		zap.String("dailyPnl", g.state.DailyPnL.String()))
}

// ResetDaily starts a new trading day from the given balance.
func (g *Guard) ResetDaily(startBalance decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = types.RiskState{
		DailyStartBalance: startBalance,
		DayStarted:        g.now(),
	}
	g.logger.Info("Daily risk state reset",
		zap.String("startBalance", startBalance.String()))
}

// State returns a copy of the risk state.
func (g *Guard) State() types.RiskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Violations returns the most recent tripped checks.
func (g *Guard) Violations(limit int) []Violation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if limit <= 0 || limit > len(g.violations) {
		limit = len(g.violations)
	}
	out := make([]Violation, limit)
	copy(out, g.violations[len(g.violations)-limit:])
	return out
}

// CheckAndEnforce runs the ordered safety checks and carries out the most
// severe applicable action. Margin critical outranks everything and triggers
// the emergency close; loss-streak and daily-floor trips halt new entries
// without touching open positions.
func (g *Guard) CheckAndEnforce(ctx context.Context, margin types.MarginStatus, book *ledger.Ledger, closer Closer) Action {
	if margin.Critical || (!g.limits.MarginCriticalRatio.IsZero() &&
		!margin.MarginRatio.IsZero() &&
		margin.MarginRatio.GreaterThanOrEqual(g.limits.MarginCriticalRatio)) {
		g.recordViolation("margin_critical", "margin ratio at critical level", margin.MarginRatio)
		g.EmergencyCloseAll(ctx, book, closer)
		return ActionEmergencyCloseAll
	}

	g.mu.RLock()
	losses := g.state.ConsecutiveLosses
	dailyPnL := g.state.DailyPnL
	startBalance := g.state.DailyStartBalance
	g.mu.RUnlock()

	if losses >= g.limits.MaxConsecutiveLosses {
		g.recordViolation("consecutive_losses", "loss streak at limit", decimal.NewFromInt(int64(losses)))
		return ActionHaltNewEntries
	}

	if !startBalance.IsZero() {
		floor := startBalance.Mul(g.limits.DailyLossFloorPct).Neg()
		if dailyPnL.LessThan(floor) {
			g.recordViolation("daily_loss_floor", "daily PnL below floor", dailyPnL)
			return ActionHaltNewEntries
		}
	}

	return ActionNone
}

// EmergencyCloseAll flattens every tracked position at market. Single-flight:
// a second caller while a close is running returns immediately. Per-position
// failures are logged and do not abort the rest. Win/loss statistics are not
// updated here; reconciliation settles the books afterwards.
func (g *Guard) EmergencyCloseAll(ctx context.Context, book *ledger.Ledger, closer Closer) {
	if !g.emergencyActive.CompareAndSwap(false, true) {
		g.logger.Warn("Emergency close already in progress")
		return
	}
	defer g.emergencyActive.Store(false)

	positions := book.GetAll()
	g.logger.Error("EMERGENCY CLOSE ALL triggered",
		zap.Int("openPositions", len(positions)))

	for symbol, pos := range positions {
		if err := closer.CloseMarket(ctx, symbol, pos.Side, pos.Quantity); err != nil {
			g.logger.Error("Emergency close failed for position",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		book.Unregister(symbol)
		g.logger.Warn("Position force-closed",
			zap.String("symbol", symbol),
			zap.String("quantity", pos.Quantity.String()))
	}
}

// EmergencyInProgress reports whether a close-all is currently running.
func (g *Guard) EmergencyInProgress() bool {
	return g.emergencyActive.Load()
}

func (g *Guard) recordViolation(rule, detail string, value decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.violations = append(g.violations, Violation{
		Rule:      rule,
		Detail:    detail,
		Value:     value,
		Timestamp: g.now(),
	})
	if len(g.violations) > violationHistory {
		g.violations = g.violations[len(g.violations)-violationHistory:]
	}

	g.logger.Warn("Safety check tripped",
		zap.String("rule", rule),
		zap.String("detail", detail),
		zap.String("value", value.String()))
}
