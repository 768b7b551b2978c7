// Package engine runs the trading cycle: an ordered sequence of steps from
// state refresh through signal processing, position management,
// reconciliation and safety checks. Cancellation is polled between steps so
// an in-flight exchange call always completes rather than leaving an order
// in an unknown state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/internal/config"
	"github.com/quantrelay/scalpd/internal/exchange"
	"github.com/quantrelay/scalpd/internal/indicators"
	"github.com/quantrelay/scalpd/internal/ledger"
	"github.com/quantrelay/scalpd/internal/market"
	"github.com/quantrelay/scalpd/internal/metrics"
	"github.com/quantrelay/scalpd/internal/notify"
	"github.com/quantrelay/scalpd/internal/params"
	"github.com/quantrelay/scalpd/internal/regime"
	"github.com/quantrelay/scalpd/internal/risk"
	"github.com/quantrelay/scalpd/internal/trailing"
	"github.com/quantrelay/scalpd/internal/workers"
	"github.com/quantrelay/scalpd/pkg/types"
)

// ErrTransientIO marks an exchange call failure. The step is skipped and
// the loop continues; the core never retries inside a cycle.
var ErrTransientIO = errors.New("engine: transient exchange error")

// Step names one phase of the trading cycle.
type Step string

const (
	StepRefreshState    Step = "REFRESH_STATE"
	StepGenerateSignals Step = "GENERATE_SIGNALS"
	StepProcessSignals  Step = "PROCESS_SIGNALS"
	StepManagePositions Step = "MANAGE_POSITIONS"
	StepMonitorOrders   Step = "MONITOR_ORDERS"
	StepReconcile       Step = "RECONCILE"
	StepUpdateStats     Step = "UPDATE_STATS"
	StepSafetyChecks    Step = "PERIODIC_SAFETY_CHECKS"
)

const (
	atrPeriod      = 14
	initialBackoff = 2 * time.Second
	maxBackoff     = time.Minute
)

// Coordinator owns the cycle loop and all component wiring.
type Coordinator struct {
	logger *zap.Logger
	cfg    *config.Config

	client     exchange.Client
	marketData *market.Store
	classifier *regime.Classifier
	resolver   *params.Resolver
	book       *ledger.Ledger
	trailing   *trailing.Controller
	guard      *risk.Guard
	bus        *notify.Bus
	metrics    *metrics.Metrics
	pool       *workers.Pool
	signals    SignalGenerator

	stopFlag atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}

	mu            sync.RWMutex
	balance       decimal.Decimal
	margin        types.MarginStatus
	action        risk.Action
	pending       []Signal
	protective    map[string]string // symbol -> protective order ID
	totalTrades   int
	winningTrades int
	lastReset     time.Time
	backoff       time.Duration

	statsResetInterval time.Duration

	now func() time.Time
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Config     *config.Config
	Client     exchange.Client
	MarketData *market.Store
	Classifier *regime.Classifier
	Resolver   *params.Resolver
	Ledger     *ledger.Ledger
	Trailing   *trailing.Controller
	Guard      *risk.Guard
	Bus        *notify.Bus
	Metrics    *metrics.Metrics
	Pool       *workers.Pool
	Signals    SignalGenerator
}

// NewCoordinator wires the cycle loop. Regime commits invalidate the
// parameter cache and fan out as notifications.
func NewCoordinator(logger *zap.Logger, d Deps) *Coordinator {
	c := &Coordinator{
		logger:     logger.Named("engine"),
		cfg:        d.Config,
		client:     d.Client,
		marketData: d.MarketData,
		classifier: d.Classifier,
		resolver:   d.Resolver,
		book:       d.Ledger,
		trailing:   d.Trailing,
		guard:      d.Guard,
		bus:        d.Bus,
		metrics:    d.Metrics,
		pool:       d.Pool,
		signals:    d.Signals,
		stopped:    make(chan struct{}),
		protective: make(map[string]string),
		action:     risk.ActionNone,

		statsResetInterval: time.Hour,

		now: time.Now,
	}
	c.lastReset = c.now()

	c.classifier.OnCommit(func(from, to types.MarketRegime) {
		c.resolver.InvalidateRegime(from)
		c.resolver.InvalidateRegime(to)
		c.metrics.RegimeChanges.Inc()
		c.bus.Publish(notify.Event{
			Type:    notify.EventRegimeChange,
			Message: fmt.Sprintf("regime %s -> %s", from, to),
		})
	})

	return c
}

// Run executes cycles until the context is cancelled or Stop is called.
// A step error is converted into bounded backoff rather than termination.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("Trading cycle started",
		zap.Strings("symbols", c.cfg.Symbols),
		zap.Duration("interval", c.cfg.CycleInterval))
	defer close(c.stopped)

	go c.runStatsReset(ctx)

	for {
		if c.stopFlag.Load() || ctx.Err() != nil {
			c.logger.Info("Trading cycle stopped")
			return
		}

		c.maybeResetDaily(ctx)
		failed := c.runCycle(ctx)
		c.metrics.CyclesTotal.Inc()

		sleep := c.cfg.CycleInterval
		c.mu.Lock()
		if failed {
			if c.backoff == 0 {
				c.backoff = initialBackoff
			} else {
				c.backoff *= 2
				if c.backoff > maxBackoff {
					c.backoff = maxBackoff
				}
			}
			sleep = c.backoff
		} else {
			c.backoff = 0
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
	}
}

// Stop requests a graceful shutdown. The current step completes first.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.stopFlag.Store(true)
		c.logger.Info("Stop requested")
	})
}

// Done is closed once the cycle loop has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.stopped }

// runCycle executes one pass of the step machine. Returns true when any
// step failed.
func (c *Coordinator) runCycle(ctx context.Context) bool {
	steps := []struct {
		name Step
		fn   func(context.Context) error
	}{
		{StepRefreshState, c.refreshState},
		{StepGenerateSignals, c.generateSignals},
		{StepProcessSignals, c.processSignals},
		{StepManagePositions, c.managePositions},
		{StepMonitorOrders, c.monitorOrders},
		{StepReconcile, c.reconcile},
		{StepUpdateStats, c.updateStats},
		{StepSafetyChecks, c.safetyChecks},
	}

	failed := false
	for _, step := range steps {
		if c.stopFlag.Load() || ctx.Err() != nil {
			return failed
		}

		start := c.now()
		err := step.fn(ctx)
		elapsed := c.now().Sub(start)

		c.metrics.CycleStepDuration.WithLabelValues(string(step.name)).Observe(elapsed.Seconds())
		if err != nil {
			failed = true
			c.metrics.CycleStepErrors.WithLabelValues(string(step.name)).Inc()
			c.logger.Warn("Cycle step failed",
				zap.String("step", string(step.name)),
				zap.Duration("duration", elapsed),
				zap.Error(err))
			continue
		}
		c.logger.Debug("Cycle step completed",
			zap.String("step", string(step.name)),
			zap.Duration("duration", elapsed))
	}
	return failed
}

// refreshState pulls tickers for every symbol in parallel, plus balance and
// margin. Position state consumed later in this cycle is never staler than
// this step.
func (c *Coordinator) refreshState(ctx context.Context) error {
	errs := c.pool.Map(c.cfg.Symbols, func(symbol string) error {
		ticker, err := c.client.GetTicker(ctx, symbol)
		if err != nil {
			return fmt.Errorf("%w: ticker %s: %v", ErrTransientIO, symbol, err)
		}
		c.marketData.Push(ticker)
		return nil
	})

	balance, err := c.client.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("%w: balance: %v", ErrTransientIO, err)
	}
	margin, err := c.client.GetMarginStatus(ctx)
	if err != nil {
		return fmt.Errorf("%w: margin: %v", ErrTransientIO, err)
	}

	c.mu.Lock()
	c.balance = balance
	c.margin = margin
	c.mu.Unlock()

	if len(errs) > 0 {
		for symbol, err := range errs {
			c.logger.Warn("Ticker refresh failed",
				zap.String("symbol", symbol), zap.Error(err))
		}
		return fmt.Errorf("%w: %d of %d tickers failed", ErrTransientIO, len(errs), len(c.cfg.Symbols))
	}
	return nil
}

// generateSignals classifies the regime off the primary symbol's window and
// collects scored entry candidates for symbols without an open position.
func (c *Coordinator) generateSignals(ctx context.Context) error {
	primary := c.cfg.Symbols[0]
	prices, volumes := c.marketData.Series(primary)
	regimeNow := c.classifier.Classify(prices, volumes)

	open := c.book.GetAll()
	var pending []Signal
	for _, symbol := range c.cfg.Symbols {
		if _, has := open[symbol]; has {
			continue
		}
		prices, volumes := c.marketData.Series(symbol)
		if sig, ok := c.signals.Generate(symbol, prices, volumes, regimeNow); ok {
			pending = append(pending, sig)
		}
	}

	c.mu.Lock()
	c.pending = pending
	c.mu.Unlock()
	return nil
}

// processSignals filters candidates by resolved threshold and the current
// risk action, sizes them, and places entry plus protective stop.
func (c *Coordinator) processSignals(ctx context.Context) error {
	c.mu.RLock()
	action := c.action
	balance := c.balance
	candidates := make([]Signal, len(c.pending))
	copy(candidates, c.pending)
	c.mu.RUnlock()

	if action != risk.ActionNone {
		if len(candidates) > 0 {
			c.logger.Info("Entries suppressed by risk action",
				zap.String("action", string(action)),
				zap.Int("signals", len(candidates)))
		}
		return nil
	}

	regimeNow := c.classifier.Current()
	var firstErr error
	for _, sig := range candidates {
		if _, open := c.book.Get(sig.Symbol); open {
			continue
		}

		p := c.resolver.Resolve(sig.Symbol, regimeNow, balance, decimal.Zero, decimal.Zero)
		if sig.Score.LessThan(p.ScoreThreshold) {
			continue
		}

		if err := c.openPosition(ctx, sig, p, balance, regimeNow); err != nil {
			c.logger.Warn("Entry failed",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// openPosition places the entry order and its protective stop. A protective
// rejection after a confirmed fill triggers an immediate corrective close so
// no position is ever left unprotected.
func (c *Coordinator) openPosition(ctx context.Context, sig Signal, p types.AdaptiveExitParameters, balance decimal.Decimal, regimeNow types.MarketRegime) error {
	price, ok := c.marketData.LastPrice(sig.Symbol)
	if !ok || price.IsZero() {
		return fmt.Errorf("no price for %s", sig.Symbol)
	}

	prices, _ := c.marketData.Series(sig.Symbol)
	atr := indicators.ATR(prices, atrPeriod).Value
	if atr.IsZero() {
		return fmt.Errorf("no volatility estimate for %s", sig.Symbol)
	}

	sizeUSD := c.resolver.PositionSizeUSD(balance, p)
	quantity := sizeUSD.Div(price)

	entrySide := types.OrderSideBuy
	exitSide := types.OrderSideSell
	stopPrice := price.Sub(atr.Mul(p.SLMultiplier))
	takeProfit := price.Add(atr.Mul(p.TPMultiplier))
	if sig.Side == types.PositionSideShort {
		entrySide, exitSide = exitSide, entrySide
		stopPrice = price.Add(atr.Mul(p.SLMultiplier))
		takeProfit = price.Sub(atr.Mul(p.TPMultiplier))
	}

	entry, err := c.client.PlaceOrder(ctx, types.Order{
		ClientOrderID: uuid.New().String(),
		Symbol:        sig.Symbol,
		Side:          entrySide,
		Type:          types.OrderTypeMarket,
		Quantity:      quantity,
	})
	if err != nil {
		return fmt.Errorf("%w: entry order: %v", ErrTransientIO, err)
	}

	protective, err := c.client.PlaceOrder(ctx, types.Order{
		ClientOrderID: uuid.New().String(),
		Symbol:        sig.Symbol,
		Side:          exitSide,
		Type:          types.OrderTypeStopMarket,
		Quantity:      quantity,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
	})
	if err != nil {
		// Filled but unprotected: close it now rather than carry naked risk.
		c.logger.Error("Protective stop rejected after fill, closing position",
			zap.String("symbol", sig.Symbol), zap.Error(err))
		if closeErr := c.client.CloseMarket(ctx, sig.Symbol, sig.Side, quantity); closeErr != nil {
			c.logger.Error("Corrective close failed, reconciliation will adopt",
				zap.String("symbol", sig.Symbol), zap.Error(closeErr))
		}
		return fmt.Errorf("protective stop rejected: %w", err)
	}

	entryTime := c.now()
	pos := types.Position{
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Quantity:      quantity,
		EntryPrice:    price,
		EntryTime:     entryTime,
		MarkPrice:     price,
		StopLoss:      stopPrice,
		TakeProfit:    takeProfit,
		RegimeAtEntry: regimeNow,
	}
	meta := types.PositionMetadata{
		EntryTime: entryTime,
		Regime:    regimeNow,
		Side:      sig.Side,
		Source:    "local",
	}
	if err := c.book.Register(sig.Symbol, pos, meta); err != nil {
		// Exchange truth wins; reconcile will settle the record.
		c.logger.Error("Ledger rejected registration",
			zap.String("symbol", sig.Symbol), zap.Error(err))
	}

	c.mu.Lock()
	c.protective[sig.Symbol] = protective.ID
	c.mu.Unlock()

	c.bus.Publish(notify.Event{
		Type:    notify.EventTradeOpened,
		Symbol:  sig.Symbol,
		Message: fmt.Sprintf("%s %s %s @ %s (%s)", sig.Side, quantity, sig.Symbol, price, sig.Reason),
	})
	c.logger.Info("Position opened",
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(sig.Side)),
		zap.String("quantity", quantity.String()),
		zap.String("entry", price.String()),
		zap.String("stop", stopPrice.String()),
		zap.String("takeProfit", takeProfit.String()),
		zap.String("entryOrder", entry.ID))
	return nil
}

// managePositions trails stops and enforces exits (stop hit, take profit,
// max holding).
func (c *Coordinator) managePositions(ctx context.Context) error {
	regimeNow := c.classifier.Current()
	c.mu.RLock()
	balance := c.balance
	c.mu.RUnlock()

	var firstErr error
	for symbol, pos := range c.book.GetAll() {
		price, ok := c.marketData.LastPrice(symbol)
		if !ok || price.IsZero() {
			continue
		}

		pnlPct := pos.ProfitPct(price)
		drawdown := decimal.Zero
		if pnlPct.IsNegative() {
			drawdown = pnlPct.Neg()
		}
		p := c.resolver.Resolve(symbol, regimeNow, balance, pnlPct, drawdown)

		if reason, hit := exitReason(pos, price, p, c.now()); hit {
			if err := c.closePosition(ctx, pos, price, reason); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}

		prices, _ := c.marketData.Series(symbol)
		atr := indicators.ATR(prices, atrPeriod).Value

		decision := c.trailing.Update(pos, price, atr, p)
		if !decision.Changed &&
			decision.HighestPrice.Equal(pos.HighestPrice) &&
			decision.LowestPrice.Equal(pos.LowestPrice) {
			continue
		}
		c.book.Update(symbol, func(p *types.Position) {
			if decision.Changed {
				p.StopLoss = decision.Stop
			}
			p.HighestPrice = decision.HighestPrice
			p.LowestPrice = decision.LowestPrice
			p.MarkPrice = price
		}, nil)
	}
	return firstErr
}

// exitReason checks stop, take profit and holding-time limits. The stop is
// protective and always eligible; profit taking waits out the minimum
// holding period so entry-bar noise cannot flip a position straight back.
func exitReason(pos types.Position, price decimal.Decimal, p types.AdaptiveExitParameters, now time.Time) (string, bool) {
	long := pos.IsLong()

	if !pos.StopLoss.IsZero() {
		if long && price.LessThanOrEqual(pos.StopLoss) ||
			!long && price.GreaterThanOrEqual(pos.StopLoss) {
			return "stop_hit", true
		}
	}

	if p.MinHolding > 0 && !pos.EntryTime.IsZero() && now.Sub(pos.EntryTime) < p.MinHolding {
		return "", false
	}

	if !pos.TakeProfit.IsZero() {
		if long && price.GreaterThanOrEqual(pos.TakeProfit) ||
			!long && price.LessThanOrEqual(pos.TakeProfit) {
			return "take_profit", true
		}
	}
	if p.MaxHolding > 0 && !pos.EntryTime.IsZero() && now.Sub(pos.EntryTime) >= p.MaxHolding {
		return "max_holding", true
	}
	return "", false
}

// closePosition flattens one position, records the result and cleans up the
// protective order.
func (c *Coordinator) closePosition(ctx context.Context, pos types.Position, price decimal.Decimal, reason string) error {
	if err := c.client.CloseMarket(ctx, pos.Symbol, pos.Side, pos.Quantity); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrTransientIO, pos.Symbol, err)
	}

	pnl := price.Sub(pos.EntryPrice).Mul(pos.Quantity)
	if !pos.IsLong() {
		pnl = pnl.Neg()
	}

	c.book.Unregister(pos.Symbol)
	c.trailing.Forget(pos.Symbol)
	c.guard.RecordTradeClose(pnl)

	c.mu.Lock()
	c.totalTrades++
	result := "loss"
	if pnl.IsPositive() {
		c.winningTrades++
		result = "win"
	}
	orderID := c.protective[pos.Symbol]
	delete(c.protective, pos.Symbol)
	c.mu.Unlock()

	c.metrics.TradesTotal.WithLabelValues(result).Inc()

	if orderID != "" {
		if err := c.client.CancelOrder(ctx, pos.Symbol, orderID); err != nil {
			c.logger.Warn("Protective order cancel failed",
				zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}

	c.bus.Publish(notify.Event{
		Type:    notify.EventTradeClosed,
		Symbol:  pos.Symbol,
		Message: fmt.Sprintf("%s closed %s, pnl %s", pos.Symbol, reason, pnl),
	})
	c.logger.Info("Position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason),
		zap.String("pnl", pnl.String()))
	return nil
}

// monitorOrders cancels protective orders left behind by positions the
// ledger no longer tracks.
func (c *Coordinator) monitorOrders(ctx context.Context) error {
	c.mu.Lock()
	orphans := make(map[string]string)
	for symbol, orderID := range c.protective {
		if _, open := c.book.Get(symbol); !open {
			orphans[symbol] = orderID
			delete(c.protective, symbol)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for symbol, orderID := range orphans {
		if err := c.client.CancelOrder(ctx, symbol, orderID); err != nil {
			c.logger.Warn("Orphan order cancel failed",
				zap.String("symbol", symbol),
				zap.String("orderId", orderID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: cancel %s: %v", ErrTransientIO, orderID, err)
			}
		}
	}
	return firstErr
}

// reconcile merges the exchange's position snapshot into the ledger. Runs
// after order placement so a just-opened position is visible to the next
// cycle's risk checks.
func (c *Coordinator) reconcile(ctx context.Context) error {
	records, err := c.client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("%w: positions: %v", ErrTransientIO, err)
	}

	report := c.book.Reconcile(records, c.classifier.Current())
	for _, symbol := range report.Removed {
		c.trailing.Forget(symbol)
	}
	if len(report.Added)+len(report.Removed)+len(report.Skipped) > 0 {
		c.logger.Info("Reconciliation applied",
			zap.Strings("added", report.Added),
			zap.Strings("removed", report.Removed),
			zap.Strings("updated", report.Updated),
			zap.Strings("skipped", report.Skipped))
	}
	return nil
}

// updateStats refreshes gauges from current state.
func (c *Coordinator) updateStats(ctx context.Context) error {
	state := c.guard.State()
	dailyPnL, _ := state.DailyPnL.Float64()

	c.metrics.OpenPositions.Set(float64(c.book.Len()))
	c.metrics.DailyPnL.Set(dailyPnL)
	return nil
}

// safetyChecks runs the circuit breaker and stores its verdict for the next
// PROCESS_SIGNALS step.
func (c *Coordinator) safetyChecks(ctx context.Context) error {
	c.mu.RLock()
	margin := c.margin
	c.mu.RUnlock()

	action := c.guard.CheckAndEnforce(ctx, margin, c.book, c.client)

	c.mu.Lock()
	previous := c.action
	c.action = action
	c.mu.Unlock()

	if action != previous && action != risk.ActionNone {
		c.metrics.SafetyTrips.WithLabelValues(string(action)).Inc()
		eventType := notify.EventSafetyTrip
		if action == risk.ActionEmergencyCloseAll {
			eventType = notify.EventEmergency
			c.metrics.EmergencyCloses.Inc()
		}
		c.bus.Publish(notify.Event{
			Type:    eventType,
			Message: fmt.Sprintf("risk action: %s", action),
		})
	}
	return nil
}

// runStatsReset clears the rolling win-rate window on an independent timer
// so the exposed rate tracks recent performance rather than lifetime totals.
func (c *Coordinator) runStatsReset(ctx context.Context) {
	ticker := time.NewTicker(c.statsResetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case <-ticker.C:
			c.resetWindowStats()
		}
	}
}

// resetWindowStats zeroes the trade counters feeding the win-rate snapshot.
func (c *Coordinator) resetWindowStats() {
	c.mu.Lock()
	total, winning := c.totalTrades, c.winningTrades
	c.totalTrades = 0
	c.winningTrades = 0
	c.mu.Unlock()

	if total > 0 {
		c.logger.Info("Statistics window reset",
			zap.Int("trades", total),
			zap.Int("wins", winning))
	}
}

// maybeResetDaily rolls the risk state over at local midnight.
func (c *Coordinator) maybeResetDaily(ctx context.Context) {
	c.mu.Lock()
	nowDay := c.now().YearDay()
	lastDay := c.lastReset.YearDay()
	balance := c.balance
	if nowDay == lastDay {
		c.mu.Unlock()
		return
	}
	c.lastReset = c.now()
	c.mu.Unlock()

	c.guard.ResetDaily(balance)
	c.mu.Lock()
	c.action = risk.ActionNone
	c.mu.Unlock()
}

// Stats returns the periodic snapshot exposed over the API.
func (c *Coordinator) Stats() types.Snapshot {
	c.mu.RLock()
	total := c.totalTrades
	winning := c.winningTrades
	action := c.action
	c.mu.RUnlock()

	winRate := decimal.Zero
	if total > 0 {
		winRate = decimal.NewFromInt(int64(winning)).Div(decimal.NewFromInt(int64(total)))
	}

	state := c.guard.State()
	return types.Snapshot{
		TotalTrades:   total,
		WinningTrades: winning,
		WinRate:       winRate,
		DailyPnL:      state.DailyPnL,
		OpenPositions: c.book.Len(),
		Regime:        c.classifier.Current(),
		Halted:        action != risk.ActionNone,
		UpdatedAt:     c.now(),
	}
}
