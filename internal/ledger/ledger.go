// Package ledger is the authoritative in-process record of open positions
// and their provenance metadata, reconciled every cycle against the
// exchange's snapshot. All mutation is serialized behind the ledger lock;
// reads return copies.
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/pkg/types"
)

// ErrMalformedRecord marks an exchange record that cannot be interpreted.
// Reconciliation skips the record and continues with the rest of the batch.
var ErrMalformedRecord = errors.New("ledger: malformed exchange record")

// ErrDuplicatePosition is returned when registering a symbol that is
// already tracked. At most one open position per symbol.
var ErrDuplicatePosition = errors.New("ledger: position already registered for symbol")

// Ledger tracks open positions keyed by symbol.
type Ledger struct {
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[string]*types.Position
	metadata  map[string]*types.PositionMetadata

	now func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:    logger.Named("ledger"),
		positions: make(map[string]*types.Position),
		metadata:  make(map[string]*types.PositionMetadata),
		now:       time.Now,
	}
}

// Register adds a new position with its metadata. Registering a tracked
// symbol is an invariant violation: the existing record is kept and
// ErrDuplicatePosition returned so the caller can defer to exchange truth.
func (l *Ledger) Register(symbol string, pos types.Position, meta types.PositionMetadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[symbol]; exists {
		l.logger.Error("Duplicate position registration rejected",
			zap.String("symbol", symbol))
		return ErrDuplicatePosition
	}

	p := pos
	m := meta
	l.positions[symbol] = &p
	l.metadata[symbol] = &m

	l.logger.Info("Position registered",
		zap.String("symbol", symbol),
		zap.String("side", string(pos.Side)),
		zap.String("quantity", pos.Quantity.String()),
		zap.String("entryPrice", pos.EntryPrice.String()))
	return nil
}

// Update mutates a tracked position (and optionally its metadata) under the
// ledger lock. Returns false when the symbol is not tracked.
func (l *Ledger) Update(symbol string, mutate func(*types.Position), mutateMeta func(*types.PositionMetadata)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return false
	}
	if mutate != nil {
		mutate(pos)
	}
	if mutateMeta != nil {
		if meta, ok := l.metadata[symbol]; ok {
			mutateMeta(meta)
		}
	}
	return true
}

// Unregister removes a position and its metadata.
func (l *Ledger) Unregister(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[symbol]; !ok {
		return false
	}
	delete(l.positions, symbol)
	delete(l.metadata, symbol)
	l.logger.Info("Position unregistered", zap.String("symbol", symbol))
	return true
}

// Get returns a copy of one position.
func (l *Ledger) Get(symbol string) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// GetAll returns copies of every tracked position.
func (l *Ledger) GetAll() map[string]types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]types.Position, len(l.positions))
	for symbol, pos := range l.positions {
		out[symbol] = *pos
	}
	return out
}

// GetAllMetadata returns copies of every metadata record.
func (l *Ledger) GetAllMetadata() map[string]types.PositionMetadata {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]types.PositionMetadata, len(l.metadata))
	for symbol, meta := range l.metadata {
		out[symbol] = *meta
	}
	return out
}

// Len returns the number of tracked positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Added   []string
	Removed []string
	Updated []string
	Skipped []string
}

// Reconcile merges the exchange's authoritative snapshot into the ledger.
// New non-zero exchange positions are registered with fresh metadata;
// tracked symbols absent from the snapshot are unregistered; symbols
// present in both get their market fields updated while metadata is
// preserved (fill only unset fields, never regress EntryTime). A malformed
// record is skipped with a warning and the batch continues.
func (l *Ledger) Reconcile(exchange []types.ExchangePosition, regimeNow types.MarketRegime) ReconcileReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report ReconcileReport

	live := make(map[string]types.ExchangePosition, len(exchange))
	for _, rec := range exchange {
		if err := validate(rec); err != nil {
			l.logger.Warn("Skipping malformed exchange record",
				zap.String("symbol", rec.Symbol),
				zap.Error(err))
			report.Skipped = append(report.Skipped, rec.Symbol)
			continue
		}
		if rec.Size.IsZero() {
			continue // flat on the exchange, nothing to track
		}
		live[rec.Symbol] = rec
	}

	// Drop positions the exchange no longer reports.
	for symbol := range l.positions {
		if _, ok := live[symbol]; !ok {
			delete(l.positions, symbol)
			delete(l.metadata, symbol)
			report.Removed = append(report.Removed, symbol)
			l.logger.Warn("Position closed externally, unregistered",
				zap.String("symbol", symbol))
		}
	}

	for symbol, rec := range live {
		side := inferSide(rec)

		pos, tracked := l.positions[symbol]
		if !tracked {
			entryTime := rec.UpdatedAt
			if entryTime.IsZero() {
				entryTime = l.now()
			}
			l.positions[symbol] = &types.Position{
				Symbol:        symbol,
				Side:          side,
				Quantity:      rec.Size.Abs(),
				EntryPrice:    rec.EntryPrice,
				EntryTime:     entryTime,
				MarkPrice:     rec.MarkPrice,
				UnrealizedPnL: rec.PnL,
				RegimeAtEntry: regimeNow,
			}
			l.metadata[symbol] = &types.PositionMetadata{
				EntryTime: entryTime,
				Regime:    regimeNow,
				Side:      side,
				Source:    "exchange",
			}
			report.Added = append(report.Added, symbol)
			l.logger.Info("Adopted exchange position",
				zap.String("symbol", symbol),
				zap.String("side", string(side)),
				zap.String("size", rec.Size.Abs().String()))
			continue
		}

		// Present in both: market fields follow the exchange, provenance
		// stays local.
		changed := false
		if !pos.Quantity.Equal(rec.Size.Abs()) {
			pos.Quantity = rec.Size.Abs()
			changed = true
		}
		if !rec.MarkPrice.IsZero() && !pos.MarkPrice.Equal(rec.MarkPrice) {
			pos.MarkPrice = rec.MarkPrice
			changed = true
		}
		if !pos.UnrealizedPnL.Equal(rec.PnL) {
			pos.UnrealizedPnL = rec.PnL
			changed = true
		}
		if pos.EntryPrice.IsZero() && !rec.EntryPrice.IsZero() {
			pos.EntryPrice = rec.EntryPrice
			changed = true
		}

		meta := l.metadata[symbol]
		if meta.Side == "" {
			meta.Side = side
		}
		if meta.EntryTime.IsZero() && !rec.UpdatedAt.IsZero() {
			meta.EntryTime = rec.UpdatedAt
		}
		if meta.Regime == "" {
			meta.Regime = regimeNow
		}

		if changed {
			report.Updated = append(report.Updated, symbol)
		}
	}

	return report
}

func validate(rec types.ExchangePosition) error {
	if rec.Symbol == "" {
		return ErrMalformedRecord
	}
	if rec.EntryPrice.IsNegative() || rec.MarkPrice.IsNegative() {
		return ErrMalformedRecord
	}
	return nil
}

// inferSide prefers the exchange's side field and falls back to the sign
// of the signed size.
func inferSide(rec types.ExchangePosition) types.PositionSide {
	if rec.Side == types.PositionSideLong || rec.Side == types.PositionSideShort {
		return rec.Side
	}
	if rec.Size.LessThan(decimal.Zero) {
		return types.PositionSideShort
	}
	return types.PositionSideLong
}
