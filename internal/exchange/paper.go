package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantrelay/scalpd/pkg/types"
)

// ErrNoMarketData is returned when a paper order arrives for a symbol with
// no ticker loaded.
var ErrNoMarketData = errors.New("exchange: no market data for symbol")

// ErrUnknownOrder is returned when cancelling an order the paper book does
// not hold.
var ErrUnknownOrder = errors.New("exchange: unknown order")

// PaperClient simulates an exchange in memory. Market orders fill instantly
// at the last ticker price; limit and stop orders rest on the book until
// cancelled. Used by tests and by the --paper flag.
type PaperClient struct {
	logger *zap.Logger

	mu        sync.Mutex
	balance   decimal.Decimal
	tickers   map[string]types.Ticker
	positions map[string]*types.ExchangePosition
	orders    map[string]types.Order

	now func() time.Time
}

// NewPaperClient creates a paper client with the given starting balance.
func NewPaperClient(logger *zap.Logger, startBalance decimal.Decimal) *PaperClient {
	return &PaperClient{
		logger:    logger.Named("paper-exchange"),
		balance:   startBalance,
		tickers:   make(map[string]types.Ticker),
		positions: make(map[string]*types.ExchangePosition),
		orders:    make(map[string]types.Order),
		now:       time.Now,
	}
}

// SetTicker loads or replaces the market snapshot for a symbol and marks
// open positions for the symbol to the new price.
func (p *PaperClient) SetTicker(t types.Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.Timestamp.IsZero() {
		t.Timestamp = p.now()
	}
	p.tickers[t.Symbol] = t

	if pos, ok := p.positions[t.Symbol]; ok {
		pos.MarkPrice = t.Last
		pos.PnL = t.Last.Sub(pos.EntryPrice).Mul(pos.Size)
		pos.UpdatedAt = t.Timestamp
	}
}

// SetPosition seeds an exchange-side position directly, bypassing order
// flow. Tests use this to model fills that happened out of band.
func (p *PaperClient) SetPosition(pos types.ExchangePosition) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos.Size.IsZero() {
		delete(p.positions, pos.Symbol)
		return
	}
	cp := pos
	p.positions[pos.Symbol] = &cp
}

func (p *PaperClient) GetPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.ExchangePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperClient) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tickers[symbol]
	if !ok {
		return types.Ticker{}, fmt.Errorf("%w: %s", ErrNoMarketData, symbol)
	}
	return t, nil
}

func (p *PaperClient) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperClient) GetMarginStatus(ctx context.Context) (types.MarginStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Paper trading never approaches maintenance margin.
	return types.MarginStatus{
		MarginRatio:      decimal.NewFromFloat(0.05),
		MaintenanceLevel: decimal.NewFromFloat(0.5),
	}, nil
}

// PlaceOrder fills market orders at the last price and rests everything else.
func (p *PaperClient) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = p.now()
	}

	ticker, ok := p.tickers[order.Symbol]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s", ErrNoMarketData, order.Symbol)
	}

	if order.Type == types.OrderTypeMarket {
		p.fill(order, ticker.Last)
	} else {
		p.orders[order.ID] = order
	}

	p.logger.Debug("Paper order accepted",
		zap.String("id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("quantity", order.Quantity.String()))
	return order, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	delete(p.orders, orderID)
	return nil
}

// CloseMarket flattens a position at the last price and realizes its PnL
// into the balance.
func (p *PaperClient) CloseMarket(ctx context.Context, symbol string, side types.PositionSide, quantity decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil // already flat
	}

	ticker, haveTicker := p.tickers[symbol]
	if haveTicker {
		pnl := ticker.Last.Sub(pos.EntryPrice).Mul(pos.Size)
		p.balance = p.balance.Add(pnl)
	}
	delete(p.positions, symbol)

	p.logger.Info("Paper position closed",
		zap.String("symbol", symbol),
		zap.String("quantity", quantity.String()))
	return nil
}

// OpenOrders returns the resting order book.
func (p *PaperClient) OpenOrders() []types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	return out
}

// fill applies an immediate execution to the position book. Caller holds the
// lock.
func (p *PaperClient) fill(order types.Order, price decimal.Decimal) {
	signed := order.Quantity
	if order.Side == types.OrderSideSell {
		signed = signed.Neg()
	}

	pos, ok := p.positions[order.Symbol]
	if !ok {
		side := types.PositionSideLong
		if signed.IsNegative() {
			side = types.PositionSideShort
		}
		p.positions[order.Symbol] = &types.ExchangePosition{
			Symbol:     order.Symbol,
			Size:       signed,
			Side:       side,
			EntryPrice: price,
			MarkPrice:  price,
			UpdatedAt:  p.now(),
		}
		return
	}

	newSize := pos.Size.Add(signed)
	if newSize.IsZero() {
		pnl := price.Sub(pos.EntryPrice).Mul(pos.Size)
		p.balance = p.balance.Add(pnl)
		delete(p.positions, order.Symbol)
		return
	}

	// Adding to the position reprices the average entry; reducing keeps it.
	if pos.Size.Sign() == signed.Sign() {
		notional := pos.EntryPrice.Mul(pos.Size.Abs()).Add(price.Mul(signed.Abs()))
		pos.EntryPrice = notional.Div(newSize.Abs())
	}
	pos.Size = newSize
	pos.MarkPrice = price
	pos.UpdatedAt = p.now()
	if newSize.IsNegative() {
		pos.Side = types.PositionSideShort
	} else {
		pos.Side = types.PositionSideLong
	}
}
