// Package exchange defines the client surface the engine consumes and a
// paper-trading implementation of it. The signed wire protocol lives behind
// the Client interface; a transient failure on any call is retryable by the
// caller, which in practice means the coordinator skips that step for one
// cycle.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantrelay/scalpd/pkg/types"
)

// Client is the exchange surface consumed by the engine.
type Client interface {
	GetPositions(ctx context.Context) ([]types.ExchangePosition, error)
	GetTicker(ctx context.Context, symbol string) (types.Ticker, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetMarginStatus(ctx context.Context) (types.MarginStatus, error)
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CloseMarket flattens a position with a reduce-only market order.
	CloseMarket(ctx context.Context, symbol string, side types.PositionSide, quantity decimal.Decimal) error
}
