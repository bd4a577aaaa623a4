// internal/broker/broker.go
package broker

import (
	"context"

	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/position"
)

// BrokerPosition is one open position as the broker reports it. This is the
// authoritative truth the local store reconciles against.
type BrokerPosition struct {
	Ticker        string
	Side          position.Side
	Qty           int64
	AvgEntryPrice float64
}

// OrderSide is the direction of an order on the wire.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType selects how the order executes.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderRequest submits an exit (or entry) order. ClientID makes the
// submission idempotent on the broker side across retries.
type OrderRequest struct {
	Ticker     string
	Side       OrderSide
	Qty        int64
	Type       OrderType
	LimitPrice float64
	ClientID   string
}

// OrderResult is the broker's acknowledgement of a placed order.
type OrderResult struct {
	OrderID        string
	Status         string
	FilledQty      int64
	FilledAvgPrice float64
}

// Broker abstracts the brokerage API the watchdog consumes. Implementations
// classify their failures into the Kind taxonomy so the dispatcher and the
// price poller can make retry decisions without knowing the transport.
type Broker interface {
	// GetPositions returns the broker's authoritative open-position list.
	GetPositions(ctx context.Context) ([]BrokerPosition, error)

	// GetQuote returns the latest traded price for ticker.
	GetQuote(ctx context.Context, ticker string) (float64, error)

	// GetCandles returns up to lookback daily candles, oldest first.
	GetCandles(ctx context.Context, ticker string, lookback int) ([]market.Candle, error)

	// PlaceOrder submits an order and returns the broker's acknowledgement.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}
