// internal/broker/alpaca/client.go
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradesafe/watchdog/internal/broker"
	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/position"
)

// Config for the Alpaca-backed broker.
type Config struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	CallTimeout time.Duration
}

// Client implements broker.Broker against the Alpaca trading and market
// data APIs.
type Client struct {
	trading *alpaca.Client
	data    *marketdata.Client
	timeout time.Duration
	logger  *zap.Logger
}

// FromEnv builds a config from ALPACA_API_KEY / ALPACA_SECRET_KEY, loading a
// .env file first when one is present.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		APIKey:    os.Getenv("ALPACA_API_KEY"),
		APISecret: os.Getenv("ALPACA_SECRET_KEY"),
		BaseURL:   os.Getenv("ALPACA_BASE_URL"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return Config{}, errors.New("ALPACA_API_KEY or ALPACA_SECRET_KEY not set")
	}
	return cfg, nil
}

// New creates a connected client. It verifies the credentials with a
// GetAccount call so an auth problem surfaces at startup, not mid-session.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	c := &Client{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		timeout: cfg.CallTimeout,
		logger:  logger.Named("alpaca"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()
	acct, err := call(ctx, c.timeout, func() (*alpaca.Account, error) {
		return c.trading.GetAccount()
	})
	if err != nil {
		return nil, classify("", err)
	}
	c.logger.Info("Connected to Alpaca",
		zap.String("account", acct.ID),
		zap.String("base_url", cfg.BaseURL))
	return c, nil
}

// GetPositions implements broker.Broker.
func (c *Client) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	raw, err := call(ctx, c.timeout, func() ([]alpaca.Position, error) {
		return c.trading.GetPositions()
	})
	if err != nil {
		return nil, classify("", err)
	}

	out := make([]broker.BrokerPosition, 0, len(raw))
	for _, p := range raw {
		qty := p.Qty
		side := position.SideLong
		if qty.IsNegative() || strings.EqualFold(string(p.Side), "short") {
			side = position.SideShort
			qty = qty.Abs()
		}
		out = append(out, broker.BrokerPosition{
			Ticker:        p.Symbol,
			Side:          side,
			Qty:           qty.IntPart(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return out, nil
}

// GetQuote implements broker.Broker.
func (c *Client) GetQuote(ctx context.Context, ticker string) (float64, error) {
	trade, err := call(ctx, c.timeout, func() (*marketdata.Trade, error) {
		return c.data.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return 0, classify(ticker, err)
	}
	return trade.Price, nil
}

// GetCandles implements broker.Broker. Daily bars, oldest first.
func (c *Client) GetCandles(ctx context.Context, ticker string, lookback int) ([]market.Candle, error) {
	// Calendar days overshoot trading days, so fetch a wide window and
	// trim to the requested count.
	start := time.Now().AddDate(0, 0, -(lookback*2 + 10))
	bars, err := call(ctx, c.timeout, func() ([]marketdata.Bar, error) {
		return c.data.GetBars(ticker, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
		})
	})
	if err != nil {
		return nil, classify(ticker, err)
	}

	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	out := make([]market.Candle, 0, len(bars))
	for _, b := range bars {
		out = append(out, market.Candle{
			Time:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: int64(b.Volume),
		})
	}
	return out, nil
}

// PlaceOrder implements broker.Broker.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if req.Qty <= 0 {
		return broker.OrderResult{}, broker.NewError(broker.KindValidation, req.Ticker,
			fmt.Errorf("quantity must be positive, got %d", req.Qty))
	}

	qty := decimal.NewFromInt(req.Qty)
	por := alpaca.PlaceOrderRequest{
		Symbol:        req.Ticker,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientID,
	}
	if req.Type == broker.Limit {
		lp := decimal.NewFromFloat(req.LimitPrice)
		por.LimitPrice = &lp
	}

	order, err := call(ctx, c.timeout, func() (*alpaca.Order, error) {
		return c.trading.PlaceOrder(por)
	})
	if err != nil {
		return broker.OrderResult{}, classify(req.Ticker, err)
	}

	res := broker.OrderResult{
		OrderID:   order.ID,
		Status:    string(order.Status),
		FilledQty: order.FilledQty.IntPart(),
	}
	if order.FilledAvgPrice != nil {
		res.FilledAvgPrice = order.FilledAvgPrice.InexactFloat64()
	}
	return res, nil
}

// call runs a blocking SDK call with a deadline. The SDK's methods do not
// take a context, so the call is raced against the timer; an abandoned call
// is left to finish on its own rather than hard-killed.
func call[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// classify maps SDK and transport failures into the broker error taxonomy.
func classify(ticker string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return broker.NewError(broker.KindRateLimit, ticker, err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return broker.NewError(broker.KindAuth, ticker, err)
		case apiErr.StatusCode == 422:
			return broker.NewError(broker.KindValidation, ticker, err)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return broker.NewError(broker.KindRejection, ticker, err)
		default:
			return broker.NewError(broker.KindNetwork, ticker, err)
		}
	}

	// Timeouts and raw transport failures are transient.
	return broker.NewError(broker.KindNetwork, ticker, err)
}
