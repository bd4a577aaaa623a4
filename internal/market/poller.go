// internal/market/poller.go
package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// QuoteSource is the slice of the broker API the price layer needs.
type QuoteSource interface {
	GetQuote(ctx context.Context, ticker string) (float64, error)
	GetCandles(ctx context.Context, ticker string, lookback int) ([]Candle, error)
}

// Source produces the per-cycle price snapshot and historical candles. Both
// the polling implementation and the push-based feed satisfy it, so the
// planner never knows which transport is underneath.
type Source interface {
	Poll(ctx context.Context, tickers []string) Snapshot
	Candles(ctx context.Context, ticker string, lookback int) ([]Candle, error)
	// Forget drops any cached state for a ticker that is no longer
	// tracked, so a position reopened later starts from fresh data.
	Forget(ticker string)
}

// fetchMaxTries caps in-cycle attempts per fetch. Transient failures get
// one quick retry; anything still failing waits for the next cycle.
const fetchMaxTries = 2

// PollerConfig tunes the polling source.
type PollerConfig struct {
	// CallTimeout bounds each quote request.
	CallTimeout time.Duration
	// CandleTTL is how long a fetched candle set stays fresh; repeated
	// calls within one cycle never re-hit the network.
	CandleTTL time.Duration
	// RetryDelay seeds the backoff before the in-cycle retry.
	RetryDelay time.Duration
}

// DefaultPollerConfig returns the polling defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		CallTimeout: 5 * time.Second,
		CandleTTL:   5 * time.Minute,
		RetryDelay:  200 * time.Millisecond,
	}
}

// Poller is the pure-polling Source: one quote fetch per ticker per cycle.
type Poller struct {
	source QuoteSource
	config PollerConfig
	logger *zap.Logger

	mu     sync.Mutex
	cache  map[string]cachedCandles
	now    func() time.Time
}

type cachedCandles struct {
	candles   []Candle
	fetchedAt time.Time
	lookback  int
}

// NewPoller creates a polling price source.
func NewPoller(source QuoteSource, config PollerConfig, logger *zap.Logger) *Poller {
	return &Poller{
		source: source,
		config: config,
		logger: logger.Named("price"),
		cache:  make(map[string]cachedCandles),
		now:    time.Now,
	}
}

// Poll fetches the latest price for every ticker. Failures are per-ticker:
// a bad ticker lands in Snapshot.Errors and the rest of the batch proceeds.
// Transient failures get one quick in-call retry before giving up on the
// ticker for this cycle.
func (p *Poller) Poll(ctx context.Context, tickers []string) Snapshot {
	snap := Snapshot{
		Samples: make(map[string]PriceSample, len(tickers)),
		Errors:  make(map[string]error),
	}

	for _, ticker := range tickers {
		price, err := p.fetchQuote(ctx, ticker)
		if err != nil {
			p.logger.Warn("Quote failed",
				zap.String("ticker", ticker),
				zap.Error(err))
			snap.Errors[ticker] = err
			continue
		}
		snap.Samples[ticker] = PriceSample{
			Ticker: ticker,
			Price:  price,
			Time:   p.now(),
		}
	}
	return snap
}

// Candles returns daily candles for ticker, served from the TTL cache when
// fresh enough.
func (p *Poller) Candles(ctx context.Context, ticker string, lookback int) ([]Candle, error) {
	p.mu.Lock()
	if c, ok := p.cache[ticker]; ok && c.lookback >= lookback && p.now().Sub(c.fetchedAt) < p.config.CandleTTL {
		candles := c.candles
		p.mu.Unlock()
		if len(candles) > lookback {
			candles = candles[len(candles)-lookback:]
		}
		return candles, nil
	}
	p.mu.Unlock()

	candles, err := p.fetchCandles(ctx, ticker, lookback)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[ticker] = cachedCandles{
		candles:   candles,
		fetchedAt: p.now(),
		lookback:  lookback,
	}
	p.mu.Unlock()
	return candles, nil
}

// Forget drops a ticker's candle cache; used when a position is pruned.
func (p *Poller) Forget(ticker string) {
	p.mu.Lock()
	delete(p.cache, ticker)
	p.mu.Unlock()
}

func (p *Poller) fetchQuote(ctx context.Context, ticker string) (float64, error) {
	op := func() (float64, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
		defer cancel()
		price, err := p.source.GetQuote(callCtx, ticker)
		if err != nil && !isRetryable(err) {
			return 0, backoff.Permanent(err)
		}
		return price, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(fetchMaxTries),
	)
}

func (p *Poller) fetchCandles(ctx context.Context, ticker string, lookback int) ([]Candle, error) {
	op := func() ([]Candle, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
		defer cancel()
		candles, err := p.source.GetCandles(callCtx, ticker, lookback)
		if err != nil && !isRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return candles, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(fetchMaxTries),
	)
}

func (p *Poller) newBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.config.RetryDelay
	return expo
}

// isRetryable mirrors the broker error taxonomy without importing it (the
// broker package depends on this one). Classified errors expose Retryable;
// raw transport errors and timeouts count as transient.
func isRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
