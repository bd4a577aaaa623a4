// internal/volatility/refresher.go
package volatility

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/position"
)

// Refresher re-derives each position's volatility reading from candle
// history. It runs at a lower cadence than price polling; the scheduler
// calls RefreshAll on its own timer.
type Refresher struct {
	source   market.Source
	store    *position.Store
	period   int
	lookback int
	logger   *zap.Logger
}

// NewRefresher wires the refresher to its price source and the store.
// period is the configured ATR window; lookback is how many candles to
// fetch and must cover at least period+1.
func NewRefresher(source market.Source, store *position.Store, period, lookback int, logger *zap.Logger) *Refresher {
	return &Refresher{
		source:   source,
		store:    store,
		period:   period,
		lookback: lookback,
		logger:   logger.Named("volatility"),
	}
}

// RefreshAll updates the ATR reading of every open position. Failures are
// contained per ticker: a candle fetch error leaves that position on its
// previous reading and the loop continues.
func (r *Refresher) RefreshAll(ctx context.Context) {
	start := time.Now()
	positions := r.store.List()

	for _, pos := range positions {
		if pos.Status == position.StatusClosed {
			continue
		}
		if err := r.refreshOne(ctx, pos); err != nil {
			r.logger.Warn("Volatility refresh failed, keeping previous reading",
				zap.String("ticker", pos.Ticker),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
	r.logger.Debug("Volatility refresh pass complete",
		zap.Int("positions", len(positions)),
		zap.Duration("took", time.Since(start)))
}

func (r *Refresher) refreshOne(ctx context.Context, pos position.Position) error {
	candles, err := r.source.Candles(ctx, pos.Ticker, r.lookback)
	if err != nil {
		return err
	}

	reading := Assess(candles, pos.EntryPrice, r.period)
	if err := r.store.SetVolatility(pos.Ticker, reading.Band, reading.ATR, reading.Multiplier, reading.Provisional); err != nil {
		return err
	}

	if pos.Provisional && !reading.Provisional {
		r.logger.Info("Position graduated from provisional stop",
			zap.String("ticker", pos.Ticker),
			zap.String("band", string(reading.Band)),
			zap.Float64("atr", reading.ATR))
	} else if reading.Band != pos.Band {
		r.logger.Info("Volatility band changed",
			zap.String("ticker", pos.Ticker),
			zap.String("from", string(pos.Band)),
			zap.String("to", string(reading.Band)),
			zap.Float64("atr", reading.ATR))
	}
	return nil
}
