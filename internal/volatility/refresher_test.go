// internal/volatility/refresher_test.go
package volatility

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/position"
)

type fixedSource struct {
	candles      map[string][]market.Candle
	lastLookback int
}

func (f *fixedSource) Poll(ctx context.Context, tickers []string) market.Snapshot {
	return market.Snapshot{}
}

func (f *fixedSource) Candles(ctx context.Context, ticker string, lookback int) ([]market.Candle, error) {
	f.lastLookback = lookback
	candles, ok := f.candles[ticker]
	if !ok {
		return nil, errors.New("no history")
	}
	return candles, nil
}

func (f *fixedSource) Forget(ticker string) {}

func openPosition(ticker string) position.Position {
	return position.Position{
		Ticker:        ticker,
		Side:          position.SideLong,
		EntryPrice:    100,
		OriginalQty:   10,
		RemainingQty:  10,
		ExtremePrice:  100,
		Band:          position.BandMedium,
		ATRValue:      2,
		ATRMultiplier: 1,
		Provisional:   true,
		StopPrice:     98,
		Status:        position.StatusOpen,
	}
}

func TestRefreshGraduatesProvisional(t *testing.T) {
	src := &fixedSource{candles: map[string][]market.Candle{
		"AAPL": flatCandles(40, 100, 1.5),
	}}
	store := position.NewStore(nil, zaptest.NewLogger(t))
	require.NoError(t, store.Seed([]position.Position{openPosition("AAPL")}))

	r := NewRefresher(src, store, ATRPeriod, ATRPeriod+1, zaptest.NewLogger(t))
	r.RefreshAll(context.Background())

	pos, _ := store.Get("AAPL")
	assert.False(t, pos.Provisional)
	assert.Equal(t, position.BandLow, pos.Band)
	assert.InDelta(t, 1.5, pos.ATRValue, 1e-9)
	assert.Equal(t, 1.0, pos.ATRMultiplier)
}

func TestRefreshKeepsReadingOnFetchError(t *testing.T) {
	src := &fixedSource{}
	store := position.NewStore(nil, zaptest.NewLogger(t))
	require.NoError(t, store.Seed([]position.Position{openPosition("AAPL")}))

	r := NewRefresher(src, store, ATRPeriod, ATRPeriod+1, zaptest.NewLogger(t))
	r.RefreshAll(context.Background())

	pos, _ := store.Get("AAPL")
	assert.True(t, pos.Provisional)
	assert.Equal(t, 2.0, pos.ATRValue)
}

// A non-default window changes both the candle fetch depth and the ATR
// computation: five-plus-one candles graduate a provisional position that
// the default window would leave on the fallback.
func TestRefreshUsesConfiguredPeriod(t *testing.T) {
	src := &fixedSource{candles: map[string][]market.Candle{
		"AAPL": flatCandles(6, 100, 1.5),
	}}
	store := position.NewStore(nil, zaptest.NewLogger(t))
	require.NoError(t, store.Seed([]position.Position{openPosition("AAPL")}))

	r := NewRefresher(src, store, 5, 6, zaptest.NewLogger(t))
	r.RefreshAll(context.Background())

	assert.Equal(t, 6, src.lastLookback)
	pos, _ := store.Get("AAPL")
	assert.False(t, pos.Provisional)
	assert.InDelta(t, 1.5, pos.ATRValue, 1e-9)
}

func TestRefreshSkipsClosed(t *testing.T) {
	src := &fixedSource{candles: map[string][]market.Candle{
		"DONE": flatCandles(40, 100, 1.5),
	}}
	store := position.NewStore(nil, zaptest.NewLogger(t))
	closed := openPosition("DONE")
	closed.Status = position.StatusClosed
	closed.RemainingQty = 0
	require.NoError(t, store.Seed([]position.Position{closed}))

	r := NewRefresher(src, store, ATRPeriod, ATRPeriod+1, zaptest.NewLogger(t))
	r.RefreshAll(context.Background())

	pos, _ := store.Get("DONE")
	assert.True(t, pos.Provisional)
}
