// internal/volatility/atr_test.go
package volatility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/position"
)

// flatCandles builds count candles whose true range is exactly tr.
func flatCandles(count int, close, tr float64) []market.Candle {
	candles := make([]market.Candle, count)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		candles[i] = market.Candle{
			Time:  day.AddDate(0, 0, i),
			Open:  close,
			High:  close + tr/2,
			Low:   close - tr/2,
			Close: close,
		}
	}
	return candles
}

func TestATRConstantRange(t *testing.T) {
	// Every candle has the same true range, so Wilder smoothing must
	// converge on exactly that value.
	atr, err := ATR(flatCandles(40, 100, 1.5), ATRPeriod)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, atr, 1e-9)
}

func TestATRNeedsFullWindow(t *testing.T) {
	_, err := ATR(flatCandles(ATRPeriod, 100, 1.5), ATRPeriod)
	require.Error(t, err)

	_, err = ATR(flatCandles(ATRPeriod+1, 100, 1.5), ATRPeriod)
	require.NoError(t, err)
}

func TestATRGapDay(t *testing.T) {
	candles := flatCandles(25, 100, 1)
	// An overnight gap makes the close-to-close distance dominate the bar range.
	candles[24].Open = 110
	candles[24].High = 111
	candles[24].Low = 109
	candles[24].Close = 110

	atr, err := ATR(candles, 20)
	require.NoError(t, err)
	// True range of the gap bar is high-prevClose = 11, folded in once.
	expected := (1.0*19 + 11.0) / 20
	assert.InDelta(t, expected, atr, 1e-9)
}

func TestClassifyBands(t *testing.T) {
	assert.Equal(t, position.BandLow, Classify(1.5, 100))
	assert.Equal(t, position.BandMedium, Classify(2.0, 100))
	assert.Equal(t, position.BandMedium, Classify(4.0, 100))
	assert.Equal(t, position.BandHigh, Classify(4.1, 100))
}

func TestAssessLowBandTrailing(t *testing.T) {
	// Entry 100, ATR 1.5 on a 100 price is LOW band, multiplier 1.
	reading := Assess(flatCandles(40, 100, 1.5), 100, ATRPeriod)
	require.False(t, reading.Provisional)
	assert.Equal(t, position.BandLow, reading.Band)
	assert.InDelta(t, 1.5, reading.ATR, 1e-9)
	assert.Equal(t, 1.0, reading.Multiplier)

	// Price runs to 110: the stop trails at extreme - 1*ATR.
	stop := CandidateStop(position.SideLong, 110, reading.ATR, reading.Multiplier)
	assert.InDelta(t, 108.5, stop, 1e-9)

	// A pullback to 105 does not move the extreme, so the candidate is
	// unchanged and the position would exit at the 108.5 stop.
	stop = CandidateStop(position.SideLong, 110, reading.ATR, reading.Multiplier)
	assert.InDelta(t, 108.5, stop, 1e-9)
}

func TestAssessFallsBackProvisional(t *testing.T) {
	reading := Assess(flatCandles(5, 100, 1.5), 100, ATRPeriod)
	assert.True(t, reading.Provisional)
	assert.Equal(t, position.BandMedium, reading.Band)
	assert.InDelta(t, 2.0, reading.ATR, 1e-9)
	assert.Equal(t, 1.0, reading.Multiplier)

	// The provisional stop sits 2% below the extreme.
	stop := CandidateStop(position.SideLong, 100, reading.ATR, reading.Multiplier)
	assert.InDelta(t, 98.0, stop, 1e-9)
}

func TestAssessHonorsConfiguredPeriod(t *testing.T) {
	// Six candles are not enough for the default window but do cover a
	// configured period of 5.
	candles := flatCandles(6, 100, 1.5)

	reading := Assess(candles, 100, ATRPeriod)
	assert.True(t, reading.Provisional)

	reading = Assess(candles, 100, 5)
	require.False(t, reading.Provisional)
	assert.InDelta(t, 1.5, reading.ATR, 1e-9)
}

func TestCandidateStopShort(t *testing.T) {
	stop := CandidateStop(position.SideShort, 90, 1.5, 2)
	assert.InDelta(t, 93.0, stop, 1e-9)
}
