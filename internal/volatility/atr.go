// internal/volatility/atr.go
package volatility

import (
	"fmt"
	"math"

	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/position"
)

// ATRPeriod is the default lookback of the Average True Range window.
const ATRPeriod = 20

// FallbackStopPercent is the fixed-percentage protective distance used while
// fewer than ATRPeriod candles are available.
const FallbackStopPercent = 2.0

// Band thresholds, ATR as a percentage of price.
const (
	lowBandMaxPct    = 2.0
	mediumBandMaxPct = 4.0
)

// Reading is one volatility assessment of an instrument.
type Reading struct {
	Band       position.Band
	ATR        float64
	Multiplier float64
	// Provisional is set when the reading comes from the percentage
	// fallback rather than a full ATR window.
	Provisional bool
}

// MultiplierFor returns the trailing-stop ATR multiplier for a band.
func MultiplierFor(band position.Band) float64 {
	switch band {
	case position.BandLow:
		return 1.0
	case position.BandMedium:
		return 1.5
	case position.BandHigh:
		return 2.0
	}
	return 1.5
}

// Classify buckets an ATR value by its share of the reference price.
func Classify(atr, price float64) position.Band {
	if price <= 0 {
		return position.BandMedium
	}
	pct := atr / price * 100
	switch {
	case pct < lowBandMaxPct:
		return position.BandLow
	case pct <= mediumBandMaxPct:
		return position.BandMedium
	default:
		return position.BandHigh
	}
}

// ATR computes the Wilder-smoothed Average True Range over the given period:
// seeded with the simple average of the first period true ranges, then
// atr = (atr*(period-1) + tr) / period for the rest.
func ATR(candles []market.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("not enough candles: need %d, got %d", period+1, len(candles))
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)

	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr, nil
}

// Assess derives a volatility reading from candle history, falling back to
// the fixed-percentage provisional reading when history is too short. The
// fallback expresses the 2% distance as a pseudo-ATR with multiplier 1 so
// the stop arithmetic downstream stays uniform. period is the configured
// ATR window, not necessarily ATRPeriod.
func Assess(candles []market.Candle, price float64, period int) Reading {
	atr, err := ATR(candles, period)
	if err != nil {
		return Reading{
			Band:        position.BandMedium,
			ATR:         price * FallbackStopPercent / 100,
			Multiplier:  1.0,
			Provisional: true,
		}
	}
	band := Classify(atr, price)
	return Reading{
		Band:       band,
		ATR:        atr,
		Multiplier: MultiplierFor(band),
	}
}

// CandidateStop computes the trailing-stop candidate from the favorable
// extreme: extreme - mult*ATR for longs, extreme + mult*ATR for shorts. The
// caller applies it only if it tightens the current stop; that filter is
// what makes the stop monotonic at the source.
func CandidateStop(side position.Side, extreme, atr, multiplier float64) float64 {
	offset := multiplier * atr
	if side == position.SideShort {
		return extreme + offset
	}
	return extreme - offset
}

func trueRange(current, previous market.Candle) float64 {
	highLow := current.High - current.Low
	highClose := math.Abs(current.High - previous.Close)
	lowClose := math.Abs(current.Low - previous.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}
