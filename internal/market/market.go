// internal/market/market.go
package market

import "time"

// Candle is one OHLC bar, daily unless stated otherwise.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// PriceSample is one observed price for a ticker, consumed once per cycle.
type PriceSample struct {
	Ticker string
	Price  float64
	Time   time.Time
}

// Snapshot is the per-cycle result of polling a set of tickers. A failure
// for one ticker never fails the batch: the ticker just lands in Errors
// instead of Samples.
type Snapshot struct {
	Samples map[string]PriceSample
	Errors  map[string]error
}
